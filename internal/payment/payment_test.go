package payment

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivyrail/conductor/internal/blocks"
	"github.com/ivyrail/conductor/internal/config"
	"github.com/ivyrail/conductor/internal/kv"
	"github.com/ivyrail/conductor/internal/model"
	"github.com/ivyrail/conductor/internal/queue"
	"github.com/ivyrail/conductor/internal/ratelimit"
)

func TestScheduleDelayCombinesDaysHoursMinutes(t *testing.T) {
	d := scheduleDelay(model.UpsellSchedule{Days: 1, Hours: 2, Minutes: 30})
	assert.Equal(t, 26*time.Hour+30*time.Minute, d)
}

func TestScheduleDelayZeroWhenUnset(t *testing.T) {
	assert.Equal(t, time.Duration(0), scheduleDelay(model.UpsellSchedule{}))
}

type fakeTxStore struct {
	tx             *model.PixTransaction
	transitionOnce bool
	transitioned   bool
	priorDelivered bool
	statuses       []model.TransactionStatus
}

func (f *fakeTxStore) TransitionToPaid(ctx context.Context, id int64, paidAt time.Time) (bool, error) {
	if f.transitioned {
		return false, nil
	}
	if f.transitionOnce {
		f.transitioned = true
	}
	return true, nil
}

func (f *fakeTxStore) GetByID(ctx context.Context, id int64) (*model.PixTransaction, error) {
	return f.tx, nil
}

func (f *fakeTxStore) TransitionTo(ctx context.Context, id int64, status model.TransactionStatus) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeTxStore) HasPriorDelivered(ctx context.Context, botID, userID, excludeTxID int64) (bool, error) {
	return f.priorDelivered, nil
}

type fakeNotifStore struct {
	inserted map[int64]bool
	statuses map[int64]model.NotificationStatus
}

func newFakeNotifStore() *fakeNotifStore {
	return &fakeNotifStore{inserted: map[int64]bool{}, statuses: map[int64]model.NotificationStatus{}}
}

func (f *fakeNotifStore) CreateIfAbsent(ctx context.Context, n model.SaleNotification) (bool, error) {
	if f.inserted[n.TransactionID] {
		return false, nil
	}
	f.inserted[n.TransactionID] = true
	return true, nil
}

func (f *fakeNotifStore) MarkStatus(ctx context.Context, transactionID int64, status model.NotificationStatus) error {
	f.statuses[transactionID] = status
	return nil
}

type fakeUserLookup struct{ user *model.User }

func (f *fakeUserLookup) GetByID(ctx context.Context, id int64) (*model.User, error) {
	return f.user, nil
}

type fakeBlockLister struct {
	blocksByKind map[model.ContainerKind][]model.Block
}

func (f *fakeBlockLister) ListByContainer(ctx context.Context, kind model.ContainerKind, containerID int64) ([]model.Block, error) {
	return f.blocksByKind[kind], nil
}

type fakeUpsellLister struct{ upsells []model.Upsell }

func (f *fakeUpsellLister) ListByBot(ctx context.Context, botID int64) ([]model.Upsell, error) {
	return f.upsells, nil
}

type fakeTrackerStats struct{ calls int }

func (f *fakeTrackerStats) IncrementDailyStat(ctx context.Context, botID, trackerID, starts, sales, revenueCents int64) error {
	f.calls++
	return nil
}

type fakeTelegramClient struct{ sent []string }

func (f *fakeTelegramClient) SendText(_ context.Context, _ int64, text string, _ bool) (int64, error) {
	f.sent = append(f.sent, text)
	return 1, nil
}
func (f *fakeTelegramClient) SendPhoto(context.Context, int64, string, string) (string, int64, error) {
	return "", 0, nil
}
func (f *fakeTelegramClient) SendVideo(context.Context, int64, string, string) (string, int64, error) {
	return "", 0, nil
}
func (f *fakeTelegramClient) SendVoice(context.Context, int64, string, string) (string, int64, error) {
	return "", 0, nil
}
func (f *fakeTelegramClient) SendDocument(context.Context, int64, string, string) (string, int64, error) {
	return "", 0, nil
}
func (f *fakeTelegramClient) SendAnimation(context.Context, int64, string, string) (string, int64, error) {
	return "", 0, nil
}
func (f *fakeTelegramClient) SendChatAction(context.Context, int64, string) error { return nil }

type fakeMediaCache struct{}

func (fakeMediaCache) Lookup(context.Context, int64, string) (string, error) { return "", nil }
func (fakeMediaCache) Store(context.Context, int64, string, string) error    { return nil }
func (fakeMediaCache) Invalidate(context.Context, int64, string) error       { return nil }

type fakeSenderResolver struct{ sender *blocks.Sender }

func (f *fakeSenderResolver) SenderFor(ctx context.Context, botID int64) (*blocks.Sender, error) {
	return f.sender, nil
}

type testHarness struct {
	engine    *Engine
	tx        *fakeTxStore
	tel       *fakeTelegramClient
	trackers  *fakeTrackerStats
	transport *queue.Transport
}

func newTestHarness(t *testing.T, tx *fakeTxStore, upsells []model.Upsell, priorDelivered bool) *testHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	kvClient := kv.NewFromRaw(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	limiter := ratelimit.New(kvClient, &config.Config{})
	transport := queue.NewTransport(kvClient)

	tel := &fakeTelegramClient{}
	sender := blocks.New(tel, fakeMediaCache{}, transport)
	notif := newFakeNotifStore()
	trackers := &fakeTrackerStats{}
	tx.priorDelivered = priorDelivered

	deps := Deps{
		Tx:        tx,
		Notif:     notif,
		Users:     &fakeUserLookup{user: &model.User{ID: tx.tx.UserID, TelegramUserID: 555}},
		Blocks:    &fakeBlockLister{blocksByKind: map[model.ContainerKind][]model.Block{model.ContainerOfferDeliverable: {{Text: "seu acesso"}}}},
		Upsells:   &fakeUpsellLister{upsells: upsells},
		Trackers:  trackers,
		Senders:   &fakeSenderResolver{sender: sender},
		Limiter:   limiter,
		Transport: transport,
		Cfg:       &config.Config{UpsellActivateOnFirstPaid: true},
	}
	return &testHarness{engine: NewFromDeps(deps), tx: tx, tel: tel, trackers: trackers, transport: transport}
}

func TestConfirmPaidRunsFanOutOnce(t *testing.T) {
	offerID := int64(42)
	tx := &fakeTxStore{tx: &model.PixTransaction{ID: 1, BotID: 9, UserID: 3, OfferID: &offerID, Amount: model.Money{AmountCents: 5000, Currency: "BRL"}}}
	h := newTestHarness(t, tx, nil, false)

	err := h.engine.ConfirmPaid(context.Background(), 1, time.Now(), 77, 88)
	require.NoError(t, err)
	assert.Len(t, h.tel.sent, 1)
	assert.Contains(t, h.tx.statuses, model.TxDelivered)
}

func TestConfirmPaidSecondWebhookIsNoOp(t *testing.T) {
	offerID := int64(42)
	tx := &fakeTxStore{tx: &model.PixTransaction{ID: 1, BotID: 9, UserID: 3, OfferID: &offerID}, transitionOnce: true}
	h := newTestHarness(t, tx, nil, false)

	require.NoError(t, h.engine.ConfirmPaid(context.Background(), 1, time.Now(), 77, 88))
	require.NoError(t, h.engine.ConfirmPaid(context.Background(), 1, time.Now(), 77, 88))

	assert.Len(t, h.tel.sent, 1, "fan-out must run exactly once across redelivered webhooks")
}

func TestConfirmPaidConcurrentPollsFanOutOnce(t *testing.T) {
	offerID := int64(42)
	tx := &fakeTxStore{tx: &model.PixTransaction{ID: 1, BotID: 9, UserID: 3, OfferID: &offerID}}
	h := newTestHarness(t, tx, nil, false)

	errCh := make(chan error, 2)
	go func() { errCh <- h.engine.fanOutSaleApproved(context.Background(), tx.tx, 77, 88) }()
	go func() { errCh <- h.engine.fanOutSaleApproved(context.Background(), tx.tx, 77, 88) }()
	require.NoError(t, <-errCh)
	require.NoError(t, <-errCh)

	assert.Len(t, h.tel.sent, 1, "two racing workers must deliver exactly once")
}

func TestFanOutActivatesUpsellsOnFirstPaidPurchase(t *testing.T) {
	offerID := int64(42)
	tx := &fakeTxStore{tx: &model.PixTransaction{ID: 1, BotID: 9, UserID: 3, OfferID: &offerID}}
	upsells := []model.Upsell{{ID: 5, IsPreset: true, Schedule: model.UpsellSchedule{Immediate: true}}}
	h := newTestHarness(t, tx, upsells, false)

	require.NoError(t, h.engine.ConfirmPaid(context.Background(), 1, time.Now(), 77, 88))

	depth, err := h.transport.Depth(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "the immediate preset upsell must be enqueued")
}

func TestFanOutSkipsUpsellsWhenUserAlreadyHasDeliveredPurchase(t *testing.T) {
	offerID := int64(42)
	tx := &fakeTxStore{tx: &model.PixTransaction{ID: 2, BotID: 9, UserID: 3, OfferID: &offerID}}
	upsells := []model.Upsell{{ID: 5, IsPreset: true, Schedule: model.UpsellSchedule{Immediate: true}}}
	h := newTestHarness(t, tx, upsells, true)

	require.NoError(t, h.engine.ConfirmPaid(context.Background(), 2, time.Now(), 77, 88))
	assert.Len(t, h.tel.sent, 1, "purchase delivery must still happen")

	depth, err := h.transport.Depth(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth, "a repeat purchaser must not retrigger upsell activation")
}

func TestExpirePendingLeavesPaidTransactionsAlone(t *testing.T) {
	tx := &fakeTxStore{tx: &model.PixTransaction{ID: 3, Status: model.TxPaid}}
	h := newTestHarness(t, tx, nil, false)

	require.NoError(t, h.engine.ExpirePending(context.Background(), 3))
	assert.NotContains(t, h.tx.statuses, model.TxExpired)
}

func TestExpirePendingMarksStaleTransactionExpired(t *testing.T) {
	tx := &fakeTxStore{tx: &model.PixTransaction{ID: 4, Status: model.TxPending}}
	h := newTestHarness(t, tx, nil, false)

	require.NoError(t, h.engine.ExpirePending(context.Background(), 4))
	assert.Contains(t, h.tx.statuses, model.TxExpired)
}
