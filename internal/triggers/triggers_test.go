package triggers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivyrail/conductor/internal/clients"
	"github.com/ivyrail/conductor/internal/model"
	"github.com/ivyrail/conductor/internal/store"
)

type fakePhases struct{ phases []model.Phase }

func (f *fakePhases) ListByBot(ctx context.Context, botID int64) ([]model.Phase, error) {
	return f.phases, nil
}

type fakeOffers struct{ offer *model.Offer }

func (f *fakeOffers) GetActiveForBot(ctx context.Context, botID int64) (*model.Offer, error) {
	if f.offer == nil {
		return nil, store.ErrNotFound
	}
	return f.offer, nil
}

type fakeActions struct{ actions []model.Action }

func (f *fakeActions) ListByBot(ctx context.Context, botID int64) ([]model.Action, error) {
	return f.actions, nil
}

type fakeUpsells struct{ upsells []model.Upsell }

func (f *fakeUpsells) ListByBot(ctx context.Context, botID int64) ([]model.Upsell, error) {
	return f.upsells, nil
}

type fakeBlocks struct {
	blocksByKind map[model.ContainerKind][]model.Block
}

func (f *fakeBlocks) ListByContainer(ctx context.Context, kind model.ContainerKind, containerID int64) ([]model.Block, error) {
	return f.blocksByKind[kind], nil
}

type fakeTx struct {
	pending    *model.PixTransaction
	created    []model.PixTransaction
	nextID     int64
	transition bool
}

func (f *fakeTx) LatestPendingForUser(ctx context.Context, botID, userID int64, within time.Duration) (*model.PixTransaction, error) {
	if f.pending == nil {
		return nil, store.ErrNotFound
	}
	return f.pending, nil
}

func (f *fakeTx) TransitionToPaid(ctx context.Context, id int64, paidAt time.Time) (bool, error) {
	return f.transition, nil
}

func (f *fakeTx) Create(ctx context.Context, tx *model.PixTransaction) (int64, error) {
	f.nextID++
	f.created = append(f.created, *tx)
	return f.nextID, nil
}

type fakePIX struct {
	lastCharge   clients.CreateChargeRequest
	chargeResult *clients.CreateChargeResult
	statusReply  string
}

func (f *fakePIX) CreateCharge(ctx context.Context, req clients.CreateChargeRequest) (*clients.CreateChargeResult, error) {
	f.lastCharge = req
	if f.chargeResult != nil {
		return f.chargeResult, nil
	}
	return &clients.CreateChargeResult{ExternalID: "ext-1", CopyPaste: "pix-copy-paste"}, nil
}

func (f *fakePIX) CheckStatus(ctx context.Context, externalID string) (string, error) {
	return f.statusReply, nil
}

func newTestEngine(offers *fakeOffers, tx *fakeTx, pix *fakePIX, blocks *fakeBlocks) *Engine {
	if blocks == nil {
		blocks = &fakeBlocks{blocksByKind: map[model.ContainerKind][]model.Block{}}
	}
	return &Engine{
		phases:  &fakePhases{},
		offers:  offers,
		actions: &fakeActions{},
		upsells: &fakeUpsells{},
		blocks:  blocks,
		tx:      tx,
		pix:     pix,
	}
}

func TestScanOfferDiscountChargesNegotiatedAmountNotListPrice(t *testing.T) {
	offer := model.Offer{ID: 1, BotID: 9, Name: "Combo VIP", Price: model.Money{AmountCents: 5000, Currency: "BRL"}, DiscountTrigger: "desconto"}
	tx := &fakeTx{}
	pix := &fakePIX{}
	e := newTestEngine(&fakeOffers{offer: &offer}, tx, pix, &fakeBlocks{blocksByKind: map[model.ContainerKind][]model.Block{
		model.ContainerNegotiatedDiscount: {{Text: "aqui está seu desconto"}},
	}})

	in := ScanInput{BotID: 9, UserID: 3, AIText: "posso liberar com desconto 19,90 pra você"}
	act, matched, err := e.scanOffer(context.Background(), in, offer)
	require.NoError(t, err)
	require.True(t, matched)
	assert.Equal(t, model.ContainerNegotiatedDiscount, act.ContainerKind)

	assert.Equal(t, int64(1990), pix.lastCharge.AmountCents)
	require.Len(t, tx.created, 1)
	assert.Equal(t, int64(1990), tx.created[0].Amount.AmountCents)
}

func TestScanOfferPlainMentionChargesListPrice(t *testing.T) {
	offer := model.Offer{ID: 1, BotID: 9, Name: "Combo VIP", Price: model.Money{AmountCents: 5000, Currency: "BRL"}}
	tx := &fakeTx{}
	pix := &fakePIX{}
	e := newTestEngine(&fakeOffers{offer: &offer}, tx, pix, &fakeBlocks{blocksByKind: map[model.ContainerKind][]model.Block{
		model.ContainerOfferPitch: {{Text: "confira o combo vip"}},
	}})

	in := ScanInput{BotID: 9, UserID: 3, AIText: "o Combo VIP está liberado pra você"}
	act, matched, err := e.scanOffer(context.Background(), in, offer)
	require.NoError(t, err)
	require.True(t, matched)
	assert.Equal(t, model.ContainerOfferPitch, act.ContainerKind)
	assert.Equal(t, int64(5000), pix.lastCharge.AmountCents)
}

func TestScanOfferManualVerificationDeliversWhenGatewayReportsPaid(t *testing.T) {
	offer := model.Offer{ID: 1, BotID: 9, Name: "Combo VIP", Price: model.Money{AmountCents: 5000, Currency: "BRL"}, ManualVerifyTrigger: "ja paguei"}
	tx := &fakeTx{pending: &model.PixTransaction{ID: 7, ExternalID: "ext-7"}, transition: true}
	pix := &fakePIX{statusReply: "paid"}
	e := newTestEngine(&fakeOffers{offer: &offer}, tx, pix, &fakeBlocks{blocksByKind: map[model.ContainerKind][]model.Block{
		model.ContainerOfferDeliverable: {{Text: "aqui está seu acesso"}},
	}})

	in := ScanInput{BotID: 9, UserID: 3, AIText: "ja paguei, pode confirmar?"}
	act, matched, err := e.scanOffer(context.Background(), in, offer)
	require.NoError(t, err)
	require.True(t, matched)
	assert.Equal(t, model.ContainerOfferDeliverable, act.ContainerKind)
}

func TestScanOfferManualVerificationNoMatchWhenGatewayStillPending(t *testing.T) {
	offer := model.Offer{ID: 1, BotID: 9, Name: "Combo VIP", Price: model.Money{AmountCents: 5000, Currency: "BRL"}, ManualVerifyTrigger: "ja paguei"}
	tx := &fakeTx{pending: &model.PixTransaction{ID: 7, ExternalID: "ext-7"}}
	pix := &fakePIX{statusReply: "pending"}
	e := newTestEngine(&fakeOffers{offer: &offer}, tx, pix, nil)

	in := ScanInput{BotID: 9, UserID: 3, AIText: "ja paguei, pode confirmar?"}
	_, matched, err := e.scanOffer(context.Background(), in, offer)
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestPostScanDetectsPhaseTransition(t *testing.T) {
	e := &Engine{
		phases: &fakePhases{phases: []model.Phase{
			{ID: 1, IsGeneral: true},
			{ID: 2, TriggerTerms: []string{"fechar negocio"}},
		}},
		offers:  &fakeOffers{},
		actions: &fakeActions{},
		upsells: &fakeUpsells{},
		blocks:  &fakeBlocks{blocksByKind: map[model.ContainerKind][]model.Block{}},
		tx:      &fakeTx{},
		pix:     &fakePIX{},
	}

	in := ScanInput{BotID: 9, UserID: 3, Session: &model.Session{CurrentPhaseID: 1, ActionStatuses: map[string]model.ActionStatus{}}, AIText: "fechar negocio"}
	out, err := e.PostScan(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, out.PhaseChanged)
	assert.Equal(t, int64(2), out.NewPhaseID)
}

func TestPostScanActivatesActionOncePerSession(t *testing.T) {
	e := &Engine{
		phases: &fakePhases{},
		offers: &fakeOffers{},
		actions: &fakeActions{actions: []model.Action{
			{ID: 1, Name: "enviar catalogo"},
		}},
		upsells: &fakeUpsells{},
		blocks: &fakeBlocks{blocksByKind: map[model.ContainerKind][]model.Block{
			model.ContainerAction: {{Text: "catálogo enviado"}},
		}},
		tx:  &fakeTx{},
		pix: &fakePIX{},
	}

	in := ScanInput{BotID: 9, UserID: 3, Session: &model.Session{ActionStatuses: map[string]model.ActionStatus{}},
		AIText: "vou te enviar catalogo agora mesmo com todos os detalhes do pacote que conversamos"}
	out, err := e.PostScan(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, model.ActionActivated, out.ActivatedActions["enviar catalogo"])
	require.Len(t, out.Activations, 1)
	assert.Equal(t, model.ContainerAction, out.Activations[0].ContainerKind)
}

func TestPostScanSkipsAlreadyActivatedAction(t *testing.T) {
	e := &Engine{
		phases: &fakePhases{},
		offers: &fakeOffers{},
		actions: &fakeActions{actions: []model.Action{
			{ID: 1, Name: "enviar catalogo"},
		}},
		upsells: &fakeUpsells{},
		blocks:  &fakeBlocks{blocksByKind: map[model.ContainerKind][]model.Block{}},
		tx:      &fakeTx{},
		pix:     &fakePIX{},
	}

	in := ScanInput{BotID: 9, UserID: 3, Session: &model.Session{ActionStatuses: map[string]model.ActionStatus{"enviar catalogo": model.ActionActivated}},
		AIText: "vou te enviar catalogo agora"}
	out, err := e.PostScan(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, out.Activations)
}
