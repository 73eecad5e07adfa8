// Package payment drives the PIX transaction state machine and the
// sale-approved fan-out: created -> pending -> paid -> delivered, with
// expired/failed side branches. The fan-out on a confirmed payment must
// run exactly once even if the gateway redelivers its webhook or two
// workers race on the same manual-verification poll, which is why it
// is built as lock-then-unique-insert rather than a single UPDATE, the
// same SETNX idiom internal/ratelimit uses for request throttling
// repurposed here as a one-shot guard.
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/ivyrail/conductor/internal/blocks"
	"github.com/ivyrail/conductor/internal/config"
	"github.com/ivyrail/conductor/internal/errs"
	"github.com/ivyrail/conductor/internal/model"
	"github.com/ivyrail/conductor/internal/queue"
	"github.com/ivyrail/conductor/internal/ratelimit"
	"github.com/ivyrail/conductor/internal/store"
)

// saleFanOutLockTTL bounds how long one worker holds the sale fan-out
// lock; long enough to cover the deliverable send, short enough that a
// crashed worker doesn't wedge the sale for other retries.
const saleFanOutLockTTL = 30 * time.Second

// SenderResolver resolves the per-bot block sender; narrowed from
// *runtime.Registry so payment doesn't depend on the whole runtime
// package just to deliver a purchase over the right bot's Telegram
// client.
type SenderResolver interface {
	SenderFor(ctx context.Context, botID int64) (*blocks.Sender, error)
}

// TxStore is the subset of store.TransactionRepo the fan-out needs.
type TxStore interface {
	TransitionToPaid(ctx context.Context, id int64, paidAt time.Time) (bool, error)
	GetByID(ctx context.Context, id int64) (*model.PixTransaction, error)
	TransitionTo(ctx context.Context, id int64, status model.TransactionStatus) error
	HasPriorDelivered(ctx context.Context, botID, userID, excludeTxID int64) (bool, error)
}

// NotifStore is the subset of store.NotificationRepo the fan-out needs.
type NotifStore interface {
	CreateIfAbsent(ctx context.Context, n model.SaleNotification) (bool, error)
	MarkStatus(ctx context.Context, transactionID int64, status model.NotificationStatus) error
}

// UserLookup is the subset of store.UserRepo the fan-out needs.
type UserLookup interface {
	GetByID(ctx context.Context, id int64) (*model.User, error)
}

// BlockLister is the subset of store.BlockRepo deliverable lookup needs.
type BlockLister interface {
	ListByContainer(ctx context.Context, kind model.ContainerKind, containerID int64) ([]model.Block, error)
}

// UpsellLister is the subset of store.UpsellRepo upsell activation needs.
type UpsellLister interface {
	ListByBot(ctx context.Context, botID int64) ([]model.Upsell, error)
}

// TrackerStats is the subset of store.TrackerRepo the fan-out needs.
type TrackerStats interface {
	IncrementDailyStat(ctx context.Context, botID, trackerID int64, starts, sales, revenueCents int64) error
}

var (
	_ TxStore      = (*store.TransactionRepo)(nil)
	_ NotifStore   = (*store.NotificationRepo)(nil)
	_ UserLookup   = (*store.UserRepo)(nil)
	_ BlockLister  = (*store.BlockRepo)(nil)
	_ UpsellLister = (*store.UpsellRepo)(nil)
	_ TrackerStats = (*store.TrackerRepo)(nil)
)

type Deps struct {
	Tx        TxStore
	Notif     NotifStore
	Users     UserLookup
	Blocks    BlockLister
	Upsells   UpsellLister
	Trackers  TrackerStats
	Senders   SenderResolver
	Limiter   *ratelimit.Limiter
	Transport *queue.Transport
	Cfg       *config.Config
}

type Engine struct {
	deps Deps
}

// New builds the payment engine, narrowing st down to the handful of
// repos the fan-out actually touches so tests can substitute fakes
// instead of a live Postgres pool.
func New(st *store.Store, senders SenderResolver, limiter *ratelimit.Limiter, transport *queue.Transport, cfg *config.Config) *Engine {
	return &Engine{deps: Deps{
		Tx:        st.Tx,
		Notif:     st.Notif,
		Users:     st.Users,
		Blocks:    st.Blocks,
		Upsells:   st.Upsells,
		Trackers:  st.Trackers,
		Senders:   senders,
		Limiter:   limiter,
		Transport: transport,
		Cfg:       cfg,
	}}
}

// NewFromDeps builds the payment engine directly from pre-built deps,
// used by tests to inject fakes for every collaborator.
func NewFromDeps(deps Deps) *Engine {
	return &Engine{deps: deps}
}

// ConfirmPaid transitions a transaction to paid (idempotently: a
// retried webhook or a second manual-verification poll both no-op once
// the first writer won) and, only on the writer that actually performed
// the transition, runs the sale-approved fan-out.
func (e *Engine) ConfirmPaid(ctx context.Context, txID int64, paidAt time.Time, ownerAdminID, channelID int64) error {
	transitioned, err := e.deps.Tx.TransitionToPaid(ctx, txID, paidAt)
	if err != nil {
		return errs.Transient("transition transaction to paid", err)
	}
	if !transitioned {
		return nil
	}

	tx, err := e.deps.Tx.GetByID(ctx, txID)
	if err != nil {
		return errs.Transient("reload paid transaction", err)
	}
	return e.fanOutSaleApproved(ctx, tx, ownerAdminID, channelID)
}

// fanOutSaleApproved acquires the per-transaction lock, inserts the
// notification row (the real exactly-once gate, since the lock only
// protects against concurrent workers, not a crash mid-fan-out), then
// delivers, activates upsells, updates tracker stats and enqueues the
// admin notification send.
func (e *Engine) fanOutSaleApproved(ctx context.Context, tx *model.PixTransaction, ownerAdminID, channelID int64) error {
	lockName := fmt.Sprintf("sale:%d", tx.ID)
	acquired, err := e.deps.Limiter.Lock(ctx, lockName, saleFanOutLockTTL)
	if err != nil {
		return errs.Transient("acquire sale fan-out lock", err)
	}
	if !acquired {
		return nil // another worker is already running this fan-out
	}
	defer func() { _ = e.deps.Limiter.Unlock(ctx, lockName) }()

	inserted, err := e.deps.Notif.CreateIfAbsent(ctx, model.SaleNotification{
		TransactionID: tx.ID, OwnerAdminID: ownerAdminID, ChannelID: channelID, Status: model.NotificationPending,
	})
	if err != nil {
		return errs.Transient("record sale notification", err)
	}
	if !inserted {
		return nil // fan-out already ran for this transaction
	}

	user, err := e.deps.Users.GetByID(ctx, tx.UserID)
	if err != nil {
		return errs.Transient("load paying user", err)
	}

	if err := e.deliverPurchase(ctx, tx, user.TelegramUserID); err != nil {
		return err
	}

	if err := e.deps.Tx.TransitionTo(ctx, tx.ID, model.TxDelivered); err != nil {
		return errs.Transient("transition transaction to delivered", err)
	}

	if e.deps.Cfg.UpsellActivateOnFirstPaid && tx.OfferID != nil {
		prior, err := e.deps.Tx.HasPriorDelivered(ctx, tx.BotID, tx.UserID, tx.ID)
		if err != nil {
			return errs.Transient("check prior delivered transaction", err)
		}
		if !prior {
			if err := e.maybeActivateUpsells(ctx, tx.BotID, user.TelegramUserID); err != nil {
				return err
			}
		}
	}

	if tx.TrackerID != nil {
		if err := e.deps.Trackers.IncrementDailyStat(ctx, tx.BotID, *tx.TrackerID, 0, 1, tx.Amount.AmountCents); err != nil {
			return errs.Transient("increment tracker daily stat", err)
		}
	}

	return e.enqueueSaleNotification(ctx, tx.ID, channelID)
}

func (e *Engine) deliverPurchase(ctx context.Context, tx *model.PixTransaction, chatID int64) error {
	var kind model.ContainerKind
	var containerID int64
	switch {
	case tx.UpsellID != nil:
		kind, containerID = model.ContainerUpsellDeliverable, *tx.UpsellID
	case tx.OfferID != nil:
		kind, containerID = model.ContainerOfferDeliverable, *tx.OfferID
	default:
		return errs.Permanent("transaction has neither offer nor upsell", nil)
	}

	deliverable, err := e.deps.Blocks.ListByContainer(ctx, kind, containerID)
	if err != nil {
		return errs.Transient("list deliverable blocks", err)
	}
	sender, err := e.deps.Senders.SenderFor(ctx, tx.BotID)
	if err != nil {
		return errs.Transient("resolve bot sender", err)
	}
	if err := sender.Send(ctx, blocks.Params{BotID: tx.BotID, ChatID: chatID, Blocks: deliverable}); err != nil {
		return errs.Transient("send deliverable blocks", err)
	}
	return nil
}

// maybeActivateUpsells schedules every preset upsell's announcement per
// its own delay (immediate, or days/hours/minutes after the first paid
// purchase) by enqueuing a distinct retried task per upsell rather than
// sending inline, so a slow/failed upsell doesn't block the fan-out
// that actually delivered what was paid for.
func (e *Engine) maybeActivateUpsells(ctx context.Context, botID, chatID int64) error {
	upsells, err := e.deps.Upsells.ListByBot(ctx, botID)
	if err != nil {
		return errs.Transient("list upsells", err)
	}
	for _, u := range upsells {
		if !u.IsPreset {
			continue
		}
		task, err := queue.NewTask("default", "dispatch_upsell", map[string]any{
			"bot_id": botID, "chat_id": chatID, "upsell_id": u.ID,
		}, 3)
		if err != nil {
			return errs.Permanent("build upsell dispatch task", err)
		}
		if !u.Schedule.Immediate {
			task.Schedule(scheduleDelay(u.Schedule))
		}
		if err := e.deps.Transport.Enqueue(ctx, task); err != nil {
			return errs.Transient("enqueue upsell dispatch", err)
		}
	}
	return nil
}

func scheduleDelay(s model.UpsellSchedule) time.Duration {
	return time.Duration(s.Days)*24*time.Hour + time.Duration(s.Hours)*time.Hour + time.Duration(s.Minutes)*time.Minute
}

func (e *Engine) enqueueSaleNotification(ctx context.Context, txID, channelID int64) error {
	task, err := queue.NewTask("notifications", "send_sale_notification", map[string]any{
		"transaction_id": txID, "channel_id": channelID,
	}, 5)
	if err != nil {
		return errs.Permanent("build sale notification task", err)
	}
	if err := e.deps.Transport.Enqueue(ctx, task); err != nil {
		return errs.Transient("enqueue sale notification", err)
	}
	return nil
}

// MarkNotificationSent records that the admin's sale notification was
// delivered, called by the "send_sale_notification" task handler.
func (e *Engine) MarkNotificationSent(ctx context.Context, txID int64) error {
	return e.deps.Notif.MarkStatus(ctx, txID, model.NotificationSent)
}

// MarkNotificationFailed records a permanently failed send (e.g. the
// admin blocked the manager bot), so it is not retried forever.
func (e *Engine) MarkNotificationFailed(ctx context.Context, txID int64) error {
	return e.deps.Notif.MarkStatus(ctx, txID, model.NotificationFailed)
}

// ExpirePending marks a transaction expired if it never reached paid.
// The scheduler's stale-charge sweep does not call it; that sweep moves
// stale created/pending rows to expired through the store directly.
func (e *Engine) ExpirePending(ctx context.Context, txID int64) error {
	tx, err := e.deps.Tx.GetByID(ctx, txID)
	if err != nil {
		return errs.Transient("load transaction", err)
	}
	if tx.Status == model.TxPaid || tx.Status == model.TxDelivered {
		return nil
	}
	if err := e.deps.Tx.TransitionTo(ctx, txID, model.TxExpired); err != nil {
		return errs.Transient("expire transaction", err)
	}
	return nil
}
