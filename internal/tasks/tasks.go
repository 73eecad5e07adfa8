// Package tasks registers the worker's queue.Handler functions: one per
// task name enqueued by ingress, session, blocks, payment and
// scheduler. It is the seam between the generic queue.Pool runtime and
// the domain engines (runtime.Registry, payment.Engine) that actually
// do the work, keeping transport-layer dispatch (router, pool) separate
// from the handlers it calls into.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ivyrail/conductor/internal/blocks"
	"github.com/ivyrail/conductor/internal/clients"
	"github.com/ivyrail/conductor/internal/errs"
	"github.com/ivyrail/conductor/internal/model"
	"github.com/ivyrail/conductor/internal/payment"
	"github.com/ivyrail/conductor/internal/queue"
	"github.com/ivyrail/conductor/internal/runtime"
	"github.com/ivyrail/conductor/internal/scheduler"
	"github.com/ivyrail/conductor/internal/session"
	"github.com/ivyrail/conductor/internal/store"
)

// Deps bundles everything the registered handlers need.
type Deps struct {
	Store     *store.Store
	Registry  *runtime.Registry
	Payment   *payment.Engine
	Manager   *clients.Telegram // manager bot client, for admin notifications
	Transport *queue.Transport
	Log       zerolog.Logger
}

// Register binds every task name this worker understands onto pool.
func Register(pool *queue.Pool, deps Deps) {
	pool.Register("process_update", deps.handleProcessUpdate)
	pool.Register("process_manager_update", deps.handleProcessManagerUpdate)
	pool.Register("delete_message", deps.handleDeleteMessage)
	pool.Register("dispatch_upsell", deps.handleDispatchUpsell)
	pool.Register("send_sale_notification", deps.handleSendSaleNotification)
	pool.Register("recovery_dispatch_step", deps.handleRecoveryDispatchStep)
}

type inboundArgs struct {
	BotID          int64  `json:"bot_id"`
	AdminID        int64  `json:"admin_id"`
	ChatID         int64  `json:"chat_id"`
	UserTelegramID int64  `json:"user_telegram_id"`
	Text           string `json:"text"`
	TrackerCode    string `json:"tracker_code"`
	IsStart        bool   `json:"is_start"`
}

// handleProcessUpdate runs one Telegram message through the bot's
// conversation pipeline via the per-bot session.Engine runtime.Registry
// builds and caches.
func (d Deps) handleProcessUpdate(ctx context.Context, t *queue.Task) error {
	var args inboundArgs
	if err := t.Unmarshal(&args); err != nil {
		return errs.Permanent("unmarshal process_update args", err)
	}

	eng, err := d.Registry.EngineFor(ctx, args.BotID)
	if err != nil {
		return errs.Transient("resolve bot engine", err)
	}

	return eng.Handle(ctx, session.Inbound{
		BotID:          args.BotID,
		AdminID:        args.AdminID,
		ChatID:         args.ChatID,
		UserTelegramID: args.UserTelegramID,
		Text:           args.Text,
		TrackerCode:    args.TrackerCode,
		IsStart:        args.IsStart,
	})
}

// handleProcessManagerUpdate handles updates sent to the manager bot.
// A signed-button menu UI for the manager bot is out of scope here;
// registering bots, topping up credit and inspecting health are cmd/
// botctl's job instead. This handler only has to exist so the manager
// webhook's enqueued updates don't pile up as unhandled dead letters.
func (d Deps) handleProcessManagerUpdate(ctx context.Context, t *queue.Task) error {
	var args inboundArgs
	if err := t.Unmarshal(&args); err != nil {
		return errs.Permanent("unmarshal process_manager_update args", err)
	}
	d.Log.Info().Int64("chat_id", args.ChatID).Str("text", args.Text).Msg("manager update received")
	return nil
}

type deleteMessageArgs struct {
	BotID     int64 `json:"bot_id"`
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

func (d Deps) handleDeleteMessage(ctx context.Context, t *queue.Task) error {
	var args deleteMessageArgs
	if err := t.Unmarshal(&args); err != nil {
		return errs.Permanent("unmarshal delete_message args", err)
	}

	tg, err := d.Registry.TelegramFor(ctx, args.BotID)
	if err != nil {
		return errs.Transient("resolve bot telegram client", err)
	}
	if err := tg.DeleteMessage(ctx, args.ChatID, args.MessageID); err != nil {
		// Telegram 400s a delete for an already-gone message constantly;
		// that is not worth retrying or dead-lettering.
		return errs.Consistency("delete message", err)
	}
	return nil
}

type dispatchUpsellArgs struct {
	BotID    int64 `json:"bot_id"`
	ChatID   int64 `json:"chat_id"`
	UpsellID int64 `json:"upsell_id"`
}

func (d Deps) handleDispatchUpsell(ctx context.Context, t *queue.Task) error {
	var args dispatchUpsellArgs
	if err := t.Unmarshal(&args); err != nil {
		return errs.Permanent("unmarshal dispatch_upsell args", err)
	}

	upsell, err := d.Store.Upsells.GetByID(ctx, args.UpsellID)
	if err != nil {
		if err == store.ErrNotFound {
			return errs.Consistency("upsell no longer exists", err)
		}
		return errs.Transient("load upsell", err)
	}

	announcement, err := d.Store.Blocks.ListByContainer(ctx, model.ContainerUpsellAnnouncement, upsell.ID)
	if err != nil {
		return errs.Transient("list upsell announcement blocks", err)
	}
	if len(announcement) == 0 {
		return errs.Consistency("upsell has no announcement blocks", nil)
	}

	sender, err := d.Registry.SenderFor(ctx, args.BotID)
	if err != nil {
		return errs.Transient("resolve bot sender", err)
	}
	if err := sender.Send(ctx, blocks.Params{BotID: args.BotID, ChatID: args.ChatID, Blocks: announcement}); err != nil {
		return errs.Transient("send upsell announcement", err)
	}
	return nil
}

type sendSaleNotificationArgs struct {
	TransactionID int64 `json:"transaction_id"`
	ChannelID     int64 `json:"channel_id"`
}

// handleSendSaleNotification tells the admin's manager-bot channel
// about a confirmed sale. It runs over the manager bot's own Telegram
// client, not a secondary bot's, since the notification target is the
// operator, not the end customer.
func (d Deps) handleSendSaleNotification(ctx context.Context, t *queue.Task) error {
	var args sendSaleNotificationArgs
	if err := t.Unmarshal(&args); err != nil {
		return errs.Permanent("unmarshal send_sale_notification args", err)
	}

	tx, err := d.Store.Tx.GetByID(ctx, args.TransactionID)
	if err != nil {
		return errs.Transient("load transaction", err)
	}

	text := fmt.Sprintf("Sale confirmed — bot %d, tx %d, %d %s", tx.BotID, tx.ID, tx.Amount.AmountCents, tx.Amount.Currency)

	if d.Manager == nil {
		return errs.Permanent("manager telegram client not configured", nil)
	}
	if _, err := d.Manager.SendText(ctx, args.ChannelID, text, false); err != nil {
		_ = d.Payment.MarkNotificationFailed(ctx, args.TransactionID)
		return errs.Transient("send sale notification", err)
	}
	return d.Payment.MarkNotificationSent(ctx, args.TransactionID)
}

type recoveryDispatchStepArgs struct {
	BotID             int64  `json:"bot_id"`
	UserTelegramID    int64  `json:"user_telegram_id"`
	CampaignVersion   int64  `json:"campaign_version"`
	InactivityVersion int64  `json:"inactivity_version"`
	StepOrdinal       int    `json:"step_ordinal"`
	EpisodeID         string `json:"episode_id"`
}

// handleRecoveryDispatchStep sends one recovery-campaign step and, if
// the user still hasn't come back, enqueues the next one. A step is
// dropped the moment inactivity_version no longer matches what the
// watchdog sweep saw, since that means the user messaged the bot again
// and the recovery episode is stale.
func (d Deps) handleRecoveryDispatchStep(ctx context.Context, t *queue.Task) error {
	var args recoveryDispatchStepArgs
	if err := t.Unmarshal(&args); err != nil {
		return errs.Permanent("unmarshal recovery_dispatch_step args", err)
	}

	sess, err := d.Store.Sessions.GetOrCreate(ctx, args.BotID, args.UserTelegramID)
	if err != nil {
		return errs.Transient("load session", err)
	}
	if sess.InactivityVersion != args.InactivityVersion {
		return errs.Consistency("user interacted since this recovery episode started", nil)
	}

	steps, err := d.Store.Recovery.ListSteps(ctx, args.BotID)
	if err != nil {
		return errs.Transient("list recovery steps", err)
	}
	step, found := findStep(steps, args.StepOrdinal)
	if !found {
		return errs.Consistency("recovery campaign has no such step", nil)
	}

	inserted, err := d.Store.Recovery.RecordDelivery(ctx, model.RecoveryDelivery{
		BotID: args.BotID, UserID: args.UserTelegramID, CampaignVersion: args.CampaignVersion,
		EpisodeID: args.EpisodeID, StepOrdinal: args.StepOrdinal, Status: model.DeliveryScheduled, ScheduledFor: time.Now(),
	})
	if err != nil {
		return errs.Transient("record recovery delivery", err)
	}
	if !inserted {
		return nil // already delivered by another worker
	}

	stepBlocks, err := d.Store.Blocks.ListByContainer(ctx, model.ContainerRecoveryStep, model.RecoveryStepContainerID(args.BotID, args.StepOrdinal))
	if err != nil {
		return errs.Transient("list recovery step blocks", err)
	}

	sender, err := d.Registry.SenderFor(ctx, args.BotID)
	if err != nil {
		return errs.Transient("resolve bot sender", err)
	}
	if len(stepBlocks) > 0 {
		if err := sender.Send(ctx, blocks.Params{BotID: args.BotID, ChatID: args.UserTelegramID, Blocks: stepBlocks}); err != nil {
			return errs.Transient("send recovery step", err)
		}
	}
	if err := d.Store.Recovery.MarkSent(ctx, model.RecoveryDelivery{
		BotID: args.BotID, UserID: args.UserTelegramID, CampaignVersion: args.CampaignVersion,
		EpisodeID: args.EpisodeID, StepOrdinal: args.StepOrdinal,
	}, time.Now()); err != nil {
		return errs.Transient("mark recovery delivery sent", err)
	}

	next, found := findStep(steps, args.StepOrdinal+1)
	if !found {
		return nil
	}
	campaign, err := d.Store.Recovery.GetCampaign(ctx, args.BotID)
	if err != nil {
		return errs.Transient("load recovery campaign", err)
	}
	delay := nextStepDelay(time.Now(), campaign.Timezone, next)

	task, err := queue.NewTask("recovery", "recovery_dispatch_step", map[string]any{
		"bot_id":             args.BotID,
		"user_telegram_id":   args.UserTelegramID,
		"campaign_version":   args.CampaignVersion,
		"inactivity_version": args.InactivityVersion,
		"step_ordinal":       next.Ordinal,
		"episode_id":         args.EpisodeID,
	}, 5)
	if err != nil {
		return errs.Permanent("build next recovery step task", err)
	}
	task.Schedule(delay)
	if err := d.Transport.Enqueue(ctx, task); err != nil {
		return errs.Transient("enqueue next recovery step", err)
	}
	return nil
}

func findStep(steps []model.RecoveryStep, ordinal int) (model.RecoveryStep, bool) {
	for _, s := range steps {
		if s.Ordinal == ordinal {
			return s, true
		}
	}
	return model.RecoveryStep{}, false
}

// nextStepDelay computes how long to wait before a step fires, per its
// schedule kind. next_day_at/offset_days fall back to UTC if tz fails
// to load rather than failing the whole dispatch.
func nextStepDelay(now time.Time, tz string, step model.RecoveryStep) time.Duration {
	loc, err := time.LoadLocation(tz)
	if err != nil || loc == nil {
		loc = time.UTC
	}

	switch step.Kind {
	case model.ScheduleRelative:
		switch step.RelativeUnit {
		case "h":
			return time.Duration(step.RelativeAmount) * time.Hour
		case "d":
			return time.Duration(step.RelativeAmount) * 24 * time.Hour
		default:
			return time.Duration(step.RelativeAmount) * time.Minute
		}
	case model.ScheduleNextDayAt:
		clock := fmt.Sprintf("%02d:%02d", step.ClockHour, step.ClockMinute)
		target, err := scheduler.ResolveNextDayAt(clock, now, loc)
		if err != nil {
			return time.Hour
		}
		return target.Sub(now)
	case model.ScheduleOffsetDays:
		expr := fmt.Sprintf("+%dd %02d:%02d", step.OffsetDays, step.ClockHour, step.ClockMinute)
		target, err := scheduler.ResolveOffsetDays(expr, now, loc)
		if err != nil {
			return time.Hour
		}
		return target.Sub(now)
	default:
		return time.Hour
	}
}
