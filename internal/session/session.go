// Package session implements the conversation pipeline: one inbound
// Telegram message flows through attribution, rate limiting, activity
// bookkeeping, a credit reservation, a trigger pre-scan, an LLM call, a
// credit settlement, a trigger post-scan and finally a block send. It
// is the single place every per-message side effect funnels through.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ivyrail/conductor/internal/blocks"
	"github.com/ivyrail/conductor/internal/clients"
	"github.com/ivyrail/conductor/internal/credit"
	"github.com/ivyrail/conductor/internal/errs"
	"github.com/ivyrail/conductor/internal/model"
	"github.com/ivyrail/conductor/internal/queue"
	"github.com/ivyrail/conductor/internal/ratelimit"
	"github.com/ivyrail/conductor/internal/store"
	"github.com/ivyrail/conductor/internal/triggers"
)

// maxCASAttempts bounds the optimistic-concurrency retry loop around
// SessionRepo.CompareAndSwap.
const maxCASAttempts = 5

// LLMClient is the subset of clients.LLM the engine drives, narrowed so
// tests can substitute a fake model.
type LLMClient interface {
	ChatCompletion(ctx context.Context, messages []clients.ChatMessage, maxTokens int) (*clients.ChatResult, error)
}

var _ LLMClient = (*clients.LLM)(nil)

// Deps are every collaborator the pipeline needs.
type Deps struct {
	Store          *store.Store
	Credit         *credit.Engine
	Limiter        *ratelimit.Limiter
	LLM            LLMClient
	Triggers       *triggers.Engine
	Blocks         *blocks.Sender
	Transport      *queue.Transport
	GeneralPrompt  func(botID int64) string
	MaxReplyTokens int
}

// Engine runs the pipeline for one bot's traffic.
type Engine struct {
	deps Deps
}

func New(deps Deps) *Engine {
	if deps.MaxReplyTokens == 0 {
		deps.MaxReplyTokens = 600
	}
	return &Engine{deps: deps}
}

// Inbound is one Telegram message arriving from the task queue.
type Inbound struct {
	BotID          int64
	AdminID        int64
	ChatID         int64
	UserTelegramID int64
	Text           string
	TrackerCode    string // non-empty only on a /start deep link
	IsStart        bool
}

// Handle runs the full pipeline for one inbound message. It returns an
// *errs.Error so the task runtime above it can decide whether to
// retry, dead-letter or exit silently.
func (e *Engine) Handle(ctx context.Context, in Inbound) error {
	userID, err := e.deps.Store.Users.Upsert(ctx, in.BotID, in.UserTelegramID)
	if err != nil {
		return errs.Transient("upsert user", err)
	}

	trackedOK := false
	if in.TrackerCode != "" {
		trackedOK = e.recordAttribution(ctx, in.BotID, in.UserTelegramID, in.TrackerCode)
	}

	if in.IsStart {
		drop, err := e.handleStartTemplate(ctx, in, trackedOK)
		if err != nil {
			return err
		}
		if drop {
			return nil // require-tracked-start gate: unattributed /start silently dropped
		}
	}

	if err := e.deps.Limiter.Allow(ctx, in.BotID, in.UserTelegramID, "message", time.Now()); err != nil {
		if errs.KindOf(err) == errs.KindRateLimited {
			return nil // drop silently, cooldown in effect
		}
		return err
	}

	if err := e.deps.Store.Sessions.BumpInactivityVersion(ctx, in.BotID, in.UserTelegramID); err != nil {
		return errs.Transient("bump inactivity version", err)
	}

	if isDebugCommand(in.Text) {
		return e.handleDebug(ctx, in)
	}

	reservationID := uuid.NewString()
	estimatedCost := e.deps.Credit.EstimateTextCostCents(e.deps.Credit.EstimateTextTokens(in.Text), e.deps.MaxReplyTokens, false)
	if err := e.deps.Credit.PreCheck(ctx, in.AdminID, reservationID, estimatedCost); err != nil {
		if errs.KindOf(err) == errs.KindInsufficientCredits {
			return nil // end user sees no reply; admin is out of credit, not the user's fault to surface
		}
		return err
	}

	sess, err := e.deps.Store.Sessions.GetOrCreate(ctx, in.BotID, in.UserTelegramID)
	if err != nil {
		return errs.Transient("load session", err)
	}

	preScan, err := e.deps.Triggers.PostScan(ctx, triggers.ScanInput{
		BotID: in.BotID, UserID: userID, ChatID: in.ChatID, Session: sess, AIText: in.Text,
	})
	if err != nil {
		return errs.Transient("trigger pre-scan", err)
	}
	if len(preScan.Activations) > 0 {
		e.deps.Credit.Refund(reservationID)
		return e.dispatchActivations(ctx, in, preScan)
	}

	phases, err := e.deps.Store.Phases.ListByBot(ctx, in.BotID)
	if err != nil {
		return errs.Transient("list phases", err)
	}
	general, phasePrompt := resolvePrompts(phases, sess.CurrentPhaseID, e.deps.GeneralPrompt(in.BotID))
	messages := assembleMessages(buildSystemPrompt(general, phasePrompt, activatedActionNames(sess.ActionStatuses)), sess.History, in.Text)

	result, err := e.deps.LLM.ChatCompletion(ctx, messages, e.deps.MaxReplyTokens)
	if err != nil {
		e.deps.Credit.Refund(reservationID)
		return err
	}

	actualCost := e.deps.Credit.EstimateTextCostCents(result.PromptTokens, result.CompletionTokens, false)
	if err := e.deps.Credit.Settle(ctx, in.AdminID, reservationID, actualCost, model.CategoryText, fmt.Sprintf("bot:%d:user:%d", in.BotID, in.UserTelegramID)); err != nil {
		return errs.Transient("settle credit", err)
	}

	postScan, err := e.deps.Triggers.PostScan(ctx, triggers.ScanInput{
		BotID: in.BotID, UserID: userID, ChatID: in.ChatID, Session: sess, AIText: result.Text,
	})
	if err != nil {
		return errs.Transient("trigger post-scan", err)
	}

	if err := e.appendHistoryWithRetry(ctx, in.BotID, in.UserTelegramID, in.Text, postScan.FinalText, postScan); err != nil {
		return err
	}

	if postScan.FinalText != "" {
		if err := e.deps.Blocks.Send(ctx, blocks.Params{
			BotID: in.BotID, ChatID: in.ChatID,
			Blocks: []model.Block{{Text: postScan.FinalText}},
		}); err != nil {
			return errs.Transient("send ai reply", err)
		}
	}
	for _, act := range postScan.Activations {
		if err := e.deps.Blocks.Send(ctx, blocks.Params{BotID: in.BotID, ChatID: in.ChatID, Blocks: act.Blocks, PixCode: act.PixCode}); err != nil {
			return errs.Transient("send activation blocks", err)
		}
	}
	return nil
}

// appendHistoryWithRetry appends the user turn and the assistant reply
// to session history and writes it back via optimistic concurrency,
// reloading and reapplying the phase/action updates from postScan on
// every lost race against interleaved writes to the same session.
func (e *Engine) appendHistoryWithRetry(ctx context.Context, botID, userTelegramID int64, userText, assistantText string, scan *triggers.ScanResult) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		sess, err := e.deps.Store.Sessions.GetOrCreate(ctx, botID, userTelegramID)
		if err != nil {
			return errs.Transient("reload session for cas", err)
		}
		expected := sess.HistoryVersion

		sess.History = append(sess.History,
			model.HistoryTurn{Role: model.RoleUser, Text: userText, Timestamp: time.Now()},
			model.HistoryTurn{Role: model.RoleAssistant, Text: assistantText, Timestamp: time.Now()},
		)
		if scan.PhaseChanged {
			sess.CurrentPhaseID = scan.NewPhaseID
		}
		for name, status := range scan.ActivatedActions {
			sess.ActionStatuses[name] = status
		}

		err = e.deps.Store.Sessions.CompareAndSwap(ctx, sess, expected)
		if err == nil {
			return nil
		}
		if err == store.ErrVersionConflict {
			continue
		}
		return errs.Transient("cas session history", err)
	}
	return errs.Consistency("session history cas exhausted retries", nil)
}

// recordAttribution looks up code and, if valid, records first-touch
// attribution for (botID, userTelegramID). It reports whether code
// resolved to a valid, active tracker at all, independent of whether
// this user was already attributed to one - that's what the
// require-tracked-start gate below needs to distinguish "came in via a
// tracked link" from "unattributed".
func (e *Engine) recordAttribution(ctx context.Context, botID, userTelegramID int64, code string) bool {
	tracker, err := e.deps.Store.Trackers.GetByCode(ctx, botID, code)
	if err != nil {
		return false // unknown or inactive tracker code: no attribution, not fatal
	}
	recorded, err := e.deps.Store.Trackers.RecordAttribution(ctx, model.TrackerAttribution{BotID: botID, UserTelegramID: userTelegramID, TrackerID: tracker.ID})
	if err != nil {
		return false
	}
	if recorded {
		_ = e.deps.Store.Trackers.IncrementDailyStat(ctx, botID, tracker.ID, 1, 0, 0)
	}
	return true
}

// handleStartTemplate enforces the require-tracked-start gate and, when
// the user hasn't yet received the bot's current start-template
// version, sends it and records the delivery. It reports drop=true only
// when the gate silently swallows an unattributed /start; a delivered
// (or already up to date) start never short-circuits the rest of the
// pipeline, so a normal reply still follows.
func (e *Engine) handleStartTemplate(ctx context.Context, in Inbound, trackedOK bool) (drop bool, err error) {
	cfg, err := e.deps.Store.Start.GetTrackingConfig(ctx, in.BotID)
	if err != nil {
		return false, errs.Transient("load bot tracking config", err)
	}
	if cfg.RequireTrackedStart && !trackedOK {
		_ = e.deps.Store.Start.MarkForced(ctx, in.BotID)
		return true, nil
	}

	delivery, err := e.deps.Store.Start.GetDelivery(ctx, in.BotID, in.UserTelegramID)
	if err != nil && err != store.ErrNotFound {
		return false, errs.Transient("load start template delivery", err)
	}
	if delivery != nil && delivery.Status == model.DeliverySent && delivery.Version >= cfg.CurrentVersion {
		return false, nil
	}

	startBlocks, err := e.deps.Store.Blocks.ListByContainer(ctx, model.ContainerStartTemplate, in.BotID)
	if err != nil {
		return false, errs.Transient("list start template blocks", err)
	}
	if len(startBlocks) == 0 {
		return false, nil
	}
	if err := e.deps.Blocks.Send(ctx, blocks.Params{BotID: in.BotID, ChatID: in.ChatID, Blocks: startBlocks}); err != nil {
		return false, errs.Transient("send start template", err)
	}
	if err := e.deps.Store.Start.RecordDelivery(ctx, in.BotID, in.UserTelegramID, cfg.CurrentVersion, model.DeliverySent); err != nil {
		return false, errs.Transient("record start template delivery", err)
	}
	return false, nil
}

func (e *Engine) handleDebug(ctx context.Context, in Inbound) error {
	sess, err := e.deps.Store.Sessions.GetOrCreate(ctx, in.BotID, in.UserTelegramID)
	if err != nil {
		return errs.Transient("load session for debug", err)
	}
	report := fmt.Sprintf("phase=%d history=%d inactivity_v=%d history_v=%d",
		sess.CurrentPhaseID, len(sess.History), sess.InactivityVersion, sess.HistoryVersion)
	return e.deps.Blocks.Send(ctx, blocks.Params{
		BotID: in.BotID, ChatID: in.ChatID,
		Blocks: []model.Block{{Text: report}},
	})
}

func (e *Engine) dispatchActivations(ctx context.Context, in Inbound, scan *triggers.ScanResult) error {
	for _, act := range scan.Activations {
		if err := e.deps.Blocks.Send(ctx, blocks.Params{BotID: in.BotID, ChatID: in.ChatID, Blocks: act.Blocks, PixCode: act.PixCode}); err != nil {
			return errs.Transient("send pre-scan activation blocks", err)
		}
	}
	return nil
}

func resolvePrompts(phases []model.Phase, currentPhaseID int64, general string) (generalPrompt, phasePrompt string) {
	for _, p := range phases {
		if p.IsGeneral {
			if p.PromptText != "" {
				general = p.PromptText
			}
			continue
		}
		if p.ID == currentPhaseID {
			phasePrompt = p.PromptText
		}
	}
	return general, phasePrompt
}
