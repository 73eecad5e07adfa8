// Package triggers owns the shared detection rules that turn AI output
// into phase transitions, discount PIX codes, offer/action/upsell
// activations and manual-verification lookups. It is the contract
// internal/session calls into at the end of its pipeline, and exists
// as its own package precisely so session never needs to special-case
// any one container kind.
package triggers

import (
	"context"
	"fmt"
	"time"

	"github.com/ivyrail/conductor/internal/clients"
	"github.com/ivyrail/conductor/internal/errs"
	"github.com/ivyrail/conductor/internal/model"
	"github.com/ivyrail/conductor/internal/store"
)

// PhaseLister is the subset of store.PhaseRepo PostScan needs.
type PhaseLister interface {
	ListByBot(ctx context.Context, botID int64) ([]model.Phase, error)
}

// OfferLookup is the subset of store.OfferRepo PostScan needs.
type OfferLookup interface {
	GetActiveForBot(ctx context.Context, botID int64) (*model.Offer, error)
}

// ActionLister is the subset of store.ActionRepo PostScan needs.
type ActionLister interface {
	ListByBot(ctx context.Context, botID int64) ([]model.Action, error)
}

// UpsellLister is the subset of store.UpsellRepo PostScan needs.
type UpsellLister interface {
	ListByBot(ctx context.Context, botID int64) ([]model.Upsell, error)
}

// BlockLister is the subset of store.BlockRepo every container scan needs.
type BlockLister interface {
	ListByContainer(ctx context.Context, kind model.ContainerKind, containerID int64) ([]model.Block, error)
}

// TransactionStore is the subset of store.TransactionRepo manual
// verification and PIX generation need.
type TransactionStore interface {
	LatestPendingForUser(ctx context.Context, botID, userID int64, within time.Duration) (*model.PixTransaction, error)
	TransitionToPaid(ctx context.Context, id int64, paidAt time.Time) (bool, error)
	Create(ctx context.Context, tx *model.PixTransaction) (int64, error)
}

// PIXClient is the subset of clients.PIX generatePix and manual
// verification need, narrowed so tests can substitute a fake gateway.
type PIXClient interface {
	CreateCharge(ctx context.Context, req clients.CreateChargeRequest) (*clients.CreateChargeResult, error)
	CheckStatus(ctx context.Context, externalID string) (string, error)
}

var (
	_ PhaseLister      = (*store.PhaseRepo)(nil)
	_ OfferLookup      = (*store.OfferRepo)(nil)
	_ ActionLister     = (*store.ActionRepo)(nil)
	_ UpsellLister     = (*store.UpsellRepo)(nil)
	_ BlockLister      = (*store.BlockRepo)(nil)
	_ TransactionStore = (*store.TransactionRepo)(nil)
	_ PIXClient        = (*clients.PIX)(nil)
)

// Engine scans an AI reply for every container kind a session can
// activate and resolves the blocks/PIX code a caller must then send
// through blocks.Sender.
type Engine struct {
	phases  PhaseLister
	offers  OfferLookup
	actions ActionLister
	upsells UpsellLister
	blocks  BlockLister
	tx      TransactionStore
	pix     PIXClient
}

func New(st *store.Store, pix *clients.PIX) *Engine {
	return &Engine{
		phases:  st.Phases,
		offers:  st.Offers,
		actions: st.Actions,
		upsells: st.Upsells,
		blocks:  st.Blocks,
		tx:      st.Tx,
		pix:     pix,
	}
}

// ScanInput carries everything PostScan needs about one turn.
type ScanInput struct {
	BotID   int64
	UserID  int64 // internal store.UserRepo id, not the Telegram id
	ChatID  int64
	Session *model.Session
	AIText  string
}

// Activation describes one container PostScan decided to fire.
type Activation struct {
	ContainerKind model.ContainerKind
	ContainerID   int64
	Blocks        []model.Block
	PixCode       string
}

// ScanResult is everything PostScan found in one AI reply.
type ScanResult struct {
	// FinalText is the AI's own message, possibly suppressed (empty)
	// when a matched container's pitch should carry the whole reply.
	FinalText string

	NewPhaseID       int64 // 0 means no transition
	PhaseChanged     bool
	ActivatedActions map[string]model.ActionStatus

	Activations []Activation
}

// PostScan runs every detection rule over one AI reply, in order:
// phase transition, the offer (manual verification, else discount
// negotiation, else offer pitch; at most one of the three fires),
// action activation, upsell trigger. Apart from that offer group the
// rules are independent; more than one can fire on the same turn.
func (e *Engine) PostScan(ctx context.Context, in ScanInput) (*ScanResult, error) {
	out := &ScanResult{
		FinalText:        in.AIText,
		ActivatedActions: map[string]model.ActionStatus{},
	}

	phases, err := e.phases.ListByBot(ctx, in.BotID)
	if err != nil {
		return nil, fmt.Errorf("list phases: %w", err)
	}
	if newPhaseID, changed := detectPhaseTransition(phases, in.Session.CurrentPhaseID, in.AIText); changed {
		out.NewPhaseID = newPhaseID
		out.PhaseChanged = true
	}

	offer, err := e.offers.GetActiveForBot(ctx, in.BotID)
	if err != nil && err != store.ErrNotFound {
		return nil, fmt.Errorf("get active offer: %w", err)
	}
	if offer != nil {
		if act, matched, err := e.scanOffer(ctx, in, *offer); err != nil {
			return nil, err
		} else if matched {
			out.Activations = append(out.Activations, act)
			if ApplySubstitution(in.AIText, offer.Name) {
				out.FinalText = ""
			}
		}
	}

	actions, err := e.actions.ListByBot(ctx, in.BotID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	for _, a := range actions {
		status := in.Session.ActionStatuses[a.Name]
		if status == model.ActionActivated {
			continue
		}
		if !ContainsCaseInsensitive(in.AIText, a.Name) {
			continue
		}
		blocks, err := e.blocks.ListByContainer(ctx, model.ContainerAction, a.ID)
		if err != nil {
			return nil, fmt.Errorf("list action blocks: %w", err)
		}
		out.ActivatedActions[a.Name] = model.ActionActivated
		out.Activations = append(out.Activations, Activation{ContainerKind: model.ContainerAction, ContainerID: a.ID, Blocks: blocks})
		if ApplySubstitution(in.AIText, a.Name) {
			out.FinalText = ""
		}
	}

	upsells, err := e.upsells.ListByBot(ctx, in.BotID)
	if err != nil {
		return nil, fmt.Errorf("list upsells: %w", err)
	}
	for _, u := range upsells {
		if u.TriggerTerm == "" || !ContainsCaseInsensitive(in.AIText, u.TriggerTerm) {
			continue
		}
		announce, err := e.blocks.ListByContainer(ctx, model.ContainerUpsellAnnouncement, u.ID)
		if err != nil {
			return nil, fmt.Errorf("list upsell announcement blocks: %w", err)
		}
		pixCode, _, err := e.generatePix(ctx, in.BotID, in.UserID, u.Price, nil, &u.ID, nil)
		if err != nil {
			return nil, err
		}
		out.Activations = append(out.Activations, Activation{
			ContainerKind: model.ContainerUpsellAnnouncement,
			ContainerID:   u.ID,
			Blocks:        announce,
			PixCode:       pixCode,
		})
		if ApplySubstitution(in.AIText, u.TriggerTerm) {
			out.FinalText = ""
		}
	}

	return out, nil
}

// scanOffer detects a plain offer mention and a manual-verification
// mention independently, since the offer's own container is the pitch
// and manual verification only checks a recent pending transaction,
// never opens a new one.
func (e *Engine) scanOffer(ctx context.Context, in ScanInput, offer model.Offer) (Activation, bool, error) {
	if offer.ManualVerifyTrigger != "" && ContainsCaseInsensitive(in.AIText, offer.ManualVerifyTrigger) {
		paid, err := e.checkManualVerification(ctx, in.BotID, in.UserID)
		if err != nil {
			return Activation{}, false, err
		}
		if paid {
			blocks, err := e.blocks.ListByContainer(ctx, model.ContainerOfferDeliverable, offer.ID)
			if err != nil {
				return Activation{}, false, fmt.Errorf("list offer deliverable blocks: %w", err)
			}
			return Activation{ContainerKind: model.ContainerOfferDeliverable, ContainerID: offer.ID, Blocks: blocks}, true, nil
		}
	}

	if offer.DiscountTrigger != "" {
		if negotiated, ok := ParseDiscountAmount(in.AIText, offer.DiscountTrigger, offer.Price.Currency); ok {
			blocks, err := e.blocks.ListByContainer(ctx, model.ContainerNegotiatedDiscount, offer.ID)
			if err != nil {
				return Activation{}, false, fmt.Errorf("list negotiated discount blocks: %w", err)
			}
			pixCode, _, err := e.generatePix(ctx, in.BotID, in.UserID, negotiated, &offer.ID, nil, nil)
			if err != nil {
				return Activation{}, false, err
			}
			return Activation{ContainerKind: model.ContainerNegotiatedDiscount, ContainerID: offer.ID, Blocks: blocks, PixCode: pixCode}, true, nil
		}
	}

	if !ContainsCaseInsensitive(in.AIText, offer.Name) {
		return Activation{}, false, nil
	}
	blocks, err := e.blocks.ListByContainer(ctx, model.ContainerOfferPitch, offer.ID)
	if err != nil {
		return Activation{}, false, fmt.Errorf("list offer pitch blocks: %w", err)
	}
	pixCode, _, err := e.generatePix(ctx, in.BotID, in.UserID, offer.Price, &offer.ID, nil, nil)
	if err != nil {
		return Activation{}, false, err
	}
	return Activation{ContainerKind: model.ContainerOfferPitch, ContainerID: offer.ID, Blocks: blocks, PixCode: pixCode}, true, nil
}

// checkManualVerification reports whether the user has a pending PIX
// transaction opened within the last 15 minutes that the gateway now
// reports as paid. The window is fixed here; cfg.ManualVerificationLookback
// is not read. Manual verification never creates a charge, it
// only re-checks one already in flight.
func (e *Engine) checkManualVerification(ctx context.Context, botID, userID int64) (bool, error) {
	tx, err := e.tx.LatestPendingForUser(ctx, botID, userID, 15*time.Minute)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup pending transaction: %w", err)
	}
	status, err := e.pix.CheckStatus(ctx, tx.ExternalID)
	if err != nil {
		return false, nil // gateway hiccup: treat as not-yet-paid, caller can retry on the next message
	}
	if status != "paid" {
		return false, nil
	}
	if _, err := e.tx.TransitionToPaid(ctx, tx.ID, time.Now()); err != nil {
		return false, fmt.Errorf("transition transaction to paid: %w", err)
	}
	return true, nil
}

// generatePix opens a PIX charge for one of an offer, an upsell or a
// negotiated discount and persists the transaction row in status
// created, returning the copy-paste code for the caller to embed in a
// {pix} placeholder. The charge is opened for price as given; for a
// negotiated discount the caller passes the parsed amount in place of
// the offer's list price.
func (e *Engine) generatePix(ctx context.Context, botID, userID int64, price model.Money, offerID, upsellID, trackerID *int64) (pixCode string, txID int64, err error) {
	ref := fmt.Sprintf("bot:%d:user:%d:%d", botID, userID, time.Now().UnixNano())
	charge, err := e.pix.CreateCharge(ctx, clients.CreateChargeRequest{
		AmountCents: price.AmountCents,
		Currency:    price.Currency,
		ExternalRef: ref,
	})
	if err != nil {
		return "", 0, errs.Transient("create pix charge", err)
	}

	id, err := e.tx.Create(ctx, &model.PixTransaction{
		BotID: botID, UserID: userID,
		OfferID: offerID, UpsellID: upsellID, TrackerID: trackerID,
		Amount:     price,
		Status:     model.TxCreated,
		ExternalID: charge.ExternalID,
	})
	if err != nil {
		return "", 0, fmt.Errorf("persist pix transaction: %w", err)
	}
	return charge.CopyPaste, id, nil
}

// detectPhaseTransition scans non-general phases in Ordering order for
// a trigger-term match in the AI's reply; a match moves the session
// into that phase. Phases carry their own entry terms, so the scan
// looks at every phase, not just the current one.
func detectPhaseTransition(phases []model.Phase, currentPhaseID int64, aiText string) (newPhaseID int64, changed bool) {
	for _, p := range phases {
		if p.IsGeneral || p.ID == currentPhaseID {
			continue
		}
		if _, ok := FirstMatch(aiText, p.TriggerTerms); ok {
			return p.ID, true
		}
	}
	return 0, false
}
