package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ivyrail/conductor/internal/config"
	"github.com/ivyrail/conductor/internal/model"
	"github.com/ivyrail/conductor/internal/queue"
	"github.com/ivyrail/conductor/internal/store"
)

// Scheduler drives two periodic sweeps: the inactivity watchdog (finds
// sessions past their recovery campaign's threshold and enqueues the
// first recovery step) and the stale-charge sweep runUpsellSweep
// (expires PIX charges left in created/pending). There is no sweep for
// upsell deliveries; upsell announcements are delayed queue tasks. Both
// sweeps run on robfig/cron/v3 schedules.
type Scheduler struct {
	cron      *cron.Cron
	store     *store.Store
	transport *queue.Transport
	cfg       *config.Config
	log       zerolog.Logger

	mu           sync.Mutex
	lastBeat     time.Time
	lastBeatErrs []string
}

func New(st *store.Store, transport *queue.Transport, cfg *config.Config, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:      cron.New(cron.WithSeconds()),
		store:     st,
		transport: transport,
		cfg:       cfg,
		log:       log.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers the watchdog and the stale-charge sweep on
// cfg.RecoverySweepInterval and begins the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	spec := "@every " + s.cfg.RecoverySweepInterval.String()
	if _, err := s.cron.AddFunc(spec, func() { s.runWatchdogSweep(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(spec, func() { s.runUpsellSweep(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

// runWatchdogSweep finds sessions inactive past their bot's recovery
// threshold and enqueues the first recovery step, tagged with the
// session's current inactivity_version so a later message from the
// user invalidates any in-flight episode.
func (s *Scheduler) runWatchdogSweep(ctx context.Context) {
	var errsSeen []string
	sessions, err := s.store.Sessions.ListInactiveSince(ctx, 60)
	if err != nil {
		s.log.Error().Err(err).Msg("watchdog sweep: list inactive sessions failed")
		errsSeen = append(errsSeen, err.Error())
		s.beat(errsSeen)
		return
	}

	for _, sess := range sessions {
		campaign, err := s.store.Recovery.GetCampaign(ctx, sess.BotID)
		if err != nil {
			continue // no campaign configured for this bot
		}
		if !campaign.IsActive {
			continue
		}
		if time.Since(sess.LastActiveAt) < campaign.InactivityThreshold {
			continue
		}

		task, err := queue.NewTask("recovery", "recovery_dispatch_step", map[string]any{
			"bot_id":             sess.BotID,
			"user_telegram_id":   sess.UserTelegramID,
			"campaign_version":   campaign.Version,
			"inactivity_version": sess.InactivityVersion,
			"step_ordinal":       0,
			"episode_id":         uuid.NewString(),
		}, 5)
		if err != nil {
			errsSeen = append(errsSeen, err.Error())
			continue
		}
		if err := s.transport.Enqueue(ctx, task); err != nil {
			errsSeen = append(errsSeen, err.Error())
		}
	}
	s.beat(errsSeen)
}

// pixChargeTTL is how long a created/pending PIX charge stays open
// before the sweep moves it to the expired status.
// Preset/scheduled upsell announcements need no sweep of their own:
// payment.Engine enqueues them as delayed tasks at the moment of first
// purchase, and queue.Transport.PromoteDue already promotes those on
// its own cadence once they come due.
const pixChargeTTL = 30 * time.Minute

// runUpsellSweep expires stale PIX charges that never reached paid.
// The name is a holdover from an earlier cron registration; what it
// actually checks moved here once upsell delivery timing turned out
// to be fully owned by the queue's own delayed-task promotion.
func (s *Scheduler) runUpsellSweep(ctx context.Context) {
	var errsSeen []string
	stale, err := s.store.Tx.ListStalePending(ctx, pixChargeTTL)
	if err != nil {
		s.log.Error().Err(err).Msg("expiry sweep: list stale transactions failed")
		s.beat([]string{err.Error()})
		return
	}
	for _, tx := range stale {
		if err := s.store.Tx.TransitionTo(ctx, tx.ID, model.TxExpired); err != nil {
			errsSeen = append(errsSeen, err.Error())
		}
	}
	s.beat(errsSeen)
}

func (s *Scheduler) beat(errs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastBeat = time.Now()
	s.lastBeatErrs = errs
}

// Heartbeat reports scheduler liveness (time of the last sweep and the
// errors it hit) as a typed status, returned by Status. It carries no
// queue depth, and the ingress /health endpoint does not read it.
type Heartbeat struct {
	LastBeat time.Time
	Errors   []string
}

func (s *Scheduler) Status() Heartbeat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Heartbeat{LastBeat: s.lastBeat, Errors: s.lastBeatErrs}
}
