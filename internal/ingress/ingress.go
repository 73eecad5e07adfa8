// Package ingress implements the HTTP webhook receiver: POST
// /webhook/{bot_id} for secondary bots and POST /webhook/manager for
// the manager bot, plus unauthenticated /health and /metrics. Every
// request's shared-secret header is checked before the body is read;
// once validated, only enough of the update is parsed to dedup and
// route it, and the full body is handed to the task queue untouched
// (as the task's "update" argument, beside the extracted fields),
// with no external system called synchronously.
//
// The middleware chain runs request-id, then recoverer, then logger,
// then body-size-limit, with health and metrics mounted ahead of any
// auth check.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/ivyrail/conductor/internal/config"
	"github.com/ivyrail/conductor/internal/kv"
	"github.com/ivyrail/conductor/internal/model"
	"github.com/ivyrail/conductor/internal/observability"
	"github.com/ivyrail/conductor/internal/queue"
	"github.com/ivyrail/conductor/internal/store"
)

// updateDedupTTL is the window used for update_id replay detection,
// backed by kv.Client.SeenOnce's SETNX TTL key.
const updateDedupTTL = 5 * time.Minute

const maxBodyBytes = 1 << 20 // 1MB: Telegram updates never approach this

// BotLookup is the subset of store.BotRepo ingress needs, narrowed so
// handler tests can substitute a fake bot directory instead of a live
// Postgres.
type BotLookup interface {
	GetByID(ctx context.Context, id int64) (*model.Bot, error)
}

var _ BotLookup = (*store.BotRepo)(nil)

// Pinger is implemented by *store.Store; narrowed so handleHealth can
// probe Postgres without ingress depending on the whole store package
// beyond the bot directory it already needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds ingress's dependencies: a bot directory for per-bot
// secret lookup, KV for dedup, and the task transport it enqueues onto.
type Server struct {
	bots      BotLookup
	db        Pinger
	kv        *kv.Client
	transport *queue.Transport
	cfg       *config.Config
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func New(bots BotLookup, db Pinger, kvClient *kv.Client, transport *queue.Transport, cfg *config.Config, metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{
		bots:      bots,
		db:        db,
		kv:        kvClient,
		transport: transport,
		cfg:       cfg,
		metrics:   metrics,
		log:       log.With().Str("component", "ingress").Logger(),
	}
}

// Router builds the chi handler for the ingress process.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(mwMaxBodySize(maxBodyBytes))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Get("/metrics", s.metrics.Handler())
	}

	r.Post("/webhook/manager", s.handleManagerWebhook)
	r.Post("/webhook/{bot_id}", s.handleBotWebhook)

	return r
}

// handleHealth reports 503 the moment either dependency it needs to
// actually do its job, the bot directory or the dedup/queue KV, is
// unreachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.kv.Ping(ctx); err != nil {
		s.log.Error().Err(err).Msg("health check: kv unreachable")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			s.log.Error().Err(err).Msg("health check: store unreachable")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleBotWebhook validates the per-bot secret before reading the
// body, so a wrong or missing header is rejected without reading it.
// The bot lookup is a local store read, not an external call.
func (s *Server) handleBotWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	botID, err := strconv.ParseInt(chi.URLParam(r, "bot_id"), 10, 64)
	if err != nil {
		s.reject(w, "bot_webhook", http.StatusNotFound, start)
		return
	}

	bot, err := s.bots.GetByID(ctx, botID)
	if err != nil || !bot.IsActive {
		s.reject(w, "bot_webhook", http.StatusNotFound, start)
		return
	}

	if r.Header.Get("X-Telegram-Bot-Api-Secret-Token") != bot.WebhookSecret {
		s.reject(w, "bot_webhook", http.StatusForbidden, start)
		return
	}

	s.ingest(w, r, "bot_webhook", botID, bot.OwnerAdminID, start)
}

// handleManagerWebhook is the manager bot's counterpart, authenticated
// against the single global secret instead of a per-bot one.
func (s *Server) handleManagerWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.cfg.TelegramWebhookSecret == "" || r.Header.Get("X-Telegram-Bot-Api-Secret-Token") != s.cfg.TelegramWebhookSecret {
		s.reject(w, "manager_webhook", http.StatusForbidden, start)
		return
	}
	s.ingest(w, r, "manager_webhook", 0, 0, start)
}

func (s *Server) reject(w http.ResponseWriter, route string, status int, start time.Time) {
	w.WriteHeader(status)
	if s.metrics != nil {
		s.metrics.TrackIngressRequest(route, status, float64(time.Since(start).Milliseconds()))
	}
}

// ingest does the shared work once the header is validated: read the
// body, parse only update_id/chat/user/text, dedup, and enqueue. No
// external call happens here — the update is handed to a worker task.
func (s *Server) ingest(w http.ResponseWriter, r *http.Request, route string, botID, adminID int64, start time.Time) {
	ctx := r.Context()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.reject(w, route, http.StatusBadRequest, start)
		return
	}

	var upd gotgbot.Update
	if err := json.Unmarshal(body, &upd); err != nil {
		s.reject(w, route, http.StatusBadRequest, start)
		return
	}

	dedupKey := fmt.Sprintf("update:seen:%d:%d", botID, upd.UpdateId)
	alreadySeen, err := s.kv.SeenOnce(ctx, dedupKey, updateDedupTTL)
	if err != nil {
		s.log.Error().Err(err).Msg("dedup check failed")
		s.reject(w, route, http.StatusInternalServerError, start)
		return
	}
	if alreadySeen {
		s.respondOK(w, route, start)
		return
	}

	if upd.Message == nil || upd.Message.From == nil {
		// Non-message updates (callback queries, channel posts, edits)
		// are outside spec scope: acknowledge so Telegram stops retrying
		// and drop.
		s.respondOK(w, route, start)
		return
	}

	text := upd.Message.Text
	isStart, trackerCode := parseStartCommand(text)

	task, err := queue.NewTask("default", taskNameFor(route), map[string]any{
		"bot_id":           botID,
		"admin_id":         adminID,
		"chat_id":          upd.Message.Chat.Id,
		"user_telegram_id": upd.Message.From.Id,
		"text":             text,
		"tracker_code":     trackerCode,
		"is_start":         isStart,
		"update":           json.RawMessage(body),
	}, 5)
	if err != nil {
		s.log.Error().Err(err).Msg("build inbound task failed")
		s.reject(w, route, http.StatusInternalServerError, start)
		return
	}
	if err := s.transport.Enqueue(ctx, task); err != nil {
		s.log.Error().Err(err).Msg("enqueue inbound task failed")
		s.reject(w, route, http.StatusInternalServerError, start)
		return
	}

	s.respondOK(w, route, start)
}

func taskNameFor(route string) string {
	if route == "manager_webhook" {
		return "process_manager_update"
	}
	return "process_update"
}

func (s *Server) respondOK(w http.ResponseWriter, route string, start time.Time) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
	if s.metrics != nil {
		s.metrics.TrackIngressRequest(route, http.StatusOK, float64(time.Since(start).Milliseconds()))
	}
}

// parseStartCommand reports whether text is a "/start[@bot] <payload>"
// command and extracts its deep-link payload as the attribution
// tracker code.
func parseStartCommand(text string) (isStart bool, trackerCode string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false, ""
	}
	cmd := strings.ToLower(fields[0])
	if cmd != "/start" && !strings.HasPrefix(cmd, "/start@") {
		return false, ""
	}
	if len(fields) > 1 {
		return true, fields[1]
	}
	return true, ""
}

func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(rw, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("req_id", chimw.GetReqID(r.Context())).
			Int("status", rw.Status()).
			Dur("duration", time.Since(start)).
			Msg("request completed")
	})
}
