package ingress

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivyrail/conductor/internal/config"
	"github.com/ivyrail/conductor/internal/kv"
	"github.com/ivyrail/conductor/internal/model"
	"github.com/ivyrail/conductor/internal/queue"
	"github.com/ivyrail/conductor/internal/store"
)

type fakeBots struct {
	bot *model.Bot
}

func (f *fakeBots) GetByID(ctx context.Context, id int64) (*model.Bot, error) {
	if f.bot == nil || f.bot.ID != id {
		return nil, store.ErrNotFound
	}
	return f.bot, nil
}

func newTestServer(t *testing.T, bot *model.Bot, cfg *config.Config) *Server {
	t.Helper()
	mr := miniredis.RunT(t)
	kvClient := kv.NewFromRaw(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	transport := queue.NewTransport(kvClient)
	return New(&fakeBots{bot: bot}, nil, kvClient, transport, cfg, nil, zerolog.Nop())
}

func TestBotWebhookRejectsWrongSecret(t *testing.T) {
	bot := &model.Bot{ID: 1, OwnerAdminID: 7, WebhookSecret: "right-secret", IsActive: true}
	s := newTestServer(t, bot, &config.Config{})

	req := httptest.NewRequest("POST", "/webhook/1", strings.NewReader(`{}`))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "wrong-secret")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, 403, rec.Code)
}

func TestBotWebhookUnknownBotReturns404(t *testing.T) {
	s := newTestServer(t, nil, &config.Config{})

	req := httptest.NewRequest("POST", "/webhook/99", strings.NewReader(`{}`))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "anything")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, 404, rec.Code)
}

func TestBotWebhookEnqueuesOnValidUpdate(t *testing.T) {
	bot := &model.Bot{ID: 1, OwnerAdminID: 7, WebhookSecret: "s3cr3t", IsActive: true}
	s := newTestServer(t, bot, &config.Config{})

	body := `{"update_id":100,"message":{"message_id":1,"date":0,"chat":{"id":555,"type":"private"},"from":{"id":42,"is_bot":false,"first_name":"a"},"text":"/start promo1"}}`
	req := httptest.NewRequest("POST", "/webhook/1", strings.NewReader(body))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "s3cr3t")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	depth, err := s.transport.Depth(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestBotWebhookDedupsRepeatedUpdateID(t *testing.T) {
	bot := &model.Bot{ID: 1, OwnerAdminID: 7, WebhookSecret: "s3cr3t", IsActive: true}
	s := newTestServer(t, bot, &config.Config{})

	body := `{"update_id":200,"message":{"message_id":1,"date":0,"chat":{"id":555,"type":"private"},"from":{"id":42,"is_bot":false,"first_name":"a"},"text":"hi"}}`

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/webhook/1", strings.NewReader(body))
		req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "s3cr3t")
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		require.Equal(t, 200, rec.Code)
	}

	depth, err := s.transport.Depth(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "second delivery of the same update_id must not enqueue again")
}

func TestManagerWebhookChecksGlobalSecret(t *testing.T) {
	s := newTestServer(t, nil, &config.Config{TelegramWebhookSecret: "manager-secret"})

	req := httptest.NewRequest("POST", "/webhook/manager", strings.NewReader(`{}`))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "manager-secret")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)

	req2 := httptest.NewRequest("POST", "/webhook/manager", strings.NewReader(`{}`))
	req2.Header.Set("X-Telegram-Bot-Api-Secret-Token", "wrong")
	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, req2)
	assert.Equal(t, 403, rec2.Code)
}

func TestParseStartCommandExtractsTrackerCode(t *testing.T) {
	isStart, code := parseStartCommand("/start promo1")
	assert.True(t, isStart)
	assert.Equal(t, "promo1", code)

	isStart, code = parseStartCommand("/start@my_bot promo2")
	assert.True(t, isStart)
	assert.Equal(t, "promo2", code)

	isStart, code = parseStartCommand("hello there")
	assert.False(t, isStart)
	assert.Equal(t, "", code)

	isStart, code = parseStartCommand("/start")
	assert.True(t, isStart)
	assert.Equal(t, "", code)
}

func TestHealthEndpointNeedsNoSecret(t *testing.T) {
	s := newTestServer(t, nil, &config.Config{})
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
}

type failingPinger struct{}

func (failingPinger) Ping(ctx context.Context) error { return assert.AnError }

func TestHealthEndpointReturns503WhenStoreUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	kvClient := kv.NewFromRaw(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	transport := queue.NewTransport(kvClient)
	s := New(&fakeBots{}, failingPinger{}, kvClient, transport, &config.Config{}, nil, zerolog.Nop())

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, 503, rec.Code)
}

func TestHealthEndpointReturns503WhenKVUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	kvClient := kv.NewFromRaw(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	transport := queue.NewTransport(kvClient)
	s := New(&fakeBots{}, nil, kvClient, transport, &config.Config{}, nil, zerolog.Nop())
	mr.Close()

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, 503, rec.Code)
}
