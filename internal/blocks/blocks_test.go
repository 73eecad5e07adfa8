package blocks

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivyrail/conductor/internal/kv"
	"github.com/ivyrail/conductor/internal/model"
	"github.com/ivyrail/conductor/internal/queue"
	"github.com/ivyrail/conductor/internal/store"
)

type sentText struct {
	chatID int64
	text   string
}

type fakeTelegram struct {
	texts          []sentText
	mediaCalls     int
	photoErr       error
	nextMsgID      int64
	failOnceForRef map[string]error
}

func newFakeTelegram() *fakeTelegram { return &fakeTelegram{failOnceForRef: map[string]error{}} }

func (f *fakeTelegram) nextID() int64 {
	f.nextMsgID++
	return f.nextMsgID
}

func (f *fakeTelegram) SendText(_ context.Context, chatID int64, text string, _ bool) (int64, error) {
	f.texts = append(f.texts, sentText{chatID: chatID, text: text})
	return f.nextID(), nil
}

func (f *fakeTelegram) sendMediaLike(ref string) (string, int64, error) {
	f.mediaCalls++
	if err, ok := f.failOnceForRef[ref]; ok {
		delete(f.failOnceForRef, ref)
		return "", 0, err
	}
	return "cached-" + ref, f.nextID(), nil
}

func (f *fakeTelegram) SendPhoto(_ context.Context, _ int64, ref, _ string) (string, int64, error) {
	return f.sendMediaLike(ref)
}
func (f *fakeTelegram) SendVideo(_ context.Context, _ int64, ref, _ string) (string, int64, error) {
	return f.sendMediaLike(ref)
}
func (f *fakeTelegram) SendVoice(_ context.Context, _ int64, ref, _ string) (string, int64, error) {
	return f.sendMediaLike(ref)
}
func (f *fakeTelegram) SendDocument(_ context.Context, _ int64, ref, _ string) (string, int64, error) {
	return f.sendMediaLike(ref)
}
func (f *fakeTelegram) SendAnimation(_ context.Context, _ int64, ref, _ string) (string, int64, error) {
	return f.sendMediaLike(ref)
}
func (f *fakeTelegram) SendChatAction(context.Context, int64, string) error { return nil }

type fakeMedia struct {
	cached      map[string]string
	invalidated []string
}

func newFakeMedia() *fakeMedia { return &fakeMedia{cached: map[string]string{}} }

func (f *fakeMedia) Lookup(_ context.Context, botID int64, ref string) (string, error) {
	key := fmt.Sprintf("%d:%s", botID, ref)
	if v, ok := f.cached[key]; ok {
		return v, nil
	}
	return "", store.ErrNotFound
}
func (f *fakeMedia) Store(_ context.Context, botID int64, ref, cachedID string) error {
	f.cached[fmt.Sprintf("%d:%s", botID, ref)] = cachedID
	return nil
}
func (f *fakeMedia) Invalidate(_ context.Context, botID int64, ref string) error {
	key := fmt.Sprintf("%d:%s", botID, ref)
	delete(f.cached, key)
	f.invalidated = append(f.invalidated, key)
	return nil
}

func newTestTransport(t *testing.T) *queue.Transport {
	t.Helper()
	mr := miniredis.RunT(t)
	client := kv.NewFromRaw(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return queue.NewTransport(client)
}

func TestSendPlainTextBlock(t *testing.T) {
	tg := newFakeTelegram()
	s := New(tg, newFakeMedia(), newTestTransport(t))

	err := s.Send(context.Background(), Params{
		BotID:  1,
		ChatID: 100,
		Blocks: []model.Block{{Order: 0, Text: "hello"}},
	})
	require.NoError(t, err)
	require.Len(t, tg.texts, 1)
	assert.Equal(t, "hello", tg.texts[0].text)
}

func TestSendSubstitutesPixPlaceholder(t *testing.T) {
	tg := newFakeTelegram()
	s := New(tg, newFakeMedia(), newTestTransport(t))

	err := s.Send(context.Background(), Params{
		BotID:   1,
		ChatID:  100,
		PixCode: "00020126-real-pix",
		Blocks:  []model.Block{{Text: "pague aqui: {pix}"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "pague aqui: 00020126-real-pix", tg.texts[0].text)
}

func TestSendPreviewForcesPreviewPixCode(t *testing.T) {
	tg := newFakeTelegram()
	s := New(tg, newFakeMedia(), newTestTransport(t))

	err := s.Send(context.Background(), Params{
		BotID:   1,
		ChatID:  100,
		PixCode: "00020126-real-pix",
		Preview: true,
		Blocks:  []model.Block{{Text: "{pix}"}},
	})
	require.NoError(t, err)
	assert.Equal(t, PreviewPixCode, tg.texts[0].text)
}

func TestSendMediaCachesFileIDOnFirstSend(t *testing.T) {
	tg := newFakeTelegram()
	media := newFakeMedia()
	s := New(tg, media, newTestTransport(t))

	err := s.Send(context.Background(), Params{
		BotID:  1,
		ChatID: 100,
		Blocks: []model.Block{{MediaRef: "orig-1", MediaKind: model.MediaPhoto}},
	})
	require.NoError(t, err)
	cached, err := media.Lookup(context.Background(), 1, "orig-1")
	require.NoError(t, err)
	assert.Equal(t, "cached-orig-1", cached)
}

func TestSendMediaReusesCacheOnSecondSend(t *testing.T) {
	tg := newFakeTelegram()
	media := newFakeMedia()
	media.cached["1:orig-1"] = "cached-orig-1"
	s := New(tg, media, newTestTransport(t))

	err := s.Send(context.Background(), Params{
		BotID:  1,
		ChatID: 100,
		Blocks: []model.Block{{MediaRef: "orig-1", MediaKind: model.MediaPhoto}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, tg.mediaCalls)
}

func TestSendMediaInvalidatesCacheOnExpiredError(t *testing.T) {
	tg := newFakeTelegram()
	tg.failOnceForRef["cached-orig-1"] = errors.New("Bad Request: wrong file identifier/HTTP URL specified")
	media := newFakeMedia()
	media.cached["1:orig-1"] = "cached-orig-1"
	s := New(tg, media, newTestTransport(t))

	err := s.Send(context.Background(), Params{
		BotID:  1,
		ChatID: 100,
		Blocks: []model.Block{{MediaRef: "orig-1", MediaKind: model.MediaPhoto}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, tg.mediaCalls, "must retry from the original reference after the cached id expires")
	cached, err := media.Lookup(context.Background(), 1, "orig-1")
	require.NoError(t, err)
	assert.Equal(t, "cached-orig-1", cached, "resend repopulates the cache with the fresh file id")
}

func TestPreviewNeverTouchesMediaCache(t *testing.T) {
	tg := newFakeTelegram()
	media := newFakeMedia()
	s := New(tg, media, newTestTransport(t))

	err := s.Send(context.Background(), Params{
		BotID:   1,
		ChatID:  100,
		Preview: true,
		Blocks:  []model.Block{{MediaRef: "orig-1", MediaKind: model.MediaPhoto}},
	})
	require.NoError(t, err)
	assert.Empty(t, media.cached)
}

func TestSendOrdersBlocksStrictly(t *testing.T) {
	tg := newFakeTelegram()
	s := New(tg, newFakeMedia(), newTestTransport(t))

	err := s.Send(context.Background(), Params{
		BotID:  1,
		ChatID: 100,
		Blocks: []model.Block{
			{Order: 0, Text: "first"},
			{Order: 1, Text: "second"},
			{Order: 2, Text: "third"},
		},
	})
	require.NoError(t, err)
	require.Len(t, tg.texts, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{tg.texts[0].text, tg.texts[1].text, tg.texts[2].text})
}

func TestSendSchedulesAutoDelete(t *testing.T) {
	tg := newFakeTelegram()
	transport := newTestTransport(t)
	s := New(tg, newFakeMedia(), transport)

	err := s.Send(context.Background(), Params{
		BotID:  1,
		ChatID: 100,
		Blocks: []model.Block{{Text: "ephemeral", AutoDeleteSeconds: 30}},
	})
	require.NoError(t, err)

	depth, err := transport.Depth(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth, "auto-delete is scheduled in the future, not immediately ready")

	moved, err := transport.PromoteDue(context.Background(), "default", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
}
