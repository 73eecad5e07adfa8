// Package blocks implements the ordered block sender: the shared
// delivery primitive every container (start template, offer
// pitch/deliverable, action, upsell announcement/deliverable, recovery
// step, negotiated discount) sends through.
//
// Media uses a cache-then-fallback-then-repopulate shape: a cached
// Telegram file id is tried first, and on failure the original file is
// re-uploaded and the cache repopulated. Auto-delete tasks must be
// owned by the scheduler, never a detached in-process timer, which is
// why auto-delete always goes through queue.Transport rather than a
// time.AfterFunc.
package blocks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ivyrail/conductor/internal/clients"
	"github.com/ivyrail/conductor/internal/model"
	"github.com/ivyrail/conductor/internal/queue"
	"github.com/ivyrail/conductor/internal/store"
)

// PreviewPixCode is substituted for {pix} placeholders in preview sends.
const PreviewPixCode = "PREVIEW_PIX_CODE"

const placeholder = "{pix}"

// MediaCache is the subset of store.MediaCacheRepo the sender needs.
type MediaCache interface {
	Lookup(ctx context.Context, botID int64, originalMediaID string) (string, error)
	Store(ctx context.Context, botID int64, originalMediaID, cachedMediaID string) error
	Invalidate(ctx context.Context, botID int64, originalMediaID string) error
}

var _ MediaCache = (*store.MediaCacheRepo)(nil)

// TelegramClient is the subset of clients.Telegram the sender drives,
// narrowed to an interface so tests can substitute a fake bot.
type TelegramClient interface {
	SendText(ctx context.Context, chatID int64, text string, markdown bool) (messageID int64, err error)
	SendPhoto(ctx context.Context, chatID int64, mediaRef, caption string) (cachedFileID string, messageID int64, err error)
	SendVideo(ctx context.Context, chatID int64, mediaRef, caption string) (cachedFileID string, messageID int64, err error)
	SendVoice(ctx context.Context, chatID int64, mediaRef, caption string) (cachedFileID string, messageID int64, err error)
	SendDocument(ctx context.Context, chatID int64, mediaRef, caption string) (cachedFileID string, messageID int64, err error)
	SendAnimation(ctx context.Context, chatID int64, mediaRef, caption string) (cachedFileID string, messageID int64, err error)
	SendChatAction(ctx context.Context, chatID int64, action string) error
}

var _ TelegramClient = (*clients.Telegram)(nil)

// Sender delivers an ordered list of blocks to one chat.
type Sender struct {
	telegram  TelegramClient
	media     MediaCache
	transport *queue.Transport
}

func New(telegram TelegramClient, media MediaCache, transport *queue.Transport) *Sender {
	return &Sender{telegram: telegram, media: media, transport: transport}
}

// Params describes one container send.
type Params struct {
	BotID   int64
	ChatID  int64
	Blocks  []model.Block
	PixCode string
	// Preview sends without touching the media cache or ledger and
	// forces {pix} to PreviewPixCode.
	Preview bool
}

// Send delivers blocks strictly in order, never parallelizing. It
// returns as soon as any block fails, since a partial-in-order send is
// the best a caller can recover from.
func (s *Sender) Send(ctx context.Context, p Params) error {
	for _, b := range p.Blocks {
		if err := s.sendOne(ctx, p, b); err != nil {
			return fmt.Errorf("send block %d (container %s/%d): %w", b.Order, b.ContainerKind, b.ContainerID, err)
		}
	}
	return nil
}

func (s *Sender) sendOne(ctx context.Context, p Params, b model.Block) error {
	if b.DelaySeconds > 0 {
		if err := sleep(ctx, time.Duration(b.DelaySeconds)*time.Second); err != nil {
			return err
		}
	}

	// A failed typing indicator is not fatal to the actual send.
	_ = s.telegram.SendChatAction(ctx, p.ChatID, chatActionFor(b.MediaKind))

	text := substitutePix(b.Text, p.PixCode, p.Preview)

	var messageID int64
	var err error
	if b.MediaRef != "" {
		messageID, err = s.sendMedia(ctx, p, b, text)
	} else if text != "" {
		messageID, err = s.telegram.SendText(ctx, p.ChatID, text, true)
	}
	if err != nil {
		return err
	}

	if b.AutoDeleteSeconds > 0 && messageID != 0 {
		s.scheduleAutoDelete(ctx, p.BotID, p.ChatID, messageID, b.AutoDeleteSeconds)
	}
	return nil
}

// sendMedia resolves the cached media id (unless previewing), sends,
// and on an "expired reference" class error clears the stale cache
// entry and resends from the original reference, storing whatever the
// API hands back as the new cached id.
func (s *Sender) sendMedia(ctx context.Context, p Params, b model.Block, caption string) (int64, error) {
	ref := b.MediaRef
	if !p.Preview {
		if cached, err := s.media.Lookup(ctx, p.BotID, b.MediaRef); err == nil {
			fileID, messageID, sendErr := s.dispatch(ctx, p.ChatID, b.MediaKind, cached, caption)
			if sendErr == nil {
				if fileID != "" && fileID != cached {
					_ = s.media.Store(ctx, p.BotID, b.MediaRef, fileID)
				}
				return messageID, nil
			}
			if !isExpiredMediaError(sendErr) {
				return 0, sendErr
			}
			_ = s.media.Invalidate(ctx, p.BotID, b.MediaRef)
			// fall through to resend from the original reference
		} else if !errors.Is(err, store.ErrNotFound) {
			return 0, err
		}
	}

	fileID, messageID, err := s.dispatch(ctx, p.ChatID, b.MediaKind, ref, caption)
	if err != nil {
		return 0, err
	}
	if !p.Preview && fileID != "" {
		_ = s.media.Store(ctx, p.BotID, b.MediaRef, fileID)
	}
	return messageID, nil
}

func (s *Sender) dispatch(ctx context.Context, chatID int64, kind model.MediaKind, ref, caption string) (fileID string, messageID int64, err error) {
	switch kind {
	case model.MediaVideo:
		return s.telegram.SendVideo(ctx, chatID, ref, caption)
	case model.MediaVoice:
		return s.telegram.SendVoice(ctx, chatID, ref, caption)
	case model.MediaDocument:
		return s.telegram.SendDocument(ctx, chatID, ref, caption)
	case model.MediaAnimation:
		return s.telegram.SendAnimation(ctx, chatID, ref, caption)
	default:
		return s.telegram.SendPhoto(ctx, chatID, ref, caption)
	}
}

func (s *Sender) scheduleAutoDelete(ctx context.Context, botID, chatID, messageID int64, afterSeconds int) {
	task, err := queue.NewTask("default", "delete_message", map[string]any{
		"bot_id":     botID,
		"chat_id":    chatID,
		"message_id": messageID,
	}, 3)
	if err != nil {
		return
	}
	task.Schedule(time.Duration(afterSeconds) * time.Second)
	_ = s.transport.Enqueue(ctx, task)
}

func substitutePix(text, pixCode string, preview bool) string {
	if !strings.Contains(text, placeholder) {
		return text
	}
	code := pixCode
	if preview || code == "" {
		code = PreviewPixCode
	}
	return strings.ReplaceAll(text, placeholder, code)
}

func chatActionFor(kind model.MediaKind) string {
	switch kind {
	case model.MediaPhoto:
		return "upload_photo"
	case model.MediaVideo, model.MediaAnimation:
		return "upload_video"
	case model.MediaVoice:
		return "record_voice"
	case model.MediaDocument:
		return "upload_document"
	default:
		return "typing"
	}
}

// expiredMediaPhrases are the Telegram Bot API error fragments that
// mean a cached file_id no longer resolves on their CDN.
var expiredMediaPhrases = []string{
	"wrong file identifier",
	"wrong remote file identifier",
	"file reference expired",
	"file is too big",
	"failed to get http url content",
}

func isExpiredMediaError(err error) bool {
	msg := strings.ToLower(unwrapMessage(err))
	for _, phrase := range expiredMediaPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

func unwrapMessage(err error) string {
	for err != nil {
		if u := errors.Unwrap(err); u != nil {
			err = u
			continue
		}
		return err.Error()
	}
	return ""
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
