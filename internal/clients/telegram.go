package clients

import (
	"context"
	"fmt"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"

	"github.com/ivyrail/conductor/internal/errs"
)

// Telegram wraps a gotgbot.Bot for one registered bot, adding the same
// breaker/timeout handling every external-call client in this package
// gives its calls.
type Telegram struct {
	bot     *gotgbot.Bot
	breaker *Breaker
	timeout time.Duration
}

func NewTelegram(token string, timeout time.Duration, failMax int, resetTimeout time.Duration) (*Telegram, error) {
	bot, err := gotgbot.NewBot(token, nil)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return &Telegram{bot: bot, breaker: NewBreaker(failMax, resetTimeout), timeout: timeout}, nil
}

// SendText sends a plain/markdown text message, falling back to plain
// text on a markdown parse failure, and returns the sent message id so
// the caller can schedule an auto-delete.
func (t *Telegram) SendText(ctx context.Context, chatID int64, text string, markdown bool) (messageID int64, err error) {
	opts := &gotgbot.SendMessageOpts{}
	if markdown {
		opts.ParseMode = gotgbot.ParseModeMarkdownV2
	}
	err = t.call(ctx, func(ctx context.Context) error {
		msg, sendErr := t.bot.SendMessage(chatID, text, opts)
		if sendErr != nil && markdown {
			msg, sendErr = t.bot.SendMessage(chatID, text, &gotgbot.SendMessageOpts{})
		}
		if sendErr != nil {
			return sendErr
		}
		messageID = msg.MessageId
		return nil
	})
	return messageID, err
}

// SendPhoto sends a photo by file_id/URL, returning the Telegram
// file_id the caller should cache for future resends and the sent
// message id.
func (t *Telegram) SendPhoto(ctx context.Context, chatID int64, mediaRef, caption string) (cachedFileID string, messageID int64, err error) {
	err = t.call(ctx, func(ctx context.Context) error {
		msg, sendErr := t.bot.SendPhoto(chatID, gotgbot.InputFileByID(mediaRef), &gotgbot.SendPhotoOpts{Caption: caption})
		if sendErr != nil {
			return sendErr
		}
		if len(msg.Photo) > 0 {
			cachedFileID = msg.Photo[len(msg.Photo)-1].FileId
		}
		messageID = msg.MessageId
		return nil
	})
	return cachedFileID, messageID, err
}

func (t *Telegram) SendTyping(ctx context.Context, chatID int64) error {
	return t.SendChatAction(ctx, chatID, "typing")
}

// SendChatAction emits the indicator matching a block's media kind:
// "upload_photo", "upload_video", "record_voice" and so on, or
// "typing" for plain text.
func (t *Telegram) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return t.call(ctx, func(ctx context.Context) error {
		_, err := t.bot.SendChatAction(chatID, action, nil)
		return err
	})
}

// SendVideo sends a video by file_id/URL, returning the file_id to cache.
func (t *Telegram) SendVideo(ctx context.Context, chatID int64, mediaRef, caption string) (cachedFileID string, messageID int64, err error) {
	err = t.call(ctx, func(ctx context.Context) error {
		msg, sendErr := t.bot.SendVideo(chatID, gotgbot.InputFileByID(mediaRef), &gotgbot.SendVideoOpts{Caption: caption})
		if sendErr != nil {
			return sendErr
		}
		if msg.Video != nil {
			cachedFileID = msg.Video.FileId
		}
		messageID = msg.MessageId
		return nil
	})
	return cachedFileID, messageID, err
}

// SendVoice sends a voice note by file_id/URL.
func (t *Telegram) SendVoice(ctx context.Context, chatID int64, mediaRef, caption string) (cachedFileID string, messageID int64, err error) {
	err = t.call(ctx, func(ctx context.Context) error {
		msg, sendErr := t.bot.SendVoice(chatID, gotgbot.InputFileByID(mediaRef), &gotgbot.SendVoiceOpts{Caption: caption})
		if sendErr != nil {
			return sendErr
		}
		if msg.Voice != nil {
			cachedFileID = msg.Voice.FileId
		}
		messageID = msg.MessageId
		return nil
	})
	return cachedFileID, messageID, err
}

// SendDocument sends a document by file_id/URL.
func (t *Telegram) SendDocument(ctx context.Context, chatID int64, mediaRef, caption string) (cachedFileID string, messageID int64, err error) {
	err = t.call(ctx, func(ctx context.Context) error {
		msg, sendErr := t.bot.SendDocument(chatID, gotgbot.InputFileByID(mediaRef), &gotgbot.SendDocumentOpts{Caption: caption})
		if sendErr != nil {
			return sendErr
		}
		if msg.Document != nil {
			cachedFileID = msg.Document.FileId
		}
		messageID = msg.MessageId
		return nil
	})
	return cachedFileID, messageID, err
}

// SendAnimation sends a GIF/animation by file_id/URL.
func (t *Telegram) SendAnimation(ctx context.Context, chatID int64, mediaRef, caption string) (cachedFileID string, messageID int64, err error) {
	err = t.call(ctx, func(ctx context.Context) error {
		msg, sendErr := t.bot.SendAnimation(chatID, gotgbot.InputFileByID(mediaRef), &gotgbot.SendAnimationOpts{Caption: caption})
		if sendErr != nil {
			return sendErr
		}
		if msg.Animation != nil {
			cachedFileID = msg.Animation.FileId
		}
		messageID = msg.MessageId
		return nil
	})
	return cachedFileID, messageID, err
}

func (t *Telegram) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	return t.call(ctx, func(ctx context.Context) error {
		_, err := t.bot.DeleteMessage(chatID, messageID, nil)
		return err
	})
}

// SetWebhook registers the ingress URL with Telegram, stamping the
// shared webhook secret Telegram echoes back on every delivery.
func (t *Telegram) SetWebhook(ctx context.Context, url, secret string) error {
	return t.call(ctx, func(ctx context.Context) error {
		_, err := t.bot.SetWebhook(url, &gotgbot.SetWebhookOpts{SecretToken: secret})
		return err
	})
}

func (t *Telegram) call(ctx context.Context, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	err := t.breaker.Call(cctx, fn)
	if err == nil {
		return nil
	}
	if _, ok := err.(*ErrOpen); ok {
		return errs.Transient("telegram circuit open", err)
	}
	return errs.Transient("telegram call failed", err)
}

// HealthCheck calls GetMe, a cheap way to verify the bot token is still
// valid and Telegram is reachable. gotgbot's client has no per-call
// context parameter, so the timeout is enforced by racing the call
// against cctx.Done() rather than by passing cctx into GetMe itself.
func (t *Telegram) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := t.bot.GetMe(&gotgbot.GetMeOpts{RequestOpts: &gotgbot.RequestOpts{}})
		done <- err
	}()

	select {
	case err := <-done:
		status := HealthStatus{Healthy: err == nil, Latency: time.Since(start), LastCheck: time.Now()}
		if err != nil {
			status.Error = err.Error()
		}
		return status
	case <-cctx.Done():
		return HealthStatus{Healthy: false, Latency: time.Since(start), Error: cctx.Err().Error(), LastCheck: time.Now()}
	}
}
