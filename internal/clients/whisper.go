package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/ivyrail/conductor/internal/errs"
)

// Whisper transcribes voice notes via an OpenAI-compatible
// audio/transcriptions endpoint.
type Whisper struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	breaker *Breaker
}

func NewWhisper(baseURL, apiKey, model string, timeout time.Duration, failMax int, resetTimeout time.Duration) *Whisper {
	return &Whisper{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
		breaker: NewBreaker(failMax, resetTimeout),
	}
}

type whisperResponse struct {
	Text string `json:"text"`
}

// Transcribe sends audio (already downsampled/converted by the caller)
// and returns the transcript text.
func (w *Whisper) Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error) {
	var text string
	err := w.breaker.Call(ctx, func(ctx context.Context) error {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			return fmt.Errorf("create form file: %w", err)
		}
		if _, err := io.Copy(part, audio); err != nil {
			return fmt.Errorf("copy audio into form: %w", err)
		}
		if err := mw.WriteField("model", w.model); err != nil {
			return fmt.Errorf("write model field: %w", err)
		}
		if err := mw.Close(); err != nil {
			return fmt.Errorf("close multipart writer: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/audio/transcriptions", &buf)
		if err != nil {
			return fmt.Errorf("build transcription request: %w", err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+w.apiKey)

		resp, err := w.client.Do(req)
		if err != nil {
			return fmt.Errorf("transcription request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("whisper server error %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			raw, _ := io.ReadAll(resp.Body)
			return errs.Permanent(fmt.Sprintf("whisper rejected audio: %d: %s", resp.StatusCode, raw), nil)
		}

		var wr whisperResponse
		if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
			return fmt.Errorf("decode whisper response: %w", err)
		}
		text = wr.Text
		return nil
	})
	if err != nil {
		if _, ok := err.(*errs.Error); ok {
			return "", err
		}
		return "", errs.Transient("whisper call failed", err)
	}
	return text, nil
}

func (w *Whisper) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/models", nil)
	if err != nil {
		return HealthStatus{Healthy: false, Error: err.Error(), LastCheck: time.Now()}
	}
	req.Header.Set("Authorization", "Bearer "+w.apiKey)
	resp, err := w.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return HealthStatus{Healthy: false, Latency: latency, Error: err.Error(), LastCheck: time.Now()}
	}
	defer resp.Body.Close()
	return HealthStatus{Healthy: resp.StatusCode < 500, Latency: latency, LastCheck: time.Now()}
}
