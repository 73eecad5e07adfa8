package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ivyrail/conductor/internal/errs"
)

// ChatMessage is one turn of an OpenAI-compatible chat completion
// request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// ChatResult is the distilled response the session engine consumes.
type ChatResult struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// LLM is a single OpenAI-compatible chat completion endpoint: config,
// pooled http.Client and HealthCheck, narrowed to the one request
// shape the conversation pipeline needs.
type LLM struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	breaker *Breaker
}

func NewLLM(baseURL, apiKey, model string, timeout time.Duration, failMax int, resetTimeout time.Duration) *LLM {
	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &LLM{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Transport: transport, Timeout: timeout},
		breaker: NewBreaker(failMax, resetTimeout),
	}
}

func (l *LLM) ChatCompletion(ctx context.Context, messages []ChatMessage, maxTokens int) (*ChatResult, error) {
	var result *ChatResult
	err := l.breaker.Call(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(chatRequest{Model: l.model, Messages: messages, MaxTokens: maxTokens, Temperature: 0.7})
		if err != nil {
			return fmt.Errorf("marshal chat request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build chat request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+l.apiKey)

		resp, err := l.client.Do(req)
		if err != nil {
			return fmt.Errorf("chat request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			return errs.RateLimited("llm rate limited", 5)
		}
		if resp.StatusCode >= 500 {
			raw, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("llm server error %d: %s", resp.StatusCode, raw)
		}
		if resp.StatusCode >= 400 {
			raw, _ := io.ReadAll(resp.Body)
			return errs.Permanent(fmt.Sprintf("llm rejected request: %d: %s", resp.StatusCode, raw), nil)
		}

		var cr chatResponse
		if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
			return fmt.Errorf("decode chat response: %w", err)
		}
		if len(cr.Choices) == 0 {
			return fmt.Errorf("llm returned no choices")
		}
		result = &ChatResult{
			Text:             cr.Choices[0].Message.Content,
			PromptTokens:     cr.Usage.PromptTokens,
			CompletionTokens: cr.Usage.CompletionTokens,
		}
		return nil
	})
	if err != nil {
		if _, ok := err.(*ErrOpen); ok {
			return nil, errs.Transient("llm circuit open", err)
		}
		if _, ok := err.(*errs.Error); ok {
			return nil, err
		}
		return nil, errs.Transient("llm call failed", err)
	}
	return result, nil
}

func (l *LLM) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/models", nil)
	if err != nil {
		return HealthStatus{Healthy: false, Error: err.Error(), LastCheck: time.Now()}
	}
	req.Header.Set("Authorization", "Bearer "+l.apiKey)
	resp, err := l.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return HealthStatus{Healthy: false, Latency: latency, Error: err.Error(), LastCheck: time.Now()}
	}
	defer resp.Body.Close()
	healthy := resp.StatusCode < 500
	status := HealthStatus{Healthy: healthy, Latency: latency, LastCheck: time.Now()}
	if !healthy {
		status.Error = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return status
}
