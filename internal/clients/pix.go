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

// PIX talks to the Brazilian PIX payment gateway (PUSHINRECARGA). No
// third-party library targets this gateway's contract, so the adapter
// is a hand-rolled http.Client following the same
// config+breaker+HealthCheck shape as the other three adapters.
type PIX struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *Breaker
}

func NewPIX(baseURL, apiKey string, timeout time.Duration, failMax int, resetTimeout time.Duration) *PIX {
	return &PIX{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		breaker: NewBreaker(failMax, resetTimeout),
	}
}

type CreateChargeRequest struct {
	AmountCents int64
	Currency    string
	ExternalRef string
}

type CreateChargeResult struct {
	ExternalID string
	QRCode     string
	CopyPaste  string
}

func (p *PIX) CreateCharge(ctx context.Context, req CreateChargeRequest) (*CreateChargeResult, error) {
	var out *CreateChargeResult
	err := p.breaker.Call(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(map[string]any{
			"amount_cents": req.AmountCents,
			"currency":     req.Currency,
			"external_ref": req.ExternalRef,
		})
		if err != nil {
			return fmt.Errorf("marshal charge request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/charges", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build charge request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

		resp, err := p.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("charge request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("pix gateway server error %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			raw, _ := io.ReadAll(resp.Body)
			return errs.Permanent(fmt.Sprintf("pix gateway rejected charge: %d: %s", resp.StatusCode, raw), nil)
		}

		var cr struct {
			ExternalID string `json:"id"`
			QRCode     string `json:"qr_code"`
			CopyPaste  string `json:"copy_paste"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
			return fmt.Errorf("decode charge response: %w", err)
		}
		out = &CreateChargeResult{ExternalID: cr.ExternalID, QRCode: cr.QRCode, CopyPaste: cr.CopyPaste}
		return nil
	})
	if err != nil {
		if _, ok := err.(*errs.Error); ok {
			return nil, err
		}
		return nil, errs.Transient("pix create charge failed", err)
	}
	return out, nil
}

// CheckStatus polls the gateway for a charge's current status, used by
// manual verification when a user claims to have paid before the
// webhook arrived.
func (p *PIX) CheckStatus(ctx context.Context, externalID string) (status string, err error) {
	err = p.breaker.Call(ctx, func(ctx context.Context) error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/charges/"+externalID, nil)
		if reqErr != nil {
			return fmt.Errorf("build status request: %w", reqErr)
		}
		req.Header.Set("Authorization", "Bearer "+p.apiKey)

		resp, doErr := p.client.Do(req)
		if doErr != nil {
			return fmt.Errorf("status request failed: %w", doErr)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("pix gateway server error %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			raw, _ := io.ReadAll(resp.Body)
			return errs.Permanent(fmt.Sprintf("pix gateway rejected status check: %d: %s", resp.StatusCode, raw), nil)
		}

		var sr struct {
			Status string `json:"status"`
		}
		if decErr := json.NewDecoder(resp.Body).Decode(&sr); decErr != nil {
			return fmt.Errorf("decode status response: %w", decErr)
		}
		status = sr.Status
		return nil
	})
	if err != nil {
		if _, ok := err.(*errs.Error); ok {
			return "", err
		}
		return "", errs.Transient("pix check status failed", err)
	}
	return status, nil
}

func (p *PIX) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return HealthStatus{Healthy: false, Error: err.Error(), LastCheck: time.Now()}
	}
	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return HealthStatus{Healthy: false, Latency: latency, Error: err.Error(), LastCheck: time.Now()}
	}
	defer resp.Body.Close()
	return HealthStatus{Healthy: resp.StatusCode < 500, Latency: latency, LastCheck: time.Now()}
}
