package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// CallbackPayload is the structured content of a signed callback token:
// action, admin, target ids, nonce and issue time.
type CallbackPayload struct {
	Action    string  `json:"action"`
	AdminID   int64   `json:"uid"`
	TargetIDs []int64 `json:"target_ids,omitempty"`
	Nonce     string  `json:"nonce"`
	IssuedAt  int64   `json:"ts"`
}

// macLen is the truncated MAC length appended to the payload. Wire
// format: base64url( payload_json || mac[0..8] ).
const macLen = 8

// CallbackSigner signs and verifies short-lived callback tokens used by
// the manager bot's inline buttons.
type CallbackSigner struct {
	secret []byte
}

// NewCallbackSigner derives a signer from the same key material used for
// token-at-rest encryption (ENCRYPTION_KEY).
func NewCallbackSigner(keyB64 string) (*CallbackSigner, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	return &CallbackSigner{secret: key}, nil
}

// Sign produces a base64url token for payload, stamping IssuedAt to now.
func (s *CallbackSigner) Sign(payload CallbackPayload, now time.Time) (string, error) {
	payload.IssuedAt = now.Unix()
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	mac := s.mac(body)
	blob := append(body, mac[:macLen]...)
	return base64.RawURLEncoding.EncodeToString(blob), nil
}

// Verify checks the MAC in constant time, the TTL, and that the token
// was issued for callingAdminID. It rejects any single-byte tamper.
func (s *CallbackSigner) Verify(token string, ttl time.Duration, callingAdminID int64, now time.Time) (*CallbackPayload, error) {
	blob, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	if len(blob) <= macLen {
		return nil, fmt.Errorf("token too short")
	}
	body := blob[:len(blob)-macLen]
	gotMAC := blob[len(blob)-macLen:]

	wantMAC := s.mac(body)
	if subtle.ConstantTimeCompare(gotMAC, wantMAC[:macLen]) != 1 {
		return nil, fmt.Errorf("mac mismatch")
	}

	var payload CallbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	issued := time.Unix(payload.IssuedAt, 0)
	if now.Sub(issued) > ttl {
		return nil, fmt.Errorf("token expired")
	}
	if now.Before(issued) {
		return nil, fmt.Errorf("token not yet valid")
	}
	if payload.AdminID != callingAdminID {
		return nil, fmt.Errorf("token was not issued for this admin")
	}

	return &payload, nil
}

func (s *CallbackSigner) mac(body []byte) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write(body)
	return h.Sum(nil)
}
