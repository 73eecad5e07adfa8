package crypto

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) string {
	t.Helper()
	return base64.StdEncoding.EncodeToString(make([]byte, 32))
}

func TestTokenCipherRoundTrip(t *testing.T) {
	c, err := NewTokenCipher(testKey(t))
	require.NoError(t, err)

	blob, err := c.Encrypt("123456789:AAExampleBotToken")
	require.NoError(t, err)

	plain, err := c.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "123456789:AAExampleBotToken", plain)
}

func TestTokenCipherTamperDetected(t *testing.T) {
	c, err := NewTokenCipher(testKey(t))
	require.NoError(t, err)

	blob, err := c.Encrypt("some-secret-token")
	require.NoError(t, err)

	blob[len(blob)-1] ^= 0xFF
	_, err = c.Decrypt(blob)
	assert.Error(t, err)
}

func TestTokenCipherRejectsWrongVersion(t *testing.T) {
	c, err := NewTokenCipher(testKey(t))
	require.NoError(t, err)

	blob, err := c.Encrypt("abc")
	require.NoError(t, err)
	blob[0] = 9

	_, err = c.Decrypt(blob)
	assert.Error(t, err)
}

func TestCallbackSignerRoundTrip(t *testing.T) {
	s, err := NewCallbackSigner(testKey(t))
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	payload := CallbackPayload{Action: "approve_manual_verify", AdminID: 42, TargetIDs: []int64{7}, Nonce: "abc123"}
	token, err := s.Sign(payload, now)
	require.NoError(t, err)

	got, err := s.Verify(token, 5*time.Minute, 42, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "approve_manual_verify", got.Action)
	assert.Equal(t, []int64{7}, got.TargetIDs)
}

func TestCallbackSignerRejectsExpired(t *testing.T) {
	s, err := NewCallbackSigner(testKey(t))
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	token, err := s.Sign(CallbackPayload{Action: "x", AdminID: 1, Nonce: "n"}, now)
	require.NoError(t, err)

	_, err = s.Verify(token, 5*time.Minute, 1, now.Add(10*time.Minute))
	assert.Error(t, err)
}

func TestCallbackSignerRejectsWrongAdmin(t *testing.T) {
	s, err := NewCallbackSigner(testKey(t))
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	token, err := s.Sign(CallbackPayload{Action: "x", AdminID: 1, Nonce: "n"}, now)
	require.NoError(t, err)

	_, err = s.Verify(token, 5*time.Minute, 999, now)
	assert.Error(t, err)
}

func TestCallbackSignerRejectsTamper(t *testing.T) {
	s, err := NewCallbackSigner(testKey(t))
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	token, err := s.Sign(CallbackPayload{Action: "x", AdminID: 1, Nonce: "n"}, now)
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)
	raw[0] ^= 0xFF
	tampered := base64.RawURLEncoding.EncodeToString(raw)

	_, err = s.Verify(tampered, 5*time.Minute, 1, now)
	assert.Error(t, err)
}
