// Package crypto implements token-at-rest encryption and signed,
// TTL-bound callback tokens.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// TokenCipher encrypts/decrypts bot tokens at rest with a single
// versioned symmetric key (ENCRYPTION_KEY, 32 bytes base64), using
// chacha20poly1305 as the AEAD.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher builds a cipher from a base64-encoded 32-byte key.
func NewTokenCipher(keyB64 string) (*TokenCipher, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &TokenCipher{aead: aead}, nil
}

// Encrypt seals plaintext (a bot token) into a versioned ciphertext
// blob: version byte || nonce || sealed.
func (c *TokenCipher) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	out := make([]byte, 0, 1+len(nonce)+len(sealed))
	out = append(out, tokenVersion1)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Decrypt opens a blob produced by Encrypt: decrypt(encrypt(x)) == x.
func (c *TokenCipher) Decrypt(blob []byte) (string, error) {
	if len(blob) < 1 {
		return "", fmt.Errorf("empty ciphertext blob")
	}
	version := blob[0]
	if version != tokenVersion1 {
		return "", fmt.Errorf("unsupported token cipher version %d", version)
	}
	body := blob[1:]
	nonceSize := c.aead.NonceSize()
	if len(body) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := body[:nonceSize], body[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

const tokenVersion1 = 1
