// Package logger configures zerolog with secret redaction layered on
// top, so tokens and API keys never reach the logs verbatim.
package logger

import (
	"os"
	"regexp"

	"github.com/rs/zerolog"

	"github.com/ivyrail/conductor/internal/config"
)

// New returns a configured zerolog.Logger. In dev it writes a
// human-readable console format; in staging/prod it writes JSON.
func New(cfg *config.Config) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if cfg.IsDevelopment() {
		lvl = zerolog.DebugLevel
	}
	if parsed, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		lvl = parsed
	}
	zerolog.SetGlobalLevel(lvl)

	var out zerolog.ConsoleWriter
	if cfg.IsDevelopment() {
		out = zerolog.ConsoleWriter{Out: &redactingWriter{os.Stderr}}
		return zerolog.New(out).With().Timestamp().Logger()
	}
	return zerolog.New(&redactingWriter{os.Stderr}).With().Timestamp().Logger()
}

// secretPatterns matches substrings that look like bot tokens, long
// base64url blobs, or Bearer/API-key style credentials.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d{6,10}:[A-Za-z0-9_-]{30,}`),       // Telegram bot token shape
	regexp.MustCompile(`[A-Za-z0-9_-]{40,}`),                // long base64url blob
	regexp.MustCompile(`(?i)(bearer|api[_-]?key)[=: ]+\S+`), // bearer/api key header values
}

const redactedPlaceholder = "[REDACTED]"

// Redact masks any substring in s that matches a secret-like pattern.
func Redact(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}

// redactingWriter wraps an io.Writer, redacting secrets from every
// write before it reaches the underlying sink.
type redactingWriter struct {
	w *os.File
}

func (r *redactingWriter) Write(p []byte) (int, error) {
	redacted := Redact(string(p))
	if _, err := r.w.WriteString(redacted); err != nil {
		return 0, err
	}
	return len(p), nil
}
