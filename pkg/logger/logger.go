// Package logger is the slog setup shared by the API server, the queue
// worker and scanctl.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger so packages can take one concrete type.
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn or error
	Format string // json or text
	Output io.Writer

	Sampling SamplingConfig
}

// DefaultConfig is JSON at info level on stdout.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json", Output: os.Stdout}
}

// New builds a Logger. Attributes whose key looks like a credential are
// redacted before they reach the handler.
func New(cfg Config) *Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   level <= slog.LevelDebug,
		ReplaceAttr: redact,
	}

	var h slog.Handler = slog.NewJSONHandler(out, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(out, opts)
	}
	return &Logger{Logger: slog.New(NewSamplingHandler(h, cfg.Sampling))}
}

// credentialMarkers are matched as substrings of lower-cased attribute keys,
// so webhook_secret and X-Worker-Token are both caught.
var credentialMarkers = []string{
	"password", "secret", "token", "authorization", "bearer",
	"api_key", "apikey", "private_key", "jwt", "cookie",
	"signature", "credential", "dsn", "access_key", "session",
}

func redact(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, m := range credentialMarkers {
		if strings.Contains(key, m) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}
	return a
}

func NewDefault() *Logger { return New(DefaultConfig()) }

// NewDevelopment is text at debug level, used by scanctl -v.
func NewDevelopment() *Logger {
	return New(Config{Level: "debug", Format: "text", Output: os.Stderr})
}

// NewProductionWithConfig is JSON at info level with the given sampling.
func NewProductionWithConfig(sampling SamplingConfig) *Logger {
	return New(Config{Level: "info", Format: "json", Output: os.Stdout, Sampling: sampling})
}

// NewNop discards everything. Tests use it.
func NewNop() *Logger {
	return New(Config{Level: "error", Output: io.Discard})
}

func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// SetDefault installs l as the process-wide slog logger.
func (l *Logger) SetDefault() {
	slog.SetDefault(l.Logger)
}

// ContextKey is the type of request-scoped values WithContext picks up.
type ContextKey string

const (
	ContextKeyRequestID ContextKey = "request_id"
	ContextKeyUserID    ContextKey = "user_id"
)

// WithContext annotates l with the request and user ids set by the HTTP
// middleware, if present.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	out := l.Logger
	for _, key := range []ContextKey{ContextKeyRequestID, ContextKeyUserID} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			out = out.With(string(key), v)
		}
	}
	if out == l.Logger {
		return l
	}
	return &Logger{Logger: out}
}
