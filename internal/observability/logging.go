package observability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the redacting slog.Logger built by NewLogger.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" or "text". JSON is
	// recommended for production; text for local development.
	Format string

	// Output is the writer for log output (defaults to os.Stdout).
	Output io.Writer

	// AddSource includes file and line number in log records.
	AddSource bool

	// RedactPatterns are additional regex patterns for sensitive data
	// redaction, appended to DefaultRedactPatterns.
	RedactPatterns []string
}

// ContextKey is the type for context keys carried through a turn so the
// logger can stamp every record it touches with the same correlation
// fields, without every call site repeating "session_id", req.ID, etc.
// as explicit args.
type ContextKey string

const (
	// RequestIDKey correlates the log records a single inbound HTTP
	// request produces.
	RequestIDKey ContextKey = "request_id"

	// SessionIDKey correlates log records with an agentrt session.
	SessionIDKey ContextKey = "session_id"

	// ProviderKey carries the active LLM provider name, set around a
	// Provider.Stream call so a retry/error log doesn't have to repeat it.
	ProviderKey ContextKey = "provider"
)

// DefaultRedactPatterns contains regex patterns for the secret shapes
// agentrt's own call graph can emit: upstream provider API keys
// (surfaced in a ProviderError.Cause or a config validation error),
// bearer tokens on outbound HTTP requests, and ad hoc fields named like
// a password or secret.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["\']?([a-zA-Z0-9_\-]{16,})["\']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["\']?([^\s"']{8,})["\']?`,

	// Anthropic API keys.
	`sk-ant-[a-zA-Z0-9_-]{95,}`,

	// OpenAI API keys (48 chars after sk-).
	`sk-[a-zA-Z0-9]{48,}`,

	// Gemini/Google API keys.
	`AIza[a-zA-Z0-9_-]{35}`,

	// JWT tokens.
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,

	// Generic hex secrets (32+ chars).
	`(?i)(secret|key|token)[\s:=]+["\']?([a-fA-F0-9]{32,})["\']?`,
}

// NewLogger builds a *slog.Logger whose handler redacts upstream provider
// credentials and other secret-shaped values out of every record before
// it's written, and stamps each record with the request/session/provider
// IDs found on its context. Because the return type is a plain
// *slog.Logger, it drops straight into every collaborator across the
// runtime that already accepts one (agentloop.Config.Logger,
// transport.Config.Logger, contextprep.New, agentloop.NewReaper) without
// those call sites needing to change.
//
// If config.Output is nil, logs are written to os.Stdout. If
// config.Level is empty or invalid, defaults to "info". If config.Format
// is empty, defaults to "json".
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: config.AddSource}

	var base slog.Handler
	if strings.ToLower(config.Format) == "text" {
		base = slog.NewTextHandler(config.Output, opts)
	} else {
		base = slog.NewJSONHandler(config.Output, opts)
	}

	patterns := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(config.RedactPatterns))
	for _, pattern := range append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...) {
		if re, err := regexp.Compile(pattern); err == nil {
			patterns = append(patterns, re)
		}
	}

	return slog.New(&redactingHandler{next: base, redacts: patterns})
}

// redactingHandler wraps another slog.Handler, scrubbing secret-shaped
// attribute values out of every record and injecting this turn's
// correlation IDs from ctx before delegating.
type redactingHandler struct {
	next    slog.Handler
	redacts []*regexp.Regexp
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, record slog.Record) error {
	out := slog.NewRecord(record.Time, record.Level, h.redactString(record.Message), record.PC)

	if requestID := GetRequestID(ctx); requestID != "" {
		out.AddAttrs(slog.String("request_id", requestID))
	}
	if sessionID := GetSessionID(ctx); sessionID != "" {
		out.AddAttrs(slog.String("session_id", sessionID))
	}
	if provider, ok := ctx.Value(ProviderKey).(string); ok && provider != "" {
		out.AddAttrs(slog.String("provider", provider))
	}

	record.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a))
		return true
	})

	return h.next.Handle(ctx, out)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = h.redactAttr(a)
	}
	return &redactingHandler{next: h.next.WithAttrs(redacted), redacts: h.redacts}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{next: h.next.WithGroup(name), redacts: h.redacts}
}

func (h *redactingHandler) redactAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.redactString(a.Value.String()))
	case slog.KindAny:
		switch v := a.Value.Any().(type) {
		case error:
			return slog.String(a.Key, h.redactString(v.Error()))
		case []byte:
			return slog.String(a.Key, h.redactString(string(v)))
		case map[string]any:
			return slog.Any(a.Key, h.redactMap(v))
		case map[string]string:
			m := make(map[string]any, len(v))
			for k, s := range v {
				m[k] = s
			}
			return slog.Any(a.Key, h.redactMap(m))
		default:
			if b, err := json.Marshal(v); err == nil {
				return slog.String(a.Key, h.redactString(string(b)))
			}
			return a
		}
	default:
		return a
	}
}

func (h *redactingHandler) redactString(s string) string {
	for _, re := range h.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

var sensitiveMapKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"private_key":   true,
	"privatekey":    true,
	"auth":          true,
	"authorization": true,
}

func (h *redactingHandler) redactMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		lowerKey := strings.ToLower(strings.ReplaceAll(k, "-", "_"))
		if sensitiveMapKeys[lowerKey] {
			result[k] = "[REDACTED]"
			continue
		}
		switch val := v.(type) {
		case string:
			result[k] = h.redactString(val)
		case map[string]any:
			result[k] = h.redactMap(val)
		default:
			result[k] = val
		}
	}
	return result
}

// AddRequestID adds an HTTP request correlation ID to the context.
func AddRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// AddSessionID adds a session ID to the context.
func AddSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// AddProvider adds the active LLM provider name to the context.
func AddProvider(ctx context.Context, provider string) context.Context {
	return context.WithValue(ctx, ProviderKey, provider)
}

// GetRequestID retrieves the request ID from the context, or "" if unset.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetSessionID retrieves the session ID from the context, or "" if unset.
func GetSessionID(ctx context.Context) string {
	if id, ok := ctx.Value(SessionIDKey).(string); ok {
		return id
	}
	return ""
}

// LogLevelFromString converts a string to a slog.Level. Returns
// LevelInfo if the string is not recognized.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
