// Package audit provides structured audit logging for command invocations and
// index mutations. It records the resolved configuration and sanitised
// environment so operators can trace what happened without exposing secret
// values. Secrets are logged as presence/absence only.
package audit

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"
)

// secretEnvKeys lists environment variable names whose values must never be
// logged. Only presence ("set") or absence ("unset") is recorded.
var secretEnvKeys = map[string]bool{
	"OPENAI_API_KEY":       true,
	"AZURE_OPENAI_API_KEY": true,
	"ANTHROPIC_API_KEY":    true,
	"ARK_API_KEY":          true,
	"GOOGLE_API_KEY":       true,
	"EMBEDDING_API_KEY":    true,
	"QDRANT_API_KEY":       true,
	"LANGFUSE_PUBLIC_KEY":  true,
	"LANGFUSE_SECRET_KEY":  true,
}

// LogCommandStart emits a structured audit log entry when a CLI command begins.
// It records the command name, config file source, and sanitised environment.
func LogCommandStart(ctx context.Context, log *slog.Logger, command string, configPath string) {
	attrs := []slog.Attr{
		slog.String("command", command),
		slog.String("config_file", sanitiseConfigPath(configPath)),
	}

	// Log key operational env vars with sanitisation.
	for _, entry := range auditKeys {
		val := os.Getenv(entry.key)
		if entry.secret {
			attrs = append(attrs, slog.String(entry.key, presence(val)))
		} else {
			attrs = append(attrs, slog.String(entry.key, valOrUnset(val)))
		}
	}

	log.LogAttrs(ctx, slog.LevelInfo, "audit: command start", attrs...)
}

// auditEntry defines an env var to include in the audit log.
type auditEntry struct {
	// key is the environment variable name.
	key string
	// secret indicates the value should be redacted to presence/absence.
	secret bool
}

// auditKeys is the ordered list of env vars included in every audit log entry.
var auditKeys = []auditEntry{
	{"MODEL_PROVIDER", false},
	{"OLLAMA_HOST", false},
	{"OLLAMA_MODEL", false},
	{"OPENAI_API_KEY", true},
	{"OPENAI_MODEL", false},
	{"AZURE_OPENAI_API_KEY", true},
	{"AZURE_OPENAI_ENDPOINT", false},
	{"AZURE_OPENAI_DEPLOYMENT", false},
	{"ANTHROPIC_API_KEY", true},
	{"ANTHROPIC_MODEL", false},
	{"ARK_API_KEY", true},
	{"ARK_MODEL", false},
	{"GOOGLE_API_KEY", true},
	{"GEMINI_MODEL", false},
	{"EMBEDDING_PROVIDER", false},
	{"EMBEDDING_MODEL", false},
	{"EMBEDDING_API_KEY", true},
	{"AURORA_CORPUS_URL", false},
	{"AURORA_CORPUS_FALLBACK", false},
	{"AURORA_INDEX_STORE", false},
	{"AURORA_CACHE_DIR", false},
	{"AURORA_SQLITE_PATH", false},
	{"AURORA_STALENESS", false},
	{"QDRANT_HOST", false},
	{"QDRANT_PORT", false},
	{"QDRANT_COLLECTION", false},
	{"QDRANT_API_KEY", true},
	{"LOG_LEVEL", false},
	{"LOG_FORMAT", false},
	{"LANGFUSE_PUBLIC_KEY", true},
	{"LANGFUSE_SECRET_KEY", true},
}

// IndexAction names a mutation of the durable index.
type IndexAction string

const (
	ActionBuild      IndexAction = "build"
	ActionRebuild    IndexAction = "rebuild"
	ActionInvalidate IndexAction = "invalidate"
)

// IndexEvent describes one index mutation for the audit trail.
type IndexEvent struct {
	// Action is what was done to the index.
	Action IndexAction
	// Trigger identifies the caller, e.g. "cli", "http", "startup", "watch".
	Trigger string
	// RequestID correlates HTTP-triggered events with the request log.
	RequestID string
	// Entries is the size of the index after the action.
	Entries int
	// Duration is how long the action took.
	Duration time.Duration
	// Err is the failure, if any.
	Err error
}

// LogIndexEvent records an index mutation. Failures are logged at warn level
// so they stand out in the audit stream.
func LogIndexEvent(ctx context.Context, log *slog.Logger, ev IndexEvent) {
	attrs := []slog.Attr{
		slog.String("action", string(ev.Action)),
		slog.String("trigger", valOrUnset(ev.Trigger)),
		slog.Int("entries", ev.Entries),
		slog.Duration("duration", ev.Duration),
	}
	if ev.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", ev.RequestID))
	}
	level := slog.LevelInfo
	outcome := "ok"
	if ev.Err != nil {
		level = slog.LevelWarn
		outcome = "error"
		attrs = append(attrs, slog.Any("error", ev.Err))
	}
	attrs = append(attrs, slog.String("outcome", outcome))
	log.LogAttrs(ctx, level, "audit: index "+string(ev.Action), attrs...)
}

// SanitiseKey returns "set" or "unset" for known secret keys, or the actual
// value for non-secret keys. This is safe to use in log messages.
func SanitiseKey(key, value string) string {
	if secretEnvKeys[key] {
		return presence(value)
	}
	return valOrUnset(value)
}

// presence returns "set" if the value is non-empty, "unset" otherwise.
func presence(v string) string {
	if v != "" {
		return "set"
	}
	return "unset"
}

// valOrUnset returns the value if non-empty, "unset" otherwise.
func valOrUnset(v string) string {
	if v != "" {
		return v
	}
	return "unset"
}

// sanitiseConfigPath returns the config path or "none" if empty.
func sanitiseConfigPath(p string) string {
	if p == "" {
		return "none"
	}
	// Redact home directory for privacy in logs.
	home, err := os.UserHomeDir()
	if err == nil && strings.HasPrefix(p, home) {
		return "~" + p[len(home):]
	}
	return p
}
