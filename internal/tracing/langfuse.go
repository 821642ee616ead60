// Package tracing wires optional Langfuse tracing into eino callbacks.
package tracing

import (
	"os"

	"github.com/cloudwego/eino-ext/callbacks/langfuse"
	"github.com/cloudwego/eino/callbacks"
)

// defaultHost is the self-hosted Langfuse default.
const defaultHost = "http://localhost:3000"

// Config holds Langfuse settings.
type Config struct {
	Host      string
	PublicKey string
	SecretKey string
	// Name labels every trace, e.g. "aurora-ask".
	Name string
	// Release tags traces with the binary version.
	Release string
}

// ConfigFromEnv reads LANGFUSE_HOST, LANGFUSE_PUBLIC_KEY and
// LANGFUSE_SECRET_KEY.
func ConfigFromEnv(name, release string) Config {
	return Config{
		Host:      os.Getenv("LANGFUSE_HOST"),
		PublicKey: os.Getenv("LANGFUSE_PUBLIC_KEY"),
		SecretKey: os.Getenv("LANGFUSE_SECRET_KEY"),
		Name:      name,
		Release:   release,
	}
}

// Enabled reports whether both keys are present.
func (c Config) Enabled() bool {
	return c.PublicKey != "" && c.SecretKey != ""
}

// Setup builds the Langfuse callback handler. It returns a flush function
// that must be called before process exit so buffered traces are sent. When
// Langfuse is not configured it returns (nil, nil, false) and tracing is
// silently disabled.
func Setup(cfg Config) (callbacks.Handler, func(), bool) {
	if !cfg.Enabled() {
		return nil, nil, false
	}
	host := cfg.Host
	if host == "" {
		host = defaultHost
	}

	handler, flusher := langfuse.NewLangfuseHandler(&langfuse.Config{
		Host:      host,
		PublicKey: cfg.PublicKey,
		SecretKey: cfg.SecretKey,
		Name:      cfg.Name,
		Release:   cfg.Release,
	})
	return handler, flusher, true
}

// Install registers the Langfuse handler globally so every eino component
// call is traced. It returns a flush function that is safe to call when
// tracing is disabled.
func Install(cfg Config) (flush func(), enabled bool) {
	handler, flusher, ok := Setup(cfg)
	if !ok {
		return func() {}, false
	}
	callbacks.AppendGlobalHandlers(handler)
	return flusher, true
}
