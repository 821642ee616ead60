// Package embedder turns text into dense vectors for the retrieval engine.
// Each implementation talks to a different backend (Ollama, OpenAI, Azure
// OpenAI) over plain HTTP.
package embedder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Embedder converts a batch of texts into vectors, one per text, in input
// order. Model reports the embedding model name so that persisted indexes can
// be matched against the model that produced them.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// defaultTimeout bounds a single HTTP request when the config leaves it unset.
// Callers normally apply a tighter deadline through ctx.
const defaultTimeout = 2 * time.Minute

// maxErrorBody caps how much of a failed response body is read for the error.
const maxErrorBody = 4 << 10

// batchFunc embeds one request-sized slice of texts.
type batchFunc func(ctx context.Context, texts []string) ([][]float32, error)

// embedBatched splits texts into requests of at most size items and
// concatenates the results in order. size <= 0 sends everything at once.
func embedBatched(ctx context.Context, texts []string, size int, fn batchFunc) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	progress := progressFromContext(ctx)
	if size <= 0 || len(texts) <= size {
		vecs, err := fn(ctx, texts)
		if err != nil {
			return nil, err
		}
		progress(len(texts), len(texts))
		return vecs, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		vecs, err := fn(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", start, end, err)
		}
		out = append(out, vecs...)
		progress(end, len(texts))
	}
	return out, nil
}

// statusError builds an error from a non-2xx response. extract pulls the
// backend's error message out of a decoded JSON body when there is one.
func statusError(resp *http.Response, extract func(body []byte) string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := ""
	if len(body) > 0 && json.Valid(body) {
		msg = extract(body)
	}
	if msg == "" {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
}

// newHTTPClient returns a client with the given timeout, or the default.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}
