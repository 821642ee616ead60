package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/qdrant/go-client/qdrant"
)

// IndexPinger reports ready once the retrieval engine has an active index.
type IndexPinger struct {
	index IndexController
}

// NewIndexPinger constructs an IndexPinger for the given engine.
func NewIndexPinger(index IndexController) *IndexPinger {
	return &IndexPinger{index: index}
}

// Name returns the dependency label used in readiness responses.
func (p *IndexPinger) Name() string { return "index" }

// Ping fails while no index is active, including the last build error when
// there is one.
func (p *IndexPinger) Ping(_ context.Context) error {
	st := p.index.Status()
	if st.Ready {
		return nil
	}
	switch {
	case st.Building:
		return errors.New("index build in progress")
	case st.LastError != "":
		return fmt.Errorf("no active index: %s", st.LastError)
	default:
		return errors.New("no active index")
	}
}

// QdrantPinger checks a Qdrant instance using its native HealthCheck RPC.
type QdrantPinger struct {
	// client is the Qdrant gRPC client to check.
	client *qdrant.Client
}

// NewQdrantPinger constructs a QdrantPinger for the given Qdrant client.
func NewQdrantPinger(client *qdrant.Client) *QdrantPinger {
	return &QdrantPinger{client: client}
}

// Name returns the dependency label used in readiness responses.
func (p *QdrantPinger) Name() string { return "qdrant" }

// Ping calls the Qdrant HealthCheck RPC.
func (p *QdrantPinger) Ping(ctx context.Context) error {
	if _, err := p.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// HTTPPinger checks an HTTP dependency (the Ollama server, the corpus API)
// and treats any status below 500 as reachable. It costs no model tokens.
type HTTPPinger struct {
	name   string
	method string
	url    string
	client *http.Client
}

// NewHTTPPinger constructs an HTTPPinger that sends method to url. Use HEAD
// for endpoints whose GET body is large.
func NewHTTPPinger(name, method, url string) *HTTPPinger {
	return &HTTPPinger{name: name, method: method, url: url, client: &http.Client{}}
}

// Name returns the dependency label used in readiness responses.
func (p *HTTPPinger) Name() string { return p.name }

// Ping issues the request. The context carries the check deadline.
func (p *HTTPPinger) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, p.method, p.url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("unhealthy: HTTP %d", resp.StatusCode)
	}
	return nil
}
