// Package corpus loads the member-message corpus that the retrieval index is
// built from. The corpus is fetched from a remote HTTP endpoint; on any
// network, status or decode failure the local fallback file is used
// wholesale. A partial corpus is never returned.
//
// The fetch policy is explicit: [Source.Fetch] returns a [Result] whose
// [Outcome] records which path produced the records, so callers and tests
// can tell a live fetch from a fallback without inspecting error text.
package corpus

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/54b3r/aurora-rag/internal/logging"
)

// DefaultURL is the public Aurora messages endpoint.
const DefaultURL = "https://november7-730026606190.europe-west1.run.app/messages/"

// DefaultFallbackPath is the local corpus file used when the remote fetch fails.
const DefaultFallbackPath = "messages_sample.json"

// maxBodyBytes caps the size of a remote corpus response.
const maxBodyBytes = 64 << 20

// ErrNoCorpus is returned when neither the remote source nor the fallback
// file produced a corpus.
var ErrNoCorpus = errors.New("corpus: no corpus available")

// Outcome records which path of the fetch policy produced a Result.
type Outcome int

const (
	// OutcomeFailed means both the remote fetch and the fallback failed.
	OutcomeFailed Outcome = iota
	// OutcomeFetched means the records came from the remote endpoint.
	OutcomeFetched
	// OutcomeFallbackUsed means the remote fetch failed and the local
	// fallback file was used.
	OutcomeFallbackUsed
)

// String returns a short label suitable for logs and JSON.
func (o Outcome) String() string {
	switch o {
	case OutcomeFetched:
		return "fetched"
	case OutcomeFallbackUsed:
		return "fallback"
	default:
		return "failed"
	}
}

// Record is a single member message. Only Message is required; the other
// fields are carried for introspection endpoints.
type Record struct {
	// ID is the upstream message identifier, if present.
	ID string `json:"id,omitempty"`
	// UserID is the upstream author identifier, if present.
	UserID string `json:"user_id,omitempty"`
	// UserName is the display name of the author, if present.
	UserName string `json:"user_name,omitempty"`
	// Timestamp is the upstream creation time as sent by the API.
	Timestamp string `json:"timestamp,omitempty"`
	// Message is the message text. Nil when the field was absent or not a string.
	Message *string `json:"message"`
}

// UnmarshalJSON decodes one record leniently so a bad field is reported for
// that record instead of failing the whole document. Identifier and name
// fields accept strings or numbers; a message that is not a string is left nil.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        json.RawMessage `json:"id"`
		UserID    json.RawMessage `json:"user_id"`
		UserName  json.RawMessage `json:"user_name"`
		Timestamp json.RawMessage `json:"timestamp"`
		Message   json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Record{
		ID:        scalarString(raw.ID),
		UserID:    scalarString(raw.UserID),
		UserName:  scalarString(raw.UserName),
		Timestamp: scalarString(raw.Timestamp),
	}
	var msg string
	if len(raw.Message) > 0 && raw.Message[0] == '"' && json.Unmarshal(raw.Message, &msg) == nil {
		r.Message = &msg
	}
	return nil
}

// scalarString renders a JSON string or number as text. Other values yield "".
func scalarString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		return ""
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return n.String()
	}
	return ""
}

// Text returns the message text and whether the record carried one.
func (r Record) Text() (string, bool) {
	if r.Message == nil {
		return "", false
	}
	return *r.Message, true
}

// Result is the typed outcome of a Fetch.
type Result struct {
	// Outcome records which path produced Records.
	Outcome Outcome
	// Records is the full corpus in upstream order. Nil when Outcome is OutcomeFailed.
	Records []Record
	// RemoteErr is the remote failure that triggered the fallback, if any.
	RemoteErr error
	// FallbackErr is the fallback failure when Outcome is OutcomeFailed.
	FallbackErr error
}

// Texts extracts the message text of every record. It fails on the first
// record that carries no message; the caller decides whether that aborts a build.
func (r *Result) Texts() ([]string, error) {
	return Texts(r.Records)
}

// MalformedError reports a corpus record without a usable message field.
type MalformedError struct {
	// Position is the zero-based index of the offending record.
	Position int
}

// Error implements error.
func (e *MalformedError) Error() string {
	return fmt.Sprintf("corpus: record %d has no message field", e.Position)
}

// Texts extracts the message text of every record in order.
func Texts(records []Record) ([]string, error) {
	texts := make([]string, len(records))
	for i, rec := range records {
		text, ok := rec.Text()
		if !ok {
			return nil, &MalformedError{Position: i}
		}
		texts[i] = text
	}
	return texts, nil
}

// Fingerprint returns a stable digest of the ordered texts. It changes when
// the record count, order or any message content changes.
func Fingerprint(texts []string) string {
	h := sha256.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(len(texts)))
	h.Write(buf[:])
	for _, t := range texts {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(t)))
		h.Write(buf[:])
		h.Write([]byte(t))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Config holds the settings for constructing a Source.
type Config struct {
	// URL is the remote corpus endpoint. Defaults to DefaultURL.
	URL string
	// FallbackPath is the local JSON file with the same shape as the remote
	// response. Defaults to DefaultFallbackPath.
	FallbackPath string
	// Timeout bounds the remote request. Defaults to 10s.
	Timeout time.Duration
	// UserAgent is sent with the remote request.
	UserAgent string
}

// Source fetches the corpus. It is safe for concurrent use.
type Source struct {
	// cfg holds the resolved configuration.
	cfg *Config
	// client performs the remote request.
	client *http.Client
}

// NewSource constructs a Source from cfg, applying defaults.
func NewSource(cfg *Config) *Source {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.FallbackPath == "" {
		cfg.FallbackPath = DefaultFallbackPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "aurora-rag/1.0"
	}
	return &Source{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// URL returns the configured remote endpoint.
func (s *Source) URL() string { return s.cfg.URL }

// FallbackPath returns the local fallback file.
func (s *Source) FallbackPath() string { return s.cfg.FallbackPath }

// Fetch loads the full corpus using the two-step policy: remote first, local
// fallback on any remote failure. The returned Result is never nil. The
// error is non-nil only when Outcome is OutcomeFailed, and wraps ErrNoCorpus.
func (s *Source) Fetch(ctx context.Context) (*Result, error) {
	log := logging.FromContext(ctx)

	records, remoteErr := s.fetchRemote(ctx)
	if remoteErr == nil {
		log.Debug("corpus: fetched remote corpus",
			slog.String("url", s.cfg.URL),
			slog.Int("records", len(records)),
		)
		return &Result{Outcome: OutcomeFetched, Records: records}, nil
	}

	log.Warn("corpus: remote fetch failed, falling back to local file",
		slog.String("url", s.cfg.URL),
		slog.String("fallback", s.cfg.FallbackPath),
		slog.Any("error", remoteErr),
	)

	records, fallbackErr := s.readFallback()
	if fallbackErr != nil {
		res := &Result{Outcome: OutcomeFailed, RemoteErr: remoteErr, FallbackErr: fallbackErr}
		return res, fmt.Errorf("%w: remote: %v; fallback: %v", ErrNoCorpus, remoteErr, fallbackErr)
	}

	return &Result{Outcome: OutcomeFallbackUsed, Records: records, RemoteErr: remoteErr}, nil
}

// fetchRemote performs the HTTP GET and decodes the response.
func (s *Source) fetchRemote(ctx context.Context) ([]Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", s.cfg.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	return Decode(body)
}

// readFallback loads the local fallback file.
func (s *Source) readFallback() ([]Record, error) {
	data, err := os.ReadFile(s.cfg.FallbackPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.cfg.FallbackPath, err)
	}
	records, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", s.cfg.FallbackPath, err)
	}
	return records, nil
}

// Decode parses a corpus document: either a JSON array of records or an
// object with an "items" array. Any other shape is an error.
func Decode(data []byte) ([]Record, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("empty document")
	}

	switch trimmed[0] {
	case '[':
		var records []Record
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("decoding record array: %w", err)
		}
		if records == nil {
			records = []Record{}
		}
		return records, nil
	case '{':
		var envelope struct {
			Items *[]Record `json:"items"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, fmt.Errorf("decoding items envelope: %w", err)
		}
		if envelope.Items == nil {
			return nil, fmt.Errorf("object has no items array")
		}
		if *envelope.Items == nil {
			return []Record{}, nil
		}
		return *envelope.Items, nil
	default:
		return nil, fmt.Errorf("unexpected JSON document starting with %q", trimmed[0])
	}
}

// UniqueNames returns the sorted set of non-empty author names in records.
func UniqueNames(records []Record) []string {
	seen := make(map[string]struct{})
	for _, r := range records {
		if r.UserName != "" {
			seen[r.UserName] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
