// Package query orchestrates one question: retrieve the nearest member
// messages, assemble them into a context block, and hand question plus
// context to the answer generator, either single-shot or as a stream.
package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/aurora-rag/internal/budget"
	"github.com/54b3r/aurora-rag/internal/logging"
	"github.com/54b3r/aurora-rag/internal/retrieval"
)

// Defaults applied by New.
const (
	DefaultTopK          = 10
	DefaultAnswerTimeout = 2 * time.Minute

	// contextSeparator joins retrieved messages into the context block.
	contextSeparator = "\n\n"
)

// ErrEmptyQuestion is returned when the question is blank.
var ErrEmptyQuestion = errors.New("query: question must not be empty")

// Stage names the step of the pipeline that failed.
type Stage string

const (
	// StageRetrieval covers embedding the question and searching the index.
	StageRetrieval Stage = "retrieval"
	// StageAnswer covers the answer generator call.
	StageAnswer Stage = "answer"
)

// StageError reports which stage of a question failed.
type StageError struct {
	Stage Stage
	Err   error
}

// Error implements error.
func (e *StageError) Error() string {
	return fmt.Sprintf("query: %s failed: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error { return e.Err }

// Retriever finds the k messages nearest to a question.
type Retriever interface {
	Retrieve(ctx context.Context, question string, k int) ([]retrieval.Hit, error)
}

// Answerer writes an answer from a question and a context block.
type Answerer interface {
	Complete(ctx context.Context, question, contextBlock string) (string, error)
	Stream(ctx context.Context, question, contextBlock string) (*schema.StreamReader[string], error)
}

// promptRenderer is implemented by answerers that can render the messages
// sent around the context block, so the budget accounts for them.
type promptRenderer interface {
	Messages(ctx context.Context, question, contextBlock string) ([]*schema.Message, error)
}

// Config holds the collaborators and settings for a Service.
type Config struct {
	// Retriever is the retrieval engine. Required.
	Retriever Retriever
	// Answerer is the answer generator. Required.
	Answerer Answerer
	// TopK is the number of messages retrieved per question. Defaults to 10.
	TopK int
	// AnswerTimeout bounds each answer call, including the whole stream.
	// Defaults to 2m.
	AnswerTimeout time.Duration
	// MaxContextTokens caps the estimated size of the whole prompt; the
	// farthest messages are dropped first. Defaults to
	// budget.DefaultMaxContextTokens; negative disables trimming.
	MaxContextTokens int
}

// Service answers questions. It holds no per-request state and is safe for
// concurrent use.
type Service struct {
	cfg Config
}

// New constructs a Service from cfg.
func New(cfg Config) (*Service, error) {
	if cfg.Retriever == nil || cfg.Answerer == nil {
		return nil, fmt.Errorf("query: retriever and answerer are required")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = DefaultAnswerTimeout
	}
	if cfg.MaxContextTokens == 0 {
		cfg.MaxContextTokens = budget.DefaultMaxContextTokens
	}
	return &Service{cfg: cfg}, nil
}

// Context retrieves the nearest messages for question and returns them
// joined into the context block, trimmed to the token budget.
func (s *Service) Context(ctx context.Context, question string) (string, []retrieval.Hit, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", nil, ErrEmptyQuestion
	}

	hits, err := s.cfg.Retriever.Retrieve(ctx, question, s.cfg.TopK)
	if err != nil {
		return "", nil, &StageError{Stage: StageRetrieval, Err: err}
	}
	if len(hits) == 0 {
		return "", nil, &StageError{
			Stage: StageRetrieval,
			Err:   fmt.Errorf("%w: no messages retrieved", retrieval.ErrRetrievalUnavailable),
		}
	}

	texts := make([]string, len(hits))
	for i, h := range hits {
		texts[i] = h.Text
	}
	kept := budget.TrimContext(s.fixedMessages(ctx, question), texts, contextSeparator, s.cfg.MaxContextTokens)
	if len(kept) < len(texts) {
		logging.FromContext(ctx).Debug("query: trimmed context to token budget",
			slog.Int("retrieved", len(texts)),
			slog.Int("kept", len(kept)),
		)
	}
	return strings.Join(kept, contextSeparator), hits[:len(kept)], nil
}

// fixedMessages renders the prompt without context when the answerer
// supports it. Rendering failures leave only the context block budgeted.
func (s *Service) fixedMessages(ctx context.Context, question string) []*schema.Message {
	r, ok := s.cfg.Answerer.(promptRenderer)
	if !ok || s.cfg.MaxContextTokens < 0 {
		return nil
	}
	msgs, err := r.Messages(ctx, question, "")
	if err != nil {
		logging.FromContext(ctx).Warn("query: rendering prompt for budget", slog.Any("error", err))
		return nil
	}
	return msgs
}

// Answer returns a complete answer to question.
func (s *Service) Answer(ctx context.Context, question string) (string, error) {
	block, _, err := s.Context(ctx, question)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.AnswerTimeout)
	defer cancel()

	answer, err := s.cfg.Answerer.Complete(ctx, strings.TrimSpace(question), block)
	if err != nil {
		return "", &StageError{Stage: StageAnswer, Err: err}
	}
	return answer, nil
}

// Stream starts an answer stream for question. Retrieval runs before Stream
// returns, so retrieval failures surface here rather than mid-stream. The
// caller must Close the returned Stream.
func (s *Service) Stream(ctx context.Context, question string) (*Stream, error) {
	block, _, err := s.Context(ctx, question)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.AnswerTimeout)
	sr, err := s.cfg.Answerer.Stream(ctx, strings.TrimSpace(question), block)
	if err != nil {
		cancel()
		return nil, &StageError{Stage: StageAnswer, Err: err}
	}
	return &Stream{sr: sr, cancel: cancel}, nil
}

// Stream is a pull-based sequence of answer fragments.
type Stream struct {
	sr     *schema.StreamReader[string]
	cancel context.CancelFunc
	once   sync.Once
}

// Recv returns the next fragment, io.EOF once the answer is complete, or a
// *StageError if generation failed mid-stream.
func (s *Stream) Recv() (string, error) {
	part, err := s.sr.Recv()
	switch {
	case err == nil:
		return part, nil
	case errors.Is(err, io.EOF):
		return "", io.EOF
	default:
		return "", &StageError{Stage: StageAnswer, Err: err}
	}
}

// Close releases the generator connection and cancels any in-flight
// production. It is safe to call more than once.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.sr.Close()
		s.cancel()
	})
}
