// Package answer turns a question plus retrieved member messages into a
// natural-language answer using an eino chat model. It supports both a
// single-shot completion and a pull-based fragment stream.
package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

// systemPrompt frames the model as an assistant over member messages.
const systemPrompt = `You are a helpful assistant that answers questions about Aurora members using their message history.
Use only the messages provided. When the answer is implied rather than stated, give the most likely answer.
Answer concisely and factually.`

// userTemplate is rendered with the retrieved context and the question.
const userTemplate = `Messages:
{context}

Question:
{question}`

// ErrEmptyAnswer is returned by Complete when the model produced no text.
var ErrEmptyAnswer = errors.New("answer: model returned an empty answer")

// Config holds the settings for constructing a Generator.
type Config struct {
	// Model is the chat model that writes answers. Required.
	Model model.BaseChatModel
	// MaxTokens caps the answer length per call. Zero leaves the model's
	// configured default in place.
	MaxTokens int
}

// Generator renders the answer prompt and calls the chat model. It is safe
// for concurrent use.
type Generator struct {
	// model is the underlying chat model.
	model model.BaseChatModel
	// tmpl renders the system and user messages.
	tmpl prompt.ChatTemplate
	// opts are applied to every model call.
	opts []model.Option
}

// New constructs a Generator from cfg.
func New(cfg Config) (*Generator, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("answer: chat model is required")
	}
	g := &Generator{
		model: cfg.Model,
		tmpl: prompt.FromMessages(schema.FString,
			schema.SystemMessage(systemPrompt),
			schema.UserMessage(userTemplate),
		),
	}
	if cfg.MaxTokens > 0 {
		g.opts = append(g.opts, model.WithMaxTokens(cfg.MaxTokens))
	}
	return g, nil
}

// Messages renders the prompt for question over contextBlock.
func (g *Generator) Messages(ctx context.Context, question, contextBlock string) ([]*schema.Message, error) {
	msgs, err := g.tmpl.Format(ctx, map[string]any{
		"context":  contextBlock,
		"question": question,
	})
	if err != nil {
		return nil, fmt.Errorf("answer: rendering prompt: %w", err)
	}
	return msgs, nil
}

// Complete returns the full answer in one call.
func (g *Generator) Complete(ctx context.Context, question, contextBlock string) (string, error) {
	msgs, err := g.Messages(ctx, question, contextBlock)
	if err != nil {
		return "", err
	}
	out, err := g.model.Generate(ctx, msgs, g.opts...)
	if err != nil {
		return "", fmt.Errorf("answer: generate: %w", err)
	}
	text := strings.TrimSpace(out.Content)
	if text == "" {
		return "", ErrEmptyAnswer
	}
	return text, nil
}

// Stream returns a reader yielding answer fragments in order. Chunks that
// carry no text are skipped. The caller must Close the reader; closing it
// releases the model connection.
func (g *Generator) Stream(ctx context.Context, question, contextBlock string) (*schema.StreamReader[string], error) {
	msgs, err := g.Messages(ctx, question, contextBlock)
	if err != nil {
		return nil, err
	}
	sr, err := g.model.Stream(ctx, msgs, g.opts...)
	if err != nil {
		return nil, fmt.Errorf("answer: stream: %w", err)
	}
	return schema.StreamReaderWithConvert(sr, func(m *schema.Message) (string, error) {
		if m == nil || m.Content == "" {
			return "", schema.ErrNoValue
		}
		return m.Content, nil
	}), nil
}
