// Package budget estimates token counts and trims retrieved context so a
// prompt fits the answer model's input window. Because several LLM backends
// with different tokenizers are supported, estimation uses a conservative
// character heuristic: 1 token ≈ 4 characters.
package budget

import (
	"github.com/cloudwego/eino/schema"
)

const (
	// charsPerToken is the character-to-token ratio used for estimation.
	charsPerToken = 4

	// DefaultMaxContextTokens is the default input budget in tokens. It fits
	// 8k-context models while leaving room for the answer.
	DefaultMaxContextTokens = 6000
)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages returns the estimated total token count for a slice of
// schema.Message values, summing role + content for each message.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		// ~4 tokens of per-message framing in most APIs.
		total += 4
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
	}
	return total
}

// TrimContext drops retrieved items from the end of items until the
// estimated size of fixed plus the items joined by sep fits maxTokens. Items
// are expected nearest-first, so the farthest matches go first. The nearest
// item is always kept; callers should warn separately if even that
// overflows the budget.
func TrimContext(fixed []*schema.Message, items []string, sep string, maxTokens int) []string {
	if len(items) <= 1 || maxTokens <= 0 {
		return items
	}

	used := EstimateMessages(fixed)
	sepTokens := Estimate(sep)
	for i, item := range items {
		cost := Estimate(item)
		if i > 0 {
			cost += sepTokens
		}
		if i > 0 && used+cost > maxTokens {
			return items[:i]
		}
		used += cost
	}
	return items
}
