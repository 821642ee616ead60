package budget

import (
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
)

func Test_Estimate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		input string
		want  int
	}{
		{"", 0},
		{"a", 1},        // < 4 chars → 1
		{"abcd", 1},     // exactly 4 chars → 1
		{"abcde", 1},    // 5 chars → 1
		{"abcdefgh", 2}, // 8 chars → 2
		{strings.Repeat("x", 400), 100},
	}
	for _, tc := range cases {
		got := Estimate(tc.input)
		if got != tc.want {
			t.Errorf("Estimate(%q) = %d, want %d", tc.input, got, tc.want)
		}
	}
}

func Test_EstimateMessages(t *testing.T) {
	t.Parallel()
	msgs := []*schema.Message{
		schema.UserMessage("hello world"), // 4 overhead + 1 (role) + 2 (content) = 7
		schema.UserMessage("hello world"),
	}
	got := EstimateMessages(msgs)
	// Each message: 4 overhead + Estimate("user")=1 + Estimate("hello world")=2 = 7
	// Two messages: 14
	if got != 14 {
		t.Errorf("EstimateMessages = %d, want 14", got)
	}
}

func Test_TrimContext_NoTrimNeeded(t *testing.T) {
	t.Parallel()
	fixed := []*schema.Message{schema.SystemMessage("sys")}
	items := []string{"I love hiking", "Book a table at Nobu"}

	got := TrimContext(fixed, items, "\n\n", DefaultMaxContextTokens)
	if len(got) != 2 {
		t.Errorf("want 2 items, got %d", len(got))
	}
}

func Test_TrimContext_DropsFarthest(t *testing.T) {
	t.Parallel()
	// 101, 100 and 100 tokens.
	items := []string{
		"nearest " + strings.Repeat("a", 396),
		"middle " + strings.Repeat("b", 393),
		"farthest " + strings.Repeat("c", 391),
	}

	// Budget fits the first two items plus a separator, not the third.
	got := TrimContext(nil, items, "\n\n", 210)
	if len(got) != 2 {
		t.Fatalf("want 2 items, got %d", len(got))
	}
	if got[0] != items[0] || got[1] != items[1] {
		t.Error("trimming must keep the nearest items in order")
	}
}

func Test_TrimContext_CountsFixedMessages(t *testing.T) {
	t.Parallel()
	// fixed costs 4 + 1 + 100 tokens; each item costs 10.
	fixed := []*schema.Message{schema.SystemMessage(strings.Repeat("s", 400))}
	items := []string{strings.Repeat("x", 40), strings.Repeat("y", 40)}

	if got := TrimContext(fixed, items, "", 120); len(got) != 1 {
		t.Errorf("want 1 item once fixed messages are counted, got %d", len(got))
	}
}

func Test_TrimContext_AlwaysKeepsNearest(t *testing.T) {
	t.Parallel()
	items := []string{strings.Repeat("z", 4000), "short"}

	got := TrimContext(nil, items, "\n\n", 10)
	if len(got) != 1 || got[0] != items[0] {
		t.Errorf("want only the nearest item, got %d items", len(got))
	}
}

func Test_TrimContext_NonPositiveBudgetDisablesTrimming(t *testing.T) {
	t.Parallel()
	items := []string{"a", "b", "c"}
	if got := TrimContext(nil, items, "\n\n", 0); len(got) != 3 {
		t.Errorf("want all items, got %d", len(got))
	}
}
