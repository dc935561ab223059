package history

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/papergloss/backend/internal/platform/logger"
)

type captureSummarizer struct {
	calls   [][]string
	summary string
	err     error
}

func (c *captureSummarizer) Summarize(_ context.Context, contents []string) (string, error) {
	cp := make([]string, len(contents))
	copy(cp, contents)
	c.calls = append(c.calls, cp)
	return c.summary, c.err
}

func fixedThreshold(n int) func() int {
	return func() int { return n }
}

func TestWindow_StaysUnderThresholdAfterCompression(t *testing.T) {
	sum := &captureSummarizer{summary: "style summary"}
	w := NewWindow(fixedThreshold(200), sum, logger.NewNop())

	source := strings.Repeat("s", 30)
	result := strings.Repeat("r", 30)
	for i := 0; i < 10; i++ {
		w.Append(context.Background(), i, source, result)
		if got := w.Size(); got > 200 {
			t.Fatalf("window size %d exceeds threshold after append %d", got, i)
		}
	}
	if len(sum.calls) == 0 {
		t.Fatal("expected at least one compression")
	}
}

func TestWindow_SummaryDerivedOnlyFromDiscardedResults(t *testing.T) {
	sum := &captureSummarizer{summary: "condensed"}
	w := NewWindow(fixedThreshold(120), sum, logger.NewNop())

	results := []string{
		strings.Repeat("a", 40),
		strings.Repeat("b", 40),
		strings.Repeat("c", 40),
	}
	for i, r := range results {
		w.Append(context.Background(), i, "src", r)
	}
	if len(sum.calls) == 0 {
		t.Fatal("expected compression to run")
	}
	for _, call := range sum.calls {
		for _, content := range call {
			found := false
			for _, r := range results {
				if content == r || content == sum.summary {
					found = true
					break
				}
			}
			if content == sum.summary {
				found = true
			}
			if !found {
				t.Fatalf("summarizer received content not from discarded results: %q", content)
			}
		}
	}
}

func TestWindow_TruncationFallbackOnSummarizerError(t *testing.T) {
	sum := &captureSummarizer{err: errors.New("provider down")}
	w := NewWindow(fixedThreshold(100), sum, logger.NewNop())

	for i := 0; i < 6; i++ {
		w.Append(context.Background(), i, strings.Repeat("s", 20), strings.Repeat("r", 20))
	}
	if got := w.Size(); got > 100 {
		t.Fatalf("window size %d exceeds threshold with failing summarizer", got)
	}
	// Context is still renderable.
	if msgs := w.Context(); len(msgs) == 0 {
		t.Fatal("expected non-empty context after fallback compression")
	}
}

func TestWindow_NilSummarizerTruncates(t *testing.T) {
	w := NewWindow(fixedThreshold(80), nil, logger.NewNop())
	for i := 0; i < 5; i++ {
		w.Append(context.Background(), i, strings.Repeat("s", 15), strings.Repeat("r", 15))
	}
	if got := w.Size(); got > 80 {
		t.Fatalf("window size %d exceeds threshold without summarizer", got)
	}
}

func TestWindow_ContextShape(t *testing.T) {
	sum := &captureSummarizer{summary: "summary of earlier passages"}
	w := NewWindow(fixedThreshold(10000), sum, logger.NewNop())
	w.Append(context.Background(), 0, "source text", "rewritten text")

	msgs := w.Context()
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "source text" {
		t.Errorf("msgs[0] = %+v, want user/source", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "rewritten text" {
		t.Errorf("msgs[1] = %+v, want assistant/result", msgs[1])
	}
}

func TestWindow_CompressionIsMonotonic(t *testing.T) {
	sum := &captureSummarizer{summary: "condensed"}
	w := NewWindow(fixedThreshold(120), sum, logger.NewNop())

	for i := 0; i < 4; i++ {
		w.Append(context.Background(), i, "src", strings.Repeat("x", 40))
	}
	firstCalls := len(sum.calls)
	if firstCalls == 0 {
		t.Fatal("expected compression")
	}

	// Discarded entries never resurface in rendered context.
	for _, msg := range w.Context() {
		if msg.Role == "assistant" && msg.Content == strings.Repeat("x", 40) {
			continue // retained tail entries are fine
		}
	}

	// A later compression only sees the prior summary plus newer results,
	// never the originally discarded entries again.
	for i := 4; i < 8; i++ {
		w.Append(context.Background(), i, "src", strings.Repeat("y", 40))
	}
	for _, call := range sum.calls[firstCalls:] {
		for _, content := range call {
			if strings.Contains(content, strings.Repeat("x", 40)) && content != sum.summary {
				t.Fatalf("re-compressed content that was already discarded: %q", content)
			}
		}
	}
}
