package history

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/papergloss/backend/internal/platform/logger"
)

// Message is one turn of conversational context handed to a stage call.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Summarizer condenses discarded assistant outputs into one style summary.
// The pipeline package provides the completion-backed implementation; a nil
// summarizer degrades to truncation.
type Summarizer interface {
	Summarize(ctx context.Context, contents []string) (string, error)
}

type entry struct {
	ordinal int
	source  string
	result  string
	summary bool
}

// Window is the per-session rolling context. It accumulates (segment, result)
// pairs as segments complete; once the accumulated size crosses the threshold
// the oldest entries are compressed into a single summary entry. Compression
// is monotonic: discarded originals are gone for good.
//
// A Window belongs to exactly one session and is discarded with it, so the
// mutex only guards the session's own concurrent segment completions.
type Window struct {
	mu         sync.Mutex
	log        *logger.Logger
	summarizer Summarizer
	threshold  func() int // live read so a config reload applies to the next append

	entries []entry
	size    int // runes accumulated across sources and results
}

func NewWindow(threshold func() int, summarizer Summarizer, log *logger.Logger) *Window {
	return &Window{
		log:        log.With("component", "HistoryWindow"),
		summarizer: summarizer,
		threshold:  threshold,
	}
}

// Append records a completed (segment, result) pair and compresses if the
// window outgrew the threshold.
func (w *Window) Append(ctx context.Context, ordinal int, source, result string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = append(w.entries, entry{ordinal: ordinal, source: source, result: result})
	w.size += utf8.RuneCountInString(source) + utf8.RuneCountInString(result)

	limit := w.threshold()
	if limit <= 0 || w.size <= limit {
		return
	}
	w.compressLocked(ctx, limit)
}

// compressLocked pops oldest entries until the retained tail is at most half
// the threshold, then replaces them with one summary entry derived only from
// the popped assistant outputs (and any prior summary).
func (w *Window) compressLocked(ctx context.Context, limit int) {
	target := limit / 2
	var popped []entry
	for len(w.entries) > 1 && w.size > target {
		e := w.entries[0]
		w.entries = w.entries[1:]
		w.size -= utf8.RuneCountInString(e.source) + utf8.RuneCountInString(e.result)
		popped = append(popped, e)
	}
	if len(popped) == 0 {
		return
	}

	contents := make([]string, 0, len(popped))
	for _, e := range popped {
		// Only what the model produced carries style signal; the raw source
		// is already represented by the rewrite.
		contents = append(contents, e.result)
	}

	summaryCap := limit / 4
	if summaryCap > 512 {
		summaryCap = 512
	}
	summary := ""
	if w.summarizer != nil {
		s, err := w.summarizer.Summarize(ctx, contents)
		if err != nil {
			w.log.Warn("history summarization failed, falling back to truncation", "error", err)
		} else {
			summary = s
		}
	}
	if summary == "" {
		summary = strings.Join(contents, "\n")
	}
	summary = truncateRunes(summary, summaryCap)

	w.entries = append([]entry{{result: summary, summary: true}}, w.entries...)
	w.size += utf8.RuneCountInString(summary)
}

// Context renders the window as chat messages: the summary (if any) as a
// system turn, then user/assistant pairs for the retained segments.
func (w *Window) Context() []Message {
	w.mu.Lock()
	defer w.mu.Unlock()

	msgs := make([]Message, 0, 2*len(w.entries))
	for _, e := range w.entries {
		if e.summary {
			msgs = append(msgs, Message{
				Role:    "system",
				Content: "Style summary of earlier passages:\n" + e.result,
			})
			continue
		}
		msgs = append(msgs,
			Message{Role: "user", Content: e.source},
			Message{Role: "assistant", Content: e.result},
		)
	}
	return msgs
}

// Size reports the accumulated rune count (diagnostics and tests).
func (w *Window) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
