package pipeline

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/papergloss/backend/internal/config"
	"github.com/papergloss/backend/internal/domain"
	"github.com/papergloss/backend/internal/platform/logger"
	"github.com/papergloss/backend/internal/platform/openai"
	"github.com/papergloss/backend/internal/scheduler"
)

func newTestManager(ai openai.Client, mutate func(*config.Config)) *Manager {
	cfg := config.Default()
	cfg.Pipeline.RetryBackoff = time.Millisecond
	cfg.Pipeline.StageTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	log := logger.NewNop()
	store := config.NewStore("", cfg, log)
	gate := scheduler.NewGate(cfg.Pipeline.MaxConcurrentCalls)
	runner := NewRunner(ai,
		func() config.PipelineConfig { return store.Current().Pipeline },
		func() config.PromptsConfig { return store.Current().Prompts },
		log,
	)
	return NewManager(store, gate, runner, ai, log)
}

// passage pulls the current text out of a stage call's message list.
func passage(msgs []openai.ChatMessage) string {
	return strings.TrimSpace(msgs[len(msgs)-1].Content)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestManager_ReassemblyPreservesOrdinalOrder(t *testing.T) {
	paras := []string{
		"First paragraph with enough length to be rewritten properly.",
		"Second paragraph with enough length to be rewritten properly.",
		"Third paragraph with enough length to be rewritten properly.",
		"Fourth paragraph with enough length to be rewritten properly.",
	}
	ai := &fakeAI{reply: func(_ int, msgs []openai.ChatMessage) (string, error) {
		time.Sleep(time.Duration(rand.Intn(10)) * time.Millisecond)
		return "R(" + passage(msgs) + ")", nil
	}}
	m := newTestManager(ai, nil)

	s, err := m.Start(domain.Document{ID: uuid.New(), Text: strings.Join(paras, "\n")}, domain.SessionConfig{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitDone(t, s)

	snap := s.Snapshot()
	if snap.State != domain.SessionCompleted {
		t.Fatalf("state = %s, want completed", snap.State)
	}
	want := make([]string, len(paras))
	for i, p := range paras {
		want[i] = fmt.Sprintf("R(R(%s))", p)
	}
	if snap.Result != strings.Join(want, "\n\n") {
		t.Errorf("result out of order or wrong:\n got: %q\nwant: %q", snap.Result, strings.Join(want, "\n\n"))
	}
	for i, seg := range snap.Segments {
		if seg.Ordinal != i || seg.Status != domain.SegmentDone {
			t.Errorf("segment %d = %+v", i, seg)
		}
	}
}

func TestManager_ConcurrencyNeverExceedsCap(t *testing.T) {
	var active, peak int64
	ai := &fakeAI{reply: func(_ int, msgs []openai.ChatMessage) (string, error) {
		n := atomic.AddInt64(&active, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		return "R(" + passage(msgs) + ")", nil
	}}
	m := newTestManager(ai, func(c *config.Config) {
		c.Pipeline.MaxConcurrentCalls = 2
	})

	var paras []string
	for i := 0; i < 5; i++ {
		paras = append(paras, fmt.Sprintf("Paragraph number %d with enough text to clear the skip threshold.", i))
	}
	s, err := m.Start(domain.Document{ID: uuid.New(), Text: strings.Join(paras, "\n")}, domain.SessionConfig{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitDone(t, s)

	if got := atomic.LoadInt64(&peak); got > 2 {
		t.Errorf("peak in-flight calls = %d, want <= 2", got)
	}
	if s.Snapshot().State != domain.SessionCompleted {
		t.Errorf("state = %s, want completed", s.Snapshot().State)
	}
	if _, inUse, queued := m.GateStats(); inUse != 0 || queued != 0 {
		t.Errorf("gate not drained: inUse=%d queued=%d", inUse, queued)
	}
}

func TestManager_SegmentFailureIsIsolated(t *testing.T) {
	const marker = "UNPROCESSABLE"
	paras := []string{
		"First paragraph with enough length to be rewritten properly.",
		"Middle paragraph " + marker + " that the provider keeps rejecting badly.",
		"Third paragraph with enough length to be rewritten properly.",
	}
	ai := &fakeAI{reply: func(_ int, msgs []openai.ChatMessage) (string, error) {
		if strings.Contains(passage(msgs), marker) {
			return "", errors.New("provider rejected input")
		}
		return "R(" + passage(msgs) + ")", nil
	}}
	m := newTestManager(ai, func(c *config.Config) {
		c.Pipeline.MaxRetries = 2
	})

	s, err := m.Start(domain.Document{ID: uuid.New(), Text: strings.Join(paras, "\n")}, domain.SessionConfig{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitDone(t, s)

	snap := s.Snapshot()
	if snap.State != domain.SessionPartiallyFailed {
		t.Fatalf("state = %s, want partially_failed", snap.State)
	}
	if snap.Segments[1].Status != domain.SegmentFailed || snap.Segments[1].FailReason == "" {
		t.Errorf("segment 1 = %+v, want failed with reason", snap.Segments[1])
	}
	if snap.Segments[1].Text != paras[1] {
		t.Errorf("failed segment text = %q, want original preserved", snap.Segments[1].Text)
	}
	for _, i := range []int{0, 2} {
		if snap.Segments[i].Status != domain.SegmentDone {
			t.Errorf("segment %d = %+v, want done despite sibling failure", i, snap.Segments[i])
		}
	}
	if !strings.Contains(snap.Result, paras[1]) {
		t.Error("reassembled result must carry the failed segment's original text")
	}
	// Stage 1: two successes plus three attempts on the bad segment. Stage 2
	// runs only for the two survivors, the failed segment is never resubmitted.
	if got := ai.callCount(); got != 7 {
		t.Errorf("completion calls = %d, want 7", got)
	}
}

func TestManager_SkipSegmentsNeverReachProvider(t *testing.T) {
	text := "# Methods\nHi.\nA body paragraph long enough to be sent through both rewrite stages."
	ai := &fakeAI{reply: func(_ int, msgs []openai.ChatMessage) (string, error) {
		if strings.Contains(passage(msgs), "Hi.") {
			return "", errors.New("skip segment leaked into a stage call")
		}
		return "R(" + passage(msgs) + ")", nil
	}}
	m := newTestManager(ai, nil)

	s, err := m.Start(domain.Document{ID: uuid.New(), Text: text}, domain.SessionConfig{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitDone(t, s)

	snap := s.Snapshot()
	if snap.State != domain.SessionCompleted {
		t.Fatalf("state = %s, want completed", snap.State)
	}
	if snap.Segments[1].Kind != domain.KindSkip || snap.Segments[1].Text != "Hi." {
		t.Errorf("segment 1 = %+v, want untouched skip", snap.Segments[1])
	}
	// Heading and body each see two stages.
	if got := ai.callCount(); got != 4 {
		t.Errorf("completion calls = %d, want 4", got)
	}
}

func TestManager_CancelFailsPendingSegments(t *testing.T) {
	ai := &fakeAI{reply: func(_ int, msgs []openai.ChatMessage) (string, error) {
		time.Sleep(20 * time.Millisecond)
		return "R(" + passage(msgs) + ")", nil
	}}
	m := newTestManager(ai, func(c *config.Config) {
		c.Pipeline.MaxConcurrentCalls = 1
	})

	var paras []string
	for i := 0; i < 4; i++ {
		paras = append(paras, fmt.Sprintf("Paragraph number %d with enough text to clear the skip threshold.", i))
	}
	s, err := m.Start(domain.Document{ID: uuid.New(), Text: strings.Join(paras, "\n")}, domain.SessionConfig{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Cancel once the first stage call is actually running.
	for ev := range s.Events() {
		if ev.Type == domain.EventSegmentStarted {
			break
		}
	}
	if err := m.Cancel(s.ID, "user requested stop"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	waitDone(t, s)

	snap := s.Snapshot()
	if snap.State != domain.SessionCancelled {
		t.Fatalf("state = %s, want cancelled", snap.State)
	}
	failed := 0
	for _, seg := range snap.Segments {
		if !seg.Status.Terminal() {
			t.Errorf("segment %d left non-terminal: %+v", seg.Ordinal, seg)
		}
		if seg.Status == domain.SegmentFailed {
			failed++
			if seg.FailReason != "user requested stop" {
				t.Errorf("fail reason = %q, want the cancel reason", seg.FailReason)
			}
		}
	}
	if failed == 0 {
		t.Error("expected at least one segment failed by cancellation")
	}
	// Result still reassembles every segment.
	if got := strings.Count(snap.Result, "\n\n"); got != len(snap.Segments)-1 {
		t.Errorf("result joins %d segments, want %d", got+1, len(snap.Segments))
	}
}

func TestManager_EventStreamBracketsSession(t *testing.T) {
	ai := &fakeAI{reply: func(_ int, msgs []openai.ChatMessage) (string, error) {
		return "R(" + passage(msgs) + ")", nil
	}}
	m := newTestManager(ai, nil)

	s, err := m.Start(domain.Document{ID: uuid.New(), Text: "A single body paragraph long enough to be processed by both stages."}, domain.SessionConfig{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var events []domain.ProgressEvent
	for ev := range s.Events() {
		events = append(events, ev)
	}
	if len(events) < 2 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].Type != domain.EventSessionStarted {
		t.Errorf("first event = %s, want session_started", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != domain.EventSessionFinished || last.State != domain.SessionCompleted {
		t.Errorf("last event = %+v, want session_finished/completed", last)
	}
	for _, ev := range events {
		if ev.SessionID != s.ID {
			t.Errorf("event %s carries session %s, want %s", ev.Type, ev.SessionID, s.ID)
		}
	}
}

func TestManager_StartRejectsEmptyDocument(t *testing.T) {
	m := newTestManager(&fakeAI{reply: func(int, []openai.ChatMessage) (string, error) {
		return "", errors.New("should not be called")
	}}, nil)

	_, err := m.Start(domain.Document{ID: uuid.New(), Text: "   \n\t"}, domain.SessionConfig{})
	var segErr *domain.SegmentationError
	if !errors.As(err, &segErr) {
		t.Fatalf("error = %v, want SegmentationError", err)
	}
}

func TestManager_GetAndSweep(t *testing.T) {
	ai := &fakeAI{reply: func(_ int, msgs []openai.ChatMessage) (string, error) {
		return "R(" + passage(msgs) + ")", nil
	}}
	m := newTestManager(ai, nil)

	if _, err := m.Get(uuid.New()); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("Get unknown = %v, want ErrSessionNotFound", err)
	}

	s, err := m.Start(domain.Document{ID: uuid.New(), Text: "A single body paragraph long enough to be processed by both stages."}, domain.SessionConfig{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitDone(t, s)

	if _, err := m.Get(s.ID); err != nil {
		t.Fatalf("Get finished session failed: %v", err)
	}

	// Fresh sessions survive the sweep, stale terminal ones do not.
	if n := m.Sweep(time.Hour); n != 0 {
		t.Errorf("Sweep removed %d fresh sessions", n)
	}
	time.Sleep(5 * time.Millisecond)
	if n := m.Sweep(time.Millisecond); n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
	if _, err := m.Get(s.ID); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("Get after sweep = %v, want ErrSessionNotFound", err)
	}
}

func TestManager_ContextCarriesBetweenSegments(t *testing.T) {
	// With one concurrency slot a segment's result is in the window before the
	// next stage call is admitted, so the later call of each stage must carry
	// the earlier exchange as assistant context.
	var withHistory int64
	ai := &fakeAI{reply: func(_ int, msgs []openai.ChatMessage) (string, error) {
		for _, m := range msgs[:len(msgs)-1] {
			if m.Role == "assistant" && strings.HasPrefix(m.Content, "R(") {
				atomic.AddInt64(&withHistory, 1)
				break
			}
		}
		return "R(" + passage(msgs) + ")", nil
	}}
	m := newTestManager(ai, func(c *config.Config) {
		c.Pipeline.MaxConcurrentCalls = 1
	})

	text := "First paragraph with enough length to be rewritten properly.\nSecond paragraph with enough length to be rewritten properly."
	s, err := m.Start(domain.Document{ID: uuid.New(), Text: text}, domain.SessionConfig{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitDone(t, s)

	// One call per stage runs second; both must have seen context.
	if got := atomic.LoadInt64(&withHistory); got < 2 {
		t.Errorf("calls carrying prior context = %d, want >= 2", got)
	}
}
