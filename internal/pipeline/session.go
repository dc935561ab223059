package pipeline

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/papergloss/backend/internal/domain"
	"github.com/papergloss/backend/internal/history"
)

// Session owns the lifecycle of one document's segments from creation to
// terminal state. Segments live in a slice indexed by ordinal; nothing else
// holds more than a transient reference to them while processing.
type Session struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	Profile    domain.Profile
	CreatedAt  time.Time

	mu           sync.Mutex
	state        domain.SessionState
	segments     []*domain.Segment
	result       string
	cancelReason string
	lastActivity time.Time

	// One rolling context window per stage; both are discarded with the
	// session.
	windows map[domain.Stage]*history.Window

	cancel context.CancelFunc
	events chan domain.ProgressEvent
	done   chan struct{}
}

// SegmentSnapshot is the caller-visible view of one segment.
type SegmentSnapshot struct {
	Ordinal    int                  `json:"ordinal"`
	Kind       domain.SegmentKind   `json:"kind"`
	Status     domain.SegmentStatus `json:"status"`
	Text       string               `json:"text"`
	FailReason string               `json:"fail_reason,omitempty"`
}

// Snapshot is the caller-visible view of a session. Result is populated only
// once the session is terminal; failed segments keep their original text so
// partial success is never lossy.
type Snapshot struct {
	ID        uuid.UUID          `json:"id"`
	State     domain.SessionState `json:"state"`
	Profile   domain.Profile     `json:"profile"`
	CreatedAt time.Time          `json:"created_at"`
	Segments  []SegmentSnapshot  `json:"segments"`
	Result    string             `json:"result,omitempty"`
}

// Events returns the session's progress stream. It is finite (closed when the
// session reaches a terminal state) and consumable once.
func (s *Session) Events() <-chan domain.ProgressEvent {
	return s.events
}

// Done closes when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	segs := make([]SegmentSnapshot, len(s.segments))
	for i, seg := range s.segments {
		segs[i] = SegmentSnapshot{
			Ordinal:    seg.Ordinal,
			Kind:       seg.Kind,
			Status:     seg.Status,
			Text:       seg.FinalText(),
			FailReason: seg.FailReason,
		}
	}
	return Snapshot{
		ID:        s.ID,
		State:     s.state,
		Profile:   s.Profile,
		CreatedAt: s.CreatedAt,
		Segments:  segs,
		Result:    s.result,
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) setState(state domain.SessionState) {
	s.mu.Lock()
	s.state = state
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// pendingForStage returns the segments still due for the given stage. Done
// and failed segments are never resubmitted.
func (s *Session) pendingForStage(stage domain.Stage) []*domain.Segment {
	want := domain.SegmentPending
	if stage == domain.StageEnhance {
		want = domain.SegmentStage1Done
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Segment
	for _, seg := range s.segments {
		if seg.Status == want {
			out = append(out, seg)
		}
	}
	return out
}

func (s *Session) setSegmentStatus(seg *domain.Segment, status domain.SegmentStatus) {
	s.mu.Lock()
	seg.Status = status
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) failSegment(seg *domain.Segment, reason string) {
	s.mu.Lock()
	seg.Status = domain.SegmentFailed
	seg.FailReason = reason
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// failRemaining marks every non-terminal segment failed. Used on
// cancellation.
func (s *Session) failRemaining(reason string) []*domain.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var failed []*domain.Segment
	for _, seg := range s.segments {
		if !seg.Status.Terminal() {
			seg.Status = domain.SegmentFailed
			seg.FailReason = reason
			failed = append(failed, seg)
		}
	}
	return failed
}

// reassemble joins segment outputs in ordinal order, independent of the order
// in which they completed.
func (s *Session) reassemble() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ordered := make([]*domain.Segment, len(s.segments))
	copy(ordered, s.segments)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Ordinal < ordered[j].Ordinal })
	parts := make([]string, len(ordered))
	for i, seg := range ordered {
		parts[i] = seg.FinalText()
	}
	s.result = strings.Join(parts, "\n\n")
	return s.result
}

func (s *Session) anyFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range s.segments {
		if seg.Status == domain.SegmentFailed {
			return true
		}
	}
	return false
}
