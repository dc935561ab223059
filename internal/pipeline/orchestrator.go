package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/papergloss/backend/internal/config"
	"github.com/papergloss/backend/internal/domain"
	"github.com/papergloss/backend/internal/history"
	"github.com/papergloss/backend/internal/platform/logger"
	"github.com/papergloss/backend/internal/platform/openai"
	"github.com/papergloss/backend/internal/scheduler"
	"github.com/papergloss/backend/internal/segmenter"
)

// EventSink receives every progress event a session emits. The audit store
// and the SSE hub both implement it. Sinks must not block.
type EventSink interface {
	Record(ctx context.Context, ev domain.ProgressEvent)
}

// Manager drives documents through the two-stage pipeline and tracks the
// sessions this process owns. All stage calls across all sessions share one
// scheduler gate, so total in-flight completion calls stay under the
// configured cap no matter how many sessions run at once.
type Manager struct {
	log    *logger.Logger
	cfg    *config.Store
	gate   *scheduler.Gate
	runner *Runner
	ai     openai.Client
	sinks  []EventSink

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

func NewManager(cfg *config.Store, gate *scheduler.Gate, runner *Runner, ai openai.Client, log *logger.Logger, sinks ...EventSink) *Manager {
	return &Manager{
		log:      log.With("component", "PipelineManager"),
		cfg:      cfg,
		gate:     gate,
		runner:   runner,
		ai:       ai,
		sinks:    sinks,
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Start segments the document and launches processing. Segmentation failure
// is the only document-fatal error; everything later is isolated per segment.
// The session runs on its own context so it outlives the submitting request.
func (m *Manager) Start(doc domain.Document, sessCfg domain.SessionConfig) (*Session, error) {
	snap := m.cfg.Current()
	segments, err := segmenter.Segment(doc, segmenter.Options{
		SkipThreshold: snap.Pipeline.SegmentSkipThreshold,
		MaxChars:      snap.Pipeline.SegmentMaxChars,
	})
	if err != nil {
		return nil, err
	}

	profile := sessCfg.Profile
	if profile == "" {
		profile = domain.ProfileAcademic
	}

	ctx, cancel := context.WithCancel(context.Background())
	threshold := func() int { return m.cfg.Current().Pipeline.HistoryCompressionThreshold }
	sum := summarizer{
		ai:      m.ai,
		cfg:     func() config.PipelineConfig { return m.cfg.Current().Pipeline },
		prompts: func() config.PromptsConfig { return m.cfg.Current().Prompts },
	}
	s := &Session{
		ID:         uuid.New(),
		DocumentID: doc.ID,
		Profile:    profile,
		CreatedAt:  time.Now(),
		state:      domain.SessionCreated,
		segments:   segments,
		windows: map[domain.Stage]*history.Window{
			domain.StagePolish:  history.NewWindow(threshold, sum, m.log),
			domain.StageEnhance: history.NewWindow(threshold, sum, m.log),
		},
		cancel: cancel,
		events: make(chan domain.ProgressEvent, 4*len(segments)+16),
		done:   make(chan struct{}),
	}
	s.touch()

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.log.Info("session started",
		"session_id", s.ID,
		"segments", len(segments),
		"profile", profile,
	)
	go m.run(ctx, s)
	return s, nil
}

func (m *Manager) Get(id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return s, nil
}

// Cancel stops admitting new stage jobs for the session. In-flight calls
// finish or time out on their own; their tickets are released as each job
// concludes, and still-pending segments are failed with the reason.
func (m *Manager) Cancel(id uuid.UUID, reason string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "session cancelled"
	}
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	s.cancelReason = reason
	s.mu.Unlock()
	s.cancel()
	m.log.Info("session cancel requested", "session_id", s.ID, "reason", reason)
	return nil
}

// Sweep drops terminal sessions idle longer than ttl. The app runs this on a
// timer so completed results stay readable for a while without growing the
// map forever.
func (m *Manager) Sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if s.State().Terminal() && s.idleSince().Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

func (m *Manager) run(ctx context.Context, s *Session) {
	defer close(s.done)
	defer close(s.events)

	m.emit(s, domain.ProgressEvent{Type: domain.EventSessionStarted, State: domain.SessionCreated})

	s.setState(domain.SessionStage1InProgress)
	m.emit(s, domain.ProgressEvent{Type: domain.EventStageAdvanced, State: domain.SessionStage1InProgress, Stage: domain.StagePolish})
	m.runStage(ctx, s, domain.StagePolish)

	if ctx.Err() == nil {
		s.setState(domain.SessionStage2InProgress)
		m.emit(s, domain.ProgressEvent{Type: domain.EventStageAdvanced, State: domain.SessionStage2InProgress, Stage: domain.StageEnhance})
		m.runStage(ctx, s, domain.StageEnhance)
	}

	final := domain.SessionCompleted
	if ctx.Err() != nil {
		s.mu.Lock()
		reason := s.cancelReason
		s.mu.Unlock()
		if reason == "" {
			reason = "session cancelled"
		}
		for _, seg := range s.failRemaining(reason) {
			m.emit(s, domain.ProgressEvent{
				Type:    domain.EventSegmentFailed,
				Ordinal: seg.Ordinal,
				Status:  domain.SegmentFailed,
				Detail:  reason,
			})
		}
		final = domain.SessionCancelled
	} else if s.anyFailed() {
		final = domain.SessionPartiallyFailed
	}

	s.reassemble()
	s.setState(final)
	m.emit(s, domain.ProgressEvent{Type: domain.EventSessionFinished, State: final})
	m.log.Info("session finished", "session_id", s.ID, "state", final)
}

// runStage fans every due segment out to the scheduler at once; concurrency
// is bounded by the gate's cap, never by document size. Segment failures stay
// inside their job, so the group always waits for everything.
func (m *Manager) runStage(ctx context.Context, s *Session, stage domain.Stage) {
	pending := s.pendingForStage(stage)
	if len(pending) == 0 {
		return
	}
	var g errgroup.Group
	for _, seg := range pending {
		seg := seg
		g.Go(func() error {
			m.processSegment(ctx, s, seg, stage)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) processSegment(ctx context.Context, s *Session, seg *domain.Segment, stage domain.Stage) {
	running := domain.SegmentStage1Running
	input := seg.SourceText
	if stage == domain.StageEnhance {
		running = domain.SegmentStage2Running
		input = seg.Stage1Result
	}

	ticket, err := m.gate.Acquire(ctx)
	if err != nil {
		// Removed from the queue before running: cancellation, not failure,
		// but the segment still needs a terminal state.
		s.mu.Lock()
		reason := s.cancelReason
		s.mu.Unlock()
		if reason == "" {
			reason = err.Error()
		}
		s.failSegment(seg, reason)
		m.emit(s, domain.ProgressEvent{
			Type:    domain.EventSegmentFailed,
			Ordinal: seg.Ordinal,
			Stage:   stage,
			Status:  domain.SegmentFailed,
			Detail:  reason,
		})
		return
	}
	defer ticket.Release()

	s.setSegmentStatus(seg, running)
	m.emit(s, domain.ProgressEvent{
		Type:    domain.EventSegmentStarted,
		Ordinal: seg.Ordinal,
		Stage:   stage,
		Status:  running,
	})

	window := s.windows[stage]
	result, attempts, err := m.runner.Run(ctx, StageRequest{
		Ordinal: seg.Ordinal,
		Text:    input,
		Kind:    seg.Kind,
		Stage:   stage,
		Profile: s.Profile,
		Context: window.Context(),
	})

	s.mu.Lock()
	seg.Attempts[stage] = attempts
	s.mu.Unlock()

	if err != nil {
		reason := err.Error()
		if errors.Is(err, context.Canceled) {
			s.mu.Lock()
			if s.cancelReason != "" {
				reason = s.cancelReason
			}
			s.mu.Unlock()
		}
		s.failSegment(seg, reason)
		m.emit(s, domain.ProgressEvent{
			Type:    domain.EventSegmentFailed,
			Ordinal: seg.Ordinal,
			Stage:   stage,
			Status:  domain.SegmentFailed,
			Detail:  reason,
		})
		return
	}

	next := domain.SegmentStage1Done
	if stage == domain.StageEnhance {
		next = domain.SegmentDone
	}
	s.mu.Lock()
	if stage == domain.StagePolish {
		seg.Stage1Result = result
	} else {
		seg.Stage2Result = result
	}
	seg.Status = next
	s.lastActivity = time.Now()
	s.mu.Unlock()

	window.Append(ctx, seg.Ordinal, input, result)

	m.emit(s, domain.ProgressEvent{
		Type:    domain.EventSegmentCompleted,
		Ordinal: seg.Ordinal,
		Stage:   stage,
		Status:  next,
	})
}

// GateStats exposes scheduler occupancy for the health endpoint.
func (m *Manager) GateStats() (capacity, inUse, queued int) {
	return m.gate.Stats()
}

func (m *Manager) emit(s *Session, ev domain.ProgressEvent) {
	ev.ID = uuid.New()
	ev.SessionID = s.ID
	ev.At = time.Now()
	for _, sink := range m.sinks {
		sink.Record(context.Background(), ev)
	}
	select {
	case s.events <- ev:
	default:
		// The channel is generously sized; a stalled consumer loses events,
		// the snapshot endpoint stays authoritative.
	}
}
