package domain

import (
	"time"

	"github.com/google/uuid"
)

// SegmentKind classifies what the segmenter found in a block of source text.
type SegmentKind string

const (
	KindHeading SegmentKind = "heading"
	KindBody    SegmentKind = "body"
	KindSkip    SegmentKind = "skip"
)

// Stage identifies one of the two sequential rewrite passes.
type Stage string

const (
	StagePolish  Stage = "polish"
	StageEnhance Stage = "enhance"
)

// SegmentStatus is the per-segment state machine.
//
//	pending -> stage1_running -> stage1_done -> stage2_running -> done
//
// failed is reachable from either running state once retries are exhausted.
type SegmentStatus string

const (
	SegmentPending       SegmentStatus = "pending"
	SegmentStage1Running SegmentStatus = "stage1_running"
	SegmentStage1Done    SegmentStatus = "stage1_done"
	SegmentStage2Running SegmentStatus = "stage2_running"
	SegmentDone          SegmentStatus = "done"
	SegmentFailed        SegmentStatus = "failed"
)

func (s SegmentStatus) Terminal() bool {
	return s == SegmentDone || s == SegmentFailed
}

// Segment is the smallest independently processable unit of a document.
// Ordinal is the sole ordering key; ordinals are contiguous from 0.
type Segment struct {
	ID           uuid.UUID
	Ordinal      int
	SourceText   string
	Kind         SegmentKind
	Status       SegmentStatus
	Stage1Result string
	Stage2Result string
	Attempts     map[Stage]int
	FailReason   string
}

// FinalText is what reassembly emits for this segment: the stage-2 result when
// the segment completed, the original text otherwise. Failed segments are
// never omitted, only flagged.
func (s *Segment) FinalText() string {
	if s.Status == SegmentDone && s.Stage2Result != "" {
		return s.Stage2Result
	}
	return s.SourceText
}

// Document is an immutable ingested source text.
type Document struct {
	ID    uuid.UUID
	Title string
	Text  string
}

// SessionState is the per-session state machine.
type SessionState string

const (
	SessionCreated          SessionState = "created"
	SessionStage1InProgress SessionState = "stage1_in_progress"
	SessionStage2InProgress SessionState = "stage2_in_progress"
	SessionCompleted        SessionState = "completed"
	SessionPartiallyFailed  SessionState = "partially_failed"
	SessionCancelled        SessionState = "cancelled"
	SessionFailed           SessionState = "failed"
)

func (s SessionState) Terminal() bool {
	switch s {
	case SessionCompleted, SessionPartiallyFailed, SessionCancelled, SessionFailed:
		return true
	}
	return false
}

// Profile selects the stage-1 instruction set. Stage 2 is always the academic
// enhancement pass.
type Profile string

const (
	ProfileAcademic Profile = "academic"
	ProfileEmotion  Profile = "emotion"
)

// SessionConfig is what a caller supplies alongside a document.
type SessionConfig struct {
	CredentialCode string
	Profile        Profile
}

// EventType tags progress events emitted while a session runs.
type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventSegmentStarted   EventType = "segment_started"
	EventSegmentCompleted EventType = "segment_completed"
	EventSegmentFailed    EventType = "segment_failed"
	EventStageAdvanced    EventType = "stage_advanced"
	EventSessionFinished  EventType = "session_finished"
)

// ProgressEvent is the structured record the orchestrator emits to the SSE
// stream and the audit sink.
type ProgressEvent struct {
	ID        uuid.UUID     `json:"id"`
	SessionID uuid.UUID     `json:"session_id"`
	Type      EventType     `json:"type"`
	Ordinal   int           `json:"ordinal,omitempty"`
	Stage     Stage         `json:"stage,omitempty"`
	Status    SegmentStatus `json:"status,omitempty"`
	State     SessionState  `json:"state,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	At        time.Time     `json:"at"`
}
