package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure taxonomy. Segment-scoped failures never
// propagate to sibling segments; only segmentation and configuration errors
// are session-fatal.
var (
	// ErrAdmissionCancelled reports a job removed from the scheduler queue
	// before it ran. It is a cancellation, not a failure.
	ErrAdmissionCancelled = errors.New("admission cancelled")

	// ErrUsageExhausted reports a credential with no remaining uses.
	ErrUsageExhausted = errors.New("usage limit exhausted")

	// ErrCredentialUnknown reports a credential code with no usage record.
	ErrCredentialUnknown = errors.New("unknown credential")

	// ErrSessionNotFound reports a lookup for a session this process does
	// not own.
	ErrSessionNotFound = errors.New("session not found")
)

// SegmentationError is fatal to the whole document: the input could not be
// split at all. Length/content heuristics never produce one.
type SegmentationError struct {
	Reason string
}

func (e *SegmentationError) Error() string {
	return fmt.Sprintf("segmentation failed: %s", e.Reason)
}

// StageTransientError is a retryable failure of a single stage attempt:
// timeout, transport failure, or an empty/truncated model response.
type StageTransientError struct {
	Stage Stage
	Err   error
}

func (e *StageTransientError) Error() string {
	return fmt.Sprintf("stage %s transient failure: %v", e.Stage, e.Err)
}

func (e *StageTransientError) Unwrap() error { return e.Err }

// StageTerminalError marks a segment failed for one stage after the retry
// budget is spent. It is scoped to that segment.
type StageTerminalError struct {
	Ordinal  int
	Stage    Stage
	Attempts int
	Err      error
}

func (e *StageTerminalError) Error() string {
	return fmt.Sprintf("segment %d stage %s failed after %d attempts: %v", e.Ordinal, e.Stage, e.Attempts, e.Err)
}

func (e *StageTerminalError) Unwrap() error { return e.Err }

// ConfigurationError reports an invalid config snapshot at reload time. The
// last-known-good snapshot stays in effect.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %s", e.Reason)
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}
