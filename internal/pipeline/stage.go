package pipeline

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/papergloss/backend/internal/config"
	"github.com/papergloss/backend/internal/domain"
	"github.com/papergloss/backend/internal/history"
	"github.com/papergloss/backend/internal/platform/logger"
	"github.com/papergloss/backend/internal/platform/openai"
)

// StageRequest is one (segment, stage) unit of work. The runner never touches
// the Segment itself; the orchestrator owns that state.
type StageRequest struct {
	Ordinal int
	Text    string
	Kind    domain.SegmentKind
	Stage   domain.Stage
	Profile domain.Profile
	Context []history.Message
}

// Runner executes a single stage call against the completion capability with
// a bounded timeout, local retries with backoff, and output validation. All
// retries happen while the caller still holds its scheduler ticket; a retry
// never re-enters the admission queue.
type Runner struct {
	log     *logger.Logger
	ai      openai.Client
	cfg     func() config.PipelineConfig
	prompts func() config.PromptsConfig
}

func NewRunner(ai openai.Client, cfg func() config.PipelineConfig, prompts func() config.PromptsConfig, log *logger.Logger) *Runner {
	return &Runner{
		log:     log.With("component", "StageRunner"),
		ai:      ai,
		cfg:     cfg,
		prompts: prompts,
	}
}

// Run returns the rewritten text and the number of attempts spent. On
// exhausted retries the error is a *domain.StageTerminalError; a cancellation
// between attempts surfaces as ctx.Err().
func (r *Runner) Run(ctx context.Context, req StageRequest) (string, int, error) {
	cfg := r.cfg()
	messages := r.buildMessages(req)

	maxAttempts := cfg.MaxRetries + 1
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		// Between attempts only: an in-flight call is always allowed to run
		// to its own timeout, a cancelled session just stops retrying.
		if err := ctx.Err(); err != nil {
			return "", attempt, err
		}
		attempt++

		out, err := r.attempt(ctx, messages, cfg.StageTimeout)
		if err == nil {
			if verr := validateOutput(req.Text, out); verr == nil {
				return strings.TrimSpace(out), attempt, nil
			} else {
				err = verr
			}
		}
		lastErr = &domain.StageTransientError{Stage: req.Stage, Err: err}
		r.log.Warn("stage attempt failed",
			"ordinal", req.Ordinal,
			"stage", req.Stage,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"error", err,
		)
		if attempt < maxAttempts {
			if err := sleepCtx(ctx, backoff); err != nil {
				return "", attempt, err
			}
			backoff *= 2
		}
	}

	return "", attempt, &domain.StageTerminalError{
		Ordinal:  req.Ordinal,
		Stage:    req.Stage,
		Attempts: attempt,
		Err:      lastErr,
	}
}

// attempt runs one completion call. The session context is detached so a
// cancellation does not kill a call already on the wire (it would leave the
// provider side in an ambiguous, billed state); the stage timeout still
// bounds it.
func (r *Runner) attempt(ctx context.Context, messages []openai.ChatMessage, timeout time.Duration) (string, error) {
	return r.ai.Complete(context.WithoutCancel(ctx), messages, openai.Options{
		Timeout: timeout,
	})
}

func (r *Runner) buildMessages(req StageRequest) []openai.ChatMessage {
	msgs := make([]openai.ChatMessage, 0, len(req.Context)+2)
	for _, m := range req.Context {
		msgs = append(msgs, openai.ChatMessage{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs,
		openai.ChatMessage{
			Role:    "system",
			Content: stagePrompt(req.Stage, req.Profile, req.Kind, r.prompts()),
		},
		openai.ChatMessage{
			Role:    "user",
			Content: "\n\n" + req.Text,
		},
	)
	return msgs
}

// validateOutput guards against truncated or empty model responses: the
// result must be non-empty and not pathologically shorter than the input.
// A failed validation counts as a retryable failure.
func validateOutput(input, output string) error {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return errEmptyOutput
	}
	in := utf8.RuneCountInString(strings.TrimSpace(input))
	out := utf8.RuneCountInString(trimmed)
	if in > 80 && out*4 < in {
		return errTruncatedOutput
	}
	return nil
}

var (
	errEmptyOutput     = &validationError{"empty model output"}
	errTruncatedOutput = &validationError{"model output suspiciously short"}
)

type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// summarizer adapts the completion client to history.Summarizer, using the
// compression profile at low temperature as the original service does.
type summarizer struct {
	ai      openai.Client
	cfg     func() config.PipelineConfig
	prompts func() config.PromptsConfig
}

func (s summarizer) Summarize(ctx context.Context, contents []string) (string, error) {
	temp := 0.3
	return s.ai.Complete(context.WithoutCancel(ctx), []openai.ChatMessage{
		{Role: "system", Content: compressionPrompt(s.prompts())},
		{Role: "user", Content: strings.Join(contents, "\n\n---\n\n")},
	}, openai.Options{
		Temperature: &temp,
		Timeout:     s.cfg().StageTimeout,
	})
}
