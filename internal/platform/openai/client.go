package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/papergloss/backend/internal/platform/logger"
)

// ChatMessage is one turn of an OpenAI-compatible chat/completions request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tune a single completion call. Zero values fall back to the
// client's configured model and temperature.
type Options struct {
	Model       string
	Temperature *float64
	MaxTokens   int
	Timeout     time.Duration
}

// Client is the abstract completion capability the pipeline calls into.
// Provider identity, auth, and transport are opaque to callers.
type Client interface {
	Complete(ctx context.Context, messages []ChatMessage, opts Options) (string, error)
}

// Config is the provider endpoint configuration. A provider func keeps it
// hot-reloadable: the client re-reads it on every call.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
}

type client struct {
	log        *logger.Logger
	cfg        func() Config
	httpClient *http.Client
}

func NewClient(cfg func() Config, log *logger.Logger) Client {
	return &client{
		log: log.With("component", "OpenAIClient"),
		cfg: cfg,
		// Per-call deadlines come from Options.Timeout / ctx; this is the
		// hard transport ceiling.
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage map[string]any `json:"usage"`
}

// Complete issues one chat/completions call. It validates the response shape
// (missing choices or content is an error) but does not retry; the retry
// budget is owned by the stage runner.
func (c *client) Complete(ctx context.Context, messages []ChatMessage, opts Options) (string, error) {
	cfg := c.cfg()
	if strings.TrimSpace(cfg.APIKey) == "" {
		return "", fmt.Errorf("openai: missing api key")
	}
	model := opts.Model
	if model == "" {
		model = cfg.Model
	}
	temperature := cfg.Temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("openai: marshal request: %w", err)
	}

	endpoint := strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("openai: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	c.log.Debug("completion request",
		"endpoint", endpoint,
		"model", model,
		"api_key", cfg.APIKey,
		"messages", len(messages),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", fmt.Errorf("openai: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("openai: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("openai: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("openai: response missing choices")
	}
	content := parsed.Choices[0].Message.Content
	if content == "" {
		return "", fmt.Errorf("openai: response missing content")
	}

	c.log.Debug("completion response",
		"model", parsed.Model,
		"status", resp.StatusCode,
		"usage", parsed.Usage,
	)
	return content, nil
}
