package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/papergloss/backend/internal/domain"
	"github.com/papergloss/backend/internal/platform/envutil"
)

// Config is one immutable snapshot of runtime configuration. Consumers never
// hold a snapshot across calls; they re-read from the Store so a reload takes
// effect on their next use.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	AI       AIConfig       `yaml:"ai"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Auth     AuthConfig     `yaml:"auth"`
	Prompts  PromptsConfig  `yaml:"prompts"`
}

type ServerConfig struct {
	Addr    string `yaml:"addr"`
	LogMode string `yaml:"log_mode"`
}

type PipelineConfig struct {
	// MaxConcurrentCalls caps in-flight completion calls across all sessions.
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`
	// SegmentSkipThreshold: blocks shorter than this many runes (trimmed)
	// pass through untouched.
	SegmentSkipThreshold int `yaml:"segment_skip_threshold"`
	// SegmentMaxChars: paragraphs longer than this are split on sentence
	// boundaries.
	SegmentMaxChars int `yaml:"segment_max_chars"`
	// HistoryCompressionThreshold: rolling-context size (runes) above which
	// the oldest entries are compressed into one summary.
	HistoryCompressionThreshold int `yaml:"history_compression_threshold"`

	StageTimeout time.Duration `yaml:"stage_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type AIConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"-"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN string `yaml:"-"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"-"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// PromptsConfig optionally overrides the built-in stage instruction profiles.
type PromptsConfig struct {
	Polish      string `yaml:"polish"`
	Enhance     string `yaml:"enhance"`
	Emotion     string `yaml:"emotion"`
	Compression string `yaml:"compression"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:    ":8080",
			LogMode: "dev",
		},
		Pipeline: PipelineConfig{
			MaxConcurrentCalls:          4,
			SegmentSkipThreshold:        15,
			SegmentMaxChars:             500,
			HistoryCompressionThreshold: 6000,
			StageTimeout:                60 * time.Second,
			MaxRetries:                  2,
			RetryBackoff:                time.Second,
		},
		AI: AIConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
	}
}

// Load reads the YAML file at path (optional), layers env overrides on top of
// the defaults, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, &domain.ConfigurationError{Reason: fmt.Sprintf("parse %s: %v", path, err)}
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv layers env overrides. Secrets are env-only so they never land in a
// config file on disk.
func applyEnv(cfg *Config) {
	cfg.Server.Addr = envutil.String("SERVER_ADDR", cfg.Server.Addr)
	cfg.Server.LogMode = envutil.String("LOG_MODE", cfg.Server.LogMode)

	cfg.Pipeline.MaxConcurrentCalls = envutil.Int("MAX_CONCURRENT_CALLS", cfg.Pipeline.MaxConcurrentCalls)
	cfg.Pipeline.SegmentSkipThreshold = envutil.Int("SEGMENT_SKIP_THRESHOLD", cfg.Pipeline.SegmentSkipThreshold)
	cfg.Pipeline.HistoryCompressionThreshold = envutil.Int("HISTORY_COMPRESSION_THRESHOLD", cfg.Pipeline.HistoryCompressionThreshold)
	cfg.Pipeline.StageTimeout = envutil.Duration("STAGE_TIMEOUT", cfg.Pipeline.StageTimeout)

	cfg.AI.BaseURL = envutil.String("OPENAI_BASE_URL", cfg.AI.BaseURL)
	cfg.AI.APIKey = envutil.String("OPENAI_API_KEY", cfg.AI.APIKey)
	cfg.AI.Model = envutil.String("OPENAI_MODEL", cfg.AI.Model)

	cfg.Redis.Addr = envutil.String("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = envutil.String("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = envutil.Int("REDIS_DB", cfg.Redis.DB)

	cfg.Postgres.DSN = envutil.String("POSTGRES_DSN", cfg.Postgres.DSN)

	cfg.Auth.JWTSecret = envutil.String("JWT_SECRET_KEY", cfg.Auth.JWTSecret)
	cfg.Auth.TokenTTL = envutil.Duration("TOKEN_TTL", cfg.Auth.TokenTTL)
}

func (c Config) Validate() error {
	if c.Pipeline.MaxConcurrentCalls <= 0 {
		return &domain.ConfigurationError{Field: "pipeline.max_concurrent_calls", Reason: "must be > 0"}
	}
	if c.Pipeline.SegmentSkipThreshold < 0 {
		return &domain.ConfigurationError{Field: "pipeline.segment_skip_threshold", Reason: "must be >= 0"}
	}
	if c.Pipeline.SegmentMaxChars <= 0 {
		return &domain.ConfigurationError{Field: "pipeline.segment_max_chars", Reason: "must be > 0"}
	}
	if c.Pipeline.HistoryCompressionThreshold <= 0 {
		return &domain.ConfigurationError{Field: "pipeline.history_compression_threshold", Reason: "must be > 0"}
	}
	if c.Pipeline.StageTimeout <= 0 {
		return &domain.ConfigurationError{Field: "pipeline.stage_timeout", Reason: "must be > 0"}
	}
	if c.Pipeline.MaxRetries < 0 {
		return &domain.ConfigurationError{Field: "pipeline.max_retries", Reason: "must be >= 0"}
	}
	return nil
}
