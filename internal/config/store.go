package config

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/papergloss/backend/internal/platform/logger"
)

// Store holds the current config snapshot and swaps it atomically on reload.
// Readers call Current() per use; a reload is observed on the next read, never
// mid-call. An invalid reload is reported and the last-known-good snapshot
// stays in effect.
type Store struct {
	path string
	log  *logger.Logger
	cur  atomic.Pointer[Config]

	mu   sync.Mutex
	subs []func(Config)
}

func NewStore(path string, cfg Config, log *logger.Logger) *Store {
	s := &Store{path: path, log: log.With("component", "ConfigStore")}
	s.cur.Store(&cfg)
	return s
}

func (s *Store) Current() Config {
	return *s.cur.Load()
}

// Subscribe registers fn to run after every successful reload. Subscribers
// must not block.
func (s *Store) Subscribe(fn func(Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Reload re-reads the config file and swaps the snapshot in. On error the
// previous snapshot is untouched and the error is returned for the operator.
func (s *Store) Reload() error {
	cfg, err := Load(s.path)
	if err != nil {
		s.log.Error("config reload rejected, keeping last-known-good", "error", err)
		return err
	}
	s.cur.Store(&cfg)
	s.log.Info("config reloaded",
		"max_concurrent_calls", cfg.Pipeline.MaxConcurrentCalls,
		"segment_skip_threshold", cfg.Pipeline.SegmentSkipThreshold,
		"history_compression_threshold", cfg.Pipeline.HistoryCompressionThreshold,
	)
	s.mu.Lock()
	subs := append([]func(Config){}, s.subs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(cfg)
	}
	return nil
}

// WatchSIGHUP reloads on SIGHUP until stop is closed.
func (s *Store) WatchSIGHUP(stop <-chan struct{}) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ch:
				_ = s.Reload()
			case <-stop:
				return
			}
		}
	}()
}
