package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/papergloss/backend/internal/config"
	"github.com/papergloss/backend/internal/pipeline"
	"github.com/papergloss/backend/internal/platform/envutil"
	"github.com/papergloss/backend/internal/platform/logger"
	"github.com/papergloss/backend/internal/platform/openai"
	"github.com/papergloss/backend/internal/scheduler"
	"github.com/papergloss/backend/internal/server"
	"github.com/papergloss/backend/internal/server/handlers"
	"github.com/papergloss/backend/internal/server/middleware"
	"github.com/papergloss/backend/internal/services"
	"github.com/papergloss/backend/internal/sse"
)

// App owns every long-lived component and their shutdown order.
type App struct {
	log     *logger.Logger
	cfg     *config.Store
	manager *pipeline.Manager
	audit   *services.AuditSink
	httpSrv *http.Server
	stop    chan struct{}
}

func New(configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Server.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	store := config.NewStore(configPath, cfg, log)

	// Scheduler gate: one per process, capacity follows config reloads.
	gate := scheduler.NewGate(cfg.Pipeline.MaxConcurrentCalls)
	store.Subscribe(func(c config.Config) {
		gate.SetCapacity(c.Pipeline.MaxConcurrentCalls)
	})

	aiClient := openai.NewClient(func() openai.Config {
		c := store.Current().AI
		return openai.Config{
			BaseURL:     c.BaseURL,
			APIKey:      c.APIKey,
			Model:       c.Model,
			Temperature: c.Temperature,
		}
	}, log)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	credits := services.NewCreditService(rdb, log)

	hub := sse.NewHub(log)
	sinks := []pipeline.EventSink{hub}

	var audit *services.AuditSink
	if cfg.Postgres.DSN != "" {
		db, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		audit, err = services.NewAuditSink(db, log)
		if err != nil {
			return nil, fmt.Errorf("init audit sink: %w", err)
		}
		sinks = append(sinks, audit)
	} else {
		log.Warn("POSTGRES_DSN not set, audit events will not be persisted")
	}

	runner := pipeline.NewRunner(aiClient,
		func() config.PipelineConfig { return store.Current().Pipeline },
		func() config.PromptsConfig { return store.Current().Prompts },
		log,
	)
	manager := pipeline.NewManager(store, gate, runner, aiClient, log, sinks...)

	tokens := services.NewTokenService(
		func() string { return store.Current().Auth.JWTSecret },
		func() time.Duration { return store.Current().Auth.TokenTTL },
	)

	router := server.NewRouter(server.RouterConfig{
		HealthHandler:  handlers.NewHealthHandler(manager),
		SessionHandler: handlers.NewSessionHandler(log, manager, credits, tokens, hub),
		AdminHandler:   handlers.NewAdminHandler(log, credits, store),
		SessionAuth:    middleware.NewSessionAuth(tokens, log),
		AdminAuth:      middleware.NewAdminAuth(func() string { return envutil.String("ADMIN_KEY", "") }),
	})

	return &App{
		log:     log,
		cfg:     store,
		manager: manager,
		audit:   audit,
		httpSrv: &http.Server{
			Addr:    cfg.Server.Addr,
			Handler: router,
		},
		stop: make(chan struct{}),
	}, nil
}

// Run serves until SIGINT/SIGTERM, then shuts down gracefully. SIGHUP
// reloads configuration without restart.
func (a *App) Run() error {
	a.cfg.WatchSIGHUP(a.stop)
	go a.sweepSessions()

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		close(a.stop)
		return err
	case sig := <-sigCh:
		a.log.Info("shutting down", "signal", sig.String())
	}
	close(a.stop)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.httpSrv.Shutdown(ctx); err != nil {
		a.log.Error("http shutdown failed", "error", err)
	}
	if a.audit != nil {
		a.audit.Close()
	}
	a.log.Sync()
	return nil
}

func (a *App) sweepSessions() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := a.manager.Sweep(time.Hour); n > 0 {
				a.log.Info("swept finished sessions", "removed", n)
			}
		case <-a.stop:
			return
		}
	}
}
