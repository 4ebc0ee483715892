// Package control wires the recovery subsystem together and manages
// its lifecycle.
package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"

	"github.com/tdnguyen/remedy/internal/core/config"
	"github.com/tdnguyen/remedy/internal/infra/notify"
	redisclient "github.com/tdnguyen/remedy/internal/infra/redis"
	"github.com/tdnguyen/remedy/internal/infra/storage"
	"github.com/tdnguyen/remedy/internal/infra/storage/memory"
	"github.com/tdnguyen/remedy/internal/infra/storage/postgres"
	"github.com/tdnguyen/remedy/internal/recovery/classifier"
	"github.com/tdnguyen/remedy/internal/recovery/executor"
	"github.com/tdnguyen/remedy/internal/recovery/health"
	"github.com/tdnguyen/remedy/internal/recovery/scheduler"
	"github.com/tdnguyen/remedy/internal/recovery/selector"
)

// Service is the assembled recovery subsystem.
type Service struct {
	cfg          *config.AppConfig
	db           *postgres.DB
	redisClient  *redisclient.Client
	scheduler    *scheduler.Scheduler
	hook         *scheduler.Hook
	healthServer *health.Server
	log          *slog.Logger
}

// NewService creates a Service with all dependencies initialized.
func NewService(cfg *config.AppConfig) (*Service, error) {
	log := slog.Default()

	// 1. Initialize storage
	var (
		taskRepo      storage.TaskRepository
		failureRepo   storage.FailureRepository
		attemptRepo   storage.AttemptRepository
		workspaceRepo storage.WorkspaceRepository
		db            *postgres.DB
	)

	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}

		// Run migrations
		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB.DB, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}

		taskRepo = postgres.NewTaskRepo(db)
		failureRepo = postgres.NewFailureRepo(db)
		attemptRepo = postgres.NewAttemptRepo(db)
		workspaceRepo = postgres.NewWorkspaceRepo(db)
		slog.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		taskRepo = memory.NewTaskRepo(store)
		failureRepo = memory.NewFailureRepo(store)
		attemptRepo = memory.NewAttemptRepo(store)
		workspaceRepo = memory.NewWorkspaceRepo(store)
		slog.Info("Using memory storage")
	}

	// 2. Redis: event channel and inline-hook locks. Optional.
	var (
		redisConn *redisclient.Client
		notifier  notify.Notifier
		locker    scheduler.TaskLocker
	)
	if cfg.Redis.URL != "" {
		var err error
		redisConn, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		notifier = notify.NewRedisNotifier(redisConn, "recovery_events", log)
		locker = redisConn
		slog.Info("Using redis notifier")
	} else {
		notifier = notify.NewLogNotifier(log)
		slog.Info("Redis not configured, events go to the log")
	}

	// 3. Pipeline components
	cls := classifier.NewDefault(cfg.Resources)
	cascade := classifier.NewCascadeDetector(cfg.Recovery.Cascade)
	sel := selector.New(cfg.Recovery)
	exec := executor.New(executor.Config{
		FallbackRatio: cfg.Recovery.FallbackRatio,
	}, taskRepo, attemptRepo, log)
	machine := health.NewMachine(workspaceRepo, notifier, log)

	deps := scheduler.Deps{
		Tasks:      taskRepo,
		Failures:   failureRepo,
		Attempts:   attemptRepo,
		Classifier: cls,
		Cascade:    cascade,
		Selector:   sel,
		Executor:   exec,
		Machine:    machine,
		Log:        log,
	}

	return &Service{
		cfg:          cfg,
		db:           db,
		redisClient:  redisConn,
		scheduler:    scheduler.New(cfg.Recovery, deps),
		hook:         scheduler.NewHook(cfg.Recovery, deps, locker),
		healthServer: health.NewServer(workspaceRepo, taskRepo, cfg.Server.Port),
		log:          log,
	}, nil
}

// Hook returns the inline failure hook for the external task executor.
func (s *Service) Hook() *scheduler.Hook {
	return s.hook
}

// Start launches the scheduler loop and the health server.
func (s *Service) Start(ctx context.Context) error {
	if s.db != nil {
		s.db.StartMetricsCollector(ctx)
	}

	go func() {
		if err := s.scheduler.Start(ctx); err != nil {
			s.log.Error("Scheduler exited", "error", err)
		}
	}()

	go func() {
		s.log.Info("Health server listening", "port", s.cfg.Server.Port)
		if err := s.healthServer.Start(); err != nil {
			s.log.Warn("Health server stopped", "error", err)
		}
	}()

	return nil
}

// Stop shuts the subsystem down, letting in-flight batches finish
// within the grace period.
func (s *Service) Stop(ctx context.Context) error {
	if err := s.scheduler.Stop(ctx); err != nil {
		s.log.Warn("Scheduler shutdown incomplete", "error", err)
	}
	if err := s.healthServer.Stop(ctx); err != nil {
		s.log.Warn("Health server shutdown failed", "error", err)
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.log.Warn("Redis close failed", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close db: %w", err)
		}
	}
	return nil
}
