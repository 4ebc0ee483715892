// Package scheduler drives the recovery pipeline: a periodic background
// loop over failed tasks plus an inline fast-path hook for the external
// executor. Both entry points share the classifier, selector and
// executor.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tdnguyen/remedy/internal/core/config"
	"github.com/tdnguyen/remedy/internal/core/domain"
	"github.com/tdnguyen/remedy/internal/infra/storage"
	"github.com/tdnguyen/remedy/internal/recovery/classifier"
	"github.com/tdnguyen/remedy/internal/recovery/executor"
	"github.com/tdnguyen/remedy/internal/recovery/health"
	"github.com/tdnguyen/remedy/internal/recovery/metrics"
	"github.com/tdnguyen/remedy/internal/recovery/selector"
)

// Deps bundles the pipeline components the scheduler composes.
type Deps struct {
	Tasks      storage.TaskRepository
	Failures   storage.FailureRepository
	Attempts   storage.AttemptRepository
	Classifier *classifier.Classifier
	Cascade    *classifier.CascadeDetector
	Selector   *selector.Selector
	Executor   *executor.Executor
	Machine    *health.Machine
	Log        *slog.Logger
}

// Scheduler runs the periodic recovery loop. Workspaces are processed
// concurrently up to a semaphore limit; within a workspace, tasks in a
// batch run concurrently up to the batch size, with same-task writes
// serialized through a keyed lock plus the store's version check.
type Scheduler struct {
	cfg  config.RecoveryConfig
	deps Deps

	sem     *semaphore.Weighted
	locks   *taskLocks
	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler.
func New(cfg config.RecoveryConfig, deps Deps) *Scheduler {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Scheduler{
		cfg:   cfg,
		deps:  deps,
		sem:   semaphore.NewWeighted(int64(cfg.MaxConcurrentWorkspaces)),
		locks: newTaskLocks(),
		stop:  make(chan struct{}),
	}
}

// Start begins the scan loop and blocks until the context is cancelled
// or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.deps.Log.Info("Recovery scheduler disabled")
		return nil
	}
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler already running")
	}
	defer s.running.Store(false)

	s.deps.Log.Info("Recovery scheduler started", "interval", s.cfg.ScanInterval)

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Stop halts the loop and waits for in-flight batches to finish,
// bounded by the shutdown grace period. Batches are never aborted
// mid-mutation.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.running.Load() {
		close(s.stop)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-done:
		return nil
	case <-grace.C:
		return fmt.Errorf("shutdown grace period elapsed with batches in flight")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scan runs one discovery pass: failed tasks grouped by workspace, each
// workspace processed as a batch. Exported so a resumed process (and
// the tests) can drive ticks directly; all per-task operations are
// idempotent, so re-running after a crash simply re-discovers the
// remaining failed tasks.
func (s *Scheduler) Scan(ctx context.Context) {
	workspaces, err := s.deps.Tasks.FailedWorkspaces(ctx)
	if err != nil {
		s.deps.Log.Error("Failed to discover failing workspaces", "error", err)
		return
	}

	for _, workspaceID := range workspaces {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		s.wg.Add(1)
		go func(ws string) {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.processWorkspace(ctx, ws)
		}(workspaceID)
	}
}

// Wait blocks until all in-flight workspace batches have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) processWorkspace(ctx context.Context, workspaceID string) {
	start := time.Now()
	defer func() {
		metrics.BatchDuration.WithLabelValues(workspaceID).Observe(time.Since(start).Seconds())
	}()

	batch, err := s.deps.Tasks.ListFailed(ctx, workspaceID, s.cfg.BatchSize)
	if err != nil {
		s.deps.Log.Error("Failed to list failed tasks", "workspace", workspaceID, "error", err)
		return
	}
	if len(batch) == 0 {
		// Everything failed is still waiting out a backoff delay.
		return
	}

	if err := s.deps.Machine.BeginRecovery(ctx, workspaceID, len(batch)); err != nil {
		s.deps.Log.Error("Failed to enter auto_recovering", "workspace", workspaceID, "error", err)
		return
	}

	summary := health.BatchSummary{WorkspaceID: workspaceID}
	var (
		mu      sync.Mutex
		batchWG sync.WaitGroup
	)

	for _, t := range batch {
		batchWG.Add(1)
		go func(task *domain.Task) {
			defer batchWG.Done()
			res, err := s.processTask(ctx, task)
			if err != nil {
				// Infrastructure error: the item is skipped this tick
				// and re-discovered on the next one.
				s.deps.Log.Warn("Recovery item skipped", "task", task.ID, "error", err)
				return
			}
			mu.Lock()
			summary.Succeeded += res.succeeded
			summary.Partial += res.partial
			summary.Failed += res.failed
			summary.FallbackUsed += res.fallbackUsed
			summary.Exhausted += res.exhausted
			mu.Unlock()
		}(t)
	}
	batchWG.Wait()

	outstanding, err := s.deps.Tasks.CountFailed(ctx, workspaceID)
	if err != nil {
		s.deps.Log.Error("Failed to count outstanding tasks", "workspace", workspaceID, "error", err)
	}
	summary.Outstanding = outstanding

	status, err := s.deps.Machine.CompleteBatch(ctx, summary)
	if err != nil {
		s.deps.Log.Error("Failed to resolve workspace state", "workspace", workspaceID, "error", err)
		return
	}
	s.deps.Log.Info("Recovery batch completed",
		"workspace", workspaceID,
		"status", status,
		"succeeded", summary.Succeeded,
		"partial", summary.Partial,
		"failed", summary.Failed,
		"outstanding", summary.Outstanding,
	)
}

type taskResult struct {
	succeeded, partial, failed int
	fallbackUsed, exhausted    int
}

// processTask runs Classifier -> Selector -> Executor for one task.
// On a version conflict the loser re-reads and re-evaluates once
// instead of overwriting.
func (s *Scheduler) processTask(ctx context.Context, task *domain.Task) (taskResult, error) {
	unlock := s.locks.lock(task.ID)
	defer unlock()

	record, err := s.observe(ctx, task)
	if err != nil {
		return taskResult{}, err
	}

	res, err := s.applyOnce(ctx, record, task)
	if errors.Is(err, storage.ErrVersionConflict) {
		fresh, err := s.deps.Tasks.Get(ctx, task.ID)
		if err != nil {
			return taskResult{}, fmt.Errorf("failed to re-read after conflict: %w", err)
		}
		if fresh.Status != domain.TaskStatusFailed {
			// The concurrent writer already recovered it.
			return taskResult{succeeded: 1}, nil
		}
		return s.applyOnce(ctx, record, fresh)
	}
	return res, err
}

// observe classifies the task's failure, folds in the cascade signal
// and persists the immutable record.
func (s *Scheduler) observe(ctx context.Context, task *domain.Task) (*domain.FailureRecord, error) {
	fctx := map[string]string{
		domain.CtxTaskID:      task.ID,
		domain.CtxWorkspaceID: task.WorkspaceID,
		domain.CtxSubsystem:   "scheduler",
	}
	cls := s.deps.Classifier.Classify(task.LastError, fctx)
	cls, cascading := classifier.Apply(cls, s.deps.Cascade.Observe(task.WorkspaceID, time.Now()))

	record := domain.NewFailureRecord(task.ID, task.WorkspaceID, cls.Type, cls.Confidence, task.LastError, fctx)
	record.Cascading = cascading
	if err := s.deps.Failures.Add(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist failure record: %w", err)
	}
	return record, nil
}

func (s *Scheduler) applyOnce(ctx context.Context, record *domain.FailureRecord, task *domain.Task) (taskResult, error) {
	last, err := s.deps.Attempts.LastForTask(ctx, task.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return taskResult{}, fmt.Errorf("failed to load last attempt: %w", err)
	}

	exhausted := task.RetryCount >= s.cfg.MaxAttempts

	decision := s.deps.Selector.Select(record, task, last)
	if decision.Confidence < s.cfg.LowConfidenceThreshold {
		metrics.LowConfidenceTotal.WithLabelValues("selector").Inc()
		s.deps.Log.Warn("Low-confidence recovery decision",
			"task", task.ID,
			"strategy", decision.Strategy,
			"confidence", decision.Confidence,
			"failure_type", record.Type,
		)
	}

	attempt, err := s.deps.Executor.Apply(ctx, decision, task)
	if err != nil {
		return taskResult{}, err
	}

	var res taskResult
	switch attempt.Outcome {
	case domain.OutcomeSuccess:
		res.succeeded = 1
	case domain.OutcomePartial:
		res.partial = 1
	case domain.OutcomeFailed:
		res.failed = 1
	}
	if decision.Strategy == domain.StrategySkipWithFallback {
		res.fallbackUsed = 1
		if exhausted {
			res.exhausted = 1
		}
	}
	return res, nil
}

// taskLocks serializes recovery operations per task id.
type taskLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newTaskLocks() *taskLocks {
	return &taskLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *taskLocks) lock(id string) func() {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
