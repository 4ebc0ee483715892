package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tdnguyen/remedy/internal/core/config"
	"github.com/tdnguyen/remedy/internal/core/domain"
	"github.com/tdnguyen/remedy/internal/infra/storage"
	"github.com/tdnguyen/remedy/internal/recovery/classifier"
	"github.com/tdnguyen/remedy/internal/recovery/executor"
	"github.com/tdnguyen/remedy/internal/recovery/metrics"
	"github.com/tdnguyen/remedy/internal/recovery/selector"
)

// Result is the inline hook's answer to the external executor.
type Result string

const (
	// ResultRetried means the fast path applied a recovery inline.
	ResultRetried Result = "retried"

	// ResultDeferred means the failure is left for the background loop.
	ResultDeferred Result = "deferred"
)

// TaskLocker is the short-TTL lock preventing the hook and the loop
// from working the same task at once. The task version check remains
// the hard guarantee; the lock only avoids wasted work.
type TaskLocker interface {
	AcquireTaskLock(ctx context.Context, taskID string, ttl time.Duration) (bool, error)
	ReleaseTaskLock(ctx context.Context, taskID string) error
}

// Hook is the synchronous entry point the external task executor calls
// on failure. It only handles fast-path classifications inline to
// bound caller latency; everything else is deferred.
type Hook struct {
	cfg        config.RecoveryConfig
	tasks      storage.TaskRepository
	failures   storage.FailureRepository
	attempts   storage.AttemptRepository
	classifier *classifier.Classifier
	cascade    *classifier.CascadeDetector
	selector   *selector.Selector
	executor   *executor.Executor
	locker     TaskLocker
	log        *slog.Logger
}

// NewHook creates the inline hook. locker may be nil when redis is not
// configured.
func NewHook(cfg config.RecoveryConfig, deps Deps, locker TaskLocker) *Hook {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Hook{
		cfg:        cfg,
		tasks:      deps.Tasks,
		failures:   deps.Failures,
		attempts:   deps.Attempts,
		classifier: deps.Classifier,
		cascade:    deps.Cascade,
		selector:   deps.Selector,
		executor:   deps.Executor,
		locker:     locker,
		log:        log,
	}
}

// fastPath reports whether a classification qualifies for inline
// handling: transient connectivity and throttling classes whose retry
// needs no analysis. Timeouts classify as storage connection errors.
func fastPath(t domain.FailureType) bool {
	return t == domain.FailureStorageConnection || t == domain.FailureRateLimit
}

// OnTaskFailure classifies the failure and, for fast-path classes,
// applies a timed retry inline under a bounded deadline. It never
// blocks past the hook timeout and never propagates a recovery error
// to the caller: every non-inline path answers ResultDeferred.
func (h *Hook) OnTaskFailure(ctx context.Context, taskID, errMsg string, fctx map[string]string) Result {
	start := time.Now()
	defer func() {
		metrics.HookDuration.Observe(time.Since(start).Seconds())
	}()

	if fctx == nil {
		fctx = make(map[string]string)
	}
	fctx[domain.CtxTaskID] = taskID
	fctx[domain.CtxSubsystem] = "inline_hook"

	cls := h.classifier.Classify(errMsg, fctx)
	if ws := fctx[domain.CtxWorkspaceID]; ws != "" {
		// Feed the cascade window; in-memory, no latency cost.
		h.cascade.Observe(ws, time.Now())
	}
	if !fastPath(cls.Type) {
		return ResultDeferred
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.HookTimeout)
	defer cancel()

	if h.locker != nil {
		ok, err := h.locker.AcquireTaskLock(ctx, taskID, 2*h.cfg.HookTimeout)
		if err != nil || !ok {
			return ResultDeferred
		}
		defer func() {
			// Release on a fresh context: the hook deadline may be gone.
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), time.Second)
			defer releaseCancel()
			_ = h.locker.ReleaseTaskLock(releaseCtx, taskID)
		}()
	}

	result, err := h.retryInline(ctx, taskID, errMsg, cls, fctx)
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, storage.ErrVersionConflict) {
			h.log.Warn("Inline recovery fell back to deferred", "task", taskID, "error", err)
		}
		return ResultDeferred
	}
	return result
}

func (h *Hook) retryInline(ctx context.Context, taskID, errMsg string, cls classifier.Classification, fctx map[string]string) (Result, error) {
	task, err := h.tasks.Get(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("failed to load task: %w", err)
	}
	if task.Status != domain.TaskStatusFailed {
		// Someone else already moved it on.
		return ResultDeferred, nil
	}

	record := domain.NewFailureRecord(taskID, task.WorkspaceID, cls.Type, cls.Confidence, errMsg, fctx)
	if err := h.failures.Add(ctx, record); err != nil {
		return "", fmt.Errorf("failed to persist failure record: %w", err)
	}

	last, err := h.attempts.LastForTask(ctx, taskID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("failed to load last attempt: %w", err)
	}

	decision := h.selector.Select(record, task, last)
	if decision.Strategy != domain.StrategyRetryWithBackoff {
		// The fast path only performs plain timed retries inline;
		// anything needing more analysis belongs to the loop.
		return ResultDeferred, nil
	}
	if decision.Confidence < h.cfg.LowConfidenceThreshold {
		metrics.LowConfidenceTotal.WithLabelValues("inline_hook").Inc()
	}

	if _, err := h.executor.Apply(ctx, decision, task); err != nil {
		return "", err
	}
	return ResultRetried, nil
}
