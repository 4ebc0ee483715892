// Package executor applies selected recovery strategies to tasks. It is
// the only component that mutates task state during recovery.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tdnguyen/remedy/internal/core/domain"
	"github.com/tdnguyen/remedy/internal/infra/storage"
	"github.com/tdnguyen/remedy/internal/recovery/metrics"
	"github.com/tdnguyen/remedy/internal/recovery/selector"
)

// ErrNotDecomposable is returned internally when decomposition is
// requested on a task without the decomposable flag. It surfaces as a
// failed outcome, never as an error to the caller.
var ErrNotDecomposable = errors.New("task is not decomposable")

// Config holds executor settings.
type Config struct {
	FallbackRatio float64 // completion ratio recorded by SKIP_WITH_FALLBACK
	SubtaskCount  int     // children created by DECOMPOSE_SUBTASKS
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		FallbackRatio: 0.8,
		SubtaskCount:  3,
	}
}

// Executor applies strategies and records recovery attempts.
type Executor struct {
	cfg      Config
	tasks    storage.TaskRepository
	attempts storage.AttemptRepository
	log      *slog.Logger
}

// New creates an executor.
func New(cfg Config, tasks storage.TaskRepository, attempts storage.AttemptRepository, log *slog.Logger) *Executor {
	if cfg.FallbackRatio == 0 {
		cfg.FallbackRatio = 0.8
	}
	if cfg.SubtaskCount == 0 {
		cfg.SubtaskCount = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{cfg: cfg, tasks: tasks, attempts: attempts, log: log}
}

// Apply executes one strategy against a task and records the attempt.
//
// Idempotent on (task id, retry count): a previously recorded attempt
// for the same strategy at the same retry count is returned without
// re-applying, so a crashed-and-resumed loop never double-increments.
// A recorded failed outcome does not block reselection of a different
// strategy at the same retry count.
//
// Task writes go through the repository's optimistic version check;
// storage.ErrVersionConflict propagates so the caller can re-read.
func (e *Executor) Apply(ctx context.Context, decision selector.Decision, task *domain.Task) (*domain.RecoveryAttempt, error) {
	prior, err := e.attempts.GetByTaskRetry(ctx, task.ID, task.RetryCount)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to check prior attempt: %w", err)
	}
	if prior != nil && prior.Strategy == decision.Strategy && prior.Outcome != domain.OutcomeFailed {
		return prior, nil
	}

	work := task.Clone()
	work.StrategyHistory = append(work.StrategyHistory, decision.Strategy)

	var (
		outcome     domain.Outcome
		nextRetryAt *time.Time
	)

	switch decision.Strategy {
	case domain.StrategyRetryDifferentWorker:
		outcome = e.applyRetryDifferentWorker(work)
	case domain.StrategyDecomposeSubtasks:
		outcome, err = e.applyDecompose(ctx, work)
		if err != nil {
			return nil, err
		}
	case domain.StrategyAlternativeApproach:
		outcome = e.applyAlternativeApproach(work)
	case domain.StrategySkipWithFallback:
		outcome = e.applySkipWithFallback(work)
	case domain.StrategyContextReconstruction:
		outcome = e.applyContextReconstruction(work)
	case domain.StrategyRetryWithBackoff:
		outcome, nextRetryAt = e.applyRetryWithBackoff(work, decision.Delay)
	default:
		e.log.Warn("Unknown strategy requested", "strategy", decision.Strategy, "task", task.ID)
		outcome = domain.OutcomeFailed
	}

	// The attempt is keyed on the retry count the failure happened at,
	// before any increment the strategy performs.
	attempt := domain.NewRecoveryAttempt(task, decision.Strategy, outcome)
	attempt.NextRetryAt = nextRetryAt

	// A failed application leaves the task untouched; only the attempt
	// record is written so the next cycle reselects.
	if outcome != domain.OutcomeFailed {
		work.NextRetryAt = nextRetryAt
		if err := e.tasks.Update(ctx, work); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				return nil, err
			}
			return nil, fmt.Errorf("failed to persist task: %w", err)
		}
		*task = *work
	}

	if err := e.attempts.Add(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to record attempt: %w", err)
	}

	metrics.RecoveriesTotal.WithLabelValues(string(decision.Strategy), string(outcome)).Inc()
	return attempt, nil
}

// applyRetryDifferentWorker clears the worker assignment and re-queues,
// letting the external executor pick a different worker.
func (e *Executor) applyRetryDifferentWorker(t *domain.Task) domain.Outcome {
	delete(t.Metadata, domain.MetaAssignedWorker)
	t.Status = domain.TaskStatusPending
	t.RetryCount++
	return domain.OutcomeSuccess
}

// applyDecompose splits the task into subtasks referencing the parent
// and resolves the parent as completed with fallback.
func (e *Executor) applyDecompose(ctx context.Context, t *domain.Task) (domain.Outcome, error) {
	if !t.Decomposable() {
		return domain.OutcomeFailed, nil
	}

	n := e.cfg.SubtaskCount
	if hint, ok := t.Metadata[domain.MetaSubtaskCount]; ok {
		if parsed, err := strconv.Atoi(hint); err == nil && parsed > 0 {
			n = parsed
		}
	}

	// Child ids derive from the parent id, so a crashed-and-resumed
	// decomposition recreates the same children instead of new ones.
	for i := 0; i < n; i++ {
		child := domain.NewTask(t.WorkspaceID, childMetadata(t, i))
		child.ID = childID(t.ID, i)
		child.ParentID = t.ID
		if err := e.tasks.Create(ctx, child); err != nil {
			return "", fmt.Errorf("failed to create subtask %d: %w", i, err)
		}
	}

	t.Status = domain.TaskStatusCompletedFallback
	t.Metadata[domain.MetaSubtaskCount] = strconv.Itoa(n)
	return domain.OutcomeSuccess, nil
}

// childID derives a stable subtask id from the parent id.
func childID(parentID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/subtask/%d", parentID, index))).String()
}

func childMetadata(parent *domain.Task, index int) map[string]string {
	meta := make(map[string]string, len(parent.Metadata)+1)
	for k, v := range parent.Metadata {
		// Children do not decompose again.
		if k == domain.MetaDecomposable || k == domain.MetaSubtaskCount {
			continue
		}
		meta[k] = v
	}
	meta[domain.MetaSubtaskIndex] = strconv.Itoa(index)
	return meta
}

// applyAlternativeApproach re-queues the task flagged for a different
// execution strategy.
func (e *Executor) applyAlternativeApproach(t *domain.Task) domain.Outcome {
	t.Metadata[domain.MetaApproachHint] = "alternative"
	t.Status = domain.TaskStatusPending
	t.RetryCount++
	return domain.OutcomeSuccess
}

// applySkipWithFallback resolves the task with a synthesized partial
// result. Always succeeds: this is the terminal safety net.
func (e *Executor) applySkipWithFallback(t *domain.Task) domain.Outcome {
	t.Status = domain.TaskStatusCompletedFallback
	t.Metadata[domain.MetaFallbackRatio] = strconv.FormatFloat(e.cfg.FallbackRatio, 'f', 2, 64)
	t.Metadata[domain.MetaFallbackResult] = fmt.Sprintf(
		"accepted partial completion at %.0f%% after %d attempts",
		e.cfg.FallbackRatio*100, t.RetryCount,
	)
	return domain.OutcomeSuccess
}

// applyContextReconstruction flags the task for dependency context
// rebuild and re-queues it.
func (e *Executor) applyContextReconstruction(t *domain.Task) domain.Outcome {
	t.Metadata[domain.MetaRebuildContext] = "true"
	t.Status = domain.TaskStatusPending
	t.RetryCount++
	return domain.OutcomeSuccess
}

// applyRetryWithBackoff re-queues the task deferred by the computed
// delay. Partial: forward progress needs the delay to elapse first.
func (e *Executor) applyRetryWithBackoff(t *domain.Task, delay time.Duration) (domain.Outcome, *time.Time) {
	at := time.Now().UTC().Add(delay)
	t.Status = domain.TaskStatusPending
	t.RetryCount++
	return domain.OutcomePartial, &at
}
