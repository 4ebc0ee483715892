package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tdnguyen/remedy/internal/core/domain"
	"github.com/tdnguyen/remedy/internal/infra/storage"
	"github.com/tdnguyen/remedy/internal/infra/storage/memory"
	"github.com/tdnguyen/remedy/internal/recovery/selector"
)

func newTestExecutor(t *testing.T) (*Executor, *memory.TaskRepo, *memory.AttemptRepo) {
	t.Helper()
	store := memory.NewMemoryStorage()
	tasks := memory.NewTaskRepo(store)
	attempts := memory.NewAttemptRepo(store)
	return New(DefaultConfig(), tasks, attempts, nil), tasks, attempts
}

func seedTask(t *testing.T, tasks *memory.TaskRepo, retry int, meta map[string]string) *domain.Task {
	t.Helper()
	task := domain.NewTask("ws-1", meta)
	task.Status = domain.TaskStatusFailed
	task.RetryCount = retry
	task.LastError = "boom"
	if err := tasks.Create(context.Background(), task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return task
}

func TestApply_RetryDifferentWorker(t *testing.T) {
	exec, tasks, _ := newTestExecutor(t)
	ctx := context.Background()
	task := seedTask(t, tasks, 1, map[string]string{domain.MetaAssignedWorker: "worker-7"})

	attempt, err := exec.Apply(ctx, selector.Decision{Strategy: domain.StrategyRetryDifferentWorker, Confidence: 0.85}, task)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if attempt.Outcome != domain.OutcomeSuccess {
		t.Errorf("expected success, got %s", attempt.Outcome)
	}

	got, _ := tasks.Get(ctx, task.ID)
	if got.Status != domain.TaskStatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if got.RetryCount != 2 {
		t.Errorf("expected retry count 2, got %d", got.RetryCount)
	}
	if _, ok := got.Metadata[domain.MetaAssignedWorker]; ok {
		t.Error("worker assignment must be cleared")
	}
	if got.LastStrategy() != domain.StrategyRetryDifferentWorker {
		t.Errorf("strategy history not appended: %v", got.StrategyHistory)
	}
}

func TestApply_Idempotent(t *testing.T) {
	exec, tasks, _ := newTestExecutor(t)
	ctx := context.Background()
	task := seedTask(t, tasks, 1, nil)

	decision := selector.Decision{Strategy: domain.StrategyRetryDifferentWorker, Confidence: 0.85}
	first, err := exec.Apply(ctx, decision, task)
	if err != nil {
		t.Fatalf("first Apply failed: %v", err)
	}

	// Re-apply with the stale pre-application view, as a resumed loop
	// would after a crash.
	stale, _ := tasks.Get(ctx, task.ID)
	stale.RetryCount = first.RetryCount // persisted idempotency key
	stale.Version = task.Version

	second, err := exec.Apply(ctx, decision, stale)
	if err != nil {
		t.Fatalf("second Apply failed: %v", err)
	}
	if second.ID != first.ID {
		t.Error("expected the recorded attempt to be returned, not a new application")
	}

	got, _ := tasks.Get(ctx, task.ID)
	if got.RetryCount != 2 {
		t.Errorf("retry count double-incremented: %d", got.RetryCount)
	}
}

func TestApply_SkipWithFallbackAlwaysSucceeds(t *testing.T) {
	exec, tasks, _ := newTestExecutor(t)
	ctx := context.Background()
	task := seedTask(t, tasks, 5, nil)

	attempt, err := exec.Apply(ctx, selector.Decision{Strategy: domain.StrategySkipWithFallback, Confidence: 1.0}, task)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if attempt.Outcome != domain.OutcomeSuccess {
		t.Fatalf("skip_with_fallback must always succeed, got %s", attempt.Outcome)
	}

	got, _ := tasks.Get(ctx, task.ID)
	if got.Status != domain.TaskStatusCompletedFallback {
		t.Errorf("expected completed_fallback, got %s", got.Status)
	}
	if got.Metadata[domain.MetaFallbackRatio] != "0.80" {
		t.Errorf("expected fallback ratio 0.80, got %q", got.Metadata[domain.MetaFallbackRatio])
	}
	if got.Metadata[domain.MetaFallbackResult] == "" {
		t.Error("expected a synthesized fallback result")
	}
}

func TestApply_DecomposeCreatesChildren(t *testing.T) {
	exec, tasks, _ := newTestExecutor(t)
	ctx := context.Background()
	task := seedTask(t, tasks, 2, map[string]string{
		domain.MetaDecomposable: "true",
		domain.MetaSubtaskCount: "2",
	})

	attempt, err := exec.Apply(ctx, selector.Decision{Strategy: domain.StrategyDecomposeSubtasks, Confidence: 0.75}, task)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if attempt.Outcome != domain.OutcomeSuccess {
		t.Fatalf("expected success, got %s", attempt.Outcome)
	}

	parent, _ := tasks.Get(ctx, task.ID)
	if parent.Status != domain.TaskStatusCompletedFallback {
		t.Errorf("parent must resolve as completed_fallback, got %s", parent.Status)
	}

	pending, _ := tasks.ListFailed(ctx, "ws-1", 0)
	if len(pending) != 0 {
		t.Errorf("no failed tasks expected, got %d", len(pending))
	}

	children := 0
	for _, id := range childIDs(ctx, tasks, task.ID) {
		child, err := tasks.Get(ctx, id)
		if err != nil {
			t.Fatalf("get child: %v", err)
		}
		if child.ParentID != task.ID {
			t.Errorf("child must reference the parent, got %q", child.ParentID)
		}
		if child.Decomposable() {
			t.Error("children must not inherit the decomposable flag")
		}
		if child.Status != domain.TaskStatusPending {
			t.Errorf("child must start pending, got %s", child.Status)
		}
		children++
	}
	if children != 2 {
		t.Errorf("expected 2 children, got %d", children)
	}
}

// childIDs probes the store for the deterministic subtask ids.
func childIDs(ctx context.Context, tasks *memory.TaskRepo, parentID string) []string {
	var ids []string
	for i := 0; i < 8; i++ {
		if _, err := tasks.Get(ctx, childID(parentID, i)); err == nil {
			ids = append(ids, childID(parentID, i))
		}
	}
	return ids
}

func TestApply_DecomposeIdempotentOnResume(t *testing.T) {
	exec, tasks, _ := newTestExecutor(t)
	ctx := context.Background()
	task := seedTask(t, tasks, 2, map[string]string{
		domain.MetaDecomposable: "true",
		domain.MetaSubtaskCount: "2",
	})

	decision := selector.Decision{Strategy: domain.StrategyDecomposeSubtasks, Confidence: 0.75}
	if _, err := exec.Apply(ctx, decision, task); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// Resumed crash: re-apply against the stale view. Children must
	// not duplicate.
	stale := task.Clone()
	stale.Status = domain.TaskStatusFailed
	if _, err := exec.Apply(ctx, decision, stale); err != nil {
		t.Fatalf("resumed Apply failed: %v", err)
	}

	if got := len(childIDs(ctx, tasks, task.ID)); got != 2 {
		t.Errorf("expected 2 children after resume, got %d", got)
	}
}

func TestApply_DecomposeNonDecomposableFails(t *testing.T) {
	exec, tasks, _ := newTestExecutor(t)
	ctx := context.Background()
	task := seedTask(t, tasks, 2, nil)
	before := task.Version

	attempt, err := exec.Apply(ctx, selector.Decision{Strategy: domain.StrategyDecomposeSubtasks, Confidence: 0.75}, task)
	if err != nil {
		t.Fatalf("Apply must not error on a failed outcome: %v", err)
	}
	if attempt.Outcome != domain.OutcomeFailed {
		t.Errorf("expected failed outcome, got %s", attempt.Outcome)
	}

	// The task itself is untouched.
	got, _ := tasks.Get(ctx, task.ID)
	if got.Status != domain.TaskStatusFailed || got.Version != before {
		t.Error("failed application must leave the task unchanged")
	}
}

func TestApply_RetryWithBackoffDefers(t *testing.T) {
	exec, tasks, _ := newTestExecutor(t)
	ctx := context.Background()
	task := seedTask(t, tasks, 0, nil)

	attempt, err := exec.Apply(ctx, selector.Decision{
		Strategy:   domain.StrategyRetryWithBackoff,
		Confidence: 0.9,
		Delay:      2 * time.Minute,
	}, task)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if attempt.Outcome != domain.OutcomePartial {
		t.Errorf("expected partial, got %s", attempt.Outcome)
	}
	if attempt.NextRetryAt == nil {
		t.Fatal("expected next retry timestamp")
	}
	if until := time.Until(*attempt.NextRetryAt); until < time.Minute {
		t.Errorf("expected roughly 2m deferral, got %v", until)
	}

	got, _ := tasks.Get(ctx, task.ID)
	if got.Status != domain.TaskStatusPending || got.NextRetryAt == nil {
		t.Error("task must be re-queued with a deferral")
	}
}

func TestApply_ContextReconstruction(t *testing.T) {
	exec, tasks, _ := newTestExecutor(t)
	ctx := context.Background()
	task := seedTask(t, tasks, 0, nil)

	attempt, err := exec.Apply(ctx, selector.Decision{Strategy: domain.StrategyContextReconstruction, Confidence: 0.8}, task)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if attempt.Outcome != domain.OutcomeSuccess {
		t.Errorf("expected success, got %s", attempt.Outcome)
	}

	got, _ := tasks.Get(ctx, task.ID)
	if got.Metadata[domain.MetaRebuildContext] != "true" {
		t.Error("expected rebuild flag")
	}
}

func TestApply_VersionConflictPropagates(t *testing.T) {
	exec, tasks, _ := newTestExecutor(t)
	ctx := context.Background()
	task := seedTask(t, tasks, 0, nil)

	// Concurrent writer bumps the version first.
	other, _ := tasks.Get(ctx, task.ID)
	other.LastError = "concurrent"
	if err := tasks.Update(ctx, other); err != nil {
		t.Fatalf("concurrent update: %v", err)
	}

	_, err := exec.Apply(ctx, selector.Decision{Strategy: domain.StrategyRetryDifferentWorker, Confidence: 0.85}, task)
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestApply_FallbackResultMentionsAttempts(t *testing.T) {
	exec, tasks, _ := newTestExecutor(t)
	ctx := context.Background()
	task := seedTask(t, tasks, 4, nil)

	if _, err := exec.Apply(ctx, selector.Decision{Strategy: domain.StrategySkipWithFallback, Confidence: 1.0}, task); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	got, _ := tasks.Get(ctx, task.ID)
	if !strings.Contains(got.Metadata[domain.MetaFallbackResult], "4 attempts") {
		t.Errorf("fallback result should mention attempts: %q", got.Metadata[domain.MetaFallbackResult])
	}
}
