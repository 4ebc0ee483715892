package domain

import (
	"time"

	"github.com/google/uuid"
)

// Strategy is a named recovery policy.
type Strategy string

const (
	StrategyRetryDifferentWorker  Strategy = "retry_different_worker"
	StrategyDecomposeSubtasks     Strategy = "decompose_subtasks"
	StrategyAlternativeApproach   Strategy = "alternative_approach"
	StrategySkipWithFallback      Strategy = "skip_with_fallback"
	StrategyContextReconstruction Strategy = "context_reconstruction"
	StrategyRetryWithBackoff      Strategy = "retry_with_backoff"
)

// Outcome is the result of applying a strategy to a task.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

// RecoveryAttempt records one strategy application against a task.
// RetryCount is the task's retry counter at application time and serves
// as the idempotency key together with TaskID.
type RecoveryAttempt struct {
	ID          string     `json:"id" db:"id"`
	TaskID      string     `json:"task_id" db:"task_id"`
	WorkspaceID string     `json:"workspace_id" db:"workspace_id"`
	Strategy    Strategy   `json:"strategy" db:"strategy"`
	Outcome     Outcome    `json:"outcome" db:"outcome"`
	RetryCount  int        `json:"retry_count" db:"retry_count"`
	AppliedAt   time.Time  `json:"applied_at" db:"applied_at"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`
}

// NewRecoveryAttempt builds an attempt record keyed on the task's
// current retry count.
func NewRecoveryAttempt(task *Task, strategy Strategy, outcome Outcome) *RecoveryAttempt {
	return &RecoveryAttempt{
		ID:          uuid.New().String(),
		TaskID:      task.ID,
		WorkspaceID: task.WorkspaceID,
		Strategy:    strategy,
		Outcome:     outcome,
		RetryCount:  task.RetryCount,
		AppliedAt:   time.Now().UTC(),
	}
}
