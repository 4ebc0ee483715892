package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending           TaskStatus = "pending"
	TaskStatusRunning           TaskStatus = "running"
	TaskStatusCompleted         TaskStatus = "completed"
	TaskStatusFailed            TaskStatus = "failed"
	TaskStatusCompletedFallback TaskStatus = "completed_fallback"
)

// IsTerminal reports whether the status admits no further recovery.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCompletedFallback
}

// Well-known metadata keys. Metadata is the channel through which the
// external executor and the recovery pipeline exchange hints.
const (
	MetaDecomposable   = "decomposable"    // "true" if the task may be split into subtasks
	MetaCritical       = "critical"        // "true" blocks SKIP_WITH_FALLBACK before exhaustion
	MetaAssignedWorker = "assigned_worker" // cleared by RETRY_DIFFERENT_WORKER
	MetaApproachHint   = "approach_hint"   // set by ALTERNATIVE_APPROACH
	MetaRebuildContext = "rebuild_context" // set by CONTEXT_RECONSTRUCTION
	MetaFallbackRatio  = "fallback_ratio"  // set by SKIP_WITH_FALLBACK
	MetaFallbackResult = "fallback_result" // synthesized result for fallback completion
	MetaSubtaskCount   = "subtask_count"   // number of children created by decomposition
	MetaSubtaskIndex   = "subtask_index"   // position of a child within its decomposition
)

// Task is a unit of work owned by a workspace. It is created by the
// external executor; during recovery it is mutated exclusively by the
// recovery executor, guarded by the Version field.
type Task struct {
	ID              string            `json:"id" db:"id"`
	WorkspaceID     string            `json:"workspace_id" db:"workspace_id"`
	ParentID        string            `json:"parent_id,omitempty" db:"parent_id"`
	Status          TaskStatus        `json:"status" db:"status"`
	RetryCount      int               `json:"retry_count" db:"retry_count"`
	LastError       string            `json:"last_error,omitempty" db:"last_error"`
	StrategyHistory []Strategy        `json:"strategy_history,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	NextRetryAt     *time.Time        `json:"next_retry_at,omitempty" db:"next_retry_at"`
	Version         int64             `json:"version" db:"version"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" db:"updated_at"`
}

// NewTask creates a pending task for a workspace.
func NewTask(workspaceID string, metadata map[string]string) *Task {
	now := time.Now().UTC()
	if metadata == nil {
		metadata = make(map[string]string)
	}
	return &Task{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		Status:      TaskStatusPending,
		Metadata:    metadata,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Decomposable reports whether the task may be split into subtasks.
func (t *Task) Decomposable() bool {
	return t.Metadata[MetaDecomposable] == "true"
}

// Critical reports whether the task must not be skipped before exhaustion.
func (t *Task) Critical() bool {
	return t.Metadata[MetaCritical] == "true"
}

// LastStrategy returns the most recently applied strategy, or empty.
func (t *Task) LastStrategy() Strategy {
	if len(t.StrategyHistory) == 0 {
		return ""
	}
	return t.StrategyHistory[len(t.StrategyHistory)-1]
}

// Clone returns a deep copy so concurrent readers never observe
// in-place mutation of metadata or history.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Metadata = make(map[string]string, len(t.Metadata))
	for k, v := range t.Metadata {
		cp.Metadata[k] = v
	}
	cp.StrategyHistory = append([]Strategy(nil), t.StrategyHistory...)
	if t.NextRetryAt != nil {
		at := *t.NextRetryAt
		cp.NextRetryAt = &at
	}
	return &cp
}
