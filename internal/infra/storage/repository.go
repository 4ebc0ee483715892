// Package storage defines the persistence contracts for the recovery
// pipeline. Implementations live in the postgres and memory subpackages.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tdnguyen/remedy/internal/core/domain"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned by an optimistic task update when
	// another writer committed first. Callers re-read and re-evaluate.
	ErrVersionConflict = errors.New("version conflict")
)

// TaskRepository provides access to task records. Update performs an
// optimistic-concurrency write keyed on Task.Version.
type TaskRepository interface {
	// Get returns the task by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*domain.Task, error)

	// Create persists a new task.
	Create(ctx context.Context, t *domain.Task) error

	// Update writes the task if the stored version matches t.Version,
	// incrementing the version on success. Returns ErrVersionConflict
	// when a concurrent writer won.
	Update(ctx context.Context, t *domain.Task) error

	// ListFailed returns failed tasks for a workspace whose backoff
	// delay (if any) has elapsed, oldest first. Empty workspaceID
	// means all workspaces. limit <= 0 means no limit.
	ListFailed(ctx context.Context, workspaceID string, limit int) ([]*domain.Task, error)

	// FailedWorkspaces returns the distinct workspace ids that
	// currently own at least one failed task.
	FailedWorkspaces(ctx context.Context) ([]string, error)

	// CountFailed returns the number of failed tasks in a workspace,
	// including those still waiting out a backoff delay.
	CountFailed(ctx context.Context, workspaceID string) (int, error)
}

// FailureRepository stores immutable failure observations.
type FailureRepository interface {
	// Add persists a failure record. Records are never mutated.
	Add(ctx context.Context, fr *domain.FailureRecord) error

	// CountSince returns how many failures a workspace accumulated
	// after the given instant. Used for cascade detection backfill.
	CountSince(ctx context.Context, workspaceID string, since time.Time) (int, error)

	// LatestForTask returns the most recent record for a task, or
	// ErrNotFound.
	LatestForTask(ctx context.Context, taskID string) (*domain.FailureRecord, error)
}

// AttemptRepository stores recovery attempt records.
type AttemptRepository interface {
	// Add persists an attempt record.
	Add(ctx context.Context, ra *domain.RecoveryAttempt) error

	// GetByTaskRetry returns the attempt recorded for the idempotency
	// key (taskID, retryCount), or ErrNotFound.
	GetByTaskRetry(ctx context.Context, taskID string, retryCount int) (*domain.RecoveryAttempt, error)

	// LastForTask returns the most recent attempt for a task, or
	// ErrNotFound.
	LastForTask(ctx context.Context, taskID string) (*domain.RecoveryAttempt, error)
}

// WorkspaceRepository stores per-tenant health aggregates.
type WorkspaceRepository interface {
	// Get returns the health record for a workspace, or ErrNotFound.
	Get(ctx context.Context, workspaceID string) (*domain.WorkspaceHealth, error)

	// Upsert creates or replaces the health record.
	Upsert(ctx context.Context, wh *domain.WorkspaceHealth) error

	// List returns all known health records.
	List(ctx context.Context) ([]*domain.WorkspaceHealth, error)
}
