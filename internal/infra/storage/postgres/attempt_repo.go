package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tdnguyen/remedy/internal/core/domain"
	"github.com/tdnguyen/remedy/internal/infra/storage"
)

// AttemptRepo implements storage.AttemptRepository using PostgreSQL.
type AttemptRepo struct {
	db *DB
}

// NewAttemptRepo creates a new PostgreSQL recovery attempt repository.
func NewAttemptRepo(db *DB) *AttemptRepo {
	return &AttemptRepo{db: db}
}

type attemptRow struct {
	ID          string       `db:"id"`
	TaskID      string       `db:"task_id"`
	WorkspaceID string       `db:"workspace_id"`
	Strategy    string       `db:"strategy"`
	Outcome     string       `db:"outcome"`
	RetryCount  int          `db:"retry_count"`
	AppliedAt   time.Time    `db:"applied_at"`
	NextRetryAt sql.NullTime `db:"next_retry_at"`
}

func (row *attemptRow) toDomain() *domain.RecoveryAttempt {
	ra := &domain.RecoveryAttempt{
		ID:          row.ID,
		TaskID:      row.TaskID,
		WorkspaceID: row.WorkspaceID,
		Strategy:    domain.Strategy(row.Strategy),
		Outcome:     domain.Outcome(row.Outcome),
		RetryCount:  row.RetryCount,
		AppliedAt:   row.AppliedAt,
	}
	if row.NextRetryAt.Valid {
		at := row.NextRetryAt.Time
		ra.NextRetryAt = &at
	}
	return ra
}

// Add persists an attempt record.
func (r *AttemptRepo) Add(ctx context.Context, ra *domain.RecoveryAttempt) error {
	query := `
		INSERT INTO recovery_attempts (id, task_id, workspace_id, strategy, outcome,
		                               retry_count, applied_at, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		ra.ID, ra.TaskID, ra.WorkspaceID, string(ra.Strategy), string(ra.Outcome),
		ra.RetryCount, ra.AppliedAt, ra.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add recovery attempt: %w", err)
	}
	return nil
}

// GetByTaskRetry returns the attempt recorded for (taskID, retryCount).
func (r *AttemptRepo) GetByTaskRetry(ctx context.Context, taskID string, retryCount int) (*domain.RecoveryAttempt, error) {
	query := `
		SELECT id, task_id, workspace_id, strategy, outcome, retry_count, applied_at, next_retry_at
		FROM recovery_attempts
		WHERE task_id = $1 AND retry_count = $2
		ORDER BY applied_at DESC
		LIMIT 1
	`
	var row attemptRow
	err := r.db.GetContext(ctx, &row, query, taskID, retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recovery attempt: %w", err)
	}
	return row.toDomain(), nil
}

// LastForTask returns the most recent attempt for a task.
func (r *AttemptRepo) LastForTask(ctx context.Context, taskID string) (*domain.RecoveryAttempt, error) {
	query := `
		SELECT id, task_id, workspace_id, strategy, outcome, retry_count, applied_at, next_retry_at
		FROM recovery_attempts
		WHERE task_id = $1
		ORDER BY applied_at DESC
		LIMIT 1
	`
	var row attemptRow
	err := r.db.GetContext(ctx, &row, query, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last recovery attempt: %w", err)
	}
	return row.toDomain(), nil
}
