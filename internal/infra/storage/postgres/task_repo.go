package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tdnguyen/remedy/internal/core/domain"
	"github.com/tdnguyen/remedy/internal/infra/storage"
)

// TaskRepo implements storage.TaskRepository using PostgreSQL.
type TaskRepo struct {
	db *DB
}

// NewTaskRepo creates a new PostgreSQL task repository.
func NewTaskRepo(db *DB) *TaskRepo {
	return &TaskRepo{db: db}
}

type taskRow struct {
	ID              string         `db:"id"`
	WorkspaceID     string         `db:"workspace_id"`
	ParentID        sql.NullString `db:"parent_id"`
	Status          string         `db:"status"`
	RetryCount      int            `db:"retry_count"`
	LastError       sql.NullString `db:"last_error"`
	StrategyHistory []byte         `db:"strategy_history"`
	Metadata        []byte         `db:"metadata"`
	NextRetryAt     sql.NullTime   `db:"next_retry_at"`
	Version         int64          `db:"version"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (row *taskRow) toDomain() (*domain.Task, error) {
	t := &domain.Task{
		ID:          row.ID,
		WorkspaceID: row.WorkspaceID,
		ParentID:    row.ParentID.String,
		Status:      domain.TaskStatus(row.Status),
		RetryCount:  row.RetryCount,
		LastError:   row.LastError.String,
		Version:     row.Version,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
		Metadata:    make(map[string]string),
	}
	if row.NextRetryAt.Valid {
		at := row.NextRetryAt.Time
		t.NextRetryAt = &at
	}
	if len(row.StrategyHistory) > 0 {
		if err := json.Unmarshal(row.StrategyHistory, &t.StrategyHistory); err != nil {
			return nil, fmt.Errorf("failed to decode strategy history: %w", err)
		}
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return t, nil
}

func encodeTask(t *domain.Task) (history, metadata []byte, err error) {
	history, err = json.Marshal(t.StrategyHistory)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode strategy history: %w", err)
	}
	metadata, err = json.Marshal(t.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return history, metadata, nil
}

// Get returns the task by id.
func (r *TaskRepo) Get(ctx context.Context, id string) (*domain.Task, error) {
	query := `
		SELECT id, workspace_id, parent_id, status, retry_count, last_error,
		       strategy_history, metadata, next_retry_at, version, created_at, updated_at
		FROM tasks
		WHERE id = $1
	`
	var row taskRow
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return row.toDomain()
}

// Create persists a new task.
func (r *TaskRepo) Create(ctx context.Context, t *domain.Task) error {
	history, metadata, err := encodeTask(t)
	if err != nil {
		return err
	}
	if t.Version == 0 {
		t.Version = 1
	}
	query := `
		INSERT INTO tasks (id, workspace_id, parent_id, status, retry_count, last_error,
		                   strategy_history, metadata, next_retry_at, version, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (id) DO NOTHING
	`
	_, err = r.db.ExecContext(ctx, query,
		t.ID, t.WorkspaceID, t.ParentID, string(t.Status), t.RetryCount, t.LastError,
		history, metadata, t.NextRetryAt, t.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// Update writes the task guarded by its version. A concurrent writer
// bumping the version first surfaces as ErrVersionConflict.
func (r *TaskRepo) Update(ctx context.Context, t *domain.Task) error {
	history, metadata, err := encodeTask(t)
	if err != nil {
		return err
	}
	query := `
		UPDATE tasks
		SET status = $1, retry_count = $2, last_error = NULLIF($3, ''),
		    strategy_history = $4, metadata = $5, next_retry_at = $6,
		    version = version + 1, updated_at = NOW()
		WHERE id = $7 AND version = $8
	`
	res, err := r.db.ExecContext(ctx, query,
		string(t.Status), t.RetryCount, t.LastError,
		history, metadata, t.NextRetryAt,
		t.ID, t.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrVersionConflict
	}
	t.Version++
	return nil
}

// ListFailed returns failed tasks whose backoff (if any) has elapsed.
func (r *TaskRepo) ListFailed(ctx context.Context, workspaceID string, limit int) ([]*domain.Task, error) {
	query := `
		SELECT id, workspace_id, parent_id, status, retry_count, last_error,
		       strategy_history, metadata, next_retry_at, version, created_at, updated_at
		FROM tasks
		WHERE status = 'failed'
		  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		  AND ($1 = '' OR workspace_id = $1)
		ORDER BY updated_at ASC
	`
	args := []any{workspaceID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	var rows []taskRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list failed tasks: %w", err)
	}

	tasks := make([]*domain.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// FailedWorkspaces returns workspace ids owning at least one failed task.
func (r *TaskRepo) FailedWorkspaces(ctx context.Context) ([]string, error) {
	query := `
		SELECT DISTINCT workspace_id
		FROM tasks
		WHERE status = 'failed'
		ORDER BY workspace_id
	`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("failed to list failed workspaces: %w", err)
	}
	return ids, nil
}

// CountFailed returns the number of failed tasks in a workspace.
func (r *TaskRepo) CountFailed(ctx context.Context, workspaceID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM tasks
		WHERE status = 'failed' AND workspace_id = $1
	`
	var count int
	if err := r.db.GetContext(ctx, &count, query, workspaceID); err != nil {
		return 0, fmt.Errorf("failed to count failed tasks: %w", err)
	}
	return count, nil
}
