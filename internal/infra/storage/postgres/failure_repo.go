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

// FailureRepo implements storage.FailureRepository using PostgreSQL.
type FailureRepo struct {
	db *DB
}

// NewFailureRepo creates a new PostgreSQL failure record repository.
func NewFailureRepo(db *DB) *FailureRepo {
	return &FailureRepo{db: db}
}

type failureRow struct {
	ID          string    `db:"id"`
	TaskID      string    `db:"task_id"`
	WorkspaceID string    `db:"workspace_id"`
	FailureType string    `db:"failure_type"`
	Confidence  float64   `db:"confidence"`
	RawMessage  string    `db:"raw_message"`
	Context     []byte    `db:"context"`
	Cascading   bool      `db:"cascading"`
	DetectedAt  time.Time `db:"detected_at"`
}

// Add persists a failure observation. Records are append-only.
func (r *FailureRepo) Add(ctx context.Context, fr *domain.FailureRecord) error {
	fctx, err := json.Marshal(fr.Context)
	if err != nil {
		return fmt.Errorf("failed to encode failure context: %w", err)
	}
	query := `
		INSERT INTO failure_records (id, task_id, workspace_id, failure_type, confidence,
		                             raw_message, context, cascading, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.db.ExecContext(ctx, query,
		fr.ID, fr.TaskID, fr.WorkspaceID, string(fr.Type), fr.Confidence,
		fr.RawMessage, fctx, fr.Cascading, fr.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add failure record: %w", err)
	}
	return nil
}

// CountSince returns the number of failures observed for a workspace
// after the given instant.
func (r *FailureRepo) CountSince(ctx context.Context, workspaceID string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM failure_records
		WHERE workspace_id = $1 AND detected_at > $2
	`
	var count int
	if err := r.db.GetContext(ctx, &count, query, workspaceID, since); err != nil {
		return 0, fmt.Errorf("failed to count failures: %w", err)
	}
	return count, nil
}

// LatestForTask returns the most recent failure record for a task.
func (r *FailureRepo) LatestForTask(ctx context.Context, taskID string) (*domain.FailureRecord, error) {
	query := `
		SELECT id, task_id, workspace_id, failure_type, confidence,
		       raw_message, context, cascading, detected_at
		FROM failure_records
		WHERE task_id = $1
		ORDER BY detected_at DESC
		LIMIT 1
	`
	var row failureRow
	err := r.db.GetContext(ctx, &row, query, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failure record: %w", err)
	}

	fr := &domain.FailureRecord{
		ID:          row.ID,
		TaskID:      row.TaskID,
		WorkspaceID: row.WorkspaceID,
		Type:        domain.FailureType(row.FailureType),
		Confidence:  row.Confidence,
		RawMessage:  row.RawMessage,
		Cascading:   row.Cascading,
		DetectedAt:  row.DetectedAt,
	}
	if len(row.Context) > 0 {
		if err := json.Unmarshal(row.Context, &fr.Context); err != nil {
			return nil, fmt.Errorf("failed to decode failure context: %w", err)
		}
	}
	return fr, nil
}
