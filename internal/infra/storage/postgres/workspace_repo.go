package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tdnguyen/remedy/internal/core/domain"
	"github.com/tdnguyen/remedy/internal/infra/storage"
)

// WorkspaceRepo implements storage.WorkspaceRepository using PostgreSQL.
type WorkspaceRepo struct {
	db *DB
}

// NewWorkspaceRepo creates a new PostgreSQL workspace health repository.
func NewWorkspaceRepo(db *DB) *WorkspaceRepo {
	return &WorkspaceRepo{db: db}
}

// Get returns the health record for a workspace.
func (r *WorkspaceRepo) Get(ctx context.Context, workspaceID string) (*domain.WorkspaceHealth, error) {
	query := `
		SELECT workspace_id, status, active_recoveries, last_transition_at
		FROM workspace_health
		WHERE workspace_id = $1
	`
	var wh domain.WorkspaceHealth
	err := r.db.GetContext(ctx, &wh, query, workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace health: %w", err)
	}
	return &wh, nil
}

// Upsert creates or replaces the health record.
func (r *WorkspaceRepo) Upsert(ctx context.Context, wh *domain.WorkspaceHealth) error {
	query := `
		INSERT INTO workspace_health (workspace_id, status, active_recoveries, last_transition_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workspace_id) DO UPDATE
		SET status = EXCLUDED.status,
		    active_recoveries = EXCLUDED.active_recoveries,
		    last_transition_at = EXCLUDED.last_transition_at
	`
	_, err := r.db.ExecContext(ctx, query,
		wh.WorkspaceID, string(wh.Status), wh.ActiveRecoveries, wh.LastTransitionAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert workspace health: %w", err)
	}
	return nil
}

// List returns all known health records.
func (r *WorkspaceRepo) List(ctx context.Context) ([]*domain.WorkspaceHealth, error) {
	query := `
		SELECT workspace_id, status, active_recoveries, last_transition_at
		FROM workspace_health
		ORDER BY workspace_id
	`
	var rows []*domain.WorkspaceHealth
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list workspace health: %w", err)
	}
	return rows, nil
}
