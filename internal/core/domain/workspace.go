package domain

import "time"

// WorkspaceStatus is the live health indicator of a workspace.
type WorkspaceStatus string

const (
	WorkspaceActive         WorkspaceStatus = "active"
	WorkspaceAutoRecovering WorkspaceStatus = "auto_recovering"
	WorkspaceDegraded       WorkspaceStatus = "degraded_mode"
)

// WorkspaceHealth is the per-tenant aggregate driven by recovery
// outcomes. It is owned exclusively by the health state machine; every
// other component reads it only.
type WorkspaceHealth struct {
	WorkspaceID      string          `json:"workspace_id" db:"workspace_id"`
	Status           WorkspaceStatus `json:"status" db:"status"`
	ActiveRecoveries int             `json:"active_recoveries" db:"active_recoveries"`
	LastTransitionAt time.Time       `json:"last_transition_at" db:"last_transition_at"`
}

// NewWorkspaceHealth returns the initial (active) health record.
func NewWorkspaceHealth(workspaceID string) *WorkspaceHealth {
	return &WorkspaceHealth{
		WorkspaceID:      workspaceID,
		Status:           WorkspaceActive,
		LastTransitionAt: time.Now().UTC(),
	}
}
