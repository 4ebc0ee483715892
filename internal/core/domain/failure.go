package domain

import (
	"time"

	"github.com/google/uuid"
)

// FailureType is a typed category assigned to a raw task error.
type FailureType string

const (
	FailureSchemaMissingField FailureType = "schema_validation_missing_field"
	FailureSchemaGeneric      FailureType = "schema_validation_generic"
	FailureIntegrationSDK     FailureType = "integration_sdk_error"
	FailureDependencyConflict FailureType = "dependency_conflict"
	FailureStorageConnection  FailureType = "storage_connection_error"
	FailureResourceCPU        FailureType = "resource_exhaustion_cpu"
	FailureResourceMemory     FailureType = "resource_exhaustion_memory"
	FailureResourceDisk       FailureType = "resource_exhaustion_disk"
	FailureRateLimit          FailureType = "rate_limit_exceeded"
	FailureCascading          FailureType = "cascading_failure"
	FailureUnknown            FailureType = "unknown"
)

// Transient reports whether the failure class is expected to clear on
// its own, making a plain timed retry a sensible strategy.
func (t FailureType) Transient() bool {
	switch t {
	case FailureStorageConnection, FailureRateLimit,
		FailureResourceCPU, FailureResourceMemory, FailureResourceDisk:
		return true
	}
	return false
}

// Context keys carried alongside a raw error message.
const (
	CtxTaskID      = "task_id"
	CtxWorkspaceID = "workspace_id"
	CtxTaskType    = "task_type"
	CtxSubsystem   = "subsystem"
	CtxCPUPercent  = "cpu_percent"
	CtxMemPercent  = "memory_percent"
	CtxDiskPercent = "disk_percent"
)

// FailureRecord is an immutable observation of one task failure. It is
// written once and retained for audit and cascade detection.
type FailureRecord struct {
	ID          string            `json:"id" db:"id"`
	TaskID      string            `json:"task_id" db:"task_id"`
	WorkspaceID string            `json:"workspace_id" db:"workspace_id"`
	Type        FailureType       `json:"failure_type" db:"failure_type"`
	Confidence  float64           `json:"confidence" db:"confidence"`
	RawMessage  string            `json:"raw_message" db:"raw_message"`
	Context     map[string]string `json:"context,omitempty"`
	Cascading   bool              `json:"cascading" db:"cascading"`
	DetectedAt  time.Time         `json:"detected_at" db:"detected_at"`
}

// NewFailureRecord builds a record from a classification result.
func NewFailureRecord(taskID, workspaceID string, ft FailureType, confidence float64, raw string, fctx map[string]string) *FailureRecord {
	return &FailureRecord{
		ID:          uuid.New().String(),
		TaskID:      taskID,
		WorkspaceID: workspaceID,
		Type:        ft,
		Confidence:  confidence,
		RawMessage:  raw,
		Context:     fctx,
		DetectedAt:  time.Now().UTC(),
	}
}
