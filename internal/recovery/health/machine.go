// Package health owns the per-workspace recovery health state machine
// and the HTTP surface exposing it.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tdnguyen/remedy/internal/core/domain"
	"github.com/tdnguyen/remedy/internal/infra/notify"
	"github.com/tdnguyen/remedy/internal/infra/storage"
	"github.com/tdnguyen/remedy/internal/recovery/metrics"
)

// BatchSummary aggregates the outcomes of one recovery batch for a
// workspace.
type BatchSummary struct {
	WorkspaceID  string
	Succeeded    int // success outcomes
	Partial      int // deferred retries, need another cycle
	Failed       int // strategy applications that could not be applied
	FallbackUsed int // tasks resolved via the fallback safety net
	Exhausted    int // tasks that hit max attempts before resolving
	Outstanding  int // failed tasks remaining in the workspace after the batch
}

// Machine drives workspace health transitions. It is the sole writer
// of WorkspaceHealth records; all other components read them only.
type Machine struct {
	repo     storage.WorkspaceRepository
	notifier notify.Notifier
	log      *slog.Logger
	mu       sync.Mutex
}

// NewMachine creates the state machine.
func NewMachine(repo storage.WorkspaceRepository, notifier notify.Notifier, log *slog.Logger) *Machine {
	if notifier == nil {
		notifier = notify.NewLogNotifier(log)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Machine{repo: repo, notifier: notifier, log: log}
}

// BeginRecovery transitions a workspace into auto_recovering as the
// scheduler starts processing its failed tasks. inFlight is the number
// of recoveries in the starting batch; it must be at least one.
func (m *Machine) BeginRecovery(ctx context.Context, workspaceID string, inFlight int) error {
	if inFlight < 1 {
		return fmt.Errorf("auto_recovering requires at least one in-flight recovery")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	wh, err := m.load(ctx, workspaceID)
	if err != nil {
		return err
	}

	wh.Status = domain.WorkspaceAutoRecovering
	wh.ActiveRecoveries = inFlight
	wh.LastTransitionAt = time.Now().UTC()
	if err := m.repo.Upsert(ctx, wh); err != nil {
		return fmt.Errorf("failed to persist workspace transition: %w", err)
	}
	m.setGauge(wh)

	m.notifier.Notify(ctx, notify.Event{
		Type:        notify.EventRecoveryStarted,
		WorkspaceID: workspaceID,
		Fields:      map[string]string{"in_flight": fmt.Sprint(inFlight)},
	})
	return nil
}

// CompleteBatch resolves the post-batch state of a workspace:
//
//   - any exhaustion or fallback use degrades the workspace (degraded
//     but non-blocking),
//   - a fully successful batch with nothing outstanding restores it to
//     active,
//   - otherwise the workspace stays auto_recovering for the next cycle.
//
// Returns the resulting status.
func (m *Machine) CompleteBatch(ctx context.Context, summary BatchSummary) (domain.WorkspaceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wh, err := m.load(ctx, summary.WorkspaceID)
	if err != nil {
		return "", err
	}
	if wh.Status != domain.WorkspaceAutoRecovering {
		return wh.Status, fmt.Errorf("batch completed for workspace %s in state %s", summary.WorkspaceID, wh.Status)
	}

	next := wh.Status
	var reason string

	switch {
	case summary.Exhausted > 0 || summary.FallbackUsed > 0:
		next = domain.WorkspaceDegraded
		reason = fmt.Sprintf("%d exhausted, %d resolved by fallback", summary.Exhausted, summary.FallbackUsed)
	case summary.Failed == 0 && summary.Partial == 0 && summary.Outstanding == 0:
		next = domain.WorkspaceActive
	default:
		// Batch made progress but work remains; stay in recovery.
		next = domain.WorkspaceAutoRecovering
	}

	wh.Status = next
	if next != domain.WorkspaceAutoRecovering {
		wh.ActiveRecoveries = 0
	}
	wh.LastTransitionAt = time.Now().UTC()
	if err := m.repo.Upsert(ctx, wh); err != nil {
		return "", fmt.Errorf("failed to persist workspace transition: %w", err)
	}
	m.setGauge(wh)

	m.notifier.Notify(ctx, notify.Event{
		Type:        notify.EventRecoveryCompleted,
		WorkspaceID: summary.WorkspaceID,
		Summary: map[string]int{
			"succeeded":     summary.Succeeded,
			"partial":       summary.Partial,
			"failed":        summary.Failed,
			"fallback_used": summary.FallbackUsed,
			"exhausted":     summary.Exhausted,
			"outstanding":   summary.Outstanding,
		},
	})
	if next == domain.WorkspaceDegraded {
		m.notifier.Notify(ctx, notify.Event{
			Type:        notify.EventWorkspaceDegraded,
			WorkspaceID: summary.WorkspaceID,
			Reason:      reason,
		})
	}
	if next == domain.WorkspaceActive {
		m.notifier.Notify(ctx, notify.Event{
			Type:        notify.EventWorkspaceRestored,
			WorkspaceID: summary.WorkspaceID,
		})
	}
	return next, nil
}

// Status returns the current status of a workspace. Unknown workspaces
// are active.
func (m *Machine) Status(ctx context.Context, workspaceID string) (domain.WorkspaceStatus, error) {
	wh, err := m.repo.Get(ctx, workspaceID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.WorkspaceActive, nil
	}
	if err != nil {
		return "", err
	}
	return wh.Status, nil
}

func (m *Machine) load(ctx context.Context, workspaceID string) (*domain.WorkspaceHealth, error) {
	wh, err := m.repo.Get(ctx, workspaceID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.NewWorkspaceHealth(workspaceID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workspace health: %w", err)
	}
	return wh, nil
}

func (m *Machine) setGauge(wh *domain.WorkspaceHealth) {
	var v float64
	switch wh.Status {
	case domain.WorkspaceAutoRecovering:
		v = 1
	case domain.WorkspaceDegraded:
		v = 2
	}
	metrics.WorkspaceStatus.WithLabelValues(wh.WorkspaceID).Set(v)
}
