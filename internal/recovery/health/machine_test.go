package health

import (
	"context"
	"sync"
	"testing"

	"github.com/tdnguyen/remedy/internal/core/domain"
	"github.com/tdnguyen/remedy/internal/infra/notify"
	"github.com/tdnguyen/remedy/internal/infra/storage/memory"
)

type captureNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *captureNotifier) Notify(ctx context.Context, ev notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *captureNotifier) types() []notify.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.EventType, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Type)
	}
	return out
}

func newTestMachine(t *testing.T) (*Machine, *memory.WorkspaceRepo, *captureNotifier) {
	t.Helper()
	repo := memory.NewWorkspaceRepo(memory.NewMemoryStorage())
	notifier := &captureNotifier{}
	return NewMachine(repo, notifier, nil), repo, notifier
}

func TestMachine_BeginRecovery(t *testing.T) {
	m, repo, notifier := newTestMachine(t)
	ctx := context.Background()

	if err := m.BeginRecovery(ctx, "ws-1", 3); err != nil {
		t.Fatalf("BeginRecovery failed: %v", err)
	}

	wh, err := repo.Get(ctx, "ws-1")
	if err != nil {
		t.Fatalf("workspace not persisted: %v", err)
	}
	if wh.Status != domain.WorkspaceAutoRecovering {
		t.Errorf("expected auto_recovering, got %s", wh.Status)
	}
	if wh.ActiveRecoveries != 3 {
		t.Errorf("expected 3 active recoveries, got %d", wh.ActiveRecoveries)
	}
	if got := notifier.types(); len(got) != 1 || got[0] != notify.EventRecoveryStarted {
		t.Errorf("expected recovery_started event, got %v", got)
	}
}

func TestMachine_BeginRecoveryRequiresInFlight(t *testing.T) {
	m, repo, _ := newTestMachine(t)
	ctx := context.Background()

	if err := m.BeginRecovery(ctx, "ws-1", 0); err == nil {
		t.Fatal("auto_recovering without in-flight recoveries must be rejected")
	}
	if _, err := repo.Get(ctx, "ws-1"); err == nil {
		t.Error("rejected transition must not persist state")
	}
}

func TestMachine_CleanBatchRestoresActive(t *testing.T) {
	m, _, notifier := newTestMachine(t)
	ctx := context.Background()

	if err := m.BeginRecovery(ctx, "ws-1", 2); err != nil {
		t.Fatalf("BeginRecovery failed: %v", err)
	}
	status, err := m.CompleteBatch(ctx, BatchSummary{WorkspaceID: "ws-1", Succeeded: 2})
	if err != nil {
		t.Fatalf("CompleteBatch failed: %v", err)
	}
	if status != domain.WorkspaceActive {
		t.Errorf("expected active, got %s", status)
	}

	want := []notify.EventType{
		notify.EventRecoveryStarted,
		notify.EventRecoveryCompleted,
		notify.EventWorkspaceRestored,
	}
	got := notifier.types()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestMachine_FallbackDegrades(t *testing.T) {
	m, _, notifier := newTestMachine(t)
	ctx := context.Background()

	if err := m.BeginRecovery(ctx, "ws-1", 3); err != nil {
		t.Fatalf("BeginRecovery failed: %v", err)
	}
	status, err := m.CompleteBatch(ctx, BatchSummary{
		WorkspaceID:  "ws-1",
		Succeeded:    2,
		FallbackUsed: 1,
	})
	if err != nil {
		t.Fatalf("CompleteBatch failed: %v", err)
	}
	if status != domain.WorkspaceDegraded {
		t.Errorf("fallback use must degrade the workspace, got %s", status)
	}

	found := false
	for _, typ := range notifier.types() {
		if typ == notify.EventWorkspaceDegraded {
			found = true
		}
	}
	if !found {
		t.Error("expected workspace_degraded event")
	}
}

func TestMachine_ExhaustionDegrades(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	if err := m.BeginRecovery(ctx, "ws-1", 1); err != nil {
		t.Fatalf("BeginRecovery failed: %v", err)
	}
	status, err := m.CompleteBatch(ctx, BatchSummary{WorkspaceID: "ws-1", Exhausted: 1})
	if err != nil {
		t.Fatalf("CompleteBatch failed: %v", err)
	}
	if status != domain.WorkspaceDegraded {
		t.Errorf("exhaustion must degrade the workspace, got %s", status)
	}
}

func TestMachine_OutstandingWorkStaysRecovering(t *testing.T) {
	m, repo, _ := newTestMachine(t)
	ctx := context.Background()

	if err := m.BeginRecovery(ctx, "ws-1", 5); err != nil {
		t.Fatalf("BeginRecovery failed: %v", err)
	}
	status, err := m.CompleteBatch(ctx, BatchSummary{
		WorkspaceID: "ws-1",
		Succeeded:   3,
		Partial:     2,
		Outstanding: 2,
	})
	if err != nil {
		t.Fatalf("CompleteBatch failed: %v", err)
	}
	if status != domain.WorkspaceAutoRecovering {
		t.Errorf("partial progress must stay auto_recovering, got %s", status)
	}

	wh, _ := repo.Get(ctx, "ws-1")
	if wh.ActiveRecoveries == 0 {
		t.Error("in-flight count must survive while recovering")
	}
}

func TestMachine_DegradedRecoversThroughNewBatch(t *testing.T) {
	m, _, notifier := newTestMachine(t)
	ctx := context.Background()

	if err := m.BeginRecovery(ctx, "ws-1", 1); err != nil {
		t.Fatalf("BeginRecovery failed: %v", err)
	}
	if _, err := m.CompleteBatch(ctx, BatchSummary{WorkspaceID: "ws-1", FallbackUsed: 1}); err != nil {
		t.Fatalf("degrading batch failed: %v", err)
	}

	// Degraded is not terminal: a later batch that clears the backlog
	// restores the workspace.
	if err := m.BeginRecovery(ctx, "ws-1", 1); err != nil {
		t.Fatalf("BeginRecovery from degraded failed: %v", err)
	}
	status, err := m.CompleteBatch(ctx, BatchSummary{WorkspaceID: "ws-1", Succeeded: 1})
	if err != nil {
		t.Fatalf("restoring batch failed: %v", err)
	}
	if status != domain.WorkspaceActive {
		t.Errorf("expected active after clean batch, got %s", status)
	}

	got := notifier.types()
	if got[len(got)-1] != notify.EventWorkspaceRestored {
		t.Errorf("expected workspace_restored last, got %v", got)
	}
}

func TestMachine_CompleteBatchOutsideRecoveryRejected(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	// No BeginRecovery: the workspace is active.
	status, err := m.CompleteBatch(ctx, BatchSummary{WorkspaceID: "ws-1", Succeeded: 1})
	if err == nil {
		t.Fatal("batch completion outside auto_recovering must error")
	}
	if status != domain.WorkspaceActive {
		t.Errorf("state must be reported unchanged, got %s", status)
	}
}

func TestMachine_StatusDefaultsActive(t *testing.T) {
	m, _, _ := newTestMachine(t)

	status, err := m.Status(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status != domain.WorkspaceActive {
		t.Errorf("unknown workspace must report active, got %s", status)
	}
}
