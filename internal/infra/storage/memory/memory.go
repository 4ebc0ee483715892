package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tdnguyen/remedy/internal/core/domain"
	"github.com/tdnguyen/remedy/internal/infra/storage"
)

// MemoryStorage is the in-process backing store used when no database
// is configured, and throughout the tests.
type MemoryStorage struct {
	tasks      map[string]*domain.Task
	failures   []*domain.FailureRecord
	attempts   []*domain.RecoveryAttempt
	workspaces map[string]*domain.WorkspaceHealth
	mu         sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tasks:      make(map[string]*domain.Task),
		workspaces: make(map[string]*domain.WorkspaceHealth),
	}
}

// -----------------------------------------------------------------------------
// Task Repository
// -----------------------------------------------------------------------------

type TaskRepo struct {
	store *MemoryStorage
}

func NewTaskRepo(store *MemoryStorage) *TaskRepo {
	return &TaskRepo{store: store}
}

func (r *TaskRepo) Get(ctx context.Context, id string) (*domain.Task, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	t, ok := r.store.tasks[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t.Clone(), nil
}

func (r *TaskRepo) Create(ctx context.Context, t *domain.Task) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, exists := r.store.tasks[t.ID]; exists {
		// Matches the SQL ON CONFLICT DO NOTHING semantics so resumed
		// decompositions do not reset existing children.
		return nil
	}
	if t.Version == 0 {
		t.Version = 1
	}
	r.store.tasks[t.ID] = t.Clone()
	return nil
}

func (r *TaskRepo) Update(ctx context.Context, t *domain.Task) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	current, ok := r.store.tasks[t.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if current.Version != t.Version {
		return storage.ErrVersionConflict
	}
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	r.store.tasks[t.ID] = t.Clone()
	return nil
}

func (r *TaskRepo) ListFailed(ctx context.Context, workspaceID string, limit int) ([]*domain.Task, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	now := time.Now()
	var out []*domain.Task
	for _, t := range r.store.tasks {
		if t.Status != domain.TaskStatusFailed {
			continue
		}
		if workspaceID != "" && t.WorkspaceID != workspaceID {
			continue
		}
		if t.NextRetryAt != nil && t.NextRetryAt.After(now) {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *TaskRepo) FailedWorkspaces(ctx context.Context) ([]string, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, t := range r.store.tasks {
		if t.Status != domain.TaskStatusFailed {
			continue
		}
		if _, ok := seen[t.WorkspaceID]; ok {
			continue
		}
		seen[t.WorkspaceID] = struct{}{}
		out = append(out, t.WorkspaceID)
	}
	sort.Strings(out)
	return out, nil
}

func (r *TaskRepo) CountFailed(ctx context.Context, workspaceID string) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	count := 0
	for _, t := range r.store.tasks {
		if t.Status == domain.TaskStatusFailed && t.WorkspaceID == workspaceID {
			count++
		}
	}
	return count, nil
}

// -----------------------------------------------------------------------------
// Failure Repository
// -----------------------------------------------------------------------------

type FailureRepo struct {
	store *MemoryStorage
}

func NewFailureRepo(store *MemoryStorage) *FailureRepo {
	return &FailureRepo{store: store}
}

func (r *FailureRepo) Add(ctx context.Context, fr *domain.FailureRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.failures = append(r.store.failures, fr)
	return nil
}

func (r *FailureRepo) CountSince(ctx context.Context, workspaceID string, since time.Time) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	count := 0
	for _, fr := range r.store.failures {
		if fr.WorkspaceID == workspaceID && fr.DetectedAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (r *FailureRepo) LatestForTask(ctx context.Context, taskID string) (*domain.FailureRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for i := len(r.store.failures) - 1; i >= 0; i-- {
		if r.store.failures[i].TaskID == taskID {
			return r.store.failures[i], nil
		}
	}
	return nil, storage.ErrNotFound
}

// -----------------------------------------------------------------------------
// Attempt Repository
// -----------------------------------------------------------------------------

type AttemptRepo struct {
	store *MemoryStorage
}

func NewAttemptRepo(store *MemoryStorage) *AttemptRepo {
	return &AttemptRepo{store: store}
}

func (r *AttemptRepo) Add(ctx context.Context, ra *domain.RecoveryAttempt) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.attempts = append(r.store.attempts, ra)
	return nil
}

func (r *AttemptRepo) GetByTaskRetry(ctx context.Context, taskID string, retryCount int) (*domain.RecoveryAttempt, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for i := len(r.store.attempts) - 1; i >= 0; i-- {
		ra := r.store.attempts[i]
		if ra.TaskID == taskID && ra.RetryCount == retryCount {
			return ra, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *AttemptRepo) LastForTask(ctx context.Context, taskID string) (*domain.RecoveryAttempt, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for i := len(r.store.attempts) - 1; i >= 0; i-- {
		if r.store.attempts[i].TaskID == taskID {
			return r.store.attempts[i], nil
		}
	}
	return nil, storage.ErrNotFound
}

// -----------------------------------------------------------------------------
// Workspace Repository
// -----------------------------------------------------------------------------

type WorkspaceRepo struct {
	store *MemoryStorage
}

func NewWorkspaceRepo(store *MemoryStorage) *WorkspaceRepo {
	return &WorkspaceRepo{store: store}
}

func (r *WorkspaceRepo) Get(ctx context.Context, workspaceID string) (*domain.WorkspaceHealth, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	wh, ok := r.store.workspaces[workspaceID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *wh
	return &cp, nil
}

func (r *WorkspaceRepo) Upsert(ctx context.Context, wh *domain.WorkspaceHealth) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *wh
	r.store.workspaces[wh.WorkspaceID] = &cp
	return nil
}

func (r *WorkspaceRepo) List(ctx context.Context) ([]*domain.WorkspaceHealth, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.WorkspaceHealth, 0, len(r.store.workspaces))
	for _, wh := range r.store.workspaces {
		cp := *wh
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].WorkspaceID < out[j].WorkspaceID
	})
	return out, nil
}
