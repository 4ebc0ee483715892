package classifier

import (
	"sync"
	"time"

	"github.com/tdnguyen/remedy/internal/core/config"
	"github.com/tdnguyen/remedy/internal/core/domain"
	"github.com/tdnguyen/remedy/internal/recovery/metrics"
)

// CascadeDetector tracks recent failures per workspace in a sliding
// window. Cascading failure is a composite signal computed from the
// stream of observations, not from any single message.
type CascadeDetector struct {
	cfg    config.CascadeConfig
	mu     sync.Mutex
	recent map[string][]time.Time
}

// NewCascadeDetector creates a detector with the given threshold and
// window.
func NewCascadeDetector(cfg config.CascadeConfig) *CascadeDetector {
	return &CascadeDetector{
		cfg:    cfg,
		recent: make(map[string][]time.Time),
	}
}

// Observe records one failure for a workspace and reports whether the
// observation count within the window (this one included) reaches the
// cascade threshold.
func (d *CascadeDetector) Observe(workspaceID string, at time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := at.Add(-d.cfg.Window)
	window := d.recent[workspaceID]

	// Drop observations that fell out of the window.
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, at)
	d.recent[workspaceID] = kept

	if len(kept) >= d.cfg.Threshold {
		metrics.CascadeSignalsTotal.WithLabelValues(workspaceID).Inc()
		return true
	}
	return false
}

// Seed pre-loads the window with n observations at the given instant.
// Used on startup to rebuild state from persisted FailureRecords.
func (d *CascadeDetector) Seed(workspaceID string, n int, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		d.recent[workspaceID] = append(d.recent[workspaceID], at)
	}
}

// Apply folds the cascade signal into a classification: the signal
// becomes the primary type only when pattern matching produced no
// answer, otherwise it stays a contributing flag on the record.
func Apply(cls Classification, cascading bool) (Classification, bool) {
	if !cascading {
		return cls, false
	}
	if cls.Type == domain.FailureUnknown {
		cls.Type = domain.FailureCascading
		cls.Confidence = 0.75
		cls.Evidence = "failure burst within cascade window"
	}
	return cls, true
}
