// Package selector picks a recovery strategy for a classified failure.
// Selection is an ordered rule table over (failure type, task history),
// evaluated top to bottom, so coverage is exhaustively testable.
package selector

import (
	"strings"
	"time"

	"github.com/tdnguyen/remedy/internal/core/config"
	"github.com/tdnguyen/remedy/internal/core/domain"
	"github.com/tdnguyen/remedy/internal/recovery/backoff"
	"github.com/tdnguyen/remedy/internal/recovery/classifier"
)

// Decision is a selected strategy with a confidence score. Delay is
// set only for timed retries.
type Decision struct {
	Strategy   domain.Strategy
	Confidence float64
	Delay      time.Duration
}

// rule is one row of the decision table.
type rule struct {
	strategy   domain.Strategy
	confidence float64
	applies    func(f *domain.FailureRecord, t *domain.Task) bool
}

// Selector evaluates the decision table.
type Selector struct {
	cfg     config.RecoveryConfig
	backoff *backoff.Exponential
	rules   []rule
}

// New creates a selector with the standard rule table.
func New(cfg config.RecoveryConfig) *Selector {
	s := &Selector{
		cfg: cfg,
		backoff: &backoff.Exponential{
			BaseDelay: cfg.BaseDelay,
			MaxDelay:  cfg.MaxDelay,
		},
	}
	s.rules = []rule{
		// Transient classes resolve with a plain timed retry.
		{
			strategy:   domain.StrategyRetryWithBackoff,
			confidence: 0.9,
			applies: func(f *domain.FailureRecord, t *domain.Task) bool {
				return f.Type.Transient()
			},
		},
		// SDK errors implicate the specific worker, not the task.
		{
			strategy:   domain.StrategyRetryDifferentWorker,
			confidence: 0.85,
			applies: func(f *domain.FailureRecord, t *domain.Task) bool {
				return f.Type == domain.FailureIntegrationSDK
			},
		},
		// A missing relational field means the upstream context the
		// task depends on was never assembled.
		{
			strategy:   domain.StrategyContextReconstruction,
			confidence: 0.8,
			applies: func(f *domain.FailureRecord, t *domain.Task) bool {
				return f.Type == domain.FailureSchemaMissingField &&
					relationalField(classifier.MissingField(f.RawMessage))
			},
		},
		// Tasks marked decomposable get split after two failed rounds.
		{
			strategy:   domain.StrategyDecomposeSubtasks,
			confidence: 0.75,
			applies: func(f *domain.FailureRecord, t *domain.Task) bool {
				return t.RetryCount >= 2 && t.Decomposable()
			},
		},
		// Shape-of-logic failures get a different execution approach
		// once a straight retry has already been burned.
		{
			strategy:   domain.StrategyAlternativeApproach,
			confidence: 0.7,
			applies: func(f *domain.FailureRecord, t *domain.Task) bool {
				validation := f.Type == domain.FailureSchemaGeneric ||
					f.Type == domain.FailureSchemaMissingField
				return validation && t.RetryCount >= 1
			},
		},
		// Non-critical tasks stop consuming cycles after repeated
		// failures of any type.
		{
			strategy:   domain.StrategySkipWithFallback,
			confidence: 0.65,
			applies: func(f *domain.FailureRecord, t *domain.Task) bool {
				return !t.Critical() && t.RetryCount >= 3
			},
		},
	}
	return s
}

// Select returns the strategy to apply for a failure. last is the most
// recent recovery attempt for the task, nil when there is none.
//
// The table prefers the most specific non-terminal strategy; the
// terminal SKIP_WITH_FALLBACK is forced only at exhaustion. A strategy
// whose previous application failed is never selected twice in a row.
func (s *Selector) Select(failure *domain.FailureRecord, task *domain.Task, last *domain.RecoveryAttempt) Decision {
	// Exhaustion is the terminal safety net and ignores every other
	// rule, including the no-repeat guard.
	if task.RetryCount >= s.cfg.MaxAttempts {
		return Decision{Strategy: domain.StrategySkipWithFallback, Confidence: 1.0}
	}

	for _, r := range s.rules {
		if lastFailed(last, r.strategy) {
			continue
		}
		if !r.applies(failure, task) {
			continue
		}
		return s.decision(r, task)
	}

	// Nothing specific applies (unknown or cascading class): a timed
	// retry keeps the task moving, flagged low-confidence so the
	// scheduler alerts on it.
	fallback := rule{strategy: domain.StrategyRetryWithBackoff, confidence: 0.5}
	if lastFailed(last, fallback.strategy) {
		fallback = rule{strategy: domain.StrategyRetryDifferentWorker, confidence: 0.5}
	}
	return s.decision(fallback, task)
}

func (s *Selector) decision(r rule, task *domain.Task) Decision {
	d := Decision{Strategy: r.strategy, Confidence: r.confidence}
	if r.strategy == domain.StrategyRetryWithBackoff {
		d.Delay = s.backoff.Delay(task.RetryCount)
	}
	return d
}

// lastFailed reports whether the previous attempt applied the same
// strategy and failed.
func lastFailed(last *domain.RecoveryAttempt, strategy domain.Strategy) bool {
	return last != nil && last.Strategy == strategy && last.Outcome == domain.OutcomeFailed
}

// relationalField reports whether a field name looks like a reference
// to upstream context rather than a plain value.
func relationalField(field string) bool {
	if field == "" {
		return false
	}
	field = strings.ToLower(field)
	if strings.HasSuffix(field, "_id") || strings.HasSuffix(field, "_ref") {
		return true
	}
	return strings.Contains(field, "context") || strings.Contains(field, "parent")
}
