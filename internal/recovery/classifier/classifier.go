// Package classifier turns raw task errors into typed, confidence-scored
// failure classifications using an ordered pattern table.
package classifier

import (
	"regexp"
	"strconv"

	"github.com/tdnguyen/remedy/internal/core/config"
	"github.com/tdnguyen/remedy/internal/core/domain"
	"github.com/tdnguyen/remedy/internal/recovery/metrics"
)

// UnknownConfidence is the fixed score for messages no pattern matches.
const UnknownConfidence = 0.3

// Pattern maps a compiled expression to a failure type with a base
// confidence. Patterns are evaluated in order; the first match wins, so
// specific patterns must precede generic ones.
type Pattern struct {
	Type       domain.FailureType
	Expr       *regexp.Regexp
	Confidence float64
}

// Classification is the result of classifying one raw error.
type Classification struct {
	Type       domain.FailureType
	Confidence float64
	Evidence   string
}

// Classifier matches raw errors against an immutable ordered pattern
// table. Classification is pure in-process work: no I/O, no state.
type Classifier struct {
	patterns   []Pattern
	thresholds config.ResourceThresholds
}

// New creates a classifier over the given pattern table. The table is
// copied so later mutation by the caller cannot leak in.
func New(patterns []Pattern, thresholds config.ResourceThresholds) *Classifier {
	return &Classifier{
		patterns:   append([]Pattern(nil), patterns...),
		thresholds: thresholds,
	}
}

// NewDefault creates a classifier with the built-in pattern table.
func NewDefault(thresholds config.ResourceThresholds) *Classifier {
	return New(DefaultPatterns(), thresholds)
}

// Classify maps a raw error message plus structured context to a typed
// classification. Deterministic: the same input always yields the same
// result.
func (c *Classifier) Classify(raw string, fctx map[string]string) Classification {
	result := c.classify(raw, fctx)
	metrics.ClassificationsTotal.WithLabelValues(string(result.Type)).Inc()
	return result
}

func (c *Classifier) classify(raw string, fctx map[string]string) Classification {
	// Probe-reported usage in the context takes precedence over message
	// text: a threshold breach is a hard signal.
	if cls, ok := c.classifyResources(fctx); ok {
		return cls
	}

	for _, p := range c.patterns {
		if loc := p.Expr.FindStringIndex(raw); loc != nil {
			return Classification{
				Type:       p.Type,
				Confidence: p.Confidence,
				Evidence:   snippet(raw, loc),
			}
		}
	}

	return Classification{
		Type:       domain.FailureUnknown,
		Confidence: UnknownConfidence,
		Evidence:   snippet(raw, nil),
	}
}

// classifyResources checks probe-reported usage percentages against the
// configured thresholds.
func (c *Classifier) classifyResources(fctx map[string]string) (Classification, bool) {
	type probe struct {
		key       string
		threshold float64
		ftype     domain.FailureType
	}
	probes := []probe{
		{domain.CtxCPUPercent, c.thresholds.CPUPercent, domain.FailureResourceCPU},
		{domain.CtxMemPercent, c.thresholds.MemoryPercent, domain.FailureResourceMemory},
		{domain.CtxDiskPercent, c.thresholds.DiskPercent, domain.FailureResourceDisk},
	}
	for _, p := range probes {
		val, ok := fctx[p.key]
		if !ok {
			continue
		}
		pct, err := strconv.ParseFloat(val, 64)
		if err != nil {
			continue
		}
		if p.threshold > 0 && pct > p.threshold {
			return Classification{
				Type:       p.ftype,
				Confidence: 0.9,
				Evidence:   p.key + "=" + val,
			}, true
		}
	}
	return Classification{}, false
}

// snippet trims the matched region (or message head) to a bounded
// evidence string.
func snippet(raw string, loc []int) string {
	const maxEvidence = 160
	s := raw
	if loc != nil {
		s = raw[loc[0]:loc[1]]
	}
	if len(s) > maxEvidence {
		s = s[:maxEvidence]
	}
	return s
}
