package classifier

import (
	"regexp"

	"github.com/tdnguyen/remedy/internal/core/domain"
)

// DefaultPatterns returns the built-in ordered pattern table. All
// expressions run in (?is) mode: case-insensitive, with `.` spanning
// newlines, since validation errors are frequently multi-line.
//
// Order is significance order, not alphabetical: a message matching
// both a specific and a generic pattern must classify as the specific
// type.
func DefaultPatterns() []Pattern {
	return []Pattern{
		// Structured validation error naming a required field.
		{
			Type:       domain.FailureSchemaMissingField,
			Expr:       regexp.MustCompile(`(?is)(field\s+'[^']+'\s+(is\s+)?required|required\s+field\s+'[^']+'|missing\s+required\s+field\b)`),
			Confidence: 0.95,
		},
		// Validation failure without a specific field.
		{
			Type:       domain.FailureSchemaGeneric,
			Expr:       regexp.MustCompile(`(?is)(validationerror|validation\s+(failed|error)|schema\s+(mismatch|violation)|does\s+not\s+match\s+schema)`),
			Confidence: 0.7,
		},
		// Errors surfaced from third-party client libraries.
		{
			Type:       domain.FailureIntegrationSDK,
			Expr:       regexp.MustCompile(`(?is)(sdk\s+(error|initialization|init\s+failed)|client\s+library|api\s+client\s+(error|failed)|provider\s+returned\s+error)`),
			Confidence: 0.75,
		},
		// Version or import resolution failures.
		{
			Type:       domain.FailureDependencyConflict,
			Expr:       regexp.MustCompile(`(?is)(version\s+conflict|dependency\s+(conflict|resolution\s+failed)|incompatible\s+version|cannot\s+resolve\s+(import|module|package))`),
			Confidence: 0.75,
		},
		// Persistence connectivity, timeouts and rollbacks.
		{
			Type:       domain.FailureStorageConnection,
			Expr:       regexp.MustCompile(`(?is)(connection\s+(refused|reset|closed|timed?\s*out)|database\s+(unavailable|connection)|transaction\s+(rolled\s+back|rollback)|deadline\s+exceeded|i/o\s+timeout)`),
			Confidence: 0.8,
		},
		// Resource breaches reported in message text rather than by the
		// probe context.
		{
			Type:       domain.FailureResourceMemory,
			Expr:       regexp.MustCompile(`(?is)(out\s+of\s+memory|oom[-\s]?kill|memory\s+(limit|exhaust))`),
			Confidence: 0.8,
		},
		{
			Type:       domain.FailureResourceDisk,
			Expr:       regexp.MustCompile(`(?is)(no\s+space\s+left\s+on\s+device|disk\s+(full|quota\s+exceeded))`),
			Confidence: 0.85,
		},
		{
			Type:       domain.FailureResourceCPU,
			Expr:       regexp.MustCompile(`(?is)(cpu\s+(limit|throttl|exhaust)|compute\s+quota\s+exceeded)`),
			Confidence: 0.7,
		},
		// Upstream throttling.
		{
			Type:       domain.FailureRateLimit,
			Expr:       regexp.MustCompile(`(?is)(rate\s+limit(ed)?|too\s+many\s+requests|status\s*(code)?\s*429|quota\s+exceeded|throttled)`),
			Confidence: 0.85,
		},
	}
}

// missingFieldExpr extracts the field name from a missing-field
// validation message. Used by the selector to spot relational fields
// whose absence implies missing upstream context.
var missingFieldExpr = regexp.MustCompile(`(?is)field\s+'([^']+)'|'([^']+)'\s+(is\s+)?required`)

// MissingField returns the field named in a missing-field validation
// message, or empty when none is present.
func MissingField(raw string) string {
	m := missingFieldExpr.FindStringSubmatch(raw)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return m[1]
	}
	return m[2]
}
