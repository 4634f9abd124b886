// Package models defines the data shared by the proxy components.
//
// DESIGN: Types are defined here ONCE so that forwarder, compare, selection,
// cache, store and gateway can exchange them without circular imports.
//
// TYPES:
//   - TargetResponse:             result of calling one backend
//   - ComparisonResult:           structured diff of the two responses
//   - Discrepancy:                a single difference found by the comparator
//   - CompatibilityProxyResponse: per-request aggregate handed to the HTTP layer
package models

import (
	"net/http"
	"time"
)

// =============================================================================
// TARGETS
// =============================================================================

// Target identifies one of the two backends.
type Target string

const (
	TargetNightscout Target = "Nightscout" // legacy backend
	TargetNocturne   Target = "Nocturne"   // reimplementation
)

// Targets lists both backends in dispatch order.
var Targets = []Target{TargetNightscout, TargetNocturne}

// Other returns the opposite backend.
func (t Target) Other() Target {
	if t == TargetNightscout {
		return TargetNocturne
	}
	return TargetNightscout
}

// =============================================================================
// TARGET RESPONSE
// =============================================================================

// TargetResponse is the result of calling one backend. Immutable once built.
type TargetResponse struct {
	Target         Target      `json:"target"`
	StatusCode     int         `json:"statusCode"`
	IsSuccess      bool        `json:"isSuccess"`
	Body           []byte      `json:"body,omitempty"`
	ContentType    string      `json:"contentType,omitempty"`
	Headers        http.Header `json:"headers,omitempty"`
	ResponseTimeMs int64       `json:"responseTimeMs"`
	ErrorMessage   string      `json:"errorMessage,omitempty"` // transport failures only
}

// Answered reports whether the backend produced an HTTP response at all.
func (r *TargetResponse) Answered() bool {
	return r != nil && r.StatusCode != 0
}

// =============================================================================
// COMPARISON
// =============================================================================

// MatchType is the overall verdict of a comparison.
type MatchType string

const (
	MatchPerfect             MatchType = "Perfect"
	MatchMinorDifferences    MatchType = "MinorDifferences"
	MatchCriticalDifferences MatchType = "CriticalDifferences"
	MatchNightscoutMissing   MatchType = "NightscoutMissing"
	MatchNocturneMissing     MatchType = "NocturneMissing"
	MatchBothMissing         MatchType = "BothMissing"
)

// MatchTypes lists every verdict, used for metrics and summaries.
var MatchTypes = []MatchType{
	MatchPerfect, MatchMinorDifferences, MatchCriticalDifferences,
	MatchNightscoutMissing, MatchNocturneMissing, MatchBothMissing,
}

// DiscrepancyType classifies a single difference.
type DiscrepancyType string

const (
	DiscrepancyStatusCode   DiscrepancyType = "StatusCode"
	DiscrepancyContentType  DiscrepancyType = "ContentType"
	DiscrepancyBodyContent  DiscrepancyType = "BodyContent"
	DiscrepancyBodyTooLarge DiscrepancyType = "BodyTooLarge"
	DiscrepancyNumericValue DiscrepancyType = "NumericValue"
	DiscrepancyStringValue  DiscrepancyType = "StringValue"
	DiscrepancyBooleanValue DiscrepancyType = "BooleanValue"
	DiscrepancyTimestamp    DiscrepancyType = "Timestamp"
	DiscrepancyFieldMissing DiscrepancyType = "FieldMissing"
	DiscrepancyFieldExtra   DiscrepancyType = "FieldExtra"
	DiscrepancyFieldOrder   DiscrepancyType = "FieldOrder"
	DiscrepancyTypeMismatch DiscrepancyType = "TypeMismatch"
	DiscrepancyArrayLength  DiscrepancyType = "ArrayLength"
	DiscrepancyArrayContent DiscrepancyType = "ArrayContent"
	DiscrepancyValue        DiscrepancyType = "ValueMismatch"
)

// Severity of a discrepancy.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityMinor    Severity = "Minor"
)

// Discrepancy is a single structural difference between the two responses.
// Field uses dotted/bracket notation, e.g. "values[2].sgv".
type Discrepancy struct {
	Type     DiscrepancyType `json:"type"`
	Severity Severity        `json:"severity"`
	Field    string          `json:"field"`
	Details  string          `json:"details"`
}

// PerformanceComparison is present only when both backends answered.
type PerformanceComparison struct {
	NightscoutMs int64  `json:"nightscoutMs"`
	NocturneMs   int64  `json:"nocturneMs"`
	DifferenceMs int64  `json:"differenceMs"` // nocturne - nightscout
	FasterTarget Target `json:"fasterTarget"`
}

// ComparisonResult is computed once per request pair and never mutated.
type ComparisonResult struct {
	CorrelationID         string                 `json:"correlationId"`
	RequestMethod         string                 `json:"requestMethod,omitempty"`
	RequestPath           string                 `json:"requestPath,omitempty"`
	ComparedAt            time.Time              `json:"comparedAt"`
	OverallMatch          MatchType              `json:"overallMatch"`
	StatusCodeMatch       bool                   `json:"statusCodeMatch"`
	BodyMatch             bool                   `json:"bodyMatch"`
	BodyComparisonSkipped bool                   `json:"bodyComparisonSkipped,omitempty"`
	Discrepancies         []Discrepancy          `json:"discrepancies"`
	PerformanceComparison *PerformanceComparison `json:"performanceComparison,omitempty"`
	Summary               string                 `json:"summary"`
}

// CriticalCount returns the number of critical discrepancies.
func (r *ComparisonResult) CriticalCount() int {
	n := 0
	for _, d := range r.Discrepancies {
		if d.Severity == SeverityCritical {
			n++
		}
	}
	return n
}

// =============================================================================
// PROXY RESPONSE
// =============================================================================

// CompatibilityProxyResponse is the per-request aggregate.
// SelectedResponse points at Nightscout or Nocturne; it is nil only when
// neither backend answered.
type CompatibilityProxyResponse struct {
	CorrelationID    string            `json:"correlationId"`
	Nightscout       *TargetResponse   `json:"nightscout,omitempty"`
	Nocturne         *TargetResponse   `json:"nocturne,omitempty"`
	Comparison       *ComparisonResult `json:"comparison,omitempty"`
	SelectedResponse *TargetResponse   `json:"selectedResponse,omitempty"`
	SelectionReason  string            `json:"selectionReason"`
	FromCache        bool              `json:"fromCache,omitempty"`
}

// Response returns the response of the given backend.
func (r *CompatibilityProxyResponse) Response(t Target) *TargetResponse {
	if t == TargetNightscout {
		return r.Nightscout
	}
	return r.Nocturne
}

// Select marks the given backend's response as the one returned to the caller.
func (r *CompatibilityProxyResponse) Select(t Target, reason string) {
	r.SelectedResponse = r.Response(t)
	r.SelectionReason = reason
}
