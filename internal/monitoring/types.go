// Package monitoring - types.go defines shared types.
//
// DESIGN: These types are used by both gateway/ and monitoring/ packages.
// Defined here ONCE to avoid duplication and circular imports.
//
// TYPES:
//   - ComparisonEvent: Telemetry record for each persisted comparison
//   - Config types:    TelemetryConfig, LoggerConfig, AlertConfig
package monitoring

import (
	"time"

	"github.com/kristinkand/nocturne-sub010/internal/models"
)

// =============================================================================
// EVENT TYPES - Structured data for telemetry recording
// =============================================================================

// ComparisonEvent captures one comparison written to the telemetry log.
type ComparisonEvent struct {
	Timestamp     time.Time            `json:"timestamp"`
	CorrelationID string               `json:"correlation_id"`
	Method        string               `json:"method"`
	Path          string               `json:"path"`
	OverallMatch  models.MatchType     `json:"overall_match"`
	StatusMatch   bool                 `json:"status_match"`
	BodyMatch     bool                 `json:"body_match"`
	Critical      int                  `json:"critical"`
	Discrepancies int                  `json:"discrepancies"`
	NightscoutMs  int64                `json:"nightscout_ms,omitempty"`
	NocturneMs    int64                `json:"nocturne_ms,omitempty"`
	Summary       string               `json:"summary"`
	Details       []models.Discrepancy `json:"details,omitempty"`
}

// NewComparisonEvent flattens a comparison result into a telemetry record.
func NewComparisonEvent(r *models.ComparisonResult) *ComparisonEvent {
	ev := &ComparisonEvent{
		Timestamp:     r.ComparedAt,
		CorrelationID: r.CorrelationID,
		Method:        r.RequestMethod,
		Path:          r.RequestPath,
		OverallMatch:  r.OverallMatch,
		StatusMatch:   r.StatusCodeMatch,
		BodyMatch:     r.BodyMatch,
		Critical:      r.CriticalCount(),
		Discrepancies: len(r.Discrepancies),
		Summary:       r.Summary,
		Details:       r.Discrepancies,
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if p := r.PerformanceComparison; p != nil {
		ev.NightscoutMs = p.NightscoutMs
		ev.NocturneMs = p.NocturneMs
	}
	return ev
}

// =============================================================================
// CONFIG TYPES
// =============================================================================

// TelemetryConfig contains telemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	LogPath     string `yaml:"log_path"`
	LogToStdout bool   `yaml:"log_to_stdout"`
	Verbose     bool   `yaml:"verbose"` // include every discrepancy in the record
}

// LoggerConfig contains logging configuration.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console, auto
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// AlertConfig contains alert thresholds.
type AlertConfig struct {
	HighLatencyThreshold time.Duration `yaml:"high_latency_threshold"`
}
