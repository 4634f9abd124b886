// Package monitoring - alerts.go flags anomalies and errors.
//
// DESIGN: AlertManager logs notable events at appropriate levels:
//   - FlagHighLatency:         Warn when a proxied request exceeds threshold
//   - FlagCriticalDiscrepancy: Warn when the backends disagree critically
//   - FlagBreakerTransition:   Warn/Info on circuit breaker state changes
//   - FlagTargetFailure:       Warn on transport failures to a backend
//   - FlagSinkFailure:         Error when a discrepancy could not be persisted
//   - FlagPanic:               Error on recovered panics
package monitoring

import (
	"time"

	"github.com/kristinkand/nocturne-sub010/internal/models"
)

// AlertManager flags anomalies and errors.
type AlertManager struct {
	logger               *Logger
	highLatencyThreshold time.Duration
}

// NewAlertManager creates a new alert manager.
func NewAlertManager(logger *Logger, cfg AlertConfig) *AlertManager {
	threshold := cfg.HighLatencyThreshold
	if threshold == 0 {
		threshold = 5 * time.Second
	}
	return &AlertManager{logger: logger, highLatencyThreshold: threshold}
}

// FlagHighLatency logs when request latency exceeds threshold.
func (am *AlertManager) FlagHighLatency(correlationID string, latency time.Duration, path string) {
	if latency < am.highLatencyThreshold {
		return
	}
	am.logger.Warn().
		Str("correlation_id", correlationID).
		Dur("latency", latency).
		Str("path", path).
		Msg("high_latency")
}

// FlagCriticalDiscrepancy logs a comparison with critical differences.
func (am *AlertManager) FlagCriticalDiscrepancy(result *models.ComparisonResult) {
	if result == nil || result.OverallMatch != models.MatchCriticalDifferences {
		return
	}
	am.logger.Warn().
		Str("correlation_id", result.CorrelationID).
		Str("path", result.RequestPath).
		Int("critical", result.CriticalCount()).
		Str("summary", result.Summary).
		Msg("critical_discrepancy")
}

// FlagBreakerTransition logs a circuit breaker state change.
func (am *AlertManager) FlagBreakerTransition(target models.Target, from, to string) {
	event := am.logger.Info()
	if to == "Open" {
		event = am.logger.Warn()
	}
	event.
		Str("target", string(target)).
		Str("from", from).
		Str("to", to).
		Msg("circuit_breaker")
}

// FlagTargetFailure logs a transport failure to one backend.
func (am *AlertManager) FlagTargetFailure(correlationID string, target models.Target, errorMsg string) {
	am.logger.Warn().
		Str("correlation_id", correlationID).
		Str("target", string(target)).
		Str("error", errorMsg).
		Msg("target_failure")
}

// FlagSinkFailure logs a failed discrepancy persist.
func (am *AlertManager) FlagSinkFailure(correlationID, sink string, err error) {
	am.logger.Error().
		Str("correlation_id", correlationID).
		Str("sink", sink).
		Err(err).
		Msg("sink_failed")
}

// FlagPanic logs recovered panic.
func (am *AlertManager) FlagPanic(correlationID string, panicValue interface{}, stack string) {
	am.logger.Error().
		Str("correlation_id", correlationID).
		Interface("panic", panicValue).
		Str("stack", stack).
		Msg("panic_recovered")
}
