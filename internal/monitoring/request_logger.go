// Package monitoring - request_logger.go logs HTTP request lifecycle.
//
// DESIGN: Structured logging for request tracing at DEBUG level:
//   - LogIncoming:    Request received from client
//   - LogOutgoing:    Request dispatched to one backend
//   - LogTargetDone:  Backend call finished
//   - LogResponse:    Response sent to client
//   - LogDiscrepancy: One comparison difference (detailed logging only)
package monitoring

import (
	"net/http"
	"time"

	"github.com/kristinkand/nocturne-sub010/internal/models"
)

// RequestLogger logs HTTP request lifecycle events.
type RequestLogger struct {
	logger *Logger
}

// NewRequestLogger creates a new request logger.
func NewRequestLogger(logger *Logger) *RequestLogger {
	return &RequestLogger{logger: logger}
}

// RequestInfo contains incoming request information.
type RequestInfo struct {
	CorrelationID string
	Method        string
	Path          string
	RemoteAddr    string
	BodySize      int
	StartTime     time.Time
}

// NewRequestInfo creates RequestInfo from an HTTP request.
func NewRequestInfo(r *http.Request, correlationID string, bodySize int) *RequestInfo {
	return &RequestInfo{
		CorrelationID: correlationID,
		Method:        r.Method,
		Path:          r.URL.Path,
		RemoteAddr:    r.RemoteAddr,
		BodySize:      bodySize,
		StartTime:     time.Now(),
	}
}

// LogIncoming logs an incoming request.
func (rl *RequestLogger) LogIncoming(info *RequestInfo) {
	rl.logger.Debug().
		Str("correlation_id", info.CorrelationID).
		Str("method", info.Method).
		Str("path", info.Path).
		Int("body_size", info.BodySize).
		Msg("incoming")
}

// OutgoingRequestInfo contains outgoing request information.
type OutgoingRequestInfo struct {
	CorrelationID string
	Target        models.Target
	URL           string
	Method        string
	Timeout       time.Duration
	Attempt       int
}

// LogOutgoing logs a request dispatched to one backend.
func (rl *RequestLogger) LogOutgoing(info *OutgoingRequestInfo) {
	event := rl.logger.Debug().
		Str("correlation_id", info.CorrelationID).
		Str("target", string(info.Target)).
		Str("method", info.Method).
		Str("url", info.URL).
		Dur("timeout", info.Timeout)
	if info.Attempt > 1 {
		event = event.Int("attempt", info.Attempt)
	}
	event.Msg("outgoing")
}

// LogTargetDone logs the outcome of one backend call.
func (rl *RequestLogger) LogTargetDone(correlationID string, resp *models.TargetResponse) {
	event := rl.logger.Debug().
		Str("correlation_id", correlationID).
		Str("target", string(resp.Target)).
		Int("status", resp.StatusCode).
		Int64("latency_ms", resp.ResponseTimeMs)
	if resp.ErrorMessage != "" {
		event = event.Str("error", resp.ErrorMessage)
	}
	event.Msg("target_done")
}

// ResponseInfo contains response information.
type ResponseInfo struct {
	CorrelationID string
	StatusCode    int
	Selected      models.Target
	Reason        string
	Latency       time.Duration
}

// LogResponse logs a response.
func (rl *RequestLogger) LogResponse(info *ResponseInfo) {
	rl.logger.Debug().
		Str("correlation_id", info.CorrelationID).
		Int("status", info.StatusCode).
		Str("selected", string(info.Selected)).
		Str("reason", info.Reason).
		Dur("latency", info.Latency).
		Msg("response")
}

// LogDiscrepancy logs one difference found by the comparator.
func (rl *RequestLogger) LogDiscrepancy(correlationID string, d models.Discrepancy) {
	event := rl.logger.Info()
	if d.Severity == models.SeverityMinor {
		event = rl.logger.Debug()
	}
	event.
		Str("correlation_id", correlationID).
		Str("type", string(d.Type)).
		Str("severity", string(d.Severity)).
		Str("field", d.Field).
		Str("details", d.Details).
		Msg("discrepancy")
}
