// Package gateway types - constants and wire shapes for the HTTP surface.
//
// DESIGN: Types used by the gateway for:
//   - Admin API responses (/_proxy/*)
//   - Error bodies returned by the gateway itself
//
// Proxied responses are relayed verbatim from the selected backend and have
// no gateway-defined shape.
package gateway

import (
	"time"

	"github.com/kristinkand/nocturne-sub010/internal/breaker"
	"github.com/kristinkand/nocturne-sub010/internal/cache"
	"github.com/kristinkand/nocturne-sub010/internal/config"
	"github.com/kristinkand/nocturne-sub010/internal/correlation"
	"github.com/kristinkand/nocturne-sub010/internal/models"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// AdminPrefix is reserved for the proxy's own endpoints.
	AdminPrefix = "/_proxy"

	// HeaderCorrelationID is echoed on every response.
	HeaderCorrelationID = correlation.Header

	// MaxRateLimitBuckets bounds the per-IP limiter map.
	MaxRateLimitBuckets = 10000

	// DefaultSummaryWindow is the /discrepancies/summary lookback.
	DefaultSummaryWindow = 24 * time.Hour

	shutdownSinkGrace = 5 * time.Second
)

// =============================================================================
// ADMIN RESPONSES
// =============================================================================

// HealthResponse is returned by /_proxy/health.
type HealthResponse struct {
	Status    string             `json:"status"` // ok | degraded
	Strategy  config.Strategy    `json:"strategy"`
	Uptime    string             `json:"uptime"`
	StartedAt time.Time          `json:"startedAt"`
	Breakers  []breaker.Snapshot `json:"breakers"`
}

// MetricsResponse is returned by /_proxy/metrics.
type MetricsResponse struct {
	Counters      map[string]int64 `json:"counters"`
	Cache         *cache.Stats     `json:"cache,omitempty"`
	StreamClients int              `json:"streamClients"`
}

// SummaryResponse is returned by /_proxy/discrepancies/summary.
type SummaryResponse struct {
	Since  time.Time                  `json:"since"`
	Total  int64                      `json:"total"`
	Counts map[models.MatchType]int64 `json:"counts"`
}

// ListResponse is returned by /_proxy/discrepancies.
type ListResponse struct {
	Results []*models.ComparisonResult `json:"results"`
	Limit   int                        `json:"limit"`
	Offset  int                        `json:"offset"`
}

// errorResponse is the body of errors produced by the gateway itself.
type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlationId,omitempty"`
}
