// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - requests/successes:   Proxied requests and those relayed with a 2xx/3xx/4xx
//   - cache_hits/misses:    Response cache performance
//   - dedup_shared:         Requests served by another caller's in-flight call
//   - match_*:              Comparison verdicts by type
//   - <target>_failures:    Transport failures per backend
//   - breaker_opens:        Circuit breaker transitions into Open
//   - sink_failures:        Discrepancy sink errors (never surfaced to callers)
//
// Exposed as JSON on /_proxy/metrics.
package monitoring

import (
	"sync/atomic"
	"time"

	"github.com/kristinkand/nocturne-sub010/internal/models"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	requests           atomic.Int64
	successes          atomic.Int64
	gatewayFailures    atomic.Int64
	cacheHits          atomic.Int64
	cacheMisses        atomic.Int64
	dedupShared        atomic.Int64
	nightscoutFailures atomic.Int64
	nocturneFailures   atomic.Int64
	breakerOpens       atomic.Int64
	sinkFailures       atomic.Int64
	totalLatencyMs     atomic.Int64

	matches map[models.MatchType]*atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	mc := &MetricsCollector{matches: make(map[models.MatchType]*atomic.Int64, len(models.MatchTypes))}
	for _, m := range models.MatchTypes {
		mc.matches[m] = new(atomic.Int64)
	}
	return mc
}

// RecordRequest records a proxied request.
func (mc *MetricsCollector) RecordRequest(success bool, latency time.Duration) {
	mc.requests.Add(1)
	mc.totalLatencyMs.Add(latency.Milliseconds())
	if success {
		mc.successes.Add(1)
	}
}

// RecordGatewayFailure records a request where neither backend answered.
func (mc *MetricsCollector) RecordGatewayFailure() { mc.gatewayFailures.Add(1) }

// RecordCacheHit records a cache hit.
func (mc *MetricsCollector) RecordCacheHit() { mc.cacheHits.Add(1) }

// RecordCacheMiss records a cache miss.
func (mc *MetricsCollector) RecordCacheMiss() { mc.cacheMisses.Add(1) }

// RecordDedupShared records a request collapsed into another in-flight call.
func (mc *MetricsCollector) RecordDedupShared() { mc.dedupShared.Add(1) }

// RecordComparison records a comparison verdict.
func (mc *MetricsCollector) RecordComparison(match models.MatchType) {
	if c, ok := mc.matches[match]; ok {
		c.Add(1)
	}
}

// RecordTargetFailure records a transport failure against a backend.
func (mc *MetricsCollector) RecordTargetFailure(target models.Target) {
	if target == models.TargetNightscout {
		mc.nightscoutFailures.Add(1)
		return
	}
	mc.nocturneFailures.Add(1)
}

// RecordBreakerOpen records a breaker transition into Open.
func (mc *MetricsCollector) RecordBreakerOpen() { mc.breakerOpens.Add(1) }

// RecordSinkFailure records a failed discrepancy persist.
func (mc *MetricsCollector) RecordSinkFailure() { mc.sinkFailures.Add(1) }

// Stats returns current metrics.
func (mc *MetricsCollector) Stats() map[string]int64 {
	stats := map[string]int64{
		"requests":            mc.requests.Load(),
		"successes":           mc.successes.Load(),
		"gateway_failures":    mc.gatewayFailures.Load(),
		"cache_hits":          mc.cacheHits.Load(),
		"cache_misses":        mc.cacheMisses.Load(),
		"dedup_shared":        mc.dedupShared.Load(),
		"nightscout_failures": mc.nightscoutFailures.Load(),
		"nocturne_failures":   mc.nocturneFailures.Load(),
		"breaker_opens":       mc.breakerOpens.Load(),
		"sink_failures":       mc.sinkFailures.Load(),
		"total_latency_ms":    mc.totalLatencyMs.Load(),
	}
	for m, c := range mc.matches {
		stats["match_"+string(m)] = c.Load()
	}
	return stats
}
