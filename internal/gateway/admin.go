package gateway

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kristinkand/nocturne-sub010/internal/breaker"
	"github.com/kristinkand/nocturne-sub010/internal/models"
	"github.com/kristinkand/nocturne-sub010/internal/store"
)

// handleHealth reports liveness and breaker states. Any open breaker makes
// the proxy "degraded"; the status code stays 200 since one backend suffices.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	snaps := g.breakers.Snapshots()
	status := "ok"
	for _, s := range snaps {
		if s.State != breaker.Closed {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Strategy:  g.cfg.Proxy.DefaultStrategy,
		Uptime:    time.Since(g.startedAt).Round(time.Second).String(),
		StartedAt: g.startedAt,
		Breakers:  snaps,
	})
}

func (g *Gateway) handleMetrics(w http.ResponseWriter, r *http.Request) {
	resp := MetricsResponse{
		Counters:      g.metrics.Stats(),
		StreamClients: g.hub.Clients(),
	}
	resp.Counters["stream_dropped"] = g.hub.Dropped()
	if g.cache != nil {
		stats := g.cache.Stats()
		resp.Cache = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.breakers.Snapshots())
}

// handleListDiscrepancies lists stored results.
// Query: match, path, since (RFC3339), limit, offset.
func (g *Gateway) handleListDiscrepancies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{PathContains: q.Get("path")}

	if m := q.Get("match"); m != "" {
		if !slices.Contains(models.MatchTypes, models.MatchType(m)) {
			g.writeError(w, r, "invalid match type", http.StatusBadRequest)
			return
		}
		filter.Match = models.MatchType(m)
	}

	var err error
	if filter.Since, err = parseSince(q.Get("since"), time.Time{}); err != nil {
		g.writeError(w, r, "invalid since", http.StatusBadRequest)
		return
	}
	if filter.Limit, err = parseInt(q.Get("limit")); err != nil {
		g.writeError(w, r, "invalid limit", http.StatusBadRequest)
		return
	}
	if filter.Offset, err = parseInt(q.Get("offset")); err != nil {
		g.writeError(w, r, "invalid offset", http.StatusBadRequest)
		return
	}
	filter = filter.Normalize()

	results, err := g.store.List(r.Context(), filter)
	if err != nil {
		g.writeError(w, r, "failed to list discrepancies", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse{Results: results, Limit: filter.Limit, Offset: filter.Offset})
}

// handleDiscrepancySummary counts stored results per match type.
func (g *Gateway) handleDiscrepancySummary(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r.URL.Query().Get("since"), time.Now().Add(-DefaultSummaryWindow))
	if err != nil {
		g.writeError(w, r, "invalid since", http.StatusBadRequest)
		return
	}

	counts, err := g.store.Counts(r.Context(), since)
	if err != nil {
		g.writeError(w, r, "failed to count discrepancies", http.StatusInternalServerError)
		return
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, SummaryResponse{Since: since, Total: total, Counts: counts})
}

func (g *Gateway) handleGetDiscrepancy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "correlationID")

	result, err := g.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.writeError(w, r, "discrepancy not found", http.StatusNotFound)
		return
	}
	if err != nil {
		g.writeError(w, r, "failed to get discrepancy", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func parseSince(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func parseInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
