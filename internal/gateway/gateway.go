// Package gateway is the HTTP front of the compatibility proxy.
//
// DESIGN: Gateway owns the server lifecycle and wires every component:
//
//	request → middleware → /_proxy/* admin API
//	                     → anything else: snapshot → proxy.Service → relay
//
// Comparison results flow to three sinks: the discrepancy store, the
// websocket Hub (/_proxy/stream) and, when enabled, the JSONL telemetry file.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/kristinkand/nocturne-sub010/internal/breaker"
	"github.com/kristinkand/nocturne-sub010/internal/cache"
	"github.com/kristinkand/nocturne-sub010/internal/config"
	"github.com/kristinkand/nocturne-sub010/internal/correlation"
	"github.com/kristinkand/nocturne-sub010/internal/forwarder"
	"github.com/kristinkand/nocturne-sub010/internal/models"
	"github.com/kristinkand/nocturne-sub010/internal/monitoring"
	"github.com/kristinkand/nocturne-sub010/internal/proxy"
	"github.com/kristinkand/nocturne-sub010/internal/snapshot"
	"github.com/kristinkand/nocturne-sub010/internal/store"
)

// Gateway serves the proxy endpoint and the admin API.
type Gateway struct {
	cfg       *config.Config
	startedAt time.Time

	client    forwarder.Doer
	logger    *monitoring.Logger
	store     store.Store
	ownsStore bool

	tracker       *correlation.Tracker
	metrics       *monitoring.MetricsCollector
	alerts        *monitoring.AlertManager
	requestLogger *monitoring.RequestLogger
	telemetry     *monitoring.Tracker
	breakers      *breaker.Registry
	cache         *cache.Cache
	hub           *Hub
	service       *proxy.Service
	rateLimiter   *rateLimiter
	limits        snapshot.Limits

	handler http.Handler
	server  *http.Server
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithHTTPClient sets the client used to reach the backends.
func WithHTTPClient(c forwarder.Doer) Option {
	return func(g *Gateway) { g.client = c }
}

// WithStore sets the discrepancy store. The caller keeps ownership.
func WithStore(s store.Store) Option {
	return func(g *Gateway) { g.store = s }
}

// WithLogger sets the logger used for alerts and request logs.
func WithLogger(l *monitoring.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New builds a gateway from configuration.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	g := &Gateway{cfg: cfg, startedAt: time.Now()}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = monitoring.NewFromZerolog(log.Logger)
	}

	g.metrics = monitoring.NewMetricsCollector()
	g.alerts = monitoring.NewAlertManager(g.logger, monitoring.AlertConfig{
		HighLatencyThreshold: cfg.Monitoring.HighLatencyThreshold,
	})
	g.requestLogger = monitoring.NewRequestLogger(g.logger)
	g.tracker = correlation.NewTracker(cfg.Proxy.EnableCorrelationTracking)
	g.limits = snapshot.Limits{
		MaxBodyBytes:       cfg.Server.MaxRequestBodyBytes,
		MaxComparisonBytes: cfg.Proxy.MaxResponseSizeForComparison,
	}

	cb := cfg.Proxy.CircuitBreaker
	g.breakers = breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cb.FailureThreshold,
		RecoveryTimeout:  cb.RecoveryTimeout(),
		SuccessThreshold: cb.SuccessThreshold,
	}, breaker.WithStateChange(g.onBreakerChange))

	fwd, err := forwarder.New(cfg.Proxy, g.client, g.breakers,
		forwarder.WithMaxResponseBytes(cfg.Server.MaxResponseBodyBytes),
		forwarder.WithRequestLogger(g.requestLogger),
	)
	if err != nil {
		return nil, fmt.Errorf("creating forwarder: %w", err)
	}

	telemetry, err := monitoring.NewTracker(monitoring.TelemetryConfig{
		Enabled:     cfg.Monitoring.TelemetryEnabled,
		LogPath:     cfg.Monitoring.TelemetryPath,
		LogToStdout: cfg.Monitoring.LogToStdout,
	})
	if err != nil {
		return nil, fmt.Errorf("creating telemetry tracker: %w", err)
	}
	g.telemetry = telemetry

	if g.store == nil {
		st, err := store.Open(context.Background(), cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		g.store = st
		g.ownsStore = true
	}

	var dedup *cache.Deduplicator
	if cfg.Proxy.EnableResponseCaching {
		g.cache = cache.New(cache.Config{
			TTL:               cfg.Proxy.ResponseCacheTTL(),
			MaxEntryBytes:     cfg.Proxy.MaxCacheEntryBytes,
			MaxEntries:        cfg.Proxy.MaxCacheEntries,
			NonCacheablePaths: cfg.Proxy.NonCacheablePaths,
		})
		if cfg.Proxy.EnableRequestDeduplication {
			dedup = cache.NewDeduplicator()
		}
	}

	g.hub = NewHub(0)
	sinks := []proxy.NamedSink{
		{Name: "store", Sink: g.store},
		{Name: "stream", Sink: g.hub},
	}
	if telemetry.Enabled() {
		sinks = append(sinks, proxy.NamedSink{Name: "telemetry", Sink: telemetry})
	}

	g.service, err = proxy.New(cfg.Proxy, proxy.Deps{
		Forwarder:     fwd,
		Cache:         g.cache,
		Deduplicator:  dedup,
		Tracker:       g.tracker,
		Metrics:       g.metrics,
		Alerts:        g.alerts,
		RequestLogger: g.requestLogger,
		Sinks:         sinks,
	})
	if err != nil {
		g.closeResources()
		return nil, fmt.Errorf("creating proxy service: %w", err)
	}

	if cfg.Server.RateLimit > 0 {
		g.rateLimiter = newRateLimiter(cfg.Server.RateLimit)
	}

	g.handler = g.routes()
	g.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      g.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return g, nil
}

// routes builds the chi router.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(g.panicRecovery)
	if g.rateLimiter != nil {
		r.Use(g.rateLimit)
	}
	r.Use(g.loggingMiddleware)

	r.Route(AdminPrefix, func(r chi.Router) {
		r.Get("/health", g.handleHealth)
		r.Get("/metrics", g.handleMetrics)
		r.Get("/circuit-breakers", g.handleBreakers)
		r.Get("/discrepancies", g.handleListDiscrepancies)
		r.Get("/discrepancies/summary", g.handleDiscrepancySummary)
		r.Get("/discrepancies/{correlationID}", g.handleGetDiscrepancy)
		r.Get("/stream", g.hub.ServeHTTP)
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			g.writeError(w, r, "not found", http.StatusNotFound)
		})
		r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
			g.writeError(w, r, "method not allowed", http.StatusMethodNotAllowed)
		})
	})

	// Everything outside the admin prefix is proxied, whatever the method.
	r.NotFound(g.handleProxy)
	r.MethodNotAllowed(g.handleProxy)
	return r
}

// Handler returns the root handler (tests, embedding).
func (g *Gateway) Handler() http.Handler { return g.handler }

// Service returns the proxy pipeline.
func (g *Gateway) Service() *proxy.Service { return g.service }

// Hub returns the websocket broadcaster.
func (g *Gateway) Hub() *Hub { return g.hub }

// Breakers returns the per-target breakers.
func (g *Gateway) Breakers() *breaker.Registry { return g.breakers }

// Start listens until Shutdown is called.
func (g *Gateway) Start() error {
	g.logger.Info().
		Str("addr", g.server.Addr).
		Str("nightscout", g.cfg.Proxy.NightscoutURL).
		Str("nocturne", g.cfg.Proxy.NocturneURL).
		Str("strategy", string(g.cfg.Proxy.DefaultStrategy)).
		Msg("compatibility proxy listening")

	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, drains in-flight ones and pending
// sink writes, then releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	if err := g.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}

	waitCtx, cancel := context.WithTimeout(ctx, shutdownSinkGrace)
	defer cancel()
	if err := g.service.Wait(waitCtx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for sinks: %w", err))
	}

	if err := g.closeResources(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (g *Gateway) closeResources() error {
	var errs []error
	if g.hub != nil {
		g.hub.Close()
	}
	if g.rateLimiter != nil {
		g.rateLimiter.close()
	}
	if g.cache != nil {
		g.cache.Close()
	}
	if g.ownsStore && g.store != nil {
		if err := g.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
	}
	if g.telemetry != nil {
		if err := g.telemetry.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}

// onBreakerChange is the breaker state-change callback.
func (g *Gateway) onBreakerChange(name string, from, to breaker.State) {
	g.alerts.FlagBreakerTransition(models.Target(name), from.String(), to.String())
	if to == breaker.Open {
		g.metrics.RecordBreakerOpen()
	}
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, message string, status int) {
	writeJSON(w, status, errorResponse{
		Error:         message,
		CorrelationID: correlation.FromContext(r.Context()),
	})
}
