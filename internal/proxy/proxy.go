// Package proxy runs the dual-dispatch comparison pipeline for one request.
//
// DESIGN: Service.Handle is the whole request lifecycle minus HTTP framing:
//
//  1. correlation id (from context, generated if absent)
//  2. cache lookup (cacheable requests only)
//  3. forward to both backends (deduplicated when enabled)
//  4. compare (skipped when neither backend answered)
//  5. select the response returned to the caller
//  6. cache store
//  7. hand the comparison to the sinks (async, bounded, never fatal)
//
// Handle never returns an error: failures are recorded on the response.
package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kristinkand/nocturne-sub010/internal/cache"
	"github.com/kristinkand/nocturne-sub010/internal/compare"
	"github.com/kristinkand/nocturne-sub010/internal/config"
	"github.com/kristinkand/nocturne-sub010/internal/correlation"
	"github.com/kristinkand/nocturne-sub010/internal/forwarder"
	"github.com/kristinkand/nocturne-sub010/internal/models"
	"github.com/kristinkand/nocturne-sub010/internal/monitoring"
	"github.com/kristinkand/nocturne-sub010/internal/selection"
	"github.com/kristinkand/nocturne-sub010/internal/snapshot"
)

// DefaultSinkTimeout bounds each sink write.
const DefaultSinkTimeout = 5 * time.Second

// Sink receives comparison results.
type Sink interface {
	Persist(ctx context.Context, result *models.ComparisonResult) error
}

// NamedSink labels a sink for logs and metrics.
type NamedSink struct {
	Name string
	Sink Sink
}

// Dispatcher forwards a request to both backends.
type Dispatcher interface {
	Forward(ctx context.Context, req *snapshot.ClonedRequest) forwarder.Result
}

// Deps are the collaborators of a Service. Forwarder is required; nil
// optional collaborators are replaced by defaults built from the config.
type Deps struct {
	Forwarder     Dispatcher
	Comparator    *compare.Comparator
	Engine        *selection.Engine
	Cache         *cache.Cache        // nil disables caching
	Deduplicator  *cache.Deduplicator // nil disables deduplication
	Tracker       *correlation.Tracker
	Metrics       *monitoring.MetricsCollector
	Alerts        *monitoring.AlertManager
	RequestLogger *monitoring.RequestLogger
	Sinks         []NamedSink
	SinkTimeout   time.Duration
}

// Service is the compatibility proxy pipeline.
type Service struct {
	cfg         config.ProxyConfig
	forwarder   Dispatcher
	comparator  *compare.Comparator
	engine      *selection.Engine
	cache       *cache.Cache
	dedup       *cache.Deduplicator
	tracker     *correlation.Tracker
	metrics     *monitoring.MetricsCollector
	alerts      *monitoring.AlertManager
	reqLog      *monitoring.RequestLogger
	sinks       []NamedSink
	sinkTimeout time.Duration

	pending sync.WaitGroup
}

// New builds a Service.
func New(cfg config.ProxyConfig, deps Deps) (*Service, error) {
	if deps.Forwarder == nil {
		return nil, fmt.Errorf("proxy: forwarder is required")
	}
	s := &Service{
		cfg:         cfg,
		forwarder:   deps.Forwarder,
		comparator:  deps.Comparator,
		engine:      deps.Engine,
		cache:       deps.Cache,
		dedup:       deps.Deduplicator,
		tracker:     deps.Tracker,
		metrics:     deps.Metrics,
		alerts:      deps.Alerts,
		reqLog:      deps.RequestLogger,
		sinks:       deps.Sinks,
		sinkTimeout: deps.SinkTimeout,
	}

	if s.comparator == nil {
		s.comparator = compare.New(cfg.Comparison, cfg.MaxResponseSizeForComparison)
	}
	if s.engine == nil {
		engine, err := selection.NewEngine(selection.Options{
			Strategy:                cfg.DefaultStrategy,
			CompareMinorDifferences: cfg.CompareMinorDifferences,
			ABTestingPercentage:     cfg.ABTestingPercentage,
		})
		if err != nil {
			return nil, fmt.Errorf("proxy: %w", err)
		}
		s.engine = engine
	}
	if s.tracker == nil {
		s.tracker = correlation.NewTracker(cfg.EnableCorrelationTracking)
	}
	if s.metrics == nil {
		s.metrics = monitoring.NewMetricsCollector()
	}
	if s.alerts == nil {
		s.alerts = monitoring.NewAlertManager(monitoring.Nop(), monitoring.AlertConfig{})
	}
	if s.reqLog == nil {
		s.reqLog = monitoring.NewRequestLogger(monitoring.Nop())
	}
	if s.sinkTimeout <= 0 {
		s.sinkTimeout = DefaultSinkTimeout
	}
	return s, nil
}

// Metrics returns the metrics collector.
func (s *Service) Metrics() *monitoring.MetricsCollector { return s.metrics }

// Cache returns the response cache, or nil when caching is disabled.
func (s *Service) Cache() *cache.Cache { return s.cache }

// Handle processes one request. The returned response has SelectedResponse
// set whenever at least one backend answered.
func (s *Service) Handle(ctx context.Context, req *snapshot.ClonedRequest) *models.CompatibilityProxyResponse {
	start := time.Now()

	id := correlation.FromContext(ctx)
	if id == "" {
		id = s.tracker.GenerateCorrelationID()
		ctx = correlation.WithCorrelationID(ctx, id)
	}

	resp := s.serve(ctx, id, req)

	latency := time.Since(start)
	selected := resp.SelectedResponse
	s.metrics.RecordRequest(selected != nil && selected.IsSuccess, latency)
	if selected == nil {
		s.metrics.RecordGatewayFailure()
	}
	s.alerts.FlagHighLatency(id, latency, req.PathOnly())

	info := &monitoring.ResponseInfo{CorrelationID: id, Reason: resp.SelectionReason, Latency: latency}
	if selected != nil {
		info.StatusCode = selected.StatusCode
		info.Selected = selected.Target
	}
	s.reqLog.LogResponse(info)
	return resp
}

func (s *Service) serve(ctx context.Context, id string, req *snapshot.ClonedRequest) *models.CompatibilityProxyResponse {
	var key string
	if s.cfg.EnableResponseCaching && s.cache != nil && s.cache.ShouldCacheRequest(req) {
		key = cache.GenerateCacheKey(req)
		if cached, ok := s.cache.GetCachedResponse(key); ok {
			s.metrics.RecordCacheHit()
			cached.CorrelationID = id
			correlation.Logger(ctx).Debug().Str("path", req.PathOnly()).Msg("served from cache")
			return cached
		}
		s.metrics.RecordCacheMiss()
	}

	if key == "" || !s.cfg.EnableRequestDeduplication || s.dedup == nil {
		return s.process(ctx, id, key, req)
	}

	resp, shared, err := s.dedup.Do(ctx, key, func(ctx context.Context) *models.CompatibilityProxyResponse {
		return s.process(ctx, id, key, req)
	})
	if err != nil {
		return &models.CompatibilityProxyResponse{
			CorrelationID:   id,
			SelectionReason: fmt.Sprintf("request abandoned: %v", err),
		}
	}
	if shared {
		s.metrics.RecordDedupShared()
		// each caller gets its own aggregate carrying its own id
		cp := *resp
		cp.CorrelationID = id
		resp = &cp
	}
	return resp
}

// process forwards, compares, selects, caches and persists.
func (s *Service) process(ctx context.Context, id, key string, req *snapshot.ClonedRequest) *models.CompatibilityProxyResponse {
	res := s.forwarder.Forward(ctx, req)

	resp := &models.CompatibilityProxyResponse{
		CorrelationID: id,
		Nightscout:    res.Nightscout,
		Nocturne:      res.Nocturne,
	}
	for _, t := range models.Targets {
		if r := res.Response(t); r != nil && !r.Answered() {
			s.metrics.RecordTargetFailure(t)
			s.alerts.FlagTargetFailure(id, t, r.ErrorMessage)
		}
	}

	if res.Nightscout.Answered() || res.Nocturne.Answered() {
		opts := compare.Options{
			CorrelationID: id,
			RequestMethod: req.Method(),
			RequestPath:   req.PathOnly(),
		}
		if req.BodyTooLarge() {
			opts.SkipBodyReason = fmt.Sprintf("request body of %d bytes exceeds comparison limit", req.BodyLen())
		}
		resp.Comparison = s.comparator.CompareRequest(res.Nightscout, res.Nocturne, opts)
		s.observe(ctx, resp.Comparison)
	}

	s.engine.Select(resp)

	if key != "" && s.cache != nil {
		s.cache.SetCachedResponse(key, resp)
	}
	if resp.Comparison != nil && (resp.Comparison.OverallMatch != models.MatchPerfect || s.cfg.PersistAllComparisons) {
		s.dispatch(ctx, resp.Comparison)
	}
	return resp
}

func (s *Service) observe(ctx context.Context, result *models.ComparisonResult) {
	s.metrics.RecordComparison(result.OverallMatch)
	s.alerts.FlagCriticalDiscrepancy(result)

	if s.cfg.EnableDetailedLogging {
		for _, d := range result.Discrepancies {
			s.reqLog.LogDiscrepancy(result.CorrelationID, d)
		}
		correlation.Logger(ctx).Info().
			Str("match", string(result.OverallMatch)).
			Str("summary", result.Summary).
			Msg("comparison")
	}
}

// dispatch hands result to every sink without blocking the response.
func (s *Service) dispatch(ctx context.Context, result *models.ComparisonResult) {
	base := context.WithoutCancel(ctx)
	for _, ns := range s.sinks {
		s.pending.Add(1)
		go func(ns NamedSink) {
			defer s.pending.Done()
			defer func() {
				if r := recover(); r != nil {
					s.metrics.RecordSinkFailure()
					s.alerts.FlagSinkFailure(result.CorrelationID, ns.Name, fmt.Errorf("panic: %v", r))
				}
			}()

			sinkCtx, cancel := context.WithTimeout(base, s.sinkTimeout)
			defer cancel()
			if err := ns.Sink.Persist(sinkCtx, result); err != nil {
				s.metrics.RecordSinkFailure()
				s.alerts.FlagSinkFailure(result.CorrelationID, ns.Name, err)
			}
		}(ns)
	}
}

// Wait blocks until in-flight sink writes finish or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
