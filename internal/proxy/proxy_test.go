package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kristinkand/nocturne-sub010/internal/cache"
	"github.com/kristinkand/nocturne-sub010/internal/config"
	"github.com/kristinkand/nocturne-sub010/internal/correlation"
	"github.com/kristinkand/nocturne-sub010/internal/forwarder"
	"github.com/kristinkand/nocturne-sub010/internal/models"
	"github.com/kristinkand/nocturne-sub010/internal/snapshot"
)

// stubDispatcher answers from fixed bodies and counts calls.
type stubDispatcher struct {
	calls   atomic.Int32
	gate    chan struct{} // when set, Forward waits for it to close
	nsBody  string
	nocBody string
	nsFail  bool
}

func (d *stubDispatcher) Forward(ctx context.Context, _ *snapshot.ClonedRequest) forwarder.Result {
	d.calls.Add(1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
		}
	}
	res := forwarder.Result{
		Nightscout: answer(models.TargetNightscout, d.nsBody, 40),
		Nocturne:   answer(models.TargetNocturne, d.nocBody, 20),
	}
	if d.nsFail {
		res.Nightscout = &models.TargetResponse{Target: models.TargetNightscout, ErrorMessage: "request to nightscout failed: refused"}
	}
	return res
}

func answer(t models.Target, body string, ms int64) *models.TargetResponse {
	return &models.TargetResponse{
		Target:         t,
		StatusCode:     http.StatusOK,
		IsSuccess:      true,
		Body:           []byte(body),
		ContentType:    "application/json",
		ResponseTimeMs: ms,
	}
}

type sinkFunc func(ctx context.Context, r *models.ComparisonResult) error

func (f sinkFunc) Persist(ctx context.Context, r *models.ComparisonResult) error { return f(ctx, r) }

// recordingSink keeps every persisted result.
type recordingSink struct {
	mu      sync.Mutex
	results []*models.ComparisonResult
}

func (s *recordingSink) Persist(_ context.Context, r *models.ComparisonResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func newService(t *testing.T, cfg config.ProxyConfig, deps Deps) *Service {
	t.Helper()
	s, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Wait(ctx)
	})
	return s
}

func get(path string) *snapshot.ClonedRequest {
	return snapshot.New(http.MethodGet, path, http.Header{"Accept": {"application/json"}}, nil)
}

func TestNew_RequiresForwarder(t *testing.T) {
	_, err := New(config.DefaultProxyConfig(), Deps{})
	assert.Error(t, err)
}

func TestNew_RejectsUnknownStrategy(t *testing.T) {
	cfg := config.DefaultProxyConfig()
	cfg.DefaultStrategy = "random"
	_, err := New(cfg, Deps{Forwarder: &stubDispatcher{}})
	assert.Error(t, err)
}

func TestHandle_EndToEnd(t *testing.T) {
	var nsSeen, nocSeen atomic.Value
	ns := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nsSeen.Store(r.Header.Get(correlation.Header))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"sgv":120,"direction":"Flat"}]`))
	}))
	defer ns.Close()
	noc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nocSeen.Store(r.Header.Get(correlation.Header))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"sgv":121,"direction":"Flat"}]`))
	}))
	defer noc.Close()

	cfg := config.DefaultProxyConfig()
	cfg.NightscoutURL = ns.URL
	cfg.NocturneURL = noc.URL
	fwd, err := forwarder.New(cfg, nil, nil)
	require.NoError(t, err)

	sink := &recordingSink{}
	s := newService(t, cfg, Deps{Forwarder: fwd, Sinks: []NamedSink{{Name: "rec", Sink: sink}}})

	resp := s.Handle(context.Background(), get("/api/v1/entries"))

	require.NotNil(t, resp.SelectedResponse)
	assert.Equal(t, models.TargetNightscout, resp.SelectedResponse.Target)
	assert.NotEmpty(t, resp.CorrelationID)
	assert.Equal(t, resp.CorrelationID, nsSeen.Load())
	assert.Equal(t, resp.CorrelationID, nocSeen.Load())

	require.NotNil(t, resp.Comparison)
	assert.Equal(t, models.MatchMinorDifferences, resp.Comparison.OverallMatch)
	assert.Equal(t, "/api/v1/entries", resp.Comparison.RequestPath)

	require.NoError(t, s.Wait(context.Background()))
	assert.Equal(t, 1, sink.len())
	assert.Equal(t, int64(1), s.Metrics().Stats()["requests"])
}

func TestHandle_UsesContextCorrelationID(t *testing.T) {
	s := newService(t, config.DefaultProxyConfig(), Deps{Forwarder: &stubDispatcher{nsBody: `{}`, nocBody: `{}`}})

	ctx := correlation.WithCorrelationID(context.Background(), "abc-123")
	resp := s.Handle(ctx, get("/api/v1/status"))

	assert.Equal(t, "abc-123", resp.CorrelationID)
	assert.Equal(t, "abc-123", resp.Comparison.CorrelationID)
}

func TestHandle_PerfectNotPersistedByDefault(t *testing.T) {
	sink := &recordingSink{}
	s := newService(t, config.DefaultProxyConfig(), Deps{
		Forwarder: &stubDispatcher{nsBody: `{"a":1}`, nocBody: `{"a":1}`},
		Sinks:     []NamedSink{{Name: "rec", Sink: sink}},
	})

	resp := s.Handle(context.Background(), get("/api/v1/status"))
	require.NoError(t, s.Wait(context.Background()))

	assert.Equal(t, models.MatchPerfect, resp.Comparison.OverallMatch)
	assert.Zero(t, sink.len())
}

func TestHandle_PersistAllComparisons(t *testing.T) {
	cfg := config.DefaultProxyConfig()
	cfg.PersistAllComparisons = true
	sink := &recordingSink{}
	s := newService(t, cfg, Deps{
		Forwarder: &stubDispatcher{nsBody: `{"a":1}`, nocBody: `{"a":1}`},
		Sinks:     []NamedSink{{Name: "rec", Sink: sink}},
	})

	s.Handle(context.Background(), get("/api/v1/status"))
	require.NoError(t, s.Wait(context.Background()))

	assert.Equal(t, 1, sink.len())
}

func TestHandle_SinkFailureDoesNotPropagate(t *testing.T) {
	failing := sinkFunc(func(context.Context, *models.ComparisonResult) error {
		return errors.New("disk full")
	})
	panicking := sinkFunc(func(context.Context, *models.ComparisonResult) error {
		panic("boom")
	})
	rec := &recordingSink{}
	s := newService(t, config.DefaultProxyConfig(), Deps{
		Forwarder: &stubDispatcher{nsBody: `{"a":1}`, nocBody: `{"a":2}`},
		Sinks: []NamedSink{
			{Name: "failing", Sink: failing},
			{Name: "panicking", Sink: panicking},
			{Name: "rec", Sink: rec},
		},
	})

	resp := s.Handle(context.Background(), get("/api/v1/status"))
	require.NoError(t, s.Wait(context.Background()))

	require.NotNil(t, resp.SelectedResponse)
	assert.Equal(t, 1, rec.len())
	assert.Equal(t, int64(2), s.Metrics().Stats()["sink_failures"])
}

func TestHandle_SinkGetsBoundedDetachedContext(t *testing.T) {
	deadlines := make(chan bool, 1)
	sink := sinkFunc(func(ctx context.Context, _ *models.ComparisonResult) error {
		_, ok := ctx.Deadline()
		deadlines <- ok && ctx.Err() == nil
		return nil
	})
	s := newService(t, config.DefaultProxyConfig(), Deps{
		Forwarder:   &stubDispatcher{nsBody: `{"a":1}`, nocBody: `{"a":2}`},
		Sinks:       []NamedSink{{Name: "check", Sink: sink}},
		SinkTimeout: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Handle(ctx, get("/api/v1/status"))
	cancel()

	require.NoError(t, s.Wait(context.Background()))
	assert.True(t, <-deadlines)
}

func TestHandle_OneBackendDown(t *testing.T) {
	s := newService(t, config.DefaultProxyConfig(), Deps{
		Forwarder: &stubDispatcher{nsFail: true, nocBody: `{"a":1}`},
	})

	resp := s.Handle(context.Background(), get("/api/v1/status"))

	require.NotNil(t, resp.SelectedResponse)
	assert.Equal(t, models.TargetNocturne, resp.SelectedResponse.Target)
	assert.Equal(t, models.MatchNightscoutMissing, resp.Comparison.OverallMatch)
	assert.Equal(t, int64(1), s.Metrics().Stats()["nightscout_failures"])
}

func TestHandle_CacheHitSkipsBackends(t *testing.T) {
	cfg := config.DefaultProxyConfig()
	cfg.EnableResponseCaching = true
	c := cache.New(cache.Config{TTL: time.Minute})
	defer c.Close()
	d := &stubDispatcher{nsBody: `{"a":1}`, nocBody: `{"a":1}`}
	s := newService(t, cfg, Deps{Forwarder: d, Cache: c})

	first := s.Handle(context.Background(), get("/api/v1/entries"))
	second := s.Handle(context.Background(), get("/api/v1/entries"))

	assert.Equal(t, int32(1), d.calls.Load())
	assert.False(t, first.FromCache)
	assert.True(t, second.FromCache)
	assert.NotEqual(t, first.CorrelationID, second.CorrelationID)
	require.NotNil(t, second.SelectedResponse)
	assert.Equal(t, `{"a":1}`, string(second.SelectedResponse.Body))

	stats := s.Metrics().Stats()
	assert.Equal(t, int64(1), stats["cache_hits"])
	assert.Equal(t, int64(1), stats["cache_misses"])
}

func TestHandle_CacheDisabledByConfig(t *testing.T) {
	c := cache.New(cache.Config{TTL: time.Minute})
	defer c.Close()
	d := &stubDispatcher{nsBody: `{}`, nocBody: `{}`}
	s := newService(t, config.DefaultProxyConfig(), Deps{Forwarder: d, Cache: c})

	s.Handle(context.Background(), get("/api/v1/entries"))
	s.Handle(context.Background(), get("/api/v1/entries"))

	assert.Equal(t, int32(2), d.calls.Load())
}

func TestHandle_PostIsNeverCached(t *testing.T) {
	cfg := config.DefaultProxyConfig()
	cfg.EnableResponseCaching = true
	c := cache.New(cache.Config{TTL: time.Minute})
	defer c.Close()
	d := &stubDispatcher{nsBody: `{}`, nocBody: `{}`}
	s := newService(t, cfg, Deps{Forwarder: d, Cache: c})

	post := func() *snapshot.ClonedRequest {
		return snapshot.New(http.MethodPost, "/api/v1/treatments", nil, []byte(`{"insulin":1}`))
	}
	s.Handle(context.Background(), post())
	s.Handle(context.Background(), post())

	assert.Equal(t, int32(2), d.calls.Load())
}

func TestHandle_DeduplicatesConcurrentRequests(t *testing.T) {
	cfg := config.DefaultProxyConfig()
	cfg.EnableResponseCaching = true
	cfg.EnableRequestDeduplication = true
	c := cache.New(cache.Config{TTL: time.Minute})
	defer c.Close()
	d := &stubDispatcher{nsBody: `{"a":1}`, nocBody: `{"a":1}`, gate: make(chan struct{})}
	s := newService(t, cfg, Deps{Forwarder: d, Cache: c, Deduplicator: cache.NewDeduplicator()})

	const n = 10
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := s.Handle(context.Background(), get("/api/v1/entries"))
			require.NotNil(t, resp.SelectedResponse)
			ids[i] = resp.CorrelationID
		}(i)
	}

	require.Eventually(t, func() bool { return d.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(d.gate)
	wg.Wait()

	assert.Equal(t, int32(1), d.calls.Load())
	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, n, "each caller keeps its own correlation id")
	assert.Equal(t, int64(n), s.Metrics().Stats()["dedup_shared"])
}

func TestHandle_DetailedLoggingStillSelects(t *testing.T) {
	cfg := config.DefaultProxyConfig()
	cfg.EnableDetailedLogging = true
	s := newService(t, cfg, Deps{Forwarder: &stubDispatcher{nsBody: `{"a":1}`, nocBody: `{"a":2}`}})

	resp := s.Handle(context.Background(), get("/api/v1/status"))
	require.NotNil(t, resp.SelectedResponse)
	assert.NotEmpty(t, resp.Comparison.Discrepancies)
}
