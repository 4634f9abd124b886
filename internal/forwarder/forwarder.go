// Package forwarder dispatches one snapshotted request to both backends.
//
// DESIGN: Both calls run concurrently in an errgroup and are joined before
// Forward returns. Each call gets its own deadline from TimeoutForEndpoint,
// derived from the inbound context so client cancellation stops both.
// Calls never return errors: transport failures, timeouts and open breakers
// all become a TargetResponse with IsSuccess=false and a filtered message.
//
// FLOW (per target):
//  1. Breaker.Allow()       - open breaker synthesizes a failed response
//  2. send with retries      - transport errors only, idempotent methods only
//  3. Breaker.Record*()      - 5xx and transport errors count as failures
package forwarder

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kristinkand/nocturne-sub010/internal/breaker"
	"github.com/kristinkand/nocturne-sub010/internal/config"
	"github.com/kristinkand/nocturne-sub010/internal/correlation"
	"github.com/kristinkand/nocturne-sub010/internal/models"
	"github.com/kristinkand/nocturne-sub010/internal/monitoring"
	"github.com/kristinkand/nocturne-sub010/internal/snapshot"
)

// DefaultMaxResponseBytes caps buffered backend bodies when unset.
const DefaultMaxResponseBytes = 50 << 20

// retryBackoff is the pause before each retry, multiplied by the attempt.
const retryBackoff = 100 * time.Millisecond

// Doer sends an HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Result pairs the two backend responses. Both are always set after Forward.
type Result struct {
	Nightscout *models.TargetResponse
	Nocturne   *models.TargetResponse
}

// Response returns the response of the given backend.
func (r Result) Response(t models.Target) *models.TargetResponse {
	if t == models.TargetNightscout {
		return r.Nightscout
	}
	return r.Nocturne
}

// Forwarder sends requests to Nightscout and Nocturne.
type Forwarder struct {
	client           Doer
	bases            map[models.Target]string
	globalTimeout    time.Duration
	endpointTimeouts config.EndpointTimeouts
	retryAttempts    int
	maxResponseBytes int64
	breakers         *breaker.Registry
	redactor         *Redactor
	requestLogger    *monitoring.RequestLogger
	now              func() time.Time
}

// Option customises a Forwarder.
type Option func(*Forwarder)

// WithMaxResponseBytes caps buffered backend bodies.
func WithMaxResponseBytes(n int64) Option {
	return func(f *Forwarder) {
		if n > 0 {
			f.maxResponseBytes = n
		}
	}
}

// WithRequestLogger logs each outbound call.
func WithRequestLogger(rl *monitoring.RequestLogger) Option {
	return func(f *Forwarder) { f.requestLogger = rl }
}

// WithClock injects the time source used for latency.
func WithClock(now func() time.Time) Option {
	return func(f *Forwarder) { f.now = now }
}

// New creates a Forwarder for the configured backends.
func New(cfg config.ProxyConfig, client Doer, breakers *breaker.Registry, opts ...Option) (*Forwarder, error) {
	bases := make(map[models.Target]string, 2)
	for t, raw := range map[models.Target]string{
		models.TargetNightscout: cfg.NightscoutURL,
		models.TargetNocturne:   cfg.NocturneURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid %s base URL %q", t, raw)
		}
		bases[t] = strings.TrimRight(u.String(), "/")
	}
	if client == nil {
		client = &http.Client{} // timeout via context, not client
	}
	if breakers == nil {
		breakers = breaker.NewRegistry(breaker.Settings{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeout(),
			SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		})
	}

	f := &Forwarder{
		client:           client,
		bases:            bases,
		globalTimeout:    cfg.GlobalTimeout(),
		endpointTimeouts: cfg.EndpointTimeouts,
		retryAttempts:    cfg.RetryAttempts,
		maxResponseBytes: DefaultMaxResponseBytes,
		breakers:         breakers,
		redactor:         NewRedactor(cfg.SensitiveFields),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Breakers returns the per-target breaker registry.
func (f *Forwarder) Breakers() *breaker.Registry { return f.breakers }

// Redactor returns the error message filter.
func (f *Forwarder) Redactor() *Redactor { return f.redactor }

// TimeoutForEndpoint returns the timeout of the first configured fragment
// contained in path, or the global timeout.
func (f *Forwarder) TimeoutForEndpoint(path string) time.Duration {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if d, ok := f.endpointTimeouts.Lookup(path); ok {
		return d
	}
	return f.globalTimeout
}

// Forward sends req to both backends concurrently and waits for both.
func (f *Forwarder) Forward(ctx context.Context, req *snapshot.ClonedRequest) Result {
	timeout := f.TimeoutForEndpoint(req.PathOnly())

	var res Result
	var g errgroup.Group
	g.Go(func() error {
		res.Nightscout = f.call(ctx, models.TargetNightscout, req, timeout)
		return nil
	})
	g.Go(func() error {
		res.Nocturne = f.call(ctx, models.TargetNocturne, req, timeout)
		return nil
	})
	_ = g.Wait()
	return res
}

// call performs one gated, timed, retried backend call.
func (f *Forwarder) call(ctx context.Context, target models.Target, req *snapshot.ClonedRequest, timeout time.Duration) *models.TargetResponse {
	cb := f.breakers.Get(target)
	if err := cb.Allow(); err != nil {
		resp := &models.TargetResponse{
			Target:       target,
			ErrorMessage: fmt.Sprintf("circuit breaker open for %s", target),
		}
		f.logDone(ctx, resp)
		return resp
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := f.now()
	var resp *models.TargetResponse
	var err error
	for attempt := 1; ; attempt++ {
		resp, err = f.send(callCtx, target, req, timeout, attempt)
		if err == nil || attempt > f.retryAttempts || !idempotent(req.Method()) || callCtx.Err() != nil {
			break
		}
		select {
		case <-callCtx.Done():
		case <-time.After(retryBackoff * time.Duration(attempt)):
		}
		if callCtx.Err() != nil {
			break
		}
	}
	elapsed := f.now().Sub(start).Milliseconds()

	switch {
	case err != nil && ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded):
		// inbound request went away; the target is not to blame
		cb.Release()
		resp = f.failure(target, fmt.Sprintf("request to %s canceled", target), elapsed)
	case err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		cb.RecordFailure()
		resp = f.failure(target, fmt.Sprintf("request to %s timed out after %s", target, timeout), elapsed)
	case err != nil:
		cb.RecordFailure()
		resp = f.failure(target, fmt.Sprintf("request to %s failed: %v", target, err), elapsed)
	case resp.StatusCode >= 500:
		cb.RecordFailure()
	default:
		cb.RecordSuccess()
	}
	if err == nil {
		resp.ResponseTimeMs = elapsed
	}

	f.logDone(ctx, resp)
	return resp
}

func (f *Forwarder) failure(target models.Target, msg string, elapsed int64) *models.TargetResponse {
	return &models.TargetResponse{
		Target:         target,
		ResponseTimeMs: elapsed,
		ErrorMessage:   f.redactor.FilterSensitiveErrorMessage(msg),
	}
}

// send performs a single attempt.
func (f *Forwarder) send(ctx context.Context, target models.Target, req *snapshot.ClonedRequest, timeout time.Duration, attempt int) (*models.TargetResponse, error) {
	targetURL := f.bases[target] + req.Path()
	correlationID := correlation.FromContext(ctx)

	if f.requestLogger != nil {
		f.requestLogger.LogOutgoing(&monitoring.OutgoingRequestInfo{
			CorrelationID: correlationID,
			Target:        target,
			URL:           targetURL,
			Method:        req.Method(),
			Timeout:       timeout,
			Attempt:       attempt,
		})
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method(), targetURL, req.Body())
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header = req.Headers()
	// The transport negotiates compression itself and returns decoded bodies.
	httpReq.Header.Del("Accept-Encoding")
	if correlationID != "" {
		httpReq.Header.Set(correlation.Header, correlationID)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > f.maxResponseBytes {
		return nil, fmt.Errorf("response body exceeds %d bytes", f.maxResponseBytes)
	}

	headers := resp.Header.Clone()
	snapshot.StripHopHeaders(headers)
	if body, err = f.decode(body, headers); err != nil {
		return nil, err
	}
	if len(body) == 0 {
		body = nil
	}

	return &models.TargetResponse{
		Target:      target,
		StatusCode:  resp.StatusCode,
		IsSuccess:   resp.StatusCode >= 200 && resp.StatusCode < 300,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Headers:     headers,
	}, nil
}

// decode inflates a gzip body the backend sent unasked and drops the
// encoding headers so the body is compared and relayed as plain bytes.
func (f *Forwarder) decode(body []byte, headers http.Header) ([]byte, error) {
	if len(body) == 0 || !strings.EqualFold(strings.TrimSpace(headers.Get("Content-Encoding")), "gzip") {
		return body, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to decode gzip response: %w", err)
	}
	defer zr.Close()

	plain, err := io.ReadAll(io.LimitReader(zr, f.maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to decode gzip response: %w", err)
	}
	if int64(len(plain)) > f.maxResponseBytes {
		return nil, fmt.Errorf("response body exceeds %d bytes", f.maxResponseBytes)
	}
	headers.Del("Content-Encoding")
	headers.Del("Content-Length")
	return plain, nil
}

func (f *Forwarder) logDone(ctx context.Context, resp *models.TargetResponse) {
	if f.requestLogger != nil {
		f.requestLogger.LogTargetDone(correlation.FromContext(ctx), resp)
	}
	if resp.ErrorMessage != "" {
		correlation.Logger(ctx).Warn().
			Str("target", string(resp.Target)).
			Str("error", resp.ErrorMessage).
			Msg("backend call failed")
	}
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete, http.MethodTrace:
		return true
	}
	return false
}
