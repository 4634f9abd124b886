// Package correlation issues per-request correlation ids and carries them
// through context.Context.
//
// DESIGN: The id lives only in the request's context (never a global), so
// concurrent requests and every goroutine spawned from a request observe
// exactly their own id. The context also carries a zerolog child logger
// tagged with the id, retrievable with Logger(ctx).
package correlation

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prefix marks ids generated by the proxy.
const Prefix = "INT-"

// Header is the header used to propagate the id to the backends.
const Header = "X-Correlation-ID"

type (
	contextKey struct{}
	loggerKey  struct{}
)

// Tracker generates correlation ids.
type Tracker struct {
	enabled  bool
	newToken func() string
}

// NewTracker creates a tracker. A disabled tracker always returns "".
func NewTracker(enabled bool) *Tracker {
	return &Tracker{enabled: enabled, newToken: uuid.NewString}
}

// Enabled reports whether ids are generated.
func (t *Tracker) Enabled() bool { return t.enabled }

// GenerateCorrelationID returns "INT-<uuid>" or "" when tracking is disabled.
func (t *Tracker) GenerateCorrelationID() string {
	if !t.enabled {
		return ""
	}
	return Prefix + t.newToken()
}

// WithLogger returns a context whose request logger is l. Unlike
// zerolog's WithContext it also stores disabled loggers, so a silenced
// caller stays silent.
func WithLogger(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, &l)
}

// WithCorrelationID returns a context carrying id and a logger tagged with it.
// The logger derives from the one already in ctx (see Logger).
func WithCorrelationID(ctx context.Context, id string) context.Context {
	ctx = context.WithValue(ctx, contextKey{}, id)
	if id == "" {
		return ctx
	}
	return WithLogger(ctx, Logger(ctx).With().Str("correlation_id", id).Logger())
}

// FromContext returns the id stored in ctx, or "".
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}
	return ""
}

// Logger returns the request-scoped logger: the one set by WithLogger,
// else a zerolog context logger, else the global one.
func Logger(ctx context.Context) *zerolog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zerolog.Logger); ok {
		return l
	}
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}
