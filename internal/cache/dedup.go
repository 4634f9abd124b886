package cache

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/kristinkand/nocturne-sub010/internal/models"
)

// Deduplicator collapses identical in-flight requests into one call.
//
// The shared call runs detached from any single caller's cancellation so
// one client going away does not fail the others; fn must bound itself
// (the forwarder applies per-endpoint timeouts). Each caller still stops
// waiting when its own context ends.
type Deduplicator struct {
	group singleflight.Group
}

// NewDeduplicator creates an empty deduplicator.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{}
}

// Do runs fn once per key among concurrent callers. shared reports whether
// the result was produced for more than one caller.
func (d *Deduplicator) Do(ctx context.Context, key string, fn func(ctx context.Context) *models.CompatibilityProxyResponse) (resp *models.CompatibilityProxyResponse, shared bool, err error) {
	detached := context.WithoutCancel(ctx)
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(detached), nil
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*models.CompatibilityProxyResponse), res.Shared, nil
	}
}
