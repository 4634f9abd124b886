package breaker

import (
	"github.com/kristinkand/nocturne-sub010/internal/models"
)

// Registry holds one independent breaker per target.
type Registry struct {
	breakers map[models.Target]*CircuitBreaker
}

// NewRegistry creates a closed breaker for each target.
func NewRegistry(settings Settings, opts ...Option) *Registry {
	r := &Registry{breakers: make(map[models.Target]*CircuitBreaker, len(models.Targets))}
	for _, t := range models.Targets {
		r.breakers[t] = New(string(t), settings, opts...)
	}
	return r
}

// Get returns the breaker for a target.
func (r *Registry) Get(t models.Target) *CircuitBreaker {
	return r.breakers[t]
}

// Snapshots returns the state of every breaker in dispatch order.
func (r *Registry) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(models.Targets))
	for _, t := range models.Targets {
		out = append(out, r.breakers[t].Snapshot())
	}
	return out
}
