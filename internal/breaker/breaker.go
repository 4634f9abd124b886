// Package breaker implements a per-target circuit breaker.
//
// DESIGN: Each breaker is an explicit finite-state object guarded by its own
// mutex. Two requests may finish against the same target at the same time,
// so every counter update and transition happens under the lock.
//
//	Closed   --FailureThreshold consecutive failures-->  Open
//	Open     --RecoveryTimeout elapsed-->                HalfOpen
//	HalfOpen --SuccessThreshold consecutive successes--> Closed
//	HalfOpen --any failure-->                            Open (openedAt reset)
//
// HalfOpen admits one trial call at a time.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrOpen is returned by Allow when the breaker rejects a call.
var ErrOpen = errors.New("circuit breaker open")

// State of a circuit breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "HalfOpen"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Settings configures a breaker.
type Settings struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// Snapshot is a point-in-time copy of the breaker state.
type Snapshot struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutiveFailures"`
	ConsecutiveSuccesses int       `json:"consecutiveSuccesses"`
	OpenedAt             time.Time `json:"openedAt,omitempty"`
}

// StateChangeFunc is called after every transition, outside the lock.
type StateChangeFunc func(name string, from, to State)

// CircuitBreaker guards calls to one target.
type CircuitBreaker struct {
	name     string
	settings Settings
	now      func() time.Time
	onChange StateChangeFunc

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	openedAt      time.Time
	trialInFlight bool
}

// Option customises a breaker.
type Option func(*CircuitBreaker)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithStateChange registers a transition callback.
func WithStateChange(fn StateChangeFunc) Option {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// New creates a closed breaker. Thresholds below 1 are treated as 1.
func New(name string, settings Settings, opts ...Option) *CircuitBreaker {
	if settings.FailureThreshold < 1 {
		settings.FailureThreshold = 1
	}
	if settings.SuccessThreshold < 1 {
		settings.SuccessThreshold = 1
	}
	cb := &CircuitBreaker{
		name:     name,
		settings: settings,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Allow reports whether a call may proceed. It returns ErrOpen while the
// breaker is open, or while a half-open trial is already in flight.
// A nil return obliges the caller to report the outcome with RecordSuccess
// or RecordFailure.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	var transition func()
	defer func() {
		cb.mu.Unlock()
		if transition != nil {
			transition()
		}
	}()

	switch cb.state {
	case Closed:
		return nil
	case Open:
		if cb.now().Sub(cb.openedAt) < cb.settings.RecoveryTimeout {
			return ErrOpen
		}
		transition = cb.setState(HalfOpen)
		cb.trialInFlight = true
		return nil
	default:
		if cb.trialInFlight {
			return ErrOpen
		}
		cb.trialInFlight = true
		return nil
	}
}

// RecordSuccess reports a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var transition func()

	switch cb.state {
	case Closed:
		cb.failures = 0
	case HalfOpen:
		cb.trialInFlight = false
		cb.successes++
		if cb.successes >= cb.settings.SuccessThreshold {
			transition = cb.setState(Closed)
		}
	}

	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
}

// RecordFailure reports a failed call (transport error, timeout or 5xx).
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	var transition func()

	switch cb.state {
	case Closed:
		cb.failures++
		if cb.failures >= cb.settings.FailureThreshold {
			transition = cb.setState(Open)
		}
	case HalfOpen:
		cb.trialInFlight = false
		cb.failures++
		transition = cb.setState(Open)
	case Open:
		cb.failures++
	}

	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
}

// Release gives back an admitted call without counting an outcome, e.g.
// when the caller went away before the target answered.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	if cb.state == HalfOpen {
		cb.trialInFlight = false
	}
	cb.mu.Unlock()
}

// State returns the current state without advancing it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns a copy of the breaker state.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:                 cb.name,
		State:                cb.state,
		ConsecutiveFailures:  cb.failures,
		ConsecutiveSuccesses: cb.successes,
		OpenedAt:             cb.openedAt,
	}
}

// setState must be called with mu held. It returns the deferred
// notification to run after unlocking.
func (cb *CircuitBreaker) setState(to State) func() {
	from := cb.state
	cb.state = to
	switch to {
	case Open:
		cb.openedAt = cb.now()
		cb.successes = 0
	case HalfOpen:
		cb.successes = 0
	case Closed:
		cb.failures = 0
		cb.successes = 0
		cb.openedAt = time.Time{}
	}

	name, onChange := cb.name, cb.onChange
	return func() {
		log.Info().
			Str("target", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("circuit breaker state change")
		if onChange != nil {
			onChange(name, from, to)
		}
	}
}
