package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kristinkand/nocturne-sub010/internal/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var testSettings = Settings{FailureThreshold: 3, RecoveryTimeout: 60 * time.Second, SuccessThreshold: 2}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := New("Nocturne", testSettings, WithClock(clock.Now))

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Allow())
		cb.RecordFailure()
		assert.Equal(t, Closed, cb.State())
	}
	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, Open, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrOpen)

	snap := cb.Snapshot()
	assert.Equal(t, 3, snap.ConsecutiveFailures)
	assert.Equal(t, clock.Now(), snap.OpenedAt)
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	cb := New("Nightscout", testSettings)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, Closed, cb.State())
}

func TestBreaker_HalfOpenAllowsExactlyOneTrial(t *testing.T) {
	clock := newFakeClock()
	cb := New("Nocturne", testSettings, WithClock(clock.Now))
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	clock.Advance(59 * time.Second)
	assert.ErrorIs(t, cb.Allow(), ErrOpen)

	clock.Advance(time.Second)
	require.NoError(t, cb.Allow())
	assert.Equal(t, HalfOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrOpen, "second concurrent trial is rejected")

	cb.RecordSuccess()
	assert.Equal(t, HalfOpen, cb.State())

	require.NoError(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, Closed, cb.State())
	assert.Equal(t, 0, cb.Snapshot().ConsecutiveFailures)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := New("Nocturne", testSettings, WithClock(clock.Now))
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	firstOpen := cb.Snapshot().OpenedAt

	clock.Advance(61 * time.Second)
	require.NoError(t, cb.Allow())
	cb.RecordFailure()

	assert.Equal(t, Open, cb.State())
	assert.True(t, cb.Snapshot().OpenedAt.After(firstOpen), "openedAt is reset")
	assert.ErrorIs(t, cb.Allow(), ErrOpen)
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	var got []string
	cb := New("Nocturne", Settings{FailureThreshold: 1, RecoveryTimeout: time.Second, SuccessThreshold: 1},
		WithClock(clock.Now),
		WithStateChange(func(name string, from, to State) {
			got = append(got, name+":"+from.String()+"->"+to.String())
		}))

	cb.RecordFailure()
	clock.Advance(time.Second)
	require.NoError(t, cb.Allow())
	cb.RecordSuccess()

	assert.Equal(t, []string{
		"Nocturne:Closed->Open",
		"Nocturne:Open->HalfOpen",
		"Nocturne:HalfOpen->Closed",
	}, got)
}

func TestBreaker_ConcurrentFailures(t *testing.T) {
	cb := New("Nightscout", Settings{FailureThreshold: 100, RecoveryTimeout: time.Hour, SuccessThreshold: 1})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb.RecordFailure()
		}()
	}
	wg.Wait()
	assert.Equal(t, Open, cb.State())
	assert.Equal(t, 100, cb.Snapshot().ConsecutiveFailures)
}

func TestRegistry_IndependentTargets(t *testing.T) {
	reg := NewRegistry(Settings{FailureThreshold: 1, RecoveryTimeout: time.Hour, SuccessThreshold: 1})

	reg.Get(models.TargetNocturne).RecordFailure()
	assert.Equal(t, Open, reg.Get(models.TargetNocturne).State())
	assert.Equal(t, Closed, reg.Get(models.TargetNightscout).State())
	assert.NoError(t, reg.Get(models.TargetNightscout).Allow())

	snaps := reg.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "Nightscout", snaps[0].Name)
	assert.Equal(t, Open, snaps[1].State)
}

func TestState_MarshalText(t *testing.T) {
	b, err := HalfOpen.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "HalfOpen", string(b))
}
