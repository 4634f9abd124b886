package correlation

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCorrelationID_Enabled(t *testing.T) {
	tr := NewTracker(true)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := tr.GenerateCorrelationID()
		require.True(t, strings.HasPrefix(id, "INT-"), id)
		require.Greater(t, len(id), len("INT-"))
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestGenerateCorrelationID_Disabled(t *testing.T) {
	tr := NewTracker(false)
	assert.Equal(t, "", tr.GenerateCorrelationID())
	assert.False(t, tr.Enabled())
}

func TestFromContext_Empty(t *testing.T) {
	assert.Equal(t, "", FromContext(context.Background()))
}

func TestWithCorrelationID_ConcurrentRequestsSeeOwnID(t *testing.T) {
	tr := NewTracker(true)

	var wg sync.WaitGroup
	errs := make(chan string, 100)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := tr.GenerateCorrelationID()
			ctx := WithCorrelationID(context.Background(), id)

			// nested continuation spawned from the request
			inner := make(chan string, 1)
			go func(ctx context.Context) { inner <- FromContext(ctx) }(ctx)

			if got := <-inner; got != id {
				errs <- got + " != " + id
			}
			if got := FromContext(ctx); got != id {
				errs <- got + " != " + id
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}

func TestLogger_TagsCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	ctx := base.WithContext(context.Background())

	ctx = WithCorrelationID(ctx, "INT-test")
	Logger(ctx).Info().Msg("hello")

	assert.Contains(t, buf.String(), `"correlation_id":"INT-test"`)
}

func TestLogger_FallsBackToGlobal(t *testing.T) {
	l := Logger(context.Background())
	require.NotNil(t, l)
}

func TestWithLogger_DisabledLoggerStaysSilent(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	ctx := WithLogger(context.Background(), zerolog.Nop())
	ctx = WithCorrelationID(ctx, "INT-quiet")
	Logger(ctx).Info().Msg("hello")

	assert.Empty(t, buf.String())
	assert.Equal(t, "INT-quiet", FromContext(ctx))
}

func TestWithLogger_TagsCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), zerolog.New(&buf))
	ctx = WithCorrelationID(ctx, "INT-seeded")
	Logger(ctx).Warn().Msg("hello")

	assert.Contains(t, buf.String(), `"correlation_id":"INT-seeded"`)
}
