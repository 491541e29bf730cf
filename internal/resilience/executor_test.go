package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"escrow-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastSettings() Settings {
	return Settings{
		FailureThreshold: 3,
		OpenDuration:     50 * time.Millisecond,
		MaxRetries:       1,
		RetryDelay:       time.Millisecond,
		CallTimeout:      time.Second,
	}
}

func failingOp(calls *int32) Operation {
	return func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(calls, 1)
		return nil, errors.New("boom")
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	e := NewExecutor(fastSettings())
	ctx := context.Background()

	var calls int32
	op := failingOp(&calls)

	for i := 0; i < 3; i++ {
		_, err := e.Execute(ctx, "svc", op)
		var extErr *models.ExternalServiceError
		require.ErrorAs(t, err, &extErr)
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	// Breaker is open: the call short-circuits without invoking the op.
	_, err := e.Execute(ctx, "svc", op)
	assert.ErrorIs(t, err, models.ErrServiceUnavailable)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHalfOpenProbe(t *testing.T) {
	e := NewExecutor(fastSettings())
	ctx := context.Background()

	var calls int32
	op := failingOp(&calls)
	for i := 0; i < 3; i++ {
		e.Execute(ctx, "svc", op)
	}

	time.Sleep(60 * time.Millisecond)

	// First call after the open window is the single probe; it fails and
	// reopens the breaker.
	_, err := e.Execute(ctx, "svc", op)
	var extErr *models.ExternalServiceError
	require.ErrorAs(t, err, &extErr)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))

	// The window restarted: immediate calls short-circuit again.
	_, err = e.Execute(ctx, "svc", op)
	assert.ErrorIs(t, err, models.ErrServiceUnavailable)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))

	time.Sleep(60 * time.Millisecond)

	// A successful probe closes the breaker.
	result, err := e.Execute(ctx, "svc", func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	result, err = e.Execute(ctx, "svc", func(ctx context.Context) (interface{}, error) {
		return "still ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "still ok", result)
}

func TestRetrySuccessResetsFailureCount(t *testing.T) {
	settings := fastSettings()
	settings.MaxRetries = 3
	e := NewExecutor(settings)
	ctx := context.Background()

	// Fails twice, then succeeds on the third attempt inside one Execute.
	var calls int32
	result, err := e.Execute(ctx, "svc", func(ctx context.Context) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("transient")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)

	// The eventual success reset the counter: it takes a full threshold of
	// fresh failures to open the breaker.
	state := e.BreakerSnapshot()
	require.Len(t, state, 1)
	assert.False(t, state[0].Open)
	assert.Equal(t, 0, state[0].Failures)
}

func TestExecuteWithFallback(t *testing.T) {
	e := NewExecutor(fastSettings())
	ctx := context.Background()

	var calls int32
	op := failingOp(&calls)
	for i := 0; i < 3; i++ {
		e.Execute(ctx, "svc", op)
	}

	// Breaker open: the fallback answers without invoking the op.
	result, err := e.ExecuteWithFallback(ctx, "svc", op, func(ctx context.Context) (interface{}, error) {
		return "cached", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "cached", result)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestProbeFeedsHealthSnapshot(t *testing.T) {
	e := NewExecutor(fastSettings())
	ctx := context.Background()

	e.Probe(ctx, "svc-a", func(ctx context.Context) error { return nil })
	e.Probe(ctx, "svc-b", func(ctx context.Context) error { return errors.New("down") })

	snapshot := e.HealthSnapshot()
	require.Len(t, snapshot, 2)

	byName := make(map[string]HealthStatus)
	for _, st := range snapshot {
		byName[st.Service] = st
	}
	assert.True(t, byName["svc-a"].Healthy)
	assert.False(t, byName["svc-b"].Healthy)
}
