package circuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "UNKNOWN", State(999).String())
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("redis", Config{})

	assert.Equal(t, "redis", cb.Name())
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, uint32(1), cb.config.MaxRequests)
	assert.Equal(t, 60*time.Second, cb.config.Interval)
	assert.Equal(t, 10*time.Second, cb.config.Timeout)
	assert.Equal(t, uint32(5), cb.config.FailureThreshold)
	assert.NotNil(t, cb.config.ReadyToTrip)
	assert.NotNil(t, cb.config.IsSuccessful)
}

func TestCircuitBreaker_TripsOnConsecutiveFailures(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("s3", Config{FailureThreshold: 3, Timeout: time.Minute})

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return errBackend }), errBackend)
	}
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState(), "success resets the consecutive count")

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errBackend })
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpenState)
	assert.False(t, called, "function must not run while open")
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var transitions []string

	cb := NewCircuitBreaker("redis", Config{
		FailureThreshold: 1,
		Timeout:          50 * time.Millisecond,
		OnStateChange: func(_ string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(func() error { return errBackend })
	require.Equal(t, StateOpen, cb.GetState())

	time.Sleep(80 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.GetState())

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("redis", Config{FailureThreshold: 1, Timeout: 50 * time.Millisecond})

	_ = cb.Execute(func() error { return errBackend })
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.GetState())

	_ = cb.Execute(func() error { return errBackend })
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_HalfOpenTooManyRequests(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("s3", Config{FailureThreshold: 1, Timeout: 50 * time.Millisecond})
	_ = cb.Execute(func() error { return errBackend })
	time.Sleep(80 * time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cb.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	err := cb.Execute(func() error { return nil })
	close(release)
	<-done

	assert.ErrorIs(t, err, ErrTooManyRequests)
}

func TestCircuitBreaker_IsSuccessful(t *testing.T) {
	t.Parallel()

	errNotFound := errors.New("not found")
	cb := NewCircuitBreaker("s3", Config{
		FailureThreshold: 1,
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errNotFound)
		},
	})

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return errNotFound }), errNotFound)
	}
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, uint32(5), cb.Stats().Counts.TotalSuccesses)
}

func TestCircuitBreaker_ContextCancellationNotCounted(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("redis", Config{FailureThreshold: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := cb.ExecuteWithContext(ctx, func(ctx context.Context) error { return ctx.Err() })

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_StatsAndReset(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("redis", Config{FailureThreshold: 2, Timeout: time.Minute})
	_ = cb.Execute(func() error { return errBackend })
	_ = cb.Execute(func() error { return errBackend })

	stats := cb.Stats()
	assert.Equal(t, "redis", stats.Name)
	assert.Equal(t, "OPEN", stats.State)

	cb.Reset()
	stats = cb.Stats()
	assert.Equal(t, "CLOSED", stats.State)
	assert.Zero(t, stats.Counts.Requests)
	require.NoError(t, cb.Execute(func() error { return nil }))
}

func TestCircuitBreaker_CustomReadyToTrip(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("s3", Config{
		Timeout: time.Minute,
		ReadyToTrip: func(counts Counts) bool {
			return counts.TotalFailures >= 2 && counts.TotalFailures*2 >= counts.Requests
		},
	})

	require.NoError(t, cb.Execute(func() error { return nil }))
	_ = cb.Execute(func() error { return errBackend })
	assert.Equal(t, StateClosed, cb.GetState())

	_ = cb.Execute(func() error { return errBackend })
	assert.Equal(t, StateOpen, cb.GetState())

	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.ErrorIs(t, err, ErrOpenState)
}

func TestCircuitBreaker_CountsFailures(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("redis", Config{FailureThreshold: 10})
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errBackend })
	}
	require.NoError(t, cb.Execute(func() error { return nil }))

	counts := cb.Stats().Counts
	assert.Equal(t, uint32(4), counts.Requests)
	assert.Equal(t, uint32(3), counts.TotalFailures)
	assert.Equal(t, uint32(1), counts.TotalSuccesses)
	assert.Equal(t, uint32(1), counts.ConsecutiveSuccesses)
	assert.Zero(t, counts.ConsecutiveFailures)
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("redis", DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cb.Execute(func() error {
				if i%7 == 0 {
					return errBackend
				}
				return nil
			})
			_ = cb.GetState()
			_ = cb.Stats()
		}(i)
	}
	wg.Wait()
}
