package client

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker(maxFailures, 100*time.Millisecond)
	cb.now = clock.now
	return cb, clock
}

func TestCircuitBreaker(t *testing.T) {
	cb, clock := newTestBreaker(3)

	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())

	cb.Failure()
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State(), "two failures keep it closed")

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	clock.advance(150 * time.Millisecond)
	assert.True(t, cb.Allow(), "probe after timeout")
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one probe in flight")

	// Failed probe reopens.
	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())

	clock.advance(150 * time.Millisecond)
	assert.True(t, cb.Allow())
	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.failures)
}

func TestCircuitBreakerDo(t *testing.T) {
	cb, _ := newTestBreaker(1)
	boom := errors.New("boom")

	assert.NoError(t, cb.Do(func() error { return nil }))
	assert.ErrorIs(t, cb.Do(func() error { return boom }), boom)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, "open", cb.State().String())
}

func TestCircuitBreakerIgnoresFilteredErrors(t *testing.T) {
	cb, _ := newTestBreaker(1)
	rejected := errors.New("rejected")
	cb.IsFailure = func(err error) bool { return !errors.Is(err, rejected) }

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Do(func() error { return rejected }), rejected)
	}
	assert.Equal(t, StateClosed, cb.State())

	assert.Error(t, cb.Do(func() error { return errors.New("down") }))
	assert.Equal(t, StateOpen, cb.State())
}
