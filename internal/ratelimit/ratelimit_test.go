package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/wadispatch/internal/clock"
)

func TestNewRejectsInvalidBudget(t *testing.T) {
	_, err := New(0, time.Minute, nil)
	assert.ErrorIs(t, err, ErrInvalidBudget)

	_, err = New(3, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidBudget)
}

func TestTryAcquireFixedWindow(t *testing.T) {
	c := clock.NewFake(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	l, err := New(3, time.Minute, c)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.True(t, l.TryAcquire(), "acquire %d", i)
	}
	assert.False(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())
	assert.Equal(t, 0, l.Remaining(), "refused acquires must not count")

	c.Advance(59 * time.Second)
	assert.False(t, l.TryAcquire(), "still inside the same fixed window")

	c.Advance(time.Second)
	assert.Equal(t, 3, l.Remaining())
	assert.True(t, l.TryAcquire())
	assert.Equal(t, 2, l.Remaining())
}

func TestResetAt(t *testing.T) {
	c := clock.NewFake(time.Date(2026, 5, 1, 12, 0, 42, 0, time.UTC))
	l, err := New(1, time.Minute, c)
	require.NoError(t, err)

	assert.True(t, l.ResetAt().Equal(time.Date(2026, 5, 1, 12, 1, 0, 0, time.UTC)))
	assert.Equal(t, 1, l.Budget())
	assert.Equal(t, time.Minute, l.Window())
}

func TestTryAcquireConcurrentNeverExceedsBudget(t *testing.T) {
	c := clock.NewFake(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	l, err := New(5, time.Minute, c)
	require.NoError(t, err)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquire() {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), granted.Load())
}
