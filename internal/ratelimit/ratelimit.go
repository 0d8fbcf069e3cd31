// Package ratelimit enforces the gateway's fixed-window send budget.
//
// Windows are derived from the wall clock (floor(now / window)), not rolling.
// One Limiter is shared by every send path: immediate, delayed and retried.
package ratelimit

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/BTreeMap/wadispatch/internal/clock"
)

// trackedWindows bounds the counter cache; only the current window is ever
// consulted, older ones age out by LRU eviction.
const trackedWindows = 8

// ErrInvalidBudget is returned when the budget or window is not positive.
var ErrInvalidBudget = errors.New("rate limit budget and window must be positive")

// Limiter counts sends per fixed window and refuses once the budget is spent.
type Limiter struct {
	mu     sync.Mutex
	counts *lru.Cache[int64, int]
	budget int
	window time.Duration
	clock  clock.Clock
	warn   rate.Sometimes
}

// New creates a Limiter allowing budget sends per window.
func New(budget int, window time.Duration, c clock.Clock) (*Limiter, error) {
	if budget <= 0 || window <= 0 {
		return nil, fmt.Errorf("%w: budget=%d window=%s", ErrInvalidBudget, budget, window)
	}
	counts, err := lru.New[int64, int](trackedWindows)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate window cache: %w", err)
	}
	slog.Debug("ratelimit.New: limiter created", "budget", budget, "window", window)
	return &Limiter{
		counts: counts,
		budget: budget,
		window: window,
		clock:  clock.OrReal(c),
		warn:   rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}, nil
}

func (l *Limiter) windowOf(t time.Time) int64 {
	return t.UnixNano() / int64(l.window)
}

// TryAcquire takes one unit of the current window's budget. It returns false,
// without changing any counter, when the budget is already spent.
func (l *Limiter) TryAcquire() bool {
	now := l.clock.Now()
	idx := l.windowOf(now)

	l.mu.Lock()
	n, _ := l.counts.Get(idx)
	if n >= l.budget {
		l.mu.Unlock()
		l.warn.Do(func() {
			slog.Warn("Limiter.TryAcquire: budget exhausted for window", "budget", l.budget, "window", l.window, "resetAt", l.resetAt(now))
		})
		return false
	}
	l.counts.Add(idx, n+1)
	l.mu.Unlock()
	return true
}

// Remaining returns the unused budget in the current window.
func (l *Limiter) Remaining() int {
	idx := l.windowOf(l.clock.Now())
	l.mu.Lock()
	n, _ := l.counts.Peek(idx)
	l.mu.Unlock()
	return l.budget - n
}

// Budget returns the maximum sends per window.
func (l *Limiter) Budget() int { return l.budget }

// Window returns the window size.
func (l *Limiter) Window() time.Duration { return l.window }

// ResetAt returns when the current window ends.
func (l *Limiter) ResetAt() time.Time {
	return l.resetAt(l.clock.Now())
}

func (l *Limiter) resetAt(now time.Time) time.Time {
	return time.Unix(0, (l.windowOf(now)+1)*int64(l.window))
}
