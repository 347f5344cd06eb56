package fetch

import (
	"context"
	"sync"
	"time"
)

// Gate is an adaptive concurrency window over page requests. Throttle
// responses halve the window (multiplicative decrease, floored at min);
// sustained success widens it one slot at a time back toward max. A cooldown
// after each shrink keeps a burst of 429s from collapsing the window to the
// floor in one sweep.
type Gate struct {
	mu      sync.Mutex
	cond    *sync.Cond
	window  int
	current int
	min     int
	max     int

	cooldown   time.Duration
	lastShrink time.Time
	streak     int // consecutive successes since last throttle

	// successes required per additive increase
	growEvery int

	now func() time.Time // test hook
}

// NewGate creates a gate starting at the max window.
func NewGate(min, max int, cooldown time.Duration) *Gate {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	g := &Gate{
		window:    max,
		min:       min,
		max:       max,
		cooldown:  cooldown,
		growEvery: 20,
		now:       time.Now,
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Acquire blocks until a slot is free or ctx is done. Returns false on
// cancellation.
func (g *Gate) Acquire(ctx context.Context) bool {
	// wake waiters when the context dies; Wait alone cannot observe it
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()
	for g.current >= g.window {
		if ctx.Err() != nil {
			return false
		}
		g.cond.Wait()
	}
	g.current++
	return true
}

// Release frees a slot.
func (g *Gate) Release() {
	g.mu.Lock()
	if g.current > 0 {
		g.current--
	}
	g.cond.Broadcast()
	g.mu.Unlock()
}

// OnThrottle halves the window in response to an upstream rate limit.
// Shrinks inside the cooldown window are ignored so one upstream episode
// costs a single halving.
func (g *Gate) OnThrottle() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.streak = 0
	now := g.now()
	if !g.lastShrink.IsZero() && now.Sub(g.lastShrink) < g.cooldown {
		return
	}
	g.lastShrink = now

	w := g.window / 2
	if w < g.min {
		w = g.min
	}
	g.window = w
	g.cond.Broadcast()
}

// OnSuccess records a completed page. Every growEvery consecutive successes
// outside the cooldown widen the window by one.
func (g *Gate) OnSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.streak++
	if g.streak < g.growEvery || g.window >= g.max {
		return
	}
	if !g.lastShrink.IsZero() && g.now().Sub(g.lastShrink) < g.cooldown {
		return
	}
	g.streak = 0
	g.window++
	g.cond.Broadcast()
}

// Window returns the current concurrency limit.
func (g *Gate) Window() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.window
}
