package investigate

import (
	"context"
	"sync"
	"sync/atomic"
)

// Gate suspends the scheduler between deciding on an attempt and
// dispatching it. A disabled gate never blocks.
type Gate struct {
	mu      sync.Mutex
	enabled bool
	open    chan struct{}
	next    chan struct{}
	waiting atomic.Int32
}

// NewGate returns a gate in the given state.
func NewGate(enabled bool) *Gate {
	return &Gate{
		enabled: enabled,
		open:    make(chan struct{}),
		next:    make(chan struct{}, 1),
	}
}

// Wait blocks until Continue is called, the gate is disabled, or ctx ends.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	if !g.enabled {
		g.mu.Unlock()
		return nil
	}
	open := g.open
	g.mu.Unlock()

	g.waiting.Add(1)
	defer g.waiting.Add(-1)

	select {
	case <-g.next:
		return nil
	case <-open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Continue releases one waiter. With no waiter, the next Wait returns at once.
func (g *Gate) Continue() {
	select {
	case g.next <- struct{}{}:
	default:
	}
}

// SetEnabled turns the gate on or off. Disabling releases every waiter.
func (g *Gate) SetEnabled(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if enabled == g.enabled {
		return
	}
	g.enabled = enabled
	if enabled {
		g.open = make(chan struct{})
		return
	}
	close(g.open)
	select {
	case <-g.next:
	default:
	}
}

// Enabled reports whether the gate blocks.
func (g *Gate) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// Waiting returns the number of blocked waiters.
func (g *Gate) Waiting() int {
	return int(g.waiting.Load())
}
