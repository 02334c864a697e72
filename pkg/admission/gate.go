// Package admission bounds how many jobs of each task type run at once.
//
// Every task type has its own Gate. Jobs that cannot start immediately wait
// in strict creation order: the oldest waiter is always admitted first.
package admission

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrClosed is returned by Acquire once the gate stopped admitting work.
var ErrClosed = errors.New("admission closed")

// Ticket identifies a waiter. Waiters are ordered by CreatedAt and then by
// arrival.
type Ticket struct {
	JobID     string
	CreatedAt time.Time
}

type waiter struct {
	ticket   Ticket
	seq      uint64
	ready    chan struct{}
	admitted bool
	err      error
}

func (w *waiter) before(o *waiter) bool {
	if !w.ticket.CreatedAt.Equal(o.ticket.CreatedAt) {
		return w.ticket.CreatedAt.Before(o.ticket.CreatedAt)
	}
	return w.seq < o.seq
}

// Gate is a FIFO counting semaphore. Capacity <= 0 means unbounded.
type Gate struct {
	mu       sync.Mutex
	capacity int
	running  int
	seq      uint64
	waiters  []*waiter
	closed   bool
}

// NewGate returns a gate admitting at most capacity holders.
func NewGate(capacity int) *Gate {
	return &Gate{capacity: capacity}
}

// GateStats is a point-in-time view of a gate.
type GateStats struct {
	Capacity int `json:"capacity"`
	Running  int `json:"running"`
	Waiting  int `json:"waiting"`
}

func (g *Gate) bounded() bool {
	return g.capacity > 0
}

// Acquire blocks until the caller holds a slot, ctx is done, or the gate is
// closed. Every successful Acquire must be paired with one Release.
func (g *Gate) Acquire(ctx context.Context, t Ticket) error {
	res, err := g.Reserve(t)
	if err != nil {
		return err
	}
	return res.Wait(ctx)
}

// Reservation is a place in a gate's queue taken without blocking. The slot
// is held once Wait returns nil.
type Reservation struct {
	gate *Gate
	w    *waiter
}

// Reserve takes the ticket's place in line immediately. Callers that create
// jobs under one lock and reserve before releasing it get admission in the
// same order as creation, whenever their goroutines get around to Wait.
func (g *Gate) Reserve(t Ticket) (*Reservation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}
	g.seq++
	w := &waiter{ticket: t, seq: g.seq, ready: make(chan struct{})}
	if !g.bounded() || (g.running < g.capacity && len(g.waiters) == 0) {
		w.admitted = true
		g.running++
		close(w.ready)
	} else {
		g.insert(w)
	}
	return &Reservation{gate: g, w: w}, nil
}

// Wait blocks until the reservation is admitted, ctx is done, or the gate is
// closed. On ctx cancellation the place in line, or a slot granted in the
// meantime, is given up.
func (r *Reservation) Wait(ctx context.Context) error {
	g, w := r.gate, r.w
	select {
	case <-w.ready:
		if w.err != nil {
			return w.err
		}
		if ctx.Err() == nil {
			return nil
		}
	case <-ctx.Done():
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if w.admitted {
		// Admitted concurrently with cancellation: hand the slot on.
		w.admitted = false
		g.running--
		g.dispatch()
	} else if w.err == nil {
		g.remove(w)
	}
	return ctx.Err()
}

// Release returns a slot and admits the oldest waiter, if any.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running > 0 {
		g.running--
	}
	g.dispatch()
}

// Close rejects current waiters and all future Acquire calls with ErrClosed.
// Holders keep their slots until they Release.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	for _, w := range g.waiters {
		w.err = ErrClosed
		close(w.ready)
	}
	g.waiters = nil
}

// Stats reports capacity, holders and waiters.
func (g *Gate) Stats() GateStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GateStats{Capacity: g.capacity, Running: g.running, Waiting: len(g.waiters)}
}

func (g *Gate) dispatch() {
	if g.closed {
		return
	}
	for len(g.waiters) > 0 && (!g.bounded() || g.running < g.capacity) {
		w := g.waiters[0]
		g.waiters = g.waiters[1:]
		w.admitted = true
		g.running++
		close(w.ready)
	}
}

func (g *Gate) insert(w *waiter) {
	i := sort.Search(len(g.waiters), func(i int) bool { return w.before(g.waiters[i]) })
	g.waiters = append(g.waiters, nil)
	copy(g.waiters[i+1:], g.waiters[i:])
	g.waiters[i] = w
}

func (g *Gate) remove(w *waiter) {
	for i, cur := range g.waiters {
		if cur == w {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return
		}
	}
}
