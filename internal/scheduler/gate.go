package scheduler

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/papergloss/backend/internal/domain"
)

// Gate is the system-wide admission controller for external completion calls.
// It hands out Tickets, one per in-flight call, first-requested-first-admitted.
// Capacity can be changed at runtime: a new value applies to future
// admissions only and never invalidates tickets already issued.
type Gate struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waiters  *list.List // of chan struct{}, FIFO
}

// Ticket is a scheduling permit for one concurrency slot. Release is
// idempotent and must run on every exit path of the wrapped call.
type Ticket struct {
	g    *Gate
	once sync.Once
}

func (t *Ticket) Release() {
	t.once.Do(func() {
		t.g.mu.Lock()
		t.g.inUse--
		t.g.admitLocked()
		t.g.mu.Unlock()
	})
}

func NewGate(capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{capacity: capacity, waiters: list.New()}
}

// Acquire blocks until a slot is free or ctx is cancelled. A waiter cancelled
// before admission leaves the queue without consuming a slot and gets
// ErrAdmissionCancelled.
func (g *Gate) Acquire(ctx context.Context) (*Ticket, error) {
	g.mu.Lock()
	if g.inUse < g.capacity && g.waiters.Len() == 0 {
		g.inUse++
		g.mu.Unlock()
		return &Ticket{g: g}, nil
	}
	ch := make(chan struct{})
	elem := g.waiters.PushBack(ch)
	g.mu.Unlock()

	select {
	case <-ch:
		return &Ticket{g: g}, nil
	case <-ctx.Done():
		g.mu.Lock()
		select {
		case <-ch:
			// Admitted between cancellation and taking the lock: give the
			// slot straight back so it reaches the next waiter.
			g.inUse--
			g.admitLocked()
		default:
			g.waiters.Remove(elem)
		}
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", domain.ErrAdmissionCancelled, ctx.Err())
	}
}

// Do runs fn while holding a ticket. The ticket is released on every return
// path, including panics.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	ticket, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	defer ticket.Release()
	return fn(ctx)
}

// SetCapacity changes the logical capacity. Raising it admits queued waiters
// immediately; shrinking it below the outstanding ticket count only delays
// future admissions, it never evicts a holder.
func (g *Gate) SetCapacity(n int) {
	if n < 1 {
		n = 1
	}
	g.mu.Lock()
	g.capacity = n
	g.admitLocked()
	g.mu.Unlock()
}

// Stats reports current occupancy for health/diagnostic endpoints.
func (g *Gate) Stats() (capacity, inUse, queued int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.capacity, g.inUse, g.waiters.Len()
}

func (g *Gate) admitLocked() {
	for g.inUse < g.capacity && g.waiters.Len() > 0 {
		front := g.waiters.Front()
		g.waiters.Remove(front)
		g.inUse++
		close(front.Value.(chan struct{}))
	}
}
