package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/papergloss/backend/internal/domain"
)

func TestGate_NeverExceedsCapacity(t *testing.T) {
	const capacity = 3
	const jobs = 60
	g := NewGate(capacity)

	var active, peak int64
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := g.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			defer ticket.Release()

			n := atomic.AddInt64(&active, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
			atomic.AddInt64(&active, -1)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&peak); got > capacity {
		t.Fatalf("peak concurrency %d exceeds capacity %d", got, capacity)
	}
	if c, inUse, queued := g.Stats(); c != capacity || inUse != 0 || queued != 0 {
		t.Fatalf("gate not drained: capacity=%d inUse=%d queued=%d", c, inUse, queued)
	}
}

func TestGate_FIFOAdmission(t *testing.T) {
	g := NewGate(1)
	holder, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	const waiters = 5
	order := make(chan int, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ticket, err := g.Acquire(context.Background())
			if err != nil {
				t.Errorf("waiter %d failed: %v", n, err)
				return
			}
			order <- n
			ticket.Release()
		}(i)
		waitForQueued(t, g, i+1)
	}

	holder.Release()
	wg.Wait()
	close(order)

	want := 0
	for got := range order {
		if got != want {
			t.Fatalf("admission order: got waiter %d, want %d", got, want)
		}
		want++
	}
}

func TestGate_CancelledWaiterLeavesQueue(t *testing.T) {
	g := NewGate(1)
	holder, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := g.Acquire(ctx)
		errCh <- err
	}()
	waitForQueued(t, g, 1)
	cancel()

	err = <-errCh
	if !errors.Is(err, domain.ErrAdmissionCancelled) {
		t.Fatalf("error = %v, want ErrAdmissionCancelled", err)
	}
	if _, _, queued := g.Stats(); queued != 0 {
		t.Fatalf("queued = %d after cancellation, want 0", queued)
	}

	// The slot was not consumed.
	holder.Release()
	ticket, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after cancel failed: %v", err)
	}
	ticket.Release()
}

func TestGate_RaiseCapacityAdmitsWaiter(t *testing.T) {
	g := NewGate(1)
	holder, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	admitted := make(chan *Ticket, 1)
	go func() {
		ticket, err := g.Acquire(context.Background())
		if err != nil {
			t.Errorf("waiter failed: %v", err)
			return
		}
		admitted <- ticket
	}()
	waitForQueued(t, g, 1)

	g.SetCapacity(2)
	select {
	case ticket := <-admitted:
		ticket.Release()
	case <-time.After(time.Second):
		t.Fatal("waiter not admitted after capacity raise")
	}
	holder.Release()
}

func TestGate_ShrinkNeverEvictsHolders(t *testing.T) {
	g := NewGate(2)
	a, _ := g.Acquire(context.Background())
	b, _ := g.Acquire(context.Background())

	g.SetCapacity(1)
	if _, inUse, _ := g.Stats(); inUse != 2 {
		t.Fatalf("inUse = %d after shrink, want 2 (holders keep their tickets)", inUse)
	}

	// Releasing one does not open a slot while still above the new cap.
	a.Release()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(ctx); !errors.Is(err, domain.ErrAdmissionCancelled) {
		t.Fatalf("expected admission to stay blocked at shrunken capacity, got err=%v", err)
	}

	b.Release()
	ticket, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after drain failed: %v", err)
	}
	ticket.Release()
}

func TestTicket_ReleaseIdempotent(t *testing.T) {
	g := NewGate(1)
	ticket, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	ticket.Release()
	ticket.Release()
	if _, inUse, _ := g.Stats(); inUse != 0 {
		t.Fatalf("inUse = %d after double release, want 0", inUse)
	}
}

func waitForQueued(t *testing.T, g *Gate, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, _, queued := g.Stats(); queued >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d queued waiters", n)
}
