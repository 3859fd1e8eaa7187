package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mysqlwire/mysqlwire"
)

// fakePooledConn builds a *PooledConn around a zero-value *mysqlwire.Connection
// without dialing, for tests that only exercise pool bookkeeping.
func fakePooledConn(p *ConnPool, createdAt time.Time) *PooledConn {
	return &PooledConn{
		conn:      &mysqlwire.Connection{},
		createdAt: createdAt,
		lastUsed:  createdAt,
		pool:      p,
	}
}

// TestReturnWakesExactlyOneWaiter covers the expansion's property 7: when
// the pool is at MaxConns and N goroutines block in Acquire, a single
// Return wakes exactly one of them.
func TestReturnWakesExactlyOneWaiter(t *testing.T) {
	p := &ConnPool{
		cfg:    Config{MaxConns: 1, AcquireTimeout: 2 * time.Second},
		active: make(map[*PooledConn]struct{}),
		stopCh: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	held := fakePooledConn(p, time.Now())
	p.total = 1
	p.active[held] = struct{}{}

	const waiters = 3
	acquired := make(chan *PooledConn, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			pc, err := p.Acquire(context.Background())
			if err != nil {
				acquired <- nil
				return
			}
			acquired <- pc
		}()
	}

	// Give the goroutines time to register as waiters before returning.
	deadline := time.Now().Add(time.Second)
	for {
		p.mu.Lock()
		n := p.waiting
		p.mu.Unlock()
		if n == waiters || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	p.mu.Lock()
	delete(p.active, held)
	held.lastUsed = time.Now()
	p.idle = append(p.idle, held)
	p.cond.Signal()
	p.mu.Unlock()

	select {
	case pc := <-acquired:
		if pc == nil {
			t.Fatal("first waiter failed to acquire")
		}
	case <-time.After(time.Second):
		t.Fatal("no waiter acquired the returned connection in time")
	}

	// The remaining waiters must still be blocked — Signal, not Broadcast.
	select {
	case <-acquired:
		t.Fatal("a second waiter acquired a connection that was never returned")
	case <-time.After(100 * time.Millisecond):
	}

	close(p.stopCh)
}

// TestAcquireRejectsClosedPool covers the fast-fail path once Close has run.
func TestAcquireRejectsClosedPool(t *testing.T) {
	p := &ConnPool{
		cfg:    Config{MaxConns: 1, AcquireTimeout: time.Second},
		active: make(map[*PooledConn]struct{}),
		stopCh: make(chan struct{}),
		closed: true,
	}
	p.cond = sync.NewCond(&p.mu)

	if _, err := p.Acquire(context.Background()); err == nil {
		t.Fatal("expected Acquire on a closed pool to fail")
	}
}

// TestAcquireTimesOutWhenExhausted covers the acquire-timeout branch: a
// pool at MaxConns with no Return arriving fails after AcquireTimeout,
// not after ctx's (longer) deadline.
func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	p := &ConnPool{
		cfg:    Config{MaxConns: 1, AcquireTimeout: 50 * time.Millisecond},
		active: make(map[*PooledConn]struct{}),
		stopCh: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	held := fakePooledConn(p, time.Now())
	p.total = 1
	p.active[held] = struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	_, err := p.Acquire(ctx)
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("expected acquire-timeout error")
	}
	if elapsed > time.Second {
		t.Fatalf("Acquire took %s, want close to AcquireTimeout (50ms)", elapsed)
	}
}

// TestReapIdleEvictsPastIdleTimeout covers expansion property 8: idle
// connections past IdleTimeout are closed, down to MinConns.
func TestReapIdleEvictsPastIdleTimeout(t *testing.T) {
	p := &ConnPool{
		cfg: Config{
			MinConns:    1,
			MaxConns:    5,
			IdleTimeout: 10 * time.Millisecond,
		},
		active: make(map[*PooledConn]struct{}),
		stopCh: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	stale := fakePooledConn(p, time.Now().Add(-time.Hour))
	stale.lastUsed = time.Now().Add(-time.Hour)
	fresh := fakePooledConn(p, time.Now())

	p.idle = []*PooledConn{stale, fresh}
	p.total = 2

	p.reapIdle()

	if len(p.idle) != 1 {
		t.Fatalf("idle count = %d, want 1", len(p.idle))
	}
	if p.idle[0] != fresh {
		t.Error("reapIdle evicted the wrong connection")
	}
	if p.total != 1 {
		t.Errorf("total = %d, want 1", p.total)
	}
}

// TestReapIdleRespectsMinConns ensures the reaper never drops below
// MinConns even when every idle connection is stale.
func TestReapIdleRespectsMinConns(t *testing.T) {
	p := &ConnPool{
		cfg: Config{
			MinConns:    2,
			MaxConns:    5,
			IdleTimeout: time.Millisecond,
		},
		active: make(map[*PooledConn]struct{}),
		stopCh: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	old := time.Now().Add(-time.Hour)
	a := fakePooledConn(p, old)
	a.lastUsed = old
	b := fakePooledConn(p, old)
	b.lastUsed = old

	p.idle = []*PooledConn{a, b}
	p.total = 2

	p.reapIdle()

	if len(p.idle) != 2 {
		t.Fatalf("idle count = %d, want 2 (MinConns floor)", len(p.idle))
	}
}

// TestReapIdleEvictsExpiredLifetime covers MaxLifetime eviction independent
// of IdleTimeout.
func TestReapIdleEvictsExpiredLifetime(t *testing.T) {
	p := &ConnPool{
		cfg: Config{
			MinConns:    0,
			MaxConns:    5,
			MaxLifetime: time.Millisecond,
		},
		active: make(map[*PooledConn]struct{}),
		stopCh: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	expired := fakePooledConn(p, time.Now().Add(-time.Hour))
	p.idle = []*PooledConn{expired}
	p.total = 1

	p.reapIdle()

	if len(p.idle) != 0 {
		t.Fatalf("idle count = %d, want 0", len(p.idle))
	}
}

// TestConfigDefaults covers the zero-value-safe defaults applied by
// withDefaults, since a Config with MaxConns=0 would otherwise make every
// Acquire block forever.
func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.MaxConns <= 0 {
		t.Errorf("MaxConns = %d, want a positive default", cfg.MaxConns)
	}
	if cfg.AcquireTimeout <= 0 {
		t.Errorf("AcquireTimeout = %s, want a positive default", cfg.AcquireTimeout)
	}
}
