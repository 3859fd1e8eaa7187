// Package pool implements a bounded pool of authenticated
// *mysqlwire.Connection values for one DSN, modeled on the donor's
// internal/pool.TenantPool: a sync.Cond-guarded idle/active split, an idle
// reaper, max-lifetime eviction, and Signal-not-Broadcast wakeups on
// Return to avoid a thundering herd.
//
// Unlike the donor's dual-database-type pool, ConnPool always fully
// authenticates during dial — a client-library connection is never handed
// to a caller half-finished.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mysqlwire/mysqlwire"
)

// Config bounds and tunes one ConnPool.
type Config struct {
	Options mysqlwire.Options

	MinConns       int
	MaxConns       int
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
	AcquireTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	return c
}

// Stats is the JSON-friendly projection of pool state exposed by the
// diagnostics server's /stats route.
type Stats struct {
	Active    int   `json:"active"`
	Idle      int   `json:"idle"`
	Total     int   `json:"total"`
	Waiting   int   `json:"waiting"`
	MaxConns  int   `json:"max_connections"`
	MinConns  int   `json:"min_connections"`
	Exhausted int64 `json:"pool_exhausted_total"`
}

// OnPoolExhausted is called when Acquire must wait because the pool is at
// MaxConns, mirroring the donor's callback hook (there used to drive a
// metrics counter).
type OnPoolExhausted func()

// ConnPool hands out exclusively-owned *PooledConn values, enforcing
// spec.md §5's single-owner rule across goroutines by construction: a
// Connection is in exactly one of {idle, active} at a time.
type ConnPool struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg Config

	idle    []*PooledConn
	active  map[*PooledConn]struct{}
	total   int
	waiting int

	exhausted int64
	closed    bool
	stopCh    chan struct{}

	onPoolExhausted OnPoolExhausted
}

// New creates a pool and starts its idle reaper and warm-up goroutines,
// exactly as the donor's NewTenantPool does.
func New(cfg Config) *ConnPool {
	cfg = cfg.withDefaults()
	p := &ConnPool{
		cfg:    cfg,
		active: make(map[*PooledConn]struct{}),
		stopCh: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	go p.reapLoop()
	if cfg.MinConns > 0 {
		go p.warmUp()
	}
	return p
}

// SetOnPoolExhausted installs the exhaustion callback. Must be called
// before the pool sees contention.
func (p *ConnPool) SetOnPoolExhausted(cb OnPoolExhausted) {
	p.mu.Lock()
	p.onPoolExhausted = cb
	p.mu.Unlock()
}

func (p *ConnPool) warmUp() {
	for i := 0; i < p.cfg.MinConns; i++ {
		p.mu.Lock()
		if p.closed || p.total >= p.cfg.MinConns {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		pc, err := p.dial(context.Background())
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			slog.Warn("mysqlwire/pool: warm-up connection failed", "index", i+1, "total", p.cfg.MinConns, "err", err)
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			pc.Close()
			return
		}
		p.idle = append(p.idle, pc)
		p.mu.Unlock()
	}
	slog.Info("mysqlwire/pool: pre-warmed connections", "count", p.cfg.MinConns)
}

func (p *ConnPool) dial(ctx context.Context) (*PooledConn, error) {
	conn, err := mysqlwire.Connect(ctx, p.cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("mysqlwire/pool: dial: %w", err)
	}
	return newPooledConn(conn, p), nil
}

// Acquire returns an idle connection if one is healthy and unexpired,
// dials a new one under MaxConns, or waits on the pool's sync.Cond until
// one is returned, bounded by both the pool's AcquireTimeout and ctx's
// deadline — the donor's deadlineAt computation, per SPEC_FULL.md §4.7.
func (p *ConnPool) Acquire(ctx context.Context) (*PooledConn, error) {
	deadlineAt := time.Now().Add(p.cfg.AcquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadlineAt) {
		deadlineAt = d
	}

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("mysqlwire/pool: pool is closed")
		}

		for len(p.idle) > 0 {
			pc := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]

			if pc.isExpired(p.cfg.MaxLifetime) {
				pc.Close()
				p.total--
				continue
			}

			p.mu.Unlock()
			if err := pc.conn.Ping(ctx, false); err != nil {
				pc.Close()
				p.mu.Lock()
				p.total--
				continue
			}
			pc.touch()
			p.mu.Lock()
			p.active[pc] = struct{}{}
			p.mu.Unlock()
			return pc, nil
		}

		if p.total < p.cfg.MaxConns {
			p.total++
			p.mu.Unlock()

			pc, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, err
			}
			p.mu.Lock()
			p.active[pc] = struct{}{}
			p.mu.Unlock()
			return pc, nil
		}

		p.waiting++
		p.exhausted++
		cb := p.onPoolExhausted
		p.mu.Unlock()
		if cb != nil {
			cb()
		}

		p.mu.Lock()
		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			p.waiting--
			p.mu.Unlock()
			return nil, fmt.Errorf("mysqlwire/pool: acquire timeout (%s): pool exhausted", p.cfg.AcquireTimeout)
		}

		timer := time.AfterFunc(remaining, func() {
			p.cond.Broadcast()
		})
		p.cond.Wait()
		timer.Stop()
		p.waiting--

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("mysqlwire/pool: pool closing")
		}
		if time.Now().After(deadlineAt) {
			p.mu.Unlock()
			return nil, fmt.Errorf("mysqlwire/pool: acquire timeout (%s): pool exhausted", p.cfg.AcquireTimeout)
		}
	}
}

// Return releases pc back to the pool and wakes exactly one waiter via
// Signal, not Broadcast, avoiding the thundering-herd problem the donor's
// pool.go comments document.
func (p *ConnPool) Return(pc *PooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.active, pc)

	if p.closed || pc.isExpired(p.cfg.MaxLifetime) {
		pc.Close()
		p.total--
		p.cond.Signal()
		return
	}

	pc.touch()
	p.idle = append(p.idle, pc)
	p.cond.Signal()
}

// Stats returns a snapshot of the pool's current state.
func (p *ConnPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:    len(p.active),
		Idle:      len(p.idle),
		Total:     p.total,
		Waiting:   p.waiting,
		MaxConns:  p.cfg.MaxConns,
		MinConns:  p.cfg.MinConns,
		Exhausted: p.exhausted,
	}
}

// Drain closes all idle connections and waits up to 30s for active ones to
// be returned, force-closing stragglers afterward, per the donor's Drain.
func (p *ConnPool) Drain() {
	p.mu.Lock()
	for _, pc := range p.idle {
		pc.Close()
		p.total--
	}
	p.idle = p.idle[:0]
	activeCount := len(p.active)
	p.mu.Unlock()

	if activeCount == 0 {
		return
	}

	slog.Info("mysqlwire/pool: draining active connections", "count", activeCount)
	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			if len(p.active) == 0 {
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		case <-timeout:
			p.mu.Lock()
			for pc := range p.active {
				pc.Close()
				p.total--
			}
			p.active = make(map[*PooledConn]struct{})
			p.mu.Unlock()
			slog.Warn("mysqlwire/pool: force-closed active connections after drain timeout")
			return
		}
	}
}

// Close shuts the pool down: wakes every Acquire waiter, then drains.
func (p *ConnPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.Drain()
}

func (p *ConnPool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

// reapIdle closes idle connections past IdleTimeout or MaxLifetime,
// keeping at least MinConns, reaping the oldest first — spec.md's
// expansion property 8.
func (p *ConnPool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle) <= p.cfg.MinConns {
		return
	}

	kept := make([]*PooledConn, 0, len(p.idle))
	excess := len(p.idle) - p.cfg.MinConns
	for i, pc := range p.idle {
		if i < excess && (pc.isIdle(p.cfg.IdleTimeout) || pc.isExpired(p.cfg.MaxLifetime)) {
			pc.Close()
			p.total--
		} else {
			kept = append(kept, pc)
		}
	}
	p.idle = kept
}
