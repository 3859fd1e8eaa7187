package pool

import (
	"sync"
	"time"

	"github.com/mysqlwire/mysqlwire"
)

// PooledConn wraps an authenticated *mysqlwire.Connection with the pooling
// metadata the ConnPool needs to decide when to evict it, modeled on the
// donor's pool.PooledConn.
type PooledConn struct {
	mu sync.Mutex

	conn      *mysqlwire.Connection
	createdAt time.Time
	lastUsed  time.Time
	pool      *ConnPool
}

func newPooledConn(conn *mysqlwire.Connection, p *ConnPool) *PooledConn {
	now := time.Now()
	return &PooledConn{conn: conn, createdAt: now, lastUsed: now, pool: p}
}

// Conn returns the underlying authenticated Connection.
func (pc *PooledConn) Conn() *mysqlwire.Connection {
	return pc.conn
}

// Return releases this connection back to its pool.
func (pc *PooledConn) Return() {
	if pc.pool != nil {
		pc.pool.Return(pc)
	}
}

// Close closes the underlying Connection. Callers normally use Return
// instead; Close is for connections the pool has decided to discard.
func (pc *PooledConn) Close() error {
	return pc.conn.Close()
}

func (pc *PooledConn) touch() {
	pc.mu.Lock()
	pc.lastUsed = time.Now()
	pc.mu.Unlock()
}

func (pc *PooledConn) isExpired(maxLifetime time.Duration) bool {
	if maxLifetime <= 0 {
		return false
	}
	return time.Since(pc.createdAt) > maxLifetime
}

func (pc *PooledConn) isIdle(idleTimeout time.Duration) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if idleTimeout <= 0 {
		return false
	}
	return time.Since(pc.lastUsed) > idleTimeout
}
