package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrPoolExhausted is returned by Acquire when no handle becomes available
// within the configured timeout.
var ErrPoolExhausted = errors.New("store: pool exhausted")

// Handle is a borrowed database session. It is valid between Acquire and
// Release; callers must not use it after Release or across a Reset.
type Handle struct {
	conn *sql.Conn
	gen  uint64

	mu       sync.Mutex
	released bool
}

// Conn returns the underlying pinned connection.
func (h *Handle) Conn() *sql.Conn { return h.conn }

// Pool bounds concurrent access to the database. It hands out at most size
// handles; excess Acquire calls block up to the acquire timeout and then fail
// with ErrPoolExhausted. Released connections are kept open and reused.
type Pool struct {
	db      *sql.DB
	timeout time.Duration

	slots chan struct{}

	mu   sync.Mutex
	free []*sql.Conn
	gen  uint64
}

// NewPool creates a Pool of at most size handles over db.
func NewPool(db *sql.DB, size int, acquireTimeout time.Duration) *Pool {
	if size < 1 {
		size = 1
	}
	// Keep the driver from opening more sessions than the pool hands out.
	db.SetMaxOpenConns(size)
	return &Pool{
		db:      db,
		timeout: acquireTimeout,
		slots:   make(chan struct{}, size),
	}
}

// Acquire returns a handle, blocking up to the acquire timeout.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
	case <-timer.C:
		return nil, ErrPoolExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	gen := p.gen
	var conn *sql.Conn
	if n := len(p.free); n > 0 {
		conn = p.free[n-1]
		p.free = p.free[:n-1]
	}
	p.mu.Unlock()

	if conn == nil {
		c, err := p.db.Conn(ctx)
		if err != nil {
			<-p.slots
			return nil, fmt.Errorf("open store connection: %w", err)
		}
		conn = c
	}

	return &Handle{conn: conn, gen: gen}, nil
}

// Release returns the handle's connection to the pool for reuse. It is
// idempotent; releasing an already-released handle is a no-op. A handle
// acquired before a Reset has its connection closed instead of reused.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()

	p.mu.Lock()
	stale := h.gen != p.gen
	if !stale {
		p.free = append(p.free, h.conn)
	}
	p.mu.Unlock()

	if stale {
		h.conn.Close()
	}
	<-p.slots
}

// Reset discards every pooled connection and invalidates outstanding handles.
// Handles still held by callers are closed on their next Release.
func (p *Pool) Reset() {
	p.mu.Lock()
	p.gen++
	free := p.free
	p.free = nil
	p.mu.Unlock()

	for _, c := range free {
		c.Close()
	}
}

// Close resets the pool. The *sql.DB itself is owned by the caller.
func (p *Pool) Close() {
	p.Reset()
}
