// Package keypool implements the bounded, fairly-ordered credential pool
// described in §3 and §4.1: a fixed set of upstream API keys, leased one at
// a time per key, recycled to the tail of the queue on release.
package keypool

import (
	"context"
	"sync"
)

// Pool is a fixed-capacity set of credentials with at-most-one-concurrent
// lease per credential and FIFO recycling under contention.
type Pool struct {
	mu    sync.Mutex
	queue []string
	sem   chan struct{}
}

// New constructs a Pool over credentials. Capacity is fixed at len(credentials);
// it never grows or shrinks. An empty slice is legal — Acquire then blocks
// forever, matching the boundary case in §8.
func New(credentials []string) *Pool {
	p := &Pool{
		queue: append([]string(nil), credentials...),
		sem:   make(chan struct{}, len(credentials)),
	}
	for range credentials {
		p.sem <- struct{}{}
	}
	return p
}

// Lease is a scoped holder of one credential. Release MUST be called
// exactly once, normally via defer, to return the credential to the pool.
type Lease struct {
	pool  *Pool
	value string
	once  sync.Once
}

// Value returns the leased credential string.
func (l *Lease) Value() string { return l.value }

// Release returns the credential to the tail of the pool's queue and frees
// the permit. Safe to call more than once; only the first call has effect,
// so a deferred Release paired with an explicit early Release is safe.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.mu.Lock()
		l.pool.queue = append(l.pool.queue, l.value)
		l.pool.mu.Unlock()
		l.pool.sem <- struct{}{}
	})
}

// Acquire suspends the calling goroutine until a permit is free (or ctx is
// done), then pops the credential at the front of the queue and returns a
// Lease. With a zero-capacity pool this blocks indefinitely unless ctx
// carries a deadline, matching §8's boundary case.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	select {
	case <-p.sem:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	v := p.queue[0]
	p.queue = p.queue[1:]
	p.mu.Unlock()

	return &Lease{pool: p, value: v}, nil
}

// Len reports the number of credentials currently available (not leased).
// Exposed for tests verifying the no-leak invariant of §8.
func (p *Pool) Len() int {
	return len(p.sem)
}

// Cap reports total pool capacity N.
func (p *Pool) Cap() int {
	return cap(p.sem)
}
