// Package connpool implements the per-host connection concurrency gate,
// grounded in storm-protocol/pool.rs's ConnectionPool with
// separate HTTP/1.1 and HTTP/2 limit classes. Each per-host gate is a
// weighted semaphore (golang.org/x/sync/semaphore) rather than a hand-rolled
// counter+mutex, since acquire/release here is exactly the semaphore
// contract: bounded concurrency with blocking acquire.
package connpool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

type hostState struct {
	sem      *semaphore.Weighted
	limit    int64
	isH2     bool
}

// Pool gates concurrent requests per host, with independent limits for
// HTTP/1.1 (default 6) and HTTP/2 (default 2; multiplexing does the rest).
type Pool struct {
	mu          sync.Mutex
	hosts       map[string]*hostState
	http1Limit  int64
	http2Limit  int64
}

func New(http1Limit, http2Limit int) *Pool {
	if http1Limit <= 0 {
		http1Limit = 6
	}
	if http2Limit <= 0 {
		http2Limit = 2
	}
	return &Pool{
		hosts:      make(map[string]*hostState),
		http1Limit: int64(http1Limit),
		http2Limit: int64(http2Limit),
	}
}

func (p *Pool) stateFor(host string) *hostState {
	p.mu.Lock()
	defer p.mu.Unlock()

	hs, ok := p.hosts[host]
	if !ok {
		hs = &hostState{sem: semaphore.NewWeighted(p.http1Limit), limit: p.http1Limit}
		p.hosts[host] = hs
	}
	return hs
}

// SetHTTP2 switches a host's limit class to the (smaller) HTTP/2 pool,
// since multiplexing lets a handful of connections carry many requests.
func (p *Pool) SetHTTP2(host string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	hs, ok := p.hosts[host]
	if !ok {
		p.hosts[host] = &hostState{sem: semaphore.NewWeighted(p.http2Limit), limit: p.http2Limit, isH2: true}
		return
	}
	if hs.isH2 {
		return
	}
	p.hosts[host] = &hostState{sem: semaphore.NewWeighted(p.http2Limit), limit: p.http2Limit, isH2: true}
}

// Acquire blocks until a slot for host is available or ctx is cancelled.
func (p *Pool) Acquire(ctx context.Context, host string) error {
	return p.stateFor(host).sem.Acquire(ctx, 1)
}

// TryAcquire attempts a non-blocking acquisition, returning false if the
// host is at its concurrency limit.
func (p *Pool) TryAcquire(host string) bool {
	return p.stateFor(host).sem.TryAcquire(1)
}

// Release returns a slot to host's pool.
func (p *Pool) Release(host string) {
	p.stateFor(host).sem.Release(1)
}
