// Package ratelimit implements the shared token-bucket gate on byte
// throughput, grounded in storm-bandwidth/limiter.rs's chunk-granularity
// design and built on golang.org/x/time/rate rather than a hand-rolled
// bucket (see Zer0C0d3r-TeraFetch's utils/ratelimit.go for the
// alternative this module deliberately does not imitate).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter gates byte throughput at chunk granularity: acquire(bytes) waits
// for max(1, bytes/chunkSize) chunks of admission. Chunk size bounds token
// units so the underlying token bucket operates on a manageable scale
// regardless of how large a single caller's request is.
//
// Known limitation: chunk-granularity math under-serves sub-chunk-size
// bandwidth configurations — e.g. a 1 KiB/s limit with a 16 KiB chunk
// size still admits whole chunks, not sub-chunk trickles. Carried over
// unmodified rather than silently special-cased.
type Limiter struct {
	mu        sync.RWMutex
	limiter   *rate.Limiter // nil when unlimited
	chunkSize int64
	bps       int64
}

const defaultChunkSize = 16 * 1024

// New creates a Limiter for the given bytes-per-second budget. A
// bytesPerSecond of 0 or less means unlimited, per the resolved Open
// Question that set_bandwidth_limit(0) always means unlimited.
func New(bytesPerSecond int64, chunkSize int64) *Limiter {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	l := &Limiter{chunkSize: chunkSize}
	l.setLocked(bytesPerSecond)
	return l
}

func (l *Limiter) setLocked(bytesPerSecond int64) {
	l.bps = bytesPerSecond
	if bytesPerSecond <= 0 {
		l.limiter = nil
		return
	}
	chunksPerSecond := float64(bytesPerSecond) / float64(l.chunkSize)
	if chunksPerSecond <= 0 {
		chunksPerSecond = 1
	}
	burst := int(chunksPerSecond)
	if burst < 1 {
		burst = 1
	}
	l.limiter = rate.NewLimiter(rate.Limit(chunksPerSecond), burst)
}

// SetLimit updates the bandwidth budget in place, used by
// Orchestrator.SetBandwidthLimit.
func (l *Limiter) SetLimit(bytesPerSecond int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setLocked(bytesPerSecond)
}

// BytesPerSecond returns the currently configured limit, 0 meaning unlimited.
func (l *Limiter) BytesPerSecond() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bps
}

// Acquire suspends until bytes are admitted. When unlimited it is a no-op.
func (l *Limiter) Acquire(ctx context.Context, bytes int64) error {
	l.mu.RLock()
	rl := l.limiter
	chunkSize := l.chunkSize
	l.mu.RUnlock()

	if rl == nil {
		return nil
	}

	chunks := bytes / chunkSize
	if chunks < 1 {
		chunks = 1
	}
	return rl.WaitN(ctx, int(chunks))
}

// TryAcquire attempts immediate admission without blocking; returns false
// if the budget is currently exhausted. When unlimited it always succeeds.
func (l *Limiter) TryAcquire(bytes int64) bool {
	l.mu.RLock()
	rl := l.limiter
	chunkSize := l.chunkSize
	l.mu.RUnlock()

	if rl == nil {
		return true
	}

	chunks := bytes / chunkSize
	if chunks < 1 {
		chunks = 1
	}
	return rl.AllowN(time.Now(), int(chunks))
}
