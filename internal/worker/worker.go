// Package worker runs the range-fetch goroutines pulling WorkItems off a
// queue, with retry/backoff, health monitoring, and the work-stealing path
// that splits an active task's remaining range when the queue runs dry.
package worker

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stormfetch/engine/internal/config"
	"github.com/stormfetch/engine/internal/connpool"
	"github.com/stormfetch/engine/internal/engine/types"
	"github.com/stormfetch/engine/internal/mirror"
	"github.com/stormfetch/engine/internal/netmon"
	"github.com/stormfetch/engine/internal/ratelimit"
	"github.com/stormfetch/engine/internal/rangeutil"
	"github.com/stormfetch/engine/internal/rebalance"
	"github.com/stormfetch/engine/internal/segment"
	"github.com/stormfetch/engine/internal/stormerr"
	"github.com/stormfetch/engine/internal/workqueue"
)

const speedEMAAlpha = 0.3
const speedWindow = 2 * time.Second
const minAbsoluteSpeed = 100 * config.KB
const slowWorkerThreshold = 0.50
const slowWorkerGrace = 5 * time.Second
const stallTimeout = 5 * time.Second

// activeTask tracks one in-flight WorkItem so StealWork and the health
// monitor can inspect and cancel it. currentOffset/stopAt are atomic so
// the fetch loop can update them without taking activeMu.
type activeTask struct {
	segmentID     int
	currentOffset int64 // atomic
	stopAt        int64 // atomic
	lastActivity  int64 // atomic, UnixNano
	startTime     time.Time
	cancel        context.CancelFunc
	healthKilled  int32 // atomic bool: set only by CheckHealth before calling cancel

	speedMu     sync.Mutex
	speed       float64
	windowStart time.Time
	windowBytes int64 // atomic
}

// kill cancels the task's context and marks it as health-cancelled, so the
// fetch loop requeues the remainder instead of treating this as a failed
// attempt.
func (t *activeTask) kill() {
	atomic.StoreInt32(&t.healthKilled, 1)
	t.cancel()
}

func (t *activeTask) Speed() float64 {
	t.speedMu.Lock()
	defer t.speedMu.Unlock()
	return t.speed
}

// Pool runs a fixed set of worker goroutines against one Transfer's work
// queue, segment set, and source set.
type Pool struct {
	queue   *workqueue.Queue
	segMgr  *segment.Manager
	mirrors *mirror.Manager
	conns   *connpool.Pool
	limiter *ratelimit.Limiter
	mon     *netmon.Monitor
	file    *os.File
	counters *types.Counters
	client  *http.Client
	rc      *config.RuntimeConfig
	log     *logrus.Entry

	activeMu sync.Mutex
	active   map[int]*activeTask // worker id -> task

	retryMu sync.Mutex
	retries map[int]int // segment id -> total failed attempts across requeues

	bufPool sync.Pool
}

// New builds a Pool. client is the already-configured (timeouts, proxy,
// TLS) HTTP client for this Transfer; conns gates each request by its
// source URL's host.
func New(
	queue *workqueue.Queue,
	segMgr *segment.Manager,
	mirrors *mirror.Manager,
	conns *connpool.Pool,
	limiter *ratelimit.Limiter,
	mon *netmon.Monitor,
	file *os.File,
	counters *types.Counters,
	client *http.Client,
	rc *config.RuntimeConfig,
	log *logrus.Entry,
) *Pool {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	bufSize := int(rc.GetChunkSize())
	if bufSize < 4*config.KB {
		bufSize = 4 * config.KB
	}
	return &Pool{
		queue:    queue,
		segMgr:   segMgr,
		mirrors:  mirrors,
		conns:    conns,
		limiter:  limiter,
		mon:      mon,
		file:     file,
		counters: counters,
		client:   client,
		rc:       rc,
		log:      log,
		active:   make(map[int]*activeTask),
		retries:  make(map[int]int),
		bufPool: sync.Pool{
			New: func() any {
				buf := make([]byte, bufSize)
				return &buf
			},
		},
	}
}

// Run starts n workers and blocks until every one returns (the queue
// closes or ctx is cancelled). Returns the first non-cancellation error.
func (p *Pool) Run(ctx context.Context, n int) error {
	var wg sync.WaitGroup
	errCh := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := p.runWorker(ctx, id); err != nil && err != context.Canceled {
				errCh <- err
			}
		}(i)
	}

	wg.Wait()
	close(errCh)

	var first error
	for err := range errCh {
		if first == nil {
			first = err
		}
	}
	return first
}

// bumpRetries increments and returns the total failed-attempt count for
// segID, tracked across Pop() cycles so a requeue never resets the budget.
func (p *Pool) bumpRetries(segID int) int {
	p.retryMu.Lock()
	defer p.retryMu.Unlock()
	p.retries[segID]++
	return p.retries[segID]
}

func (p *Pool) runWorker(ctx context.Context, id int) error {
	bufPtr := p.bufPool.Get().(*[]byte)
	defer p.bufPool.Put(bufPtr)
	buf := *bufPtr

	maxRetries := p.rc.GetMaxRetriesPerSegment()

	for {
		item, ok := p.queue.Pop()
		if !ok {
			return nil
		}

		p.segMgr.MarkActive(item.SegmentID)

		var lastErr error
		for {
			taskCtx, cancel := context.WithCancel(ctx)
			now := time.Now()
			task := &activeTask{
				segmentID:     item.SegmentID,
				currentOffset: item.Range.Start,
				stopAt:        item.Range.End,
				lastActivity:  now.UnixNano(),
				startTime:     now,
				cancel:        cancel,
				windowStart:   now,
			}

			p.activeMu.Lock()
			p.active[id] = task
			p.activeMu.Unlock()

			lastErr = p.fetchRange(taskCtx, task, buf)
			cancel()

			if ctx.Err() != nil {
				p.activeMu.Lock()
				delete(p.active, id)
				p.activeMu.Unlock()
				return ctx.Err()
			}

			// The health monitor killed this task: requeue what's left and
			// move on without burning a retry.
			if atomic.LoadInt32(&task.healthKilled) == 1 {
				current := atomic.LoadInt64(&task.currentOffset)
				stopAt := atomic.LoadInt64(&task.stopAt)
				if current < stopAt {
					p.queue.Push(types.WorkItem{
						Range:     rangeutil.ByteRange{Start: current, End: stopAt},
						SegmentID: item.SegmentID,
					})
				}
				lastErr = nil
				p.activeMu.Lock()
				delete(p.active, id)
				p.activeMu.Unlock()
				break
			}

			p.activeMu.Lock()
			delete(p.active, id)
			p.activeMu.Unlock()

			if lastErr == nil {
				break
			}

			// RangeNotSupported and NotFound are fatal to the transfer: no
			// amount of retrying or reassigning a mirror changes the server's
			// answer to this resource.
			if stormerr.Is(lastErr, stormerr.RangeNotSupported) || stormerr.Is(lastErr, stormerr.NotFound) {
				p.segMgr.MarkError(item.SegmentID)
				return lastErr
			}
			if stormerr.Is(lastErr, stormerr.RateLimited) {
				p.mirrors.RecordError(item.SegmentID)
				p.mirrors.Reassign(item.SegmentID)
			}

			// Resume-on-retry: only the undelivered tail needs refetching.
			current := atomic.LoadInt64(&task.currentOffset)
			if current > item.Range.Start {
				item.Range.Start = current
			}

			attempt := p.bumpRetries(item.SegmentID)
			if attempt >= maxRetries {
				p.segMgr.MarkError(item.SegmentID)
				p.log.WithError(lastErr).WithField("segment", item.SegmentID).Error("segment exhausted retry budget, failing transfer")
				return lastErr
			}

			if err := sleepBackoff(ctx, p.rc, attempt); err != nil {
				return err
			}
		}

		if seg := p.segMgr.Get(item.SegmentID); seg != nil && seg.IsComplete() {
			p.segMgr.MarkComplete(item.SegmentID)
			p.mirrors.Release(item.SegmentID)
		}
	}
}

// fetchRange issues one ranged GET and streams the body into p.file at the
// matching offsets, honoring the rate limiter and updating the task's and
// segment's progress as bytes land.
func (p *Pool) fetchRange(ctx context.Context, task *activeTask, buf []byte) error {
	sourceURL := p.mirrors.SourceURL(task.segmentID)
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return stormerr.Wrap(stormerr.InvalidUrl, "parsing source url", err)
	}

	if err := p.conns.Acquire(ctx, parsed.Host); err != nil {
		return stormerr.Wrap(stormerr.Cancelled, "waiting for connection slot", err)
	}
	defer p.conns.Release(parsed.Host)

	start := atomic.LoadInt64(&task.currentOffset)
	stopAt := atomic.LoadInt64(&task.stopAt)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return stormerr.Wrap(stormerr.InvalidUrl, "building request", err)
	}
	req.Header.Set("User-Agent", p.rc.GetUserAgent())
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, stopAt-1))

	resp, err := p.client.Do(req)
	if err != nil {
		p.mirrors.RecordError(task.segmentID)
		return stormerr.Wrap(stormerr.Network, "range request failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent, http.StatusOK:
	case http.StatusRequestedRangeNotSatisfiable:
		return stormerr.New(stormerr.RangeNotSupported, "server rejected byte range")
	case http.StatusTooManyRequests:
		return stormerr.New(stormerr.RateLimited, "server throttled this source")
	case http.StatusNotFound:
		return stormerr.New(stormerr.NotFound, "resource no longer available")
	default:
		p.mirrors.RecordError(task.segmentID)
		return stormerr.NewHTTP(resp.StatusCode, "unexpected range response")
	}

	offset := start
	for {
		stopAt = atomic.LoadInt64(&task.stopAt)
		if offset >= stopAt {
			return nil // stolen out from under us; the thief owns the rest
		}

		remaining := stopAt - offset
		readSize := int64(len(buf))
		if readSize > remaining {
			readSize = remaining
		}

		readSoFar := 0
		var readErr error
		for int64(readSoFar) < readSize {
			n, err := resp.Body.Read(buf[readSoFar:readSize])
			if n > 0 {
				readSoFar += n
			}
			if err != nil {
				readErr = err
				break
			}
		}

		if readSoFar > 0 {
			if err := p.limiter.Acquire(ctx, int64(readSoFar)); err != nil {
				return stormerr.Wrap(stormerr.Cancelled, "rate limiter wait interrupted", err)
			}
			if _, err := p.file.WriteAt(buf[:readSoFar], offset); err != nil {
				return stormerr.Wrap(stormerr.Io, "writing segment data", err)
			}

			now := time.Now()
			prevOffset := offset
			offset += int64(readSoFar)
			atomic.StoreInt64(&task.currentOffset, offset)
			atomic.AddInt64(&task.windowBytes, int64(readSoFar))
			atomic.StoreInt64(&task.lastActivity, now.UnixNano())

			task.speedMu.Lock()
			elapsed := now.Sub(task.windowStart)
			if elapsed >= speedWindow {
				windowBytes := atomic.SwapInt64(&task.windowBytes, 0)
				recent := float64(windowBytes) / elapsed.Seconds()
				if task.speed == 0 {
					task.speed = recent
				} else {
					task.speed = (1-speedEMAAlpha)*task.speed + speedEMAAlpha*recent
				}
				task.windowStart = now
			}
			task.speedMu.Unlock()

			currentStopAt := atomic.LoadInt64(&task.stopAt)
			effectiveEnd := offset
			if effectiveEnd > currentStopAt {
				effectiveEnd = currentStopAt
			}
			if contributed := effectiveEnd - prevOffset; contributed > 0 {
				p.counters.Add(contributed)
				p.mon.RecordBytes(p.counters.Load())
				if seg := p.segMgr.Get(task.segmentID); seg != nil {
					seg.AddDownloaded(contributed)
					seg.SetSpeed(task.Speed())
				}
				p.mirrors.RecordBytes(task.segmentID, contributed, task.Speed())
			}
		}

		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return stormerr.Wrap(stormerr.Network, "reading response body", readErr)
		}
	}
}

// StealWork splits the remaining range of whichever active task has the
// most work left, pushing the stolen half onto the queue. Used by the
// balancer loop once the queue has drained but work is unevenly
// distributed across workers. Returns false when no active task has
// enough remaining work to make stealing worthwhile.
func (p *Pool) StealWork() bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()

	minSteal := 2 * p.rc.GetMinSegmentSize()

	var best *activeTask
	var maxRemaining int64
	for _, t := range p.active {
		current := atomic.LoadInt64(&t.currentOffset)
		stopAt := atomic.LoadInt64(&t.stopAt)
		remaining := stopAt - current
		if remaining > minSteal && remaining > maxRemaining {
			maxRemaining = remaining
			best = t
		}
	}
	if best == nil {
		return false
	}

	// segment.Split computes the midpoint of the parent's remaining range
	// from Downloaded(), which tracks currentOffset; defer to it as the
	// single source of truth for the split point rather than recomputing
	// one here and risking the two diverging.
	child, ok := p.segMgr.Split(best.segmentID)
	if !ok {
		return false
	}

	parent := p.segMgr.Get(best.segmentID)
	atomic.StoreInt64(&best.stopAt, parent.Range.End)

	p.queue.Push(types.WorkItem{Range: child.Range, SegmentID: child.ID})
	return true
}

// Rebalance runs one Rebalancer pass over the segment set and, for every
// resulting split, syncs the owning active task's stopAt to the parent
// segment's new (truncated) range end before enqueuing the child's
// WorkItem. Without this sync the fetch loop would keep reading past the
// point the segment was split at.
func (p *Pool) Rebalance(rb *rebalance.Rebalancer, mon *netmon.Monitor, maxSegments int) []rebalance.SplitResult {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()

	results := rb.Pass(p.segMgr, mon, maxSegments)
	for _, r := range results {
		if parent := p.segMgr.Get(r.ParentSegmentID); parent != nil {
			for _, t := range p.active {
				if t.segmentID == r.ParentSegmentID {
					atomic.StoreInt64(&t.stopAt, parent.Range.End)
					break
				}
			}
		}
		p.queue.Push(r.Work)
	}
	return results
}

// GrowSegments performs up to n StealWork splits, the mechanism by which
// the adaptive controller's BDP-driven growth decisions take effect.
// Returns the number of splits actually performed (StealWork refuses once
// no active task has enough remaining work).
func (p *Pool) GrowSegments(n int) int {
	grown := 0
	for i := 0; i < n; i++ {
		if !p.StealWork() {
			break
		}
		grown++
	}
	return grown
}

// DrainActive returns the unfinished tail of every task currently
// in-flight, as WorkItems ready to requeue. Used when pausing: the ranges
// a worker was mid-fetch on when its context was cancelled would
// otherwise be lost.
func (p *Pool) DrainActive() []types.WorkItem {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()

	var items []types.WorkItem
	for _, t := range p.active {
		current := atomic.LoadInt64(&t.currentOffset)
		stopAt := atomic.LoadInt64(&t.stopAt)
		if current < stopAt {
			items = append(items, types.WorkItem{
				Range:     rangeutil.ByteRange{Start: current, End: stopAt},
				SegmentID: t.segmentID,
			})
		}
	}
	return items
}

// CheckHealth cancels stalled workers (no bytes for stallTimeout) and
// workers running well below the mean speed of their peers, once they've
// cleared a grace period. Intended to run on a ticker alongside StealWork.
func (p *Pool) CheckHealth() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()

	if len(p.active) == 0 {
		return
	}

	var total float64
	var count int
	for _, t := range p.active {
		if s := t.Speed(); s > 0 {
			total += s
			count++
		}
	}
	var mean float64
	if count > 0 {
		mean = total / float64(count)
	}

	now := time.Now()
	for id, t := range p.active {
		if now.Sub(t.startTime) < slowWorkerGrace {
			continue
		}

		lastActivity := time.Unix(0, atomic.LoadInt64(&t.lastActivity))
		if now.Sub(lastActivity) > stallTimeout {
			p.log.WithField("worker", id).Warn("worker stalled, cancelling")
			t.kill()
			continue
		}

		if mean <= 0 {
			continue
		}
		speed := t.Speed()
		if speed > 0 && speed < slowWorkerThreshold*mean && speed < float64(minAbsoluteSpeed) {
			p.log.WithFields(logrus.Fields{"worker": id, "speed": speed, "mean": mean}).Warn("worker slow, cancelling")
			t.kill()
		}
	}
}

// sleepBackoff waits the exponential-backoff delay for the given attempt:
// base * factor^attempt, jittered by ±jitterPct, capped at retryCap.
func sleepBackoff(ctx context.Context, rc *config.RuntimeConfig, attempt int) error {
	base := rc.GetRetryBaseDelay()
	factor := rc.GetRetryFactor()
	retryCap := rc.GetRetryCap()

	delay := float64(base) * math.Pow(factor, float64(attempt))
	if delay > float64(retryCap) {
		delay = float64(retryCap)
	}
	jitter := 1 + (rand.Float64()*2-1)*config.DefaultRetryJitterPct
	d := time.Duration(delay * jitter)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
