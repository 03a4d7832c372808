// Package orchestrator owns the map of in-flight transfers and bridges
// the command bus (AddDownload/Pause/Resume/Cancel/SetBandwidthLimit) to
// the event bus (DownloadAdded/ProgressUpdate/SpeedUpdate/StateChange/
// SegmentRebalanced/Error/Complete). Each transfer runs its worker pool
// alongside a balancer and a progress-sampling goroutine.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stormfetch/engine/internal/adaptive"
	"github.com/stormfetch/engine/internal/config"
	"github.com/stormfetch/engine/internal/connpool"
	"github.com/stormfetch/engine/internal/engine/types"
	"github.com/stormfetch/engine/internal/mirror"
	"github.com/stormfetch/engine/internal/netmon"
	"github.com/stormfetch/engine/internal/probe"
	"github.com/stormfetch/engine/internal/ratelimit"
	"github.com/stormfetch/engine/internal/rebalance"
	"github.com/stormfetch/engine/internal/segment"
	"github.com/stormfetch/engine/internal/stormerr"
	"github.com/stormfetch/engine/internal/worker"
	"github.com/stormfetch/engine/internal/workqueue"
)

// DownloadID identifies one Transfer, process-wide and monotonically
// assigned.
type DownloadID uint64

var nextID uint64

func newDownloadID() DownloadID {
	return DownloadID(atomic.AddUint64(&nextID, 1))
}

// AddDownloadOptions mirrors the command interface's AddDownload fields.
type AddDownloadOptions struct {
	OutputDir       string
	Filename        string
	Mirrors         []string
	BandwidthLimit  int64 // bytes/sec, 0 == unlimited
	Headers         map[string]string
	ComputeChecksum bool
	Runtime         *config.RuntimeConfig
}

// EventKind enumerates the seven event variants.
type EventKind int

const (
	DownloadAdded EventKind = iota
	ProgressUpdate
	SpeedUpdate
	StateChange
	SegmentRebalanced
	ErrorEvent
	CompleteEvent
)

// Event is the tagged union emitted on the event bus. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind       EventKind
	DownloadID DownloadID

	State           types.TransferState
	Downloaded      int64
	Segments        []*types.Segment
	BytesPerSecond  float64
	OldSegmentCount int
	NewSegmentCount int
	Message         string
	Path            string
	Checksum        string
}

// transfer holds every per-download component: one Segment Manager, Work
// Queue, worker pool, Rebalancer, Adaptive Controller, Mirror Manager,
// Network Monitor, plus the shared rate limiter and protocol client this
// Transfer was started with.
type transfer struct {
	id      DownloadID
	traceID string // uuid, correlates this transfer's log lines end to end
	url     string
	path    string

	state int32 // atomic, types.TransferState

	segMgr  *segment.Manager
	mirrors *mirror.Manager
	queue   *workqueue.Queue
	pool    *worker.Pool
	rebal   *rebalance.Rebalancer
	adapt   *adaptive.Controller
	mon     *netmon.Monitor
	limiter *ratelimit.Limiter
	client  *http.Client

	counters *types.Counters
	file     *os.File
	fileSize int64

	checksum hash.Hash // nil unless ComputeChecksum was requested

	cancel    context.CancelFunc
	rc        *config.RuntimeConfig
	startedAt time.Time
}

func (t *transfer) State() types.TransferState {
	return types.TransferState(atomic.LoadInt32(&t.state))
}

func (t *transfer) setState(s types.TransferState) {
	atomic.StoreInt32(&t.state, int32(s))
}

// Checksum hashes the output file with sha256 in one sequential pass and
// reports whether a checksum was requested for this transfer. It is read
// once the transfer has completed; a read error yields an empty digest.
func (t *transfer) Checksum() (string, bool) {
	if t.checksum == nil {
		return "", false
	}
	t.checksum.Reset()
	if _, err := io.Copy(t.checksum, io.NewSectionReader(t.file, 0, t.fileSize)); err != nil {
		return "", true
	}
	return fmt.Sprintf("%x", t.checksum.Sum(nil)), true
}

func (t *transfer) workerCount() int {
	return t.rc.GetPreset().InitialSegmentBucket(t.fileSize) + t.rc.GetWorkerSlack()
}

// logEntry returns the logger every log line for this transfer should go
// through, tagged with both the numeric DownloadID and a uuid trace_id so
// lines from the same transfer can be correlated across restarts (Pause
// keeps the same transfer, and so the same trace_id, across Resume).
func (t *transfer) logEntry(base *logrus.Entry) *logrus.Entry {
	return base.WithField("download_id", t.id).WithField("trace_id", t.traceID)
}

// Orchestrator owns every Transfer and fans events out to subscribers.
type Orchestrator struct {
	mu        sync.RWMutex
	transfers map[DownloadID]*transfer

	conns *connpool.Pool
	log   *logrus.Entry

	events chan Event
}

// New builds an empty Orchestrator. perHostHTTP1/perHostHTTP2 size the
// shared connection pool.
func New(perHostHTTP1, perHostHTTP2 int, log *logrus.Entry) *Orchestrator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{
		transfers: make(map[DownloadID]*transfer),
		conns:     connpool.New(perHostHTTP1, perHostHTTP2),
		log:       log,
		events:    make(chan Event, 256),
	}
}

// Events returns the event bus. The Orchestrator is the only writer.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

func (o *Orchestrator) emit(e Event) {
	select {
	case o.events <- e:
	default:
		o.log.WithField("download_id", e.DownloadID).Warn("event channel full, dropping event")
	}
}

// AddDownload assigns a fresh DownloadID and launches the probe→plan→run
// pipeline in a background goroutine, returning as soon as the id is
// assigned. DownloadAdded fires once planning succeeds; failures up to
// that point surface as Error + StateChange(Failed).
func (o *Orchestrator) AddDownload(url string, opts AddDownloadOptions) (DownloadID, error) {
	rc := opts.Runtime
	if rc == nil {
		rc = &config.RuntimeConfig{}
	}

	client, err := probe.NewClient(rc)
	if err != nil {
		return 0, err
	}

	id := newDownloadID()
	runCtx, cancel := context.WithCancel(context.Background())

	t := &transfer{
		id:      id,
		traceID: uuid.NewString(),
		url:     url,
		cancel:  cancel,
		rc:      rc,
		client:  client,
		mon:     netmon.New(rc.GetTCPWindow()),
		limiter: ratelimit.New(opts.BandwidthLimit, rc.GetChunkSize()),
		rebal:   rebalance.New(rc),
		adapt:   adaptive.New(rc),
	}
	t.setState(types.Pending)
	if opts.ComputeChecksum {
		t.checksum = sha256.New()
	}

	o.mu.Lock()
	o.transfers[id] = t
	o.mu.Unlock()

	go o.plan(runCtx, t, opts)

	return id, nil
}

// plan runs Probe → Plan and, on success, hands off to runPipeline.
// Failures here are terminal: a Transfer that never resolves a size or
// range support never reaches Downloading.
func (o *Orchestrator) plan(ctx context.Context, t *transfer, opts AddDownloadOptions) {
	t.setState(types.Probing)
	o.emit(Event{Kind: StateChange, DownloadID: t.id, State: types.Probing})

	res, err := probe.Probe(ctx, t.client, t.url, t.rc)
	if err != nil {
		o.fail(t, err)
		return
	}
	if !res.Info.SupportsRange {
		o.fail(t, stormerr.New(stormerr.RangeNotSupported, "server does not support byte ranges"))
		return
	}
	t.mon.RecordRTT(float64(res.RTT.Milliseconds()))

	filename := opts.Filename
	if filename == "" {
		filename = res.Info.Filename
	}
	t.path = filepath.Join(opts.OutputDir, filename)
	t.fileSize = res.Info.TotalSize
	t.logEntry(o.log).WithField("size", humanize.Bytes(uint64(t.fileSize))).WithField("proto", res.Info.NegotiatedProto).Info("probe resolved resource")

	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		o.fail(t, stormerr.Wrap(stormerr.Io, "creating output file", err))
		return
	}
	t.file = f

	if err := f.Truncate(t.fileSize); err != nil {
		o.fail(t, stormerr.Wrap(stormerr.Io, "preallocating output file", err))
		return
	}

	valid, failed := probe.ProbeAll(ctx, t.client, t.rc, opts.Mirrors)
	for m, ferr := range failed {
		t.logEntry(o.log).WithError(ferr).WithField("mirror", m).Warn("mirror failed probe, excluding")
	}
	mirrors := make([]*types.Mirror, 0, len(valid))
	for _, m := range valid {
		mirrors = append(mirrors, &types.Mirror{URL: m, Priority: types.Secondary})
	}
	t.mirrors = mirror.New(types.NewMirrorSet(t.url, mirrors...))

	t.segMgr = segment.New(t.rc.GetMinSegmentSize(), t.rc.GetMaxSegments())
	segs := t.segMgr.Initialize(t.fileSize, t.rc.GetPreset())

	t.counters = &types.Counters{}
	t.queue = workqueue.New()
	for _, s := range segs {
		t.mirrors.Select(s.ID)
		t.queue.Push(types.WorkItem{Range: s.Range, SegmentID: s.ID})
	}

	t.pool = worker.New(t.queue, t.segMgr, t.mirrors, o.conns, t.limiter, t.mon, t.file, t.counters, t.client, t.rc, t.logEntry(o.log))

	o.emit(Event{Kind: DownloadAdded, DownloadID: t.id})
	o.runPipeline(ctx, t)
}

// runPipeline launches the worker pool alongside the balancer and
// progress goroutines under one errgroup, and interprets the outcome into
// terminal events. Both the initial download and Resume call this.
func (o *Orchestrator) runPipeline(ctx context.Context, t *transfer) {
	t.setState(types.Downloading)
	if t.startedAt.IsZero() {
		t.startedAt = time.Now()
	}
	o.emit(Event{Kind: StateChange, DownloadID: t.id, State: types.Downloading})

	numWorkers := t.workerCount()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.pool.Run(gctx, numWorkers) })
	g.Go(func() error { return o.balancerLoop(gctx, t, numWorkers) })
	g.Go(func() error { return o.progressLoop(gctx, t) })

	runErr := g.Wait()

	if t.State() == types.Paused {
		return
	}

	if ctx.Err() != nil {
		t.setState(types.Cancelled)
		o.emit(Event{Kind: StateChange, DownloadID: t.id, State: types.Cancelled})
		return
	}

	if runErr != nil {
		o.fail(t, runErr)
		return
	}

	if err := t.file.Sync(); err != nil {
		o.fail(t, stormerr.Wrap(stormerr.Io, "syncing output file", err))
		return
	}

	t.setState(types.Complete)
	checksum, _ := t.Checksum()
	elapsed := time.Since(t.startedAt)
	t.logEntry(o.log).WithField("size", humanize.Bytes(uint64(t.fileSize))).WithField("elapsed", elapsed).Info("transfer complete")
	o.emit(Event{Kind: CompleteEvent, DownloadID: t.id, Path: t.path, Checksum: checksum})
	o.emit(Event{Kind: StateChange, DownloadID: t.id, State: types.Complete})
}

func (o *Orchestrator) fail(t *transfer, err error) {
	t.setState(types.Failed)
	o.emit(Event{Kind: ErrorEvent, DownloadID: t.id, Message: err.Error()})
	o.emit(Event{Kind: StateChange, DownloadID: t.id, State: types.Failed})
}

// balancerLoop drives the Rebalancer (slow-segment splitting), the
// Adaptive Controller (BDP-driven growth), and the completion check on a
// 500ms ticker.
func (o *Orchestrator) balancerLoop(ctx context.Context, t *transfer, numWorkers int) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.pool.CheckHealth()

			if results := t.pool.Rebalance(t.rebal, t.mon, t.rc.GetMaxSegments()); len(results) > 0 {
				for _, r := range results {
					o.emit(Event{Kind: SegmentRebalanced, DownloadID: t.id, OldSegmentCount: r.OldCount, NewSegmentCount: r.NewCount})
				}
			} else if adj := t.adapt.Evaluate(t.mon, t.segMgr, t.fileSize); adj != nil {
				before := t.segMgr.Count()
				if grown := t.pool.GrowSegments(adj.Count); grown > 0 {
					o.emit(Event{Kind: SegmentRebalanced, DownloadID: t.id, OldSegmentCount: before, NewSegmentCount: t.segMgr.Count()})
				}
			} else if t.queue.Len() == 0 && t.queue.IdleWorkers() > 0 {
				before := t.segMgr.Count()
				if t.pool.StealWork() {
					o.emit(Event{Kind: SegmentRebalanced, DownloadID: t.id, OldSegmentCount: before, NewSegmentCount: t.segMgr.Count()})
				}
			}

			if t.segMgr.AllComplete() && t.queue.Len() == 0 && int(t.queue.IdleWorkers()) == numWorkers {
				t.queue.Close()
				return nil
			}
		}
	}
}

// progressLoop ticks every 100ms: samples atomic counters, derives
// instantaneous speed, synthesizes a Segment snapshot, and publishes
// ProgressUpdate/SpeedUpdate. Exits after the tick on which every segment
// is complete, or once the transfer reaches a terminal state.
func (o *Orchestrator) progressLoop(ctx context.Context, t *transfer) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var lastSampled int64
	lastTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			current := t.counters.Load()
			now := time.Now()
			dt := now.Sub(lastTime).Seconds()

			var instantSpeed float64
			if dt > 0 {
				instantSpeed = float64(current-lastSampled) / dt
			}
			lastSampled = current
			lastTime = now

			o.emit(Event{Kind: ProgressUpdate, DownloadID: t.id, Downloaded: current, Segments: t.segMgr.All()})
			o.emit(Event{Kind: SpeedUpdate, DownloadID: t.id, BytesPerSecond: instantSpeed})

			switch t.State() {
			case types.Complete, types.Failed, types.Cancelled:
				return nil
			}
			if t.segMgr.AllComplete() {
				return nil
			}
		}
	}
}

// Pause stops workers from pulling new WorkItems: closing the queue
// unblocks any worker idling in Pop, cancelling the run context stops
// in-flight requests, and runPipeline observes the Paused state and
// returns without a terminal event. The unfinished tail of every task
// (queued and in-flight) is collected by Resume.
func (o *Orchestrator) Pause(id DownloadID) error {
	t, err := o.get(id)
	if err != nil {
		return err
	}
	if t.State() != types.Downloading {
		return stormerr.New(stormerr.Config, "transfer is not downloading")
	}

	t.setState(types.Paused)
	t.queue.Close()
	t.cancel()
	o.emit(Event{Kind: StateChange, DownloadID: id, State: types.Paused})
	return nil
}

// Resume requeues every range left unfinished by Pause and restarts the
// pipeline with a fresh queue and context.
func (o *Orchestrator) Resume(id DownloadID) error {
	t, err := o.get(id)
	if err != nil {
		return err
	}
	if t.State() != types.Paused {
		return stormerr.New(stormerr.Config, "transfer is not paused")
	}

	remaining := t.queue.DrainRemaining()
	remaining = append(remaining, t.pool.DrainActive()...)

	newQueue := workqueue.New()
	newQueue.PushMultiple(remaining)
	t.queue = newQueue
	t.pool = worker.New(t.queue, t.segMgr, t.mirrors, o.conns, t.limiter, t.mon, t.file, t.counters, t.client, t.rc, t.logEntry(o.log))

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	go o.runPipeline(runCtx, t)
	return nil
}

// Cancel terminates the transfer immediately: cancelling its context
// causes workers to exit after their current chunk, in-flight requests
// are dropped, and a terminal StateChange(Cancelled) is emitted rather
// than Error.
func (o *Orchestrator) Cancel(id DownloadID) error {
	t, err := o.get(id)
	if err != nil {
		return err
	}
	// Workers idle in queue.Pop() block on the condition variable, not on
	// ctx — only Close() wakes them, the same reason Pause closes the queue.
	if t.queue != nil {
		t.queue.Close()
	}
	t.cancel()
	return nil
}

// SetBandwidthLimit updates the shared token bucket in place. A limit of
// 0 means unlimited.
func (o *Orchestrator) SetBandwidthLimit(id DownloadID, bytesPerSecond int64) error {
	t, err := o.get(id)
	if err != nil {
		return err
	}
	t.limiter.SetLimit(bytesPerSecond)
	return nil
}

func (o *Orchestrator) get(id DownloadID) (*transfer, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.transfers[id]
	if !ok {
		return nil, stormerr.New(stormerr.Config, fmt.Sprintf("unknown download id %d", id))
	}
	return t, nil
}
