package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sitechecker/internal/eventbus"
	rtsup "sitechecker/internal/runtime/supervisor"
	logx "sitechecker/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Engine runs jobs on a fixed worker pool fed by a bounded queue.
type Engine struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedJob
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	inFlight atomic.Int32

	stateMu sync.Mutex
	states  map[string]*RunState

	circuits circuitStore

	hmu     sync.Mutex
	history []HistoryItem

	idSeq atomic.Uint64

	dropped          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64

	lastQueueFullWarn atomic.Int64
	lastStaleWarn     atomic.Int64
}

type queuedJob struct {
	job        Job
	enqueuedAt time.Time
	timeout    time.Duration
	opt        Options
	state      *RunState
	track      bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		states: make(map[string]*RunState),
	}
}

func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Enabled
}

// Running reports whether workers are accepting jobs.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopCh != nil && e.stopDone == nil
}

// Supervisor returns the worker supervisor (nil when not started).
func (e *Engine) Supervisor() *rtsup.Supervisor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sup
}

// Apply swaps the config. Worker count or queue size changes restart the pool.
func (e *Engine) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	prev := e.cfg
	e.cfg = cfg
	running := e.stopCh != nil && e.stopDone == nil
	e.mu.Unlock()

	if !running {
		return
	}
	if !cfg.Enabled || prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize {
		e.Stop(ctx)
		e.Start(ctx)
	}
}

// Start launches the workers. It is idempotent.
func (e *Engine) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	if !e.cfg.Enabled {
		e.mu.Unlock()
		return
	}
	if e.stopCh != nil {
		done := e.stopDone
		e.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		e.mu.Lock()
		if e.stopCh != nil {
			e.mu.Unlock()
			return
		}
	}

	cfg := e.cfg
	e.q = make(chan queuedJob, cfg.QueueSize)
	e.stopCh = make(chan struct{})
	e.stopDone = nil
	stopCh, queue := e.stopCh, e.q
	e.inFlight.Store(0)

	e.sup = rtsup.New(ctx,
		rtsup.WithLogger(e.log),
		// A failing worker must not take the daemon down.
		rtsup.WithCancelOnError(false),
	)
	sup := e.sup
	e.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			e.worker(c, stopCh, queue, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	e.log.Info("engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop signals the workers and waits until they exit or ctx ends.
// Jobs still queued are discarded and reported to OnDone with ErrDiscarded.
func (e *Engine) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	if e.stopCh == nil {
		e.mu.Unlock()
		return
	}
	if e.stopDone != nil {
		done := e.stopDone
		e.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	e.stopDone = done
	close(e.stopCh)
	sup := e.sup
	e.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		e.mu.Lock()
		q, cfg := e.q, e.cfg
		e.q = nil
		e.stopCh = nil
		e.stopDone = nil
		e.sup = nil
		e.mu.Unlock()
		e.discard(cfg, q)
		close(done)
	}()

	select {
	case <-done:
		e.log.Info("engine stopped")
	case <-ctx.Done():
		e.log.Warn("engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue hands a job to the queue without blocking. A full queue drops the
// job and returns ErrQueueFull.
func (e *Engine) Enqueue(j Job) error {
	return e.enqueue(context.Background(), j, false)
}

// Submit waits for queue space until ctx ends or the engine stops.
func (e *Engine) Submit(ctx context.Context, j Job) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return e.enqueue(ctx, j, true)
}

func (e *Engine) enqueue(ctx context.Context, j Job, block bool) error {
	if j.Run == nil {
		return errors.New("job Run is nil")
	}
	j.Name = strings.TrimSpace(j.Name)
	if j.Name == "" {
		return errors.New("job Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(j.ID) == "" {
		j.ID = e.newJobID(now)
	}

	e.mu.Lock()
	cfg := e.cfg
	q := e.q
	stopCh := e.stopCh
	stopping := e.stopDone != nil
	e.mu.Unlock()

	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case q == nil || stopCh == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	timeout := j.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	opt := j.Opt.withDefaults(cfg)

	if open, until := e.circuitIsOpen(now, j.Name, cfg, opt); open {
		e.publish(eventbus.TypeJobSkipped, now, JobEvent{ID: j.ID, Name: j.Name, Started: now, Error: "circuit_open"})
		e.log.Debug("job skipped: circuit open", logx.String("job", j.Name), logx.String("id", j.ID), logx.Time("until", until))
		e.record(cfg, HistoryItem{ID: j.ID, Name: j.Name, Started: now, Error: "circuit_open"})
		return ErrCircuitOpen
	}

	st := j.State
	if st == nil {
		st = e.stateFor(j.Name)
	}
	track := false
	if opt.Overlap == OverlapSkipIfRunning {
		if !st.tryAcquire() {
			e.publish(eventbus.TypeJobSkipped, now, JobEvent{ID: j.ID, Name: j.Name, Started: now, Error: "overlap_skip"})
			e.log.Debug("job skipped due to overlap", logx.String("job", j.Name), logx.String("id", j.ID))
			return ErrOverlapSkip
		}
		track = true
	}

	qj := queuedJob{job: j, enqueuedAt: now, timeout: timeout, opt: opt, state: st, track: track}
	undo := func() {
		if track {
			st.release()
		}
	}

	if !block {
		select {
		case q <- qj:
			return nil
		default:
			undo()
			e.onQueueFull(now, j, q)
			return ErrQueueFull
		}
	}
	select {
	case q <- qj:
		return nil
	case <-ctx.Done():
		undo()
		return ctx.Err()
	case <-stopCh:
		undo()
		return ErrStopping
	}
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	cfg := e.cfg
	q := e.q
	running := e.stopCh != nil && e.stopDone == nil
	e.mu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Running:          running,
		Workers:          cfg.Workers,
		InFlight:         int(e.inFlight.Load()),
		Dropped:          e.dropped.Load(),
		DroppedQueueFull: e.droppedQueueFull.Load(),
		DroppedStale:     e.droppedStale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	snap.CircuitTotal, snap.CircuitOpen = e.circuitSnapshot(time.Now(), cfg)

	e.hmu.Lock()
	snap.History = append([]HistoryItem(nil), e.history...)
	e.hmu.Unlock()
	return snap
}

func (e *Engine) stateFor(name string) *RunState {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	st := e.states[name]
	if st == nil {
		st = &RunState{}
		e.states[name] = st
	}
	return st
}

func (e *Engine) newJobID(now time.Time) string {
	return fmt.Sprintf("job-%x-%x", now.UnixNano(), e.idSeq.Add(1))
}

func (e *Engine) publish(typ string, at time.Time, ev JobEvent) {
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
	}
}

func (e *Engine) record(cfg Config, item HistoryItem) {
	e.hmu.Lock()
	e.history = append(e.history, item)
	if n := cfg.HistorySize; n > 0 && len(e.history) > n {
		e.history = e.history[len(e.history)-n:]
	}
	e.hmu.Unlock()
}

func shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (e *Engine) onQueueFull(now time.Time, j Job, q chan queuedJob) {
	e.dropped.Add(1)
	e.droppedQueueFull.Add(1)
	e.publish(eventbus.TypeJobDropped, now, JobEvent{ID: j.ID, Name: j.Name, Started: now, Error: "queue_full"})
	if shouldWarn(&e.lastQueueFullWarn, now) {
		e.log.Warn("job dropped: queue full",
			logx.String("job", j.Name),
			logx.String("id", j.ID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", e.droppedQueueFull.Load()),
		)
	}
}

// discard drains jobs left in q after the workers exited.
func (e *Engine) discard(cfg Config, q chan queuedJob) {
	now := time.Now()
	n := 0
	for {
		select {
		case qj := <-q:
			if qj.track {
				qj.state.release()
			}
			n++
			e.dropped.Add(1)
			e.publish(eventbus.TypeJobDropped, now, JobEvent{ID: qj.job.ID, Name: qj.job.Name, Started: now, Error: "discarded"})
			e.record(cfg, HistoryItem{ID: qj.job.ID, Name: qj.job.Name, Started: now, Error: "discarded"})
			e.done(qj.job, Result{ID: qj.job.ID, Name: qj.job.Name, Err: ErrDiscarded})
		default:
			if n > 0 {
				e.log.Info("queued jobs discarded", logx.Int("count", n))
			}
			return
		}
	}
}

func (e *Engine) onStale(now time.Time, j Job, queueDelay time.Duration) {
	e.dropped.Add(1)
	e.droppedStale.Add(1)
	e.publish(eventbus.TypeJobDropped, now, JobEvent{ID: j.ID, Name: j.Name, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"})
	if shouldWarn(&e.lastStaleWarn, now) {
		e.log.Warn("job dropped: stale queue",
			logx.String("job", j.Name),
			logx.String("id", j.ID),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", e.droppedStale.Load()),
		)
	}
}
