package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"sitechecker/internal/eventbus"
	logx "sitechecker/pkg/logx"
)

func (e *Engine) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedJob, idx int) {
	// Per-worker RNG keeps jitter off the global lock.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qj, ok := <-queue:
			if !ok {
				return
			}
			e.inFlight.Add(1)
			e.execOne(ctx, stopCh, qj, rng)
			e.inFlight.Add(-1)
		}
	}
}

func (e *Engine) execOne(ctx context.Context, stopCh <-chan struct{}, qj queuedJob, rng *rand.Rand) {
	start := time.Now()
	queueDelay := start.Sub(qj.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	if qj.track {
		defer qj.state.release()
	}

	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		e.onStale(start, qj.job, queueDelay)
		e.record(cfg, HistoryItem{ID: qj.job.ID, Name: qj.job.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		e.done(qj.job, Result{ID: qj.job.ID, Name: qj.job.Name, Err: ErrStale})
		return
	}

	e.log.Debug("job.started", logx.String("job", qj.job.Name), logx.String("id", qj.job.ID), logx.Duration("queue_delay", queueDelay))
	e.publish(eventbus.TypeJobStarted, start, JobEvent{ID: qj.job.ID, Name: qj.job.Name, Started: start, QueueDelay: queueDelay})

	var err error
	attempts := 0
	maxAttempts := 1 + qj.opt.RetryMax
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err = e.runAttempt(ctx, qj)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt == maxAttempts {
			break
		}

		delay := backoffDelayWithHint(qj.opt, attempt, err, rng)
		e.log.Debug("job retry scheduled", logx.String("job", qj.job.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			err = ErrStopping
			break attemptLoop
		case <-tmr.C:
		}
	}

	if err != nil && !Interrupted(err) && (ctx.Err() != nil || stopped(stopCh)) {
		err = fmt.Errorf("%w: %w", ErrStopping, err)
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qj.job.ID, Name: qj.job.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	ev := JobEvent{ID: qj.job.ID, Name: qj.job.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		e.log.Warn("job.failed", logx.String("job", qj.job.Name), logx.String("id", qj.job.ID), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		e.publish(eventbus.TypeJobFailed, time.Now(), ev)
	} else {
		lvl := e.log.Debug
		if dur >= 750*time.Millisecond {
			lvl = e.log.Info
		}
		lvl("job.completed", logx.String("job", qj.job.Name), logx.String("id", qj.job.ID), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		e.publish(eventbus.TypeJobFinished, time.Now(), ev)
	}

	if !Interrupted(err) {
		e.circuitRecordResult(time.Now(), qj.job.Name, cfg, qj.opt, err)
	}
	e.record(cfg, item)
	e.done(qj.job, Result{ID: qj.job.ID, Name: qj.job.Name, Attempts: attempts, Duration: dur, Err: err})
}

func stopped(stopCh <-chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}

// runAttempt converts panics to errors so one bad job cannot kill a worker.
func (e *Engine) runAttempt(ctx context.Context, qj queuedJob) (err error) {
	runCtx := ctx
	if qj.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qj.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			e.log.Error("job.panic", logx.String("job", qj.job.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qj.job.Run(runCtx)
}

func (e *Engine) done(j Job, r Result) {
	if j.OnDone == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("job.on_done panic", logx.String("job", j.Name), logx.Any("panic", p))
		}
	}()
	j.OnDone(r)
}

func backoffDelayWithHint(opt Options, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		return clampJitter(ra.RetryAfter(), opt, rng)
	}
	return backoffDelay(opt, retry, rng)
}

func backoffDelay(opt Options, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	if d <= 0 {
		d = 500 * time.Millisecond
	}
	for i := 1; i < retry; i++ {
		d *= 2
		if opt.RetryMaxDelay > 0 && d > opt.RetryMaxDelay {
			break
		}
	}
	return clampJitter(d, opt, rng)
}

// clampJitter applies +-RetryJitter to d and bounds it to [0, RetryMaxDelay].
func clampJitter(d time.Duration, opt Options, rng *rand.Rand) time.Duration {
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	if d < 0 {
		d = 0
	}
	if d > maxD {
		d = maxD
	}
	if j := opt.RetryJitter; j > 0 && d > 0 && rng != nil {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*j))
	}
	if d < 0 {
		d = 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
