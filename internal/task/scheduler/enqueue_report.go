package scheduler

import (
	"errors"
	"time"

	"sitechecker/internal/task/engine"
	logx "sitechecker/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs failed triggers, at most once per schedule every
// enqueueWarnThrottle. Overlap and circuit skips are routine and stay at debug.
func (s *Scheduler) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) || errors.Is(err, engine.ErrCircuitOpen) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("schedule failed to enqueue job", logx.String("schedule", name), logx.Err(err))
}
