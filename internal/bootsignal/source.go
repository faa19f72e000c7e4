package bootsignal

import (
	"context"
	"time"

	"sitechecker/internal/boot"
	logx "sitechecker/pkg/logx"
)

// Source produces events until it is done or ctx ends.
type Source interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}

// StartupSource emits one boot-completed event after Delay.
type StartupSource struct {
	Delay time.Duration
	Log   logx.Logger
}

func (s *StartupSource) Name() string { return "startup" }

func (s *StartupSource) Run(ctx context.Context, sink Sink) error {
	if !sleep(ctx, s.Delay) {
		return nil
	}
	// Handler errors are already logged by the dispatcher.
	_ = sink.Dispatch(ctx, &boot.Event{Action: boot.ActionBootCompleted, Source: s.Name()})
	return nil
}

// sleep waits d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
