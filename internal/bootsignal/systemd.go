package bootsignal

import (
	"context"
	"errors"
	"time"

	"sitechecker/internal/boot"
	logx "sitechecker/pkg/logx"
)

// ErrUnsupported is returned by SystemdSource on hosts without systemd support.
var ErrUnsupported = errors.New("systemd boot source is only supported on linux")

const defaultSystemdPoll = 2 * time.Second

// stateReader returns the systemd manager's SystemState.
type stateReader interface {
	SystemState(ctx context.Context) (string, error)
	Close()
}

// SystemdSource waits until systemd reports the system finished booting
// ("running" or "degraded") and then emits one boot-completed event. A
// "stopping" system ends the source without an event.
type SystemdSource struct {
	Poll time.Duration
	Log  logx.Logger

	newReader func(ctx context.Context, log logx.Logger) (stateReader, error)
}

func NewSystemdSource(poll time.Duration, log logx.Logger) *SystemdSource {
	return &SystemdSource{Poll: poll, Log: log, newReader: newSystemStateReader}
}

func (s *SystemdSource) Name() string { return "systemd" }

func (s *SystemdSource) Run(ctx context.Context, sink Sink) error {
	poll := s.Poll
	if poll <= 0 {
		poll = defaultSystemdPoll
	}
	newReader := s.newReader
	if newReader == nil {
		newReader = newSystemStateReader
	}
	r, err := newReader(ctx, s.Log)
	if err != nil {
		return err
	}
	defer r.Close()

	last := ""
	for {
		state, err := r.SystemState(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			s.Log.Debug("systemd state unavailable", logx.Err(err))
		case state != last:
			s.Log.Debug("systemd state", logx.String("state", state))
			last = state
		}

		switch state {
		case "running", "degraded":
			if ctx.Err() != nil {
				return nil
			}
			_ = sink.Dispatch(ctx, &boot.Event{
				Action: boot.ActionBootCompleted,
				Source: s.Name(),
				Extras: map[string]string{"system_state": state},
			})
			return nil
		case "stopping", "offline":
			s.Log.Info("system is not booting; boot event skipped", logx.String("state", state))
			return nil
		}
		if !sleep(ctx, poll) {
			return nil
		}
	}
}
