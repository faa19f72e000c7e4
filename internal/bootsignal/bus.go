package bootsignal

import (
	"context"
	"fmt"
	"time"

	"sitechecker/internal/boot"
	"sitechecker/internal/eventbus"
	logx "sitechecker/pkg/logx"
)

// BusSource dispatches every "broadcast" event published on an event bus.
// The payload must be a boot.Event or *boot.Event.
type BusSource struct {
	Bus eventbus.Bus
	Log logx.Logger
}

func (s *BusSource) Name() string { return "bus" }

func (s *BusSource) Run(ctx context.Context, sink Sink) error {
	ch, unsubscribe := s.Bus.Subscribe(64)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Type != eventbus.TypeBroadcast {
				continue
			}
			var be boot.Event
			switch p := ev.Data.(type) {
			case boot.Event:
				be = p
			case *boot.Event:
				if p == nil {
					continue
				}
				be = *p
			default:
				s.Log.Warn("broadcast with unexpected payload dropped", logx.String("type", typeName(ev.Data)))
				continue
			}
			if be.Source == "" {
				be.Source = s.Name()
			}
			_ = sink.Dispatch(ctx, &be)
		}
	}
}

// Broadcast publishes ev on bus for BusSource to deliver.
func Broadcast(bus eventbus.Bus, ev boot.Event) {
	bus.Publish(eventbus.Event{Type: eventbus.TypeBroadcast, Time: time.Now(), Data: ev})
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", v)
}
