package bootsignal

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"sitechecker/internal/boot"
	"sitechecker/internal/eventbus"
	"sitechecker/internal/metrics"
	logx "sitechecker/pkg/logx"
)

// Sink receives events from a Source.
type Sink interface {
	Dispatch(ctx context.Context, ev *boot.Event) error
}

// Delivery is the payload of broadcast.delivered and broadcast.failed events.
type Delivery struct {
	Action string        `json:"action"`
	Source string        `json:"source,omitempty"`
	Took   time.Duration `json:"took"`
	Error  string        `json:"error,omitempty"`
}

type Dispatcher struct {
	h       boot.Handler
	log     logx.Logger
	metrics *metrics.Metrics
	bus     eventbus.Bus
	now     func() time.Time
}

// NewDispatcher returns a dispatcher calling h. m and bus may be nil.
func NewDispatcher(h boot.Handler, log logx.Logger, m *metrics.Metrics, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{h: h, log: log, metrics: m, bus: bus, now: time.Now}
}

// Dispatch stamps ev with the delivery time when unset and runs the handler
// synchronously. The caller's event is not modified. A handler panic is
// returned as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *boot.Event) (err error) {
	if ev == nil {
		d.metrics.Broadcast("", metrics.ResultIgnored)
		return d.call(ctx, nil)
	}
	e := *ev
	if e.At.IsZero() {
		e.At = d.now()
	}

	start := time.Now()
	err = d.call(ctx, &e)
	took := time.Since(start)

	fields := []logx.Field{logx.String("action", e.Action), logx.String("source", e.Source), logx.Duration("took", took)}
	del := Delivery{Action: e.Action, Source: e.Source, Took: took}
	if err != nil {
		del.Error = err.Error()
		d.log.Warn("broadcast handler failed", append(fields, logx.Err(err))...)
		d.metrics.Broadcast(e.Action, metrics.ResultError)
		d.publish(eventbus.TypeBroadcastFailed, del)
		return err
	}
	d.log.Debug("broadcast delivered", fields...)
	result := metrics.ResultOK
	if e.Action != boot.ActionBootCompleted {
		result = metrics.ResultIgnored
	}
	d.metrics.Broadcast(e.Action, result)
	d.publish(eventbus.TypeBroadcastDelivered, del)
	return nil
}

func (d *Dispatcher) call(ctx context.Context, ev *boot.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("broadcast handler panic: %v", r)
			d.log.Error("broadcast handler panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return d.h.Handle(ctx, ev)
}

func (d *Dispatcher) publish(typ string, del Delivery) {
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: typ, Time: d.now(), Data: del})
	}
}
