package bootsignal

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sitechecker/internal/boot"
	"sitechecker/internal/eventbus"
	"sitechecker/internal/metrics"
	logx "sitechecker/pkg/logx"
)

type recordingSink struct {
	mu     sync.Mutex
	events []boot.Event
	got    chan struct{}
}

func newRecordingSink() *recordingSink { return &recordingSink{got: make(chan struct{}, 8)} }

func (s *recordingSink) Dispatch(_ context.Context, ev *boot.Event) error {
	s.mu.Lock()
	s.events = append(s.events, *ev)
	s.mu.Unlock()
	select {
	case s.got <- struct{}{}:
	default:
	}
	return nil
}

func (s *recordingSink) all() []boot.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]boot.Event(nil), s.events...)
}

func TestDispatcherStampsCopy(t *testing.T) {
	var seen *boot.Event
	d := NewDispatcher(boot.HandlerFunc(func(_ context.Context, ev *boot.Event) error {
		seen = ev
		return nil
	}), logx.Nop(), nil, nil)
	fixed := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	d.now = func() time.Time { return fixed }
	ev := &boot.Event{Action: boot.ActionBootCompleted}

	require.NoError(t, d.Dispatch(context.Background(), ev))

	assert.True(t, ev.At.IsZero(), "caller's event must not change")
	require.NotNil(t, seen)
	assert.Equal(t, fixed, seen.At)
}

func TestDispatcherPropagatesErrorAndPublishes(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()
	m := metrics.New()
	failure := errors.New("scheduler unavailable")
	d := NewDispatcher(boot.HandlerFunc(func(context.Context, *boot.Event) error { return failure }), logx.Nop(), m, bus)

	err := d.Dispatch(context.Background(), &boot.Event{Action: boot.ActionBootCompleted, Source: "test"})

	assert.Same(t, failure, err)
	ev := <-ch
	assert.Equal(t, eventbus.TypeBroadcastFailed, ev.Type)
	assert.Equal(t, "scheduler unavailable", ev.Data.(Delivery).Error)

	n, gerr := testutil.GatherAndCount(m.Registry(), "sitechecker_broadcasts_total")
	require.NoError(t, gerr)
	assert.Equal(t, 1, n)
}

func TestDispatcherRecoversPanic(t *testing.T) {
	d := NewDispatcher(boot.HandlerFunc(func(context.Context, *boot.Event) error { panic("boom") }), logx.Nop(), nil, nil)

	err := d.Dispatch(context.Background(), &boot.Event{Action: "x"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestDispatcherPassesNilEvent(t *testing.T) {
	called := false
	d := NewDispatcher(boot.HandlerFunc(func(_ context.Context, ev *boot.Event) error {
		called = true
		assert.Nil(t, ev)
		return nil
	}), logx.Nop(), nil, nil)

	require.NoError(t, d.Dispatch(context.Background(), nil))
	assert.True(t, called)
}

func TestStartupSourceEmitsOnce(t *testing.T) {
	sink := newRecordingSink()
	src := &StartupSource{Delay: 10 * time.Millisecond}

	require.NoError(t, src.Run(context.Background(), sink))

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, boot.ActionBootCompleted, events[0].Action)
	assert.Equal(t, "startup", events[0].Source)
}

func TestStartupSourceCancelled(t *testing.T) {
	sink := newRecordingSink()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, (&StartupSource{Delay: time.Hour}).Run(ctx, sink))
	require.NoError(t, (&StartupSource{}).Run(ctx, sink))
	assert.Empty(t, sink.all())
}

type scriptedReader struct {
	states []string
	i      int
	closed bool
}

func (r *scriptedReader) SystemState(context.Context) (string, error) {
	if r.i >= len(r.states) {
		return "", errors.New("no more states")
	}
	s := r.states[r.i]
	r.i++
	return s, nil
}

func (r *scriptedReader) Close() { r.closed = true }

func scripted(r *scriptedReader) func(context.Context, logx.Logger) (stateReader, error) {
	return func(context.Context, logx.Logger) (stateReader, error) { return r, nil }
}

func TestSystemdSourceWaitsForRunning(t *testing.T) {
	r := &scriptedReader{states: []string{"initializing", "starting", "degraded"}}
	src := &SystemdSource{Poll: time.Millisecond, newReader: scripted(r)}
	sink := newRecordingSink()

	require.NoError(t, src.Run(context.Background(), sink))

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "systemd", events[0].Source)
	assert.Equal(t, "degraded", events[0].Extras["system_state"])
	assert.Equal(t, 3, r.i)
	assert.True(t, r.closed)
}

func TestSystemdSourceStoppingEmitsNothing(t *testing.T) {
	r := &scriptedReader{states: []string{"starting", "stopping"}}
	src := &SystemdSource{Poll: time.Millisecond, newReader: scripted(r)}
	sink := newRecordingSink()

	require.NoError(t, src.Run(context.Background(), sink))
	assert.Empty(t, sink.all())
}

func TestSystemdSourceReaderError(t *testing.T) {
	src := &SystemdSource{newReader: func(context.Context, logx.Logger) (stateReader, error) { return nil, ErrUnsupported }}
	assert.ErrorIs(t, src.Run(context.Background(), newRecordingSink()), ErrUnsupported)
}

func TestBusSourceDispatchesBroadcasts(t *testing.T) {
	bus := eventbus.New()
	sink := newRecordingSink()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	src := &BusSource{Bus: bus, Log: logx.Nop()}
	go func() { done <- src.Run(ctx, sink) }()

	// Wait for the subscription before publishing.
	require.Eventually(t, func() bool {
		Broadcast(bus, boot.Event{Action: boot.ActionScreenOn})
		select {
		case <-sink.got:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	bus.Publish(eventbus.Event{Type: eventbus.TypeSiteChecked, Data: "ignored"})
	bus.Publish(eventbus.Event{Type: eventbus.TypeBroadcast, Data: &boot.Event{Action: boot.ActionBootCompleted, Source: "cli"}})
	require.Eventually(t, func() bool {
		events := sink.all()
		return events[len(events)-1].Source == "cli"
	}, 2*time.Second, 10*time.Millisecond, "pointer payload not dispatched")

	cancel()
	require.NoError(t, <-done)
	events := sink.all()
	assert.Equal(t, "bus", events[0].Source)
	assert.Equal(t, boot.ActionScreenOn, events[0].Action)
}

func TestDispatcherCountsOtherActionsAsIgnored(t *testing.T) {
	m := metrics.New()
	d := NewDispatcher(boot.HandlerFunc(func(context.Context, *boot.Event) error { return nil }), logx.Nop(), m, nil)

	require.NoError(t, d.Dispatch(context.Background(), &boot.Event{Action: boot.ActionScreenOn}))
	require.NoError(t, d.Dispatch(context.Background(), &boot.Event{Action: boot.ActionBootCompleted}))
	require.NoError(t, d.Dispatch(context.Background(), nil))

	want := `
# HELP sitechecker_broadcasts_total Broadcasts dispatched to the boot handler.
# TYPE sitechecker_broadcasts_total counter
sitechecker_broadcasts_total{action="",result="ignored"} 1
sitechecker_broadcasts_total{action="` + boot.ActionBootCompleted + `",result="ok"} 1
sitechecker_broadcasts_total{action="` + boot.ActionScreenOn + `",result="ignored"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(want), "sitechecker_broadcasts_total"))
}
