package sitecheck

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sitechecker/internal/boot"
	"sitechecker/internal/eventbus"
	"sitechecker/internal/notifier"
	"sitechecker/internal/storage"
	"sitechecker/internal/task/engine"
	logx "sitechecker/pkg/logx"
)

type alertLog struct {
	mu     sync.Mutex
	alerts []notifier.Alert
}

func (l *alertLog) Notify(_ context.Context, a notifier.Alert) error {
	l.mu.Lock()
	l.alerts = append(l.alerts, a)
	l.mu.Unlock()
	return nil
}

func (l *alertLog) all() []notifier.Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]notifier.Alert(nil), l.alerts...)
}

type fakeScheduler struct {
	mu   sync.Mutex
	runs map[string]func(context.Context) error
	spec map[string]string
	fail error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{runs: map[string]func(context.Context) error{}, spec: map[string]string{}}
}

func (f *fakeScheduler) AddSchedule(name, schedule string, _ time.Duration, run func(context.Context) error) error {
	if f.fail != nil {
		return f.fail
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[name] = run
	f.spec[name] = schedule
	return nil
}

func (f *fakeScheduler) Remove(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.runs[name]
	delete(f.runs, name)
	delete(f.spec, name)
	return ok
}

func (f *fakeScheduler) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.runs))
	for n := range f.runs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (f *fakeScheduler) trigger(t *testing.T, name string) {
	t.Helper()
	f.mu.Lock()
	run := f.runs[name]
	f.mu.Unlock()
	require.NotNil(t, run, "schedule %s", name)
	require.NoError(t, run(context.Background()))
}

type enqueueFunc func(run func(context.Context) error) error

func (f enqueueFunc) Enqueue(j engine.Job) error { return f(j.Run) }

// flakyServer answers 200 until down is set, then 503.
func flakyServer(t *testing.T) (*httptest.Server, *atomic.Bool) {
	t.Helper()
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)
	return srv, &down
}

func fastChecker() *Checker {
	return NewChecker(CheckerConfig{Timeout: 2 * time.Second, RatePerSec: 1000, Burst: 100}, nil)
}

func TestCheckerClassifiesStatus(t *testing.T) {
	var ua atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua.Store(r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/teapot":
			w.WriteHeader(http.StatusTeapot)
		case "/moved":
			http.Redirect(w, r, "/", http.StatusFound)
		default:
			assert.Equal(t, http.MethodHead, r.Method)
		}
	}))
	defer srv.Close()
	c := NewChecker(CheckerConfig{RatePerSec: 1000, UserAgent: "probe/2"}, nil)
	ctx := context.Background()

	r := c.Check(ctx, Site{Name: "root", URL: srv.URL, Method: "head"})
	assert.True(t, r.Up())
	assert.Equal(t, http.StatusOK, r.Status)
	assert.Equal(t, "probe/2", ua.Load())

	r = c.Check(ctx, Site{Name: "moved", URL: srv.URL + "/moved"})
	assert.True(t, r.Up(), "3xx counts as up by default")
	assert.Equal(t, http.StatusFound, r.Status)

	r = c.Check(ctx, Site{Name: "teapot", URL: srv.URL + "/teapot"})
	assert.Equal(t, StateDown, r.State)
	assert.Contains(t, r.Error, "418")

	r = c.Check(ctx, Site{Name: "teapot", URL: srv.URL + "/teapot", ExpectStatus: []int{418}})
	assert.True(t, r.Up())
}

func TestCheckerTimeoutAndBadURL(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)
	c := fastChecker()

	r := c.Check(context.Background(), Site{Name: "slow", URL: srv.URL, Timeout: 50 * time.Millisecond})
	assert.Equal(t, StateDown, r.State)
	assert.Equal(t, "timeout", r.Error)

	r = c.Check(context.Background(), Site{Name: "bad", URL: "://nope"})
	assert.Equal(t, StateDown, r.State)
	assert.NotEmpty(t, r.Error)
}

func TestMonitorAlertsOnTransitions(t *testing.T) {
	alerts := &alertLog{}
	bus := eventbus.New()
	changes, unsub := bus.Subscribe(16)
	defer unsub()
	m := NewMonitor(MonitorOptions{Notifier: alerts, Bus: bus, NotifyRecovery: true}, logx.Nop())
	ctx := context.Background()
	at := time.Now()

	m.Observe(ctx, Result{Site: "a", State: StateUp, At: at})
	m.Observe(ctx, Result{Site: "a", State: StateUp, At: at})
	assert.Empty(t, alerts.all(), "first up is not an alert")

	m.Observe(ctx, Result{Site: "a", State: StateDown, Status: 503, At: at})
	m.Observe(ctx, Result{Site: "a", State: StateDown, Status: 503, At: at})
	m.Observe(ctx, Result{Site: "a", State: StateUp, Status: 200, At: at})

	got := alerts.all()
	require.Len(t, got, 2)
	assert.Equal(t, StateDown, got[0].State)
	assert.Equal(t, StateUp, got[0].Previous)
	assert.Equal(t, StateUp, got[1].State)
	assert.Equal(t, StateDown, got[1].Previous)

	var checked, changed int
	for len(changes) > 0 {
		switch (<-changes).Type {
		case eventbus.TypeSiteChecked:
			checked++
		case eventbus.TypeSiteChanged:
			changed++
		}
	}
	assert.Equal(t, 5, checked)
	assert.Equal(t, 3, changed)

	st, ok := m.Status("a")
	require.True(t, ok)
	assert.Equal(t, StateUp, st.State)
}

func TestMonitorWithoutRecoveryAlerts(t *testing.T) {
	alerts := &alertLog{}
	m := NewMonitor(MonitorOptions{Notifier: alerts}, logx.Nop())
	ctx := context.Background()

	m.Observe(ctx, Result{Site: "a", State: StateDown})
	m.Observe(ctx, Result{Site: "a", State: StateUp})

	got := alerts.all()
	require.Len(t, got, 1)
	assert.Equal(t, StateDown, got[0].State)
	assert.Empty(t, got[0].Previous, "first result of a down site alerts")
}

func TestMonitorRestoresStateFromStore(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()
	require.NoError(t, st.AppendCheck(ctx, storage.CheckRecord{At: time.Now(), Site: "a", State: StateDown}))

	alerts := &alertLog{}
	m := NewMonitor(MonitorOptions{Store: st, Notifier: alerts, NotifyRecovery: true}, logx.Nop())
	m.Observe(ctx, Result{Site: "a", State: StateDown, At: time.Now()})
	assert.Empty(t, alerts.all(), "still down after restart")

	m.Observe(ctx, Result{Site: "a", State: StateUp, At: time.Now()})
	require.Len(t, alerts.all(), 1)

	recs, err := st.RecentChecks(ctx, "a", 10)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestMonitorSendsAlertsThroughEngine(t *testing.T) {
	var queued int
	eng := enqueueFunc(func(run func(context.Context) error) error {
		queued++
		return run(context.Background())
	})
	alerts := &alertLog{}
	m := NewMonitor(MonitorOptions{Notifier: alerts, Engine: eng}, logx.Nop())

	m.Observe(context.Background(), Result{Site: "a", State: StateDown})
	assert.Equal(t, 1, queued)
	assert.Len(t, alerts.all(), 1)
}

func TestInitializeRegistersSchedulesAndProbes(t *testing.T) {
	srv, down := flakyServer(t)
	sched := newFakeScheduler()
	alerts := &alertLog{}
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	m := NewMonitor(MonitorOptions{Store: st, Notifier: alerts, NotifyRecovery: true}, logx.Nop())
	svc := NewService(fastChecker(), m, sched, st, logx.Nop())
	require.NoError(t, svc.SetSites([]Site{
		{Name: "home", URL: srv.URL},
		{Name: "api", URL: srv.URL + "/api", Interval: "30s"},
	}, "2m"))
	assert.Empty(t, sched.Names(), "schedules wait for initialize")

	require.NoError(t, svc.InitializeWorker(boot.OneTimeWorkRequest(TaskInitialize)).DoWork(context.Background()))
	assert.Equal(t, []string{"site:api", "site:home"}, sched.Names())
	assert.Equal(t, "2m", sched.spec["site:home"])
	assert.Equal(t, "30s", sched.spec["site:api"])

	ctx := context.Background()
	boots, err := st.RecentChecks(ctx, "*", 5)
	require.NoError(t, err)
	require.Len(t, boots, 1)
	assert.Equal(t, StateBoot, boots[0].State)

	status := svc.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "api", status[0].Name)
	assert.Equal(t, StateUp, status[0].State)

	down.Store(true)
	sched.trigger(t, "site:home")
	got := alerts.all()
	require.Len(t, got, 1)
	assert.Equal(t, "home", got[0].Site)
	assert.Equal(t, http.StatusServiceUnavailable, got[0].Status)

	// Re-running is safe: same schedules, one more boot row.
	require.NoError(t, svc.Initialize(ctx))
	assert.Equal(t, []string{"site:api", "site:home"}, sched.Names())
	boots, err = st.RecentChecks(ctx, "*", 5)
	require.NoError(t, err)
	assert.Len(t, boots, 2)
}

func TestSetSitesAfterInitializeResyncs(t *testing.T) {
	srv, _ := flakyServer(t)
	sched := newFakeScheduler()
	svc := NewService(fastChecker(), NewMonitor(MonitorOptions{}, logx.Nop()), sched, nil, logx.Nop())
	require.NoError(t, svc.SetSites([]Site{{Name: "a", URL: srv.URL}, {Name: "b", URL: srv.URL}}, ""))
	require.NoError(t, svc.Initialize(context.Background()))

	require.NoError(t, svc.SetSites([]Site{{Name: "b", URL: srv.URL}, {Name: "c", URL: srv.URL, Interval: "1h"}}, ""))

	assert.Equal(t, []string{"site:b", "site:c"}, sched.Names())
	assert.Equal(t, "5m", sched.spec["site:b"])
	_, known := svc.monitor.Status("a")
	assert.False(t, known)
}

func TestInitializeReportsScheduleErrors(t *testing.T) {
	srv, _ := flakyServer(t)
	sched := newFakeScheduler()
	sched.fail = errors.New("bad interval")
	svc := NewService(fastChecker(), NewMonitor(MonitorOptions{}, logx.Nop()), sched, nil, logx.Nop())
	require.NoError(t, svc.SetSites([]Site{{Name: "a", URL: srv.URL}}, ""))

	err := svc.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `site "a"`)

	st, known := svc.monitor.Status("a")
	assert.True(t, known, "the first probe still runs")
	assert.Equal(t, StateUp, st.State)
}

func TestCheckNow(t *testing.T) {
	srv, _ := flakyServer(t)
	svc := NewService(fastChecker(), NewMonitor(MonitorOptions{}, logx.Nop()), newFakeScheduler(), nil, logx.Nop())
	require.NoError(t, svc.SetSites([]Site{{Name: "a", URL: srv.URL}}, ""))

	r, err := svc.CheckNow(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, r.Up())

	_, err = svc.CheckNow(context.Background(), "missing")
	assert.Error(t, err)
}

func TestCheckerAbortsWhenCallerGivesUp(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/hold" {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()
	defer close(release)

	c := fastChecker()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r := c.Check(ctx, Site{Name: "held", URL: srv.URL + "/hold"})
	assert.True(t, r.Aborted(), "state = %s", r.State)
	assert.False(t, r.Up())

	limited := NewChecker(CheckerConfig{Timeout: 2 * time.Second, RatePerSec: 0.01, Burst: 1}, nil)
	require.True(t, limited.Check(context.Background(), Site{Name: "first", URL: srv.URL}).Up())
	ctx2, cancel2 := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel2()
	r = limited.Check(ctx2, Site{Name: "second", URL: srv.URL})
	assert.True(t, r.Aborted(), "state = %s", r.State)
	assert.Contains(t, r.Error, "rate limit")
}

func TestAbortedCheckIsNotRecorded(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	srv, _ := flakyServer(t)
	alerts := &alertLog{}
	m := NewMonitor(MonitorOptions{Store: st, Notifier: alerts}, logx.Nop())
	svc := NewService(fastChecker(), m, newFakeScheduler(), st, logx.Nop())
	require.NoError(t, svc.SetSites([]Site{{Name: "a", URL: srv.URL}}, ""))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, err := svc.CheckNow(ctx, "a")
	require.NoError(t, err)
	assert.True(t, r.Aborted())

	m.Observe(context.Background(), Result{Site: "a", State: StateAborted, Error: "context canceled"})

	assert.Empty(t, alerts.all())
	_, known := m.Status("a")
	assert.False(t, known)
	recs, err := st.RecentChecks(context.Background(), "a", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

// failingAppends loses every new check row.
type failingAppends struct{ storage.Store }

func (failingAppends) AppendCheck(context.Context, storage.CheckRecord) error {
	return errors.New("disk full")
}

func TestMonitorRestoresStateWhenStoreWriteFails(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()
	require.NoError(t, st.AppendCheck(ctx, storage.CheckRecord{At: time.Now().Add(-time.Minute), Site: "a", State: StateDown}))

	alerts := &alertLog{}
	m := NewMonitor(MonitorOptions{Store: failingAppends{st}, Notifier: alerts, NotifyRecovery: true}, logx.Nop())
	m.Observe(ctx, Result{Site: "a", State: StateDown, At: time.Now()})
	assert.Empty(t, alerts.all(), "down before the restart, still down")

	m.Observe(ctx, Result{Site: "a", State: StateUp, At: time.Now()})
	require.Len(t, alerts.all(), 1)
	assert.Equal(t, StateDown, alerts.all()[0].Previous)
}
