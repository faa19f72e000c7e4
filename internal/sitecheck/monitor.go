package sitecheck

import (
	"context"
	"sync"
	"time"

	"sitechecker/internal/eventbus"
	"sitechecker/internal/metrics"
	"sitechecker/internal/notifier"
	"sitechecker/internal/storage"
	"sitechecker/internal/task/engine"
	logx "sitechecker/pkg/logx"
)

const (
	storeTimeout  = 2 * time.Second
	alertTimeout  = 30 * time.Second
	restoreWindow = 5
)

// Enqueuer is the part of the task engine alerts are sent through.
type Enqueuer interface {
	Enqueue(j engine.Job) error
}

// Change is the payload of site.changed events.
type Change struct {
	Site     string `json:"site"`
	Previous string `json:"previous,omitempty"`
	Result   Result `json:"result"`
}

type siteState struct {
	state string
	since time.Time
	last  Result
}

// MonitorOptions wires the monitor's collaborators. Every field may be nil.
type MonitorOptions struct {
	Store    storage.Store
	Metrics  *metrics.Metrics
	Bus      eventbus.Bus
	Notifier notifier.Notifier
	// Engine runs alert deliveries so they get retries. Nil sends inline.
	Engine Enqueuer
	// NotifyRecovery also alerts on down -> up.
	NotifyRecovery bool
}

// Monitor tracks the last state of each site and reacts to transitions.
//
// The first result of a site alerts only when it is down. A state restored
// from storage counts as known, so a restart does not repeat alerts.
type Monitor struct {
	opt MonitorOptions
	log logx.Logger

	mu     sync.Mutex
	states map[string]*siteState
}

func NewMonitor(opt MonitorOptions, log logx.Logger) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{opt: opt, log: log, states: map[string]*siteState{}}
}

// SetNotifyRecovery toggles recovery alerts.
func (m *Monitor) SetNotifyRecovery(v bool) {
	m.mu.Lock()
	m.opt.NotifyRecovery = v
	m.mu.Unlock()
}

// Observe records r and alerts on a transition. Aborted results are dropped.
func (m *Monitor) Observe(ctx context.Context, r Result) {
	if r.Aborted() {
		m.log.Debug("aborted check ignored", logx.String("site", r.Site), logx.String("error", r.Error))
		return
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	m.store(ctx, r)
	m.opt.Metrics.SiteChecked(r.Site, r.State, r.Latency)
	m.publish(eventbus.TypeSiteChecked, r.At, r)

	prev, known := m.previous(ctx, r)

	m.mu.Lock()
	st := m.states[r.Site]
	if st == nil {
		st = &siteState{}
		m.states[r.Site] = st
	}
	changed := st.state != r.State
	if changed {
		st.state = r.State
		st.since = r.At
	}
	st.last = r
	recovery := m.opt.NotifyRecovery
	m.mu.Unlock()

	if !changed {
		return
	}
	m.publish(eventbus.TypeSiteChanged, r.At, Change{Site: r.Site, Previous: prev, Result: r})

	fields := []logx.Field{logx.String("site", r.Site), logx.String("state", r.State), logx.String("previous", prev), logx.Int("status", r.Status)}
	if r.Error != "" {
		fields = append(fields, logx.String("error", r.Error))
	}
	switch {
	case r.State == StateDown:
		m.log.Warn("site down", fields...)
	case known:
		m.log.Info("site recovered", fields...)
	default:
		m.log.Debug("site up", fields...)
	}

	if r.State == StateUp && (!known || !recovery) {
		return
	}
	m.alert(notifier.Alert{
		Site:     r.Site,
		URL:      r.URL,
		State:    r.State,
		Previous: prev,
		Status:   r.Status,
		Latency:  r.Latency,
		Error:    r.Error,
		At:       r.At,
	})
}

// previous returns the state before r. Unknown sites are looked up in
// storage once; rows not older than r are skipped.
func (m *Monitor) previous(ctx context.Context, r Result) (string, bool) {
	site := r.Site
	m.mu.Lock()
	st := m.states[site]
	m.mu.Unlock()
	if st != nil && st.state != "" {
		return st.state, true
	}
	if m.opt.Store == nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	recs, err := m.opt.Store.RecentChecks(ctx, site, restoreWindow)
	if err != nil {
		m.log.Debug("state restore failed", logx.String("site", site), logx.Err(err))
		return "", false
	}
	for _, rec := range recs {
		if rec.State == StateBoot || !rec.At.Before(r.At) {
			continue
		}
		m.mu.Lock()
		if cur := m.states[site]; cur == nil || cur.state == "" {
			m.states[site] = &siteState{state: rec.State, since: rec.At}
		}
		m.mu.Unlock()
		return rec.State, true
	}
	return "", false
}

// Forget drops the state of a site no longer monitored.
func (m *Monitor) Forget(site string) {
	m.mu.Lock()
	delete(m.states, site)
	m.mu.Unlock()
	m.opt.Metrics.ForgetSite(site)
}

// Status returns the last known state of site.
func (m *Monitor) Status(site string) (SiteStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[site]
	if st == nil || st.last.Site == "" {
		return SiteStatus{Name: site}, false
	}
	last := st.last
	return SiteStatus{Name: site, State: st.state, Since: st.since, Last: &last}, true
}

func (m *Monitor) alert(a notifier.Alert) {
	n := m.opt.Notifier
	if n == nil {
		return
	}
	send := func(ctx context.Context) error { return n.Notify(ctx, a) }
	if m.opt.Engine == nil {
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := send(ctx); err != nil {
			m.log.Warn("alert failed", logx.String("site", a.Site), logx.Err(err))
		}
		return
	}
	err := m.opt.Engine.Enqueue(engine.Job{
		Name:    "alert:" + a.Site,
		Timeout: alertTimeout,
		Opt:     engine.Options{Overlap: engine.OverlapAllow, RetryBase: time.Second, RetryMaxDelay: time.Minute},
		Run:     send,
		OnDone: func(r engine.Result) {
			if r.Err != nil {
				m.log.Warn("alert failed", logx.String("site", a.Site), logx.String("state", a.State), logx.Int("attempts", r.Attempts), logx.Err(r.Err))
			}
		},
	})
	if err != nil {
		m.log.Warn("alert not queued", logx.String("site", a.Site), logx.Err(err))
	}
}

func (m *Monitor) store(ctx context.Context, r Result) {
	if m.opt.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	err := m.opt.Store.AppendCheck(ctx, storage.CheckRecord{
		At:        r.At,
		Site:      r.Site,
		URL:       r.URL,
		State:     r.State,
		Status:    r.Status,
		LatencyMS: r.Latency.Milliseconds(),
		Error:     r.Error,
	})
	if err != nil {
		m.log.Warn("check not stored", logx.String("site", r.Site), logx.Err(err))
	}
}

func (m *Monitor) publish(typ string, at time.Time, data any) {
	if m.opt.Bus != nil {
		m.opt.Bus.Publish(eventbus.Event{Type: typ, Time: at, Data: data})
	}
}
