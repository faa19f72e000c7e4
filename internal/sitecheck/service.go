package sitecheck

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"sitechecker/internal/boot"
	"sitechecker/internal/storage"
	"sitechecker/internal/work"
	logx "sitechecker/pkg/logx"
)

// Scheduler registers the periodic probes.
type Scheduler interface {
	AddSchedule(name, schedule string, timeout time.Duration, run func(ctx context.Context) error) error
	Remove(name string) bool
	Names() []string
}

// Service owns the site list and keeps the schedules in sync with it once
// the initialize task has run.
type Service struct {
	checker *Checker
	monitor *Monitor
	sched   Scheduler
	store   storage.Store
	log     logx.Logger

	mu              sync.Mutex
	sites           []Site
	defaultInterval string
	initialized     bool
}

// NewService returns a service probing with checker. store may be nil.
func NewService(checker *Checker, monitor *Monitor, sched Scheduler, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		checker:         checker,
		monitor:         monitor,
		sched:           sched,
		store:           store,
		log:             log,
		defaultInterval: "5m",
	}
}

// SetSites replaces the site list. After initialization the schedules are
// updated right away and removed sites stop being probed.
func (s *Service) SetSites(sites []Site, defaultInterval string) error {
	sites = append([]Site(nil), sites...)
	s.mu.Lock()
	removed := diffNames(s.sites, sites)
	s.sites = sites
	if strings.TrimSpace(defaultInterval) != "" {
		s.defaultInterval = defaultInterval
	}
	initialized := s.initialized
	s.mu.Unlock()

	for _, name := range removed {
		s.monitor.Forget(name)
	}
	if !initialized {
		return nil
	}
	return s.syncSchedules()
}

// Sites returns the configured sites.
func (s *Service) Sites() []Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Site(nil), s.sites...)
}

// Initialize brings the probes online: it records a boot row, registers one
// schedule per site and probes every site once. Running it again only
// refreshes the schedules and probes.
func (s *Service) Initialize(ctx context.Context) error {
	s.recordBoot(ctx)

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	err := s.syncSchedules()
	sites := s.Sites()

	var wg sync.WaitGroup
	for _, site := range sites {
		wg.Add(1)
		go func(site Site) {
			defer wg.Done()
			s.probe(ctx, site)
		}(site)
	}
	wg.Wait()

	s.log.Info("site checks initialized", logx.Int("sites", len(sites)))
	if err != nil {
		return err
	}
	return ctx.Err()
}

// InitializeWorker is the work factory for TaskInitialize.
func (s *Service) InitializeWorker(boot.WorkRequest) work.Worker {
	return work.WorkerFunc(s.Initialize)
}

// CheckNow probes the named site outside its schedule.
func (s *Service) CheckNow(ctx context.Context, name string) (Result, error) {
	site, ok := s.site(name)
	if !ok {
		return Result{}, fmt.Errorf("unknown site %q", name)
	}
	return s.probe(ctx, site), nil
}

// probe checks site and hands a conclusive result to the monitor.
func (s *Service) probe(ctx context.Context, site Site) Result {
	r := s.checker.Check(ctx, site)
	if r.Aborted() {
		s.log.Debug("check aborted", logx.String("site", site.Name), logx.String("error", r.Error))
		return r
	}
	s.monitor.Observe(ctx, r)
	return r
}

// Status lists every site with its last known state, sorted by name.
func (s *Service) Status() []SiteStatus {
	s.mu.Lock()
	sites := append([]Site(nil), s.sites...)
	def := s.defaultInterval
	s.mu.Unlock()

	out := make([]SiteStatus, 0, len(sites))
	for _, site := range sites {
		st, _ := s.monitor.Status(site.Name)
		st.Name = site.Name
		st.URL = site.URL
		st.Interval = intervalOf(site, def)
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) site(name string) (Site, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, site := range s.sites {
		if site.Name == name {
			return site, true
		}
	}
	return Site{}, false
}

func (s *Service) syncSchedules() error {
	s.mu.Lock()
	sites := append([]Site(nil), s.sites...)
	def := s.defaultInterval
	s.mu.Unlock()

	want := make(map[string]bool, len(sites))
	var errs []error
	for _, site := range sites {
		name := scheduleName(site.Name)
		want[name] = true
		site := site
		run := func(ctx context.Context) error {
			s.probe(ctx, site)
			return nil
		}
		// A probe that outlives its own timeout is cut by the engine.
		timeout := site.Timeout
		if timeout > 0 {
			timeout += 5 * time.Second
		}
		if err := s.sched.AddSchedule(name, intervalOf(site, def), timeout, run); err != nil {
			errs = append(errs, fmt.Errorf("site %q: %w", site.Name, err))
		}
	}
	for _, name := range s.sched.Names() {
		if strings.HasPrefix(name, schedulePrefix) && !want[name] {
			s.sched.Remove(name)
			s.log.Info("site schedule removed", logx.String("name", name))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) recordBoot(ctx context.Context) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := s.store.AppendCheck(ctx, storage.CheckRecord{At: time.Now(), Site: "*", State: StateBoot}); err != nil {
		s.log.Warn("boot row not stored", logx.Err(err))
	}
}

func intervalOf(site Site, def string) string {
	if v := strings.TrimSpace(site.Interval); v != "" {
		return v
	}
	return def
}

// diffNames returns the names in old that are missing from cur.
func diffNames(old, cur []Site) []string {
	keep := make(map[string]bool, len(cur))
	for _, s := range cur {
		keep[s.Name] = true
	}
	var out []string
	for _, s := range old {
		if !keep[s.Name] {
			out = append(out, s.Name)
		}
	}
	return out
}
