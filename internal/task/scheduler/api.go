package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"sitechecker/internal/task/engine"
	logx "sitechecker/pkg/logx"
)

// AddSchedule registers run under name. A previous schedule with the same
// name is replaced. Triggers are skipped while an earlier run of the same
// schedule is still queued or running.
//
// Accepted forms: "*/5 * * * *", "@hourly", "@every 55m", "55m", "02:30".
func (s *Scheduler) AddSchedule(name, schedule string, timeout time.Duration, run func(ctx context.Context) error) error {
	return s.AddScheduleOpt(name, schedule, timeout, engine.Options{Overlap: engine.OverlapSkipIfRunning}, run)
}

func (s *Scheduler) AddScheduleOpt(name, schedule string, timeout time.Duration, opt engine.Options, run func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("schedule name required")
	}
	if run == nil {
		return errors.New("schedule job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = "@every " + ps.Every.String()
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(spec); err != nil {
			return fmt.Errorf("schedule %q: %w", name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, scheduleDef{
		name:    name,
		spec:    spec,
		timeout: timeout,
		run:     run,
		opt:     opt,
		state:   &engine.RunState{},
	})
	if s.c == nil {
		return nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return err
	}
	fields := []logx.Field{logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout)}
	if next := s.previewNextRunsLocked(d, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
	return nil
}

// Remove unregisters name. It reports whether a schedule existed.
func (s *Scheduler) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeLocked(name)
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Names returns the registered schedule names in registration order.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d.name)
	}
	return out
}

// removeLocked drops every definition named name. Call with s.mu held.
func (s *Scheduler) removeLocked(name string) bool {
	n := 0
	removed := false
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Scheduler) addCronLocked(d *scheduleDef) error {
	name, timeout, run, opt, state := d.name, d.timeout, d.run, d.opt, d.state
	job := cron.FuncJob(func() {
		if s.eng == nil {
			return
		}
		err := s.eng.Enqueue(engine.Job{Name: name, Timeout: timeout, Run: run, Opt: opt, State: state})
		s.reportEnqueueError(name, err)
	})

	// Intervals get a random first-run offset so they don't all fire together.
	if every, ok := everyOf(d.spec); ok {
		loc := s.loc
		if loc == nil {
			loc = time.Local
		}
		sched, jitter := makeIntervalScheduleWithSpread(every, time.Now().In(loc), d.name)
		d.startupSpread = jitter
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}

	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

func everyOf(spec string) (time.Duration, bool) {
	spec = strings.TrimSpace(spec)
	if !strings.HasPrefix(spec, "@every") {
		return 0, false
	}
	every, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(spec, "@every")))
	if err != nil || every <= 0 {
		return 0, false
	}
	return every, true
}

// previewNextRunsLocked lists the next n trigger times for debug logs.
func (s *Scheduler) previewNextRunsLocked(d *scheduleDef, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || s.c == nil || d.entryID == 0 {
		return ""
	}
	sched := s.c.Entry(d.entryID).Schedule
	if sched == nil {
		return ""
	}
	t := time.Now().In(s.loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}
