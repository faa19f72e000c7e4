package engine

import (
	"strings"
	"sync"
	"time"
)

// circuitState counts consecutive failures of one job name.
// Success closes the circuit. Once failures reach the trip threshold the
// circuit opens for a cooldown that doubles with every further failure.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

// getLocked returns the state for key, creating it. Call with mu held.
func (s *circuitStore) getLocked(key string) *circuitState {
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[key]
	if st == nil {
		st = &circuitState{}
		s.m[key] = st
	}
	return st
}

type circuitCfg struct {
	enabled    bool
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

func effectiveCircuitCfg(cfg Config, opt Options) circuitCfg {
	cfg = cfg.withDefaults()
	if cfg.CircuitTripFailures < 0 || opt.CircuitTripFailures < 0 {
		return circuitCfg{}
	}
	trip := cfg.CircuitTripFailures
	if opt.CircuitTripFailures > 0 {
		trip = opt.CircuitTripFailures
	}
	return circuitCfg{
		enabled:    true,
		trip:       trip,
		baseDelay:  cfg.CircuitBaseDelay,
		maxDelay:   cfg.CircuitMaxDelay,
		resetAfter: cfg.CircuitResetAfter,
	}
}

// expireLocked forgets failures older than resetAfter.
func (cc circuitCfg) expireLocked(st *circuitState, now time.Time) {
	if !st.lastFailure.IsZero() && cc.resetAfter > 0 && now.Sub(st.lastFailure) > cc.resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

func (e *Engine) circuitIsOpen(now time.Time, name string, cfg Config, opt Options) (bool, time.Time) {
	cc := effectiveCircuitCfg(cfg, opt)
	key := strings.TrimSpace(name)
	if !cc.enabled || key == "" {
		return false, time.Time{}
	}
	e.circuits.mu.Lock()
	defer e.circuits.mu.Unlock()
	st := e.circuits.getLocked(key)
	cc.expireLocked(st, now)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (e *Engine) circuitRecordResult(now time.Time, name string, cfg Config, opt Options, err error) {
	cc := effectiveCircuitCfg(cfg, opt)
	key := strings.TrimSpace(name)
	if !cc.enabled || key == "" {
		return
	}
	e.circuits.mu.Lock()
	defer e.circuits.mu.Unlock()
	st := e.circuits.getLocked(key)
	cc.expireLocked(st, now)

	if err == nil {
		*st = circuitState{}
		return
	}
	st.fails++
	st.lastFailure = now
	if st.fails < cc.trip {
		return
	}
	d := cc.baseDelay
	for i := 0; i < st.fails-cc.trip && d < cc.maxDelay; i++ {
		d *= 2
	}
	if d > cc.maxDelay {
		d = cc.maxDelay
	}
	st.openUntil = now.Add(d)
}

func (e *Engine) circuitSnapshot(now time.Time, cfg Config) (total, open int) {
	if !effectiveCircuitCfg(cfg, Options{}).enabled {
		return 0, 0
	}
	e.circuits.mu.Lock()
	defer e.circuits.mu.Unlock()
	for _, st := range e.circuits.m {
		total++
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
