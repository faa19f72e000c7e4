package work

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"sitechecker/internal/boot"
	"sitechecker/internal/metrics"
	"sitechecker/internal/storage"
	"sitechecker/internal/task/engine"
	logx "sitechecker/pkg/logx"
)

const storeTimeout = 2 * time.Second

type registration struct {
	factory Factory
	opt     Options
}

type Manager struct {
	eng     Engine
	store   storage.Store
	metrics *metrics.Metrics
	log     logx.Logger

	mu      sync.Mutex
	types   map[string]registration
	pending map[string]Item
	// parked holds requests the engine interrupted. They stay in the store
	// and run again on Resume or on the next Start.
	parked  map[string]Item
	stopped bool
}

var _ boot.WorkScheduler = (*Manager)(nil)

// New returns a manager submitting to eng. store and m may be nil.
func New(eng Engine, store storage.Store, m *metrics.Metrics, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		eng:     eng,
		store:   store,
		metrics: m,
		log:     log,
		types:   map[string]registration{},
		pending: map[string]Item{},
		parked:  map[string]Item{},
	}
}

// Register binds taskType to f, replacing an earlier registration.
func (m *Manager) Register(taskType string, f Factory, opt Options) error {
	taskType = strings.TrimSpace(taskType)
	if taskType == "" {
		return errors.New("task type required")
	}
	if f == nil {
		return errors.New("factory required")
	}
	m.mu.Lock()
	m.types[taskType] = registration{factory: f, opt: opt}
	m.mu.Unlock()
	return nil
}

// Enqueue accepts req for asynchronous execution and returns once the engine
// has queued it. It does not wait for the work to run.
func (m *Manager) Enqueue(req boot.WorkRequest) error {
	req.TaskType = strings.TrimSpace(req.TaskType)
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	err := m.enqueue(Item{WorkRequest: req}, true)
	m.metrics.WorkEnqueued(req.TaskType, err)
	if err != nil {
		m.log.Warn("work rejected", logx.String("task_type", req.TaskType), logx.String("id", req.ID), logx.Err(err))
		return err
	}
	m.log.Debug("work enqueued", logx.String("task_type", req.TaskType), logx.String("id", req.ID))
	return nil
}

func (m *Manager) enqueue(it Item, persist bool) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	reg, ok := m.types[it.TaskType]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownTaskType, it.TaskType)
	}
	it.Interrupted = false
	m.pending[it.ID] = it
	m.mu.Unlock()

	if persist {
		m.persist(it.WorkRequest)
	}

	req := it.WorkRequest
	w := reg.factory(req)
	err := m.eng.Enqueue(engine.Job{
		ID:      req.ID,
		Name:    "work:" + req.TaskType,
		Timeout: reg.opt.Timeout,
		Opt:     reg.opt.engineOptions(),
		Run:     w.DoWork,
		OnDone:  func(r engine.Result) { m.finish(req, r) },
	})
	if err != nil {
		if persist {
			m.forget(req.ID)
		} else {
			m.mu.Lock()
			delete(m.pending, req.ID)
			m.mu.Unlock()
		}
		return err
	}
	return nil
}

func (m *Manager) finish(req boot.WorkRequest, r engine.Result) {
	if engine.Interrupted(r.Err) {
		m.park(req.ID)
		m.log.Info("work interrupted; kept for replay", logx.String("task_type", req.TaskType), logx.String("id", req.ID), logx.Err(r.Err))
		return
	}
	m.forget(req.ID)
	m.metrics.WorkFinished(req.TaskType, r.Err)
	if r.Err != nil {
		m.log.Warn("work failed", logx.String("task_type", req.TaskType), logx.String("id", req.ID), logx.Int("attempts", r.Attempts), logx.Err(r.Err))
		return
	}
	m.log.Info("work done", logx.String("task_type", req.TaskType), logx.String("id", req.ID), logx.Duration("took", r.Duration))
}

func (m *Manager) park(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.pending[id]
	if !ok {
		return
	}
	delete(m.pending, id)
	it.Interrupted = true
	m.parked[id] = it
}

func (m *Manager) persist(req boot.WorkRequest) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err := m.store.PutWork(ctx, storage.WorkRecord{ID: req.ID, TaskType: req.TaskType, Tags: req.Tags, CreatedAt: req.CreatedAt})
	if err != nil {
		m.log.Warn("work persist failed", logx.String("id", req.ID), logx.Err(err))
	}
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.DeleteWork(ctx, id); err != nil {
		m.log.Warn("work delete failed", logx.String("id", id), logx.Err(err))
	}
}

// Start replays requests persisted by a previous run. Requests of task types
// no longer registered are discarded.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = false
	m.mu.Unlock()
	if m.store == nil {
		return nil
	}
	recs, err := m.store.PendingWork(ctx)
	if err != nil {
		return fmt.Errorf("load pending work: %w", err)
	}
	replayed := 0
	for _, rec := range recs {
		it := Item{
			WorkRequest: boot.WorkRequest{ID: rec.ID, TaskType: rec.TaskType, Tags: rec.Tags, CreatedAt: rec.CreatedAt},
			Replayed:    true,
		}
		if err := m.enqueue(it, false); err != nil {
			m.log.Warn("pending work dropped", logx.String("task_type", rec.TaskType), logx.String("id", rec.ID), logx.Err(err))
			if errors.Is(err, ErrUnknownTaskType) {
				m.forget(rec.ID)
			} else {
				it.Interrupted = true
				m.mu.Lock()
				m.parked[it.ID] = it
				m.mu.Unlock()
			}
			continue
		}
		replayed++
	}
	if len(recs) > 0 {
		m.log.Info("pending work replayed", logx.Int("found", len(recs)), logx.Int("replayed", replayed))
	}
	return nil
}

// Resume submits the requests the engine interrupted again. Call it after
// the engine was restarted. It returns how many were accepted.
func (m *Manager) Resume() int {
	m.mu.Lock()
	if m.stopped || len(m.parked) == 0 {
		m.mu.Unlock()
		return 0
	}
	items := make([]Item, 0, len(m.parked))
	for _, it := range m.parked {
		items = append(items, it)
	}
	m.parked = map[string]Item{}
	m.mu.Unlock()
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })

	resumed := 0
	for _, it := range items {
		err := m.enqueue(it, false)
		switch {
		case err == nil:
			resumed++
		case errors.Is(err, ErrUnknownTaskType):
			m.forget(it.ID)
		default:
			m.log.Warn("interrupted work not resumed", logx.String("task_type", it.TaskType), logx.String("id", it.ID), logx.Err(err))
			it.Interrupted = true
			m.mu.Lock()
			m.parked[it.ID] = it
			m.mu.Unlock()
		}
	}
	if resumed > 0 {
		m.log.Info("interrupted work resumed", logx.Int("count", resumed))
	}
	return resumed
}

// Stop refuses new requests. Requests still pending stay in the store.
func (m *Manager) Stop(context.Context) {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

// Pending lists accepted requests that have not finished, oldest first.
// Interrupted requests waiting for Resume are included and flagged.
func (m *Manager) Pending() []Item {
	m.mu.Lock()
	out := make([]Item, 0, len(m.pending)+len(m.parked))
	for _, it := range m.pending {
		out = append(out, it)
	}
	for _, it := range m.parked {
		out = append(out, it)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// TaskTypes lists the registered task types.
func (m *Manager) TaskTypes() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.types))
	for t := range m.types {
		out = append(out, t)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}
