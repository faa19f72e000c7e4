package work

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sitechecker/internal/boot"
	"sitechecker/internal/storage"
	"sitechecker/internal/task/engine"
	logx "sitechecker/pkg/logx"
)

func runningEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop(), nil)
	e.Start(context.Background())
	t.Cleanup(func() { e.Stop(context.Background()) })
	return e
}

func fileStore(t *testing.T, dir string) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "state.db")}, logx.Nop())
	require.NoError(t, err)
	return st
}

func TestEnqueueRunsRegisteredWorker(t *testing.T) {
	m := New(runningEngine(t), nil, nil, logx.Nop())
	got := make(chan boot.WorkRequest, 1)
	require.NoError(t, m.Register("initialize", func(req boot.WorkRequest) Worker {
		return WorkerFunc(func(ctx context.Context) error {
			got <- req
			return nil
		})
	}, Options{}))

	req := boot.OneTimeWorkRequest("initialize", "boot")
	require.NoError(t, m.Enqueue(req))

	select {
	case r := <-got:
		assert.Equal(t, req.ID, r.ID)
		assert.Equal(t, []string{"boot"}, r.Tags)
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not run")
	}
	assert.Eventually(t, func() bool { return len(m.Pending()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEnqueueUnknownTaskType(t *testing.T) {
	m := New(runningEngine(t), nil, nil, logx.Nop())

	err := m.Enqueue(boot.OneTimeWorkRequest("missing"))

	assert.ErrorIs(t, err, ErrUnknownTaskType)
	assert.Empty(t, m.Pending())
}

type rejectingEngine struct{ err error }

func (r rejectingEngine) Enqueue(engine.Job) error { return r.err }

func TestEngineRejectionIsReturnedAndForgotten(t *testing.T) {
	st := fileStore(t, t.TempDir())
	defer st.Close()
	m := New(rejectingEngine{err: engine.ErrQueueFull}, st, nil, logx.Nop())
	require.NoError(t, m.Register("initialize", func(boot.WorkRequest) Worker { return WorkerFunc(func(context.Context) error { return nil }) }, Options{}))

	err := m.Enqueue(boot.OneTimeWorkRequest("initialize"))

	assert.ErrorIs(t, err, engine.ErrQueueFull)
	assert.Empty(t, m.Pending())
	recs, err := st.PendingWork(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestStoppedManagerRejects(t *testing.T) {
	m := New(runningEngine(t), nil, nil, logx.Nop())
	require.NoError(t, m.Register("initialize", func(boot.WorkRequest) Worker { return WorkerFunc(func(context.Context) error { return nil }) }, Options{}))
	m.Stop(context.Background())

	assert.ErrorIs(t, m.Enqueue(boot.OneTimeWorkRequest("initialize")), ErrStopped)
}

func TestPermanentFailureClearsStore(t *testing.T) {
	st := fileStore(t, t.TempDir())
	defer st.Close()
	m := New(runningEngine(t), st, nil, logx.Nop())
	var calls int
	var mu sync.Mutex
	require.NoError(t, m.Register("initialize", func(boot.WorkRequest) Worker {
		return WorkerFunc(func(context.Context) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return engine.NoRetry(errors.New("bad config"))
		})
	}, Options{}))

	require.NoError(t, m.Enqueue(boot.OneTimeWorkRequest("initialize")))

	assert.Eventually(t, func() bool {
		recs, err := st.PendingWork(context.Background())
		return err == nil && len(recs) == 0 && len(m.Pending()) == 0
	}, 3*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestStartReplaysPersistedWork(t *testing.T) {
	dir := t.TempDir()
	st := fileStore(t, dir)
	ctx := context.Background()
	require.NoError(t, st.PutWork(ctx, storage.WorkRecord{ID: "left-over", TaskType: "initialize", CreatedAt: time.Now()}))
	require.NoError(t, st.PutWork(ctx, storage.WorkRecord{ID: "retired", TaskType: "legacy", CreatedAt: time.Now()}))

	m := New(runningEngine(t), st, nil, logx.Nop())
	ran := make(chan string, 1)
	require.NoError(t, m.Register("initialize", func(req boot.WorkRequest) Worker {
		return WorkerFunc(func(context.Context) error {
			ran <- req.ID
			return nil
		})
	}, Options{}))

	require.NoError(t, m.Start(ctx))

	select {
	case id := <-ran:
		assert.Equal(t, "left-over", id)
	case <-time.After(3 * time.Second):
		t.Fatal("persisted work not replayed")
	}
	assert.Eventually(t, func() bool {
		recs, err := st.PendingWork(ctx)
		return err == nil && len(recs) == 0
	}, 3*time.Second, 10*time.Millisecond, "both the finished and the unknown request are removed")
	require.NoError(t, st.Close())
}

func TestRegisterValidates(t *testing.T) {
	m := New(rejectingEngine{}, nil, nil, logx.Nop())
	assert.Error(t, m.Register(" ", func(boot.WorkRequest) Worker { return nil }, Options{}))
	assert.Error(t, m.Register("x", nil, Options{}))
	require.NoError(t, m.Register("b", func(boot.WorkRequest) Worker { return nil }, Options{}))
	require.NoError(t, m.Register("a", func(boot.WorkRequest) Worker { return nil }, Options{}))
	assert.Equal(t, []string{"a", "b"}, m.TaskTypes())
}

// blockOnce returns a factory whose first run blocks until its context ends.
// Later runs report their request ID on ran.
func blockOnce(started chan<- struct{}, ran chan<- string) Factory {
	var mu sync.Mutex
	first := true
	return func(req boot.WorkRequest) Worker {
		return WorkerFunc(func(ctx context.Context) error {
			mu.Lock()
			block := first
			first = false
			mu.Unlock()
			if block {
				close(started)
				<-ctx.Done()
				return ctx.Err()
			}
			ran <- req.ID
			return nil
		})
	}
}

func TestShutdownKeepsInterruptedWorkForReplay(t *testing.T) {
	dir := t.TempDir()
	st := fileStore(t, dir)
	ctx := context.Background()

	e := engine.New(engine.Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	e.Start(ctx)
	m := New(e, st, nil, logx.Nop())
	started := make(chan struct{})
	ran := make(chan string, 1)
	require.NoError(t, m.Register("initialize", blockOnce(started, ran), Options{RetryMax: -1}))

	req := boot.OneTimeWorkRequest("initialize")
	require.NoError(t, m.Enqueue(req))
	<-started

	m.Stop(ctx)
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	e.Stop(stopCtx)

	recs, err := st.PendingWork(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, req.ID, recs[0].ID)
	require.NoError(t, st.Close())

	st2 := fileStore(t, dir)
	defer st2.Close()
	m2 := New(runningEngine(t), st2, nil, logx.Nop())
	require.NoError(t, m2.Register("initialize", func(r boot.WorkRequest) Worker {
		return WorkerFunc(func(context.Context) error {
			ran <- r.ID
			return nil
		})
	}, Options{}))
	require.NoError(t, m2.Start(ctx))

	select {
	case id := <-ran:
		assert.Equal(t, req.ID, id)
	case <-time.After(3 * time.Second):
		t.Fatal("interrupted work not replayed")
	}
}

func TestEngineRestartResumesDiscardedWork(t *testing.T) {
	st := fileStore(t, t.TempDir())
	defer st.Close()
	ctx := context.Background()

	e := engine.New(engine.Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	e.Start(ctx)
	t.Cleanup(func() { e.Stop(context.Background()) })
	m := New(e, st, nil, logx.Nop())
	started := make(chan struct{})
	ran := make(chan string, 2)
	require.NoError(t, m.Register("initialize", blockOnce(started, ran), Options{RetryMax: -1}))

	busy := boot.OneTimeWorkRequest("initialize")
	require.NoError(t, m.Enqueue(busy))
	<-started
	queued := boot.OneTimeWorkRequest("initialize")
	require.NoError(t, m.Enqueue(queued))

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	e.Stop(stopCtx)

	pending := m.Pending()
	require.Len(t, pending, 2)
	for _, it := range pending {
		assert.True(t, it.Interrupted, it.ID)
	}

	e.Start(ctx)
	assert.Equal(t, 2, m.Resume())

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-ran:
			got[id] = true
		case <-time.After(3 * time.Second):
			t.Fatalf("resumed work did not run, got %v", got)
		}
	}
	assert.True(t, got[busy.ID])
	assert.True(t, got[queued.ID])
	assert.Eventually(t, func() bool {
		recs, err := st.PendingWork(ctx)
		return err == nil && len(recs) == 0 && len(m.Pending()) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestResumeIsNoopWhenStopped(t *testing.T) {
	m := New(rejectingEngine{}, nil, nil, logx.Nop())
	m.parked["x"] = Item{WorkRequest: boot.WorkRequest{ID: "x", TaskType: "initialize"}, Interrupted: true}
	m.Stop(context.Background())

	assert.Equal(t, 0, m.Resume())
	assert.Len(t, m.Pending(), 1)
}
