package admin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sitechecker/internal/boot"
	"sitechecker/internal/metrics"
	"sitechecker/internal/sitecheck"
	"sitechecker/internal/task/engine"
	"sitechecker/internal/task/scheduler"
	"sitechecker/internal/work"
	logx "sitechecker/pkg/logx"
)

type sinkFunc func(ctx context.Context, ev *boot.Event) error

func (f sinkFunc) Dispatch(ctx context.Context, ev *boot.Event) error { return f(ctx, ev) }

type fakeScheduler struct{}

func (fakeScheduler) Snapshot() scheduler.Snapshot {
	return scheduler.Snapshot{Enabled: true, Engine: engine.Snapshot{Workers: 3}}
}

type fakeWork struct{ items []work.Item }

func (f fakeWork) Pending() []work.Item { return f.items }

type fakeSites struct{}

func (fakeSites) Status() []sitecheck.SiteStatus {
	return []sitecheck.SiteStatus{{Name: "home", URL: "https://example.org", State: sitecheck.StateUp}}
}

func (fakeSites) CheckNow(_ context.Context, name string) (sitecheck.Result, error) {
	if name != "home" {
		return sitecheck.Result{}, errors.New("unknown site")
	}
	return sitecheck.Result{Site: name, State: sitecheck.StateUp, Status: 200}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBroadcastEndpoint(t *testing.T) {
	var got []*boot.Event
	failure := errors.New("work scheduler stopped")
	h := NewRouter(Deps{Dispatcher: sinkFunc(func(_ context.Context, ev *boot.Event) error {
		got = append(got, ev)
		if ev.Action == "fail" {
			return failure
		}
		return nil
	})}, "", false, logx.Nop())

	rec := do(t, h, http.MethodPost, "/v1/broadcasts", `{"action":"android.intent.action.BOOT_COMPLETED","extras":{"k":"v"}}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, got, 1)
	assert.Equal(t, boot.ActionBootCompleted, got[0].Action)
	assert.Equal(t, "http", got[0].Source)
	assert.Equal(t, "v", got[0].Extras["k"])

	rec = do(t, h, http.MethodPost, "/v1/broadcasts", `{"action":"fail"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "work scheduler stopped")

	for _, body := range []string{`{`, `{"action":""}`, `{"action":"x","bogus":1}`} {
		rec = do(t, h, http.MethodPost, "/v1/broadcasts", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Len(t, got, 2)
}

func TestReadEndpoints(t *testing.T) {
	m := metrics.New()
	m.Broadcast(boot.ActionBootCompleted, metrics.ResultOK)
	h := NewRouter(Deps{
		Metrics:   m,
		Scheduler: fakeScheduler{},
		Work:      fakeWork{items: []work.Item{{WorkRequest: boot.WorkRequest{ID: "w1", TaskType: "initialize"}}}},
		Sites:     fakeSites{},
	}, "", false, logx.Nop())

	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sitechecker_broadcasts_total")

	rec = do(t, h, http.MethodGet, "/v1/work", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"workers":3`)
	assert.Contains(t, rec.Body.String(), `"id":"w1"`)

	rec = do(t, h, http.MethodGet, "/v1/sites", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"home"`)

	rec = do(t, h, http.MethodPost, "/v1/sites/home/check", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPost, "/v1/sites/nope/check", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/broadcasts", `{"action":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no dispatcher, no route")
	rec = do(t, h, http.MethodGet, "/debug/pprof/", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "pprof is off")
}

func TestTokenAuth(t *testing.T) {
	h := NewRouter(Deps{}, "s3cret", true, logx.Nop())

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/healthz", "", "Authorization", "Bearer nope").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/healthz?token=nope", "", "Authorization", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "", "Authorization", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz?token=s3cret", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/debug/pprof/", "", "Authorization", "Bearer s3cret").Code)
}

func TestTokenEqual(t *testing.T) {
	assert.True(t, tokenEqual("s3cret", "s3cret"))
	assert.False(t, tokenEqual("s3cre", "s3cret"), "prefix")
	assert.False(t, tokenEqual("s3cret!", "s3cret"), "longer")
	assert.False(t, tokenEqual("", "s3cret"))
}

func TestClientBroadcast(t *testing.T) {
	srv := httptest.NewServer(NewRouter(Deps{
		Dispatcher: sinkFunc(func(_ context.Context, ev *boot.Event) error {
			if ev.Action == "fail" {
				return errors.New("queue full")
			}
			return nil
		}),
		Scheduler: fakeScheduler{},
	}, "tok", false, logx.Nop()))
	defer srv.Close()
	ctx := context.Background()

	c := NewClient(strings.TrimPrefix(srv.URL, "http://"), "tok")
	require.NoError(t, c.Broadcast(ctx, BroadcastRequest{Action: boot.ActionBootCompleted}))

	err := c.Broadcast(ctx, BroadcastRequest{Action: "fail"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "queue full")

	v, err := c.Work(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, v.Scheduler.Engine.Workers)

	err = NewClient(srv.URL, "wrong").Broadcast(ctx, BroadcastRequest{Action: "x"})
	assert.ErrorContains(t, err, "unauthorized")
}

func waitForHTTP(ctx context.Context, url string) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func TestServiceReconfigure(t *testing.T) {
	svc := New(Config{}, Deps{}, logx.Nop())
	t.Cleanup(func() { svc.Stop(context.Background()) })
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	svc.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	require.Eventually(t, func() bool { return svc.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, waitForHTTP(ctx, "http://"+svc.Addr()+"/healthz"))

	svc.Reconfigure(ctx, Config{Enabled: false})
	assert.Empty(t, svc.Addr())
}

func TestServiceRefusesInsecureBind(t *testing.T) {
	svc := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	err := svc.serveOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure bind")

	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:1"))
	assert.False(t, isLoopbackAddr(":8086"))
}
