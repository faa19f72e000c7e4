package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"sitechecker/internal/boot"
	"sitechecker/internal/bootsignal"
	"sitechecker/internal/metrics"
	"sitechecker/internal/sitecheck"
	"sitechecker/internal/task/scheduler"
	"sitechecker/internal/work"
	logx "sitechecker/pkg/logx"
)

const maxBodyBytes = 64 << 10

// Deps are the components behind the admin endpoints. A nil field turns its
// endpoints into 404s.
type Deps struct {
	Dispatcher bootsignal.Sink
	Metrics    *metrics.Metrics
	Scheduler  interface{ Snapshot() scheduler.Snapshot }
	Work       interface{ Pending() []work.Item }
	Sites      interface {
		Status() []sitecheck.SiteStatus
		CheckNow(ctx context.Context, name string) (sitecheck.Result, error)
	}
}

// BroadcastRequest is the body of POST /v1/broadcasts.
type BroadcastRequest struct {
	Action string            `json:"action"`
	Source string            `json:"source,omitempty"`
	Extras map[string]string `json:"extras,omitempty"`
}

// WorkView is the body of GET /v1/work.
type WorkView struct {
	Scheduler scheduler.Snapshot `json:"scheduler"`
	Pending   []work.Item        `json:"pending"`
}

type handlers struct {
	deps Deps
	log  logx.Logger
}

// NewRouter returns the admin handler. A non-empty token guards every route.
func NewRouter(deps Deps, token string, pprof bool, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handlers{deps: deps, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(bearerAuth(token))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}
	r.Route("/v1", func(r chi.Router) {
		if deps.Dispatcher != nil {
			r.Post("/broadcasts", h.broadcast)
		}
		if deps.Scheduler != nil || deps.Work != nil {
			r.Get("/work", h.work)
		}
		if deps.Sites != nil {
			r.Get("/sites", h.sites)
			r.Post("/sites/{name}/check", h.checkSite)
		}
	})
	if pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (h *handlers) broadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.Action = strings.TrimSpace(req.Action)
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action required")
		return
	}
	src := strings.TrimSpace(req.Source)
	if src == "" {
		src = "http"
	}

	ev := &boot.Event{Action: req.Action, Source: src, Extras: req.Extras}
	if err := h.deps.Dispatcher.Dispatch(r.Context(), ev); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "action": req.Action})
}

func (h *handlers) work(w http.ResponseWriter, r *http.Request) {
	var v WorkView
	if h.deps.Scheduler != nil {
		v.Scheduler = h.deps.Scheduler.Snapshot()
	}
	if h.deps.Work != nil {
		v.Pending = h.deps.Work.Pending()
	}
	if v.Pending == nil {
		v.Pending = []work.Item{}
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handlers) sites(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Sites.Status())
}

func (h *handlers) checkSite(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Sites.CheckNow(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// bearerAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if tokenEqual(got, tok) {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && tokenEqual(strings.TrimSpace(strings.TrimPrefix(ah, p)), tok) {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func errorFromBody(body []byte) error {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) != nil || e.Error == "" {
		return errors.New(strings.TrimSpace(string(body)))
	}
	return errors.New(e.Error)
}
