package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"jobqueue/internal/jobs"
	"jobqueue/internal/storage"
	"jobqueue/internal/trigger"
	logx "jobqueue/pkg/logx"
)

const (
	maxBodyBytes        = 1 << 20
	defaultArchiveLimit = 50
	maxArchiveLimit     = 1000
)

// Jobs is the scheduler surface served over HTTP. *jobs.Service satisfies it.
type Jobs interface {
	Submit(taskName string, params map[string]any, overrides *jobs.PolicyOverrides) (jobs.Job, error)
	Get(id string) (jobs.Job, bool)
	List(status jobs.Status) []jobs.Job
	Cancel(id string) bool
	Snapshot() jobs.Snapshot
}

// Deps are the backends of the API. Archive and Triggers may be nil.
type Deps struct {
	Jobs     Jobs
	Tasks    interface{ Names() []string }
	Archive  storage.Store
	Triggers interface{ Snapshot() []trigger.Info }
}

// submitRequest is the POST /jobs body.
type submitRequest struct {
	TaskName string                `json:"task_name"`
	Params   map[string]any        `json:"params"`
	Policy   *jobs.PolicyOverrides `json:"policy"`
}

type api struct {
	deps    Deps
	log     logx.Logger
	limiter *rate.Limiter
}

// NewHandler builds the API mux. token enables bearer auth on every route
// except /healthz.
func NewHandler(deps Deps, cfg Config, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &api{deps: deps, log: log, limiter: newLimiter(cfg.SubmitRatePerSec, cfg.SubmitBurst)}

	auth := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.healthz)
	mux.HandleFunc("POST /jobs", auth(a.submit))
	mux.HandleFunc("GET /jobs", auth(a.list))
	mux.HandleFunc("GET /jobs/{id}", auth(a.get))
	mux.HandleFunc("POST /jobs/{id}/cancel", auth(a.cancel))
	mux.HandleFunc("GET /tasks", auth(a.tasks))
	mux.HandleFunc("GET /stats", auth(a.stats))
	mux.HandleFunc("GET /archive", auth(a.archive))
	mux.HandleFunc("GET /triggers", auth(a.triggers))

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", auth(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", auth(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", auth(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", auth(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", auth(hpprof.Trace))
	}
	return mux
}

func newLimiter(perSec float64, burst int) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = max(1, int(perSec))
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

func (a *api) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) submit(w http.ResponseWriter, r *http.Request) {
	if a.limiter != nil && !a.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return
	}

	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.TaskName) == "" {
		writeError(w, http.StatusBadRequest, "task_name required")
		return
	}

	j, err := a.deps.Jobs.Submit(req.TaskName, req.Params, req.Policy)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.Header().Set("Location", "/jobs/"+j.ID)
	writeJSON(w, http.StatusCreated, j.View())
}

func (a *api) list(w http.ResponseWriter, r *http.Request) {
	st, err := jobs.ParseStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list := a.deps.Jobs.List(st)
	out := make([]jobs.Summary, 0, len(list))
	for _, j := range list {
		out = append(out, j.Summary())
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (a *api) get(w http.ResponseWriter, r *http.Request) {
	j, ok := a.deps.Jobs.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if r.URL.Query().Get("view") == "summary" {
		writeJSON(w, http.StatusOK, j.Summary())
		return
	}
	writeJSON(w, http.StatusOK, j.View())
}

func (a *api) cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.deps.Jobs.Cancel(id) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	j, _ := a.deps.Jobs.Get(id)
	a.log.Debug("cancel requested over http", logx.String("job_id", id), logx.String("status", string(j.Status)))
	writeJSON(w, http.StatusOK, j.View())
}

func (a *api) tasks(w http.ResponseWriter, _ *http.Request) {
	var names []string
	if a.deps.Tasks != nil {
		names = a.deps.Tasks.Names()
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": names})
}

func (a *api) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Jobs.Snapshot())
}

func (a *api) archive(w http.ResponseWriter, r *http.Request) {
	if a.deps.Archive == nil {
		writeError(w, http.StatusNotFound, storage.ErrDisabled.Error())
		return
	}
	limit := defaultArchiveLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxArchiveLimit)
	}
	recs, err := a.deps.Archive.RecentJobs(r.Context(), limit)
	if err != nil {
		a.log.Warn("archive read failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "archive read failed")
		return
	}
	if recs == nil {
		recs = []storage.JobRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": recs})
}

func (a *api) triggers(w http.ResponseWriter, _ *http.Request) {
	infos := []trigger.Info{}
	if a.deps.Triggers != nil {
		infos = a.deps.Triggers.Snapshot()
	}
	writeJSON(w, http.StatusOK, map[string]any{"triggers": infos})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, jobs.ErrUnknownTask), errors.Is(err, jobs.ErrInvalidPolicy):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrStopped), errors.Is(err, jobs.ErrDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
