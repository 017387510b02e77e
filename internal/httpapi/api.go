// Package httpapi exposes the REST surface: repositories, worktrees,
// sessions and jobs. Error categories map to status codes: validation
// 400, not-found 404, conflict 409, everything else 500.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/agentconsole/agentconsole/internal/jobqueue"
	"github.com/agentconsole/agentconsole/internal/session"
	"github.com/agentconsole/agentconsole/internal/store"
	"github.com/agentconsole/agentconsole/internal/worktree"
)

// API bundles the handlers' dependencies. Async completions are
// announced by the job handlers over the dashboard bus, not from here.
type API struct {
	store *store.Store
	mgr   *session.Manager
	queue *jobqueue.Queue
	trees *worktree.Coordinator
}

// New creates the API surface.
func New(st *store.Store, mgr *session.Manager, q *jobqueue.Queue, trees *worktree.Coordinator) *API {
	return &API{store: st, mgr: mgr, queue: q, trees: trees}
}

// Register installs all routes on the mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/repositories", a.listRepositories)
	mux.HandleFunc("POST /api/repositories", a.createRepository)
	mux.HandleFunc("PATCH /api/repositories/{id}", a.updateRepository)
	mux.HandleFunc("DELETE /api/repositories/{id}", a.deleteRepository)
	mux.HandleFunc("GET /api/repositories/{id}/worktrees", a.listWorktrees)
	mux.HandleFunc("POST /api/repositories/{id}/worktrees", a.createWorktree)
	mux.HandleFunc("DELETE /api/repositories/{id}/worktrees/{path...}", a.deleteWorktree)
	mux.HandleFunc("GET /api/repositories/{id}/branches/{branch}/remote-status", a.remoteStatus)

	mux.HandleFunc("GET /api/jobs", a.listJobs)
	mux.HandleFunc("GET /api/jobs/stats", a.jobStats)
	mux.HandleFunc("GET /api/jobs/{id}", a.getJob)
	mux.HandleFunc("POST /api/jobs/{id}/retry", a.retryJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", a.cancelJob)

	mux.HandleFunc("GET /api/sessions", a.listSessions)
	mux.HandleFunc("POST /api/sessions", a.createSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", a.deleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/resume", a.resumeSession)
	mux.HandleFunc("POST /api/sessions/{id}/workers", a.createWorker)
	mux.HandleFunc("DELETE /api/sessions/{id}/workers/{wid}", a.deleteWorker)
}

type errorBody struct {
	Error string `json:"error"`
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Debug("write response failed", "error", err)
		}
	}
}

// respondError maps error categories onto status codes.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, worktree.ErrDeletionInProgress):
		status = http.StatusConflict
	case errors.Is(err, store.ErrWrongStatus),
		errors.Is(err, jobqueue.ErrInvalidArgument),
		errors.Is(err, worktree.ErrOutsideRoot),
		errors.Is(err, errValidation):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	respond(w, status, errorBody{Error: err.Error()})
}

// errValidation tags request-shape faults.
var errValidation = errors.New("validation failed")

// errValidationWrap classifies manager errors: resolution failures
// keep their category, everything else is a request fault.
func errValidationWrap(err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
		return err
	}
	return errors.Join(errValidation, err)
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(errValidation, err)
	}
	return nil
}
