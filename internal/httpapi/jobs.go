package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/agentconsole/agentconsole/internal/store"
)

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.JobFilter{
		Status: q.Get("status"),
		Type:   q.Get("type"),
		Limit:  50,
		Offset: 0,
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, fmt.Errorf("invalid limit %q: %w", raw, errValidation))
			return
		}
		filter.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, fmt.Errorf("invalid offset %q: %w", raw, errValidation))
			return
		}
		filter.Offset = n
	}

	jobs, total, err := a.queue.List(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	respond(w, http.StatusOK, map[string]any{"jobs": jobs, "total": total})
}

func (a *API) jobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.queue.Stats(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, stats)
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, job)
}

func (a *API) retryJob(w http.ResponseWriter, r *http.Request) {
	if err := a.queue.Retry(r.Context(), r.PathValue("id")); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"retried": true})
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := a.queue.Cancel(r.Context(), r.PathValue("id")); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"cancelled": true})
}
