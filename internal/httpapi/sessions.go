package httpapi

import (
	"net/http"

	"github.com/agentconsole/agentconsole/internal/session"
	"github.com/agentconsole/agentconsole/internal/store"
)

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	snapshots := a.mgr.Snapshots(r.Context())
	if snapshots == nil {
		snapshots = []session.Snapshot{}
	}
	respond(w, http.StatusOK, map[string]any{"sessions": snapshots})
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}

	sess, err := a.mgr.CreateSession(r.Context(), req)
	if err != nil {
		respondError(w, errValidationWrap(err))
		return
	}
	respond(w, http.StatusCreated, map[string]any{"session": sess})
}

func (a *API) deleteSession(w http.ResponseWriter, r *http.Request) {
	if !a.mgr.DeleteSession(r.Context(), r.PathValue("id")) {
		respondError(w, store.ErrNotFound)
		return
	}
	respond(w, http.StatusOK, map[string]any{"deleted": true})
}

func (a *API) resumeSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.mgr.ResumeSession(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"session": sess})
}

func (a *API) createWorker(w http.ResponseWriter, r *http.Request) {
	var req session.CreateWorkerRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}

	worker, err := a.mgr.CreateWorker(r.Context(), r.PathValue("id"), req)
	if err != nil {
		respondError(w, errValidationWrap(err))
		return
	}
	if worker == nil {
		respondError(w, store.ErrNotFound)
		return
	}
	respond(w, http.StatusCreated, map[string]any{"worker": worker})
}

func (a *API) deleteWorker(w http.ResponseWriter, r *http.Request) {
	if !a.mgr.DeleteWorker(r.Context(), r.PathValue("id"), r.PathValue("wid")) {
		respondError(w, store.ErrNotFound)
		return
	}
	respond(w, http.StatusOK, map[string]any{"deleted": true})
}
