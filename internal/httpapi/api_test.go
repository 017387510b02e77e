package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agentconsole/internal/bus"
	"github.com/agentconsole/agentconsole/internal/config"
	"github.com/agentconsole/agentconsole/internal/httpapi"
	"github.com/agentconsole/agentconsole/internal/id"
	"github.com/agentconsole/agentconsole/internal/jobqueue"
	"github.com/agentconsole/agentconsole/internal/session"
	"github.com/agentconsole/agentconsole/internal/store"
	"github.com/agentconsole/agentconsole/internal/worktree"
)

type fixture struct {
	store  *store.Store
	queue  *jobqueue.Queue
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	sqlDB, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, store.Migrate(sqlDB))
	st := store.New(sqlDB)

	cfg := &config.Config{
		Home:   t.TempDir(),
		Agents: []config.AgentDefinition{{ID: "cat", Command: "cat"}},
	}
	b := bus.New()
	mgr := session.NewManager(st, b, cfg)
	q := jobqueue.New(st, 1, 10*time.Millisecond)
	trees := worktree.New(st)

	mux := http.NewServeMux()
	httpapi.New(st, mgr, q, trees).Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &fixture{store: st, queue: q, server: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var payload *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(raw)
	} else {
		payload = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, payload)
	require.NoError(t, err)
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestRepositories_CreateAndList(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()

	resp := f.do(t, http.MethodPost, "/api/repositories", map[string]string{
		"path": dir, "description": "scratch",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// A second registration at the same path collides.
	resp = f.do(t, http.MethodPost, "/api/repositories", map[string]string{"path": dir})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Non-existent paths are validation faults.
	resp = f.do(t, http.MethodPost, "/api/repositories", map[string]string{"path": "/does/not/exist"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/repositories", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string][]map[string]any](t, resp)
	assert.Len(t, body["repositories"], 1)
}

func TestRepositories_PatchSemantics(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()

	resp := f.do(t, http.MethodPost, "/api/repositories", map[string]string{
		"path": dir, "description": "before",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[map[string]map[string]any](t, resp)
	repoID := created["repository"]["id"].(string)

	// Absent fields are untouched; the empty string clears.
	resp = f.do(t, http.MethodPatch, "/api/repositories/"+repoID, map[string]string{
		"setupCommand": "make setup",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	repo, err := f.store.FindRepositoryByID(context.Background(), repoID)
	require.NoError(t, err)
	assert.Equal(t, "before", repo.Description)
	assert.Equal(t, "make setup", repo.SetupCommand)

	resp = f.do(t, http.MethodPatch, "/api/repositories/"+repoID, map[string]string{
		"description": "",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	repo, err = f.store.FindRepositoryByID(context.Background(), repoID)
	require.NoError(t, err)
	assert.Empty(t, repo.Description)

	resp = f.do(t, http.MethodPatch, "/api/repositories/missing", map[string]string{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRepositories_DeleteConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dir := t.TempDir()

	resp := f.do(t, http.MethodPost, "/api/repositories", map[string]string{"path": dir})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[map[string]map[string]any](t, resp)
	repoID := created["repository"]["id"].(string)

	wt := &store.Worktree{ID: id.Generate(), RepositoryID: repoID, Path: dir + "-wt", Index: 1}
	require.NoError(t, f.store.SaveWorktree(ctx, wt))
	sess := &store.Session{
		ID:           id.Generate(),
		Type:         store.SessionWorktree,
		Location:     wt.Path,
		RepositoryID: repoID,
		WorktreeID:   wt.ID,
	}
	require.NoError(t, f.store.SaveSession(ctx, sess))

	resp = f.do(t, http.MethodDelete, "/api/repositories/"+repoID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, f.store.DeleteSession(ctx, sess.ID))
	resp = f.do(t, http.MethodDelete, "/api/repositories/"+repoID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWorktrees_CreateIsAsync(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()

	resp := f.do(t, http.MethodPost, "/api/repositories", map[string]string{"path": dir})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[map[string]map[string]any](t, resp)
	repoID := created["repository"]["id"].(string)

	resp = f.do(t, http.MethodPost, "/api/repositories/"+repoID+"/worktrees", map[string]any{
		"mode": "custom", "branch": "feature/x", "baseBranch": "main",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decode[map[string]bool](t, resp)
	assert.True(t, body["accepted"])

	// The request only enqueued a job.
	jobs, total, err := f.queue.List(context.Background(), store.JobFilter{Type: "worktree-create", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, jobs, 1)
	assert.Equal(t, store.JobPending, jobs[0].Status)

	// Unknown modes are rejected up front.
	resp = f.do(t, http.MethodPost, "/api/repositories/"+repoID+"/worktrees", map[string]any{
		"mode": "bogus",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobs_Endpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	jobID, err := f.queue.Enqueue(ctx, "demo", map[string]int{"n": 1}, jobqueue.Options{})
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/api/jobs?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// limit outside [1, 1000] is a validation fault.
	resp = f.do(t, http.MethodGet, "/api/jobs?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/api/jobs?limit=2000", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/api/jobs?limit=10&offset=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/api/jobs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/jobs/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[map[string]int](t, resp)
	assert.Equal(t, 1, stats["pending"])

	resp = f.do(t, http.MethodGet, "/api/jobs/"+jobID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/api/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// retry: 404 when absent, 400 when not stalled.
	resp = f.do(t, http.MethodPost, "/api/jobs/missing/retry", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/api/jobs/"+jobID+"/retry", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// cancel: pending jobs may be cancelled.
	resp = f.do(t, http.MethodDelete, "/api/jobs/"+jobID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodDelete, "/api/jobs/"+jobID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessions_NotFoundSurfaces(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodDelete, "/api/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/sessions/missing/workers", map[string]string{
		"type": "terminal",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/sessions/missing/workers/w1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
