package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/agentconsole/agentconsole/internal/id"
	"github.com/agentconsole/agentconsole/internal/jobqueue"
	"github.com/agentconsole/agentconsole/internal/store"
	"github.com/agentconsole/agentconsole/internal/worktree"
)

// repositoryView is a repository with its remote URL attached.
type repositoryView struct {
	*store.Repository
	RemoteURL string `json:"remoteUrl,omitempty"`
}

func (a *API) listRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := a.store.FindAllRepositories(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	views := make([]repositoryView, 0, len(repos))
	for _, repo := range repos {
		views = append(views, repositoryView{
			Repository: repo,
			RemoteURL:  a.trees.RemoteURL(repo),
		})
	}
	respond(w, http.StatusOK, map[string]any{"repositories": views})
}

func (a *API) createRepository(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path        string `json:"path"`
		Description string `json:"description"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Path == "" {
		respondError(w, fmt.Errorf("path is required: %w", errValidation))
		return
	}

	info, err := os.Stat(req.Path)
	if err != nil || !info.IsDir() {
		respondError(w, fmt.Errorf("path %q is not a directory: %w", req.Path, errValidation))
		return
	}

	if _, err := a.store.FindRepositoryByPath(r.Context(), req.Path); err == nil {
		respondError(w, fmt.Errorf("repository already registered at %q: %w", req.Path, store.ErrConflict))
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		respondError(w, err)
		return
	}

	repo := &store.Repository{
		ID:          id.Generate(),
		Name:        filepath.Base(req.Path),
		Path:        req.Path,
		Description: req.Description,
	}
	if err := a.store.SaveRepository(r.Context(), repo); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusCreated, map[string]any{"repository": repo})
}

func (a *API) updateRepository(w http.ResponseWriter, r *http.Request) {
	repo, err := a.store.FindRepositoryByID(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}

	// Fields not present are untouched; an empty string clears
	// nullable fields.
	var req struct {
		Name         *string `json:"name"`
		Description  *string `json:"description"`
		SetupCommand *string `json:"setupCommand"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Name != nil {
		if *req.Name == "" {
			respondError(w, fmt.Errorf("name must not be empty: %w", errValidation))
			return
		}
		repo.Name = *req.Name
	}
	if req.Description != nil {
		repo.Description = *req.Description
	}
	if req.SetupCommand != nil {
		repo.SetupCommand = *req.SetupCommand
	}

	if err := a.store.SaveRepository(r.Context(), repo); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"repository": repo})
}

func (a *API) deleteRepository(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteRepository(r.Context(), r.PathValue("id")); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"deleted": true})
}

func (a *API) listWorktrees(w http.ResponseWriter, r *http.Request) {
	repo, err := a.store.FindRepositoryByID(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	worktrees, err := a.trees.List(r.Context(), repo.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	if worktrees == nil {
		worktrees = []*store.Worktree{}
	}
	respond(w, http.StatusOK, map[string]any{"worktrees": worktrees})
}

// WorktreeCreatePayload is the worktree-create job payload.
type WorktreeCreatePayload struct {
	RepositoryID     string        `json:"repositoryId"`
	Mode             worktree.Mode `json:"mode"`
	Branch           string        `json:"branch,omitempty"`
	BaseBranch       string        `json:"baseBranch,omitempty"`
	Prompt           string        `json:"prompt,omitempty"`
	AutoStartSession bool          `json:"autoStartSession,omitempty"`
	InitialPrompt    string        `json:"initialPrompt,omitempty"`
}

// WorktreeDeletePayload is the worktree-delete job payload.
type WorktreeDeletePayload struct {
	RepositoryID string `json:"repositoryId"`
	Path         string `json:"path"`
	Force        bool   `json:"force,omitempty"`
	TaskID       string `json:"taskId,omitempty"`
}

func (a *API) createWorktree(w http.ResponseWriter, r *http.Request) {
	repo, err := a.store.FindRepositoryByID(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}

	var req WorktreeCreatePayload
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	switch req.Mode {
	case worktree.ModePrompt, worktree.ModeCustom, worktree.ModeExisting:
	default:
		respondError(w, fmt.Errorf("unknown mode %q: %w", req.Mode, errValidation))
		return
	}
	req.RepositoryID = repo.ID

	// Worktree creation shells out to git and may fetch; run it
	// asynchronously and announce completion on the dashboard channel.
	if _, err := a.queue.Enqueue(r.Context(), "worktree-create", req, jobqueue.Options{}); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (a *API) deleteWorktree(w http.ResponseWriter, r *http.Request) {
	repo, err := a.store.FindRepositoryByID(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	path := "/" + r.PathValue("path")
	force := r.URL.Query().Get("force") == "true"

	if taskID := r.URL.Query().Get("taskId"); taskID != "" {
		payload := WorktreeDeletePayload{
			RepositoryID: repo.ID,
			Path:         path,
			Force:        force,
			TaskID:       taskID,
		}
		if _, err := a.queue.Enqueue(r.Context(), "worktree-delete", payload, jobqueue.Options{}); err != nil {
			respondError(w, err)
			return
		}
		respond(w, http.StatusAccepted, map[string]any{"accepted": true})
		return
	}

	if err := a.trees.Remove(r.Context(), repo, path, force); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"deleted": true})
}

func (a *API) remoteStatus(w http.ResponseWriter, r *http.Request) {
	repo, err := a.store.FindRepositoryByID(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	status, err := a.trees.RemoteStatus(repo, r.PathValue("branch"))
	if err != nil {
		respondError(w, errors.Join(errValidation, err))
		return
	}
	respond(w, http.StatusOK, status)
}
