package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentconsole/agentconsole/internal/bus"
	"github.com/agentconsole/agentconsole/internal/httpapi"
	"github.com/agentconsole/agentconsole/internal/notify"
	"github.com/agentconsole/agentconsole/internal/session"
	"github.com/agentconsole/agentconsole/internal/store"
	"github.com/agentconsole/agentconsole/internal/worktree"
)

// Job type tags.
const (
	jobWorktreeCreate      = "worktree-create"
	jobWorktreeDelete      = "worktree-delete"
	jobSessionCleanup      = "session-cleanup"
	jobNotificationDeliver = "notification-deliver"
)

func (s *Server) registerJobHandlers() error {
	handlers := map[string]func(ctx context.Context, job *store.Job) error{
		jobWorktreeCreate:      s.handleWorktreeCreate,
		jobWorktreeDelete:      s.handleWorktreeDelete,
		jobSessionCleanup:      s.handleSessionCleanup,
		jobNotificationDeliver: s.handleNotificationDeliver,
	}
	for jobType, h := range handlers {
		if err := s.queue.RegisterHandler(jobType, h); err != nil {
			return err
		}
	}
	return nil
}

// lastAttempt reports whether this run exhausts the job's budget.
func lastAttempt(job *store.Job) bool {
	return job.Attempts+1 >= job.MaxAttempts
}

// handleWorktreeCreate creates a worktree and, on request, starts a
// session inside it. Completion is announced on the dashboard channel.
func (s *Server) handleWorktreeCreate(ctx context.Context, job *store.Job) error {
	var req httpapi.WorktreeCreatePayload
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	repo, err := s.store.FindRepositoryByID(ctx, req.RepositoryID)
	if err != nil {
		return err
	}

	wt, err := s.trees.Create(ctx, repo, worktree.CreateRequest{
		Mode:       req.Mode,
		Branch:     req.Branch,
		BaseBranch: req.BaseBranch,
		Prompt:     req.Prompt,
	})
	if err != nil {
		if lastAttempt(job) {
			s.events.Publish(bus.Event{Type: bus.EventWorktreeCreateFailed, Payload: map[string]any{
				"repositoryId": req.RepositoryID,
				"error":        err.Error(),
			}})
		}
		return err
	}

	s.events.Publish(bus.Event{Type: bus.EventWorktreeCreateCompleted, Payload: map[string]any{
		"repositoryId": req.RepositoryID,
		"worktree":     wt,
	}})

	if req.AutoStartSession {
		if _, err := s.mgr.CreateSession(ctx, session.CreateSessionRequest{
			Type:          store.SessionWorktree,
			RepositoryID:  repo.ID,
			WorktreeID:    wt.ID,
			InitialPrompt: req.InitialPrompt,
		}); err != nil {
			// The worktree exists; a session failure should not
			// resurrect the whole job.
			s.events.Publish(bus.Event{Type: bus.EventWorktreeCreateFailed, Payload: map[string]any{
				"repositoryId": req.RepositoryID,
				"worktree":     wt,
				"error":        fmt.Sprintf("session start failed: %v", err),
			}})
		}
	}
	return nil
}

// handleWorktreeDelete removes a worktree asynchronously. A deletion
// already in progress is terminal, not retry material.
func (s *Server) handleWorktreeDelete(ctx context.Context, job *store.Job) error {
	var req httpapi.WorktreeDeletePayload
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	repo, err := s.store.FindRepositoryByID(ctx, req.RepositoryID)
	if err != nil {
		return err
	}

	if err := s.trees.Remove(ctx, repo, req.Path, req.Force); err != nil {
		if errors.Is(err, worktree.ErrDeletionInProgress) || lastAttempt(job) {
			s.events.Publish(bus.Event{Type: bus.EventWorktreeDeleteFailed, Payload: map[string]any{
				"repositoryId": req.RepositoryID,
				"path":         req.Path,
				"taskId":       req.TaskID,
				"error":        err.Error(),
			}})
		}
		if errors.Is(err, worktree.ErrDeletionInProgress) {
			return nil
		}
		return err
	}

	s.events.Publish(bus.Event{Type: bus.EventWorktreeDeleteCompleted, Payload: map[string]any{
		"repositoryId": req.RepositoryID,
		"path":         req.Path,
		"taskId":       req.TaskID,
	}})
	return nil
}

// sessionCleanupPayload drives deferred session deletions.
type sessionCleanupPayload struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleSessionCleanup(ctx context.Context, job *store.Job) error {
	var req sessionCleanupPayload
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if !s.mgr.DeleteSession(ctx, req.SessionID) {
		// Already gone; deletion is idempotent.
		if _, err := s.store.FindSessionByID(ctx, req.SessionID); errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return s.store.DeleteSession(ctx, req.SessionID)
	}
	return nil
}

// notificationDeliverPayload is the job-driven notification path; the
// job id feeds the deduplication key.
type notificationDeliverPayload struct {
	SessionID string `json:"sessionId"`
	WorkerID  string `json:"workerId"`
	EventType string `json:"eventType"`
	Summary   string `json:"summary"`
}

func (s *Server) handleNotificationDeliver(ctx context.Context, job *store.Job) error {
	var req notificationDeliverPayload
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	s.dispatcher.Deliver(notify.Event{
		SessionID: req.SessionID,
		WorkerID:  req.WorkerID,
		Type:      req.EventType,
		Summary:   req.Summary,
		JobID:     job.ID,
	})
	return nil
}
