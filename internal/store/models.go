package store

import (
	"encoding/json"
	"time"
)

// SessionType distinguishes the two session variants.
type SessionType string

const (
	SessionQuick    SessionType = "quick"
	SessionWorktree SessionType = "worktree"
)

// WorkerType distinguishes the three worker variants.
type WorkerType string

const (
	WorkerAgent    WorkerType = "agent"
	WorkerTerminal WorkerType = "terminal"
	WorkerGitDiff  WorkerType = "git-diff"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobStalled    JobStatus = "stalled"
)

// NotificationStatus is the delivery state of an inbound-event notification.
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationDelivered NotificationStatus = "delivered"
)

// Repository is a registered source repository.
type Repository struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	SetupCommand string    `json:"setupCommand,omitempty"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Worktree is a parallel checkout of a repository. Index is the
// per-repository counter (>= 1); the main worktree is not numbered.
type Worktree struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repositoryId"`
	Path         string    `json:"path"`
	Index        int       `json:"index"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Session is a conversational context rooted at one filesystem location.
// A worktree session requires RepositoryID and WorktreeID; a quick
// session carries only Location. ServerPID zero means the session is
// paused: no live process owns it.
type Session struct {
	ID            string      `json:"id"`
	Type          SessionType `json:"type"`
	Location      string      `json:"location"`
	RepositoryID  string      `json:"repositoryId,omitempty"`
	WorktreeID    string      `json:"worktreeId,omitempty"`
	Title         string      `json:"title,omitempty"`
	InitialPrompt string      `json:"initialPrompt,omitempty"`
	ServerPID     int         `json:"serverPid,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
	Workers       []*Worker   `json:"workers"`
}

// Paused reports whether the session has no owning server process.
func (s *Session) Paused() bool { return s.ServerPID == 0 }

// Valid checks the tag-dependent fields. Loaders skip invalid rows.
func (s *Session) Valid() bool {
	switch s.Type {
	case SessionQuick:
		return true
	case SessionWorktree:
		return s.RepositoryID != "" && s.WorktreeID != ""
	default:
		return false
	}
}

// Worker is a sub-process (or lightweight component) inside a session.
// An agent worker requires AgentDefinitionID; a git-diff worker
// requires BaseCommit.
type Worker struct {
	ID                string     `json:"id"`
	SessionID         string     `json:"sessionId"`
	Type              WorkerType `json:"type"`
	Name              string     `json:"name"`
	AgentDefinitionID string     `json:"agentDefinitionId,omitempty"`
	BaseCommit        string     `json:"baseCommit,omitempty"`
	PID               int        `json:"pid,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Valid checks the tag-dependent fields.
func (w *Worker) Valid() bool {
	switch w.Type {
	case WorkerAgent:
		return w.AgentDefinitionID != ""
	case WorkerTerminal:
		return true
	case WorkerGitDiff:
		return w.BaseCommit != ""
	default:
		return false
	}
}

// Job is a queued unit of background work.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	NextRetryAt *time.Time      `json:"nextRetryAt,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// InboundEventNotification records one outbound delivery target. The
// (JobID, SessionID, WorkerID, HandlerID) tuple is unique and serves as
// the deduplication key.
type InboundEventNotification struct {
	ID         string             `json:"id"`
	JobID      string             `json:"jobId"`
	SessionID  string             `json:"sessionId"`
	WorkerID   string             `json:"workerId"`
	HandlerID  string             `json:"handlerId"`
	EventType  string             `json:"eventType"`
	Summary    string             `json:"summary,omitempty"`
	Status     NotificationStatus `json:"status"`
	CreatedAt  time.Time          `json:"createdAt"`
	NotifiedAt *time.Time         `json:"notifiedAt,omitempty"`
}

// SlackIntegration is a per-repository webhook sink.
type SlackIntegration struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repositoryId"`
	WebhookURL   string    `json:"webhookUrl"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
