// Package session manages live sessions and their workers: PTY
// lifecycle, output buffering, activity inference, write-through
// persistence, and dashboard event publication.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/agentconsole/agentconsole/internal/bus"
	"github.com/agentconsole/agentconsole/internal/config"
	"github.com/agentconsole/agentconsole/internal/id"
	"github.com/agentconsole/agentconsole/internal/metrics"
	"github.com/agentconsole/agentconsole/internal/ptyproc"
	"github.com/agentconsole/agentconsole/internal/screens"
	"github.com/agentconsole/agentconsole/internal/store"
	"github.com/agentconsole/agentconsole/internal/termbuf"
)

// ActivityFunc is the global activity callback: fired on every
// non-identity activity transition of any worker.
type ActivityFunc func(sessionID, workerID string, state termbuf.State)

// ExitFunc is the global worker-exit hook.
type ExitFunc func(sessionID, workerID string, code int, signal string)

// Snapshot is the dashboard view of one session: the persisted model
// plus per-worker transient activity states.
type Snapshot struct {
	Session  *store.Session           `json:"session"`
	Activity map[string]termbuf.State `json:"activity"`
}

// ActivityChange is the payload of a worker-activity dashboard event.
type ActivityChange struct {
	SessionID string        `json:"sessionId"`
	WorkerID  string        `json:"workerId"`
	State     termbuf.State `json:"state"`
}

type liveWorker struct {
	model    *store.Worker
	proc     *ptyproc.Proc // nil for git-diff workers
	buf      *termbuf.Buffer
	detector *termbuf.Detector // nil for non-agent workers
}

func (w *liveWorker) state() termbuf.State {
	if w.detector == nil {
		return termbuf.StateUnknown
	}
	return w.detector.State()
}

type liveSession struct {
	model   *store.Session
	workers map[string]*liveWorker
}

// Manager owns the in-memory map of live sessions. Mutations happen
// inside a short critical section; PTY spawns, store writes and
// broadcasts run outside the lock.
type Manager struct {
	store *store.Store
	bus   *bus.Bus
	cfg   *config.Config
	pid   int

	mu       sync.Mutex
	sessions map[string]*liveSession

	cbMu       sync.RWMutex
	activityFn ActivityFunc
	exitFn     ExitFunc
}

// NewManager creates an empty Manager.
func NewManager(st *store.Store, b *bus.Bus, cfg *config.Config) *Manager {
	return &Manager{
		store:    st,
		bus:      b,
		cfg:      cfg,
		pid:      os.Getpid(),
		sessions: make(map[string]*liveSession),
	}
}

// SetGlobalActivityCallback installs the activity hook (notification
// dispatcher). Replaces any previous hook.
func (m *Manager) SetGlobalActivityCallback(fn ActivityFunc) {
	m.cbMu.Lock()
	m.activityFn = fn
	m.cbMu.Unlock()
}

// SetWorkerExitHook installs the worker-exit hook.
func (m *Manager) SetWorkerExitHook(fn ExitFunc) {
	m.cbMu.Lock()
	m.exitFn = fn
	m.cbMu.Unlock()
}

// CreateSessionRequest is the tagged create-session input.
type CreateSessionRequest struct {
	Type              store.SessionType `json:"type"`
	Location          string            `json:"location,omitempty"`
	RepositoryID      string            `json:"repositoryId,omitempty"`
	WorktreeID        string            `json:"worktreeId,omitempty"`
	Title             string            `json:"title,omitempty"`
	InitialPrompt     string            `json:"initialPrompt,omitempty"`
	AgentDefinitionID string            `json:"agentDefinitionId,omitempty"`
}

// CreateWorkerRequest is the tagged create-worker input.
type CreateWorkerRequest struct {
	Type              store.WorkerType `json:"type"`
	Name              string           `json:"name,omitempty"`
	AgentDefinitionID string           `json:"agentDefinitionId,omitempty"`
	BaseCommit        string           `json:"baseCommit,omitempty"`
}

// CreateSession validates the request, spawns the initial worker set
// (one agent, plus a diff companion for worktree sessions), persists,
// and broadcasts.
func (m *Manager) CreateSession(ctx context.Context, req CreateSessionRequest) (*store.Session, error) {
	defID := req.AgentDefinitionID
	if defID == "" {
		defID = m.cfg.Agents[0].ID
	}
	if m.cfg.Agent(defID) == nil {
		return nil, fmt.Errorf("unknown agent definition %q", defID)
	}

	sess := &store.Session{
		ID:            id.Generate(),
		Type:          req.Type,
		Location:      req.Location,
		Title:         req.Title,
		InitialPrompt: req.InitialPrompt,
		ServerPID:     m.pid,
	}

	switch req.Type {
	case store.SessionQuick:
		if req.Location == "" {
			return nil, fmt.Errorf("quick session requires a location")
		}
	case store.SessionWorktree:
		repo, err := m.store.FindRepositoryByID(ctx, req.RepositoryID)
		if err != nil {
			return nil, fmt.Errorf("resolve repository: %w", err)
		}
		wt, err := m.store.FindWorktreeByID(ctx, req.WorktreeID)
		if err != nil {
			return nil, fmt.Errorf("resolve worktree: %w", err)
		}
		if wt.RepositoryID != repo.ID {
			return nil, fmt.Errorf("worktree %s does not belong to repository %s", wt.ID, repo.ID)
		}
		sess.RepositoryID = repo.ID
		sess.WorktreeID = wt.ID
		sess.Location = wt.Path
	default:
		return nil, fmt.Errorf("unknown session type %q", req.Type)
	}

	ls := &liveSession{model: sess, workers: make(map[string]*liveWorker)}

	agent := &store.Worker{
		ID:                id.Generate(),
		SessionID:         sess.ID,
		Type:              store.WorkerAgent,
		Name:              "agent",
		AgentDefinitionID: defID,
	}
	lw, err := m.startWorker(sess, agent, false)
	if err != nil {
		return nil, err
	}
	ls.workers[agent.ID] = lw
	sess.Workers = append(sess.Workers, agent)

	if sess.Type == store.SessionWorktree {
		diff := &store.Worker{
			ID:         id.Generate(),
			SessionID:  sess.ID,
			Type:       store.WorkerGitDiff,
			Name:       "changes",
			BaseCommit: "HEAD",
		}
		dlw, err := m.startWorker(sess, diff, false)
		if err != nil {
			m.killSessionWorkers(ls)
			return nil, err
		}
		ls.workers[diff.ID] = dlw
		sess.Workers = append(sess.Workers, diff)
	}

	m.mu.Lock()
	m.sessions[sess.ID] = ls
	m.mu.Unlock()

	if err := m.store.SaveSession(ctx, sess); err != nil {
		m.mu.Lock()
		delete(m.sessions, sess.ID)
		m.mu.Unlock()
		m.killSessionWorkers(ls)
		return nil, err
	}

	metrics.ActiveSessions.Inc()
	metrics.ActiveWorkers.Add(float64(len(sess.Workers)))
	m.bus.Publish(bus.Event{Type: bus.EventSessionCreated, Payload: m.snapshotOf(ls)})
	return sess, nil
}

// startWorker spawns the backing process for PTY-backed worker types
// and wires the output tap. git-diff workers are lightweight: buffer
// only, no process.
func (m *Manager) startWorker(sess *store.Session, w *store.Worker, resume bool) (*liveWorker, error) {
	lw := &liveWorker{model: w, buf: termbuf.NewBuffer()}

	var opts ptyproc.Options
	switch w.Type {
	case store.WorkerAgent:
		def := m.cfg.Agent(w.AgentDefinitionID)
		if def == nil {
			return nil, fmt.Errorf("unknown agent definition %q", w.AgentDefinitionID)
		}
		opts = ptyproc.Options{
			ID:           w.ID,
			Command:      def.Command,
			Args:         def.Args,
			ContinueArgs: def.ContinueArgs,
			Resume:       resume,
			WorkingDir:   sess.Location,
		}
		lw.detector = termbuf.NewDetector(m.transitionFn(sess.ID, w.ID))
	case store.WorkerTerminal:
		opts = ptyproc.Options{
			ID:         w.ID,
			Command:    defaultShell(),
			WorkingDir: sess.Location,
		}
	case store.WorkerGitDiff:
		if w.BaseCommit == "" {
			return nil, fmt.Errorf("git-diff worker requires a base commit")
		}
		return lw, nil
	default:
		return nil, fmt.Errorf("unknown worker type %q", w.Type)
	}

	if resume {
		if saved, err := screens.Load(m.cfg.WorkerDir(sess.ID, w.ID)); err == nil && len(saved) > 0 {
			lw.buf.Restore(saved)
		}
	}

	tap := func(data []byte) {
		lw.buf.Write(data)
		if lw.detector != nil {
			lw.detector.Feed(data)
		}
	}

	proc, err := ptyproc.Start(opts, tap)
	if err != nil {
		return nil, fmt.Errorf("start worker %s: %w", w.ID, err)
	}
	lw.proc = proc
	w.PID = proc.PID()

	go func() {
		code := proc.Wait()
		m.handleWorkerExit(sess.ID, w.ID, code, proc.ExitSignal())
	}()

	return lw, nil
}

func (m *Manager) transitionFn(sessionID, workerID string) termbuf.TransitionFunc {
	return func(state termbuf.State) {
		m.bus.Publish(bus.Event{
			Type:    bus.EventWorkerActivity,
			Payload: ActivityChange{SessionID: sessionID, WorkerID: workerID, State: state},
		})
		m.cbMu.RLock()
		fn := m.activityFn
		m.cbMu.RUnlock()
		if fn != nil {
			fn(sessionID, workerID, state)
		}
	}
}

func (m *Manager) handleWorkerExit(sessionID, workerID string, code int, signal string) {
	m.mu.Lock()
	ls, ok := m.sessions[sessionID]
	var sess *store.Session
	if ok {
		if lw, live := ls.workers[workerID]; live {
			lw.model.PID = 0
		}
		sess = ls.model
	}
	m.mu.Unlock()

	if sess != nil {
		if err := m.store.SaveSession(context.Background(), sess); err != nil {
			slog.Error("persist worker exit failed", "session_id", sessionID, "error", err)
		}
		m.bus.Publish(bus.Event{Type: bus.EventSessionUpdated, Payload: m.SnapshotByID(sessionID)})
	}

	m.cbMu.RLock()
	fn := m.exitFn
	m.cbMu.RUnlock()
	if fn != nil {
		fn(sessionID, workerID, code, signal)
	}
}

// CreateWorker appends a worker to a live session. Returns nil (no
// error) when the session does not exist.
func (m *Manager) CreateWorker(ctx context.Context, sessionID string, req CreateWorkerRequest) (*store.Worker, error) {
	m.mu.Lock()
	ls, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}

	name := req.Name
	if name == "" {
		name = string(req.Type)
	}
	w := &store.Worker{
		ID:                id.Generate(),
		SessionID:         sessionID,
		Type:              req.Type,
		Name:              name,
		AgentDefinitionID: req.AgentDefinitionID,
		BaseCommit:        req.BaseCommit,
	}
	if req.Type == store.WorkerAgent && w.AgentDefinitionID == "" {
		w.AgentDefinitionID = m.cfg.Agents[0].ID
	}
	if !w.Valid() {
		return nil, fmt.Errorf("invalid %s worker request", req.Type)
	}

	lw, err := m.startWorker(ls.model, w, false)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	ls.workers[w.ID] = lw
	ls.model.Workers = append(ls.model.Workers, w)
	sess := ls.model
	m.mu.Unlock()

	if err := m.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	metrics.ActiveWorkers.Inc()
	m.bus.Publish(bus.Event{Type: bus.EventSessionUpdated, Payload: m.snapshotOf(ls)})
	return w, nil
}

// DeleteWorker kills the backing process (if any), removes the worker
// and upserts the parent session so its worker list reflects removal.
func (m *Manager) DeleteWorker(ctx context.Context, sessionID, workerID string) bool {
	m.mu.Lock()
	ls, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	lw, ok := ls.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(ls.workers, workerID)
	workers := ls.model.Workers[:0:0]
	for _, w := range ls.model.Workers {
		if w.ID != workerID {
			workers = append(workers, w)
		}
	}
	ls.model.Workers = workers
	sess := ls.model
	m.mu.Unlock()

	m.stopWorker(lw)
	if err := m.store.SaveSession(ctx, sess); err != nil {
		slog.Error("persist worker removal failed", "session_id", sessionID, "error", err)
	}
	metrics.ActiveWorkers.Dec()
	m.bus.Publish(bus.Event{Type: bus.EventSessionUpdated, Payload: m.snapshotOf(ls)})
	return true
}

// DeleteSession kills all children, removes the row (cascade handles
// worker rows), and broadcasts.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) bool {
	m.mu.Lock()
	ls, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if ok {
		m.killSessionWorkers(ls)
		metrics.ActiveSessions.Dec()
		metrics.ActiveWorkers.Add(-float64(len(ls.workers)))
	}

	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		if !ok {
			return false
		}
		slog.Error("delete session row failed", "session_id", sessionID, "error", err)
	}
	_ = os.RemoveAll(filepath.Join(m.cfg.SessionsDir(), sessionID))

	m.bus.Publish(bus.Event{Type: bus.EventSessionDeleted, Payload: map[string]string{"sessionId": sessionID}})
	return true
}

func (m *Manager) stopWorker(lw *liveWorker) {
	if lw.detector != nil {
		lw.detector.Close()
	}
	if lw.proc != nil {
		lw.proc.ClearCallbacks()
		lw.proc.Kill()
	}
}

func (m *Manager) killSessionWorkers(ls *liveSession) {
	for _, lw := range ls.workers {
		m.stopWorker(lw)
	}
}

func (m *Manager) worker(sessionID, workerID string) (*liveWorker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	lw, ok := ls.workers[workerID]
	return lw, ok
}

// WriteWorkerInput passes bytes to the worker's stdin. False on
// unknown ids or a process-less worker.
func (m *Manager) WriteWorkerInput(sessionID, workerID string, data []byte) bool {
	lw, ok := m.worker(sessionID, workerID)
	if !ok || lw.proc == nil {
		return false
	}
	if err := lw.proc.Write(data); err != nil {
		slog.Debug("worker write failed", "worker_id", workerID, "error", err)
		return false
	}
	return true
}

// ResizeWorker forwards a resize to the PTY.
func (m *Manager) ResizeWorker(sessionID, workerID string, cols, rows uint16) bool {
	lw, ok := m.worker(sessionID, workerID)
	if !ok || lw.proc == nil {
		return false
	}
	if err := lw.proc.Resize(cols, rows); err != nil {
		slog.Debug("worker resize failed", "worker_id", workerID, "error", err)
		return false
	}
	return true
}

// GetWorkerOutputBuffer returns the ring buffer snapshot for a newly
// attached consumer.
func (m *Manager) GetWorkerOutputBuffer(sessionID, workerID string) ([]byte, bool) {
	lw, ok := m.worker(sessionID, workerID)
	if !ok {
		return nil, false
	}
	return lw.buf.Snapshot(), true
}

// GetWorkerActivityState returns the worker's transient activity state.
func (m *Manager) GetWorkerActivityState(sessionID, workerID string) (termbuf.State, bool) {
	lw, ok := m.worker(sessionID, workerID)
	if !ok {
		return termbuf.StateUnknown, false
	}
	return lw.state(), true
}

// GetWorker returns the worker's persisted model.
func (m *Manager) GetWorker(sessionID, workerID string) (*store.Worker, bool) {
	lw, ok := m.worker(sessionID, workerID)
	if !ok {
		return nil, false
	}
	return lw.model, true
}

// GetSession returns a live session's persisted model.
func (m *Manager) GetSession(sessionID string) (*store.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return ls.model, true
}

// AttachWorkerCallbacks replaces the active consumer callbacks. The
// previous callbacks are silently detached; the ring buffer survives.
func (m *Manager) AttachWorkerCallbacks(sessionID, workerID string, cb ptyproc.Callbacks) bool {
	lw, ok := m.worker(sessionID, workerID)
	if !ok || lw.proc == nil {
		return false
	}
	lw.proc.SetCallbacks(cb)
	return true
}

// DetachWorkerCallbacks removes the active consumer callbacks.
func (m *Manager) DetachWorkerCallbacks(sessionID, workerID string) bool {
	lw, ok := m.worker(sessionID, workerID)
	if !ok || lw.proc == nil {
		return false
	}
	lw.proc.ClearCallbacks()
	return true
}

func (m *Manager) snapshotOf(ls *liveSession) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	activity := make(map[string]termbuf.State, len(ls.workers))
	for wid, lw := range ls.workers {
		activity[wid] = lw.state()
	}
	return Snapshot{Session: ls.model, Activity: activity}
}

// SnapshotByID returns the dashboard snapshot of one live session.
func (m *Manager) SnapshotByID(sessionID string) Snapshot {
	m.mu.Lock()
	ls, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}
	}
	return m.snapshotOf(ls)
}

// Snapshots returns dashboard snapshots of every live session plus the
// persisted paused sessions (sessions-sync payload).
func (m *Manager) Snapshots(ctx context.Context) []Snapshot {
	m.mu.Lock()
	live := make(map[string]*liveSession, len(m.sessions))
	for sid, ls := range m.sessions {
		live[sid] = ls
	}
	m.mu.Unlock()

	var out []Snapshot
	for _, ls := range live {
		out = append(out, m.snapshotOf(ls))
	}

	persisted, err := m.store.FindAllSessions(ctx)
	if err != nil {
		slog.Warn("list persisted sessions failed", "error", err)
		return out
	}
	for _, sess := range persisted {
		if _, isLive := live[sess.ID]; isLive {
			continue
		}
		activity := make(map[string]termbuf.State, len(sess.Workers))
		for _, w := range sess.Workers {
			activity[w.ID] = termbuf.StateUnknown
		}
		out = append(out, Snapshot{Session: sess, Activity: activity})
	}
	return out
}

// defaultShell resolves the user's shell for terminal workers.
func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	if _, err := os.Stat("/bin/bash"); err == nil {
		return "/bin/bash"
	}
	return "/bin/sh"
}
