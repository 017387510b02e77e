package session

import (
	"context"
	"log/slog"
	"syscall"
	"time"

	"github.com/agentconsole/agentconsole/internal/bus"
	"github.com/agentconsole/agentconsole/internal/screens"
	"github.com/agentconsole/agentconsole/internal/store"
)

// Recover inspects persisted sessions on process start. Rows carrying
// this process's pid are stale leftovers of an aborted lifecycle: any
// recorded worker pids are reaped (PTYs cannot be inherited across
// processes) and the row becomes paused. Rows with any other pid stay
// paused until the user explicitly resumes or deletes them.
func (m *Manager) Recover(ctx context.Context) error {
	sessions, err := m.store.FindAllSessions(ctx)
	if err != nil {
		return err
	}

	for _, sess := range sessions {
		if sess.ServerPID == 0 {
			continue
		}
		if sess.ServerPID != m.pid {
			slog.Info("session owned by a dead process, leaving paused",
				"session_id", sess.ID, "server_pid", sess.ServerPID)
			continue
		}

		for _, w := range sess.Workers {
			if w.PID > 0 {
				_ = syscall.Kill(w.PID, syscall.SIGKILL)
			}
			w.PID = 0
		}
		sess.ServerPID = 0
		if err := m.store.SaveSession(ctx, sess); err != nil {
			slog.Error("pause stale session failed", "session_id", sess.ID, "error", err)
			continue
		}
		slog.Warn("reaped stale self-owned session", "session_id", sess.ID)
	}
	return nil
}

// ResumeSession revives a paused session: agent workers restart with
// their continue arguments, saved screen buffers are restored, and the
// row is re-owned by this process.
func (m *Manager) ResumeSession(ctx context.Context, sessionID string) (*store.Session, error) {
	m.mu.Lock()
	_, alreadyLive := m.sessions[sessionID]
	m.mu.Unlock()
	if alreadyLive {
		return nil, store.ErrConflict
	}

	sess, err := m.store.FindSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	// Rows left with another process's pid are paused as well: that
	// process is gone (see Recover).
	if !sess.Paused() && sess.ServerPID == m.pid {
		return nil, store.ErrConflict
	}

	ls := &liveSession{model: sess, workers: make(map[string]*liveWorker)}
	for _, w := range sess.Workers {
		lw, err := m.startWorker(sess, w, true)
		if err != nil {
			m.killSessionWorkers(ls)
			return nil, err
		}
		ls.workers[w.ID] = lw
	}
	sess.ServerPID = m.pid

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

	m.bus.Publish(bus.Event{Type: bus.EventSessionUpdated, Payload: m.snapshotOf(ls)})
	return sess, nil
}

// Shutdown pauses every live session: screen buffers are saved for
// later restore, children are killed, and rows are released (pid
// cleared) so the next process adopts them cleanly.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	live := make([]*liveSession, 0, len(m.sessions))
	for _, ls := range m.sessions {
		live = append(live, ls)
	}
	m.sessions = make(map[string]*liveSession)
	m.mu.Unlock()

	for _, ls := range live {
		for wid, lw := range ls.workers {
			if err := screens.Save(m.cfg.WorkerDir(ls.model.ID, wid), lw.buf.Snapshot()); err != nil {
				slog.Warn("save screen buffer failed", "worker_id", wid, "error", err)
			}
		}
		m.killSessionWorkers(ls)

		ls.model.ServerPID = 0
		for _, w := range ls.model.Workers {
			w.PID = 0
		}
		saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := m.store.SaveSession(saveCtx, ls.model); err != nil {
			slog.Error("pause session on shutdown failed", "session_id", ls.model.ID, "error", err)
		}
		cancel()
	}
	slog.Info("session manager shut down", "paused", len(live))
}
