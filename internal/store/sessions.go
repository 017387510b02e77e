package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const sessionColumns = "id, type, location, repository_id, worktree_id, title, initial_prompt, server_pid, created_at, updated_at"

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var s Session
	var repoID, worktreeID sql.NullString
	var pid sql.NullInt64
	var created, updated string
	err := row.Scan(&s.ID, &s.Type, &s.Location, &repoID, &worktreeID,
		&s.Title, &s.InitialPrompt, &pid, &created, &updated)
	if err != nil {
		return nil, err
	}
	s.RepositoryID = repoID.String
	s.WorktreeID = worktreeID.String
	s.ServerPID = int(pid.Int64)
	s.CreatedAt = parseTime(created)
	s.UpdatedAt = parseTime(updated)
	return &s, nil
}

const workerColumns = "id, session_id, type, name, agent_definition_id, base_commit, pid, created_at, updated_at"

func scanWorker(row interface{ Scan(...any) error }) (*Worker, error) {
	var w Worker
	var pid sql.NullInt64
	var created, updated string
	err := row.Scan(&w.ID, &w.SessionID, &w.Type, &w.Name,
		&w.AgentDefinitionID, &w.BaseCommit, &pid, &created, &updated)
	if err != nil {
		return nil, err
	}
	w.PID = int(pid.Int64)
	w.CreatedAt = parseTime(created)
	w.UpdatedAt = parseTime(updated)
	return &w, nil
}

// nullStr stores NULL for the empty string (tag-dependent columns).
func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) loadWorkers(ctx context.Context, sessionID string) ([]*Worker, bool, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+workerColumns+" FROM workers WHERE session_id = ? ORDER BY created_at ASC", sessionID)
	if err != nil {
		return nil, false, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []*Worker
	allValid := true
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			slog.Warn("unreadable worker row", "session_id", sessionID, "error", err)
			allValid = false
			continue
		}
		if !w.Valid() {
			slog.Warn("skipping invalid worker row", "session_id", sessionID, "worker_id", w.ID, "type", w.Type)
			allValid = false
			continue
		}
		out = append(out, w)
	}
	return out, allValid, rows.Err()
}

// hydrate attaches workers and applies the transitive skip policy: a
// session whose own tag fields or any worker fail validation is skipped.
func (s *Store) hydrate(ctx context.Context, sess *Session) (bool, error) {
	if !sess.Valid() {
		slog.Warn("skipping corrupted session row", "session_id", sess.ID, "type", sess.Type)
		return false, nil
	}
	workers, allValid, err := s.loadWorkers(ctx, sess.ID)
	if err != nil {
		return false, err
	}
	if !allValid {
		slog.Warn("skipping session with invalid workers", "session_id", sess.ID)
		return false, nil
	}
	sess.Workers = workers
	if sess.Workers == nil {
		sess.Workers = []*Worker{}
	}
	return true, nil
}

// FindAllSessions returns every valid persisted session with its
// workers. Corrupted rows are skipped with a warning, never fatal.
func (s *Store) FindAllSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var loaded []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			slog.Warn("skipping unreadable session row", "error", err)
			continue
		}
		loaded = append(loaded, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*Session
	for _, sess := range loaded {
		ok, err := s.hydrate(ctx, sess)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, sess)
		}
	}
	return out, nil
}

// FindSessionByID returns the hydrated session, or ErrNotFound. A
// corrupted row is reported as not found.
func (s *Store) FindSessionByID(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	ok, err := s.hydrate(ctx, sess)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

func upsertSessionTx(ctx context.Context, tx *sql.Tx, sess *Session) error {
	// updated_at must strictly increase across saves even within one
	// millisecond, so bump past the stored value if needed.
	now := time.Now().UTC().Truncate(time.Millisecond)
	var prev sql.NullString
	err := tx.QueryRowContext(ctx,
		"SELECT updated_at FROM sessions WHERE id = ?", sess.ID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read previous updated_at: %w", err)
	}
	if prev.Valid {
		if last := parseTime(prev.String); !now.After(last) {
			now = last.Add(time.Millisecond)
		}
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, type, location, repository_id, worktree_id, title, initial_prompt, server_pid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			location = excluded.location,
			repository_id = excluded.repository_id,
			worktree_id = excluded.worktree_id,
			title = excluded.title,
			initial_prompt = excluded.initial_prompt,
			server_pid = excluded.server_pid,
			updated_at = excluded.updated_at`,
		sess.ID, sess.Type, sess.Location, nullStr(sess.RepositoryID), nullStr(sess.WorktreeID),
		sess.Title, sess.InitialPrompt, nullPID(sess.ServerPID),
		fmtTime(sess.CreatedAt), fmtTime(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func upsertWorkersTx(ctx context.Context, tx *sql.Tx, sess *Session) error {
	now := time.Now()
	keep := make([]any, 0, len(sess.Workers)+1)
	keep = append(keep, sess.ID)
	for _, w := range sess.Workers {
		if w.CreatedAt.IsZero() {
			w.CreatedAt = now
		}
		w.UpdatedAt = now
		w.SessionID = sess.ID

		// Upsert, never delete-and-reinsert: surviving ids keep created_at.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workers (id, session_id, type, name, agent_definition_id, base_commit, pid, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				session_id = excluded.session_id,
				type = excluded.type,
				name = excluded.name,
				agent_definition_id = excluded.agent_definition_id,
				base_commit = excluded.base_commit,
				pid = excluded.pid,
				updated_at = excluded.updated_at`,
			w.ID, w.SessionID, w.Type, w.Name, w.AgentDefinitionID, w.BaseCommit,
			nullPID(w.PID), fmtTime(w.CreatedAt), fmtTime(w.UpdatedAt))
		if err != nil {
			return fmt.Errorf("upsert worker %s: %w", w.ID, err)
		}
		keep = append(keep, w.ID)
	}

	// Remove workers of this session whose ids are not in the incoming set.
	query := "DELETE FROM workers WHERE session_id = ?"
	if len(sess.Workers) > 0 {
		query += " AND id NOT IN (?" + repeat(",?", len(sess.Workers)-1) + ")"
	}
	if _, err := tx.ExecContext(ctx, query, keep...); err != nil {
		return fmt.Errorf("prune workers: %w", err)
	}
	return nil
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

// SaveSession upserts the session and reconciles its worker set in one
// transaction: incoming workers are upserted, persisted workers missing
// from the incoming set are deleted.
func (s *Store) SaveSession(ctx context.Context, sess *Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertSessionTx(ctx, tx, sess); err != nil {
		return err
	}
	if err := upsertWorkersTx(ctx, tx, sess); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveAllSessions atomically replaces every session row. Cascades
// remove all workers, which are then re-inserted from the list.
func (s *Store) SaveAllSessions(ctx context.Context, sessions []*Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions"); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	for _, sess := range sessions {
		if err := upsertSessionTx(ctx, tx, sess); err != nil {
			return err
		}
		if err := upsertWorkersTx(ctx, tx, sess); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteSession removes a session row; worker rows cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountSessionsByRepository counts live-or-persisted sessions
// referencing a repository.
func (s *Store) CountSessionsByRepository(ctx context.Context, repoID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions WHERE repository_id = ?", repoID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}
