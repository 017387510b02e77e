// Package store is the relational persistence layer: typed entities,
// atomic upserts, cascading deletes, and corrupted-row skip semantics.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentconsole/agentconsole/internal/timefmt"
)

// Sentinel errors surfaced to callers. HTTP mapping: ErrNotFound -> 404,
// ErrConflict -> 409, ErrWrongStatus -> 400.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrWrongStatus = errors.New("wrong status")
)

// Store wraps the single long-lived database handle. Writes are
// serialised by the connection pool (one writer, see Open).
type Store struct {
	db *sql.DB
}

// New creates a Store over an opened, migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle (shutdown checkpointing).
func (s *Store) DB() *sql.DB { return s.db }

func fmtTime(t time.Time) string { return timefmt.Format(t) }

func parseTime(s string) time.Time {
	t, err := timefmt.Parse(s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// nullTime converts an optional time to a driver value.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func scanNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

// nullPID converts a pid to a driver value; zero stores NULL.
func nullPID(pid int) any {
	if pid == 0 {
		return nil
	}
	return pid
}

// --- Repositories ---

// SaveRepository upserts a repository. created_at survives updates;
// updated_at is refreshed on every write.
func (s *Store) SaveRepository(ctx context.Context, r *Repository) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repositories (id, name, path, setup_command, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			path = excluded.path,
			setup_command = excluded.setup_command,
			description = excluded.description,
			updated_at = excluded.updated_at`,
		r.ID, r.Name, r.Path, r.SetupCommand, r.Description,
		fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save repository: %w", err)
	}
	return nil
}

func scanRepository(row interface{ Scan(...any) error }) (*Repository, error) {
	var r Repository
	var created, updated string
	if err := row.Scan(&r.ID, &r.Name, &r.Path, &r.SetupCommand, &r.Description, &created, &updated); err != nil {
		return nil, err
	}
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return &r, nil
}

const repositoryColumns = "id, name, path, setup_command, description, created_at, updated_at"

// FindAllRepositories returns every registered repository, oldest first.
func (s *Store) FindAllRepositories(ctx context.Context) ([]*Repository, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+repositoryColumns+" FROM repositories ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var out []*Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			slog.Warn("skipping unreadable repository row", "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FindRepositoryByID returns the repository or ErrNotFound.
func (s *Store) FindRepositoryByID(ctx context.Context, id string) (*Repository, error) {
	r, err := scanRepository(s.db.QueryRowContext(ctx,
		"SELECT "+repositoryColumns+" FROM repositories WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find repository: %w", err)
	}
	return r, nil
}

// FindRepositoryByPath returns the repository at the byte-exact path, or ErrNotFound.
func (s *Store) FindRepositoryByPath(ctx context.Context, path string) (*Repository, error) {
	r, err := scanRepository(s.db.QueryRowContext(ctx,
		"SELECT "+repositoryColumns+" FROM repositories WHERE path = ?", path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find repository by path: %w", err)
	}
	return r, nil
}

// DeleteRepository unregisters a repository. Rejected with ErrConflict
// while any session row references it. Worktree rows cascade.
func (s *Store) DeleteRepository(ctx context.Context, id string) error {
	var sessions int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions WHERE repository_id = ?", id).Scan(&sessions)
	if err != nil {
		return fmt.Errorf("count referencing sessions: %w", err)
	}
	if sessions > 0 {
		return fmt.Errorf("repository has %d sessions: %w", sessions, ErrConflict)
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM repositories WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete repository: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Worktrees ---

// SaveWorktree upserts a worktree row. created_at survives updates.
func (s *Store) SaveWorktree(ctx context.Context, w *Worktree) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worktrees (id, repository_id, path, idx, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			repository_id = excluded.repository_id,
			path = excluded.path,
			idx = excluded.idx`,
		w.ID, w.RepositoryID, w.Path, w.Index, fmtTime(w.CreatedAt))
	if err != nil {
		return fmt.Errorf("save worktree: %w", err)
	}
	return nil
}

func scanWorktree(row interface{ Scan(...any) error }) (*Worktree, error) {
	var w Worktree
	var created string
	if err := row.Scan(&w.ID, &w.RepositoryID, &w.Path, &w.Index, &created); err != nil {
		return nil, err
	}
	w.CreatedAt = parseTime(created)
	return &w, nil
}

const worktreeColumns = "id, repository_id, path, idx, created_at"

// FindWorktreeByID returns the worktree or ErrNotFound.
func (s *Store) FindWorktreeByID(ctx context.Context, id string) (*Worktree, error) {
	w, err := scanWorktree(s.db.QueryRowContext(ctx,
		"SELECT "+worktreeColumns+" FROM worktrees WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find worktree: %w", err)
	}
	return w, nil
}

// FindWorktreeByPath returns the worktree at the byte-exact path, or ErrNotFound.
func (s *Store) FindWorktreeByPath(ctx context.Context, path string) (*Worktree, error) {
	w, err := scanWorktree(s.db.QueryRowContext(ctx,
		"SELECT "+worktreeColumns+" FROM worktrees WHERE path = ?", path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find worktree by path: %w", err)
	}
	return w, nil
}

// FindWorktreesByRepository lists a repository's worktrees ordered by index.
func (s *Store) FindWorktreesByRepository(ctx context.Context, repoID string) ([]*Worktree, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+worktreeColumns+" FROM worktrees WHERE repository_id = ? ORDER BY idx ASC", repoID)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	defer rows.Close()

	var out []*Worktree
	for rows.Next() {
		w, err := scanWorktree(rows)
		if err != nil {
			slog.Warn("skipping unreadable worktree row", "error", err)
			continue
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// NextWorktreeIndex returns the next free per-repository index (>= 1).
func (s *Store) NextWorktreeIndex(ctx context.Context, repoID string) (int, error) {
	var next int
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(idx), 0) + 1 FROM worktrees WHERE repository_id = ?", repoID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next worktree index: %w", err)
	}
	return next, nil
}

// DeleteWorktree removes a worktree row. ErrNotFound if absent.
func (s *Store) DeleteWorktree(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM worktrees WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete worktree: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Slack integrations ---

// SaveSlackIntegration upserts the per-repository webhook sink.
func (s *Store) SaveSlackIntegration(ctx context.Context, si *SlackIntegration) error {
	now := time.Now()
	if si.CreatedAt.IsZero() {
		si.CreatedAt = now
	}
	si.UpdatedAt = now

	enabled := 0
	if si.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repository_slack_integrations (id, repository_id, webhook_url, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(repository_id) DO UPDATE SET
			webhook_url = excluded.webhook_url,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		si.ID, si.RepositoryID, si.WebhookURL, enabled,
		fmtTime(si.CreatedAt), fmtTime(si.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save slack integration: %w", err)
	}
	return nil
}

// FindSlackIntegrationByRepository returns the integration or ErrNotFound.
func (s *Store) FindSlackIntegrationByRepository(ctx context.Context, repoID string) (*SlackIntegration, error) {
	var si SlackIntegration
	var enabled int
	var created, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, repository_id, webhook_url, enabled, created_at, updated_at
		FROM repository_slack_integrations WHERE repository_id = ?`, repoID).
		Scan(&si.ID, &si.RepositoryID, &si.WebhookURL, &enabled, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find slack integration: %w", err)
	}
	si.Enabled = enabled != 0
	si.CreatedAt = parseTime(created)
	si.UpdatedAt = parseTime(updated)
	return &si, nil
}
