// Package worktree wraps the git worktree primitives and records
// worktree rows in the store.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/agentconsole/agentconsole/internal/id"
	"github.com/agentconsole/agentconsole/internal/store"
)

// Errors surfaced to callers. The HTTP layer maps ErrDeletionInProgress
// to 409 and ErrOutsideRoot to 400.
var (
	ErrDeletionInProgress = errors.New("worktree deletion already in progress")
	ErrOutsideRoot        = errors.New("path outside the managed worktree root")
)

// Mode selects how Create derives the branch to check out.
type Mode string

const (
	ModePrompt   Mode = "prompt"   // derive a branch name from a natural-language prompt
	ModeCustom   Mode = "custom"   // caller supplies branch and base
	ModeExisting Mode = "existing" // check out an existing branch
)

// CreateRequest parameterises Create.
type CreateRequest struct {
	Mode       Mode
	Branch     string // custom, existing
	BaseBranch string // prompt, custom
	Prompt     string // prompt
}

// RemoteStatus is the behind/ahead counts of a branch vs its remote.
type RemoteStatus struct {
	Behind int `json:"behind"`
	Ahead  int `json:"ahead"`
}

const (
	defaultBranchTTL = 5 * time.Minute
	remoteStatusTTL  = 15 * time.Second
)

// Coordinator serialises worktree operations for all repositories.
type Coordinator struct {
	store *store.Store
	cache *gocache.Cache // default-branch and remote-status lookups

	mu       sync.Mutex
	deleting map[string]struct{} // canonical path -> in-flight deletion
}

// New creates a Coordinator.
func New(st *store.Store) *Coordinator {
	return &Coordinator{
		store:    st,
		cache:    gocache.New(defaultBranchTTL, 10*time.Minute),
		deleting: make(map[string]struct{}),
	}
}

// ManagedRoot returns the directory that holds a repository's
// worktrees: a `<name>-worktrees` sibling of the repository.
func ManagedRoot(repo *store.Repository) string {
	return filepath.Join(filepath.Dir(repo.Path), filepath.Base(repo.Path)+"-worktrees")
}

// canonical resolves a path for containment checks.
func canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// within reports whether path (canonicalised) lives under root.
func within(root, path string) bool {
	root = canonical(root)
	path = canonical(path)
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// slugify turns a natural-language prompt into a branch-safe slug.
func slugify(prompt string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(prompt) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= 40 {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}

// Create makes a new worktree for the repository and records its row.
// The returned index is the next free integer >= 1 for this repository.
func (c *Coordinator) Create(ctx context.Context, repo *store.Repository, req CreateRequest) (*store.Worktree, error) {
	branch := req.Branch
	base := req.BaseBranch

	switch req.Mode {
	case ModePrompt:
		slug := slugify(req.Prompt)
		if slug == "" {
			return nil, fmt.Errorf("prompt produced an empty branch name")
		}
		branch = "agent/" + slug
		if base == "" {
			var err error
			base, err = c.DefaultBranch(repo)
			if err != nil {
				return nil, err
			}
		}
	case ModeCustom:
		if branch == "" || base == "" {
			return nil, fmt.Errorf("custom mode requires branch and baseBranch")
		}
	case ModeExisting:
		if branch == "" {
			return nil, fmt.Errorf("existing mode requires branch")
		}
	default:
		return nil, fmt.Errorf("unknown worktree mode %q", req.Mode)
	}

	index, err := c.store.NextWorktreeIndex(ctx, repo.ID)
	if err != nil {
		return nil, err
	}

	name := strings.ReplaceAll(branch, "/", "-")
	path := filepath.Join(ManagedRoot(repo), fmt.Sprintf("%03d-%s", index, name))

	if req.Mode == ModeExisting {
		err = checkoutWorktree(repo.Path, path, branch)
	} else {
		err = createWorktree(repo.Path, path, branch, base)
	}
	if err != nil {
		return nil, err
	}

	wt := &store.Worktree{
		ID:           id.Generate(),
		RepositoryID: repo.ID,
		Path:         path,
		Index:        index,
	}
	if err := c.store.SaveWorktree(ctx, wt); err != nil {
		// Roll the checkout back so disk and store stay consistent.
		_ = removeWorktree(repo.Path, path, true)
		return nil, err
	}
	return wt, nil
}

// Remove deletes a worktree from disk and the store. A second deletion
// for the same path returns ErrDeletionInProgress without touching
// disk. Paths outside the managed root are rejected.
func (c *Coordinator) Remove(ctx context.Context, repo *store.Repository, path string, force bool) error {
	if !within(ManagedRoot(repo), path) {
		return fmt.Errorf("%q: %w", path, ErrOutsideRoot)
	}
	key := canonical(path)

	c.mu.Lock()
	if _, busy := c.deleting[key]; busy {
		c.mu.Unlock()
		return ErrDeletionInProgress
	}
	c.deleting[key] = struct{}{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.deleting, key)
		c.mu.Unlock()
	}()

	if err := removeWorktree(repo.Path, path, force); err != nil {
		return err
	}

	wt, err := c.store.FindWorktreeByPath(ctx, path)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	return c.store.DeleteWorktree(ctx, wt.ID)
}

// List returns the repository's recorded worktrees.
func (c *Coordinator) List(ctx context.Context, repoID string) ([]*store.Worktree, error) {
	return c.store.FindWorktreesByRepository(ctx, repoID)
}

// DefaultBranch returns the repository's default branch (cached).
func (c *Coordinator) DefaultBranch(repo *store.Repository) (string, error) {
	key := "default-branch:" + repo.ID
	if v, ok := c.cache.Get(key); ok {
		return v.(string), nil
	}
	branch, err := defaultBranch(repo.Path)
	if err != nil {
		return "", err
	}
	c.cache.Set(key, branch, defaultBranchTTL)
	return branch, nil
}

// RefreshDefaultBranch re-queries the remote HEAD and busts the cache.
func (c *Coordinator) RefreshDefaultBranch(repo *store.Repository) (string, error) {
	branch, err := refreshDefaultBranch(repo.Path)
	if err != nil {
		return "", err
	}
	c.cache.Set("default-branch:"+repo.ID, branch, defaultBranchTTL)
	return branch, nil
}

// RemoteStatus returns behind/ahead counts for a branch (cached).
func (c *Coordinator) RemoteStatus(repo *store.Repository, branch string) (*RemoteStatus, error) {
	key := "remote-status:" + repo.ID + ":" + branch
	if v, ok := c.cache.Get(key); ok {
		rs := v.(RemoteStatus)
		return &rs, nil
	}
	behind, ahead, err := remoteStatus(repo.Path, branch)
	if err != nil {
		return nil, err
	}
	rs := RemoteStatus{Behind: behind, Ahead: ahead}
	c.cache.Set(key, rs, remoteStatusTTL)
	return &rs, nil
}

// FetchRemote fetches one branch from origin.
func (c *Coordinator) FetchRemote(repo *store.Repository, branch string) error {
	return fetchRemote(repo.Path, branch)
}

// FetchAll fetches all remotes for the repository.
func (c *Coordinator) FetchAll(repo *store.Repository) error {
	return fetchAll(repo.Path)
}

// RemoteURL returns the repository's origin URL, or empty.
func (c *Coordinator) RemoteURL(repo *store.Repository) string {
	return remoteURL(repo.Path)
}
