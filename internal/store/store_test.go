package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agentconsole/internal/id"
	"github.com/agentconsole/agentconsole/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	sqlDB, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := store.Migrate(sqlDB); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	return store.New(sqlDB)
}

func makeRepo(t *testing.T, st *store.Store, path string) *store.Repository {
	t.Helper()
	repo := &store.Repository{ID: id.Generate(), Name: "repo", Path: path}
	require.NoError(t, st.SaveRepository(context.Background(), repo))
	return repo
}

func TestRepositories_CRUD(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	repo := makeRepo(t, st, "/tmp/repo")

	got, err := st.FindRepositoryByID(ctx, repo.ID)
	require.NoError(t, err)
	if got.Path != "/tmp/repo" {
		t.Errorf("Path = %q, want %q", got.Path, "/tmp/repo")
	}

	byPath, err := st.FindRepositoryByPath(ctx, "/tmp/repo")
	require.NoError(t, err)
	if byPath.ID != repo.ID {
		t.Errorf("ID = %q, want %q", byPath.ID, repo.ID)
	}

	all, err := st.FindAllRepositories(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	repo.Description = "updated"
	require.NoError(t, st.SaveRepository(ctx, repo))
	got, _ = st.FindRepositoryByID(ctx, repo.ID)
	assert.Equal(t, "updated", got.Description)

	require.NoError(t, st.DeleteRepository(ctx, repo.ID))
	_, err = st.FindRepositoryByID(ctx, repo.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRepositories_UniquePath(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	makeRepo(t, st, "/tmp/repo")

	dup := &store.Repository{ID: id.Generate(), Name: "dup", Path: "/tmp/repo"}
	assert.Error(t, st.SaveRepository(ctx, dup), "expected UNIQUE violation on path")
}

func TestRepositories_DeleteRejectedWhileSessionsExist(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	repo := makeRepo(t, st, "/tmp/repo")
	wt := &store.Worktree{ID: id.Generate(), RepositoryID: repo.ID, Path: "/tmp/wt", Index: 1}
	require.NoError(t, st.SaveWorktree(ctx, wt))

	sess := &store.Session{
		ID:           id.Generate(),
		Type:         store.SessionWorktree,
		Location:     wt.Path,
		RepositoryID: repo.ID,
		WorktreeID:   wt.ID,
	}
	require.NoError(t, st.SaveSession(ctx, sess))

	err := st.DeleteRepository(ctx, repo.ID)
	assert.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, st.DeleteSession(ctx, sess.ID))
	assert.NoError(t, st.DeleteRepository(ctx, repo.ID))
}

func TestWorktrees_CascadeWithRepository(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	repoA := makeRepo(t, st, "/tmp/a")
	repoB := makeRepo(t, st, "/tmp/b")

	for i, repo := range []*store.Repository{repoA, repoB} {
		wt := &store.Worktree{
			ID:           id.Generate(),
			RepositoryID: repo.ID,
			Path:         repo.Path + "-worktrees/001-x",
			Index:        i + 1,
		}
		require.NoError(t, st.SaveWorktree(ctx, wt))
	}

	require.NoError(t, st.DeleteRepository(ctx, repoA.ID))

	// Exactly repoA's worktrees are gone; repoB's are unaffected.
	a, err := st.FindWorktreesByRepository(ctx, repoA.ID)
	require.NoError(t, err)
	assert.Empty(t, a)

	b, err := st.FindWorktreesByRepository(ctx, repoB.ID)
	require.NoError(t, err)
	assert.Len(t, b, 1)
}

func TestWorktrees_NextIndex(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	repo := makeRepo(t, st, "/tmp/repo")

	next, err := st.NextWorktreeIndex(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, next, "first index must be 1; the main worktree is not numbered")

	wt := &store.Worktree{ID: id.Generate(), RepositoryID: repo.ID, Path: "/tmp/wt1", Index: next}
	require.NoError(t, st.SaveWorktree(ctx, wt))

	next, err = st.NextWorktreeIndex(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, next)
}

func TestSlackIntegration_Upsert(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	repo := makeRepo(t, st, "/tmp/repo")

	si := &store.SlackIntegration{
		ID:           id.Generate(),
		RepositoryID: repo.ID,
		WebhookURL:   "http://example.test/hook",
		Enabled:      true,
	}
	require.NoError(t, st.SaveSlackIntegration(ctx, si))

	got, err := st.FindSlackIntegrationByRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)

	// Upsert by repository id keeps a single row.
	si2 := &store.SlackIntegration{
		ID:           id.Generate(),
		RepositoryID: repo.ID,
		WebhookURL:   "http://example.test/hook2",
		Enabled:      false,
	}
	require.NoError(t, st.SaveSlackIntegration(ctx, si2))

	got, err = st.FindSlackIntegrationByRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, si.ID, got.ID, "original row id survives the upsert")
	assert.Equal(t, "http://example.test/hook2", got.WebhookURL)
	assert.False(t, got.Enabled)

	_, err = st.FindSlackIntegrationByRepository(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
