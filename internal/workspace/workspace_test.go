package workspace

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

// setupOrigin creates a bare origin repository seeded with one commit on
// main, returning the directory containing it (the remote base).
func setupOrigin(t *testing.T) string {
	t.Helper()
	base := t.TempDir()

	origin := filepath.Join(base, "origin")
	require.NoError(t, os.MkdirAll(origin, 0o755))
	gitRun(t, origin, "init", "--bare", "-b", "main")

	seed := filepath.Join(base, "seed")
	gitRun(t, base, "clone", origin, seed)
	require.NoError(t, os.WriteFile(filepath.Join(seed, "README.md"), []byte("# demo\n"), 0o644))
	gitRun(t, seed, "add", ".")
	gitRun(t, seed, "-c", "user.name=test", "-c", "user.email=test@example.com", "commit", "-m", "initial")
	gitRun(t, seed, "push", "origin", "main")

	return base
}

func newTestManager(t *testing.T, remoteBase string, worktrees bool) *Manager {
	t.Helper()
	return NewManager(Config{
		BasePath:        t.TempDir(),
		WorktreeEnabled: worktrees,
		BranchPrefix:    "task-",
		DefaultBranch:   "main",
		RemoteBase:      remoteBase,
	}, nil)
}

func TestPrepareIsolatedWorktree(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, setupOrigin(t), true)

	ws, err := m.Prepare(ctx, "t1", "origin")
	require.NoError(t, err)
	defer m.Cleanup(ctx, ws)

	assert.True(t, ws.Isolated)
	assert.Equal(t, "task-t1", ws.Branch)
	assert.NotEqual(t, ws.RepoPath, ws.Path)
	assert.FileExists(t, filepath.Join(ws.Path, "README.md"))

	out := gitRun(t, ws.Path, "branch", "--show-current")
	assert.Contains(t, out, "task-t1")
}

func TestPrepareTwoTasksShareClone(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, setupOrigin(t), true)

	ws1, err := m.Prepare(ctx, "t1", "origin")
	require.NoError(t, err)
	defer m.Cleanup(ctx, ws1)

	ws2, err := m.Prepare(ctx, "t2", "origin")
	require.NoError(t, err)
	defer m.Cleanup(ctx, ws2)

	assert.Equal(t, ws1.RepoPath, ws2.RepoPath)
	assert.NotEqual(t, ws1.Path, ws2.Path)
}

func TestPrepareSharedCheckoutFallback(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, setupOrigin(t), false)

	ws, err := m.Prepare(ctx, "t1", "origin")
	require.NoError(t, err)
	defer m.Cleanup(ctx, ws)

	assert.False(t, ws.Isolated)
	assert.Equal(t, ws.RepoPath, ws.Path)

	out := gitRun(t, ws.Path, "branch", "--show-current")
	assert.Contains(t, out, "task-t1")
}

func TestCaptureChanges(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, setupOrigin(t), true)

	ws, err := m.Prepare(ctx, "t1", "origin")
	require.NoError(t, err)
	defer m.Cleanup(ctx, ws)

	changed, err := m.CaptureChanges(ctx, ws)
	require.NoError(t, err)
	assert.Empty(t, changed)

	require.NoError(t, os.WriteFile(filepath.Join(ws.Path, "footer.tsx"), []byte("x"), 0o644))
	changed, err = m.CaptureChanges(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, []string{"footer.tsx"}, changed)
}

func TestPushChanges(t *testing.T) {
	ctx := context.Background()
	remoteBase := setupOrigin(t)
	m := newTestManager(t, remoteBase, true)

	ws, err := m.Prepare(ctx, "t1", "origin")
	require.NoError(t, err)
	defer m.Cleanup(ctx, ws)

	gitRun(t, ws.Path, "config", "user.name", "test")
	gitRun(t, ws.Path, "config", "user.email", "test@example.com")

	// Clean tree: nothing to push.
	_, err = m.PushChanges(ctx, ws, "msg", "title", "body")
	assert.True(t, errors.Is(err, ErrNoChanges))

	require.NoError(t, os.WriteFile(filepath.Join(ws.Path, "footer.tsx"), []byte("x"), 0o644))
	res, err := m.PushChanges(ctx, ws, "Add footer", "Add footer", "body")
	require.NoError(t, err)
	assert.True(t, res.Pushed)

	// The branch must exist on the origin.
	out := gitRun(t, filepath.Join(remoteBase, "origin"), "branch", "--list", "task-t1")
	assert.Contains(t, out, "task-t1")
}

func TestCleanupRemovesWorktree(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, setupOrigin(t), true)

	ws, err := m.Prepare(ctx, "t1", "origin")
	require.NoError(t, err)
	require.DirExists(t, ws.Path)

	m.Cleanup(ctx, ws)
	assert.NoDirExists(t, ws.Path)

	// Preparing the same task again after cleanup succeeds.
	ws2, err := m.Prepare(ctx, "t1", "origin")
	require.NoError(t, err)
	m.Cleanup(ctx, ws2)
}

func TestSanitizeBranch(t *testing.T) {
	assert.Equal(t, "task-abc-123", "task-"+sanitizeBranch("abc 123"))
	assert.Equal(t, "a-b", sanitizeBranch("A/B"))
	assert.Equal(t, "x", sanitizeBranch("--x--"))
}
