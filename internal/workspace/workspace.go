// Package workspace prepares per-task working copies of source repositories
// and pushes the changes an agent run accumulates. Isolation uses git
// worktrees; when worktree creation fails the manager falls back to the
// shared checkout, which is not safe under concurrent tasks on the same
// repository and is flagged as degraded.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/logger"
)

// Config bounds workspace preparation.
type Config struct {
	// BasePath is the root under which clones and worktrees live.
	BasePath string

	// WorktreeEnabled selects isolated worktrees; disabled means every
	// task shares the repository checkout.
	WorktreeEnabled bool

	// BranchPrefix is prepended to task ids to form working branches.
	BranchPrefix string

	// DefaultBranch is the base branch new working branches start from.
	DefaultBranch string

	// RemoteBase is prefixed to repository ids to form clone URLs.
	RemoteBase string
}

// Workspace is one prepared working copy.
type Workspace struct {
	TaskID   string
	RepoID   string
	RepoPath string

	// Path is the directory the agent works in. Equal to RepoPath when the
	// shared-checkout fallback is active.
	Path   string
	Branch string

	// Isolated is false in the shared-checkout fallback, a degraded mode
	// under concurrent tasks on the same repository.
	Isolated bool
}

// PushResult reports what PushChanges accomplished.
type PushResult struct {
	Pushed   bool
	PRNumber int
	PRURL    string
}

// Manager prepares, captures, pushes, and cleans up workspaces.
type Manager struct {
	cfg    Config
	cloner *Cloner
	logger *logger.Logger
}

// NewManager creates a workspace manager.
func NewManager(cfg Config, log *logger.Logger) *Manager {
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "task-"
	}
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = "main"
	}
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		cfg:    cfg,
		cloner: NewCloner(cfg.BasePath, cfg.RemoteBase, log),
		logger: log.WithComponent("workspace"),
	}
}

// BranchFor returns the working branch name for a task.
func (m *Manager) BranchFor(taskID string) string {
	return m.cfg.BranchPrefix + sanitizeBranch(taskID)
}

// Prepare obtains the repository clone and a per-task working copy on a
// fresh branch. The clone happens once per repository, not per task.
func (m *Manager) Prepare(ctx context.Context, taskID, repoID string) (*Workspace, error) {
	repoPath, err := m.cloner.EnsureRepo(ctx, repoID)
	if err != nil {
		return nil, err
	}

	branch := m.BranchFor(taskID)
	ws := &Workspace{
		TaskID:   taskID,
		RepoID:   repoID,
		RepoPath: repoPath,
		Branch:   branch,
	}

	if m.cfg.WorktreeEnabled {
		wtPath := filepath.Join(m.cfg.BasePath, "worktrees", sanitizeBranch(taskID))
		if err := m.addWorktree(ctx, repoPath, wtPath, branch); err == nil {
			ws.Path = wtPath
			ws.Isolated = true
			m.logger.Info("worktree prepared",
				zap.String("task_id", taskID),
				zap.String("branch", branch),
				zap.String("path", wtPath))
			return ws, nil
		} else {
			m.logger.Warn("worktree creation failed, falling back to shared checkout",
				zap.String("task_id", taskID),
				zap.Error(err))
		}
	}

	// Shared-checkout fallback: branch directly in the clone.
	if _, err := runGit(ctx, repoPath, "checkout", "-B", branch, m.cfg.DefaultBranch); err != nil {
		return nil, fmt.Errorf("create branch %s: %w", branch, err)
	}
	ws.Path = repoPath
	ws.Isolated = false
	return ws, nil
}

func (m *Manager) addWorktree(ctx context.Context, repoPath, wtPath, branch string) error {
	// A stale worktree from a previous run is removed first.
	if _, err := os.Stat(wtPath); err == nil {
		_, _ = runGit(ctx, repoPath, "worktree", "remove", "--force", wtPath)
		_ = os.RemoveAll(wtPath)
		_, _ = runGit(ctx, repoPath, "worktree", "prune")
	}
	if err := os.MkdirAll(filepath.Dir(wtPath), 0o755); err != nil {
		return fmt.Errorf("create worktree directory: %w", err)
	}

	if _, err := runGit(ctx, repoPath, "worktree", "add", "-b", branch, wtPath, m.cfg.DefaultBranch); err != nil {
		// The branch may survive from an earlier attempt.
		if _, err2 := runGit(ctx, repoPath, "worktree", "add", wtPath, branch); err2 != nil {
			return err
		}
	}
	return nil
}

// CaptureChanges lists paths with uncommitted changes in the workspace.
func (m *Manager) CaptureChanges(ctx context.Context, ws *Workspace) ([]string, error) {
	out, err := runGit(ctx, ws.Path, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) > 3 {
			paths = append(paths, strings.TrimSpace(line[3:]))
		}
	}
	return paths, nil
}

// PushChanges commits everything, pushes the working branch, and opens a
// pull request when the gh CLI is available. A missing gh binary or a
// failed PR creation is non-fatal; the push alone still succeeds.
func (m *Manager) PushChanges(ctx context.Context, ws *Workspace, commitMessage, prTitle, prBody string) (*PushResult, error) {
	changed, err := m.CaptureChanges(ctx, ws)
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return nil, ErrNoChanges
	}

	if _, err := runGit(ctx, ws.Path, "add", "-A"); err != nil {
		return nil, err
	}
	if commitMessage == "" {
		commitMessage = "Automated changes for task " + ws.TaskID
	}
	if _, err := runGit(ctx, ws.Path, "commit", "-m", commitMessage); err != nil {
		return nil, err
	}
	if _, err := runGit(ctx, ws.Path, "push", "-u", "origin", ws.Branch); err != nil {
		return nil, err
	}

	res := &PushResult{Pushed: true}

	ghPath, err := exec.LookPath("gh")
	if err != nil {
		m.logger.Info("gh not available, push only", zap.String("task_id", ws.TaskID))
		return res, nil
	}
	if prTitle == "" {
		prTitle = commitMessage
	}

	cmd := exec.CommandContext(ctx, ghPath, "pr", "create",
		"--title", prTitle,
		"--body", prBody,
		"--head", ws.Branch,
		"--base", m.cfg.DefaultBranch)
	cmd.Dir = ws.Path
	out, err := cmd.CombinedOutput()
	if err != nil {
		m.logger.Warn("pull request creation failed",
			zap.String("task_id", ws.TaskID),
			zap.String("output", strings.TrimSpace(string(out))),
			zap.Error(err))
		return res, nil
	}

	url := lastNonEmptyLine(string(out))
	res.PRURL = url
	res.PRNumber = prNumberFromURL(url)
	m.logger.Info("pull request opened",
		zap.String("task_id", ws.TaskID),
		zap.String("url", url))
	return res, nil
}

// Cleanup removes worktree state. Invoked on every exit path; best effort.
func (m *Manager) Cleanup(ctx context.Context, ws *Workspace) {
	if ws == nil {
		return
	}
	if !ws.Isolated {
		// Leave the shared checkout on the default branch for the next task.
		_, _ = runGit(ctx, ws.RepoPath, "checkout", m.cfg.DefaultBranch)
		return
	}
	if _, err := runGit(ctx, ws.RepoPath, "worktree", "remove", "--force", ws.Path); err != nil {
		m.logger.Warn("worktree removal failed",
			zap.String("task_id", ws.TaskID),
			zap.Error(err))
		_ = os.RemoveAll(ws.Path)
	}
	_, _ = runGit(ctx, ws.RepoPath, "worktree", "prune")
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// prNumberFromURL extracts the trailing number from a PR URL, 0 if absent.
func prNumberFromURL(url string) int {
	idx := strings.LastIndex(url, "/")
	if idx < 0 || idx == len(url)-1 {
		return 0
	}
	n, err := strconv.Atoi(url[idx+1:])
	if err != nil {
		return 0
	}
	return n
}
