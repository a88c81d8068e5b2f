package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/logger"
)

// Cloner maintains one local clone per repository under a base directory.
// Clones are shared across tasks; isolation happens at the worktree level.
type Cloner struct {
	basePath   string
	remoteBase string
	logger     *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCloner creates a cloner. remoteBase is prefixed to repository ids to
// form clone URLs, e.g. "https://github.com/".
func NewCloner(basePath, remoteBase string, log *logger.Logger) *Cloner {
	if log == nil {
		log = logger.Default()
	}
	return &Cloner{
		basePath:   basePath,
		remoteBase: remoteBase,
		logger:     log.WithComponent("cloner"),
		locks:      make(map[string]*sync.Mutex),
	}
}

// repoLock returns the per-repository mutex, creating it on first use.
// Serializes clone/fetch per repository so concurrent tasks on the same
// repository do not race the filesystem.
func (c *Cloner) repoLock(repoID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.locks[repoID]; ok {
		return l
	}
	l := &sync.Mutex{}
	c.locks[repoID] = l
	return l
}

// repoPath maps a repository id like "org/repo" onto the local directory.
func (c *Cloner) repoPath(repoID string) string {
	return filepath.Join(c.basePath, "repos", filepath.FromSlash(repoID))
}

// EnsureRepo clones the repository on first use and fetches on subsequent
// uses, returning the local clone path.
func (c *Cloner) EnsureRepo(ctx context.Context, repoID string) (string, error) {
	lock := c.repoLock(repoID)
	lock.Lock()
	defer lock.Unlock()

	path := c.repoPath(repoID)
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		if _, err := runGit(ctx, path, "fetch", "--all", "--prune"); err != nil {
			c.logger.Warn("fetch failed, using existing clone",
				zap.String("repository", repoID),
				zap.Error(err))
		}
		return path, nil
	}

	url := strings.TrimSuffix(c.remoteBase, "/") + "/" + repoID
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create clone directory: %w", err)
	}

	c.logger.Info("cloning repository",
		zap.String("repository", repoID),
		zap.String("path", path))
	if out, err := runGit(ctx, filepath.Dir(path), "clone", url, path); err != nil {
		return "", fmt.Errorf("clone %s: %w: %s", repoID, err, out)
	}
	return path, nil
}
