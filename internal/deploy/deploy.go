// Package deploy triggers preview deployments for working branches and
// binds them to stable alias hostnames. Two strategies sit behind one
// contract: the vercel CLI and the HTTP API with readiness polling.
package deploy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/logger"
)

// Config bounds deployment.
type Config struct {
	Enabled       bool
	Strategy      string // "cli" or "api"
	Token         string
	Project       string
	TeamID        string
	PreviewDomain string
	PollInterval  time.Duration
	Timeout       time.Duration
}

// Result reports what Deploy accomplished. A disabled manager returns a
// successful no-op with Skipped set.
type Result struct {
	Skipped    bool   `json:"skipped,omitempty"`
	VercelURL  string `json:"vercelUrl,omitempty"`
	PreviewURL string `json:"previewUrl,omitempty"`
	AliasURL   string `json:"aliasUrl,omitempty"`
	Error      string `json:"error,omitempty"`
}

// deployment is one created deployment, as much of it as aliasing needs.
type deployment struct {
	ID  string
	URL string
}

// deployer is one deployment strategy.
type deployer interface {
	Deploy(ctx context.Context, branch, projectPath string) (*deployment, error)
	Alias(ctx context.Context, d *deployment, alias string) error
}

// Manager selects a strategy and wires aliasing on top of it.
type Manager struct {
	cfg    Config
	impl   deployer
	logger *logger.Logger
}

// NewManager creates a deployment manager for the configured strategy.
func NewManager(cfg Config, log *logger.Logger) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent("deploy")

	m := &Manager{cfg: cfg, logger: log}
	switch cfg.Strategy {
	case "api":
		m.impl = newAPIDeployer(cfg, log)
	default:
		m.impl = newCLIDeployer(cfg, log)
	}
	return m
}

// Deploy creates a preview deployment for the branch. Alias failures are
// non-fatal: the raw deployment URL remains usable.
func (m *Manager) Deploy(ctx context.Context, branch, projectPath string) *Result {
	if !m.cfg.Enabled {
		return &Result{Skipped: true}
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	d, err := m.impl.Deploy(ctx, branch, projectPath)
	if err != nil {
		m.logger.Error("deployment failed",
			zap.String("branch", branch),
			zap.Error(err))
		return &Result{Error: err.Error()}
	}

	res := &Result{VercelURL: d.URL, PreviewURL: d.URL}

	if m.cfg.PreviewDomain != "" {
		alias := AliasFor(branch, m.cfg.Project, m.cfg.PreviewDomain)
		if err := m.impl.Alias(ctx, d, alias); err != nil {
			m.logger.Warn("alias binding failed, raw URL remains usable",
				zap.String("alias", alias),
				zap.Error(err))
		} else {
			res.AliasURL = "https://" + alias
			res.PreviewURL = res.AliasURL
		}
	}

	m.logger.Info("deployment ready",
		zap.String("branch", branch),
		zap.String("url", res.PreviewURL))
	return res
}

// AliasFor returns the deterministic per-branch alias hostname.
func AliasFor(branch, project, previewDomain string) string {
	sub := sanitizeSubdomain(branch)
	if project != "" {
		sub = sub + "-" + sanitizeSubdomain(project)
	}
	// DNS labels cap at 63 characters.
	if len(sub) > 63 {
		sub = strings.Trim(sub[:63], "-")
	}
	return fmt.Sprintf("%s.%s", sub, previewDomain)
}

func sanitizeSubdomain(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
