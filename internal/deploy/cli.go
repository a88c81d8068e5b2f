package deploy

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/devflow/devflow/internal/common/logger"
)

// cliDeployer shells out to the vercel CLI in the project directory.
type cliDeployer struct {
	cfg    Config
	logger *logger.Logger
}

func newCLIDeployer(cfg Config, log *logger.Logger) *cliDeployer {
	return &cliDeployer{cfg: cfg, logger: log}
}

func (c *cliDeployer) run(ctx context.Context, dir string, args ...string) (string, error) {
	args = append(args, "--token", c.cfg.Token)
	if c.cfg.TeamID != "" {
		args = append(args, "--scope", c.cfg.TeamID)
	}

	cmd := exec.CommandContext(ctx, "vercel", args...)
	cmd.Dir = dir

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("vercel %s: %w: %s", args[0], err, strings.TrimSpace(buf.String()))
	}
	return strings.TrimSpace(buf.String()), nil
}

// Deploy runs "vercel deploy" and takes the printed deployment URL. The CLI
// blocks until the build finishes, so no separate polling is needed.
func (c *cliDeployer) Deploy(ctx context.Context, branch, projectPath string) (*deployment, error) {
	out, err := c.run(ctx, projectPath, "deploy", "--yes")
	if err != nil {
		return nil, err
	}

	url := lastURLLine(out)
	if url == "" {
		return nil, fmt.Errorf("vercel deploy produced no deployment URL")
	}
	return &deployment{URL: url}, nil
}

func (c *cliDeployer) Alias(ctx context.Context, d *deployment, alias string) error {
	_, err := c.run(ctx, "", "alias", "set", d.URL, alias)
	return err
}

func lastURLLine(out string) string {
	lines := strings.Split(out, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		l := strings.TrimSpace(lines[i])
		if strings.HasPrefix(l, "https://") {
			return l
		}
	}
	return ""
}
