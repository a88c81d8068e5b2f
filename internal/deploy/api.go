package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/logger"
)

const vercelAPIBase = "https://api.vercel.com"

// apiDeployer creates deployments over the Vercel HTTP API and polls
// readiness on a fixed interval.
type apiDeployer struct {
	cfg     Config
	baseURL string
	client  *http.Client
	logger  *logger.Logger
}

func newAPIDeployer(cfg Config, log *logger.Logger) *apiDeployer {
	return &apiDeployer{
		cfg:     cfg,
		baseURL: vercelAPIBase,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  log,
	}
}

type apiDeployment struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	ReadyState string `json:"readyState"`
}

func (a *apiDeployer) request(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	url := a.baseURL + path
	if a.cfg.TeamID != "" {
		url += "?teamId=" + a.cfg.TeamID
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(data)
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return fmt.Errorf("vercel API %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Deploy creates the deployment and polls until a terminal ready state. A
// poll that runs out of time reports failure, never unknown success.
func (a *apiDeployer) Deploy(ctx context.Context, branch, projectPath string) (*deployment, error) {
	payload := map[string]interface{}{
		"name": a.cfg.Project,
		"gitSource": map[string]interface{}{
			"type": "github",
			"ref":  branch,
		},
		"target": "preview",
	}

	var created apiDeployment
	if err := a.request(ctx, http.MethodPost, "/v13/deployments", payload, &created); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	a.logger.Info("deployment created, polling readiness",
		zap.String("deployment_id", created.ID),
		zap.String("branch", branch))

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var current apiDeployment
		if err := a.request(ctx, http.MethodGet, "/v13/deployments/"+created.ID, nil, &current); err != nil {
			return nil, fmt.Errorf("poll deployment: %w", err)
		}

		switch current.ReadyState {
		case "READY":
			return &deployment{ID: created.ID, URL: "https://" + current.URL}, nil
		case "ERROR", "CANCELED":
			return nil, fmt.Errorf("deployment %s ended in state %s", created.ID, current.ReadyState)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("deployment %s readiness unknown: poll timed out", created.ID)
		case <-ticker.C:
		}
	}
}

func (a *apiDeployer) Alias(ctx context.Context, d *deployment, alias string) error {
	if d.ID == "" {
		return fmt.Errorf("deployment id unknown, cannot alias")
	}
	payload := map[string]string{"alias": alias}
	return a.request(ctx, http.MethodPost, "/v2/deployments/"+d.ID+"/aliases", payload, nil)
}
