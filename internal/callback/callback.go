// Package callback sends signed status notifications to the owning system.
// Delivery is best effort: failures are logged and swallowed, never retried
// from a durable queue.
package callback

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
	"github.com/devflow/devflow/internal/events"
	"github.com/devflow/devflow/internal/metrics"
	"github.com/devflow/devflow/internal/webhook"
)

// Payload is the outbound callback body.
type Payload struct {
	Event     string                 `json:"event"`
	Timestamp string                 `json:"timestamp"`
	SessionID string                 `json:"sessionId"`
	TaskID    string                 `json:"taskId"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Client signs and posts callbacks to the configured URL.
type Client struct {
	url     string
	secret  string
	client  *http.Client
	metrics *metrics.Metrics
	logger  *logger.Logger
	now     func() time.Time
}

// NewClient creates a callback client. The metrics bundle may be nil.
func NewClient(url, secret string, timeout time.Duration, m *metrics.Metrics, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: timeout},
		metrics: m,
		logger:  log.WithComponent("callback"),
		now:     time.Now,
	}
}

// Notify builds, signs, and posts one callback. Failures are logged and
// swallowed; the pipeline never blocks or fails on callback delivery.
func (c *Client) Notify(ctx context.Context, event, sessionID, taskID string, data map[string]interface{}) {
	ts := fmt.Sprintf("%d", c.now().Unix())
	payload := Payload{
		Event:     event,
		Timestamp: ts,
		SessionID: sessionID,
		TaskID:    taskID,
		Data:      data,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		c.observe(event, false)
		c.logger.Error("encode callback failed", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		c.observe(event, false)
		c.logger.Error("build callback request failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.HeaderEvent, event)
	req.Header.Set(webhook.HeaderTimestamp, ts)
	req.Header.Set(webhook.HeaderSignature, webhook.ComputeSignature(c.secret, ts, body))

	resp, err := c.client.Do(req)
	if err != nil {
		c.observe(event, false)
		c.logger.Warn("callback delivery failed",
			zap.String("event", event),
			zap.String("task_id", taskID),
			zap.Error(err))
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.observe(event, false)
		c.logger.Warn("callback rejected by receiver",
			zap.String("event", event),
			zap.String("task_id", taskID),
			zap.Int("status", resp.StatusCode))
		return
	}
	c.observe(event, true)
}

// NotifyStarted reports that a session began work.
func (c *Client) NotifyStarted(ctx context.Context, sessionID, taskID string, data map[string]interface{}) {
	c.Notify(ctx, events.SessionStarted, sessionID, taskID, data)
}

// NotifyProgress reports progress inside a run.
func (c *Client) NotifyProgress(ctx context.Context, sessionID, taskID string, data map[string]interface{}) {
	c.Notify(ctx, events.SessionProgress, sessionID, taskID, data)
}

// NotifyWaitingInput reports that a run is parked on human input.
func (c *Client) NotifyWaitingInput(ctx context.Context, sessionID, taskID string, data map[string]interface{}) {
	c.Notify(ctx, events.SessionWaitingInput, sessionID, taskID, data)
}

// NotifyCompleted reports a finished run with its files and PR info.
func (c *Client) NotifyCompleted(ctx context.Context, sessionID, taskID string, data map[string]interface{}) {
	c.Notify(ctx, events.SessionCompleted, sessionID, taskID, data)
}

// NotifyError reports a failed run.
func (c *Client) NotifyError(ctx context.Context, sessionID, taskID string, message string) {
	c.Notify(ctx, events.SessionError, sessionID, taskID, map[string]interface{}{"message": message})
}

func (c *Client) observe(event string, ok bool) {
	if c.metrics != nil {
		c.metrics.ObserveCallback(event, ok)
	}
}
