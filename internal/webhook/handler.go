package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/metrics"
	"github.com/devflow/devflow/internal/session"
)

// Dispatcher routes verified events into the orchestration pipeline. The
// handler never blocks the webhook sender on agent execution.
type Dispatcher interface {
	HandleTaskAssigned(ctx context.Context, ev *Event) error
	HandleCommentCreated(ctx context.Context, ev *Event) error
	HandleTaskUpdated(ctx context.Context, ev *Event) error
	HandlePlanApproved(ctx context.Context, ev *Event) error
}

// HandlerConfig configures the inbound HTTP surface.
type HandlerConfig struct {
	Secret  string
	MaxSkew time.Duration

	// Providers maps provider name to availability ("available" or
	// "not configured"), reported by /health.
	Providers map[string]string
}

// Handler owns the inbound routes: webhook, health, and sessions listing.
type Handler struct {
	cfg        HandlerConfig
	dispatcher Dispatcher
	sessions   *session.Manager
	metrics    *metrics.Metrics
	logger     *logger.Logger
	now        func() time.Time
}

// NewHandler creates the handler. The metrics bundle may be nil in tests.
func NewHandler(cfg HandlerConfig, dispatcher Dispatcher, sessions *session.Manager, m *metrics.Metrics, log *logger.Logger) *Handler {
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 5 * time.Minute
	}
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		cfg:        cfg,
		dispatcher: dispatcher,
		sessions:   sessions,
		metrics:    m,
		logger:     log.WithComponent("webhook"),
		now:        time.Now,
	}
}

// Register mounts the routes on the router.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/webhook", h.handleWebhook)
	r.GET("/health", h.handleHealth)
	r.GET("/sessions", h.handleSessions)
}

func (h *Handler) handleWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	eventType := c.GetHeader(HeaderEvent)
	signature := c.GetHeader(HeaderSignature)
	timestamp := c.GetHeader(HeaderTimestamp)

	if err := VerifySignature(h.cfg.Secret, timestamp, signature, body, h.cfg.MaxSkew, h.now()); err != nil {
		h.logger.Warn("webhook rejected",
			zap.String("event", eventType),
			zap.Error(err))
		h.observe(eventType, "rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		h.observe(eventType, "malformed")
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event body"})
		return
	}

	// The sender gets its response now; processing continues async.
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"event":   eventType,
		"message": "accepted",
	})
	h.observe(eventType, "accepted")

	go h.dispatch(eventType, &ev)
}

// dispatch routes one verified event. Runs detached from the request.
func (h *Handler) dispatch(eventType string, ev *Event) {
	ctx := context.Background()
	log := h.logger.WithTaskID(ev.Task.ID)

	var err error
	switch eventType {
	case EventTaskAssigned:
		err = h.dispatcher.HandleTaskAssigned(ctx, ev)
	case EventCommentCreated:
		err = h.dispatcher.HandleCommentCreated(ctx, ev)
	case EventTaskUpdated:
		err = h.dispatcher.HandleTaskUpdated(ctx, ev)
	case EventPlanApproved:
		err = h.dispatcher.HandlePlanApproved(ctx, ev)
	default:
		log.Debug("ignoring unknown event type", zap.String("event", eventType))
		return
	}
	if err != nil {
		log.Error("event dispatch failed",
			zap.String("event", eventType),
			zap.Error(err))
	}
}

func (h *Handler) handleHealth(c *gin.Context) {
	status := "degraded"
	for _, avail := range h.cfg.Providers {
		if avail == "available" {
			status = "healthy"
			break
		}
	}

	active := 0
	if h.sessions != nil {
		if sessions, err := h.sessions.GetActiveSessions(c.Request.Context()); err == nil {
			active = len(sessions)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         status,
		"providers":      h.cfg.Providers,
		"activeSessions": active,
		"timestamp":      h.now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) handleSessions(c *gin.Context) {
	all, err := h.sessions.GetAllSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	type sessionView struct {
		ID        string    `json:"id"`
		TaskID    string    `json:"taskId"`
		Title     string    `json:"title"`
		Status    string    `json:"status"`
		Provider  string    `json:"provider"`
		UpdatedAt time.Time `json:"updatedAt"`
	}
	views := make([]sessionView, 0, len(all))
	for _, s := range all {
		views = append(views, sessionView{
			ID:        s.ID,
			TaskID:    s.TaskID,
			Title:     s.Title,
			Status:    string(s.Status),
			Provider:  s.Provider,
			UpdatedAt: s.UpdatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"count": len(views), "sessions": views})
}

func (h *Handler) observe(event, outcome string) {
	if h.metrics != nil {
		h.metrics.WebhookEvents.WithLabelValues(event, outcome).Inc()
	}
}
