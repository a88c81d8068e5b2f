package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/logger"
)

// ManagerConfig bounds recovery and cleanup.
type ManagerConfig struct {
	// StaleAfter is how long a running session may go without an update
	// before recovery treats it as stuck.
	StaleAfter time.Duration

	// Retention is how long terminal sessions are kept before cleanup.
	Retention time.Duration
}

// DefaultManagerConfig returns the defaults used when configuration leaves
// them unset.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		StaleAfter: 30 * time.Minute,
		Retention:  72 * time.Hour,
	}
}

// Manager owns the session registry and the execution lock set. All
// cross-task shared mutable state in the pipeline lives here.
type Manager struct {
	store  Store
	locks  *LockRegistry
	cfg    ManagerConfig
	logger *logger.Logger
	now    func() time.Time
}

// NewManager creates a manager over the given store.
func NewManager(store Store, cfg ManagerConfig, log *logger.Logger) *Manager {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultManagerConfig().StaleAfter
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultManagerConfig().Retention
	}
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		store:  store,
		locks:  NewLockRegistry(),
		cfg:    cfg,
		logger: log.WithComponent("session-manager"),
		now:    time.Now,
	}
}

// Locks returns the execution lock registry.
func (m *Manager) Locks() *LockRegistry {
	return m.locks
}

// CreateSession creates a new session for a task. A task with an existing
// active session is rejected; a stale terminal session for the same task is
// replaced.
func (m *Manager) CreateSession(ctx context.Context, taskID, title, description, projectPath, provider string) (*Session, error) {
	existing, err := m.store.GetByTaskID(ctx, taskID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		if existing.IsActive() {
			return nil, fmt.Errorf("%w: task %s", ErrSessionExists, taskID)
		}
		if err := m.store.Delete(ctx, existing.ID); err != nil {
			return nil, fmt.Errorf("replace terminal session: %w", err)
		}
	}

	now := m.now().UTC()
	sess := &Session{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		Title:       title,
		Description: description,
		ProjectPath: projectPath,
		Provider:    provider,
		Status:      StatusIdle,
		Metadata:    map[string]string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.Create(ctx, sess); err != nil {
		return nil, err
	}

	m.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("task_id", taskID),
		zap.String("provider", provider))
	return sess, nil
}

// GetSession returns a session by id.
func (m *Manager) GetSession(ctx context.Context, id string) (*Session, error) {
	return m.store.Get(ctx, id)
}

// GetByTaskID returns the session for a task, or ErrNotFound.
func (m *Manager) GetByTaskID(ctx context.Context, taskID string) (*Session, error) {
	return m.store.GetByTaskID(ctx, taskID)
}

// UpdateStatus moves a session to the given status.
func (m *Manager) UpdateStatus(ctx context.Context, id string, status Status) error {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.Status = status
	sess.UpdatedAt = m.now().UTC()
	return m.store.Update(ctx, sess)
}

// UpdateSession persists the given session, refreshing its updated_at.
func (m *Manager) UpdateSession(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = m.now().UTC()
	return m.store.Update(ctx, sess)
}

// DeleteSession removes a session.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

// IncrementMessageCount bumps the message counter and touches updated_at,
// which doubles as the liveness signal for staleness recovery.
func (m *Manager) IncrementMessageCount(ctx context.Context, id string) error {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.MessageCount++
	sess.UpdatedAt = m.now().UTC()
	return m.store.Update(ctx, sess)
}

// RecordComment stores a comment body against the session and bumps the
// message counter. Comments that arrive while a run is in flight land here so
// the text survives until someone reads the session, instead of being
// reduced to a counter tick.
func (m *Manager) RecordComment(ctx context.Context, id, body string) error {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.MessageCount++
	if body != "" {
		if sess.Metadata == nil {
			sess.Metadata = map[string]string{}
		}
		sess.Metadata[fmt.Sprintf("comment_%d", sess.MessageCount)] = body
	}
	sess.UpdatedAt = m.now().UTC()
	return m.store.Update(ctx, sess)
}

// GetActiveSessions returns sessions in idle, running, or waiting_input.
func (m *Manager) GetActiveSessions(ctx context.Context) ([]*Session, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]*Session, 0, len(all))
	for _, s := range all {
		if s.IsActive() {
			active = append(active, s)
		}
	}
	return active, nil
}

// GetAllSessions returns every persisted session.
func (m *Manager) GetAllSessions(ctx context.Context) ([]*Session, error) {
	return m.store.List(ctx)
}

// Recover applies the startup staleness policy: interrupted and error
// sessions are deleted so the next assignment starts clean; running sessions
// older than the staleness threshold are treated as stuck and deleted; fresh
// running sessions are left alone.
func (m *Manager) Recover(ctx context.Context) error {
	all, err := m.store.List(ctx)
	if err != nil {
		return err
	}

	cutoff := m.now().UTC().Add(-m.cfg.StaleAfter)
	removed := 0
	for _, s := range all {
		remove := false
		switch s.Status {
		case StatusInterrupted, StatusError:
			remove = true
		case StatusRunning:
			remove = s.UpdatedAt.Before(cutoff)
		}
		if !remove {
			continue
		}
		if err := m.store.Delete(ctx, s.ID); err != nil {
			return fmt.Errorf("recover session %s: %w", s.ID, err)
		}
		m.logger.Info("recovered stale session",
			zap.String("session_id", s.ID),
			zap.String("task_id", s.TaskID),
			zap.String("status", string(s.Status)))
		removed++
	}

	if removed > 0 {
		m.logger.Info("session recovery complete", zap.Int("removed", removed))
	}
	return nil
}

// CleanupExpired deletes terminal sessions older than the retention window.
func (m *Manager) CleanupExpired(ctx context.Context) error {
	cutoff := m.now().UTC().Add(-m.cfg.Retention)
	n, err := m.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Info("expired sessions cleaned up", zap.Int("removed", n))
	}
	return nil
}
