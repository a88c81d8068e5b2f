package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/events"
	"github.com/devflow/devflow/internal/events/bus"
)

// Service applies the state machine guards over the store and publishes
// transition events.
type Service struct {
	store  Store
	bus    bus.EventBus
	logger *logger.Logger
	now    func() time.Time
}

// NewService creates the workflow service. The bus may be nil in tests.
func NewService(store Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		store:  store,
		bus:    eventBus,
		logger: log.WithComponent("workflow"),
		now:    time.Now,
	}
}

// FindOrCreate returns the workflow for a task, creating it on first
// assignment. Idempotent: a second call for the same task returns the
// existing record unchanged.
func (s *Service) FindOrCreate(ctx context.Context, taskID, repositoryID, baseBranch, aiService string) (*Workflow, error) {
	existing, err := s.store.GetByTaskID(ctx, taskID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := s.now().UTC()
	w := &Workflow{
		ID:           uuid.NewString(),
		TaskID:       taskID,
		RepositoryID: repositoryID,
		BaseBranch:   baseBranch,
		Status:       StatusPending,
		AIService:    aiService,
		Metadata:     map[string]string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, w); err != nil {
		// A concurrent FindOrCreate may have won the insert.
		if again, getErr := s.store.GetByTaskID(ctx, taskID); getErr == nil {
			return again, nil
		}
		return nil, err
	}

	s.publish(ctx, events.WorkflowCreated, w, nil)
	s.logger.Info("workflow created",
		zap.String("workflow_id", w.ID),
		zap.String("task_id", taskID),
		zap.String("repository", repositoryID))
	return w, nil
}

// Get returns a workflow by id.
func (s *Service) Get(ctx context.Context, id string) (*Workflow, error) {
	return s.store.Get(ctx, id)
}

// GetByTaskID returns the workflow for a task.
func (s *Service) GetByTaskID(ctx context.Context, taskID string) (*Workflow, error) {
	return s.store.GetByTaskID(ctx, taskID)
}

// Transition moves the workflow forward through the lattice, or into a
// terminal failure state. Invalid transitions leave the workflow untouched.
func (s *Service) Transition(ctx context.Context, id string, to Status) (*Workflow, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !w.Status.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, w.Status, to, w.TaskID)
	}

	from := w.Status
	w.Status = to
	w.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, w); err != nil {
		return nil, err
	}

	s.publish(ctx, events.WorkflowTransition, w, map[string]interface{}{"from": string(from)})
	s.logger.Info("workflow transition",
		zap.String("task_id", w.TaskID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return w, nil
}

// AcceptChangeRequest applies review feedback: allowed only while the
// workflow is awaiting approval or in testing, and moves it back to
// IMPLEMENTING for another execute pass.
func (s *Service) AcceptChangeRequest(ctx context.Context, id string) (*Workflow, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != StatusAwaitingApproval && w.Status != StatusTesting {
		return nil, fmt.Errorf("%w: status %s (task %s)", ErrChangeRequestNotAllowed, w.Status, w.TaskID)
	}

	from := w.Status
	w.Status = StatusImplementing
	w.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, w); err != nil {
		return nil, err
	}

	s.publish(ctx, events.WorkflowTransition, w, map[string]interface{}{
		"from":           string(from),
		"change_request": true,
	})
	return w, nil
}

// CheckAssignment rejects a new-assignment restart that would clobber
// in-flight review state: a workflow with an open pull request or already
// past TESTING may only move through the change-request path. Terminal
// workflows are absorbing and cannot be restarted at all.
func (s *Service) CheckAssignment(w *Workflow) error {
	if w.Status.IsTerminal() {
		return fmt.Errorf("%w: task %s workflow is %s", ErrAssignmentNotAllowed, w.TaskID, w.Status)
	}
	if w.HasOpenPR() {
		return fmt.Errorf("%w: task %s has open PR #%d", ErrAssignmentNotAllowed, w.TaskID, *w.PullRequestNumber)
	}
	if rank, ok := statusRank[w.Status]; ok && rank > statusRank[StatusTesting] {
		return fmt.Errorf("%w: task %s is %s", ErrAssignmentNotAllowed, w.TaskID, w.Status)
	}
	return nil
}

// SetBranch records the working branch.
func (s *Service) SetBranch(ctx context.Context, id, branch string) error {
	return s.mutate(ctx, id, func(w *Workflow) { w.WorkingBranch = branch })
}

// SetPullRequest records the PR opened for the working branch.
func (s *Service) SetPullRequest(ctx context.Context, id string, number int, url string) error {
	return s.mutate(ctx, id, func(w *Workflow) {
		w.PullRequestNumber = &number
		w.PullRequestURL = url
	})
}

// SetDeployment records deployment and preview URLs.
func (s *Service) SetDeployment(ctx context.Context, id, deploymentURL, previewURL string) error {
	return s.mutate(ctx, id, func(w *Workflow) {
		w.DeploymentURL = deploymentURL
		w.PreviewURL = previewURL
	})
}

// ApprovePlan marks the plan approved.
func (s *Service) ApprovePlan(ctx context.Context, id string) error {
	return s.mutate(ctx, id, func(w *Workflow) { w.PlanApproved = true })
}

// SetMetadataValue stores one metadata key on the workflow.
func (s *Service) SetMetadataValue(ctx context.Context, id, key, value string) error {
	return s.mutate(ctx, id, func(w *Workflow) {
		if w.Metadata == nil {
			w.Metadata = map[string]string{}
		}
		w.Metadata[key] = value
	})
}

func (s *Service) mutate(ctx context.Context, id string, fn func(*Workflow)) error {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	fn(w)
	w.UpdatedAt = s.now().UTC()
	return s.store.Update(ctx, w)
}

func (s *Service) publish(ctx context.Context, subject string, w *Workflow, extra map[string]interface{}) {
	if s.bus == nil {
		return
	}
	data := map[string]interface{}{
		"workflow_id": w.ID,
		"task_id":     w.TaskID,
		"status":      string(w.Status),
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(subject, "workflow", data)); err != nil {
		s.logger.Warn("publish workflow event failed", zap.Error(err))
	}
}
