// Package orchestrator ties the pipeline together: webhook events in,
// session and workflow state through the plan and implement phases, pushed
// changes and deployments out, lifecycle events on the bus.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/agent"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/deploy"
	"github.com/devflow/devflow/internal/events"
	"github.com/devflow/devflow/internal/events/bus"
	"github.com/devflow/devflow/internal/llm"
	"github.com/devflow/devflow/internal/metrics"
	"github.com/devflow/devflow/internal/sandbox"
	"github.com/devflow/devflow/internal/session"
	"github.com/devflow/devflow/internal/webhook"
	"github.com/devflow/devflow/internal/workflow"
	"github.com/devflow/devflow/internal/workspace"
)

// planMetadataKey is where the approved plan JSON lives on the workflow.
const planMetadataKey = "plan"

// Config selects providers and bounds agent runs.
type Config struct {
	DefaultProvider     string
	RequirePlanApproval bool
	Agent               agent.Config
	Sandbox             sandbox.Config
}

// WorkspaceManager is the slice of the workspace package the pipeline uses.
type WorkspaceManager interface {
	Prepare(ctx context.Context, taskID, repoID string) (*workspace.Workspace, error)
	PushChanges(ctx context.Context, ws *workspace.Workspace, commitMessage, prTitle, prBody string) (*workspace.PushResult, error)
	Cleanup(ctx context.Context, ws *workspace.Workspace)
	BranchFor(taskID string) string
}

// Deployer is the slice of the deploy package the pipeline uses.
type Deployer interface {
	Deploy(ctx context.Context, branch, projectPath string) *deploy.Result
}

// Orchestrator routes verified webhook events through the agent pipeline.
// It implements webhook.Dispatcher.
type Orchestrator struct {
	cfg        Config
	providers  map[string]llm.Provider
	sessions   *session.Manager
	workflows  *workflow.Service
	workspaces WorkspaceManager
	deployer   Deployer
	bus        bus.EventBus
	metrics    *metrics.Metrics
	logger     *logger.Logger
}

// New creates the orchestrator.
func New(
	cfg Config,
	providers map[string]llm.Provider,
	sessions *session.Manager,
	workflows *workflow.Service,
	workspaces WorkspaceManager,
	deployer Deployer,
	eventBus bus.EventBus,
	m *metrics.Metrics,
	log *logger.Logger,
) *Orchestrator {
	if log == nil {
		log = logger.Default()
	}
	return &Orchestrator{
		cfg:        cfg,
		providers:  providers,
		sessions:   sessions,
		workflows:  workflows,
		workspaces: workspaces,
		deployer:   deployer,
		bus:        eventBus,
		metrics:    m,
		logger:     log.WithComponent("orchestrator"),
	}
}

// HandleTaskAssigned bootstraps a session and runs the full pipeline. A
// duplicate assignment for a task already holding the execution lock is
// dropped with a log, not queued.
func (o *Orchestrator) HandleTaskAssigned(ctx context.Context, ev *webhook.Event) error {
	taskID := ev.Task.ID
	if taskID == "" {
		return fmt.Errorf("task.assigned event without task id")
	}
	log := o.logger.WithTaskID(taskID)

	if !o.sessions.Locks().TryAcquire(taskID) {
		log.Warn("duplicate assignment dropped, task already executing")
		return nil
	}
	defer o.sessions.Locks().Release(taskID)

	wf, err := o.workflows.FindOrCreate(ctx, taskID, ev.List.GithubRepositoryID, baseBranch(ev), o.providerName(ev))
	if err != nil {
		return err
	}
	if err := o.workflows.CheckAssignment(wf); err != nil {
		log.Warn("assignment rejected by workflow guard", zap.Error(err))
		return err
	}

	provider, err := o.provider(ev)
	if err != nil {
		return err
	}

	sess, err := o.sessions.CreateSession(ctx, taskID, ev.Task.Title, ev.Task.Description, "", provider.Name())
	if err != nil {
		if errors.Is(err, session.ErrSessionExists) {
			log.Warn("assignment dropped, session already active")
			return nil
		}
		return err
	}

	if o.metrics != nil {
		o.metrics.RunsStarted.Inc()
	}
	o.publish(ctx, events.SessionStarted, sess, map[string]interface{}{
		"title":    ev.Task.Title,
		"provider": provider.Name(),
	})

	return o.runPipeline(ctx, sess, wf, provider, ev, nil)
}

// HandleCommentCreated treats a comment as a new assignment when no session
// exists, a progress note when a run is in flight, and a change request
// when the workflow is parked in review. The execution lock is taken before
// the workflow is touched: a change request that loses the lock race must
// leave the workflow exactly as it found it.
func (o *Orchestrator) HandleCommentCreated(ctx context.Context, ev *webhook.Event) error {
	taskID := ev.Task.ID
	log := o.logger.WithTaskID(taskID)

	sess, err := o.sessions.GetByTaskID(ctx, taskID)
	if errors.Is(err, session.ErrNotFound) {
		log.Info("comment on task without session, treating as new assignment")
		return o.HandleTaskAssigned(ctx, ev)
	}
	if err != nil {
		return err
	}

	if !o.sessions.Locks().TryAcquire(taskID) {
		log.Info("comment recorded against running session")
		return o.sessions.RecordComment(ctx, sess.ID, ev.Comment.Body)
	}
	defer o.sessions.Locks().Release(taskID)

	wf, err := o.workflows.GetByTaskID(ctx, taskID)
	if err != nil {
		return err
	}

	if _, err := o.workflows.AcceptChangeRequest(ctx, wf.ID); err != nil {
		if errors.Is(err, workflow.ErrChangeRequestNotAllowed) {
			log.Info("comment logged, workflow not accepting change requests",
				zap.String("status", string(wf.Status)))
			return o.sessions.RecordComment(ctx, sess.ID, ev.Comment.Body)
		}
		return err
	}

	provider, err := o.providerByName(sess.Provider)
	if err != nil {
		return err
	}

	plan, err := o.storedPlan(ctx, wf.ID)
	if err != nil {
		return err
	}

	log.Info("change request accepted, re-entering execute phase")
	return o.runExecuteAndFinish(ctx, sess, wf.ID, provider, ev, plan, []string{ev.Comment.Body})
}

// HandleTaskUpdated records metadata updates; a task moved to a terminal
// column cancels the workflow.
func (o *Orchestrator) HandleTaskUpdated(ctx context.Context, ev *webhook.Event) error {
	taskID := ev.Task.ID
	log := o.logger.WithTaskID(taskID)

	if ev.Task.Status == "cancelled" {
		wf, err := o.workflows.GetByTaskID(ctx, taskID)
		if err != nil {
			if errors.Is(err, workflow.ErrNotFound) {
				return nil
			}
			return err
		}
		if wf.Status.IsTerminal() {
			return nil
		}
		if _, err := o.workflows.Transition(ctx, wf.ID, workflow.StatusCancelled); err != nil {
			return err
		}
		if sess, err := o.sessions.GetByTaskID(ctx, taskID); err == nil {
			_ = o.sessions.UpdateStatus(ctx, sess.ID, session.StatusInterrupted)
		}
		log.Info("workflow cancelled by task update")
		return nil
	}

	sess, err := o.sessions.GetByTaskID(ctx, taskID)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	sess.Title = ev.Task.Title
	sess.Description = ev.Task.Description
	return o.sessions.UpdateSession(ctx, sess)
}

// HandlePlanApproved resumes a run parked in AWAITING_APPROVAL.
func (o *Orchestrator) HandlePlanApproved(ctx context.Context, ev *webhook.Event) error {
	taskID := ev.Task.ID
	log := o.logger.WithTaskID(taskID)

	wf, err := o.workflows.GetByTaskID(ctx, taskID)
	if err != nil {
		return err
	}
	if wf.Status != workflow.StatusAwaitingApproval {
		return fmt.Errorf("%w: plan approval while %s", workflow.ErrInvalidTransition, wf.Status)
	}

	sess, err := o.sessions.GetByTaskID(ctx, taskID)
	if err != nil {
		return err
	}

	if !o.sessions.Locks().TryAcquire(taskID) {
		log.Warn("plan approval dropped, task already executing")
		return nil
	}
	defer o.sessions.Locks().Release(taskID)

	if err := o.workflows.ApprovePlan(ctx, wf.ID); err != nil {
		return err
	}

	provider, err := o.providerByName(sess.Provider)
	if err != nil {
		return err
	}
	plan, err := o.storedPlan(ctx, wf.ID)
	if err != nil {
		return err
	}

	log.Info("plan approved, entering execute phase")
	return o.runExecuteAndFinish(ctx, sess, wf.ID, provider, ev, plan, nil)
}

func (o *Orchestrator) provider(ev *webhook.Event) (llm.Provider, error) {
	return o.providerByName(o.providerName(ev))
}

func (o *Orchestrator) providerName(ev *webhook.Event) string {
	if ev.AIAgent.Provider != "" {
		return ev.AIAgent.Provider
	}
	return o.cfg.DefaultProvider
}

func (o *Orchestrator) providerByName(name string) (llm.Provider, error) {
	if p, ok := o.providers[name]; ok && p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("provider %q is not configured", name)
}

func baseBranch(ev *webhook.Event) string {
	if ev.List.BaseBranch != "" {
		return ev.List.BaseBranch
	}
	return "main"
}

// publish emits a session lifecycle event; the callback relay forwards it
// to the owning system.
func (o *Orchestrator) publish(ctx context.Context, subject string, sess *session.Session, data map[string]interface{}) {
	if o.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["session_id"] = sess.ID
	data["task_id"] = sess.TaskID
	if err := o.bus.Publish(ctx, subject, bus.NewEvent(subject, "orchestrator", data)); err != nil {
		o.logger.Warn("publish lifecycle event failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
