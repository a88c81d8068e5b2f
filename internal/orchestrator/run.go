package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/agent"
	"github.com/devflow/devflow/internal/common/tracing"
	"github.com/devflow/devflow/internal/events"
	"github.com/devflow/devflow/internal/llm"
	"github.com/devflow/devflow/internal/sandbox"
	"github.com/devflow/devflow/internal/session"
	"github.com/devflow/devflow/internal/webhook"
	"github.com/devflow/devflow/internal/workflow"
	"github.com/devflow/devflow/internal/workspace"
)

// runPipeline drives one accepted assignment from planning to completion.
// Every exit path either completes the workflow or marks it FAILED and
// notifies the owning system; there is no silent drop past this point.
func (o *Orchestrator) runPipeline(ctx context.Context, sess *session.Session, wf *workflow.Workflow, provider llm.Provider, ev *webhook.Event, feedback []string) error {
	log := o.logger.WithTaskID(sess.TaskID)

	if err := o.ensureStatus(ctx, wf.ID, workflow.StatusPlanning); err != nil {
		return o.fail(ctx, sess, wf.ID, "bootstrap", err)
	}
	if err := o.sessions.UpdateStatus(ctx, sess.ID, session.StatusRunning); err != nil {
		return o.fail(ctx, sess, wf.ID, "bootstrap", err)
	}

	ws, err := o.workspaces.Prepare(ctx, sess.TaskID, wf.RepositoryID)
	if err != nil {
		return o.fail(ctx, sess, wf.ID, "workspace", err)
	}
	defer o.workspaces.Cleanup(ctx, ws)

	if err := o.workflows.SetBranch(ctx, wf.ID, ws.Branch); err != nil {
		return o.fail(ctx, sess, wf.ID, "workspace", err)
	}

	executor, err := o.newExecutor(provider, ws)
	if err != nil {
		return o.fail(ctx, sess, wf.ID, "workspace", err)
	}

	o.publish(ctx, events.SessionProgress, sess, map[string]interface{}{"phase": "planning"})
	log.Info("plan phase started", zap.String("provider", provider.Name()))

	planCtx, span := o.startSpan(ctx, "run.plan", sess, attribute.String("llm.provider", provider.Name()))
	planRes := executor.Plan(planCtx, sess.Title, sess.Description)
	endSpan(span, planRes.Success, planRes.Error)
	_ = o.sessions.IncrementMessageCount(ctx, sess.ID)
	if !planRes.Success {
		return o.fail(ctx, sess, wf.ID, "plan", errors.New(planRes.Error))
	}

	planJSON, err := json.Marshal(planRes.Plan)
	if err != nil {
		return o.fail(ctx, sess, wf.ID, "plan", err)
	}
	if err := o.workflows.SetMetadataValue(ctx, wf.ID, planMetadataKey, string(planJSON)); err != nil {
		return o.fail(ctx, sess, wf.ID, "plan", err)
	}

	if o.cfg.RequirePlanApproval {
		if err := o.ensureStatus(ctx, wf.ID, workflow.StatusAwaitingApproval); err != nil {
			return o.fail(ctx, sess, wf.ID, "plan", err)
		}
		if err := o.sessions.UpdateStatus(ctx, sess.ID, session.StatusWaitingInput); err != nil {
			return o.fail(ctx, sess, wf.ID, "plan", err)
		}
		o.publish(ctx, events.SessionWaitingInput, sess, map[string]interface{}{
			"phase":   "awaiting_approval",
			"summary": planRes.Plan.Summary,
			"files":   len(planRes.Plan.Files),
		})
		log.Info("run parked awaiting plan approval", zap.Int("files", len(planRes.Plan.Files)))
		return nil
	}

	if err := o.workflows.ApprovePlan(ctx, wf.ID); err != nil {
		return o.fail(ctx, sess, wf.ID, "plan", err)
	}
	return o.executeAndFinish(ctx, sess, wf.ID, ev, planRes.Plan, feedback, ws, executor)
}

// runExecuteAndFinish resumes a run that parked after planning (approval or
// change request): it rebuilds the workspace and executor, then runs the
// shared execute tail.
func (o *Orchestrator) runExecuteAndFinish(ctx context.Context, sess *session.Session, wfID string, provider llm.Provider, ev *webhook.Event, plan *agent.ImplementationPlan, feedback []string) error {
	wf, err := o.workflows.Get(ctx, wfID)
	if err != nil {
		return err
	}

	ws, err := o.workspaces.Prepare(ctx, sess.TaskID, wf.RepositoryID)
	if err != nil {
		return o.fail(ctx, sess, wfID, "workspace", err)
	}
	defer o.workspaces.Cleanup(ctx, ws)

	executor, err := o.newExecutor(provider, ws)
	if err != nil {
		return o.fail(ctx, sess, wfID, "workspace", err)
	}
	return o.executeAndFinish(ctx, sess, wfID, ev, plan, feedback, ws, executor)
}

// executeAndFinish is the shared tail: implement, push, deploy, complete.
func (o *Orchestrator) executeAndFinish(ctx context.Context, sess *session.Session, wfID string, ev *webhook.Event, plan *agent.ImplementationPlan, feedback []string, ws *workspace.Workspace, executor *agent.Executor) error {
	log := o.logger.WithTaskID(sess.TaskID)

	if err := o.ensureStatus(ctx, wfID, workflow.StatusImplementing); err != nil {
		return o.fail(ctx, sess, wfID, "implement", err)
	}
	if err := o.sessions.UpdateStatus(ctx, sess.ID, session.StatusRunning); err != nil {
		return o.fail(ctx, sess, wfID, "implement", err)
	}

	o.publish(ctx, events.SessionProgress, sess, map[string]interface{}{"phase": "implementing"})
	log.Info("execute phase started", zap.Int("planned_files", len(plan.Files)))

	execCtx, span := o.startSpan(ctx, "run.execute", sess, attribute.Int("plan.files", len(plan.Files)))
	res := executor.Execute(execCtx, plan, sess.Title, sess.Description, feedback...)
	endSpan(span, res.Success, res.Error)
	_ = o.sessions.IncrementMessageCount(ctx, sess.ID)
	if !res.Success {
		return o.fail(ctx, sess, wfID, "implement", errors.New(res.Error))
	}

	if err := o.ensureStatus(ctx, wfID, workflow.StatusTesting); err != nil {
		return o.fail(ctx, sess, wfID, "implement", err)
	}

	completionData := map[string]interface{}{
		"files": fileSummaries(res),
		"usage": res.Usage,
	}

	push, err := o.workspaces.PushChanges(ctx, ws, res.CommitMessage, res.PRTitle, res.PRDescription)
	switch {
	case errors.Is(err, workspace.ErrNoChanges):
		log.Warn("execute phase produced no committable changes")
	case err != nil:
		return o.fail(ctx, sess, wfID, "push", err)
	default:
		if push.PRNumber > 0 {
			if err := o.workflows.SetPullRequest(ctx, wfID, push.PRNumber, push.PRURL); err != nil {
				return o.fail(ctx, sess, wfID, "push", err)
			}
			completionData["prNumber"] = push.PRNumber
			completionData["prUrl"] = push.PRURL
		}
	}

	if o.deployer != nil {
		dep := o.deployer.Deploy(ctx, ws.Branch, ws.Path)
		if dep.Error != "" {
			// Deployment is optional; the run still completes.
			log.Warn("deployment failed", zap.String("error", dep.Error))
		} else if !dep.Skipped {
			if err := o.workflows.SetDeployment(ctx, wfID, dep.VercelURL, dep.PreviewURL); err != nil {
				return o.fail(ctx, sess, wfID, "deploy", err)
			}
			completionData["deploymentUrl"] = dep.VercelURL
			completionData["previewUrl"] = dep.PreviewURL
		}
	}

	if err := o.ensureStatus(ctx, wfID, workflow.StatusCompleted); err != nil {
		return o.fail(ctx, sess, wfID, "finish", err)
	}
	if err := o.sessions.UpdateStatus(ctx, sess.ID, session.StatusCompleted); err != nil {
		return o.fail(ctx, sess, wfID, "finish", err)
	}

	if o.metrics != nil {
		o.metrics.RunsCompleted.Inc()
	}
	o.publish(ctx, events.SessionCompleted, sess, completionData)
	log.Info("run completed",
		zap.Int("files", len(res.Files)),
		zap.Float64("cost_usd", res.Usage.CostUSD))
	return nil
}

// fail is the single error exit: workflow FAILED, session error, and an
// error callback. The run never leaves the system in an ambiguous state.
func (o *Orchestrator) fail(ctx context.Context, sess *session.Session, wfID, phase string, cause error) error {
	log := o.logger.WithTaskID(sess.TaskID)
	log.Error("run failed",
		zap.String("phase", phase),
		zap.Error(cause))

	if _, err := o.workflows.Transition(ctx, wfID, workflow.StatusFailed); err != nil &&
		!errors.Is(err, workflow.ErrInvalidTransition) {
		log.Error("marking workflow failed also failed", zap.Error(err))
	}
	if err := o.sessions.UpdateStatus(ctx, sess.ID, session.StatusError); err != nil {
		log.Error("marking session errored also failed", zap.Error(err))
	}
	if o.metrics != nil {
		o.metrics.RunsFailed.Inc()
	}

	o.publish(ctx, events.SessionError, sess, map[string]interface{}{
		"phase":   phase,
		"message": cause.Error(),
	})
	return fmt.Errorf("run failed during %s: %w", phase, cause)
}

// ensureStatus transitions the workflow unless it is already there.
func (o *Orchestrator) ensureStatus(ctx context.Context, wfID string, to workflow.Status) error {
	wf, err := o.workflows.Get(ctx, wfID)
	if err != nil {
		return err
	}
	if wf.Status == to {
		return nil
	}
	_, err = o.workflows.Transition(ctx, wfID, to)
	return err
}

// newExecutor builds the sandbox and executor for one workspace.
func (o *Orchestrator) newExecutor(provider llm.Provider, ws *workspace.Workspace) (*agent.Executor, error) {
	sb, err := sandbox.New(ws.Path, o.cfg.Sandbox, o.logger)
	if err != nil {
		return nil, err
	}

	agentCfg := o.cfg.Agent
	if o.metrics != nil {
		agentCfg.OnToolResult = o.metrics.ObserveTool
		agentCfg.OnRetry = o.metrics.ProviderRetries.Inc
	}
	return agent.NewExecutor(provider, sb, agentCfg, o.logger), nil
}

// startSpan opens a phase span carrying the task and session ids. No-op
// tracer when OTLP export is not configured.
func (o *Orchestrator) startSpan(ctx context.Context, name string, sess *session.Session, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("task.id", sess.TaskID),
		attribute.String("session.id", sess.ID),
	)
	return tracing.Tracer("orchestrator").Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, success bool, errMsg string) {
	if !success {
		span.SetStatus(codes.Error, errMsg)
	}
	span.End()
}

// storedPlan loads the plan persisted after the plan phase.
func (o *Orchestrator) storedPlan(ctx context.Context, wfID string) (*agent.ImplementationPlan, error) {
	wf, err := o.workflows.Get(ctx, wfID)
	if err != nil {
		return nil, err
	}
	raw, ok := wf.Metadata[planMetadataKey]
	if !ok || raw == "" {
		return nil, fmt.Errorf("workflow %s has no stored plan", wfID)
	}
	var plan agent.ImplementationPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("decode stored plan: %w", err)
	}
	return &plan, nil
}

func fileSummaries(res *agent.ExecutionResult) []map[string]string {
	out := make([]map[string]string, 0, len(res.Files))
	for _, f := range res.Files {
		out = append(out, map[string]string{
			"path":   f.Path,
			"action": string(f.Action),
		})
	}
	return out
}
