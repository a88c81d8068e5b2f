package orchestrator

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devflow/devflow/internal/agent"
	"github.com/devflow/devflow/internal/deploy"
	"github.com/devflow/devflow/internal/events"
	"github.com/devflow/devflow/internal/events/bus"
	"github.com/devflow/devflow/internal/llm"
	"github.com/devflow/devflow/internal/sandbox"
	"github.com/devflow/devflow/internal/session"
	"github.com/devflow/devflow/internal/webhook"
	"github.com/devflow/devflow/internal/workflow"
	"github.com/devflow/devflow/internal/workspace"
)

// scriptedProvider replays a fixed sequence of turns, recording transcripts.
type scriptedProvider struct {
	steps       []scriptedStep
	transcripts [][]llm.Message
}

type scriptedStep struct {
	turn *llm.Turn
	err  error
}

func (p *scriptedProvider) Name() string  { return "scripted" }
func (p *scriptedProvider) Model() string { return "claude-sonnet-test" }

func (p *scriptedProvider) Chat(_ context.Context, messages []llm.Message, _ []llm.ToolDefinition) (*llm.Turn, error) {
	p.transcripts = append(p.transcripts, append([]llm.Message(nil), messages...))
	if len(p.steps) == 0 {
		return &llm.Turn{Text: "out of script", StopReason: "end_turn"}, nil
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	return step.turn, step.err
}

func textTurn(text string) scriptedStep {
	return scriptedStep{turn: &llm.Turn{Text: text, StopReason: "end_turn", Usage: llm.Usage{InputTokens: 10, OutputTokens: 5}}}
}

func toolTurn(calls ...llm.ToolCall) scriptedStep {
	return scriptedStep{turn: &llm.Turn{ToolCalls: calls, StopReason: "tool_use", Usage: llm.Usage{InputTokens: 10, OutputTokens: 5}}}
}

const planText = "```json\n" +
	`{"summary": "add footer", "approach": "component", "files": [{"path": "footer.tsx", "purpose": "p", "changes": "c"}], "estimatedComplexity": "low"}` +
	"\n```"

func writeFileTurn() scriptedStep {
	return toolTurn(llm.ToolCall{ID: "w1", Name: sandbox.ToolWriteFile, Args: map[string]interface{}{
		"path": "footer.tsx", "content": "export const Footer = () => null",
	}})
}

func taskCompleteTurn() scriptedStep {
	return toolTurn(llm.ToolCall{ID: "c1", Name: sandbox.ToolTaskComplete, Args: map[string]interface{}{
		"commit_message": "Add footer component",
		"pr_title":       "Add footer",
		"pr_description": "Adds the footer.",
	}})
}

// fakeWorkspaces hands out real temp directories so the sandbox has a root
// to work in, and records push and cleanup calls.
type fakeWorkspaces struct {
	t *testing.T

	pushResult *workspace.PushResult
	pushErr    error

	prepared  []string
	pushed    []string
	cleanedUp int
}

func (f *fakeWorkspaces) Prepare(_ context.Context, taskID, repoID string) (*workspace.Workspace, error) {
	f.prepared = append(f.prepared, taskID)
	return &workspace.Workspace{
		TaskID:   taskID,
		RepoID:   repoID,
		Path:     f.t.TempDir(),
		Branch:   f.BranchFor(taskID),
		Isolated: true,
	}, nil
}

func (f *fakeWorkspaces) PushChanges(_ context.Context, ws *workspace.Workspace, commitMessage, _, _ string) (*workspace.PushResult, error) {
	f.pushed = append(f.pushed, commitMessage)
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	if f.pushResult != nil {
		return f.pushResult, nil
	}
	return &workspace.PushResult{Pushed: true}, nil
}

func (f *fakeWorkspaces) Cleanup(_ context.Context, _ *workspace.Workspace) {
	f.cleanedUp++
}

func (f *fakeWorkspaces) BranchFor(taskID string) string {
	return "task-" + taskID
}

type fakeDeployer struct {
	result *deploy.Result
	calls  int
}

func (f *fakeDeployer) Deploy(_ context.Context, _, _ string) *deploy.Result {
	f.calls++
	if f.result != nil {
		return f.result
	}
	return &deploy.Result{Skipped: true}
}

// recordingBus captures publishes synchronously.
type recordingBus struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (b *recordingBus) Publish(_ context.Context, _ string, ev *bus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *recordingBus) Subscribe(string, bus.EventHandler) (bus.Subscription, error) {
	return nil, errors.New("not supported")
}
func (b *recordingBus) Close()            {}
func (b *recordingBus) IsConnected() bool { return true }

func (b *recordingBus) byType(eventType string) *bus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range b.events {
		if ev.Type == eventType {
			return ev
		}
	}
	return nil
}

type testHarness struct {
	orch       *Orchestrator
	sessions   *session.Manager
	workflows  *workflow.Service
	workspaces *fakeWorkspaces
	deployer   *fakeDeployer
	bus        *recordingBus
}

func newHarness(t *testing.T, provider llm.Provider, cfg Config) *testHarness {
	t.Helper()

	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// A pooled second connection would see a different in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	sessStore, err := session.NewSQLStore(db)
	require.NoError(t, err)
	wfStore, err := workflow.NewSQLStore(db)
	require.NoError(t, err)

	sessions := session.NewManager(sessStore, session.DefaultManagerConfig(), nil)
	workflows := workflow.NewService(wfStore, nil, nil)
	workspaces := &fakeWorkspaces{t: t}
	deployer := &fakeDeployer{}
	rb := &recordingBus{}

	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "scripted"
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent = agent.DefaultConfig()
		cfg.Agent.Retry = llm.RetryConfig{
			MaxRetries:     2,
			InitialBackoff: time.Millisecond,
			Multiplier:     2.0,
			MaxBackoff:     5 * time.Millisecond,
		}
	}

	orch := New(cfg,
		map[string]llm.Provider{"scripted": provider},
		sessions, workflows, workspaces, deployer, rb, nil, nil)

	return &testHarness{
		orch:       orch,
		sessions:   sessions,
		workflows:  workflows,
		workspaces: workspaces,
		deployer:   deployer,
		bus:        rb,
	}
}

func assignedEvent(taskID, title string) *webhook.Event {
	ev := &webhook.Event{}
	ev.Task.ID = taskID
	ev.Task.Title = title
	ev.Task.Description = "Add a footer to every page"
	ev.List.GithubRepositoryID = "org/repo"
	ev.List.BaseBranch = "main"
	return ev
}

func TestTaskAssignedFullPipeline(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProvider{steps: []scriptedStep{
		textTurn(planText),
		writeFileTurn(),
		taskCompleteTurn(),
	}}
	h := newHarness(t, p, Config{})
	h.workspaces.pushResult = &workspace.PushResult{
		Pushed:   true,
		PRNumber: 7,
		PRURL:    "https://github.com/org/repo/pull/7",
	}
	h.deployer.result = &deploy.Result{
		VercelURL:  "https://d.vercel.app",
		PreviewURL: "https://task-t1.preview.example.com",
	}

	require.NoError(t, h.orch.HandleTaskAssigned(ctx, assignedEvent("t1", "Add footer")))

	wf, err := h.workflows.GetByTaskID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, wf.Status)
	assert.Equal(t, "task-t1", wf.WorkingBranch)
	require.NotNil(t, wf.PullRequestNumber)
	assert.Equal(t, 7, *wf.PullRequestNumber)
	assert.Equal(t, "https://d.vercel.app", wf.DeploymentURL)
	assert.True(t, wf.PlanApproved)

	sess, err := h.sessions.GetByTaskID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)

	// The workspace is cleaned up and the lock released.
	assert.Equal(t, 1, h.workspaces.cleanedUp)
	assert.False(t, h.sessions.Locks().Held("t1"))

	completed := h.bus.byType(events.SessionCompleted)
	require.NotNil(t, completed)
	assert.Equal(t, "t1", completed.Data["task_id"])
	assert.Equal(t, "https://github.com/org/repo/pull/7", completed.Data["prUrl"])
	assert.Equal(t, 1, h.deployer.calls)
}

func TestDuplicateAssignmentDropped(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProvider{}
	h := newHarness(t, p, Config{})

	require.True(t, h.sessions.Locks().TryAcquire("t1"))
	defer h.sessions.Locks().Release("t1")

	require.NoError(t, h.orch.HandleTaskAssigned(ctx, assignedEvent("t1", "Add footer")))

	// Nothing happened: no provider calls, no session, no workflow.
	assert.Empty(t, p.transcripts)
	_, err := h.sessions.GetByTaskID(ctx, "t1")
	assert.True(t, errors.Is(err, session.ErrNotFound))
}

func TestPlanFailureMarksWorkflowFailed(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProvider{steps: []scriptedStep{
		textTurn("no plan here"),
		textTurn("still no plan"),
	}}
	h := newHarness(t, p, Config{})

	err := h.orch.HandleTaskAssigned(ctx, assignedEvent("t1", "Add footer"))
	require.Error(t, err)

	wf, getErr := h.workflows.GetByTaskID(ctx, "t1")
	require.NoError(t, getErr)
	assert.Equal(t, workflow.StatusFailed, wf.Status)

	sess, getErr := h.sessions.GetByTaskID(ctx, "t1")
	require.NoError(t, getErr)
	assert.Equal(t, session.StatusError, sess.Status)

	errEv := h.bus.byType(events.SessionError)
	require.NotNil(t, errEv)
	assert.Equal(t, "plan", errEv.Data["phase"])
	assert.Equal(t, 1, h.workspaces.cleanedUp)
}

func TestPlanApprovalParksThenResumes(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProvider{steps: []scriptedStep{
		textTurn(planText),
	}}
	h := newHarness(t, p, Config{RequirePlanApproval: true})

	ev := assignedEvent("t1", "Add footer")
	require.NoError(t, h.orch.HandleTaskAssigned(ctx, ev))

	wf, err := h.workflows.GetByTaskID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusAwaitingApproval, wf.Status)
	assert.False(t, wf.PlanApproved)
	assert.NotEmpty(t, wf.Metadata["plan"])

	sess, err := h.sessions.GetByTaskID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusWaitingInput, sess.Status)
	require.NotNil(t, h.bus.byType(events.SessionWaitingInput))

	// Approval resumes into the execute phase with the stored plan.
	p.steps = []scriptedStep{writeFileTurn(), taskCompleteTurn()}
	require.NoError(t, h.orch.HandlePlanApproved(ctx, ev))

	wf, err = h.workflows.GetByTaskID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, wf.Status)
	assert.True(t, wf.PlanApproved)

	// Both the plan run and the execute run cleaned up their workspaces.
	assert.Equal(t, 2, h.workspaces.cleanedUp)
}

func TestCommentAsChangeRequest(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProvider{steps: []scriptedStep{
		textTurn(planText),
	}}
	h := newHarness(t, p, Config{RequirePlanApproval: true})

	ev := assignedEvent("t1", "Add footer")
	require.NoError(t, h.orch.HandleTaskAssigned(ctx, ev))

	// A comment while parked in AWAITING_APPROVAL is a change request: the
	// workflow re-enters IMPLEMENTING and the comment body reaches the model.
	p.steps = []scriptedStep{taskCompleteTurn()}
	comment := assignedEvent("t1", "Add footer")
	comment.Comment.Body = "use semantic HTML for the footer"
	require.NoError(t, h.orch.HandleCommentCreated(ctx, comment))

	wf, err := h.workflows.GetByTaskID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, wf.Status)

	// The execute transcript carries the feedback.
	last := p.transcripts[len(p.transcripts)-1]
	assert.Contains(t, last[1].Content, "use semantic HTML for the footer")
}

func TestCommentOnCompletedWorkflowOnlyRecorded(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProvider{steps: []scriptedStep{
		textTurn(planText),
		writeFileTurn(),
		taskCompleteTurn(),
	}}
	h := newHarness(t, p, Config{})

	require.NoError(t, h.orch.HandleTaskAssigned(ctx, assignedEvent("t1", "Add footer")))
	before, err := h.sessions.GetByTaskID(ctx, "t1")
	require.NoError(t, err)

	comment := assignedEvent("t1", "Add footer")
	comment.Comment.Body = "thanks!"
	require.NoError(t, h.orch.HandleCommentCreated(ctx, comment))

	// COMPLETED accepts no change request; the comment is kept on the session.
	after, err := h.sessions.GetByTaskID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, before.MessageCount+1, after.MessageCount)
	assert.Contains(t, after.Metadata, "comment_"+strconv.Itoa(after.MessageCount))

	wf, err := h.workflows.GetByTaskID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, wf.Status)
}

func TestCommentDuringRunLeavesWorkflowParked(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProvider{steps: []scriptedStep{
		textTurn(planText),
	}}
	h := newHarness(t, p, Config{RequirePlanApproval: true})

	ev := assignedEvent("t1", "Add footer")
	require.NoError(t, h.orch.HandleTaskAssigned(ctx, ev))

	// Another handler holds the execution lock, as if an approval is mid
	// flight. The comment must not move the workflow out of review: doing
	// so before winning the lock would strand the task in IMPLEMENTING
	// with nobody running it.
	require.True(t, h.sessions.Locks().TryAcquire("t1"))
	comment := assignedEvent("t1", "Add footer")
	comment.Comment.Body = "use semantic HTML for the footer"
	require.NoError(t, h.orch.HandleCommentCreated(ctx, comment))

	wf, err := h.workflows.GetByTaskID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusAwaitingApproval, wf.Status)

	sess, err := h.sessions.GetByTaskID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "use semantic HTML for the footer", sess.Metadata["comment_"+strconv.Itoa(sess.MessageCount)])

	// Once the lock is free, the parked run is still resumable.
	h.sessions.Locks().Release("t1")
	p.steps = []scriptedStep{writeFileTurn(), taskCompleteTurn()}
	require.NoError(t, h.orch.HandlePlanApproved(ctx, ev))

	wf, err = h.workflows.GetByTaskID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, wf.Status)
}

func TestCommentWithoutSessionStartsRun(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProvider{steps: []scriptedStep{
		textTurn(planText),
		writeFileTurn(),
		taskCompleteTurn(),
	}}
	h := newHarness(t, p, Config{})

	comment := assignedEvent("t1", "Add footer")
	comment.Comment.Body = "please get started"
	require.NoError(t, h.orch.HandleCommentCreated(ctx, comment))

	wf, err := h.workflows.GetByTaskID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, wf.Status)
}

func TestTaskUpdatedCancels(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProvider{steps: []scriptedStep{
		textTurn(planText),
	}}
	h := newHarness(t, p, Config{RequirePlanApproval: true})

	require.NoError(t, h.orch.HandleTaskAssigned(ctx, assignedEvent("t1", "Add footer")))

	cancel := assignedEvent("t1", "Add footer")
	cancel.Task.Status = "cancelled"
	require.NoError(t, h.orch.HandleTaskUpdated(ctx, cancel))

	wf, err := h.workflows.GetByTaskID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, wf.Status)

	sess, err := h.sessions.GetByTaskID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusInterrupted, sess.Status)

	// Cancellation is terminal; a late approval cannot resurrect the run.
	err = h.orch.HandlePlanApproved(ctx, assignedEvent("t1", "Add footer"))
	assert.Error(t, err)
}

func TestTaskUpdatedRefreshesMetadata(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProvider{steps: []scriptedStep{
		textTurn(planText),
	}}
	h := newHarness(t, p, Config{RequirePlanApproval: true})

	require.NoError(t, h.orch.HandleTaskAssigned(ctx, assignedEvent("t1", "Add footer")))

	update := assignedEvent("t1", "Add footer and header")
	update.Task.Description = "Both ends of the page"
	require.NoError(t, h.orch.HandleTaskUpdated(ctx, update))

	sess, err := h.sessions.GetByTaskID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Add footer and header", sess.Title)
	assert.Equal(t, "Both ends of the page", sess.Description)
}

func TestPushNoChangesStillCompletes(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProvider{steps: []scriptedStep{
		textTurn(planText),
		taskCompleteTurn(),
	}}
	h := newHarness(t, p, Config{})
	h.workspaces.pushErr = workspace.ErrNoChanges

	require.NoError(t, h.orch.HandleTaskAssigned(ctx, assignedEvent("t1", "Add footer")))

	wf, err := h.workflows.GetByTaskID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, wf.Status)
	assert.Nil(t, wf.PullRequestNumber)
}

func TestDeployFailureIsNonFatal(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProvider{steps: []scriptedStep{
		textTurn(planText),
		writeFileTurn(),
		taskCompleteTurn(),
	}}
	h := newHarness(t, p, Config{})
	h.deployer.result = &deploy.Result{Error: "vercel api unavailable"}

	require.NoError(t, h.orch.HandleTaskAssigned(ctx, assignedEvent("t1", "Add footer")))

	wf, err := h.workflows.GetByTaskID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, wf.Status)
	assert.Empty(t, wf.DeploymentURL)
}
