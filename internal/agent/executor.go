package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/llm"
	"github.com/devflow/devflow/internal/sandbox"
)

const planSystemPrompt = `You are a senior software engineer planning a code change.
Explore the repository with the available tools, then respond with an
implementation plan as a fenced JSON block:

` + "```json" + `
{
  "summary": "one-line summary",
  "approach": "how the change will be made",
  "files": [{"path": "...", "purpose": "...", "changes": "..."}],
  "estimatedComplexity": "low|medium|high",
  "considerations": ["risks or caveats"]
}
` + "```" + `

The files array must name every file you intend to create or modify. Do not
make any changes during planning.`

const executeSystemPrompt = `You are a senior software engineer implementing an approved plan.
Make the changes with the available tools. Work file by file and verify your
edits by reading them back when unsure. When the implementation is finished,
call the task_complete tool with a commit message and pull request title.`

const correctivePrompt = `The plan could not be used: it must be a fenced JSON block whose "files" array names at least one file. Respond again with the full plan in the required format.`

// Executor runs the plan and implement phases against one provider and one
// sandbox. The tool-use loop is strictly sequential: the next provider call
// is not issued until the previous turn's tool calls have been executed and
// folded back into the transcript.
type Executor struct {
	provider llm.Provider
	sandbox  *sandbox.Sandbox
	cfg      Config
	logger   *logger.Logger
}

// NewExecutor creates an executor. The provider is fixed for the executor's
// lifetime; it is selected once at session creation, not per call.
func NewExecutor(provider llm.Provider, sb *sandbox.Sandbox, cfg Config, log *logger.Logger) *Executor {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if cfg.PlanTimeout <= 0 {
		cfg.PlanTimeout = DefaultConfig().PlanTimeout
	}
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = DefaultConfig().ExecuteTimeout
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry = llm.DefaultRetryConfig()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Executor{
		provider: provider,
		sandbox:  sb,
		cfg:      cfg,
		logger:   log.WithComponent("agent"),
	}
}

// Provider returns the provider this executor drives.
func (e *Executor) Provider() llm.Provider { return e.provider }

// Plan explores the workspace and produces an implementation plan. A plan
// naming zero files is rejected with one corrective reprompt before the
// phase gives up.
func (e *Executor) Plan(ctx context.Context, title, description string) *PlanningResult {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PlanTimeout)
	defer cancel()

	var usage llm.Usage
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: planSystemPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf("Task: %s\n\n%s", title, description)},
	}
	tools := e.toolDefinitions(false)

	reprompted := false
	for i := 0; i < e.cfg.MaxIterations; i++ {
		if ctx.Err() != nil {
			return &PlanningResult{
				Error: fmt.Sprintf("plan phase timed out after %s", e.cfg.PlanTimeout),
				Usage: e.cost(usage),
			}
		}

		turn, err := e.chat(ctx, messages, tools)
		if err != nil {
			if ctx.Err() != nil {
				return &PlanningResult{
					Error: fmt.Sprintf("plan phase timed out after %s", e.cfg.PlanTimeout),
					Usage: e.cost(usage),
				}
			}
			return &PlanningResult{Error: err.Error(), Usage: e.cost(usage)}
		}
		usage.Add(turn.Usage)

		if len(turn.ToolCalls) > 0 {
			messages = e.runToolCalls(ctx, messages, turn)
			continue
		}

		plan, parseErr := ParsePlan(turn.Text)
		if parseErr == nil {
			e.logger.Info("plan produced",
				zap.Int("files", len(plan.Files)),
				zap.String("complexity", plan.EstimatedComplexity))
			return &PlanningResult{Success: true, Plan: plan, Usage: e.cost(usage)}
		}

		if reprompted {
			return &PlanningResult{
				Error: fmt.Sprintf("plan extraction failed after corrective reprompt: %v", parseErr),
				Usage: e.cost(usage),
			}
		}
		reprompted = true
		e.logger.Warn("plan rejected, reprompting", zap.Error(parseErr))
		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: turn.Text},
			llm.Message{Role: llm.RoleUser, Content: correctivePrompt},
		)
	}

	return &PlanningResult{
		Error: fmt.Sprintf("plan phase exhausted %d iterations without a plan", e.cfg.MaxIterations),
		Usage: e.cost(usage),
	}
}

// Execute implements the plan. Feedback entries (change requests) are
// prepended to the task context. On timeout or iteration exhaustion the
// accumulated file changes are returned alongside an explicit error.
func (e *Executor) Execute(ctx context.Context, plan *ImplementationPlan, title, description string, feedback ...string) *ExecutionResult {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ExecuteTimeout)
	defer cancel()

	planJSON, _ := json.MarshalIndent(plan, "", "  ")

	var prompt strings.Builder
	if len(feedback) > 0 {
		prompt.WriteString("Change requests from review, address these first:\n")
		for _, f := range feedback {
			prompt.WriteString("- " + f + "\n")
		}
		prompt.WriteString("\n")
	}
	fmt.Fprintf(&prompt, "Task: %s\n\n%s\n\nApproved plan:\n%s", title, description, planJSON)

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: executeSystemPrompt},
		{Role: llm.RoleUser, Content: prompt.String()},
	}
	tools := e.toolDefinitions(true)

	var usage llm.Usage
	changes := newChangeSet()

	partial := func(errMsg string) *ExecutionResult {
		return &ExecutionResult{
			Files: changes.list(),
			Error: errMsg,
			Usage: e.cost(usage),
		}
	}

	for i := 0; i < e.cfg.MaxIterations; i++ {
		if ctx.Err() != nil {
			return partial(fmt.Sprintf("execute phase timed out after %s", e.cfg.ExecuteTimeout))
		}
		if e.cfg.BudgetUSD > 0 && e.cost(usage).CostUSD >= e.cfg.BudgetUSD {
			return partial(fmt.Sprintf("budget cap of $%.2f reached", e.cfg.BudgetUSD))
		}

		turn, err := e.chat(ctx, messages, tools)
		if err != nil {
			if ctx.Err() != nil {
				return partial(fmt.Sprintf("execute phase timed out after %s", e.cfg.ExecuteTimeout))
			}
			return partial(err.Error())
		}
		usage.Add(turn.Usage)

		if len(turn.ToolCalls) == 0 {
			// Free text without a terminal signal; nudge the model on.
			messages = append(messages,
				llm.Message{Role: llm.RoleAssistant, Content: turn.Text},
				llm.Message{Role: llm.RoleUser, Content: "Continue with the implementation. Call task_complete when all changes are made."},
			)
			continue
		}

		assistant := llm.Message{Role: llm.RoleAssistant, Content: turn.Text, ToolCalls: turn.ToolCalls}
		results := llm.Message{Role: llm.RoleTool}

		for _, tc := range turn.ToolCalls {
			if tc.Name == sandbox.ToolTaskComplete {
				return &ExecutionResult{
					Success:       true,
					Files:         changes.list(),
					CommitMessage: stringArg(tc.Args, "commit_message"),
					PRTitle:       stringArg(tc.Args, "pr_title"),
					PRDescription: stringArg(tc.Args, "pr_description"),
					Usage:         e.cost(usage),
				}
			}

			res := e.sandbox.Execute(ctx, sandbox.Call{ID: tc.ID, Name: tc.Name, Args: tc.Args})
			e.observeTool(tc.Name, res.Success)
			if res.FileChange != nil {
				changes.record(*res.FileChange)
			}
			results.ToolResults = append(results.ToolResults, llm.ToolResult{
				CallID:  tc.ID,
				Name:    tc.Name,
				Content: res.Result,
				IsError: !res.Success,
			})
		}

		messages = append(messages, assistant, results)
	}

	return partial(fmt.Sprintf("execute phase exhausted %d iterations without task_complete", e.cfg.MaxIterations))
}

// runToolCalls executes one turn's tool calls and folds the results back
// into the transcript. Used by the plan phase where no terminal tool exists.
func (e *Executor) runToolCalls(ctx context.Context, messages []llm.Message, turn *llm.Turn) []llm.Message {
	assistant := llm.Message{Role: llm.RoleAssistant, Content: turn.Text, ToolCalls: turn.ToolCalls}
	results := llm.Message{Role: llm.RoleTool}
	for _, tc := range turn.ToolCalls {
		res := e.sandbox.Execute(ctx, sandbox.Call{ID: tc.ID, Name: tc.Name, Args: tc.Args})
		e.observeTool(tc.Name, res.Success)
		results.ToolResults = append(results.ToolResults, llm.ToolResult{
			CallID:  tc.ID,
			Name:    tc.Name,
			Content: res.Result,
			IsError: !res.Success,
		})
	}
	return append(messages, assistant, results)
}

// chat calls the provider with the retry policy: rate-limit failures back
// off exponentially up to MaxRetries, fatal failures never retry, anything
// else is retried exactly once.
func (e *Executor) chat(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition) (*llm.Turn, error) {
	rateAttempt := 0
	plainRetried := false

	for {
		turn, err := e.provider.Chat(ctx, messages, tools)
		if err == nil {
			return turn, nil
		}
		if llm.IsFatal(err) || ctx.Err() != nil {
			return nil, err
		}

		if llm.IsRateLimit(err) {
			if rateAttempt >= e.cfg.Retry.MaxRetries {
				return nil, fmt.Errorf("rate limit persisted after %d retries: %w", rateAttempt, err)
			}
			wait := e.cfg.Retry.Backoff(rateAttempt)
			rateAttempt++
			e.observeRetry()
			e.logger.Warn("rate limited, backing off",
				zap.Duration("wait", wait),
				zap.Int("attempt", rateAttempt))
			if !sleepCtx(ctx, wait) {
				return nil, ctx.Err()
			}
			continue
		}

		if plainRetried {
			return nil, err
		}
		plainRetried = true
		e.observeRetry()
		e.logger.Warn("provider call failed, retrying once", zap.Error(err))
		if !sleepCtx(ctx, e.cfg.Retry.InitialBackoff) {
			return nil, ctx.Err()
		}
	}
}

func (e *Executor) toolDefinitions(includeTaskComplete bool) []llm.ToolDefinition {
	defs := sandbox.Definitions(includeTaskComplete)
	out := make([]llm.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = llm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		}
	}
	return out
}

func (e *Executor) cost(u llm.Usage) UsageCost {
	return UsageCost{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CostUSD:      estimateCost(e.provider.Model(), u.InputTokens, u.OutputTokens),
	}
}

func (e *Executor) observeTool(tool string, success bool) {
	if e.cfg.OnToolResult != nil {
		e.cfg.OnToolResult(tool, success)
	}
}

func (e *Executor) observeRetry() {
	if e.cfg.OnRetry != nil {
		e.cfg.OnRetry()
	}
}

// sleepCtx waits for d or until the context is done, reporting whether the
// full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// changeSet accumulates file changes keyed by path, latest write wins,
// preserving first-seen order.
type changeSet struct {
	order []string
	byPth map[string]sandbox.FileChange
}

func newChangeSet() *changeSet {
	return &changeSet{byPth: make(map[string]sandbox.FileChange)}
}

func (c *changeSet) record(fc sandbox.FileChange) {
	prev, seen := c.byPth[fc.Path]
	if !seen {
		c.order = append(c.order, fc.Path)
	} else if prev.Action == sandbox.ActionCreate && fc.Action == sandbox.ActionModify {
		// A modify after a create is still a net-new file.
		fc.Action = sandbox.ActionCreate
	}
	c.byPth[fc.Path] = fc
}

func (c *changeSet) list() []sandbox.FileChange {
	out := make([]sandbox.FileChange, 0, len(c.order))
	for _, p := range c.order {
		out = append(out, c.byPth[p])
	}
	return out
}

func stringArg(args map[string]interface{}, key string) string {
	if args == nil {
		return ""
	}
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
