// Package agent drives the plan and implement phases of a coding run. An
// Executor owns one provider and one sandbox and runs the sequential tool-use
// loop for both phases.
package agent

import (
	"time"

	"github.com/devflow/devflow/internal/llm"
	"github.com/devflow/devflow/internal/sandbox"
)

// PlanFile is one file the plan intends to touch.
type PlanFile struct {
	Path    string `json:"path"`
	Purpose string `json:"purpose"`
	Changes string `json:"changes"`
}

// ImplementationPlan is the structured output of the plan phase. Immutable
// once produced.
type ImplementationPlan struct {
	Summary             string     `json:"summary"`
	Approach            string     `json:"approach"`
	Files               []PlanFile `json:"files"`
	EstimatedComplexity string     `json:"estimatedComplexity"`
	Considerations      []string   `json:"considerations,omitempty"`
}

// UsageCost is accumulated token usage plus an advisory cost estimate.
type UsageCost struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUSD      float64 `json:"costUSD"`
}

// PlanningResult is the outcome of the plan phase.
type PlanningResult struct {
	Success bool                `json:"success"`
	Plan    *ImplementationPlan `json:"plan,omitempty"`
	Error   string              `json:"error,omitempty"`
	Usage   UsageCost           `json:"usage"`
}

// ExecutionResult is the outcome of the implement phase. Files carries the
// accumulated change-set even when Success is false (partial results on
// timeout).
type ExecutionResult struct {
	Success       bool                 `json:"success"`
	Files         []sandbox.FileChange `json:"files"`
	CommitMessage string               `json:"commitMessage,omitempty"`
	PRTitle       string               `json:"prTitle,omitempty"`
	PRDescription string               `json:"prDescription,omitempty"`
	Error         string               `json:"error,omitempty"`
	Usage         UsageCost            `json:"usage"`
}

// Config bounds both phases of a run.
type Config struct {
	MaxIterations  int
	PlanTimeout    time.Duration
	ExecuteTimeout time.Duration
	Retry          llm.RetryConfig
	BudgetUSD      float64

	// OnToolResult and OnRetry are optional observability hooks.
	OnToolResult func(tool string, success bool)
	OnRetry      func()
}

// DefaultConfig returns the bounds used when configuration leaves them unset.
func DefaultConfig() Config {
	return Config{
		MaxIterations:  30,
		PlanTimeout:    10 * time.Minute,
		ExecuteTimeout: 30 * time.Minute,
		Retry:          llm.DefaultRetryConfig(),
	}
}
