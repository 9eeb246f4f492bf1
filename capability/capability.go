// Package capability defines the abstract contracts the workflow engine
// consumes: reasoning agents, planners, and output validators. Concrete
// implementations (prompt construction, provider transport, parsing) live
// outside the engine.
package capability

import (
	"context"

	"github.com/BaSui01/taskflow/types"
)

// StepKind identifies which reasoning step an Agent invocation serves.
type StepKind string

const (
	StepPlanning  StepKind = "planning"
	StepPromptOpt StepKind = "prompt_optimization"
	StepWorker    StepKind = "worker"
	StepQA        StepKind = "qa"
	StepSummarize StepKind = "summarize"
	StepReplan    StepKind = "replan"
	StepResponse  StepKind = "response"
)

// Params carries step-specific parameters for an Agent invocation.
type Params map[string]any

// Agent is the black-box reasoning capability: given task parameters and
// conversation context, produce an output and usage statistics.
type Agent interface {
	Invoke(ctx context.Context, kind StepKind, params Params, conversation []types.Message) (string, types.TokenUsage, error)
}

// MilestoneDraft is one planned unit of work before it is persisted and
// assigned a durable identifier.
type MilestoneDraft struct {
	Description        string           `json:"description"`
	Complexity         types.Complexity `json:"complexity"`
	AcceptanceCriteria string           `json:"acceptance_criteria"`
}

// ReplanResult is the outcome of a re-planning capability call.
type ReplanResult struct {
	Modifications []types.PlanModification `json:"modifications"`
	Confidence    float64                  `json:"confidence"`
	Reasoning     string                   `json:"reasoning"`
}

// Planner decomposes requests into milestone drafts and mutates plans
// mid-execution.
type Planner interface {
	// Plan decomposes a request into an ordered list of milestone drafts.
	Plan(ctx context.Context, request, priorContext string) ([]MilestoneDraft, types.TokenUsage, error)

	// Replan proposes modifications to the remaining plan. All returned
	// modifications must target indices strictly after currentIndex; the
	// engine rejects any that do not.
	Replan(ctx context.Context, milestones []*types.Milestone, currentIndex int, observations, reason string) (*ReplanResult, types.TokenUsage, error)

	// RethinkStrategy produces a whole new plan after terminal failure.
	// Invoked at most once per task.
	RethinkStrategy(ctx context.Context, originalRequest, failedApproach string, failureReasons []string) ([]MilestoneDraft, types.TokenUsage, error)
}

// ValidationResult is the outcome of an LLM validation call. Decision is
// limited to QAPass or QARetry; the engine escalates to replan when
// PlanViabilityCompromised is set.
type ValidationResult struct {
	Decision                 types.QADecision `json:"decision"`
	Feedback                 string           `json:"feedback"`
	Issues                   []string         `json:"issues,omitempty"`
	Suggestions              []string         `json:"suggestions,omitempty"`
	PlanViabilityCompromised bool             `json:"plan_viability_compromised,omitempty"`
}

// CheckResult is the outcome of one deterministic dynamic check.
type CheckResult struct {
	Name        string `json:"name"`
	Success     bool   `json:"success"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// DynamicCheck is a deterministic verification step (lint, typecheck, test,
// build) run against worker output alongside LLM validation.
type DynamicCheck interface {
	Name() string
	Run(ctx context.Context, output string) CheckResult
}

// Validator runs independent quality validation of a milestone's output.
type Validator interface {
	Validate(ctx context.Context, description, criteria, output string) (*ValidationResult, types.TokenUsage, error)
}

// NewCapabilityError wraps a collaborator failure in the engine's error type.
func NewCapabilityError(kind StepKind, cause error) *types.Error {
	return types.NewError(types.ErrCapabilityFailure, string(kind)+" capability call failed").
		WithCause(cause).
		WithRetryable(false)
}
