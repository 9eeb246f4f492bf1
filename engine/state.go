// Package engine implements the milestone workflow orchestration core: the
// state machine that sequences reasoning steps, the routing logic between
// them, retry/replan/recovery policies, and the durable pause-and-resume
// breakpoint mechanism.
//
// One task is driven by one Runner at a time. The WorkflowState is never
// shared between goroutines: ownership transfers from Supervisor to Runner
// to the checkpoint store and back. Nodes return partial-state patches that
// the Runner merges into a fresh snapshot each step.
package engine

import (
	"time"

	"github.com/BaSui01/taskflow/types"
)

// Step names. The runner composes the workflow from a static table mapping
// step name -> executor plus per-step routing.
const (
	StepAnalyze        = "analyze"
	StepSelectModel    = "select_model"
	StepGeneratePrompt = "generate_prompt"
	StepExecuteWorker  = "execute_worker"
	StepBreakpoint     = "breakpoint"
	StepVerifyQA       = "verify_qa"
	StepCheckContext   = "check_context"
	StepSummarize      = "summarize"
	StepAdvance        = "advance"
	StepReplan         = "replan"
	StepRecovery       = "recovery"
	StepRespond        = "respond"
	StepDone           = "done"
)

// WorkflowState is the full state bag threaded through every step of one
// task's execution. Nodes never mutate it in place; they return a Patch the
// runner applies to a cloned snapshot.
type WorkflowState struct {
	// Identity
	SessionID       string `json:"session_id"`
	TaskID          string `json:"task_id"`
	OriginalRequest string `json:"original_request"`
	PriorContext    string `json:"prior_context,omitempty"` // handover from an earlier task

	// Progress
	Milestones   []*types.Milestone `json:"milestones"`
	CurrentIndex int                `json:"current_index"`
	TaskStatus   types.TaskStatus   `json:"task_status"`

	// Current-step scratch
	CurrentPrompt     string           `json:"current_prompt,omitempty"`
	CurrentOutput     string           `json:"current_output,omitempty"`
	CurrentQADecision types.QADecision `json:"current_qa_decision,omitempty"`
	CurrentQAFeedback string           `json:"current_qa_feedback,omitempty"`
	RetryCount        int              `json:"retry_count"`

	// Conversation / context
	Transcript           []types.Message `json:"transcript,omitempty"`
	Summary              string          `json:"summary,omitempty"`
	CurrentContextTokens int             `json:"current_context_tokens"`
	MaxContextTokens     int             `json:"max_context_tokens"`
	NeedsCompression     bool            `json:"needs_compression"`

	// Replan bookkeeping
	NeedsReplan       bool                        `json:"needs_replan"`
	ReplanReason      string                      `json:"replan_reason,omitempty"`
	ReplanCount       int                         `json:"replan_count"`
	PlanModifications []types.AppliedModification `json:"plan_modifications,omitempty"`
	PlanConfidence    float64                     `json:"plan_confidence,omitempty"`

	// Recovery bookkeeping
	StrategyRetryAttempted bool                  `json:"strategy_retry_attempted"`
	FailureContext         *types.FailureContext `json:"failure_context,omitempty"`

	// Control
	ErrorMessage       string   `json:"error_message,omitempty"`
	ErrorNode          string   `json:"error_node,omitempty"`
	ShouldContinue     bool     `json:"should_continue"`
	WorkflowComplete   bool     `json:"workflow_complete"`
	BreakpointsEnabled bool     `json:"breakpoints_enabled"`
	BreakpointSteps    []string `json:"breakpoint_steps,omitempty"`
	PausedAtIndex      *int     `json:"paused_at_index,omitempty"`
	NextStep           string   `json:"next_step,omitempty"`

	// Accounting
	Usage         types.TokenUsage `json:"usage"`
	FinalResponse string           `json:"final_response,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewWorkflowState creates the initial state for a task.
func NewWorkflowState(sessionID, taskID, request string) *WorkflowState {
	now := time.Now()
	return &WorkflowState{
		SessionID:       sessionID,
		TaskID:          taskID,
		OriginalRequest: request,
		TaskStatus:      types.TaskPending,
		ShouldContinue:  true,
		NextStep:        StepAnalyze,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Clone returns a deep copy of the state. Milestones, transcript, and all
// nested structures are copied so the snapshot is safe to checkpoint while
// the next step runs against the new copy.
func (s *WorkflowState) Clone() *WorkflowState {
	cp := *s

	if s.Milestones != nil {
		cp.Milestones = make([]*types.Milestone, len(s.Milestones))
		for i, m := range s.Milestones {
			cp.Milestones[i] = m.Clone()
		}
	}
	if s.Transcript != nil {
		cp.Transcript = make([]types.Message, len(s.Transcript))
		copy(cp.Transcript, s.Transcript)
	}
	if s.PlanModifications != nil {
		cp.PlanModifications = make([]types.AppliedModification, len(s.PlanModifications))
		copy(cp.PlanModifications, s.PlanModifications)
	}
	if s.BreakpointSteps != nil {
		cp.BreakpointSteps = make([]string, len(s.BreakpointSteps))
		copy(cp.BreakpointSteps, s.BreakpointSteps)
	}
	if s.PausedAtIndex != nil {
		idx := *s.PausedAtIndex
		cp.PausedAtIndex = &idx
	}
	if s.FailureContext != nil {
		fc := *s.FailureContext
		if s.FailureContext.AttemptedMilestones != nil {
			fc.AttemptedMilestones = make([]string, len(s.FailureContext.AttemptedMilestones))
			copy(fc.AttemptedMilestones, s.FailureContext.AttemptedMilestones)
		}
		if s.FailureContext.PartialResults != nil {
			fc.PartialResults = make(map[string]string, len(s.FailureContext.PartialResults))
			for k, v := range s.FailureContext.PartialResults {
				fc.PartialResults[k] = v
			}
		}
		cp.FailureContext = &fc
	}
	return &cp
}

// CurrentMilestone returns the milestone at the running index, or nil when
// the index is out of range (workflow complete).
func (s *WorkflowState) CurrentMilestone() *types.Milestone {
	if s.CurrentIndex < 0 || s.CurrentIndex >= len(s.Milestones) {
		return nil
	}
	return s.Milestones[s.CurrentIndex]
}

// HasError reports whether a node recorded a fatal error.
func (s *WorkflowState) HasError() bool {
	return s.ErrorMessage != ""
}

// IsBreakpointStep reports whether the given step name is breakpoint-eligible.
func (s *WorkflowState) IsBreakpointStep(step string) bool {
	if len(s.BreakpointSteps) == 0 {
		// 默认仅在 worker 输出后暂停。
		return step == StepBreakpoint
	}
	for _, name := range s.BreakpointSteps {
		if name == step {
			return true
		}
	}
	return false
}

// ContextPressure returns current_context_tokens / max_context_tokens,
// or 0 when no budget is configured.
func (s *WorkflowState) ContextPressure() float64 {
	if s.MaxContextTokens <= 0 {
		return 0
	}
	return float64(s.CurrentContextTokens) / float64(s.MaxContextTokens)
}

// CheckInvariants verifies structural invariants; used by tests and debug
// builds. Returns false when the index/complete relationship is violated.
func (s *WorkflowState) CheckInvariants() bool {
	if s.CurrentIndex < 0 || s.CurrentIndex > len(s.Milestones) {
		return false
	}
	if s.CurrentIndex == len(s.Milestones) && len(s.Milestones) > 0 && !s.WorkflowComplete {
		return false
	}
	for i, m := range s.Milestones {
		if m.SequenceNum != i {
			return false
		}
	}
	return true
}
