package engine

import (
	"time"

	"github.com/BaSui01/taskflow/types"
)

// Patch is a partial-state update returned by a node executor. Nil fields
// leave the corresponding state field untouched. Apply never mutates the
// input state; it clones and overrides, so the previous snapshot stays
// valid for checkpointing.
//
// Slice fields come in two flavours mirroring the usual reducers:
// last-write-wins replacement (pointer fields) and append (Append* fields).
// Usage accumulates (sum reducer); totals are monotonically increasing.
type Patch struct {
	Milestones   *[]*types.Milestone
	CurrentIndex *int
	TaskStatus   *types.TaskStatus

	CurrentPrompt     *string
	CurrentOutput     *string
	CurrentQADecision *types.QADecision
	CurrentQAFeedback *string
	RetryCount        *int

	Transcript           *[]types.Message // replace (compression rewrites history)
	AppendTranscript     []types.Message  // append (normal exchange)
	Summary              *string
	CurrentContextTokens *int
	MaxContextTokens     *int
	NeedsCompression     *bool

	NeedsReplan         *bool
	ReplanReason        *string
	ReplanCount         *int
	AppendModifications []types.AppliedModification
	PlanConfidence      *float64

	StrategyRetryAttempted *bool
	FailureContext         *types.FailureContext
	ClearFailureContext    bool

	ErrorMessage       *string
	ErrorNode          *string
	ClearError         bool
	ShouldContinue     *bool
	WorkflowComplete   *bool
	BreakpointsEnabled *bool
	PausedAtIndex      *int
	ClearPausedAt      bool

	AddUsage      *types.TokenUsage
	FinalResponse *string
}

// Apply merges the patch into a fresh copy of the state.
func (p Patch) Apply(s *WorkflowState) *WorkflowState {
	ns := s.Clone()

	if p.Milestones != nil {
		ns.Milestones = *p.Milestones
	}
	if p.CurrentIndex != nil {
		ns.CurrentIndex = *p.CurrentIndex
	}
	if p.TaskStatus != nil {
		ns.TaskStatus = *p.TaskStatus
	}
	if p.CurrentPrompt != nil {
		ns.CurrentPrompt = *p.CurrentPrompt
	}
	if p.CurrentOutput != nil {
		ns.CurrentOutput = *p.CurrentOutput
	}
	if p.CurrentQADecision != nil {
		ns.CurrentQADecision = *p.CurrentQADecision
	}
	if p.CurrentQAFeedback != nil {
		ns.CurrentQAFeedback = *p.CurrentQAFeedback
	}
	if p.RetryCount != nil {
		ns.RetryCount = *p.RetryCount
	}
	if p.Transcript != nil {
		ns.Transcript = *p.Transcript
	}
	if len(p.AppendTranscript) > 0 {
		ns.Transcript = append(ns.Transcript, p.AppendTranscript...)
	}
	if p.Summary != nil {
		ns.Summary = *p.Summary
	}
	if p.CurrentContextTokens != nil {
		ns.CurrentContextTokens = *p.CurrentContextTokens
	}
	if p.MaxContextTokens != nil {
		ns.MaxContextTokens = *p.MaxContextTokens
	}
	if p.NeedsCompression != nil {
		ns.NeedsCompression = *p.NeedsCompression
	}
	if p.NeedsReplan != nil {
		ns.NeedsReplan = *p.NeedsReplan
	}
	if p.ReplanReason != nil {
		ns.ReplanReason = *p.ReplanReason
	}
	if p.ReplanCount != nil {
		ns.ReplanCount = *p.ReplanCount
	}
	if len(p.AppendModifications) > 0 {
		ns.PlanModifications = append(ns.PlanModifications, p.AppendModifications...)
	}
	if p.PlanConfidence != nil {
		ns.PlanConfidence = *p.PlanConfidence
	}
	if p.StrategyRetryAttempted != nil {
		ns.StrategyRetryAttempted = *p.StrategyRetryAttempted
	}
	if p.FailureContext != nil {
		ns.FailureContext = p.FailureContext
	}
	if p.ClearFailureContext {
		ns.FailureContext = nil
	}
	if p.ErrorMessage != nil {
		ns.ErrorMessage = *p.ErrorMessage
	}
	if p.ErrorNode != nil {
		ns.ErrorNode = *p.ErrorNode
	}
	if p.ClearError {
		ns.ErrorMessage = ""
		ns.ErrorNode = ""
	}
	if p.ShouldContinue != nil {
		ns.ShouldContinue = *p.ShouldContinue
	}
	if p.WorkflowComplete != nil {
		ns.WorkflowComplete = *p.WorkflowComplete
	}
	if p.BreakpointsEnabled != nil {
		ns.BreakpointsEnabled = *p.BreakpointsEnabled
	}
	if p.PausedAtIndex != nil {
		idx := *p.PausedAtIndex
		ns.PausedAtIndex = &idx
	}
	if p.ClearPausedAt {
		ns.PausedAtIndex = nil
	}
	if p.AddUsage != nil {
		ns.Usage.Add(*p.AddUsage)
	}
	if p.FinalResponse != nil {
		ns.FinalResponse = *p.FinalResponse
	}

	ns.UpdatedAt = time.Now()
	return ns
}

// 小工具：取指针。
func ptr[T any](v T) *T { return &v }

// failurePatch converts an unhandled collaborator failure into the terminal
// error patch. This is the only way an unexpected failure enters the state;
// it never propagates as a panic or error out of the runner.
func failurePatch(node string, err error) Patch {
	return Patch{
		ErrorMessage:     ptr(err.Error()),
		ErrorNode:        ptr(node),
		TaskStatus:       ptr(types.TaskFailed),
		WorkflowComplete: ptr(true),
		ShouldContinue:   ptr(false),
	}
}
