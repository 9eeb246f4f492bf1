package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/capability"
	"github.com/BaSui01/taskflow/types"
)

// Recovery runs after a terminal failure, before the final response. The
// first invocation per task attempts one whole-plan strategy retry; a
// second invocation (or a failed retry attempt) assembles the structured
// failure context instead. The one-shot flag bounds total task cost even
// under persistent failure.
func (n *Nodes) Recovery(ctx context.Context, s *WorkflowState) Patch {
	if !s.StrategyRetryAttempted {
		if patch, ok := n.strategyRetry(ctx, s); ok {
			return patch
		}
	}
	return n.buildFailureContext(s)
}

// strategyRetry asks the planner to rethink the whole approach. On success
// it installs the fresh plan and clears the terminal flags so execution
// restarts from milestone zero. Returns ok=false when the attempt itself
// failed, in which case the caller falls through to failure reporting.
func (n *Nodes) strategyRetry(ctx context.Context, s *WorkflowState) (Patch, bool) {
	drafts, usage, err := n.planner.RethinkStrategy(ctx,
		s.OriginalRequest, n.failedApproachSummary(s), n.failureReasons(s))
	if err != nil || len(drafts) == 0 {
		n.logger.Warn("strategy retry failed",
			zap.String("task_id", s.TaskID),
			zap.Error(err),
		)
		return Patch{StrategyRetryAttempted: ptr(true), AddUsage: &usage}, false
	}

	fresh := make([]*types.Milestone, 0, len(drafts))
	for i, d := range drafts {
		complexity := d.Complexity
		if !complexity.Valid() {
			complexity = types.ComplexityModerate
		}
		fresh = append(fresh,
			types.NewMilestone(s.TaskID, i, d.Description, complexity, d.AcceptanceCriteria))
	}

	oldIDs := make([]string, 0, len(s.Milestones))
	for _, m := range s.Milestones {
		oldIDs = append(oldIDs, m.ID)
	}
	if err := n.repo.ReplacePlan(ctx, s.TaskID, fresh, oldIDs); err != nil {
		n.logger.Warn("strategy retry plan persistence failed",
			zap.String("task_id", s.TaskID),
			zap.Error(err),
		)
		return Patch{StrategyRetryAttempted: ptr(true), AddUsage: &usage}, false
	}
	if err := n.repo.UpdateTaskStatus(ctx, s.TaskID, types.TaskInProgress); err != nil {
		n.logger.Warn("task status persistence failed", zap.Error(err))
	}

	n.logger.Info("strategy retry installed a fresh plan",
		zap.String("task_id", s.TaskID),
		zap.Int("milestones", len(fresh)),
	)

	return Patch{
		Milestones:             &fresh,
		CurrentIndex:           ptr(0),
		TaskStatus:             ptr(types.TaskInProgress),
		WorkflowComplete:       ptr(false),
		ShouldContinue:         ptr(true),
		StrategyRetryAttempted: ptr(true),
		RetryCount:             ptr(0),
		CurrentPrompt:          ptr(""),
		CurrentOutput:          ptr(""),
		CurrentQADecision:      ptr(types.QADecision("")),
		CurrentQAFeedback:      ptr(""),
		NeedsReplan:            ptr(false),
		ReplanReason:           ptr(""),
		ClearError:             true,
		ClearPausedAt:          true,
		AddUsage:               &usage,
	}, true
}

// buildFailureContext assembles what was attempted, why it failed, and any
// partial results from milestones that passed before the failure.
func (n *Nodes) buildFailureContext(s *WorkflowState) Patch {
	fc := &types.FailureContext{
		FinalError: s.ErrorMessage,
		FailedNode: s.ErrorNode,
	}
	if fc.FinalError == "" {
		fc.FinalError = "task failed without a recorded error"
	}
	fc.PartialResults = make(map[string]string)
	for _, m := range s.Milestones {
		if m.Status == types.MilestonePending {
			continue
		}
		fc.AttemptedMilestones = append(fc.AttemptedMilestones, m.Description)
		if m.Status == types.MilestonePassed && m.WorkerOutput != "" {
			fc.PartialResults[m.Description] = m.WorkerOutput
		}
	}

	n.logger.Info("failure context assembled",
		zap.String("task_id", s.TaskID),
		zap.Int("attempted", len(fc.AttemptedMilestones)),
		zap.Int("partial_results", len(fc.PartialResults)),
	)

	return Patch{
		FailureContext:         fc,
		StrategyRetryAttempted: ptr(true),
		WorkflowComplete:       ptr(true),
		ShouldContinue:         ptr(false),
	}
}

func (n *Nodes) failedApproachSummary(s *WorkflowState) string {
	var b strings.Builder
	for _, m := range s.Milestones {
		fmt.Fprintf(&b, "%d. [%s] %s\n", m.SequenceNum+1, m.Status, m.Description)
	}
	return b.String()
}

func (n *Nodes) failureReasons(s *WorkflowState) []string {
	var reasons []string
	if s.ErrorMessage != "" {
		reasons = append(reasons, s.ErrorMessage)
	}
	if s.CurrentQAFeedback != "" {
		reasons = append(reasons, s.CurrentQAFeedback)
	}
	if s.ReplanReason != "" {
		reasons = append(reasons, s.ReplanReason)
	}
	return reasons
}

// GenerateResponse is the terminal node: it produces the user-facing
// summary, a natural-language failure report, or a last-resort minimal
// error message. A raw internal error never surfaces except as the final
// fallback when report generation itself fails.
func (n *Nodes) GenerateResponse(ctx context.Context, s *WorkflowState) Patch {
	switch {
	case s.FailureContext != nil:
		return n.failureReport(ctx, s)
	case s.HasError():
		// Hard error with no failure context: minimal apology.
		return Patch{FinalResponse: ptr(fmt.Sprintf(
			"Sorry, the task could not be completed: %s", s.ErrorMessage))}
	default:
		return n.successSummary(ctx, s)
	}
}

func (n *Nodes) failureReport(ctx context.Context, s *WorkflowState) Patch {
	params := capability.Params{
		"attempted":       strings.Join(s.FailureContext.AttemptedMilestones, "\n"),
		"final_error":     s.FailureContext.FinalError,
		"partial_results": len(s.FailureContext.PartialResults),
		"mode":            "failure_report",
	}
	report, usage, err := n.agent.Invoke(ctx, capability.StepResponse, params, nil)
	if err != nil {
		// Last-resort fallback: report generation itself failed.
		fallback := fmt.Sprintf("The task failed after attempting %d milestones: %s",
			len(s.FailureContext.AttemptedMilestones), s.FailureContext.FinalError)
		return Patch{FinalResponse: ptr(fallback), AddUsage: &usage}
	}
	return Patch{FinalResponse: ptr(report), AddUsage: &usage}
}

func (n *Nodes) successSummary(ctx context.Context, s *WorkflowState) Patch {
	var outputs strings.Builder
	for _, m := range s.Milestones {
		if m.WorkerOutput != "" {
			fmt.Fprintf(&outputs, "## %s\n%s\n\n", m.Description, m.WorkerOutput)
		}
	}
	params := capability.Params{
		"request": s.OriginalRequest,
		"outputs": outputs.String(),
		"mode":    "summary",
	}
	response, usage, err := n.agent.Invoke(ctx, capability.StepResponse, params, lastTurns(s.Transcript, 4))
	if err != nil {
		// Degrade to the raw concatenated outputs rather than failing a
		// task whose work is already done.
		return Patch{FinalResponse: ptr(outputs.String()), AddUsage: &usage}
	}
	return Patch{FinalResponse: ptr(response), AddUsage: &usage}
}
