package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/capability"
	"github.com/BaSui01/taskflow/types"
)

// VerifyQA runs independent validation of the current milestone's output:
// one LLM validation call plus every configured deterministic check. The
// aggregate decision is PASS only when all of them pass; otherwise RETRY,
// escalated to REPLAN when plan viability is flagged compromised.
func (n *Nodes) VerifyQA(ctx context.Context, s *WorkflowState) Patch {
	m := s.CurrentMilestone()
	if m == nil {
		return failurePatch(StepVerifyQA,
			types.NewError(types.ErrInvalidState, "no current milestone to verify"))
	}
	if m.WorkerOutput == "" {
		return failurePatch(StepVerifyQA,
			types.NewError(types.ErrInvalidState, "verify_qa reached without worker output"))
	}

	result, usage, err := n.validator.Validate(ctx, m.Description, m.AcceptanceCriteria, m.WorkerOutput)
	if err != nil {
		return failurePatch(StepVerifyQA, capability.NewCapabilityError(capability.StepQA, err))
	}

	decision := result.Decision
	feedback := result.Feedback

	// 动态检查：全部通过才算 PASS。
	var failedChecks []string
	for _, check := range n.checks {
		cr := check.Run(ctx, m.WorkerOutput)
		if !cr.Success {
			failedChecks = append(failedChecks, cr.Name+": "+cr.Diagnostics)
		}
	}
	if len(failedChecks) > 0 && decision == types.QAPass {
		decision = types.QARetry
	}
	if len(failedChecks) > 0 {
		if feedback != "" {
			feedback += "\n"
		}
		feedback += "failed checks:\n" + strings.Join(failedChecks, "\n")
	}

	needsReplan := false
	replanReason := ""
	if result.PlanViabilityCompromised {
		decision = types.QAReplan
		needsReplan = true
		replanReason = feedback
		if replanReason == "" {
			replanReason = "validator flagged plan viability as compromised"
		}
	}

	milestones := cloneMilestones(s.Milestones)
	milestones[s.CurrentIndex].LatestFeedback = feedback

	n.logger.Info("qa verified",
		zap.String("task_id", s.TaskID),
		zap.Int("milestone", s.CurrentIndex),
		zap.String("decision", string(decision)),
		zap.Int("failed_checks", len(failedChecks)),
	)

	return Patch{
		Milestones:        &milestones,
		CurrentQADecision: ptr(decision),
		CurrentQAFeedback: ptr(feedback),
		NeedsReplan:       ptr(needsReplan),
		ReplanReason:      ptr(replanReason),
		AddUsage:          &usage,
	}
}
