package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/types"
)

// Advance resolves the QA decision for the current milestone.
//
//   - RETRY: increments the retry counter, or converts to terminal failure
//     once the per-milestone cap is reached.
//   - FAIL: marks the task failed and the workflow complete.
//   - PASS: marks the milestone passed and either completes the task (last
//     milestone) or moves the index forward, resetting per-step scratch.
func (n *Nodes) Advance(ctx context.Context, s *WorkflowState) Patch {
	m := s.CurrentMilestone()
	if m == nil {
		return failurePatch(StepAdvance,
			types.NewError(types.ErrInvalidState, "advance reached without a current milestone"))
	}

	switch s.CurrentQADecision {
	case types.QARetry:
		retries := s.RetryCount + 1
		if retries >= n.policy.MaxRetries {
			return n.failMilestone(ctx, s,
				fmt.Sprintf("milestone %d exhausted %d retries", s.CurrentIndex, n.policy.MaxRetries))
		}
		n.logger.Info("milestone retry",
			zap.String("task_id", s.TaskID),
			zap.Int("milestone", s.CurrentIndex),
			zap.Int("retry", retries),
		)
		// ShouldContinue=false 表示回到 worker 重试当前里程碑。
		return Patch{
			RetryCount:     ptr(retries),
			ShouldContinue: ptr(false),
		}

	case types.QAFail:
		return n.failMilestone(ctx, s, "validation failed terminally")

	case types.QAPass:
		return n.passMilestone(ctx, s)

	default:
		// Fail-closed: an unresolved QA decision cannot advance.
		return n.failMilestone(ctx, s,
			fmt.Sprintf("unresolved qa decision %q", s.CurrentQADecision))
	}
}

func (n *Nodes) failMilestone(ctx context.Context, s *WorkflowState, reason string) Patch {
	milestones := cloneMilestones(s.Milestones)
	milestones[s.CurrentIndex].Status = types.MilestoneFailed

	if err := n.repo.UpdateMilestone(ctx, milestones[s.CurrentIndex]); err != nil {
		n.logger.Warn("milestone status persistence failed", zap.Error(err))
	}
	if err := n.repo.UpdateTaskStatus(ctx, s.TaskID, types.TaskFailed); err != nil {
		n.logger.Warn("task status persistence failed", zap.Error(err))
	}

	n.logger.Warn("milestone failed",
		zap.String("task_id", s.TaskID),
		zap.Int("milestone", s.CurrentIndex),
		zap.String("reason", reason),
	)

	return Patch{
		Milestones:        &milestones,
		TaskStatus:        ptr(types.TaskFailed),
		WorkflowComplete:  ptr(true),
		ShouldContinue:    ptr(false),
		ErrorMessage:      ptr(reason),
		ErrorNode:         ptr(StepAdvance),
		CurrentQADecision: ptr(types.QAFail),
	}
}

func (n *Nodes) passMilestone(ctx context.Context, s *WorkflowState) Patch {
	milestones := cloneMilestones(s.Milestones)
	milestones[s.CurrentIndex].Status = types.MilestonePassed

	if err := n.repo.UpdateMilestone(ctx, milestones[s.CurrentIndex]); err != nil {
		n.logger.Warn("milestone status persistence failed", zap.Error(err))
	}

	last := s.CurrentIndex+1 == len(milestones)
	if last {
		if err := n.repo.UpdateTaskStatus(ctx, s.TaskID, types.TaskCompleted); err != nil {
			n.logger.Warn("task status persistence failed", zap.Error(err))
		}
		n.logger.Info("all milestones passed",
			zap.String("task_id", s.TaskID),
			zap.Int("milestones", len(milestones)),
		)
		return Patch{
			Milestones:       &milestones,
			CurrentIndex:     ptr(len(milestones)),
			TaskStatus:       ptr(types.TaskCompleted),
			WorkflowComplete: ptr(true),
			ShouldContinue:   ptr(false),
		}
	}

	n.logger.Info("milestone passed",
		zap.String("task_id", s.TaskID),
		zap.Int("milestone", s.CurrentIndex),
	)

	// Index advances: retry counter and per-step scratch reset.
	return Patch{
		Milestones:        &milestones,
		CurrentIndex:      ptr(s.CurrentIndex + 1),
		RetryCount:        ptr(0),
		CurrentPrompt:     ptr(""),
		CurrentOutput:     ptr(""),
		CurrentQADecision: ptr(types.QADecision("")),
		CurrentQAFeedback: ptr(""),
		ShouldContinue:    ptr(true),
		ClearPausedAt:     true,
	}
}
