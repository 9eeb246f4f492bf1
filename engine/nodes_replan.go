package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/capability"
	"github.com/BaSui01/taskflow/types"
)

// Replan calls the re-planning capability and applies the returned plan
// modifications to the remaining milestones. Modifications targeting the
// current index or earlier are rejected defensively and skipped — one bad
// modification cannot corrupt the list. Sequence renumbering is performed
// atomically by the repository (two-phase: temporary out-of-range numbers
// first, then final), so the (task, sequence) uniqueness constraint holds
// at every externally visible point.
func (n *Nodes) Replan(ctx context.Context, s *WorkflowState) Patch {
	if s.ReplanCount >= n.policy.MaxReplanIterations {
		return failurePatch(StepReplan,
			types.NewError(types.ErrReplansExhausted,
				fmt.Sprintf("replan iteration cap %d reached", n.policy.MaxReplanIterations)))
	}

	observations := ""
	if m := s.CurrentMilestone(); m != nil {
		observations = m.WorkerOutput
		if m.LatestFeedback != "" {
			observations += "\n\nfeedback: " + m.LatestFeedback
		}
	}

	result, usage, err := n.planner.Replan(ctx, s.Milestones, s.CurrentIndex, observations, s.ReplanReason)
	if err != nil {
		return failurePatch(StepReplan, capability.NewCapabilityError(capability.StepReplan, err))
	}

	iteration := s.ReplanCount + 1
	milestones, applied, removedIDs := n.applyModifications(s, result.Modifications, iteration)

	if err := n.repo.ReplacePlan(ctx, s.TaskID, milestones, removedIDs); err != nil {
		return failurePatch(StepReplan, fmt.Errorf("persist replanned milestones: %w", err))
	}

	n.logger.Info("plan updated",
		zap.String("task_id", s.TaskID),
		zap.Int("iteration", iteration),
		zap.Int("proposed", len(result.Modifications)),
		zap.Int("applied", len(applied)),
		zap.Float64("confidence", result.Confidence),
	)

	return Patch{
		Milestones:          &milestones,
		ReplanCount:         ptr(iteration),
		AppendModifications: applied,
		PlanConfidence:      ptr(result.Confidence),
		RetryCount:          ptr(0),
		CurrentQADecision:   ptr(types.QADecision("")),
		CurrentQAFeedback:   ptr(""),
		NeedsReplan:         ptr(false),
		ReplanReason:        ptr(""),
		AddUsage:            &usage,
	}
}

// applyModifications applies valid modifications to a cloned milestone list
// and renumbers it gap-free. Returns the new list, the record of applied
// modifications, and the IDs of removed milestones.
func (n *Nodes) applyModifications(s *WorkflowState, mods []types.PlanModification, iteration int) ([]*types.Milestone, []types.AppliedModification, []string) {
	milestones := cloneMilestones(s.Milestones)
	applied := make([]types.AppliedModification, 0, len(mods))
	var removedIDs []string

	for _, mod := range mods {
		if !n.modificationValid(s.CurrentIndex, len(milestones), mod) {
			n.logger.Warn("replan modification rejected",
				zap.String("task_id", s.TaskID),
				zap.String("op", string(mod.Op)),
				zap.Int("target_index", mod.TargetIndex),
				zap.Int("current_index", s.CurrentIndex),
			)
			continue
		}

		switch mod.Op {
		case types.ModAdd:
			complexity := mod.Complexity
			if !complexity.Valid() {
				complexity = types.ComplexityModerate
			}
			nm := types.NewMilestone(s.TaskID, mod.TargetIndex, mod.Description, complexity, mod.AcceptanceCriteria)
			nm.InsertedByReplan = true
			nm.ReplanIteration = iteration
			idx := mod.TargetIndex
			if idx > len(milestones) {
				idx = len(milestones)
			}
			milestones = append(milestones[:idx], append([]*types.Milestone{nm}, milestones[idx:]...)...)

		case types.ModModify:
			m := milestones[mod.TargetIndex]
			if mod.Description != "" {
				m.Description = mod.Description
			}
			if mod.Complexity.Valid() {
				m.Complexity = mod.Complexity
			}
			if mod.AcceptanceCriteria != "" {
				m.AcceptanceCriteria = mod.AcceptanceCriteria
			}
			m.Status = types.MilestonePending
			m.ReplanIteration = iteration
			m.UpdatedAt = time.Now()

		case types.ModRemove:
			removedIDs = append(removedIDs, milestones[mod.TargetIndex].ID)
			milestones = append(milestones[:mod.TargetIndex], milestones[mod.TargetIndex+1:]...)

		case types.ModReorder:
			m := milestones[mod.TargetIndex]
			milestones = append(milestones[:mod.TargetIndex], milestones[mod.TargetIndex+1:]...)
			dest := mod.NewIndex
			if dest > len(milestones) {
				dest = len(milestones)
			}
			milestones = append(milestones[:dest], append([]*types.Milestone{m}, milestones[dest:]...)...)
		}

		applied = append(applied, types.AppliedModification{
			Modification: mod,
			Iteration:    iteration,
			AppliedAt:    time.Now(),
		})
	}

	// 最终重编号：顺序全序且无空洞。
	for i, m := range milestones {
		m.SequenceNum = i
	}
	return milestones, applied, removedIDs
}

// modificationValid rejects modifications that would rewrite completed
// history or index out of range. ADD may target len (append); the others
// must address an existing milestone strictly after the current one.
func (n *Nodes) modificationValid(currentIndex, length int, mod types.PlanModification) bool {
	if mod.TargetIndex <= currentIndex {
		return false
	}
	switch mod.Op {
	case types.ModAdd:
		return mod.TargetIndex <= length
	case types.ModModify, types.ModRemove:
		return mod.TargetIndex < length
	case types.ModReorder:
		return mod.TargetIndex < length && mod.NewIndex > currentIndex && mod.NewIndex <= length
	default:
		return false
	}
}
