package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/capability"
	"github.com/BaSui01/taskflow/types"
)

// AnalyzeTask is the entry node: it decomposes the original request into an
// ordered milestone plan and persists it to obtain durable identifiers.
func (n *Nodes) AnalyzeTask(ctx context.Context, s *WorkflowState) Patch {
	drafts, usage, err := n.planner.Plan(ctx, s.OriginalRequest, s.PriorContext)
	if err != nil {
		return failurePatch(StepAnalyze, capability.NewCapabilityError(capability.StepPlanning, err))
	}
	if len(drafts) == 0 {
		return failurePatch(StepAnalyze,
			types.NewError(types.ErrPlanningFailure, "planner returned an empty plan"))
	}

	milestones := make([]*types.Milestone, 0, len(drafts))
	for i, d := range drafts {
		complexity := d.Complexity
		if !complexity.Valid() {
			complexity = types.ComplexityModerate
		}
		milestones = append(milestones,
			types.NewMilestone(s.TaskID, i, d.Description, complexity, d.AcceptanceCriteria))
	}

	if err := n.repo.CreateMilestones(ctx, milestones); err != nil {
		return failurePatch(StepAnalyze, fmt.Errorf("persist plan: %w", err))
	}

	n.logger.Info("plan created",
		zap.String("task_id", s.TaskID),
		zap.Int("milestones", len(milestones)),
	)

	transcript := []types.Message{types.NewUserMessage(s.OriginalRequest)}
	return Patch{
		Milestones:       &milestones,
		CurrentIndex:     ptr(0),
		TaskStatus:       ptr(types.TaskInProgress),
		RetryCount:       ptr(0),
		AppendTranscript: transcript,
		AddUsage:         &usage,
		CurrentContextTokens: ptr(
			n.counter.CountMessagesTokens(transcript)),
	}
}

// SelectModel chooses a model for the current milestone's complexity tier
// and records it on the milestone.
func (n *Nodes) SelectModel(ctx context.Context, s *WorkflowState) Patch {
	m := s.CurrentMilestone()
	if m == nil {
		return failurePatch(StepSelectModel,
			types.NewError(types.ErrInvalidState, "no current milestone to select a model for"))
	}

	spec, err := n.models.Select(m.Complexity)
	if err != nil {
		return failurePatch(StepSelectModel,
			types.NewError(types.ErrModelNotFound, "model selection failed").WithCause(err))
	}

	milestones := cloneMilestones(s.Milestones)
	current := milestones[s.CurrentIndex]
	current.ModelID = spec.ID
	current.Status = types.MilestoneInProgress

	if err := n.repo.UpdateMilestone(ctx, current); err != nil {
		return failurePatch(StepSelectModel, fmt.Errorf("persist model selection: %w", err))
	}

	n.logger.Debug("model selected",
		zap.String("task_id", s.TaskID),
		zap.Int("milestone", s.CurrentIndex),
		zap.String("model", spec.ID),
		zap.String("complexity", string(current.Complexity)),
	)

	return Patch{Milestones: &milestones}
}

// GeneratePrompt runs prompt optimization for milestones at or above
// moderate complexity, using the milestone description, acceptance
// criteria, and the last few transcript turns.
func (n *Nodes) GeneratePrompt(ctx context.Context, s *WorkflowState) Patch {
	m := s.CurrentMilestone()
	if m == nil {
		return failurePatch(StepGeneratePrompt,
			types.NewError(types.ErrInvalidState, "no current milestone for prompt generation"))
	}

	params := capability.Params{
		"description": m.Description,
		"criteria":    m.AcceptanceCriteria,
		"complexity":  string(m.Complexity),
	}
	prompt, usage, err := n.agent.Invoke(ctx, capability.StepPromptOpt, params, lastTurns(s.Transcript, 6))
	if err != nil {
		return failurePatch(StepGeneratePrompt, capability.NewCapabilityError(capability.StepPromptOpt, err))
	}

	milestones := cloneMilestones(s.Milestones)
	milestones[s.CurrentIndex].GeneratedPrompt = prompt

	return Patch{
		Milestones:    &milestones,
		CurrentPrompt: ptr(prompt),
		AddUsage:      &usage,
	}
}
