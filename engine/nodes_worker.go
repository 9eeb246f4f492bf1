package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/capability"
	"github.com/BaSui01/taskflow/types"
)

// fencedBlockRe matches fenced code blocks with an optional language tag.
var fencedBlockRe = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\n(.*?)```")

// ExecuteWorker runs the reasoning capability for the current milestone.
// On a retry it frames the prompt around the prior output and QA feedback;
// otherwise it uses the generated prompt or the raw description. The
// exchange is appended to the transcript and token/cost totals accumulate.
func (n *Nodes) ExecuteWorker(ctx context.Context, s *WorkflowState) Patch {
	m := s.CurrentMilestone()
	if m == nil {
		return failurePatch(StepExecuteWorker,
			types.NewError(types.ErrInvalidState, "no current milestone to execute"))
	}

	prompt := n.workerPrompt(s, m)

	params := capability.Params{
		"prompt":   prompt,
		"model":    m.ModelID,
		"criteria": m.AcceptanceCriteria,
	}
	output, usage, err := n.agent.Invoke(ctx, capability.StepWorker, params, s.Transcript)
	if err != nil {
		return failurePatch(StepExecuteWorker, capability.NewCapabilityError(capability.StepWorker, err))
	}

	if n.models != nil {
		usage.Cost += n.models.Cost(m.ModelID, usage)
	}

	milestones := cloneMilestones(s.Milestones)
	milestones[s.CurrentIndex].WorkerOutput = output

	if err := n.repo.UpdateMilestone(ctx, milestones[s.CurrentIndex]); err != nil {
		return failurePatch(StepExecuteWorker, fmt.Errorf("persist worker output: %w", err))
	}

	n.extractArtifacts(ctx, s.TaskID, milestones[s.CurrentIndex].ID, output)

	exchange := []types.Message{
		types.NewUserMessage(prompt),
		types.NewAssistantMessage(output),
	}
	contextTokens := s.CurrentContextTokens + n.counter.CountMessagesTokens(exchange)

	n.logger.Debug("worker executed",
		zap.String("task_id", s.TaskID),
		zap.Int("milestone", s.CurrentIndex),
		zap.Int("retry", s.RetryCount),
		zap.Int("output_len", len(output)),
	)

	return Patch{
		Milestones:           &milestones,
		CurrentOutput:        ptr(output),
		AppendTranscript:     exchange,
		CurrentContextTokens: ptr(contextTokens),
		AddUsage:             &usage,
	}
}

// workerPrompt builds the worker prompt. Retries fold the previous output
// and validation feedback into the framing so the worker can correct rather
// than restart.
func (n *Nodes) workerPrompt(s *WorkflowState, m *types.Milestone) string {
	if s.RetryCount > 0 && m.WorkerOutput != "" && s.CurrentQAFeedback != "" {
		var b strings.Builder
		b.WriteString("Your previous attempt did not meet the acceptance criteria.\n\n")
		b.WriteString("Task: ")
		b.WriteString(m.Description)
		b.WriteString("\n\nAcceptance criteria:\n")
		b.WriteString(m.AcceptanceCriteria)
		b.WriteString("\n\nPrevious output:\n")
		b.WriteString(m.WorkerOutput)
		b.WriteString("\n\nReviewer feedback:\n")
		b.WriteString(s.CurrentQAFeedback)
		b.WriteString("\n\nProduce a corrected result addressing the feedback.")
		return b.String()
	}
	if m.GeneratedPrompt != "" {
		return m.GeneratedPrompt
	}
	return m.Description
}

// extractArtifacts persists fenced code blocks found in worker output.
// Persistence failures are logged, not fatal: the output itself already
// lives on the milestone.
func (n *Nodes) extractArtifacts(ctx context.Context, taskID, milestoneID, output string) {
	matches := fencedBlockRe.FindAllStringSubmatch(output, -1)
	for _, match := range matches {
		content := strings.TrimSpace(match[2])
		if content == "" {
			continue
		}
		a := types.NewArtifact(taskID, milestoneID, match[1], content)
		if err := n.repo.SaveArtifact(ctx, a); err != nil {
			n.logger.Warn("artifact persistence failed",
				zap.String("task_id", taskID),
				zap.String("milestone_id", milestoneID),
				zap.Error(err),
			)
		}
	}
}
