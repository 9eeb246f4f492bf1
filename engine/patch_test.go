package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/taskflow/types"
)

func TestPatchApplyDoesNotMutateInput(t *testing.T) {
	s := seededState("t1", 2)
	s.Transcript = []types.Message{types.NewUserMessage("hello")}
	s.RetryCount = 1

	patch := Patch{
		RetryCount:       ptr(2),
		AppendTranscript: []types.Message{types.NewAssistantMessage("world")},
		AddUsage:         &types.TokenUsage{InputTokens: 10, OutputTokens: 5, Cost: 0.01},
	}
	ns := patch.Apply(s)

	// 原快照保持不变
	assert.Equal(t, 1, s.RetryCount)
	assert.Len(t, s.Transcript, 1)
	assert.Equal(t, 0, s.Usage.InputTokens)

	assert.Equal(t, 2, ns.RetryCount)
	assert.Len(t, ns.Transcript, 2)
	assert.Equal(t, 10, ns.Usage.InputTokens)
}

func TestPatchApplyMilestoneIsolation(t *testing.T) {
	s := seededState("t1", 2)

	milestones := cloneMilestones(s.Milestones)
	milestones[0].Status = types.MilestonePassed
	ns := Patch{Milestones: &milestones}.Apply(s)

	assert.Equal(t, types.MilestonePending, s.Milestones[0].Status)
	assert.Equal(t, types.MilestonePassed, ns.Milestones[0].Status)
}

func TestPatchUsageAccumulates(t *testing.T) {
	s := seededState("t1", 1)

	s1 := Patch{AddUsage: &types.TokenUsage{InputTokens: 10, OutputTokens: 5, Cost: 0.1}}.Apply(s)
	s2 := Patch{AddUsage: &types.TokenUsage{InputTokens: 3, OutputTokens: 2, Cost: 0.05}}.Apply(s1)

	assert.Equal(t, 13, s2.Usage.InputTokens)
	assert.Equal(t, 7, s2.Usage.OutputTokens)
	assert.InDelta(t, 0.15, s2.Usage.Cost, 1e-9)
	// 单调不减
	assert.GreaterOrEqual(t, s2.Usage.Total(), s1.Usage.Total())
}

func TestPatchTranscriptReplaceVsAppend(t *testing.T) {
	s := seededState("t1", 1)
	s.Transcript = []types.Message{
		types.NewUserMessage("one"),
		types.NewAssistantMessage("two"),
	}

	compressed := []types.Message{types.NewSummaryMessage("summary of one/two")}
	ns := Patch{Transcript: &compressed}.Apply(s)
	require.Len(t, ns.Transcript, 1)
	assert.True(t, ns.Transcript[0].Summary)

	ns2 := Patch{AppendTranscript: []types.Message{types.NewUserMessage("three")}}.Apply(ns)
	require.Len(t, ns2.Transcript, 2)
	assert.Equal(t, "three", ns2.Transcript[1].Content)
}

func TestPatchPausedAtLifecycle(t *testing.T) {
	s := seededState("t1", 2)

	paused := Patch{PausedAtIndex: ptr(1)}.Apply(s)
	require.NotNil(t, paused.PausedAtIndex)
	assert.Equal(t, 1, *paused.PausedAtIndex)

	resumed := Patch{ClearPausedAt: true}.Apply(paused)
	assert.Nil(t, resumed.PausedAtIndex)
}

func TestFailurePatchIsTerminal(t *testing.T) {
	s := seededState("t1", 2)
	ns := failurePatch(StepExecuteWorker, types.NewError(types.ErrCapabilityFailure, "llm down")).Apply(s)

	assert.True(t, ns.WorkflowComplete)
	assert.False(t, ns.ShouldContinue)
	assert.Equal(t, types.TaskFailed, ns.TaskStatus)
	assert.Equal(t, StepExecuteWorker, ns.ErrorNode)
	assert.True(t, ns.HasError())
}

func TestClearErrorAndFailureContext(t *testing.T) {
	s := seededState("t1", 1)
	s.ErrorMessage = "boom"
	s.ErrorNode = StepVerifyQA
	s.FailureContext = &types.FailureContext{FinalError: "boom"}

	ns := Patch{ClearError: true, ClearFailureContext: true}.Apply(s)
	assert.False(t, ns.HasError())
	assert.Empty(t, ns.ErrorNode)
	assert.Nil(t, ns.FailureContext)
}
