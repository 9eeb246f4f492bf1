package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/taskflow/types"
)

func TestCloneIsDeep(t *testing.T) {
	s := seededState("t1", 2)
	s.Transcript = []types.Message{types.NewUserMessage("hi")}
	s.PausedAtIndex = ptr(1)
	s.FailureContext = &types.FailureContext{
		AttemptedMilestones: []string{"a"},
		PartialResults:      map[string]string{"a": "out"},
	}

	cp := s.Clone()
	cp.Milestones[0].Status = types.MilestonePassed
	cp.Transcript[0].Content = "changed"
	*cp.PausedAtIndex = 99
	cp.FailureContext.AttemptedMilestones[0] = "changed"
	cp.FailureContext.PartialResults["a"] = "changed"

	assert.Equal(t, types.MilestonePending, s.Milestones[0].Status)
	assert.Equal(t, "hi", s.Transcript[0].Content)
	assert.Equal(t, 1, *s.PausedAtIndex)
	assert.Equal(t, "a", s.FailureContext.AttemptedMilestones[0])
	assert.Equal(t, "out", s.FailureContext.PartialResults["a"])
}

func TestCurrentMilestone(t *testing.T) {
	s := seededState("t1", 2)
	require.NotNil(t, s.CurrentMilestone())
	assert.Equal(t, 0, s.CurrentMilestone().SequenceNum)

	s.CurrentIndex = 2 // 越过末尾：任务完成
	assert.Nil(t, s.CurrentMilestone())

	s.CurrentIndex = -1
	assert.Nil(t, s.CurrentMilestone())
}

func TestContextPressure(t *testing.T) {
	s := seededState("t1", 1)
	assert.Zero(t, s.ContextPressure())

	s.MaxContextTokens = 1000
	s.CurrentContextTokens = 850
	assert.InDelta(t, 0.85, s.ContextPressure(), 1e-9)
}

func TestIsBreakpointStep(t *testing.T) {
	s := seededState("t1", 1)
	assert.True(t, s.IsBreakpointStep(StepBreakpoint))
	assert.False(t, s.IsBreakpointStep(StepVerifyQA))

	s.BreakpointSteps = []string{StepVerifyQA}
	assert.True(t, s.IsBreakpointStep(StepVerifyQA))
	assert.False(t, s.IsBreakpointStep(StepBreakpoint))
}

func TestCheckInvariants(t *testing.T) {
	s := seededState("t1", 3)
	assert.True(t, s.CheckInvariants())

	// index == len 必须伴随 workflow_complete
	s.CurrentIndex = 3
	assert.False(t, s.CheckInvariants())
	s.WorkflowComplete = true
	assert.True(t, s.CheckInvariants())

	s2 := seededState("t1", 3)
	s2.CurrentIndex = 4
	assert.False(t, s2.CheckInvariants())

	s3 := seededState("t1", 3)
	s3.Milestones[1].SequenceNum = 5 // 空洞
	assert.False(t, s3.CheckInvariants())
}
