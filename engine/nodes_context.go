package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/capability"
	"github.com/BaSui01/taskflow/types"
)

// CheckContext compares the current context token estimate against the
// budget and raises the compression flag when the ratio crosses the
// threshold.
func (n *Nodes) CheckContext(_ context.Context, s *WorkflowState) Patch {
	if s.MaxContextTokens <= 0 {
		return Patch{NeedsCompression: ptr(false)}
	}
	pressure := s.ContextPressure()
	needs := pressure >= n.threshold

	if needs {
		n.logger.Info("context pressure over threshold",
			zap.String("task_id", s.TaskID),
			zap.Float64("pressure", pressure),
			zap.Float64("threshold", n.threshold),
		)
	}
	return Patch{NeedsCompression: ptr(needs)}
}

// keepTailCount returns how many trailing messages survive compression
// verbatim. The keep window shrinks as pressure increases.
func keepTailCount(pressure float64) int {
	switch {
	case pressure > 0.95:
		return 2
	case pressure > 0.90:
		return 3
	case pressure > 0.85:
		return 4
	default:
		return 5
	}
}

// Summarize compresses the oldest portion of the transcript into one
// synthetic leading summary message, keeping the most recent K messages
// verbatim. A summarization failure is recoverable: the transcript is left
// untouched and the flag cleared rather than failing the task.
func (n *Nodes) Summarize(ctx context.Context, s *WorkflowState) Patch {
	keep := keepTailCount(s.ContextPressure())
	if len(s.Transcript) <= keep {
		return Patch{NeedsCompression: ptr(false)}
	}

	head := s.Transcript[:len(s.Transcript)-keep]
	tail := s.Transcript[len(s.Transcript)-keep:]

	params := capability.Params{
		"prior_summary": s.Summary,
		"message_count": len(head),
	}
	summary, usage, err := n.agent.Invoke(ctx, capability.StepSummarize, params, head)
	if err != nil {
		n.logger.Warn("transcript summarization failed, keeping transcript",
			zap.String("task_id", s.TaskID),
			zap.Error(err),
		)
		return Patch{NeedsCompression: ptr(false), AddUsage: &usage}
	}

	compressed := make([]types.Message, 0, 1+len(tail))
	compressed = append(compressed, types.NewSummaryMessage(summary))
	compressed = append(compressed, tail...)

	tokens := n.counter.CountMessagesTokens(compressed)

	n.logger.Info("transcript compressed",
		zap.String("task_id", s.TaskID),
		zap.Int("before", len(s.Transcript)),
		zap.Int("after", len(compressed)),
		zap.Int("kept_tail", keep),
		zap.Int("tokens", tokens),
	)

	return Patch{
		Transcript:           &compressed,
		Summary:              ptr(summary),
		CurrentContextTokens: ptr(tokens),
		NeedsCompression:     ptr(false),
		AddUsage:             &usage,
	}
}
