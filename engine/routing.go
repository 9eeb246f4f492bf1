package engine

import "github.com/BaSui01/taskflow/types"

// Route is a routing decision token returned by the pure route functions.
type Route string

const (
	RouteGenerate       Route = "generate"
	RouteSkip           Route = "skip"
	RouteNext           Route = "next"
	RouteRetry          Route = "retry"
	RouteReplan         Route = "replan"
	RouteFail           Route = "fail"
	RouteSummarize      Route = "summarize"
	RouteComplete       Route = "complete"
	RouteNextMilestone  Route = "next_milestone"
	RouteRetryMilestone Route = "retry_milestone"
	RouteStrategyRetry  Route = "strategy_retry"
	RouteFailureReport  Route = "failure_report"
)

// RoutePolicy carries the bounded-retry configuration consulted by the
// route functions. Both caps are per-milestone/per-task, not global.
type RoutePolicy struct {
	MaxRetries           int
	MaxReplanIterations  int
	CompressionThreshold float64
}

// DefaultRoutePolicy returns the default policy.
func DefaultRoutePolicy() RoutePolicy {
	return RoutePolicy{
		MaxRetries:           3,
		MaxReplanIterations:  3,
		CompressionThreshold: 0.85,
	}
}

// SelectPromptRoute decides whether prompt optimization runs for the current
// milestone. Low-complexity work skips the optimization overhead.
func SelectPromptRoute(s *WorkflowState) Route {
	m := s.CurrentMilestone()
	if m == nil {
		return RouteSkip
	}
	if m.Complexity.AtLeast(types.ComplexityModerate) {
		return RouteGenerate
	}
	return RouteSkip
}

// SelectQARoute maps the validation outcome to the next step. Priority
// order: fatal error / completed workflow first, then a pending replan
// signal, then the QA decision itself. Unknown decisions fail closed.
func (p RoutePolicy) SelectQARoute(s *WorkflowState) Route {
	if s.HasError() || s.WorkflowComplete {
		return RouteFail
	}
	if s.NeedsReplan {
		if s.ReplanCount < p.MaxReplanIterations {
			return RouteReplan
		}
		return RouteFail
	}
	switch s.CurrentQADecision {
	case types.QAPass:
		return RouteNext
	case types.QAFail:
		return RouteFail
	case types.QAReplan:
		if s.ReplanCount < p.MaxReplanIterations {
			return RouteReplan
		}
		return RouteFail
	case types.QARetry:
		if s.RetryCount < p.MaxRetries {
			return RouteRetry
		}
		return RouteFail
	default:
		return RouteFail
	}
}

// SelectCompressionRoute decides whether the transcript is summarized before
// the QA decision is resolved.
func SelectCompressionRoute(s *WorkflowState) Route {
	if s.NeedsCompression {
		return RouteSummarize
	}
	return RouteSkip
}

// SelectAdvanceRoute decides what follows the advance step.
func SelectAdvanceRoute(s *WorkflowState) Route {
	if s.WorkflowComplete {
		return RouteComplete
	}
	if s.ShouldContinue {
		return RouteNextMilestone
	}
	return RouteRetryMilestone
}

// SelectRecoveryRoute decides what follows the recovery step. A successful
// strategy retry clears workflow_complete, so execution restarts; otherwise
// the failure report is generated.
func SelectRecoveryRoute(s *WorkflowState) Route {
	if !s.WorkflowComplete {
		return RouteStrategyRetry
	}
	return RouteFailureReport
}
