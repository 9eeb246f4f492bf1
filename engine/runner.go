package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/notify"
	"github.com/BaSui01/taskflow/types"
)

// RunStatus is the outcome of one Run/Resume cycle.
type RunStatus string

const (
	// RunCompleted: the workflow reached a terminal state and produced a
	// final response (success or failure report).
	RunCompleted RunStatus = "completed"
	// RunSuspended: execution paused at a breakpoint awaiting a human
	// decision; state is checkpointed.
	RunSuspended RunStatus = "suspended"
	// RunCancelled: an external termination signal aborted the task.
	RunCancelled RunStatus = "cancelled"
)

// RunResult is returned by Run and Resume.
type RunResult struct {
	Status RunStatus
	State  *WorkflowState
}

// ResumeKind identifies the human decision applied on resume.
type ResumeKind string

const (
	// ResumeContinue accepts the worker output as-is.
	ResumeContinue ResumeKind = "continue"
	// ResumeReplace substitutes the reviewer's output for the worker's.
	ResumeReplace ResumeKind = "replace"
	// ResumeRejectFeedback rejects the output with feedback, triggering a
	// synthetic QA retry that folds the feedback into the retry prompt.
	ResumeRejectFeedback ResumeKind = "reject_feedback"
	// ResumeRejectCancel rejects without feedback and cancels the task.
	ResumeRejectCancel ResumeKind = "reject_cancel"
)

// ResumeDecision carries the human review outcome.
type ResumeDecision struct {
	Kind     ResumeKind `json:"kind"`
	Output   string     `json:"output,omitempty"`
	Feedback string     `json:"feedback,omitempty"`
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Nodes       *Nodes
	Policy      RoutePolicy
	Checkpoints CheckpointStore
	Breakpoints *BreakpointController
	Notifier    notify.Notifier
	Signal      TerminationSignal
	Observer    Observer
	Logger      *zap.Logger
	Tracer      trace.Tracer
}

// Runner drives one task's workflow from its current position to a terminal
// state or a suspension point. It owns the WorkflowState exclusively for the
// duration of one execution/resumption cycle.
type Runner struct {
	nodes       *Nodes
	policy      RoutePolicy
	checkpoints CheckpointStore
	breakpoints *BreakpointController
	notifier    notify.Notifier
	signal      TerminationSignal
	observer    Observer
	logger      *zap.Logger
	tracer      trace.Tracer

	table map[string]NodeFunc
}

// NewRunner creates a Runner. Nodes, Checkpoints, and Breakpoints are
// required; the rest default to no-ops.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Nodes == nil {
		return nil, fmt.Errorf("runner requires nodes")
	}
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("runner requires a checkpoint store")
	}
	if cfg.Breakpoints == nil {
		cfg.Breakpoints = NewBreakpointController(cfg.Logger)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NopNotifier{}
	}
	if cfg.Signal == nil {
		cfg.Signal = neverTerminated{}
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("taskflow/engine")
	}
	policy := cfg.Policy
	if policy.MaxRetries <= 0 || policy.MaxReplanIterations <= 0 {
		def := DefaultRoutePolicy()
		if policy.MaxRetries <= 0 {
			policy.MaxRetries = def.MaxRetries
		}
		if policy.MaxReplanIterations <= 0 {
			policy.MaxReplanIterations = def.MaxReplanIterations
		}
	}

	r := &Runner{
		nodes:       cfg.Nodes,
		policy:      policy,
		checkpoints: cfg.Checkpoints,
		breakpoints: cfg.Breakpoints,
		notifier:    cfg.Notifier,
		signal:      cfg.Signal,
		observer:    cfg.Observer,
		logger:      cfg.Logger.With(zap.String("component", "runner")),
		tracer:      cfg.Tracer,
	}
	r.table = map[string]NodeFunc{
		StepAnalyze:        r.nodes.AnalyzeTask,
		StepSelectModel:    r.nodes.SelectModel,
		StepGeneratePrompt: r.nodes.GeneratePrompt,
		StepExecuteWorker:  r.nodes.ExecuteWorker,
		StepVerifyQA:       r.nodes.VerifyQA,
		StepCheckContext:   r.nodes.CheckContext,
		StepSummarize:      r.nodes.Summarize,
		StepAdvance:        r.nodes.Advance,
		StepReplan:         r.nodes.Replan,
		StepRecovery:       r.nodes.Recovery,
		StepRespond:        r.nodes.GenerateResponse,
	}
	return r, nil
}

// Run drives the workflow from the state's current position. It never
// returns an error for in-workflow failures — those become the failure
// report; the error return covers only checkpoint persistence problems at
// a suspension or terminal point.
func (r *Runner) Run(ctx context.Context, state *WorkflowState) (*RunResult, error) {
	// Re-seed the process-local pause guard from a re-hydrated state.
	if state.PausedAtIndex != nil {
		r.breakpoints.MarkPaused(state.TaskID, *state.PausedAtIndex)
	}

	step := state.NextStep
	if step == "" {
		step = StepAnalyze
	}

	for step != StepDone {
		// 取消检查：QA 与断点前后各一次，advisory、非阻塞。
		if step == StepVerifyQA || step == StepBreakpoint {
			if r.terminated(ctx, state.TaskID) {
				return r.finishCancelled(ctx, state)
			}
		}

		if step == StepBreakpoint {
			next, suspended, ns, err := r.breakpointStep(ctx, state)
			if err != nil {
				return nil, err
			}
			state = ns
			if suspended {
				return &RunResult{Status: RunSuspended, State: state}, nil
			}
			step = next
			state.NextStep = step
			continue
		}

		fn, ok := r.table[step]
		if !ok {
			// Fail closed on an unknown step name.
			state = failurePatch(step,
				types.NewError(types.ErrInvalidState, "unknown workflow step")).Apply(state)
			step = r.terminalRoute(state)
			state.NextStep = step
			continue
		}

		prevHadError := state.HasError()
		started := time.Now()

		nodeCtx, span := r.tracer.Start(ctx, "engine."+step,
			trace.WithAttributes(
				attribute.String("task.id", state.TaskID),
				attribute.Int("task.milestone_index", state.CurrentIndex),
			),
		)
		patch := fn(nodeCtx, state)
		state = patch.Apply(state)
		span.End()

		failed := state.HasError() && !prevHadError
		r.observer.NodeExecuted(step, time.Since(started), failed)
		if patch.AddUsage != nil {
			r.observer.TokensRecorded(*patch.AddUsage)
		}
		r.notifier.Publish(ctx, state.TaskID, notify.EventNodeCompleted, map[string]any{
			"node":   step,
			"index":  state.CurrentIndex,
			"failed": failed,
		})
		r.publishStepEvents(ctx, step, state, failed)

		// Post-QA cancellation check.
		if step == StepVerifyQA && r.terminated(ctx, state.TaskID) {
			return r.finishCancelled(ctx, state)
		}

		next := r.route(step, state)
		r.recordTransitions(step, next, state)
		if r.milestoneBoundary(step) {
			if err := r.checkpoints.Save(ctx, state); err != nil {
				r.logger.Warn("checkpoint save failed",
					zap.String("task_id", state.TaskID),
					zap.Error(err),
				)
			}
		}
		step = next
		state.NextStep = step
	}

	return r.finish(ctx, state)
}

// Resume re-hydrates a suspended task from its checkpoint, applies the human
// decision, and continues execution.
func (r *Runner) Resume(ctx context.Context, taskID string, decision ResumeDecision) (*RunResult, error) {
	state, err := r.checkpoints.Load(ctx, taskID)
	if err != nil {
		return nil, types.NewError(types.ErrCheckpointMissing,
			"no checkpoint to resume from").WithCause(err)
	}
	if state.PausedAtIndex == nil {
		return nil, types.NewError(types.ErrNotSuspended,
			"task is not suspended at a breakpoint")
	}

	r.breakpoints.ClearPaused(taskID)
	r.notifier.Publish(ctx, taskID, notify.EventReviewResolved, map[string]any{
		"decision": string(decision.Kind),
		"index":    *state.PausedAtIndex,
	})

	switch decision.Kind {
	case ResumeContinue:
		state = Patch{ClearPausedAt: true}.Apply(state)
		state.NextStep = StepVerifyQA

	case ResumeReplace:
		milestones := cloneMilestones(state.Milestones)
		if state.CurrentIndex < len(milestones) {
			milestones[state.CurrentIndex].WorkerOutput = decision.Output
		}
		state = Patch{
			Milestones:    &milestones,
			CurrentOutput: ptr(decision.Output),
			ClearPausedAt: true,
		}.Apply(state)
		state.NextStep = StepVerifyQA

	case ResumeRejectFeedback:
		// Synthetic QA retry: equivalent to a validation rejection, so the
		// worker re-runs with the feedback folded into the retry prompt.
		// Does not touch the replan counter.
		milestones := cloneMilestones(state.Milestones)
		if state.CurrentIndex < len(milestones) {
			milestones[state.CurrentIndex].LatestFeedback = decision.Feedback
		}
		state = Patch{
			Milestones:        &milestones,
			CurrentQADecision: ptr(types.QARetry),
			CurrentQAFeedback: ptr(decision.Feedback),
			ClearPausedAt:     true,
		}.Apply(state)
		state.NextStep = StepAdvance

	case ResumeRejectCancel:
		state = Patch{ClearPausedAt: true}.Apply(state)
		return r.finishCancelled(ctx, state)

	default:
		return nil, types.NewError(types.ErrInvalidState,
			fmt.Sprintf("unknown resume decision %q", decision.Kind))
	}

	return r.Run(ctx, state)
}

// breakpointStep implements the Running -> Suspended transition. It is two
// explicit transitions rather than a blocking call: suspend persists the
// snapshot and returns; resume loads it and continues from the next step.
func (r *Runner) breakpointStep(ctx context.Context, state *WorkflowState) (next string, suspended bool, _ *WorkflowState, err error) {
	taskID := state.TaskID
	idx := state.CurrentIndex

	enabled := r.breakpoints.Enabled(taskID, state.BreakpointsEnabled) &&
		state.IsBreakpointStep(StepBreakpoint)
	if !enabled {
		return StepVerifyQA, false, state, nil
	}

	// Idempotent re-entry: already paused at this index without a resume —
	// no second suspension record, no second notification.
	if r.breakpoints.IsPausedAt(taskID, idx) ||
		(state.PausedAtIndex != nil && *state.PausedAtIndex == idx) {
		return "", true, state, nil
	}

	r.breakpoints.MarkPaused(taskID, idx)
	state = Patch{PausedAtIndex: ptr(idx)}.Apply(state)
	state.NextStep = StepBreakpoint

	if err := r.checkpoints.Save(ctx, state); err != nil {
		return "", false, state, fmt.Errorf("persist suspension checkpoint: %w", err)
	}

	output := ""
	if m := state.CurrentMilestone(); m != nil {
		output = m.WorkerOutput
	}
	r.notifier.Publish(ctx, taskID, notify.EventReviewRequested, map[string]any{
		"index":  idx,
		"output": output,
	})
	r.logger.Info("suspended at breakpoint",
		zap.String("task_id", taskID),
		zap.Int("index", idx),
	)
	return "", true, state, nil
}

// route selects the next step. Terminal FAILED states always route through
// Recovery exactly once before the final response; cancellation bypasses
// both recovery and reporting.
func (r *Runner) route(step string, s *WorkflowState) string {
	// Capability failures mark the workflow complete mid-graph.
	if s.WorkflowComplete && step != StepAdvance && step != StepRecovery && step != StepRespond {
		return r.terminalRoute(s)
	}

	switch step {
	case StepAnalyze:
		return StepSelectModel
	case StepSelectModel:
		if SelectPromptRoute(s) == RouteGenerate {
			return StepGeneratePrompt
		}
		return StepExecuteWorker
	case StepGeneratePrompt:
		return StepExecuteWorker
	case StepExecuteWorker:
		return StepBreakpoint
	case StepVerifyQA:
		return StepCheckContext
	case StepCheckContext:
		if SelectCompressionRoute(s) == RouteSummarize {
			return StepSummarize
		}
		return r.qaRoute(s)
	case StepSummarize:
		return r.qaRoute(s)
	case StepAdvance:
		switch SelectAdvanceRoute(s) {
		case RouteComplete:
			return r.terminalRoute(s)
		case RouteNextMilestone:
			return StepSelectModel
		default:
			return StepExecuteWorker
		}
	case StepReplan:
		return StepSelectModel
	case StepRecovery:
		if SelectRecoveryRoute(s) == RouteStrategyRetry {
			return StepSelectModel
		}
		return StepRespond
	case StepRespond:
		return StepDone
	default:
		return StepDone
	}
}

func (r *Runner) qaRoute(s *WorkflowState) string {
	switch r.policy.SelectQARoute(s) {
	case RouteReplan:
		return StepReplan
	case RouteNext, RouteRetry:
		return StepAdvance
	default: // RouteFail
		if s.HasError() || s.WorkflowComplete {
			return r.terminalRoute(s)
		}
		// Advance fail-closed converts the exhausted decision to terminal.
		return StepAdvance
	}
}

// terminalRoute decides what follows a workflow_complete marker.
func (r *Runner) terminalRoute(s *WorkflowState) string {
	if s.TaskStatus == types.TaskCancelled {
		return StepDone
	}
	if s.TaskStatus == types.TaskFailed && s.FailureContext == nil {
		return StepRecovery
	}
	return StepRespond
}

func (r *Runner) milestoneBoundary(step string) bool {
	switch step {
	case StepAnalyze, StepAdvance, StepReplan, StepRecovery:
		return true
	default:
		return false
	}
}

func (r *Runner) recordTransitions(step, next string, s *WorkflowState) {
	if step == StepAdvance && next == StepExecuteWorker {
		r.observer.RetryRecorded(s.TaskID)
	}
	if next == StepReplan {
		r.observer.ReplanRecorded(s.TaskID)
	}
}

func (r *Runner) publishStepEvents(ctx context.Context, step string, s *WorkflowState, failed bool) {
	if failed {
		return
	}
	switch step {
	case StepAnalyze:
		r.notifier.Publish(ctx, s.TaskID, notify.EventPlanCreated, map[string]any{
			"milestones": len(s.Milestones),
		})
	case StepReplan:
		r.notifier.Publish(ctx, s.TaskID, notify.EventPlanUpdated, map[string]any{
			"iteration":  s.ReplanCount,
			"milestones": len(s.Milestones),
		})
	case StepRecovery:
		if !s.WorkflowComplete {
			r.notifier.Publish(ctx, s.TaskID, notify.EventStrategyRetry, map[string]any{
				"milestones": len(s.Milestones),
			})
		}
	}
}

func (r *Runner) terminated(ctx context.Context, taskID string) bool {
	if ctx.Err() != nil {
		return true
	}
	return r.signal.IsTerminated(taskID)
}

// finish persists the terminal state and clears breakpoint bookkeeping.
func (r *Runner) finish(ctx context.Context, state *WorkflowState) (*RunResult, error) {
	state.NextStep = StepDone
	if err := r.checkpoints.Save(ctx, state); err != nil {
		return nil, fmt.Errorf("persist terminal checkpoint: %w", err)
	}
	r.breakpoints.ClearTask(state.TaskID)
	r.observer.TaskFinished(state.TaskStatus)

	r.logger.Info("workflow finished",
		zap.String("task_id", state.TaskID),
		zap.String("status", string(state.TaskStatus)),
		zap.Int("milestones", len(state.Milestones)),
		zap.Int("input_tokens", state.Usage.InputTokens),
		zap.Int("output_tokens", state.Usage.OutputTokens),
		zap.Float64("cost", state.Usage.Cost),
	)
	return &RunResult{Status: RunCompleted, State: state}, nil
}

// finishCancelled marks the task cancelled. No strategy retry and no
// failure report are generated for a user-initiated cancellation.
func (r *Runner) finishCancelled(ctx context.Context, state *WorkflowState) (*RunResult, error) {
	state = Patch{
		TaskStatus:       ptr(types.TaskCancelled),
		WorkflowComplete: ptr(true),
		ShouldContinue:   ptr(false),
		ClearPausedAt:    true,
	}.Apply(state)
	state.NextStep = StepDone

	r.nodes.persistTaskStatus(ctx, state.TaskID, types.TaskCancelled)
	if err := r.checkpoints.Save(ctx, state); err != nil {
		r.logger.Warn("checkpoint save failed on cancel",
			zap.String("task_id", state.TaskID),
			zap.Error(err),
		)
	}
	r.breakpoints.ClearTask(state.TaskID)
	r.observer.TaskFinished(types.TaskCancelled)

	r.logger.Info("workflow cancelled", zap.String("task_id", state.TaskID))
	return &RunResult{Status: RunCancelled, State: state}, nil
}
