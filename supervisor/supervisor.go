// Package supervisor owns task lifecycles: it admits new tasks under a
// concurrency bound, drives each one on its own goroutine, relays human
// review decisions to suspended tasks, and finalizes results into the store.
package supervisor

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/taskflow/engine"
	"github.com/BaSui01/taskflow/notify"
	"github.com/BaSui01/taskflow/store"
	"github.com/BaSui01/taskflow/types"
)

// Config configures a Supervisor. Nodes, Store, and Checkpoints are
// required.
type Config struct {
	Nodes       *engine.Nodes
	Policy      engine.RoutePolicy
	Store       store.Store
	Checkpoints engine.CheckpointStore
	Breakpoints *engine.BreakpointController
	Notifier    notify.Notifier
	Observer    engine.Observer
	Logger      *zap.Logger

	// MaxConcurrent bounds simultaneously running tasks. <= 0 means 8.
	MaxConcurrent int64
}

// StartOptions tune one task's execution.
type StartOptions struct {
	// SessionID groups tasks belonging to one conversation.
	SessionID string
	// PriorContext carries a handover summary from an earlier task.
	PriorContext string
	// BreakpointsEnabled pauses after each worker execution for review.
	BreakpointsEnabled bool
	// MaxContextTokens overrides the model window budget; 0 keeps the
	// engine default behavior (no compression pressure until set).
	MaxContextTokens int
}

// Supervisor admits, tracks, cancels, and finalizes tasks. It is the
// engine's TerminationSignal: Cancel flips a flag the runner polls at its
// cancellation checks.
type Supervisor struct {
	runner      *engine.Runner
	store       store.Store
	checkpoints engine.CheckpointStore
	breakpoints *engine.BreakpointController
	notifier    notify.Notifier
	logger      *zap.Logger
	sem         *semaphore.Weighted

	mu        sync.Mutex
	cancelled map[string]bool
	running   map[string]context.CancelFunc
	wg        sync.WaitGroup
	closed    bool
}

// New creates a Supervisor and its Runner.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("supervisor requires a store")
	}
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("supervisor requires a checkpoint store")
	}
	if cfg.Breakpoints == nil {
		cfg.Breakpoints = engine.NewBreakpointController(cfg.Logger)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NopNotifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}

	s := &Supervisor{
		store:       cfg.Store,
		checkpoints: cfg.Checkpoints,
		breakpoints: cfg.Breakpoints,
		notifier:    cfg.Notifier,
		logger:      cfg.Logger.With(zap.String("component", "supervisor")),
		sem:         semaphore.NewWeighted(maxConcurrent),
		cancelled:   make(map[string]bool),
		running:     make(map[string]context.CancelFunc),
	}

	runner, err := engine.NewRunner(engine.RunnerConfig{
		Nodes:       cfg.Nodes,
		Policy:      cfg.Policy,
		Checkpoints: cfg.Checkpoints,
		Breakpoints: cfg.Breakpoints,
		Notifier:    cfg.Notifier,
		Signal:      s,
		Observer:    cfg.Observer,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.runner = runner
	return s, nil
}

// IsTerminated reports whether Cancel was called for the task. Advisory and
// non-blocking: the runner polls it at its cancellation checks.
func (s *Supervisor) IsTerminated(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[taskID]
}

// Start admits a new task and runs it on its own goroutine. The ctx bounds
// admission (semaphore wait); execution continues on a detached context so
// the caller's deadline does not abort the task.
func (s *Supervisor) Start(ctx context.Context, userRequest string, opts StartOptions) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", fmt.Errorf("supervisor is shut down")
	}
	s.mu.Unlock()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("acquire task slot: %w", err)
	}

	task := store.NewTaskRecord(userRequest)
	if err := s.store.CreateTask(ctx, task); err != nil {
		s.sem.Release(1)
		return "", fmt.Errorf("create task: %w", err)
	}

	state := engine.NewWorkflowState(opts.SessionID, task.ID, userRequest)
	state.PriorContext = opts.PriorContext
	state.BreakpointsEnabled = opts.BreakpointsEnabled
	state.MaxContextTokens = opts.MaxContextTokens
	state.TaskStatus = types.TaskInProgress

	s.notifier.Publish(ctx, task.ID, notify.EventTaskStarted, map[string]any{
		"request": userRequest,
	})
	s.launch(task.ID, func(runCtx context.Context) (*engine.RunResult, error) {
		return s.runner.Run(runCtx, state)
	})
	return task.ID, nil
}

// Resume applies a human review decision to a suspended task and continues
// it on its own goroutine.
func (s *Supervisor) Resume(ctx context.Context, taskID string, decision engine.ResumeDecision) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("supervisor is shut down")
	}
	if _, active := s.running[taskID]; active {
		s.mu.Unlock()
		return types.NewError(types.ErrInvalidState, "task is already running")
	}
	s.mu.Unlock()

	// Validate the suspension before committing a slot.
	st, err := s.checkpoints.Load(ctx, taskID)
	if err != nil {
		return types.NewError(types.ErrCheckpointMissing, "no checkpoint for task").WithCause(err)
	}
	if st.PausedAtIndex == nil {
		return types.NewError(types.ErrNotSuspended, "task is not suspended")
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire task slot: %w", err)
	}
	s.launch(taskID, func(runCtx context.Context) (*engine.RunResult, error) {
		return s.runner.Resume(runCtx, taskID, decision)
	})
	return nil
}

// GetState returns the task's latest checkpointed state.
func (s *Supervisor) GetState(ctx context.Context, taskID string) (*engine.WorkflowState, error) {
	return s.checkpoints.Load(ctx, taskID)
}

// SetBreakpointEnabled overrides breakpoint behavior for a running task.
// Takes effect at the task's next breakpoint evaluation.
func (s *Supervisor) SetBreakpointEnabled(taskID string, enabled bool) {
	s.breakpoints.SetEnabled(taskID, enabled)
}

// Cancel requests termination. The running task observes it at its next
// cancellation check; a suspended task is finalized on its next Resume.
func (s *Supervisor) Cancel(taskID string) {
	s.mu.Lock()
	s.cancelled[taskID] = true
	cancel := s.running[taskID]
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.logger.Info("cancellation requested", zap.String("task_id", taskID))
}

// Shutdown stops admitting tasks and waits for running ones to settle or
// for ctx to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) launch(taskID string, run func(context.Context) (*engine.RunResult, error)) {
	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.running[taskID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		defer cancel()
		defer func() {
			s.mu.Lock()
			delete(s.running, taskID)
			s.mu.Unlock()
		}()

		result, err := run(runCtx)
		if err != nil {
			s.logger.Error("task run failed",
				zap.String("task_id", taskID),
				zap.Error(err),
			)
			return
		}
		s.finalize(taskID, result)
	}()
}

// finalize persists terminal results and publishes the lifecycle event.
// Suspended tasks stay tracked: cancellation flags survive until a terminal
// state so a cancel during review still lands.
func (s *Supervisor) finalize(taskID string, result *engine.RunResult) {
	ctx := context.Background()

	switch result.Status {
	case engine.RunSuspended:
		s.logger.Info("task suspended for review", zap.String("task_id", taskID))
		return

	case engine.RunCancelled:
		s.clearTracking(taskID)
		s.notifier.Publish(ctx, taskID, notify.EventTaskCancelled, nil)
		return
	}

	state := result.State
	if err := s.store.SetFinalResponse(ctx, taskID, state.FinalResponse); err != nil {
		s.logger.Warn("final response persist failed",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	}
	if err := s.store.UpdateTaskStatus(ctx, taskID, state.TaskStatus); err != nil {
		s.logger.Warn("task status persist failed",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	}
	s.clearTracking(taskID)

	kind := notify.EventTaskCompleted
	if state.TaskStatus == types.TaskFailed {
		kind = notify.EventTaskFailed
	}
	s.notifier.Publish(ctx, taskID, kind, map[string]any{
		"status":        string(state.TaskStatus),
		"input_tokens":  state.Usage.InputTokens,
		"output_tokens": state.Usage.OutputTokens,
		"cost":          state.Usage.Cost,
	})
}

func (s *Supervisor) clearTracking(taskID string) {
	s.mu.Lock()
	delete(s.cancelled, taskID)
	s.mu.Unlock()
}
