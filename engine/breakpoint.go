package engine

import (
	"sync"

	"go.uber.org/zap"
)

// BreakpointController tracks pause/resume bookkeeping per task. It governs
// whether the runner suspends; what the suspended state contains is owned by
// the checkpoint store. Enabling is a late-binding control signal: it can be
// flipped at any time during execution, not only at task creation.
//
// The controller is process-local. The "already paused here" guard is also
// mirrored into WorkflowState.PausedAtIndex so it survives a restart along
// with the checkpoint; on re-hydration the runner re-seeds the controller
// from the state.
type BreakpointController struct {
	mu     sync.RWMutex
	tasks  map[string]*breakpointEntry
	logger *zap.Logger
}

type breakpointEntry struct {
	enabled  *bool // nil = no override, use the state's flag
	pausedAt *int
}

// NewBreakpointController creates a controller.
func NewBreakpointController(logger *zap.Logger) *BreakpointController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakpointController{
		tasks:  make(map[string]*breakpointEntry),
		logger: logger.With(zap.String("component", "breakpoints")),
	}
}

func (c *BreakpointController) entry(taskID string) *breakpointEntry {
	e, ok := c.tasks[taskID]
	if !ok {
		e = &breakpointEntry{}
		c.tasks[taskID] = e
	}
	return e
}

// SetEnabled overrides the breakpoint-enabled flag for a task.
func (c *BreakpointController) SetEnabled(taskID string, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(taskID).enabled = &enabled
	c.logger.Info("breakpoint toggled",
		zap.String("task_id", taskID),
		zap.Bool("enabled", enabled),
	)
}

// Enabled reports the effective breakpoint flag: the runtime override when
// set, otherwise the state's own flag.
func (c *BreakpointController) Enabled(taskID string, stateDefault bool) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.tasks[taskID]; ok && e.enabled != nil {
		return *e.enabled
	}
	return stateDefault
}

// IsPausedAt reports whether the task is currently paused at the given
// milestone index. Guards re-entrancy: a second entry into the breakpoint
// node at the same index without an intervening resume is a no-op.
func (c *BreakpointController) IsPausedAt(taskID string, index int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.tasks[taskID]
	return ok && e.pausedAt != nil && *e.pausedAt == index
}

// MarkPaused records the pause position.
func (c *BreakpointController) MarkPaused(taskID string, index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := index
	c.entry(taskID).pausedAt = &idx
}

// ClearPaused clears the pause marker; called on resume.
func (c *BreakpointController) ClearPaused(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.tasks[taskID]; ok {
		e.pausedAt = nil
	}
}

// ClearTask drops all bookkeeping for a task; called on termination.
func (c *BreakpointController) ClearTask(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tasks, taskID)
}
