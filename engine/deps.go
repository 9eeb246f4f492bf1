package engine

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/taskflow/types"
)

// ErrCheckpointNotFound is returned by CheckpointStore.Load when no snapshot
// exists for the task.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Repository is the durable storage collaborator for tasks, milestones, and
// artifacts. Implementations must provide their own concurrency safety
// (per-task isolation is sufficient) and atomic sequence renumbering.
type Repository interface {
	// CreateMilestones persists a batch of new milestones.
	CreateMilestones(ctx context.Context, milestones []*types.Milestone) error

	// UpdateMilestone persists changes to one milestone.
	UpdateMilestone(ctx context.Context, m *types.Milestone) error

	// ReplacePlan atomically applies a replan outcome: removes the given
	// milestone IDs, upserts the rest, and renumbers so (task, sequence)
	// stays unique and gap-free at every externally visible point.
	ReplacePlan(ctx context.Context, taskID string, milestones []*types.Milestone, removedIDs []string) error

	// UpdateTaskStatus records the task's overall status.
	UpdateTaskStatus(ctx context.Context, taskID string, status types.TaskStatus) error

	// SaveArtifact persists an extracted artifact.
	SaveArtifact(ctx context.Context, a *types.Artifact) error
}

// CheckpointStore durably persists WorkflowState snapshots keyed by task id.
// Snapshots must survive process restart.
type CheckpointStore interface {
	Save(ctx context.Context, state *WorkflowState) error
	Load(ctx context.Context, taskID string) (*WorkflowState, error)
	Delete(ctx context.Context, taskID string) error
}

// TerminationSignal reports whether an actor outside the engine (e.g. a
// user-initiated cancel) has terminated the task. The check is advisory and
// non-blocking.
type TerminationSignal interface {
	IsTerminated(taskID string) bool
}

// Observer receives engine metrics. Implementations must be safe for
// concurrent use.
type Observer interface {
	NodeExecuted(node string, d time.Duration, failed bool)
	RetryRecorded(taskID string)
	ReplanRecorded(taskID string)
	TokensRecorded(usage types.TokenUsage)
	TaskFinished(status types.TaskStatus)
}

// NopObserver discards all observations.
type NopObserver struct{}

func (NopObserver) NodeExecuted(string, time.Duration, bool) {}
func (NopObserver) RetryRecorded(string)                     {}
func (NopObserver) ReplanRecorded(string)                    {}
func (NopObserver) TokensRecorded(types.TokenUsage)          {}
func (NopObserver) TaskFinished(types.TaskStatus)            {}

// neverTerminated is the default TerminationSignal.
type neverTerminated struct{}

func (neverTerminated) IsTerminated(string) bool { return false }
