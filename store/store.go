// Package store provides durable persistence for tasks, milestones, and
// artifacts. The memory implementation backs tests and single-node use; the
// gorm implementation targets sqlite, postgres, and mysql.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/taskflow/engine"
	"github.com/BaSui01/taskflow/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// TaskRecord is the persisted task row.
type TaskRecord struct {
	ID            string           `json:"id" gorm:"primaryKey;size:36"`
	UserRequest   string           `json:"user_request"`
	Status        types.TaskStatus `json:"status" gorm:"size:32;index"`
	FinalResponse string           `json:"final_response,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// TableName maps TaskRecord to the tasks table.
func (TaskRecord) TableName() string { return "tasks" }

// NewTaskRecord creates a pending task with a fresh identifier.
func NewTaskRecord(userRequest string) *TaskRecord {
	now := time.Now()
	return &TaskRecord{
		ID:          uuid.NewString(),
		UserRequest: userRequest,
		Status:      types.TaskPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Store is the full persistence surface. It satisfies the engine's
// Repository contract and adds the task-level operations the supervisor
// needs.
type Store interface {
	engine.Repository

	// CreateTask persists a new task record.
	CreateTask(ctx context.Context, task *TaskRecord) error

	// GetTask fetches a task by id. Returns ErrNotFound when absent.
	GetTask(ctx context.Context, taskID string) (*TaskRecord, error)

	// SetFinalResponse records the task's final response text.
	SetFinalResponse(ctx context.Context, taskID, response string) error

	// ListMilestones returns a task's milestones ordered by sequence.
	ListMilestones(ctx context.Context, taskID string) ([]*types.Milestone, error)

	// ListArtifacts returns a task's artifacts in creation order.
	ListArtifacts(ctx context.Context, taskID string) ([]*types.Artifact, error)

	// Close releases underlying resources.
	Close() error
}
