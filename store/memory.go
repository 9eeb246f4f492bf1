package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/types"
)

// MemoryStore is an in-process Store. All returned records are deep copies
// so callers cannot alias internal state.
type MemoryStore struct {
	mu         sync.RWMutex
	tasks      map[string]*TaskRecord
	milestones map[string]*types.Milestone
	artifacts  map[string][]*types.Artifact
	logger     *zap.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		tasks:      make(map[string]*TaskRecord),
		milestones: make(map[string]*types.Milestone),
		artifacts:  make(map[string][]*types.Artifact),
		logger:     logger.With(zap.String("store", "memory")),
	}
}

// CreateTask persists a new task record.
func (s *MemoryStore) CreateTask(_ context.Context, task *TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

// GetTask fetches a task by id.
func (s *MemoryStore) GetTask(_ context.Context, taskID string) (*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *task
	return &cp, nil
}

// UpdateTaskStatus records the task's overall status.
func (s *MemoryStore) UpdateTaskStatus(_ context.Context, taskID string, status types.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	task.Status = status
	task.UpdatedAt = time.Now()
	return nil
}

// SetFinalResponse records the task's final response text.
func (s *MemoryStore) SetFinalResponse(_ context.Context, taskID, response string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	task.FinalResponse = response
	task.UpdatedAt = time.Now()
	return nil
}

// CreateMilestones persists a batch of new milestones.
func (s *MemoryStore) CreateMilestones(_ context.Context, milestones []*types.Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range milestones {
		s.milestones[m.ID] = m.Clone()
	}
	return nil
}

// UpdateMilestone persists changes to one milestone.
func (s *MemoryStore) UpdateMilestone(_ context.Context, m *types.Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.milestones[m.ID]; !ok {
		return ErrNotFound
	}
	s.milestones[m.ID] = m.Clone()
	return nil
}

// ReplacePlan applies a replan outcome under the store lock, so no reader
// ever observes a duplicate (task, sequence) pair.
func (s *MemoryStore) ReplacePlan(_ context.Context, taskID string, milestones []*types.Milestone, removedIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range removedIDs {
		delete(s.milestones, id)
	}
	for _, m := range milestones {
		s.milestones[m.ID] = m.Clone()
	}
	return nil
}

// SaveArtifact persists an extracted artifact.
func (s *MemoryStore) SaveArtifact(_ context.Context, a *types.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.artifacts[a.TaskID] = append(s.artifacts[a.TaskID], &cp)
	return nil
}

// ListMilestones returns a task's milestones ordered by sequence.
func (s *MemoryStore) ListMilestones(_ context.Context, taskID string) ([]*types.Milestone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Milestone
	for _, m := range s.milestones {
		if m.TaskID == taskID {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNum < out[j].SequenceNum })
	return out, nil
}

// ListArtifacts returns a task's artifacts in creation order.
func (s *MemoryStore) ListArtifacts(_ context.Context, taskID string) ([]*types.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifacts := s.artifacts[taskID]
	out := make([]*types.Artifact, len(artifacts))
	for i, a := range artifacts {
		cp := *a
		out[i] = &cp
	}
	return out, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
