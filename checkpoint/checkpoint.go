// Package checkpoint persists workflow snapshots so a task can survive
// process restart and resume from its last durable position. Stores keep a
// bounded version history per task; Load always returns the latest version.
package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/engine"
)

// Snapshot is one persisted version of a task's workflow state.
type Snapshot struct {
	TaskID    string                `json:"task_id"`
	Version   int                   `json:"version"`
	State     *engine.WorkflowState `json:"state"`
	CreatedAt time.Time             `json:"created_at"`
}

// Store extends the engine's checkpoint contract with version history.
type Store interface {
	engine.CheckpointStore

	// LoadVersion loads a specific historical version.
	LoadVersion(ctx context.Context, taskID string, version int) (*engine.WorkflowState, error)

	// ListVersions returns snapshot metadata for a task, newest first.
	// The returned snapshots omit State to keep listings cheap.
	ListVersions(ctx context.Context, taskID string) ([]*Snapshot, error)

	// Cleanup removes snapshots older than maxAge and returns the number
	// of tasks whose history was dropped.
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)
}

// DefaultHistoryLimit bounds the per-task version history.
const DefaultHistoryLimit = 20

// ====== 内存实现 ======

// MemoryStore keeps snapshots in process memory. For tests and single-node
// deployments where durability across restarts is not needed.
type MemoryStore struct {
	mu      sync.RWMutex
	history map[string][]*Snapshot
	limit   int
	logger  *zap.Logger
}

// NewMemoryStore creates an in-memory store. limit <= 0 uses
// DefaultHistoryLimit.
func NewMemoryStore(limit int, logger *zap.Logger) *MemoryStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		history: make(map[string][]*Snapshot),
		limit:   limit,
		logger:  logger.With(zap.String("store", "memory_checkpoint")),
	}
}

// Save appends a new version for the task.
func (s *MemoryStore) Save(_ context.Context, state *engine.WorkflowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.history[state.TaskID]
	snap := &Snapshot{
		TaskID:    state.TaskID,
		Version:   nextVersion(versions),
		State:     state.Clone(),
		CreatedAt: time.Now(),
	}
	versions = append(versions, snap)
	if len(versions) > s.limit {
		versions = versions[len(versions)-s.limit:]
	}
	s.history[state.TaskID] = versions

	s.logger.Debug("checkpoint saved",
		zap.String("task_id", state.TaskID),
		zap.Int("version", snap.Version),
	)
	return nil
}

// Load returns the latest version.
func (s *MemoryStore) Load(_ context.Context, taskID string) (*engine.WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.history[taskID]
	if len(versions) == 0 {
		return nil, engine.ErrCheckpointNotFound
	}
	return versions[len(versions)-1].State.Clone(), nil
}

// LoadVersion returns a specific historical version.
func (s *MemoryStore) LoadVersion(_ context.Context, taskID string, version int) (*engine.WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, snap := range s.history[taskID] {
		if snap.Version == version {
			return snap.State.Clone(), nil
		}
	}
	return nil, engine.ErrCheckpointNotFound
}

// ListVersions returns metadata for the task's history, newest first.
func (s *MemoryStore) ListVersions(_ context.Context, taskID string) ([]*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.history[taskID]
	out := make([]*Snapshot, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		snap := versions[i]
		out = append(out, &Snapshot{
			TaskID:    snap.TaskID,
			Version:   snap.Version,
			CreatedAt: snap.CreatedAt,
		})
	}
	return out, nil
}

// Delete drops the task's entire history.
func (s *MemoryStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, taskID)
	return nil
}

// Cleanup drops histories whose newest snapshot is older than maxAge.
func (s *MemoryStore) Cleanup(_ context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int
	for taskID, versions := range s.history {
		if len(versions) == 0 || versions[len(versions)-1].CreatedAt.Before(cutoff) {
			delete(s.history, taskID)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("checkpoint cleanup", zap.Int("tasks_removed", removed))
	}
	return removed, nil
}

func nextVersion(versions []*Snapshot) int {
	if len(versions) == 0 {
		return 1
	}
	return versions[len(versions)-1].Version + 1
}

// sortSnapshots orders snapshots newest first. Shared by the file and redis
// stores, whose listings come back unordered.
func sortSnapshots(snaps []*Snapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Version > snaps[j].Version
	})
}
