package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/engine"
)

// FileStore persists snapshots as JSON files under a base directory, one
// subdirectory per task. Writes go through a temp file plus rename so a
// crash mid-write never leaves a truncated snapshot.
//
// Layout:
//
//	<base>/<taskID>/v<version>.json
type FileStore struct {
	base   string
	limit  int
	logger *zap.Logger
}

// NewFileStore creates the base directory if needed.
func NewFileStore(base string, limit int, logger *zap.Logger) (*FileStore, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{
		base:   base,
		limit:  limit,
		logger: logger.With(zap.String("store", "file_checkpoint")),
	}, nil
}

// Save writes the next version atomically and prunes history past the limit.
func (s *FileStore) Save(_ context.Context, state *engine.WorkflowState) error {
	dir := s.taskDir(state.TaskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create task checkpoint dir: %w", err)
	}

	versions, err := s.versions(state.TaskID)
	if err != nil {
		return err
	}
	version := 1
	if len(versions) > 0 {
		version = versions[len(versions)-1] + 1
	}

	snap := &Snapshot{
		TaskID:    state.TaskID,
		Version:   version,
		State:     state,
		CreatedAt: time.Now(),
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	final := s.versionPath(state.TaskID, version)
	tmp, err := os.CreateTemp(dir, ".ckpt-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit checkpoint: %w", err)
	}

	// 裁剪历史版本，保留最近 limit 个。
	for len(versions) >= s.limit {
		os.Remove(s.versionPath(state.TaskID, versions[0]))
		versions = versions[1:]
	}

	s.logger.Debug("checkpoint saved",
		zap.String("task_id", state.TaskID),
		zap.Int("version", version),
	)
	return nil
}

// Load reads the latest version.
func (s *FileStore) Load(ctx context.Context, taskID string) (*engine.WorkflowState, error) {
	versions, err := s.versions(taskID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, engine.ErrCheckpointNotFound
	}
	return s.LoadVersion(ctx, taskID, versions[len(versions)-1])
}

// LoadVersion reads one historical version.
func (s *FileStore) LoadVersion(_ context.Context, taskID string, version int) (*engine.WorkflowState, error) {
	data, err := os.ReadFile(s.versionPath(taskID, version))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, engine.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return snap.State, nil
}

// ListVersions returns version metadata, newest first.
func (s *FileStore) ListVersions(_ context.Context, taskID string) ([]*Snapshot, error) {
	versions, err := s.versions(taskID)
	if err != nil {
		return nil, err
	}
	out := make([]*Snapshot, 0, len(versions))
	for _, v := range versions {
		info, err := os.Stat(s.versionPath(taskID, v))
		if err != nil {
			continue
		}
		out = append(out, &Snapshot{
			TaskID:    taskID,
			Version:   v,
			CreatedAt: info.ModTime(),
		})
	}
	sortSnapshots(out)
	return out, nil
}

// Delete removes the task's history directory.
func (s *FileStore) Delete(_ context.Context, taskID string) error {
	return os.RemoveAll(s.taskDir(taskID))
}

// Cleanup removes task directories whose newest snapshot predates maxAge.
func (s *FileStore) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)

	entries, err := os.ReadDir(s.base)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint dir: %w", err)
	}

	var removed int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		taskID := entry.Name()
		snaps, err := s.ListVersions(ctx, taskID)
		if err != nil {
			continue
		}
		if len(snaps) == 0 || snaps[0].CreatedAt.Before(cutoff) {
			if err := os.RemoveAll(s.taskDir(taskID)); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		s.logger.Info("checkpoint cleanup", zap.Int("tasks_removed", removed))
	}
	return removed, nil
}

func (s *FileStore) taskDir(taskID string) string {
	return filepath.Join(s.base, taskID)
}

func (s *FileStore) versionPath(taskID string, version int) string {
	return filepath.Join(s.taskDir(taskID), fmt.Sprintf("v%d.json", version))
}

// versions lists existing version numbers for a task in ascending order.
func (s *FileStore) versions(taskID string) ([]int, error) {
	entries, err := os.ReadDir(s.taskDir(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read task checkpoint dir: %w", err)
	}
	var out []int
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, ".json") {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "v"), ".json"))
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	// ReadDir 按文件名排序，v10 会排在 v2 前面，这里重新按数值排序。
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}
