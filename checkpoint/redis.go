package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/engine"
)

// RedisStore persists snapshots in Redis for distributed deployments.
// Each version is a JSON value; a sorted set per task indexes versions so
// Load can fetch the newest without scanning.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	limit  int
	logger *zap.Logger
}

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix defaults to "taskflow".
	KeyPrefix string
	// TTL of zero means snapshots never expire.
	TTL time.Duration
	// HistoryLimit <= 0 uses DefaultHistoryLimit.
	HistoryLimit int
}

// NewRedisStore connects and verifies the connection with a ping.
func NewRedisStore(cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg, logger), nil
}

// NewRedisStoreWithClient wraps an existing client (tests use miniredis).
func NewRedisStoreWithClient(client *redis.Client, cfg RedisConfig, logger *zap.Logger) *RedisStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "taskflow"
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		limit:  limit,
		logger: logger.With(zap.String("store", "redis_checkpoint")),
	}
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Save writes the next version and trims the index past the history limit.
func (s *RedisStore) Save(ctx context.Context, state *engine.WorkflowState) error {
	indexKey := s.indexKey(state.TaskID)

	version := 1
	latest, err := s.client.ZRevRangeWithScores(ctx, indexKey, 0, 0).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read version index: %w", err)
	}
	if len(latest) > 0 {
		version = int(latest[0].Score) + 1
	}

	snap := &Snapshot{
		TaskID:    state.TaskID,
		Version:   version,
		State:     state,
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.versionKey(state.TaskID, version), data, s.ttl)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(version), Member: strconv.Itoa(version)})
	if s.ttl > 0 {
		pipe.Expire(ctx, indexKey, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}

	// 删除超出 limit 的旧版本。
	stale, err := s.client.ZRange(ctx, indexKey, 0, int64(-s.limit-1)).Result()
	if err == nil && len(stale) > 0 {
		pipe := s.client.TxPipeline()
		for _, member := range stale {
			if v, convErr := strconv.Atoi(member); convErr == nil {
				pipe.Del(ctx, s.versionKey(state.TaskID, v))
			}
			pipe.ZRem(ctx, indexKey, member)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			s.logger.Warn("checkpoint history trim failed",
				zap.String("task_id", state.TaskID),
				zap.Error(err),
			)
		}
	}

	s.logger.Debug("checkpoint saved",
		zap.String("task_id", state.TaskID),
		zap.Int("version", version),
	)
	return nil
}

// Load reads the latest version.
func (s *RedisStore) Load(ctx context.Context, taskID string) (*engine.WorkflowState, error) {
	latest, err := s.client.ZRevRange(ctx, s.indexKey(taskID), 0, 0).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read version index: %w", err)
	}
	if len(latest) == 0 {
		return nil, engine.ErrCheckpointNotFound
	}
	version, err := strconv.Atoi(latest[0])
	if err != nil {
		return nil, fmt.Errorf("corrupt version index entry %q", latest[0])
	}
	return s.LoadVersion(ctx, taskID, version)
}

// LoadVersion reads one historical version.
func (s *RedisStore) LoadVersion(ctx context.Context, taskID string, version int) (*engine.WorkflowState, error) {
	data, err := s.client.Get(ctx, s.versionKey(taskID, version)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
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
func (s *RedisStore) ListVersions(ctx context.Context, taskID string) ([]*Snapshot, error) {
	members, err := s.client.ZRevRange(ctx, s.indexKey(taskID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read version index: %w", err)
	}

	out := make([]*Snapshot, 0, len(members))
	for _, member := range members {
		version, convErr := strconv.Atoi(member)
		if convErr != nil {
			continue
		}
		data, getErr := s.client.Get(ctx, s.versionKey(taskID, version)).Bytes()
		if getErr != nil {
			continue
		}
		var snap Snapshot
		if json.Unmarshal(data, &snap) != nil {
			continue
		}
		out = append(out, &Snapshot{
			TaskID:    snap.TaskID,
			Version:   snap.Version,
			CreatedAt: snap.CreatedAt,
		})
	}
	sortSnapshots(out)
	return out, nil
}

// Delete drops the task's versions and index.
func (s *RedisStore) Delete(ctx context.Context, taskID string) error {
	members, err := s.client.ZRange(ctx, s.indexKey(taskID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read version index: %w", err)
	}
	pipe := s.client.TxPipeline()
	for _, member := range members {
		if v, convErr := strconv.Atoi(member); convErr == nil {
			pipe.Del(ctx, s.versionKey(taskID, v))
		}
	}
	pipe.Del(ctx, s.indexKey(taskID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return nil
}

// Cleanup removes tasks whose newest snapshot predates maxAge. With a TTL
// configured Redis expires entries on its own; this covers the TTL-less
// configuration.
func (s *RedisStore) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)

	var removed int
	iter := s.client.Scan(ctx, 0, s.prefix+":ckpt:index:*", 100).Iterator()
	for iter.Next(ctx) {
		indexKey := iter.Val()
		taskID := indexKey[len(s.prefix+":ckpt:index:"):]

		snaps, err := s.ListVersions(ctx, taskID)
		if err != nil {
			continue
		}
		if len(snaps) == 0 || snaps[0].CreatedAt.Before(cutoff) {
			if err := s.Delete(ctx, taskID); err == nil {
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan checkpoint index: %w", err)
	}
	if removed > 0 {
		s.logger.Info("checkpoint cleanup", zap.Int("tasks_removed", removed))
	}
	return removed, nil
}

func (s *RedisStore) indexKey(taskID string) string {
	return fmt.Sprintf("%s:ckpt:index:%s", s.prefix, taskID)
}

func (s *RedisStore) versionKey(taskID string, version int) string {
	return fmt.Sprintf("%s:ckpt:v:%s:%d", s.prefix, taskID, version)
}
