package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/taskflow/types"
)

// renumberOffset pushes sequence numbers out of their normal range during
// the first phase of a replan rewrite, so the (task, sequence) unique index
// never sees a transient duplicate.
const renumberOffset = 1_000_000

// GormConfig configures the database-backed store.
type GormConfig struct {
	// Driver is one of "sqlite", "postgres", "mysql".
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the driver-specific connection string. For sqlite this is the
	// database file path (":memory:" for an ephemeral database).
	DSN string `yaml:"dsn" json:"dsn"`

	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// DefaultGormConfig returns an embedded sqlite configuration.
func DefaultGormConfig() GormConfig {
	return GormConfig{
		Driver:          "sqlite",
		DSN:             "taskflow.db",
		MaxIdleConns:    10,
		MaxOpenConns:    100,
		ConnMaxLifetime: time.Hour,
	}
}

// GormStore is the database-backed Store.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// OpenGorm connects per the config, migrates the schema, and configures the
// connection pool.
func OpenGorm(cfg GormConfig, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: sqlite, postgres, mysql)", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(&TaskRecord{}, &types.Milestone{}, &types.Artifact{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	logger.Info("database connected",
		zap.String("driver", cfg.Driver),
	)
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("store", "gorm")),
	}, nil
}

// NewGormStore wraps an already-open connection (tests use an in-memory
// sqlite handle).
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&TaskRecord{}, &types.Milestone{}, &types.Artifact{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("store", "gorm")),
	}, nil
}

// CreateTask persists a new task record.
func (s *GormStore) CreateTask(ctx context.Context, task *TaskRecord) error {
	return s.db.WithContext(ctx).Create(task).Error
}

// GetTask fetches a task by id.
func (s *GormStore) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	var task TaskRecord
	err := s.db.WithContext(ctx).First(&task, "id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTaskStatus records the task's overall status.
func (s *GormStore) UpdateTaskStatus(ctx context.Context, taskID string, status types.TaskStatus) error {
	res := s.db.WithContext(ctx).Model(&TaskRecord{}).
		Where("id = ?", taskID).
		Updates(map[string]any{"status": status, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetFinalResponse records the task's final response text.
func (s *GormStore) SetFinalResponse(ctx context.Context, taskID, response string) error {
	res := s.db.WithContext(ctx).Model(&TaskRecord{}).
		Where("id = ?", taskID).
		Updates(map[string]any{"final_response": response, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateMilestones persists a batch of new milestones.
func (s *GormStore) CreateMilestones(ctx context.Context, milestones []*types.Milestone) error {
	if len(milestones) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(milestones).Error
}

// UpdateMilestone persists changes to one milestone.
func (s *GormStore) UpdateMilestone(ctx context.Context, m *types.Milestone) error {
	res := s.db.WithContext(ctx).Model(&types.Milestone{}).
		Where("id = ?", m.ID).
		Select("*").Omit("id", "created_at").
		Updates(m)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplacePlan applies a replan outcome in one transaction. The rewrite is
// two-phase: existing rows first move to out-of-range sequence numbers, then
// every surviving row gets its final number, so the unique (task, sequence)
// index holds at every point inside the transaction.
func (s *GormStore) ReplacePlan(ctx context.Context, taskID string, milestones []*types.Milestone, removedIDs []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(removedIDs) > 0 {
			if err := tx.Where("id IN ?", removedIDs).
				Delete(&types.Milestone{}).Error; err != nil {
				return fmt.Errorf("remove milestones: %w", err)
			}
		}

		// Phase 1: park surviving rows outside the live sequence range.
		if err := tx.Model(&types.Milestone{}).
			Where("task_id = ?", taskID).
			Update("sequence_num", gorm.Expr("sequence_num + ?", renumberOffset)).Error; err != nil {
			return fmt.Errorf("park sequence numbers: %w", err)
		}

		// Phase 2: upsert every milestone with its final number.
		now := time.Now()
		for _, m := range milestones {
			m.UpdatedAt = now
			res := tx.Model(&types.Milestone{}).
				Where("id = ?", m.ID).
				Select("*").Omit("id", "created_at").
				Updates(m)
			if res.Error != nil {
				return fmt.Errorf("update milestone %s: %w", m.ID, res.Error)
			}
			if res.RowsAffected == 0 {
				if err := tx.Create(m).Error; err != nil {
					return fmt.Errorf("insert milestone %s: %w", m.ID, err)
				}
			}
		}
		return nil
	})
}

// SaveArtifact persists an extracted artifact.
func (s *GormStore) SaveArtifact(ctx context.Context, a *types.Artifact) error {
	return s.db.WithContext(ctx).Create(a).Error
}

// ListMilestones returns a task's milestones ordered by sequence.
func (s *GormStore) ListMilestones(ctx context.Context, taskID string) ([]*types.Milestone, error) {
	var out []*types.Milestone
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("sequence_num ASC").
		Find(&out).Error
	return out, err
}

// ListArtifacts returns a task's artifacts in creation order.
func (s *GormStore) ListArtifacts(ctx context.Context, taskID string) ([]*types.Artifact, error) {
	var out []*types.Artifact
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
