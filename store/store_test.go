package store

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/taskflow/types"
)

// 两个实现跑同一组契约测试。
func openStores(t *testing.T) map[string]Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	gs, err := NewGormStore(db, nil)
	require.NoError(t, err)
	t.Cleanup(func() { gs.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(nil),
		"gorm":   gs,
	}
}

func plan(taskID string, n int) []*types.Milestone {
	out := make([]*types.Milestone, n)
	for i := range out {
		out[i] = types.NewMilestone(taskID, i, "step", types.ComplexityModerate, "criteria")
	}
	return out
}

func TestTaskLifecycle(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			task := NewTaskRecord("build the thing")
			require.NoError(t, s.CreateTask(ctx, task))

			got, err := s.GetTask(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, "build the thing", got.UserRequest)
			assert.Equal(t, types.TaskPending, got.Status)

			require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, types.TaskInProgress))
			require.NoError(t, s.SetFinalResponse(ctx, task.ID, "all done"))

			got, err = s.GetTask(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, types.TaskInProgress, got.Status)
			assert.Equal(t, "all done", got.FinalResponse)
		})
	}
}

func TestTaskNotFound(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.GetTask(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.UpdateTaskStatus(ctx, "missing", types.TaskFailed), ErrNotFound)
			assert.ErrorIs(t, s.SetFinalResponse(ctx, "missing", "x"), ErrNotFound)
		})
	}
}

func TestMilestoneLifecycle(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			taskID := "task-" + name

			ms := plan(taskID, 3)
			require.NoError(t, s.CreateMilestones(ctx, ms))

			ms[1].Status = types.MilestonePassed
			ms[1].WorkerOutput = "result"
			require.NoError(t, s.UpdateMilestone(ctx, ms[1]))

			listed, err := s.ListMilestones(ctx, taskID)
			require.NoError(t, err)
			require.Len(t, listed, 3)
			for i, m := range listed {
				assert.Equal(t, i, m.SequenceNum)
			}
			assert.Equal(t, types.MilestonePassed, listed[1].Status)
			assert.Equal(t, "result", listed[1].WorkerOutput)

			unknown := types.NewMilestone(taskID, 99, "ghost", types.ComplexitySimple, "")
			assert.ErrorIs(t, s.UpdateMilestone(ctx, unknown), ErrNotFound)
		})
	}
}

func TestReplacePlanRenumbers(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			taskID := "task-" + name

			ms := plan(taskID, 4)
			require.NoError(t, s.CreateMilestones(ctx, ms))

			// 删除第 2 个，在其位置插入新的，序列整体前移：唯一索引
			// (task_id, sequence_num) 在事务内全程成立。
			inserted := types.NewMilestone(taskID, 1, "inserted", types.ComplexityComplex, "criteria")
			inserted.InsertedByReplan = true
			next := []*types.Milestone{ms[0], inserted, ms[2], ms[3]}
			for i, m := range next {
				m.SequenceNum = i
			}
			require.NoError(t, s.ReplacePlan(ctx, taskID, next, []string{ms[1].ID}))

			listed, err := s.ListMilestones(ctx, taskID)
			require.NoError(t, err)
			require.Len(t, listed, 4)
			for i, m := range listed {
				assert.Equal(t, i, m.SequenceNum)
			}
			assert.Equal(t, "inserted", listed[1].Description)
			assert.True(t, listed[1].InsertedByReplan)
			for _, m := range listed {
				assert.NotEqual(t, ms[1].ID, m.ID) // 被移除的不再出现
			}
		})
	}
}

func TestReplacePlanSwapsSequenceNumbers(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			taskID := "task-" + name

			ms := plan(taskID, 2)
			require.NoError(t, s.CreateMilestones(ctx, ms))

			// 直接交换两行的序号：没有两阶段重编号这会撞唯一索引。
			ms[0].SequenceNum, ms[1].SequenceNum = 1, 0
			require.NoError(t, s.ReplacePlan(ctx, taskID, []*types.Milestone{ms[1], ms[0]}, nil))

			listed, err := s.ListMilestones(ctx, taskID)
			require.NoError(t, err)
			require.Len(t, listed, 2)
			assert.Equal(t, ms[1].ID, listed[0].ID)
			assert.Equal(t, ms[0].ID, listed[1].ID)
		})
	}
}

func TestReplacePlanIsScopedToTask(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			other := plan("other-"+name, 2)
			require.NoError(t, s.CreateMilestones(ctx, other))

			ms := plan("task-"+name, 2)
			require.NoError(t, s.CreateMilestones(ctx, ms))
			require.NoError(t, s.ReplacePlan(ctx, "task-"+name, ms, nil))

			listed, err := s.ListMilestones(ctx, "other-"+name)
			require.NoError(t, err)
			require.Len(t, listed, 2)
			for i, m := range listed {
				assert.Equal(t, i, m.SequenceNum)
			}
		})
	}
}

func TestArtifacts(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			taskID := "task-" + name

			a1 := types.NewArtifact(taskID, "m1", "go", "package main")
			a2 := types.NewArtifact(taskID, "m1", "", "plain text")
			require.NoError(t, s.SaveArtifact(ctx, a1))
			require.NoError(t, s.SaveArtifact(ctx, a2))

			listed, err := s.ListArtifacts(ctx, taskID)
			require.NoError(t, err)
			require.Len(t, listed, 2)
			assert.Equal(t, "go", listed[0].Language)
			assert.Equal(t, "plain text", listed[1].Content)

			empty, err := s.ListArtifacts(ctx, "missing")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestOpenGormRejectsUnknownDriver(t *testing.T) {
	_, err := OpenGorm(GormConfig{Driver: "oracle"}, nil)
	assert.Error(t, err)
}
