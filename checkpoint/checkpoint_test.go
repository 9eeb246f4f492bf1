package checkpoint

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/taskflow/engine"
	"github.com/BaSui01/taskflow/types"
)

func testState(taskID string) *engine.WorkflowState {
	s := engine.NewWorkflowState("sess", taskID, "build the thing")
	s.Milestones = []*types.Milestone{
		types.NewMilestone(taskID, 0, "step 1", types.ComplexityModerate, "criteria"),
	}
	s.TaskStatus = types.TaskInProgress
	return s
}

func TestMemoryStoreRoundtrip(t *testing.T) {
	store := NewMemoryStore(0, nil)
	ctx := context.Background()

	_, err := store.Load(ctx, "t1")
	assert.ErrorIs(t, err, engine.ErrCheckpointNotFound)

	s := testState("t1")
	s.CurrentIndex = 0
	require.NoError(t, store.Save(ctx, s))

	// 保存后修改原状态不影响快照
	s.CurrentIndex = 99

	loaded, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.CurrentIndex)
	assert.Equal(t, "t1", loaded.TaskID)
	require.Len(t, loaded.Milestones, 1)
}

func TestMemoryStoreVersionHistory(t *testing.T) {
	store := NewMemoryStore(0, nil)
	ctx := context.Background()

	s := testState("t1")
	for i := 0; i < 3; i++ {
		s.RetryCount = i
		require.NoError(t, store.Save(ctx, s))
	}

	versions, err := store.ListVersions(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	// 最新在前
	assert.Equal(t, 3, versions[0].Version)
	assert.Equal(t, 1, versions[2].Version)
	// 列表不携带状态本体
	assert.Nil(t, versions[0].State)

	v2, err := store.LoadVersion(ctx, "t1", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, v2.RetryCount)

	latest, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.RetryCount)

	_, err = store.LoadVersion(ctx, "t1", 42)
	assert.ErrorIs(t, err, engine.ErrCheckpointNotFound)
}

func TestMemoryStoreHistoryLimit(t *testing.T) {
	store := NewMemoryStore(3, nil)
	ctx := context.Background()

	s := testState("t1")
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Save(ctx, s))
	}

	versions, err := store.ListVersions(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	// 旧版本被裁剪，编号继续单调递增
	assert.Equal(t, 5, versions[0].Version)
	assert.Equal(t, 3, versions[2].Version)

	_, err = store.LoadVersion(ctx, "t1", 1)
	assert.ErrorIs(t, err, engine.ErrCheckpointNotFound)
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore(0, nil)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, testState("t1")))
	require.NoError(t, store.Delete(ctx, "t1"))

	_, err := store.Load(ctx, "t1")
	assert.ErrorIs(t, err, engine.ErrCheckpointNotFound)
}

func TestMemoryStoreCleanup(t *testing.T) {
	store := NewMemoryStore(0, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Save(ctx, testState(fmt.Sprintf("t%d", i))))
	}

	// 没有过期的
	removed, err := store.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)

	// 全部过期
	removed, err = store.Cleanup(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	_, err = store.Load(ctx, "t0")
	assert.ErrorIs(t, err, engine.ErrCheckpointNotFound)
}

func TestSortSnapshots(t *testing.T) {
	snaps := []*Snapshot{{Version: 2}, {Version: 7}, {Version: 1}}
	sortSnapshots(snaps)
	assert.Equal(t, 7, snaps[0].Version)
	assert.Equal(t, 2, snaps[1].Version)
	assert.Equal(t, 1, snaps[2].Version)
}
