package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/taskflow/engine"
)

func newTestFileStore(t *testing.T, limit int) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), limit, nil)
	require.NoError(t, err)
	return store
}

func TestFileStoreRoundtrip(t *testing.T) {
	store := newTestFileStore(t, 0)
	ctx := context.Background()

	_, err := store.Load(ctx, "t1")
	assert.ErrorIs(t, err, engine.ErrCheckpointNotFound)

	s := testState("t1")
	s.RetryCount = 2
	require.NoError(t, store.Save(ctx, s))

	loaded, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", loaded.TaskID)
	assert.Equal(t, 2, loaded.RetryCount)
	require.Len(t, loaded.Milestones, 1)
	assert.Equal(t, "step 1", loaded.Milestones[0].Description)
}

func TestFileStoreVersionOrdering(t *testing.T) {
	store := newTestFileStore(t, 0)
	ctx := context.Background()

	// 超过 9 个版本以覆盖字典序陷阱：v10 排在 v2 之前。
	s := testState("t1")
	for i := 0; i < 12; i++ {
		s.RetryCount = i
		require.NoError(t, store.Save(ctx, s))
	}

	latest, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 11, latest.RetryCount)

	versions, err := store.ListVersions(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, versions, 12)
	assert.Equal(t, 12, versions[0].Version)
	assert.Equal(t, 1, versions[11].Version)

	v3, err := store.LoadVersion(ctx, "t1", 3)
	require.NoError(t, err)
	assert.Equal(t, 2, v3.RetryCount)
}

func TestFileStoreHistoryLimit(t *testing.T) {
	store := newTestFileStore(t, 3)
	ctx := context.Background()

	s := testState("t1")
	for i := 0; i < 6; i++ {
		require.NoError(t, store.Save(ctx, s))
	}

	versions, err := store.ListVersions(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, 6, versions[0].Version)

	_, err = store.LoadVersion(ctx, "t1", 1)
	assert.ErrorIs(t, err, engine.ErrCheckpointNotFound)
}

func TestFileStoreIgnoresForeignFiles(t *testing.T) {
	store := newTestFileStore(t, 0)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, testState("t1")))

	// 任务目录里混入无关文件不影响版本扫描
	dir := store.taskDir("t1")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vbad.json"), []byte("x"), 0o644))

	versions, err := store.ListVersions(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, versions, 1)

	_, err = store.Load(ctx, "t1")
	require.NoError(t, err)
}

func TestFileStoreDelete(t *testing.T) {
	store := newTestFileStore(t, 0)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, testState("t1")))
	require.NoError(t, store.Delete(ctx, "t1"))

	_, err := store.Load(ctx, "t1")
	assert.ErrorIs(t, err, engine.ErrCheckpointNotFound)
	_, statErr := os.Stat(store.taskDir("t1"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestFileStoreCleanup(t *testing.T) {
	store := newTestFileStore(t, 0)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, testState("t1")))
	require.NoError(t, store.Save(ctx, testState("t2")))

	removed, err := store.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = store.Cleanup(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = store.Load(ctx, "t1")
	assert.ErrorIs(t, err, engine.ErrCheckpointNotFound)
}
