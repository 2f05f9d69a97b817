package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/batch-extractor/internal/config"
	"github.com/spherical/batch-extractor/internal/domain"
)

func record(id string) domain.CheckpointRecord {
	return domain.CheckpointRecord{
		TaskID:      id,
		OutputPath:  "/out/" + id + ".md",
		CompletedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// testStoreContract exercises the behaviour every driver shares.
func testStoreContract(t *testing.T, store domain.CheckpointStore) {
	ctx := context.Background()

	t.Run("mark and query", func(t *testing.T) {
		ok, err := store.IsCompleted(ctx, "task-a")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, store.MarkCompleted(ctx, record("task-a")))

		ok, err = store.IsCompleted(ctx, "task-a")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("re-marking is not an error", func(t *testing.T) {
		again := record("task-a")
		again.Note = "second"
		require.NoError(t, store.MarkCompleted(ctx, again))

		all, err := store.Completed(ctx)
		require.NoError(t, err)
		assert.Empty(t, all["task-a"].Note, "first record wins")
		assert.Equal(t, "/out/task-a.md", all["task-a"].OutputPath)
	})

	t.Run("empty id rejected", func(t *testing.T) {
		assert.Error(t, store.MarkCompleted(ctx, domain.CheckpointRecord{}))
	})

	t.Run("concurrent marks", func(t *testing.T) {
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					assert.NoError(t, store.MarkCompleted(ctx, record(fmt.Sprintf("w%d-%d", w, i))))
				}
			}(w)
		}
		wg.Wait()

		all, err := store.Completed(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 161)
	})
}

func TestFileStore_Contract(t *testing.T) {
	store, err := OpenFileStore(filepath.Join(t.TempDir(), "cp", "checkpoint.jsonl"))
	require.NoError(t, err)
	defer store.Close()

	testStoreContract(t, store)
}

func TestSQLiteStore_Contract(t *testing.T) {
	store, err := OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "cp", "checkpoint.db"))
	require.NoError(t, err)
	defer store.Close()

	testStoreContract(t, store)
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.jsonl")
	ctx := context.Background()

	store, err := OpenFileStore(path)
	require.NoError(t, err)
	require.NoError(t, store.MarkCompleted(ctx, record("a")))
	require.NoError(t, store.MarkCompleted(ctx, record("b")))
	require.NoError(t, store.Close())

	reopened, err := OpenFileStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	all, err := reopened.Completed(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, record("b").CompletedAt, all["b"].CompletedAt)
	assert.Equal(t, path, reopened.Path())
}

func TestFileStore_DropsTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.jsonl")
	ctx := context.Background()

	store, err := OpenFileStore(path)
	require.NoError(t, err)
	require.NoError(t, store.MarkCompleted(ctx, record("a")))
	require.NoError(t, store.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"task_id":"b","output_pa`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	store, err = OpenFileStore(path)
	require.NoError(t, err)
	ok, _ := store.IsCompleted(ctx, "b")
	assert.False(t, ok, "unterminated record was never acknowledged")

	require.NoError(t, store.MarkCompleted(ctx, record("c")))
	require.NoError(t, store.Close())

	store, err = OpenFileStore(path)
	require.NoError(t, err)
	defer store.Close()
	all, err := store.Completed(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Contains(t, all, "a")
	assert.Contains(t, all, "c")
}

func TestFileStore_MarkAfterClose(t *testing.T) {
	store, err := OpenFileStore(filepath.Join(t.TempDir(), "checkpoint.jsonl"))
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	assert.Error(t, store.MarkCompleted(context.Background(), record("a")))
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.db")
	ctx := context.Background()

	store, err := OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.MarkCompleted(ctx, record("a")))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	all, err := reopened.Completed(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, record("a").CompletedAt.Equal(all["a"].CompletedAt))
}

func TestOpen_SelectsDriver(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()
	cfg.Input.OutputFolder = t.TempDir()

	store, err := Open(ctx, cfg)
	require.NoError(t, err)
	fs, ok := store.(*FileStore)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(cfg.RecoveryDir(), "checkpoint.jsonl"), fs.Path())
	require.NoError(t, store.Close())

	cfg.Checkpoint.Driver = "sqlite"
	store, err = Open(ctx, cfg)
	require.NoError(t, err)
	_, ok = store.(*SQLStore)
	assert.True(t, ok)
	_, err = os.Stat(filepath.Join(cfg.RecoveryDir(), "checkpoint.db"))
	assert.NoError(t, err)
	require.NoError(t, store.Close())

	cfg.Checkpoint.Driver = "etcd"
	store, err = Open(ctx, cfg)
	assert.Error(t, err)
	assert.Nil(t, store)
}

func TestRunState_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	st, err := LoadRunState(dir)
	require.NoError(t, err)
	assert.Nil(t, st)

	started := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, SaveRunState(dir, RunState{
		RunID:     "run-1",
		Start:     10,
		End:       20,
		Selected:  2,
		TaskIDs:   []string{"a", "b"},
		StartedAt: started,
	}))

	st, err = LoadRunState(dir)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "run-1", st.RunID)
	assert.Equal(t, []string{"a", "b"}, st.TaskIDs)
	assert.Equal(t, started, st.StartedAt)
	assert.False(t, st.UpdatedAt.IsZero())

	require.NoError(t, ClearRunState(dir))
	require.NoError(t, ClearRunState(dir))
	st, err = LoadRunState(dir)
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestRunState_Corrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, runStateFile), []byte("{not json"), 0o644))

	_, err := LoadRunState(dir)
	assert.Error(t, err)
}

func TestRunLock_Exclusive(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".recovery")

	first, err := AcquireRunLock(dir)
	require.NoError(t, err)

	_, err = AcquireRunLock(dir)
	assert.Error(t, err, "second run is refused")

	require.NoError(t, first.Release())
	require.NoError(t, first.Release())

	second, err := AcquireRunLock(dir)
	require.NoError(t, err)
	require.NoError(t, second.Release())

	pid, err := os.ReadFile(filepath.Join(dir, "run.lock"))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d\n", os.Getpid()), string(pid))
}
