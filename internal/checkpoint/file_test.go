package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-backfill/internal/storage/wal"
	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

func fileConfig(dir string) FileConfig {
	return FileConfig{
		WALPath:          filepath.Join(dir, "checkpoint.wal"),
		SnapshotPath:     filepath.Join(dir, "snapshot.json"),
		SnapshotInterval: time.Hour,
	}
}

func seed(t *testing.T, s Store, jobID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.PutRun(ctx, types.JobRun{JobID: jobID, Status: types.RunRunning, Total: 4}))
	require.NoError(t, s.RecordDispatch(ctx, jobID, "b0"))
	require.NoError(t, s.RecordSuccess(ctx, jobID, "b0"))
	require.NoError(t, s.RecordDispatch(ctx, jobID, "b1"))
	_, err := s.RecordFailure(ctx, jobID, "b1", types.KindTimeout, "deadline")
	require.NoError(t, err)
	require.NoError(t, s.RecordDispatch(ctx, jobID, "b2"))
}

func assertSeeded(t *testing.T, s Store, jobID string) {
	t.Helper()
	states, err := s.Load(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, states, 3)
	assert.Equal(t, types.BatchSucceeded, states["b0"].Status)
	assert.Equal(t, types.BatchFailed, states["b1"].Status)
	assert.Equal(t, 1, states["b1"].Attempts)
	assert.Equal(t, types.KindTimeout, states["b1"].LastErrorKind)
	assert.Equal(t, types.BatchInProgress, states["b2"].Status)

	run, err := s.Summarize(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, 4, run.Total)
	assert.Equal(t, 1, run.Pending)
}

// 未經快照直接崩潰：狀態完全來自 WAL 重放
func TestFileStore_RecoverFromWALOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := fileConfig(dir)

	s, err := OpenFileStore(cfg, nil)
	require.NoError(t, err)
	seed(t, s, "job")
	// simulate a crash: close the WAL without snapshotting
	close(s.stopCh)
	s.wg.Wait()
	require.NoError(t, s.wal.Close())

	reopened, err := OpenFileStore(cfg, nil)
	require.NoError(t, err)
	defer reopened.Close()
	assertSeeded(t, reopened, "job")
}

func TestFileStore_RecoverFromSnapshotAndWAL(t *testing.T) {
	dir := t.TempDir()
	cfg := fileConfig(dir)

	s, err := OpenFileStore(cfg, nil)
	require.NoError(t, err)
	seed(t, s, "job")
	require.NoError(t, s.TakeSnapshot())

	// events after the snapshot live only in the new WAL segment
	require.NoError(t, s.RecordSuccess(context.Background(), "job", "b2"))
	require.NoError(t, s.Close())

	reopened, err := OpenFileStore(cfg, nil)
	require.NoError(t, err)
	defer reopened.Close()

	states, err := reopened.Load(context.Background(), "job")
	require.NoError(t, err)
	assert.Equal(t, types.BatchSucceeded, states["b2"].Status)
	assert.Equal(t, types.BatchFailed, states["b1"].Status)

	// continuing after recovery keeps sequence numbers monotonic
	require.NoError(t, reopened.ResetPending(context.Background(), "job", "b1"))
	assert.NoError(t, wal.ValidateWAL(cfg.WALPath))
}

// 人工重置的 ResetBase 要能在重放與快照後保留
func TestFileStore_ReopenSurvivesRecovery(t *testing.T) {
	dir := t.TempDir()
	cfg := fileConfig(dir)
	ctx := context.Background()

	s, err := OpenFileStore(cfg, nil)
	require.NoError(t, err)
	seed(t, s, "job")
	require.NoError(t, s.ReopenFailed(ctx, "job", "b1"))
	require.NoError(t, s.RecordDispatch(ctx, "job", "b1"))
	close(s.stopCh)
	s.wg.Wait()
	require.NoError(t, s.wal.Close())

	reopened, err := OpenFileStore(cfg, nil)
	require.NoError(t, err)
	states, err := reopened.Load(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, types.BatchInProgress, states["b1"].Status)
	assert.Equal(t, 1, states["b1"].ResetBase)

	require.NoError(t, reopened.TakeSnapshot())
	require.NoError(t, reopened.Close())

	again, err := OpenFileStore(cfg, nil)
	require.NoError(t, err)
	defer again.Close()
	states, err = again.Load(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, 1, states["b1"].ResetBase)
}

func TestFileStore_SnapshotArchivesRotatedSegment(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFileStore(fileConfig(dir), nil)
	require.NoError(t, err)
	defer s.Close()

	seed(t, s, "job")
	require.NoError(t, s.TakeSnapshot())

	archives, err := filepath.Glob(filepath.Join(dir, "checkpoint.wal.*.gz"))
	require.NoError(t, err)
	require.Len(t, archives, 1)

	n, err := wal.CountEvents(archives[0])
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	info, err := os.Stat(filepath.Join(dir, "checkpoint.wal"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestFileStore_WALFailureLeavesStateUnchanged(t *testing.T) {
	s, err := OpenFileStore(fileConfig(t.TempDir()), nil)
	require.NoError(t, err)
	close(s.stopCh)
	s.wg.Wait()
	require.NoError(t, s.wal.Close())

	err = s.RecordDispatch(context.Background(), "job", "b0")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrStoreUnavailable)

	states, err := s.Load(context.Background(), "job")
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestFileStore_ReplayIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	cfg := fileConfig(dir)

	s, err := OpenFileStore(cfg, nil)
	require.NoError(t, err)
	seed(t, s, "job")

	// snapshot claiming LastSeq 0: every WAL event is replayed on top of
	// state that already contains it
	data := s.Snapshot()
	data.LastSeq = 0
	_, err = s.snapshot.Write(data)
	require.NoError(t, err)
	close(s.stopCh)
	s.wg.Wait()
	require.NoError(t, s.wal.Close())

	reopened, err := OpenFileStore(cfg, nil)
	require.NoError(t, err)
	defer reopened.Close()
	assertSeeded(t, reopened, "job")
}
