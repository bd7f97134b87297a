package checkpoint

// ============================================================================
// FileStore - MemoryStore + WAL + 週期性快照
//
// 寫入路徑:
//   transition → WAL.Append(fsync) → 套用到記憶體
//   WAL 寫入失敗時回傳 ErrStoreUnavailable，記憶體狀態不變
//
// 恢復流程:
//   1. 載入快照（不存在則為空）
//   2. 重放 WAL 中 seq > snapshot.LastSeq 的事件（事件攜帶絕對狀態，可重複套用）
//
// 快照流程（每 SnapshotInterval 一次，以及 Close 時）:
//   持有狀態寫鎖 → 寫入快照(LastSeq = WAL 最後序號) → 旋轉 WAL
//   釋放鎖後以 gzip 壓縮旋轉出去的檔案
// ============================================================================

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-backfill/internal/snapshot"
	"github.com/ChuLiYu/beaver-backfill/internal/storage/wal"
	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

// DefaultSnapshotInterval 預設快照間隔
const DefaultSnapshotInterval = 30 * time.Second

// FileStore 以本地檔案持久化 checkpoint
type FileStore struct {
	*MemoryStore

	wal      *wal.WAL
	snapshot *snapshot.Manager
	logger   *slog.Logger

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// OpenFileStore 從快照與 WAL 恢復狀態並啟動快照迴圈
func OpenFileStore(cfg FileConfig, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WALPath == "" {
		cfg.WALPath = filepath.Join("data", "checkpoint.wal")
	}
	if cfg.SnapshotPath == "" {
		cfg.SnapshotPath = filepath.Join(filepath.Dir(cfg.WALPath), "checkpoint.snapshot.json")
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}

	snap := snapshot.NewManager(cfg.SnapshotPath)
	data, info, err := snap.Load()
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	w, err := wal.NewWAL(cfg.WALPath, true)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	mem := NewMemoryStore()
	mem.Restore(data)

	replayed := 0
	err = w.Replay(func(ev wal.Event) error {
		if ev.Seq <= data.LastSeq {
			return nil
		}
		replayed++
		return applyEvent(mem, ev)
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("replay wal: %w", err)
	}
	w.AdvanceSeq(data.LastSeq)

	fs := &FileStore{
		MemoryStore: mem,
		wal:         w,
		snapshot:    snap,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
	mem.journal = fs.appendEvent

	logger.Info("checkpoint store recovered",
		"wal", cfg.WALPath,
		"snapshot_seq", info.LastSeq,
		"snapshot_taken_at", info.TakenAt,
		"replayed", replayed,
		"jobs", len(data.Jobs))

	fs.wg.Add(1)
	go fs.snapshotLoop(cfg.SnapshotInterval)
	return fs, nil
}

func applyEvent(mem *MemoryStore, ev wal.Event) error {
	switch ev.Type {
	case wal.EventRun:
		run, err := ev.Run()
		if err != nil {
			return err
		}
		mem.apply(ev.JobID, nil, &run)
	case wal.EventDispatch, wal.EventSuccess, wal.EventFailure, wal.EventReset:
		st, err := ev.BatchState()
		if err != nil {
			return err
		}
		mem.apply(ev.JobID, &st, nil)
	default:
		return fmt.Errorf("%w: unknown event type %q at seq %d", wal.ErrCorruptedWAL, ev.Type, ev.Seq)
	}
	return nil
}

// appendEvent 是 MemoryStore 的 journal，在記憶體寫鎖內執行
func (fs *FileStore) appendEvent(jobID string, state *types.BatchState, run *types.JobRun) error {
	var (
		ev  wal.Event
		err error
	)
	if run != nil {
		ev, err = wal.RunEvent(*run)
	} else {
		ev, err = wal.BatchEvent(eventTypeFor(state.Status), jobID, *state)
	}
	if err != nil {
		return err
	}
	_, err = fs.wal.Append(ev, true)
	return err
}

func eventTypeFor(status types.BatchStatus) wal.EventType {
	switch status {
	case types.BatchInProgress:
		return wal.EventDispatch
	case types.BatchSucceeded:
		return wal.EventSuccess
	case types.BatchFailed:
		return wal.EventFailure
	default:
		return wal.EventReset
	}
}

// TakeSnapshot 寫入快照並旋轉 WAL
func (fs *FileStore) TakeSnapshot() error {
	fs.mu.Lock()
	data := fs.snapshotLocked()
	data.LastSeq = fs.wal.GetLastSeq()
	info, err := fs.snapshot.Write(data)
	if err != nil {
		fs.mu.Unlock()
		return err
	}
	rotated, err := fs.wal.Rotate()
	fs.mu.Unlock()
	if err != nil {
		return fmt.Errorf("rotate wal: %w", err)
	}

	gz, err := wal.CompressFile(rotated)
	if err != nil {
		fs.logger.Warn("compress rotated wal failed", "path", rotated, "error", err)
		return nil
	}
	fs.logger.Debug("checkpoint snapshot written", "seq", info.LastSeq, "batches", info.Batches, "archived", gz)
	return nil
}

func (fs *FileStore) snapshotLoop(interval time.Duration) {
	defer fs.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := fs.TakeSnapshot(); err != nil {
				fs.logger.Error("checkpoint snapshot failed", "error", err)
			}
		case <-fs.stopCh:
			return
		}
	}
}

// Close 停止快照迴圈，寫入最後一次快照並關閉 WAL
func (fs *FileStore) Close() error {
	var err error
	fs.closeOnce.Do(func() {
		close(fs.stopCh)
		fs.wg.Wait()
		snapErr := fs.TakeSnapshot()
		err = errors.Join(snapErr, fs.wal.Close())
	})
	return err
}
