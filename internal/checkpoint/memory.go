package checkpoint

// ============================================================================
// MemoryStore - 記憶體中的批次狀態機
//
// 設計理念:
//   jobs map 是單一真實來源，每個任務一個 JobCheckpoint，
//   Batches 只記錄曾經離開 pending 的批次（不存在 = pending）。
//
// 並發安全:
//   - sync.RWMutex 保護所有資料
//   - 狀態檢查與寫入在同一個臨界區內完成，確保 CAS 語意
//
// 持久化:
//   journal 不為 nil 時，每次轉換在套用到記憶體之前先寫入 journal；
//   journal 失敗則狀態保持不變。FileStore 以此接上 WAL。
// ============================================================================

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

// journal 在狀態變更生效前被呼叫，state 與 run 恰有一個不為 nil
type journal func(jobID string, state *types.BatchState, run *types.JobRun) error

// MemoryStore 以 map 保存所有任務的 checkpoint
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*types.JobCheckpoint
	now     func() time.Time
	journal journal
}

// NewMemoryStore 建立空的記憶體 store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*types.JobCheckpoint),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// job 取得或建立任務的 checkpoint，呼叫者須持有寫鎖
func (m *MemoryStore) job(jobID string) *types.JobCheckpoint {
	cp, ok := m.jobs[jobID]
	if !ok {
		cp = &types.JobCheckpoint{
			Run:     types.JobRun{JobID: jobID},
			Batches: make(map[string]*types.BatchState),
		}
		m.jobs[jobID] = cp
	}
	return cp
}

func (m *MemoryStore) lookup(jobID, batchID string) *types.BatchState {
	if cp, ok := m.jobs[jobID]; ok {
		return cp.Batches[batchID]
	}
	return nil
}

// commit 寫 journal 後套用新狀態，呼叫者須持有寫鎖
func (m *MemoryStore) commit(jobID string, next types.BatchState) error {
	if m.journal != nil {
		if err := m.journal(jobID, &next, nil); err != nil {
			return fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
		}
	}
	m.job(jobID).Batches[next.BatchID] = &next
	return nil
}

// Load 回傳任務所有已知批次狀態的副本
func (m *MemoryStore) Load(_ context.Context, jobID string) (map[string]types.BatchState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]types.BatchState)
	if cp, ok := m.jobs[jobID]; ok {
		for id, st := range cp.Batches {
			out[id] = *st
		}
	}
	return out, nil
}

// RecordDispatch pending → in_progress
func (m *MemoryStore) RecordDispatch(_ context.Context, jobID, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := nextDispatch(m.lookup(jobID, batchID), jobID, batchID, m.now())
	if err != nil {
		return err
	}
	return m.commit(jobID, next)
}

// RecordSuccess in_progress → succeeded
func (m *MemoryStore) RecordSuccess(_ context.Context, jobID, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, changed, err := nextSuccess(m.lookup(jobID, batchID), jobID, batchID, m.now())
	if err != nil || !changed {
		return err
	}
	return m.commit(jobID, next)
}

// RecordFailure in_progress → failed
func (m *MemoryStore) RecordFailure(_ context.Context, jobID, batchID string, kind types.ErrorKind, msg string) (types.BatchState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := nextFailure(m.lookup(jobID, batchID), jobID, batchID, kind, msg, m.now())
	if err != nil {
		return types.BatchState{}, err
	}
	if err := m.commit(jobID, next); err != nil {
		return types.BatchState{}, err
	}
	return next, nil
}

// ResetPending failed | in_progress → pending
func (m *MemoryStore) ResetPending(_ context.Context, jobID, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, changed, err := nextReset(m.lookup(jobID, batchID), jobID, batchID, m.now())
	if err != nil || !changed {
		return err
	}
	return m.commit(jobID, next)
}

// ReopenFailed failed → pending，並記下 ResetBase
func (m *MemoryStore) ReopenFailed(_ context.Context, jobID, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, changed, err := nextReopen(m.lookup(jobID, batchID), jobID, batchID, m.now())
	if err != nil || !changed {
		return err
	}
	return m.commit(jobID, next)
}

// PutRun 更新任務執行紀錄
func (m *MemoryStore) PutRun(_ context.Context, run types.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.journal != nil {
		if err := m.journal(run.JobID, nil, &run); err != nil {
			return fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
		}
	}
	run.Failures = append([]types.BatchFailure(nil), run.Failures...)
	m.job(run.JobID).Run = run
	return nil
}

// Summarize 以批次狀態重新計算統計
func (m *MemoryStore) Summarize(_ context.Context, jobID string) (types.JobRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.jobs[jobID]
	if !ok {
		return types.JobRun{}, fmt.Errorf("%w: %s", types.ErrJobNotFound, jobID)
	}
	states := make(map[string]types.BatchState, len(cp.Batches))
	for id, st := range cp.Batches {
		states[id] = *st
	}
	return summarize(cp.Run, states), nil
}

// Close 無資源需要釋放
func (m *MemoryStore) Close() error {
	return nil
}

// ============================================================================
// 快照與恢復
// ============================================================================

// Snapshot 深拷貝目前所有 checkpoint
func (m *MemoryStore) Snapshot() types.SnapshotData {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *MemoryStore) snapshotLocked() types.SnapshotData {
	jobs := make(map[string]*types.JobCheckpoint, len(m.jobs))
	for id, cp := range m.jobs {
		batches := make(map[string]*types.BatchState, len(cp.Batches))
		for bid, st := range cp.Batches {
			c := *st
			batches[bid] = &c
		}
		jobs[id] = &types.JobCheckpoint{Run: cp.Run, Batches: batches}
	}
	return types.SnapshotData{Jobs: jobs, SchemaVer: 1}
}

// Restore 以快照內容取代目前狀態
func (m *MemoryStore) Restore(data types.SnapshotData) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobs = make(map[string]*types.JobCheckpoint, len(data.Jobs))
	for id, cp := range data.Jobs {
		if cp == nil {
			continue
		}
		batches := make(map[string]*types.BatchState, len(cp.Batches))
		maps.Copy(batches, cp.Batches)
		m.jobs[id] = &types.JobCheckpoint{Run: cp.Run, Batches: batches}
	}
}

// apply 直接寫入絕對狀態，供 WAL 重放使用（不經過 journal）
func (m *MemoryStore) apply(jobID string, state *types.BatchState, run *types.JobRun) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := m.job(jobID)
	if state != nil {
		c := *state
		cp.Batches[c.BatchID] = &c
	}
	if run != nil {
		cp.Run = *run
	}
}
