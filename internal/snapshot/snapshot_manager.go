package snapshot

// ============================================================================
// 職責說明：
// 1. 將 checkpoint store 的完整狀態（所有 job 的 run 與批次）寫成快照
// 2. 快照以信封格式保存：payload 的 CRC32 與拍攝時間一起寫入
// 3. 寫入流程 temp file + fsync + rename，任何時刻磁碟上只有完整的快照
// 4. FileStore 載入快照後只重放 seq > LastSeq 的 WAL 事件
//
// 檔案格式（單行 JSON）：
//   {"schema_ver":2,"taken_at":"...","checksum":123,"data":{"jobs":{...},"last_seq":42}}
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 2

var (
	ErrCorruptedSnapshot   = errors.New("checkpoint snapshot is corrupted")
	ErrIncompatibleVersion = errors.New("checkpoint snapshot schema version is incompatible")
)

// envelope 磁碟上的快照格式
type envelope struct {
	SchemaVer int             `json:"schema_ver"`
	TakenAt   time.Time       `json:"taken_at"`
	Checksum  uint32          `json:"checksum"`
	Data      json.RawMessage `json:"data"`
}

// Info 快照摘要，供恢復日誌使用
type Info struct {
	TakenAt time.Time // 零值表示沒有快照（首次啟動）
	LastSeq uint64
	Jobs    int
	Batches int
}

// Manager 快照管理器，同一時間只有一個 Write 或 Load
type Manager struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{path: path, now: time.Now}
}

// Path 快照檔案路徑
func (m *Manager) Path() string {
	return m.path
}

// Write 原子性寫入快照
//
// 參數：
//   - data: checkpoint 狀態，SchemaVer 會被設定為目前版本
//
// 返回值：
//   - Info: 剛寫入的快照摘要
func (m *Manager) Write(data types.SnapshotData) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion
	payload, err := json.Marshal(data)
	if err != nil {
		return Info{}, fmt.Errorf("failed to marshal checkpoint snapshot: %w", err)
	}
	env := envelope{
		SchemaVer: SchemaVersion,
		TakenAt:   m.now().UTC(),
		Checksum:  crc32.ChecksumIEEE(payload),
		Data:      payload,
	}
	// 必須用 Marshal 而非 MarshalIndent：縮排會改寫 Data 的位元組
	raw, err := json.Marshal(env)
	if err != nil {
		return Info{}, fmt.Errorf("failed to marshal snapshot envelope: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return Info{}, fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	tmpPath := m.path + ".tmp"
	if err := writeSynced(tmpPath, raw); err != nil {
		os.Remove(tmpPath)
		return Info{}, fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return Info{}, fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return summarize(env.TakenAt, data), nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load 載入快照
//
// 行為：
//   - 檔案不存在：返回空狀態與零值 Info（首次啟動）
//   - 版本不符：ErrIncompatibleVersion
//   - JSON 損壞或 checksum 不符：ErrCorruptedSnapshot
func (m *Manager) Load() (types.SnapshotData, Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return types.SnapshotData{
			Jobs:      make(map[string]*types.JobCheckpoint),
			SchemaVer: SchemaVersion,
		}, Info{}, nil
	}
	if err != nil {
		return types.SnapshotData{}, Info{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return types.SnapshotData{}, Info{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if env.SchemaVer != SchemaVersion {
		return types.SnapshotData{}, Info{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, env.SchemaVer, SchemaVersion)
	}
	if sum := crc32.ChecksumIEEE(env.Data); sum != env.Checksum {
		return types.SnapshotData{}, Info{}, fmt.Errorf("%w: checksum %08x, want %08x", ErrCorruptedSnapshot, sum, env.Checksum)
	}

	var data types.SnapshotData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return types.SnapshotData{}, Info{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	data.SchemaVer = env.SchemaVer
	if data.Jobs == nil {
		data.Jobs = make(map[string]*types.JobCheckpoint)
	}
	for id, cp := range data.Jobs {
		if cp == nil {
			delete(data.Jobs, id)
			continue
		}
		if cp.Batches == nil {
			cp.Batches = make(map[string]*types.BatchState)
		}
	}
	return data, summarize(env.TakenAt, data), nil
}

func summarize(takenAt time.Time, data types.SnapshotData) Info {
	info := Info{TakenAt: takenAt, LastSeq: data.LastSeq, Jobs: len(data.Jobs)}
	for _, cp := range data.Jobs {
		if cp != nil {
			info.Batches += len(cp.Batches)
		}
	}
	return info
}
