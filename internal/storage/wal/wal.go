package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加 checkpoint 事件到日誌檔案（append-only, JSON lines）
// 2. 提供重放功能以恢復批次狀態
// 3. 支援日誌旋轉（快照後切換新檔，舊檔壓縮保存）
// 4. 確保寫入持久性與資料完整性
//
// 序號在旋轉後持續遞增，快照記錄 LastSeq，重放時略過 seq <= LastSeq 的事件。
// ============================================================================

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool
	failed       error // 寫入失敗後的黏著錯誤，之後的追加一律拒絕

	buffer        []Event // 批次寫入事件緩衝區（syncOnAppend=false 時使用）
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個完整事件的 seq 並繼續
- 崩潰時寫到一半的尾端記錄會被截斷
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋

參數：

	path         - WAL 檔案路徑
	syncOnAppend - true 時每次 Append 都寫入並 fsync
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("wal: create dir: %w", err)
		}
	}

	var seq uint64
	if stat, err := os.Stat(path); err == nil && stat.Size() > 0 {
		last, valid, err := scanFile(path, nil)
		if err != nil {
			return nil, err
		}
		if last != nil {
			seq = last.Seq
		}
		if valid < stat.Size() {
			// 尾端殘缺記錄
			if err := os.Truncate(path, valid); err != nil {
				return nil, fmt.Errorf("wal: truncate torn tail: %w", err)
			}
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Event, 0, 256),
		bufferSize:    256,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq、填入時間戳與 checksum
// - syncOnAppend 或 forceFlush 時立即寫入並 fsync，否則累積到緩衝區
//
// 回傳：
//
//	事件序號，錯誤（如果寫入失敗；此後 WAL 拒絕所有追加）
func (w *WAL) Append(event Event, forceFlush bool) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}
	if w.failed != nil {
		return 0, w.failed
	}

	event.Seq = w.seq + 1
	event.Timestamp = time.Now().UnixMilli()
	event.Checksum = CalculateChecksum(event)
	w.buffer = append(w.buffer, event)

	needFlush := w.syncOnAppend || forceFlush ||
		len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval
	if needFlush {
		if err := w.flushLocked(); err != nil {
			w.buffer = w.buffer[:0]
			w.failed = err
			return 0, err
		}
	}
	w.seq = event.Seq
	return event.Seq, nil
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件，handler 錯誤立即停止
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return err
	}
	_, _, err := scanFile(w.path, handler)
	return err
}

// Rotate 將目前的日誌檔案改名保存並開啟新檔
//
// 回傳：
//
//	被旋轉出去的檔案路徑
func (w *WAL) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return "", ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return "", err
	}
	if err := w.file.Close(); err != nil {
		return "", err
	}

	backupPath := fmt.Sprintf("%s.%s.%d", w.path, time.Now().Format("20060102_150405"), w.seq)
	if err := os.Rename(w.path, backupPath); err != nil {
		return "", err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		w.failed = err
		return "", err
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.lastFlushTime = time.Now()
	return backupPath, nil
}

// Close 關閉 WAL，關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	flushErr := w.flushLocked()
	if err := w.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// AdvanceSeq 確保後續序號大於 seq（旋轉後新檔為空、快照已涵蓋較大序號時使用）
func (w *WAL) AdvanceSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Path 回傳 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 將緩衝的事件寫入並同步到磁碟，呼叫者須持有 w.mu
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}
	return nil
}

// CompressFile gzip 壓縮旋轉出去的 WAL 檔案並刪除原檔
//
// 只在旋轉後進行，避免每次寫入都壓縮造成效能瓶頸
func CompressFile(srcPath string) (string, error) {
	dstPath := srcPath + ".gz"
	if err := compressWALFile(srcPath, dstPath); err != nil {
		os.Remove(dstPath)
		return "", err
	}
	if err := os.Remove(srcPath); err != nil {
		return "", err
	}
	return dstPath, nil
}

func compressWALFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	gzipWriter := gzip.NewWriter(dstFile)
	if _, err := io.Copy(gzipWriter, srcFile); err != nil {
		gzipWriter.Close()
		return err
	}
	if err := gzipWriter.Close(); err != nil {
		return err
	}
	return dstFile.Sync()
}
