package wal

// ============================================================================
// WAL 工具函式
// 職責：掃描、驗證、統計與輸出 WAL 檔案（支援 .gz 旋轉檔）
// ============================================================================

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// ============================================================================
// 檔案操作輔助
// ============================================================================

// openReader 開啟 WAL 檔案，.gz 結尾時自動解壓
func openReader(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %w", ErrCorruptedWAL, err)
	}
	return struct {
		io.Reader
		io.Closer
	}{gz, closerFunc(func() error {
		gz.Close()
		return f.Close()
	})}, nil
}

type closerFunc func() error

func (c closerFunc) Close() error { return c() }

// scanFile 逐行讀取完整且通過校驗的事件
//
// 回傳：
//
//	最後一個事件、有效前綴的位元組長度、錯誤
//
// 最後一行沒有換行符代表寫入中途崩潰，視為不存在。
func scanFile(path string, handler EventHandler) (*Event, int64, error) {
	rc, err := openReader(path)
	if err != nil {
		return nil, 0, err
	}
	defer rc.Close()
	return scan(rc, handler)
}

func scan(r io.Reader, handler EventHandler) (*Event, int64, error) {
	reader := bufio.NewReader(r)
	var (
		last   *Event
		offset int64
	)
	for {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// 殘缺的尾端記錄
			return last, offset, nil
		}
		if err != nil {
			return last, offset, err
		}

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var event Event
			if err := json.Unmarshal(trimmed, &event); err != nil {
				return last, offset, &CorruptionError{Offset: offset, Cause: err}
			}
			if want := CalculateChecksum(event); event.Checksum != want {
				return last, offset, &ChecksumError{
					Seq: event.Seq, Type: event.Type, JobID: event.JobID, BatchID: event.BatchID,
					Expected: want, Actual: event.Checksum,
				}
			}
			if handler != nil {
				if err := handler(event); err != nil {
					return last, offset, err
				}
			}
			last = &event
		}
		offset += int64(len(line))
	}
}

// GetLastEvent 從 WAL 檔案讀取最後一個完整事件
//
// 回傳：
//
//	最後一個事件，錯誤（如果檔案為空則回傳 ErrEmptyWAL）
func GetLastEvent(path string) (*Event, error) {
	last, _, err := scanFile(path, nil)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中的有效事件總數
func CountEvents(path string) (int, error) {
	n := 0
	_, _, err := scanFile(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 連續且無重複（旋轉後的檔案不一定從 1 開始）
func ValidateWAL(path string) error {
	var prev uint64
	_, _, err := scanFile(path, func(e Event) error {
		if prev != 0 && e.Seq != prev+1 {
			return fmt.Errorf("%w: seq %d follows %d", ErrSeqGap, e.Seq, prev)
		}
		prev = e.Seq
		return nil
	})
	return err
}

// ============================================================================
// 除錯與診斷工具
// ============================================================================

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[Seq:1] DISPATCH job-001/job-001-b000000 at 2024-01-01T00:00:00Z (checksum:0x12345678) {...}
func DumpWAL(path string, w io.Writer) error {
	_, _, err := scanFile(path, func(e Event) error {
		target := e.JobID
		if e.BatchID != "" {
			target += "/" + e.BatchID
		}
		_, err := fmt.Fprintf(w, "[Seq:%d] %s %s at %s (checksum:0x%08x) %s\n",
			e.Seq, e.Type, target,
			time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339),
			e.Checksum, e.Payload)
		return err
	})
	return err
}

// ============================================================================
// 統計與分析
// ============================================================================

// WALStats WAL 統計資訊
type WALStats struct {
	TotalEvents int               `json:"total_events"`
	EventTypes  map[EventType]int `json:"event_types"`
	Jobs        int               `json:"jobs"`
	FirstSeq    uint64            `json:"first_seq"`
	LastSeq     uint64            `json:"last_seq"`
	TimeRange   [2]int64          `json:"time_range"` // [最早, 最晚] unix ms
}

// GetWALStats 取得 WAL 的統計資訊
func GetWALStats(path string) (*WALStats, error) {
	stats := &WALStats{EventTypes: make(map[EventType]int)}
	jobs := make(map[string]struct{})
	_, _, err := scanFile(path, func(e Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = e.Seq
			stats.TimeRange[0] = e.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[e.Type]++
		stats.LastSeq = e.Seq
		stats.TimeRange[1] = e.Timestamp
		jobs[e.JobID] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	stats.Jobs = len(jobs)
	return stats, nil
}
