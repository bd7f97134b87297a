package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 校驗範圍：Seq + Type + JobID + BatchID + Payload
// 不包含 Timestamp 與 Checksum 本身
//
// 參數：
//
//	event - 要計算的事件（Checksum 欄位會被忽略）
//
// 回傳：
//
//	uint32 校驗和
func CalculateChecksum(event Event) uint32 {
	h := crc32.NewIEEE()
	h.Write(strconv.AppendUint(nil, event.Seq, 10))
	h.Write([]byte{'|'})
	h.Write([]byte(event.Type))
	h.Write([]byte{'|'})
	h.Write([]byte(event.JobID))
	h.Write([]byte{'|'})
	h.Write([]byte(event.BatchID))
	h.Write([]byte{'|'})
	h.Write(event.Payload)
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
