/*
JadeStore WAL 记录编解码测试

覆盖全部记录种类的帧往返，以及页操作记录 redo/undo 的字节级还原。
*/

package wal

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePage 测试用的页面缓冲
type fakePage struct {
	buf []byte
}

func (p *fakePage) GetBinary(offset, size int) []byte {
	out := make([]byte, size)
	copy(out, p.buf[offset:offset+size])
	return out
}

func (p *fakePage) PutBinary(offset int, value []byte) {
	copy(p.buf[offset:], value)
}

// roundTrip 编码再解码一条记录
func roundTrip(t *testing.T, rec Record) Record {
	frame := EncodeRecord(rec)

	frameLen, n := binary.Uvarint(frame)
	require.Greater(t, n, 0)
	require.Equal(t, int(frameLen), len(frame)-n)

	decoded, err := DecodeRecord(frame[n], frame[n+1:])
	require.NoError(t, err)
	return decoded
}

// TestAtomicUnitRecordRoundTrip 原子操作边界记录往返
func TestAtomicUnitRecordRoundTrip(t *testing.T) {
	for _, rec := range []*AtomicUnitRecord{
		NewAtomicBegin(42),
		NewAtomicCommit(43),
		NewAtomicRollback(44),
	} {
		decoded := roundTrip(t, rec)
		assert.Equal(t, rec, decoded)
	}
}

// TestFileRecordsRoundTrip 文件生命周期记录往返
func TestFileRecordsRoundTrip(t *testing.T) {
	created := NewFileCreated(7, "users.pbt", 12)
	assert.Equal(t, created, roundTrip(t, created))

	deleted := NewFileDeleted(7, 12)
	assert.Equal(t, deleted, roundTrip(t, deleted))

	checkpoint := &CheckpointRecord{}
	assert.Equal(t, checkpoint, roundTrip(t, checkpoint))
}

// TestPageOperationsRoundTrip 页操作记录往返
func TestPageOperationsRoundTrip(t *testing.T) {
	records := []Record{
		NewPageSetByte(1, 2, 3, 100, 0xAB, 0xCD),
		NewPageSetInt(1, 2, 3, 104, -5, 77),
		NewPageSetLong(1, 2, 3, 108, -123456789, 42),
		NewPageSetBinary(1, 2, 3, 200, []byte("new-value"), []byte("previous")),
	}
	for _, rec := range records {
		decoded := roundTrip(t, rec)
		assert.Equal(t, rec, decoded)
	}
}

// TestPageOperationRedoUndo redo 后 undo 应字节级还原页面
func TestPageOperationRedoUndo(t *testing.T) {
	page := &fakePage{buf: make([]byte, 512)}
	for i := range page.buf {
		page.buf[i] = byte(i)
	}
	before := append([]byte(nil), page.buf...)

	ops := []PageOperation{
		NewPageSetByte(1, 2, 3, 10, 0xFF, page.buf[10]),
		NewPageSetInt(1, 2, 3, 20, 999, int32(binary.LittleEndian.Uint32(page.buf[20:]))),
		NewPageSetLong(1, 2, 3, 40, -1, int64(binary.LittleEndian.Uint64(page.buf[40:]))),
		NewPageSetBinary(1, 2, 3, 100, []byte("abcdef"), append([]byte(nil), page.buf[100:106]...)),
	}

	for _, op := range ops {
		op.Redo(page)
	}
	assert.NotEqual(t, before, page.buf)

	for i := len(ops) - 1; i >= 0; i-- {
		ops[i].Undo(page)
	}
	assert.Equal(t, before, page.buf)
}
