/*
JadeStore 预写日志记录模块

定义 WAL 记录的种类与编解码。记录帧格式：长度（varint，覆盖类型字节
与记录体）+ 类型字节 + 记录体。记录体一律小端编码。

记录分为三类：
1. 原子操作边界记录：begin / commit / rollback，携带操作单元号。
2. 文件生命周期记录：file-created / file-deleted。
3. 页操作记录：按种类分发的和类型（set-byte / set-int / set-long /
   set-binary），统一以 opId、fileId、pageIndex 开头，记录体同时携带
   新值与旧值，因此既可 redo 也可 undo。

页操作的 redo 要求页面状态恰为记录产生前的状态；undo 将对应区域恢复
为旧值。两者都是纯内存操作，通过 PageData 接口作用于页面缓冲。
*/

package wal

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/util6/JadeStore/utils"
)

// LSN 日志序列号。即记录首字节在逻辑日志中的位置，跨段单调递增。
// 0 表示"尚无记录"。
type LSN int64

// OperationUnitID 原子操作单元号
type OperationUnitID uint64

// 记录类型
const (
	KindAtomicBegin byte = iota + 1
	KindAtomicCommit
	KindAtomicRollback
	KindFileCreated
	KindFileDeleted
	KindCheckpoint
	KindPageSetByte
	KindPageSetInt
	KindPageSetLong
	KindPageSetBinary
)

// Record WAL 记录
type Record interface {
	Kind() byte
	SerializedSize() int
	ToStream(buf []byte)
	FromStream(buf []byte) error
}

// OperationUnitRecord 属于某个原子操作的记录
type OperationUnitRecord interface {
	Record
	OperationUnit() OperationUnitID
}

// PageData 页操作记录作用的页面缓冲视图。
// 由 durable 包的持久页实现；恢复路径直接以页缓冲字节切片实现。
type PageData interface {
	GetBinary(offset, size int) []byte
	PutBinary(offset int, value []byte)
}

// PageOperation 页操作记录：携带重做与撤销所需的全部状态
type PageOperation interface {
	OperationUnitRecord
	FileID() int64
	PageIndex() int64
	Redo(page PageData)
	Undo(page PageData)
}

// ---------------------------------------------------------------------------
// 原子操作边界记录
// ---------------------------------------------------------------------------

// AtomicUnitRecord begin/commit/rollback 的公共载荷
type AtomicUnitRecord struct {
	kind byte
	OpID OperationUnitID
}

// NewAtomicBegin 构造原子操作开始记录
func NewAtomicBegin(opID OperationUnitID) *AtomicUnitRecord {
	return &AtomicUnitRecord{kind: KindAtomicBegin, OpID: opID}
}

// NewAtomicCommit 构造原子操作提交记录
func NewAtomicCommit(opID OperationUnitID) *AtomicUnitRecord {
	return &AtomicUnitRecord{kind: KindAtomicCommit, OpID: opID}
}

// NewAtomicRollback 构造原子操作回滚记录
func NewAtomicRollback(opID OperationUnitID) *AtomicUnitRecord {
	return &AtomicUnitRecord{kind: KindAtomicRollback, OpID: opID}
}

func (r *AtomicUnitRecord) Kind() byte                     { return r.kind }
func (r *AtomicUnitRecord) OperationUnit() OperationUnitID { return r.OpID }
func (r *AtomicUnitRecord) SerializedSize() int            { return 8 }

func (r *AtomicUnitRecord) ToStream(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.OpID))
}

func (r *AtomicUnitRecord) FromStream(buf []byte) error {
	if len(buf) < 8 {
		return utils.ErrCorruptedWAL
	}
	r.OpID = OperationUnitID(binary.LittleEndian.Uint64(buf[0:8]))
	return nil
}

// ---------------------------------------------------------------------------
// 文件生命周期记录
// ---------------------------------------------------------------------------

// FileCreatedRecord 文件创建记录
type FileCreatedRecord struct {
	OpID     OperationUnitID
	FileID   int64
	FileName string
}

// NewFileCreated 构造文件创建记录
func NewFileCreated(opID OperationUnitID, name string, fileID int64) *FileCreatedRecord {
	return &FileCreatedRecord{OpID: opID, FileID: fileID, FileName: name}
}

func (r *FileCreatedRecord) Kind() byte                     { return KindFileCreated }
func (r *FileCreatedRecord) OperationUnit() OperationUnitID { return r.OpID }

func (r *FileCreatedRecord) SerializedSize() int {
	return 8 + 8 + 4 + len(r.FileName)
}

func (r *FileCreatedRecord) ToStream(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.OpID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.FileID))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(r.FileName)))
	copy(buf[20:], r.FileName)
}

func (r *FileCreatedRecord) FromStream(buf []byte) error {
	if len(buf) < 20 {
		return utils.ErrCorruptedWAL
	}
	r.OpID = OperationUnitID(binary.LittleEndian.Uint64(buf[0:8]))
	r.FileID = int64(binary.LittleEndian.Uint64(buf[8:16]))
	nameLen := int(binary.LittleEndian.Uint32(buf[16:20]))
	if len(buf) < 20+nameLen {
		return utils.ErrCorruptedWAL
	}
	r.FileName = string(buf[20 : 20+nameLen])
	return nil
}

// FileDeletedRecord 文件删除记录
type FileDeletedRecord struct {
	OpID   OperationUnitID
	FileID int64
}

// NewFileDeleted 构造文件删除记录
func NewFileDeleted(opID OperationUnitID, fileID int64) *FileDeletedRecord {
	return &FileDeletedRecord{OpID: opID, FileID: fileID}
}

func (r *FileDeletedRecord) Kind() byte                     { return KindFileDeleted }
func (r *FileDeletedRecord) OperationUnit() OperationUnitID { return r.OpID }
func (r *FileDeletedRecord) SerializedSize() int            { return 16 }

func (r *FileDeletedRecord) ToStream(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.OpID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.FileID))
}

func (r *FileDeletedRecord) FromStream(buf []byte) error {
	if len(buf) < 16 {
		return utils.ErrCorruptedWAL
	}
	r.OpID = OperationUnitID(binary.LittleEndian.Uint64(buf[0:8]))
	r.FileID = int64(binary.LittleEndian.Uint64(buf[8:16]))
	return nil
}

// CheckpointRecord 检查点记录。恢复从最后一个检查点之后开始扫描。
type CheckpointRecord struct{}

func (r *CheckpointRecord) Kind() byte                  { return KindCheckpoint }
func (r *CheckpointRecord) SerializedSize() int         { return 0 }
func (r *CheckpointRecord) ToStream(buf []byte)         {}
func (r *CheckpointRecord) FromStream(buf []byte) error { return nil }

// ---------------------------------------------------------------------------
// 页操作记录
// ---------------------------------------------------------------------------

// pageOperationBase 页操作记录的公共前缀：opId、fileId、pageIndex
type pageOperationBase struct {
	OpID    OperationUnitID
	FileId  int64
	PageIdx int64
}

const pageOperationHeaderSize = 8 + 8 + 8

func (r *pageOperationBase) OperationUnit() OperationUnitID { return r.OpID }
func (r *pageOperationBase) FileID() int64                  { return r.FileId }
func (r *pageOperationBase) PageIndex() int64               { return r.PageIdx }

func (r *pageOperationBase) headerToStream(buf []byte) int {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.OpID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.FileId))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(r.PageIdx))
	return pageOperationHeaderSize
}

func (r *pageOperationBase) headerFromStream(buf []byte) (int, error) {
	if len(buf) < pageOperationHeaderSize {
		return 0, utils.ErrCorruptedWAL
	}
	r.OpID = OperationUnitID(binary.LittleEndian.Uint64(buf[0:8]))
	r.FileId = int64(binary.LittleEndian.Uint64(buf[8:16]))
	r.PageIdx = int64(binary.LittleEndian.Uint64(buf[16:24]))
	return pageOperationHeaderSize, nil
}

// PageSetByteRecord 页内单字节写入
type PageSetByteRecord struct {
	pageOperationBase
	Offset int32
	Value  byte
	Prev   byte
}

// NewPageSetByte 构造单字节写入记录
func NewPageSetByte(opID OperationUnitID, fileID, pageIndex int64, offset int32, value, prev byte) *PageSetByteRecord {
	return &PageSetByteRecord{
		pageOperationBase: pageOperationBase{OpID: opID, FileId: fileID, PageIdx: pageIndex},
		Offset:            offset, Value: value, Prev: prev,
	}
}

func (r *PageSetByteRecord) Kind() byte          { return KindPageSetByte }
func (r *PageSetByteRecord) SerializedSize() int { return pageOperationHeaderSize + 4 + 2 }

func (r *PageSetByteRecord) ToStream(buf []byte) {
	off := r.headerToStream(buf)
	binary.LittleEndian.PutUint32(buf[off:], uint32(r.Offset))
	buf[off+4] = r.Value
	buf[off+5] = r.Prev
}

func (r *PageSetByteRecord) FromStream(buf []byte) error {
	off, err := r.headerFromStream(buf)
	if err != nil {
		return err
	}
	if len(buf) < off+6 {
		return utils.ErrCorruptedWAL
	}
	r.Offset = int32(binary.LittleEndian.Uint32(buf[off:]))
	r.Value = buf[off+4]
	r.Prev = buf[off+5]
	return nil
}

func (r *PageSetByteRecord) Redo(page PageData) { page.PutBinary(int(r.Offset), []byte{r.Value}) }
func (r *PageSetByteRecord) Undo(page PageData) { page.PutBinary(int(r.Offset), []byte{r.Prev}) }

// PageSetIntRecord 页内 32 位整数写入
type PageSetIntRecord struct {
	pageOperationBase
	Offset int32
	Value  int32
	Prev   int32
}

// NewPageSetInt 构造 32 位整数写入记录
func NewPageSetInt(opID OperationUnitID, fileID, pageIndex int64, offset, value, prev int32) *PageSetIntRecord {
	return &PageSetIntRecord{
		pageOperationBase: pageOperationBase{OpID: opID, FileId: fileID, PageIdx: pageIndex},
		Offset:            offset, Value: value, Prev: prev,
	}
}

func (r *PageSetIntRecord) Kind() byte          { return KindPageSetInt }
func (r *PageSetIntRecord) SerializedSize() int { return pageOperationHeaderSize + 4 + 8 }

func (r *PageSetIntRecord) ToStream(buf []byte) {
	off := r.headerToStream(buf)
	binary.LittleEndian.PutUint32(buf[off:], uint32(r.Offset))
	binary.LittleEndian.PutUint32(buf[off+4:], uint32(r.Value))
	binary.LittleEndian.PutUint32(buf[off+8:], uint32(r.Prev))
}

func (r *PageSetIntRecord) FromStream(buf []byte) error {
	off, err := r.headerFromStream(buf)
	if err != nil {
		return err
	}
	if len(buf) < off+12 {
		return utils.ErrCorruptedWAL
	}
	r.Offset = int32(binary.LittleEndian.Uint32(buf[off:]))
	r.Value = int32(binary.LittleEndian.Uint32(buf[off+4:]))
	r.Prev = int32(binary.LittleEndian.Uint32(buf[off+8:]))
	return nil
}

func (r *PageSetIntRecord) Redo(page PageData) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(r.Value))
	page.PutBinary(int(r.Offset), tmp[:])
}

func (r *PageSetIntRecord) Undo(page PageData) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(r.Prev))
	page.PutBinary(int(r.Offset), tmp[:])
}

// PageSetLongRecord 页内 64 位整数写入
type PageSetLongRecord struct {
	pageOperationBase
	Offset int32
	Value  int64
	Prev   int64
}

// NewPageSetLong 构造 64 位整数写入记录
func NewPageSetLong(opID OperationUnitID, fileID, pageIndex int64, offset int32, value, prev int64) *PageSetLongRecord {
	return &PageSetLongRecord{
		pageOperationBase: pageOperationBase{OpID: opID, FileId: fileID, PageIdx: pageIndex},
		Offset:            offset, Value: value, Prev: prev,
	}
}

func (r *PageSetLongRecord) Kind() byte          { return KindPageSetLong }
func (r *PageSetLongRecord) SerializedSize() int { return pageOperationHeaderSize + 4 + 16 }

func (r *PageSetLongRecord) ToStream(buf []byte) {
	off := r.headerToStream(buf)
	binary.LittleEndian.PutUint32(buf[off:], uint32(r.Offset))
	binary.LittleEndian.PutUint64(buf[off+4:], uint64(r.Value))
	binary.LittleEndian.PutUint64(buf[off+12:], uint64(r.Prev))
}

func (r *PageSetLongRecord) FromStream(buf []byte) error {
	off, err := r.headerFromStream(buf)
	if err != nil {
		return err
	}
	if len(buf) < off+20 {
		return utils.ErrCorruptedWAL
	}
	r.Offset = int32(binary.LittleEndian.Uint32(buf[off:]))
	r.Value = int64(binary.LittleEndian.Uint64(buf[off+4:]))
	r.Prev = int64(binary.LittleEndian.Uint64(buf[off+12:]))
	return nil
}

func (r *PageSetLongRecord) Redo(page PageData) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(r.Value))
	page.PutBinary(int(r.Offset), tmp[:])
}

func (r *PageSetLongRecord) Undo(page PageData) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(r.Prev))
	page.PutBinary(int(r.Offset), tmp[:])
}

// PageSetBinaryRecord 页内字节串写入。新旧内容长度可以不同，
// undo 恢复旧内容覆盖的整个区域。
type PageSetBinaryRecord struct {
	pageOperationBase
	Offset int32
	Value  []byte
	Prev   []byte
}

// NewPageSetBinary 构造字节串写入记录
func NewPageSetBinary(opID OperationUnitID, fileID, pageIndex int64, offset int32, value, prev []byte) *PageSetBinaryRecord {
	return &PageSetBinaryRecord{
		pageOperationBase: pageOperationBase{OpID: opID, FileId: fileID, PageIdx: pageIndex},
		Offset:            offset, Value: value, Prev: prev,
	}
}

func (r *PageSetBinaryRecord) Kind() byte { return KindPageSetBinary }

func (r *PageSetBinaryRecord) SerializedSize() int {
	return pageOperationHeaderSize + 4 + 4 + len(r.Value) + 4 + len(r.Prev)
}

func (r *PageSetBinaryRecord) ToStream(buf []byte) {
	off := r.headerToStream(buf)
	binary.LittleEndian.PutUint32(buf[off:], uint32(r.Offset))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.Value)))
	off += 4
	copy(buf[off:], r.Value)
	off += len(r.Value)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.Prev)))
	off += 4
	copy(buf[off:], r.Prev)
}

func (r *PageSetBinaryRecord) FromStream(buf []byte) error {
	off, err := r.headerFromStream(buf)
	if err != nil {
		return err
	}
	if len(buf) < off+8 {
		return utils.ErrCorruptedWAL
	}
	r.Offset = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	valLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+valLen+4 {
		return utils.ErrCorruptedWAL
	}
	r.Value = append([]byte(nil), buf[off:off+valLen]...)
	off += valLen
	prevLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+prevLen {
		return utils.ErrCorruptedWAL
	}
	r.Prev = append([]byte(nil), buf[off:off+prevLen]...)
	return nil
}

func (r *PageSetBinaryRecord) Redo(page PageData) { page.PutBinary(int(r.Offset), r.Value) }
func (r *PageSetBinaryRecord) Undo(page PageData) { page.PutBinary(int(r.Offset), r.Prev) }

// ---------------------------------------------------------------------------
// 解码分发
// ---------------------------------------------------------------------------

// DecodeRecord 按类型字节解码记录体
func DecodeRecord(kind byte, body []byte) (Record, error) {
	var rec Record
	switch kind {
	case KindAtomicBegin, KindAtomicCommit, KindAtomicRollback:
		rec = &AtomicUnitRecord{kind: kind}
	case KindFileCreated:
		rec = &FileCreatedRecord{}
	case KindFileDeleted:
		rec = &FileDeletedRecord{}
	case KindCheckpoint:
		rec = &CheckpointRecord{}
	case KindPageSetByte:
		rec = &PageSetByteRecord{}
	case KindPageSetInt:
		rec = &PageSetIntRecord{}
	case KindPageSetLong:
		rec = &PageSetLongRecord{}
	case KindPageSetBinary:
		rec = &PageSetBinaryRecord{}
	default:
		return nil, errors.Wrapf(utils.ErrCorruptedWAL, "unknown record kind %d", kind)
	}
	if err := rec.FromStream(body); err != nil {
		return nil, err
	}
	return rec, nil
}

// EncodeRecord 将记录编码为完整的帧（长度 varint + 类型 + 记录体）
func EncodeRecord(rec Record) []byte {
	bodySize := rec.SerializedSize()
	frameLen := bodySize + 1

	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(frameLen))

	buf := make([]byte, n+frameLen)
	copy(buf, lenBuf[:n])
	buf[n] = rec.Kind()
	rec.ToStream(buf[n+1:])
	return buf
}
