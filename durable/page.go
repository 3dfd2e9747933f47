/*
JadeStore 持久页模块

持久页是缓存条目上的类型化视图。所有页内类型（B+ 树桶、Bonsai 桶、
哈希目录页、位置映射桶）都通过它的二进制访问器读写页面：每次 Set*
调用恰好产生一条携带旧值的页操作记录，追加到页内待办列表。

写钉释放时（见 component.go），待办记录按产生顺序排入 WAL，页面 LSN
更新为最后一条记录的 LSN。记录的 redo 要求页面状态恰为记录产生前的
状态；undo 将对应区域恢复为旧值。两者都不再产生新的 WAL 记录。
*/

package durable

import (
	"encoding/binary"

	"github.com/util6/JadeStore/pagecache"
	"github.com/util6/JadeStore/wal"
)

// NextFreePosition 类型化页面载荷的起始偏移（页头之后）
const NextFreePosition = pagecache.NextFreePosition

// DurablePage 缓存条目上的类型化视图
type DurablePage struct {
	entry *pagecache.CacheEntry
	opID  wal.OperationUnitID
	ops   []wal.PageOperation
}

// NewDurablePage 在写钉住的缓存条目上建立持久页视图
func NewDurablePage(entry *pagecache.CacheEntry, opID wal.OperationUnitID) *DurablePage {
	return &DurablePage{entry: entry, opID: opID}
}

// Entry 底层缓存条目
func (p *DurablePage) Entry() *pagecache.CacheEntry {
	return p.entry
}

// PageIndex 页号
func (p *DurablePage) PageIndex() int64 {
	return p.entry.PageIndex()
}

// AndClearOperations 取走并清空待办页操作记录
func (p *DurablePage) AndClearOperations() []wal.PageOperation {
	ops := p.ops
	p.ops = nil
	return ops
}

// GetByteValue 读单字节
func (p *DurablePage) GetByteValue(offset int) byte {
	return p.entry.Buffer()[offset]
}

// SetByteValue 写单字节并记录页操作
func (p *DurablePage) SetByteValue(offset int, value byte) {
	buf := p.entry.Buffer()
	prev := buf[offset]
	buf[offset] = value
	p.ops = append(p.ops, wal.NewPageSetByte(p.opID, p.entry.FileID(), p.entry.PageIndex(),
		int32(offset), value, prev))
}

// GetIntValue 读 32 位整数
func (p *DurablePage) GetIntValue(offset int) int32 {
	return int32(binary.LittleEndian.Uint32(p.entry.Buffer()[offset:]))
}

// SetIntValue 写 32 位整数并记录页操作
func (p *DurablePage) SetIntValue(offset int, value int32) {
	buf := p.entry.Buffer()
	prev := int32(binary.LittleEndian.Uint32(buf[offset:]))
	binary.LittleEndian.PutUint32(buf[offset:], uint32(value))
	p.ops = append(p.ops, wal.NewPageSetInt(p.opID, p.entry.FileID(), p.entry.PageIndex(),
		int32(offset), value, prev))
}

// GetLongValue 读 64 位整数
func (p *DurablePage) GetLongValue(offset int) int64 {
	return int64(binary.LittleEndian.Uint64(p.entry.Buffer()[offset:]))
}

// SetLongValue 写 64 位整数并记录页操作
func (p *DurablePage) SetLongValue(offset int, value int64) {
	buf := p.entry.Buffer()
	prev := int64(binary.LittleEndian.Uint64(buf[offset:]))
	binary.LittleEndian.PutUint64(buf[offset:], uint64(value))
	p.ops = append(p.ops, wal.NewPageSetLong(p.opID, p.entry.FileID(), p.entry.PageIndex(),
		int32(offset), value, prev))
}

// GetBinaryValue 读字节串（返回副本）
func (p *DurablePage) GetBinaryValue(offset, size int) []byte {
	buf := p.entry.Buffer()
	out := make([]byte, size)
	copy(out, buf[offset:offset+size])
	return out
}

// SetBinaryValue 写字节串并记录页操作
func (p *DurablePage) SetBinaryValue(offset int, value []byte) {
	if len(value) == 0 {
		return
	}
	buf := p.entry.Buffer()
	prev := make([]byte, len(value))
	copy(prev, buf[offset:offset+len(value)])
	val := make([]byte, len(value))
	copy(val, value)
	copy(buf[offset:], value)
	p.ops = append(p.ops, wal.NewPageSetBinary(p.opID, p.entry.FileID(), p.entry.PageIndex(),
		int32(offset), val, prev))
}

// MoveData 页内搬移字节区域（记录为一次目标区域写入）
func (p *DurablePage) MoveData(srcOffset, dstOffset, length int) {
	if length <= 0 {
		return
	}
	buf := p.entry.Buffer()
	src := make([]byte, length)
	copy(src, buf[srcOffset:srcOffset+length])
	p.SetBinaryValue(dstOffset, src)
}

// rawPage PageData 的无日志实现：redo/undo 与恢复路径直接写页面缓冲
type rawPage struct {
	buf []byte
}

// RawPageView 在缓存条目上建立无日志的页面数据视图
func RawPageView(entry *pagecache.CacheEntry) wal.PageData {
	return rawPage{buf: entry.Buffer()}
}

func (r rawPage) GetBinary(offset, size int) []byte {
	out := make([]byte, size)
	copy(out, r.buf[offset:offset+size])
	return out
}

func (r rawPage) PutBinary(offset int, value []byte) {
	copy(r.buf[offset:], value)
}

// GetBinary 实现 wal.PageData（恢复路径不使用，读走访问器）
func (p *DurablePage) GetBinary(offset, size int) []byte {
	return p.GetBinaryValue(offset, size)
}

// PutBinary 实现 wal.PageData：无日志写入，仅供 redo/undo 使用
func (p *DurablePage) PutBinary(offset int, value []byte) {
	copy(p.entry.Buffer()[offset:], value)
}
