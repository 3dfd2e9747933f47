/*
JadeStore 簇位置映射桶模块

页式数组的一页：固定大小的条目数组，每条 = 标志(1) + 页号(8) +
记录位置(4)。标志机：

- NOT_EXISTENT：超出范围（不落盘）
- ALLOCATED：已预留，尚未填充（哨兵 -1/-1）
- FILLED：有效条目
- REMOVED：墓碑，可被 resurrect 复活

页头带 next-page 链接，上层在桶填满时串接下一页。
*/

package cluster

import (
	"github.com/util6/JadeStore/durable"
	"github.com/util6/JadeStore/pagecache"
)

// 条目标志
const (
	// NotExistent 超出范围，从不落盘
	NotExistent byte = 0
	// Removed 已删除的墓碑
	Removed byte = 1
	// Filled 有效条目
	Filled byte = 2
	// Allocated 已预留、未填充
	Allocated byte = 4
)

const (
	nextPageOffset  = durable.NextFreePosition
	sizeOffset      = nextPageOffset + 8
	positionsOffset = sizeOffset + 4

	// entrySize 单条目编码长度
	entrySize = 1 + 8 + 4

	// MaxEntries 单桶容量
	MaxEntries = (pagecache.PageSize - positionsOffset) / entrySize
)

// PositionEntry 逻辑位置到物理位置的映射
type PositionEntry struct {
	PageIndex      int64
	RecordPosition int32
}

// Bucket 位置映射桶视图
type Bucket struct {
	page *durable.DurablePage
}

// NewBucket 在持久页上建立桶视图
func NewBucket(page *durable.DurablePage) *Bucket {
	return &Bucket{page: page}
}

// NewBucketFromEntry 在读钉住的缓存条目上建立桶视图
func NewBucketFromEntry(entry *pagecache.CacheEntry) *Bucket {
	return &Bucket{page: durable.NewDurablePage(entry, 0)}
}

// Init 初始化空桶
func (b *Bucket) Init() {
	b.page.SetLongValue(nextPageOffset, -1)
	b.page.SetIntValue(sizeOffset, 0)
}

// NextPage 下一桶页号（-1 为链尾）
func (b *Bucket) NextPage() int64 {
	return b.page.GetLongValue(nextPageOffset)
}

// SetNextPage 串接下一桶
func (b *Bucket) SetNextPage(pageIndex int64) {
	b.page.SetLongValue(nextPageOffset, pageIndex)
}

// Size 桶内条目数（含墓碑与预留）
func (b *Bucket) Size() int {
	return int(b.page.GetIntValue(sizeOffset))
}

// IsFull 桶是否已满
func (b *Bucket) IsFull() bool {
	return b.Size() == MaxEntries
}

func entryPosition(index int) int {
	return positionsOffset + index*entrySize
}

// Add 追加 FILLED 条目，返回桶内下标
func (b *Bucket) Add(pageIndex int64, recordPosition int32) int {
	size := b.Size()
	pos := entryPosition(size)

	b.page.SetByteValue(pos, Filled)
	b.page.SetLongValue(pos+1, pageIndex)
	b.page.SetIntValue(pos+9, recordPosition)
	b.page.SetIntValue(sizeOffset, int32(size+1))
	return size
}

// Allocate 追加 ALLOCATED 条目（哨兵 -1/-1），返回桶内下标
func (b *Bucket) Allocate() int {
	size := b.Size()
	pos := entryPosition(size)

	b.page.SetByteValue(pos, Allocated)
	b.page.SetLongValue(pos+1, -1)
	b.page.SetIntValue(pos+9, -1)
	b.page.SetIntValue(sizeOffset, int32(size+1))
	return size
}

// Get 读条目。下标越界或非 FILLED 返回 nil。
func (b *Bucket) Get(index int) *PositionEntry {
	if index >= b.Size() {
		return nil
	}
	pos := entryPosition(index)
	if b.page.GetByteValue(pos) != Filled {
		return nil
	}
	return &PositionEntry{
		PageIndex:      b.page.GetLongValue(pos + 1),
		RecordPosition: b.page.GetIntValue(pos + 9),
	}
}

// Set 覆写条目。ALLOCATED 变为 FILLED，FILLED 保持；
// 其余状态为非法迁移。
func (b *Bucket) Set(index int, entry PositionEntry) error {
	if index >= b.Size() {
		return errIndexOutOfRange(index, b.Size())
	}

	pos := entryPosition(index)
	flag := b.page.GetByteValue(pos)
	switch flag {
	case Allocated:
		b.page.SetByteValue(pos, Filled)
	case Filled:
	default:
		return errWrongTransition(index, flag)
	}

	b.page.SetLongValue(pos+1, entry.PageIndex)
	b.page.SetIntValue(pos+9, entry.RecordPosition)
	return nil
}

// Remove 删除条目：FILLED 变 REMOVED，其余状态为无操作
func (b *Bucket) Remove(index int) bool {
	if index >= b.Size() {
		return false
	}
	pos := entryPosition(index)
	if b.page.GetByteValue(pos) != Filled {
		return false
	}
	b.page.SetByteValue(pos, Removed)
	return true
}

// Resurrect 复活墓碑：REMOVED 变 FILLED 并覆写位置，否则非法迁移
func (b *Bucket) Resurrect(index int, entry PositionEntry) error {
	if index >= b.Size() {
		return errIndexOutOfRange(index, b.Size())
	}

	pos := entryPosition(index)
	if b.page.GetByteValue(pos) != Removed {
		return errWrongTransition(index, b.page.GetByteValue(pos))
	}
	b.page.SetByteValue(pos, Filled)
	b.page.SetLongValue(pos+1, entry.PageIndex)
	b.page.SetIntValue(pos+9, entry.RecordPosition)
	return nil
}

// Exists 条目是否为 FILLED
func (b *Bucket) Exists(index int) bool {
	if index >= b.Size() {
		return false
	}
	return b.page.GetByteValue(entryPosition(index)) == Filled
}

// Status 条目状态（越界返回 NOT_EXISTENT）
func (b *Bucket) Status(index int) byte {
	if index >= b.Size() {
		return NotExistent
	}
	return b.page.GetByteValue(entryPosition(index))
}
