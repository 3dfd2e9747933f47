/*
JadeStore 前缀 B+ 树桶模块

每页一个桶。桶内所有键共享一个桶前缀，条目只存储去掉前缀后的后缀，
按键序维护。页面布局（自持久页载荷起始处）：

- flags（1 字节，bit0 = 叶子）
- 树大小（8 字节，仅根桶使用）
- 条目数（4 字节）
- 空闲指针（4 字节，尾部区的起始偏移，向低地址增长）
- 前缀长度（4 字节）+ 前缀字节
- 偏移数组（每条目 2 字节，指向页内绝对偏移，按键序）
- 尾部条目区：从页尾向偏移数组方向增长

叶子条目：后缀长度(4) + 后缀 + 值标志(1) + 内嵌值(长度 4 + 字节)
或溢出链头页号(8)。内部条目：左子(8) + 右子(8) + 后缀长度(4) + 后缀。

删除条目时压实尾部区并修正受影响的偏移，使空间可立即复用。
*/

package btree

import (
	"encoding/binary"

	"github.com/util6/JadeStore/durable"
	"github.com/util6/JadeStore/pagecache"
)

const (
	flagsOffset       = durable.NextFreePosition
	treeSizeOffset    = flagsOffset + 4
	entryCountOffset  = treeSizeOffset + 8
	freePointerOffset = entryCountOffset + 4
	prefixLenOffset   = freePointerOffset + 4
	prefixOffset      = prefixLenOffset + 4

	leafFlag byte = 1
)

// TreeValue 叶子条目的值：内嵌字节或溢出链头页号
type TreeValue struct {
	IsLink bool
	Link   int64
	Raw    []byte
}

// Entry 解码后的桶条目（键为完整键，已拼回前缀）
type Entry struct {
	LeftChild  int64
	RightChild int64
	Key        string
	Value      TreeValue
}

// Bucket 前缀 B+ 树桶视图
type Bucket struct {
	page *durable.DurablePage
}

// NewBucket 在持久页上建立桶视图（写路径）
func NewBucket(page *durable.DurablePage) *Bucket {
	return &Bucket{page: page}
}

// NewBucketFromEntry 在读钉住的缓存条目上建立桶视图（读路径）
func NewBucketFromEntry(entry *pagecache.CacheEntry) *Bucket {
	return &Bucket{page: durable.NewDurablePage(entry, 0)}
}

// Init 初始化桶：设置叶子标志与前缀，清空条目
func (b *Bucket) Init(leaf bool, prefix string) {
	var flags byte
	if leaf {
		flags |= leafFlag
	}
	b.page.SetByteValue(flagsOffset, flags)
	b.page.SetIntValue(entryCountOffset, 0)
	b.page.SetIntValue(freePointerOffset, pagecache.PageSize)
	b.page.SetIntValue(prefixLenOffset, int32(len(prefix)))
	if len(prefix) > 0 {
		b.page.SetBinaryValue(prefixOffset, []byte(prefix))
	}
}

// IsLeaf 是否为叶子桶
func (b *Bucket) IsLeaf() bool {
	return b.page.GetByteValue(flagsOffset)&leafFlag != 0
}

// Size 条目数
func (b *Bucket) Size() int {
	return int(b.page.GetIntValue(entryCountOffset))
}

// IsEmpty 桶是否为空
func (b *Bucket) IsEmpty() bool {
	return b.Size() == 0
}

// TreeSize 树大小计数（仅根桶有意义）
func (b *Bucket) TreeSize() int64 {
	return b.page.GetLongValue(treeSizeOffset)
}

// SetTreeSize 更新树大小计数
func (b *Bucket) SetTreeSize(size int64) {
	b.page.SetLongValue(treeSizeOffset, size)
}

// BucketPrefix 桶前缀
func (b *Bucket) BucketPrefix() string {
	prefixLen := int(b.page.GetIntValue(prefixLenOffset))
	if prefixLen == 0 {
		return ""
	}
	return string(b.page.GetBinaryValue(prefixOffset, prefixLen))
}

func (b *Bucket) offsetsStart() int {
	return prefixOffset + int(b.page.GetIntValue(prefixLenOffset))
}

func (b *Bucket) entryPosition(index int) int {
	slot := b.offsetsStart() + 2*index
	return int(binary.LittleEndian.Uint16(b.page.GetBinaryValue(slot, 2)))
}

func (b *Bucket) freePointer() int {
	return int(b.page.GetIntValue(freePointerOffset))
}

// freeSpace 偏移数组末端与尾部区之间的可用字节数
func (b *Bucket) freeSpace() int {
	return b.freePointer() - (b.offsetsStart() + 2*b.Size())
}

// KeyWithoutPrefix 第 index 个条目的键后缀
func (b *Bucket) KeyWithoutPrefix(index int) string {
	pos := b.entryPosition(index)
	if !b.IsLeaf() {
		pos += 16
	}
	suffixLen := int(b.page.GetIntValue(pos))
	return string(b.page.GetBinaryValue(pos+4, suffixLen))
}

// Key 第 index 个条目的完整键
func (b *Bucket) Key(index int) string {
	return b.BucketPrefix() + b.KeyWithoutPrefix(index)
}

// Find 二分查找完整键。找到返回条目下标，
// 否则返回 -(插入点+1)。
func (b *Bucket) Find(key string) int {
	low, high := 0, b.Size()-1
	for low <= high {
		mid := (low + high) >> 1
		midKey := b.Key(mid)
		switch {
		case midKey < key:
			low = mid + 1
		case midKey > key:
			high = mid - 1
		default:
			return mid
		}
	}
	return -(low + 1)
}

// GetLeft 内部条目的左子页号
func (b *Bucket) GetLeft(index int) int64 {
	return b.page.GetLongValue(b.entryPosition(index))
}

// GetRight 内部条目的右子页号
func (b *Bucket) GetRight(index int) int64 {
	return b.page.GetLongValue(b.entryPosition(index) + 8)
}

// GetValue 叶子条目的值
func (b *Bucket) GetValue(index int) TreeValue {
	pos := b.entryPosition(index)
	suffixLen := int(b.page.GetIntValue(pos))
	pos += 4 + suffixLen

	if b.page.GetByteValue(pos) != 0 {
		return TreeValue{IsLink: true, Link: b.page.GetLongValue(pos + 1)}
	}
	valLen := int(b.page.GetIntValue(pos + 1))
	return TreeValue{Raw: b.page.GetBinaryValue(pos+5, valLen)}
}

// GetRawValue 叶子条目内嵌值的原始字节（溢出链返回 nil）
func (b *Bucket) GetRawValue(index int) []byte {
	v := b.GetValue(index)
	if v.IsLink {
		return nil
	}
	return v.Raw
}

// GetEntry 解码第 index 个条目
func (b *Bucket) GetEntry(index int) Entry {
	pos := b.entryPosition(index)
	prefix := b.BucketPrefix()

	if b.IsLeaf() {
		suffixLen := int(b.page.GetIntValue(pos))
		key := prefix + string(b.page.GetBinaryValue(pos+4, suffixLen))
		return Entry{Key: key, Value: b.GetValue(index)}
	}

	left := b.page.GetLongValue(pos)
	right := b.page.GetLongValue(pos + 8)
	suffixLen := int(b.page.GetIntValue(pos + 16))
	key := prefix + string(b.page.GetBinaryValue(pos+20, suffixLen))
	return Entry{LeftChild: left, RightChild: right, Key: key}
}

// leafEntrySize 叶子条目的编码长度
func leafEntrySize(suffixLen int, value TreeValue) int {
	if value.IsLink {
		return 4 + suffixLen + 1 + 8
	}
	return 4 + suffixLen + 1 + 4 + len(value.Raw)
}

// encodeLeafEntry 编码叶子条目
func encodeLeafEntry(suffix string, value TreeValue) []byte {
	buf := make([]byte, leafEntrySize(len(suffix), value))
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(suffix)))
	copy(buf[4:], suffix)
	pos := 4 + len(suffix)
	if value.IsLink {
		buf[pos] = 1
		binary.LittleEndian.PutUint64(buf[pos+1:], uint64(value.Link))
	} else {
		buf[pos] = 0
		binary.LittleEndian.PutUint32(buf[pos+1:], uint32(len(value.Raw)))
		copy(buf[pos+5:], value.Raw)
	}
	return buf
}

// encodeInternalEntry 编码内部条目
func encodeInternalEntry(suffix string, left, right int64) []byte {
	buf := make([]byte, 16+4+len(suffix))
	binary.LittleEndian.PutUint64(buf[0:], uint64(left))
	binary.LittleEndian.PutUint64(buf[8:], uint64(right))
	binary.LittleEndian.PutUint32(buf[16:], uint32(len(suffix)))
	copy(buf[20:], suffix)
	return buf
}

// entrySizeAt 第 index 个条目的编码长度
func (b *Bucket) entrySizeAt(index int) int {
	pos := b.entryPosition(index)
	if b.IsLeaf() {
		suffixLen := int(b.page.GetIntValue(pos))
		vPos := pos + 4 + suffixLen
		if b.page.GetByteValue(vPos) != 0 {
			return 4 + suffixLen + 1 + 8
		}
		return 4 + suffixLen + 1 + 4 + int(b.page.GetIntValue(vPos+1))
	}
	suffixLen := int(b.page.GetIntValue(pos + 16))
	return 16 + 4 + suffixLen
}

// insertRaw 在 index 处插入编码好的条目。空间不足时返回 false。
func (b *Bucket) insertRaw(index int, encoded []byte) bool {
	if b.freeSpace() < len(encoded)+2 {
		return false
	}

	size := b.Size()
	entryPos := b.freePointer() - len(encoded)
	b.page.SetBinaryValue(entryPos, encoded)
	b.page.SetIntValue(freePointerOffset, int32(entryPos))

	// 偏移数组右移一格，腾出 index 位置
	start := b.offsetsStart()
	if index < size {
		region := b.page.GetBinaryValue(start+2*index, 2*(size-index))
		b.page.SetBinaryValue(start+2*(index+1), region)
	}
	var slot [2]byte
	binary.LittleEndian.PutUint16(slot[:], uint16(entryPos))
	b.page.SetBinaryValue(start+2*index, slot[:])

	b.page.SetIntValue(entryCountOffset, int32(size+1))
	return true
}

// AddLeafEntry 在 index 处插入叶子条目（键须已去前缀）
func (b *Bucket) AddLeafEntry(index int, suffix string, value TreeValue) bool {
	return b.insertRaw(index, encodeLeafEntry(suffix, value))
}

// AddInternalEntry 在 index 处插入内部条目（键须已去前缀）
func (b *Bucket) AddInternalEntry(index int, suffix string, left, right int64) bool {
	return b.insertRaw(index, encodeInternalEntry(suffix, left, right))
}

// UpdateValue 原地替换内嵌值（长度必须一致）
func (b *Bucket) UpdateValue(index int, raw []byte) {
	pos := b.entryPosition(index)
	suffixLen := int(b.page.GetIntValue(pos))
	b.page.SetBinaryValue(pos+4+suffixLen+5, raw)
}

// SetRight 修正内部条目的右子指针
func (b *Bucket) SetRight(index int, pageIndex int64) {
	b.page.SetLongValue(b.entryPosition(index)+8, pageIndex)
}

// SetLeft 修正内部条目的左子指针
func (b *Bucket) SetLeft(index int, pageIndex int64) {
	b.page.SetLongValue(b.entryPosition(index), pageIndex)
}

// Remove 删除第 index 个条目并压实尾部区
func (b *Bucket) Remove(index int) {
	size := b.Size()
	entryPos := b.entryPosition(index)
	entrySize := b.entrySizeAt(index)
	freePtr := b.freePointer()

	// 尾部区中位于被删条目之下的字节整体上移
	if entryPos > freePtr {
		b.page.MoveData(freePtr, freePtr+entrySize, entryPos-freePtr)
	}

	// 修正偏移数组：删除 index 槽位，再对低于 entryPos 的偏移加上条目长度
	start := b.offsetsStart()
	offsets := make([]uint16, 0, size-1)
	for i := 0; i < size; i++ {
		if i == index {
			continue
		}
		off := uint16(b.entryPosition(i))
		if int(off) < entryPos {
			off += uint16(entrySize)
		}
		offsets = append(offsets, off)
	}
	if len(offsets) > 0 {
		buf := make([]byte, 2*len(offsets))
		for i, off := range offsets {
			binary.LittleEndian.PutUint16(buf[2*i:], off)
		}
		b.page.SetBinaryValue(start, buf)
	}

	b.page.SetIntValue(freePointerOffset, int32(freePtr+entrySize))
	b.page.SetIntValue(entryCountOffset, int32(size-1))
}

// Entries 解码 [from, to) 区间的条目
func (b *Bucket) Entries(from, to int) []Entry {
	out := make([]Entry, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, b.GetEntry(i))
	}
	return out
}

// suffixOf 去掉前缀后的后缀。键必须以 prefix 开头。
func suffixOf(key, prefix string) string {
	return key[len(prefix):]
}

// AddAllWithPrefix 以给定前缀重编码并追加条目（条目键为完整键）
func (b *Bucket) AddAllWithPrefix(entries []Entry, prefix string) {
	leaf := b.IsLeaf()
	for _, e := range entries {
		suffix := suffixOf(e.Key, prefix)
		if leaf {
			b.AddLeafEntry(b.Size(), suffix, e.Value)
		} else {
			b.AddInternalEntry(b.Size(), suffix, e.LeftChild, e.RightChild)
		}
	}
}

// ShrinkWithPrefix 只保留前 newSize 个条目并以新前缀重建桶
func (b *Bucket) ShrinkWithPrefix(newSize int, newPrefix string) {
	leaf := b.IsLeaf()
	treeSize := b.TreeSize()
	kept := b.Entries(0, newSize)

	b.Init(leaf, newPrefix)
	b.SetTreeSize(treeSize)
	b.AddAllWithPrefix(kept, newPrefix)
}
