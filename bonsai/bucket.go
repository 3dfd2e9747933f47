/*
JadeStore Bonsai 桶模块

Bonsai 桶是固定字节预算的子页区域，多个桶共享一个页面。桶指针是
(页号, 页内偏移)，偏移相对持久页载荷起始处、按桶预算对齐。

桶区域布局（相对区域起始）：
- flags（1 字节：bit0 叶子，bit1 已删除）
- 键序列化器 ID（1）+ 值序列化器 ID（1）
- 条目数（4）
- 空闲指针（4，区域相对，尾部条目区起始，向低地址增长）
- 左兄弟指针（12）+ 右兄弟指针（12）：叶子间双向链
- 空闲链表 next 指针（12）：桶被回收后串入 sys 桶空闲链
- 树大小（8，仅根桶）
- 偏移数组（每条目 2 字节，区域相对）+ 尾部条目区

文件 0 号页偏移 0 处是 sys 桶：空闲空间指针、空闲链表头、链表长度
与初始化标志。
*/

package bonsai

import (
	"encoding/binary"

	"github.com/util6/JadeStore/durable"
	"github.com/util6/JadeStore/pagecache"
	"github.com/util6/JadeStore/serializer"
)

const (
	// MaxBucketSizeBytes 单个 Bonsai 桶的字节预算
	MaxBucketSizeBytes = 4096

	// BucketsPerPage 每页可容纳的桶数
	BucketsPerPage = (pagecache.PageSize - durable.NextFreePosition) / MaxBucketSizeBytes
)

// 桶区域内的字段偏移
const (
	bFlagsOffset        = 0
	bKeySerIDOffset     = 1
	bValueSerIDOffset   = 2
	bSizeOffset         = 4
	bFreePointerOffset  = 8
	bLeftSiblingOffset  = 12
	bRightSiblingOffset = 24
	bFreeListNextOffset = 36
	bTreeSizeOffset     = 48
	bEntriesOffset      = 56

	bLeafFlag    byte = 1
	bDeletedFlag byte = 2

	// pointerSize 桶指针的编码长度
	pointerSize = 12
)

// Pointer Bonsai 桶指针：(页号, 页内偏移)
type Pointer struct {
	PageIndex  int64
	PageOffset int32
}

// NullPointer 空指针
var NullPointer = Pointer{PageIndex: -1, PageOffset: -1}

// IsValid 指针是否指向真实的桶
func (p Pointer) IsValid() bool {
	return p.PageIndex >= 0
}

// SysBucketPointer sys 桶的固定位置
var SysBucketPointer = Pointer{PageIndex: 0, PageOffset: 0}

// Bucket Bonsai 桶视图
type Bucket struct {
	page *durable.DurablePage
	base int // 区域起始的页内绝对偏移
}

// NewBucket 在持久页上建立桶视图
func NewBucket(page *durable.DurablePage, pageOffset int32) *Bucket {
	return &Bucket{page: page, base: durable.NextFreePosition + int(pageOffset)}
}

// NewBucketFromEntry 在读钉住的缓存条目上建立桶视图
func NewBucketFromEntry(entry *pagecache.CacheEntry, pageOffset int32) *Bucket {
	return NewBucket(durable.NewDurablePage(entry, 0), pageOffset)
}

func (b *Bucket) getPointer(rel int) Pointer {
	return Pointer{
		PageIndex:  b.page.GetLongValue(b.base + rel),
		PageOffset: b.page.GetIntValue(b.base + rel + 8),
	}
}

func (b *Bucket) setPointer(rel int, p Pointer) {
	b.page.SetLongValue(b.base+rel, p.PageIndex)
	b.page.SetIntValue(b.base+rel+8, p.PageOffset)
}

// Init 初始化桶
func (b *Bucket) Init(leaf bool, keySerializerID, valueSerializerID byte) {
	var flags byte
	if leaf {
		flags |= bLeafFlag
	}
	b.page.SetByteValue(b.base+bFlagsOffset, flags)
	b.page.SetByteValue(b.base+bKeySerIDOffset, keySerializerID)
	b.page.SetByteValue(b.base+bValueSerIDOffset, valueSerializerID)
	b.page.SetIntValue(b.base+bSizeOffset, 0)
	b.page.SetIntValue(b.base+bFreePointerOffset, MaxBucketSizeBytes)
	b.setPointer(bLeftSiblingOffset, NullPointer)
	b.setPointer(bRightSiblingOffset, NullPointer)
	b.setPointer(bFreeListNextOffset, NullPointer)
}

// IsLeaf 是否叶子桶
func (b *Bucket) IsLeaf() bool {
	return b.page.GetByteValue(b.base+bFlagsOffset)&bLeafFlag != 0
}

// ConvertToNonLeaf 根分裂后把根桶转为内部桶
func (b *Bucket) ConvertToNonLeaf() {
	flags := b.page.GetByteValue(b.base + bFlagsOffset)
	b.page.SetByteValue(b.base+bFlagsOffset, flags&^bLeafFlag)
}

// IsDeleted 桶是否已回收
func (b *Bucket) IsDeleted() bool {
	return b.page.GetByteValue(b.base+bFlagsOffset)&bDeletedFlag != 0
}

// SetDeleted 标记桶已回收
func (b *Bucket) SetDeleted() {
	flags := b.page.GetByteValue(b.base + bFlagsOffset)
	b.page.SetByteValue(b.base+bFlagsOffset, flags|bDeletedFlag)
}

// KeySerializerID 键序列化器 ID
func (b *Bucket) KeySerializerID() byte {
	return b.page.GetByteValue(b.base + bKeySerIDOffset)
}

// ValueSerializerID 值序列化器 ID
func (b *Bucket) ValueSerializerID() byte {
	return b.page.GetByteValue(b.base + bValueSerIDOffset)
}

// Size 条目数
func (b *Bucket) Size() int {
	return int(b.page.GetIntValue(b.base + bSizeOffset))
}

// IsEmpty 是否为空
func (b *Bucket) IsEmpty() bool {
	return b.Size() == 0
}

// TreeSize 树大小计数（仅根桶）
func (b *Bucket) TreeSize() int64 {
	return b.page.GetLongValue(b.base + bTreeSizeOffset)
}

// SetTreeSize 更新树大小计数
func (b *Bucket) SetTreeSize(size int64) {
	b.page.SetLongValue(b.base+bTreeSizeOffset, size)
}

// LeftSibling 左兄弟指针
func (b *Bucket) LeftSibling() Pointer {
	return b.getPointer(bLeftSiblingOffset)
}

// SetLeftSibling 设置左兄弟指针
func (b *Bucket) SetLeftSibling(p Pointer) {
	b.setPointer(bLeftSiblingOffset, p)
}

// RightSibling 右兄弟指针
func (b *Bucket) RightSibling() Pointer {
	return b.getPointer(bRightSiblingOffset)
}

// SetRightSibling 设置右兄弟指针
func (b *Bucket) SetRightSibling(p Pointer) {
	b.setPointer(bRightSiblingOffset, p)
}

// FreeListPointer 空闲链表 next 指针
func (b *Bucket) FreeListPointer() Pointer {
	return b.getPointer(bFreeListNextOffset)
}

// SetFreeListPointer 设置空闲链表 next 指针
func (b *Bucket) SetFreeListPointer(p Pointer) {
	b.setPointer(bFreeListNextOffset, p)
}

func (b *Bucket) entryPosition(index int) int {
	slot := b.base + bEntriesOffset + 2*index
	return int(binary.LittleEndian.Uint16(b.page.GetBinaryValue(slot, 2)))
}

func (b *Bucket) freePointer() int {
	return int(b.page.GetIntValue(b.base + bFreePointerOffset))
}

func (b *Bucket) freeSpace() int {
	return b.freePointer() - (bEntriesOffset + 2*b.Size())
}

// Entry Bonsai 桶条目
type Entry struct {
	LeftChild  Pointer
	RightChild Pointer
	Key        interface{}
	Value      interface{}
}

// GetKey 第 index 个条目的键
func (b *Bucket) GetKey(index int, keySer serializer.Serializer) interface{} {
	pos := b.entryPosition(index)
	if !b.IsLeaf() {
		pos += 2 * pointerSize
	}
	abs := b.base + pos
	size := keySer.ObjectSizeAt(b.page.GetBinaryValue(abs, 8), 0)
	return keySer.Deserialize(b.page.GetBinaryValue(abs, size), 0)
}

// GetEntry 解码第 index 个条目
func (b *Bucket) GetEntry(index int, keySer, valSer serializer.Serializer) Entry {
	pos := b.entryPosition(index)

	if b.IsLeaf() {
		abs := b.base + pos
		keySize := keySer.ObjectSizeAt(b.page.GetBinaryValue(abs, 8), 0)
		key := keySer.Deserialize(b.page.GetBinaryValue(abs, keySize), 0)

		abs += keySize
		valSize := valSer.ObjectSizeAt(b.page.GetBinaryValue(abs, 8), 0)
		value := valSer.Deserialize(b.page.GetBinaryValue(abs, valSize), 0)
		return Entry{LeftChild: NullPointer, RightChild: NullPointer, Key: key, Value: value}
	}

	left := b.getPointer(pos)
	right := b.getPointer(pos + pointerSize)
	abs := b.base + pos + 2*pointerSize
	keySize := keySer.ObjectSizeAt(b.page.GetBinaryValue(abs, 8), 0)
	key := keySer.Deserialize(b.page.GetBinaryValue(abs, keySize), 0)
	return Entry{LeftChild: left, RightChild: right, Key: key}
}

// GetRawEntry 第 index 个条目的原始字节（分裂搬移用）
func (b *Bucket) GetRawEntry(index int, keySer, valSer serializer.Serializer) []byte {
	pos := b.entryPosition(index)

	if b.IsLeaf() {
		abs := b.base + pos
		keySize := keySer.ObjectSizeAt(b.page.GetBinaryValue(abs, 8), 0)
		valSize := valSer.ObjectSizeAt(b.page.GetBinaryValue(abs+keySize, 8), 0)
		return b.page.GetBinaryValue(abs, keySize+valSize)
	}

	abs := b.base + pos
	keySize := keySer.ObjectSizeAt(b.page.GetBinaryValue(abs+2*pointerSize, 8), 0)
	return b.page.GetBinaryValue(abs, 2*pointerSize+keySize)
}

// Find 二分查找键。找到返回下标，否则返回 -(插入点+1)。
func (b *Bucket) Find(key interface{}, keySer serializer.Serializer) int {
	low, high := 0, b.Size()-1
	for low <= high {
		mid := (low + high) >> 1
		cmp := serializer.Compare(b.GetKey(mid, keySer), key)
		switch {
		case cmp < 0:
			low = mid + 1
		case cmp > 0:
			high = mid - 1
		default:
			return mid
		}
	}
	return -(low + 1)
}

// encodeEntry 编码条目
func encodeEntry(e Entry, leaf bool, keySer, valSer serializer.Serializer) []byte {
	keySize := keySer.ObjectSize(e.Key)

	if leaf {
		valSize := valSer.ObjectSize(e.Value)
		buf := make([]byte, keySize+valSize)
		keySer.Serialize(e.Key, buf, 0)
		valSer.Serialize(e.Value, buf, keySize)
		return buf
	}

	buf := make([]byte, 2*pointerSize+keySize)
	binary.LittleEndian.PutUint64(buf[0:], uint64(e.LeftChild.PageIndex))
	binary.LittleEndian.PutUint32(buf[8:], uint32(e.LeftChild.PageOffset))
	binary.LittleEndian.PutUint64(buf[pointerSize:], uint64(e.RightChild.PageIndex))
	binary.LittleEndian.PutUint32(buf[pointerSize+8:], uint32(e.RightChild.PageOffset))
	keySer.Serialize(e.Key, buf, 2*pointerSize)
	return buf
}

// insertRaw 在 index 处插入编码好的条目。空间不足时返回 false。
func (b *Bucket) insertRaw(index int, encoded []byte) bool {
	if b.freeSpace() < len(encoded)+2 {
		return false
	}

	size := b.Size()
	entryPos := b.freePointer() - len(encoded)
	b.page.SetBinaryValue(b.base+entryPos, encoded)
	b.page.SetIntValue(b.base+bFreePointerOffset, int32(entryPos))

	start := b.base + bEntriesOffset
	if index < size {
		region := b.page.GetBinaryValue(start+2*index, 2*(size-index))
		b.page.SetBinaryValue(start+2*(index+1), region)
	}
	var slot [2]byte
	binary.LittleEndian.PutUint16(slot[:], uint16(entryPos))
	b.page.SetBinaryValue(start+2*index, slot[:])

	b.page.SetIntValue(b.base+bSizeOffset, int32(size+1))
	return true
}

// InsertEntry 在 index 处插入条目。空间不足时返回 false。
func (b *Bucket) InsertEntry(index int, e Entry, keySer, valSer serializer.Serializer) bool {
	return b.insertRaw(index, encodeEntry(e, b.IsLeaf(), keySer, valSer))
}

// AddAll 依序追加原始条目
func (b *Bucket) AddAll(rawEntries [][]byte) {
	for _, raw := range rawEntries {
		b.insertRaw(b.Size(), raw)
	}
}

// entrySizeAt 第 index 个条目的编码长度
func (b *Bucket) entrySizeAt(index int, keySer, valSer serializer.Serializer) int {
	pos := b.entryPosition(index)
	if b.IsLeaf() {
		abs := b.base + pos
		keySize := keySer.ObjectSizeAt(b.page.GetBinaryValue(abs, 8), 0)
		valSize := valSer.ObjectSizeAt(b.page.GetBinaryValue(abs+keySize, 8), 0)
		return keySize + valSize
	}
	abs := b.base + pos
	keySize := keySer.ObjectSizeAt(b.page.GetBinaryValue(abs+2*pointerSize, 8), 0)
	return 2*pointerSize + keySize
}

// RemoveLeafEntry 删除叶子条目并压实尾部区
func (b *Bucket) RemoveLeafEntry(index int, keySer, valSer serializer.Serializer) {
	size := b.Size()
	entryPos := b.entryPosition(index)
	entrySize := b.entrySizeAt(index, keySer, valSer)
	freePtr := b.freePointer()

	if entryPos > freePtr {
		b.page.MoveData(b.base+freePtr, b.base+freePtr+entrySize, entryPos-freePtr)
	}

	start := b.base + bEntriesOffset
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

	b.page.SetIntValue(b.base+bFreePointerOffset, int32(freePtr+entrySize))
	b.page.SetIntValue(b.base+bSizeOffset, int32(size-1))
}

// UpdateValue 替换叶子条目的值。等长原地覆盖，否则删除重插。
// 重插空间不足时返回 false（桶需要分裂）。
func (b *Bucket) UpdateValue(index int, value interface{}, keySer, valSer serializer.Serializer) bool {
	pos := b.entryPosition(index)
	abs := b.base + pos
	keySize := keySer.ObjectSizeAt(b.page.GetBinaryValue(abs, 8), 0)
	oldValSize := valSer.ObjectSizeAt(b.page.GetBinaryValue(abs+keySize, 8), 0)

	newValSize := valSer.ObjectSize(value)
	if newValSize == oldValSize {
		buf := make([]byte, newValSize)
		valSer.Serialize(value, buf, 0)
		b.page.SetBinaryValue(abs+keySize, buf)
		return true
	}

	key := keySer.Deserialize(b.page.GetBinaryValue(abs, keySize), 0)
	b.RemoveLeafEntry(index, keySer, valSer)
	return b.InsertEntry(index, Entry{LeftChild: NullPointer, RightChild: NullPointer,
		Key: key, Value: value}, keySer, valSer)
}

// Shrink 只保留前 newSize 个条目
func (b *Bucket) Shrink(newSize int, keySer, valSer serializer.Serializer) {
	raws := make([][]byte, 0, newSize)
	for i := 0; i < newSize; i++ {
		raws = append(raws, b.GetRawEntry(i, keySer, valSer))
	}

	leaf := b.IsLeaf()
	keyID, valID := b.KeySerializerID(), b.ValueSerializerID()
	left, right := b.LeftSibling(), b.RightSibling()
	treeSize := b.TreeSize()

	b.Init(leaf, keyID, valID)
	b.SetLeftSibling(left)
	b.SetRightSibling(right)
	b.SetTreeSize(treeSize)
	b.AddAll(raws)
}

// ---------------------------------------------------------------------------
// sys 桶
// ---------------------------------------------------------------------------

// sys 桶字段偏移（区域相对）
const (
	sysMagicOffset       = 0
	sysFreeSpaceOffset   = 4
	sysFreeListOffset    = 16
	sysFreeListLenOffset = 28

	sysMagic byte = 0xB5
)

// SysBucket 文件级元数据桶：空闲空间指针、空闲链表
type SysBucket struct {
	page *durable.DurablePage
}

// NewSysBucket 建立 sys 桶视图
func NewSysBucket(page *durable.DurablePage) *SysBucket {
	return &SysBucket{page: page}
}

func (s *SysBucket) base() int {
	return durable.NextFreePosition
}

// IsInitialized sys 桶是否已初始化
func (s *SysBucket) IsInitialized() bool {
	return s.page.GetByteValue(s.base()+sysMagicOffset) == sysMagic
}

// Init 初始化 sys 桶。第一个可分配区域紧随 sys 桶之后。
func (s *SysBucket) Init() {
	s.page.SetByteValue(s.base()+sysMagicOffset, sysMagic)
	s.setPointer(sysFreeSpaceOffset, Pointer{PageIndex: 0, PageOffset: MaxBucketSizeBytes})
	s.setPointer(sysFreeListOffset, NullPointer)
	s.page.SetLongValue(s.base()+sysFreeListLenOffset, 0)
}

func (s *SysBucket) getPointer(rel int) Pointer {
	return Pointer{
		PageIndex:  s.page.GetLongValue(s.base() + rel),
		PageOffset: s.page.GetIntValue(s.base() + rel + 8),
	}
}

func (s *SysBucket) setPointer(rel int, p Pointer) {
	s.page.SetLongValue(s.base()+rel, p.PageIndex)
	s.page.SetIntValue(s.base()+rel+8, p.PageOffset)
}

// FreeSpacePointer 下一个未切分的子页槽位
func (s *SysBucket) FreeSpacePointer() Pointer {
	return s.getPointer(sysFreeSpaceOffset)
}

// SetFreeSpacePointer 推进空闲空间指针
func (s *SysBucket) SetFreeSpacePointer(p Pointer) {
	s.setPointer(sysFreeSpaceOffset, p)
}

// FreeListHead 空闲链表头
func (s *SysBucket) FreeListHead() Pointer {
	return s.getPointer(sysFreeListOffset)
}

// SetFreeListHead 设置空闲链表头
func (s *SysBucket) SetFreeListHead(p Pointer) {
	s.setPointer(sysFreeListOffset, p)
}

// FreeListLength 空闲链表长度
func (s *SysBucket) FreeListLength() int64 {
	return s.page.GetLongValue(s.base() + sysFreeListLenOffset)
}

// SetFreeListLength 更新空闲链表长度
func (s *SysBucket) SetFreeListLength(length int64) {
	s.page.SetLongValue(s.base()+sysFreeListLenOffset, length)
}
