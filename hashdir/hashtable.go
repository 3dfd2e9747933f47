/*
JadeStore 可扩展哈希表模块

目录之上的键值表。键序列化后取 xxhash 64 位哈希，自高位起每层消耗
LevelDepth 位在目录节点中定位槽位。槽位指针的编码：

- 0：空槽（仅损坏状态，建表时全部槽位指向初始桶）
- 正数：数据桶页号 + 1
- 负数：子节点下标的相反数 - 1

数据桶每页一个，记录自身局部深度。桶满时按下一位哈希分裂：
局部深度未达节点覆盖深度时在节点内半分覆盖槽段；已达时新建子节点，
子节点的两半槽位分别指向两个新深度的桶。目录深度因此始终不小于
任何桶的局部深度。
*/

package hashdir

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/util6/JadeStore/durable"
	"github.com/util6/JadeStore/pagecache"
	"github.com/util6/JadeStore/serializer"
	"github.com/util6/JadeStore/utils"
)

// 哈希桶页字段
const (
	hbDepthOffset       = durable.NextFreePosition
	hbSizeOffset        = hbDepthOffset + 4
	hbFreePointerOffset = hbSizeOffset + 4
	hbOffsetsOffset     = hbFreePointerOffset + 4
)

// hashBucket 数据桶视图。条目 = 哈希(8) + 键 + 值，按哈希排序。
type hashBucket struct {
	page *durable.DurablePage
}

func newHashBucket(page *durable.DurablePage) *hashBucket {
	return &hashBucket{page: page}
}

func newHashBucketFromEntry(entry *pagecache.CacheEntry) *hashBucket {
	return &hashBucket{page: durable.NewDurablePage(entry, 0)}
}

func (b *hashBucket) init(depth byte) {
	b.page.SetByteValue(hbDepthOffset, depth)
	b.page.SetIntValue(hbSizeOffset, 0)
	b.page.SetIntValue(hbFreePointerOffset, pagecache.PageSize)
}

func (b *hashBucket) depth() byte {
	return b.page.GetByteValue(hbDepthOffset)
}

func (b *hashBucket) size() int {
	return int(b.page.GetIntValue(hbSizeOffset))
}

func (b *hashBucket) entryPosition(index int) int {
	slot := hbOffsetsOffset + 2*index
	return int(binary.LittleEndian.Uint16(b.page.GetBinaryValue(slot, 2)))
}

func (b *hashBucket) freeSpace() int {
	return int(b.page.GetIntValue(hbFreePointerOffset)) - (hbOffsetsOffset + 2*b.size())
}

func (b *hashBucket) entryHash(index int) uint64 {
	return uint64(b.page.GetLongValue(b.entryPosition(index)))
}

func (b *hashBucket) key(index int, keySer serializer.Serializer) interface{} {
	pos := b.entryPosition(index) + 8
	size := keySer.ObjectSizeAt(b.page.GetBinaryValue(pos, 8), 0)
	return keySer.Deserialize(b.page.GetBinaryValue(pos, size), 0)
}

func (b *hashBucket) value(index int, keySer, valSer serializer.Serializer) interface{} {
	pos := b.entryPosition(index) + 8
	pos += keySer.ObjectSizeAt(b.page.GetBinaryValue(pos, 8), 0)
	size := valSer.ObjectSizeAt(b.page.GetBinaryValue(pos, 8), 0)
	return valSer.Deserialize(b.page.GetBinaryValue(pos, size), 0)
}

func (b *hashBucket) entrySizeAt(index int, keySer, valSer serializer.Serializer) int {
	pos := b.entryPosition(index) + 8
	keySize := keySer.ObjectSizeAt(b.page.GetBinaryValue(pos, 8), 0)
	valSize := valSer.ObjectSizeAt(b.page.GetBinaryValue(pos+keySize, 8), 0)
	return 8 + keySize + valSize
}

func (b *hashBucket) rawEntry(index int, keySer, valSer serializer.Serializer) []byte {
	return b.page.GetBinaryValue(b.entryPosition(index), b.entrySizeAt(index, keySer, valSer))
}

// find 按 (哈希, 键) 查找。找到返回下标，否则 -(插入点+1)。
func (b *hashBucket) find(hash uint64, key interface{}, keySer serializer.Serializer) int {
	low, high := 0, b.size()-1
	for low <= high {
		mid := (low + high) >> 1
		midHash := b.entryHash(mid)
		switch {
		case midHash < hash:
			low = mid + 1
		case midHash > hash:
			high = mid - 1
		default:
			// 同哈希条目连续存放，线性比较键
			for i := mid; i >= 0 && b.entryHash(i) == hash; i-- {
				if serializer.Compare(b.key(i, keySer), key) == 0 {
					return i
				}
			}
			for i := mid + 1; i < b.size() && b.entryHash(i) == hash; i++ {
				if serializer.Compare(b.key(i, keySer), key) == 0 {
					return i
				}
			}
			// 插在同哈希段的起点
			ins := mid
			for ins > 0 && b.entryHash(ins-1) == hash {
				ins--
			}
			return -(ins + 1)
		}
	}
	return -(low + 1)
}

func (b *hashBucket) insertRaw(index int, encoded []byte) bool {
	if b.freeSpace() < len(encoded)+2 {
		return false
	}

	size := b.size()
	entryPos := int(b.page.GetIntValue(hbFreePointerOffset)) - len(encoded)
	b.page.SetBinaryValue(entryPos, encoded)
	b.page.SetIntValue(hbFreePointerOffset, int32(entryPos))

	if index < size {
		region := b.page.GetBinaryValue(hbOffsetsOffset+2*index, 2*(size-index))
		b.page.SetBinaryValue(hbOffsetsOffset+2*(index+1), region)
	}
	var slot [2]byte
	binary.LittleEndian.PutUint16(slot[:], uint16(entryPos))
	b.page.SetBinaryValue(hbOffsetsOffset+2*index, slot[:])

	b.page.SetIntValue(hbSizeOffset, int32(size+1))
	return true
}

func (b *hashBucket) insert(index int, hash uint64, key, value interface{}, keySer, valSer serializer.Serializer) bool {
	keySize := keySer.ObjectSize(key)
	valSize := valSer.ObjectSize(value)
	buf := make([]byte, 8+keySize+valSize)
	binary.LittleEndian.PutUint64(buf[0:], hash)
	keySer.Serialize(key, buf, 8)
	valSer.Serialize(value, buf, 8+keySize)
	return b.insertRaw(index, buf)
}

func (b *hashBucket) remove(index int, keySer, valSer serializer.Serializer) {
	size := b.size()
	entryPos := b.entryPosition(index)
	entrySize := b.entrySizeAt(index, keySer, valSer)
	freePtr := int(b.page.GetIntValue(hbFreePointerOffset))

	if entryPos > freePtr {
		b.page.MoveData(freePtr, freePtr+entrySize, entryPos-freePtr)
	}

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
		b.page.SetBinaryValue(hbOffsetsOffset, buf)
	}

	b.page.SetIntValue(hbFreePointerOffset, int32(freePtr+entrySize))
	b.page.SetIntValue(hbSizeOffset, int32(size-1))
}

// ---------------------------------------------------------------------------
// 哈希表
// ---------------------------------------------------------------------------

// HashTable 可扩展哈希表
type HashTable struct {
	directory *Directory

	keySerializer   serializer.Serializer
	valueSerializer serializer.Serializer
}

// NewHashTable 创建哈希表实例
func NewHashTable(directory *Directory, keySer, valSer serializer.Serializer) *HashTable {
	return &HashTable{directory: directory, keySerializer: keySer, valueSerializer: valSer}
}

// Directory 底层目录组件
func (h *HashTable) Directory() *Directory {
	return h.directory
}

// Create 创建目录、根节点与初始桶
func (h *HashTable) Create() (err error) {
	d := h.directory

	op, err := d.StartAtomicOperation()
	if err != nil {
		return err
	}
	rollback := false
	defer func() {
		if e := d.EndAtomicOperation(rollback); e != nil && err == nil {
			err = e
		}
	}()

	d.AcquireExclusiveLock()
	defer d.ReleaseExclusiveLock()

	if err = d.Create(op); err != nil {
		rollback = true
		return err
	}

	if _, err = d.AddNewNode(op, 0, 0, LevelDepth, make([]int64, LevelSize)); err != nil {
		rollback = true
		return err
	}

	// 初始桶：局部深度 0，根节点全部槽位指向它
	bucketPage, err := d.AddPage(op, d.fileID)
	if err != nil {
		rollback = true
		return err
	}
	newHashBucket(bucketPage).init(0)
	bucketPtr := encodeBucketPointer(bucketPage.PageIndex())
	if err = d.ReleasePageFromWrite(op, bucketPage); err != nil {
		rollback = true
		return err
	}

	node := make([]int64, LevelSize)
	for i := range node {
		node[i] = bucketPtr
	}
	if err = d.SetNode(op, 0, node); err != nil {
		rollback = true
		return err
	}
	return nil
}

// Open 打开已有哈希表
func (h *HashTable) Open() error {
	h.directory.AcquireExclusiveLock()
	defer h.directory.ReleaseExclusiveLock()
	return h.directory.Open()
}

// Close 关闭哈希表
func (h *HashTable) Close() error {
	h.directory.AcquireExclusiveLock()
	defer h.directory.ReleaseExclusiveLock()
	return h.directory.Close()
}

// Size 条目总数
func (h *HashTable) Size() (int64, error) {
	h.directory.AcquireAtomicReadLock()
	defer h.directory.ReleaseAtomicReadLock()
	h.directory.AcquireSharedLock()
	defer h.directory.ReleaseSharedLock()
	return h.directory.ItemCount()
}

func encodeBucketPointer(pageIndex int64) int64 {
	return pageIndex + 1
}

func decodeBucketPointer(ptr int64) int64 {
	return ptr - 1
}

func encodeNodePointer(nodeIndex int) int64 {
	return -int64(nodeIndex) - 1
}

func decodeNodePointer(ptr int64) int {
	return int(-ptr - 1)
}

// keyHash 规范化键的 64 位哈希
func (h *HashTable) keyHash(key interface{}) uint64 {
	buf := make([]byte, h.keySerializer.ObjectSize(key))
	h.keySerializer.Serialize(key, buf, 0)
	return xxhash.Sum64(buf)
}

// slotPath 哈希在目录中的落点
type slotPath struct {
	nodeIndex int
	consumed  int // 到达该节点前已消耗的哈希位数
	slot      int
	pointer   int64
}

// walk 自根节点沿哈希高位定位数据桶
func (h *HashTable) walk(hash uint64) (slotPath, error) {
	nodeIndex := 0
	consumed := 0

	for {
		slot := int((hash >> (64 - consumed - LevelDepth)) & (LevelSize - 1))
		ptr, err := h.directory.NodePointer(nodeIndex, slot)
		if err != nil {
			return slotPath{}, err
		}

		if ptr < 0 {
			nodeIndex = decodeNodePointer(ptr)
			consumed += LevelDepth
			continue
		}
		if ptr == 0 {
			return slotPath{}, errors.Wrap(utils.ErrCorruptedPage, "hash directory slot is empty")
		}
		return slotPath{nodeIndex: nodeIndex, consumed: consumed, slot: slot, pointer: ptr}, nil
	}
}

// Get 查找键
func (h *HashTable) Get(key interface{}) (value interface{}, found bool, err error) {
	d := h.directory

	d.AcquireAtomicReadLock()
	defer d.ReleaseAtomicReadLock()
	d.AcquireSharedLock()
	defer d.ReleaseSharedLock()

	key = h.keySerializer.Preprocess(key)
	hash := h.keyHash(key)

	path, err := h.walk(hash)
	if err != nil {
		return nil, false, err
	}

	entry, err := d.LoadPageForRead(d.fileID, decodeBucketPointer(path.pointer))
	if err != nil {
		return nil, false, err
	}
	defer d.ReleasePageFromRead(entry)

	bucket := newHashBucketFromEntry(entry)
	index := bucket.find(hash, key, h.keySerializer)
	if index < 0 {
		return nil, false, nil
	}
	return bucket.value(index, h.keySerializer, h.valueSerializer), true, nil
}

// Put 插入或替换键值
func (h *HashTable) Put(key, value interface{}) (err error) {
	d := h.directory

	op, err := d.StartAtomicOperation()
	if err != nil {
		return err
	}
	rollback := false
	defer func() {
		if e := d.EndAtomicOperation(rollback); e != nil && err == nil {
			err = e
		}
	}()

	d.AcquireExclusiveLock()
	defer d.ReleaseExclusiveLock()

	key = h.keySerializer.Preprocess(key)
	hash := h.keyHash(key)

	inserted, err := h.putInternal(op, hash, key, value)
	if err != nil {
		rollback = true
		return err
	}
	if inserted {
		if err = d.UpdateItemCount(op, 1); err != nil {
			rollback = true
			return err
		}
	}
	return nil
}

func (h *HashTable) putInternal(op *durable.Operation, hash uint64, key, value interface{}) (inserted bool, err error) {
	d := h.directory

	for {
		path, werr := h.walk(hash)
		if werr != nil {
			return false, werr
		}

		page, lerr := d.LoadPageForWrite(op, d.fileID, decodeBucketPointer(path.pointer))
		if lerr != nil {
			return false, lerr
		}
		bucket := newHashBucket(page)

		index := bucket.find(hash, key, h.keySerializer)
		existed := index >= 0
		if existed {
			bucket.remove(index, h.keySerializer, h.valueSerializer)
			index = bucket.find(hash, key, h.keySerializer)
		}
		insertionIndex := -index - 1

		if bucket.insert(insertionIndex, hash, key, value, h.keySerializer, h.valueSerializer) {
			return !existed, d.ReleasePageFromWrite(op, page)
		}

		// 桶满：分裂后重新下降
		if err = h.splitBucket(op, path, page, bucket); err != nil {
			d.ReleasePageFromWrite(op, page)
			return false, err
		}
		if err = d.ReleasePageFromWrite(op, page); err != nil {
			return false, err
		}
	}
}

// splitBucket 按下一位哈希分裂数据桶
func (h *HashTable) splitBucket(op *durable.Operation, path slotPath, page *durable.DurablePage, bucket *hashBucket) error {
	d := h.directory

	depth := int(bucket.depth())
	nodeCover := path.consumed + LevelDepth

	// 旧条目按分裂位重新分布
	type rawWithHash struct {
		raw  []byte
		hash uint64
	}
	size := bucket.size()
	entries := make([]rawWithHash, 0, size)
	for i := 0; i < size; i++ {
		entries = append(entries, rawWithHash{
			raw:  bucket.rawEntry(i, h.keySerializer, h.valueSerializer),
			hash: bucket.entryHash(i),
		})
	}

	rightPage, err := d.AddPage(op, d.fileID)
	if err != nil {
		return err
	}
	rightBucket := newHashBucket(rightPage)
	rightBucket.init(byte(depth + 1))

	bucket.init(byte(depth + 1))

	splitBit := uint64(1) << (63 - depth)
	for _, e := range entries {
		if e.hash&splitBit == 0 {
			bucket.insertRaw(bucket.size(), e.raw)
		} else {
			rightBucket.insertRaw(rightBucket.size(), e.raw)
		}
	}

	leftPtr := encodeBucketPointer(page.PageIndex())
	rightPtr := encodeBucketPointer(rightPage.PageIndex())
	if err = d.ReleasePageFromWrite(op, rightPage); err != nil {
		return err
	}

	if depth < nodeCover {
		// 节点内半分覆盖槽段
		rel := depth - path.consumed
		segment := LevelSize >> rel
		pattern := path.slot >> (LevelDepth - rel)
		start := pattern << (LevelDepth - rel)
		half := segment >> 1

		for i := start; i < start+half; i++ {
			if err = d.SetNodePointer(op, path.nodeIndex, i, leftPtr); err != nil {
				return err
			}
		}
		for i := start + half; i < start+segment; i++ {
			if err = d.SetNodePointer(op, path.nodeIndex, i, rightPtr); err != nil {
				return err
			}
		}
		return nil
	}

	// 桶已独占单个槽位：新建子节点接管下一层哈希位
	child := make([]int64, LevelSize)
	for i := 0; i < LevelSize/2; i++ {
		child[i] = leftPtr
	}
	for i := LevelSize / 2; i < LevelSize; i++ {
		child[i] = rightPtr
	}

	childIndex, err := d.AddNewNode(op, byte(depth+1), byte(depth+1), LevelDepth, child)
	if err != nil {
		return err
	}
	return d.SetNodePointer(op, path.nodeIndex, path.slot, encodeNodePointer(childIndex))
}

// Remove 删除键
func (h *HashTable) Remove(key interface{}) (removed interface{}, found bool, err error) {
	d := h.directory

	op, err := d.StartAtomicOperation()
	if err != nil {
		return nil, false, err
	}
	rollback := false
	defer func() {
		if e := d.EndAtomicOperation(rollback); e != nil && err == nil {
			err = e
		}
	}()

	d.AcquireExclusiveLock()
	defer d.ReleaseExclusiveLock()

	key = h.keySerializer.Preprocess(key)
	hash := h.keyHash(key)

	path, err := h.walk(hash)
	if err != nil {
		rollback = true
		return nil, false, err
	}

	page, err := d.LoadPageForWrite(op, d.fileID, decodeBucketPointer(path.pointer))
	if err != nil {
		rollback = true
		return nil, false, err
	}
	bucket := newHashBucket(page)

	index := bucket.find(hash, key, h.keySerializer)
	if index < 0 {
		err = d.ReleasePageFromWrite(op, page)
		return nil, false, err
	}

	removed = bucket.value(index, h.keySerializer, h.valueSerializer)
	bucket.remove(index, h.keySerializer, h.valueSerializer)
	if err = d.ReleasePageFromWrite(op, page); err != nil {
		rollback = true
		return nil, false, err
	}

	if err = d.UpdateItemCount(op, -1); err != nil {
		rollback = true
		return nil, false, err
	}
	return removed, true, nil
}

// Clear 清空哈希表并重建初始桶
func (h *HashTable) Clear() (err error) {
	d := h.directory

	op, err := d.StartAtomicOperation()
	if err != nil {
		return err
	}
	rollback := false
	defer func() {
		if e := d.EndAtomicOperation(rollback); e != nil && err == nil {
			err = e
		}
	}()

	d.AcquireExclusiveLock()
	defer d.ReleaseExclusiveLock()

	if err = d.Clear(op); err != nil {
		rollback = true
		return err
	}

	if _, err = d.AddNewNode(op, 0, 0, LevelDepth, make([]int64, LevelSize)); err != nil {
		rollback = true
		return err
	}

	bucketPage, err := d.AddPage(op, d.fileID)
	if err != nil {
		rollback = true
		return err
	}
	newHashBucket(bucketPage).init(0)
	bucketPtr := encodeBucketPointer(bucketPage.PageIndex())
	if err = d.ReleasePageFromWrite(op, bucketPage); err != nil {
		rollback = true
		return err
	}

	node := make([]int64, LevelSize)
	for i := range node {
		node[i] = bucketPtr
	}
	if err = d.SetNode(op, 0, node); err != nil {
		rollback = true
		return err
	}
	return nil
}

// Delete 删除哈希表文件
func (h *HashTable) Delete() (err error) {
	d := h.directory

	op, err := d.StartAtomicOperation()
	if err != nil {
		return err
	}
	rollback := false
	defer func() {
		if e := d.EndAtomicOperation(rollback); e != nil && err == nil {
			err = e
		}
	}()

	d.AcquireExclusiveLock()
	defer d.ReleaseExclusiveLock()

	if err = d.Delete(op); err != nil {
		rollback = true
		return err
	}
	return nil
}
