/*
JadeStore Bonsai B 树模块

面向小集合的 B 树：树节点是子页的 Bonsai 桶，多棵树共存于同一个
文件，每棵树由根桶指针标识。桶的分配与回收经由文件 0 号页的 sys 桶：
优先弹出空闲链表头，其次在当前页尾部切分新桶，再不然分配新页。

删除与清空沿队列逐层收集整棵子树的桶并串成链，一次拼接到 sys 桶的
空闲链表上。叶子桶之间维护双向兄弟链，区间遍历沿链推进。

文件级互斥：所有写入口经文件锁管理器取该文件的独占锁，读入口取
共享锁。
*/

package bonsai

import (
	"github.com/pkg/errors"
	"github.com/util6/JadeStore/durable"
	"github.com/util6/JadeStore/serializer"
	"github.com/util6/JadeStore/utils"
)

// RangeListener 区间遍历回调。返回 false 停止遍历。
type RangeListener func(key, value interface{}) bool

// Tree Bonsai B 树
type Tree struct {
	durable.Component

	registry *serializer.Registry

	keySerializer   serializer.Serializer
	valueSerializer serializer.Serializer

	fileID int64
	root   Pointer
}

// NewTree 创建组件实例（尚未绑定文件，需 Create 或 Load）
func NewTree(ctx *durable.Context, name, extension string, registry *serializer.Registry) *Tree {
	t := &Tree{registry: registry}
	t.InitComponent(ctx, name, extension)
	return t
}

// RootPointer 根桶指针
func (t *Tree) RootPointer() Pointer {
	return t.root
}

// FileID 树文件号
func (t *Tree) FileID() int64 {
	return t.fileID
}

// Create 创建（或加入）文件并初始化一棵新树
func (t *Tree) Create(keySer, valSer serializer.Serializer) (err error) {
	op, err := t.StartAtomicOperation()
	if err != nil {
		return err
	}
	rollback := false
	defer func() {
		if e := t.EndAtomicOperation(rollback); e != nil && err == nil {
			err = e
		}
	}()

	unlock := t.Ctx().FileLocks.AcquireExclusiveLock(-1)
	defer unlock()

	t.keySerializer = keySer
	t.valueSerializer = valSer

	if t.IsFileExists(t.FullName()) {
		if t.fileID, err = t.OpenFile(t.FullName()); err != nil {
			rollback = true
			return err
		}
	} else {
		if t.fileID, err = t.AddFile(op, t.FullName()); err != nil {
			rollback = true
			return err
		}
	}

	if err = t.initSysBucket(op); err != nil {
		rollback = true
		return err
	}

	rootPage, rootPointer, err := t.allocateBucket(op)
	if err != nil {
		rollback = true
		return err
	}
	t.root = rootPointer

	rootBucket := NewBucket(rootPage, rootPointer.PageOffset)
	rootBucket.Init(true, keySer.ID(), valSer.ID())
	rootBucket.SetTreeSize(0)
	if err = t.ReleasePageFromWrite(op, rootPage); err != nil {
		rollback = true
		return err
	}
	return nil
}

// Load 按根指针装载一棵已有的树。桶被回收过返回 false。
func (t *Tree) Load(root Pointer) (bool, error) {
	unlock := t.Ctx().FileLocks.AcquireExclusiveLock(t.fileID)
	defer unlock()

	var err error
	if t.fileID, err = t.OpenFile(t.FullName()); err != nil {
		return false, err
	}
	t.root = root

	entry, err := t.LoadPageForRead(t.fileID, root.PageIndex)
	if err != nil {
		return false, err
	}
	defer t.ReleasePageFromRead(entry)

	bucket := NewBucketFromEntry(entry, root.PageOffset)
	if t.keySerializer, err = t.registry.ByID(bucket.KeySerializerID()); err != nil {
		return false, err
	}
	if t.valueSerializer, err = t.registry.ByID(bucket.ValueSerializerID()); err != nil {
		return false, err
	}
	return !bucket.IsDeleted(), nil
}

// Close 关闭树文件
func (t *Tree) Close() error {
	unlock := t.Ctx().FileLocks.AcquireExclusiveLock(t.fileID)
	defer unlock()
	return t.CloseFile(t.fileID)
}

// Get 查找键
func (t *Tree) Get(key interface{}) (value interface{}, found bool, err error) {
	t.AcquireAtomicReadLock()
	defer t.ReleaseAtomicReadLock()

	unlock := t.Ctx().FileLocks.AcquireSharedLock(t.fileID)
	defer unlock()

	key = t.keySerializer.Preprocess(key)

	res, err := t.findBucket(key)
	if err != nil {
		return nil, false, err
	}
	if res.itemIndex < 0 {
		return nil, false, nil
	}

	ptr := res.lastPathItem()
	entry, err := t.LoadPageForRead(t.fileID, ptr.PageIndex)
	if err != nil {
		return nil, false, err
	}
	defer t.ReleasePageFromRead(entry)

	bucket := NewBucketFromEntry(entry, ptr.PageOffset)
	e := bucket.GetEntry(res.itemIndex, t.keySerializer, t.valueSerializer)
	return e.Value, true, nil
}

// Put 插入或替换键值
func (t *Tree) Put(key, value interface{}) (err error) {
	op, err := t.StartAtomicOperation()
	if err != nil {
		return err
	}
	rollback := false
	defer func() {
		if e := t.EndAtomicOperation(rollback); e != nil && err == nil {
			err = e
		}
	}()

	unlock := t.Ctx().FileLocks.AcquireExclusiveLock(t.fileID)
	defer unlock()

	key = t.keySerializer.Preprocess(key)

	res, err := t.findBucket(key)
	if err != nil {
		rollback = true
		return err
	}
	ptr := res.lastPathItem()

	page, err := t.LoadPageForWrite(op, t.fileID, ptr.PageIndex)
	if err != nil {
		rollback = true
		return err
	}
	bucket := NewBucket(page, ptr.PageOffset)

	itemFound := res.itemIndex >= 0
	if itemFound {
		if !bucket.UpdateValue(res.itemIndex, value, t.keySerializer, t.valueSerializer) {
			// 新值更长且桶已满：旧条目已摘除，按插入路径走分裂
			insertionIndex := res.itemIndex
			if err = t.insertWithSplit(op, &page, &bucket, &res, insertionIndex, key, value); err != nil {
				rollback = true
				return err
			}
		}
	} else {
		insertionIndex := -res.itemIndex - 1
		if err = t.insertWithSplit(op, &page, &bucket, &res, insertionIndex, key, value); err != nil {
			rollback = true
			return err
		}
	}

	if err = t.ReleasePageFromWrite(op, page); err != nil {
		rollback = true
		return err
	}

	if !itemFound {
		if err = t.updateSize(op, 1); err != nil {
			rollback = true
			return err
		}
	}
	return nil
}

// insertWithSplit 插入条目，桶满时沿路径分裂后重试
func (t *Tree) insertWithSplit(op *durable.Operation, page **durable.DurablePage, bucket **Bucket,
	res *bucketSearchResult, insertionIndex int, key, value interface{}) error {

	entry := Entry{LeftChild: NullPointer, RightChild: NullPointer, Key: key, Value: value}

	for !(*bucket).InsertEntry(insertionIndex, entry, t.keySerializer, t.valueSerializer) {
		if err := t.ReleasePageFromWrite(op, *page); err != nil {
			return err
		}

		newRes, err := t.splitBucket(op, res.path, insertionIndex, key)
		if err != nil {
			return err
		}
		*res = newRes
		insertionIndex = newRes.itemIndex

		ptr := newRes.lastPathItem()
		if *page, err = t.LoadPageForWrite(op, t.fileID, ptr.PageIndex); err != nil {
			return err
		}
		*bucket = NewBucket(*page, ptr.PageOffset)
	}
	return nil
}

// Remove 删除键，返回旧值
func (t *Tree) Remove(key interface{}) (removed interface{}, found bool, err error) {
	op, err := t.StartAtomicOperation()
	if err != nil {
		return nil, false, err
	}
	rollback := false
	defer func() {
		if e := t.EndAtomicOperation(rollback); e != nil && err == nil {
			err = e
		}
	}()

	unlock := t.Ctx().FileLocks.AcquireExclusiveLock(t.fileID)
	defer unlock()

	key = t.keySerializer.Preprocess(key)

	res, err := t.findBucket(key)
	if err != nil {
		rollback = true
		return nil, false, err
	}
	if res.itemIndex < 0 {
		return nil, false, nil
	}
	ptr := res.lastPathItem()

	page, err := t.LoadPageForWrite(op, t.fileID, ptr.PageIndex)
	if err != nil {
		rollback = true
		return nil, false, err
	}
	bucket := NewBucket(page, ptr.PageOffset)
	e := bucket.GetEntry(res.itemIndex, t.keySerializer, t.valueSerializer)
	bucket.RemoveLeafEntry(res.itemIndex, t.keySerializer, t.valueSerializer)
	if err = t.ReleasePageFromWrite(op, page); err != nil {
		rollback = true
		return nil, false, err
	}

	if err = t.updateSize(op, -1); err != nil {
		rollback = true
		return nil, false, err
	}
	return e.Value, true, nil
}

// Size 树内条目数
func (t *Tree) Size() (int64, error) {
	t.AcquireAtomicReadLock()
	defer t.ReleaseAtomicReadLock()

	unlock := t.Ctx().FileLocks.AcquireSharedLock(t.fileID)
	defer unlock()

	entry, err := t.LoadPageForRead(t.fileID, t.root.PageIndex)
	if err != nil {
		return 0, err
	}
	defer t.ReleasePageFromRead(entry)
	return NewBucketFromEntry(entry, t.root.PageOffset).TreeSize(), nil
}

func (t *Tree) updateSize(op *durable.Operation, diff int64) error {
	rootPage, err := t.LoadPageForWrite(op, t.fileID, t.root.PageIndex)
	if err != nil {
		return err
	}
	rootBucket := NewBucket(rootPage, t.root.PageOffset)
	rootBucket.SetTreeSize(rootBucket.TreeSize() + diff)
	return t.ReleasePageFromWrite(op, rootPage)
}

// Clear 清空树：除根桶外全部回收进空闲链表
func (t *Tree) Clear() (err error) {
	op, err := t.StartAtomicOperation()
	if err != nil {
		return err
	}
	rollback := false
	defer func() {
		if e := t.EndAtomicOperation(rollback); e != nil && err == nil {
			err = e
		}
	}()

	unlock := t.Ctx().FileLocks.AcquireExclusiveLock(t.fileID)
	defer unlock()

	var queue []Pointer

	rootPage, err := t.LoadPageForWrite(op, t.fileID, t.root.PageIndex)
	if err != nil {
		rollback = true
		return err
	}
	rootBucket := NewBucket(rootPage, t.root.PageOffset)
	queue = t.collectChildren(queue, rootBucket)

	keyID, valID := rootBucket.KeySerializerID(), rootBucket.ValueSerializerID()
	rootBucket.Init(true, keyID, valID)
	rootBucket.SetTreeSize(0)
	if err = t.ReleasePageFromWrite(op, rootPage); err != nil {
		rollback = true
		return err
	}

	if err = t.recycleSubTrees(op, queue); err != nil {
		rollback = true
		return err
	}
	return nil
}

// Delete 删除整棵树：根桶也回收进空闲链表
func (t *Tree) Delete() (err error) {
	op, err := t.StartAtomicOperation()
	if err != nil {
		return err
	}
	rollback := false
	defer func() {
		if e := t.EndAtomicOperation(rollback); e != nil && err == nil {
			err = e
		}
	}()

	unlock := t.Ctx().FileLocks.AcquireExclusiveLock(t.fileID)
	defer unlock()

	if err = t.recycleSubTrees(op, []Pointer{t.root}); err != nil {
		rollback = true
		return err
	}
	return nil
}

// collectChildren 把非叶子桶的全部子指针追加到队列
func (t *Tree) collectChildren(queue []Pointer, bucket *Bucket) []Pointer {
	if bucket.IsLeaf() {
		return queue
	}
	size := bucket.Size()
	if size > 0 {
		queue = append(queue, bucket.GetEntry(0, t.keySerializer, t.valueSerializer).LeftChild)
	}
	for i := 0; i < size; i++ {
		queue = append(queue, bucket.GetEntry(i, t.keySerializer, t.valueSerializer).RightChild)
	}
	return queue
}

// recycleSubTrees 按队列逐层回收子树：桶串成链拼接到空闲链表头
func (t *Tree) recycleSubTrees(op *durable.Operation, queue []Pointer) error {
	head := NullPointer
	var tail Pointer
	if len(queue) > 0 {
		tail = queue[0]
	}

	bucketCount := int64(0)
	for len(queue) > 0 {
		ptr := queue[0]
		queue = queue[1:]

		page, err := t.LoadPageForWrite(op, t.fileID, ptr.PageIndex)
		if err != nil {
			return err
		}
		bucket := NewBucket(page, ptr.PageOffset)
		queue = t.collectChildren(queue, bucket)

		if bucket.Size() > 0 {
			bucket.Shrink(0, t.keySerializer, t.valueSerializer)
		}
		bucket.SetFreeListPointer(head)
		bucket.SetDeleted()
		head = ptr

		if err = t.ReleasePageFromWrite(op, page); err != nil {
			return err
		}
		bucketCount++
	}

	if !head.IsValid() {
		return nil
	}

	sysPage, err := t.LoadPageForWrite(op, t.fileID, SysBucketPointer.PageIndex)
	if err != nil {
		return err
	}
	sys := NewSysBucket(sysPage)

	// 链尾接上原空闲链表头
	oldHead := sys.FreeListHead()
	tailPage, err := t.LoadPageForWrite(op, t.fileID, tail.PageIndex)
	if err != nil {
		t.ReleasePageFromWrite(op, sysPage)
		return err
	}
	NewBucket(tailPage, tail.PageOffset).SetFreeListPointer(oldHead)
	if err = t.ReleasePageFromWrite(op, tailPage); err != nil {
		t.ReleasePageFromWrite(op, sysPage)
		return err
	}

	sys.SetFreeListHead(head)
	sys.SetFreeListLength(sys.FreeListLength() + bucketCount)
	return t.ReleasePageFromWrite(op, sysPage)
}

// ---------------------------------------------------------------------------
// 查找与分裂
// ---------------------------------------------------------------------------

type bucketSearchResult struct {
	itemIndex int
	path      []Pointer
}

func (r bucketSearchResult) lastPathItem() Pointer {
	return r.path[len(r.path)-1]
}

// findBucket 自根下降定位键所在叶子
func (t *Tree) findBucket(key interface{}) (bucketSearchResult, error) {
	ptr := t.root
	res := bucketSearchResult{}

	for {
		res.path = append(res.path, ptr)

		entry, err := t.LoadPageForRead(t.fileID, ptr.PageIndex)
		if err != nil {
			return res, err
		}
		bucket := NewBucketFromEntry(entry, ptr.PageOffset)

		index := bucket.Find(key, t.keySerializer)
		if bucket.IsLeaf() {
			res.itemIndex = index
			t.ReleasePageFromRead(entry)
			return res, nil
		}

		var e Entry
		if index >= 0 {
			e = bucket.GetEntry(index, t.keySerializer, t.valueSerializer)
		} else {
			insertionIndex := -index - 1
			if insertionIndex >= bucket.Size() {
				e = bucket.GetEntry(insertionIndex-1, t.keySerializer, t.valueSerializer)
			} else {
				e = bucket.GetEntry(insertionIndex, t.keySerializer, t.valueSerializer)
			}
		}
		t.ReleasePageFromRead(entry)

		if serializer.Compare(key, e.Key) >= 0 {
			ptr = e.RightChild
		} else {
			ptr = e.LeftChild
		}
	}
}

// splitBucket 分裂路径末端的桶
func (t *Tree) splitBucket(op *durable.Operation, path []Pointer, keyIndex int, keyToInsert interface{}) (bucketSearchResult, error) {
	ptr := path[len(path)-1]

	page, err := t.LoadPageForWrite(op, t.fileID, ptr.PageIndex)
	if err != nil {
		return bucketSearchResult{}, err
	}
	bucket := NewBucket(page, ptr.PageOffset)

	splitLeaf := bucket.IsLeaf()
	bucketSize := bucket.Size()
	indexToSplit := bucketSize >> 1
	separationKey := bucket.GetKey(indexToSplit, t.keySerializer)

	startRightIndex := indexToSplit
	if !splitLeaf {
		startRightIndex = indexToSplit + 1
	}
	rightEntries := make([][]byte, 0, bucketSize-startRightIndex)
	for i := startRightIndex; i < bucketSize; i++ {
		rightEntries = append(rightEntries, bucket.GetRawEntry(i, t.keySerializer, t.valueSerializer))
	}

	var res bucketSearchResult
	if ptr != t.root {
		res, err = t.splitNonRootBucket(op, page, bucket, ptr, path, keyIndex, keyToInsert,
			splitLeaf, indexToSplit, separationKey, rightEntries)
	} else {
		res, err = t.splitRootBucket(op, page, bucket, path, keyIndex, keyToInsert,
			splitLeaf, indexToSplit, separationKey, rightEntries)
	}

	if rerr := t.ReleasePageFromWrite(op, page); rerr != nil && err == nil {
		err = rerr
	}
	return res, err
}

func (t *Tree) splitNonRootBucket(op *durable.Operation, page *durable.DurablePage, bucket *Bucket,
	ptr Pointer, path []Pointer, keyIndex int, keyToInsert interface{},
	splitLeaf bool, indexToSplit int, separationKey interface{}, rightEntries [][]byte) (bucketSearchResult, error) {

	rightPage, rightPointer, err := t.allocateBucket(op)
	if err != nil {
		return bucketSearchResult{}, err
	}

	newRightBucket := NewBucket(rightPage, rightPointer.PageOffset)
	newRightBucket.Init(splitLeaf, t.keySerializer.ID(), t.valueSerializer.ID())
	newRightBucket.AddAll(rightEntries)

	bucket.Shrink(indexToSplit, t.keySerializer, t.valueSerializer)

	if splitLeaf {
		rightSibling := bucket.RightSibling()

		newRightBucket.SetRightSibling(rightSibling)
		newRightBucket.SetLeftSibling(ptr)
		bucket.SetRightSibling(rightPointer)

		if rightSibling.IsValid() {
			siblingPage, serr := t.LoadPageForWrite(op, t.fileID, rightSibling.PageIndex)
			if serr != nil {
				t.ReleasePageFromWrite(op, rightPage)
				return bucketSearchResult{}, serr
			}
			NewBucket(siblingPage, rightSibling.PageOffset).SetLeftSibling(rightPointer)
			if serr = t.ReleasePageFromWrite(op, siblingPage); serr != nil {
				t.ReleasePageFromWrite(op, rightPage)
				return bucketSearchResult{}, serr
			}
		}
	}

	if err = t.ReleasePageFromWrite(op, rightPage); err != nil {
		return bucketSearchResult{}, err
	}

	// 分隔键插入父桶，父桶满时递归分裂
	parentPointer := path[len(path)-2]
	parentPage, err := t.LoadPageForWrite(op, t.fileID, parentPointer.PageIndex)
	if err != nil {
		return bucketSearchResult{}, err
	}
	parentBucket := NewBucket(parentPage, parentPointer.PageOffset)

	parentEntry := Entry{LeftChild: ptr, RightChild: rightPointer, Key: separationKey}
	insertionIndex := -parentBucket.Find(separationKey, t.keySerializer) - 1

	for !parentBucket.InsertEntry(insertionIndex, parentEntry, t.keySerializer, t.valueSerializer) {
		if err = t.ReleasePageFromWrite(op, parentPage); err != nil {
			return bucketSearchResult{}, err
		}

		parentRes, perr := t.splitBucket(op, path[:len(path)-1], insertionIndex, separationKey)
		if perr != nil {
			return bucketSearchResult{}, perr
		}

		parentPointer = parentRes.lastPathItem()
		insertionIndex = parentRes.itemIndex

		if parentPage, err = t.LoadPageForWrite(op, t.fileID, parentPointer.PageIndex); err != nil {
			return bucketSearchResult{}, err
		}
		parentBucket = NewBucket(parentPage, parentPointer.PageOffset)
	}
	if err = t.ReleasePageFromWrite(op, parentPage); err != nil {
		return bucketSearchResult{}, err
	}

	resultPath := append([]Pointer(nil), path[:len(path)-1]...)
	if serializer.Compare(keyToInsert, separationKey) < 0 {
		resultPath = append(resultPath, ptr)
		return bucketSearchResult{itemIndex: keyIndex, path: resultPath}, nil
	}

	resultPath = append(resultPath, rightPointer)
	if splitLeaf {
		return bucketSearchResult{itemIndex: keyIndex - indexToSplit, path: resultPath}, nil
	}
	return bucketSearchResult{itemIndex: keyIndex - indexToSplit - 1, path: resultPath}, nil
}

func (t *Tree) splitRootBucket(op *durable.Operation, rootPage *durable.DurablePage, rootBucket *Bucket,
	path []Pointer, keyIndex int, keyToInsert interface{},
	splitLeaf bool, indexToSplit int, separationKey interface{}, rightEntries [][]byte) (bucketSearchResult, error) {

	treeSize := rootBucket.TreeSize()

	leftEntries := make([][]byte, 0, indexToSplit)
	for i := 0; i < indexToSplit; i++ {
		leftEntries = append(leftEntries, rootBucket.GetRawEntry(i, t.keySerializer, t.valueSerializer))
	}

	leftPage, leftPointer, err := t.allocateBucket(op)
	if err != nil {
		return bucketSearchResult{}, err
	}
	newLeftBucket := NewBucket(leftPage, leftPointer.PageOffset)
	newLeftBucket.Init(splitLeaf, t.keySerializer.ID(), t.valueSerializer.ID())
	newLeftBucket.AddAll(leftEntries)

	rightPage, rightPointer, err := t.allocateBucket(op)
	if err != nil {
		t.ReleasePageFromWrite(op, leftPage)
		return bucketSearchResult{}, err
	}
	newRightBucket := NewBucket(rightPage, rightPointer.PageOffset)
	newRightBucket.Init(splitLeaf, t.keySerializer.ID(), t.valueSerializer.ID())
	newRightBucket.AddAll(rightEntries)

	if splitLeaf {
		newLeftBucket.SetRightSibling(rightPointer)
		newRightBucket.SetLeftSibling(leftPointer)
	}

	if err = t.ReleasePageFromWrite(op, leftPage); err != nil {
		t.ReleasePageFromWrite(op, rightPage)
		return bucketSearchResult{}, err
	}
	if err = t.ReleasePageFromWrite(op, rightPage); err != nil {
		return bucketSearchResult{}, err
	}

	rootBucket.Shrink(0, t.keySerializer, t.valueSerializer)
	if rootBucket.IsLeaf() {
		rootBucket.ConvertToNonLeaf()
	}
	rootBucket.SetTreeSize(treeSize)
	rootBucket.InsertEntry(0, Entry{LeftChild: leftPointer, RightChild: rightPointer, Key: separationKey},
		t.keySerializer, t.valueSerializer)

	if err = t.LogPageOperations(op, rootPage); err != nil {
		return bucketSearchResult{}, err
	}

	resultPath := append([]Pointer(nil), path[:len(path)-1]...)
	if serializer.Compare(keyToInsert, separationKey) < 0 {
		resultPath = append(resultPath, leftPointer)
		return bucketSearchResult{itemIndex: keyIndex, path: resultPath}, nil
	}

	resultPath = append(resultPath, rightPointer)
	if splitLeaf {
		return bucketSearchResult{itemIndex: keyIndex - indexToSplit, path: resultPath}, nil
	}
	return bucketSearchResult{itemIndex: keyIndex - indexToSplit - 1, path: resultPath}, nil
}

// ---------------------------------------------------------------------------
// 桶分配
// ---------------------------------------------------------------------------

// initSysBucket 初始化 sys 桶（文件新建时 0 号页尚不存在）
func (t *Tree) initSysBucket(op *durable.Operation) error {
	filled, err := t.GetFilledUpTo(t.fileID)
	if err != nil {
		return err
	}

	var sysPage *durable.DurablePage
	if filled == 0 {
		if sysPage, err = t.AddPage(op, t.fileID); err != nil {
			return err
		}
	} else {
		if sysPage, err = t.LoadPageForWrite(op, t.fileID, SysBucketPointer.PageIndex); err != nil {
			return err
		}
	}

	sys := NewSysBucket(sysPage)
	if !sys.IsInitialized() {
		sys.Init()
	}
	return t.ReleasePageFromWrite(op, sysPage)
}

// allocateBucket 分配一个桶：空闲链表 → 当前页尾部 → 新页
func (t *Tree) allocateBucket(op *durable.Operation) (*durable.DurablePage, Pointer, error) {
	sysPage, err := t.LoadPageForWrite(op, t.fileID, SysBucketPointer.PageIndex)
	if err != nil {
		return nil, NullPointer, err
	}
	sys := NewSysBucket(sysPage)

	if sys.FreeListLength() > 0 {
		page, ptr, rerr := t.reuseBucketFromFreeList(op, sys)
		if e := t.ReleasePageFromWrite(op, sysPage); e != nil && rerr == nil {
			rerr = e
		}
		return page, ptr, rerr
	}

	freeSpace := sys.FreeSpacePointer()
	if int(freeSpace.PageOffset)+MaxBucketSizeBytes > BucketsPerPage*MaxBucketSizeBytes {
		// 当前页已无完整槽位，开新页
		page, aerr := t.AddPage(op, t.fileID)
		if aerr != nil {
			t.ReleasePageFromWrite(op, sysPage)
			return nil, NullPointer, aerr
		}
		pageIndex := page.PageIndex()
		sys.SetFreeSpacePointer(Pointer{PageIndex: pageIndex, PageOffset: MaxBucketSizeBytes})
		if err = t.ReleasePageFromWrite(op, sysPage); err != nil {
			t.ReleasePageFromWrite(op, page)
			return nil, NullPointer, err
		}
		return page, Pointer{PageIndex: pageIndex, PageOffset: 0}, nil
	}

	sys.SetFreeSpacePointer(Pointer{PageIndex: freeSpace.PageIndex,
		PageOffset: freeSpace.PageOffset + MaxBucketSizeBytes})
	page, err := t.LoadPageForWrite(op, t.fileID, freeSpace.PageIndex)
	if err != nil {
		t.ReleasePageFromWrite(op, sysPage)
		return nil, NullPointer, err
	}
	if err = t.ReleasePageFromWrite(op, sysPage); err != nil {
		t.ReleasePageFromWrite(op, page)
		return nil, NullPointer, err
	}
	return page, freeSpace, nil
}

// reuseBucketFromFreeList 弹出空闲链表头
func (t *Tree) reuseBucketFromFreeList(op *durable.Operation, sys *SysBucket) (*durable.DurablePage, Pointer, error) {
	head := sys.FreeListHead()
	if !head.IsValid() {
		return nil, NullPointer, errors.Wrap(utils.ErrCorruptedPage, "free list length > 0 but head is invalid")
	}

	page, err := t.LoadPageForWrite(op, t.fileID, head.PageIndex)
	if err != nil {
		return nil, NullPointer, err
	}
	bucket := NewBucket(page, head.PageOffset)

	sys.SetFreeListHead(bucket.FreeListPointer())
	sys.SetFreeListLength(sys.FreeListLength() - 1)
	return page, head, nil
}

// ---------------------------------------------------------------------------
// 区间遍历
// ---------------------------------------------------------------------------

// FirstKey 最小键
func (t *Tree) FirstKey() (interface{}, bool, error) {
	t.AcquireAtomicReadLock()
	defer t.ReleaseAtomicReadLock()

	unlock := t.Ctx().FileLocks.AcquireSharedLock(t.fileID)
	defer unlock()

	ptr := t.root
	for {
		entry, err := t.LoadPageForRead(t.fileID, ptr.PageIndex)
		if err != nil {
			return nil, false, err
		}
		bucket := NewBucketFromEntry(entry, ptr.PageOffset)

		if bucket.IsLeaf() {
			if bucket.IsEmpty() {
				t.ReleasePageFromRead(entry)
				return nil, false, nil
			}
			key := bucket.GetKey(0, t.keySerializer)
			t.ReleasePageFromRead(entry)
			return key, true, nil
		}

		next := bucket.GetEntry(0, t.keySerializer, t.valueSerializer).LeftChild
		t.ReleasePageFromRead(entry)
		ptr = next
	}
}

// LastKey 最大键
func (t *Tree) LastKey() (interface{}, bool, error) {
	t.AcquireAtomicReadLock()
	defer t.ReleaseAtomicReadLock()

	unlock := t.Ctx().FileLocks.AcquireSharedLock(t.fileID)
	defer unlock()

	ptr := t.root
	for {
		entry, err := t.LoadPageForRead(t.fileID, ptr.PageIndex)
		if err != nil {
			return nil, false, err
		}
		bucket := NewBucketFromEntry(entry, ptr.PageOffset)

		if bucket.IsLeaf() {
			if bucket.IsEmpty() {
				t.ReleasePageFromRead(entry)
				return nil, false, nil
			}
			key := bucket.GetKey(bucket.Size()-1, t.keySerializer)
			t.ReleasePageFromRead(entry)
			return key, true, nil
		}

		next := bucket.GetEntry(bucket.Size()-1, t.keySerializer, t.valueSerializer).RightChild
		t.ReleasePageFromRead(entry)
		ptr = next
	}
}

// LoadEntriesMinor 自 key 向小端遍历（沿左兄弟链）
func (t *Tree) LoadEntriesMinor(key interface{}, inclusive bool, listener RangeListener) error {
	t.AcquireAtomicReadLock()
	defer t.ReleaseAtomicReadLock()

	unlock := t.Ctx().FileLocks.AcquireSharedLock(t.fileID)
	defer unlock()

	key = t.keySerializer.Preprocess(key)

	res, err := t.findBucket(key)
	if err != nil {
		return err
	}
	ptr := res.lastPathItem()

	var index int
	if res.itemIndex >= 0 {
		if inclusive {
			index = res.itemIndex
		} else {
			index = res.itemIndex - 1
		}
	} else {
		index = -res.itemIndex - 2
	}

	firstBucket := true
	for ptr.IsValid() {
		entry, err := t.LoadPageForRead(t.fileID, ptr.PageIndex)
		if err != nil {
			return err
		}
		bucket := NewBucketFromEntry(entry, ptr.PageOffset)

		if !firstBucket {
			index = bucket.Size() - 1
		}
		for i := index; i >= 0; i-- {
			e := bucket.GetEntry(i, t.keySerializer, t.valueSerializer)
			if !listener(e.Key, e.Value) {
				t.ReleasePageFromRead(entry)
				return nil
			}
		}

		ptr = bucket.LeftSibling()
		firstBucket = false
		t.ReleasePageFromRead(entry)
	}
	return nil
}

// LoadEntriesMajor 自 key 向大端遍历（沿右兄弟链）
func (t *Tree) LoadEntriesMajor(key interface{}, inclusive bool, listener RangeListener) error {
	t.AcquireAtomicReadLock()
	defer t.ReleaseAtomicReadLock()

	unlock := t.Ctx().FileLocks.AcquireSharedLock(t.fileID)
	defer unlock()

	key = t.keySerializer.Preprocess(key)

	res, err := t.findBucket(key)
	if err != nil {
		return err
	}
	ptr := res.lastPathItem()

	var index int
	if res.itemIndex >= 0 {
		if inclusive {
			index = res.itemIndex
		} else {
			index = res.itemIndex + 1
		}
	} else {
		index = -res.itemIndex - 1
	}

	for ptr.IsValid() {
		entry, err := t.LoadPageForRead(t.fileID, ptr.PageIndex)
		if err != nil {
			return err
		}
		bucket := NewBucketFromEntry(entry, ptr.PageOffset)

		size := bucket.Size()
		for i := index; i < size; i++ {
			e := bucket.GetEntry(i, t.keySerializer, t.valueSerializer)
			if !listener(e.Key, e.Value) {
				t.ReleasePageFromRead(entry)
				return nil
			}
		}

		ptr = bucket.RightSibling()
		index = 0
		t.ReleasePageFromRead(entry)
	}
	return nil
}

// LoadEntriesBetween 区间遍历 [keyFrom, keyTo]（含边界由参数决定）
func (t *Tree) LoadEntriesBetween(keyFrom interface{}, fromInclusive bool,
	keyTo interface{}, toInclusive bool, listener RangeListener) error {

	t.AcquireAtomicReadLock()
	defer t.ReleaseAtomicReadLock()

	unlock := t.Ctx().FileLocks.AcquireSharedLock(t.fileID)
	defer unlock()

	keyFrom = t.keySerializer.Preprocess(keyFrom)
	keyTo = t.keySerializer.Preprocess(keyTo)

	resFrom, err := t.findBucket(keyFrom)
	if err != nil {
		return err
	}
	ptrFrom := resFrom.lastPathItem()

	var indexFrom int
	if resFrom.itemIndex >= 0 {
		if fromInclusive {
			indexFrom = resFrom.itemIndex
		} else {
			indexFrom = resFrom.itemIndex + 1
		}
	} else {
		indexFrom = -resFrom.itemIndex - 1
	}

	resTo, err := t.findBucket(keyTo)
	if err != nil {
		return err
	}
	ptrTo := resTo.lastPathItem()

	var indexTo int
	if resTo.itemIndex >= 0 {
		if toInclusive {
			indexTo = resTo.itemIndex
		} else {
			indexTo = resTo.itemIndex - 1
		}
	} else {
		indexTo = -resTo.itemIndex - 2
	}

	ptr := ptrFrom
	startIndex := indexFrom
	for {
		entry, err := t.LoadPageForRead(t.fileID, ptr.PageIndex)
		if err != nil {
			return err
		}
		bucket := NewBucketFromEntry(entry, ptr.PageOffset)

		endIndex := bucket.Size() - 1
		if ptr == ptrTo {
			endIndex = indexTo
		}

		for i := startIndex; i <= endIndex; i++ {
			e := bucket.GetEntry(i, t.keySerializer, t.valueSerializer)
			if !listener(e.Key, e.Value) {
				t.ReleasePageFromRead(entry)
				return nil
			}
		}

		if ptr == ptrTo {
			t.ReleasePageFromRead(entry)
			return nil
		}

		next := bucket.RightSibling()
		t.ReleasePageFromRead(entry)
		if !next.IsValid() {
			return nil
		}
		ptr = next
		startIndex = 0
	}
}

// GetValuesMinor 收集不大于 key 的值（maxValues<=0 不限量）
func (t *Tree) GetValuesMinor(key interface{}, inclusive bool, maxValues int) ([]interface{}, error) {
	var out []interface{}
	err := t.LoadEntriesMinor(key, inclusive, func(_, value interface{}) bool {
		out = append(out, value)
		return maxValues <= 0 || len(out) < maxValues
	})
	return out, err
}

// GetValuesMajor 收集不小于 key 的值（maxValues<=0 不限量）
func (t *Tree) GetValuesMajor(key interface{}, inclusive bool, maxValues int) ([]interface{}, error) {
	var out []interface{}
	err := t.LoadEntriesMajor(key, inclusive, func(_, value interface{}) bool {
		out = append(out, value)
		return maxValues <= 0 || len(out) < maxValues
	})
	return out, err
}

// GetValuesBetween 收集区间内的值（maxValues<=0 不限量）
func (t *Tree) GetValuesBetween(keyFrom interface{}, fromInclusive bool,
	keyTo interface{}, toInclusive bool, maxValues int) ([]interface{}, error) {
	var out []interface{}
	err := t.LoadEntriesBetween(keyFrom, fromInclusive, keyTo, toInclusive, func(_, value interface{}) bool {
		out = append(out, value)
		return maxValues <= 0 || len(out) < maxValues
	})
	return out, err
}
