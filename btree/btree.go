/*
JadeStore 前缀 B+ 树模块

变长字符串键的页式 B+ 树，键按桶做前缀压缩。与经典 B+ 树的差异：

1. 删除后桶不合并不回收，空桶在后续插入时复用；
2. 叶子之间没有兄弟链，遍历依靠查找路径回溯；
3. 分裂时在中位窗口内挑选最短分隔键，并以父层边界键重算左右桶前缀，
   尽量缩短向上传播的分隔键。

每棵树一个文件，根桶固定在 0 号页。启用空键支持时另有一个单页的
空键桶文件。所有变更都在原子操作内执行：任何出错路径都会把操作
标记为回滚，保证每个入口恰好结束一次原子操作。
*/

package btree

import (
	"github.com/pkg/errors"
	"github.com/util6/JadeStore/durable"
	"github.com/util6/JadeStore/pagecache"
	"github.com/util6/JadeStore/serializer"
	"github.com/util6/JadeStore/utils"
)

const (
	// rootIndex 根桶页号
	rootIndex = 0

	// DefaultMaxPathLength 查找路径深度上限，超过视为树损坏
	DefaultMaxPathLength = 64

	// DefaultMaxEmbeddedValueSize 内嵌值上限，超过写值溢出链
	DefaultMaxEmbeddedValueSize = 4096

	// DefaultCursorPrefetchSize 游标默认预取条数
	DefaultCursorPrefetchSize = 64

	// largeBucketThreshold 分裂时启用窗口寻优的桶大小下限
	largeBucketThreshold = 100
)

// UpdateActionKind 更新回调的动作
type UpdateActionKind int

const (
	// UpdateChange 写入新值
	UpdateChange UpdateActionKind = iota
	// UpdateRemove 删除键
	UpdateRemove
	// UpdateNothing 保持不变
	UpdateNothing
)

// UpdateAction 更新回调的返回
type UpdateAction struct {
	Kind  UpdateActionKind
	Value interface{}
}

// Updater 更新回调：输入旧值（可能不存在），输出动作
type Updater func(oldValue interface{}, exists bool) UpdateAction

// Validator 更新验证器。返回 ok=false 表示放弃本次更新（树不变），
// 否则以返回值作为最终写入值。
type Validator func(key interface{}, oldValue, newValue interface{}) (final interface{}, ok bool)

// PrefixBTree 前缀 B+ 树
type PrefixBTree struct {
	durable.Component

	keySerializer   serializer.Serializer
	valueSerializer serializer.Serializer
	encryption      serializer.Encryption

	nullSupport bool
	nullExt     string

	fileID     int64
	nullFileID int64

	maxEmbedded      int
	maxPathLength    int
	compressOverflow bool
}

// Options 前缀 B+ 树可调参数
type Options struct {
	MaxEmbeddedValueSize int
	MaxPathLength        int
	CompressOverflow     bool
}

// NewPrefixBTree 创建组件实例（尚未绑定文件，需 Create 或 Load）
func NewPrefixBTree(ctx *durable.Context, name, extension, nullExtension string, opts Options) *PrefixBTree {
	t := &PrefixBTree{nullExt: nullExtension}
	t.InitComponent(ctx, name, extension)

	t.maxEmbedded = opts.MaxEmbeddedValueSize
	if t.maxEmbedded <= 0 {
		t.maxEmbedded = DefaultMaxEmbeddedValueSize
	}
	t.maxPathLength = opts.MaxPathLength
	if t.maxPathLength <= 0 {
		t.maxPathLength = DefaultMaxPathLength
	}
	t.compressOverflow = opts.CompressOverflow
	return t
}

// Create 创建树文件并初始化根桶
func (t *PrefixBTree) Create(keySer, valSer serializer.Serializer, nullSupport bool, enc serializer.Encryption) (err error) {
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

	t.AcquireExclusiveLock()
	defer t.ReleaseExclusiveLock()

	t.keySerializer = keySer
	t.valueSerializer = valSer
	t.nullSupport = nullSupport
	t.encryption = enc

	if t.fileID, err = t.AddFile(op, t.FullName()); err != nil {
		rollback = true
		return err
	}

	if nullSupport {
		if t.nullFileID, err = t.AddFile(op, t.Name()+t.nullExt); err != nil {
			rollback = true
			return err
		}
	} else {
		t.nullFileID = -1
	}

	rootPage, err := t.AddPage(op, t.fileID)
	if err != nil {
		rollback = true
		return err
	}
	rootBucket := NewBucket(rootPage)
	rootBucket.Init(true, "")
	rootBucket.SetTreeSize(0)
	if err = t.ReleasePageFromWrite(op, rootPage); err != nil {
		rollback = true
		return err
	}
	return nil
}

// Load 绑定已存在的树文件
func (t *PrefixBTree) Load(keySer, valSer serializer.Serializer, nullSupport bool, enc serializer.Encryption) error {
	t.AcquireExclusiveLock()
	defer t.ReleaseExclusiveLock()

	t.keySerializer = keySer
	t.valueSerializer = valSer
	t.nullSupport = nullSupport
	t.encryption = enc

	var err error
	if t.fileID, err = t.OpenFile(t.FullName()); err != nil {
		return errors.Wrapf(err, "加载前缀 B+ 树 %s 失败", t.Name())
	}
	if nullSupport {
		if t.nullFileID, err = t.OpenFile(t.Name() + t.nullExt); err != nil {
			return errors.Wrapf(err, "加载空键桶文件 %s 失败", t.Name())
		}
	} else {
		t.nullFileID = -1
	}
	return nil
}

// Close 关闭树文件（回写脏页）
func (t *PrefixBTree) Close() error {
	t.AcquireExclusiveLock()
	defer t.ReleaseExclusiveLock()

	if err := t.CloseFile(t.fileID); err != nil {
		return err
	}
	if t.nullSupport {
		return t.CloseFile(t.nullFileID)
	}
	return nil
}

// encodeValue 序列化（并按需加密）值
func (t *PrefixBTree) encodeValue(value interface{}) []byte {
	raw := make([]byte, t.valueSerializer.ObjectSize(value))
	t.valueSerializer.Serialize(value, raw, 0)
	if t.encryption != nil {
		raw = t.encryption.Encrypt(raw)
	}
	return raw
}

// decodeValue 解密并反序列化值
func (t *PrefixBTree) decodeValue(raw []byte) (interface{}, error) {
	if t.encryption != nil {
		var err error
		if raw, err = t.encryption.Decrypt(raw); err != nil {
			return nil, err
		}
	}
	return t.valueSerializer.Deserialize(raw, 0), nil
}

// readValue 读出树值（内嵌或溢出链）
func (t *PrefixBTree) readValue(v TreeValue) (interface{}, error) {
	if !v.IsLink {
		return t.decodeValue(v.Raw)
	}
	raw, err := t.readValueChain(v.Link)
	if err != nil {
		return nil, err
	}
	return t.decodeValue(raw)
}

// preprocess 键规范化
func (t *PrefixBTree) preprocess(key string) string {
	return t.keySerializer.Preprocess(key).(string)
}

// Get 查找键。返回值与是否命中。
func (t *PrefixBTree) Get(key string) (value interface{}, found bool, err error) {
	t.AcquireAtomicReadLock()
	defer t.ReleaseAtomicReadLock()
	t.AcquireSharedLock()
	defer t.ReleaseSharedLock()

	key = t.preprocess(key)

	res, err := t.findBucket(key)
	if err != nil {
		return nil, false, err
	}
	if res.itemIndex < 0 {
		return nil, false, nil
	}

	entry, err := t.LoadPageForRead(t.fileID, res.lastPathItem())
	if err != nil {
		return nil, false, err
	}
	bucket := NewBucketFromEntry(entry)
	tv := bucket.GetValue(res.itemIndex)
	t.ReleasePageFromRead(entry)

	value, err = t.readValue(tv)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// GetNullKey 查找空键的值
func (t *PrefixBTree) GetNullKey() (value interface{}, found bool, err error) {
	t.AcquireAtomicReadLock()
	defer t.ReleaseAtomicReadLock()
	t.AcquireSharedLock()
	defer t.ReleaseSharedLock()

	if !t.nullSupport {
		return nil, false, utils.ErrNullKeyNotSupported
	}

	filled, err := t.GetFilledUpTo(t.nullFileID)
	if err != nil {
		return nil, false, err
	}
	if filled == 0 {
		return nil, false, nil
	}

	entry, err := t.LoadPageForRead(t.nullFileID, 0)
	if err != nil {
		return nil, false, err
	}
	nb := &NullBucket{page: durable.NewDurablePage(entry, 0)}
	raw := nb.GetRawValue()
	t.ReleasePageFromRead(entry)

	if raw == nil {
		return nil, false, nil
	}
	value, err = t.decodeValue(raw)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Put 插入或替换键值
func (t *PrefixBTree) Put(key string, value interface{}) error {
	_, err := t.Update(key, func(interface{}, bool) UpdateAction {
		return UpdateAction{Kind: UpdateChange, Value: value}
	}, nil)
	return err
}

// PutValidated 带验证器的插入。验证器放弃时返回 false。
func (t *PrefixBTree) PutValidated(key string, value interface{}, validator Validator) (bool, error) {
	return t.Update(key, func(interface{}, bool) UpdateAction {
		return UpdateAction{Kind: UpdateChange, Value: value}
	}, validator)
}

// PutNullKey 写入空键的值
func (t *PrefixBTree) PutNullKey(value interface{}) (err error) {
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

	t.AcquireExclusiveLock()
	defer t.ReleaseExclusiveLock()

	if !t.nullSupport {
		rollback = true
		return utils.ErrNullKeyNotSupported
	}

	raw := t.encodeValue(value)
	if len(raw) > pagecache.PageSize-nullValueOffset {
		rollback = true
		return errors.Wrap(utils.ErrValueTooLarge, "null key value")
	}

	filled, err := t.GetFilledUpTo(t.nullFileID)
	if err != nil {
		rollback = true
		return err
	}

	var page *durable.DurablePage
	if filled == 0 {
		if page, err = t.AddPage(op, t.nullFileID); err != nil {
			rollback = true
			return err
		}
		NewNullBucket(page).Init()
	} else {
		if page, err = t.LoadPageForWrite(op, t.nullFileID, 0); err != nil {
			rollback = true
			return err
		}
	}

	nb := NewNullBucket(page)
	existed := nb.GetRawValue() != nil
	nb.SetValue(raw)
	if err = t.ReleasePageFromWrite(op, page); err != nil {
		rollback = true
		return err
	}

	if !existed {
		if err = t.updateSize(op, 1); err != nil {
			rollback = true
			return err
		}
	}
	return nil
}

// RemoveNullKey 删除空键的值
func (t *PrefixBTree) RemoveNullKey() (removed interface{}, found bool, err error) {
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

	t.AcquireExclusiveLock()
	defer t.ReleaseExclusiveLock()

	if !t.nullSupport {
		rollback = true
		return nil, false, utils.ErrNullKeyNotSupported
	}

	filled, err := t.GetFilledUpTo(t.nullFileID)
	if err != nil {
		rollback = true
		return nil, false, err
	}
	if filled == 0 {
		return nil, false, nil
	}

	page, err := t.LoadPageForWrite(op, t.nullFileID, 0)
	if err != nil {
		rollback = true
		return nil, false, err
	}
	nb := NewNullBucket(page)
	raw := nb.GetRawValue()
	if raw != nil {
		nb.RemoveValue()
	}
	if err = t.ReleasePageFromWrite(op, page); err != nil {
		rollback = true
		return nil, false, err
	}

	if raw == nil {
		return nil, false, nil
	}
	if removed, err = t.decodeValue(raw); err != nil {
		rollback = true
		return nil, false, err
	}
	if err = t.updateSize(op, -1); err != nil {
		rollback = true
		return nil, false, err
	}
	return removed, true, nil
}

// Update 原子读-改-写。updater 基于旧值决定动作，validator 可以否决。
// 返回是否发生了改动。
func (t *PrefixBTree) Update(key string, updater Updater, validator Validator) (updated bool, err error) {
	op, err := t.StartAtomicOperation()
	if err != nil {
		return false, err
	}
	rollback := false
	defer func() {
		if e := t.EndAtomicOperation(rollback); e != nil && err == nil {
			err = e
		}
	}()

	t.AcquireExclusiveLock()
	defer t.ReleaseExclusiveLock()

	key = t.preprocess(key)

	res, err := t.findBucketForUpdate(key)
	if err != nil {
		rollback = true
		return false, err
	}

	page, err := t.LoadPageForWrite(op, t.fileID, res.lastPathItem())
	if err != nil {
		rollback = true
		return false, err
	}
	bucket := NewBucket(page)

	var oldRaw []byte
	var oldValue interface{}
	var oldTV TreeValue
	exists := res.itemIndex >= 0
	if exists {
		oldTV = bucket.GetValue(res.itemIndex)
		if oldTV.IsLink {
			if oldRaw, err = t.readValueChain(oldTV.Link); err != nil {
				rollback = true
				return false, err
			}
		} else {
			oldRaw = oldTV.Raw
		}
		if oldValue, err = t.decodeValue(oldRaw); err != nil {
			rollback = true
			return false, err
		}
	}

	action := updater(oldValue, exists)
	switch action.Kind {
	case UpdateNothing:
		if err = t.ReleasePageFromWrite(op, page); err != nil {
			rollback = true
		}
		return false, err

	case UpdateRemove:
		if !exists {
			if err = t.ReleasePageFromWrite(op, page); err != nil {
				rollback = true
			}
			return false, err
		}
		bucket.Remove(res.itemIndex)
		if err = t.ReleasePageFromWrite(op, page); err != nil {
			rollback = true
			return false, err
		}
		if err = t.updateSize(op, -1); err != nil {
			rollback = true
			return false, err
		}
		return true, nil
	}

	newValue := action.Value
	if validator != nil {
		final, ok := validator(key, oldValue, newValue)
		if !ok {
			if err = t.ReleasePageFromWrite(op, page); err != nil {
				rollback = true
			}
			return false, err
		}
		newValue = final
	}

	raw := t.encodeValue(newValue)

	var tv TreeValue
	if len(raw) > t.maxEmbedded {
		link, cerr := t.writeValueChain(op, raw)
		if cerr != nil {
			rollback = true
			t.ReleasePageFromWrite(op, page)
			return false, cerr
		}
		tv = TreeValue{IsLink: true, Link: link}
	} else {
		tv = TreeValue{Raw: raw}
	}

	insertionIndex := res.itemIndex
	sizeDiff := 0
	if exists {
		// 等长内嵌值原地替换；否则删除重插（旧溢出链成为孤儿，
		// 由 Clear/Delete 统一回收）
		if !oldTV.IsLink && !tv.IsLink && len(oldTV.Raw) == len(raw) {
			bucket.UpdateValue(res.itemIndex, raw)
			err = t.ReleasePageFromWrite(op, page)
			if err != nil {
				rollback = true
			}
			return err == nil, err
		}
		bucket.Remove(res.itemIndex)
	} else {
		insertionIndex = -res.itemIndex - 1
		sizeDiff = 1
	}

	if maxBudget := (pagecache.PageSize - prefixOffset) / 2; leafEntrySize(len(key), tv) > maxBudget {
		rollback = true
		t.ReleasePageFromWrite(op, page)
		return false, errors.Wrapf(utils.ErrValueTooLarge, "entry for key %q", key)
	}

	for !bucket.AddLeafEntry(insertionIndex, suffixOf(key, bucket.BucketPrefix()), tv) {
		res, err = t.splitBucket(op, bucket, page, res, insertionIndex, key)
		if err != nil {
			rollback = true
			t.ReleasePageFromWrite(op, page)
			return false, err
		}

		insertionIndex = res.itemIndex
		parentIndex := res.lastPathItem()

		if parentIndex != page.PageIndex() {
			if err = t.ReleasePageFromWrite(op, page); err != nil {
				rollback = true
				return false, err
			}
			if page, err = t.LoadPageForWrite(op, t.fileID, parentIndex); err != nil {
				rollback = true
				return false, err
			}
		}
		bucket = NewBucket(page)
	}

	if err = t.ReleasePageFromWrite(op, page); err != nil {
		rollback = true
		return false, err
	}

	if sizeDiff != 0 {
		if err = t.updateSize(op, int64(sizeDiff)); err != nil {
			rollback = true
			return false, err
		}
	}
	return true, nil
}

// Remove 删除键，返回旧值
func (t *PrefixBTree) Remove(key string) (removed interface{}, found bool, err error) {
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

	t.AcquireExclusiveLock()
	defer t.ReleaseExclusiveLock()

	key = t.preprocess(key)

	res, err := t.findBucket(key)
	if err != nil {
		rollback = true
		return nil, false, err
	}
	if res.itemIndex < 0 {
		return nil, false, nil
	}

	page, err := t.LoadPageForWrite(op, t.fileID, res.lastPathItem())
	if err != nil {
		rollback = true
		return nil, false, err
	}
	bucket := NewBucket(page)
	tv := bucket.GetValue(res.itemIndex)
	bucket.Remove(res.itemIndex)
	if err = t.ReleasePageFromWrite(op, page); err != nil {
		rollback = true
		return nil, false, err
	}

	if removed, err = t.readValue(tv); err != nil {
		rollback = true
		return nil, false, err
	}
	if err = t.updateSize(op, -1); err != nil {
		rollback = true
		return nil, false, err
	}
	return removed, true, nil
}

// Clear 清空整棵树
func (t *PrefixBTree) Clear() (err error) {
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

	t.AcquireExclusiveLock()
	defer t.ReleaseExclusiveLock()

	if err = t.TruncateFile(t.fileID); err != nil {
		rollback = true
		return err
	}
	if t.nullSupport {
		if err = t.TruncateFile(t.nullFileID); err != nil {
			rollback = true
			return err
		}
	}

	rootPage, err := t.AddPage(op, t.fileID)
	if err != nil {
		rollback = true
		return err
	}
	rootBucket := NewBucket(rootPage)
	rootBucket.Init(true, "")
	rootBucket.SetTreeSize(0)
	if err = t.ReleasePageFromWrite(op, rootPage); err != nil {
		rollback = true
		return err
	}
	return nil
}

// Delete 删除树的全部文件（物理删除在提交点生效）
func (t *PrefixBTree) Delete() (err error) {
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

	t.AcquireExclusiveLock()
	defer t.ReleaseExclusiveLock()

	if err = t.DeleteFile(op, t.fileID); err != nil {
		rollback = true
		return err
	}
	if t.nullSupport {
		if err = t.DeleteFile(op, t.nullFileID); err != nil {
			rollback = true
			return err
		}
	}
	return nil
}

// Size 树内条目数
func (t *PrefixBTree) Size() (int64, error) {
	t.AcquireAtomicReadLock()
	defer t.ReleaseAtomicReadLock()
	t.AcquireSharedLock()
	defer t.ReleaseSharedLock()

	entry, err := t.LoadPageForRead(t.fileID, rootIndex)
	if err != nil {
		return 0, err
	}
	defer t.ReleasePageFromRead(entry)
	return NewBucketFromEntry(entry).TreeSize(), nil
}

// updateSize 调整根桶中的树大小计数
func (t *PrefixBTree) updateSize(op *durable.Operation, diff int64) error {
	rootPage, err := t.LoadPageForWrite(op, t.fileID, rootIndex)
	if err != nil {
		return err
	}
	rootBucket := NewBucket(rootPage)
	rootBucket.SetTreeSize(rootBucket.TreeSize() + diff)
	return t.ReleasePageFromWrite(op, rootPage)
}

// Flush 将树文件的脏页与 WAL 刷盘
func (t *PrefixBTree) Flush() error {
	t.AcquireAtomicReadLock()
	defer t.ReleaseAtomicReadLock()
	t.AcquireSharedLock()
	defer t.ReleaseSharedLock()

	if err := t.Ctx().WAL.Flush(); err != nil {
		return err
	}
	return t.Ctx().ReadCache.FlushFile(t.fileID)
}
