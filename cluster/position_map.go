/*
JadeStore 簇位置映射模块

逻辑记录位置到 (页号, 记录位置) 的页式数组。桶按页顺序填充并用
next-page 链接串起，逻辑位置折算为 (桶页, 桶内下标)。

全部变更在原子操作内执行；每次标志或位置的写入都由持久页产生携带
旧值的页操作记录，回滚可精确还原到先前的 (标志, 页号, 记录位置)。
*/

package cluster

import (
	"github.com/pkg/errors"
	"github.com/util6/JadeStore/durable"
	"github.com/util6/JadeStore/utils"
)

func errIndexOutOfRange(index, size int) error {
	return errors.Wrapf(utils.ErrIndexOutOfRange, "index %d, size %d", index, size)
}

func errWrongTransition(index int, flag byte) error {
	return errors.Wrapf(utils.ErrWrongStateTransition, "index %d, flag %d", index, flag)
}

// PositionMap 簇位置映射组件
type PositionMap struct {
	durable.Component

	fileID int64
}

// NewPositionMap 创建组件实例（尚未绑定文件，需 Create 或 Open）
func NewPositionMap(ctx *durable.Context, name, extension string) *PositionMap {
	m := &PositionMap{}
	m.InitComponent(ctx, name, extension)
	return m
}

// Create 创建映射文件与第一个桶
func (m *PositionMap) Create() (err error) {
	op, err := m.StartAtomicOperation()
	if err != nil {
		return err
	}
	rollback := false
	defer func() {
		if e := m.EndAtomicOperation(rollback); e != nil && err == nil {
			err = e
		}
	}()

	m.AcquireExclusiveLock()
	defer m.ReleaseExclusiveLock()

	if m.fileID, err = m.AddFile(op, m.FullName()); err != nil {
		rollback = true
		return err
	}

	page, err := m.AddPage(op, m.fileID)
	if err != nil {
		rollback = true
		return err
	}
	NewBucket(page).Init()
	if err = m.ReleasePageFromWrite(op, page); err != nil {
		rollback = true
		return err
	}
	return nil
}

// Open 打开已有映射文件
func (m *PositionMap) Open() error {
	m.AcquireExclusiveLock()
	defer m.ReleaseExclusiveLock()

	var err error
	m.fileID, err = m.OpenFile(m.FullName())
	return err
}

// Close 关闭映射文件
func (m *PositionMap) Close() error {
	m.AcquireExclusiveLock()
	defer m.ReleaseExclusiveLock()
	return m.CloseFile(m.fileID)
}

// Delete 删除映射文件（提交点生效）
func (m *PositionMap) Delete() (err error) {
	op, err := m.StartAtomicOperation()
	if err != nil {
		return err
	}
	rollback := false
	defer func() {
		if e := m.EndAtomicOperation(rollback); e != nil && err == nil {
			err = e
		}
	}()

	m.AcquireExclusiveLock()
	defer m.ReleaseExclusiveLock()

	if err = m.DeleteFile(op, m.fileID); err != nil {
		rollback = true
		return err
	}
	return nil
}

// position 逻辑位置折算为 (桶页, 桶内下标)
func position(index int64) (pageIndex int64, local int) {
	return index / MaxEntries, int(index % MaxEntries)
}

// appendSlot 定位追加位置：最后一个桶满时开新桶并串接链
func (m *PositionMap) appendSlot(op *durable.Operation) (*durable.DurablePage, int64, error) {
	filled, err := m.GetFilledUpTo(m.fileID)
	if err != nil {
		return nil, 0, err
	}
	lastPage := filled - 1

	page, err := m.LoadPageForWrite(op, m.fileID, lastPage)
	if err != nil {
		return nil, 0, err
	}
	bucket := NewBucket(page)

	if !bucket.IsFull() {
		return page, lastPage*MaxEntries + int64(bucket.Size()), nil
	}

	newPage, err := m.AddPage(op, m.fileID)
	if err != nil {
		m.Ctx().ReadCache.ReleaseFromWrite(page.Entry())
		return nil, 0, err
	}
	NewBucket(newPage).Init()

	bucket.SetNextPage(newPage.PageIndex())
	if err = m.ReleasePageFromWrite(op, page); err != nil {
		m.Ctx().ReadCache.ReleaseFromWrite(newPage.Entry())
		return nil, 0, err
	}
	return newPage, (lastPage + 1) * MaxEntries, nil
}

// Add 追加 FILLED 条目，返回逻辑位置
func (m *PositionMap) Add(pageIndex int64, recordPosition int32) (index int64, err error) {
	op, err := m.StartAtomicOperation()
	if err != nil {
		return 0, err
	}
	rollback := false
	defer func() {
		if e := m.EndAtomicOperation(rollback); e != nil && err == nil {
			err = e
		}
	}()

	m.AcquireExclusiveLock()
	defer m.ReleaseExclusiveLock()

	page, base, err := m.appendSlot(op)
	if err != nil {
		rollback = true
		return 0, err
	}
	NewBucket(page).Add(pageIndex, recordPosition)
	if err = m.ReleasePageFromWrite(op, page); err != nil {
		rollback = true
		return 0, err
	}
	return base, nil
}

// Allocate 预留一个位置（ALLOCATED），返回逻辑位置
func (m *PositionMap) Allocate() (index int64, err error) {
	op, err := m.StartAtomicOperation()
	if err != nil {
		return 0, err
	}
	rollback := false
	defer func() {
		if e := m.EndAtomicOperation(rollback); e != nil && err == nil {
			err = e
		}
	}()

	m.AcquireExclusiveLock()
	defer m.ReleaseExclusiveLock()

	page, base, err := m.appendSlot(op)
	if err != nil {
		rollback = true
		return 0, err
	}
	NewBucket(page).Allocate()
	if err = m.ReleasePageFromWrite(op, page); err != nil {
		rollback = true
		return 0, err
	}
	return base, nil
}

// withBucketWrite 在原子操作内对逻辑位置所在桶执行写回调
func (m *PositionMap) withBucketWrite(index int64, fn func(bucket *Bucket, local int) error) (err error) {
	op, err := m.StartAtomicOperation()
	if err != nil {
		return err
	}
	rollback := false
	defer func() {
		if e := m.EndAtomicOperation(rollback); e != nil && err == nil {
			err = e
		}
	}()

	m.AcquireExclusiveLock()
	defer m.ReleaseExclusiveLock()

	pageIndex, local := position(index)

	filled, err := m.GetFilledUpTo(m.fileID)
	if err != nil {
		rollback = true
		return err
	}
	if pageIndex >= filled {
		rollback = true
		return errIndexOutOfRange(int(index), int(filled*MaxEntries))
	}

	page, err := m.LoadPageForWrite(op, m.fileID, pageIndex)
	if err != nil {
		rollback = true
		return err
	}
	if err = fn(NewBucket(page), local); err != nil {
		rollback = true
		m.ReleasePageFromWrite(op, page)
		return err
	}
	if err = m.ReleasePageFromWrite(op, page); err != nil {
		rollback = true
		return err
	}
	return nil
}

// Set 覆写逻辑位置的条目（ALLOCATED→FILLED 或 FILLED 保持）
func (m *PositionMap) Set(index int64, entry PositionEntry) error {
	return m.withBucketWrite(index, func(bucket *Bucket, local int) error {
		return bucket.Set(local, entry)
	})
}

// Remove 删除逻辑位置的条目（FILLED→REMOVED，否则无操作）
func (m *PositionMap) Remove(index int64) (removed bool, err error) {
	err = m.withBucketWrite(index, func(bucket *Bucket, local int) error {
		removed = bucket.Remove(local)
		return nil
	})
	return removed, err
}

// Resurrect 复活逻辑位置的墓碑（REMOVED→FILLED）
func (m *PositionMap) Resurrect(index int64, entry PositionEntry) error {
	return m.withBucketWrite(index, func(bucket *Bucket, local int) error {
		return bucket.Resurrect(local, entry)
	})
}

// withBucketRead 对逻辑位置所在桶执行读回调。越界时回调不执行。
func (m *PositionMap) withBucketRead(index int64, fn func(bucket *Bucket, local int)) error {
	m.AcquireAtomicReadLock()
	defer m.ReleaseAtomicReadLock()
	m.AcquireSharedLock()
	defer m.ReleaseSharedLock()

	pageIndex, local := position(index)

	filled, err := m.GetFilledUpTo(m.fileID)
	if err != nil {
		return err
	}
	if index < 0 || pageIndex >= filled {
		return nil
	}

	entry, err := m.LoadPageForRead(m.fileID, pageIndex)
	if err != nil {
		return err
	}
	defer m.ReleasePageFromRead(entry)

	fn(NewBucketFromEntry(entry), local)
	return nil
}

// Get 读逻辑位置的条目（不存在或非 FILLED 返回 nil）
func (m *PositionMap) Get(index int64) (entry *PositionEntry, err error) {
	err = m.withBucketRead(index, func(bucket *Bucket, local int) {
		entry = bucket.Get(local)
	})
	return entry, err
}

// Exists 逻辑位置是否为 FILLED
func (m *PositionMap) Exists(index int64) (exists bool, err error) {
	err = m.withBucketRead(index, func(bucket *Bucket, local int) {
		exists = bucket.Exists(local)
	})
	return exists, err
}

// Status 逻辑位置的状态（越界返回 NOT_EXISTENT）
func (m *PositionMap) Status(index int64) (status byte, err error) {
	status = NotExistent
	err = m.withBucketRead(index, func(bucket *Bucket, local int) {
		status = bucket.Status(local)
	})
	return status, err
}

// Size 逻辑位置总数（含墓碑与预留）
func (m *PositionMap) Size() (int64, error) {
	m.AcquireAtomicReadLock()
	defer m.ReleaseAtomicReadLock()
	m.AcquireSharedLock()
	defer m.ReleaseSharedLock()

	filled, err := m.GetFilledUpTo(m.fileID)
	if err != nil {
		return 0, err
	}
	if filled == 0 {
		return 0, nil
	}

	entry, err := m.LoadPageForRead(m.fileID, filled-1)
	if err != nil {
		return 0, err
	}
	defer m.ReleasePageFromRead(entry)

	return (filled-1)*MaxEntries + int64(NewBucketFromEntry(entry).Size()), nil
}
