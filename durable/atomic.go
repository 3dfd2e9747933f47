/*
JadeStore 原子操作管理器模块

原子操作是一段有边界的页面变更序列：序列中的全部页操作要么随提交记录
一起持久，要么被逆序撤销。管理器以 goroutine 为单位跟踪进行中的操作，
嵌套的 Start 返回同一个操作（重入），只有最外层的 End 真正提交或回滚。

提交：追加 atomic-commit 记录并把 WAL 刷到该记录；随后执行被推迟的
文件删除（文件删除不可回滚，只允许在提交点生效）。

回滚：逆序遍历本操作的页操作记录，对每个页面加写钉应用 undo（不再
产生 WAL 记录），恢复页面 LSN 至操作前的值；操作中创建的文件被删除；
最后追加 atomic-rollback 记录并刷盘。回滚中的失败升级为致命错误，
存储转为只读。

组件级锁：读路径成对调用 AcquireReadLock/ReleaseReadLock；游标等需要
阻止结构变更的调用方可取"到操作结束为止"的独占锁，由管理器在操作
结束时统一释放。
*/

package durable

import (
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
	"github.com/pkg/errors"
	"github.com/util6/JadeStore/pagecache"
	"github.com/util6/JadeStore/utils"
	"github.com/util6/JadeStore/wal"
)

// pageRef 操作内触及的页面
type pageRef struct {
	fileID    int64
	pageIndex int64
}

// Operation 一次原子操作的内存状态
type Operation struct {
	id      wal.OperationUnitID
	depth   int
	aborted bool

	lsns    []wal.LSN           // 本操作追加的记录 LSN（按序）
	records []wal.PageOperation // 本操作的页操作记录（按变更顺序）

	startPageLSNs map[pageRef]wal.LSN // 页面首次触及时的 LSN
	createdFiles  []int64             // 操作中创建的文件（回滚时删除）
	deferredDel   []int64             // 推迟到提交点的文件删除
	heldLocks     []*sync.RWMutex     // 操作期间取得的组件独占锁
}

// ID 操作单元号
func (op *Operation) ID() wal.OperationUnitID {
	return op.id
}

// addOperation 记录一条已排入 WAL 的页操作
func (op *Operation) addOperation(rec wal.PageOperation, lsn wal.LSN, prevPageLSN wal.LSN) {
	op.lsns = append(op.lsns, lsn)
	op.records = append(op.records, rec)

	key := pageRef{fileID: rec.FileID(), pageIndex: rec.PageIndex()}
	if _, ok := op.startPageLSNs[key]; !ok {
		op.startPageLSNs[key] = prevPageLSN
	}
}

// Manager 原子操作管理器
type Manager struct {
	walog     *wal.Log
	readCache *pagecache.ReadCache
	ids       *wal.SequenceIDSource

	mu      sync.Mutex
	current map[int64]*Operation // goroutine id -> 进行中的操作

	// freeze 在检查点期间静默新操作：Start 取读锁，检查点取写锁
	freeze sync.RWMutex

	readOnly atomic.Bool

	componentLocks sync.Map // 组件名 -> *sync.RWMutex
}

// NewManager 创建原子操作管理器
func NewManager(walog *wal.Log, readCache *pagecache.ReadCache, ids *wal.SequenceIDSource) *Manager {
	return &Manager{
		walog:     walog,
		readCache: readCache,
		ids:       ids,
		current:   make(map[int64]*Operation),
	}
}

// ReadOnly 存储是否处于只读模式（回滚失败之后）
func (m *Manager) ReadOnly() bool {
	return m.readOnly.Load()
}

// CurrentOperation 当前 goroutine 进行中的操作（没有则为 nil）
func (m *Manager) CurrentOperation() *Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current[goid.Get()]
}

// StartAtomicOperation 开启（或重入）当前 goroutine 的原子操作
func (m *Manager) StartAtomicOperation() (*Operation, error) {
	if m.readOnly.Load() {
		return nil, utils.ErrStorageReadOnly
	}

	gid := goid.Get()

	m.mu.Lock()
	if op, ok := m.current[gid]; ok {
		op.depth++
		m.mu.Unlock()
		return op, nil
	}
	m.mu.Unlock()

	m.freeze.RLock()

	op := &Operation{
		id:            m.ids.NextID(),
		startPageLSNs: make(map[pageRef]wal.LSN),
	}

	lsn, err := m.walog.Log(wal.NewAtomicBegin(op.id))
	if err != nil {
		m.freeze.RUnlock()
		return nil, err
	}
	op.lsns = append(op.lsns, lsn)

	m.mu.Lock()
	m.current[gid] = op
	m.mu.Unlock()
	return op, nil
}

// EndAtomicOperation 结束当前 goroutine 的原子操作。
// rollback 为真（或操作内部已标记失败）时回滚，否则提交。
// 嵌套调用只减少深度，最外层调用真正完成操作。
func (m *Manager) EndAtomicOperation(rollback bool) error {
	gid := goid.Get()

	m.mu.Lock()
	op, ok := m.current[gid]
	if !ok {
		m.mu.Unlock()
		return utils.ErrNoAtomicOperation
	}
	if op.depth > 0 {
		op.depth--
		op.aborted = op.aborted || rollback
		m.mu.Unlock()
		return nil
	}
	delete(m.current, gid)
	m.mu.Unlock()

	defer m.freeze.RUnlock()
	defer m.releaseLocks(op)

	if rollback || op.aborted {
		return m.rollback(op)
	}
	return m.commit(op)
}

// commit 写提交记录并刷盘，然后应用推迟的文件删除
func (m *Manager) commit(op *Operation) error {
	if _, err := m.walog.Log(wal.NewAtomicCommit(op.id)); err != nil {
		return err
	}
	if err := m.walog.Flush(); err != nil {
		return err
	}

	for _, fileID := range op.deferredDel {
		if err := m.readCache.DeleteFile(fileID); err != nil {
			return err
		}
	}
	return nil
}

// rollback 逆序撤销页操作并恢复页面 LSN
func (m *Manager) rollback(op *Operation) error {
	if err := m.rollbackPages(op); err != nil {
		// 回滚失败是致命的：存储转只读，重启后由恢复流程处理
		m.readOnly.Store(true)
		return errors.Wrap(utils.ErrStorageReadOnly, err.Error())
	}

	for _, fileID := range op.createdFiles {
		err := m.readCache.DeleteFile(fileID)
		if err != nil && !errors.Is(err, utils.ErrFileNotRegistered) {
			m.readOnly.Store(true)
			return errors.Wrap(utils.ErrStorageReadOnly, err.Error())
		}
	}

	if _, err := m.walog.Log(wal.NewAtomicRollback(op.id)); err != nil {
		return err
	}
	return m.walog.Flush()
}

func (m *Manager) rollbackPages(op *Operation) error {
	deletedFiles := make(map[int64]bool, len(op.createdFiles))
	for _, id := range op.createdFiles {
		deletedFiles[id] = true
	}

	for i := len(op.records) - 1; i >= 0; i-- {
		rec := op.records[i]
		if deletedFiles[rec.FileID()] {
			continue
		}
		entry, err := m.readCache.LoadForWrite(rec.FileID(), rec.PageIndex())
		if err != nil {
			return err
		}
		rec.Undo(RawPageView(entry))
		m.readCache.ReleaseFromWrite(entry)
	}

	for ref, lsn := range op.startPageLSNs {
		if deletedFiles[ref.fileID] {
			continue
		}
		entry, err := m.readCache.LoadForWrite(ref.fileID, ref.pageIndex)
		if err != nil {
			return err
		}
		entry.SetLSN(lsn)
		m.readCache.ReleaseFromWrite(entry)
	}
	return nil
}

// releaseLocks 释放操作期间取得的组件独占锁
func (m *Manager) releaseLocks(op *Operation) {
	for i := len(op.heldLocks) - 1; i >= 0; i-- {
		op.heldLocks[i].Unlock()
	}
	op.heldLocks = nil
}

// Freeze 静默全部原子操作（检查点期间调用），返回解冻函数
func (m *Manager) Freeze() func() {
	m.freeze.Lock()
	return m.freeze.Unlock
}

func (m *Manager) componentLock(name string) *sync.RWMutex {
	v, _ := m.componentLocks.LoadOrStore(name, new(sync.RWMutex))
	return v.(*sync.RWMutex)
}

// AcquireReadLock 取组件的共享"原子操作锁"
func (m *Manager) AcquireReadLock(name string) {
	m.componentLock(name).RLock()
}

// ReleaseReadLock 释放组件的共享"原子操作锁"
func (m *Manager) ReleaseReadLock(name string) {
	m.componentLock(name).RUnlock()
}

// AcquireExclusiveLockTillOperationComplete 取组件独占锁，
// 持有到当前原子操作结束
func (m *Manager) AcquireExclusiveLockTillOperationComplete(name string) error {
	m.mu.Lock()
	op, ok := m.current[goid.Get()]
	m.mu.Unlock()
	if !ok {
		return utils.ErrNoAtomicOperation
	}

	lock := m.componentLock(name)
	lock.Lock()
	op.heldLocks = append(op.heldLocks, lock)
	return nil
}
