/*
JadeStore 持久组件基座

所有持久数据结构（前缀 B+ 树、Bonsai 树、哈希目录、位置映射）的公共
底座：把读写缓存、WAL 与原子操作管理器收拢为一组受保护的操作原语。

关键路径是 ReleasePageFromWrite：取走持久页积累的页操作记录，按产生
顺序排入 WAL（记入当前原子操作），把页面 LSN 推进到最后一条记录的
LSN，然后释放写钉。页操作记录与页面变更因此严格一一对应。
*/

package durable

import (
	"sync"

	"github.com/util6/JadeStore/pagecache"
	"github.com/util6/JadeStore/utils"
	"github.com/util6/JadeStore/wal"
)

// Context 引擎上下文：显式传递的共享组件句柄（不依赖包级单例）
type Context struct {
	WAL        *wal.Log
	ReadCache  *pagecache.ReadCache
	WriteCache *pagecache.WriteCache
	Manager    *Manager

	// FileLocks 按文件号分区的共享/独占锁
	FileLocks *utils.PartitionedLockManager
}

// Component 持久组件基座
type Component struct {
	ctx  *Context
	name string
	ext  string

	// 组件级共享/独占锁：读路径取共享，写路径取独占
	lock sync.RWMutex
}

// InitComponent 初始化组件基座
func (c *Component) InitComponent(ctx *Context, name, extension string) {
	c.ctx = ctx
	c.name = name
	c.ext = extension
}

// Name 组件名
func (c *Component) Name() string {
	return c.name
}

// FullName 组件数据文件全名
func (c *Component) FullName() string {
	return c.name + c.ext
}

// Ctx 引擎上下文
func (c *Component) Ctx() *Context {
	return c.ctx
}

// AcquireSharedLock 组件共享锁
func (c *Component) AcquireSharedLock() { c.lock.RLock() }

// ReleaseSharedLock 释放组件共享锁
func (c *Component) ReleaseSharedLock() { c.lock.RUnlock() }

// AcquireExclusiveLock 组件独占锁
func (c *Component) AcquireExclusiveLock() { c.lock.Lock() }

// ReleaseExclusiveLock 释放组件独占锁
func (c *Component) ReleaseExclusiveLock() { c.lock.Unlock() }

// StartAtomicOperation 开启（或重入）原子操作
func (c *Component) StartAtomicOperation() (*Operation, error) {
	return c.ctx.Manager.StartAtomicOperation()
}

// EndAtomicOperation 结束原子操作
func (c *Component) EndAtomicOperation(rollback bool) error {
	return c.ctx.Manager.EndAtomicOperation(rollback)
}

// AcquireAtomicReadLock 取组件的共享原子操作锁（与游标的结构性保护配对）
func (c *Component) AcquireAtomicReadLock() {
	c.ctx.Manager.AcquireReadLock(c.name)
}

// ReleaseAtomicReadLock 释放组件的共享原子操作锁
func (c *Component) ReleaseAtomicReadLock() {
	c.ctx.Manager.ReleaseReadLock(c.name)
}

// AcquireAtomicExclusiveLock 取组件独占锁直到当前原子操作结束
func (c *Component) AcquireAtomicExclusiveLock() error {
	return c.ctx.Manager.AcquireExclusiveLockTillOperationComplete(c.name)
}

// GetFilledUpTo 文件长度（按页计）
func (c *Component) GetFilledUpTo(fileID int64) (int64, error) {
	return c.ctx.WriteCache.FilledUpTo(fileID)
}

// LoadPageForRead 以共享钉装载页面
func (c *Component) LoadPageForRead(fileID, pageIndex int64) (*pagecache.CacheEntry, error) {
	return c.ctx.ReadCache.LoadForRead(fileID, pageIndex)
}

// LoadPageForWrite 以独占钉装载页面并建立持久页视图
func (c *Component) LoadPageForWrite(op *Operation, fileID, pageIndex int64) (*DurablePage, error) {
	entry, err := c.ctx.ReadCache.LoadForWrite(fileID, pageIndex)
	if err != nil {
		return nil, err
	}
	return NewDurablePage(entry, op.ID()), nil
}

// AddPage 将文件扩展一页并返回写钉住的持久页视图
func (c *Component) AddPage(op *Operation, fileID int64) (*DurablePage, error) {
	entry, err := c.ctx.ReadCache.AllocateNewPage(fileID)
	if err != nil {
		return nil, err
	}
	return NewDurablePage(entry, op.ID()), nil
}

// PinPage 将页面标记为不可逐出
func (c *Component) PinPage(page *DurablePage) {
	c.ctx.ReadCache.PinPage(page.Entry())
}

// PinEntry 将读钉住的页面标记为不可逐出
func (c *Component) PinEntry(entry *pagecache.CacheEntry) {
	c.ctx.ReadCache.PinPage(entry)
}

// ReleasePageFromRead 释放共享钉
func (c *Component) ReleasePageFromRead(entry *pagecache.CacheEntry) {
	c.ctx.ReadCache.ReleaseFromRead(entry)
}

// LogPageOperations 排空持久页的页操作记录（不释放写钉）。
// 记录按产生顺序获得 LSN，页面 LSN 更新为最后一条记录的 LSN。
func (c *Component) LogPageOperations(op *Operation, page *DurablePage) error {
	entry := page.Entry()
	ops := page.AndClearOperations()
	if len(ops) == 0 {
		return nil
	}

	prevLSN := entry.LSN()
	var last wal.LSN
	for _, rec := range ops {
		lsn, err := c.ctx.WAL.Log(rec)
		if err != nil {
			return err
		}
		op.addOperation(rec, lsn, prevLSN)
		last = lsn
	}
	entry.SetLSN(last)
	return nil
}

// ReleasePageFromWrite 排空持久页的页操作记录并释放写钉
func (c *Component) ReleasePageFromWrite(op *Operation, page *DurablePage) error {
	if page == nil {
		return nil
	}
	err := c.LogPageOperations(op, page)
	c.ctx.ReadCache.ReleaseFromWrite(page.Entry())
	return err
}

// AddFile 预订文件号、记录 file-created 并注册文件
func (c *Component) AddFile(op *Operation, name string) (int64, error) {
	fileID := c.ctx.WriteCache.BookFileID()

	lsn, err := c.ctx.WAL.Log(wal.NewFileCreated(op.ID(), name, fileID))
	if err != nil {
		return 0, err
	}
	op.lsns = append(op.lsns, lsn)
	op.createdFiles = append(op.createdFiles, fileID)

	if err := c.ctx.WriteCache.AddFile(name, fileID); err != nil {
		return 0, err
	}
	return fileID, nil
}

// OpenFile 打开已注册文件
func (c *Component) OpenFile(name string) (int64, error) {
	return c.ctx.WriteCache.OpenFile(name)
}

// IsFileExists 文件名是否已注册
func (c *Component) IsFileExists(name string) bool {
	return c.ctx.WriteCache.Exists(name)
}

// TruncateFile 清空文件
func (c *Component) TruncateFile(fileID int64) error {
	return c.ctx.ReadCache.TruncateFile(fileID)
}

// DeleteFile 记录 file-deleted 并把物理删除推迟到提交点。
// 文件删除不可回滚，因此不允许在提交前生效。
func (c *Component) DeleteFile(op *Operation, fileID int64) error {
	lsn, err := c.ctx.WAL.Log(wal.NewFileDeleted(op.ID(), fileID))
	if err != nil {
		return err
	}
	op.lsns = append(op.lsns, lsn)
	op.deferredDel = append(op.deferredDel, fileID)
	return nil
}

// CloseFile 关闭文件（回写脏页）
func (c *Component) CloseFile(fileID int64) error {
	return c.ctx.ReadCache.CloseFile(fileID, true)
}
