/*
JadeStore 读缓存模块

读缓存是有界的页面缓冲池。页面按 (文件号, 页号) 哈希落入分区，每个
分区维护自己的哈希表与 LRU 链，降低锁竞争（沿用缓冲池分区的做法）。

逐出规则：
1. 只有引用计数为零且未被显式钉住的条目可以逐出；
2. 脏页逐出前先保证 WAL 已持久到该页的 LSN（写前日志规则），再写穿
   到写缓存；
3. 干净页逐出时把页面镜像放入二级缓存（ristretto），未命中 LRU 的
   读取先查二级缓存再落盘，减少一次磁盘读。

写释放会使二级缓存中的对应镜像失效；文件截断/删除通过提升文件代号
使整个文件的镜像键失效。
*/

package pagecache

import (
	"container/list"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/pkg/errors"
	"github.com/util6/JadeStore/utils"
	"github.com/util6/JadeStore/wal"
)

const (
	// PartitionCount 读缓存分区数量
	PartitionCount = 16

	// MinCachePages 读缓存页面数下限
	MinCachePages = 64
)

// WALFlusher 写前日志规则的执行接口（由 WAL 实现）
type WALFlusher interface {
	FlushTo(lsn wal.LSN) error
}

// cachePartition 读缓存分区
type cachePartition struct {
	mu       sync.Mutex
	entries  map[pageKey]*CacheEntry
	elements map[pageKey]*list.Element
	lru      *list.List
	capacity int
}

// ReadCache 有界页面缓冲池
type ReadCache struct {
	writeCache *WriteCache
	walog      WALFlusher

	partitions [PartitionCount]*cachePartition
	pool       *utils.ByteBufferPool

	// 二级页镜像缓存
	l2   *ristretto.Cache[uint64, []byte]
	gens sync.Map // fileID -> *atomic.Uint64，截断/删除时提升

	// 统计信息
	hitCount  atomic.Int64
	missCount atomic.Int64
}

// NewReadCache 创建读缓存。
// capacityPages 为缓存页面总数；l2SizeBytes 为二级缓存预算，0 表示关闭。
func NewReadCache(capacityPages int, writeCache *WriteCache, walog WALFlusher, l2SizeBytes int64) (*ReadCache, error) {
	if capacityPages < MinCachePages {
		capacityPages = MinCachePages
	}

	rc := &ReadCache{
		writeCache: writeCache,
		walog:      walog,
		pool:       utils.NewByteBufferPool(PageSize),
	}

	perPartition := capacityPages / PartitionCount
	if perPartition < 1 {
		perPartition = 1
	}
	for i := range rc.partitions {
		rc.partitions[i] = &cachePartition{
			entries:  make(map[pageKey]*CacheEntry),
			elements: make(map[pageKey]*list.Element),
			lru:      list.New(),
			capacity: perPartition,
		}
	}

	if l2SizeBytes > 0 {
		l2, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
			NumCounters: (l2SizeBytes / PageSize) * 10,
			MaxCost:     l2SizeBytes,
			BufferItems: 64,
		})
		if err != nil {
			return nil, errors.Wrap(err, "无法创建二级页缓存")
		}
		rc.l2 = l2
	}

	return rc, nil
}

func (rc *ReadCache) partition(key pageKey) *cachePartition {
	return rc.partitions[uint64(key.fileID*31+key.pageIndex)&(PartitionCount-1)]
}

func (rc *ReadCache) fileGen(fileID int64) uint64 {
	v, _ := rc.gens.LoadOrStore(fileID, new(atomic.Uint64))
	return v.(*atomic.Uint64).Load()
}

func (rc *ReadCache) bumpFileGen(fileID int64) {
	v, _ := rc.gens.LoadOrStore(fileID, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(1)
}

func (rc *ReadCache) l2Key(key pageKey) uint64 {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(key.fileID))
	binary.LittleEndian.PutUint64(buf[8:], rc.fileGen(key.fileID))
	binary.LittleEndian.PutUint64(buf[16:], uint64(key.pageIndex))
	return xxhash.Sum64(buf[:])
}

// entry 取出或装载缓存条目，引用计数加一
func (rc *ReadCache) entry(fileID, pageIndex int64) (*CacheEntry, error) {
	key := pageKey{fileID: fileID, pageIndex: pageIndex}
	p := rc.partition(key)

	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[key]; ok {
		rc.hitCount.Add(1)
		p.lru.MoveToFront(p.elements[key])
		e.refCount.Add(1)
		return e, nil
	}

	rc.missCount.Add(1)

	buf := rc.pool.Acquire()
	loaded := false
	if rc.l2 != nil {
		if img, ok := rc.l2.Get(rc.l2Key(key)); ok && len(img) == PageSize {
			copy(buf, img)
			loaded = true
		}
	}
	if !loaded {
		if err := rc.writeCache.LoadPage(fileID, pageIndex, buf); err != nil {
			rc.pool.Release(buf)
			return nil, err
		}
	}

	e := &CacheEntry{key: key, buffer: buf}
	e.refCount.Store(1)

	if err := rc.insertLocked(p, key, e); err != nil {
		rc.pool.Release(buf)
		return nil, err
	}
	return e, nil
}

// insertLocked 插入条目并在超出容量时逐出（调用方持有分区锁）
func (rc *ReadCache) insertLocked(p *cachePartition, key pageKey, e *CacheEntry) error {
	for len(p.entries) >= p.capacity {
		if err := rc.evictLocked(p); err != nil {
			return err
		}
	}
	p.entries[key] = e
	p.elements[key] = p.lru.PushFront(e)
	return nil
}

// evictLocked 从 LRU 尾部逐出一个可逐出条目
func (rc *ReadCache) evictLocked(p *cachePartition) error {
	for elem := p.lru.Back(); elem != nil; elem = elem.Prev() {
		victim := elem.Value.(*CacheEntry)
		if victim.refCount.Load() != 0 || victim.pinned.Load() {
			continue
		}

		if victim.IsDirty() {
			if err := rc.writeThrough(victim); err != nil {
				return err
			}
		}

		if rc.l2 != nil {
			img := make([]byte, PageSize)
			copy(img, victim.buffer)
			rc.l2.Set(rc.l2Key(victim.key), img, PageSize)
		}

		delete(p.entries, victim.key)
		delete(p.elements, victim.key)
		p.lru.Remove(elem)
		rc.pool.Release(victim.buffer)
		return nil
	}
	return utils.ErrBufferPoolFull
}

// writeThrough 按写前日志规则把脏页写回写缓存
func (rc *ReadCache) writeThrough(e *CacheEntry) error {
	if rc.walog != nil {
		if err := rc.walog.FlushTo(e.LSN()); err != nil {
			return err
		}
	}
	if err := rc.writeCache.StorePage(e.key.fileID, e.key.pageIndex, e.buffer); err != nil {
		return err
	}
	e.dirty.Store(false)
	return nil
}

// LoadForRead 以共享钉装载页面
func (rc *ReadCache) LoadForRead(fileID, pageIndex int64) (*CacheEntry, error) {
	e, err := rc.entry(fileID, pageIndex)
	if err != nil {
		return nil, err
	}
	e.acquireRead()
	return e, nil
}

// LoadForWrite 以独占钉装载页面
func (rc *ReadCache) LoadForWrite(fileID, pageIndex int64) (*CacheEntry, error) {
	e, err := rc.entry(fileID, pageIndex)
	if err != nil {
		return nil, err
	}
	e.acquireWrite()
	return e, nil
}

// AllocateNewPage 将文件扩展一页并返回独占钉住的新条目
func (rc *ReadCache) AllocateNewPage(fileID int64) (*CacheEntry, error) {
	pageIndex, err := rc.writeCache.AllocatePage(fileID)
	if err != nil {
		return nil, err
	}

	key := pageKey{fileID: fileID, pageIndex: pageIndex}
	p := rc.partition(key)

	buf := rc.pool.AcquireClear()
	InitPageBuffer(buf)

	e := &CacheEntry{key: key, buffer: buf}
	e.refCount.Store(1)
	e.dirty.Store(true)

	p.mu.Lock()
	err = rc.insertLocked(p, key, e)
	p.mu.Unlock()
	if err != nil {
		rc.pool.Release(buf)
		return nil, err
	}

	e.acquireWrite()
	return e, nil
}

// ReleaseFromRead 释放共享钉
func (rc *ReadCache) ReleaseFromRead(e *CacheEntry) {
	e.releaseRead()
	e.refCount.Add(-1)
}

// ReleaseFromWrite 释放独占钉并标记脏页
func (rc *ReadCache) ReleaseFromWrite(e *CacheEntry) {
	e.MarkDirty()
	if rc.l2 != nil {
		rc.l2.Del(rc.l2Key(e.key))
	}
	e.releaseWrite()
	e.refCount.Add(-1)
}

// PinPage 将页面标记为不可逐出（目录根页等热点页）
func (rc *ReadCache) PinPage(e *CacheEntry) {
	e.pinned.Store(true)
}

// dropFilePages 丢弃某文件的全部缓存页。writeBack 为真时先回写脏页。
func (rc *ReadCache) dropFilePages(fileID int64, writeBack bool) error {
	for _, p := range rc.partitions {
		p.mu.Lock()
		for key, e := range p.entries {
			if key.fileID != fileID {
				continue
			}
			if writeBack && e.IsDirty() {
				if err := rc.writeThrough(e); err != nil {
					p.mu.Unlock()
					return err
				}
			}
			p.lru.Remove(p.elements[key])
			delete(p.elements, key)
			delete(p.entries, key)
			rc.pool.Release(e.buffer)
		}
		p.mu.Unlock()
	}
	return nil
}

// TruncateFile 清空文件：丢弃缓存页并截断底层文件
func (rc *ReadCache) TruncateFile(fileID int64) error {
	if err := rc.dropFilePages(fileID, false); err != nil {
		return err
	}
	rc.bumpFileGen(fileID)
	return rc.writeCache.TruncateFile(fileID)
}

// DeleteFile 删除文件：丢弃缓存页并移除底层文件
func (rc *ReadCache) DeleteFile(fileID int64) error {
	if err := rc.dropFilePages(fileID, false); err != nil {
		return err
	}
	rc.bumpFileGen(fileID)
	return rc.writeCache.DeleteFile(fileID)
}

// CloseFile 关闭文件：回写脏页、丢弃缓存、关闭底层文件
func (rc *ReadCache) CloseFile(fileID int64, flush bool) error {
	if err := rc.dropFilePages(fileID, flush); err != nil {
		return err
	}
	if flush {
		if err := rc.writeCache.FlushFile(fileID); err != nil {
			return err
		}
	}
	return rc.writeCache.CloseFile(fileID)
}

// FlushFile 回写单个文件的全部脏页并同步
func (rc *ReadCache) FlushFile(fileID int64) error {
	for _, p := range rc.partitions {
		p.mu.Lock()
		for key, e := range p.entries {
			if key.fileID != fileID || !e.IsDirty() {
				continue
			}
			if err := rc.writeThrough(e); err != nil {
				p.mu.Unlock()
				return err
			}
		}
		p.mu.Unlock()
	}
	return rc.writeCache.FlushFile(fileID)
}

// Flush 回写全部脏页并同步全部文件
func (rc *ReadCache) Flush() error {
	for _, p := range rc.partitions {
		p.mu.Lock()
		for _, e := range p.entries {
			if !e.IsDirty() {
				continue
			}
			if err := rc.writeThrough(e); err != nil {
				p.mu.Unlock()
				return err
			}
		}
		p.mu.Unlock()
	}
	return rc.writeCache.Flush()
}

// DropAll 丢弃全部缓存页（不回写）。崩溃模拟与测试用。
func (rc *ReadCache) DropAll() {
	for _, p := range rc.partitions {
		p.mu.Lock()
		for key, e := range p.entries {
			p.lru.Remove(p.elements[key])
			delete(p.elements, key)
			delete(p.entries, key)
			rc.pool.Release(e.buffer)
		}
		p.mu.Unlock()
	}
	if rc.l2 != nil {
		rc.l2.Clear()
	}
}

// Stats 读缓存统计
func (rc *ReadCache) Stats() (hits, misses int64) {
	return rc.hitCount.Load(), rc.missCount.Load()
}

// Close 回写全部脏页并释放二级缓存
func (rc *ReadCache) Close() error {
	if err := rc.Flush(); err != nil {
		return err
	}
	if rc.l2 != nil {
		rc.l2.Close()
	}
	return nil
}
