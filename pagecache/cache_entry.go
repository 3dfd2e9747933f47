/*
JadeStore 缓存条目模块

缓存条目是页面缓冲上的引用计数句柄。写钉（独占）与读钉（共享）互斥，
引用计数不小于钉数；被钉住或显式 Pin 的条目不参与逐出。
*/

package pagecache

import (
	"sync"
	"sync/atomic"

	"github.com/util6/JadeStore/wal"
)

// pageKey 缓存键：(文件号, 页号)
type pageKey struct {
	fileID    int64
	pageIndex int64
}

// CacheEntry 页面缓冲上的引用计数句柄
type CacheEntry struct {
	key    pageKey
	buffer []byte

	// 钉锁：写钉为独占，读钉为共享
	pinLock sync.RWMutex

	refCount atomic.Int32 // 引用计数（≥ 钉数）
	dirty    atomic.Bool  // 自上次回写以来是否被修改
	pinned   atomic.Bool  // 显式钉住，不参与逐出（目录根页等）
}

// FileID 条目所属文件号
func (e *CacheEntry) FileID() int64 {
	return e.key.fileID
}

// PageIndex 条目的页号
func (e *CacheEntry) PageIndex() int64 {
	return e.key.pageIndex
}

// Buffer 页面缓冲。只能在持有读钉或写钉期间访问。
func (e *CacheEntry) Buffer() []byte {
	return e.buffer
}

// LSN 页面头部记录的 LSN
func (e *CacheEntry) LSN() wal.LSN {
	return PageLSN(e.buffer)
}

// SetLSN 更新页面头部的 LSN（仅写钉期间）
func (e *CacheEntry) SetLSN(lsn wal.LSN) {
	SetPageLSN(e.buffer, lsn)
}

// MarkDirty 标记页面已修改
func (e *CacheEntry) MarkDirty() {
	e.dirty.Store(true)
}

// IsDirty 页面是否待回写
func (e *CacheEntry) IsDirty() bool {
	return e.dirty.Load()
}

// acquireRead 获取读钉
func (e *CacheEntry) acquireRead() {
	e.pinLock.RLock()
}

// releaseRead 释放读钉
func (e *CacheEntry) releaseRead() {
	e.pinLock.RUnlock()
}

// acquireWrite 获取写钉
func (e *CacheEntry) acquireWrite() {
	e.pinLock.Lock()
}

// releaseWrite 释放写钉
func (e *CacheEntry) releaseWrite() {
	e.pinLock.Unlock()
}
