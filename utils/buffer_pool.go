/*
JadeStore 页面缓冲池

复用固定大小的页面字节缓冲，减少热点路径上的分配和 GC 压力。
池实例由读缓存创建并持有，而不是依赖包级单例。
*/

package utils

import (
	"sync"
	"sync/atomic"
)

// ByteBufferPool 固定大小字节缓冲的对象池
type ByteBufferPool struct {
	pool sync.Pool
	size int

	// 统计信息
	acquires atomic.Int64
	releases atomic.Int64
}

// NewByteBufferPool 创建指定缓冲大小的池
func NewByteBufferPool(size int) *ByteBufferPool {
	p := &ByteBufferPool{size: size}
	p.pool.New = func() interface{} {
		return make([]byte, size)
	}
	return p
}

// Acquire 获取一块长度为池大小的缓冲，内容未清零
func (p *ByteBufferPool) Acquire() []byte {
	p.acquires.Add(1)
	return p.pool.Get().([]byte)
}

// AcquireClear 获取一块清零的缓冲
func (p *ByteBufferPool) AcquireClear() []byte {
	buf := p.Acquire()
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// Release 将缓冲放回池中
func (p *ByteBufferPool) Release(buf []byte) {
	if len(buf) != p.size {
		return
	}
	p.releases.Add(1)
	p.pool.Put(buf) //nolint:staticcheck
}

// BufferSize 池管理的缓冲大小
func (p *ByteBufferPool) BufferSize() int {
	return p.size
}
