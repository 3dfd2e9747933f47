/*
JadeStore 分区锁管理器

按 64 位键（通常是文件号）分区的共享/独占锁。Bonsai 树与前缀 B+ 树的
结构性操作以文件为单位互斥：写路径取独占锁，读路径取共享锁。锁对象
按键哈希落入固定数量的分区，避免集中在单把大锁上。
*/

package utils

import (
	"sync"
)

// LockPartitions 锁分区数量，必须是 2 的幂
const LockPartitions = 64

// PartitionedLockManager 按键分区的读写锁管理器
type PartitionedLockManager struct {
	partitions [LockPartitions]sync.RWMutex
}

// NewPartitionedLockManager 创建分区锁管理器
func NewPartitionedLockManager() *PartitionedLockManager {
	return &PartitionedLockManager{}
}

func (lm *PartitionedLockManager) partition(key int64) *sync.RWMutex {
	return &lm.partitions[uint64(key)&(LockPartitions-1)]
}

// AcquireExclusiveLock 获取键上的独占锁，返回解锁函数
func (lm *PartitionedLockManager) AcquireExclusiveLock(key int64) func() {
	p := lm.partition(key)
	p.Lock()
	return p.Unlock
}

// AcquireSharedLock 获取键上的共享锁，返回解锁函数
func (lm *PartitionedLockManager) AcquireSharedLock(key int64) func() {
	p := lm.partition(key)
	p.RLock()
	return p.RUnlock
}
