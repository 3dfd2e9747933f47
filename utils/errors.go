/*
JadeStore 哨兵错误定义

存储引擎各组件共享的错误值。错误分为六类：IO、页面损坏、容量、
契约违反、验证拒绝、重复键。IO 与损坏错误会中止当前原子操作并触发
回滚；验证与重复键错误是局部的，树保持不变。
*/

package utils

import "github.com/pkg/errors"

var (
	// ErrInvalidOptions 配置选项非法
	ErrInvalidOptions = errors.New("invalid engine options")

	// ErrPagePinned 页面仍被引用，无法逐出
	ErrPagePinned = errors.New("page is pinned and cannot be evicted")

	// ErrBufferPoolFull 缓冲池已满且没有可逐出的页面
	ErrBufferPoolFull = errors.New("buffer pool is full")

	// ErrFileNotRegistered 文件号未在写缓存注册
	ErrFileNotRegistered = errors.New("file is not registered in write cache")

	// ErrFileAlreadyExists 同名文件已经注册
	ErrFileAlreadyExists = errors.New("file with the same name already exists")

	// ErrPageOutOfRange 页号超出文件长度
	ErrPageOutOfRange = errors.New("page index is out of file range")

	// ErrCorruptedPage 页面损坏（魔数不符、LSN 回退等）
	ErrCorruptedPage = errors.New("page content is corrupted")

	// ErrCorruptedWAL WAL 记录无法解码
	ErrCorruptedWAL = errors.New("write ahead log record is corrupted")

	// ErrStorageReadOnly 回滚失败后存储转为只读
	ErrStorageReadOnly = errors.New("storage is switched to read-only mode")

	// ErrNullKeyNotSupported 索引未启用空键支持
	ErrNullKeyNotSupported = errors.New("null keys are not supported")

	// ErrMaxDepthReached 树深度超过上限，树结构损坏
	ErrMaxDepthReached = errors.New("max depth of the tree is reached, tree is corrupted")

	// ErrWrongStateTransition 位置映射条目的非法状态迁移
	ErrWrongStateTransition = errors.New("illegal state transition of position map entry")

	// ErrIndexOutOfRange 逻辑位置超出范围
	ErrIndexOutOfRange = errors.New("provided index is out of range")

	// ErrValueTooLarge 条目尺寸超过页面预算
	ErrValueTooLarge = errors.New("entry size exceeds page budget")

	// ErrDuplicateKey 唯一索引键冲突
	ErrDuplicateKey = errors.New("duplicate key violates unique index")

	// ErrNoAtomicOperation 当前 goroutine 没有进行中的原子操作
	ErrNoAtomicOperation = errors.New("no atomic operation is active on the current goroutine")

	// ErrDeleteInsideAtomicOp 文件删除无法回滚，禁止在原子操作中途执行
	ErrDeleteInsideAtomicOp = errors.New("file delete is irreversible and is applied only on commit")

	// ErrSerializerNotFound 序列化器 ID 未注册
	ErrSerializerNotFound = errors.New("serializer id is not registered")
)
