/*
JadeStore 持久化分页索引引擎

JadeStore 是嵌入式数据库的持久化分页存储子系统：固定大小页面的读写
缓存、预写日志（WAL）与原子操作管理器，其上承载四种页面组织的持久
结构（前缀 B+ 树、Bonsai 子页 B 树、可扩展哈希目录与簇位置映射）。

核心保证：
1. 写前日志：页面落盘前日志必先持久到该页的 LSN；
2. 原子操作：一段页面变更要么随提交记录整体持久，要么被逆序撤销；
3. 崩溃恢复：启动时自最后检查点重放已提交操作、回滚悬挂操作。

主要组件：
- Write Cache：文件注册表与页面落盘
- Read Cache：有界页面缓冲（LRU + 引用计数 + 二级镜像缓存）
- WAL：分段追加日志
- Atomic Operations Manager：按 goroutine 的原子操作边界
- 索引组件：btree / bonsai / hashdir / cluster

所有组件经由显式的引擎上下文装配，不依赖包级单例。
*/

package jadestore

import (
	"path/filepath"
	"time"

	"github.com/util6/JadeStore/bonsai"
	"github.com/util6/JadeStore/btree"
	"github.com/util6/JadeStore/cluster"
	"github.com/util6/JadeStore/config"
	"github.com/util6/JadeStore/durable"
	"github.com/util6/JadeStore/hashdir"
	"github.com/util6/JadeStore/pagecache"
	"github.com/util6/JadeStore/serializer"
	"github.com/util6/JadeStore/utils"
	"github.com/util6/JadeStore/wal"
)

// 组件数据文件扩展名
const (
	BTreeExtension       = ".pbt"
	NullBucketExtension  = ".nbt"
	BonsaiExtension      = ".sbc"
	HashDirExtension     = ".hid"
	PositionMapExtension = ".cpm"

	// walDirName WAL 子目录
	walDirName = "wal"
)

// Storage 存储引擎实例
type Storage struct {
	cfg *config.Config
	ctx *durable.Context

	registry *serializer.Registry
	closer   *utils.Closer
}

// Open 打开（或创建）目录上的存储引擎并执行崩溃恢复
func Open(cfg *config.Config) (*Storage, error) {
	if cfg == nil || cfg.Dir == "" {
		return nil, utils.ErrInvalidOptions
	}

	walog, err := wal.Open(filepath.Join(cfg.Dir, walDirName), cfg.WALSegmentSize)
	if err != nil {
		return nil, err
	}

	writeCache, err := pagecache.OpenWriteCache(cfg.Dir)
	if err != nil {
		walog.Close()
		return nil, err
	}

	readCache, err := pagecache.NewReadCache(cfg.CachePages, writeCache, walog, cfg.L2CacheBytes)
	if err != nil {
		walog.Close()
		writeCache.Close()
		return nil, err
	}

	ids := wal.NewSequenceIDSource(uint64(time.Now().UnixNano()))
	manager := durable.NewManager(walog, readCache, ids)

	s := &Storage{
		cfg: cfg,
		ctx: &durable.Context{
			WAL:        walog,
			ReadCache:  readCache,
			WriteCache: writeCache,
			Manager:    manager,
			FileLocks:  utils.NewPartitionedLockManager(),
		},
		registry: serializer.NewRegistry(),
		closer:   utils.NewCloser(),
	}

	if _, _, err := durable.Recover(walog, readCache, writeCache); err != nil {
		s.closeComponents()
		return nil, err
	}

	if cfg.CheckpointInterval > 0 {
		s.closer.Add(1)
		go s.checkpointService()
	}
	return s, nil
}

// Ctx 引擎上下文（组件装配句柄）
func (s *Storage) Ctx() *durable.Context {
	return s.ctx
}

// Registry 序列化器注册表
func (s *Storage) Registry() *serializer.Registry {
	return s.registry
}

// checkpointService 检查点后台服务
func (s *Storage) checkpointService() {
	defer s.closer.Done()

	ticker := time.NewTicker(s.cfg.CheckpointInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Checkpoint()

		case <-s.closer.CloseSignal:
			return
		}
	}
}

// Checkpoint 创建检查点：静默原子操作、刷全部脏页、写检查点记录，
// 然后丢弃检查点之前的整段日志
func (s *Storage) Checkpoint() error {
	unfreeze := s.ctx.Manager.Freeze()
	defer unfreeze()

	if err := s.ctx.ReadCache.Flush(); err != nil {
		return err
	}

	lsn, err := s.ctx.WAL.Log(&wal.CheckpointRecord{})
	if err != nil {
		return err
	}
	if err := s.ctx.WAL.Flush(); err != nil {
		return err
	}
	return s.ctx.WAL.TruncateUntil(lsn)
}

// StartAtomicOperation 开启（或重入）当前 goroutine 的原子操作
func (s *Storage) StartAtomicOperation() (*durable.Operation, error) {
	return s.ctx.Manager.StartAtomicOperation()
}

// EndAtomicOperation 结束当前 goroutine 的原子操作
func (s *Storage) EndAtomicOperation(rollback bool) error {
	return s.ctx.Manager.EndAtomicOperation(rollback)
}

// NewPrefixBTree 构造前缀 B+ 树组件
func (s *Storage) NewPrefixBTree(name string) *btree.PrefixBTree {
	return btree.NewPrefixBTree(s.ctx, name, BTreeExtension, NullBucketExtension, btree.Options{
		MaxEmbeddedValueSize: s.cfg.MaxEmbeddedValueSize,
		MaxPathLength:        s.cfg.MaxPathLength,
		CompressOverflow:     s.cfg.CompressOverflow,
	})
}

// NewBonsaiTree 构造 Bonsai B 树组件
func (s *Storage) NewBonsaiTree(name string) *bonsai.Tree {
	return bonsai.NewTree(s.ctx, name, BonsaiExtension, s.registry)
}

// NewHashTable 构造可扩展哈希表组件
func (s *Storage) NewHashTable(name string, keySer, valSer serializer.Serializer) *hashdir.HashTable {
	directory := hashdir.NewDirectory(s.ctx, name, HashDirExtension)
	return hashdir.NewHashTable(directory, keySer, valSer)
}

// NewPositionMap 构造簇位置映射组件
func (s *Storage) NewPositionMap(name string) *cluster.PositionMap {
	return cluster.NewPositionMap(s.ctx, name, PositionMapExtension)
}

func (s *Storage) closeComponents() {
	s.ctx.ReadCache.Close()
	s.ctx.WriteCache.Close()
	s.ctx.WAL.Close()
}

// Close 关闭引擎：停后台服务、刷 WAL 与脏页、关闭全部文件
func (s *Storage) Close() error {
	s.closer.Close()

	if err := s.ctx.WAL.Flush(); err != nil {
		return err
	}
	if err := s.ctx.ReadCache.Close(); err != nil {
		return err
	}
	if err := s.ctx.WriteCache.Close(); err != nil {
		return err
	}
	return s.ctx.WAL.Close()
}
