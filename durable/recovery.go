/*
JadeStore 崩溃恢复模块

启动时从最后一个检查点开始正向扫描 WAL，按三个阶段恢复：

1. 分析：遍历记录，归拢每个原子操作的页操作序列与完成状态
   （提交 / 回滚 / 悬挂在日志尾部）。
2. 重做：对已提交操作的页操作按 WAL 顺序重放，仅当页面 LSN 小于
   记录 LSN 时应用，应用后把页面 LSN 推进到记录 LSN。文件创建/删除
   记录幂等重放（检查注册表是否已有）。
3. 撤销：对未完成的操作逆序应用 undo，并把页面 LSN 回拨到该页被
   本操作触及之前的水位，随后补写一条合成的 atomic-rollback 记录。

重做时页面可能落在物理文件长度之外（页面分配只改文件长度、不入
WAL），此时把文件幂等扩展到需要的页数。
*/

package durable

import (
	"log"

	"github.com/util6/JadeStore/pagecache"
	"github.com/util6/JadeStore/wal"
)

// opState 恢复分析出的原子操作状态
type opState struct {
	committed  bool
	rolledBack bool
	pageOps    []wal.Entry // 该操作的页操作记录（WAL 顺序）
}

// Recover 执行崩溃恢复。返回重做与撤销的记录数。
func Recover(walog *wal.Log, readCache *pagecache.ReadCache, writeCache *pagecache.WriteCache) (redone, undone int, err error) {
	entries, err := walog.ReadForward(walog.CheckpointLSN())
	if err != nil {
		return 0, 0, err
	}
	if len(entries) == 0 {
		return 0, 0, nil
	}

	// 分析阶段
	ops := make(map[wal.OperationUnitID]*opState)
	stateOf := func(id wal.OperationUnitID) *opState {
		st, ok := ops[id]
		if !ok {
			st = &opState{}
			ops[id] = st
		}
		return st
	}

	for _, entry := range entries {
		switch rec := entry.Record.(type) {
		case *wal.AtomicUnitRecord:
			switch rec.Kind() {
			case wal.KindAtomicCommit:
				stateOf(rec.OpID).committed = true
			case wal.KindAtomicRollback:
				stateOf(rec.OpID).rolledBack = true
			}
		case wal.PageOperation:
			stateOf(rec.OperationUnit()).pageOps = append(stateOf(rec.OperationUnit()).pageOps, entry)
		}
	}

	// 重做阶段：已提交操作按 WAL 顺序重放
	for _, entry := range entries {
		switch rec := entry.Record.(type) {
		case *wal.FileCreatedRecord:
			if !stateOf(rec.OpID).committed {
				continue
			}
			if !writeCache.Exists(rec.FileName) {
				if err := writeCache.AddFile(rec.FileName, rec.FileID); err != nil {
					return redone, undone, err
				}
			}
		case *wal.FileDeletedRecord:
			if !stateOf(rec.OpID).committed {
				continue
			}
			if name := writeCache.FileName(rec.FileID); name != "" {
				if err := readCache.DeleteFile(rec.FileID); err != nil {
					return redone, undone, err
				}
			}
		case wal.PageOperation:
			if !stateOf(rec.OperationUnit()).committed {
				continue
			}
			applied, err := redoPageOperation(readCache, writeCache, rec, entry.LSN)
			if err != nil {
				return redone, undone, err
			}
			if applied {
				redone++
			}
		}
	}

	// 撤销阶段：未完成操作逆序回拨
	for opID, st := range ops {
		if st.committed || st.rolledBack || len(st.pageOps) == 0 {
			continue
		}

		// 每个页面被本操作触及的最小记录 LSN：撤销后的 LSN 水位
		floor := make(map[pageRef]wal.LSN)
		for _, e := range st.pageOps {
			rec := e.Record.(wal.PageOperation)
			key := pageRef{fileID: rec.FileID(), pageIndex: rec.PageIndex()}
			if cur, ok := floor[key]; !ok || e.LSN < cur {
				floor[key] = e.LSN
			}
		}

		for i := len(st.pageOps) - 1; i >= 0; i-- {
			e := st.pageOps[i]
			rec := e.Record.(wal.PageOperation)

			entry, err := readCache.LoadForWrite(rec.FileID(), rec.PageIndex())
			if err != nil {
				return redone, undone, err
			}
			if entry.LSN() >= e.LSN {
				rec.Undo(RawPageView(entry))
				undone++
			}
			readCache.ReleaseFromWrite(entry)
		}

		for key, lsn := range floor {
			entry, err := readCache.LoadForWrite(key.fileID, key.pageIndex)
			if err != nil {
				return redone, undone, err
			}
			if entry.LSN() >= lsn {
				entry.SetLSN(lsn - 1)
			}
			readCache.ReleaseFromWrite(entry)
		}

		if _, err := walog.Log(wal.NewAtomicRollback(opID)); err != nil {
			return redone, undone, err
		}
	}

	if err := walog.Flush(); err != nil {
		return redone, undone, err
	}
	if err := readCache.Flush(); err != nil {
		return redone, undone, err
	}

	if redone > 0 || undone > 0 {
		log.Printf("jadestore: recovery finished, redone=%d undone=%d", redone, undone)
	}
	return redone, undone, nil
}

// redoPageOperation 对单条页操作执行幂等重做
func redoPageOperation(readCache *pagecache.ReadCache, writeCache *pagecache.WriteCache,
	rec wal.PageOperation, lsn wal.LSN) (bool, error) {

	// 页面可能超出物理文件长度：幂等补齐分配
	filled, err := writeCache.FilledUpTo(rec.FileID())
	if err != nil {
		return false, err
	}
	for filled <= rec.PageIndex() {
		entry, err := readCache.AllocateNewPage(rec.FileID())
		if err != nil {
			return false, err
		}
		readCache.ReleaseFromWrite(entry)
		filled++
	}

	entry, err := readCache.LoadForWrite(rec.FileID(), rec.PageIndex())
	if err != nil {
		return false, err
	}
	defer readCache.ReleaseFromWrite(entry)

	if entry.LSN() >= lsn {
		return false, nil
	}
	rec.Redo(RawPageView(entry))
	entry.SetLSN(lsn)
	return true, nil
}
