/*
JadeStore 崩溃恢复测试

崩溃模拟：丢弃读缓存（不回写），保留 WAL 与底层文件，然后重放。
已提交操作的修改应恢复；悬挂操作应回拨到操作前状态。
*/

package durable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/util6/JadeStore/wal"
)

// TestRecoveryRedoCommitted 已提交但未落盘的页面应被重做
func TestRecoveryRedoCommitted(t *testing.T) {
	ctx, _ := newTestContext(t)
	c := newTestComponent(t, ctx)

	op, err := c.StartAtomicOperation()
	require.NoError(t, err)
	fileID, err := c.AddFile(op, "test.tst")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		page, aerr := c.AddPage(op, fileID)
		require.NoError(t, aerr)
		page.SetLongValue(NextFreePosition, int64(1000+i))
		require.NoError(t, c.ReleasePageFromWrite(op, page))
	}
	require.NoError(t, c.EndAtomicOperation(false))

	// 崩溃：缓存内容全部丢弃，页面从未回写
	ctx.ReadCache.DropAll()

	redone, undone, err := Recover(ctx.WAL, ctx.ReadCache, ctx.WriteCache)
	require.NoError(t, err)
	assert.Positive(t, redone)
	assert.Zero(t, undone)

	for i := 0; i < 4; i++ {
		entry, lerr := c.LoadPageForRead(fileID, int64(i))
		require.NoError(t, lerr)
		assert.Equal(t, int64(1000+i), NewDurablePage(entry, 0).GetLongValue(NextFreePosition))
		c.ReleasePageFromRead(entry)
	}
}

// TestRecoveryUndoUncommitted 悬挂操作应被撤销到操作前状态
func TestRecoveryUndoUncommitted(t *testing.T) {
	ctx, _ := newTestContext(t)
	c := newTestComponent(t, ctx)

	// 已提交的基线
	op, err := c.StartAtomicOperation()
	require.NoError(t, err)
	fileID, err := c.AddFile(op, "test.tst")
	require.NoError(t, err)
	page, err := c.AddPage(op, fileID)
	require.NoError(t, err)
	page.SetLongValue(NextFreePosition, 11)
	require.NoError(t, c.ReleasePageFromWrite(op, page))
	require.NoError(t, c.EndAtomicOperation(false))

	// 悬挂操作：修改后强制把脏页刷下去，但提交记录永不写出
	op, err = c.StartAtomicOperation()
	require.NoError(t, err)
	page, err = c.LoadPageForWrite(op, fileID, 0)
	require.NoError(t, err)
	page.SetLongValue(NextFreePosition, 22)
	require.NoError(t, c.ReleasePageFromWrite(op, page))

	require.NoError(t, ctx.ReadCache.Flush())

	// 崩溃：悬挂操作从未结束
	ctx.ReadCache.DropAll()

	redone, undone, err := Recover(ctx.WAL, ctx.ReadCache, ctx.WriteCache)
	require.NoError(t, err)
	assert.Positive(t, undone)
	_ = redone

	entry, err := c.LoadPageForRead(fileID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(11), NewDurablePage(entry, 0).GetLongValue(NextFreePosition))
	c.ReleasePageFromRead(entry)

	// 恢复补写了合成的回滚记录
	entries, err := ctx.WAL.ReadForward(0)
	require.NoError(t, err)
	var rollbacks int
	for _, e := range entries {
		if e.Record.Kind() == wal.KindAtomicRollback {
			rollbacks++
		}
	}
	assert.Equal(t, 1, rollbacks)
}

// TestRecoveryIdempotent 重复恢复不应产生额外修改
func TestRecoveryIdempotent(t *testing.T) {
	ctx, _ := newTestContext(t)
	c := newTestComponent(t, ctx)

	op, err := c.StartAtomicOperation()
	require.NoError(t, err)
	fileID, err := c.AddFile(op, "test.tst")
	require.NoError(t, err)
	page, err := c.AddPage(op, fileID)
	require.NoError(t, err)
	page.SetLongValue(NextFreePosition, 33)
	require.NoError(t, c.ReleasePageFromWrite(op, page))
	require.NoError(t, c.EndAtomicOperation(false))

	ctx.ReadCache.DropAll()

	redone1, _, err := Recover(ctx.WAL, ctx.ReadCache, ctx.WriteCache)
	require.NoError(t, err)
	assert.Positive(t, redone1)

	// 第二次恢复：页面 LSN 已到位，无事可做
	redone2, undone2, err := Recover(ctx.WAL, ctx.ReadCache, ctx.WriteCache)
	require.NoError(t, err)
	assert.Zero(t, redone2)
	assert.Zero(t, undone2)
}
