/*
JadeStore 原子操作测试

覆盖提交 / 回滚语义、重入、页面 LSN 恢复与页操作的一一对应。
*/

package durable

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/util6/JadeStore/pagecache"
	"github.com/util6/JadeStore/utils"
	"github.com/util6/JadeStore/wal"
)

// testComponent 测试用持久组件
type testComponent struct {
	Component
}

func newTestContext(t *testing.T) (*Context, string) {
	dir := t.TempDir()

	walog, err := wal.Open(filepath.Join(dir, "wal"), 1<<20)
	require.NoError(t, err)

	wc, err := pagecache.OpenWriteCache(dir)
	require.NoError(t, err)

	rc, err := pagecache.NewReadCache(256, wc, walog, 0)
	require.NoError(t, err)

	ctx := &Context{
		WAL:        walog,
		ReadCache:  rc,
		WriteCache: wc,
		Manager:    NewManager(walog, rc, wal.NewSequenceIDSource(0)),
		FileLocks:  utils.NewPartitionedLockManager(),
	}

	t.Cleanup(func() {
		rc.Close()
		wc.Close()
		walog.Close()
	})
	return ctx, dir
}

func newTestComponent(t *testing.T, ctx *Context) *testComponent {
	c := &testComponent{}
	c.InitComponent(ctx, "test", ".tst")
	return c
}

// TestAtomicCommit 提交后修改可见、WAL 持久
func TestAtomicCommit(t *testing.T) {
	ctx, _ := newTestContext(t)
	c := newTestComponent(t, ctx)

	op, err := c.StartAtomicOperation()
	require.NoError(t, err)

	fileID, err := c.AddFile(op, "test.tst")
	require.NoError(t, err)

	page, err := c.AddPage(op, fileID)
	require.NoError(t, err)
	page.SetLongValue(NextFreePosition, 777)
	require.NoError(t, c.ReleasePageFromWrite(op, page))

	require.NoError(t, c.EndAtomicOperation(false))

	entry, err := c.LoadPageForRead(fileID, 0)
	require.NoError(t, err)
	view := NewDurablePage(entry, 0)
	assert.Equal(t, int64(777), view.GetLongValue(NextFreePosition))
	assert.Greater(t, entry.LSN(), wal.LSN(0))
	assert.GreaterOrEqual(t, ctx.WAL.FlushedLSN(), entry.LSN())
	c.ReleasePageFromRead(entry)
}

// TestAtomicRollback 回滚后页面内容与 LSN 应还原
func TestAtomicRollback(t *testing.T) {
	ctx, _ := newTestContext(t)
	c := newTestComponent(t, ctx)

	// 先提交一份初始内容
	op, err := c.StartAtomicOperation()
	require.NoError(t, err)
	fileID, err := c.AddFile(op, "test.tst")
	require.NoError(t, err)
	page, err := c.AddPage(op, fileID)
	require.NoError(t, err)
	page.SetLongValue(NextFreePosition, 1)
	page.SetBinaryValue(NextFreePosition+16, []byte("stable"))
	require.NoError(t, c.ReleasePageFromWrite(op, page))
	require.NoError(t, c.EndAtomicOperation(false))

	entry, err := c.LoadPageForRead(fileID, 0)
	require.NoError(t, err)
	lsnBefore := entry.LSN()
	imageBefore := append([]byte(nil), entry.Buffer()...)
	c.ReleasePageFromRead(entry)

	// 再开一个操作改写后回滚
	op, err = c.StartAtomicOperation()
	require.NoError(t, err)
	page, err = c.LoadPageForWrite(op, fileID, 0)
	require.NoError(t, err)
	page.SetLongValue(NextFreePosition, 999)
	page.SetBinaryValue(NextFreePosition+16, []byte("broken"))
	require.NoError(t, c.ReleasePageFromWrite(op, page))
	require.NoError(t, c.EndAtomicOperation(true))

	entry, err = c.LoadPageForRead(fileID, 0)
	require.NoError(t, err)
	assert.Equal(t, lsnBefore, entry.LSN())
	assert.Equal(t, imageBefore, entry.Buffer())
	c.ReleasePageFromRead(entry)
}

// TestAtomicReentrancy 嵌套 Start 返回同一操作，只有最外层生效
func TestAtomicReentrancy(t *testing.T) {
	ctx, _ := newTestContext(t)

	outer, err := ctx.Manager.StartAtomicOperation()
	require.NoError(t, err)

	inner, err := ctx.Manager.StartAtomicOperation()
	require.NoError(t, err)
	assert.Same(t, outer, inner)

	// 内层结束后操作仍在进行
	require.NoError(t, ctx.Manager.EndAtomicOperation(false))
	assert.Same(t, outer, ctx.Manager.CurrentOperation())

	require.NoError(t, ctx.Manager.EndAtomicOperation(false))
	assert.Nil(t, ctx.Manager.CurrentOperation())

	// 没有进行中的操作时 End 报错
	assert.ErrorIs(t, ctx.Manager.EndAtomicOperation(false), utils.ErrNoAtomicOperation)
}

// TestInnerRollbackWins 内层请求回滚时最外层提交也应回滚
func TestInnerRollbackWins(t *testing.T) {
	ctx, _ := newTestContext(t)
	c := newTestComponent(t, ctx)

	op, err := c.StartAtomicOperation()
	require.NoError(t, err)
	fileID, err := c.AddFile(op, "test.tst")
	require.NoError(t, err)
	page, err := c.AddPage(op, fileID)
	require.NoError(t, err)
	page.SetLongValue(NextFreePosition, 5)
	require.NoError(t, c.ReleasePageFromWrite(op, page))
	require.NoError(t, c.EndAtomicOperation(false))

	entry, err := c.LoadPageForRead(fileID, 0)
	require.NoError(t, err)
	lsnBefore := entry.LSN()
	c.ReleasePageFromRead(entry)

	// 外层 + 内层：内层回滚
	_, err = ctx.Manager.StartAtomicOperation()
	require.NoError(t, err)
	inner, err := c.StartAtomicOperation()
	require.NoError(t, err)

	page, err = c.LoadPageForWrite(inner, fileID, 0)
	require.NoError(t, err)
	page.SetLongValue(NextFreePosition, 6)
	require.NoError(t, c.ReleasePageFromWrite(inner, page))

	require.NoError(t, c.EndAtomicOperation(true))
	require.NoError(t, ctx.Manager.EndAtomicOperation(false))

	entry, err = c.LoadPageForRead(fileID, 0)
	require.NoError(t, err)
	view := NewDurablePage(entry, 0)
	assert.Equal(t, int64(5), view.GetLongValue(NextFreePosition))
	assert.Equal(t, lsnBefore, entry.LSN())
	c.ReleasePageFromRead(entry)
}
