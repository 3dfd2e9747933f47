/*
JadeStore 页缓存测试

覆盖文件注册表的持久化、页面装载与钉语义、分配、逐出与回写。
*/

package pagecache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/util6/JadeStore/utils"
)

func newTestCaches(t *testing.T, capacityPages int) (*WriteCache, *ReadCache) {
	dir := t.TempDir()

	wc, err := OpenWriteCache(dir)
	require.NoError(t, err)

	rc, err := NewReadCache(capacityPages, wc, nil, 0)
	require.NoError(t, err)

	t.Cleanup(func() {
		rc.Close()
		wc.Close()
	})
	return wc, rc
}

// TestWriteCacheFileRegistry 文件注册表应在重开后恢复
func TestWriteCacheFileRegistry(t *testing.T) {
	dir := t.TempDir()

	wc, err := OpenWriteCache(dir)
	require.NoError(t, err)

	id := wc.BookFileID()
	require.NoError(t, wc.AddFile("users.pbt", id))
	assert.True(t, wc.Exists("users.pbt"))
	assert.False(t, wc.Exists("ghost.pbt"))

	_, err = wc.AllocatePage(id)
	require.NoError(t, err)
	require.NoError(t, wc.Close())

	// 重开：映射与文件长度都应恢复
	wc, err = OpenWriteCache(dir)
	require.NoError(t, err)
	defer wc.Close()

	reopened, err := wc.OpenFile("users.pbt")
	require.NoError(t, err)
	assert.Equal(t, id, reopened)

	filled, err := wc.FilledUpTo(id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), filled)

	// 注销后名称可判定不存在
	require.NoError(t, wc.DeleteFile(id))
	assert.False(t, wc.Exists("users.pbt"))
}

// TestReadCacheLoadBeyondLength 越界装载应报错
func TestReadCacheLoadBeyondLength(t *testing.T) {
	wc, rc := newTestCaches(t, 64)

	id := wc.BookFileID()
	require.NoError(t, wc.AddFile("t.pbt", id))

	_, err := rc.LoadForRead(id, 0)
	assert.ErrorIs(t, err, utils.ErrPageOutOfRange)
}

// TestReadCachePinSemantics 分配、写入、读回
func TestReadCachePinSemantics(t *testing.T) {
	wc, rc := newTestCaches(t, 64)

	id := wc.BookFileID()
	require.NoError(t, wc.AddFile("t.pbt", id))

	entry, err := rc.AllocateNewPage(id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), entry.PageIndex())
	assert.True(t, VerifyPageBuffer(entry.Buffer()))

	entry.Buffer()[NextFreePosition] = 0x7E
	rc.ReleaseFromWrite(entry)

	reader, err := rc.LoadForRead(id, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0x7E), reader.Buffer()[NextFreePosition])
	rc.ReleaseFromRead(reader)
}

// TestReadCacheEvictionWritesBack 逐出的脏页应可从磁盘读回
func TestReadCacheEvictionWritesBack(t *testing.T) {
	wc, rc := newTestCaches(t, MinCachePages)

	id := wc.BookFileID()
	require.NoError(t, wc.AddFile("t.pbt", id))

	// 写满远超缓存容量的页面，迫使逐出与回写
	const pages = MinCachePages * 3
	for i := 0; i < pages; i++ {
		entry, err := rc.AllocateNewPage(id)
		require.NoError(t, err)
		entry.Buffer()[NextFreePosition] = byte(i)
		rc.ReleaseFromWrite(entry)
	}

	for i := 0; i < pages; i++ {
		entry, err := rc.LoadForRead(id, int64(i))
		require.NoError(t, err)
		assert.Equal(t, byte(i), entry.Buffer()[NextFreePosition])
		rc.ReleaseFromRead(entry)
	}
}

// TestReadCacheTruncate 截断后旧页不可见
func TestReadCacheTruncate(t *testing.T) {
	wc, rc := newTestCaches(t, 64)

	id := wc.BookFileID()
	require.NoError(t, wc.AddFile("t.pbt", id))

	entry, err := rc.AllocateNewPage(id)
	require.NoError(t, err)
	rc.ReleaseFromWrite(entry)

	require.NoError(t, rc.TruncateFile(id))

	filled, err := wc.FilledUpTo(id)
	require.NoError(t, err)
	assert.Zero(t, filled)

	_, err = rc.LoadForRead(id, 0)
	assert.Error(t, err)
}
