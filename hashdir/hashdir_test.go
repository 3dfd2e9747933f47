/*
JadeStore 可扩展哈希目录与哈希表测试

覆盖节点分配 / 墓碑 LIFO 复用 / 溢出目录页 / 桶分裂 / 键值操作。
*/

package hashdir

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/util6/JadeStore/durable"
	"github.com/util6/JadeStore/pagecache"
	"github.com/util6/JadeStore/serializer"
	"github.com/util6/JadeStore/utils"
	"github.com/util6/JadeStore/wal"
)

func newTestContext(t *testing.T) *durable.Context {
	dir := t.TempDir()

	walog, err := wal.Open(filepath.Join(dir, "wal"), 4<<20)
	require.NoError(t, err)

	wc, err := pagecache.OpenWriteCache(dir)
	require.NoError(t, err)

	rc, err := pagecache.NewReadCache(512, wc, walog, 0)
	require.NoError(t, err)

	ctx := &durable.Context{
		WAL:        walog,
		ReadCache:  rc,
		WriteCache: wc,
		Manager:    durable.NewManager(walog, rc, wal.NewSequenceIDSource(0)),
		FileLocks:  utils.NewPartitionedLockManager(),
	}

	t.Cleanup(func() {
		rc.Close()
		wc.Close()
		walog.Close()
	})
	return ctx
}

func newTestDirectory(t *testing.T, ctx *durable.Context) *Directory {
	d := NewDirectory(ctx, "hidx", ".hid")

	op, err := d.StartAtomicOperation()
	require.NoError(t, err)
	require.NoError(t, d.Create(op))
	require.NoError(t, d.EndAtomicOperation(false))
	return d
}

// TestDirectoryNodeAccessors 节点字段读写
func TestDirectoryNodeAccessors(t *testing.T) {
	ctx := newTestContext(t)
	d := newTestDirectory(t, ctx)

	op, err := d.StartAtomicOperation()
	require.NoError(t, err)

	node := make([]int64, LevelSize)
	for i := range node {
		node[i] = int64(i * 3)
	}
	index, err := d.AddNewNode(op, 1, 2, 3, node)
	require.NoError(t, err)

	require.NoError(t, d.SetMaxLeftChildDepth(op, index, 9))
	require.NoError(t, d.SetMaxRightChildDepth(op, index, 8))
	require.NoError(t, d.SetNodeLocalDepth(op, index, 7))
	require.NoError(t, d.SetNodePointer(op, index, 5, 12345))
	require.NoError(t, d.EndAtomicOperation(false))

	left, err := d.MaxLeftChildDepth(index)
	require.NoError(t, err)
	assert.Equal(t, byte(9), left)

	right, err := d.MaxRightChildDepth(index)
	require.NoError(t, err)
	assert.Equal(t, byte(8), right)

	local, err := d.NodeLocalDepth(index)
	require.NoError(t, err)
	assert.Equal(t, byte(7), local)

	ptr, err := d.NodePointer(index, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), ptr)

	got, err := d.Node(index)
	require.NoError(t, err)
	assert.Equal(t, int64(9), got[3])
}

// TestDirectoryOverflowAndTombstones 分配到溢出页后删除两个节点，
// 新增的两个节点应按 LIFO 拿回墓碑下标
func TestDirectoryOverflowAndTombstones(t *testing.T) {
	ctx := newTestContext(t)
	d := newTestDirectory(t, ctx)

	op, err := d.StartAtomicOperation()
	require.NoError(t, err)

	// 一直分配到出现溢出页节点
	empty := make([]int64, LevelSize)
	total := FirstPageNodes + 2
	for i := 0; i < total; i++ {
		index, aerr := d.AddNewNode(op, 0, 0, LevelDepth, empty)
		require.NoError(t, aerr)
		assert.Equal(t, i, index)
	}

	filled, err := d.GetFilledUpTo(d.FileID())
	require.NoError(t, err)
	assert.Greater(t, filled, int64(1))

	// 删除两个节点（一个在首页，一个在溢出页）
	deleted1 := 3
	deleted2 := FirstPageNodes + 1
	require.NoError(t, d.DeleteNode(op, deleted1))
	require.NoError(t, d.DeleteNode(op, deleted2))

	// LIFO：后删除的先被复用
	reused1, err := d.AddNewNode(op, 0, 0, LevelDepth, empty)
	require.NoError(t, err)
	assert.Equal(t, deleted2, reused1)

	reused2, err := d.AddNewNode(op, 0, 0, LevelDepth, empty)
	require.NoError(t, err)
	assert.Equal(t, deleted1, reused2)

	// 墓碑耗尽后回到追加
	appended, err := d.AddNewNode(op, 0, 0, LevelDepth, empty)
	require.NoError(t, err)
	assert.Equal(t, total, appended)

	require.NoError(t, d.EndAtomicOperation(false))

	treeSize, err := d.TreeSize()
	require.NoError(t, err)
	assert.Equal(t, total+1, treeSize)
}

// TestHashTableBasic 基本写读删
func TestHashTableBasic(t *testing.T) {
	ctx := newTestContext(t)
	table := NewHashTable(NewDirectory(ctx, "ht", ".hid"), serializer.StringSerializer{}, serializer.LongSerializer{})
	require.NoError(t, table.Create())

	require.NoError(t, table.Put("alpha", int64(1)))
	require.NoError(t, table.Put("beta", int64(2)))
	require.NoError(t, table.Put("alpha", int64(3)))

	value, found, err := table.Get("alpha")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(3), value)

	size, err := table.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)

	removed, found, err := table.Remove("beta")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), removed)

	_, found, err = table.Get("beta")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = table.Remove("ghost")
	require.NoError(t, err)
	assert.False(t, found)
}

// TestHashTableSplits 大量插入触发桶分裂后全部可检索，
// 且每个桶的局部深度不超过目录深度
func TestHashTableSplits(t *testing.T) {
	ctx := newTestContext(t)
	table := NewHashTable(NewDirectory(ctx, "ht", ".hid"), serializer.StringSerializer{}, serializer.LongSerializer{})
	require.NoError(t, table.Create())

	const n = 20000
	for i := 0; i < n; i++ {
		require.NoError(t, table.Put(fmt.Sprintf("key-%06d", i), int64(i)))
	}

	size, err := table.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(n), size)

	for i := 0; i < n; i += 17 {
		value, found, gerr := table.Get(fmt.Sprintf("key-%06d", i))
		require.NoError(t, gerr)
		require.True(t, found, "key-%06d", i)
		assert.Equal(t, int64(i), value)
	}

	// 抽查目录不变量：根节点指向的每个数据桶局部深度 ≤ LevelDepth
	node, err := table.Directory().Node(0)
	require.NoError(t, err)
	for _, ptr := range node {
		if ptr <= 0 {
			continue
		}
		entry, lerr := table.Directory().LoadPageForRead(table.Directory().FileID(), decodeBucketPointer(ptr))
		require.NoError(t, lerr)
		bucket := newHashBucketFromEntry(entry)
		assert.LessOrEqual(t, int(bucket.depth()), LevelDepth)
		table.Directory().ReleasePageFromRead(entry)
	}
}

// TestHashTableClear 清空后为空且可继续使用
func TestHashTableClear(t *testing.T) {
	ctx := newTestContext(t)
	table := NewHashTable(NewDirectory(ctx, "ht", ".hid"), serializer.StringSerializer{}, serializer.LongSerializer{})
	require.NoError(t, table.Create())

	for i := 0; i < 500; i++ {
		require.NoError(t, table.Put(fmt.Sprintf("k%d", i), int64(i)))
	}
	require.NoError(t, table.Clear())

	size, err := table.Size()
	require.NoError(t, err)
	assert.Zero(t, size)

	require.NoError(t, table.Put("again", int64(9)))
	value, found, err := table.Get("again")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(9), value)
}
