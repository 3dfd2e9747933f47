/*
JadeStore Bonsai B 树测试

覆盖桶内查找 / 分裂 / 兄弟链遍历 / 空闲链表回收 / 多树共存。
*/

package bonsai

import (
	"path/filepath"
	"sort"
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

func newTestTree(t *testing.T, ctx *durable.Context) *Tree {
	registry := serializer.NewRegistry()
	tree := NewTree(ctx, "ridbag", ".sbc", registry)
	require.NoError(t, tree.Create(serializer.LongSerializer{}, serializer.LongSerializer{}))
	return tree
}

// TestBonsaiLeafFillAndSplit 填满叶子触发分裂：根变内部桶且只有一个分隔键，
// 两个子桶合起来包含全部键
func TestBonsaiLeafFillAndSplit(t *testing.T) {
	ctx := newTestContext(t)
	tree := newTestTree(t, ctx)

	rootIsLeaf := func() bool {
		entry, err := tree.LoadPageForRead(tree.fileID, tree.root.PageIndex)
		require.NoError(t, err)
		defer tree.ReleasePageFromRead(entry)
		return NewBucketFromEntry(entry, tree.root.PageOffset).IsLeaf()
	}

	// 足以撑爆一个叶子桶的键数
	n := 2 * MaxBucketSizeBytes / 8
	inserted := 0
	for i := 0; i < n; i++ {
		key := int64(i * 31 % n)
		require.NoError(t, tree.Put(key, int64(i)))
		inserted++

		_, found, err := tree.Get(key)
		require.NoError(t, err)
		require.True(t, found, "key %d", key)

		if !rootIsLeaf() {
			break
		}
	}
	require.Less(t, inserted, n, "leaf bucket never overflowed")

	// 第一次分裂后：根变为内部桶，且恰好一个分隔键
	entry, err := tree.LoadPageForRead(tree.fileID, tree.root.PageIndex)
	require.NoError(t, err)
	rootBucket := NewBucketFromEntry(entry, tree.root.PageOffset)
	assert.False(t, rootBucket.IsLeaf())
	assert.Equal(t, 1, rootBucket.Size())
	tree.ReleasePageFromRead(entry)

	// 两个子桶合起来应包含此前插入的全部键
	var visited []int64
	first, found, err := tree.FirstKey()
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, tree.LoadEntriesMajor(first, true, func(key, _ interface{}) bool {
		visited = append(visited, key.(int64))
		return true
	}))
	assert.Len(t, visited, inserted)
	assert.True(t, sort.SliceIsSorted(visited, func(i, j int) bool { return visited[i] < visited[j] }))
}

// TestBonsaiPutGetRemove 写删后终态与模型一致
func TestBonsaiPutGetRemove(t *testing.T) {
	ctx := newTestContext(t)
	tree := newTestTree(t, ctx)

	model := make(map[int64]int64)
	for i := 0; i < 2000; i++ {
		key := int64(i * 7 % 1000)
		model[key] = int64(i)
		require.NoError(t, tree.Put(key, int64(i)))
	}
	for key := int64(0); key < 1000; key += 5 {
		delete(model, key)
		_, _, err := tree.Remove(key)
		require.NoError(t, err)
	}

	for key, want := range model {
		value, found, err := tree.Get(key)
		require.NoError(t, err)
		require.True(t, found, "key %d", key)
		assert.Equal(t, want, value)
	}

	size, err := tree.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(len(model)), size)
}

// TestBonsaiRangeQueries 区间遍历与极值
func TestBonsaiRangeQueries(t *testing.T) {
	ctx := newTestContext(t)
	tree := newTestTree(t, ctx)

	for i := int64(0); i < 100; i++ {
		require.NoError(t, tree.Put(i*2, i))
	}

	first, found, err := tree.FirstKey()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(0), first)

	last, found, err := tree.LastKey()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(198), last)

	values, err := tree.GetValuesBetween(int64(10), true, int64(20), true, 0)
	require.NoError(t, err)
	assert.Len(t, values, 6) // 10,12,...,20 的值

	values, err = tree.GetValuesMajor(int64(190), false, 0)
	require.NoError(t, err)
	assert.Len(t, values, 4) // 192..198

	values, err = tree.GetValuesMinor(int64(8), true, 0)
	require.NoError(t, err)
	assert.Len(t, values, 5) // 0..8

	// 回调返回 false 时提前停止
	count := 0
	require.NoError(t, tree.LoadEntriesMajor(int64(0), true, func(_, _ interface{}) bool {
		count++
		return count < 7
	}))
	assert.Equal(t, 7, count)
}

// TestBonsaiDeleteRecyclesBuckets 删除树后桶都进空闲链表且带删除标记
func TestBonsaiDeleteRecyclesBuckets(t *testing.T) {
	ctx := newTestContext(t)
	tree := newTestTree(t, ctx)

	n := 4 * MaxBucketSizeBytes / 8
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Put(int64(i), int64(i)))
	}

	rootPointer := tree.RootPointer()
	require.NoError(t, tree.Delete())

	// sys 桶的空闲链表应包含整棵树的桶
	entry, err := tree.LoadPageForRead(tree.fileID, SysBucketPointer.PageIndex)
	require.NoError(t, err)
	sys := NewSysBucket(durable.NewDurablePage(entry, 0))
	freeLen := sys.FreeListLength()
	head := sys.FreeListHead()
	tree.ReleasePageFromRead(entry)

	assert.GreaterOrEqual(t, freeLen, int64(3))
	require.True(t, head.IsValid())

	// 沿空闲链表走一遍：每个桶都带删除标记
	count := int64(0)
	sawRoot := false
	for ptr := head; ptr.IsValid(); {
		bucketEntry, lerr := tree.LoadPageForRead(tree.fileID, ptr.PageIndex)
		require.NoError(t, lerr)
		bucket := NewBucketFromEntry(bucketEntry, ptr.PageOffset)
		assert.True(t, bucket.IsDeleted())
		if ptr == rootPointer {
			sawRoot = true
		}
		next := bucket.FreeListPointer()
		tree.ReleasePageFromRead(bucketEntry)
		ptr = next
		count++
	}
	assert.Equal(t, freeLen, count)
	assert.True(t, sawRoot)
}

// TestBonsaiClearReusesBuckets 清空后再插入应复用空闲桶
func TestBonsaiClearReusesBuckets(t *testing.T) {
	ctx := newTestContext(t)
	tree := newTestTree(t, ctx)

	n := 4 * MaxBucketSizeBytes / 8
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Put(int64(i), int64(i)))
	}
	require.NoError(t, tree.Clear())

	size, err := tree.Size()
	require.NoError(t, err)
	assert.Zero(t, size)

	filledBefore, err := tree.GetFilledUpTo(tree.fileID)
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		require.NoError(t, tree.Put(int64(i), int64(i)))
	}

	// 桶从空闲链表复用，文件不应明显增长
	filledAfter, err := tree.GetFilledUpTo(tree.fileID)
	require.NoError(t, err)
	assert.LessOrEqual(t, filledAfter, filledBefore+1)

	size, err = tree.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(n), size)
}

// TestBonsaiMultipleTreesShareFile 同文件共存的两棵树互不干扰
func TestBonsaiMultipleTreesShareFile(t *testing.T) {
	ctx := newTestContext(t)
	registry := serializer.NewRegistry()

	treeA := NewTree(ctx, "shared", ".sbc", registry)
	require.NoError(t, treeA.Create(serializer.LongSerializer{}, serializer.LongSerializer{}))

	treeB := NewTree(ctx, "shared", ".sbc", registry)
	require.NoError(t, treeB.Create(serializer.LongSerializer{}, serializer.LongSerializer{}))

	require.NotEqual(t, treeA.RootPointer(), treeB.RootPointer())

	for i := int64(0); i < 50; i++ {
		require.NoError(t, treeA.Put(i, i*10))
		require.NoError(t, treeB.Put(i, i*100))
	}

	va, _, err := treeA.Get(int64(7))
	require.NoError(t, err)
	vb, _, err := treeB.Get(int64(7))
	require.NoError(t, err)
	assert.Equal(t, int64(70), va)
	assert.Equal(t, int64(700), vb)

	// 序列化器 ID 随桶持久化，按根指针重新装载可恢复
	treeC := NewTree(ctx, "shared", ".sbc", registry)
	treeC.fileID = treeA.fileID
	alive, err := treeC.Load(treeA.RootPointer())
	require.NoError(t, err)
	require.True(t, alive)

	vc, _, err := treeC.Get(int64(7))
	require.NoError(t, err)
	assert.Equal(t, int64(70), vc)
}
