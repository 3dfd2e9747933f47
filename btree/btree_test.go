/*
JadeStore 前缀 B+ 树测试

覆盖点查 / 区间游标 / 分裂 / 删除 / 回滚 / 空键 / 值溢出链 / 验证器。
*/

package btree

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
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

func newTestTree(t *testing.T, opts Options) *PrefixBTree {
	ctx := newTestContext(t)
	tree := NewPrefixBTree(ctx, "t", ".pbt", ".nbt", opts)
	require.NoError(t, tree.Create(serializer.StringSerializer{}, serializer.LongSerializer{}, true, nil))
	return tree
}

// TestPrefixTreeBasic 基本点查与区间游标
func TestPrefixTreeBasic(t *testing.T) {
	tree := newTestTree(t, Options{})

	keys := []string{"a", "ab", "abc", "abd", "abe", "abf"}
	for i, key := range keys {
		require.NoError(t, tree.Put(key, int64(i+1)))
	}

	value, found, err := tree.Get("abd")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(4), value)

	_, found, err = tree.Get("zz")
	require.NoError(t, err)
	assert.False(t, found)

	size, err := tree.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(6), size)

	cursor := tree.IterateEntriesBetween("ab", true, "abe", true, true)
	var got []CursorEntry
	for {
		entry, ok, cerr := cursor.Next(0)
		require.NoError(t, cerr)
		if !ok {
			break
		}
		got = append(got, entry)
	}
	assert.Equal(t, []CursorEntry{
		{Key: "ab", Value: int64(2)},
		{Key: "abc", Value: int64(3)},
		{Key: "abd", Value: int64(4)},
		{Key: "abe", Value: int64(5)},
	}, got)
}

// TestPrefixTreePutRemoveProperty 随机序写删后终态应与模型一致
func TestPrefixTreePutRemoveProperty(t *testing.T) {
	tree := newTestTree(t, Options{})

	model := make(map[string]int64)
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("key-%04d", i*37%500)
		model[key] = int64(i)
		require.NoError(t, tree.Put(key, int64(i)))
	}
	for i := 0; i < 500; i += 3 {
		key := fmt.Sprintf("key-%04d", i)
		delete(model, key)
		_, _, err := tree.Remove(key)
		require.NoError(t, err)
	}

	for key, want := range model {
		value, found, err := tree.Get(key)
		require.NoError(t, err)
		require.True(t, found, "key %s", key)
		assert.Equal(t, want, value)
	}
	for i := 0; i < 500; i += 3 {
		_, found, err := tree.Get(fmt.Sprintf("key-%04d", i))
		require.NoError(t, err)
		assert.False(t, found)
	}

	size, err := tree.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(len(model)), size)
}

// TestPrefixTreeSplitAndOrder 大量插入触发多层分裂，全键游标按序访问
func TestPrefixTreeSplitAndOrder(t *testing.T) {
	tree := newTestTree(t, Options{})

	const n = 3000
	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("user/%06d/profile", i*7919%n)
		keys = append(keys, key)
		require.NoError(t, tree.Put(key, int64(i)))
	}
	sort.Strings(keys)

	size, err := tree.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(n), size)

	first, found, err := tree.FirstKey()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, keys[0], first)

	last, found, err := tree.LastKey()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, keys[len(keys)-1], last)

	cursor := tree.KeyCursor()
	visited := make([]string, 0, n)
	for {
		key, ok, cerr := cursor.Next(128)
		require.NoError(t, cerr)
		if !ok {
			break
		}
		visited = append(visited, key)
	}
	assert.Equal(t, keys, visited)
}

// TestPrefixTreeBucketInvariant 分裂后每个桶的键都以桶前缀开头
func TestPrefixTreeBucketInvariant(t *testing.T) {
	tree := newTestTree(t, Options{})

	const n = 2000
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Put(fmt.Sprintf("shared/prefix/%05d", i), int64(i)))
	}

	filled, err := tree.GetFilledUpTo(tree.fileID)
	require.NoError(t, err)

	for pageIndex := int64(0); pageIndex < filled; pageIndex++ {
		entry, lerr := tree.LoadPageForRead(tree.fileID, pageIndex)
		require.NoError(t, lerr)
		bucket := NewBucketFromEntry(entry)

		prefix := bucket.BucketPrefix()
		prev := ""
		for i := 0; i < bucket.Size(); i++ {
			key := bucket.Key(i)
			assert.True(t, strings.HasPrefix(key, prefix), "page %d item %d", pageIndex, i)
			if i > 0 {
				assert.Less(t, prev, key)
			}
			prev = key
		}
		tree.ReleasePageFromRead(entry)
	}
}

// TestPrefixTreeBackwardCursor 反向游标按降序访问
func TestPrefixTreeBackwardCursor(t *testing.T) {
	tree := newTestTree(t, Options{})

	for i := 0; i < 100; i++ {
		require.NoError(t, tree.Put(fmt.Sprintf("k%03d", i), int64(i)))
	}

	cursor := tree.IterateEntriesBetween("k010", true, "k020", true, false)
	var got []string
	for {
		entry, ok, err := cursor.Next(4)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, entry.Key)
	}

	want := make([]string, 0, 11)
	for i := 20; i >= 10; i-- {
		want = append(want, fmt.Sprintf("k%03d", i))
	}
	assert.Equal(t, want, got)
}

// TestPrefixTreeRollback 插入后回滚：键不可见、根页 LSN 还原
func TestPrefixTreeRollback(t *testing.T) {
	tree := newTestTree(t, Options{})
	mgr := tree.Ctx().Manager

	require.NoError(t, tree.Put("base", int64(1)))

	entry, err := tree.LoadPageForRead(tree.fileID, rootIndex)
	require.NoError(t, err)
	rootLSNBefore := entry.LSN()
	tree.ReleasePageFromRead(entry)

	// 外层操作包住 Put，最外层以回滚结束
	_, err = mgr.StartAtomicOperation()
	require.NoError(t, err)
	require.NoError(t, tree.Put("x", int64(1)))
	require.NoError(t, mgr.EndAtomicOperation(true))

	_, found, err := tree.Get("x")
	require.NoError(t, err)
	assert.False(t, found)

	value, found, err := tree.Get("base")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), value)

	entry, err = tree.LoadPageForRead(tree.fileID, rootIndex)
	require.NoError(t, err)
	assert.Equal(t, rootLSNBefore, entry.LSN())
	tree.ReleasePageFromRead(entry)
}

// TestPrefixTreeValidator 验证器放弃时树保持不变
func TestPrefixTreeValidator(t *testing.T) {
	tree := newTestTree(t, Options{})

	require.NoError(t, tree.Put("k", int64(1)))

	updated, err := tree.PutValidated("k", int64(2),
		func(key, oldValue, newValue interface{}) (interface{}, bool) {
			return nil, false
		})
	require.NoError(t, err)
	assert.False(t, updated)

	value, _, err := tree.Get("k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), value)

	// 验证器可以改写最终值
	updated, err = tree.PutValidated("k", int64(2),
		func(key, oldValue, newValue interface{}) (interface{}, bool) {
			return int64(42), true
		})
	require.NoError(t, err)
	assert.True(t, updated)

	value, _, err = tree.Get("k")
	require.NoError(t, err)
	assert.Equal(t, int64(42), value)
}

// TestPrefixTreeNullKey 空键桶的写读删
func TestPrefixTreeNullKey(t *testing.T) {
	tree := newTestTree(t, Options{})

	_, found, err := tree.GetNullKey()
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, tree.PutNullKey(int64(7)))

	value, found, err := tree.GetNullKey()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(7), value)

	removed, found, err := tree.RemoveNullKey()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(7), removed)

	_, found, err = tree.GetNullKey()
	require.NoError(t, err)
	assert.False(t, found)
}

// TestPrefixTreeNullKeyDisabled 未启用空键支持时报契约错误
func TestPrefixTreeNullKeyDisabled(t *testing.T) {
	ctx := newTestContext(t)
	tree := NewPrefixBTree(ctx, "nonull", ".pbt", ".nbt", Options{})
	require.NoError(t, tree.Create(serializer.StringSerializer{}, serializer.LongSerializer{}, false, nil))

	err := tree.PutNullKey(int64(1))
	assert.ErrorIs(t, err, utils.ErrNullKeyNotSupported)

	_, _, err = tree.GetNullKey()
	assert.ErrorIs(t, err, utils.ErrNullKeyNotSupported)
}

// TestPrefixTreeValueOverflow 超过内嵌上限的值走溢出链
func TestPrefixTreeValueOverflow(t *testing.T) {
	ctx := newTestContext(t)
	tree := NewPrefixBTree(ctx, "big", ".pbt", ".nbt", Options{MaxEmbeddedValueSize: 64, CompressOverflow: true})
	require.NoError(t, tree.Create(serializer.StringSerializer{}, serializer.BytesSerializer{}, false, nil))

	big := make([]byte, 3*pagecache.PageSize)
	for i := range big {
		big[i] = byte(i % 251)
	}
	require.NoError(t, tree.Put("big", big))
	require.NoError(t, tree.Put("small", []byte("tiny")))

	value, found, err := tree.Get("big")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, big, value)

	value, found, err = tree.Get("small")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("tiny"), value)
}

// TestPrefixTreeClear 清空后树为空且可继续使用
func TestPrefixTreeClear(t *testing.T) {
	tree := newTestTree(t, Options{})

	for i := 0; i < 200; i++ {
		require.NoError(t, tree.Put(fmt.Sprintf("c%04d", i), int64(i)))
	}
	require.NoError(t, tree.Clear())

	size, err := tree.Size()
	require.NoError(t, err)
	assert.Zero(t, size)

	require.NoError(t, tree.Put("after", int64(1)))
	value, found, err := tree.Get("after")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), value)
}
