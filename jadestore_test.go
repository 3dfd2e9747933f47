/*
JadeStore 引擎集成测试

覆盖完整生命周期（建库 / 写入 / 关库 / 重开）、崩溃重放、检查点
与并发读写。
*/

package jadestore

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/util6/JadeStore/config"
	"github.com/util6/JadeStore/durable"
	"github.com/util6/JadeStore/serializer"
	"golang.org/x/sync/errgroup"
)

func testConfig(dir string) *config.Config {
	cfg := config.Default(dir)
	cfg.CachePages = 256
	cfg.L2CacheBytes = 8 * 1024 * 1024
	cfg.CheckpointInterval = 0 // 测试手动控制检查点
	return cfg
}

// TestStorageLifecycle 关库重开后数据仍可检索
func TestStorageLifecycle(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(testConfig(dir))
	require.NoError(t, err)

	tree := s.NewPrefixBTree("users")
	require.NoError(t, tree.Create(serializer.StringSerializer{}, serializer.LongSerializer{}, false, nil))

	for i := 0; i < 100; i++ {
		require.NoError(t, tree.Put(fmt.Sprintf("u%03d", i), int64(i)))
	}
	require.NoError(t, s.Close())

	s, err = Open(testConfig(dir))
	require.NoError(t, err)
	defer s.Close()

	tree = s.NewPrefixBTree("users")
	require.NoError(t, tree.Load(serializer.StringSerializer{}, serializer.LongSerializer{}, false, nil))

	size, err := tree.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(100), size)

	value, found, err := tree.Get("u042")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(42), value)
}

// TestStorageCrashReplay 提交后丢弃页缓存（保留 WAL），重放后全部可检索
func TestStorageCrashReplay(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(testConfig(dir))
	require.NoError(t, err)
	defer s.Close()

	tree := s.NewPrefixBTree("t")
	require.NoError(t, tree.Create(serializer.StringSerializer{}, serializer.LongSerializer{}, false, nil))

	const n = 1000
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Put(fmt.Sprintf("key-%05d", i), int64(i)))
	}

	// 崩溃：页缓存整体丢弃，WAL 保留
	s.Ctx().ReadCache.DropAll()

	redone, undone, err := durable.Recover(s.Ctx().WAL, s.Ctx().ReadCache, s.Ctx().WriteCache)
	require.NoError(t, err)
	assert.Positive(t, redone)
	assert.Zero(t, undone)

	size, err := tree.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(n), size)

	for i := 0; i < n; i++ {
		value, found, gerr := tree.Get(fmt.Sprintf("key-%05d", i))
		require.NoError(t, gerr)
		require.True(t, found, "key-%05d", i)
		assert.Equal(t, int64(i), value)
	}
}

// TestStorageUncommittedCrash 悬挂操作在重放后应不可见
func TestStorageUncommittedCrash(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(testConfig(dir))
	require.NoError(t, err)
	defer s.Close()

	tree := s.NewPrefixBTree("t")
	require.NoError(t, tree.Create(serializer.StringSerializer{}, serializer.LongSerializer{}, false, nil))
	require.NoError(t, tree.Put("committed", int64(1)))

	// 悬挂操作：外层永不结束；脏页甚至已经刷下去
	_, err = s.StartAtomicOperation()
	require.NoError(t, err)
	require.NoError(t, tree.Put("dangling", int64(2)))
	require.NoError(t, s.Ctx().ReadCache.Flush())

	s.Ctx().ReadCache.DropAll()

	_, undone, err := durable.Recover(s.Ctx().WAL, s.Ctx().ReadCache, s.Ctx().WriteCache)
	require.NoError(t, err)
	assert.Positive(t, undone)

	_, found, err := tree.Get("dangling")
	require.NoError(t, err)
	assert.False(t, found)

	value, found, err := tree.Get("committed")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), value)
}

// TestStorageCheckpoint 检查点后日志瘦身，重开仍一致
func TestStorageCheckpoint(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(testConfig(dir))
	require.NoError(t, err)

	tree := s.NewPrefixBTree("t")
	require.NoError(t, tree.Create(serializer.StringSerializer{}, serializer.LongSerializer{}, false, nil))

	for i := 0; i < 500; i++ {
		require.NoError(t, tree.Put(fmt.Sprintf("c%04d", i), int64(i)))
	}
	require.NoError(t, s.Checkpoint())

	for i := 500; i < 600; i++ {
		require.NoError(t, tree.Put(fmt.Sprintf("c%04d", i), int64(i)))
	}
	require.NoError(t, s.Close())

	s, err = Open(testConfig(dir))
	require.NoError(t, err)
	defer s.Close()

	tree = s.NewPrefixBTree("t")
	require.NoError(t, tree.Load(serializer.StringSerializer{}, serializer.LongSerializer{}, false, nil))

	size, err := tree.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(600), size)
}

// TestStorageConcurrentAccess 多 goroutine 写各自的键区、并发读
func TestStorageConcurrentAccess(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(testConfig(dir))
	require.NoError(t, err)
	defer s.Close()

	tree := s.NewPrefixBTree("t")
	require.NoError(t, tree.Create(serializer.StringSerializer{}, serializer.LongSerializer{}, false, nil))

	const writers = 4
	const perWriter = 200

	var g errgroup.Group
	for w := 0; w < writers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < perWriter; i++ {
				if err := tree.Put(fmt.Sprintf("w%d/%04d", w, i), int64(w*perWriter+i)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	// 与写入交错的读
	g.Go(func() error {
		for i := 0; i < 500; i++ {
			if _, _, err := tree.Get(fmt.Sprintf("w0/%04d", i%perWriter)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())

	size, err := tree.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(writers*perWriter), size)

	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i += 13 {
			value, found, gerr := tree.Get(fmt.Sprintf("w%d/%04d", w, i))
			require.NoError(t, gerr)
			require.True(t, found)
			assert.Equal(t, int64(w*perWriter+i), value)
		}
	}
}

// TestStorageMultipleComponents 四种组件在同一引擎上共存
func TestStorageMultipleComponents(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(testConfig(dir))
	require.NoError(t, err)
	defer s.Close()

	tree := s.NewPrefixBTree("names")
	require.NoError(t, tree.Create(serializer.StringSerializer{}, serializer.LongSerializer{}, false, nil))
	require.NoError(t, tree.Put("k", int64(1)))

	ridbag := s.NewBonsaiTree("links")
	require.NoError(t, ridbag.Create(serializer.LongSerializer{}, serializer.LongSerializer{}))
	require.NoError(t, ridbag.Put(int64(5), int64(50)))

	table := s.NewHashTable("byid", serializer.LongSerializer{}, serializer.StringSerializer{})
	require.NoError(t, table.Create())
	require.NoError(t, table.Put(int64(9), "nine"))

	positions := s.NewPositionMap("cluster1")
	require.NoError(t, positions.Create())
	index, err := positions.Add(3, 14)
	require.NoError(t, err)

	v1, _, err := tree.Get("k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1)

	v2, _, err := ridbag.Get(int64(5))
	require.NoError(t, err)
	assert.Equal(t, int64(50), v2)

	v3, _, err := table.Get(int64(9))
	require.NoError(t, err)
	assert.Equal(t, "nine", v3)

	entry, err := positions.Get(index)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(3), entry.PageIndex)
}
