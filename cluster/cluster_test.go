/*
JadeStore 簇位置映射测试

覆盖标志机的全部迁移、逻辑位置折算、跨桶链接与回滚还原。
*/

package cluster

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/util6/JadeStore/durable"
	"github.com/util6/JadeStore/pagecache"
	"github.com/util6/JadeStore/utils"
	"github.com/util6/JadeStore/wal"
)

func newTestContext(t *testing.T) *durable.Context {
	dir := t.TempDir()

	walog, err := wal.Open(filepath.Join(dir, "wal"), 4<<20)
	require.NoError(t, err)

	wc, err := pagecache.OpenWriteCache(dir)
	require.NoError(t, err)

	rc, err := pagecache.NewReadCache(256, wc, walog, 0)
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

func newTestMap(t *testing.T) *PositionMap {
	m := NewPositionMap(newTestContext(t), "cluster0", ".cpm")
	require.NoError(t, m.Create())
	return m
}

// TestPositionMapAllocateAndSet 预留三个位置后只填充中间一个
func TestPositionMapAllocateAndSet(t *testing.T) {
	m := newTestMap(t)

	for i := 0; i < 3; i++ {
		index, err := m.Allocate()
		require.NoError(t, err)
		assert.Equal(t, int64(i), index)
	}

	require.NoError(t, m.Set(1, PositionEntry{PageIndex: 100, RecordPosition: 7}))

	entry, err := m.Get(0)
	require.NoError(t, err)
	assert.Nil(t, entry) // 已预留但未填充

	entry, err = m.Get(1)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, PositionEntry{PageIndex: 100, RecordPosition: 7}, *entry)

	entry, err = m.Get(2)
	require.NoError(t, err)
	assert.Nil(t, entry)

	size, err := m.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)

	status, err := m.Status(0)
	require.NoError(t, err)
	assert.Equal(t, Allocated, status)
	status, err = m.Status(1)
	require.NoError(t, err)
	assert.Equal(t, Filled, status)
}

// TestPositionMapStateMachine 标志机的合法与非法迁移
func TestPositionMapStateMachine(t *testing.T) {
	m := newTestMap(t)

	index, err := m.Add(10, 1)
	require.NoError(t, err)

	// FILLED 可覆写
	require.NoError(t, m.Set(index, PositionEntry{PageIndex: 11, RecordPosition: 2}))

	// FILLED → REMOVED
	removed, err := m.Remove(index)
	require.NoError(t, err)
	assert.True(t, removed)

	exists, err := m.Exists(index)
	require.NoError(t, err)
	assert.False(t, exists)

	// REMOVED 上的 Set 是非法迁移
	err = m.Set(index, PositionEntry{PageIndex: 12, RecordPosition: 3})
	assert.ErrorIs(t, err, utils.ErrWrongStateTransition)

	// REMOVED 上的 Remove 是无操作
	removed, err = m.Remove(index)
	require.NoError(t, err)
	assert.False(t, removed)

	// REMOVED → FILLED（复活）
	require.NoError(t, m.Resurrect(index, PositionEntry{PageIndex: 11, RecordPosition: 2}))

	entry, err := m.Get(index)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, PositionEntry{PageIndex: 11, RecordPosition: 2}, *entry)

	exists, err = m.Exists(index)
	require.NoError(t, err)
	assert.True(t, exists)

	status, err := m.Status(index)
	require.NoError(t, err)
	assert.Equal(t, Filled, status)

	// FILLED 上的 Resurrect 是非法迁移
	err = m.Resurrect(index, PositionEntry{PageIndex: 13, RecordPosition: 4})
	assert.ErrorIs(t, err, utils.ErrWrongStateTransition)

	// 越界
	status, err = m.Status(10000)
	require.NoError(t, err)
	assert.Equal(t, NotExistent, status)

	err = m.Set(10000, PositionEntry{})
	assert.ErrorIs(t, err, utils.ErrIndexOutOfRange)
}

// TestPositionMapBucketChaining 填满一个桶后应链上新桶
func TestPositionMapBucketChaining(t *testing.T) {
	m := newTestMap(t)

	total := int64(MaxEntries) + 10
	for i := int64(0); i < total; i++ {
		index, err := m.Add(i, int32(i%128))
		require.NoError(t, err)
		assert.Equal(t, i, index)
	}

	size, err := m.Size()
	require.NoError(t, err)
	assert.Equal(t, total, size)

	// 第一桶应链接到第二桶
	entry, err := m.LoadPageForRead(m.fileID, 0)
	require.NoError(t, err)
	bucket := NewBucketFromEntry(entry)
	assert.True(t, bucket.IsFull())
	assert.Equal(t, int64(1), bucket.NextPage())
	m.ReleasePageFromRead(entry)

	// 跨桶读取
	got, err := m.Get(int64(MaxEntries) + 5)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(MaxEntries)+5, got.PageIndex)
}

// TestPositionMapRollback 变更回滚后应还原到先前状态
func TestPositionMapRollback(t *testing.T) {
	m := newTestMap(t)
	mgr := m.Ctx().Manager

	index, err := m.Add(10, 1)
	require.NoError(t, err)

	// 外层操作包住 Remove，回滚后条目应仍为 FILLED
	_, err = mgr.StartAtomicOperation()
	require.NoError(t, err)
	_, err = m.Remove(index)
	require.NoError(t, err)
	require.NoError(t, mgr.EndAtomicOperation(true))

	status, err := m.Status(index)
	require.NoError(t, err)
	assert.Equal(t, Filled, status)

	entry, err := m.Get(index)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, PositionEntry{PageIndex: 10, RecordPosition: 1}, *entry)
}
