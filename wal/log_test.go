/*
JadeStore WAL 日志测试

覆盖追加 / 刷盘 / 正向读取、段滚动、重开恢复与残缺尾部截断。
*/

package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLogAppendAndReadForward 追加后应能按序读回
func TestLogAppendAndReadForward(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir, 0)
	require.NoError(t, err)
	defer l.Close()

	var lsns []LSN
	for i := 0; i < 10; i++ {
		lsn, err := l.Log(NewAtomicBegin(OperationUnitID(i)))
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}
	require.NoError(t, l.Flush())
	assert.Equal(t, lsns[len(lsns)-1], l.FlushedLSN())

	entries, err := l.ReadForward(0)
	require.NoError(t, err)
	require.Len(t, entries, 10)
	for i, entry := range entries {
		assert.Equal(t, lsns[i], entry.LSN)
		rec := entry.Record.(*AtomicUnitRecord)
		assert.Equal(t, OperationUnitID(i), rec.OpID)
	}

	// 从中间的 LSN 开始读
	entries, err = l.ReadForward(lsns[5])
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

// TestLogSegmentRoll 超过段大小应滚动到新段
func TestLogSegmentRoll(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir, 256)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 100; i++ {
		_, err := l.Log(NewFileCreated(OperationUnitID(i), "some-file-name.pbt", int64(i)))
		require.NoError(t, err)
	}
	require.NoError(t, l.Flush())

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Greater(t, len(files), 1)

	entries, err := l.ReadForward(0)
	require.NoError(t, err)
	assert.Len(t, entries, 100)
}

// TestLogReopen 重开后 LSN 连续、记录可读
func TestLogReopen(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir, 0)
	require.NoError(t, err)

	lsn1, err := l.Log(NewAtomicBegin(1))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = Open(dir, 0)
	require.NoError(t, err)
	defer l.Close()

	lsn2, err := l.Log(NewAtomicCommit(1))
	require.NoError(t, err)
	assert.Greater(t, lsn2, lsn1)
	require.NoError(t, l.Flush())

	entries, err := l.ReadForward(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, lsn1, entries[0].LSN)
	assert.Equal(t, lsn2, entries[1].LSN)
}

// TestLogTornTailTruncated 残缺尾部应在重开时截掉
func TestLogTornTailTruncated(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir, 0)
	require.NoError(t, err)
	_, err = l.Log(NewAtomicBegin(1))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// 在段尾追加半条记录模拟掉电
	files, err := filepath.Glob(filepath.Join(dir, "wal_*.wal"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	fd, err := os.OpenFile(files[0], os.O_APPEND|os.O_WRONLY, 0666)
	require.NoError(t, err)
	_, err = fd.Write([]byte{200, 1, 2})
	require.NoError(t, err)
	require.NoError(t, fd.Close())

	l, err = Open(dir, 0)
	require.NoError(t, err)
	defer l.Close()

	entries, err := l.ReadForward(0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// TestLogTruncateUntil 检查点之前的整段应被删除
func TestLogTruncateUntil(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir, 128)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 50; i++ {
		_, err := l.Log(NewAtomicBegin(OperationUnitID(i)))
		require.NoError(t, err)
	}
	lsn, err := l.Log(&CheckpointRecord{})
	require.NoError(t, err)
	require.NoError(t, l.Flush())

	require.NoError(t, l.TruncateUntil(lsn))

	entries, err := l.ReadForward(lsn)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, lsn, entries[0].LSN)
}
