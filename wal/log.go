/*
JadeStore 预写日志模块

追加式分段日志。LSN 是记录首字节在逻辑日志中的位置，段文件按起始 LSN
命名（wal_<startLSN>.wal），记录不跨段。Flush 将缓冲写入文件并 fsync，
返回时日志已持久到最近一次 Log 分配的 LSN。

写前日志规则由页缓存在回写脏页前通过 FlushedLSN/FlushTo 检查执行：
页面的 LSN 超过已落盘 LSN 时必须先刷日志。

打开既有目录时会校验段文件的连续性，并把最后一个段的残缺尾部截掉
（掉电时最后一条记录可能只写了一半）。
*/

package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

const (
	// DefaultSegmentSize 默认 WAL 段大小（64MB）
	DefaultSegmentSize = 64 * 1024 * 1024

	// walFilePrefix WAL 段文件名前缀
	walFilePrefix = "wal_"

	// walFileSuffix WAL 段文件扩展名
	walFileSuffix = ".wal"

	// firstLSN 第一条记录的 LSN。0 保留为"尚无记录"。
	firstLSN = LSN(1)
)

// segment 一个日志段：起始 LSN 与文件路径
type segment struct {
	start LSN
	path  string
}

// Log 预写日志
type Log struct {
	mu sync.Mutex

	dir         string
	segmentSize int64

	segments []segment // 已关闭的段 + 活跃段，按 start 升序
	active   *os.File
	writer   *bufio.Writer
	activeSz int64 // 活跃段中已写（含缓冲）的字节数

	nextLSN      LSN          // 下一条记录的 LSN
	lastAppended LSN          // 最近一条已追加记录的 LSN
	flushedLSN   atomic.Int64 // 最近一条已持久记录的 LSN

	checkpointLSN atomic.Int64 // 最近一个检查点记录的 LSN
}

// Open 打开（或创建）WAL 目录
func Open(dir string, segmentSize int64) (*Log, error) {
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "无法创建 WAL 目录 %s", dir)
	}

	l := &Log{dir: dir, segmentSize: segmentSize}

	if err := l.scanSegments(); err != nil {
		return nil, err
	}

	if len(l.segments) == 0 {
		l.nextLSN = firstLSN
		if err := l.rollSegment(); err != nil {
			return nil, err
		}
	} else {
		if err := l.recoverTail(); err != nil {
			return nil, err
		}
	}

	return l, nil
}

// scanSegments 扫描目录中的段文件
func (l *Log) scanSegments() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return errors.Wrapf(err, "无法读取 WAL 目录 %s", l.dir)
	}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, walFilePrefix) || !strings.HasSuffix(name, walFileSuffix) {
			continue
		}
		startStr := strings.TrimSuffix(strings.TrimPrefix(name, walFilePrefix), walFileSuffix)
		start, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil {
			continue
		}
		l.segments = append(l.segments, segment{start: LSN(start), path: filepath.Join(l.dir, name)})
	}

	sort.Slice(l.segments, func(i, j int) bool { return l.segments[i].start < l.segments[j].start })
	return nil
}

// recoverTail 打开最后一个段，校验记录流并截掉残缺尾部
func (l *Log) recoverTail() error {
	last := l.segments[len(l.segments)-1]

	data, err := os.ReadFile(last.path)
	if err != nil {
		return errors.Wrapf(err, "无法读取 WAL 段 %s", last.path)
	}

	validEnd := 0
	lastStart := -1
	pos := 0
	for pos < len(data) {
		frameLen, n := binary.Uvarint(data[pos:])
		if n <= 0 || frameLen == 0 {
			break
		}
		end := pos + n + int(frameLen)
		if end > len(data) {
			break
		}
		if _, err := DecodeRecord(data[pos+n], data[pos+n+1:end]); err != nil {
			break
		}
		if data[pos+n] == KindCheckpoint {
			l.checkpointLSN.Store(int64(last.start) + int64(pos))
		}
		lastStart = pos
		validEnd = end
		pos = end
	}

	fd, err := os.OpenFile(last.path, os.O_RDWR, 0666)
	if err != nil {
		return errors.Wrapf(err, "无法打开 WAL 段 %s", last.path)
	}
	if err := fd.Truncate(int64(validEnd)); err != nil {
		fd.Close()
		return errors.Wrapf(err, "截断 WAL 段 %s 时出错", last.path)
	}
	if _, err := fd.Seek(int64(validEnd), 0); err != nil {
		fd.Close()
		return err
	}

	l.active = fd
	l.writer = bufio.NewWriter(fd)
	l.activeSz = int64(validEnd)
	l.nextLSN = last.start + LSN(validEnd)
	if lastStart >= 0 {
		l.lastAppended = last.start + LSN(lastStart)
	} else if last.start > firstLSN {
		l.lastAppended = 0 // 上一段的末条记录位置未知，保守处理
	}
	l.flushedLSN.Store(int64(l.lastAppended))
	return nil
}

// rollSegment 以 nextLSN 为起点开启新的活跃段
func (l *Log) rollSegment() error {
	if l.active != nil {
		if err := l.writer.Flush(); err != nil {
			return err
		}
		if err := l.active.Sync(); err != nil {
			return err
		}
		if err := l.active.Close(); err != nil {
			return err
		}
	}

	path := filepath.Join(l.dir, fmt.Sprintf("%s%d%s", walFilePrefix, l.nextLSN, walFileSuffix))
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0666)
	if err != nil {
		return errors.Wrapf(err, "无法创建 WAL 段 %s", path)
	}

	l.segments = append(l.segments, segment{start: l.nextLSN, path: path})
	l.active = fd
	l.writer = bufio.NewWriter(fd)
	l.activeSz = 0
	return nil
}

// Log 追加一条记录并返回分配的 LSN。记录先进入缓冲，Flush 后才持久。
func (l *Log) Log(rec Record) (LSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	frame := EncodeRecord(rec)

	if l.activeSz > 0 && l.activeSz+int64(len(frame)) > l.segmentSize {
		if err := l.rollSegment(); err != nil {
			return 0, err
		}
	}

	lsn := l.nextLSN
	if _, err := l.writer.Write(frame); err != nil {
		return 0, errors.Wrap(err, "WAL 追加失败")
	}

	l.activeSz += int64(len(frame))
	l.nextLSN += LSN(len(frame))
	l.lastAppended = lsn

	if rec.Kind() == KindCheckpoint {
		l.checkpointLSN.Store(int64(lsn))
	}
	return lsn, nil
}

// Flush 将缓冲的记录写入文件并 fsync。
// 返回时日志已持久到最近一次 Log 分配的 LSN。
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *Log) flushLocked() error {
	if err := l.writer.Flush(); err != nil {
		return errors.Wrap(err, "WAL 刷新失败")
	}
	if err := l.active.Sync(); err != nil {
		return errors.Wrap(err, "WAL 同步失败")
	}
	l.flushedLSN.Store(int64(l.lastAppended))
	return nil
}

// FlushTo 确保日志已持久到给定 LSN（写前日志规则的执行点）
func (l *Log) FlushTo(lsn LSN) error {
	if LSN(l.flushedLSN.Load()) >= lsn {
		return nil
	}
	return l.Flush()
}

// FlushedLSN 最近一条已持久记录的 LSN
func (l *Log) FlushedLSN() LSN {
	return LSN(l.flushedLSN.Load())
}

// CheckpointLSN 最近一个检查点记录的 LSN（0 表示没有）
func (l *Log) CheckpointLSN() LSN {
	return LSN(l.checkpointLSN.Load())
}

// TruncateUntil 删除完全位于 lsn 之前的整段（检查点之后的日志瘦身）
func (l *Log) TruncateUntil(lsn LSN) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.segments[:0]
	for i, seg := range l.segments {
		isLast := i == len(l.segments)-1
		var end LSN
		if !isLast {
			end = l.segments[i+1].start
		} else {
			end = l.nextLSN
		}
		if !isLast && end <= lsn {
			if err := os.Remove(seg.path); err != nil {
				return errors.Wrapf(err, "删除 WAL 段 %s 时出错", seg.path)
			}
			continue
		}
		kept = append(kept, seg)
	}
	l.segments = append([]segment(nil), kept...)
	return nil
}

// Close 关闭日志（先刷新缓冲并同步）
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active == nil {
		return nil
	}
	if err := l.flushLocked(); err != nil {
		return err
	}
	err := l.active.Close()
	l.active = nil
	return err
}

// ---------------------------------------------------------------------------
// 正向读取
// ---------------------------------------------------------------------------

// Entry 读取到的记录及其 LSN
type Entry struct {
	LSN    LSN
	Record Record
}

// ReadForward 从给定 LSN 开始正向读出全部记录。
// from 为 0 时从日志起点开始。只在恢复路径使用。
func (l *Log) ReadForward(from LSN) ([]Entry, error) {
	l.mu.Lock()
	if err := l.flushLocked(); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	segs := append([]segment(nil), l.segments...)
	l.mu.Unlock()

	if from < firstLSN {
		from = firstLSN
	}

	var result []Entry
	for _, seg := range segs {
		data, err := os.ReadFile(seg.path)
		if err != nil {
			return nil, errors.Wrapf(err, "无法读取 WAL 段 %s", seg.path)
		}

		pos := 0
		for pos < len(data) {
			lsn := seg.start + LSN(pos)
			frameLen, n := binary.Uvarint(data[pos:])
			if n <= 0 || frameLen == 0 {
				break
			}
			end := pos + n + int(frameLen)
			if end > len(data) {
				break
			}
			if lsn >= from {
				rec, err := DecodeRecord(data[pos+n], data[pos+n+1:end])
				if err != nil {
					return nil, errors.Wrapf(err, "WAL 记录 %d 解码失败", lsn)
				}
				result = append(result, Entry{LSN: lsn, Record: rec})
			}
			pos = end
		}
	}
	return result, nil
}

// SequenceIDSource 原子操作单元号发生器：时钟播种 + 递增计数
type SequenceIDSource struct {
	counter atomic.Uint64
}

// NewSequenceIDSource 创建以 seed 为起点的发生器
func NewSequenceIDSource(seed uint64) *SequenceIDSource {
	s := &SequenceIDSource{}
	s.counter.Store(seed)
	return s
}

// NextID 分配下一个操作单元号
func (s *SequenceIDSource) NextID() OperationUnitID {
	return OperationUnitID(s.counter.Add(1))
}
