/*
JadeStore 页面布局模块

页面是存储引擎的基本存储单位。固定 64KB 大小，头部保存魔数与该页
最后应用的 WAL 记录的 LSN，其余空间由各类型页面自行组织。

页面头部（16 字节）：
- 0..4   魔数
- 4..12  LSN（最后应用到该页的 WAL 记录序号）
- 12..16 保留

磁盘上的页面 LSN 永远不会超过 WAL 已落盘的 LSN（写前日志规则），
这是崩溃恢复正确性的基础。
*/

package pagecache

import (
	"encoding/binary"

	"github.com/util6/JadeStore/wal"
)

const (
	// PageSize 页面大小（64KB），部署常量，文件一经创建页面大小不再改变
	PageSize = 64 * 1024

	// PageMagic 页面魔数
	PageMagic = 0x4A535047 // "JSPG"

	// magicOffset 魔数偏移
	magicOffset = 0

	// lsnOffset 页面 LSN 偏移
	lsnOffset = 4

	// NextFreePosition 类型化页面载荷的起始偏移
	NextFreePosition = 16
)

// InitPageBuffer 初始化一块空白页面缓冲（写入魔数、清零 LSN）
func InitPageBuffer(buf []byte) {
	binary.LittleEndian.PutUint32(buf[magicOffset:], PageMagic)
	binary.LittleEndian.PutUint64(buf[lsnOffset:], 0)
}

// PageLSN 读取页面头部的 LSN
func PageLSN(buf []byte) wal.LSN {
	return wal.LSN(binary.LittleEndian.Uint64(buf[lsnOffset:]))
}

// SetPageLSN 写入页面头部的 LSN
func SetPageLSN(buf []byte, lsn wal.LSN) {
	binary.LittleEndian.PutUint64(buf[lsnOffset:], uint64(lsn))
}

// VerifyPageBuffer 校验页面魔数
func VerifyPageBuffer(buf []byte) bool {
	return binary.LittleEndian.Uint32(buf[magicOffset:]) == PageMagic
}
