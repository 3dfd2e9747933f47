/*
JadeStore 值溢出页模块

超过内嵌上限的值写成单向链接的值页链，叶子条目只保存链头页号。
页布局（自持久页载荷起始处）：下一页号(8，-1 为链尾) + 本页字节数(4)
+ 标志(1，bit0 = 链内容已压缩，仅头页有效) + 载荷。

压缩开启时整个值先经 snappy 压缩再切分成链。
*/

package btree

import (
	"github.com/golang/snappy"
	"github.com/util6/JadeStore/durable"
	"github.com/util6/JadeStore/pagecache"
)

const (
	vpNextOffset  = durable.NextFreePosition
	vpChunkOffset = vpNextOffset + 8
	vpFlagsOffset = vpChunkOffset + 4
	vpDataOffset  = vpFlagsOffset + 1

	// vpCapacity 单个值页的载荷容量
	vpCapacity = pagecache.PageSize - vpDataOffset

	vpCompressedFlag byte = 1
)

// ValuePage 值溢出链中的一页
type ValuePage struct {
	page *durable.DurablePage
}

// NewValuePage 建立值页视图
func NewValuePage(page *durable.DurablePage) *ValuePage {
	return &ValuePage{page: page}
}

// NewValuePageFromEntry 在读钉住的缓存条目上建立值页视图
func NewValuePageFromEntry(entry *pagecache.CacheEntry) *ValuePage {
	return &ValuePage{page: durable.NewDurablePage(entry, 0)}
}

// Init 初始化值页
func (v *ValuePage) Init(chunk []byte, compressed bool) {
	v.page.SetLongValue(vpNextOffset, -1)
	v.page.SetIntValue(vpChunkOffset, int32(len(chunk)))
	var flags byte
	if compressed {
		flags |= vpCompressedFlag
	}
	v.page.SetByteValue(vpFlagsOffset, flags)
	v.page.SetBinaryValue(vpDataOffset, chunk)
}

// SetNext 链接下一页
func (v *ValuePage) SetNext(pageIndex int64) {
	v.page.SetLongValue(vpNextOffset, pageIndex)
}

// Next 下一页号（-1 为链尾）
func (v *ValuePage) Next() int64 {
	return v.page.GetLongValue(vpNextOffset)
}

// Compressed 链内容是否已压缩（头页标志）
func (v *ValuePage) Compressed() bool {
	return v.page.GetByteValue(vpFlagsOffset)&vpCompressedFlag != 0
}

// Chunk 本页载荷
func (v *ValuePage) Chunk() []byte {
	size := int(v.page.GetIntValue(vpChunkOffset))
	return v.page.GetBinaryValue(vpDataOffset, size)
}

// writeValueChain 把值写成值页链，返回链头页号
func (t *PrefixBTree) writeValueChain(op *durable.Operation, raw []byte) (int64, error) {
	compressed := false
	if t.compressOverflow {
		packed := snappy.Encode(nil, raw)
		if len(packed) < len(raw) {
			raw = packed
			compressed = true
		}
	}

	var headIndex int64 = -1
	var prev *ValuePage
	var prevPage *durable.DurablePage

	for pos := 0; pos < len(raw) || headIndex < 0; {
		end := pos + vpCapacity
		if end > len(raw) {
			end = len(raw)
		}

		page, err := t.AddPage(op, t.fileID)
		if err != nil {
			return 0, err
		}
		vp := NewValuePage(page)
		vp.Init(raw[pos:end], compressed && headIndex < 0)

		if headIndex < 0 {
			headIndex = page.PageIndex()
		}
		if prev != nil {
			prev.SetNext(page.PageIndex())
			if err := t.ReleasePageFromWrite(op, prevPage); err != nil {
				return 0, err
			}
		}
		prev, prevPage = vp, page
		pos = end
	}

	if prevPage != nil {
		if err := t.ReleasePageFromWrite(op, prevPage); err != nil {
			return 0, err
		}
	}
	return headIndex, nil
}

// readValueChain 读出整条值页链
func (t *PrefixBTree) readValueChain(headIndex int64) ([]byte, error) {
	var out []byte
	compressed := false

	pageIndex := headIndex
	first := true
	for pageIndex >= 0 {
		entry, err := t.LoadPageForRead(t.fileID, pageIndex)
		if err != nil {
			return nil, err
		}
		vp := NewValuePageFromEntry(entry)
		if first {
			compressed = vp.Compressed()
			first = false
		}
		out = append(out, vp.Chunk()...)
		pageIndex = vp.Next()
		t.ReleasePageFromRead(entry)
	}

	if compressed {
		return snappy.Decode(nil, out)
	}
	return out, nil
}
