/*
JadeStore 空键桶模块

启用空键支持的前缀 B+ 树有一个独立的单页文件，保存与空键关联的
唯一值。布局（自持久页载荷起始处）：存在标志(1) + 值长度(4) + 值字节。
*/

package btree

import (
	"github.com/util6/JadeStore/durable"
)

const (
	nullPresentOffset = durable.NextFreePosition
	nullLenOffset     = nullPresentOffset + 1
	nullValueOffset   = nullLenOffset + 4
)

// NullBucket 空键值的单页桶
type NullBucket struct {
	page *durable.DurablePage
}

// NewNullBucket 建立空键桶视图
func NewNullBucket(page *durable.DurablePage) *NullBucket {
	return &NullBucket{page: page}
}

// Init 初始化空键桶
func (n *NullBucket) Init() {
	n.page.SetByteValue(nullPresentOffset, 0)
}

// GetRawValue 空键值的原始字节（不存在时返回 nil）
func (n *NullBucket) GetRawValue() []byte {
	if n.page.GetByteValue(nullPresentOffset) == 0 {
		return nil
	}
	size := int(n.page.GetIntValue(nullLenOffset))
	return n.page.GetBinaryValue(nullValueOffset, size)
}

// SetValue 写入空键值
func (n *NullBucket) SetValue(raw []byte) {
	n.page.SetByteValue(nullPresentOffset, 1)
	n.page.SetIntValue(nullLenOffset, int32(len(raw)))
	n.page.SetBinaryValue(nullValueOffset, raw)
}

// RemoveValue 删除空键值
func (n *NullBucket) RemoveValue() {
	n.page.SetByteValue(nullPresentOffset, 0)
}
