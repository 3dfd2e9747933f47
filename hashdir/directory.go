/*
JadeStore 可扩展哈希目录模块

目录是节点的页式数组。首页保存节点总数、墓碑链头、条目总数与内联
节点；后续溢出页整页放节点。每个节点是 LevelSize 个桶指针加三个
深度字节（左子树最大深度、右子树最大深度、节点局部深度）。

删除节点把下标压入墓碑栈：原墓碑头写进该节点的 0 号指针，墓碑头指向
该节点。AddNewNode 优先复用墓碑（LIFO），从 0 号指针摘出链上的下一个。

访问器按节点下标折算页号与页内局部号：首页内联节点之外的下标落到
溢出页，页不存在时按需分配。
*/

package hashdir

import (
	"github.com/util6/JadeStore/durable"
	"github.com/util6/JadeStore/pagecache"
)

const (
	// LevelDepth 每个节点消耗的哈希位数
	LevelDepth = 8

	// LevelSize 每个节点的桶指针数量
	LevelSize = 1 << LevelDepth

	// nodeSize 节点编码长度：3 个深度字节 + 填充 + 指针数组
	nodeSize = 4 + LevelSize*8

	// 首页字段
	fpTreeSizeOffset  = durable.NextFreePosition
	fpTombstoneOffset = fpTreeSizeOffset + 4
	fpItemCountOffset = fpTombstoneOffset + 4
	fpNodesOffset     = fpItemCountOffset + 8

	// FirstPageNodes 首页可内联的节点数
	FirstPageNodes = (pagecache.PageSize - fpNodesOffset) / nodeSize

	// 溢出页字段
	dpNodesOffset = durable.NextFreePosition

	// NodesPerPage 溢出页的节点数
	NodesPerPage = (pagecache.PageSize - dpNodesOffset) / nodeSize
)

// directoryPage 目录页视图：首页与溢出页只差节点区基址
type directoryPage struct {
	page *durable.DurablePage
	base int
}

func newFirstPage(page *durable.DurablePage) *directoryPage {
	return &directoryPage{page: page, base: fpNodesOffset}
}

func newOverflowPage(page *durable.DurablePage) *directoryPage {
	return &directoryPage{page: page, base: dpNodesOffset}
}

func (p *directoryPage) nodeBase(localIndex int) int {
	return p.base + localIndex*nodeSize
}

func (p *directoryPage) maxLeftChildDepth(localIndex int) byte {
	return p.page.GetByteValue(p.nodeBase(localIndex))
}

func (p *directoryPage) setMaxLeftChildDepth(localIndex int, depth byte) {
	p.page.SetByteValue(p.nodeBase(localIndex), depth)
}

func (p *directoryPage) maxRightChildDepth(localIndex int) byte {
	return p.page.GetByteValue(p.nodeBase(localIndex) + 1)
}

func (p *directoryPage) setMaxRightChildDepth(localIndex int, depth byte) {
	p.page.SetByteValue(p.nodeBase(localIndex)+1, depth)
}

func (p *directoryPage) nodeLocalDepth(localIndex int) byte {
	return p.page.GetByteValue(p.nodeBase(localIndex) + 2)
}

func (p *directoryPage) setNodeLocalDepth(localIndex int, depth byte) {
	p.page.SetByteValue(p.nodeBase(localIndex)+2, depth)
}

func (p *directoryPage) pointer(localIndex, index int) int64 {
	return p.page.GetLongValue(p.nodeBase(localIndex) + 4 + index*8)
}

func (p *directoryPage) setPointer(localIndex, index int, value int64) {
	p.page.SetLongValue(p.nodeBase(localIndex)+4+index*8, value)
}

// Directory 可扩展哈希目录组件
type Directory struct {
	durable.Component

	fileID int64
}

// NewDirectory 创建组件实例（尚未绑定文件，需 Create 或 Open）
func NewDirectory(ctx *durable.Context, name, extension string) *Directory {
	d := &Directory{}
	d.InitComponent(ctx, name, extension)
	return d
}

// FileID 目录文件号
func (d *Directory) FileID() int64 {
	return d.fileID
}

// Create 创建目录文件并初始化首页
func (d *Directory) Create(op *durable.Operation) error {
	fileID, err := d.AddFile(op, d.FullName())
	if err != nil {
		return err
	}
	d.fileID = fileID
	return d.init(op)
}

func (d *Directory) init(op *durable.Operation) error {
	filled, err := d.GetFilledUpTo(d.fileID)
	if err != nil {
		return err
	}

	var page *durable.DurablePage
	if filled == 0 {
		if page, err = d.AddPage(op, d.fileID); err != nil {
			return err
		}
	} else {
		if page, err = d.LoadPageForWrite(op, d.fileID, 0); err != nil {
			return err
		}
	}
	d.PinPage(page)

	page.SetIntValue(fpTreeSizeOffset, 0)
	page.SetIntValue(fpTombstoneOffset, -1)
	page.SetLongValue(fpItemCountOffset, 0)
	return d.ReleasePageFromWrite(op, page)
}

// Open 打开已有目录，钉住全部目录页
func (d *Directory) Open() error {
	fileID, err := d.OpenFile(d.FullName())
	if err != nil {
		return err
	}
	d.fileID = fileID

	filled, err := d.GetFilledUpTo(d.fileID)
	if err != nil {
		return err
	}
	for i := int64(0); i < filled; i++ {
		entry, err := d.LoadPageForRead(d.fileID, i)
		if err != nil {
			return err
		}
		d.PinEntry(entry)
		d.ReleasePageFromRead(entry)
	}
	return nil
}

// Close 关闭目录文件
func (d *Directory) Close() error {
	return d.CloseFile(d.fileID)
}

// Delete 删除目录文件（提交点生效）
func (d *Directory) Delete(op *durable.Operation) error {
	return d.DeleteFile(op, d.fileID)
}

// Clear 清空目录并重建首页
func (d *Directory) Clear(op *durable.Operation) error {
	if err := d.TruncateFile(d.fileID); err != nil {
		return err
	}
	return d.init(op)
}

// Flush 目录文件落盘
func (d *Directory) Flush() error {
	return d.Ctx().ReadCache.FlushFile(d.fileID)
}

// nodePosition 节点下标到 (页号, 页内局部号) 的折算
func nodePosition(nodeIndex int) (pageIndex int64, localIndex int) {
	if nodeIndex < FirstPageNodes {
		return 0, nodeIndex
	}
	overflow := nodeIndex - FirstPageNodes
	return 1 + int64(overflow/NodesPerPage), overflow % NodesPerPage
}

// loadNodePageForWrite 加载节点所在页（写），溢出页不存在时按需分配
func (d *Directory) loadNodePageForWrite(op *durable.Operation, pageIndex int64) (*directoryPage, *durable.DurablePage, error) {
	filled, err := d.GetFilledUpTo(d.fileID)
	if err != nil {
		return nil, nil, err
	}
	for filled <= pageIndex {
		page, aerr := d.AddPage(op, d.fileID)
		if aerr != nil {
			return nil, nil, aerr
		}
		d.PinPage(page)
		if aerr = d.ReleasePageFromWrite(op, page); aerr != nil {
			return nil, nil, aerr
		}
		filled++
	}

	page, err := d.LoadPageForWrite(op, d.fileID, pageIndex)
	if err != nil {
		return nil, nil, err
	}
	if pageIndex == 0 {
		return newFirstPage(page), page, nil
	}
	return newOverflowPage(page), page, nil
}

// AddNewNode 分配节点：优先复用墓碑，否则追加。返回节点下标。
func (d *Directory) AddNewNode(op *durable.Operation, maxLeftChildDepth, maxRightChildDepth, nodeLocalDepth byte,
	newNode []int64) (int, error) {

	firstDP, err := d.LoadPageForWrite(op, d.fileID, 0)
	if err != nil {
		return 0, err
	}
	fp := newFirstPage(firstDP)

	tombstone := int(firstDP.GetIntValue(fpTombstoneOffset))

	var nodeIndex int
	if tombstone >= 0 {
		nodeIndex = tombstone
	} else {
		nodeIndex = int(firstDP.GetIntValue(fpTreeSizeOffset))
		firstDP.SetIntValue(fpTreeSizeOffset, int32(nodeIndex+1))
	}

	if nodeIndex < FirstPageNodes {
		fp.setMaxLeftChildDepth(nodeIndex, maxLeftChildDepth)
		fp.setMaxRightChildDepth(nodeIndex, maxRightChildDepth)
		fp.setNodeLocalDepth(nodeIndex, nodeLocalDepth)

		if tombstone >= 0 {
			firstDP.SetIntValue(fpTombstoneOffset, int32(fp.pointer(nodeIndex, 0)))
		}
		for i, ptr := range newNode {
			fp.setPointer(nodeIndex, i, ptr)
		}
	} else {
		pageIndex, localIndex := nodePosition(nodeIndex)
		dp, page, perr := d.loadNodePageForWrite(op, pageIndex)
		if perr != nil {
			d.ReleasePageFromWrite(op, firstDP)
			return 0, perr
		}

		dp.setMaxLeftChildDepth(localIndex, maxLeftChildDepth)
		dp.setMaxRightChildDepth(localIndex, maxRightChildDepth)
		dp.setNodeLocalDepth(localIndex, nodeLocalDepth)

		if tombstone >= 0 {
			firstDP.SetIntValue(fpTombstoneOffset, int32(dp.pointer(localIndex, 0)))
		}
		for i, ptr := range newNode {
			dp.setPointer(localIndex, i, ptr)
		}

		if perr = d.ReleasePageFromWrite(op, page); perr != nil {
			d.ReleasePageFromWrite(op, firstDP)
			return 0, perr
		}
	}

	if err = d.ReleasePageFromWrite(op, firstDP); err != nil {
		return 0, err
	}
	return nodeIndex, nil
}

// DeleteNode 删除节点：压入墓碑栈，槽位可被 AddNewNode 复用
func (d *Directory) DeleteNode(op *durable.Operation, nodeIndex int) error {
	firstDP, err := d.LoadPageForWrite(op, d.fileID, 0)
	if err != nil {
		return err
	}
	fp := newFirstPage(firstDP)

	tombstone := firstDP.GetIntValue(fpTombstoneOffset)

	if nodeIndex < FirstPageNodes {
		fp.setPointer(nodeIndex, 0, int64(tombstone))
	} else {
		pageIndex, localIndex := nodePosition(nodeIndex)
		dp, page, perr := d.loadNodePageForWrite(op, pageIndex)
		if perr != nil {
			d.ReleasePageFromWrite(op, firstDP)
			return perr
		}
		dp.setPointer(localIndex, 0, int64(tombstone))
		if perr = d.ReleasePageFromWrite(op, page); perr != nil {
			d.ReleasePageFromWrite(op, firstDP)
			return perr
		}
	}

	firstDP.SetIntValue(fpTombstoneOffset, int32(nodeIndex))
	return d.ReleasePageFromWrite(op, firstDP)
}

// withNodeRead 以读钉访问节点所在页
func (d *Directory) withNodeRead(nodeIndex int, fn func(dp *directoryPage, localIndex int)) error {
	pageIndex, localIndex := nodePosition(nodeIndex)
	entry, err := d.LoadPageForRead(d.fileID, pageIndex)
	if err != nil {
		return err
	}
	defer d.ReleasePageFromRead(entry)

	page := durable.NewDurablePage(entry, 0)
	if pageIndex == 0 {
		fn(newFirstPage(page), localIndex)
	} else {
		fn(newOverflowPage(page), localIndex)
	}
	return nil
}

// withNodeWrite 以写钉访问节点所在页
func (d *Directory) withNodeWrite(op *durable.Operation, nodeIndex int, fn func(dp *directoryPage, localIndex int)) error {
	pageIndex, localIndex := nodePosition(nodeIndex)
	dp, page, err := d.loadNodePageForWrite(op, pageIndex)
	if err != nil {
		return err
	}
	fn(dp, localIndex)
	return d.ReleasePageFromWrite(op, page)
}

// MaxLeftChildDepth 节点左子树最大深度
func (d *Directory) MaxLeftChildDepth(nodeIndex int) (depth byte, err error) {
	err = d.withNodeRead(nodeIndex, func(dp *directoryPage, local int) {
		depth = dp.maxLeftChildDepth(local)
	})
	return depth, err
}

// SetMaxLeftChildDepth 更新节点左子树最大深度
func (d *Directory) SetMaxLeftChildDepth(op *durable.Operation, nodeIndex int, depth byte) error {
	return d.withNodeWrite(op, nodeIndex, func(dp *directoryPage, local int) {
		dp.setMaxLeftChildDepth(local, depth)
	})
}

// MaxRightChildDepth 节点右子树最大深度
func (d *Directory) MaxRightChildDepth(nodeIndex int) (depth byte, err error) {
	err = d.withNodeRead(nodeIndex, func(dp *directoryPage, local int) {
		depth = dp.maxRightChildDepth(local)
	})
	return depth, err
}

// SetMaxRightChildDepth 更新节点右子树最大深度
func (d *Directory) SetMaxRightChildDepth(op *durable.Operation, nodeIndex int, depth byte) error {
	return d.withNodeWrite(op, nodeIndex, func(dp *directoryPage, local int) {
		dp.setMaxRightChildDepth(local, depth)
	})
}

// NodeLocalDepth 节点局部深度
func (d *Directory) NodeLocalDepth(nodeIndex int) (depth byte, err error) {
	err = d.withNodeRead(nodeIndex, func(dp *directoryPage, local int) {
		depth = dp.nodeLocalDepth(local)
	})
	return depth, err
}

// SetNodeLocalDepth 更新节点局部深度
func (d *Directory) SetNodeLocalDepth(op *durable.Operation, nodeIndex int, depth byte) error {
	return d.withNodeWrite(op, nodeIndex, func(dp *directoryPage, local int) {
		dp.setNodeLocalDepth(local, depth)
	})
}

// Node 读出整个节点的指针数组
func (d *Directory) Node(nodeIndex int) (node []int64, err error) {
	node = make([]int64, LevelSize)
	err = d.withNodeRead(nodeIndex, func(dp *directoryPage, local int) {
		for i := 0; i < LevelSize; i++ {
			node[i] = dp.pointer(local, i)
		}
	})
	return node, err
}

// SetNode 整体写入节点的指针数组
func (d *Directory) SetNode(op *durable.Operation, nodeIndex int, node []int64) error {
	return d.withNodeWrite(op, nodeIndex, func(dp *directoryPage, local int) {
		for i := 0; i < LevelSize; i++ {
			dp.setPointer(local, i, node[i])
		}
	})
}

// NodePointer 读单个指针
func (d *Directory) NodePointer(nodeIndex, index int) (ptr int64, err error) {
	err = d.withNodeRead(nodeIndex, func(dp *directoryPage, local int) {
		ptr = dp.pointer(local, index)
	})
	return ptr, err
}

// SetNodePointer 写单个指针
func (d *Directory) SetNodePointer(op *durable.Operation, nodeIndex, index int, ptr int64) error {
	return d.withNodeWrite(op, nodeIndex, func(dp *directoryPage, local int) {
		dp.setPointer(local, index, ptr)
	})
}

// TreeSize 节点总数
func (d *Directory) TreeSize() (int, error) {
	entry, err := d.LoadPageForRead(d.fileID, 0)
	if err != nil {
		return 0, err
	}
	defer d.ReleasePageFromRead(entry)
	return int(durable.NewDurablePage(entry, 0).GetIntValue(fpTreeSizeOffset)), nil
}

// ItemCount 表内条目总数
func (d *Directory) ItemCount() (int64, error) {
	entry, err := d.LoadPageForRead(d.fileID, 0)
	if err != nil {
		return 0, err
	}
	defer d.ReleasePageFromRead(entry)
	return durable.NewDurablePage(entry, 0).GetLongValue(fpItemCountOffset), nil
}

// UpdateItemCount 调整条目总数
func (d *Directory) UpdateItemCount(op *durable.Operation, diff int64) error {
	page, err := d.LoadPageForWrite(op, d.fileID, 0)
	if err != nil {
		return err
	}
	page.SetLongValue(fpItemCountOffset, page.GetLongValue(fpItemCountOffset)+diff)
	return d.ReleasePageFromWrite(op, page)
}
