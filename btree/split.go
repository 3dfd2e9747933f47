/*
JadeStore 前缀 B+ 树查找与分裂模块

查找有两条路径：
- findBucket 记录 (页号, 条目位置) 路径，供读取与游标回溯；
- findBucketForUpdate 额外收集每层的左右边界键（父桶相邻条目的完整
  键），分裂时以边界键与分隔键的公共前缀作为新桶前缀。

分裂算法：
- 桶小于 100 条时取中位条目；叶子分裂的分隔键取
  min_separation_key(左邻后缀, 中位后缀)，即比左邻大的、中位键的
  最短前缀；
- 桶不小于 100 条时在中位 ±5% 的窗口内挑选使分隔键最短的分裂点；
- 新右桶前缀 = commonPrefix(分隔键, 父层右边界)，左桶前缀 =
  commonPrefix(父层左边界, 分隔键)，两侧条目按新前缀重编码；
- 分隔键插入父桶，父桶放不下时递归分裂；根分裂新建左右两个子桶，
  根桶重建为单分隔键的内部桶。
*/

package btree

import (
	"github.com/pkg/errors"
	"github.com/util6/JadeStore/durable"
	"github.com/util6/JadeStore/utils"
)

// searchResult 查找路径：页号序列与每层的条目位置标记
type searchResult struct {
	itemIndex int
	path      []int64
	items     []int
}

func (r searchResult) lastPathItem() int64 {
	return r.path[len(r.path)-1]
}

// updateSearchResult 更新路径：页号序列与每层的左右边界键
type updateSearchResult struct {
	itemIndex       int
	path            []int64
	leftBoundaries  []*string
	rightBoundaries []*string
}

func (r updateSearchResult) lastPathItem() int64 {
	return r.path[len(r.path)-1]
}

// findBucket 自根下降定位键所在叶子。items 标记每层的走向：
// 内部层为 entryIndex+1（右子）或 -(entryIndex+1)（左子），叶子层为
// 原始查找结果。
func (t *PrefixBTree) findBucket(key string) (searchResult, error) {
	pageIndex := int64(rootIndex)
	res := searchResult{itemIndex: -1}

	for {
		if len(res.path) > t.maxPathLength {
			return res, errors.Wrapf(utils.ErrMaxDepthReached, "tree %s, key %q", t.Name(), key)
		}
		res.path = append(res.path, pageIndex)

		entry, err := t.LoadPageForRead(t.fileID, pageIndex)
		if err != nil {
			return res, err
		}
		bucket := NewBucketFromEntry(entry)

		index := bucket.Find(key)

		var entryIndex, itemIndex int
		if index >= 0 {
			entryIndex = index
			itemIndex = entryIndex + 1
		} else {
			insertionIndex := -index - 1
			if insertionIndex >= bucket.Size() {
				entryIndex = insertionIndex - 1
				itemIndex = entryIndex + 1
			} else {
				entryIndex = insertionIndex
				itemIndex = -(entryIndex + 1)
			}
		}

		if bucket.IsLeaf() {
			res.items = append(res.items, index)
			res.itemIndex = index
			t.ReleasePageFromRead(entry)
			return res, nil
		}
		res.items = append(res.items, itemIndex)

		if itemIndex > 0 {
			pageIndex = bucket.GetRight(entryIndex)
		} else {
			pageIndex = bucket.GetLeft(entryIndex)
		}
		t.ReleasePageFromRead(entry)
	}
}

// findBucketForUpdate 自根下降并收集每层的左右边界键
func (t *PrefixBTree) findBucketForUpdate(key string) (updateSearchResult, error) {
	pageIndex := int64(rootIndex)
	res := updateSearchResult{}

	for {
		if len(res.path) > t.maxPathLength {
			return res, errors.Wrapf(utils.ErrMaxDepthReached, "tree %s, key %q", t.Name(), key)
		}
		res.path = append(res.path, pageIndex)

		entry, err := t.LoadPageForRead(t.fileID, pageIndex)
		if err != nil {
			return res, err
		}
		bucket := NewBucketFromEntry(entry)

		index := bucket.Find(key)
		if bucket.IsLeaf() {
			res.leftBoundaries = append(res.leftBoundaries, nil)
			res.rightBoundaries = append(res.rightBoundaries, nil)
			res.itemIndex = index
			t.ReleasePageFromRead(entry)
			return res, nil
		}

		right := true
		var entryIndex int
		if index >= 0 {
			entryIndex = index
		} else {
			insertionIndex := -index - 1
			if insertionIndex >= bucket.Size() {
				entryIndex = insertionIndex - 1
			} else {
				entryIndex = insertionIndex
				right = false
			}
		}

		e := bucket.GetEntry(entryIndex)
		if right {
			pageIndex = e.RightChild
			res.leftBoundaries = append(res.leftBoundaries, strPtr(e.Key))
			if entryIndex < bucket.Size()-1 {
				res.rightBoundaries = append(res.rightBoundaries, strPtr(bucket.Key(entryIndex+1)))
			} else {
				res.rightBoundaries = append(res.rightBoundaries, nil)
			}
		} else {
			pageIndex = e.LeftChild
			res.rightBoundaries = append(res.rightBoundaries, strPtr(e.Key))
			if entryIndex > 0 {
				res.leftBoundaries = append(res.leftBoundaries, strPtr(bucket.Key(entryIndex-1)))
			} else {
				res.leftBoundaries = append(res.leftBoundaries, nil)
			}
		}
		t.ReleasePageFromRead(entry)
	}
}

func strPtr(s string) *string { return &s }

// findMinSeparationKey 比 keyLeft 大的、keyRight 的最短前缀
func findMinSeparationKey(keyLeft, keyRight string) string {
	minLen := len(keyLeft)
	if len(keyRight) < minLen {
		minLen = len(keyRight)
	}
	for i := 0; i < minLen; i++ {
		if keyLeft[i] != keyRight[i] {
			return keyRight[:i+1]
		}
	}
	if len(keyRight) == minLen {
		return keyRight
	}
	return keyRight[:minLen+1]
}

// findCommonPrefix 边界键与分隔键的公共前缀
func findCommonPrefix(keyOne, keyTwo string) string {
	commonLen := len(keyOne)
	if len(keyTwo) < commonLen {
		commonLen = len(keyTwo)
	}

	commonIndex := -1
	suffix := ""
	for i := 0; i < commonLen; i++ {
		res := int(keyOne[i]) - int(keyTwo[i])
		if res == 0 {
			commonIndex = i
			continue
		}
		if res == -1 && i == commonLen-1 && commonLen == len(keyTwo) {
			suffix = string(keyOne[i])
		}
		break
	}

	if commonIndex == -1 {
		return ""
	}
	return keyOne[:commonIndex+1] + suffix
}

// chooseSplitPoint 选定分裂点与分隔键
func chooseSplitPoint(bucket *Bucket, splitLeaf bool) (indexToSplit int, separator string) {
	bucketSize := bucket.Size()
	indexToSplit = bucketSize >> 1

	if bucketSize < largeBucketThreshold {
		separationKeyRight := bucket.KeyWithoutPrefix(indexToSplit)
		var separationKey string
		if splitLeaf && indexToSplit > 0 {
			separationKeyLeft := bucket.KeyWithoutPrefix(indexToSplit - 1)
			separationKey = findMinSeparationKey(separationKeyLeft, separationKeyRight)
		} else {
			separationKey = separationKeyRight
		}
		return indexToSplit, bucket.BucketPrefix() + separationKey
	}

	// 大桶：在中位 ±5% 的窗口内挑选最短分隔键
	diff := (bucketSize / 10) / 2
	startIndex := indexToSplit - diff
	endIndex := indexToSplit + diff + 1

	if splitLeaf {
		prevKey := bucket.KeyWithoutPrefix(startIndex - 1)
		curKey := bucket.KeyWithoutPrefix(startIndex)
		minKey := findMinSeparationKey(prevKey, curKey)

		absMinKey := minKey
		absMinIndex := startIndex

		prevKey = curKey
		for i := startIndex + 1; i < endIndex; i++ {
			curKey = bucket.KeyWithoutPrefix(i)
			minKey = findMinSeparationKey(prevKey, curKey)
			if len(minKey) < len(absMinKey) {
				absMinKey = minKey
				absMinIndex = i
			}
			prevKey = curKey
		}
		return absMinIndex, bucket.BucketPrefix() + absMinKey
	}

	absMinKey := ""
	absMinIndex := -1
	for i := startIndex; i < endIndex; i++ {
		curKey := bucket.KeyWithoutPrefix(i)
		if absMinIndex < 0 || len(curKey) < len(absMinKey) {
			absMinKey = curKey
			absMinIndex = i
		}
	}
	return absMinIndex, bucket.BucketPrefix() + absMinKey
}

// splitBucket 分裂当前桶，返回继续插入所用的新路径与条目位置
func (t *PrefixBTree) splitBucket(op *durable.Operation, bucketToSplit *Bucket, bucketPage *durable.DurablePage,
	res updateSearchResult, keyIndex int, keyToInsert string) (updateSearchResult, error) {

	pageIndex := res.lastPathItem()
	splitLeaf := bucketToSplit.IsLeaf()
	bucketSize := bucketToSplit.Size()

	indexToSplit, separator := chooseSplitPoint(bucketToSplit, splitLeaf)

	startRightIndex := indexToSplit
	if !splitLeaf {
		startRightIndex = indexToSplit + 1
	}
	rightEntries := bucketToSplit.Entries(startRightIndex, bucketSize)

	if pageIndex != rootIndex {
		return t.splitNonRootBucket(op, bucketToSplit, res, keyIndex, keyToInsert,
			pageIndex, splitLeaf, indexToSplit, separator, rightEntries)
	}
	return t.splitRootBucket(op, bucketToSplit, bucketPage, res, keyIndex, keyToInsert,
		splitLeaf, indexToSplit, separator, rightEntries)
}

// splitNonRootBucket 非根分裂：新建右桶、左右桶换前缀重编码、
// 分隔键插入父桶（父桶满时递归分裂）
func (t *PrefixBTree) splitNonRootBucket(op *durable.Operation, bucketToSplit *Bucket,
	res updateSearchResult, keyIndex int, keyToInsert string, pageIndex int64,
	splitLeaf bool, indexToSplit int, separator string, rightEntries []Entry) (updateSearchResult, error) {

	path := res.path
	leftBoundaries := res.leftBoundaries
	rightBoundaries := res.rightBoundaries

	rightBucketPage, err := t.AddPage(op, t.fileID)
	if err != nil {
		return res, err
	}

	leftBoundary := leftBoundaries[len(leftBoundaries)-2]
	rightBoundary := rightBoundaries[len(rightBoundaries)-2]

	leftBucketPrefix := ""
	if leftBoundary != nil {
		leftBucketPrefix = findCommonPrefix(*leftBoundary, separator)
	}
	rightBucketPrefix := ""
	if rightBoundary != nil {
		rightBucketPrefix = findCommonPrefix(separator, *rightBoundary)
	}

	newRightBucket := NewBucket(rightBucketPage)
	newRightBucket.Init(splitLeaf, rightBucketPrefix)
	newRightBucket.AddAllWithPrefix(rightEntries, rightBucketPrefix)
	rightPageIndex := rightBucketPage.PageIndex()

	bucketToSplit.ShrinkWithPrefix(indexToSplit, leftBucketPrefix)

	parentIndex := path[len(path)-2]
	parentPage, err := t.LoadPageForWrite(op, t.fileID, parentIndex)
	if err != nil {
		t.ReleasePageFromWrite(op, rightBucketPage)
		return res, err
	}
	parentBucket := NewBucket(parentPage)

	insertionIndex := parentBucket.Find(separator)
	insertionIndex = -insertionIndex - 1

	for !parentBucket.AddInternalEntry(insertionIndex,
		suffixOf(separator, parentBucket.BucketPrefix()), pageIndex, rightPageIndex) {

		parentRes := updateSearchResult{
			itemIndex:       insertionIndex,
			path:            path[:len(path)-1],
			leftBoundaries:  leftBoundaries[:len(leftBoundaries)-1],
			rightBoundaries: rightBoundaries[:len(rightBoundaries)-1],
		}
		parentRes, err = t.splitBucket(op, parentBucket, parentPage, parentRes, insertionIndex, separator)
		if err != nil {
			t.ReleasePageFromWrite(op, parentPage)
			t.ReleasePageFromWrite(op, rightBucketPage)
			return res, err
		}

		newParentIndex := parentRes.lastPathItem()
		insertionIndex = parentRes.itemIndex

		// 占位保持层数一致，回填当前层
		path = append(parentRes.path, 0)
		leftBoundaries = append(parentRes.leftBoundaries, nil)
		rightBoundaries = append(parentRes.rightBoundaries, nil)

		if newParentIndex != parentPage.PageIndex() {
			if err = t.ReleasePageFromWrite(op, parentPage); err != nil {
				t.ReleasePageFromWrite(op, rightBucketPage)
				return res, err
			}
			if parentPage, err = t.LoadPageForWrite(op, t.fileID, newParentIndex); err != nil {
				t.ReleasePageFromWrite(op, rightBucketPage)
				return res, err
			}
		}
		parentBucket = NewBucket(parentPage)
		parentIndex = newParentIndex
	}

	// 结果路径：去掉占位层，落到分裂后的左桶或右桶
	resultPath := append([]int64(nil), path[:len(path)-1]...)
	resultLeft := append([]*string(nil), leftBoundaries[:len(leftBoundaries)-1]...)
	resultRight := append([]*string(nil), rightBoundaries[:len(rightBoundaries)-1]...)

	var out updateSearchResult
	if keyToInsert < separator {
		resultPath = append(resultPath, pageIndex)
		resultRight = append(resultRight, strPtr(separator))
		if insertionIndex > 0 {
			resultLeft = append(resultLeft, strPtr(parentBucket.Key(insertionIndex-1)))
		} else {
			resultLeft = append(resultLeft, nil)
		}
		out = updateSearchResult{itemIndex: keyIndex, path: resultPath,
			leftBoundaries: resultLeft, rightBoundaries: resultRight}
	} else {
		resultPath = append(resultPath, rightPageIndex)
		resultLeft = append(resultLeft, strPtr(separator))
		if insertionIndex < parentBucket.Size()-1 {
			resultRight = append(resultRight, strPtr(parentBucket.Key(insertionIndex+1)))
		} else {
			resultRight = append(resultRight, nil)
		}
		itemIndex := keyIndex - indexToSplit
		if !splitLeaf {
			itemIndex--
		}
		out = updateSearchResult{itemIndex: itemIndex, path: resultPath,
			leftBoundaries: resultLeft, rightBoundaries: resultRight}
	}

	if err = t.ReleasePageFromWrite(op, parentPage); err != nil {
		t.ReleasePageFromWrite(op, rightBucketPage)
		return res, err
	}
	if err = t.ReleasePageFromWrite(op, rightBucketPage); err != nil {
		return res, err
	}
	return out, nil
}

// splitRootBucket 根分裂：新建左右子桶，根桶重建为单分隔键的内部桶
func (t *PrefixBTree) splitRootBucket(op *durable.Operation, bucketToSplit *Bucket,
	rootPage *durable.DurablePage, res updateSearchResult, keyIndex int, keyToInsert string,
	splitLeaf bool, indexToSplit int, separator string, rightEntries []Entry) (updateSearchResult, error) {

	treeSize := bucketToSplit.TreeSize()
	leftEntries := bucketToSplit.Entries(0, indexToSplit)

	leftBucketPage, err := t.AddPage(op, t.fileID)
	if err != nil {
		return res, err
	}
	newLeftBucket := NewBucket(leftBucketPage)
	newLeftBucket.Init(splitLeaf, "")
	newLeftBucket.AddAllWithPrefix(leftEntries, "")
	leftPageIndex := leftBucketPage.PageIndex()
	if err = t.ReleasePageFromWrite(op, leftBucketPage); err != nil {
		return res, err
	}

	rightBucketPage, err := t.AddPage(op, t.fileID)
	if err != nil {
		return res, err
	}
	newRightBucket := NewBucket(rightBucketPage)
	newRightBucket.Init(splitLeaf, "")
	newRightBucket.AddAllWithPrefix(rightEntries, "")
	rightPageIndex := rightBucketPage.PageIndex()
	if err = t.ReleasePageFromWrite(op, rightBucketPage); err != nil {
		return res, err
	}

	bucketToSplit.Init(false, "")
	bucketToSplit.SetTreeSize(treeSize)
	bucketToSplit.AddInternalEntry(0, separator, leftPageIndex, rightPageIndex)

	// 根页仍由调用方持有写钉，但本层的记录要先排入 WAL
	if err = t.LogPageOperations(op, rootPage); err != nil {
		return res, err
	}

	resultPath := append([]int64(nil), res.path[:len(res.path)-1]...)
	resultLeft := []*string{nil, nil}
	resultRight := []*string{nil, nil}

	if keyToInsert < separator {
		resultPath = append(resultPath, leftPageIndex)
		return updateSearchResult{itemIndex: keyIndex, path: resultPath,
			leftBoundaries: resultLeft, rightBoundaries: resultRight}, nil
	}

	resultPath = append(resultPath, rightPageIndex)
	itemIndex := keyIndex - indexToSplit
	if !splitLeaf {
		itemIndex--
	}
	return updateSearchResult{itemIndex: itemIndex, path: resultPath,
		leftBoundaries: resultLeft, rightBoundaries: resultRight}, nil
}
