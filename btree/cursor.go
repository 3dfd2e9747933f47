/*
JadeStore 前缀 B+ 树游标模块

游标按批预取：每批自根重新下降（以上一批最后返回的键为起点），沿
查找路径在叶子内推进，叶子耗尽时回溯到最近的、还有未访问右（左）
子树的祖先再下降到下一个叶子。游标同一时刻至多读钉一个页面，不持有
任何写锁；预取批大小可通过 prefetchSize 提示。
*/

package btree

import (
	"github.com/util6/JadeStore/pagecache"
)

// CursorEntry 游标返回的键值对
type CursorEntry struct {
	Key   string
	Value interface{}
}

// pathItem 回溯路径上的 (页号, 条目位置标记)
type pathItem struct {
	pageIndex int64
	itemIndex int
}

// Cursor 范围游标
type Cursor interface {
	// Next 返回下一个条目。prefetchSize <= 0 时使用默认批大小。
	// 区间耗尽时 ok 为 false。
	Next(prefetchSize int) (entry CursorEntry, ok bool, err error)
}

// KeyCursor 全键游标
type KeyCursor interface {
	Next(prefetchSize int) (key string, ok bool, err error)
}

// IterateEntriesBetween 区间游标
func (t *PrefixBTree) IterateEntriesBetween(keyFrom string, fromInclusive bool,
	keyTo string, toInclusive bool, ascOrder bool) Cursor {

	from := strPtr(t.preprocess(keyFrom))
	to := strPtr(t.preprocess(keyTo))
	if ascOrder {
		return newForwardCursor(t, from, to, fromInclusive, toInclusive)
	}
	return newBackwardCursor(t, from, to, fromInclusive, toInclusive)
}

// IterateEntriesMajor 自 key 起（含/不含）的游标
func (t *PrefixBTree) IterateEntriesMajor(key string, inclusive, ascOrder bool) Cursor {
	k := strPtr(t.preprocess(key))
	if ascOrder {
		return newForwardCursor(t, k, nil, inclusive, false)
	}
	return newBackwardCursor(t, k, nil, inclusive, false)
}

// IterateEntriesMinor 至 key 止（含/不含）的游标
func (t *PrefixBTree) IterateEntriesMinor(key string, inclusive, ascOrder bool) Cursor {
	k := strPtr(t.preprocess(key))
	if ascOrder {
		return newForwardCursor(t, nil, k, false, inclusive)
	}
	return newBackwardCursor(t, nil, k, false, inclusive)
}

// KeyCursor 全键正向游标
func (t *PrefixBTree) KeyCursor() KeyCursor {
	return &fullKeyCursor{inner: newForwardCursor(t, nil, nil, true, false)}
}

type fullKeyCursor struct {
	inner *forwardCursor
}

func (c *fullKeyCursor) Next(prefetchSize int) (string, bool, error) {
	entry, ok, err := c.inner.Next(prefetchSize)
	return entry.Key, ok, err
}

// ---------------------------------------------------------------------------
// 正向游标
// ---------------------------------------------------------------------------

type forwardCursor struct {
	tree *PrefixBTree

	fromKey *string
	toKey   *string

	fromInclusive bool
	toInclusive   bool

	cache    []CursorEntry
	cachePos int
	done     bool
}

func newForwardCursor(t *PrefixBTree, fromKey, toKey *string, fromInclusive, toInclusive bool) *forwardCursor {
	if fromKey == nil {
		fromInclusive = true
	}
	return &forwardCursor{tree: t, fromKey: fromKey, toKey: toKey,
		fromInclusive: fromInclusive, toInclusive: toInclusive}
}

func (c *forwardCursor) Next(prefetchSize int) (CursorEntry, bool, error) {
	if c.done {
		return CursorEntry{}, false, nil
	}
	if c.cachePos < len(c.cache) {
		entry := c.cache[c.cachePos]
		c.cachePos++
		c.fromKey = strPtr(entry.Key)
		c.fromInclusive = false
		return entry, true, nil
	}

	if prefetchSize <= 0 || prefetchSize > 10*DefaultCursorPrefetchSize {
		prefetchSize = DefaultCursorPrefetchSize
	}

	if err := c.fetch(prefetchSize); err != nil {
		return CursorEntry{}, false, err
	}
	if len(c.cache) == 0 {
		c.done = true
		return CursorEntry{}, false, nil
	}

	entry := c.cache[0]
	c.cachePos = 1
	c.fromKey = strPtr(entry.Key)
	c.fromInclusive = false
	return entry, true, nil
}

// fetch 预取下一批条目
func (c *forwardCursor) fetch(prefetchSize int) error {
	t := c.tree
	c.cache = c.cache[:0]
	c.cachePos = 0

	t.AcquireAtomicReadLock()
	defer t.ReleaseAtomicReadLock()
	t.AcquireSharedLock()
	defer t.ReleaseSharedLock()

	var res searchResult
	var err error
	if c.fromKey != nil {
		res, err = t.findBucket(*c.fromKey)
	} else {
		var found bool
		res, found, err = t.firstItem()
		if err == nil && !found {
			return nil
		}
	}
	if err != nil {
		return err
	}

	var itemIndex int
	if res.itemIndex >= 0 {
		if c.fromKey == nil || c.fromInclusive {
			itemIndex = res.itemIndex
		} else {
			itemIndex = res.itemIndex + 1
		}
	} else {
		itemIndex = -res.itemIndex - 1
	}

	currentPath := make([]pathItem, 0, len(res.path))
	for i := range res.path {
		currentPath = append(currentPath, pathItem{pageIndex: res.path[i], itemIndex: res.items[i]})
	}

	entry, err := t.LoadPageForRead(t.fileID, res.lastPathItem())
	if err != nil {
		return err
	}
	bucket := NewBucketFromEntry(entry)

	defer func() {
		if entry != nil {
			t.ReleasePageFromRead(entry)
		}
	}()

	for len(c.cache) < prefetchSize {
		for itemIndex >= bucket.Size() {
			t.ReleasePageFromRead(entry)
			entry = nil

			currentPath = currentPath[:len(currentPath)-1] // 弹出叶子
			var next *pathItem

			// 上行找到第一个还有未访问右子树的祖先
			for len(currentPath) > 0 {
				top := currentPath[len(currentPath)-1]

				parentEntry, perr := t.LoadPageForRead(t.fileID, top.pageIndex)
				if perr != nil {
					return perr
				}
				parentBucket := NewBucketFromEntry(parentEntry)

				cItemIndex := abs(top.itemIndex) - 1
				if top.itemIndex > 0 {
					cItemIndex++
				}

				currentPath = currentPath[:len(currentPath)-1]
				if cItemIndex >= parentBucket.Size() {
					t.ReleasePageFromRead(parentEntry)
					continue
				}

				currentPath = append(currentPath, pathItem{pageIndex: top.pageIndex, itemIndex: cItemIndex + 1})
				childIndex := parentBucket.GetRight(cItemIndex)
				t.ReleasePageFromRead(parentEntry)

				if entry, err = t.LoadPageForRead(t.fileID, childIndex); err != nil {
					return err
				}
				bucket = NewBucketFromEntry(entry)
				next = &currentPath[len(currentPath)-1]
				break
			}

			if next == nil {
				return nil
			}

			// 沿左支下到下一个叶子
			for !bucket.IsLeaf() {
				currentPath = append(currentPath, pathItem{pageIndex: entry.PageIndex(), itemIndex: -1})
				childIndex := bucket.GetLeft(0)
				t.ReleasePageFromRead(entry)
				if entry, err = t.LoadPageForRead(t.fileID, childIndex); err != nil {
					return err
				}
				bucket = NewBucketFromEntry(entry)
			}
			currentPath = append(currentPath, pathItem{pageIndex: entry.PageIndex(), itemIndex: 0})
			itemIndex = 0
		}

		e := bucket.GetEntry(itemIndex)
		itemIndex++

		value, verr := t.readValue(e.Value)
		if verr != nil {
			return verr
		}

		if c.fromKey != nil {
			if c.fromInclusive {
				if e.Key < *c.fromKey {
					continue
				}
			} else if e.Key <= *c.fromKey {
				continue
			}
		}
		if c.toKey != nil {
			if c.toInclusive {
				if e.Key > *c.toKey {
					return nil
				}
			} else if e.Key >= *c.toKey {
				return nil
			}
		}

		c.cache = append(c.cache, CursorEntry{Key: e.Key, Value: value})
	}
	return nil
}

// ---------------------------------------------------------------------------
// 反向游标
// ---------------------------------------------------------------------------

type backwardCursor struct {
	tree *PrefixBTree

	fromKey *string
	toKey   *string

	fromInclusive bool
	toInclusive   bool

	cache    []CursorEntry
	cachePos int
	done     bool
}

func newBackwardCursor(t *PrefixBTree, fromKey, toKey *string, fromInclusive, toInclusive bool) *backwardCursor {
	if toKey == nil {
		toInclusive = true
	}
	return &backwardCursor{tree: t, fromKey: fromKey, toKey: toKey,
		fromInclusive: fromInclusive, toInclusive: toInclusive}
}

func (c *backwardCursor) Next(prefetchSize int) (CursorEntry, bool, error) {
	if c.done {
		return CursorEntry{}, false, nil
	}
	if c.cachePos < len(c.cache) {
		entry := c.cache[c.cachePos]
		c.cachePos++
		c.toKey = strPtr(entry.Key)
		c.toInclusive = false
		return entry, true, nil
	}

	if prefetchSize <= 0 || prefetchSize > 10*DefaultCursorPrefetchSize {
		prefetchSize = DefaultCursorPrefetchSize
	}

	if err := c.fetch(prefetchSize); err != nil {
		return CursorEntry{}, false, err
	}
	if len(c.cache) == 0 {
		c.done = true
		return CursorEntry{}, false, nil
	}

	entry := c.cache[0]
	c.cachePos = 1
	c.toKey = strPtr(entry.Key)
	c.toInclusive = false
	return entry, true, nil
}

func (c *backwardCursor) fetch(prefetchSize int) error {
	t := c.tree
	c.cache = c.cache[:0]
	c.cachePos = 0

	t.AcquireAtomicReadLock()
	defer t.ReleaseAtomicReadLock()
	t.AcquireSharedLock()
	defer t.ReleaseSharedLock()

	var res searchResult
	var err error
	if c.toKey != nil {
		res, err = t.findBucket(*c.toKey)
	} else {
		var found bool
		res, found, err = t.lastItem()
		if err == nil && !found {
			return nil
		}
	}
	if err != nil {
		return err
	}

	var itemIndex int
	if res.itemIndex >= 0 {
		if c.toKey == nil || c.toInclusive {
			itemIndex = res.itemIndex
		} else {
			itemIndex = res.itemIndex - 1
		}
	} else {
		itemIndex = -res.itemIndex - 2
	}

	currentPath := make([]pathItem, 0, len(res.path))
	for i := range res.path {
		currentPath = append(currentPath, pathItem{pageIndex: res.path[i], itemIndex: res.items[i]})
	}

	entry, err := t.LoadPageForRead(t.fileID, res.lastPathItem())
	if err != nil {
		return err
	}
	bucket := NewBucketFromEntry(entry)

	defer func() {
		if entry != nil {
			t.ReleasePageFromRead(entry)
		}
	}()

	for len(c.cache) < prefetchSize {
		for itemIndex < 0 {
			t.ReleasePageFromRead(entry)
			entry = nil

			currentPath = currentPath[:len(currentPath)-1]
			var next *pathItem

			for len(currentPath) > 0 {
				top := currentPath[len(currentPath)-1]

				parentEntry, perr := t.LoadPageForRead(t.fileID, top.pageIndex)
				if perr != nil {
					return perr
				}
				parentBucket := NewBucketFromEntry(parentEntry)

				cItemIndex := abs(top.itemIndex) - 1
				if top.itemIndex < 0 {
					cItemIndex--
				}

				currentPath = currentPath[:len(currentPath)-1]
				if cItemIndex < 0 {
					t.ReleasePageFromRead(parentEntry)
					continue
				}

				currentPath = append(currentPath, pathItem{pageIndex: top.pageIndex, itemIndex: -(cItemIndex + 1)})
				childIndex := parentBucket.GetLeft(cItemIndex)
				t.ReleasePageFromRead(parentEntry)

				if entry, err = t.LoadPageForRead(t.fileID, childIndex); err != nil {
					return err
				}
				bucket = NewBucketFromEntry(entry)
				next = &currentPath[len(currentPath)-1]
				break
			}

			if next == nil {
				return nil
			}

			// 沿右支下到上一个叶子
			for !bucket.IsLeaf() {
				lastIndex := bucket.Size() - 1
				currentPath = append(currentPath, pathItem{pageIndex: entry.PageIndex(), itemIndex: lastIndex + 1})
				childIndex := bucket.GetRight(lastIndex)
				t.ReleasePageFromRead(entry)
				if entry, err = t.LoadPageForRead(t.fileID, childIndex); err != nil {
					return err
				}
				bucket = NewBucketFromEntry(entry)
			}
			currentPath = append(currentPath, pathItem{pageIndex: entry.PageIndex(), itemIndex: 0})
			itemIndex = bucket.Size() - 1
		}

		e := bucket.GetEntry(itemIndex)
		itemIndex--

		value, verr := t.readValue(e.Value)
		if verr != nil {
			return verr
		}

		if c.toKey != nil {
			if c.toInclusive {
				if e.Key > *c.toKey {
					continue
				}
			} else if e.Key >= *c.toKey {
				continue
			}
		}
		if c.fromKey != nil {
			if c.fromInclusive {
				if e.Key < *c.fromKey {
					return nil
				}
			} else if e.Key <= *c.fromKey {
				return nil
			}
		}

		c.cache = append(c.cache, CursorEntry{Key: e.Key, Value: value})
	}
	return nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// ---------------------------------------------------------------------------
// 首末条目定位
// ---------------------------------------------------------------------------

// FirstKey 树中最小键
func (t *PrefixBTree) FirstKey() (string, bool, error) {
	t.AcquireAtomicReadLock()
	defer t.ReleaseAtomicReadLock()
	t.AcquireSharedLock()
	defer t.ReleaseSharedLock()

	res, found, err := t.firstItem()
	if err != nil || !found {
		return "", false, err
	}

	entry, err := t.LoadPageForRead(t.fileID, res.lastPathItem())
	if err != nil {
		return "", false, err
	}
	defer t.ReleasePageFromRead(entry)
	return NewBucketFromEntry(entry).Key(res.itemIndex), true, nil
}

// LastKey 树中最大键
func (t *PrefixBTree) LastKey() (string, bool, error) {
	t.AcquireAtomicReadLock()
	defer t.ReleaseAtomicReadLock()
	t.AcquireSharedLock()
	defer t.ReleaseSharedLock()

	res, found, err := t.lastItem()
	if err != nil || !found {
		return "", false, err
	}

	entry, err := t.LoadPageForRead(t.fileID, res.lastPathItem())
	if err != nil {
		return "", false, err
	}
	defer t.ReleasePageFromRead(entry)
	return NewBucketFromEntry(entry).Key(res.itemIndex), true, nil
}

// firstItem 深度优先找到第一个非空叶子的首条目
func (t *PrefixBTree) firstItem() (searchResult, bool, error) {
	var path []pathItem
	pageIndex := int64(rootIndex)
	itemIndex := 0

	entry, err := t.LoadPageForRead(t.fileID, pageIndex)
	if err != nil {
		return searchResult{}, false, err
	}
	bucket := NewBucketFromEntry(entry)

	defer func() {
		if entry != nil {
			t.ReleasePageFromRead(entry)
		}
	}()

	for {
		if !bucket.IsLeaf() {
			if bucket.IsEmpty() || itemIndex > bucket.Size() {
				if len(path) == 0 {
					return searchResult{}, false, nil
				}
				top := path[len(path)-1]
				path = path[:len(path)-1]
				pageIndex = top.pageIndex
				itemIndex = abs(top.itemIndex)
			} else {
				if itemIndex < bucket.Size() {
					path = append(path, pathItem{pageIndex: pageIndex, itemIndex: -(itemIndex + 1)})
					pageIndex = bucket.GetLeft(itemIndex)
				} else {
					path = append(path, pathItem{pageIndex: pageIndex, itemIndex: itemIndex})
					pageIndex = bucket.GetRight(itemIndex - 1)
				}
				itemIndex = 0
			}
		} else {
			if bucket.IsEmpty() {
				if len(path) == 0 {
					return searchResult{}, false, nil
				}
				top := path[len(path)-1]
				path = path[:len(path)-1]
				pageIndex = top.pageIndex
				itemIndex = abs(top.itemIndex)
			} else {
				res := searchResult{itemIndex: 0}
				for _, item := range path {
					res.path = append(res.path, item.pageIndex)
					res.items = append(res.items, item.itemIndex)
				}
				res.path = append(res.path, pageIndex)
				res.items = append(res.items, 1)
				return res, true, nil
			}
		}

		t.ReleasePageFromRead(entry)
		if entry, err = t.LoadPageForRead(t.fileID, pageIndex); err != nil {
			entry = nil
			return searchResult{}, false, err
		}
		bucket = NewBucketFromEntry(entry)
	}
}

// lastItem 深度优先找到最后一个非空叶子的末条目
func (t *PrefixBTree) lastItem() (searchResult, bool, error) {
	const resetMarker = pagecache.PageSize + 1

	var path []pathItem
	pageIndex := int64(rootIndex)

	entry, err := t.LoadPageForRead(t.fileID, pageIndex)
	if err != nil {
		return searchResult{}, false, err
	}
	bucket := NewBucketFromEntry(entry)
	itemIndex := bucket.Size() - 1

	defer func() {
		if entry != nil {
			t.ReleasePageFromRead(entry)
		}
	}()

	for {
		if !bucket.IsLeaf() {
			if itemIndex < -1 {
				if len(path) == 0 {
					return searchResult{}, false, nil
				}
				top := path[len(path)-1]
				path = path[:len(path)-1]
				pageIndex = top.pageIndex
				itemIndex = abs(top.itemIndex) - 2
			} else {
				if itemIndex > -1 {
					path = append(path, pathItem{pageIndex: pageIndex, itemIndex: itemIndex + 1})
					pageIndex = bucket.GetRight(itemIndex)
				} else {
					path = append(path, pathItem{pageIndex: pageIndex, itemIndex: -1})
					pageIndex = bucket.GetLeft(0)
				}
				itemIndex = resetMarker
			}
		} else {
			if bucket.IsEmpty() {
				if len(path) == 0 {
					return searchResult{}, false, nil
				}
				top := path[len(path)-1]
				path = path[:len(path)-1]
				pageIndex = top.pageIndex
				itemIndex = abs(top.itemIndex) - 2
			} else {
				lastIndex := bucket.Size()
				res := searchResult{itemIndex: lastIndex - 1}
				for _, item := range path {
					res.path = append(res.path, item.pageIndex)
					res.items = append(res.items, item.itemIndex)
				}
				res.path = append(res.path, pageIndex)
				res.items = append(res.items, lastIndex)
				return res, true, nil
			}
		}

		t.ReleasePageFromRead(entry)
		if entry, err = t.LoadPageForRead(t.fileID, pageIndex); err != nil {
			entry = nil
			return searchResult{}, false, err
		}
		bucket = NewBucketFromEntry(entry)
		if itemIndex == resetMarker {
			itemIndex = bucket.Size() - 1
		}
	}
}
