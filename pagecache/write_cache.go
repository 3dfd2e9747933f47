/*
JadeStore 写缓存 / 文件管理模块

写缓存负责逻辑文件名到文件号的映射、文件长度（按页计）的维护以及
页面的落盘读写。每个逻辑文件由一个页式映射文件支撑：长度恒为整页，
读写按页号取整页切片，文件以整页为单位扩展。

文件注册表持久化在 name_id_map 文件中，重开时恢复映射与下一个可用
文件号。注册表每次变更整体重写并原子替换；负号文件号表示删除，读取
时兼容。

写缓存不关心 WAL：写前日志规则由读缓存在逐出脏页前执行。
*/

package pagecache

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/util6/JadeStore/file"
	"github.com/util6/JadeStore/utils"
)

// nameIDMapFile 文件注册表的文件名
const nameIDMapFile = "name_id_map.nim"

// fileHolder 一个逻辑文件的运行时状态
type fileHolder struct {
	mu   sync.Mutex
	path string
	pf   *file.PagedFile // 关闭时为 nil
}

// open 打开（或创建）底层文件并建立页式映射
func (h *fileHolder) open() error {
	if h.pf != nil {
		return nil
	}
	pf, err := file.OpenPaged(h.path, PageSize)
	if err != nil {
		return err
	}
	h.pf = pf
	return nil
}

// grow 追加一个页面，返回新页号
func (h *fileHolder) grow() (int64, error) {
	if err := h.pf.Grow(1); err != nil {
		return 0, err
	}
	return h.pf.Pages() - 1, nil
}

// truncate 清空文件内容
func (h *fileHolder) truncate() error {
	return h.pf.Truncate()
}

// remove 删除底层文件
func (h *fileHolder) remove() error {
	if h.pf == nil {
		if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	err := h.pf.Remove()
	h.pf = nil
	return err
}

// close 关闭底层文件（保留磁盘内容）
func (h *fileHolder) close() error {
	if h.pf == nil {
		return nil
	}
	err := h.pf.Close()
	h.pf = nil
	return err
}

// WriteCache 文件注册表与页面落盘层
type WriteCache struct {
	mu sync.RWMutex

	dir      string
	holders  map[int64]*fileHolder
	nameToID map[string]int64
	nextID   int64
}

// OpenWriteCache 打开目录下的写缓存，恢复文件注册表
func OpenWriteCache(dir string) (*WriteCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "无法创建存储目录 %s", dir)
	}

	wc := &WriteCache{
		dir:      dir,
		holders:  make(map[int64]*fileHolder),
		nameToID: make(map[string]int64),
		nextID:   1,
	}
	if err := wc.loadNameIDMap(); err != nil {
		return nil, err
	}
	return wc, nil
}

// loadNameIDMap 读出注册表：帧 = 名称长度(4) + 名称 + 文件号(8)
func (wc *WriteCache) loadNameIDMap() error {
	path := filepath.Join(wc.dir, nameIDMapFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "无法读取文件注册表 %s", path)
	}

	pos := 0
	for pos+4 <= len(data) {
		nameLen := int(binary.LittleEndian.Uint32(data[pos:]))
		if pos+4+nameLen+8 > len(data) {
			break
		}
		name := string(data[pos+4 : pos+4+nameLen])
		id := int64(binary.LittleEndian.Uint64(data[pos+4+nameLen:]))
		pos += 4 + nameLen + 8

		if id < 0 {
			delete(wc.nameToID, name)
			if -id >= wc.nextID {
				wc.nextID = -id + 1
			}
			continue
		}
		wc.nameToID[name] = id
		if id >= wc.nextID {
			wc.nextID = id + 1
		}
	}

	for name, id := range wc.nameToID {
		wc.holders[id] = &fileHolder{path: filepath.Join(wc.dir, name)}
	}
	return nil
}

// storeNameIDMap 重写注册表文件
func (wc *WriteCache) storeNameIDMap() error {
	var buf []byte
	var tmp [12]byte
	for name, id := range wc.nameToID {
		binary.LittleEndian.PutUint32(tmp[0:4], uint32(len(name)))
		buf = append(buf, tmp[0:4]...)
		buf = append(buf, name...)
		binary.LittleEndian.PutUint64(tmp[4:12], uint64(id))
		buf = append(buf, tmp[4:12]...)
	}
	path := filepath.Join(wc.dir, nameIDMapFile)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf, 0666); err != nil {
		return errors.Wrap(err, "写文件注册表失败")
	}
	return os.Rename(tmpPath, path)
}

// BookFileID 预订一个文件号。预订的文件号在 AddFile 前不出现在注册表中。
func (wc *WriteCache) BookFileID() int64 {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	id := wc.nextID
	wc.nextID++
	return id
}

// AddFile 以给定文件号注册并创建文件
func (wc *WriteCache) AddFile(name string, fileID int64) error {
	wc.mu.Lock()
	defer wc.mu.Unlock()

	if _, ok := wc.nameToID[name]; ok {
		return errors.Wrapf(utils.ErrFileAlreadyExists, "file %s", name)
	}

	holder := &fileHolder{path: filepath.Join(wc.dir, name)}
	if err := holder.open(); err != nil {
		return err
	}

	wc.nameToID[name] = fileID
	wc.holders[fileID] = holder
	if fileID >= wc.nextID {
		wc.nextID = fileID + 1
	}
	return wc.storeNameIDMap()
}

// OpenFile 按名称打开已注册的文件，返回文件号
func (wc *WriteCache) OpenFile(name string) (int64, error) {
	wc.mu.Lock()
	defer wc.mu.Unlock()

	id, ok := wc.nameToID[name]
	if !ok {
		return 0, errors.Wrapf(utils.ErrFileNotRegistered, "file %s", name)
	}
	holder := wc.holders[id]
	holder.mu.Lock()
	err := holder.open()
	holder.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Exists 名称是否已注册
func (wc *WriteCache) Exists(name string) bool {
	wc.mu.RLock()
	defer wc.mu.RUnlock()
	_, ok := wc.nameToID[name]
	return ok
}

// FileName 文件号对应的名称
func (wc *WriteCache) FileName(fileID int64) string {
	wc.mu.RLock()
	defer wc.mu.RUnlock()
	for name, id := range wc.nameToID {
		if id == fileID {
			return name
		}
	}
	return ""
}

func (wc *WriteCache) holder(fileID int64) (*fileHolder, error) {
	wc.mu.RLock()
	holder, ok := wc.holders[fileID]
	wc.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(utils.ErrFileNotRegistered, "file id %d", fileID)
	}
	holder.mu.Lock()
	if err := holder.open(); err != nil {
		holder.mu.Unlock()
		return nil, err
	}
	return holder, nil
}

// FilledUpTo 文件长度（按页计）
func (wc *WriteCache) FilledUpTo(fileID int64) (int64, error) {
	holder, err := wc.holder(fileID)
	if err != nil {
		return 0, err
	}
	defer holder.mu.Unlock()
	return holder.pf.Pages(), nil
}

// AllocatePage 将文件扩展一个页面，返回新页号
func (wc *WriteCache) AllocatePage(fileID int64) (int64, error) {
	holder, err := wc.holder(fileID)
	if err != nil {
		return 0, err
	}
	defer holder.mu.Unlock()
	return holder.grow()
}

// LoadPage 从磁盘读出页面内容到 buf
func (wc *WriteCache) LoadPage(fileID, pageIndex int64, buf []byte) error {
	holder, err := wc.holder(fileID)
	if err != nil {
		return err
	}
	defer holder.mu.Unlock()

	src, err := holder.pf.Page(pageIndex)
	if err != nil {
		return errors.Wrapf(err, "file %d", fileID)
	}
	copy(buf, src)
	return nil
}

// StorePage 将页面内容写入映射区（不保证落盘，Flush 负责同步）
func (wc *WriteCache) StorePage(fileID, pageIndex int64, buf []byte) error {
	holder, err := wc.holder(fileID)
	if err != nil {
		return err
	}
	defer holder.mu.Unlock()

	dst, err := holder.pf.Page(pageIndex)
	if err != nil {
		return errors.Wrapf(err, "file %d", fileID)
	}
	copy(dst, buf)
	return nil
}

// TruncateFile 清空文件内容（保留注册）
func (wc *WriteCache) TruncateFile(fileID int64) error {
	holder, err := wc.holder(fileID)
	if err != nil {
		return err
	}
	defer holder.mu.Unlock()
	return holder.truncate()
}

// DeleteFile 删除文件并注销
func (wc *WriteCache) DeleteFile(fileID int64) error {
	wc.mu.Lock()
	defer wc.mu.Unlock()

	holder, ok := wc.holders[fileID]
	if !ok {
		return errors.Wrapf(utils.ErrFileNotRegistered, "file id %d", fileID)
	}

	holder.mu.Lock()
	err := holder.remove()
	holder.mu.Unlock()
	if err != nil {
		return err
	}

	delete(wc.holders, fileID)
	for name, id := range wc.nameToID {
		if id == fileID {
			delete(wc.nameToID, name)
			break
		}
	}
	return wc.storeNameIDMap()
}

// CloseFile 关闭文件（保留磁盘内容与注册）
func (wc *WriteCache) CloseFile(fileID int64) error {
	wc.mu.RLock()
	holder, ok := wc.holders[fileID]
	wc.mu.RUnlock()
	if !ok {
		return nil
	}
	holder.mu.Lock()
	defer holder.mu.Unlock()
	return holder.close()
}

// FlushFile 同步单个文件到磁盘
func (wc *WriteCache) FlushFile(fileID int64) error {
	wc.mu.RLock()
	holder, ok := wc.holders[fileID]
	wc.mu.RUnlock()
	if !ok {
		return errors.Wrapf(utils.ErrFileNotRegistered, "file id %d", fileID)
	}
	holder.mu.Lock()
	defer holder.mu.Unlock()
	if holder.pf == nil {
		return nil
	}
	return holder.pf.Sync()
}

// Flush 同步全部文件到磁盘
func (wc *WriteCache) Flush() error {
	wc.mu.RLock()
	holders := make([]*fileHolder, 0, len(wc.holders))
	for _, h := range wc.holders {
		holders = append(holders, h)
	}
	wc.mu.RUnlock()

	for _, h := range holders {
		h.mu.Lock()
		if h.pf != nil {
			if err := h.pf.Sync(); err != nil {
				h.mu.Unlock()
				return err
			}
		}
		h.mu.Unlock()
	}
	return nil
}

// Close 同步并关闭全部文件
func (wc *WriteCache) Close() error {
	wc.mu.Lock()
	defer wc.mu.Unlock()

	for _, h := range wc.holders {
		h.mu.Lock()
		err := h.close()
		h.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}
