/*
JadeStore 页式映射文件模块

写缓存的数据文件是整页的序列：文件长度必须恰为页大小的整数倍，打开时
长度不对齐即判定损坏。本模块只暴露页粒度的访问接口（按页号取整页切片、
按整页扩展），不提供任意偏移的切片，越过文件末尾的页号在此层即被拦截。

页面内容直接在映射区内读写；Grow 先同步当前映射再截断、重建映射，
Sync 负责把映射区落盘。映射相关的系统调用按平台拆分在 mmap_unix.go /
mmap_windows.go。
*/

package file

import (
	"os"

	"github.com/pkg/errors"
	"github.com/util6/JadeStore/utils"
)

// PagedFile 按固定页大小映射的文件。空文件不建立映射。
type PagedFile struct {
	pageSize int
	data     []byte
	fd       *os.File
}

// MapPaged 在已打开的文件描述符上建立页式映射。
// 文件长度不是 pageSize 整数倍时返回损坏错误。
func MapPaged(fd *os.File, pageSize int, writable bool) (*PagedFile, error) {
	info, err := fd.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "读取数据文件 %s 的元信息失败", fd.Name())
	}
	size := info.Size()
	if size%int64(pageSize) != 0 {
		return nil, errors.Wrapf(utils.ErrCorruptedPage,
			"数据文件 %s 长度 %d 不是页大小 %d 的整数倍", fd.Name(), size, pageSize)
	}

	f := &PagedFile{pageSize: pageSize, fd: fd}
	if size > 0 {
		if f.data, err = mmap(fd, writable, size); err != nil {
			return nil, errors.Wrapf(err, "映射数据文件 %s（%d 页）失败", fd.Name(), size/int64(pageSize))
		}
	}
	return f, nil
}

// OpenPaged 打开（或创建）文件并建立页式映射
func OpenPaged(path string, pageSize int) (*PagedFile, error) {
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "打开数据文件 %s 失败", path)
	}
	f, err := MapPaged(fd, pageSize, true)
	if err != nil {
		fd.Close()
		return nil, err
	}
	return f, nil
}

// Name 底层文件路径
func (f *PagedFile) Name() string {
	return f.fd.Name()
}

// Pages 文件长度（按页计）
func (f *PagedFile) Pages() int64 {
	return int64(len(f.data) / f.pageSize)
}

// Page 第 index 页的映射切片（恰好一整页）
func (f *PagedFile) Page(index int64) ([]byte, error) {
	if index < 0 || index >= f.Pages() {
		return nil, errors.Wrapf(utils.ErrPageOutOfRange,
			"数据文件 %s 页 %d，共 %d 页", f.fd.Name(), index, f.Pages())
	}
	start := int(index) * f.pageSize
	return f.data[start : start+f.pageSize], nil
}

// Grow 追加 n 个空白页并重建映射
func (f *PagedFile) Grow(n int64) error {
	newSize := (f.Pages() + n) * int64(f.pageSize)

	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.fd.Truncate(newSize); err != nil {
		return errors.Wrapf(err, "扩展数据文件 %s 到 %d 页失败", f.fd.Name(), newSize/int64(f.pageSize))
	}
	if err := munmap(f.data); err != nil {
		return errors.Wrapf(err, "解除数据文件 %s 的映射失败", f.fd.Name())
	}

	data, err := mmap(f.fd, true, newSize)
	if err != nil {
		return errors.Wrapf(err, "映射数据文件 %s（%d 页）失败", f.fd.Name(), newSize/int64(f.pageSize))
	}
	f.data = data
	return nil
}

// Truncate 丢弃全部页面：映射解除，文件清零
func (f *PagedFile) Truncate() error {
	if err := munmap(f.data); err != nil {
		return errors.Wrapf(err, "解除数据文件 %s 的映射失败", f.fd.Name())
	}
	f.data = nil
	if err := f.fd.Truncate(0); err != nil {
		return errors.Wrapf(err, "清空数据文件 %s 失败", f.fd.Name())
	}
	return nil
}

// Sync 把映射区与文件元数据落盘
func (f *PagedFile) Sync() error {
	if err := msync(f.data); err != nil {
		return errors.Wrapf(err, "同步数据文件 %s 的映射区失败", f.fd.Name())
	}
	return f.fd.Sync()
}

// Close 同步并关闭文件，映射随之解除
func (f *PagedFile) Close() error {
	if f.fd == nil {
		return nil
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := munmap(f.data); err != nil {
		return errors.Wrapf(err, "解除数据文件 %s 的映射失败", f.fd.Name())
	}
	f.data = nil
	err := f.fd.Close()
	f.fd = nil
	return err
}

// Remove 解除映射、关闭并删除底层文件
func (f *PagedFile) Remove() error {
	path := f.fd.Name()

	if err := munmap(f.data); err != nil {
		return errors.Wrapf(err, "解除数据文件 %s 的映射失败", path)
	}
	f.data = nil
	if err := f.fd.Close(); err != nil {
		return errors.Wrapf(err, "关闭数据文件 %s 失败", path)
	}
	f.fd = nil

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "移除数据文件 %s 失败", path)
	}
	return nil
}
