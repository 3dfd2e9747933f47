//go:build windows
// +build windows

package file

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

func mmap(fd *os.File, writable bool, size int64) ([]byte, error) {
	protect := uint32(windows.PAGE_READONLY)
	access := uint32(windows.FILE_MAP_READ)
	if writable {
		protect = windows.PAGE_READWRITE
		access = windows.FILE_MAP_WRITE
	}

	handle, err := windows.CreateFileMapping(windows.Handle(fd.Fd()), nil, protect,
		uint32(size>>32), uint32(size&0xffffffff), nil)
	if err != nil {
		return nil, os.NewSyscallError("CreateFileMapping", err)
	}

	addr, err := windows.MapViewOfFile(handle, access, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(handle)
		return nil, os.NewSyscallError("MapViewOfFile", err)
	}
	windows.CloseHandle(handle)

	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func munmap(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&data[0])))
}

func msync(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return windows.FlushViewOfFile(uintptr(unsafe.Pointer(&data[0])), uintptr(len(data)))
}
