// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

// Package memutil provides raw host memory-management system calls.
//
// Functions here are thin: they take and return raw addresses and report
// failures as unix.Errno. Policy (hint handling, page rounding, bookkeeping)
// belongs to the callers.
package memutil

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux: include/uapi/linux/prctl.h
const (
	prSetVMA         = 0x53564d41
	prSetVMAAnonName = 0
)

// Map invokes mmap(2) and returns the address of the new mapping.
func Map(addr, length, prot, flags uintptr, fd int, offset int64) (uintptr, error) {
	m, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length, prot, flags, uintptr(fd), uintptr(offset))
	if errno != 0 {
		return 0, errno
	}
	return m, nil
}

// Unmap invokes munmap(2).
func Unmap(addr, length uintptr) error {
	if _, _, errno := unix.RawSyscall(unix.SYS_MUNMAP, addr, length, 0); errno != 0 {
		return errno
	}
	return nil
}

// Protect invokes mprotect(2).
func Protect(addr, length, prot uintptr) error {
	if _, _, errno := unix.RawSyscall(unix.SYS_MPROTECT, addr, length, prot); errno != 0 {
		return errno
	}
	return nil
}

// Advise invokes madvise(2).
func Advise(addr, length uintptr, advice int) error {
	if _, _, errno := unix.Syscall(unix.SYS_MADVISE, addr, length, uintptr(advice)); errno != 0 {
		return errno
	}
	return nil
}

// Sync invokes msync(2) with MS_SYNC.
func Sync(addr, length uintptr) error {
	if _, _, errno := unix.Syscall(unix.SYS_MSYNC, addr, length, unix.MS_SYNC); errno != 0 {
		return errno
	}
	return nil
}

// MoveRemap moves the pages at [src, src+srcLen) so that they start at dst,
// replacing anything mapped in [dst, dst+dstLen).
func MoveRemap(src, srcLen, dst, dstLen uintptr) (uintptr, error) {
	m, _, errno := unix.Syscall6(unix.SYS_MREMAP, src, srcLen, dstLen, unix.MREMAP_MAYMOVE|unix.MREMAP_FIXED, dst, 0)
	if errno != 0 {
		return 0, errno
	}
	return m, nil
}

// Mincore invokes mincore(2). vec must hold at least one byte per page in
// [addr, addr+length).
func Mincore(addr, length uintptr, vec []byte) error {
	if len(vec) == 0 {
		return unix.EINVAL
	}
	if _, _, errno := unix.Syscall(unix.SYS_MINCORE, addr, length, uintptr(unsafe.Pointer(&vec[0]))); errno != 0 {
		return errno
	}
	return nil
}

// SetAnonName names the anonymous VMAs in [addr, addr+length). name must be
// NUL-terminated and must stay reachable for as long as the kernel may refer
// to it.
func SetAnonName(addr, length uintptr, name []byte) error {
	if len(name) == 0 || name[len(name)-1] != 0 {
		return unix.EINVAL
	}
	if _, _, errno := unix.Syscall6(unix.SYS_PRCTL, prSetVMA, prSetVMAAnonName, addr, length, uintptr(unsafe.Pointer(&name[0])), 0); errno != 0 {
		return errno
	}
	return nil
}

// Zero clears [addr, addr+length) byte by byte.
func Zero(addr, length uintptr) {
	if length == 0 {
		return
	}
	clear(unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(length)))
}

// Touch reads the byte at addr.
func Touch(addr uintptr) byte {
	return *(*byte)(unsafe.Pointer(addr))
}
