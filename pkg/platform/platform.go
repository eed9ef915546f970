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

// Package platform abstracts the host's virtual memory primitives.
//
// A VM is the only place the mapping manager touches the kernel. The host
// implementation forwards to mmap(2) and friends; tests install an in-memory
// implementation from package fakevm instead.
package platform

import (
	"errors"
	"fmt"
	"strings"
)

// Prot is a set of page protection bits.
type Prot uint8

// Protection bits.
const (
	ProtNone Prot = 0
	ProtRead Prot = 1 << (iota - 1)
	ProtWrite
	ProtExec
)

// ProtRW is read+write, the common case for anonymous memory.
const ProtRW = ProtRead | ProtWrite

// String implements fmt.Stringer.String in the style of /proc/[pid]/maps.
func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Flags are mapping flags, translated to the host's MAP_* bits by the VM.
type Flags uint32

// Mapping flags.
const (
	MapPrivate Flags = 1 << iota
	MapShared
	MapAnonymous
	MapFixed
	MapFixedNoReplace
	MapNoReserve
	Map32Bit
)

var flagNames = []string{"PRIVATE", "SHARED", "ANONYMOUS", "FIXED", "FIXED_NOREPLACE", "NORESERVE", "32BIT"}

// String implements fmt.Stringer.String.
func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
			f &^= 1 << i
		}
	}
	if f != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(f)))
	}
	return strings.Join(parts, "|")
}

// Advice is a madvise(2) hint.
type Advice int

// Advice values.
const (
	// AdviseFree allows the kernel to lazily reclaim the pages.
	AdviseFree Advice = iota
	// AdviseDontNeed drops the pages; private anonymous pages read back as
	// zero afterwards.
	AdviseDontNeed
	// AdviseDontFork excludes the pages from children created by fork(2).
	AdviseDontFork
)

// String implements fmt.Stringer.String.
func (a Advice) String() string {
	switch a {
	case AdviseFree:
		return "MADV_FREE"
	case AdviseDontNeed:
		return "MADV_DONTNEED"
	case AdviseDontFork:
		return "MADV_DONTFORK"
	default:
		return fmt.Sprintf("Advice(%d)", int(a))
	}
}

// Features describes optional host capabilities.
type Features struct {
	// MoveRemap is true if MoveRemap is implemented.
	MoveRemap bool

	// FixedNoReplace is true if MapFixedNoReplace is honoured.
	FixedNoReplace bool

	// Native32Bit is true if Map32Bit places mappings in the low 4GiB.
	Native32Bit bool

	// Mincore is true if Resident is implemented.
	Mincore bool

	// VMANames is true if SetName is implemented.
	VMANames bool

	// MadviseZeroes is true if AdviseDontNeed zero-fills private anonymous
	// pages.
	MadviseZeroes bool
}

// ErrUnsupported is returned by operations the host cannot perform.
var ErrUnsupported = errors.New("operation not supported by this platform")

// VM is the host virtual memory interface.
//
// All addresses and lengths passed to VM methods are page-aligned unless
// stated otherwise. Implementations must be safe for concurrent use.
type VM interface {
	// PageSize returns the page size. It never changes.
	PageSize() uintptr

	// KernelAtLeast returns true if the host kernel version is at least
	// major.minor.
	KernelAtLeast(major, minor int) bool

	// Features returns the host's optional capabilities.
	Features() Features

	// Map creates a mapping. fd is -1 for anonymous mappings. If flags
	// contains neither MapFixed nor MapFixedNoReplace, addr is a hint.
	Map(addr, length uintptr, prot Prot, flags Flags, fd int, offset int64) (uintptr, error)

	// Unmap removes all mappings in [addr, addr+length).
	Unmap(addr, length uintptr) error

	// Protect changes the protection of [addr, addr+length).
	Protect(addr, length uintptr, prot Prot) error

	// Advise applies advice to [addr, addr+length).
	Advise(addr, length uintptr, advice Advice) error

	// Sync flushes [addr, addr+length) to its backing file.
	Sync(addr, length uintptr) error

	// MoveRemap moves the srcLen bytes of pages at src to dst, replacing
	// [dst, dst+dstLen). It returns the new address of the pages.
	MoveRemap(src, srcLen, dst, dstLen uintptr) (uintptr, error)

	// Resident stores one byte per page of [addr, addr+length) in vec, with
	// the low bit set for resident pages. It returns unix.ENOMEM if any page
	// in the range is unmapped.
	Resident(addr, length uintptr, vec []byte) error

	// SetName attaches a NUL-terminated debug name to [addr, addr+length).
	SetName(addr, length uintptr, name []byte) error

	// Zero clears [addr, addr+length). The range need not be page-aligned.
	Zero(addr, length uintptr)

	// Touch reads and returns the byte at addr.
	Touch(addr uintptr) byte

	// ProcessMaps returns a textual snapshot of the address space, in the
	// format of /proc/self/maps.
	ProcessMaps() (string, error)
}
