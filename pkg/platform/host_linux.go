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

package platform

import (
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
	"gvisor.dev/mapmgr/pkg/memutil"
	"gvisor.dev/mapmgr/pkg/sync"
)

// host implements VM on the Linux kernel.
type host struct {
	pageSize uintptr
	major    int
	minor    int
	features Features
}

// hostVM is probed once; the kernel does not change under a running process.
var hostVM = sync.OnceValues(newHost)

// NewHost returns a VM backed by the host kernel.
func NewHost() (VM, error) {
	return hostVM()
}

func newHost() (VM, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return nil, fmt.Errorf("uname: %w", err)
	}
	major, minor, ok := ParseKernelRelease(unix.ByteSliceToString(uts.Release[:]))
	if !ok {
		return nil, fmt.Errorf("unparsable kernel release %q", unix.ByteSliceToString(uts.Release[:]))
	}
	h := &host{
		pageSize: uintptr(unix.Getpagesize()),
		major:    major,
		minor:    minor,
	}
	h.features = Features{
		MoveRemap:      true,
		FixedNoReplace: h.KernelAtLeast(4, 17),
		// MAP_32BIT is only defined for x86-64, where it restricts
		// placement to the first 2GiB.
		Native32Bit:   runtime.GOARCH == "amd64",
		Mincore:       true,
		VMANames:      h.KernelAtLeast(5, 17),
		MadviseZeroes: true,
	}
	return h, nil
}

// PageSize implements VM.PageSize.
func (h *host) PageSize() uintptr {
	return h.pageSize
}

// KernelAtLeast implements VM.KernelAtLeast.
func (h *host) KernelAtLeast(major, minor int) bool {
	return VersionAtLeast(h.major, h.minor, major, minor)
}

// Features implements VM.Features.
func (h *host) Features() Features {
	return h.features
}

func hostProt(p Prot) uintptr {
	var prot uintptr
	if p&ProtRead != 0 {
		prot |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	if p&ProtExec != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// map32Bit is MAP_32BIT, which x/sys/unix only defines on amd64.
const map32Bit = 0x40

func (h *host) hostFlags(f Flags) (uintptr, error) {
	var flags uintptr
	if f&MapPrivate != 0 {
		flags |= unix.MAP_PRIVATE
	}
	if f&MapShared != 0 {
		flags |= unix.MAP_SHARED
	}
	if f&MapAnonymous != 0 {
		flags |= unix.MAP_ANONYMOUS
	}
	if f&MapFixed != 0 {
		flags |= unix.MAP_FIXED
	}
	if f&MapFixedNoReplace != 0 {
		flags |= unix.MAP_FIXED_NOREPLACE
	}
	if f&MapNoReserve != 0 {
		flags |= unix.MAP_NORESERVE
	}
	if f&Map32Bit != 0 {
		if !h.features.Native32Bit {
			return 0, ErrUnsupported
		}
		flags |= map32Bit
	}
	return flags, nil
}

// Map implements VM.Map.
func (h *host) Map(addr, length uintptr, prot Prot, flags Flags, fd int, offset int64) (uintptr, error) {
	hf, err := h.hostFlags(flags)
	if err != nil {
		return 0, err
	}
	return memutil.Map(addr, length, hostProt(prot), hf, fd, offset)
}

// Unmap implements VM.Unmap.
func (h *host) Unmap(addr, length uintptr) error {
	return memutil.Unmap(addr, length)
}

// Protect implements VM.Protect.
func (h *host) Protect(addr, length uintptr, prot Prot) error {
	return memutil.Protect(addr, length, hostProt(prot))
}

// Advise implements VM.Advise.
func (h *host) Advise(addr, length uintptr, advice Advice) error {
	switch advice {
	case AdviseFree:
		err := memutil.Advise(addr, length, unix.MADV_FREE)
		if err == unix.EINVAL {
			// MADV_FREE was added in Linux 4.5.
			err = memutil.Advise(addr, length, unix.MADV_DONTNEED)
		}
		return err
	case AdviseDontNeed:
		return memutil.Advise(addr, length, unix.MADV_DONTNEED)
	case AdviseDontFork:
		return memutil.Advise(addr, length, unix.MADV_DONTFORK)
	default:
		return unix.EINVAL
	}
}

// Sync implements VM.Sync.
func (h *host) Sync(addr, length uintptr) error {
	return memutil.Sync(addr, length)
}

// MoveRemap implements VM.MoveRemap.
func (h *host) MoveRemap(src, srcLen, dst, dstLen uintptr) (uintptr, error) {
	return memutil.MoveRemap(src, srcLen, dst, dstLen)
}

// Resident implements VM.Resident.
func (h *host) Resident(addr, length uintptr, vec []byte) error {
	if uintptr(len(vec)) < (length+h.pageSize-1)/h.pageSize {
		return unix.EINVAL
	}
	return memutil.Mincore(addr, length, vec)
}

// SetName implements VM.SetName.
func (h *host) SetName(addr, length uintptr, name []byte) error {
	if !h.features.VMANames {
		return ErrUnsupported
	}
	return memutil.SetAnonName(addr, length, name)
}

// Zero implements VM.Zero.
func (h *host) Zero(addr, length uintptr) {
	memutil.Zero(addr, length)
}

// Touch implements VM.Touch.
func (h *host) Touch(addr uintptr) byte {
	return memutil.Touch(addr)
}

// ProcessMaps implements VM.ProcessMaps.
func (h *host) ProcessMaps() (string, error) {
	b, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
