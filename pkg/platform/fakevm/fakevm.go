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

// Package fakevm provides an in-memory platform.VM for tests.
//
// The fake models an address space as a set of pages. It implements the
// subset of Linux semantics the mapping manager relies on: fixed overlays,
// fixed-no-replace, hint placement, file-backed pages, mremap moves, mincore
// and madvise. Memory contents are kept per page and are only reachable
// through VM methods and the Read/Write helpers; addresses handed out by the
// fake are not dereferenceable.
package fakevm

import (
	"bytes"
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
	"gvisor.dev/mapmgr/pkg/platform"
	"gvisor.dev/mapmgr/pkg/sync"
)

// Config configures a fake VM.
type Config struct {
	// PageSize is the page size. It must be a power of two.
	PageSize uintptr

	// KernelMajor and KernelMinor are the reported kernel version.
	KernelMajor int
	KernelMinor int

	// Features are the advertised capabilities. Operations backing a
	// disabled feature fail.
	Features platform.Features

	// IgnoreHints makes non-fixed mappings ignore their address hint, as
	// some kernels do.
	IgnoreHints bool

	// MmapBase is the top of the area used for mappings without a usable
	// hint. Placement proceeds top-down from here.
	MmapBase uintptr

	// Faults makes the named operations fail with the given errno. Keys
	// are the names counted by VM.Calls.
	Faults map[string]unix.Errno
}

// DefaultConfig returns a Config resembling a recent x86-64 Linux host
// without MAP_32BIT.
func DefaultConfig() Config {
	return Config{
		PageSize:    4096,
		KernelMajor: 6,
		KernelMinor: 1,
		Features: platform.Features{
			MoveRemap:      true,
			FixedNoReplace: true,
			Mincore:        true,
			VMANames:       true,
			MadviseZeroes:  true,
		},
		MmapBase: 0x7f0000000000,
	}
}

type page struct {
	prot     platform.Prot
	shared   bool
	anon     bool
	resident bool
	dontFork bool
	name     string
	// data is nil for pages that read as zero.
	data []byte
}

// VM is a fake platform.VM.
type VM struct {
	cfg Config

	mu sync.Mutex

	// +checklocks:mu
	pages map[uintptr]*page

	// +checklocks:mu
	next uintptr

	// +checklocks:mu
	calls map[string]int

	// +checklocks:mu
	faults map[string]unix.Errno
}

// New returns a fake VM with DefaultConfig.
func New() *VM {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig returns a fake VM configured by cfg.
func NewWithConfig(cfg Config) *VM {
	if cfg.PageSize == 0 || cfg.PageSize&(cfg.PageSize-1) != 0 {
		panic(fmt.Sprintf("fakevm: invalid page size %#x", cfg.PageSize))
	}
	if cfg.MmapBase == 0 {
		cfg.MmapBase = DefaultConfig().MmapBase
	}
	v := &VM{
		cfg:    cfg,
		pages:  make(map[uintptr]*page),
		next:   cfg.MmapBase,
		calls:  make(map[string]int),
		faults: make(map[string]unix.Errno),
	}
	for op, errno := range cfg.Faults {
		v.faults[op] = errno
	}
	return v
}

// SetFault makes op fail with errno from now on. A zero errno clears it.
func (v *VM) SetFault(op string, errno unix.Errno) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if errno == 0 {
		delete(v.faults, op)
		return
	}
	v.faults[op] = errno
}

// recordLocked counts a call to op and returns its injected fault, if any.
//
// +checklocks:v.mu
func (v *VM) recordLocked(op string) error {
	v.calls[op]++
	if errno, ok := v.faults[op]; ok {
		return errno
	}
	return nil
}

func (v *VM) aligned(x uintptr) bool {
	return x&(v.cfg.PageSize-1) == 0
}

// +checklocks:v.mu
func (v *VM) freeLocked(addr, length uintptr) bool {
	if addr+length < addr {
		return false
	}
	for a := addr; a < addr+length; a += v.cfg.PageSize {
		if _, ok := v.pages[a]; ok {
			return false
		}
	}
	return true
}

// +checklocks:v.mu
func (v *VM) mappedLocked(addr, length uintptr) bool {
	for a := addr; a < addr+length; a += v.cfg.PageSize {
		if _, ok := v.pages[a]; !ok {
			return false
		}
	}
	return true
}

// findFreeLocked picks an address for a mapping without a usable hint.
//
// +checklocks:v.mu
func (v *VM) findFreeLocked(length uintptr, low32 bool) (uintptr, bool) {
	if low32 {
		// MAP_32BIT allocates from the second GiB upwards.
		for a := uintptr(1 << 30); a+length <= 1<<31; a += v.cfg.PageSize {
			if v.freeLocked(a, length) {
				return a, true
			}
		}
		return 0, false
	}
	for a := v.next - length; a >= 1<<32 && a < v.next; a -= v.cfg.PageSize {
		if v.freeLocked(a, length) {
			v.next = a
			return a, true
		}
	}
	return 0, false
}

// PageSize implements platform.VM.PageSize.
func (v *VM) PageSize() uintptr {
	return v.cfg.PageSize
}

// KernelAtLeast implements platform.VM.KernelAtLeast.
func (v *VM) KernelAtLeast(major, minor int) bool {
	return platform.VersionAtLeast(v.cfg.KernelMajor, v.cfg.KernelMinor, major, minor)
}

// Features implements platform.VM.Features.
func (v *VM) Features() platform.Features {
	return v.cfg.Features
}

// Map implements platform.VM.Map.
func (v *VM) Map(addr, length uintptr, prot platform.Prot, flags platform.Flags, fd int, offset int64) (uintptr, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.recordLocked("map"); err != nil {
		return 0, err
	}

	if length == 0 || !v.aligned(addr) || !v.aligned(length) || offset%int64(v.cfg.PageSize) != 0 {
		return 0, unix.EINVAL
	}
	if flags&(platform.MapShared|platform.MapPrivate) == 0 {
		return 0, unix.EINVAL
	}
	anon := flags&platform.MapAnonymous != 0
	if !anon && fd < 0 {
		return 0, unix.EBADF
	}
	if flags&platform.Map32Bit != 0 && !v.cfg.Features.Native32Bit {
		return 0, unix.EINVAL
	}

	var at uintptr
	switch {
	case flags&platform.MapFixed != 0:
		if addr == 0 {
			return 0, unix.EPERM
		}
		at = addr
	case flags&platform.MapFixedNoReplace != 0 && v.cfg.Features.FixedNoReplace:
		if addr == 0 {
			return 0, unix.EPERM
		}
		if !v.freeLocked(addr, length) {
			return 0, unix.EEXIST
		}
		at = addr
	default:
		if addr != 0 && !v.cfg.IgnoreHints && v.freeLocked(addr, length) {
			at = addr
			break
		}
		var ok bool
		if at, ok = v.findFreeLocked(length, flags&platform.Map32Bit != 0); !ok {
			return 0, unix.ENOMEM
		}
	}

	n := length / v.cfg.PageSize
	newPages := make([]*page, n)
	for i := range newPages {
		p := &page{
			prot:   prot,
			shared: flags&platform.MapShared != 0,
			anon:   anon,
		}
		if !anon {
			buf := make([]byte, v.cfg.PageSize)
			if _, err := unix.Pread(fd, buf, offset+int64(uintptr(i)*v.cfg.PageSize)); err != nil {
				return 0, err
			}
			p.data = buf
		}
		newPages[i] = p
	}
	for i, p := range newPages {
		v.pages[at+uintptr(i)*v.cfg.PageSize] = p
	}
	return at, nil
}

// Unmap implements platform.VM.Unmap.
func (v *VM) Unmap(addr, length uintptr) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if length == 0 || !v.aligned(addr) {
		return unix.EINVAL
	}
	if err := v.recordLocked("unmap"); err != nil {
		return err
	}
	for a := addr; a < addr+length; a += v.cfg.PageSize {
		delete(v.pages, a)
	}
	return nil
}

// Protect implements platform.VM.Protect.
func (v *VM) Protect(addr, length uintptr, prot platform.Prot) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.recordLocked("protect"); err != nil {
		return err
	}
	if !v.aligned(addr) {
		return unix.EINVAL
	}
	if !v.mappedLocked(addr, length) {
		return unix.ENOMEM
	}
	for a := addr; a < addr+length; a += v.cfg.PageSize {
		v.pages[a].prot = prot
	}
	return nil
}

// Advise implements platform.VM.Advise.
func (v *VM) Advise(addr, length uintptr, advice platform.Advice) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.recordLocked(advice.String()); err != nil {
		return err
	}
	if !v.aligned(addr) {
		return unix.EINVAL
	}
	if !v.mappedLocked(addr, length) {
		return unix.ENOMEM
	}
	for a := addr; a < addr+length; a += v.cfg.PageSize {
		p := v.pages[a]
		switch advice {
		case platform.AdviseFree, platform.AdviseDontNeed:
			p.resident = false
			if p.anon && !p.shared {
				p.data = nil
			}
		case platform.AdviseDontFork:
			p.dontFork = true
		default:
			return unix.EINVAL
		}
	}
	return nil
}

// Sync implements platform.VM.Sync.
func (v *VM) Sync(addr, length uintptr) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.recordLocked("sync"); err != nil {
		return err
	}
	if !v.mappedLocked(addr, length) {
		return unix.ENOMEM
	}
	return nil
}

// MoveRemap implements platform.VM.MoveRemap.
func (v *VM) MoveRemap(src, srcLen, dst, dstLen uintptr) (uintptr, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.recordLocked("mremap"); err != nil {
		return 0, err
	}
	if !v.cfg.Features.MoveRemap {
		return 0, unix.ENOSYS
	}
	if srcLen != dstLen || !v.aligned(src) || !v.aligned(dst) || !v.aligned(srcLen) {
		return 0, unix.EINVAL
	}
	if src < dst+dstLen && dst < src+srcLen {
		return 0, unix.EINVAL
	}
	if !v.mappedLocked(src, srcLen) {
		return 0, unix.EFAULT
	}
	for a := dst; a < dst+dstLen; a += v.cfg.PageSize {
		delete(v.pages, a)
	}
	for off := uintptr(0); off < srcLen; off += v.cfg.PageSize {
		v.pages[dst+off] = v.pages[src+off]
		delete(v.pages, src+off)
	}
	return dst, nil
}

// Resident implements platform.VM.Resident.
func (v *VM) Resident(addr, length uintptr, vec []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.recordLocked("mincore"); err != nil {
		return err
	}
	if !v.cfg.Features.Mincore {
		return unix.ENOSYS
	}
	if !v.aligned(addr) || uintptr(len(vec)) < (length+v.cfg.PageSize-1)/v.cfg.PageSize {
		return unix.EINVAL
	}
	for i, a := 0, addr; a < addr+length; i, a = i+1, a+v.cfg.PageSize {
		p, ok := v.pages[a]
		if !ok {
			return unix.ENOMEM
		}
		vec[i] = 0
		if p.resident {
			vec[i] = 1
		}
	}
	return nil
}

// SetName implements platform.VM.SetName.
func (v *VM) SetName(addr, length uintptr, name []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.cfg.Features.VMANames {
		return platform.ErrUnsupported
	}
	if len(name) == 0 || name[len(name)-1] != 0 {
		return unix.EINVAL
	}
	if !v.mappedLocked(addr, length) {
		return unix.ENOMEM
	}
	for a := addr; a < addr+length; a += v.cfg.PageSize {
		if !v.pages[a].anon {
			return unix.EBADF
		}
	}
	for a := addr; a < addr+length; a += v.cfg.PageSize {
		v.pages[a].name = string(name[:len(name)-1])
	}
	return nil
}

// pageForAccessLocked returns the page containing addr, panicking the way a
// real access would fault.
//
// +checklocks:v.mu
func (v *VM) pageForAccessLocked(addr uintptr, want platform.Prot) (*page, uintptr) {
	base := addr &^ (v.cfg.PageSize - 1)
	p, ok := v.pages[base]
	if !ok || p.prot&want != want {
		panic(fmt.Sprintf("fakevm: fault accessing %#x (want %v)", addr, want))
	}
	if p.data == nil {
		p.data = make([]byte, v.cfg.PageSize)
	}
	p.resident = true
	return p, addr - base
}

// Zero implements platform.VM.Zero.
func (v *VM) Zero(addr, length uintptr) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls["zero"]++
	for length > 0 {
		p, off := v.pageForAccessLocked(addr, platform.ProtWrite)
		n := min(v.cfg.PageSize-off, length)
		clear(p.data[off : off+n])
		addr += n
		length -= n
	}
}

// Touch implements platform.VM.Touch.
func (v *VM) Touch(addr uintptr) byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, off := v.pageForAccessLocked(addr, platform.ProtRead)
	return p.data[off]
}

// ProcessMaps implements platform.VM.ProcessMaps.
func (v *VM) ProcessMaps() (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	addrs := make([]uintptr, 0, len(v.pages))
	for a := range v.pages {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	var b bytes.Buffer
	for i := 0; i < len(addrs); {
		start := addrs[i]
		first := v.pages[start]
		end := start + v.cfg.PageSize
		j := i + 1
		for ; j < len(addrs) && addrs[j] == end; j++ {
			p := v.pages[addrs[j]]
			if p.prot != first.prot || p.shared != first.shared || p.anon != first.anon || p.name != first.name {
				break
			}
			end += v.cfg.PageSize
		}
		private := "p"
		if first.shared {
			private = "s"
		}
		fmt.Fprintf(&b, "%08x-%08x %s%s 00000000 00:00 0", start, end, first.prot, private)
		if first.name != "" {
			fmt.Fprintf(&b, " [anon:%s]", first.name)
		}
		b.WriteString("\n")
		i = j
	}
	return b.String(), nil
}

// Read copies n bytes starting at addr, ignoring protections.
func (v *VM) Read(addr, n uintptr) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]byte, 0, n)
	for n > 0 {
		base := addr &^ (v.cfg.PageSize - 1)
		p, ok := v.pages[base]
		if !ok {
			return nil, unix.EFAULT
		}
		off := addr - base
		c := min(v.cfg.PageSize-off, n)
		if p.data == nil {
			out = append(out, make([]byte, c)...)
		} else {
			out = append(out, p.data[off:off+c]...)
		}
		addr += c
		n -= c
	}
	return out, nil
}

// Write copies data to addr, ignoring protections. Written pages become
// resident.
func (v *VM) Write(addr uintptr, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for len(data) > 0 {
		base := addr &^ (v.cfg.PageSize - 1)
		p, ok := v.pages[base]
		if !ok {
			return unix.EFAULT
		}
		if p.data == nil {
			p.data = make([]byte, v.cfg.PageSize)
		}
		p.resident = true
		n := copy(p.data[addr-base:], data)
		addr += uintptr(n)
		data = data[n:]
	}
	return nil
}

// IsMapped returns true if every page in [addr, addr+length) is mapped.
func (v *VM) IsMapped(addr, length uintptr) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mappedLocked(addr, length)
}

// IsUnmapped returns true if no page in [addr, addr+length) is mapped.
func (v *VM) IsUnmapped(addr, length uintptr) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.freeLocked(addr, length)
}

// ProtAt returns the protection of the page containing addr.
func (v *VM) ProtAt(addr uintptr) (platform.Prot, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.pages[addr&^(v.cfg.PageSize-1)]
	if !ok {
		return 0, false
	}
	return p.prot, true
}

// NameAt returns the debug name of the page containing addr.
func (v *VM) NameAt(addr uintptr) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if p, ok := v.pages[addr&^(v.cfg.PageSize-1)]; ok {
		return p.name
	}
	return ""
}

// DontForkAt returns true if MADV_DONTFORK was applied to the page
// containing addr.
func (v *VM) DontForkAt(addr uintptr) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.pages[addr&^(v.cfg.PageSize-1)]
	return ok && p.dontFork
}

// MappedPages returns the number of mapped pages.
func (v *VM) MappedPages() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.pages)
}

// Calls returns how many times op was invoked. op is one of "map", "unmap",
// "protect", "sync", "mremap", "mincore", "zero", or an Advice name.
func (v *VM) Calls(op string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[op]
}

// MarkResident sets the residency of every mapped page in
// [addr, addr+length).
func (v *VM) MarkResident(addr, length uintptr, resident bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for a := addr; a < addr+length; a += v.cfg.PageSize {
		if p, ok := v.pages[a]; ok {
			p.resident = resident
		}
	}
}
