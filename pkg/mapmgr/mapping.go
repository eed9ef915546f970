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

package mapmgr

import (
	"fmt"

	"gvisor.dev/mapmgr/pkg/hostarch"
	"gvisor.dev/mapmgr/pkg/platform"
)

// Mapping is a handle to a region of address space.
//
// An owning Mapping unmaps its pages in Unmap. A view (IsView) describes
// pages owned by someone else and never unmaps them. The zero value, and any
// Mapping returned alongside an error, is invalid: it has size zero, is not
// registered, and all its mutators are no-ops.
//
// The visible range [Begin, End) lies inside the kernel-mapped base range
// [BaseBegin, BaseEnd). The two differ for file mappings at unaligned
// offsets, for mappings whose size is not a multiple of the page size, and
// for mappings with redzones.
//
// A Mapping is not safe for concurrent use; the Manager it belongs to is.
type Mapping struct {
	// id identifies the handle in the registry. It never changes, so that
	// swapping the state of two handles keeps their registry identities.
	id uint64

	mappingState
}

// mappingState is everything that moves with the region when handles are
// swapped. Fields read by registry scans are only written with mgr.mu held.
type mappingState struct {
	mgr *Manager

	name string

	// begin and size describe the visible range.
	begin uintptr
	size  uintptr

	// baseBegin and baseSize describe the kernel mapping. Both are
	// page-aligned.
	baseBegin uintptr
	baseSize  uintptr

	prot  platform.Prot
	flags platform.Flags

	// reuse is true for views.
	reuse bool

	// alreadyUnmapped is true if the kernel has already released the
	// pages.
	alreadyUnmapped bool

	// redzoneSize is the size of the guard appended after the base range.
	redzoneSize uintptr

	// vname is the interned debug name, if any.
	vname *vmaName

	// regGen is the registry generation m was inserted in, or zero.
	regGen uint64
}

// Invalid returns an invalid Mapping.
func Invalid() *Mapping {
	return &Mapping{}
}

// newMapping creates and registers a Mapping.
func (mgr *Manager) newMapping(name string, begin, size, baseBegin, baseSize uintptr, prot platform.Prot, flags platform.Flags, reuse bool, redzoneSize uintptr) *Mapping {
	switch {
	case baseSize == 0 || !mgr.aligned(baseBegin) || !mgr.aligned(baseSize):
		panic(fmt.Sprintf("bad base range %#x+%#x for %q", baseBegin, baseSize, name))
	case begin < baseBegin || begin+size > baseBegin+baseSize:
		panic(fmt.Sprintf("visible range %#x+%#x outside base range %#x+%#x for %q", begin, size, baseBegin, baseSize, name))
	}
	m := &Mapping{
		id: mgr.lastID.Add(1),
		mappingState: mappingState{
			mgr:         mgr,
			name:        name,
			begin:       begin,
			size:        size,
			baseBegin:   baseBegin,
			baseSize:    baseSize,
			prot:        prot,
			flags:       flags,
			reuse:       reuse,
			redzoneSize: redzoneSize,
		},
	}
	mgr.mu.Lock()
	mgr.insertLocked(m)
	mgr.mu.Unlock()
	return m
}

// Name returns the mapping's name.
func (m *Mapping) Name() string {
	return m.name
}

// Begin returns the first visible address.
func (m *Mapping) Begin() uintptr {
	return m.begin
}

// End returns the address after the last visible byte.
func (m *Mapping) End() uintptr {
	return m.begin + m.size
}

// Size returns the visible size in bytes.
func (m *Mapping) Size() uintptr {
	return m.size
}

// BaseBegin returns the first kernel-mapped address.
func (m *Mapping) BaseBegin() uintptr {
	return m.baseBegin
}

// BaseEnd returns the end of the kernel-mapped range, excluding any redzone.
func (m *Mapping) BaseEnd() uintptr {
	return m.baseEnd()
}

func (m *Mapping) baseEnd() uintptr {
	return m.baseBegin + m.baseSize
}

// BaseSize returns the kernel-mapped size, excluding any redzone.
func (m *Mapping) BaseSize() uintptr {
	return m.baseSize
}

// Prot returns the recorded protection.
func (m *Mapping) Prot() platform.Prot {
	return m.prot
}

// IsValid returns true if m refers to a region.
func (m *Mapping) IsValid() bool {
	return m != nil && m.baseSize != 0
}

// IsView returns true if m does not own its pages.
func (m *Mapping) IsView() bool {
	return m.reuse
}

// RedzoneSize returns the size of the guard appended after the base range.
func (m *Mapping) RedzoneSize() uintptr {
	return m.redzoneSize
}

// HasAddress returns true if addr is in the visible range.
func (m *Mapping) HasAddress(addr uintptr) bool {
	return m.begin <= addr && addr < m.End()
}

// Range returns the visible range.
func (m *Mapping) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(m.begin), End: hostarch.Addr(m.End())}
}

// String implements fmt.Stringer.String.
func (m *Mapping) String() string {
	if !m.IsValid() {
		return "[invalid mapping]"
	}
	kind := ""
	if m.reuse {
		kind = " view"
	}
	return fmt.Sprintf("[%s %#x-%#x %v%s]", m.name, m.begin, m.End(), m.prot, kind)
}

// invalidateLocked deregisters m and clears its state without unmapping.
//
// +checklocks:mgr.mu
func (mgr *Manager) invalidateLocked(m *Mapping) {
	if mgr.registeredLocked(m) {
		mgr.eraseLocked(m)
	}
	mgr.putNameLocked(m)
	m.mappingState = mappingState{mgr: mgr, prot: m.prot}
}

// registeredLocked returns true if m is in the current registry.
//
// +checklocks:mgr.mu
func (mgr *Manager) registeredLocked(m *Mapping) bool {
	return mgr.maps != nil && m.regGen != 0 && m.regGen == mgr.gen
}

// Unmap releases m. Owning mappings unmap their pages unless the kernel
// already did; views only leave the registry. m is invalid afterwards.
// Unmap on an invalid Mapping does nothing.
func (m *Mapping) Unmap() {
	if !m.IsValid() {
		return
	}
	mgr := m.mgr
	if !m.reuse && !m.alreadyUnmapped {
		mgr.unmapOrDie(m.baseBegin, m.baseSize+m.redzoneSize)
	}
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.invalidateLocked(m)
}

// Release gives up ownership of the pages without unmapping them and
// returns the base range, including any redzone. m is invalid afterwards.
func (m *Mapping) Release() hostarch.AddrRange {
	if !m.IsValid() {
		return hostarch.AddrRange{}
	}
	r := hostarch.AddrRange{
		Start: hostarch.Addr(m.baseBegin),
		End:   hostarch.Addr(m.baseEnd() + m.redzoneSize),
	}
	mgr := m.mgr
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.invalidateLocked(m)
	return r
}

// ResetInForkedProcess invalidates m without unmapping, for use in a child
// process where the kernel dropped the pages because of AdviseDontFork.
func (m *Mapping) ResetInForkedProcess() {
	if !m.IsValid() {
		return
	}
	m.alreadyUnmapped = true
	m.Unmap()
}

// Swap exchanges the regions of m and other, updating the registry in the
// same critical section.
func (m *Mapping) Swap(other *Mapping) {
	if m == other {
		return
	}
	mgr := m.mgr
	if mgr == nil {
		mgr = other.mgr
	}
	if mgr == nil {
		return
	}
	if other.mgr != nil && other.mgr != mgr {
		panic(fmt.Sprintf("swapping %v and %v across managers", m, other))
	}
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mReg, oReg := mgr.registeredLocked(m), mgr.registeredLocked(other)
	if mReg {
		mgr.eraseLocked(m)
	}
	if oReg {
		mgr.eraseLocked(other)
	}
	m.mappingState, other.mappingState = other.mappingState, m.mappingState
	if oReg {
		mgr.insertLocked(m)
	}
	if mReg {
		mgr.insertLocked(other)
	}
}

// MoveFrom unmaps m and transfers src's region to it. src is invalid
// afterwards.
func (m *Mapping) MoveFrom(src *Mapping) {
	if m == src {
		return
	}
	m.Unmap()
	m.Swap(src)
}
