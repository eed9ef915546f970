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
)

// entry is a registry element. base is copied out of the Mapping so that the
// tree order does not change while the Mapping is being mutated; the two are
// always equal when observed under Manager.mu.
type entry struct {
	base uintptr
	id   uint64
	m    *Mapping
}

// entryLess orders entries by base address, then by handle id, which makes
// the tree a multimap with pointer identity.
func entryLess(a, b entry) bool {
	if a.base != b.base {
		return a.base < b.base
	}
	return a.id < b.id
}

// insertLocked registers m.
//
// +checklocks:mgr.mu
func (mgr *Manager) insertLocked(m *Mapping) {
	if mgr.maps == nil {
		return
	}
	if _, dup := mgr.maps.ReplaceOrInsert(entry{base: m.baseBegin, id: m.id, m: m}); dup {
		panic(fmt.Sprintf("mapping %v registered twice", m))
	}
	m.regGen = mgr.gen
}

// eraseLocked removes m's entry. A missing or mismatched entry means the
// registry no longer describes the handles and is fatal.
//
// +checklocks:mgr.mu
func (mgr *Manager) eraseLocked(m *Mapping) {
	if mgr.maps == nil {
		return
	}
	e, ok := mgr.maps.Delete(entry{base: m.baseBegin, id: m.id})
	if !ok || e.m != m {
		panic(fmt.Sprintf("mapping %v (base %#x, size %#x) not found in registry", m, m.baseBegin, m.baseSize))
	}
	m.regGen = 0
}

// HasMapping returns true if m is registered under its current base.
func (mgr *Manager) HasMapping(m *Mapping) bool {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.hasMappingLocked(m)
}

// +checklocks:mgr.mu
func (mgr *Manager) hasMappingLocked(m *Mapping) bool {
	if mgr.maps == nil || m == nil {
		return false
	}
	e, ok := mgr.maps.Get(entry{base: m.baseBegin, id: m.id})
	return ok && e.m == m
}

// LargestAt returns the registered mapping with base address addr and the
// greatest base size, or nil.
func (mgr *Manager) LargestAt(addr uintptr) *Mapping {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.largestAtLocked(addr)
}

// +checklocks:mgr.mu
func (mgr *Manager) largestAtLocked(addr uintptr) *Mapping {
	if mgr.maps == nil {
		return nil
	}
	var largest *Mapping
	mgr.maps.AscendGreaterOrEqual(entry{base: addr}, func(e entry) bool {
		if e.base != addr {
			return false
		}
		if largest == nil || e.m.baseSize > largest.baseSize {
			largest = e.m
		}
		return true
	})
	return largest
}

// ContainedWithin returns a registered mapping whose visible range encloses
// [addr, addr+length), or nil.
func (mgr *Manager) ContainedWithin(addr, length uintptr) *Mapping {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.containedWithinLocked(addr, length)
}

// +checklocks:mgr.mu
func (mgr *Manager) containedWithinLocked(addr, length uintptr) *Mapping {
	if mgr.maps == nil || addr+length < addr {
		return nil
	}
	var found *Mapping
	mgr.maps.Ascend(func(e entry) bool {
		if e.m.begin > addr {
			// Visible ranges start at or after their bases.
			return e.base <= addr
		}
		visible := hostarch.AddrRange{Start: hostarch.Addr(e.m.begin), End: hostarch.Addr(e.m.begin + e.m.size)}
		if visible.IsSupersetOf(hostarch.AddrRange{Start: hostarch.Addr(addr), End: hostarch.Addr(addr + length)}) {
			found = e.m
			return false
		}
		return true
	})
	return found
}

// NoGapsBetween returns true if [a.BaseBegin(), b.BaseEnd()) is covered by a
// chain of registered mappings, each found with LargestAt at the end of the
// previous one. A b that ends before a starts is trivially covered.
func (mgr *Manager) NoGapsBetween(a, b *Mapping) bool {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if !a.IsValid() || !b.IsValid() || !mgr.hasMappingLocked(a) || !mgr.hasMappingLocked(b) {
		return false
	}
	end := b.baseEnd()
	for cur := a.baseBegin; cur < end; {
		next := mgr.largestAtLocked(cur)
		if next == nil {
			return false
		}
		cur += next.baseSize
	}
	return true
}

// Len returns the number of registered mappings.
func (mgr *Manager) Len() int {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.maps == nil {
		return 0
	}
	return mgr.maps.Len()
}

// MappedBytes returns the total base size of registered owning mappings.
// Views are not counted.
func (mgr *Manager) MappedBytes() uint64 {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	var total uint64
	mgr.forEachLocked(func(m *Mapping) {
		if !m.reuse {
			total += uint64(m.baseSize)
		}
	})
	return total
}

// forEachLocked calls fn on every registered mapping in address order.
//
// +checklocks:mgr.mu
func (mgr *Manager) forEachLocked(fn func(m *Mapping)) {
	if mgr.maps == nil {
		return
	}
	mgr.maps.Ascend(func(e entry) bool {
		fn(e.m)
		return true
	})
}
