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

// accessibleBase returns the first page of the base range that is not a
// guard page.
func (m *Mapping) accessibleBase() uintptr {
	return hostarch.RoundDownSize(m.begin, m.mgr.pageSize)
}

// Shrink reduces the visible size to newSize and unmaps the pages no longer
// needed. Shrinking to zero unmaps m entirely.
//
// Preconditions: newSize <= m.Size().
func (m *Mapping) Shrink(newSize uintptr) {
	if !m.IsValid() {
		return
	}
	if newSize > m.size {
		panic(fmt.Sprintf("cannot grow %v to %#x bytes", m, newSize))
	}
	if newSize == 0 {
		m.Unmap()
		return
	}
	mgr := m.mgr
	newBaseSize, _ := mgr.roundUp(newSize + (m.begin - m.baseBegin))
	if newBaseSize != m.baseSize && !m.reuse && !m.alreadyUnmapped {
		released := m.baseSize - newBaseSize
		tail := m.baseBegin + newBaseSize
		if m.redzoneSize != 0 {
			// The first released page becomes the new guard.
			if err := mgr.vm.Protect(tail, m.redzoneSize, platform.ProtNone); err != nil {
				panic(fmt.Sprintf("mprotect(%#x, %#x) of new redzone failed: %v", tail, m.redzoneSize, err))
			}
			mgr.makeNoAccess(tail, m.redzoneSize)
			tail += m.redzoneSize
		}
		mgr.unmapOrDie(tail, released)
	}
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	m.size = newSize
	m.baseSize = newBaseSize
}

// AlignBy unmaps the pages before the first multiple of alignment and, if
// alignBothEnds is set, after the last one, so that the base range starts
// (and ends) aligned.
//
// Preconditions: the visible range equals the base range; m is not a view;
// alignment is a power of two greater than the page size; the aligned range
// is not empty.
func (m *Mapping) AlignBy(alignment uintptr, alignBothEnds bool) {
	if !m.IsValid() {
		return
	}
	mgr := m.mgr
	switch {
	case m.begin != m.baseBegin || m.size != m.baseSize:
		panic(fmt.Sprintf("AlignBy on %v whose visible range differs from its base range", m))
	case !hostarch.IsPowerOfTwo(alignment) || alignment <= mgr.pageSize:
		panic(fmt.Sprintf("AlignBy(%#x) with page size %#x", alignment, mgr.pageSize))
	case m.reuse:
		panic(fmt.Sprintf("AlignBy on view %v", m))
	}
	base, end := hostarch.Addr(m.baseBegin), hostarch.Addr(m.baseEnd())
	if base.IsAligned(alignment) && (!alignBothEnds || hostarch.Addr(m.baseSize).IsAligned(alignment)) {
		return
	}
	alignedBase, ok := base.RoundUp(alignment)
	if !ok || alignedBase >= end {
		panic(fmt.Sprintf("%v contains no address aligned to %#x", m, alignment))
	}
	alignedEnd := end
	if alignBothEnds {
		alignedEnd = end.RoundDown(alignment)
		if alignedEnd <= alignedBase {
			panic(fmt.Sprintf("%v contains no %#x-aligned block", m, alignment))
		}
	}
	if alignedBase > base {
		mgr.unmapOrDie(uintptr(base), uintptr(alignedBase-base))
	}
	if alignedEnd < end {
		mgr.unmapOrDie(uintptr(alignedEnd), uintptr(end-alignedEnd))
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	reg := mgr.registeredLocked(m)
	if reg {
		mgr.eraseLocked(m)
	}
	m.baseBegin = uintptr(alignedBase)
	m.baseSize = uintptr(alignedEnd - alignedBase)
	m.begin = m.baseBegin
	m.size = m.baseSize
	if reg {
		mgr.insertLocked(m)
	}
}

// Protect changes the protection of the mapping. On failure the recorded
// protection is unchanged. On an invalid Mapping only the recorded
// protection is updated.
func (m *Mapping) Protect(prot platform.Prot) error {
	if m == nil {
		return nil
	}
	if !m.IsValid() {
		m.prot = prot
		return nil
	}
	mgr := m.mgr
	addr := m.accessibleBase()
	if err := mgr.vm.Protect(addr, m.baseEnd()-addr, prot); err != nil {
		mgr.log.Warningf("mapmgr: mprotect(%#x, %#x, %v) failed: %v", addr, m.baseEnd()-addr, prot, err)
		return mgr.fail(newError(KindKernelMapFailed, "Protect", err, "mprotect %v to %v", m, prot))
	}
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	m.prot = prot
	return nil
}

// ReplaceWith atomically moves the pages of src over the start of m. On
// success src is invalid, m has src's size and contents, and any of m's
// pages beyond src's base range are unmapped. On failure neither mapping
// changes.
func (m *Mapping) ReplaceWith(src *Mapping) error {
	const op = "ReplaceWith"
	if !m.IsValid() || !src.IsValid() {
		return newError(KindInvalidArgument, op, nil, "cannot replace %v with %v", m, src)
	}
	mgr := m.mgr
	switch {
	case src.mgr != mgr:
		return mgr.fail(newError(KindInvalidArgument, op, nil, "%v and %v belong to different managers", m, src))
	case !mgr.useMoveRemap():
		return mgr.fail(newError(KindUnsupportedOperation, op, nil, "atomic replace needs move-remap, which is unavailable"))
	case m.reuse || src.reuse:
		return mgr.fail(newError(KindInvalidArgument, op, nil, "one or both of %v and %v is a view", m, src))
	case m.redzoneSize != 0 || src.redzoneSize != 0:
		return mgr.fail(newError(KindInvalidArgument, op, nil, "mappings with redzones cannot be replaced"))
	case m.begin-m.baseBegin != src.begin-src.baseBegin:
		return mgr.fail(newError(KindInvalidArgument, op, nil, "%v and %v start at different offsets from their bases", m, src))
	}
	dst := hostarch.AddrRange{Start: hostarch.Addr(m.baseBegin), End: hostarch.Addr(m.baseBegin + src.baseSize)}
	from := hostarch.AddrRange{Start: hostarch.Addr(src.baseBegin), End: hostarch.Addr(src.baseEnd())}
	if dst.Overlaps(from) {
		return mgr.fail(newError(KindInvalidArgument, op, nil, "destination %v overlaps source %v", dst, from))
	}

	oldProt := src.prot
	if err := src.Protect(m.prot); err != nil {
		return newError(KindKernelMapFailed, op, err, "could not give source the destination's protection")
	}
	res, err := mgr.vm.MoveRemap(src.baseBegin, src.baseSize, m.baseBegin, src.baseSize)
	if err != nil {
		if perr := src.Protect(oldProt); perr != nil {
			mgr.log.Warningf("mapmgr: restoring protection of %v: %v", src, perr)
		}
		return mgr.fail(newError(KindKernelMapFailed, op, err, "mremap %v to %#x", src, m.baseBegin))
	}
	if res != m.baseBegin {
		panic(fmt.Sprintf("mremap moved %v to %#x, want %#x", src, res, m.baseBegin))
	}

	srcSize := src.size
	mgr.mu.Lock()
	newBaseSize := max(src.baseSize, m.baseSize)
	m.flags = src.flags
	// The kernel moved src's pages; there is nothing left to unmap.
	mgr.invalidateLocked(src)
	m.size = srcSize
	m.baseSize = newBaseSize
	mgr.mu.Unlock()

	m.Shrink(srcSize)
	return nil
}

// FillWithZero zeroes the mapping. Whole pages of private anonymous memory
// are zeroed with madvise where the host supports it: with releaseEagerly
// all of them are dropped; otherwise resident pages are cleared and marked
// free while non-resident pages are dropped, which avoids faulting them in.
func (m *Mapping) FillWithZero(releaseEagerly bool) {
	if !m.IsValid() {
		return
	}
	addr := m.accessibleBase()
	m.mgr.zeroMemory(addr, m.baseEnd()-addr, releaseEagerly, m.isPrivateAnonymous())
}

func (m *Mapping) isPrivateAnonymous() bool {
	const want = platform.MapPrivate | platform.MapAnonymous
	return m.flags&want == want
}

// zeroMemory clears [addr, addr+length).
func (mgr *Manager) zeroMemory(addr, length uintptr, releaseEagerly, privateAnon bool) {
	if length == 0 {
		return
	}
	end := addr + length
	pageBegin := uintptr(hostarch.Addr(addr).MustRoundUp(mgr.pageSize))
	pageEnd := uintptr(hostarch.Addr(end).RoundDown(mgr.pageSize))
	if !mgr.madviseZeroes() || !privateAnon || pageBegin >= pageEnd {
		mgr.vm.Zero(addr, length)
		return
	}
	mgr.vm.Zero(addr, pageBegin-addr)
	mgr.vm.Zero(pageEnd, end-pageEnd)

	switch {
	case releaseEagerly:
		mgr.dropPages(pageBegin, pageEnd-pageBegin)
		return
	case !mgr.vm.Features().Mincore:
		mgr.vm.Zero(pageBegin, pageEnd-pageBegin)
		return
	}

	n := (pageEnd - pageBegin) / mgr.pageSize
	vec := make([]byte, n)
	if err := mgr.vm.Resident(pageBegin, pageEnd-pageBegin, vec); err != nil {
		mgr.warn.Warningf("mapmgr: mincore(%#x, %#x) failed: %v", pageBegin, pageEnd-pageBegin, err)
		mgr.vm.Zero(pageBegin, pageEnd-pageBegin)
		return
	}
	for i := uintptr(0); i < n; {
		resident := vec[i]&1 != 0
		j := i + 1
		for j < n && (vec[j]&1 != 0) == resident {
			j++
		}
		runAddr, runLen := pageBegin+i*mgr.pageSize, (j-i)*mgr.pageSize
		if resident {
			mgr.vm.Zero(runAddr, runLen)
			if err := mgr.vm.Advise(runAddr, runLen, platform.AdviseFree); err != nil {
				mgr.warn.Warningf("mapmgr: madvise(%#x, %#x, %v) failed: %v", runAddr, runLen, platform.AdviseFree, err)
			}
		} else {
			mgr.dropPages(runAddr, runLen)
		}
		i = j
	}
}

// dropPages releases pages with MADV_DONTNEED, clearing them by hand if
// that fails.
func (mgr *Manager) dropPages(addr, length uintptr) {
	if err := mgr.vm.Advise(addr, length, platform.AdviseDontNeed); err != nil {
		mgr.warn.Warningf("mapmgr: madvise(%#x, %#x, %v) failed: %v", addr, length, platform.AdviseDontNeed, err)
		mgr.vm.Zero(addr, length)
	}
}

// DiscardAndZero drops all pages of the mapping. Private anonymous pages
// read back as zero afterwards; other pages are cleared first.
func (m *Mapping) DiscardAndZero() error {
	if !m.IsValid() {
		return nil
	}
	mgr := m.mgr
	addr := m.accessibleBase()
	length := m.baseEnd() - addr
	if !mgr.madviseZeroes() || !m.isPrivateAnonymous() {
		mgr.vm.Zero(addr, length)
	}
	if err := mgr.vm.Advise(addr, length, platform.AdviseDontNeed); err != nil {
		mgr.warn.Warningf("mapmgr: madvise(%#x, %#x, %v) failed: %v", addr, length, platform.AdviseDontNeed, err)
		return mgr.fail(newError(KindKernelMapFailed, "DiscardAndZero", err, "madvise %v", m))
	}
	return nil
}

// Sync flushes the mapping to its backing file.
func (m *Mapping) Sync() error {
	if !m.IsValid() {
		return nil
	}
	mgr := m.mgr
	addr := m.accessibleBase()
	if err := mgr.vm.Sync(addr, m.baseEnd()-addr); err != nil {
		return mgr.fail(newError(KindKernelMapFailed, "Sync", err, "msync %v", m))
	}
	return nil
}

// TryReadable reads one byte of every page so that a broken mapping faults
// here rather than at some later access.
func (m *Mapping) TryReadable() error {
	if !m.IsValid() {
		return nil
	}
	if m.prot&platform.ProtRead == 0 {
		return m.failf(KindInvalidArgument, "TryReadable", "%v is not readable", m)
	}
	for addr := m.accessibleBase(); addr < m.baseEnd(); addr += m.mgr.pageSize {
		m.mgr.vm.Touch(addr)
	}
	return nil
}

// AdviseDontFork excludes the mapping from children created by fork. In the
// child, call ResetInForkedProcess instead of Unmap.
func (m *Mapping) AdviseDontFork() error {
	if !m.IsValid() {
		return nil
	}
	mgr := m.mgr
	if err := mgr.vm.Advise(m.baseBegin, m.baseSize+m.redzoneSize, platform.AdviseDontFork); err != nil {
		return mgr.fail(newError(KindKernelMapFailed, "AdviseDontFork", err, "madvise %v", m))
	}
	return nil
}
