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
	"gvisor.dev/mapmgr/pkg/platform"
)

// CarveTail replaces the pages of m from newEnd onwards with a fresh
// anonymous mapping and returns it as a new Mapping. m keeps
// [Begin, newEnd).
//
// newEnd must be page-aligned and within [Begin, End]. If it is the end of
// the base range there is nothing to carve and an invalid Mapping is
// returned. If it equals BaseBegin, m becomes invalid.
func (m *Mapping) CarveTail(newEnd uintptr, tailName string, tailProt platform.Prot) (*Mapping, error) {
	return m.carveTail("CarveTail", newEnd, tailName, tailProt, platform.MapPrivate|platform.MapAnonymous, -1, 0)
}

// CarveTailFile is like CarveTail, but maps the tail from fd at offset.
// flags must include MapShared or MapPrivate.
func (m *Mapping) CarveTailFile(newEnd uintptr, tailName string, tailProt platform.Prot, flags platform.Flags, fd int, offset int64) (*Mapping, error) {
	const op = "CarveTailFile"
	if flags&(platform.MapShared|platform.MapPrivate) == 0 || fd < 0 || offset < 0 {
		return Invalid(), m.failf(KindInvalidArgument, op, "bad tail source: flags %v, fd %d, offset %d", flags, fd, offset)
	}
	return m.carveTail(op, newEnd, tailName, tailProt, flags&^platform.MapAnonymous, fd, offset)
}

func (m *Mapping) carveTail(op string, newEnd uintptr, tailName string, tailProt platform.Prot, flags platform.Flags, fd int, offset int64) (*Mapping, error) {
	if !m.IsValid() {
		return Invalid(), nil
	}
	mgr := m.mgr
	switch {
	case !mgr.aligned(newEnd):
		return Invalid(), m.failf(KindInvalidArgument, op, "new end %#x is not page-aligned", newEnd)
	case newEnd < m.begin || newEnd > m.End():
		return Invalid(), m.failf(KindInvalidArgument, op, "new end %#x outside %v", newEnd, m)
	case !mgr.aligned(m.begin) || m.redzoneSize != 0:
		return Invalid(), m.failf(KindInvalidArgument, op, "%v is not a page-aligned mapping without redzones", m)
	case offset%int64(mgr.pageSize) != 0:
		return Invalid(), m.failf(KindInvalidArgument, op, "offset %#x is not page-aligned", offset)
	}
	oldEnd := m.End()
	oldBaseEnd := m.baseEnd()
	if newEnd == oldBaseEnd {
		return Invalid(), nil
	}
	tailBaseSize := oldBaseEnd - newEnd

	mgr.makeUndefined(newEnd, tailBaseSize)
	// A fixed mapping over the tail replaces it atomically, so no other
	// thread can claim the range in between.
	req := mapRequest{
		op:     op,
		addr:   newEnd,
		length: tailBaseSize,
		prot:   tailProt,
		flags:  flags | platform.MapFixed,
		fd:     fd,
		offset: offset,
	}
	actual, err := mgr.vm.Map(req.addr, req.length, req.prot, req.flags, req.fd, req.offset)
	if err != nil {
		return Invalid(), mgr.fail(mgr.kernelFailure(req, err))
	}

	mgr.mu.Lock()
	if newEnd == m.baseBegin {
		mgr.invalidateLocked(m)
	} else {
		m.size = newEnd - m.begin
		m.baseSize = newEnd - m.baseBegin
	}
	mgr.mu.Unlock()

	tail := mgr.newMapping(tailName, actual, oldEnd-newEnd, actual, tailBaseSize, tailProt, flags&kindFlags, false, 0)
	if flags&platform.MapAnonymous != 0 {
		mgr.setDebugName(tail, tailName)
	}
	return tail, nil
}

// isPureReservation returns true if m is an owning page-aligned mapping
// whose visible and base ranges coincide.
func (m *Mapping) isPureReservation() bool {
	return m.IsValid() && !m.reuse && !m.alreadyUnmapped && m.redzoneSize == 0 &&
		m.begin == m.baseBegin && m.size == m.baseSize && m.mgr.aligned(m.size)
}

// TakeReserved transfers the first length bytes, rounded up to whole pages,
// of the reservation m to a new Mapping with m's name and protection. m
// shrinks from the front, or becomes invalid if nothing is left. The new
// Mapping is a view if reuse is true.
func (m *Mapping) TakeReserved(length uintptr, reuse bool) (*Mapping, error) {
	const op = "TakeReserved"
	if !m.IsValid() {
		return Invalid(), newError(KindInvalidArgument, op, nil, "invalid reservation")
	}
	mgr := m.mgr
	begin, name, prot, flags := m.begin, m.name, m.prot, m.flags
	if err := m.releaseReserved(op, length); err != nil {
		return Invalid(), err
	}
	rounded, _ := mgr.roundUp(length)
	g := mgr.newMapping(name, begin, length, begin, rounded, prot, flags, reuse, 0)
	return g, nil
}

// ReleaseReserved gives up the first length bytes, rounded up to whole
// pages, of the reservation m without unmapping them. Ownership of those
// pages passes to the caller.
func (m *Mapping) ReleaseReserved(length uintptr) error {
	if !m.IsValid() {
		return newError(KindInvalidArgument, "ReleaseReserved", nil, "invalid reservation")
	}
	if err := m.releaseReserved("ReleaseReserved", length); err != nil {
		return err
	}
	return nil
}

func (m *Mapping) releaseReserved(op string, length uintptr) *Error {
	mgr := m.mgr
	if !m.isPureReservation() {
		return m.failf(KindInvalidArgument, op, "%v is not a plain reservation", m)
	}
	if length == 0 || length > m.size {
		return m.failf(KindInvalidArgument, op, "cannot take %#x bytes from %v", length, m)
	}
	rounded, _ := mgr.roundUp(length)

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if rounded == m.size {
		mgr.invalidateLocked(m)
		return nil
	}
	reg := mgr.registeredLocked(m)
	if reg {
		mgr.eraseLocked(m)
	}
	m.begin += rounded
	m.size -= rounded
	m.baseBegin = m.begin
	m.baseSize = m.size
	if reg {
		mgr.insertLocked(m)
	}
	return nil
}

// failf records and returns an error for an operation on m.
func (m *Mapping) failf(kind ErrorKind, op, format string, v ...any) *Error {
	err := newError(kind, op, nil, format, v...)
	if m.mgr != nil {
		return m.mgr.fail(err)
	}
	return err
}
