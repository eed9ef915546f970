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

	"gvisor.dev/mapmgr/pkg/cleanup"
	"gvisor.dev/mapmgr/pkg/hostarch"
	"gvisor.dev/mapmgr/pkg/platform"
)

// kindFlags are the flags a Mapping remembers about how it was created.
const kindFlags = platform.MapPrivate | platform.MapShared | platform.MapAnonymous

// AnonymousOpts describe an anonymous mapping.
type AnonymousOpts struct {
	// Addr is the requested address, or zero to let the host choose. Unless
	// Reuse or Reservation is set it is only a hint, and a mapping placed
	// elsewhere is an error.
	Addr uintptr

	// Length is the visible size in bytes. It is rounded up to whole pages
	// for the kernel.
	Length uintptr

	// Prot is the initial protection.
	Prot platform.Prot

	// Low4GB requires the mapping to end at or below 4GiB.
	Low4GB bool

	// Reuse maps over pages already owned by a registered mapping. The
	// result is a view.
	Reuse bool

	// Reservation, if set, must begin at Addr and be at least Length
	// bytes. The mapping replaces the front of the reservation, which
	// shrinks accordingly.
	Reservation *Mapping

	// SkipDebugName leaves the kernel mapping unnamed.
	SkipDebugName bool
}

// MapAnonymous creates an anonymous private mapping named name.
func (mgr *Manager) MapAnonymous(name string, opts AnonymousOpts) (*Mapping, error) {
	const op = "MapAnonymous"
	if opts.Length == 0 {
		return Invalid(), mgr.fail(newError(KindInvalidArgument, op, nil, "empty mapping %q requested", name))
	}
	length, ok := mgr.roundUp(opts.Length)
	if !ok {
		return Invalid(), mgr.fail(newError(KindInvalidArgument, op, nil, "length %#x of %q overflows", opts.Length, name))
	}
	if !mgr.aligned(opts.Addr) {
		return Invalid(), mgr.fail(newError(KindInvalidArgument, op, nil, "address %#x of %q is not page-aligned", opts.Addr, name))
	}

	flags := platform.MapPrivate | platform.MapAnonymous
	switch {
	case opts.Reuse:
		if err := mgr.checkReuse(op, opts.Addr, opts.Length); err != nil {
			return Invalid(), mgr.fail(err)
		}
		flags |= platform.MapFixed
	case opts.Reservation != nil:
		if err := mgr.checkReservation(op, opts.Addr, length, name, opts.Reservation); err != nil {
			return Invalid(), mgr.fail(err)
		}
		flags |= platform.MapFixed
	}

	addr, err := mgr.mapInternal(mapRequest{
		op:     op,
		addr:   opts.Addr,
		length: length,
		prot:   opts.Prot,
		flags:  flags,
		fd:     -1,
		low4GB: opts.Low4GB,
	})
	if err != nil {
		return Invalid(), mgr.fail(err)
	}
	if opts.Reservation != nil {
		opts.Reservation.mustReleaseReserved(length)
	}
	m := mgr.newMapping(name, addr, opts.Length, addr, length, opts.Prot, flags&kindFlags, opts.Reuse, 0)
	if !opts.SkipDebugName && !opts.Reuse {
		mgr.setDebugName(m, name)
	}
	return m, nil
}

// MapAnonymousAligned creates an anonymous mapping whose base is a multiple
// of alignment, which must be a power of two larger than the page size.
func (mgr *Manager) MapAnonymousAligned(name string, length uintptr, prot platform.Prot, low4GB bool, alignment uintptr) (*Mapping, error) {
	const op = "MapAnonymousAligned"
	if !hostarch.IsPowerOfTwo(alignment) || alignment <= mgr.pageSize {
		return Invalid(), mgr.fail(newError(KindInvalidArgument, op, nil, "alignment %#x must be a power of two above the page size %#x", alignment, mgr.pageSize))
	}
	if length == 0 {
		return Invalid(), mgr.fail(newError(KindInvalidArgument, op, nil, "empty mapping %q requested", name))
	}
	rounded, ok := mgr.roundUp(length)
	if !ok || rounded+alignment-mgr.pageSize < rounded {
		return Invalid(), mgr.fail(newError(KindInvalidArgument, op, nil, "length %#x of %q overflows", length, name))
	}
	// Over-allocate so that an aligned range of the requested size is
	// guaranteed to fit, then trim both sides.
	m, err := mgr.MapAnonymous(name, AnonymousOpts{
		Length: rounded + alignment - mgr.pageSize,
		Prot:   prot,
		Low4GB: low4GB,
	})
	if err != nil {
		return m, err
	}
	m.AlignBy(alignment, false)
	m.Shrink(length)
	return m, nil
}

// FileOpts describe a file mapping.
type FileOpts struct {
	// Addr is the requested address of the first visible byte, or zero.
	// It must have the same offset within its page as Offset.
	Addr uintptr

	// Length is the visible size in bytes.
	Length uintptr

	// Prot is the protection. It may not be ProtNone.
	Prot platform.Prot

	// Flags must include MapShared or MapPrivate. MapFixed is only
	// permitted together with Reuse or Reservation.
	Flags platform.Flags

	// FD is the file to map.
	FD int

	// Offset is the file offset of the first visible byte. It need not be
	// page-aligned.
	Offset int64

	// Low4GB requires the mapping to end at or below 4GiB.
	Low4GB bool

	// Filename names the mapping.
	Filename string

	// Reuse and Reservation are as for AnonymousOpts.
	Reuse       bool
	Reservation *Mapping
}

// MapFileAtAddress maps part of a file.
//
// An unaligned Offset is supported by mapping from the start of its page and
// placing the visible range inside the base range. When redzones are enabled
// and no address is given, the base range also starts with an inaccessible
// guard page and is followed by another one.
func (mgr *Manager) MapFileAtAddress(opts FileOpts) (*Mapping, error) {
	const op = "MapFileAtAddress"
	switch {
	case opts.Prot == platform.ProtNone:
		return Invalid(), mgr.fail(newError(KindInvalidArgument, op, nil, "mapping of %q needs a protection", opts.Filename))
	case opts.Flags&(platform.MapShared|platform.MapPrivate) == 0:
		return Invalid(), mgr.fail(newError(KindInvalidArgument, op, nil, "flags %v of %q are neither shared nor private", opts.Flags, opts.Filename))
	case opts.Flags&platform.MapAnonymous != 0:
		return Invalid(), mgr.fail(newError(KindInvalidArgument, op, nil, "file mapping of %q is anonymous", opts.Filename))
	case opts.FD < 0:
		return Invalid(), mgr.fail(newError(KindInvalidArgument, op, nil, "bad fd %d for %q", opts.FD, opts.Filename))
	case opts.Offset < 0:
		return Invalid(), mgr.fail(newError(KindInvalidArgument, op, nil, "negative offset %d for %q", opts.Offset, opts.Filename))
	case opts.Length == 0:
		return Invalid(), mgr.fail(newError(KindInvalidArgument, op, nil, "empty mapping of %q requested", opts.Filename))
	}

	pageOffset := uintptr(opts.Offset) - hostarch.RoundDownSize(uintptr(opts.Offset), mgr.pageSize)
	alignedOffset := opts.Offset - int64(pageOffset)
	length, ok := mgr.roundUp(opts.Length + pageOffset)
	if !ok || opts.Length+pageOffset < opts.Length {
		return Invalid(), mgr.fail(newError(KindInvalidArgument, op, nil, "length %#x of %q overflows", opts.Length, opts.Filename))
	}
	var addr uintptr
	if opts.Addr != 0 {
		addr = opts.Addr - pageOffset
		if !mgr.aligned(addr) {
			return Invalid(), mgr.fail(newError(KindInvalidArgument, op, nil, "address %#x and offset %#x of %q are in different positions within a page", opts.Addr, opts.Offset, opts.Filename))
		}
	}

	flags := opts.Flags &^ platform.MapFixedNoReplace
	switch {
	case opts.Reuse:
		if err := mgr.checkReuse(op, opts.Addr, opts.Length); err != nil {
			return Invalid(), mgr.fail(err)
		}
		flags |= platform.MapFixed
	case opts.Reservation != nil:
		if err := mgr.checkReservation(op, addr, length, opts.Filename, opts.Reservation); err != nil {
			return Invalid(), mgr.fail(err)
		}
		flags |= platform.MapFixed
	case flags&platform.MapFixed != 0:
		return Invalid(), mgr.fail(newError(KindInvalidArgument, op, nil, "fixed mapping of %q needs reuse or a reservation", opts.Filename))
	}

	req := mapRequest{
		op:     op,
		addr:   addr,
		length: length,
		prot:   opts.Prot,
		flags:  flags,
		fd:     opts.FD,
		offset: alignedOffset,
		low4GB: opts.Low4GB,
	}
	if mgr.opts.Redzones && opts.Addr == 0 {
		return mgr.mapFileWithRedzones(req, opts, pageOffset)
	}

	actual, err := mgr.mapInternal(req)
	if err != nil {
		return Invalid(), mgr.fail(err)
	}
	if opts.Reservation != nil {
		opts.Reservation.mustReleaseReserved(length)
	}
	return mgr.newMapping(opts.Filename, actual+pageOffset, opts.Length, actual, length, opts.Prot, flags&kindFlags, opts.Reuse, 0), nil
}

// mapFileWithRedzones reserves a guard page on each side of the file pages
// and maps the file over the middle of the reservation.
func (mgr *Manager) mapFileWithRedzones(req mapRequest, opts FileOpts, pageOffset uintptr) (*Mapping, error) {
	guard := mgr.pageSize
	total := guard + req.length + guard
	if total < req.length {
		return Invalid(), mgr.fail(newError(KindInvalidArgument, req.op, nil, "length %#x of %q overflows", opts.Length, opts.Filename))
	}
	base, err := mgr.mapInternal(mapRequest{
		op:     req.op,
		length: total,
		prot:   platform.ProtNone,
		flags:  platform.MapPrivate | platform.MapAnonymous | platform.MapNoReserve,
		fd:     -1,
		low4GB: req.low4GB,
	})
	if err != nil {
		return Invalid(), mgr.fail(err)
	}
	cu := cleanup.Make(func() { mgr.unmapOrDie(base, total) })
	defer cu.Clean()
	req.addr = base + guard
	if _, err := mgr.vm.Map(req.addr, req.length, req.prot, req.flags|platform.MapFixed, req.fd, req.offset); err != nil {
		return Invalid(), mgr.fail(mgr.kernelFailure(req, err))
	}
	cu.Release()

	begin := req.addr + pageOffset
	end := begin + opts.Length
	mgr.makeNoAccess(base, begin-base)
	mgr.makeNoAccess(end, base+total-end)
	return mgr.newMapping(opts.Filename, begin, opts.Length, base, guard+req.length, opts.Prot, req.flags&kindFlags, false, guard), nil
}

// MapFile maps length bytes of fd at offset wherever the host chooses.
func (mgr *Manager) MapFile(length uintptr, prot platform.Prot, flags platform.Flags, fd int, offset int64, low4GB bool, filename string) (*Mapping, error) {
	return mgr.MapFileAtAddress(FileOpts{
		Length:   length,
		Prot:     prot,
		Flags:    flags,
		FD:       fd,
		Offset:   offset,
		Low4GB:   low4GB,
		Filename: filename,
	})
}

// MapPlaceholder registers a region mapped outside the manager. The result
// is a view: it is tracked but never unmapped.
func (mgr *Manager) MapPlaceholder(name string, addr, length uintptr) (*Mapping, error) {
	const op = "MapPlaceholder"
	if length == 0 {
		return Invalid(), mgr.fail(newError(KindInvalidArgument, op, nil, "empty placeholder %q requested", name))
	}
	rounded, ok := mgr.roundUp(length)
	if addr == 0 || !mgr.aligned(addr) || !ok || addr+rounded < addr {
		return Invalid(), mgr.fail(newError(KindInvalidArgument, op, nil, "bad placeholder range %#x+%#x for %q", addr, length, name))
	}
	return mgr.newMapping(name, addr, length, addr, rounded, platform.ProtNone, 0, true, 0), nil
}

// checkReuse verifies that a reused range lies within a registered mapping.
func (mgr *Manager) checkReuse(op string, addr, length uintptr) *Error {
	if addr == 0 {
		return newError(KindInvalidArgument, op, nil, "reuse requires an address")
	}
	if mgr.ContainedWithin(addr, length) == nil {
		mgr.dumpProcessMaps()
		return newError(KindInvalidArgument, op, nil, "requested region %#x-%#x does not lie within an existing mapping", addr, addr+length)
	}
	return nil
}

// checkReservation verifies that length bytes at addr can be taken from r.
func (mgr *Manager) checkReservation(op string, addr, length uintptr, name string, r *Mapping) *Error {
	switch {
	case !r.IsValid() || r.mgr != mgr:
		return newError(KindInvalidArgument, op, nil, "invalid reservation for %q", name)
	case !r.isPureReservation():
		return newError(KindInvalidArgument, op, nil, "%v is not a plain reservation", r)
	case r.begin != addr:
		return newError(KindReservationConflict, op, nil, "reservation for %q begins at %#x, not %#x", name, r.begin, addr)
	case length > r.size:
		return newError(KindReservationConflict, op, nil, "insufficient reservation for %q: required %#x, available %#x", name, length, r.size)
	}
	return nil
}

// mustReleaseReserved gives up the front of a reservation that
// checkReservation accepted.
func (m *Mapping) mustReleaseReserved(length uintptr) {
	if err := m.ReleaseReserved(length); err != nil {
		panic(fmt.Sprintf("releasing %#x bytes of checked reservation %v: %v", length, m, err))
	}
}
