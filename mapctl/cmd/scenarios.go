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

package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gvisor.dev/mapmgr/pkg/mapmgr"
	"gvisor.dev/mapmgr/pkg/platform"
)

// errSkipped is returned by scenarios the host cannot run.
var errSkipped = errors.New("skipped")

// Memory reads and writes the visible bytes of a mapping.
type Memory interface {
	Read(m *mapmgr.Mapping, off, n uintptr) []byte
	Write(m *mapmgr.Mapping, off uintptr, data []byte)
}

// hostMemory accesses mappings in the current address space.
type hostMemory struct{}

// Read implements Memory.Read.
func (hostMemory) Read(m *mapmgr.Mapping, off, n uintptr) []byte {
	return append([]byte(nil), m.Bytes()[off:off+n]...)
}

// Write implements Memory.Write.
func (hostMemory) Write(m *mapmgr.Mapping, off uintptr, data []byte) {
	copy(m.Bytes()[off:], data)
}

// Scenario is one end-to-end exercise of the manager.
type Scenario struct {
	Name string
	Run  func(mgr *mapmgr.Manager, mem Memory, dir string) error
}

// Scenarios are run by the selftest and metrics commands.
var Scenarios = []Scenario{
	{"anonymous-shrink", anonymousShrink},
	{"aligned", aligned},
	{"reservation", reservation},
	{"carve-tail", carveTail},
	{"replace", replace},
	{"file-offset", fileOffset},
}

func check(cond bool, format string, v ...any) error {
	if cond {
		return nil
	}
	return fmt.Errorf(format, v...)
}

func anonymousShrink(mgr *mapmgr.Manager, _ Memory, _ string) error {
	ps := mgr.PageSize()
	m, err := mgr.MapAnonymous("selftest-anon", mapmgr.AnonymousOpts{Length: 2*ps - 192, Prot: platform.ProtRW})
	if err != nil {
		return err
	}
	defer m.Unmap()
	if err := check(m.Size() == 2*ps-192 && m.BaseSize() == 2*ps && m.Begin() == m.BaseBegin(), "mapped %v with base size %#x", m, m.BaseSize()); err != nil {
		return err
	}
	m.Shrink(ps - 96)
	return check(m.Size() == ps-96 && m.BaseSize() == ps && mgr.HasMapping(m), "shrunk to %v with base size %#x", m, m.BaseSize())
}

func aligned(mgr *mapmgr.Manager, _ Memory, _ string) error {
	ps := mgr.PageSize()
	const alignment = 64 << 10
	m, err := mgr.MapAnonymousAligned("selftest-aligned", 3*ps, platform.ProtRW, false, alignment)
	if err != nil {
		return err
	}
	defer m.Unmap()
	return check(m.BaseBegin()%alignment == 0 && m.Size() == 3*ps && m.BaseSize() == 3*ps, "aligned mapping %v with base %#x+%#x", m, m.BaseBegin(), m.BaseSize())
}

func reservation(mgr *mapmgr.Manager, _ Memory, _ string) error {
	ps := mgr.PageSize()
	r, err := mgr.MapAnonymous("selftest-reservation", mapmgr.AnonymousOpts{Length: 32 * ps, Prot: platform.ProtNone})
	if err != nil {
		return err
	}
	defer r.Unmap()
	begin := r.Begin()
	g1, err := r.TakeReserved(4*ps, false)
	if err != nil {
		return err
	}
	defer g1.Unmap()
	if err := check(g1.Begin() == begin && g1.End() == r.Begin() && r.Size() == 28*ps, "took %v, left %v", g1, r); err != nil {
		return err
	}
	g2, err := mgr.MapAnonymous("selftest-reserved-data", mapmgr.AnonymousOpts{Addr: r.Begin(), Length: 2 * ps, Prot: platform.ProtRW, Reservation: r})
	if err != nil {
		return err
	}
	defer g2.Unmap()
	return check(g2.Begin() == g1.End() && r.Begin() == g2.End() && mgr.NoGapsBetween(g1, r), "mapped %v over reservation, left %v", g2, r)
}

func carveTail(mgr *mapmgr.Manager, _ Memory, _ string) error {
	ps := mgr.PageSize()
	m, err := mgr.MapAnonymous("selftest-carve", mapmgr.AnonymousOpts{Length: 5 * ps, Prot: platform.ProtRW})
	if err != nil {
		return err
	}
	defer m.Unmap()
	tail, err := m.CarveTail(m.Begin()+2*ps, "selftest-carve-tail", platform.ProtRead)
	if err != nil {
		return err
	}
	defer tail.Unmap()
	return check(m.Size() == 2*ps && tail.Size() == 3*ps && tail.Begin() == m.End() && m.BaseSize()+tail.BaseSize() == 5*ps, "carved %v from %v", tail, m)
}

func replace(mgr *mapmgr.Manager, mem Memory, _ string) error {
	if !mgr.Options().MoveRemap {
		return errSkipped
	}
	ps := mgr.PageSize()
	dst, err := mgr.MapAnonymous("selftest-replace", mapmgr.AnonymousOpts{Length: 3 * ps, Prot: platform.ProtRW})
	if err != nil {
		return err
	}
	defer dst.Unmap()
	src, err := mgr.MapAnonymous("selftest-replace-src", mapmgr.AnonymousOpts{Length: 2 * ps, Prot: platform.ProtRW})
	if err != nil {
		return err
	}
	defer src.Unmap()
	mem.Write(src, ps, []byte("payload"))
	if err := dst.ReplaceWith(src); err != nil {
		if errors.Is(err, mapmgr.ErrUnsupportedOperation) {
			return errSkipped
		}
		return err
	}
	got := mem.Read(dst, ps, 7)
	return check(!src.IsValid() && dst.Size() == 2*ps && string(got) == "payload", "replaced into %v reading %q", dst, got)
}

func fileOffset(mgr *mapmgr.Manager, mem Memory, dir string) error {
	ps := mgr.PageSize()
	data := make([]byte, 4*ps)
	for i := range data {
		data[i] = byte(i)
	}
	f, err := os.CreateTemp(dir, "selftest-file")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	const offset = 100
	m, err := mgr.MapFile(ps+904, platform.ProtRead, platform.MapPrivate, int(f.Fd()), offset, false, filepath.Base(f.Name()))
	if err != nil {
		return err
	}
	defer m.Unmap()
	if err := check(m.Begin()-m.BaseBegin() == offset+m.RedzoneSize() && m.Size() == ps+904, "file mapping %v with base %#x+%#x", m, m.BaseBegin(), m.BaseSize()); err != nil {
		return err
	}
	got := mem.Read(m, 0, 4)
	return check(got[0] == offset && got[3] == offset+3, "file mapping reads %v", got)
}
