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
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"gvisor.dev/mapmgr/pkg/hostarch"
	"gvisor.dev/mapmgr/pkg/log"
	"gvisor.dev/mapmgr/pkg/platform"
	"gvisor.dev/mapmgr/pkg/platform/fakevm"
	"gvisor.dev/mapmgr/pkg/sync"
)

const pageSize = 4096

// logRecorder keeps emitted log lines.
type logRecorder struct {
	mu    sync.Mutex
	lines []string
}

// Emit implements log.Emitter.Emit.
func (r *logRecorder) Emit(_ int, level log.Level, _ time.Time, format string, v ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprintf("%v: ", level)+fmt.Sprintf(format, v...))
}

func (r *logRecorder) contains(s string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lines {
		if strings.Contains(l, s) {
			return true
		}
	}
	return false
}

type testEnv struct {
	mgr  *Manager
	vm   *fakevm.VM
	logs *logRecorder
}

// newTestEnv returns a Manager over a fake VM with a deterministic low-4GiB
// cursor at the floor and recorded logs. configure and adjust, if set,
// modify the fake's configuration and the options respectively.
func newTestEnv(t *testing.T, configure func(*fakevm.Config), adjust func(*Options)) *testEnv {
	t.Helper()
	cfg := fakevm.DefaultConfig()
	if configure != nil {
		configure(&cfg)
	}
	vm := fakevm.NewWithConfig(cfg)
	opts := DefaultOptions(vm)
	logs := &logRecorder{}
	opts.Logger = &log.BasicLogger{Level: log.Debug, Emitter: logs}
	opts.Entropy = bytes.NewReader(make([]byte, 8))
	if adjust != nil {
		adjust(&opts)
	}
	mgr := New(vm, opts)
	t.Cleanup(mgr.Shutdown)
	return &testEnv{mgr: mgr, vm: vm, logs: logs}
}

// checkMapping verifies the invariants of a live Mapping.
func checkMapping(t *testing.T, mgr *Manager, m *Mapping) {
	t.Helper()
	if !m.IsValid() {
		if mgr.HasMapping(m) {
			t.Errorf("invalid mapping %v is registered", m)
		}
		if m.Size() != 0 || m.Begin() != 0 || m.BaseBegin() != 0 || m.BaseSize() != 0 {
			t.Errorf("invalid mapping has begin %#x size %#x base %#x+%#x", m.Begin(), m.Size(), m.BaseBegin(), m.BaseSize())
		}
		return
	}
	if m.BaseBegin()%pageSize != 0 || m.BaseSize()%pageSize != 0 {
		t.Errorf("%v: base %#x+%#x not page-aligned", m, m.BaseBegin(), m.BaseSize())
	}
	if m.Begin() < m.BaseBegin() || m.End() > m.BaseEnd() {
		t.Errorf("%v: visible %#x-%#x outside base %#x-%#x", m, m.Begin(), m.End(), m.BaseBegin(), m.BaseEnd())
	}
	if !mgr.HasMapping(m) {
		t.Errorf("%v is not registered under %#x", m, m.BaseBegin())
	}
}

func mustAnon(t *testing.T, mgr *Manager, name string, opts AnonymousOpts) *Mapping {
	t.Helper()
	m, err := mgr.MapAnonymous(name, opts)
	if err != nil {
		t.Fatalf("MapAnonymous(%q, %+v) failed: %v", name, opts, err)
	}
	checkMapping(t, mgr, m)
	return m
}

func TestAnonymousAndShrink(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	m := mustAnon(t, env.mgr, "heap", AnonymousOpts{Length: 8000, Prot: platform.ProtRW})
	if m.Size() != 8000 || m.BaseSize() != 8192 || m.Begin() != m.BaseBegin() || m.Begin() == 0 {
		t.Fatalf("got size %d base size %d begin %#x base %#x", m.Size(), m.BaseSize(), m.Begin(), m.BaseBegin())
	}
	if got, want := env.vm.NameAt(m.Begin()), "managed-heap"; got != want {
		t.Errorf("kernel name %q, want %q", got, want)
	}

	base := m.BaseBegin()
	m.Shrink(4000)
	if m.Size() != 4000 || m.BaseSize() != 4096 || m.BaseBegin() != base {
		t.Errorf("after Shrink: size %d base size %d base %#x", m.Size(), m.BaseSize(), m.BaseBegin())
	}
	checkMapping(t, env.mgr, m)
	if !env.vm.IsUnmapped(base+4096, 4096) {
		t.Errorf("released page %#x still mapped", base+4096)
	}

	m.Unmap()
	checkMapping(t, env.mgr, m)
	if env.vm.MappedPages() != 0 || env.mgr.Len() != 0 {
		t.Errorf("after Unmap: %d pages mapped, %d mappings registered", env.vm.MappedPages(), env.mgr.Len())
	}
	// A second Unmap is harmless.
	m.Unmap()
}

func TestShrinkToZero(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	m := mustAnon(t, env.mgr, "gone", AnonymousOpts{Length: 2 * pageSize, Prot: platform.ProtRW})
	m.Shrink(0)
	if m.IsValid() || env.vm.MappedPages() != 0 {
		t.Errorf("Shrink(0) left %v with %d pages mapped", m, env.vm.MappedPages())
	}
}

func TestAligned(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	m, err := env.mgr.MapAnonymousAligned("aligned", 12288, platform.ProtRW, false, 65536)
	if err != nil {
		t.Fatalf("MapAnonymousAligned failed: %v", err)
	}
	checkMapping(t, env.mgr, m)
	if m.BaseBegin()%65536 != 0 || m.Size() != 12288 || m.BaseSize() != 12288 {
		t.Errorf("got base %#x size %d base size %d", m.BaseBegin(), m.Size(), m.BaseSize())
	}
	if got := env.vm.MappedPages(); got != 3 {
		t.Errorf("%d pages mapped, want 3", got)
	}

	for _, alignment := range []uintptr{pageSize, 3 * pageSize, 0} {
		if _, err := env.mgr.MapAnonymousAligned("bad", pageSize, platform.ProtRW, false, alignment); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("MapAnonymousAligned with alignment %#x returned %v, want %v", alignment, err, ErrInvalidArgument)
		}
	}
}

func TestAlignByBothEnds(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	// Shift the top-down placement off a 64KiB boundary.
	mustAnon(t, env.mgr, "pad", AnonymousOpts{Length: pageSize, Prot: platform.ProtRW})
	m := mustAnon(t, env.mgr, "big", AnonymousOpts{Length: 0x30000, Prot: platform.ProtRW})
	if m.BaseBegin()%0x10000 == 0 {
		t.Fatalf("test setup: %#x is already aligned", m.BaseBegin())
	}
	oldBase, oldEnd := m.BaseBegin(), m.BaseEnd()
	m.AlignBy(0x10000, true)
	checkMapping(t, env.mgr, m)
	if m.BaseBegin()%0x10000 != 0 || m.BaseSize()%0x10000 != 0 {
		t.Errorf("after AlignBy: base %#x+%#x", m.BaseBegin(), m.BaseSize())
	}
	if !env.vm.IsUnmapped(oldBase, m.BaseBegin()-oldBase) || !env.vm.IsUnmapped(m.BaseEnd(), oldEnd-m.BaseEnd()) {
		t.Errorf("trimmed pages are still mapped")
	}
}

func TestReservationCarving(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	r := mustAnon(t, env.mgr, "r", AnonymousOpts{Length: 131072, Prot: platform.ProtNone})
	oldBegin := r.Begin()

	g1, err := r.TakeReserved(16384, false)
	if err != nil {
		t.Fatalf("TakeReserved failed: %v", err)
	}
	checkMapping(t, env.mgr, g1)
	checkMapping(t, env.mgr, r)
	if g1.Size() != 16384 || r.Size() != 114688 || g1.Begin()+g1.BaseSize() != r.Begin() || g1.Begin() != oldBegin {
		t.Errorf("g1 %#x+%#x, r %#x+%#x", g1.Begin(), g1.Size(), r.Begin(), r.Size())
	}

	// An anonymous mapping replaces the front of the reservation.
	g2 := mustAnon(t, env.mgr, "g2", AnonymousOpts{Addr: r.Begin(), Length: 5000, Prot: platform.ProtRW, Reservation: r})
	if g2.Begin() != g1.End() || r.Begin() != g2.BaseEnd() || r.Size() != 114688-8192 {
		t.Errorf("g2 %#x+%#x, r %#x+%#x", g2.Begin(), g2.Size(), r.Begin(), r.Size())
	}
	if prot, _ := env.vm.ProtAt(g2.Begin()); prot != platform.ProtRW {
		t.Errorf("g2 protection %v, want %v", prot, platform.ProtRW)
	}
	if !env.mgr.NoGapsBetween(g1, r) {
		t.Errorf("NoGapsBetween(g1, r) = false, want true")
	}

	if _, err := env.mgr.MapAnonymous("off", AnonymousOpts{Addr: r.Begin() + pageSize, Length: pageSize, Reservation: r}); !errors.Is(err, ErrReservationConflict) {
		t.Errorf("mismatched reservation returned %v, want %v", err, ErrReservationConflict)
	}
	if _, err := env.mgr.MapAnonymous("big", AnonymousOpts{Addr: r.Begin(), Length: r.Size() + 1, Reservation: r}); !errors.Is(err, ErrReservationConflict) {
		t.Errorf("oversized request returned %v, want %v", err, ErrReservationConflict)
	}

	// Taking the rest invalidates the reservation.
	rest, err := r.TakeReserved(r.Size(), true)
	if err != nil {
		t.Fatalf("TakeReserved of the remainder failed: %v", err)
	}
	if r.IsValid() || !rest.IsView() {
		t.Errorf("after taking everything: r valid %t, rest view %t", r.IsValid(), rest.IsView())
	}
	checkMapping(t, env.mgr, r)

	if _, err := g2.TakeReserved(pageSize, false); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("TakeReserved of a non-reservation returned %v, want %v", err, ErrInvalidArgument)
	}
}

func TestCarveTail(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	base := mustAnon(t, env.mgr, "base", AnonymousOpts{Length: 20480, Prot: platform.ProtRW})
	oldBaseSize := base.BaseSize()

	tail, err := base.CarveTail(base.Begin()+8192, "tail", platform.ProtRead)
	if err != nil {
		t.Fatalf("CarveTail failed: %v", err)
	}
	checkMapping(t, env.mgr, base)
	checkMapping(t, env.mgr, tail)
	if base.Size() != 8192 || tail.Size() != 12288 || tail.Begin() != base.Begin()+8192 {
		t.Errorf("base %#x+%#x, tail %#x+%#x", base.Begin(), base.Size(), tail.Begin(), tail.Size())
	}
	if base.BaseSize()+tail.BaseSize() != oldBaseSize {
		t.Errorf("carve lost pages: %#x + %#x != %#x", base.BaseSize(), tail.BaseSize(), oldBaseSize)
	}
	if prot, _ := env.vm.ProtAt(tail.Begin()); prot != platform.ProtRead {
		t.Errorf("tail protection %v, want %v", prot, platform.ProtRead)
	}
	if got := env.vm.NameAt(tail.Begin()); got != "managed-tail" {
		t.Errorf("tail name %q", got)
	}

	if m, err := tail.CarveTail(tail.End(), "none", platform.ProtRW); err != nil || m.IsValid() {
		t.Errorf("CarveTail at the end = %v, %v, want an invalid mapping", m, err)
	}
	if _, err := tail.CarveTail(tail.Begin()+1, "bad", platform.ProtRW); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unaligned CarveTail returned %v, want %v", err, ErrInvalidArgument)
	}

	// Carving at the base leaves nothing behind.
	whole, err := base.CarveTail(base.Begin(), "whole", platform.ProtRW)
	if err != nil {
		t.Fatalf("CarveTail at the base failed: %v", err)
	}
	checkMapping(t, env.mgr, base)
	checkMapping(t, env.mgr, whole)
	if base.IsValid() {
		t.Errorf("base still valid after giving away all its pages")
	}
}

func TestReplaceWith(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	dst := mustAnon(t, env.mgr, "dst", AnonymousOpts{Length: 3 * pageSize, Prot: platform.ProtRW})
	src := mustAnon(t, env.mgr, "src", AnonymousOpts{Length: 2 * pageSize, Prot: platform.ProtRead})
	if err := env.vm.Write(src.Begin()+pageSize, []byte("payload")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	dstBegin := dst.Begin()

	if err := dst.ReplaceWith(src); err != nil {
		t.Fatalf("ReplaceWith failed: %v", err)
	}
	checkMapping(t, env.mgr, dst)
	checkMapping(t, env.mgr, src)
	if src.IsValid() {
		t.Errorf("source still valid after ReplaceWith")
	}
	if dst.Begin() != dstBegin || dst.Size() != 2*pageSize || dst.BaseSize() != 2*pageSize {
		t.Errorf("dst %#x+%#x base size %#x", dst.Begin(), dst.Size(), dst.BaseSize())
	}
	got, err := env.vm.Read(dstBegin+pageSize, 7)
	if err != nil || string(got) != "payload" {
		t.Errorf("dst reads %q, %v, want %q", got, err, "payload")
	}
	if prot, _ := env.vm.ProtAt(dstBegin); prot != platform.ProtRW {
		t.Errorf("moved pages have protection %v, want %v", prot, platform.ProtRW)
	}
	if !env.vm.IsUnmapped(dstBegin+2*pageSize, pageSize) {
		t.Errorf("leftover destination page still mapped")
	}
	if env.mgr.Len() != 1 {
		t.Errorf("%d mappings registered, want 1", env.mgr.Len())
	}
}

func TestReplaceWithPreconditions(t *testing.T) {
	env := newTestEnv(t, func(cfg *fakevm.Config) {
		cfg.Features.MoveRemap = false
	}, nil)
	dst := mustAnon(t, env.mgr, "dst", AnonymousOpts{Length: pageSize, Prot: platform.ProtRW})
	src := mustAnon(t, env.mgr, "src", AnonymousOpts{Length: pageSize, Prot: platform.ProtRW})
	if err := dst.ReplaceWith(src); !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("ReplaceWith without move-remap returned %v, want %v", err, ErrUnsupportedOperation)
	}
	if !dst.IsValid() || !src.IsValid() {
		t.Errorf("failed ReplaceWith changed its operands")
	}

	env = newTestEnv(t, nil, nil)
	owner := mustAnon(t, env.mgr, "owner", AnonymousOpts{Length: 2 * pageSize, Prot: platform.ProtRW})
	view := mustAnon(t, env.mgr, "view", AnonymousOpts{Addr: owner.Begin(), Length: pageSize, Prot: platform.ProtRW, Reuse: true})
	other := mustAnon(t, env.mgr, "other", AnonymousOpts{Length: pageSize, Prot: platform.ProtRW})
	if err := view.ReplaceWith(other); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("ReplaceWith into a view returned %v, want %v", err, ErrInvalidArgument)
	}
}

// handleState is the observable state of a Mapping.
type handleState struct {
	Valid     bool
	Begin     uintptr
	Size      uintptr
	BaseBegin uintptr
	BaseSize  uintptr
	Prot      platform.Prot
}

func stateOf(m *Mapping) handleState {
	return handleState{
		Valid:     m.IsValid(),
		Begin:     m.Begin(),
		Size:      m.Size(),
		BaseBegin: m.BaseBegin(),
		BaseSize:  m.BaseSize(),
		Prot:      m.Prot(),
	}
}

func TestReplaceWithFailures(t *testing.T) {
	for _, tc := range []struct {
		name string
		// setup returns dst and src.
		setup    func(t *testing.T, env *testEnv) (*Mapping, *Mapping)
		redzones bool
		want     error
		errno    unix.Errno
	}{
		{
			name: "different page offsets",
			setup: func(t *testing.T, env *testEnv) (*Mapping, *Mapping) {
				f := tempFile(t, 2*pageSize)
				dst, err := env.mgr.MapFile(pageSize, platform.ProtRead, platform.MapPrivate, int(f.Fd()), 100, false, "file")
				if err != nil {
					t.Fatalf("MapFile failed: %v", err)
				}
				src := mustAnon(t, env.mgr, "src", AnonymousOpts{Length: pageSize, Prot: platform.ProtRW})
				return dst, src
			},
			want: ErrInvalidArgument,
		},
		{
			name: "overlapping ranges",
			setup: func(t *testing.T, env *testEnv) (*Mapping, *Mapping) {
				r := mustAnon(t, env.mgr, "r", AnonymousOpts{Length: 3 * pageSize, Prot: platform.ProtNone})
				dst, err := r.TakeReserved(pageSize, false)
				if err != nil {
					t.Fatalf("TakeReserved failed: %v", err)
				}
				// r now starts one page after dst and is two pages long.
				return dst, r
			},
			want: ErrInvalidArgument,
		},
		{
			name:     "redzoned destination",
			redzones: true,
			setup: func(t *testing.T, env *testEnv) (*Mapping, *Mapping) {
				f := tempFile(t, pageSize)
				dst, err := env.mgr.MapFile(pageSize, platform.ProtRead, platform.MapPrivate, int(f.Fd()), 0, false, "file")
				if err != nil {
					t.Fatalf("MapFile failed: %v", err)
				}
				if dst.RedzoneSize() == 0 {
					t.Fatalf("%v has no redzone", dst)
				}
				src := mustAnon(t, env.mgr, "src", AnonymousOpts{Length: pageSize, Prot: platform.ProtRW})
				return dst, src
			},
			want: ErrInvalidArgument,
		},
		{
			name: "protect failure",
			setup: func(t *testing.T, env *testEnv) (*Mapping, *Mapping) {
				dst := mustAnon(t, env.mgr, "dst", AnonymousOpts{Length: pageSize, Prot: platform.ProtRW})
				src := mustAnon(t, env.mgr, "src", AnonymousOpts{Length: pageSize, Prot: platform.ProtRead})
				env.vm.SetFault("protect", unix.EACCES)
				return dst, src
			},
			want:  ErrKernelMapFailed,
			errno: unix.EACCES,
		},
		{
			name: "mremap failure",
			setup: func(t *testing.T, env *testEnv) (*Mapping, *Mapping) {
				dst := mustAnon(t, env.mgr, "dst", AnonymousOpts{Length: 2 * pageSize, Prot: platform.ProtRW})
				src := mustAnon(t, env.mgr, "src", AnonymousOpts{Length: pageSize, Prot: platform.ProtRead})
				env.vm.SetFault("mremap", unix.ENOMEM)
				return dst, src
			},
			want:  ErrKernelMapFailed,
			errno: unix.ENOMEM,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, nil, func(opts *Options) { opts.Redzones = tc.redzones })
			dst, src := tc.setup(t, env)
			dstBefore, srcBefore := stateOf(dst), stateOf(src)
			registered := env.mgr.Len()

			err := dst.ReplaceWith(src)
			if !errors.Is(err, tc.want) {
				t.Fatalf("ReplaceWith returned %v, want %v", err, tc.want)
			}
			if tc.errno != 0 && !errors.Is(err, tc.errno) {
				t.Errorf("ReplaceWith returned %v, want it to wrap %v", err, tc.errno)
			}
			if diff := cmp.Diff(dstBefore, stateOf(dst)); diff != "" {
				t.Errorf("destination changed (-before +after):\n%s", diff)
			}
			if diff := cmp.Diff(srcBefore, stateOf(src)); diff != "" {
				t.Errorf("source changed (-before +after):\n%s", diff)
			}
			if prot, ok := env.vm.ProtAt(src.Begin()); !ok || prot != srcBefore.Prot {
				t.Errorf("source pages: mapped %t, protection %v, want %v", ok, prot, srcBefore.Prot)
			}
			checkMapping(t, env.mgr, dst)
			checkMapping(t, env.mgr, src)
			if got := env.mgr.Len(); got != registered {
				t.Errorf("%d mappings registered, want %d", got, registered)
			}
		})
	}
}

func TestFileUnalignedOffset(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	f := tempFile(t, 16384)
	m, err := env.mgr.MapFileAtAddress(FileOpts{
		Length:   5000,
		Prot:     platform.ProtRead,
		Flags:    platform.MapPrivate,
		FD:       int(f.Fd()),
		Offset:   100,
		Filename: "f",
	})
	if err != nil {
		t.Fatalf("MapFileAtAddress failed: %v", err)
	}
	checkMapping(t, env.mgr, m)
	if m.BaseSize() != 8192 || m.Begin() != m.BaseBegin()+100 || m.Size() != 5000 {
		t.Errorf("got begin %#x base %#x+%#x size %d", m.Begin(), m.BaseBegin(), m.BaseSize(), m.Size())
	}
	got, err := env.vm.Read(m.Begin(), 4)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if diff := cmp.Diff([]byte{100, 101, 102, 103}, got); diff != "" {
		t.Errorf("visible bytes mismatch (-want +got):\n%s", diff)
	}
	if err := m.Sync(); err != nil || env.vm.Calls("sync") != 1 {
		t.Errorf("Sync = %v after %d host calls", err, env.vm.Calls("sync"))
	}

	for _, opts := range []FileOpts{
		{Length: 1, Prot: platform.ProtNone, Flags: platform.MapPrivate, FD: int(f.Fd())},
		{Length: 1, Prot: platform.ProtRead, FD: int(f.Fd())},
		{Length: 1, Prot: platform.ProtRead, Flags: platform.MapPrivate, FD: -1},
		{Length: 0, Prot: platform.ProtRead, Flags: platform.MapPrivate, FD: int(f.Fd())},
		{Length: 1, Prot: platform.ProtRead, Flags: platform.MapPrivate | platform.MapFixed, FD: int(f.Fd()), Addr: 0x100000},
		{Length: 1, Prot: platform.ProtRead, Flags: platform.MapPrivate, FD: int(f.Fd()), Addr: 0x100000, Offset: 5},
	} {
		if _, err := env.mgr.MapFileAtAddress(opts); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("MapFileAtAddress(%+v) returned %v, want %v", opts, err, ErrInvalidArgument)
		}
	}
}

// tempFile returns a file of n bytes whose byte i is byte(i).
func tempFile(t *testing.T, n int) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "mapmgr")
	if err != nil {
		t.Fatalf("CreateTemp failed: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return f
}

type checkerCall struct {
	Op     string
	Addr   uintptr
	Length uintptr
}

type recordingChecker struct {
	calls []checkerCall
}

func (c *recordingChecker) MakeNoAccess(addr, length uintptr) {
	c.calls = append(c.calls, checkerCall{"noaccess", addr, length})
}

func (c *recordingChecker) MakeUndefined(addr, length uintptr) {
	c.calls = append(c.calls, checkerCall{"undefined", addr, length})
}

func TestRedzones(t *testing.T) {
	checker := &recordingChecker{}
	env := newTestEnv(t, nil, func(opts *Options) {
		opts.Redzones = true
		opts.Checker = checker
	})
	f := tempFile(t, 16384)
	m, err := env.mgr.MapFile(5000, platform.ProtRead, platform.MapPrivate, int(f.Fd()), 100, false, "f")
	if err != nil {
		t.Fatalf("MapFile failed: %v", err)
	}
	checkMapping(t, env.mgr, m)
	base := m.BaseBegin()
	if m.RedzoneSize() != pageSize || m.Begin() != base+pageSize+100 || m.BaseSize() != pageSize+8192 {
		t.Fatalf("got begin %#x base %#x+%#x redzone %#x", m.Begin(), base, m.BaseSize(), m.RedzoneSize())
	}
	for _, guard := range []uintptr{base, m.BaseEnd()} {
		if prot, ok := env.vm.ProtAt(guard); !ok || prot != platform.ProtNone {
			t.Errorf("guard page %#x: mapped %t, protection %v", guard, ok, prot)
		}
	}
	if got, _ := env.vm.Read(m.Begin(), 1); got[0] != 100 {
		t.Errorf("first visible byte %d, want 100", got[0])
	}
	if err := m.TryReadable(); err != nil {
		t.Errorf("TryReadable failed: %v", err)
	}

	m.Unmap()
	want := []checkerCall{
		{"noaccess", base, pageSize + 100},
		{"noaccess", base + pageSize + 100 + 5000, 3*pageSize - 100 - 5000},
		{"undefined", base, 4 * pageSize},
	}
	if diff := cmp.Diff(want, checker.calls); diff != "" {
		t.Errorf("checker calls mismatch (-want +got):\n%s", diff)
	}
	if !env.vm.IsUnmapped(base, 4*pageSize) {
		t.Errorf("redzoned mapping not fully unmapped")
	}
}

func TestReuseAndPlaceholder(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	owner := mustAnon(t, env.mgr, "owner", AnonymousOpts{Length: 4 * pageSize, Prot: platform.ProtRW})
	view := mustAnon(t, env.mgr, "view", AnonymousOpts{Addr: owner.Begin() + pageSize, Length: pageSize, Prot: platform.ProtRead, Reuse: true})
	if !view.IsView() {
		t.Errorf("reused mapping is not a view")
	}
	if got := env.mgr.ContainedWithin(view.Begin(), pageSize); got != owner && got != view {
		t.Errorf("ContainedWithin returned %v", got)
	}
	unmaps := env.vm.Calls("unmap")
	view.Unmap()
	if env.vm.Calls("unmap") != unmaps || !env.vm.IsMapped(owner.Begin(), 4*pageSize) {
		t.Errorf("unmapping a view released pages")
	}

	if _, err := env.mgr.MapAnonymous("stray", AnonymousOpts{Addr: 0x1000000, Length: pageSize, Reuse: true}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("reuse outside any mapping returned %v, want %v", err, ErrInvalidArgument)
	}

	ph, err := env.mgr.MapPlaceholder("ph", 0x700000, 5000)
	if err != nil {
		t.Fatalf("MapPlaceholder failed: %v", err)
	}
	checkMapping(t, env.mgr, ph)
	if !ph.IsView() || ph.BaseSize() != 8192 || ph.Prot() != platform.ProtNone {
		t.Errorf("placeholder %v: view %t base size %#x", ph, ph.IsView(), ph.BaseSize())
	}
	ph.Unmap()
	if env.vm.Calls("unmap") != unmaps {
		t.Errorf("unmapping a placeholder called the host")
	}
	if _, err := env.mgr.MapPlaceholder("ph", 0x700001, 5000); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unaligned placeholder returned %v, want %v", err, ErrInvalidArgument)
	}
}

func TestHintNotHonoured(t *testing.T) {
	for _, fixedNoReplace := range []bool{true, false} {
		t.Run(fmt.Sprintf("fixedNoReplace=%t", fixedNoReplace), func(t *testing.T) {
			env := newTestEnv(t, nil, func(opts *Options) {
				opts.FixedNoReplace = fixedNoReplace
			})
			const addr = 0x20000000
			if _, err := env.vm.Map(addr, pageSize, platform.ProtRW, platform.MapPrivate|platform.MapAnonymous|platform.MapFixed, -1, 0); err != nil {
				t.Fatalf("Map failed: %v", err)
			}
			_, err := env.mgr.MapAnonymous("clash", AnonymousOpts{Addr: addr, Length: pageSize, Prot: platform.ProtRW})
			if !errors.Is(err, ErrAddressHintNotHonoured) {
				t.Errorf("MapAnonymous over a foreign mapping returned %v, want %v", err, ErrAddressHintNotHonoured)
			}
			if env.vm.MappedPages() != 1 {
				t.Errorf("%d pages mapped, want only the foreign page", env.vm.MappedPages())
			}
			wantCalls := 2
			if fixedNoReplace {
				wantCalls = 3
			}
			if got := env.vm.Calls("map"); got != wantCalls {
				t.Errorf("%d host map calls, want %d", got, wantCalls)
			}

			// A free hint is honoured.
			m := mustAnon(t, env.mgr, "free", AnonymousOpts{Addr: addr + pageSize, Length: pageSize, Prot: platform.ProtRW})
			if m.Begin() != addr+pageSize {
				t.Errorf("hinted mapping at %#x, want %#x", m.Begin(), addr+pageSize)
			}
		})
	}
}

func TestProtect(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	m := mustAnon(t, env.mgr, "p", AnonymousOpts{Length: 2 * pageSize, Prot: platform.ProtRW})
	if err := m.Protect(platform.ProtRead); err != nil {
		t.Fatalf("Protect failed: %v", err)
	}
	if prot, _ := env.vm.ProtAt(m.Begin() + pageSize); prot != platform.ProtRead || m.Prot() != platform.ProtRead {
		t.Errorf("protection host %v, recorded %v, want %v", prot, m.Prot(), platform.ProtRead)
	}
	if err := m.TryReadable(); err != nil {
		t.Errorf("TryReadable failed: %v", err)
	}

	// Pull the pages from under the mapping; Protect must fail and keep
	// the recorded protection.
	env.vm.Unmap(m.BaseBegin(), m.BaseSize())
	if err := m.Protect(platform.ProtRW); !errors.Is(err, ErrKernelMapFailed) {
		t.Errorf("Protect of unmapped pages returned %v, want %v", err, ErrKernelMapFailed)
	}
	if m.Prot() != platform.ProtRead {
		t.Errorf("failed Protect changed recorded protection to %v", m.Prot())
	}

	none := mustAnon(t, env.mgr, "none", AnonymousOpts{Length: pageSize, Prot: platform.ProtNone})
	if err := none.TryReadable(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("TryReadable of an inaccessible mapping returned %v, want %v", err, ErrInvalidArgument)
	}
}

func TestFillWithZero(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	m := mustAnon(t, env.mgr, "z", AnonymousOpts{Length: 4 * pageSize, Prot: platform.ProtRW})
	env.vm.Write(m.Begin(), []byte{1, 2, 3})
	env.vm.Write(m.Begin()+2*pageSize, []byte{4, 5, 6})

	m.FillWithZero(false)
	if got, want := env.vm.Calls(platform.AdviseFree.String()), 2; got != want {
		t.Errorf("%d MADV_FREE calls, want %d", got, want)
	}
	if got, want := env.vm.Calls(platform.AdviseDontNeed.String()), 2; got != want {
		t.Errorf("%d MADV_DONTNEED calls, want %d", got, want)
	}
	got, _ := env.vm.Read(m.Begin(), m.Size())
	if !bytes.Equal(got, make([]byte, m.Size())) {
		t.Errorf("mapping not zero after FillWithZero")
	}

	env.vm.Write(m.Begin(), []byte{7})
	m.FillWithZero(true)
	if got, want := env.vm.Calls(platform.AdviseDontNeed.String()), 3; got != want {
		t.Errorf("%d MADV_DONTNEED calls after eager release, want %d", got, want)
	}
	if b := env.vm.Touch(m.Begin()); b != 0 {
		t.Errorf("first byte %d after eager release", b)
	}
}

func TestFillWithZeroByHand(t *testing.T) {
	env := newTestEnv(t, nil, func(opts *Options) {
		opts.MadviseZeroes = false
	})
	m := mustAnon(t, env.mgr, "z", AnonymousOpts{Length: 2 * pageSize, Prot: platform.ProtRW})
	env.vm.Write(m.Begin()+pageSize, []byte{9})
	m.FillWithZero(false)
	if env.vm.Calls(platform.AdviseFree.String())+env.vm.Calls(platform.AdviseDontNeed.String()) != 0 {
		t.Errorf("madvise used without MadviseZeroes")
	}
	if b := env.vm.Touch(m.Begin() + pageSize); b != 0 {
		t.Errorf("byte %d left after FillWithZero", b)
	}

	env.vm.Write(m.Begin(), []byte{9})
	if err := m.DiscardAndZero(); err != nil {
		t.Fatalf("DiscardAndZero failed: %v", err)
	}
	if b := env.vm.Touch(m.Begin()); b != 0 {
		t.Errorf("byte %d left after DiscardAndZero", b)
	}
}

func TestForkAndRelease(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	m := mustAnon(t, env.mgr, "nofork", AnonymousOpts{Length: pageSize, Prot: platform.ProtRW})
	if err := m.AdviseDontFork(); err != nil {
		t.Fatalf("AdviseDontFork failed: %v", err)
	}
	if !env.vm.DontForkAt(m.Begin()) {
		t.Errorf("MADV_DONTFORK not applied")
	}
	addr := m.Begin()
	m.ResetInForkedProcess()
	checkMapping(t, env.mgr, m)
	if env.vm.Calls("unmap") != 0 || !env.vm.IsMapped(addr, pageSize) {
		t.Errorf("ResetInForkedProcess unmapped pages")
	}

	r := mustAnon(t, env.mgr, "released", AnonymousOpts{Length: 3 * pageSize, Prot: platform.ProtRW})
	want := hostarch.AddrRange{Start: hostarch.Addr(r.BaseBegin()), End: hostarch.Addr(r.BaseEnd())}
	if got := r.Release(); got != want {
		t.Errorf("Release returned %v, want %v", got, want)
	}
	checkMapping(t, env.mgr, r)
	if !env.vm.IsMapped(uintptr(want.Start), want.Length()) {
		t.Errorf("released pages were unmapped")
	}
}

func TestInvalidHandle(t *testing.T) {
	m := Invalid()
	m.Unmap()
	m.Shrink(0)
	m.FillWithZero(true)
	if err := m.Protect(platform.ProtRead); err != nil || m.Prot() != platform.ProtRead {
		t.Errorf("Protect on invalid mapping = %v, recorded %v", err, m.Prot())
	}
	var none *Mapping
	if err := none.Protect(platform.ProtRead); err != nil || none.IsValid() {
		t.Errorf("Protect on a nil mapping = %v", err)
	}
	none.Unmap()
	if tail, err := m.CarveTail(0, "t", platform.ProtRW); err != nil || tail.IsValid() {
		t.Errorf("CarveTail on invalid mapping = %v, %v", tail, err)
	}
	if _, err := m.TakeReserved(pageSize, false); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("TakeReserved on invalid mapping returned %v", err)
	}
	if err := m.ReplaceWith(Invalid()); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("ReplaceWith on invalid mappings returned %v", err)
	}
	if m.Size() != 0 || m.HasAddress(0) || m.String() != "[invalid mapping]" {
		t.Errorf("invalid mapping reports size %d, string %q", m.Size(), m.String())
	}
}

func TestZeroLength(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	if m, err := env.mgr.MapAnonymous("empty", AnonymousOpts{Prot: platform.ProtRW}); !errors.Is(err, ErrInvalidArgument) || m.IsValid() {
		t.Errorf("empty MapAnonymous = %v, %v", m, err)
	}
	var e *Error
	_, err := env.mgr.MapPlaceholder("empty", 0x10000, 0)
	if !errors.As(err, &e) || e.Kind != KindInvalidArgument || e.Op != "MapPlaceholder" {
		t.Errorf("empty MapPlaceholder returned %#v", err)
	}
}

func TestKernelFailure(t *testing.T) {
	env := newTestEnv(t, nil, func(opts *Options) {
		opts.DumpMapsOnFailure = true
	})
	m := mustAnon(t, env.mgr, "m", AnonymousOpts{Length: 2 * pageSize, Prot: platform.ProtRW})
	const badFD = 1 << 20
	_, err := m.CarveTailFile(m.Begin()+pageSize, "tail", platform.ProtRead, platform.MapPrivate, badFD, 0)
	if !errors.Is(err, ErrKernelMapFailed) || !errors.Is(err, unix.EBADF) {
		t.Fatalf("CarveTailFile with a bad fd returned %v, want %v wrapping %v", err, ErrKernelMapFailed, unix.EBADF)
	}
	if !env.logs.contains("process maps") {
		t.Errorf("process maps not logged on failure")
	}
	if m.Size() != 2*pageSize {
		t.Errorf("failed carve changed the mapping to %#x bytes", m.Size())
	}
}

func TestShutdown(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	m := mustAnon(t, env.mgr, "late", AnonymousOpts{Length: pageSize, Prot: platform.ProtRW})
	env.mgr.Init()
	if env.mgr.Len() != 1 {
		t.Errorf("repeated Init reset the registry")
	}
	env.mgr.Shutdown()
	env.mgr.Shutdown()
	m.Unmap()
	if env.vm.MappedPages() != 0 {
		t.Errorf("Unmap after Shutdown left pages mapped")
	}
	if env.mgr.Len() != 0 {
		t.Errorf("Len after Shutdown = %d", env.mgr.Len())
	}
}
