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
	"testing"

	"gvisor.dev/mapmgr/pkg/hostarch"
	"gvisor.dev/mapmgr/pkg/platform"
)

// newHostManager returns a Manager on the real address space.
func newHostManager(t *testing.T) *Manager {
	t.Helper()
	vm, err := platform.NewHost()
	if err != nil {
		t.Skipf("host VM unavailable: %v", err)
	}
	mgr := New(vm, DefaultOptions(vm))
	t.Cleanup(mgr.Shutdown)
	return mgr
}

func TestHostReplaceWith(t *testing.T) {
	mgr := newHostManager(t)
	if !mgr.Options().MoveRemap {
		t.Skip("move-remap unavailable")
	}
	ps := mgr.PageSize()
	dst, err := mgr.MapAnonymous("dst", AnonymousOpts{Length: 3 * ps, Prot: platform.ProtRW})
	if err != nil {
		t.Fatalf("MapAnonymous failed: %v", err)
	}
	defer dst.Unmap()
	src, err := mgr.MapAnonymous("src", AnonymousOpts{Length: 2 * ps, Prot: platform.ProtRW})
	if err != nil {
		t.Fatalf("MapAnonymous failed: %v", err)
	}
	copy(src.Bytes()[ps:], "payload")

	if err := dst.ReplaceWith(src); err != nil {
		t.Fatalf("ReplaceWith failed: %v", err)
	}
	if src.IsValid() || dst.Size() != 2*ps {
		t.Errorf("after ReplaceWith: src %v, dst %v", src, dst)
	}
	if got := string(dst.Bytes()[ps : ps+7]); got != "payload" {
		t.Errorf("dst reads %q, want %q", got, "payload")
	}
}

func TestHostFillWithZero(t *testing.T) {
	mgr := newHostManager(t)
	ps := mgr.PageSize()
	m, err := mgr.MapAnonymous("zero", AnonymousOpts{Length: 4*ps + 10, Prot: platform.ProtRW})
	if err != nil {
		t.Fatalf("MapAnonymous failed: %v", err)
	}
	defer m.Unmap()
	b := m.Bytes()
	for _, off := range []uintptr{0, ps + 1, 3 * ps, 4*ps + 9} {
		b[off] = 0xff
	}
	m.FillWithZero(false)
	if !bytes.Equal(b, make([]byte, len(b))) {
		t.Errorf("mapping not zero after FillWithZero")
	}
	b[2*ps] = 1
	if err := m.DiscardAndZero(); err != nil {
		t.Fatalf("DiscardAndZero failed: %v", err)
	}
	if b[2*ps] != 0 {
		t.Errorf("byte survived DiscardAndZero")
	}
}

func TestHostLow4GB(t *testing.T) {
	mgr := newHostManager(t)
	m, err := mgr.MapAnonymous("low", AnonymousOpts{Length: mgr.PageSize(), Prot: platform.ProtRW, Low4GB: true})
	if errors.Is(err, ErrUnsupportedOperation) {
		t.Skipf("no low-4GiB support: %v", err)
	}
	if err != nil {
		t.Fatalf("MapAnonymous failed: %v", err)
	}
	defer m.Unmap()
	if m.BaseEnd() > uintptr(hostarch.Low4GBLimit) {
		t.Errorf("low mapping at %v ends above 4GiB", m)
	}
	m.Bytes()[0] = 1
	if err := m.TryReadable(); err != nil {
		t.Errorf("TryReadable failed: %v", err)
	}
}

func TestHostShrinkAndCarve(t *testing.T) {
	mgr := newHostManager(t)
	ps := mgr.PageSize()
	m, err := mgr.MapAnonymous("host", AnonymousOpts{Length: 4 * ps, Prot: platform.ProtRW})
	if err != nil {
		t.Fatalf("MapAnonymous failed: %v", err)
	}
	defer m.Unmap()
	tail, err := m.CarveTail(m.Begin()+2*ps, "host-tail", platform.ProtRead)
	if err != nil {
		t.Fatalf("CarveTail failed: %v", err)
	}
	defer tail.Unmap()
	if err := tail.TryReadable(); err != nil {
		t.Errorf("TryReadable failed: %v", err)
	}
	m.Shrink(ps)
	if state, err := platform.ProbePage(mgr.VM(), m.BaseEnd()); err != nil || state != platform.PageUnmapped {
		t.Errorf("page after shrink: %v, %v", state, err)
	}
}
