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

package hostarch

import "testing"

func TestRounding(t *testing.T) {
	for _, test := range []struct {
		addr      Addr
		align     uintptr
		wantDown  Addr
		wantUp    Addr
		wantUpOK  bool
		wantAlign bool
	}{
		{0, 4096, 0, 0, true, true},
		{1, 4096, 0, 4096, true, false},
		{4096, 4096, 4096, 4096, true, true},
		{8000, 4096, 4096, 8192, true, false},
		{0x10001, 0x10000, 0x10000, 0x20000, true, false},
		{^Addr(0), 4096, ^Addr(4095), 0, false, false},
	} {
		if got := test.addr.RoundDown(test.align); got != test.wantDown {
			t.Errorf("%v.RoundDown(%#x): got %v, want %v", test.addr, test.align, got, test.wantDown)
		}
		got, ok := test.addr.RoundUp(test.align)
		if ok != test.wantUpOK || (ok && got != test.wantUp) {
			t.Errorf("%v.RoundUp(%#x): got (%v, %t), want (%v, %t)", test.addr, test.align, got, ok, test.wantUp, test.wantUpOK)
		}
		if got := test.addr.IsAligned(test.align); got != test.wantAlign {
			t.Errorf("%v.IsAligned(%#x): got %t, want %t", test.addr, test.align, got, test.wantAlign)
		}
	}
}

func TestSizeRounding(t *testing.T) {
	if got, want := RoundUpSize(8000, 4096), uintptr(8192); got != want {
		t.Errorf("RoundUpSize(8000): got %d, want %d", got, want)
	}
	if got, want := RoundUpSize(16384, 16384), uintptr(16384); got != want {
		t.Errorf("RoundUpSize(16384): got %d, want %d", got, want)
	}
	if got, want := RoundDownSize(5000, 4096), uintptr(4096); got != want {
		t.Errorf("RoundDownSize(5000): got %d, want %d", got, want)
	}
}

func TestPowerOfTwo(t *testing.T) {
	for x, want := range map[uintptr]bool{
		0:       false,
		1:       true,
		3:       false,
		4096:    true,
		65536:   true,
		65537:   false,
		1 << 40: true,
	} {
		if got := IsPowerOfTwo(x); got != want {
			t.Errorf("IsPowerOfTwo(%#x): got %t, want %t", x, got, want)
		}
	}
}

func TestAddrRange(t *testing.T) {
	r := AddrRange{0x1000, 0x3000}
	if r.Length() != 0x2000 {
		t.Errorf("%v.Length(): got %#x, want 0x2000", r, r.Length())
	}
	if !r.Contains(0x1000) || r.Contains(0x3000) {
		t.Errorf("%v.Contains: bounds are wrong", r)
	}
	if !r.Overlaps(AddrRange{0x2fff, 0x4000}) {
		t.Errorf("%v should overlap [0x2fff, 0x4000)", r)
	}
	if r.Overlaps(AddrRange{0x3000, 0x4000}) {
		t.Errorf("%v should not overlap [0x3000, 0x4000)", r)
	}
	if !r.IsSupersetOf(AddrRange{0x1000, 0x2000}) {
		t.Errorf("%v should be a superset of [0x1000, 0x2000)", r)
	}
	if !(AddrRange{Low4GBLimit - 0x1000, Low4GBLimit}).InLow4GB() {
		t.Errorf("range ending at 4GiB should be in the low 4GiB")
	}
	if (AddrRange{Low4GBLimit - 0x1000, Low4GBLimit + 1}).InLow4GB() {
		t.Errorf("range crossing 4GiB should not be in the low 4GiB")
	}
	if got, ok := Addr(0x1000).ToRange(0x2000); !ok || got != r {
		t.Errorf("ToRange: got %v, %t, want %v", got, ok, r)
	}
	if _, ok := Addr(^uintptr(0) - 0xfff).ToRange(0x2000); ok {
		t.Errorf("ToRange past the top of the address space did not report overflow")
	}
}
