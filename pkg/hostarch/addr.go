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

// Package hostarch provides address arithmetic for host virtual memory.
//
// Unlike the sentry's hostarch, nothing here assumes a compile-time page
// size: every rounding helper takes the alignment explicitly, since the page
// size is discovered at runtime.
package hostarch

import (
	"fmt"
)

// Addr represents a host virtual address.
type Addr uintptr

// IsPowerOfTwo returns true if x is a non-zero power of two.
func IsPowerOfTwo(x uintptr) bool {
	return x != 0 && x&(x-1) == 0
}

// RoundDown returns v rounded down to the nearest multiple of align.
//
// Preconditions: IsPowerOfTwo(align).
func (v Addr) RoundDown(align uintptr) Addr {
	return v &^ Addr(align-1)
}

// RoundUp returns v rounded up to the nearest multiple of align. ok is true
// iff rounding up did not wrap around.
//
// Preconditions: IsPowerOfTwo(align).
func (v Addr) RoundUp(align uintptr) (addr Addr, ok bool) {
	addr = Addr(v + Addr(align) - 1).RoundDown(align)
	ok = addr >= v
	return
}

// MustRoundUp is equivalent to RoundUp, but panics if rounding up wraps
// around.
func (v Addr) MustRoundUp(align uintptr) Addr {
	addr, ok := v.RoundUp(align)
	if !ok {
		panic(fmt.Sprintf("hostarch.Addr(%d).RoundUp(%#x) wraps", v, align))
	}
	return addr
}

// IsAligned returns true if v is a multiple of align.
func (v Addr) IsAligned(align uintptr) bool {
	return v&Addr(align-1) == 0
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
func (v Addr) AddLength(length uintptr) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// ToRange returns [v, v+length).
func (v Addr) ToRange(length uintptr) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uintptr(v))
}

// RoundUpSize rounds a byte count up to a multiple of align.
//
// Preconditions: IsPowerOfTwo(align).
func RoundUpSize(size, align uintptr) uintptr {
	return (size + align - 1) &^ (align - 1)
}

// RoundDownSize rounds a byte count down to a multiple of align.
func RoundDownSize(size, align uintptr) uintptr {
	return size &^ (align - 1)
}
