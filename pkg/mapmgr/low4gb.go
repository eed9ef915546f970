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
	"gvisor.dev/mapmgr/pkg/hostarch"
	"gvisor.dev/mapmgr/pkg/platform"
)

// allocLow4GBLocked finds and maps a free range in [Low4GBFloor,
// Low4GBLimit). The registry skips known mappings; pages between them are
// probed one at a time. mgr.mu is held for the whole scan so that two
// allocations cannot pick the same range.
//
// +checklocks:mgr.mu
func (mgr *Manager) allocLow4GBLocked(req mapRequest) (uintptr, *Error) {
	floor := uintptr(hostarch.Low4GBFloor)
	limit := uint64(hostarch.Low4GBLimit)
	if uint64(req.length) > limit-uint64(floor) {
		return 0, newError(KindLowMemoryExhausted, req.op, nil, "%#x bytes cannot fit below 4GiB", req.length)
	}
	// Executable anonymous memory may be refused outright where
	// promotion with mprotect is allowed.
	createProt := req.prot &^ platform.ProtExec
	flags := req.flags &^ (platform.MapFixed | platform.MapFixedNoReplace)

	start := mgr.nextPos
	for pass := 0; pass < 2; pass++ {
		ptr := start
		for uint64(ptr)+uint64(req.length) <= limit {
			if next, skipped := mgr.skipRegisteredLocked(ptr, req.length); skipped {
				ptr = next
				continue
			}

			tail := ptr
			for ; tail < ptr+req.length; tail += mgr.pageSize {
				state, err := platform.ProbePage(mgr.vm, tail)
				if err != nil || state != platform.PageUnmapped {
					break
				}
			}
			if tail != ptr+req.length {
				// Restart past the occupied page.
				ptr = tail + mgr.pageSize
				continue
			}

			actual, err := mgr.vm.Map(ptr, req.length, createProt, flags, req.fd, req.offset)
			if err == nil {
				if r, ok := hostarch.Addr(actual).ToRange(req.length); ok && r.InLow4GB() {
					if createProt != req.prot {
						if err := mgr.vm.Protect(actual, req.length, req.prot); err != nil {
							mgr.unmapOrDie(actual, req.length)
							return 0, newError(KindKernelMapFailed, req.op, err, "mprotect(%#x, %#x, %v)", actual, req.length, req.prot)
						}
					}
					mgr.nextPos = actual + req.length
					return actual, nil
				}
				// The hint was ignored.
				mgr.unmapOrDie(actual, req.length)
			} else {
				mgr.log.Debugf("mapmgr: low-4GiB candidate %#x+%#x refused: %v", ptr, req.length, err)
			}
			ptr += mgr.pageSize
		}
		if start == floor {
			break
		}
		start = floor
	}
	return 0, newError(KindLowMemoryExhausted, req.op, nil, "no free %#x byte range below 4GiB", req.length)
}

// skipRegisteredLocked advances ptr past registered mappings that leave no
// room for length bytes. It returns the new candidate and whether it moved.
//
// +checklocks:mgr.mu
func (mgr *Manager) skipRegisteredLocked(ptr, length uintptr) (uintptr, bool) {
	if mgr.maps == nil {
		return ptr, false
	}
	orig := ptr
	// The mapping starting at or below the cursor may cover it.
	mgr.maps.DescendLessOrEqual(entry{base: ptr, id: ^uint64(0)}, func(e entry) bool {
		if end := e.m.baseEnd() + e.m.redzoneSize; end > ptr {
			ptr = end
		}
		return false
	})
	// Skip mappings that start before the candidate range would end.
	mgr.maps.AscendGreaterOrEqual(entry{base: ptr}, func(e entry) bool {
		if e.base >= ptr && e.base-ptr >= length {
			return false
		}
		if end := e.m.baseEnd() + e.m.redzoneSize; end > ptr {
			ptr = end
		}
		return true
	})
	if ptr == orig {
		return ptr, false
	}
	ptr = hostarch.RoundUpSize(ptr, mgr.pageSize)
	return ptr, ptr != orig
}
