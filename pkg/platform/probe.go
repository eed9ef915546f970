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

package platform

import (
	"errors"

	"golang.org/x/sys/unix"
)

// PageState is the result of probing a single page.
type PageState int

// Page states.
const (
	// PageUnmapped means no mapping covers the page.
	PageUnmapped PageState = iota
	// PageNotResident means the page is mapped but not in memory.
	PageNotResident
	// PagePresent means the page is mapped and resident.
	PagePresent
)

// String implements fmt.Stringer.String.
func (s PageState) String() string {
	switch s {
	case PageUnmapped:
		return "unmapped"
	case PageNotResident:
		return "not-resident"
	default:
		return "present"
	}
}

// ProbePage reports whether the page at addr is mapped and resident.
//
// An unmapped page is reported as PageUnmapped with a nil error; any other
// failure is returned.
func ProbePage(vm VM, addr uintptr) (PageState, error) {
	var vec [1]byte
	if err := vm.Resident(addr, vm.PageSize(), vec[:]); err != nil {
		if errors.Is(err, unix.ENOMEM) {
			return PageUnmapped, nil
		}
		return PageNotResident, err
	}
	if vec[0]&1 != 0 {
		return PagePresent, nil
	}
	return PageNotResident, nil
}

// ParseKernelRelease extracts the major and minor version from a kernel
// release string such as "6.1.0-13-amd64".
func ParseKernelRelease(release string) (major, minor int, ok bool) {
	var nums [2]int
	idx := 0
	seen := false
	for i := 0; i < len(release) && idx < len(nums); i++ {
		c := release[i]
		switch {
		case c >= '0' && c <= '9':
			nums[idx] = nums[idx]*10 + int(c-'0')
			seen = true
		case c == '.' && seen:
			idx++
			seen = false
		default:
			if idx == 1 && seen {
				return nums[0], nums[1], true
			}
			return 0, 0, false
		}
	}
	if idx == 0 || (idx == 1 && !seen) {
		return 0, 0, false
	}
	return nums[0], nums[1], true
}

// VersionAtLeast compares major.minor against a wanted version.
func VersionAtLeast(major, minor, wantMajor, wantMinor int) bool {
	return major > wantMajor || (major == wantMajor && minor >= wantMinor)
}
