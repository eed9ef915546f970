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

const (
	// Low4GBFloor is the lowest address handed out for low-4GiB requests.
	// Pages below it are commonly reserved by mmap_min_addr.
	Low4GBFloor Addr = 64 << 10

	// Low4GBLimit is the first address outside the low 4GiB.
	Low4GBLimit Addr = 1 << 32
)

// InLow4GB returns true if the whole of r lies below Low4GBLimit.
func (r AddrRange) InLow4GB() bool {
	return r.WellFormed() && r.End <= Low4GBLimit
}
