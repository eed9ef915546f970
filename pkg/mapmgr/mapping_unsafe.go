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
	"unsafe"
)

// Bytes returns the visible range as a byte slice. It is only meaningful for
// mappings made through the host VM, and only while m is valid.
//
//go:nocheckptr
func (m *Mapping) Bytes() []byte {
	if !m.IsValid() || m.size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(m.begin)), m.size)
}
