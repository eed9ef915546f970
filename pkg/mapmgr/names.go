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
	"errors"

	"gvisor.dev/mapmgr/pkg/platform"
)

// namePrefix marks names of managed regions in /proc/self/maps.
const namePrefix = "managed-"

// vmaName is an interned debug name. The kernel may keep the name pointer
// passed to it, so the bytes live as long as some mapping refers to them.
type vmaName struct {
	// cstr is the NUL-terminated prefixed name.
	cstr []byte
	refs int
}

// setDebugName attaches name to m's base range. Failures are logged.
func (mgr *Manager) setDebugName(m *Mapping, name string) {
	if !mgr.useDebugNames() || name == "" {
		return
	}
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.names == nil {
		return
	}
	n, ok := mgr.names[name]
	if !ok {
		cstr := make([]byte, 0, len(namePrefix)+len(name)+1)
		cstr = append(cstr, namePrefix...)
		cstr = append(cstr, name...)
		n = &vmaName{cstr: append(cstr, 0)}
		mgr.names[name] = n
	}
	if err := mgr.vm.SetName(m.baseBegin, m.baseSize, n.cstr); err != nil {
		if !ok {
			delete(mgr.names, name)
		}
		if !errors.Is(err, platform.ErrUnsupported) {
			mgr.warn.Warningf("mapmgr: naming %#x+%#x %q failed: %v", m.baseBegin, m.baseSize, name, err)
		}
		return
	}
	n.refs++
	mgr.putNameLocked(m)
	m.vname = n
}

// putNameLocked drops m's reference to its interned name.
//
// +checklocks:mgr.mu
func (mgr *Manager) putNameLocked(m *Mapping) {
	n := m.vname
	if n == nil {
		return
	}
	m.vname = nil
	n.refs--
	if n.refs == 0 && mgr.names != nil {
		delete(mgr.names, string(n.cstr[len(namePrefix):len(n.cstr)-1]))
	}
}

// internedNames returns the reference count of each interned name.
func (mgr *Manager) internedNames() map[string]int {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	out := make(map[string]int, len(mgr.names))
	for k, n := range mgr.names {
		out[k] = n.refs
	}
	return out
}
