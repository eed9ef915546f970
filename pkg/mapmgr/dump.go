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
	"fmt"
	"io"
	"strings"

	"gvisor.dev/mapmgr/pkg/platform"
)

// maxDumpGaps bounds how many gaps a single terse line may describe.
const maxDumpGaps = 9

// DumpMaps writes the registry to w.
//
// The verbose form has one line per mapping:
//
//	[MemMap: 0x7f12a000-0x7f12c000 rw-p heap]
//
// The terse form merges runs of mappings with the same protection and name:
//
//	[MemMap: 0x409be000+0x20P~0x11dP+0x6bP(3) rw- space]
//
// "+0x20P" is 0x20 pages of a single mapping, "~0x11dP" a gap of 0x11d
// pages, and "+0x6bP(3)" three adjacent mappings totalling 0x6b pages.
func (mgr *Manager) DumpMaps(w io.Writer, terse bool) error {
	var b strings.Builder
	mgr.mu.Lock()
	if terse {
		mgr.dumpTerseLocked(&b)
	} else {
		mgr.dumpVerboseLocked(&b)
	}
	mgr.mu.Unlock()
	_, err := io.WriteString(w, b.String())
	return err
}

// +checklocks:mgr.mu
func (mgr *Manager) dumpVerboseLocked(b *strings.Builder) {
	mgr.forEachLocked(func(m *Mapping) {
		share := 'p'
		if m.flags&platform.MapShared != 0 {
			share = 's'
		}
		fmt.Fprintf(b, "[MemMap: %#x-%#x %v%c %s]\n", m.baseBegin, m.baseEnd(), m.prot, share, m.name)
	})
}

// +checklocks:mgr.mu
func (mgr *Manager) dumpTerseLocked(b *strings.Builder) {
	var maps []*Mapping
	mgr.forEachLocked(func(m *Mapping) {
		maps = append(maps, m)
	})
	b.WriteString("MemMap:\n")
	pages := func(n uintptr) uintptr { return n / mgr.pageSize }
	for i := 0; i < len(maps); {
		first := maps[i]
		fmt.Fprintf(b, "[MemMap: %#x", first.baseBegin)
		i++
		gaps := 0
		num := 1
		size := first.baseSize
		end := first.baseEnd()
		for i < len(maps) {
			next := maps[i]
			if next.prot != first.prot || next.name != first.name || next.baseBegin < end {
				break
			}
			if next.baseBegin != end {
				if gaps >= maxDumpGaps {
					break
				}
				gaps++
				writeRun(b, pages(size), num)
				fmt.Fprintf(b, "~%#xP", pages(next.baseBegin-end))
				num = 0
				size = 0
			}
			num++
			size += next.baseSize
			end = next.baseEnd()
			i++
		}
		writeRun(b, pages(size), num)
		fmt.Fprintf(b, " %v %s]\n", first.prot, first.name)
	}
}

func writeRun(b *strings.Builder, pages uintptr, num int) {
	fmt.Fprintf(b, "+%#xP", pages)
	if num != 1 {
		fmt.Fprintf(b, "(%d)", num)
	}
}
