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

// Package mapmgr manages the process's virtual memory mappings.
//
// A Manager owns every region it hands out as a *Mapping. Mappings are
// registered by base address so the manager can answer containment and gap
// queries, dump the address space it knows about, and scan for free space
// below 4GiB without racing another allocation.
//
// Go has no destructors: Mapping.Unmap is the explicit end of a handle's
// life. Moving a region between handles is done with Swap or MoveFrom, which
// keep the registry in step with the handles.
package mapmgr

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"gvisor.dev/mapmgr/pkg/hostarch"
	"gvisor.dev/mapmgr/pkg/log"
	"gvisor.dev/mapmgr/pkg/platform"
	"gvisor.dev/mapmgr/pkg/rand"
	"gvisor.dev/mapmgr/pkg/sync"
)

// Checker is notified about guard pages and pages about to be unmapped, for
// memory checkers that track addressability.
type Checker interface {
	// MakeNoAccess marks [addr, addr+length) as inaccessible.
	MakeNoAccess(addr, length uintptr)

	// MakeUndefined marks [addr, addr+length) as addressable but
	// uninitialized.
	MakeUndefined(addr, length uintptr)
}

// Options configure a Manager.
type Options struct {
	// Low4GBAllocator enables the linear scan for low-4GiB requests without
	// an address. When false such requests use Map32Bit, or fail if the
	// host has no such flag.
	Low4GBAllocator bool

	// FixedNoReplace tries MapFixedNoReplace before a plain hint when the
	// kernel supports it.
	FixedNoReplace bool

	// MoveRemap permits Mapping.ReplaceWith.
	MoveRemap bool

	// Redzones adds guard pages around file mappings placed without an
	// address.
	Redzones bool

	// MadviseZeroes lets FillWithZero rely on madvise to zero whole pages.
	MadviseZeroes bool

	// DebugNames forwards mapping names to the kernel.
	DebugNames bool

	// DumpMapsOnFailure logs the process maps when the kernel refuses a
	// mapping.
	DumpMapsOnFailure bool

	// Checker, if set, is notified about redzones and unmaps.
	Checker Checker

	// Entropy seeds the low-4GiB cursor. Defaults to rand.Reader.
	Entropy io.Reader

	// Logger receives diagnostics. Defaults to log.Log().
	Logger log.Logger
}

// DefaultOptions returns the options appropriate for vm.
func DefaultOptions(vm platform.VM) Options {
	f := vm.Features()
	return Options{
		Low4GBAllocator: !f.Native32Bit,
		FixedNoReplace:  f.FixedNoReplace,
		MoveRemap:       f.MoveRemap,
		MadviseZeroes:   f.MadviseZeroes,
		DebugNames:      f.VMANames,
	}
}

// Manager tracks mappings created through it.
type Manager struct {
	vm   platform.VM
	opts Options

	// pageSize is read once at Init.
	pageSize uintptr

	log log.Logger

	// warn throttles warnings for failures that are not returned to the
	// caller.
	warn log.Logger

	// failures counts returned errors by kind.
	failures [numKinds]atomic.Uint64

	mu sync.Mutex

	// maps is the registry. It is nil before Init and after Shutdown.
	//
	// +checklocks:mu
	maps *btree.BTreeG[entry]

	// nextPos is the low-4GiB allocator cursor.
	//
	// +checklocks:mu
	nextPos uintptr

	// gen counts Init calls that created a registry. Mappings remember
	// the generation they were registered in.
	//
	// +checklocks:mu
	gen uint64

	// names interns debug names.
	//
	// +checklocks:mu
	names map[string]*vmaName

	// lastID is the last handle id issued.
	lastID atomic.Uint64
}

// New returns an initialized Manager using vm.
func New(vm platform.VM, opts Options) *Manager {
	mgr := &Manager{vm: vm, opts: opts}
	mgr.Init()
	return mgr
}

// Init prepares the registry and seeds the low-4GiB cursor. Calling Init on
// an initialized Manager does nothing.
func (mgr *Manager) Init() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.maps != nil {
		return
	}
	if mgr.log == nil {
		mgr.log = mgr.opts.Logger
		if mgr.log == nil {
			mgr.log = log.Log()
		}
		mgr.warn = log.BurstRateLimitedLogger(mgr.log, time.Second, 5)
	}
	mgr.pageSize = mgr.vm.PageSize()
	mgr.maps = btree.NewG(8, entryLess)
	mgr.gen++
	mgr.names = make(map[string]*vmaName)
	mgr.nextPos = mgr.seedCursor()
	mgr.log.Debugf("mapmgr: initialized, page size %#x, low-4GiB cursor %#x", mgr.pageSize, mgr.nextPos)
}

// Shutdown drops the registry. Mappings unmapped afterwards release their
// pages without touching the registry.
func (mgr *Manager) Shutdown() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.maps == nil {
		return
	}
	if n := mgr.maps.Len(); n != 0 {
		mgr.log.Debugf("mapmgr: shutdown with %d live mappings", n)
	}
	mgr.maps = nil
	mgr.names = nil
}

// VM returns the platform the manager maps through.
func (mgr *Manager) VM() platform.VM {
	return mgr.vm
}

// PageSize returns the page size.
func (mgr *Manager) PageSize() uintptr {
	return mgr.pageSize
}

// Options returns the options the manager was created with.
func (mgr *Manager) Options() Options {
	return mgr.opts
}

// useFixedNoReplace returns true if hints are first tried without replacing
// existing mappings.
func (mgr *Manager) useFixedNoReplace() bool {
	return mgr.opts.FixedNoReplace && mgr.vm.Features().FixedNoReplace && mgr.vm.KernelAtLeast(4, 17)
}

func (mgr *Manager) useMoveRemap() bool {
	return mgr.opts.MoveRemap && mgr.vm.Features().MoveRemap
}

func (mgr *Manager) useDebugNames() bool {
	return mgr.opts.DebugNames && mgr.vm.Features().VMANames
}

func (mgr *Manager) madviseZeroes() bool {
	return mgr.opts.MadviseZeroes && mgr.vm.Features().MadviseZeroes
}

func (mgr *Manager) roundUp(n uintptr) (uintptr, bool) {
	a, ok := hostarch.Addr(n).RoundUp(mgr.pageSize)
	return uintptr(a), ok
}

func (mgr *Manager) aligned(n uintptr) bool {
	return hostarch.Addr(n).IsAligned(mgr.pageSize)
}

// fail records err and returns it.
func (mgr *Manager) fail(err *Error) *Error {
	mgr.failures[err.Kind].Add(1)
	mgr.log.Debugf("mapmgr: %v", err)
	return err
}

// dumpProcessMaps logs the host's view of the address space.
func (mgr *Manager) dumpProcessMaps() {
	if !mgr.opts.DumpMapsOnFailure {
		return
	}
	maps, err := mgr.vm.ProcessMaps()
	if err != nil {
		mgr.log.Warningf("mapmgr: reading process maps: %v", err)
		return
	}
	mgr.log.Warningf("mapmgr: process maps:\n%s", maps)
}

func (mgr *Manager) makeNoAccess(addr, length uintptr) {
	if c := mgr.opts.Checker; c != nil && length != 0 {
		c.MakeNoAccess(addr, length)
	}
}

func (mgr *Manager) makeUndefined(addr, length uintptr) {
	if c := mgr.opts.Checker; c != nil && length != 0 {
		c.MakeUndefined(addr, length)
	}
}

// unmapOrDie releases pages that the manager owns. Failure means the
// manager's view of the address space is wrong.
func (mgr *Manager) unmapOrDie(addr, length uintptr) {
	mgr.makeUndefined(addr, length)
	if err := mgr.vm.Unmap(addr, length); err != nil {
		panic(fmt.Sprintf("munmap(%#x, %#x) failed: %v", addr, length, err))
	}
}

// mapRequest is a host mapping request.
type mapRequest struct {
	op     string
	addr   uintptr
	length uintptr
	prot   platform.Prot
	flags  platform.Flags
	fd     int
	offset int64
	low4GB bool
}

// mapInternal maps req and verifies that a requested address was honoured.
func (mgr *Manager) mapInternal(req mapRequest) (uintptr, *Error) {
	if req.low4GB && req.addr != 0 {
		if r, ok := hostarch.Addr(req.addr).ToRange(req.length); !ok || !r.InLow4GB() {
			return 0, newError(KindInvalidArgument, req.op, nil, "range %#x+%#x does not fit below 4GiB", req.addr, req.length)
		}
	}

	var (
		actual uintptr
		err    error
	)
	switch {
	case req.low4GB && req.addr == 0 && mgr.opts.Low4GBAllocator:
		mgr.mu.Lock()
		defer mgr.mu.Unlock()
		return mgr.allocLow4GBLocked(req)
	case req.low4GB && req.addr == 0:
		if !mgr.vm.Features().Native32Bit {
			return 0, newError(KindUnsupportedOperation, req.op, nil, "no way to map below 4GiB on this host")
		}
		req.flags |= platform.Map32Bit
		actual, err = mgr.vm.Map(0, req.length, req.prot, req.flags, req.fd, req.offset)
	case req.addr != 0 && req.flags&platform.MapFixed == 0 && mgr.useFixedNoReplace():
		actual, err = mgr.vm.Map(req.addr, req.length, req.prot, req.flags|platform.MapFixedNoReplace, req.fd, req.offset)
		if err != nil {
			// Fall back to a plain hint, which reports a clash below
			// as a misplaced mapping.
			mgr.log.Debugf("mapmgr: fixed-noreplace at %#x failed: %v", req.addr, err)
			actual, err = mgr.vm.Map(req.addr, req.length, req.prot, req.flags, req.fd, req.offset)
		}
	default:
		actual, err = mgr.vm.Map(req.addr, req.length, req.prot, req.flags, req.fd, req.offset)
	}
	if err != nil {
		return 0, mgr.kernelFailure(req, err)
	}

	if req.addr != 0 && actual != req.addr {
		mgr.unmapOrDie(actual, req.length)
		return 0, newError(KindAddressHintNotHonoured, req.op, nil, "mapped at %#x instead of %#x", actual, req.addr)
	}
	if r, ok := hostarch.Addr(actual).ToRange(req.length); req.low4GB && (!ok || !r.InLow4GB()) {
		mgr.unmapOrDie(actual, req.length)
		return 0, newError(KindLowMemoryExhausted, req.op, nil, "mapping at %#x+%#x is not below 4GiB", actual, req.length)
	}
	return actual, nil
}

func (mgr *Manager) kernelFailure(req mapRequest, err error) *Error {
	mgr.dumpProcessMaps()
	return newError(KindKernelMapFailed, req.op, err, "mmap(%#x, %#x, %v, %v, %d, %#x)", req.addr, req.length, req.prot, req.flags, req.fd, req.offset)
}

var (
	defaultMu  sync.Mutex
	defaultMgr *Manager
)

// Init initializes the process-wide Manager on the host VM. opts may be nil
// for DefaultOptions. Calling Init again returns the existing Manager.
func Init(opts *Options) (*Manager, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultMgr != nil {
		return defaultMgr, nil
	}
	vm, err := platform.NewHost()
	if err != nil {
		return nil, err
	}
	o := DefaultOptions(vm)
	if opts != nil {
		o = *opts
	}
	defaultMgr = New(vm, o)
	return defaultMgr, nil
}

// Default returns the process-wide Manager, or nil before Init.
func Default() *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultMgr
}

// seedCursor picks the initial low-4GiB cursor.
func (mgr *Manager) seedCursor() uintptr {
	r := mgr.opts.Entropy
	if r == nil {
		r = rand.Reader
	}
	v, err := rand.Uint64(r)
	if err != nil {
		return uintptr(hostarch.Low4GBFloor)
	}
	// Start somewhere in the first 2GiB so that the rest of the window is
	// left for later requests.
	pages := (uint64(2<<30) - uint64(hostarch.Low4GBFloor)) / uint64(mgr.pageSize)
	return uintptr(hostarch.Low4GBFloor) + uintptr(v%pages)*mgr.pageSize
}
