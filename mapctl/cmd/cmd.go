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

// Package cmd holds implementations of the mapctl commands.
package cmd

import (
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/mapmgr/mapctl/cmd/util"
	"gvisor.dev/mapmgr/mapctl/config"
	"gvisor.dev/mapmgr/pkg/cleanup"
	"gvisor.dev/mapmgr/pkg/log"
	"gvisor.dev/mapmgr/pkg/mapmgr"
	"gvisor.dev/mapmgr/pkg/platform"
)

// manager returns the process-wide manager, initializing it from conf.
func manager(conf *config.Config) *mapmgr.Manager {
	if mgr := mapmgr.Default(); mgr != nil {
		return mgr
	}
	vm, err := platform.NewHost()
	if err != nil {
		util.Fatalf("opening host VM: %v", err)
	}
	opts := conf.Options(vm)
	mgr, err := mapmgr.Init(&opts)
	if err != nil {
		util.Fatalf("initializing mapping manager: %v", err)
	}
	return mgr
}

// Result is the outcome of one scenario.
type Result struct {
	Name string
	Err  error
}

// Passed returns true if the scenario succeeded.
func (r Result) Passed() bool {
	return r.Err == nil
}

// String implements fmt.Stringer.String.
func (r Result) String() string {
	switch {
	case r.Err == nil:
		return fmt.Sprintf("%-22s PASS", r.Name)
	case errors.Is(r.Err, errSkipped):
		return fmt.Sprintf("%-22s SKIP", r.Name)
	default:
		return fmt.Sprintf("%-22s FAIL: %v", r.Name, r.Err)
	}
}

// RunScenarios runs all scenarios concurrently on mgr. Results are in the
// order of Scenarios.
func RunScenarios(mgr *mapmgr.Manager, mem Memory, dir string) []Result {
	results := make([]Result, len(Scenarios))
	var g errgroup.Group
	for i, s := range Scenarios {
		g.Go(func() error {
			results[i] = Result{Name: s.Name, Err: s.Run(mgr, mem, dir)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// sampleMappings creates a few long-lived mappings for the maps and metrics
// commands: a reservation partly handed out, and one page below 4GiB.
func sampleMappings(mgr *mapmgr.Manager) ([]*mapmgr.Mapping, error) {
	ps := mgr.PageSize()
	r, err := mgr.MapAnonymous("sample-reservation", mapmgr.AnonymousOpts{Length: 16 * ps, Prot: platform.ProtNone})
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(r.Unmap)
	defer cu.Clean()

	g, err := r.TakeReserved(4*ps, false)
	if err != nil {
		return nil, err
	}
	cu.Add(g.Unmap)
	if err := g.Protect(platform.ProtRW); err != nil {
		return nil, err
	}
	maps := []*mapmgr.Mapping{g, r}
	cu.Release()

	low, err := mgr.MapAnonymous("sample-low", mapmgr.AnonymousOpts{Length: ps, Prot: platform.ProtRW, Low4GB: true})
	if err != nil {
		// Not every host can map below 4GiB.
		log.Warningf("low-4GiB sample skipped: %v", err)
		return maps, nil
	}
	return append(maps, low), nil
}
