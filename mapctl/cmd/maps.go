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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/mapmgr/mapctl/cmd/util"
	"gvisor.dev/mapmgr/mapctl/config"
)

// Maps implements subcommands.Command for the "maps" command.
type Maps struct {
	terse   bool
	sample  bool
	process bool
}

// Name implements subcommands.Command.Name.
func (*Maps) Name() string {
	return "maps"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Maps) Synopsis() string {
	return "dump the mapping registry and the process maps"
}

// Usage implements subcommands.Command.Usage.
func (*Maps) Usage() string {
	return `maps [-terse] [-sample] [-process=false] - dump the mapping registry and the process maps
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Maps) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&m.terse, "terse", false, "merge runs of similar mappings onto one line.")
	f.BoolVar(&m.sample, "sample", true, "create sample mappings before dumping.")
	f.BoolVar(&m.process, "process", true, "also print the kernel's view of the address space.")
}

// Execute implements subcommands.Command.Execute.
func (m *Maps) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	mgr := manager(conf)

	if m.sample {
		maps, err := sampleMappings(mgr)
		if err != nil {
			util.Fatalf("creating sample mappings: %v", err)
		}
		defer func() {
			for _, s := range maps {
				s.Unmap()
			}
		}()
	}

	if err := mgr.DumpMaps(&util.Writer{}, m.terse); err != nil {
		util.Errorf("dumping registry: %v", err)
		return subcommands.ExitFailure
	}
	if m.process {
		maps, err := mgr.VM().ProcessMaps()
		if err != nil {
			util.Errorf("reading process maps: %v", err)
			return subcommands.ExitFailure
		}
		fmt.Fprintf(os.Stdout, "\n%s", maps)
	}
	return subcommands.ExitSuccess
}
