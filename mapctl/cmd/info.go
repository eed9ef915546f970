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
	"text/tabwriter"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"gvisor.dev/mapmgr/mapctl/config"
)

// Info implements subcommands.Command for the "info" command.
type Info struct{}

// Name implements subcommands.Command.Name.
func (*Info) Name() string {
	return "info"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Info) Synopsis() string {
	return "print the page size, kernel features and effective manager options"
}

// Usage implements subcommands.Command.Usage.
func (*Info) Usage() string {
	return "info - print the page size, kernel features and effective manager options\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Info) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Info) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	mgr := manager(conf)

	release := "unknown"
	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		release = unix.ByteSliceToString(uts.Release[:])
	}
	features := mgr.VM().Features()
	opts := mgr.Options()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, row := range []struct {
		name  string
		value any
	}{
		{"page size", fmt.Sprintf("%#x", mgr.PageSize())},
		{"kernel", release},
		{"move-remap", features.MoveRemap},
		{"fixed-noreplace", features.FixedNoReplace},
		{"map32bit", features.Native32Bit},
		{"mincore", features.Mincore},
		{"vma names", features.VMANames},
		{"madvise zeroes", features.MadviseZeroes},
		{"option low4gb-allocator", opts.Low4GBAllocator},
		{"option fixed-noreplace", opts.FixedNoReplace},
		{"option move-remap", opts.MoveRemap},
		{"option redzones", opts.Redzones},
		{"option madvise-zeroes", opts.MadviseZeroes},
		{"option debug-names", opts.DebugNames},
		{"option dump-maps-on-failure", opts.DumpMapsOnFailure},
	} {
		fmt.Fprintf(w, "%s:\t%v\n", row.name, row.value)
	}
	if err := w.Flush(); err != nil {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
