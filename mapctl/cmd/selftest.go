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
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/mapmgr/mapctl/config"
	"gvisor.dev/mapmgr/pkg/log"
)

// Selftest implements subcommands.Command for the "selftest" command.
type Selftest struct {
	dir string
}

// Name implements subcommands.Command.Name.
func (*Selftest) Name() string {
	return "selftest"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Selftest) Synopsis() string {
	return "exercise the mapping manager on this host"
}

// Usage implements subcommands.Command.Usage.
func (*Selftest) Usage() string {
	return `selftest [-dir=<path>] - run the mapping scenarios concurrently and report the result of each
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Selftest) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.dir, "dir", os.TempDir(), "directory for the temporary file mapped by the file scenario.")
}

// Execute implements subcommands.Command.Execute.
func (s *Selftest) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	mgr := manager(conf)

	status := subcommands.ExitSuccess
	for _, r := range RunScenarios(mgr, hostMemory{}, s.dir) {
		fmt.Fprintln(os.Stdout, r)
		if !r.Passed() && !errors.Is(r.Err, errSkipped) {
			log.Warningf("scenario %s failed: %v", r.Name, r.Err)
			status = subcommands.ExitFailure
		}
	}
	if n := mgr.Len(); n != 0 {
		fmt.Fprintf(os.Stdout, "%d mappings leaked\n", n)
		status = subcommands.ExitFailure
	}
	return status
}
