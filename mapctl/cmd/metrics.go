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
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/mapmgr/mapctl/cmd/util"
	"gvisor.dev/mapmgr/mapctl/config"
	"gvisor.dev/mapmgr/pkg/log"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	scenarios bool
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "print mapping manager metrics in Prometheus format"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [-scenarios=false] - prints manager metric data in Prometheus metric format
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&m.scenarios, "scenarios", true, "run the selftest scenarios before taking the snapshot.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	mgr := manager(conf)

	if m.scenarios {
		for _, r := range RunScenarios(mgr, hostMemory{}, os.TempDir()) {
			log.Infof("%v", r)
		}
	}
	maps, err := sampleMappings(mgr)
	if err != nil {
		util.Fatalf("creating sample mappings: %v", err)
	}
	defer func() {
		for _, s := range maps {
			s.Unmap()
		}
	}()
	if err := mgr.WriteMetrics(os.Stdout); err != nil {
		util.Errorf("Cannot write metrics to stdout: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
