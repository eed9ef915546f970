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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/mapmgr/pkg/platform/fakevm"
)

func TestDefault(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	flags := c.ToFlags()
	if len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse([]string{"--debug", "--low4gb=scan", "--redzones", "--move-remap=false", "--log-format=json"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := Low4GBScan; c.Low4GB != want {
		t.Errorf("Low4GB=%v, want: %v", c.Low4GB, want)
	}
	if want := false; c.MoveRemap != want {
		t.Errorf("MoveRemap=%v, want: %v", c.MoveRemap, want)
	}
	if want := "json"; c.LogFormat != want {
		t.Errorf("LogFormat=%v, want: %v", c.LogFormat, want)
	}

	want := []string{"--debug=true", "--log-format=json", "--low4gb=scan", "--move-remap=false", "--redzones=true"}
	if diff := cmp.Diff(want, c.ToFlags()); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestValidationFailure(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	testFlags.Set("log-format", "xml")
	if _, err := NewFromFlags(testFlags); err == nil || !strings.Contains(err.Error(), "invalid log format") {
		t.Errorf("NewFromFlags with a bad log format returned %v", err)
	}
	if err := testFlags.Set("low4gb", "sometimes"); err == nil {
		t.Errorf("invalid low4gb mode accepted")
	}
}

func TestOverride(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Override(testFlags, "low4gb", "map32bit"); err != nil {
		t.Fatalf("Override failed: %v", err)
	}
	if c.Low4GB != Low4GBMap32Bit {
		t.Errorf("Low4GB=%v, want: %v", c.Low4GB, Low4GBMap32Bit)
	}
	if err := c.Override(testFlags, "debug-names", "maybe"); err == nil {
		t.Errorf("Override with an invalid bool succeeded")
	}
	if err := c.Override(testFlags, "no-such-flag", "1"); err == nil {
		t.Errorf("Override of an unknown flag succeeded")
	}
	if err := c.Override(testFlags, "log-format", "yaml"); err == nil {
		t.Errorf("Override to an invalid log format succeeded")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapctl.toml")
	const contents = `
[mapmgr]
redzones = true
low4gb = "scan"
debug-names = false
madvise-zeroes = false
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	// The command line wins over the file.
	if err := testFlags.Parse([]string{"--config=" + path, "--madvise-zeroes=true"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatalf("NewFromFlags failed: %v", err)
	}
	if !c.Redzones || c.Low4GB != Low4GBScan || c.DebugNames || !c.MadviseZeroes {
		t.Errorf("config from file: %+v", c)
	}

	bad := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(bad, []byte("[mapmgr]\nno-such-flag = 1\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := c.LoadFile(testFlags, bad); err == nil {
		t.Errorf("LoadFile with an unknown flag succeeded")
	}
	if err := c.LoadFile(testFlags, filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Errorf("LoadFile of a missing file succeeded")
	}
}

func TestOptions(t *testing.T) {
	cfg := fakevm.DefaultConfig()
	cfg.Features.MoveRemap = false
	vm := fakevm.NewWithConfig(cfg)

	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse([]string{"--low4gb=map32bit", "--redzones", "--fixed-noreplace=false", "--dump-maps-on-failure"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	opts := c.Options(vm)
	if opts.Low4GBAllocator || opts.FixedNoReplace || opts.MoveRemap || !opts.Redzones || !opts.DumpMapsOnFailure {
		t.Errorf("Options = %+v", opts)
	}
	// Defaults follow the host.
	if !opts.MadviseZeroes || !opts.DebugNames || opts.Logger == nil {
		t.Errorf("Options = %+v", opts)
	}
}
