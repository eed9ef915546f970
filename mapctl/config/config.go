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

// Package config provides basic infrastructure to set configuration settings
// for mapctl. Each setting is registered as a command line flag and may also
// be given in a TOML file.
package config

import (
	"fmt"
	"reflect"

	"gvisor.dev/mapmgr/pkg/log"
	"gvisor.dev/mapmgr/pkg/mapmgr"
	"gvisor.dev/mapmgr/pkg/platform"
)

// Config holds configuration that is not part of the manager's API.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name.
//  3. Register a new flag in flags.go, with the same name and add a
//     description.
//  4. If the flag feeds mapmgr.Options, set it in Options.
type Config struct {
	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// LogFilename is the filename to log to, if not empty. It may contain
	// %PID% and %TIMESTAMP%.
	LogFilename string `flag:"log"`

	// LogFormat is the log format: text, json, json-k8s or logrus.
	LogFormat string `flag:"log-format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// ConfigFile is a TOML file whose [mapmgr] table sets flags that were
	// not given on the command line.
	ConfigFile string `flag:"config"`

	// Low4GB selects how mappings below 4GiB are placed.
	Low4GB Low4GBMode `flag:"low4gb"`

	// FixedNoReplace tries MAP_FIXED_NOREPLACE before plain hints.
	FixedNoReplace bool `flag:"fixed-noreplace"`

	// MoveRemap permits atomic replacement with mremap.
	MoveRemap bool `flag:"move-remap"`

	// Redzones adds guard pages around file mappings.
	Redzones bool `flag:"redzones"`

	// MadviseZeroes lets zeroing rely on madvise.
	MadviseZeroes bool `flag:"madvise-zeroes"`

	// DebugNames names managed mappings in /proc/self/maps.
	DebugNames bool `flag:"debug-names"`

	// DumpMapsOnFailure logs /proc/self/maps when the kernel refuses a
	// mapping.
	DumpMapsOnFailure bool `flag:"dump-maps-on-failure"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "json-k8s", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', 'json-k8s' or 'logrus'", c.LogFormat)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("\t%s (--%s): %s", f.Name, name, getVal(obj.Field(i)))
	}
}

// Options returns the manager options for vm. Features the host lacks stay
// disabled whatever the configuration says.
func (c *Config) Options(vm platform.VM) mapmgr.Options {
	opts := mapmgr.DefaultOptions(vm)
	switch c.Low4GB {
	case Low4GBScan:
		opts.Low4GBAllocator = true
	case Low4GBMap32Bit:
		opts.Low4GBAllocator = false
	}
	opts.FixedNoReplace = opts.FixedNoReplace && c.FixedNoReplace
	opts.MoveRemap = opts.MoveRemap && c.MoveRemap
	opts.MadviseZeroes = opts.MadviseZeroes && c.MadviseZeroes
	opts.DebugNames = opts.DebugNames && c.DebugNames
	opts.Redzones = c.Redzones
	opts.DumpMapsOnFailure = c.DumpMapsOnFailure
	opts.Logger = log.Log()
	return opts
}

// Low4GBMode is the strategy for mappings that must lie below 4GiB.
type Low4GBMode int

const (
	// Low4GBAuto scans where the host has no MAP_32BIT and uses MAP_32BIT
	// otherwise.
	Low4GBAuto Low4GBMode = iota

	// Low4GBScan always uses the manager's linear scan.
	Low4GBScan

	// Low4GBMap32Bit always uses MAP_32BIT.
	Low4GBMap32Bit
)

func low4GBModePtr(v Low4GBMode) *Low4GBMode {
	return &v
}

// Set implements flag.Value.
func (m *Low4GBMode) Set(v string) error {
	switch v {
	case "auto":
		*m = Low4GBAuto
	case "scan":
		*m = Low4GBScan
	case "map32bit":
		*m = Low4GBMap32Bit
	default:
		return fmt.Errorf("invalid low4gb mode %q", v)
	}
	return nil
}

// Get implements flag.Getter.
func (m *Low4GBMode) Get() any {
	return *m
}

// String implements flag.Value.
func (m Low4GBMode) String() string {
	switch m {
	case Low4GBAuto:
		return "auto"
	case Low4GBScan:
		return "scan"
	case Low4GBMap32Bit:
		return "map32bit"
	}
	panic(fmt.Sprintf("Invalid low4gb mode %d", m))
}
