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
	"fmt"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Logging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr. %PID% and %TIMESTAMP% are replaced.")
	flagSet.String("log-format", "text", "log format: text (default), json, json-k8s, or logrus.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")
	flagSet.String("config", "", "TOML file with a [mapmgr] table of flag values. Flags given on the command line take precedence.")

	// Flags that control the mapping manager.
	flagSet.Var(low4GBModePtr(Low4GBAuto), "low4gb", "placement of mappings below 4GiB: auto (default), scan, map32bit.")
	flagSet.Bool("fixed-noreplace", true, "try MAP_FIXED_NOREPLACE before plain address hints, if the kernel supports it.")
	flagSet.Bool("move-remap", true, "allow atomic replacement of mappings with mremap, if the kernel supports it.")
	flagSet.Bool("redzones", false, "surround file mappings with inaccessible guard pages.")
	flagSet.Bool("madvise-zeroes", true, "zero whole anonymous pages with madvise.")
	flagSet.Bool("debug-names", true, "name managed mappings in /proc/self/maps, if the kernel supports it.")
	flagSet.Bool("dump-maps-on-failure", false, "log /proc/self/maps when the kernel refuses a mapping.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags and, if --config is set, from the configuration file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if conf.ConfigFile != "" {
		if err := conf.LoadFile(flagSet, conf.ConfigFile); err != nil {
			return nil, err
		}
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// file is the layout of a configuration file.
type file struct {
	// Mapmgr maps flag names to values, e.g. redzones = true.
	Mapmgr map[string]any `toml:"mapmgr"`
}

// LoadFile applies the [mapmgr] table of the TOML file at path to flags that
// were not set explicitly in flagSet.
func (c *Config) LoadFile(flagSet *flag.FlagSet, path string) error {
	var f file
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	explicit := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) {
		explicit[fl.Name] = true
	})
	for name, v := range f.Mapmgr {
		if name == "config" {
			return fmt.Errorf("config file %q may not name another config file", path)
		}
		if explicit[name] {
			continue
		}
		if err := c.Override(flagSet, name, fmt.Sprint(v)); err != nil {
			return fmt.Errorf("config file %q: %w", path, err)
		}
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

// Override writes a new value to a flag.
func (c *Config) Override(flagSet *flag.FlagSet, name string, value string) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		fieldName, ok := f.Tag.Lookup("flag")
		if !ok || fieldName != name {
			// Not a flag field, or flag name doesn't match.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			// Flag must exist if there is a field match above.
			panic(fmt.Sprintf("Flag %q not found", name))
		}

		// Use flag to convert the string value to the underlying flag type, using
		// the same rules as the command-line for consistency.
		if err := fl.Value.Set(value); err != nil {
			return fmt.Errorf("error setting flag %s=%q: %w", name, value, err)
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)

		// Validates the config again to ensure it's left in a consistent state.
		return c.validate()
	}
	return fmt.Errorf("flag %q not found. Cannot set it to %q", name, value)
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
