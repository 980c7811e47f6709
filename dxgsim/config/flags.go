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
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"gvisor.dev/dxgk/pkg/abi/d3dkmt"
	"gvisor.dev/dxgk/pkg/hmgr"
	"gvisor.dev/dxgk/pkg/refs"
)

// configFlag names the flag holding the path of the TOML configuration file.
const configFlag = "config"

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String(configFlag, "", "path of a TOML file with configuration values. Flags given on the command line override the file.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default), json or logfmt.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr as well as to the log file.")
	flagSet.Var(leakModePtr(refs.NoLeakChecking), "ref-leak-mode", "sets reference leak check mode: disabled (default), log-names, panic.")

	// Driver flags.
	flagSet.Int("min-free-handles", hmgr.DefaultMinFreeEntries, "number of free handle table entries kept before a freed entry is reused.")
	flagSet.Int("max-handles", 0, "maximum number of entries of every handle table. 0 means the largest size handles can address.")
	flagSet.Duration("host-timeout", 5*time.Second, "bound on every host round trip. 0 disables it.")

	// Host flags.
	flagSet.String("host-network", "unix", "network of the host endpoint: unix or tcp.")
	flagSet.String("host-addr", "", "address of the host endpoint. Empty means an in-process simulated host.")
	flagSet.Var(luidListPtr(LUIDList{d3dkmt.LUIDFromUint64(0x10)}), "adapters", "comma separated LUIDs of the simulated adapters.")

	// Workload flags.
	flagSet.Int("stress-workers", 8, "default number of concurrent stress workers.")
	flagSet.Int("stress-iterations", 100, "default number of iterations per stress worker.")
	flagSet.String("metrics-namespace", "", "prefix of exported Prometheus metric names.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags and, if --config is set, from the configuration file it names.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	forEachFlagField(conf, func(name string, field reflect.Value) {
		field.Set(reflect.ValueOf(flagValue(flagSet, name)))
	})

	if path := flagSet.Lookup(configFlag).Value.String(); path != "" {
		if err := LoadFile(path, conf); err != nil {
			return nil, err
		}
		// Flags given explicitly win over the file.
		set := make(map[string]struct{})
		flagSet.Visit(func(fl *flag.Flag) {
			set[fl.Name] = struct{}{}
		})
		forEachFlagField(conf, func(name string, field reflect.Value) {
			if _, ok := set[name]; ok {
				field.Set(reflect.ValueOf(flagValue(flagSet, name)))
			}
		})
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// LoadFile decodes the TOML file at path into conf. Keys missing from the
// file leave the corresponding fields unchanged; unknown keys are an error.
func LoadFile(path string, conf *Config) error {
	md, err := toml.DecodeFile(path, conf)
	if err != nil {
		return fmt.Errorf("decoding config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("config file %q: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Values equal to their defaults are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	forEachFlagField(c, func(name string, field reflect.Value) {
		val := getVal(field)
		fl := flagSet.Lookup(name)
		if val == fl.DefValue {
			return
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	})
	return rv
}

// forEachFlagField calls fn with every field of conf tagged with a flag name.
func forEachFlagField(conf *Config, fn func(name string, field reflect.Value)) {
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fn(name, obj.Field(i))
	}
}

func flagValue(flagSet *flag.FlagSet, name string) any {
	fl := flagSet.Lookup(name)
	if fl == nil {
		panic(fmt.Sprintf("Flag %q not found", name))
	}
	return fl.Value.(flag.Getter).Get()
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

func leakModePtr(v refs.LeakMode) *refs.LeakMode {
	return &v
}

func luidListPtr(v LUIDList) *LUIDList {
	return &v
}
