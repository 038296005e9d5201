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

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"
	"gopkg.in/yaml.v3"
)

// Config implements subcommands.Command for the "config" command.
type Config struct {
	format string
}

// Name implements subcommands.Command.Name.
func (*Config) Name() string {
	return "config"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Config) Synopsis() string {
	return "print the effective configuration"
}

// Usage implements subcommands.Command.Usage.
func (*Config) Usage() string {
	return `config [-format toml|yaml] - print the configuration after defaults,
the file given with -config and command line overrides are applied.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Config) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.format, "format", "toml", "output format, toml or yaml.")
}

// Execute implements subcommands.Command.Execute.
func (c *Config) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := configFrom(args)
	switch c.format {
	case "toml":
		if err := toml.NewEncoder(os.Stdout).Encode(conf); err != nil {
			return Errorf("encoding configuration: %v", err)
		}
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(conf); err != nil {
			return Errorf("encoding configuration: %v", err)
		}
		if err := enc.Close(); err != nil {
			return Errorf("encoding configuration: %v", err)
		}
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}
	return subcommands.ExitSuccess
}
