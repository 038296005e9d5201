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
// Binary fwqsim drives the firmware queue subsystem against simulated
// hardware.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/gpufw/gpufw/cmd/fwqsim/cmd"
	"github.com/gpufw/gpufw/pkg/config"
	"github.com/gpufw/gpufw/pkg/log"
)

var (
	configPath = flag.String("config", "", "path to a TOML configuration file. Defaults apply when empty.")
	debug      = flag.Bool("debug", false, "enable debug logging, overriding the configured level.")
	logFormat  = flag.String("log-format", "", "log format, text or json, overriding the configured format.")
)

func main() {
	forEachCmd(subcommands.Register)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf := config.Default()
	if *configPath != "" {
		var err error
		if conf, err = config.Load(*configPath); err != nil {
			cmd.Fatalf("%v", err)
		}
	}
	if *logFormat != "" {
		conf.Log.Format = *logFormat
	}
	if *debug {
		conf.Log.Level = log.Debug
	}
	if err := conf.Validate(); err != nil {
		cmd.Fatalf("invalid configuration: %v", err)
	}

	log.SetTarget(log.NewLogrusEmitter(os.Stderr, conf.Log.Format == "json"))
	log.SetLevel(conf.Log.Level)
	log.Debugf("Args: %v", os.Args)

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}

// forEachCmd invokes the passed callback for each command supported by
// fwqsim.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	const simGroup = "simulation"
	cb(new(cmd.RPC), simGroup)
	cb(new(cmd.CE), simGroup)

	cb(new(cmd.Config), "")
}
