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
// Package cmd holds the fwqsim subcommands.
package cmd

import (
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/gpufw/gpufw/pkg/config"
	"github.com/gpufw/gpufw/pkg/log"
)

// Errorf logs the error and writes it to stderr. It returns
// subcommands.ExitFailure for convenience with Execute methods.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "fwqsim: %s\n", msg)
	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf and exits.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}

// configFrom extracts the configuration passed to subcommands.Execute.
func configFrom(args []any) *config.Config {
	return args[0].(*config.Config)
}
