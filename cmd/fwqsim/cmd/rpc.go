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
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/subcommands"
	abi "github.com/gpufw/gpufw/pkg/abi/falcon"
	"github.com/gpufw/gpufw/pkg/log"
	"github.com/gpufw/gpufw/pkg/pmu"
	"github.com/gpufw/gpufw/pkg/sim"
	"github.com/gpufw/gpufw/pkg/surface"
	"golang.org/x/sync/errgroup"
)

// RPC implements subcommands.Command for the "rpc" command.
type RPC struct {
	count   int
	workers int
	size    string
	dmem    bool
	surface string
}

// Name implements subcommands.Command.Name.
func (*RPC) Name() string {
	return "rpc"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*RPC) Synopsis() string {
	return "issue RPCs to simulated PMU firmware"
}

// Usage implements subcommands.Command.Usage.
func (*RPC) Usage() string {
	return `rpc [options] - boot simulated PMU firmware and issue blocking RPCs
through the command dispatcher. The firmware inverts every payload byte, and
each reply is checked.

EXAMPLE:
    $ fwqsim rpc -n 10000 -workers 16 -size 64B
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *RPC) SetFlags(f *flag.FlagSet) {
	f.IntVar(&r.count, "n", 1000, "number of RPCs to issue.")
	f.IntVar(&r.workers, "workers", 8, "number of concurrent callers.")
	f.StringVar(&r.size, "size", "16B", "payload size carried after the RPC header.")
	f.BoolVar(&r.dmem, "dmem", false, "use the legacy DMEM queues instead of FB queues.")
	f.StringVar(&r.surface, "surface", "", "file backing the super surface. An anonymous memfd is used when empty.")
}

// Execute implements subcommands.Command.Execute.
func (r *RPC) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || r.count <= 0 || r.workers <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	size, err := humanize.ParseBytes(r.size)
	if err != nil {
		return Errorf("parsing -size: %v", err)
	}
	if size == 0 || size+uint64(abi.RPCHeaderSize) > 0xffff {
		return Errorf("-size %s out of range", r.size)
	}

	conf := configFrom(args).Clone()
	conf.PMU.FBQueue = !r.dmem
	if err := conf.Validate(); err != nil {
		return Errorf("%v", err)
	}

	var ss surface.Mem
	if conf.PMU.FBQueue {
		var shared *surface.Shared
		if r.surface != "" {
			shared, err = surface.OpenShared(r.surface, conf.PMU.SuperSurfaceSize())
		} else {
			shared, err = surface.NewShared("fwqsim-super-surface", conf.PMU.SuperSurfaceSize())
		}
		if err != nil {
			return Errorf("creating super surface: %v", err)
		}
		defer shared.Close()
		ss = shared
	}

	s, err := sim.NewPMUSystem(&conf.PMU, ss)
	if err != nil {
		return Errorf("%v", err)
	}
	s.FW.HandleRPC(abi.UnitPerf, func(hdr abi.RPCHeader, rpc []byte) uint8 {
		for i := abi.RPCHeaderSize; i < uint32(len(rpc)); i++ {
			rpc[i] = ^rpc[i]
		}
		return 0
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			log.Warningf("simulation ended with: %v", err)
		}
	}()
	if err := s.Boot(ctx, 5*time.Second); err != nil {
		return Errorf("%v", err)
	}

	start := time.Now()
	var g errgroup.Group
	next := make(chan int)
	go func() {
		defer close(next)
		for i := 0; i < r.count; i++ {
			next <- i
		}
	}()
	for w := 0; w < r.workers; w++ {
		g.Go(func() error {
			buf := make([]byte, abi.RPCHeaderSize+uint32(size))
			for i := range next {
				abi.Put(buf, &abi.RPCHeader{UnitID: abi.UnitPerf})
				for j := abi.RPCHeaderSize; j < uint32(len(buf)); j++ {
					buf[j] = byte(i) + byte(j)
				}
				if err := s.Host.RPCExecute(ctx, &pmu.RPC{Buf: buf, CopyBack: true}); err != nil {
					return fmt.Errorf("RPC %d: %w", i, err)
				}
				for j := abi.RPCHeaderSize; j < uint32(len(buf)); j++ {
					if want := ^(byte(i) + byte(j)); buf[j] != want {
						return fmt.Errorf("RPC %d: reply byte %d is %#x, want %#x", i, j, buf[j], want)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Let the feeder finish.
		for range next {
		}
		return Errorf("%v", err)
	}
	elapsed := time.Since(start)

	mode := "FB queue"
	if r.dmem {
		mode = "DMEM queue"
	}
	fmt.Printf("%s RPCs over %s in %v (%s/s), %s of payload\n",
		humanize.Comma(int64(r.count)), mode, elapsed.Round(time.Millisecond),
		humanize.Comma(int64(float64(r.count)/elapsed.Seconds())),
		humanize.IBytes(uint64(r.count)*size))
	return subcommands.ExitSuccess
}
