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
	"bytes"
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/subcommands"
	abi "github.com/gpufw/gpufw/pkg/abi/ce"
	"github.com/gpufw/gpufw/pkg/ce"
	"github.com/gpufw/gpufw/pkg/fence"
	"github.com/gpufw/gpufw/pkg/log"
	"github.com/gpufw/gpufw/pkg/sim"
	"github.com/gpufw/gpufw/pkg/surface"
)

// CE implements subcommands.Command for the "ce" command.
type CE struct {
	jobs     int
	size     string
	mem      string
	op       string
	vidmem   bool
	runlist  uint
	contexts int
}

// Name implements subcommands.Command.Name.
func (*CE) Name() string {
	return "ce"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*CE) Synopsis() string {
	return "run memset or copy jobs through copy-engine contexts"
}

// Usage implements subcommands.Command.Usage.
func (*CE) Usage() string {
	return `ce [options] - create copy-engine contexts on a simulated GPU and
submit jobs round robin across them. Memsets fill consecutive ranges of system
memory; copies move each range from system memory to video memory. Every range
is verified once all fences have signaled.

EXAMPLE:
    $ fwqsim ce -jobs 200 -size 64KiB -op copy
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *CE) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.jobs, "jobs", 100, "number of jobs to submit.")
	f.StringVar(&c.size, "size", "4KiB", "bytes per job.")
	f.StringVar(&c.mem, "mem", "64MiB", "size of simulated system and video memory.")
	f.StringVar(&c.op, "op", "memset", "operation, memset or copy.")
	f.BoolVar(&c.vidmem, "vidmem", true, "give the GPU video memory. Copies need it.")
	f.UintVar(&c.runlist, "runlist", 0, "runlist of the CE channels.")
	f.IntVar(&c.contexts, "contexts", 1, "number of CE contexts.")
}

// Execute implements subcommands.Command.Execute.
func (c *CE) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || c.jobs <= 0 || c.contexts <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	var op abi.Op
	switch c.op {
	case "memset":
		op = abi.OpMemset
	case "copy":
		op = abi.OpPhysModeTransfer
		if !c.vidmem {
			return Errorf("copies need -vidmem")
		}
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}
	size, err := humanize.ParseBytes(c.size)
	if err != nil {
		return Errorf("parsing -size: %v", err)
	}
	memSize, err := humanize.ParseBytes(c.mem)
	if err != nil {
		return Errorf("parsing -mem: %v", err)
	}
	if size == 0 || size*uint64(c.jobs) > memSize {
		return Errorf("%d jobs of %s do not fit %s of memory", c.jobs, humanize.IBytes(size), humanize.IBytes(memSize))
	}
	conf := configFrom(args)

	sysmem := surface.NewHeap(int(memSize))
	var vidmem surface.Mem
	if c.vidmem {
		vidmem = surface.NewHeap(int(memSize))
	}
	gpu := sim.NewGPU(abi.HopperDMACopyA, sysmem, vidmem, int(conf.CE.GPFIFOEntries))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- gpu.Run(ctx) }()

	app := ce.NewApp(gpu, &conf.CE)
	app.InitSupport()
	defer func() {
		if err := app.Destroy(); err != nil {
			log.Warningf("destroying CE app: %v", err)
		}
		cancel()
		<-done
	}()
	ids := make([]uint32, c.contexts)
	for i := range ids {
		if ids[i], err = app.CreateContext(uint32(c.runlist), ce.DefaultValue, ce.DefaultValue); err != nil {
			return Errorf("creating CE context: %v", err)
		}
	}

	if op == abi.OpPhysModeTransfer {
		// Give every range a recognizable source.
		for i := 0; i < c.jobs; i++ {
			if _, err := sysmem.WriteAt(bytes.Repeat([]byte{pattern(i)}, int(size)), int64(uint64(i)*size)); err != nil {
				return Errorf("%v", err)
			}
		}
	}

	start := time.Now()
	fences := make([]*fence.Fence, 0, c.jobs)
	defer func() {
		for _, f := range fences {
			f.DecRef()
		}
	}()
	for i := 0; i < c.jobs; i++ {
		off := uint64(i) * size
		req := &ce.Request{
			Src:       off,
			Dst:       off,
			Size:      size,
			Payload:   uint32(pattern(i)),
			Launch:    abi.SrcCoherent | abi.DstCoherent,
			Op:        op,
			WantFence: true,
		}
		if op == abi.OpPhysModeTransfer {
			req.Launch = abi.SrcCoherent | abi.DstLocalFB
		}
		fn, err := app.ExecuteOps(ctx, ids[i%len(ids)], req)
		if err != nil {
			return Errorf("job %d: %v", i, err)
		}
		fences = append(fences, fn)
	}
	for i, fn := range fences {
		wctx, wcancel := context.WithTimeout(ctx, conf.CE.PollTimeout.D())
		err := fn.Wait(wctx)
		wcancel()
		if err != nil {
			return Errorf("job %d: %v", i, err)
		}
	}
	elapsed := time.Since(start)

	dst := surface.Mem(sysmem)
	if op == abi.OpPhysModeTransfer {
		dst = vidmem
	}
	got := make([]byte, size)
	for i := 0; i < c.jobs; i++ {
		if _, err := dst.ReadAt(got, int64(uint64(i)*size)); err != nil {
			return Errorf("%v", err)
		}
		if !bytes.Equal(got, bytes.Repeat([]byte{pattern(i)}, int(size))) {
			return Errorf("job %d: range at %#x has the wrong contents", i, uint64(i)*size)
		}
	}

	fmt.Printf("%s %ss on %d context(s) in %v, %s moved (%s/s), %d fault(s)\n",
		humanize.Comma(int64(c.jobs)), c.op, c.contexts, elapsed.Round(time.Microsecond),
		humanize.IBytes(gpu.Executed.Load()),
		humanize.IBytes(uint64(float64(gpu.Executed.Load())/elapsed.Seconds())),
		gpu.Faults.Load())
	return subcommands.ExitSuccess
}

// pattern is the fill byte of job i.
func pattern(i int) byte {
	return byte(i%251) + 1
}
