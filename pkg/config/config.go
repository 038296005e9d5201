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

// Package config holds the tunables of the firmware queue subsystem and the
// copy-engine application, loaded from a TOML file.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gpufw/gpufw/pkg/abi/ce"
	abi "github.com/gpufw/gpufw/pkg/abi/falcon"
	"github.com/gpufw/gpufw/pkg/log"
	"github.com/mohae/deepcopy"
)

// Duration is a time.Duration that decodes from strings like "10ms".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D returns d as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// Log configures the global logger.
type Log struct {
	// Level is one of "warning", "info" or "debug".
	Level log.Level `toml:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" yaml:"format"`
}

// PMU configures the command dispatcher and its queues.
type PMU struct {
	// FBQueue selects FB-queue mode. When false, commands are carried in
	// DMEM queues.
	FBQueue bool `toml:"fb_queue" yaml:"fb_queue"`

	// QueueLength is the number of elements of each FB queue.
	QueueLength uint32 `toml:"queue_length" yaml:"queue_length"`

	// ElementSize is the size in bytes of one FB-queue element.
	ElementSize uint32 `toml:"element_size" yaml:"element_size"`

	// DmemQueueBase is the DMEM offset of the first DMEM queue. Queues are
	// laid out back to back: HPQ, LPQ, then the message queue.
	DmemQueueBase uint32 `toml:"dmem_queue_base" yaml:"dmem_queue_base"`

	// DmemQueueSize is the size in bytes of each DMEM queue.
	DmemQueueSize uint32 `toml:"dmem_queue_size" yaml:"dmem_queue_size"`

	// HeapBase and HeapSize describe the DMEM heap window the firmware
	// advertises in its INIT message.
	HeapBase uint32 `toml:"heap_base" yaml:"heap_base"`
	HeapSize uint32 `toml:"heap_size" yaml:"heap_size"`

	// Sequences is the size of the sequence table.
	Sequences uint32 `toml:"sequences" yaml:"sequences"`

	// WriteTimeout bounds the retry loop of a command write against a
	// full queue.
	WriteTimeout Duration `toml:"write_timeout" yaml:"write_timeout"`

	// RetryInterval is the sleep between two write attempts.
	RetryInterval Duration `toml:"retry_interval" yaml:"retry_interval"`

	// RPCTimeout bounds a blocking RPC.
	RPCTimeout Duration `toml:"rpc_timeout" yaml:"rpc_timeout"`

	// PendingReclaimTimeout is how long a sequence may stay PENDING before
	// it is reclaimed.
	PendingReclaimTimeout Duration `toml:"pending_reclaim_timeout" yaml:"pending_reclaim_timeout"`
}

// CE configures the copy-engine application.
type CE struct {
	// PollTimeout bounds the wait on a slot's previous fence.
	PollTimeout Duration `toml:"poll_timeout" yaml:"poll_timeout"`

	// GPFIFOEntries is the GPFIFO size of each CE channel.
	GPFIFOEntries uint32 `toml:"gpfifo_entries" yaml:"gpfifo_entries"`
}

// Config is the top-level configuration.
type Config struct {
	Log Log `toml:"log" yaml:"log"`
	PMU PMU `toml:"pmu" yaml:"pmu"`
	CE  CE  `toml:"ce" yaml:"ce"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: Log{
			Level:  log.Info,
			Format: "text",
		},
		PMU: PMU{
			FBQueue:               true,
			QueueLength:           16,
			ElementSize:           256,
			DmemQueueBase:         0x800,
			DmemQueueSize:         0x400,
			HeapBase:              0x2000,
			HeapSize:              0x4000,
			Sequences:             256,
			WriteTimeout:          Duration(2 * time.Second),
			RetryInterval:         Duration(time.Millisecond),
			RPCTimeout:            Duration(time.Second),
			PendingReclaimTimeout: Duration(5 * time.Second),
		},
		CE: CE{
			PollTimeout:   Duration(ce.PollTimeoutMs * time.Millisecond),
			GPFIFOEntries: ce.GPFIFOEntries,
		},
	}
}

// Load reads path on top of the defaults. Keys absent from the file keep
// their default value.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("decode config file %q: %w", path, err)
	}
	for _, k := range md.Undecoded() {
		log.Warningf("Unknown config key %q in %s", k.String(), path)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}
	return c, nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Validate checks the configuration for values the subsystem cannot run with.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}
	p := &c.PMU
	if p.QueueLength < 2 {
		return fmt.Errorf("pmu.queue_length must be at least 2, got %d", p.QueueLength)
	}
	if p.QueueLength > 256 {
		// The element index is a single byte on the wire.
		return fmt.Errorf("pmu.queue_length must be at most 256, got %d", p.QueueLength)
	}
	if p.ElementSize < 64 || p.ElementSize%4 != 0 {
		return fmt.Errorf("pmu.element_size must be a multiple of 4 and at least 64, got %d", p.ElementSize)
	}
	if p.DmemQueueSize < 64 || p.DmemQueueSize%4 != 0 {
		return fmt.Errorf("pmu.dmem_queue_size must be a multiple of 4 and at least 64, got %d", p.DmemQueueSize)
	}
	if p.DmemQueueBase%4 != 0 {
		return fmt.Errorf("pmu.dmem_queue_base must be a multiple of 4, got %#x", p.DmemQueueBase)
	}
	if p.HeapBase == 0 || p.HeapSize == 0 {
		return fmt.Errorf("pmu.heap_base and pmu.heap_size must be non-zero")
	}
	if end := uint64(p.DmemQueueBase) + QueueSlots*uint64(p.DmemQueueSize); end > uint64(p.HeapBase) {
		return fmt.Errorf("DMEM queues end at %#x, past pmu.heap_base %#x", end, p.HeapBase)
	}
	if uint64(p.HeapBase)+uint64(p.HeapSize) > 1<<24 {
		return fmt.Errorf("DMEM heap [%#x, +%#x) is too large", p.HeapBase, p.HeapSize)
	}
	if p.FBQueue && uint64(p.HeapBase)+uint64(p.HeapSize) > 1<<16 {
		// FBQ headers carry the heap offset in 16 bits.
		return fmt.Errorf("DMEM heap [%#x, +%#x) is not addressable by FB queues", p.HeapBase, p.HeapSize)
	}
	if p.Sequences == 0 || p.Sequences > 256 {
		// The sequence id is a single byte on the wire.
		return fmt.Errorf("pmu.sequences must be in [1, 256], got %d", p.Sequences)
	}
	if p.RetryInterval <= 0 || p.WriteTimeout < p.RetryInterval {
		return fmt.Errorf("pmu.write_timeout (%v) must be at least pmu.retry_interval (%v)", p.WriteTimeout.D(), p.RetryInterval.D())
	}
	if p.RPCTimeout <= 0 || p.PendingReclaimTimeout <= 0 {
		return fmt.Errorf("pmu.rpc_timeout and pmu.pending_reclaim_timeout must be positive")
	}
	if c.CE.PollTimeout <= 0 {
		return fmt.Errorf("ce.poll_timeout must be positive")
	}
	if c.CE.GPFIFOEntries == 0 || c.CE.GPFIFOEntries&(c.CE.GPFIFOEntries-1) != 0 {
		return fmt.Errorf("ce.gpfifo_entries must be a power of two, got %d", c.CE.GPFIFOEntries)
	}
	return nil
}

// QueueSlots is the number of queues laid out by the PMU: two command queues
// and the message queue.
const QueueSlots = 3

// QueueSlot returns the layout slot of queue id.
func QueueSlot(id uint32) uint32 {
	if id == abi.MessageQueue {
		return 2
	}
	return id
}

// FBQueueOffset returns the super surface offset of FB queue id.
func (p *PMU) FBQueueOffset(id uint32) uint32 {
	return QueueSlot(id) * p.QueueLength * p.ElementSize
}

// SuperSurfaceSize returns the size of the super surface holding all FB
// queues.
func (p *PMU) SuperSurfaceSize() int64 {
	return int64(QueueSlots) * int64(p.QueueLength) * int64(p.ElementSize)
}

// DmemQueueOffset returns the DMEM offset of DMEM queue id.
func (p *PMU) DmemQueueOffset(id uint32) uint32 {
	return p.DmemQueueBase + QueueSlot(id)*p.DmemQueueSize
}

// DmemSize returns the size of DMEM needed for the queues and the heap.
func (p *PMU) DmemSize() int64 {
	return int64(p.HeapBase) + int64(p.HeapSize)
}
