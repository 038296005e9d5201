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

// Package falcon models the host's view of a falcon microcontroller: its
// data memory and the head/tail registers of its queues.
package falcon

import (
	"fmt"
	"sync/atomic"

	abi "github.com/gpufw/gpufw/pkg/abi/falcon"
	"github.com/gpufw/gpufw/pkg/errors/linuxerr"
	"github.com/gpufw/gpufw/pkg/surface"
)

// Registers gives access to queue head and tail registers, indexed by queue
// id.
type Registers interface {
	Head(id uint32) (uint32, error)
	SetHead(id, v uint32) error
	Tail(id uint32) (uint32, error)
	SetTail(id, v uint32) error
}

// Falcon is a falcon as seen from the host.
type Falcon interface {
	Registers

	// CopyToDmem copies src into DMEM at dst.
	CopyToDmem(dst uint32, src []byte) error

	// CopyFromDmem copies DMEM at src into dst.
	CopyFromDmem(src uint32, dst []byte) error
}

// Engine implements Falcon over a DMEM region and an in-memory register file.
// Writes to a command queue head and to the message queue head ring the
// corresponding doorbell.
type Engine struct {
	dmem surface.Mem
	head [abi.QueueCount]atomic.Uint32
	tail [abi.QueueCount]atomic.Uint32

	fault atomic.Pointer[error]

	cmdBell chan struct{}
	msgBell chan struct{}
}

var _ Falcon = (*Engine)(nil)

// NewEngine returns an Engine over dmem.
func NewEngine(dmem surface.Mem) *Engine {
	return &Engine{
		dmem:    dmem,
		cmdBell: make(chan struct{}, 1),
		msgBell: make(chan struct{}, 1),
	}
}

func (e *Engine) reg(id uint32) error {
	if p := e.fault.Load(); p != nil {
		return *p
	}
	if id >= abi.QueueCount {
		return fmt.Errorf("no queue %d: %w", id, linuxerr.EINVAL)
	}
	return nil
}

func ring(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

// Head implements Registers.Head.
func (e *Engine) Head(id uint32) (uint32, error) {
	if err := e.reg(id); err != nil {
		return 0, err
	}
	return e.head[id].Load(), nil
}

// SetHead implements Registers.SetHead.
func (e *Engine) SetHead(id, v uint32) error {
	if err := e.reg(id); err != nil {
		return err
	}
	e.head[id].Store(v)
	if abi.IsCommandQueue(id) {
		ring(e.cmdBell)
	} else {
		ring(e.msgBell)
	}
	return nil
}

// Tail implements Registers.Tail.
func (e *Engine) Tail(id uint32) (uint32, error) {
	if err := e.reg(id); err != nil {
		return 0, err
	}
	return e.tail[id].Load(), nil
}

// SetTail implements Registers.SetTail.
func (e *Engine) SetTail(id, v uint32) error {
	if err := e.reg(id); err != nil {
		return err
	}
	e.tail[id].Store(v)
	return nil
}

// CopyToDmem implements Falcon.CopyToDmem.
func (e *Engine) CopyToDmem(dst uint32, src []byte) error {
	_, err := e.dmem.WriteAt(src, int64(dst))
	return err
}

// CopyFromDmem implements Falcon.CopyFromDmem.
func (e *Engine) CopyFromDmem(src uint32, dst []byte) error {
	_, err := e.dmem.ReadAt(dst, int64(src))
	return err
}

// Dmem returns the DMEM region.
func (e *Engine) Dmem() surface.Mem {
	return e.dmem
}

// CommandDoorbell is signaled after a command queue head write.
func (e *Engine) CommandDoorbell() <-chan struct{} {
	return e.cmdBell
}

// MessageDoorbell is signaled after a message queue head write, which is how
// the firmware raises its message interrupt.
func (e *Engine) MessageDoorbell() <-chan struct{} {
	return e.msgBell
}

// InjectFault makes every register access fail with err until it is cleared
// with a nil err.
func (e *Engine) InjectFault(err error) {
	if err == nil {
		e.fault.Store(nil)
		return
	}
	e.fault.Store(&err)
}
