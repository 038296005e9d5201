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
// Package fence provides completion fences for GPU submissions.
//
// A fence is created unsignaled by the party that submits work and is
// signaled once, possibly with an error, when the work completes. Holders
// share a fence through reference counting; the release function passed to
// New runs when the last reference is dropped.
package fence

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/gpufw/gpufw/pkg/errors/linuxerr"
	"github.com/gpufw/gpufw/pkg/refs"
	"github.com/gpufw/gpufw/pkg/sync"
)

// Fence is a one-shot completion token.
type Fence struct {
	refs refs.Refs

	id uint64

	once sync.Once
	done chan struct{}
	// err is written once before done is closed.
	err error

	release  func()
	released atomic.Bool
}

// New returns an unsignaled fence holding one reference. release, if not
// nil, runs when the last reference is dropped.
func New(id uint64, release func()) *Fence {
	f := &Fence{
		id:      id,
		done:    make(chan struct{}),
		release: release,
	}
	f.refs.InitRefs()
	return f
}

// ID returns the fence's identifier, which is unique per issuer.
func (f *Fence) ID() uint64 {
	return f.id
}

// Signal marks the fence complete. err, if not nil, is the fault that ended
// the work and is returned by every Wait. Only the first call has effect.
func (f *Fence) Signal(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done returns a channel that is closed once the fence is signaled.
func (f *Fence) Done() <-chan struct{} {
	return f.done
}

// Signaled returns true if the fence has been signaled.
func (f *Fence) Signaled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the fence is signaled or ctx is done. It returns the
// error the fence was signaled with, or ETIMEDOUT if ctx ended first.
func (f *Fence) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	default:
	}
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return fmt.Errorf("fence %d: %v: %w", f.id, ctx.Err(), linuxerr.ETIMEDOUT)
	}
}

// IncRef takes a reference on f.
func (f *Fence) IncRef() {
	f.refs.IncRef()
}

// DecRef drops a reference on f. Dropping the last one runs the release
// function.
func (f *Fence) DecRef() {
	f.refs.DecRef(func() {
		f.released.Store(true)
		if f.release != nil {
			f.release()
		}
	})
}

// ReadRefs returns the current number of references. The result is racy
// unless the caller synchronizes with every holder.
func (f *Fence) ReadRefs() int64 {
	return f.refs.ReadRefs()
}

// Released returns true once the last reference has been dropped.
func (f *Fence) Released() bool {
	return f.released.Load()
}
