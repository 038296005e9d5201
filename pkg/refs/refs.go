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

// Package refs provides an atomic reference count with a destructor that runs
// when the last reference is dropped.
package refs

import (
	"fmt"
	"sync/atomic"
)

// Refs keeps a reference count using atomic operations and calls the
// destructor passed to DecRef when the count reaches zero.
//
// The zero value is not usable; call InitRefs first.
type Refs struct {
	refCount atomic.Int64
}

// InitRefs initializes r with one reference.
func (r *Refs) InitRefs() {
	r.refCount.Store(1)
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *Refs) ReadRefs() int64 {
	return r.refCount.Load()
}

// IncRef increments the reference count.
func (r *Refs) IncRef() {
	if v := r.refCount.Add(1); v <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %p", r))
	}
}

// TryIncRef increments the reference count unless it has already dropped to
// zero.
func (r *Refs) TryIncRef() bool {
	for {
		v := r.refCount.Load()
		if v <= 0 {
			return false
		}
		if r.refCount.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// DecRef decrements the reference count and calls destroy, if non-nil, when
// the count reaches zero.
func (r *Refs) DecRef(destroy func()) {
	switch v := r.refCount.Add(-1); {
	case v < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count %p", r))
	case v == 0:
		if destroy != nil {
			destroy()
		}
	}
}
