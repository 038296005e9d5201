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
package fence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gpufw/gpufw/pkg/errors/linuxerr"
)

func TestWaitSignaled(t *testing.T) {
	f := New(1, nil)
	go f.Signal(nil)
	if err := f.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() = %v, want nil", err)
	}
	if !f.Signaled() {
		t.Errorf("Signaled() = false after Wait")
	}
}

func TestWaitTimeout(t *testing.T) {
	f := New(2, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := f.Wait(ctx); !linuxerr.Equals(linuxerr.ETIMEDOUT, err) {
		t.Fatalf("Wait() = %v, want ETIMEDOUT", err)
	}
	if f.Signaled() {
		t.Errorf("Signaled() = true, never signaled")
	}
}

func TestSignalOnce(t *testing.T) {
	fault := errors.New("mmu fault")
	f := New(3, nil)
	f.Signal(fault)
	f.Signal(nil)
	if err := f.Wait(context.Background()); err != fault {
		t.Errorf("Wait() = %v, want %v", err, fault)
	}
}

func TestReleaseOnLastRef(t *testing.T) {
	calls := 0
	f := New(4, func() { calls++ })
	f.IncRef()
	if got := f.ReadRefs(); got != 2 {
		t.Fatalf("ReadRefs() = %d, want 2", got)
	}
	f.DecRef()
	if calls != 0 || f.Released() {
		t.Fatalf("released with a reference outstanding")
	}
	f.DecRef()
	if calls != 1 || !f.Released() {
		t.Errorf("release ran %d times, Released() = %t, want 1, true", calls, f.Released())
	}
}
