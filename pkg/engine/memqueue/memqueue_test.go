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

package memqueue

import (
	"bytes"
	"testing"

	abi "github.com/gpufw/gpufw/pkg/abi/falcon"
	"github.com/gpufw/gpufw/pkg/engine"
	"github.com/gpufw/gpufw/pkg/errors/linuxerr"
	"github.com/gpufw/gpufw/pkg/falcon"
	"github.com/gpufw/gpufw/pkg/surface"
)

const (
	ringOffset = 0x100
	ringSize   = 64
	recordSize = 20
)

// pair returns a writer and a reader over the same ring, standing in for the
// host and the firmware.
func pair(t *testing.T) (*Queue, *Queue, *falcon.Engine) {
	t.Helper()
	flcn := falcon.NewEngine(surface.NewHeap(0x1000))
	p := Params{ID: abi.CommandQueueHPQ, Offset: ringOffset, Size: ringSize, Flag: engine.Write, Falcon: flcn}
	w, err := New(p)
	if err != nil {
		t.Fatalf("New(write) failed: %v", err)
	}
	p.Flag = engine.Read
	r, err := New(p)
	if err != nil {
		t.Fatalf("New(read) failed: %v", err)
	}
	return w, r, flcn
}

func record(tag byte) []byte {
	b := make([]byte, recordSize)
	abi.Put(b, &abi.PMUHdr{UnitID: abi.UnitPG, Size: recordSize, SeqID: tag})
	for i := abi.CmdHdrSize; i < recordSize; i++ {
		b[i] = tag
	}
	return b
}

// consume reads one record, following a REWIND header if there is one.
func consume(t *testing.T, r *Queue) []byte {
	t.Helper()
	hb := make([]byte, abi.CmdHdrSize)
	if n, err := r.Pop(hb); err != nil || n != abi.CmdHdrSize {
		t.Fatalf("Pop(header) = %d, %v, want %d, nil", n, err, abi.CmdHdrSize)
	}
	hdr := abi.ReadHdr(hb)
	if hdr.UnitID == abi.UnitRewind {
		if err := r.Rewind(); err != nil {
			t.Fatalf("Rewind() failed: %v", err)
		}
		if n, err := r.Pop(hb); err != nil || n != abi.CmdHdrSize {
			t.Fatalf("Pop(header) after rewind = %d, %v", n, err)
		}
		hdr = abi.ReadHdr(hb)
	}
	body := make([]byte, uint32(hdr.Size)-abi.CmdHdrSize)
	if _, err := r.Pop(body); err != nil {
		t.Fatalf("Pop(body) failed: %v", err)
	}
	return append(hb, body...)
}

func TestFillAndRewind(t *testing.T) {
	w, r, flcn := pair(t)

	for i := byte(1); i <= 3; i++ {
		if err := w.Push(record(i)); err != nil {
			t.Fatalf("Push(%d) failed: %v", i, err)
		}
	}
	// Rewinding now would overrun the unread record at the start.
	if err := w.Push(record(4)); !linuxerr.Equals(linuxerr.EAGAIN, err) {
		t.Fatalf("Push into full ring = %v, want EAGAIN", err)
	}

	if got := consume(t, r); !bytes.Equal(got, record(1)) {
		t.Fatalf("consume() = %x, want %x", got, record(1))
	}
	// Rewinding would leave less than a record before the tail.
	if err := w.Push(record(4)); !linuxerr.Equals(linuxerr.EAGAIN, err) {
		t.Fatalf("Push with 19 bytes free = %v, want EAGAIN", err)
	}
	if got := consume(t, r); !bytes.Equal(got, record(2)) {
		t.Fatalf("consume() = %x, want %x", got, record(2))
	}

	if err := w.Push(record(4)); err != nil {
		t.Fatalf("Push after draining failed: %v", err)
	}
	if head, _ := flcn.Head(w.ID()); head != ringOffset+recordSize {
		t.Errorf("head after wrapping push = %#x, want %#x", head, ringOffset+recordSize)
	}

	for _, want := range [][]byte{record(3), record(4)} {
		if got := consume(t, r); !bytes.Equal(got, want) {
			t.Errorf("consume() = %x, want %x", got, want)
		}
	}
	if empty, err := r.IsEmpty(); err != nil || !empty {
		t.Errorf("IsEmpty() = %t, %v, want true, nil", empty, err)
	}
}

func TestPopEmpty(t *testing.T) {
	_, r, _ := pair(t)
	n, err := r.Pop(make([]byte, 4))
	if err != nil || n != 0 {
		t.Errorf("Pop(empty) = %d, %v, want 0, nil", n, err)
	}
}

func TestPopTruncatesToAvailable(t *testing.T) {
	w, r, _ := pair(t)
	if err := w.Push(record(1)); err != nil {
		t.Fatalf("Push() failed: %v", err)
	}
	buf := make([]byte, 40)
	n, err := r.Pop(buf)
	if err != nil || n != recordSize {
		t.Errorf("Pop(40) = %d, %v, want %d, nil", n, err, recordSize)
	}
}

func TestValidation(t *testing.T) {
	w, r, flcn := pair(t)
	if err := r.Push(record(1)); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Push(read queue) = %v, want EINVAL", err)
	}
	if _, err := w.Pop(make([]byte, 4)); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Pop(write queue) = %v, want EINVAL", err)
	}
	if err := w.Push(nil); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Push(nil) = %v, want EINVAL", err)
	}
	if err := w.Push(make([]byte, ringSize)); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Push(ring-sized) = %v, want EINVAL", err)
	}
	if _, err := New(Params{ID: 0, Offset: 2, Size: 64, Flag: engine.Write, Falcon: flcn}); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("New(misaligned) = %v, want EINVAL", err)
	}
}
