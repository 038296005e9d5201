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

package binary

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type testHdr struct {
	Index    uint8
	Reserved [3]uint8
	Size     uint16
	Offset   uint16
	Ptr      uint32
}

func TestPutGet(t *testing.T) {
	in := testHdr{Index: 3, Size: 0x1234, Offset: 0xbeef, Ptr: 0xdeadbeef}
	buf := make([]byte, 16)
	if n := Put(buf, LittleEndian, &in); n != 12 {
		t.Fatalf("Put() = %d, want 12", n)
	}
	want := []byte{3, 0, 0, 0, 0x34, 0x12, 0xef, 0xbe, 0xef, 0xbe, 0xad, 0xde, 0, 0, 0, 0}
	if diff := cmp.Diff(want, buf); diff != "" {
		t.Errorf("Put() mismatch (-want +got):\n%s", diff)
	}
	var out testHdr
	if n := Get(buf, LittleEndian, &out); n != 12 {
		t.Fatalf("Get() = %d, want 12", n)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}
}

func TestPutShortBuffer(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Put() into a short buffer did not panic")
		}
	}()
	Put(make([]byte, 4), LittleEndian, &testHdr{})
}

func TestSize(t *testing.T) {
	if got := Size(testHdr{}); got != 12 {
		t.Errorf("Size() = %d, want 12", got)
	}
}
