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

package seq

import (
	"fmt"
	"testing"

	"github.com/gpufw/gpufw/pkg/errors/linuxerr"
	"github.com/gpufw/gpufw/pkg/sync"
	"golang.org/x/sync/errgroup"
)

func TestExhaustion(t *testing.T) {
	tbl, err := NewTable(4)
	if err != nil {
		t.Fatalf("NewTable() failed: %v", err)
	}
	var got []*Sequence
	for i := 0; i < 4; i++ {
		s, err := tbl.Acquire()
		if err != nil {
			t.Fatalf("Acquire() %d failed: %v", i, err)
		}
		if s.State() != Allocated {
			t.Errorf("acquired sequence state = %v, want %v", s.State(), Allocated)
		}
		got = append(got, s)
	}
	if _, err := tbl.Acquire(); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Fatalf("Acquire() on a full table = %v, want ENOMEM", err)
	}
	tbl.Release(got[2])
	s, err := tbl.Acquire()
	if err != nil {
		t.Fatalf("Acquire() after Release failed: %v", err)
	}
	if s.ID() != 2 {
		t.Errorf("Acquire() after releasing 2 returned %d", s.ID())
	}
	if c := tbl.Claimed(); c != 4 {
		t.Errorf("Claimed() = %d, want 4", c)
	}
}

func TestReleaseClearsState(t *testing.T) {
	tbl, _ := NewTable(2)
	s, _ := tbl.Acquire()
	s.OutPayload = make([]byte, 4)
	s.FBQElementIndex = 3
	s.OutFBQueue = true
	s.SetState(Used)
	tbl.Release(s)
	if s.State() != Free || s.OutPayload != nil || s.FBQElementIndex != 0 || s.OutFBQueue {
		t.Errorf("released sequence not reset: %+v", s)
	}
	if s.ID() != 0 {
		t.Errorf("released sequence lost its id: %d", s.ID())
	}
}

func TestTransition(t *testing.T) {
	tbl, _ := NewTable(1)
	s, _ := tbl.Acquire()
	s.SetState(Pending)
	if s.Transition(Used, Completed) {
		t.Errorf("Transition(Used, Completed) from Pending succeeded")
	}
	if !s.Transition(Pending, Cancelled) {
		t.Errorf("Transition(Pending, Cancelled) from Pending failed")
	}
	if got := tbl.InState(Cancelled); len(got) != 1 || got[0] != s {
		t.Errorf("InState(Cancelled) = %v, want [%p]", got, s)
	}
}

func TestBadSize(t *testing.T) {
	for _, n := range []uint32{0, MaxSequences + 1} {
		if _, err := NewTable(n); !linuxerr.Equals(linuxerr.EINVAL, err) {
			t.Errorf("NewTable(%d) = %v, want EINVAL", n, err)
		}
	}
}

// TestConcurrentExclusivity checks that no two concurrently held sequences
// share an id.
func TestConcurrentExclusivity(t *testing.T) {
	const (
		workers = 16
		rounds  = 500
	)
	tbl, _ := NewTable(8)
	var (
		mu   sync.Mutex
		held = map[uint8]bool{}
	)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < rounds; i++ {
				s, err := tbl.Acquire()
				if err != nil {
					if linuxerr.Equals(linuxerr.ENOMEM, err) {
						continue
					}
					return err
				}
				mu.Lock()
				if held[s.ID()] {
					mu.Unlock()
					return fmt.Errorf("sequence %d handed out twice", s.ID())
				}
				held[s.ID()] = true
				mu.Unlock()

				s.SetState(Used)

				mu.Lock()
				delete(held, s.ID())
				mu.Unlock()
				tbl.Release(s)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if c := tbl.Claimed(); c != 0 {
		t.Errorf("Claimed() after all releases = %d, want 0", c)
	}
}
