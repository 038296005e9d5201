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

// Package engine holds what the falcon queue implementations have in common.
package engine

import "fmt"

// OpenFlag selects the direction of a queue.
type OpenFlag int

const (
	// Read queues carry messages from the firmware.
	Read OpenFlag = iota + 1

	// Write queues carry commands to the firmware.
	Write
)

// String implements fmt.Stringer.
func (f OpenFlag) String() string {
	switch f {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return fmt.Sprintf("OpenFlag(%d)", int(f))
	}
}

// Alignment is the alignment of every element in a DMEM queue.
const Alignment = 4
