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

// Package bitmap provides a fixed-size bitmap.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap is a bitmap with a fixed number of entries chosen at construction.
// Unlike a bare uint64 mask it has no implicit 64-entry ceiling.
type Bitmap struct {
	// size is the number of valid bits.
	size uint32

	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// bitBlock holds the bits. Each uint64 holds 64 entries.
	bitBlock []uint64
}

// New creates a new empty Bitmap holding size bits.
func New(size uint32) Bitmap {
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// Size returns the number of bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint32 {
	return b.numOnes
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// Contains returns whether bit i is set.
//
// Preconditions: i < b.Size().
func (b *Bitmap) Contains(i uint32) bool {
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// Add sets bit i and reports whether it was previously clear.
//
// Preconditions: i < b.Size().
func (b *Bitmap) Add(i uint32) bool {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[blockNum]&mask != 0 {
		return false
	}
	b.bitBlock[blockNum] |= mask
	b.numOnes++
	return true
}

// Remove clears bit i and reports whether it was previously set.
//
// Preconditions: i < b.Size().
func (b *Bitmap) Remove(i uint32) bool {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[blockNum]&mask == 0 {
		return false
	}
	b.bitBlock[blockNum] &^= mask
	b.numOnes--
	return true
}

// FirstZero returns the first unset bit in the range [start, Size()).
func (b *Bitmap) FirstZero(start uint32) (uint32, error) {
	if start >= b.size {
		return 0, fmt.Errorf("start %d exceeds bitmap size %d", start, b.size)
	}
	i, nbit := int(start/64), start%64
	w := b.bitBlock[i] | ((1 << nbit) - 1)
	for {
		if w != ^uint64(0) {
			r := uint32(bits.TrailingZeros64(^w)) + uint32(i)*64
			if r >= b.size {
				break
			}
			return r, nil
		}
		i++
		if i == len(b.bitBlock) {
			break
		}
		w = b.bitBlock[i]
	}
	return 0, fmt.Errorf("bitmap has no unset bits")
}

// Reset clears every bit.
func (b *Bitmap) Reset() {
	clear(b.bitBlock)
	b.numOnes = 0
}
