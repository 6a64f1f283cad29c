// Copyright 2017 The go-ethereum Authors
// (original work)
// Copyright 2024 The Erigon Authors
// (modifications)
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package sizeutil holds the small integer-arithmetic helpers the block
// allocator and file backing need to turn byte counts into block counts
// without silently overflowing.
package sizeutil

import "math/bits"

// MaxUint32 bounds a block's crc32/block_type fields and TOC entry values.
const MaxUint32 = 1<<32 - 1

// CeilDiv returns ceil(x/y), or 0 when y is 0.
func CeilDiv(x, y uint64) uint64 {
	if y == 0 {
		return 0
	}
	return (x + y - 1) / y
}

// SafeMul returns x*y and reports whether the multiplication overflowed.
func SafeMul(x, y uint64) (uint64, bool) {
	hi, lo := bits.Mul64(x, y)
	return lo, hi != 0
}

// SafeAdd returns x+y and reports whether the addition overflowed.
func SafeAdd(x, y uint64) (uint64, bool) {
	sum, carryOut := bits.Add64(x, y, 0)
	return sum, carryOut != 0
}

// ClampMin returns lo if x < lo, else x.
func ClampMin(x, lo uint64) uint64 {
	if x < lo {
		return lo
	}
	return x
}
