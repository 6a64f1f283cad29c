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

package sizeutil

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCeilDiv(t *testing.T) {
	assert.Equal(t, uint64(0), CeilDiv(0, 4096))
	assert.Equal(t, uint64(1), CeilDiv(1, 4096))
	assert.Equal(t, uint64(1), CeilDiv(4096, 4096))
	assert.Equal(t, uint64(2), CeilDiv(4097, 4096))
	assert.Equal(t, uint64(0), CeilDiv(10, 0))
}

func TestSafeMul(t *testing.T) {
	v, overflow := SafeMul(8, 4096)
	assert.False(t, overflow)
	assert.Equal(t, uint64(32768), v)

	_, overflow = SafeMul(math.MaxUint64, 2)
	assert.True(t, overflow)
}

func TestSafeAdd(t *testing.T) {
	v, overflow := SafeAdd(1, 2)
	assert.False(t, overflow)
	assert.Equal(t, uint64(3), v)

	_, overflow = SafeAdd(math.MaxUint64, 1)
	assert.True(t, overflow)
}

func TestClampMin(t *testing.T) {
	assert.Equal(t, uint64(8), ClampMin(3, 8))
	assert.Equal(t, uint64(10), ClampMin(10, 8))
}
