package godokvs

import (
	"encoding/binary"
	"math"
)

// The façade only ever touches fixed little-endian fields in the FileHeader
// and in the Int64/Float64 value encodings it hands to package data; these
// small helpers keep every such access symmetric without pulling in a
// serialization library for eight-byte fields.

func putU64(b []byte, off int, v uint64) { binary.LittleEndian.PutUint64(b[off:], v) }
func putU32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }
func getU64(b []byte, off int) uint64    { return binary.LittleEndian.Uint64(b[off:]) }
func getU32(b []byte, off int) uint32    { return binary.LittleEndian.Uint32(b[off:]) }

func floatBits(v float64) uint64  { return math.Float64bits(v) }
func bitsToFloat(b uint64) float64 { return math.Float64frombits(b) }
