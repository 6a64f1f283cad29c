// Package block defines the fixed-size page frame every block of a KVStore
// file is built from: a common header (id, type, crc32) plus bounds-checked
// byte-offset accessors for the block-type views built on top of it.
package block

import (
	"encoding/binary"
	"hash/crc32"
)

// ID is the 0-based index of a block within the store file.
type ID = uint64

// Type tags the kind of block a given block_id holds.
type Type uint32

// The block types known to the store. Values are part of the on-disk format
// and must never be renumbered.
const (
	Free       Type = 0
	FileHeader Type = 1
	TOC        Type = 2
	IndexTree  Type = 3
	IndexLeaf  Type = 4
	Data       Type = 5
)

func (t Type) String() string {
	switch t {
	case Free:
		return "Free"
	case FileHeader:
		return "FileHeader"
	case TOC:
		return "TOC"
	case IndexTree:
		return "IndexTree"
	case IndexLeaf:
		return "IndexLeaf"
	case Data:
		return "Data"
	default:
		return "Unknown"
	}
}

// HeaderSize is the byte size of the common block header:
// u64 block_id, u32 block_type, u32 crc32.
const HeaderSize = 8 + 4 + 4

const (
	offBlockID   = 0
	offBlockType = 8
	offCRC32     = 12
)

// Header is a non-owning view over the first HeaderSize bytes of a block.
// It never allocates and never copies; every accessor reads/writes through
// the wrapped slice.
type Header struct {
	b []byte
}

// View wraps raw as a Header. raw must be at least HeaderSize bytes; callers
// construct it from a full block slice, e.g. View(raw[:HeaderSize]) or,
// since block-type views re-wrap the same backing slice, simply View(raw).
func View(raw []byte) Header {
	if len(raw) < HeaderSize {
		panic("block: slice shorter than header size")
	}
	return Header{b: raw}
}

// ID returns the block's own id.
func (h Header) ID() ID { return binary.LittleEndian.Uint64(h.b[offBlockID:]) }

// Type returns the block's type tag.
func (h Header) Type() Type { return Type(binary.LittleEndian.Uint32(h.b[offBlockType:])) }

// SetType overwrites the block's type tag in place (used when a Free block
// is repurposed by the allocator without a full re-Init).
func (h Header) SetType(t Type) { binary.LittleEndian.PutUint32(h.b[offBlockType:], uint32(t)) }

// CRC32 returns the stored checksum, without recomputing it.
func (h Header) CRC32() uint32 { return binary.LittleEndian.Uint32(h.b[offCRC32:]) }

// Init zeroes the full block (length of raw, which must equal the store's
// block size) and sets id/type. crc32 is left at zero; callers must call
// SyncCRC before the block is considered durable.
func Init(raw []byte, id ID, t Type) Header {
	for i := range raw {
		raw[i] = 0
	}
	h := Header{b: raw}
	binary.LittleEndian.PutUint64(raw[offBlockID:], id)
	h.SetType(t)
	return h
}

// calcCRC32 recomputes the checksum over raw, excluding only the crc32 field
// itself (block_id and block_type are covered) — the same two-range
// technique as the C++ original: one range before the crc32 field, one after.
func calcCRC32(raw []byte) uint32 {
	crc := crc32.ChecksumIEEE(raw[:offCRC32])
	return crc32.Update(crc, crc32.IEEETable, raw[offCRC32+4:])
}

// SyncCRC recomputes and stores the checksum. Call this last, after all
// payload mutations to the block, so a crash can never observe a block whose
// crc32 matches but whose contents are stale/partial.
func SyncCRC(raw []byte) {
	binary.LittleEndian.PutUint32(raw[offCRC32:], calcCRC32(raw))
}

// VerifyCRC reports whether the stored checksum matches the recomputation.
func VerifyCRC(raw []byte) bool {
	return Header{b: raw}.CRC32() == calcCRC32(raw)
}
