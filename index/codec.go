package index

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/jmspit/godokvs/block"
)

// ErrNoSpace is returned internally by the codec when an encode would not
// fit in one block; callers translate that into a split.
var ErrNoSpace = errors.New("index: entries do not fit in one block")

// --- IndexTree ---

const (
	treeOffNumEntries = block.HeaderSize // 16
	treeOffRightmost  = treeOffNumEntries + 4
	treeOffEntries    = treeOffRightmost + 8 // 28
	treeEntrySize     = 2 + 2 + 8            // offset, size, left_child
)

// TreeEntry is a decoded separator-key entry of an interior block.
type TreeEntry struct {
	Key  []byte
	Left block.ID
}

// DecodeTree reads every entry and the rightmost pointer out of raw.
func DecodeTree(raw []byte) (entries []TreeEntry, rightmost block.ID) {
	n := binary.LittleEndian.Uint32(raw[treeOffNumEntries:])
	rightmost = binary.LittleEndian.Uint64(raw[treeOffRightmost:])
	entries = make([]TreeEntry, n)
	for i := uint32(0); i < n; i++ {
		base := treeOffEntries + int(i)*treeEntrySize
		off := binary.LittleEndian.Uint16(raw[base:])
		size := binary.LittleEndian.Uint16(raw[base+2:])
		left := binary.LittleEndian.Uint64(raw[base+4:])
		key := make([]byte, size)
		copy(key, raw[off:int(off)+int(size)])
		entries[i] = TreeEntry{Key: key, Left: left}
	}
	return entries, rightmost
}

// TreeCapacity returns the number of payload bytes available to entries
// (descriptors + keys) in an interior block of the given size.
func TreeCapacity(blockSize uint32) int { return int(blockSize) - treeOffEntries }

// TreeUsed returns how many bytes entries would occupy if encoded.
func TreeUsed(entries []TreeEntry) int {
	n := 0
	for _, e := range entries {
		n += treeEntrySize + len(e.Key)
	}
	return n
}

// EncodeTree formats id as an IndexTree block holding entries (already
// sorted ascending by Key) and rightmost. Keys are packed from the block
// tail downward, compacted with no gaps.
func EncodeTree(raw []byte, id block.ID, entries []TreeEntry, rightmost block.ID) error {
	if TreeUsed(entries) > TreeCapacity(uint32(len(raw))) {
		return ErrNoSpace
	}
	block.Init(raw, id, block.IndexTree)
	binary.LittleEndian.PutUint32(raw[treeOffNumEntries:], uint32(len(entries)))
	binary.LittleEndian.PutUint64(raw[treeOffRightmost:], rightmost)
	tail := len(raw)
	for i, e := range entries {
		tail -= len(e.Key)
		copy(raw[tail:], e.Key)
		base := treeOffEntries + i*treeEntrySize
		binary.LittleEndian.PutUint16(raw[base:], uint16(tail))
		binary.LittleEndian.PutUint16(raw[base+2:], uint16(len(e.Key)))
		binary.LittleEndian.PutUint64(raw[base+4:], e.Left)
	}
	block.SyncCRC(raw)
	return nil
}

// --- IndexLeaf ---

const (
	leafOffNumEntries = block.HeaderSize // 16
	leafOffNextLeaf   = leafOffNumEntries + 4
	leafOffEntries    = leafOffNextLeaf + 8 // 28
	leafEntrySize     = 2 + 2 + 8 + 4       // offset, size, data_block, row_id
)

// LeafEntry is a decoded key entry of a leaf block.
type LeafEntry struct {
	Key       []byte
	DataBlock block.ID
	Row       uint32
}

// DecodeLeaf reads every entry and the next_leaf link out of raw.
func DecodeLeaf(raw []byte) (entries []LeafEntry, nextLeaf block.ID) {
	n := binary.LittleEndian.Uint32(raw[leafOffNumEntries:])
	nextLeaf = binary.LittleEndian.Uint64(raw[leafOffNextLeaf:])
	entries = make([]LeafEntry, n)
	for i := uint32(0); i < n; i++ {
		base := leafOffEntries + int(i)*leafEntrySize
		off := binary.LittleEndian.Uint16(raw[base:])
		size := binary.LittleEndian.Uint16(raw[base+2:])
		dataBlock := binary.LittleEndian.Uint64(raw[base+4:])
		row := binary.LittleEndian.Uint32(raw[base+12:])
		key := make([]byte, size)
		copy(key, raw[off:int(off)+int(size)])
		entries[i] = LeafEntry{Key: key, DataBlock: dataBlock, Row: row}
	}
	return entries, nextLeaf
}

// LeafCapacity returns the number of payload bytes available to entries
// (descriptors + keys) in a leaf block of the given size.
func LeafCapacity(blockSize uint32) int { return int(blockSize) - leafOffEntries }

// LeafUsed returns how many bytes entries would occupy if encoded.
func LeafUsed(entries []LeafEntry) int {
	n := 0
	for _, e := range entries {
		n += leafEntrySize + len(e.Key)
	}
	return n
}

// EncodeLeaf formats id as an IndexLeaf block holding entries (already
// sorted ascending by Key) and nextLeaf.
func EncodeLeaf(raw []byte, id block.ID, entries []LeafEntry, nextLeaf block.ID) error {
	if LeafUsed(entries) > LeafCapacity(uint32(len(raw))) {
		return ErrNoSpace
	}
	block.Init(raw, id, block.IndexLeaf)
	binary.LittleEndian.PutUint32(raw[leafOffNumEntries:], uint32(len(entries)))
	binary.LittleEndian.PutUint64(raw[leafOffNextLeaf:], nextLeaf)
	tail := len(raw)
	for i, e := range entries {
		tail -= len(e.Key)
		copy(raw[tail:], e.Key)
		base := leafOffEntries + i*leafEntrySize
		binary.LittleEndian.PutUint16(raw[base:], uint16(tail))
		binary.LittleEndian.PutUint16(raw[base+2:], uint16(len(e.Key)))
		binary.LittleEndian.PutUint64(raw[base+4:], e.DataBlock)
		binary.LittleEndian.PutUint32(raw[base+12:], e.Row)
	}
	block.SyncCRC(raw)
	return nil
}

// splitByByteOffset picks the median split index of n entries by cumulative
// key-and-descriptor byte size rather than by count, per the spec's
// byte-balanced split rule. sizeOf(i) must return the encoded size of
// entry i.
func splitByByteOffset(n int, sizeOf func(i int) int) int {
	total := 0
	sizes := make([]int, n)
	for i := 0; i < n; i++ {
		sizes[i] = sizeOf(i)
		total += sizes[i]
	}
	half := total / 2
	running := 0
	for i := 0; i < n; i++ {
		running += sizes[i]
		if running >= half {
			return i + 1
		}
	}
	return n - 1
}
