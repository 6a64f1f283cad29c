// Package toc implements the KVStore's Table of Contents: a chain of blocks
// that map every block id in the file to the BlockType it currently holds.
//
// BlockType registry (block_id -> on-disk meaning), documented the way the
// teacher documents its table-name registry:
//
//	Free       - unallocated, linked into the free list
//	FileHeader - block 0, the store's superblock
//	TOC        - a link in this chain
//	IndexTree  - an interior B-tree block (separator keys + children)
//	IndexLeaf  - a leaf B-tree block (key -> data pointer)
//	Data       - a row-oriented value block, possibly chained
package toc

import (
	"encoding/binary"

	roaring "github.com/RoaringBitmap/roaring/v2"
	"github.com/pkg/errors"

	"github.com/jmspit/godokvs/block"
	"github.com/jmspit/godokvs/pagefile"
)

const (
	offLowest   = block.HeaderSize      // 16
	offHighest  = offLowest + 8         // 24
	offNextTOC  = offHighest + 8        // 32
	offEntries  = offNextTOC + 8        // 40
	entrySize   = 4
	headerBytes = offEntries
)

// ErrNotCovered is returned by SetEntry when id falls beyond the chain's
// current coverage. Callers resolve it via ExtendChain: the allocator when it
// grows the file, and the store's Init while formatting a large new file.
var ErrNotCovered = errors.New("toc: block id not covered by chain")

// MaxEntries returns how many block-type entries a single TOC block of the
// given size can hold.
func MaxEntries(blockSize uint32) uint64 {
	return uint64(blockSize-headerBytes) / entrySize
}

// TOC is the in-memory handle to the on-disk TOC chain. It keeps a
// roaring-bitmap cache of block ids per BlockType so Iterate and analyze's
// per-type histogram don't have to re-walk every TOC block on every call.
type TOC struct {
	pf      *pagefile.File
	firstID block.ID
	cache   map[block.Type]*roaring.Bitmap
}

// New wraps an already-initialized TOC chain starting at firstID.
func New(pf *pagefile.File, firstID block.ID) *TOC {
	return &TOC{pf: pf, firstID: firstID, cache: map[block.Type]*roaring.Bitmap{}}
}

// InitChain formats a brand-new, single-block TOC chain at id, covering
// [lowest, lowest]. Used only by Init when the store is created.
func InitChain(pf *pagefile.File, id block.ID, lowest block.ID) *TOC {
	raw := pf.BlockAt(id)
	block.Init(raw, id, block.TOC)
	binary.LittleEndian.PutUint64(raw[offLowest:], lowest)
	binary.LittleEndian.PutUint64(raw[offHighest:], lowest)
	binary.LittleEndian.PutUint64(raw[offNextTOC:], 0)
	block.SyncCRC(raw)
	return New(pf, id)
}

func lowest(raw []byte) block.ID  { return binary.LittleEndian.Uint64(raw[offLowest:]) }
func highest(raw []byte) block.ID { return binary.LittleEndian.Uint64(raw[offHighest:]) }
func nextTOC(raw []byte) block.ID { return binary.LittleEndian.Uint64(raw[offNextTOC:]) }

func setHighest(raw []byte, id block.ID) { binary.LittleEndian.PutUint64(raw[offHighest:], id) }
func setNextTOC(raw []byte, id block.ID) { binary.LittleEndian.PutUint64(raw[offNextTOC:], id) }

func entryAt(raw []byte, idx uint64) block.Type {
	return block.Type(binary.LittleEndian.Uint32(raw[offEntries+idx*entrySize:]))
}

func setEntryAt(raw []byte, idx uint64, t block.Type) {
	binary.LittleEndian.PutUint32(raw[offEntries+idx*entrySize:], uint32(t))
}

// chainBlocks returns the raw slice of every block in the chain, in order.
func (t *TOC) chainBlocks() [][]byte {
	var blocks [][]byte
	id := t.firstID
	for id != 0 {
		raw := t.pf.BlockAt(id)
		blocks = append(blocks, raw)
		id = nextTOC(raw)
	}
	return blocks
}

// RebuildCache re-populates the per-type roaring bitmaps by walking the
// whole chain once. Call after Open, before relying on Iterate.
func (t *TOC) RebuildCache() error {
	t.cache = map[block.Type]*roaring.Bitmap{}
	maxEntries := MaxEntries(t.pf.BlockSize())
	for _, raw := range t.chainBlocks() {
		lo, hi := lowest(raw), highest(raw)
		if hi-lo >= maxEntries && hi != lo {
			return errors.Errorf("toc: corrupt coverage [%d,%d] exceeds max entries %d", lo, hi, maxEntries)
		}
		for id := lo; id <= hi; id++ {
			typ := entryAt(raw, id-lo)
			t.bitmapFor(typ).Add(uint32(id))
		}
	}
	return nil
}

func (t *TOC) bitmapFor(typ block.Type) *roaring.Bitmap {
	bm, ok := t.cache[typ]
	if !ok {
		bm = roaring.New()
		t.cache[typ] = bm
	}
	return bm
}

// reach returns the exclusive upper bound of the ids chain block i may
// cover: maxEntries ids from its lowest, cut short where the next link's
// coverage begins, so coverage along the chain stays disjoint.
func reach(blocks [][]byte, i int, maxEntries uint64) block.ID {
	end := lowest(blocks[i]) + maxEntries
	if i+1 < len(blocks) && lowest(blocks[i+1]) < end {
		end = lowest(blocks[i+1])
	}
	return end
}

// LookupType walks the chain to find id's current BlockType.
func (t *TOC) LookupType(id block.ID) (block.Type, error) {
	maxEntries := MaxEntries(t.pf.BlockSize())
	blocks := t.chainBlocks()
	for i, raw := range blocks {
		lo := lowest(raw)
		if id >= lo && id < reach(blocks, i, maxEntries) {
			return entryAt(raw, id-lo), nil
		}
	}
	return 0, errors.Wrapf(ErrNotCovered, "block id %d", id)
}

// SetEntry updates id's BlockType, both on disk and in the roaring cache. It
// returns ErrNotCovered if id falls beyond the chain's current reach; the
// allocator resolves that by calling ExtendChain first.
func (t *TOC) SetEntry(id block.ID, typ block.Type) error {
	maxEntries := MaxEntries(t.pf.BlockSize())
	blocks := t.chainBlocks()
	for i, raw := range blocks {
		lo := lowest(raw)
		if id >= lo && id < reach(blocks, i, maxEntries) {
			old := entryAt(raw, id-lo)
			setEntryAt(raw, id-lo, typ)
			if id > highest(raw) {
				setHighest(raw, id)
			}
			block.SyncCRC(raw)
			t.bitmapFor(old).Remove(uint32(id))
			t.bitmapFor(typ).Add(uint32(id))
			return nil
		}
	}
	return errors.Wrapf(ErrNotCovered, "block id %d", id)
}

// ExtendChain turns newTOCID into a new TOC block, covering [newTOCID,
// newTOCID] (i.e. its own entry array records its own block_type, TOC, at
// index 0 — a TOC block created by growth has nowhere else to be accounted
// for, and invariant 1 (toc_type(b) == block_type(b) for every allocated
// block) must hold for it same as any other block), and links it onto the
// end of the chain. Callers (the allocator after growing the file, and the
// store's Init) pass the first block id the chain does not yet cover.
func (t *TOC) ExtendChain(newTOCID block.ID) error {
	blocks := t.chainBlocks()
	last := blocks[len(blocks)-1]
	setNextTOC(last, newTOCID)
	block.SyncCRC(last)

	raw := t.pf.BlockAt(newTOCID)
	block.Init(raw, newTOCID, block.TOC)
	binary.LittleEndian.PutUint64(raw[offLowest:], newTOCID)
	binary.LittleEndian.PutUint64(raw[offHighest:], newTOCID)
	binary.LittleEndian.PutUint64(raw[offNextTOC:], 0)
	setEntryAt(raw, 0, block.TOC)
	block.SyncCRC(raw)
	t.bitmapFor(block.TOC).Add(uint32(newTOCID))
	return nil
}

// Iterate returns every block id currently tagged typ.
func (t *TOC) Iterate(typ block.Type) []block.ID {
	bm, ok := t.cache[typ]
	if !ok {
		return nil
	}
	ids := make([]block.ID, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		ids = append(ids, block.ID(it.Next()))
	}
	return ids
}

// ChainLength reports how many TOC blocks are linked in the chain.
func (t *TOC) ChainLength() int { return len(t.chainBlocks()) }

// Verify walks the chain and returns the ids (if any) whose stored CRC does
// not verify, or whose own block_type isn't TOC.
func (t *TOC) Verify() []block.ID {
	var bad []block.ID
	id := t.firstID
	for id != 0 {
		raw := t.pf.BlockAt(id)
		h := block.View(raw)
		if h.Type() != block.TOC || !block.VerifyCRC(raw) {
			bad = append(bad, id)
		}
		id = nextTOC(raw)
	}
	return bad
}
