// Package index implements the KVStore's B-tree: IndexTree interior blocks
// carrying separator keys, and IndexLeaf blocks carrying the actual
// key -> (data_block, row_id) entries, chained leaf-to-leaf via next_leaf for
// ordered scans.
//
// Child selection at an interior block: entries are sorted ascending by Key;
// for entry i, every key strictly less than entries[i].Key lives in
// entries[i].Left; keys greater than or equal to entries[len-1].Key (but,
// seen from further up the tree, less than whatever bounds this subtree from
// above) live in Rightmost. Descent therefore finds the smallest i with
// target < entries[i].Key and follows entries[i].Left, or follows Rightmost
// if no such i exists.
package index

import (
	"bytes"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/jmspit/godokvs/block"
	"github.com/jmspit/godokvs/freelist"
	"github.com/jmspit/godokvs/pagefile"
	"github.com/jmspit/godokvs/toc"
)

// ErrNotFound is returned when a lookup, update or delete targets a key the
// tree does not hold.
var ErrNotFound = errors.New("index: key not found")

// ErrAlreadyExists is returned by Insert when the key is already present.
var ErrAlreadyExists = errors.New("index: key already exists")

// ErrCorrupt is returned when descending the tree finds a CRC mismatch or a
// block whose type isn't IndexTree/IndexLeaf where the tree expects one.
var ErrCorrupt = errors.New("index: corrupt block")

// Pointer is what a leaf entry resolves a key to: the data subsystem's
// chain head and the row slot within that block's row table.
type Pointer struct {
	DataBlock block.ID
	Row       uint32
}

// Index is the in-memory handle to the on-disk B-tree rooted at RootID.
type Index struct {
	pf    *pagefile.File
	toc   *toc.TOC
	alloc *freelist.Allocator
	root  block.ID
	log   *zap.Logger
}

// New wraps an existing tree rooted at root.
func New(pf *pagefile.File, t *toc.TOC, alloc *freelist.Allocator, root block.ID, log *zap.Logger) *Index {
	if log == nil {
		log = zap.NewNop()
	}
	return &Index{pf: pf, toc: t, alloc: alloc, root: root, log: log}
}

// Root returns the current root block id, for the façade to persist back
// into the FileHeader whenever a split or collapse changes it.
func (ix *Index) Root() block.ID { return ix.root }

// InitEmptyRoot formats id as a fresh, empty IndexLeaf and returns it; used
// only by Init, before an Allocator exists to hand out the id itself.
func InitEmptyRoot(pf *pagefile.File, id block.ID) error {
	raw := pf.BlockAt(id)
	return EncodeLeaf(raw, id, nil, 0)
}

// ancestor records one interior block visited on the way down to a leaf,
// together with which child slot was followed, so inserts/deletes can
// propagate splits and merges back up without parent pointers on disk.
type ancestor struct {
	id      block.ID
	entries []TreeEntry
	right   block.ID
	// idx is the child slot taken: 0..len(entries)-1 selects entries[idx].Left,
	// len(entries) selects Rightmost.
	idx int
}

func childOf(entries []TreeEntry, right block.ID, idx int) block.ID {
	if idx == len(entries) {
		return right
	}
	return entries[idx].Left
}

// descend walks from the root to the leaf that must hold key, recording the
// interior path taken.
func (ix *Index) descend(key []byte) (path []ancestor, leafID block.ID, leafEntries []LeafEntry, nextLeaf block.ID, err error) {
	cur := ix.root
	for {
		raw := ix.pf.BlockAt(cur)
		if !block.VerifyCRC(raw) {
			return nil, 0, nil, 0, errors.Wrapf(ErrCorrupt, "block %d fails crc check", cur)
		}
		h := block.View(raw)
		switch h.Type() {
		case block.IndexLeaf:
			entries, next := DecodeLeaf(raw)
			return path, cur, entries, next, nil
		case block.IndexTree:
			entries, right := DecodeTree(raw)
			idx := sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].Key, key) > 0 })
			path = append(path, ancestor{id: cur, entries: entries, right: right, idx: idx})
			cur = childOf(entries, right, idx)
		default:
			return nil, 0, nil, 0, errors.Wrapf(ErrCorrupt, "block %d has unexpected type %s", cur, h.Type())
		}
	}
}

// Lookup returns the Pointer stored for key, or ErrNotFound.
func (ix *Index) Lookup(key []byte) (Pointer, error) {
	_, _, entries, _, err := ix.descend(key)
	if err != nil {
		return Pointer{}, err
	}
	i := sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].Key, key) >= 0 })
	if i < len(entries) && bytes.Equal(entries[i].Key, key) {
		return Pointer{DataBlock: entries[i].DataBlock, Row: entries[i].Row}, nil
	}
	return Pointer{}, errors.Wrapf(ErrNotFound, "key %q", key)
}

// Exists reports whether key is present, without the NotFound error noise.
func (ix *Index) Exists(key []byte) bool {
	_, err := ix.Lookup(key)
	return err == nil
}

// Insert adds key -> ptr, splitting leaves/interior blocks bottom-up as
// needed. Returns ErrAlreadyExists if key is already present.
func (ix *Index) Insert(key []byte, ptr Pointer) error {
	path, leafID, entries, nextLeaf, err := ix.descend(key)
	if err != nil {
		return err
	}
	i := sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].Key, key) >= 0 })
	if i < len(entries) && bytes.Equal(entries[i].Key, key) {
		return errors.Wrapf(ErrAlreadyExists, "key %q", key)
	}
	newEntry := LeafEntry{Key: append([]byte(nil), key...), DataBlock: ptr.DataBlock, Row: ptr.Row}
	entries = append(entries, LeafEntry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = newEntry

	raw := ix.pf.BlockAt(leafID)
	if LeafUsed(entries) <= LeafCapacity(ix.pf.BlockSize()) {
		return EncodeLeaf(raw, leafID, entries, nextLeaf)
	}
	return ix.splitLeaf(path, leafID, entries, nextLeaf)
}

func (ix *Index) splitLeaf(path []ancestor, leafID block.ID, entries []LeafEntry, nextLeaf block.ID) error {
	k := splitByByteOffset(len(entries), func(i int) int { return leafEntrySize + len(entries[i].Key) })
	left, right := entries[:k], entries[k:]

	newLeafID, err := ix.alloc.Allocate(block.IndexLeaf)
	if err != nil {
		return err
	}
	if err := EncodeLeaf(ix.pf.BlockAt(newLeafID), newLeafID, right, nextLeaf); err != nil {
		return err
	}
	if err := EncodeLeaf(ix.pf.BlockAt(leafID), leafID, left, newLeafID); err != nil {
		return err
	}
	separator := append([]byte(nil), right[0].Key...)
	return ix.promote(path, leafID, newLeafID, separator)
}

// promote inserts {separator, left=oldChild} into the parent named by the
// last entry of path, repointing whichever slot used to reference oldChild
// so it now references newChild instead. If path is empty, oldChild was the
// root and a brand-new root is created above both children.
func (ix *Index) promote(path []ancestor, oldChild, newChild block.ID, separator []byte) error {
	if len(path) == 0 {
		newRootID, err := ix.alloc.Allocate(block.IndexTree)
		if err != nil {
			return err
		}
		entries := []TreeEntry{{Key: separator, Left: oldChild}}
		if err := EncodeTree(ix.pf.BlockAt(newRootID), newRootID, entries, newChild); err != nil {
			return err
		}
		ix.root = newRootID
		return nil
	}

	p := path[len(path)-1]
	rest := path[:len(path)-1]
	entries := append([]TreeEntry(nil), p.entries...)
	right := p.right

	newEntry := TreeEntry{Key: separator, Left: oldChild}
	entries = append(entries, TreeEntry{})
	copy(entries[p.idx+1:], entries[p.idx:])
	entries[p.idx] = newEntry
	if p.idx+1 < len(entries) {
		entries[p.idx+1].Left = newChild
	} else {
		right = newChild
	}

	if TreeUsed(entries) <= TreeCapacity(ix.pf.BlockSize()) {
		return EncodeTree(ix.pf.BlockAt(p.id), p.id, entries, right)
	}
	return ix.splitTree(rest, p.id, entries, right)
}

func (ix *Index) splitTree(path []ancestor, id block.ID, entries []TreeEntry, right block.ID) error {
	m := splitByByteOffset(len(entries), func(i int) int { return treeEntrySize + len(entries[i].Key) })
	if m >= len(entries) {
		m = len(entries) - 1
	}
	leftEntries := entries[:m]
	rightEntries := entries[m+1:]
	mid := entries[m]

	newID, err := ix.alloc.Allocate(block.IndexTree)
	if err != nil {
		return err
	}
	if err := EncodeTree(ix.pf.BlockAt(newID), newID, rightEntries, right); err != nil {
		return err
	}
	if err := EncodeTree(ix.pf.BlockAt(id), id, leftEntries, mid.Left); err != nil {
		return err
	}
	return ix.promote(path, id, newID, mid.Key)
}

// Set overwrites the Pointer stored for an existing key. Returns ErrNotFound
// if key is absent; callers that want upsert semantics call Insert first.
func (ix *Index) Set(key []byte, ptr Pointer) error {
	_, leafID, entries, nextLeaf, err := ix.descend(key)
	if err != nil {
		return err
	}
	i := sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].Key, key) >= 0 })
	if i >= len(entries) || !bytes.Equal(entries[i].Key, key) {
		return errors.Wrapf(ErrNotFound, "key %q", key)
	}
	entries[i].DataBlock = ptr.DataBlock
	entries[i].Row = ptr.Row
	return EncodeLeaf(ix.pf.BlockAt(leafID), leafID, entries, nextLeaf)
}

// Delete removes key, merging underfull leaves/interior blocks with a
// sibling bottom-up. Returns the Pointer that was removed (so the caller can
// free its data chain) or ErrNotFound.
func (ix *Index) Delete(key []byte) (Pointer, error) {
	path, leafID, entries, nextLeaf, err := ix.descend(key)
	if err != nil {
		return Pointer{}, err
	}
	i := sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].Key, key) >= 0 })
	if i >= len(entries) || !bytes.Equal(entries[i].Key, key) {
		return Pointer{}, errors.Wrapf(ErrNotFound, "key %q", key)
	}
	removed := Pointer{DataBlock: entries[i].DataBlock, Row: entries[i].Row}
	entries = append(entries[:i], entries[i+1:]...)

	if err := EncodeLeaf(ix.pf.BlockAt(leafID), leafID, entries, nextLeaf); err != nil {
		return Pointer{}, err
	}

	half := LeafCapacity(ix.pf.BlockSize()) / 2
	if len(path) > 0 && LeafUsed(entries) < half {
		if err := ix.mergeLeaf(path, leafID, entries, nextLeaf); err != nil {
			return Pointer{}, err
		}
	}
	return removed, nil
}

// mergeLeaf merges leafID with a sibling chosen via its parent, freeing
// whichever of the pair becomes redundant and cascading the resulting
// interior underflow upward.
func (ix *Index) mergeLeaf(path []ancestor, leafID block.ID, entries []LeafEntry, nextLeaf block.ID) error {
	p := path[len(path)-1]
	rest := path[:len(path)-1]

	var siblingID block.ID
	var removeIdx int
	var leftID, rightID block.ID
	var leftEntries, rightEntries []LeafEntry
	var leftNext block.ID

	if p.idx < len(p.entries) {
		siblingID = childOf(p.entries, p.right, p.idx+1)
		sibRaw := ix.pf.BlockAt(siblingID)
		sibEntries, sibNext := DecodeLeaf(sibRaw)
		leftID, rightID = leafID, siblingID
		leftEntries, rightEntries = entries, sibEntries
		leftNext = sibNext
		removeIdx = p.idx
	} else {
		siblingID = childOf(p.entries, p.right, p.idx-1)
		sibRaw := ix.pf.BlockAt(siblingID)
		sibEntries, _ := DecodeLeaf(sibRaw)
		leftID, rightID = siblingID, leafID
		leftEntries, rightEntries = sibEntries, entries
		leftNext = nextLeaf
		removeIdx = p.idx - 1
	}

	merged := append(append([]LeafEntry(nil), leftEntries...), rightEntries...)
	if LeafUsed(merged) <= LeafCapacity(ix.pf.BlockSize()) {
		if err := EncodeLeaf(ix.pf.BlockAt(leftID), leftID, merged, leftNext); err != nil {
			return err
		}
		if err := ix.alloc.Free(rightID); err != nil {
			return err
		}
		return ix.removeSeparator(rest, p, removeIdx, leftID)
	}
	// Sibling merge would overflow a single block: leave both as-is. An
	// underfull-but-not-mergeable leaf is valid; only occupancy, never a
	// hard minimum, is enforced by this implementation.
	return nil
}

// removeSeparator deletes entries[removeIdx] from the parent p (found at
// path position p within rest's caller) and repoints the slot that used to
// address the pair of merged children at newChild, then cascades underflow
// handling up the tree.
func (ix *Index) removeSeparator(rest []ancestor, p ancestor, removeIdx int, newChild block.ID) error {
	entries := append([]TreeEntry(nil), p.entries...)
	right := p.right
	entries = append(entries[:removeIdx], entries[removeIdx+1:]...)
	if removeIdx < len(entries) {
		entries[removeIdx].Left = newChild
	} else {
		right = newChild
	}

	if len(rest) == 0 {
		// p is the root. If it collapsed to a single child, that child
		// becomes the new root.
		if len(entries) == 0 {
			if err := ix.alloc.Free(p.id); err != nil {
				return err
			}
			ix.root = right
			return nil
		}
		return EncodeTree(ix.pf.BlockAt(p.id), p.id, entries, right)
	}

	if err := EncodeTree(ix.pf.BlockAt(p.id), p.id, entries, right); err != nil {
		return err
	}

	half := TreeCapacity(ix.pf.BlockSize()) / 2
	if TreeUsed(entries) < half {
		return ix.mergeTree(rest, p.id, entries, right)
	}
	return nil
}

func (ix *Index) mergeTree(path []ancestor, id block.ID, entries []TreeEntry, right block.ID) error {
	p := path[len(path)-1]
	rest := path[:len(path)-1]

	var siblingID block.ID
	var removeIdx int
	var leftID, rightID block.ID
	var leftEntries, rightEntries []TreeEntry
	var leftRight, rightRight block.ID
	var sepKey []byte

	if p.idx < len(p.entries) {
		siblingID = childOf(p.entries, p.right, p.idx+1)
		sibEntries, sibRight := DecodeTree(ix.pf.BlockAt(siblingID))
		leftID, rightID = id, siblingID
		leftEntries, rightEntries = entries, sibEntries
		leftRight, rightRight = right, sibRight
		removeIdx = p.idx
		sepKey = p.entries[p.idx].Key
	} else {
		siblingID = childOf(p.entries, p.right, p.idx-1)
		sibEntries, sibRight := DecodeTree(ix.pf.BlockAt(siblingID))
		leftID, rightID = siblingID, id
		leftEntries, rightEntries = sibEntries, entries
		leftRight, rightRight = sibRight, right
		removeIdx = p.idx - 1
		sepKey = p.entries[p.idx-1].Key
	}

	merged := make([]TreeEntry, 0, len(leftEntries)+1+len(rightEntries))
	merged = append(merged, leftEntries...)
	merged = append(merged, TreeEntry{Key: sepKey, Left: leftRight})
	merged = append(merged, rightEntries...)

	if TreeUsed(merged) <= TreeCapacity(ix.pf.BlockSize()) {
		if err := EncodeTree(ix.pf.BlockAt(leftID), leftID, merged, rightRight); err != nil {
			return err
		}
		if err := ix.alloc.Free(rightID); err != nil {
			return err
		}
		return ix.removeSeparator(rest, p, removeIdx, leftID)
	}
	return nil
}

// FirstLeaf returns the leftmost leaf block id, for ordered/full scans.
func (ix *Index) FirstLeaf() (block.ID, error) {
	cur := ix.root
	for {
		raw := ix.pf.BlockAt(cur)
		h := block.View(raw)
		if h.Type() == block.IndexLeaf {
			return cur, nil
		}
		entries, right := DecodeTree(raw)
		if len(entries) == 0 {
			cur = right
			continue
		}
		cur = entries[0].Left
	}
}

// EachLeaf calls fn for every leaf in ascending key order, stopping early if
// fn returns false.
func (ix *Index) EachLeaf(fn func(entries []LeafEntry) bool) error {
	id, err := ix.FirstLeaf()
	if err != nil {
		return err
	}
	for id != 0 {
		raw := ix.pf.BlockAt(id)
		entries, next := DecodeLeaf(raw)
		if !fn(entries) {
			return nil
		}
		id = next
	}
	return nil
}
