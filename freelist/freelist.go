// Package freelist implements the KVStore's free-block allocator: a
// singly-linked chain of Free blocks, head-pop to allocate, head-push to
// free, with grow-by-doubling when the chain runs dry.
package freelist

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/jmspit/godokvs/block"
	"github.com/jmspit/godokvs/pagefile"
	"github.com/jmspit/godokvs/toc"
)

const offNextFree = block.HeaderSize // 16

// ErrExhausted is returned by Allocate when no block is free and the file
// could not be grown to make one available.
var ErrExhausted = errors.New("freelist: exhausted")

func nextFree(raw []byte) block.ID     { return binary.LittleEndian.Uint64(raw[offNextFree:]) }
func setNextFree(raw []byte, id block.ID) { binary.LittleEndian.PutUint64(raw[offNextFree:], id) }

// Allocator is the in-memory handle to the free list. It mirrors the on-disk
// list as an ordered tidwall/btree set so analyze can verify acyclicity in
// O(n log n) instead of repeated O(n) scans, and so a corrupt (cyclic)
// on-disk list is caught fail-fast instead of spinning forever. Agreement
// between the free list and the TOC's Free entries is not checked.
type Allocator struct {
	pf     *pagefile.File
	toc    *toc.TOC
	head   block.ID
	shadow *btree.BTreeG[uint64]
	log    *zap.Logger
}

func lessUint64(a, b uint64) bool { return a < b }

// New wraps an existing free list whose head is head (0 if empty).
func New(pf *pagefile.File, t *toc.TOC, head block.ID, log *zap.Logger) *Allocator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Allocator{pf: pf, toc: t, head: head, shadow: btree.NewBTreeG[uint64](lessUint64), log: log}
}

// Head returns the current free-list head, for the façade to persist back
// into the FileHeader.
func (a *Allocator) Head() block.ID { return a.head }

// FreeCount returns the number of blocks currently in the free list.
func (a *Allocator) FreeCount() int { return a.shadow.Len() }

// ErrCyclic is returned by RebuildShadow when the on-disk free list loops.
var ErrCyclic = errors.New("freelist: cyclic free list")

// RebuildShadow walks the on-disk list once, populating the shadow set. It
// fails with an error wrapping ErrCyclic if a block id is encountered twice,
// or if the walk exceeds the block count.
func (a *Allocator) RebuildShadow() error {
	a.shadow = btree.NewBTreeG[uint64](lessUint64)
	id := a.head
	limit := a.pf.BlockCount() + 1
	for i := uint64(0); id != 0; i++ {
		if i >= limit {
			return errors.Wrapf(ErrCyclic, "free list exceeded %d hops", limit)
		}
		if _, dup := a.shadow.Set(uint64(id)); dup {
			return errors.Wrapf(ErrCyclic, "block id %d visited twice", id)
		}
		raw := a.pf.BlockAt(id)
		id = nextFree(raw)
	}
	return nil
}

// Seed pushes every id in ids onto the free list. Used by Init, to register
// the blocks pagefile.Init formatted as Free (and that Init has already
// marked Free in the TOC) without routing them through Allocate/Free.
func (a *Allocator) Seed(ids []block.ID) {
	for _, id := range ids {
		a.pushFree(id)
	}
}

func (a *Allocator) pushFree(id block.ID) {
	raw := a.pf.BlockAt(id)
	setNextFree(raw, a.head)
	block.SyncCRC(raw)
	a.head = id
	a.shadow.Set(uint64(id))
}

func (a *Allocator) popFree() block.ID {
	id := a.head
	raw := a.pf.BlockAt(id)
	a.head = nextFree(raw)
	a.shadow.Delete(uint64(id))
	return id
}

// grow doubles the file's block count, folds the newly added ids into the
// TOC (extending its chain as needed) and pushes them onto the free list.
func (a *Allocator) grow() error {
	old := a.pf.BlockCount()
	if err := a.pf.Grow(old * 2); err != nil {
		return err
	}
	newCount := a.pf.BlockCount()
	for id := old; id < newCount; {
		err := a.toc.SetEntry(id, block.Free)
		if errors.Is(err, toc.ErrNotCovered) {
			// id becomes the new TOC link, covering itself plus whatever
			// follows.
			if err2 := a.toc.ExtendChain(id); err2 != nil {
				return err2
			}
			id++
			continue
		}
		if err != nil {
			return err
		}
		a.pushFree(id)
		id++
	}
	a.log.Info("freelist grown", zap.Uint64("old_blocks", old), zap.Uint64("new_blocks", newCount))
	return nil
}

// Allocate pops a block off the free list (growing the file first if the
// list is empty), retags it typ, and returns its id.
func (a *Allocator) Allocate(typ block.Type) (block.ID, error) {
	if a.head == 0 {
		if err := a.grow(); err != nil {
			a.log.Warn("freelist: grow failed, reporting exhausted", zap.Error(err))
			return 0, ErrExhausted
		}
		if a.head == 0 {
			return 0, ErrExhausted
		}
	}
	id := a.popFree()
	raw := a.pf.BlockAt(id)
	block.Init(raw, id, typ)
	block.SyncCRC(raw)
	if err := a.toc.SetEntry(id, typ); err != nil {
		return 0, errors.Wrapf(err, "freelist: updating TOC for allocated block %d", id)
	}
	return id, nil
}

// Free pushes id back onto the free list. Calling Free on an id that is not
// currently allocated (already Free) is a programmer error and panics,
// matching the spec's "double-free" designation.
func (a *Allocator) Free(id block.ID) error {
	raw := a.pf.BlockAt(id)
	if block.View(raw).Type() == block.Free {
		panic(fmt.Sprintf("freelist: double free of block %d", id))
	}
	block.Init(raw, id, block.Free)
	block.SyncCRC(raw)
	if err := a.toc.SetEntry(id, block.Free); err != nil {
		return errors.Wrapf(err, "freelist: updating TOC for freed block %d", id)
	}
	a.pushFree(id)
	return nil
}
