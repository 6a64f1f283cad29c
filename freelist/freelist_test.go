package freelist

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmspit/godokvs/block"
	"github.com/jmspit/godokvs/pagefile"
	"github.com/jmspit/godokvs/toc"
)

// setup builds a minimal store-shaped fixture: an 8-block file, a TOC chain
// covering it, and blocks [2,8) seeded as free, mirroring what the façade's
// Init does before constructing an Allocator.
func setup(t *testing.T, blocks uint64) (*pagefile.File, *toc.TOC, *Allocator) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "t.kvs")
	pf, err := pagefile.Init(path, pagefile.Config{BlockSize: 4096, MinSizeBytes: blocks * 4096})
	require.NoError(t, err)
	t.Cleanup(func() { pf.Close() })

	tc := toc.InitChain(pf, 1, 0)
	require.NoError(t, tc.SetEntry(0, block.FileHeader))
	require.NoError(t, tc.SetEntry(1, block.TOC))

	var ids []block.ID
	for id := block.ID(2); id < blocks; id++ {
		require.NoError(t, tc.SetEntry(id, block.Free))
		ids = append(ids, id)
	}
	a := New(pf, tc, 0, nil)
	a.Seed(ids)
	return pf, tc, a
}

func TestAllocateThenFreeRoundTrips(t *testing.T) {
	_, tc, a := setup(t, 8)
	before := a.FreeCount()

	id, err := a.Allocate(block.Data)
	require.NoError(t, err)
	assert.Equal(t, before-1, a.FreeCount())

	typ, err := tc.LookupType(id)
	require.NoError(t, err)
	assert.Equal(t, block.Data, typ)

	require.NoError(t, a.Free(id))
	assert.Equal(t, before, a.FreeCount())
	typ, err = tc.LookupType(id)
	require.NoError(t, err)
	assert.Equal(t, block.Free, typ)
}

func TestDoubleFreePanics(t *testing.T) {
	_, _, a := setup(t, 8)
	id, err := a.Allocate(block.Data)
	require.NoError(t, err)
	require.NoError(t, a.Free(id))
	assert.Panics(t, func() { a.Free(id) })
}

func TestAllocateGrowsFileWhenExhausted(t *testing.T) {
	pf, _, a := setup(t, 8)
	before := pf.BlockCount()

	// Drain the seeded free blocks (6 of them: ids 2..7).
	for i := 0; i < 6; i++ {
		_, err := a.Allocate(block.Data)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, a.FreeCount())

	// The next allocation must grow the file rather than fail.
	id, err := a.Allocate(block.Data)
	require.NoError(t, err)
	assert.Greater(t, pf.BlockCount(), before)
	assert.GreaterOrEqual(t, id, before)
}

func TestRebuildShadowDetectsCycle(t *testing.T) {
	_, _, a := setup(t, 8)
	// Corrupt the free list into a 2-cycle: 2 -> 3 -> 2.
	raw2 := a.pf.BlockAt(2)
	setNextFree(raw2, 3)
	block.SyncCRC(raw2)
	raw3 := a.pf.BlockAt(3)
	setNextFree(raw3, 2)
	block.SyncCRC(raw3)

	a2 := New(a.pf, a.toc, 2, nil)
	err := a2.RebuildShadow()
	assert.ErrorIs(t, err, ErrCyclic)
}
