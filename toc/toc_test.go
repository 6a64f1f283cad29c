package toc

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmspit/godokvs/block"
	"github.com/jmspit/godokvs/pagefile"
)

func newPagefile(t *testing.T, blocks uint64) *pagefile.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "t.kvs")
	pf, err := pagefile.Init(path, pagefile.Config{
		BlockSize:    4096,
		MinSizeBytes: blocks * 4096,
	})
	require.NoError(t, err)
	t.Cleanup(func() { pf.Close() })
	return pf
}

func TestSetEntryAndLookupType(t *testing.T) {
	pf := newPagefile(t, 8)
	tc := InitChain(pf, 1, 0)

	require.NoError(t, tc.SetEntry(0, block.FileHeader))
	require.NoError(t, tc.SetEntry(1, block.TOC))
	require.NoError(t, tc.SetEntry(5, block.Data))

	got, err := tc.LookupType(5)
	require.NoError(t, err)
	assert.Equal(t, block.Data, got)

	got, err = tc.LookupType(0)
	require.NoError(t, err)
	assert.Equal(t, block.FileHeader, got)
}

func TestSetEntryBeyondCoverageFailsWithErrNotCovered(t *testing.T) {
	pf := newPagefile(t, 8)
	tc := InitChain(pf, 1, 0)
	err := tc.SetEntry(block.ID(MaxEntries(pf.BlockSize())), block.Data)
	assert.ErrorIs(t, err, ErrNotCovered)
}

func TestExtendChainGrowsCoverage(t *testing.T) {
	pf := newPagefile(t, 16)
	tc := InitChain(pf, 1, 0)
	require.NoError(t, tc.SetEntry(0, block.FileHeader))
	require.NoError(t, tc.SetEntry(1, block.TOC))

	require.NoError(t, tc.ExtendChain(2))
	require.NoError(t, tc.SetEntry(3, block.Data))

	assert.Equal(t, 2, tc.ChainLength())
	got, err := tc.LookupType(2)
	require.NoError(t, err)
	assert.Equal(t, block.TOC, got)
	got, err = tc.LookupType(3)
	require.NoError(t, err)
	assert.Equal(t, block.Data, got)
}

func TestIterateReturnsAllIDsOfType(t *testing.T) {
	pf := newPagefile(t, 8)
	tc := InitChain(pf, 1, 0)
	require.NoError(t, tc.RebuildCache())
	for _, id := range []block.ID{2, 3, 4} {
		require.NoError(t, tc.SetEntry(id, block.Data))
	}
	ids := tc.Iterate(block.Data)
	assert.ElementsMatch(t, []block.ID{2, 3, 4}, ids)
}

func TestRebuildCacheMatchesLiveCache(t *testing.T) {
	pf := newPagefile(t, 8)
	tc := InitChain(pf, 1, 0)
	require.NoError(t, tc.SetEntry(0, block.FileHeader))
	require.NoError(t, tc.SetEntry(1, block.TOC))
	require.NoError(t, tc.SetEntry(2, block.Data))

	fresh := New(pf, 1)
	require.NoError(t, fresh.RebuildCache())
	assert.ElementsMatch(t, tc.Iterate(block.Data), fresh.Iterate(block.Data))
	assert.ElementsMatch(t, tc.Iterate(block.Free), fresh.Iterate(block.Free))
}

func TestVerifyDetectsCorruptBlock(t *testing.T) {
	pf := newPagefile(t, 8)
	tc := InitChain(pf, 1, 0)
	assert.Empty(t, tc.Verify())

	raw := pf.BlockAt(1)
	raw[block.HeaderSize] ^= 0xFF
	assert.Equal(t, []block.ID{1}, tc.Verify())
}

func TestMaxEntries(t *testing.T) {
	n := MaxEntries(4096)
	assert.Greater(t, n, uint64(0))
	assert.Less(t, n, uint64(4096))
}
