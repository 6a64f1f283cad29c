package pagefile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmspit/godokvs/block"
)

func testConfig() Config {
	return Config{BlockSize: 4096, Lock: false}
}

func TestInitClampsToMinBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.kvs")
	pf, err := Init(path, testConfig())
	require.NoError(t, err)
	defer pf.Close()

	assert.Equal(t, uint64(MinBlocks), pf.BlockCount())
	assert.Equal(t, uint32(4096), pf.BlockSize())
}

func TestInitSizesUpToRequestedBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.kvs")
	cfg := testConfig()
	cfg.MinSizeBytes = 100 * 1024
	pf, err := Init(path, cfg)
	require.NoError(t, err)
	defer pf.Close()

	wantBlocks := uint64(100*1024+4095) / 4096
	assert.Equal(t, wantBlocks, pf.BlockCount())
}

func TestBlocksAboveTwoStartFree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.kvs")
	pf, err := Init(path, testConfig())
	require.NoError(t, err)
	defer pf.Close()

	for id := block.ID(2); id < pf.BlockCount(); id++ {
		raw := pf.BlockAt(id)
		require.True(t, block.VerifyCRC(raw))
		assert.Equal(t, block.Free, block.View(raw).Type())
	}
}

func TestBlockAtOutOfRangePanics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.kvs")
	pf, err := Init(path, testConfig())
	require.NoError(t, err)
	defer pf.Close()

	assert.Panics(t, func() { pf.BlockAt(pf.BlockCount()) })
}

func TestOpenRoundTripsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.kvs")
	pf, err := Init(path, testConfig())
	require.NoError(t, err)

	raw := pf.BlockAt(3)
	block.Init(raw, 3, block.Data)
	copy(raw[block.HeaderSize:], []byte("hello"))
	block.SyncCRC(raw)
	require.NoError(t, pf.Sync())
	require.NoError(t, pf.Close())

	pf2, err := Open(path, testConfig())
	require.NoError(t, err)
	defer pf2.Close()

	raw2 := pf2.BlockAt(3)
	require.True(t, block.VerifyCRC(raw2))
	assert.Equal(t, "hello", string(raw2[block.HeaderSize:block.HeaderSize+5]))
}

func TestGrowDoublesAndZeroesNewBlocksFree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.kvs")
	pf, err := Init(path, testConfig())
	require.NoError(t, err)
	defer pf.Close()

	old := pf.BlockCount()
	require.NoError(t, pf.Grow(old*2))
	assert.Equal(t, old*2, pf.BlockCount())
	for id := old; id < pf.BlockCount(); id++ {
		raw := pf.BlockAt(id)
		require.True(t, block.VerifyCRC(raw))
		assert.Equal(t, block.Free, block.View(raw).Type())
	}
}

func TestLockPreventsSecondOpener(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.kvs")
	cfg := Config{BlockSize: 4096, Lock: true}
	pf, err := Init(path, cfg)
	require.NoError(t, err)

	_, err = Open(path, cfg)
	assert.Error(t, err)

	require.NoError(t, pf.Close())
	pf2, err := Open(path, cfg)
	require.NoError(t, err)
	require.NoError(t, pf2.Close())
}
