package godokvs

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmspit/godokvs/block"
)

func testOptions() Options {
	return Options{Lock: false}
}

// S1: insert a float under a mixed-case key, read it back lowercased.
func TestScenarioS1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t1.kvs")
	s, err := Init(path, testOptions())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Insert("Newton", 0.98))
	v, err := s.Get("newton")
	require.NoError(t, err)
	assert.InDelta(t, 0.98, v.(float64), 1e-12)
}

// S2: canonicalization, deletion, and independence of keys.
func TestScenarioS2(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t2.kvs")
	s, err := Init(path, testOptions())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Insert("bert", "ernie"))
	require.NoError(t, s.Insert("Donald", "duck"))
	require.NoError(t, s.Delete("bert"))
	assert.False(t, s.Exists("BERT"))
	v, err := s.Get("donald")
	require.NoError(t, err)
	assert.Equal(t, "duck", v)
}

// S3: 1000 keys, close/reopen, verify gets and an ordered filter result.
func TestScenarioS3(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t3.kvs")
	opts := testOptions()
	opts.MinSizeBytes = 8 * 1024 * 1024
	s, err := Init(path, opts)
	require.NoError(t, err)

	const n = 1000
	for i := 0; i < n; i++ {
		require.NoError(t, s.Insert(fmt.Sprintf("k_%d", i), int64(i)))
	}
	require.NoError(t, s.Close())

	s2, err := Open(path, opts)
	require.NoError(t, err)
	defer s2.Close()

	for i := 0; i < n; i++ {
		v, err := s2.Get(fmt.Sprintf("k_%d", i))
		require.NoError(t, err, "key k_%d", i)
		assert.Equal(t, int64(i), v)
	}

	got, err := s2.Filter("k_1%")
	require.NoError(t, err)

	var want []string
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("k_%d", i)
		if likeMatch("k_1%", k) {
			want = append(want, k)
		}
	}
	sort.Strings(want)
	assert.Equal(t, want, got)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1] < got[i])
	}
}

// S4: a value larger than one block chains across several Data blocks.
func TestScenarioS4(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t4.kvs")
	opts := testOptions()
	opts.MinSizeBytes = 4 * 1024 * 1024
	s, err := Init(path, opts)
	require.NoError(t, err)
	defer s.Close()

	buf := make([]byte, 40*1024)
	rand.New(rand.NewSource(7)).Read(buf)
	require.NoError(t, s.Insert("big", buf))

	v, err := s.Get("big")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(buf, v.([]byte)))

	var sink bytes.Buffer
	r := s.Analyze(&sink)
	assert.Greater(t, r.TypeCounts[block.Data], 1)
	// This store's block count (1024) exceeds a single TOC block's capacity
	// at the default block size, so Init must have extended the TOC chain
	// while formatting the free list -- exercising the same "block beyond
	// current coverage becomes the next TOC link" path that freelist.grow
	// uses for a store growing at runtime.
	assert.Greater(t, r.TOCChainLength, 1)
	assert.True(t, r.OK)
}

// S5: occupancy goes down by one free block after a delete, and an insert
// after a delete succeeds. (This implementation grows the file by doubling
// rather than ever failing Exhausted under normal conditions -- spec.md
// §4.3 calls growth-by-doubling an implementation choice -- so the free
// count, not a hard Exhausted failure, is what's asserted here.)
func TestScenarioS5FreeCountTracksDeletes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t5.kvs")
	s, err := Init(path, testOptions())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Insert("a", int64(1)))
	require.NoError(t, s.Insert("b", int64(2)))
	before := s.Analyze(nil).FreeBlocks

	require.NoError(t, s.Delete("a"))
	after := s.Analyze(nil).FreeBlocks
	assert.Greater(t, after, before)

	require.NoError(t, s.Insert("c", int64(3)))
	v, err := s.Get("c")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

// S6: a corrupted magic constant fails Open with ErrBadMagic.
func TestScenarioS6(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t6.kvs")
	s, err := Init(path, testOptions())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF, 0xFF, 0xFF, 0xFF}, int64(hdrOffMagic))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(path, testOptions())
	assert.ErrorIs(t, err, ErrBadMagic)
}

// Open on a path that was never created fails with ErrNotFound, not ErrIoError.
func TestOpenMissingFileFailsNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never-created.kvs")
	_, err := Open(path, testOptions())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertExistingKeyFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.kvs")
	s, err := Init(path, testOptions())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Insert("k", int64(1)))
	err = s.Insert("k", int64(2))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestGetMissingKeyFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.kvs")
	s, err := Init(path, testOptions())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetChangesValueType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.kvs")
	s, err := Init(path, testOptions())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Insert("k", int64(1)))
	require.NoError(t, s.Set("k", "now a string"))
	v, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "now a string", v)
}

func TestSetMissingKeyFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.kvs")
	s, err := Init(path, testOptions())
	require.NoError(t, err)
	defer s.Close()

	err = s.Set("ghost", int64(1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteMissingKeyFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.kvs")
	s, err := Init(path, testOptions())
	require.NoError(t, err)
	defer s.Close()

	err = s.Delete("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTypedGetMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.kvs")
	s, err := Init(path, testOptions())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Insert("k", "a string"))
	_, err = s.GetInt64("k")
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestOversizedKeyFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.kvs")
	s, err := Init(path, testOptions())
	require.NoError(t, err)
	defer s.Close()

	huge := string(bytes.Repeat([]byte{'x'}, int(s.pf.BlockSize())))
	err = s.Insert(huge, int64(1))
	assert.ErrorIs(t, err, ErrKeyTooLarge)
}

func TestCaseInsensitiveInsertOfVariantFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.kvs")
	s, err := Init(path, testOptions())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Insert("Newton", int64(1)))
	err = s.Insert("NEWTON", int64(2))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestAnalyzeReportsOKOnFreshStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.kvs")
	s, err := Init(path, testOptions())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Insert("k", int64(1)))
	var sink bytes.Buffer
	r := s.Analyze(&sink)
	assert.True(t, r.OK)
	assert.Empty(t, r.BadCRCBlocks)
	assert.Empty(t, r.MismatchedBlocks)
	assert.NotEmpty(t, sink.String())
}
