// Package godokvs is a persistent, single-file, single-process key-value
// store: fixed-size CRC-protected blocks, a Table-of-Contents chain
// tracking each block's type, a B-tree index over lowercased string keys,
// and a typed (Int64/Float64/String/Bytes) data subsystem with chaining for
// values larger than one block.
package godokvs

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/jmspit/godokvs/block"
	"github.com/jmspit/godokvs/data"
	"github.com/jmspit/godokvs/freelist"
	"github.com/jmspit/godokvs/index"
	"github.com/jmspit/godokvs/pagefile"
	"github.com/jmspit/godokvs/toc"
)

// magic identifies a godokvs store file; it spells "GODOKVS\0" in ASCII,
// read little-endian.
const magic uint64 = 0x00_53_56_4B_4F_44_4F_47

// formatVersion is the on-disk FileHeader layout version this build writes
// and accepts.
const formatVersion uint32 = 1

const (
	hdrOffMagic     = block.HeaderSize  // 16
	hdrOffVersion   = hdrOffMagic + 8   // 24
	hdrOffBlockSize = hdrOffVersion + 4 // 28
	hdrOffTOCFirst  = hdrOffBlockSize + 4 // 32
	hdrOffIndexRoot = hdrOffTOCFirst + 8  // 40
	hdrOffFreeHead  = hdrOffIndexRoot + 8 // 48
	// headerFixedSize is the span reserved for FileHeader fields (the
	// fields above end at byte 56); the remaining bytes up to the store's
	// block size are reserved/unused padding.
	headerFixedSize = 64
)

const tocFirstID = block.ID(1)
const indexRootInitialID = block.ID(2)

// Store is the façade over the block, pagefile, toc, freelist, index and
// data subsystems: the single entry point applications use.
type Store struct {
	pf    *pagefile.File
	toc   *toc.TOC
	alloc *freelist.Allocator
	idx   *index.Index
	log   *zap.Logger
	met   *metrics
}

// Init creates a new store file at path, formats its FileHeader, TOC and an
// empty index root, and returns the open Store. An existing file at path is
// truncated and overwritten (pagefile opens it with O_TRUNC); calling Init
// rather than Open is the caller's explicit choice to discard it.
func Init(path string, opts Options) (*Store, error) {
	log := opts.logger()
	pf, err := pagefile.Init(path, opts.pagefileConfig())
	if err != nil {
		return nil, errors.Wrap(ErrIoError, err.Error())
	}

	raw0 := pf.BlockAt(0)
	block.Init(raw0, 0, block.FileHeader)
	writeHeaderFields(raw0, pf.BlockSize(), tocFirstID, indexRootInitialID, 0)
	block.SyncCRC(raw0)

	t := toc.InitChain(pf, tocFirstID, 0)
	if err := t.SetEntry(0, block.FileHeader); err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	if err := t.SetEntry(tocFirstID, block.TOC); err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	if err := t.SetEntry(indexRootInitialID, block.IndexLeaf); err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	// A store created large enough to need more block-type entries than a
	// single TOC block can hold (more than toc.MaxEntries blocks) must grow
	// its own TOC chain while still being formatted, the same way
	// freelist.grow extends it later: a block that falls beyond the current
	// chain's coverage becomes the next TOC link instead of a Free block.
	var freeIDs []block.ID
	for id := indexRootInitialID + 1; id < pf.BlockCount(); {
		err := t.SetEntry(id, block.Free)
		if errors.Is(err, toc.ErrNotCovered) {
			if err := t.ExtendChain(id); err != nil {
				return nil, errors.Wrap(ErrIoError, err.Error())
			}
			id++
			continue
		}
		if err != nil {
			return nil, errors.Wrap(ErrCorrupt, err.Error())
		}
		freeIDs = append(freeIDs, id)
		id++
	}

	if err := index.InitEmptyRoot(pf, indexRootInitialID); err != nil {
		return nil, errors.Wrap(ErrIoError, err.Error())
	}

	alloc := freelist.New(pf, t, 0, log)
	alloc.Seed(freeIDs)

	writeHeaderFields(raw0, pf.BlockSize(), tocFirstID, indexRootInitialID, alloc.Head())
	block.SyncCRC(raw0)

	idx := index.New(pf, t, alloc, indexRootInitialID, log)
	log.Info("store initialized", zap.String("path", path), zap.Uint64("blocks", pf.BlockCount()))

	return &Store{pf: pf, toc: t, alloc: alloc, idx: idx, log: log, met: newMetrics(opts.MetricsRegisterer)}, nil
}

// Open opens an existing store file, validating its FileHeader and
// rebuilding the in-memory TOC/free-list caches.
func Open(path string, opts Options) (*Store, error) {
	log := opts.logger()
	pf, err := pagefile.Open(path, opts.pagefileConfig())
	if err != nil {
		if errors.Is(err, pagefile.ErrNotExist) {
			return nil, errors.Wrap(ErrNotFound, err.Error())
		}
		return nil, errors.Wrap(ErrIoError, err.Error())
	}

	raw0 := pf.BlockAt(0)
	gotMagic, version, blockSize, tocFirst, indexRoot, freeHead := readHeaderFields(raw0)
	if gotMagic != magic {
		return nil, errors.Wrapf(ErrBadMagic, "got %#x", gotMagic)
	}
	if version != formatVersion {
		return nil, errors.Wrapf(ErrVersionMismatch, "file is version %d, this build understands %d", version, formatVersion)
	}
	if blockSize != pf.BlockSize() {
		// The block size committed by Init wins over opts.BlockSize.
		_ = pf.Close()
		cfg := opts.pagefileConfig()
		cfg.BlockSize = blockSize
		if pf, err = pagefile.Open(path, cfg); err != nil {
			return nil, errors.Wrap(ErrIoError, err.Error())
		}
		raw0 = pf.BlockAt(0)
	}
	if !block.VerifyCRC(raw0) {
		return nil, errors.Wrapf(ErrCorrupt, "file header at block 0 fails crc check")
	}
	if block.View(raw0).Type() != block.FileHeader {
		return nil, errors.Wrapf(ErrCorrupt, "block 0 is not a FileHeader")
	}

	t := toc.New(pf, tocFirst)
	if err := t.RebuildCache(); err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	alloc := freelist.New(pf, t, freeHead, log)
	if err := alloc.RebuildShadow(); err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	idx := index.New(pf, t, alloc, indexRoot, log)

	log.Info("store opened", zap.String("path", path), zap.Uint64("blocks", pf.BlockCount()))
	return &Store{pf: pf, toc: t, alloc: alloc, idx: idx, log: log, met: newMetrics(opts.MetricsRegisterer)}, nil
}

func writeHeaderFields(raw0 []byte, blockSize uint32, tocFirst, indexRoot, freeHead block.ID) {
	putU64(raw0, hdrOffMagic, magic)
	putU32(raw0, hdrOffVersion, formatVersion)
	putU32(raw0, hdrOffBlockSize, blockSize)
	putU64(raw0, hdrOffTOCFirst, tocFirst)
	putU64(raw0, hdrOffIndexRoot, indexRoot)
	putU64(raw0, hdrOffFreeHead, freeHead)
}

func readHeaderFields(raw0 []byte) (gotMagic uint64, version, blockSize uint32, tocFirst, indexRoot, freeHead block.ID) {
	return getU64(raw0, hdrOffMagic), getU32(raw0, hdrOffVersion), getU32(raw0, hdrOffBlockSize),
		getU64(raw0, hdrOffTOCFirst), getU64(raw0, hdrOffIndexRoot), getU64(raw0, hdrOffFreeHead)
}

// syncHeader persists whatever the index root / free-list head currently
// are; both can change as a side effect of Insert/Delete (splits, merges,
// growth).
func (s *Store) syncHeader() {
	raw0 := s.pf.BlockAt(0)
	_, _, blockSize, tocFirst, _, _ := readHeaderFields(raw0)
	writeHeaderFields(raw0, blockSize, tocFirst, s.idx.Root(), s.alloc.Head())
	block.SyncCRC(raw0)
	s.met.treeHeight.Set(float64(s.idx.Root()))
}

func (s *Store) timeOp(op string) func(err error) {
	start := timeNow()
	return func(err error) {
		s.met.observe(op, err, timeSince(start).Seconds())
	}
}

// maxKeyLen is the largest key this store can hold: a single-entry leaf
// must fit in one block.
func (s *Store) maxKeyLen() int {
	capacity := index.LeafCapacity(s.pf.BlockSize())
	const entryOverhead = 2 + 2 + 8 + 4 // offset, size, data_block, row_id
	n := capacity - entryOverhead
	if n < 0 {
		n = 0
	}
	return n
}

func normalizeKey(key string) []byte {
	return []byte(strings.ToLower(key))
}

func (s *Store) checkKey(key []byte) error {
	if len(key) == 0 {
		return errors.Wrap(ErrInvalidArgument, "empty key")
	}
	if len(key) > s.maxKeyLen() {
		return errors.Wrapf(ErrKeyTooLarge, "key of %d bytes exceeds max %d", len(key), s.maxKeyLen())
	}
	return nil
}

// Insert adds key -> value. Fails with ErrAlreadyExists if key is present,
// ErrKeyTooLarge if key exceeds the store's maximum, ErrInvalidArgument for
// an empty key or unsupported value type.
func (s *Store) Insert(key string, value any) error {
	done := s.timeOp("insert")
	err := s.insert(key, value)
	done(err)
	return err
}

func (s *Store) insert(key string, value any) error {
	k := normalizeKey(key)
	if err := s.checkKey(k); err != nil {
		return err
	}

	var (
		dataBlock block.ID
		row       uint32
		err       error
	)
	switch val := value.(type) {
	case int64:
		dataBlock, row, err = data.PutInt64(s.pf, s.alloc, val)
	case float64:
		dataBlock, row, err = data.PutFloat64(s.pf, s.alloc, val)
	case string:
		dataBlock, row, err = data.Put(s.pf, s.alloc, data.KindString, []byte(val))
	case []byte:
		dataBlock, row, err = data.Put(s.pf, s.alloc, data.KindBytes, val)
	default:
		return errors.Wrapf(ErrInvalidArgument, "unsupported value type %T", value)
	}
	if err != nil {
		return translateAllocErr(err)
	}

	if err := s.idx.Insert(k, index.Pointer{DataBlock: dataBlock, Row: row}); err != nil {
		_ = data.FreeChain(s.pf, s.alloc, dataBlock, row)
		if errors.Is(err, index.ErrAlreadyExists) {
			return errors.Wrapf(ErrAlreadyExists, "key %q", key)
		}
		return translateAllocErr(err)
	}
	s.syncHeader()
	return nil
}

// Set overwrites the value of an existing key. Fails with ErrNotFound if
// key is absent.
func (s *Store) Set(key string, value any) error {
	done := s.timeOp("set")
	err := s.set(key, value)
	done(err)
	return err
}

func (s *Store) set(key string, value any) error {
	k := normalizeKey(key)
	if err := s.checkKey(k); err != nil {
		return err
	}
	ptr, err := s.idx.Lookup(k)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return errors.Wrapf(ErrNotFound, "key %q", key)
		}
		return translateAllocErr(err)
	}

	var (
		newBlock block.ID
		newRow   uint32
	)
	switch val := value.(type) {
	case int64:
		var b [8]byte
		putU64(b[:], 0, uint64(val))
		newBlock, newRow, err = data.Overwrite(s.pf, s.alloc, ptr.DataBlock, ptr.Row, data.KindInt64, b[:])
	case float64:
		var b [8]byte
		putU64(b[:], 0, floatBits(val))
		newBlock, newRow, err = data.Overwrite(s.pf, s.alloc, ptr.DataBlock, ptr.Row, data.KindFloat64, b[:])
	case string:
		newBlock, newRow, err = data.Overwrite(s.pf, s.alloc, ptr.DataBlock, ptr.Row, data.KindString, []byte(val))
	case []byte:
		newBlock, newRow, err = data.Overwrite(s.pf, s.alloc, ptr.DataBlock, ptr.Row, data.KindBytes, val)
	default:
		return errors.Wrapf(ErrInvalidArgument, "unsupported value type %T", value)
	}
	if err != nil {
		return translateAllocErr(err)
	}
	if err := s.idx.Set(k, index.Pointer{DataBlock: newBlock, Row: newRow}); err != nil {
		return translateAllocErr(err)
	}
	s.syncHeader()
	return nil
}

// Get returns the value stored for key as one of int64, float64, string or
// []byte, or ErrNotFound.
func (s *Store) Get(key string) (any, error) {
	done := s.timeOp("get")
	v, err := s.get(key)
	done(err)
	return v, err
}

func (s *Store) get(key string) (any, error) {
	k := normalizeKey(key)
	ptr, err := s.idx.Lookup(k)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "key %q", key)
		}
		return nil, translateAllocErr(err)
	}
	kind, raw, err := data.Get(s.pf, ptr.DataBlock, ptr.Row)
	if err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	switch kind {
	case data.KindInt64:
		return int64(getU64(raw, 0)), nil
	case data.KindFloat64:
		return bitsToFloat(getU64(raw, 0)), nil
	case data.KindString:
		return string(raw), nil
	case data.KindBytes:
		return raw, nil
	default:
		return nil, errors.Wrapf(ErrCorrupt, "unknown stored kind %v", kind)
	}
}

// GetInt64 reads key's value as an Int64, failing with ErrTypeMismatch if
// it was stored as a different type.
func (s *Store) GetInt64(key string) (int64, error) {
	k := normalizeKey(key)
	ptr, err := s.idx.Lookup(k)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return 0, errors.Wrapf(ErrNotFound, "key %q", key)
		}
		return 0, translateAllocErr(err)
	}
	v, err := data.GetInt64(s.pf, ptr.DataBlock, ptr.Row)
	if errors.Is(err, data.ErrTypeMismatch) {
		return 0, errors.Wrapf(ErrTypeMismatch, "key %q", key)
	}
	if err != nil {
		return 0, errors.Wrap(ErrCorrupt, err.Error())
	}
	return v, nil
}

// GetFloat64 reads key's value as a Float64, failing with ErrTypeMismatch if
// it was stored as a different type.
func (s *Store) GetFloat64(key string) (float64, error) {
	k := normalizeKey(key)
	ptr, err := s.idx.Lookup(k)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return 0, errors.Wrapf(ErrNotFound, "key %q", key)
		}
		return 0, translateAllocErr(err)
	}
	v, err := data.GetFloat64(s.pf, ptr.DataBlock, ptr.Row)
	if errors.Is(err, data.ErrTypeMismatch) {
		return 0, errors.Wrapf(ErrTypeMismatch, "key %q", key)
	}
	if err != nil {
		return 0, errors.Wrap(ErrCorrupt, err.Error())
	}
	return v, nil
}

// Delete removes key and frees its data chain. Fails with ErrNotFound if
// key is absent.
func (s *Store) Delete(key string) error {
	done := s.timeOp("delete")
	err := s.delete(key)
	done(err)
	return err
}

func (s *Store) delete(key string) error {
	k := normalizeKey(key)
	ptr, err := s.idx.Delete(k)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return errors.Wrapf(ErrNotFound, "key %q", key)
		}
		return translateAllocErr(err)
	}
	if err := data.FreeChain(s.pf, s.alloc, ptr.DataBlock, ptr.Row); err != nil {
		return translateAllocErr(err)
	}
	s.syncHeader()
	return nil
}

// Exists reports whether key is present.
func (s *Store) Exists(key string) bool {
	return s.idx.Exists(normalizeKey(key))
}

// Filter returns every key (in ascending order) matching the SQL LIKE
// pattern ('%' = any run, '_' = exactly one character). The pattern is
// lowercased to match the store's lowercased key space.
func (s *Store) Filter(pattern string) ([]string, error) {
	pattern = strings.ToLower(pattern)
	var out []string
	err := s.idx.EachLeaf(func(entries []index.LeafEntry) bool {
		for _, e := range entries {
			if likeMatch(pattern, string(e.Key)) {
				out = append(out, string(e.Key))
			}
		}
		return true
	})
	if err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	return out, nil
}

// Report summarizes Analyze's findings: a structural health check, not a
// repair. OK is the overall pass/fail of every named check; the individual
// fields let a caller inspect what, specifically, failed.
type Report struct {
	OK               bool
	Blocks           uint64
	BlocksInUse      uint64
	FreeBlocks       int
	TOCChainLength   int
	BadTOCBlocks     []block.ID
	MismatchedBlocks []block.ID
	BadCRCBlocks     []block.ID
	TypeCounts       map[block.Type]int
}

// Analyze walks every structure in the store — FileHeader, TOC chain,
// per-block CRC, and the TOC-vs-block_type agreement invariant (§8 invariant
// 1) — writing a named-check, pass/fail report to sink in the style of the
// original engine's Tester (see original_source's TOC::analyze), then a
// per-type block histogram. It continues past individual failures rather
// than aborting, and never mutates store bytes; the only side effect is
// refreshing the façade's prometheus gauges. A nil sink discards the report
// text and returns only the Report.
func (s *Store) Analyze(sink io.Writer) Report {
	if sink == nil {
		sink = io.Discard
	}
	r := Report{
		Blocks:         s.pf.BlockCount(),
		FreeBlocks:     s.alloc.FreeCount(),
		TOCChainLength: s.toc.ChainLength(),
		BadTOCBlocks:   s.toc.Verify(),
		TypeCounts:     map[block.Type]int{},
	}

	ok := true
	check := func(name string, pass bool) bool {
		status := "OK"
		if !pass {
			status = "FAIL"
			ok = false
		}
		fmt.Fprintf(sink, "%-48s %s\n", name, status)
		return pass
	}

	fmt.Fprintf(sink, "=== godokvs analyze: %d blocks ===\n", r.Blocks)
	check("file header crc", block.VerifyCRC(s.pf.BlockAt(0)))
	check("toc chain integrity", len(r.BadTOCBlocks) == 0)
	if len(r.BadTOCBlocks) > 0 {
		fmt.Fprintf(sink, "  bad toc blocks: %v\n", r.BadTOCBlocks)
	}

	for id := block.ID(0); id < r.Blocks; id++ {
		raw := s.pf.BlockAt(id)
		if !block.VerifyCRC(raw) {
			r.BadCRCBlocks = append(r.BadCRCBlocks, id)
			continue
		}
		tocType, err := s.toc.LookupType(id)
		if err != nil {
			r.MismatchedBlocks = append(r.MismatchedBlocks, id)
			continue
		}
		actual := block.View(raw).Type()
		if tocType != actual {
			r.MismatchedBlocks = append(r.MismatchedBlocks, id)
		}
	}
	check("per-block crc", len(r.BadCRCBlocks) == 0)
	if len(r.BadCRCBlocks) > 0 {
		fmt.Fprintf(sink, "  bad crc blocks: %v\n", r.BadCRCBlocks)
	}
	check("toc/block_type agreement", len(r.MismatchedBlocks) == 0)
	if len(r.MismatchedBlocks) > 0 {
		fmt.Fprintf(sink, "  mismatched blocks: %v\n", r.MismatchedBlocks)
	}
	check("free list acyclic", func() bool {
		return s.alloc.RebuildShadow() == nil
	}())

	for _, t := range []block.Type{block.Free, block.FileHeader, block.TOC, block.IndexTree, block.IndexLeaf, block.Data} {
		n := len(s.toc.Iterate(t))
		r.TypeCounts[t] = n
		if t != block.Free {
			r.BlocksInUse += uint64(n)
		}
		switch t {
		case block.Free:
			fmt.Fprintf(sink, "#Free %d (%d bytes unused)\n", n, uint64(n)*uint64(s.pf.BlockSize()))
		default:
			fmt.Fprintf(sink, "#%s %d\n", t, n)
		}
	}

	r.OK = ok
	s.met.blocksInUse.Set(float64(r.BlocksInUse))
	s.met.freeBlocks.Set(float64(r.FreeBlocks))
	s.met.tocChainLen.Set(float64(r.TOCChainLength))
	return r
}

// Close flushes outstanding writes and releases the store's file handle and
// lock.
func (s *Store) Close() error {
	if err := s.pf.Sync(); err != nil {
		return errors.Wrap(ErrIoError, err.Error())
	}
	if err := s.pf.Close(); err != nil {
		return errors.Wrap(ErrIoError, err.Error())
	}
	return nil
}

func translateAllocErr(err error) error {
	if errors.Is(err, freelist.ErrExhausted) {
		return errors.Wrap(ErrExhausted, err.Error())
	}
	if errors.Is(err, toc.ErrNotCovered) {
		return errors.Wrap(ErrCorrupt, err.Error())
	}
	if errors.Is(err, index.ErrCorrupt) {
		return errors.Wrap(ErrCorrupt, err.Error())
	}
	return errors.Wrap(ErrIoError, err.Error())
}

var timeNow = func() time.Time { return time.Now() }
var timeSince = func(t time.Time) time.Duration { return time.Since(t) }
