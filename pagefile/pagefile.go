// Package pagefile opens or creates the KVStore's backing file, memory-maps
// it in whole-block multiples, and hands out bounds-checked block slices.
// It owns the mapping, the file descriptor and (optionally) an advisory
// exclusive lock for the lifetime of the store.
package pagefile

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	mmap "github.com/edsrzf/mmap-go"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/jmspit/godokvs/block"
	"github.com/jmspit/godokvs/internal/sizeutil"
)

// MinBlocks is the implementation-constant floor on a store's block count,
// regardless of the min_size_bytes a caller requests at Init.
const MinBlocks = 8

// ErrNotExist is returned by Open when path does not exist, distinguishing
// that case from a generic I/O failure opening a file that is present.
var ErrNotExist = errors.New("pagefile: file does not exist")

// Config carries the knobs File needs; it is the pagefile-local projection
// of the façade's Options so this package never has to import the root
// godokvs package.
type Config struct {
	BlockSize    uint32
	MinBlocks    uint64
	MinSizeBytes uint64
	Lock         bool
	Logger       *zap.Logger
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c Config) blockSize() uint32 {
	if c.BlockSize == 0 {
		return uint32(os.Getpagesize())
	}
	return c.BlockSize
}

func (c Config) minBlocks() uint64 {
	if c.MinBlocks == 0 {
		return MinBlocks
	}
	return sizeutil.ClampMin(c.MinBlocks, MinBlocks)
}

// File is the memory-mapped backing store. It is not safe for concurrent
// use from multiple goroutines without external synchronization (§5 of the
// store's concurrency model).
type File struct {
	path      string
	f         *os.File
	lock      *flock.Flock
	mapping   mmap.MMap
	blockSize uint32
	blocks    uint64
	log       *zap.Logger
}

// Open opens an existing store file, maps its full length, and returns the
// File positioned to read its FileHeader. It does not itself validate the
// header — that is the façade's job once it can interpret block 0.
func Open(path string, cfg Config) (*File, error) {
	log := cfg.logger()
	var lk *flock.Flock
	if cfg.Lock {
		lk = flock.New(path + ".lock")
		ok, err := lk.TryLock()
		if err != nil {
			return nil, errors.Wrapf(err, "pagefile: locking %s", path)
		}
		if !ok {
			return nil, errors.Errorf("pagefile: %s is already locked by another process", path)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0o600)
	if err != nil {
		if lk != nil {
			_ = lk.Unlock()
		}
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotExist, "pagefile: opening %s", path)
		}
		return nil, errors.Wrapf(err, "pagefile: opening %s", path)
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		if lk != nil {
			_ = lk.Unlock()
		}
		return nil, errors.Wrapf(err, "pagefile: statting %s", path)
	}
	blockSize := cfg.blockSize()
	blocks := uint64(st.Size()) / uint64(blockSize)

	m, err := mmap.MapRegion(f, int(st.Size()), mmap.RDWR, 0, 0)
	if err != nil {
		_ = f.Close()
		if lk != nil {
			_ = lk.Unlock()
		}
		return nil, errors.Wrapf(err, "pagefile: mmap %s", path)
	}

	log.Debug("pagefile opened",
		zap.String("path", path),
		zap.Uint64("blocks", blocks),
		zap.String("size", datasize.ByteSize(st.Size()).HumanReadable()))

	return &File{path: path, f: f, lock: lk, mapping: m, blockSize: blockSize, blocks: blocks, log: log}, nil
}

// Init creates (truncating if it exists) a new store file sized to at least
// minSizeBytes and minBlocks, memory-maps it, and zeroes every block except
// block 0 and block 1 (which the caller — the façade — initializes as the
// FileHeader and the first TOC block immediately after Init returns).
func Init(path string, cfg Config) (*File, error) {
	log := cfg.logger()
	var lk *flock.Flock
	if cfg.Lock {
		lk = flock.New(path + ".lock")
		ok, err := lk.TryLock()
		if err != nil {
			return nil, errors.Wrapf(err, "pagefile: locking %s", path)
		}
		if !ok {
			return nil, errors.Errorf("pagefile: %s is already locked by another process", path)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_SYNC, 0o600)
	if err != nil {
		if lk != nil {
			_ = lk.Unlock()
		}
		return nil, errors.Wrapf(err, "pagefile: creating %s", path)
	}

	blockSize := cfg.blockSize()
	minBlocks := cfg.minBlocks()
	wantBlocks := sizeutil.CeilDiv(cfg.MinSizeBytes, uint64(blockSize))
	blocks := sizeutil.ClampMin(wantBlocks, minBlocks)
	size, overflow := sizeutil.SafeMul(blocks, uint64(blockSize))
	if overflow {
		_ = f.Close()
		if lk != nil {
			_ = lk.Unlock()
		}
		return nil, errors.Errorf("pagefile: requested size overflows: %d blocks * %d bytes", blocks, blockSize)
	}

	if _, err := f.WriteAt([]byte{0}, int64(size)-1); err != nil {
		_ = f.Close()
		if lk != nil {
			_ = lk.Unlock()
		}
		return nil, errors.Wrapf(err, "pagefile: sizing %s to %d bytes", path, size)
	}

	m, err := mmap.MapRegion(f, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		_ = f.Close()
		if lk != nil {
			_ = lk.Unlock()
		}
		return nil, errors.Wrapf(err, "pagefile: mmap %s", path)
	}

	pf := &File{path: path, f: f, lock: lk, mapping: m, blockSize: blockSize, blocks: blocks, log: log}

	for b := block.ID(2); b < blocks; b++ {
		block.Init(pf.BlockAt(b), b, block.Free)
		block.SyncCRC(pf.BlockAt(b))
	}

	log.Info("pagefile initialized",
		zap.String("path", path),
		zap.Uint64("blocks", blocks),
		zap.String("size", datasize.ByteSize(size).HumanReadable()))

	return pf, nil
}

// BlockAt returns the slice backing block id. Callers outside [0, BlockCount)
// have a bug — this panics rather than returning an error, matching the
// spec's "programmer error" designation for out-of-range access.
func (f *File) BlockAt(id block.ID) []byte {
	if id >= f.blocks {
		panic(fmt.Sprintf("pagefile: block id %d out of range [0,%d)", id, f.blocks))
	}
	lo := id * uint64(f.blockSize)
	hi := lo + uint64(f.blockSize)
	return f.mapping[lo:hi:hi]
}

// BlockCount returns the number of blocks currently mapped.
func (f *File) BlockCount() uint64 { return f.blocks }

// BlockSize returns the configured block size in bytes.
func (f *File) BlockSize() uint32 { return f.blockSize }

// Grow extends the file (and remaps it) to hold at least newBlocks blocks,
// zeroing the newly added blocks as Free. It is used by the allocator's
// grow-by-doubling policy (§4.3).
func (f *File) Grow(newBlocks uint64) error {
	if newBlocks <= f.blocks {
		return nil
	}
	newSize, overflow := sizeutil.SafeMul(newBlocks, uint64(f.blockSize))
	if overflow {
		return errors.Errorf("pagefile: grow to %d blocks overflows", newBlocks)
	}
	if err := f.mapping.Unmap(); err != nil {
		return errors.Wrap(err, "pagefile: unmapping for grow")
	}
	if _, err := f.f.WriteAt([]byte{0}, int64(newSize)-1); err != nil {
		return errors.Wrapf(err, "pagefile: growing %s to %d bytes", f.path, newSize)
	}
	m, err := mmap.MapRegion(f.f, int(newSize), mmap.RDWR, 0, 0)
	if err != nil {
		return errors.Wrap(err, "pagefile: remapping after grow")
	}
	f.mapping = m
	oldBlocks := f.blocks
	f.blocks = newBlocks
	for b := oldBlocks; b < newBlocks; b++ {
		block.Init(f.BlockAt(b), b, block.Free)
		block.SyncCRC(f.BlockAt(b))
	}
	f.log.Info("pagefile grown", zap.Uint64("from_blocks", oldBlocks), zap.Uint64("to_blocks", newBlocks))
	return nil
}

// Sync forces all dirty pages to durable storage synchronously.
func (f *File) Sync() error {
	if err := f.mapping.Flush(); err != nil {
		return errors.Wrapf(err, "pagefile: syncing %s", f.path)
	}
	return nil
}

// Close unmaps the file, releases the advisory lock, and closes the
// descriptor. Any mutation not previously synced is lost, by design (§5).
func (f *File) Close() error {
	var firstErr error
	if err := f.mapping.Unmap(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "pagefile: unmap")
	}
	if err := f.f.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "pagefile: close")
	}
	if f.lock != nil {
		if err := f.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "pagefile: unlock")
		}
	}
	return firstErr
}

// Path returns the filesystem path the File was opened/created from.
func (f *File) Path() string { return f.path }
