// Package data implements the KVStore's data subsystem: typed value storage
// (Int64, Float64, String, Bytes) inside Data blocks, chained via a
// continuation_block_id when a value's byte stream outgrows one block.
//
// Each value occupies its own chain of Data blocks, one row per block. This
// trades the row-packing density a production engine would want for a much
// simpler, easier-to-get-right allocator interaction: Put always asks the
// allocator for exactly as many fresh blocks as the (possibly compressed)
// byte stream needs, and Get/FreeChain only ever have to follow a single
// linked list. See DESIGN.md for why this was chosen over multi-row packing.
package data

import (
	"encoding/binary"
	"math"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/jmspit/godokvs/block"
	"github.com/jmspit/godokvs/freelist"
	"github.com/jmspit/godokvs/internal/sizeutil"
	"github.com/jmspit/godokvs/pagefile"
)

// Kind is the logical type of a stored value, distinct from block.Type.
type Kind uint8

const (
	KindInt64 Kind = iota
	KindFloat64
	KindString
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindInt64:
		return "Int64"
	case KindFloat64:
		return "Float64"
	case KindString:
		return "String"
	case KindBytes:
		return "Bytes"
	default:
		return "Unknown"
	}
}

// compressedFlag is the top bit of the on-disk type tag byte; when set, the
// chained byte stream is a zstd frame that decompresses to the logical
// value bytes rather than holding them directly. This is an extension over
// the base wire format: it is invisible to callers (Put/Get never expose a
// "compressed" concept) and never applies to Int64/Float64.
const compressedFlag = 0x80

// compressionThreshold is the logical byte length at or above which String
// and Bytes values are zstd-compressed before chaining.
const compressionThreshold = 4096

var (
	// ErrTypeMismatch is returned by the typed Get* helpers when the stored
	// Kind does not match what was asked for.
	ErrTypeMismatch = errors.New("data: stored value has a different type")
)

const (
	dataOffRowCount = block.HeaderSize // 16
	dataOffRows     = dataOffRowCount + 4
	rowDescSize     = 1 + 4 + 4 + 2 + 8 // tag, streamLen, chunkLen, offset, continuation
)

// PayloadCapacity returns how many payload bytes a single Data block can
// hold for its one row, given the fixed header and row-descriptor overhead.
func PayloadCapacity(blockSize uint32) int {
	return int(blockSize) - dataOffRows - rowDescSize
}

type rowView struct{ raw []byte }

func row(raw []byte) rowView { return rowView{raw: raw[dataOffRows : dataOffRows+rowDescSize]} }

func (r rowView) tag() byte            { return r.raw[0] }
func (r rowView) setTag(b byte)        { r.raw[0] = b }
func (r rowView) streamLen() uint32    { return binary.LittleEndian.Uint32(r.raw[1:]) }
func (r rowView) setStreamLen(v uint32) { binary.LittleEndian.PutUint32(r.raw[1:], v) }
func (r rowView) chunkLen() uint32     { return binary.LittleEndian.Uint32(r.raw[5:]) }
func (r rowView) setChunkLen(v uint32) { binary.LittleEndian.PutUint32(r.raw[5:], v) }
func (r rowView) offset() uint16       { return binary.LittleEndian.Uint16(r.raw[9:]) }
func (r rowView) setOffset(v uint16)   { binary.LittleEndian.PutUint16(r.raw[9:], v) }
func (r rowView) continuation() block.ID { return binary.LittleEndian.Uint64(r.raw[11:]) }
func (r rowView) setContinuation(id block.ID) { binary.LittleEndian.PutUint64(r.raw[11:], id) }

func kindOf(tag byte) (Kind, bool) { return Kind(tag &^ compressedFlag), tag&compressedFlag != 0 }

func makeTag(k Kind, compressed bool) byte {
	t := byte(k)
	if compressed {
		t |= compressedFlag
	}
	return t
}

// zstdEncoder/zstdDecoder are stateless and safe for concurrent use; built
// once since construction allocates internal buffers.
var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

func maybeCompress(k Kind, stream []byte) ([]byte, bool) {
	if k != KindString && k != KindBytes {
		return stream, false
	}
	if len(stream) < compressionThreshold {
		return stream, false
	}
	compressed := zstdEncoder.EncodeAll(stream, nil)
	if len(compressed) >= len(stream) {
		return stream, false
	}
	return compressed, true
}

// formatBlock writes a single one-row Data block at id holding chunk, with
// chunkLen/streamLen/tag/continuation set accordingly.
func formatBlock(raw []byte, id block.ID, tag byte, streamLen uint32, chunk []byte, continuation block.ID) {
	block.Init(raw, id, block.Data)
	binary.LittleEndian.PutUint32(raw[dataOffRowCount:], 1)
	r := row(raw)
	r.setTag(tag)
	r.setStreamLen(streamLen)
	r.setChunkLen(uint32(len(chunk)))
	offset := len(raw) - len(chunk)
	r.setOffset(uint16(offset))
	copy(raw[offset:], chunk)
	r.setContinuation(continuation)
	block.SyncCRC(raw)
}

// putStream chains stream across as many freshly-allocated Data blocks as
// needed and returns the head block id. Row is always 0 in this
// implementation (see package doc), but kept as an explicit return to match
// the index subsystem's {data_block, row_id} pointer shape.
func putStream(pf *pagefile.File, alloc *freelist.Allocator, k Kind, stream []byte) (block.ID, uint32, error) {
	actual, compressed := maybeCompress(k, stream)
	capacity := PayloadCapacity(pf.BlockSize())
	if capacity <= 0 {
		return 0, 0, errors.New("data: block size too small to hold any payload")
	}
	n := sizeutil.CeilDiv(uint64(len(actual)), uint64(capacity))
	if n == 0 {
		n = 1
	}
	ids := make([]block.ID, n)
	for i := range ids {
		id, err := alloc.Allocate(block.Data)
		if err != nil {
			for _, prior := range ids[:i] {
				_ = alloc.Free(prior)
			}
			return 0, 0, err
		}
		ids[i] = id
	}
	tag := makeTag(k, compressed)
	for i, id := range ids {
		lo := i * capacity
		hi := lo + capacity
		if hi > len(actual) {
			hi = len(actual)
		}
		var cont block.ID
		if i+1 < len(ids) {
			cont = ids[i+1]
		}
		formatBlock(pf.BlockAt(id), id, tag, uint32(len(actual)), actual[lo:hi], cont)
	}
	return ids[0], 0, nil
}

// readStream walks the continuation chain starting at head, reassembling
// the full (possibly still-compressed) byte stream and returning the Kind
// recorded on the head row.
func readStream(pf *pagefile.File, head block.ID) (Kind, []byte, error) {
	raw := pf.BlockAt(head)
	if !block.VerifyCRC(raw) {
		return 0, nil, errors.Errorf("data: block %d fails crc check", head)
	}
	if block.View(raw).Type() != block.Data {
		return 0, nil, errors.Errorf("data: block %d is not a Data block", head)
	}
	r := row(raw)
	k, compressed := kindOf(r.tag())
	streamLen := r.streamLen()
	stream := make([]byte, 0, streamLen)

	id := head
	for {
		raw := pf.BlockAt(id)
		r := row(raw)
		off := r.offset()
		n := r.chunkLen()
		stream = append(stream, raw[off:int(off)+int(n)]...)
		next := r.continuation()
		if next == 0 {
			break
		}
		id = next
	}
	if uint32(len(stream)) != streamLen {
		return 0, nil, errors.Errorf("data: chain for block %d yielded %d bytes, want %d", head, len(stream), streamLen)
	}
	if compressed {
		out, err := zstdDecoder.DecodeAll(stream, nil)
		if err != nil {
			return 0, nil, errors.Wrapf(err, "data: decompressing chain at block %d", head)
		}
		stream = out
	}
	return k, stream, nil
}

// Put stores raw as a value of kind k and returns its {data_block, row}
// pointer.
func Put(pf *pagefile.File, alloc *freelist.Allocator, k Kind, raw []byte) (block.ID, uint32, error) {
	return putStream(pf, alloc, k, raw)
}

// PutInt64 stores v and returns its pointer.
func PutInt64(pf *pagefile.File, alloc *freelist.Allocator, v int64) (block.ID, uint32, error) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return putStream(pf, alloc, KindInt64, b[:])
}

// PutFloat64 stores v and returns its pointer.
func PutFloat64(pf *pagefile.File, alloc *freelist.Allocator, v float64) (block.ID, uint32, error) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	return putStream(pf, alloc, KindFloat64, b[:])
}

// Get returns the Kind and raw byte stream stored at (head, row). row is
// unused (always 0) but accepted for symmetry with the index pointer shape.
func Get(pf *pagefile.File, head block.ID, row uint32) (Kind, []byte, error) {
	return readStream(pf, head)
}

// GetInt64 reads the value at (head, row), failing with ErrTypeMismatch if
// it is not an Int64.
func GetInt64(pf *pagefile.File, head block.ID, row uint32) (int64, error) {
	k, raw, err := readStream(pf, head)
	if err != nil {
		return 0, err
	}
	if k != KindInt64 {
		return 0, errors.Wrapf(ErrTypeMismatch, "wanted Int64, stored %s", k)
	}
	return int64(binary.LittleEndian.Uint64(raw)), nil
}

// GetFloat64 reads the value at (head, row), failing with ErrTypeMismatch if
// it is not a Float64.
func GetFloat64(pf *pagefile.File, head block.ID, row uint32) (float64, error) {
	k, raw, err := readStream(pf, head)
	if err != nil {
		return 0, err
	}
	if k != KindFloat64 {
		return 0, errors.Wrapf(ErrTypeMismatch, "wanted Float64, stored %s", k)
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(raw)), nil
}

// FreeChain releases every block in the chain rooted at head back to the
// allocator.
func FreeChain(pf *pagefile.File, alloc *freelist.Allocator, head block.ID, row uint32) error {
	id := head
	for id != 0 {
		raw := pf.BlockAt(id)
		next := row(raw).continuation()
		if err := alloc.Free(id); err != nil {
			return err
		}
		id = next
	}
	return nil
}

// Overwrite frees the existing chain at (head, row) and stores raw as a
// fresh chain, returning its new pointer. Storage-layer overwrite is always
// free-then-put; the index subsystem is responsible for repointing the
// owning key's leaf entry to the returned pointer.
func Overwrite(pf *pagefile.File, alloc *freelist.Allocator, head block.ID, row uint32, k Kind, raw []byte) (block.ID, uint32, error) {
	if err := FreeChain(pf, alloc, head, row); err != nil {
		return 0, 0, err
	}
	return putStream(pf, alloc, k, raw)
}
