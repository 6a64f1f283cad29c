package godokvs

import "github.com/pkg/errors"

// The store's error taxonomy. Every exported operation fails with one of
// these sentinels (wrapped with context via github.com/pkg/errors, so
// errors.Is/errors.As still see through to the sentinel).
var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("godokvs: key not found")
	// ErrAlreadyExists is returned by Insert when the key is already present.
	ErrAlreadyExists = errors.New("godokvs: key already exists")
	// ErrTypeMismatch is returned when a typed accessor is used against a
	// key whose stored value has a different type.
	ErrTypeMismatch = errors.New("godokvs: stored value has a different type")
	// ErrKeyTooLarge is returned when a key exceeds the store's maximum key
	// length.
	ErrKeyTooLarge = errors.New("godokvs: key too large")
	// ErrExhausted is returned when the allocator could not satisfy a block
	// request.
	ErrExhausted = errors.New("godokvs: store exhausted")
	// ErrBadMagic is returned by Open when the file's magic number does not
	// match.
	ErrBadMagic = errors.New("godokvs: bad file magic")
	// ErrVersionMismatch is returned by Open when the file's format version
	// is not one this build understands.
	ErrVersionMismatch = errors.New("godokvs: file format version mismatch")
	// ErrCorrupt is returned when on-disk structures fail a consistency
	// check (bad CRC, broken chain, coverage mismatch, ...).
	ErrCorrupt = errors.New("godokvs: corrupt store")
	// ErrIoError wraps failures from the underlying filesystem/mmap layer.
	ErrIoError = errors.New("godokvs: i/o error")
	// ErrInvalidArgument is returned for malformed caller input (empty key,
	// unsupported value type, ...).
	ErrInvalidArgument = errors.New("godokvs: invalid argument")
)
