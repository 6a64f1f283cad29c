package godokvs

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jmspit/godokvs/pagefile"
)

// Options configures Init and Open. It is a plain struct, not a
// YAML/file-based configuration scaffold — loading it from a config file is
// the caller's concern, not this package's.
type Options struct {
	// BlockSize is the fixed size, in bytes, of every block in the file.
	// Defaults to the OS page size. Only meaningful at Init; Open reads the
	// size that Init already committed from the FileHeader.
	BlockSize uint32
	// MinBlocks is the implementation floor on the file's block count.
	// Defaults to pagefile.MinBlocks.
	MinBlocks uint64
	// MinSizeBytes is the minimum file size, in bytes, Init should
	// pre-allocate. It is clamped up to MinBlocks*BlockSize, never rejected
	// — including a zero value, which simply selects the floor.
	MinSizeBytes uint64
	// Lock, when true, takes an advisory exclusive flock on the file for the
	// lifetime of the store. The bare zero value of Options leaves this
	// false (plain Go bool-zero-value semantics); call DefaultOptions for
	// the store's recommended defaults, which enable it.
	Lock bool
	// Logger receives structured diagnostic events. A nil Logger means
	// zap.NewNop() — silence, not a panic.
	Logger *zap.Logger
	// MetricsRegisterer, if non-nil, receives the store's prometheus
	// collectors. A nil value means metrics are created but never
	// registered with a global registry (constructor-scoped only).
	MetricsRegisterer prometheus.Registerer
}

// DefaultOptions returns the store's recommended Options: page-sized blocks,
// pagefile.MinBlocks floor, locking enabled, a no-op logger, no metrics
// registration. Init and Open use the Options exactly as passed; a zero
// value gets the same block size, floor, logger and metrics, but no lock.
func DefaultOptions() Options {
	return Options{Lock: true}
}

func (o Options) pagefileConfig() pagefile.Config {
	return pagefile.Config{
		BlockSize:    o.BlockSize,
		MinBlocks:    o.MinBlocks,
		MinSizeBytes: o.MinSizeBytes,
		Lock:         o.Lock,
		Logger:       o.logger(),
	}
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}
