package lsm

import "log"

// Compression selects the codec used to compress data blocks before they
// are written to an SSTable.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionSnappy
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	default:
		return "none"
	}
}

// WALSync selects how aggressively the write-ahead log is flushed to
// stable storage.
type WALSync int

const (
	// WALSyncNever never calls fsync; only a clean process exit or a flush
	// guarantees durability.
	WALSyncNever WALSync = iota
	// WALSyncBatch fsyncs once per write-mutex critical section. Each
	// Put/Delete holds the write mutex for its own append and sync, so every
	// write still pays one fsync; concurrent writers are not coalesced.
	WALSyncBatch
	// WALSyncPerWrite fsyncs after every Put/Delete.
	WALSyncPerWrite
)

// Options configures an Engine. DefaultOptions returns a usable baseline;
// callers override individual fields.
type Options struct {
	// MemTableSizeLimit is the approximate encoded-byte threshold at which
	// the active memtable is rotated to immutable and queued for flush.
	MemTableSizeLimit int

	// MaxImmutableMemtables bounds the immutable queue; writers block once
	// it is full (backpressure) until a flush drains a slot.
	MaxImmutableMemtables int

	// L0CompactionTrigger is the L0 file count at which L0->L1 compaction
	// is scheduled.
	L0CompactionTrigger int

	// LevelSizeBase is the target size of L1 in bytes; L(i+1)'s target is
	// LevelSizeBase * LevelSizeMultiplier^i.
	LevelSizeBase int64

	// LevelSizeMultiplier is the per-level size growth ratio.
	LevelSizeMultiplier float64

	// TargetFileSize bounds the size of a single compaction output SSTable.
	TargetFileSize int64

	// BlockSize is the target size of an SST data block before compression.
	BlockSize int

	// RestartInterval is the number of entries between block restart
	// points (full keys, no prefix compression).
	RestartInterval int

	// BlockCacheCapacityBytes sizes the shared block cache.
	BlockCacheCapacityBytes int64

	// Compression selects the data block codec.
	Compression Compression

	// BloomBitsPerKey sizes the per-SSTable bloom filter; 0 disables
	// filters entirely.
	BloomBitsPerKey float64

	// WALSync selects the fsync policy for the write-ahead log.
	WALSync WALSync

	// CompactionThreads bounds the number of concurrent compaction jobs.
	CompactionThreads int

	// MaxDiskBytes caps the total size of live SSTables; once a flushed
	// SSTable would push the engine over this budget the new file is
	// removed and the flush fails with an error wrapping
	// common.ErrDiskFull. 0 means unlimited.
	MaxDiskBytes int64

	// Logger receives diagnostic messages; defaults to log.Default().
	Logger *log.Logger
}

// DefaultOptions returns the baseline configuration. withDefaults uses it
// for the fields it fills in when the caller leaves them zero-valued.
func DefaultOptions() Options {
	return Options{
		MemTableSizeLimit:       4 * 1024 * 1024,
		MaxImmutableMemtables:   4,
		L0CompactionTrigger:     4,
		LevelSizeBase:           64 * 1024 * 1024,
		LevelSizeMultiplier:     10,
		TargetFileSize:          16 * 1024 * 1024,
		BlockSize:               16 * 1024,
		RestartInterval:         16,
		BlockCacheCapacityBytes: 64 * 1024 * 1024,
		Compression:             CompressionSnappy,
		BloomBitsPerKey:         10,
		WALSync:                 WALSyncBatch,
		CompactionThreads:       2,
		Logger:                  log.Default(),
	}
}

// withDefaults fills zero-valued size, count and logger fields of o with
// DefaultOptions, so a caller-supplied Options{MemTableSizeLimit: 1024}
// still gets sane values for them. Compression, BloomBitsPerKey, WALSync
// and MaxDiskBytes are left as given, since zero is a valid setting for
// each (no compression, no bloom filters, no fsync, no disk limit).
func withDefaults(o Options) Options {
	d := DefaultOptions()
	if o.MemTableSizeLimit <= 0 {
		o.MemTableSizeLimit = d.MemTableSizeLimit
	}
	if o.MaxImmutableMemtables <= 0 {
		o.MaxImmutableMemtables = d.MaxImmutableMemtables
	}
	if o.L0CompactionTrigger <= 0 {
		o.L0CompactionTrigger = d.L0CompactionTrigger
	}
	if o.LevelSizeBase <= 0 {
		o.LevelSizeBase = d.LevelSizeBase
	}
	if o.LevelSizeMultiplier <= 0 {
		o.LevelSizeMultiplier = d.LevelSizeMultiplier
	}
	if o.TargetFileSize <= 0 {
		o.TargetFileSize = d.TargetFileSize
	}
	if o.BlockSize <= 0 {
		o.BlockSize = d.BlockSize
	}
	if o.RestartInterval <= 0 {
		o.RestartInterval = d.RestartInterval
	}
	if o.BlockCacheCapacityBytes <= 0 {
		o.BlockCacheCapacityBytes = d.BlockCacheCapacityBytes
	}
	if o.CompactionThreads <= 0 {
		o.CompactionThreads = d.CompactionThreads
	}
	if o.Logger == nil {
		o.Logger = d.Logger
	}
	return o
}
