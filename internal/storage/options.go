package storage

import (
	"time"

	"github.com/rs/zerolog"
)

// Options configures an Engine. Every field has a documented default applied
// by NewEngine when left zero, so callers only need to set what they want to
// override.
type Options struct {
	// DataRoot is where namespace leaf stores and the WAL live. Required.
	DataRoot string

	// CheckpointRoot is where checkpoint directories are created. Defaults
	// to DataRoot/checkpoints.
	CheckpointRoot string

	// DisableWAL skips WAL append on every mutation. Faster, at the cost of
	// losing unflushed memtable contents across a crash.
	DisableWAL bool

	// MemtableMaxBytes is the per-namespace memtable size that triggers a
	// flush to L0. Defaults to 32MiB.
	MemtableMaxBytes int64

	// CheckpointCacheTTL is how long an opened checkpoint view stays cached
	// after its last access. Defaults to 10 minutes.
	CheckpointCacheTTL time.Duration

	// GCIntervalSec is how often the checkpoint GC loop runs. Defaults to
	// 300 seconds. Checkpoints younger than half this interval are never
	// collected, regardless of CheckpointCheck.
	GCIntervalSec int64

	// CheckpointCheck, if set, is consulted during GC for every checkpoint
	// older than the minimum age and reports whether it is still referenced:
	// returning true keeps it, returning false lets GC remove it. With a nil
	// CheckpointCheck, GC removes every checkpoint past the minimum age.
	CheckpointCheck func(id string, createdAt time.Time) bool

	// CompactMinTombstoneKeys and CompactTombstonePercent override the
	// compaction-trigger formula's defaults (200000 keys, 30%).
	CompactMinTombstoneKeys uint64
	CompactTombstonePercent float64

	// SlowSeekThreshold overrides the default 10ms smoothed-average seek
	// latency that triggers a compaction hint from an iterator.
	SlowSeekThreshold time.Duration

	// Logger, if set, replaces the engine's default console logger.
	Logger *zerolog.Logger
}
