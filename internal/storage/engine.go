package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EngineState is the engine's lifecycle, which only ever moves forward:
// Init -> Started -> Stopping -> Stopped. No state is ever revisited.
type EngineState int32

const (
	StateInit EngineState = iota
	StateStarted
	StateStopping
	StateStopped
)

func (s EngineState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	identityFileName         = "IDENTITY"
	identityOverrideFileName = "OVERRIDEIDENTITY"
	defaultGCIntervalSec     = 300
)

// Engine is the facade over every other component: namespace registry, WAL,
// compaction scheduler, checkpoint manager and cache, identity, and the
// periodic checkpoint GC loop.
type Engine struct {
	opts Options

	state atomic.Int32

	namespaces *namespaceRegistry
	wal        *WAL

	scheduler       *compactionScheduler
	checkpoints     *checkpointManager
	checkpointCache *checkpointCache

	metrics *Metrics
	log     zerolog.Logger

	identity   string
	identityMu sync.RWMutex

	gcStop chan struct{}
	gcWG   sync.WaitGroup
}

// NewEngine constructs an Engine in StateInit: directories and in-memory
// structures are ready, but no background loop has started and no
// namespace has been recovered yet. Call Start to bring it up.
func NewEngine(opts Options) (*Engine, error) {
	if opts.DataRoot == "" {
		return nil, fmt.Errorf("storage: DataRoot is required")
	}
	if opts.CheckpointRoot == "" {
		opts.CheckpointRoot = filepath.Join(opts.DataRoot, "checkpoints")
	}
	if opts.GCIntervalSec <= 0 {
		opts.GCIntervalSec = defaultGCIntervalSec
	}

	if err := os.MkdirAll(opts.DataRoot, 0755); err != nil {
		return nil, fmt.Errorf("storage: failed to create data root: %w", err)
	}

	log := newLogger("engine")
	if opts.Logger != nil {
		log = *opts.Logger
	}

	wal, err := NewWAL(filepath.Join(opts.DataRoot, "wal"))
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open WAL: %w", err)
	}

	checkpoints, err := newCheckpointManager(opts.CheckpointRoot)
	if err != nil {
		wal.Close()
		return nil, fmt.Errorf("storage: failed to open checkpoint manager: %w", err)
	}

	e := &Engine{
		opts:            opts,
		namespaces:      newNamespaceRegistry(),
		wal:             wal,
		checkpoints:     checkpoints,
		checkpointCache: newCheckpointCache(opts.CheckpointCacheTTL),
		metrics:         NewMetrics(),
		log:             log,
		gcStop:          make(chan struct{}),
	}
	e.scheduler = newCompactionScheduler(e.compactWork, log)
	e.state.Store(int32(StateInit))

	return e, nil
}

// Start transitions the engine from Init to Started: it loads or creates
// the engine's identity, recovers every namespace already present on disk,
// replays the WAL into each, and starts the checkpoint GC loop.
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(StateInit), int32(StateStarted)) {
		return fmt.Errorf("storage: Start called from state %s", EngineState(e.state.Load()))
	}

	id, err := e.loadOrCreateIdentity()
	if err != nil {
		return identityUnreadableError("Engine.Start", err)
	}
	e.identityMu.Lock()
	e.identity = id
	e.identityMu.Unlock()

	if err := e.recoverNamespaces(); err != nil {
		return engineFailure("Engine.Start", err)
	}

	// default always exists, even on a brand-new engine with no writes yet.
	if _, err := e.namespaceFor(DefaultNamespace); err != nil {
		return err
	}

	e.gcWG.Add(1)
	go e.gcLoop()

	return nil
}

func (e *Engine) loadOrCreateIdentity() (string, error) {
	overridePath := filepath.Join(e.opts.DataRoot, identityOverrideFileName)
	if data, err := os.ReadFile(overridePath); err == nil {
		line := strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])
		if line != "" {
			return line, nil
		}
	}

	path := filepath.Join(e.opts.DataRoot, identityFileName)
	if data, err := os.ReadFile(path); err == nil {
		line := strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])
		if line != "" {
			return line, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		return "", err
	}
	return id, nil
}

// ID returns the engine's persisted identity. Start must have already run.
func (e *Engine) ID() string {
	e.identityMu.RLock()
	defer e.identityMu.RUnlock()
	return e.identity
}

func (e *Engine) recoverNamespaces() error {
	entries, err := os.ReadDir(e.opts.DataRoot)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == "wal" || name == "checkpoints" {
			continue
		}
		if _, err := e.namespaceFor(name); err != nil {
			return err
		}
	}

	return e.wal.Replay(func(entry WALEntry) error {
		ns, err := e.namespaceFor(entry.Namespace)
		if err != nil {
			return err
		}
		ns.tree.applyReplayed(entry)
		return nil
	})
}

// namespaceFor returns the namespace's state, creating its leaf store and
// key-range tracker on first reference.
func (e *Engine) namespaceFor(name string) (*namespaceState, error) {
	if EngineState(e.state.Load()) != StateStarted {
		return nil, notStartedError("Engine.namespaceFor")
	}

	var creationErr error
	ns := e.namespaces.getOrCreate(name, func() *namespaceState {
		tree, err := newLSMTree(filepath.Join(e.opts.DataRoot, name), name, e.wal, e.opts.MemtableMaxBytes, e.opts.DisableWAL)
		if err != nil {
			creationErr = err
			return &namespaceState{name: name}
		}
		return &namespaceState{
			name:   name,
			tree:   tree,
			ranges: newKeyRangeTracker(name, e.scheduler, e.opts.CompactMinTombstoneKeys, e.opts.CompactTombstonePercent),
		}
	})
	if creationErr != nil {
		return nil, engineFailure("Engine.namespaceFor", creationErr)
	}
	return ns, nil
}

// Put is a convenience single-key write against namespace ns.
func (e *Engine) Put(ctx context.Context, ns string, key, value []byte) error {
	b := e.NewBatch(ns)
	if err := b.Put(key, value); err != nil {
		return err
	}
	return b.end(ctx)
}

// Get reads a single key from namespace ns.
func (e *Engine) Get(ctx context.Context, ns string, key []byte) ([]byte, bool, error) {
	n, err := e.namespaceFor(ns)
	if err != nil {
		return nil, false, err
	}
	value, ok, err := n.tree.get(key)
	if err != nil {
		return nil, false, engineFailure("Engine.Get", err)
	}
	return value, ok, nil
}

// Delete removes a single key from namespace ns.
func (e *Engine) Delete(ctx context.Context, ns string, key []byte) error {
	b := e.NewBatch(ns)
	if err := b.Delete(key); err != nil {
		return err
	}
	return b.end(ctx)
}

// ClearRange deletes every key in [start, end) within namespace ns as a
// single atomic unit.
func (e *Engine) ClearRange(ctx context.Context, ns string, start, end []byte) error {
	b := e.NewBatch(ns)
	if err := b.DeleteRange(start, end); err != nil {
		return err
	}
	return b.end(ctx)
}

// NewKeyRange registers a new logical cursor over [start, end) in namespace
// ns: a caller-owned handle the write path folds matching mutations into for
// compaction-hint statistics. An empty start or end means unbounded on that
// side. Many Ranges may overlap the same namespace, even the same span --
// they are statistics and compaction hints, not partitions of storage.
func (e *Engine) NewKeyRange(ns string, start, end []byte) (*Range, error) {
	n, err := e.namespaceFor(ns)
	if err != nil {
		return nil, err
	}
	s, en := LowerBound(start), UpperBound(end)
	id := uuid.NewString()
	n.ranges.register(id, s, en)
	return &Range{id: id, namespace: ns, start: s, end: en}, nil
}

// NewBatch starts a write batch against namespace ns. Callers must call
// either Commit or Abort on the returned batch.
func (e *Engine) NewBatch(ns string) *WriteBatch {
	return newWriteBatch(e, ns)
}

// Commit finalizes batch b, applying every staged mutation atomically.
func (e *Engine) Commit(ctx context.Context, b *WriteBatch) error {
	return b.end(ctx)
}

// Abort discards batch b without applying any of its staged mutations.
func (e *Engine) Abort(b *WriteBatch) {
	b.abort()
}

// NewIterator returns a latency-sampling iterator over [start, end) in
// namespace ns. An empty start or end means unbounded on that side.
func (e *Engine) NewIterator(ns string, start, end []byte) (*Iterator, error) {
	n, err := e.namespaceFor(ns)
	if err != nil {
		return nil, err
	}
	return newIterator(n.tree, e.scheduler, e.metrics, ns, LowerBound(start), UpperBound(end), e.opts.SlowSeekThreshold), nil
}

// Namespaces returns every known namespace, default first.
func (e *Engine) Namespaces() []string {
	return e.namespaces.names()
}

// RunCompaction synchronously compacts [start, end) in namespace ns,
// bypassing the hint queue — the caller-triggered escape hatch distinct
// from the automatic hint-driven path.
func (e *Engine) RunCompaction(ctx context.Context, ns string, start, end []byte) error {
	if EngineState(e.state.Load()) != StateStarted {
		return notStartedError("Engine.RunCompaction")
	}
	return e.scheduler.submitManual(ctx, ns, LowerBound(start), UpperBound(end))
}

// compactWork is the scheduler's work function: it resolves the namespace
// and delegates to its leaf store.
func (e *Engine) compactWork(ctx context.Context, ns string, start, end Bound) error {
	started := time.Now()
	n, err := e.namespaceFor(ns)
	if err != nil {
		return err
	}
	err = n.tree.compactRange(ctx, start, end)
	e.metrics.observeCompactionDuration(time.Since(started))
	return err
}

// CreateCheckpoint flushes and snapshots every known namespace's leaf store
// and returns the new checkpoint's id.
func (e *Engine) CreateCheckpoint(ctx context.Context) (string, error) {
	if EngineState(e.state.Load()) != StateStarted {
		return "", notStartedError("Engine.CreateCheckpoint")
	}
	return e.checkpoints.create(ctx, e.namespaces.all())
}

// ListCheckpoints returns every checkpoint currently on disk.
func (e *Engine) ListCheckpoints() ([]CheckpointMetadata, error) {
	return e.checkpoints.list()
}

// OpenCheckpoint returns a cached, already-opened read-only view of
// checkpoint id, opening it (mmapping its blocks) on first access.
func (e *Engine) OpenCheckpoint(id string) (*Checkpoint, error) {
	if !e.checkpoints.exists(id) {
		return nil, checkpointNotFoundError("Engine.OpenCheckpoint", id)
	}
	oc, err := e.checkpointCache.get(id, e.checkpoints.path(id))
	if err != nil {
		return nil, ioFailure("Engine.OpenCheckpoint", err)
	}
	return &Checkpoint{oc: oc}, nil
}

// DeleteCheckpoint removes a checkpoint directory and evicts any cached
// open view of it.
func (e *Engine) DeleteCheckpoint(id string) error {
	e.checkpointCache.invalidate(id)
	if err := e.checkpoints.remove(id); err != nil {
		return ioFailure("Engine.DeleteCheckpoint", err)
	}
	return nil
}

// gcLoop periodically removes checkpoints older than half the GC interval
// that the caller-supplied CheckpointCheck reports as no longer referenced
// (or every such checkpoint, if no check was supplied).
func (e *Engine) gcLoop() {
	defer e.gcWG.Done()

	interval := time.Duration(e.opts.GCIntervalSec) * time.Second
	minAge := interval / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.gcStop:
			return
		case <-ticker.C:
			e.runGCPass(minAge)
		}
	}
}

// RunGC triggers one checkpoint GC pass synchronously, outside the periodic
// loop's own ticker — the manual escape hatch mirroring RunCompaction.
func (e *Engine) RunGC() error {
	if EngineState(e.state.Load()) != StateStarted {
		return notStartedError("Engine.RunGC")
	}
	interval := time.Duration(e.opts.GCIntervalSec) * time.Second
	e.runGCPass(interval / 2)
	return nil
}

func (e *Engine) runGCPass(minAge time.Duration) {
	checkpoints, err := e.checkpoints.list()
	if err != nil {
		e.log.Warn().Err(err).Msg("checkpoint GC: failed to list checkpoints")
		return
	}

	now := time.Now()
	for _, cp := range checkpoints {
		createdAt := time.Unix(0, cp.CreatedAt)
		if now.Sub(createdAt) < minAge {
			continue
		}
		if e.opts.CheckpointCheck != nil && e.opts.CheckpointCheck(cp.ID, createdAt) {
			continue
		}

		e.checkpointCache.invalidate(cp.ID)
		err := retry.Do(func() error {
			return e.checkpoints.remove(cp.ID)
		}, retry.Attempts(3), retry.Delay(100*time.Millisecond))
		if err != nil {
			e.log.Warn().Err(err).Str("checkpoint", cp.ID).Msg("checkpoint GC: failed to remove checkpoint")
		}
	}
}

// EngineStats summarizes engine-wide state for the stats CLI/observability
// surface.
type EngineStats struct {
	Identity        string
	State           string
	Namespaces      []NamespaceStats
	CompactionStats CompactionStats
}

// NamespaceStats summarizes one namespace's leaf-store footprint.
type NamespaceStats struct {
	Name          string
	ApproxSize    int64
	BlockCount    int
}

// Stats returns a point-in-time snapshot of engine state, also updating the
// disk-usage and memtable-size gauges.
func (e *Engine) Stats() EngineStats {
	stats := EngineStats{
		Identity:        e.ID(),
		State:           EngineState(e.state.Load()).String(),
		CompactionStats: e.scheduler.snapshotStats(),
	}

	for _, ns := range e.namespaces.all() {
		if ns.tree == nil {
			continue
		}
		size := ns.tree.approximateSize()
		e.metrics.setDiskUsage(ns.name, size)
		e.metrics.setMemtableBytes(ns.name, ns.tree.memSize)
		stats.Namespaces = append(stats.Namespaces, NamespaceStats{
			Name:       ns.name,
			ApproxSize: size,
			BlockCount: ns.tree.blockCount(),
		})
	}

	return stats
}

// Metrics returns the engine's observability registry.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// Stop transitions the engine through Stopping to Stopped: the checkpoint
// GC loop and compaction scheduler are stopped, and the WAL is closed. A
// failed in-flight compaction during shutdown is logged and swallowed
// rather than returned, since there's no longer a caller to hand the error
// to.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(StateStarted), int32(StateStopping)) {
		return fmt.Errorf("storage: Stop called from state %s", EngineState(e.state.Load()))
	}

	close(e.gcStop)
	e.gcWG.Wait()

	e.scheduler.close()
	e.checkpointCache.invalidateAll()

	if err := e.wal.Close(); err != nil {
		e.log.Warn().Err(err).Msg("error closing WAL during shutdown")
	}

	e.state.Store(int32(StateStopped))
	return nil
}
