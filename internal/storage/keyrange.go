package storage

import (
	"bytes"
	"sync"
)

// Default thresholds for the compaction-trigger formula (§4.2): a range is
// hinted for compaction once it has accumulated more than minTombstoneKeys
// tombstoned keys AND those tombstones make up at least tombstonePercent of
// the range's total recorded point mutations, or once it has seen any
// range-delete at all.
const (
	defaultMinTombstoneKeys = 200000
	defaultTombstonePercent = 0.3
)

// keyRange is one caller-registered logical cursor: a half-open [start, end)
// span with the mutation counters the trigger formula reads. Many keyRanges
// may overlap the same namespace, even the same span — they are statistics
// and compaction hints, not partitions of storage.
type keyRange struct {
	id    string
	start Bound
	end   Bound

	putCount         uint64
	tombstoneCount   uint64
	deleteRangeCount uint64
}

// shouldCompact applies the compaction-trigger formula: a range-delete alone
// is always enough to hint, independent of the point-mutation counters;
// otherwise a range is hinted once its tombstone count both exceeds the
// absolute floor and makes up enough of its total point-mutation traffic.
func (k *keyRange) shouldCompact(minTombstoneKeys uint64, tombstonePercent float64) bool {
	if k.deleteRangeCount > 0 {
		return true
	}
	if k.tombstoneCount <= minTombstoneKeys {
		return false
	}
	total := k.putCount + k.tombstoneCount
	if total == 0 {
		return false
	}
	return float64(k.tombstoneCount)/float64(total) >= tombstonePercent
}

// Range is the public handle returned by Engine.NewKeyRange: a caller's
// registered cursor over [Start, End) in one namespace, used only for
// compaction-hint statistics.
type Range struct {
	id        string
	namespace string
	start     Bound
	end       Bound
}

// ID returns the range's unique identifier, assigned at registration.
func (r *Range) ID() string { return r.id }

// Namespace returns the namespace the range was registered against.
func (r *Range) Namespace() string { return r.namespace }

// Start returns the range's lower bound, or nil if unbounded below.
func (r *Range) Start() []byte { return r.start.ToLowerAPI() }

// End returns the range's upper bound, or nil if unbounded above.
func (r *Range) End() []byte { return r.end.ToUpperAPI() }

// keyRangeTracker owns one namespace's key-range bookkeeping: every
// caller-registered Range and the counters that feed the compaction-trigger
// formula. One tracker exists per namespace so a hot range in one namespace
// never serializes bookkeeping for another.
type keyRangeTracker struct {
	mu     sync.Mutex
	ranges map[string]*keyRange

	minTombstoneKeys uint64
	tombstonePercent float64

	scheduler *compactionScheduler
	namespace string
}

func newKeyRangeTracker(namespace string, scheduler *compactionScheduler, minTombstoneKeys uint64, tombstonePercent float64) *keyRangeTracker {
	if minTombstoneKeys == 0 {
		minTombstoneKeys = defaultMinTombstoneKeys
	}
	if tombstonePercent == 0 {
		tombstonePercent = defaultTombstonePercent
	}
	return &keyRangeTracker{
		ranges:           make(map[string]*keyRange),
		minTombstoneKeys: minTombstoneKeys,
		tombstonePercent: tombstonePercent,
		scheduler:        scheduler,
		namespace:        namespace,
	}
}

// register creates the keyRange identified by id on first reference and
// returns it; a second call with the same id is idempotent.
func (t *keyRangeTracker) register(id string, start, end Bound) *keyRange {
	t.mu.Lock()
	defer t.mu.Unlock()
	if k, ok := t.ranges[id]; ok {
		return k
	}
	k := &keyRange{id: id, start: start, end: end}
	t.ranges[id] = k
	return k
}

// foldMutations folds a committed batch's mutations into every registered
// range whose span admits them, then submits a compaction hint for any range
// that now crosses the trigger formula, resetting that range's counters to
// zero so it doesn't re-arm on the next batch until new mutations land.
// Mutations that fall outside every registered range contribute no
// bookkeeping at all: ranges are logical cursors, not partitions, and an
// unregistered key simply isn't being watched by anyone.
func (t *keyRangeTracker) foldMutations(mutations []mutation) {
	type delta struct {
		put, tomb, rangeDel uint64
	}

	t.mu.Lock()
	deltas := make(map[string]delta)
	for _, m := range mutations {
		for id, k := range t.ranges {
			switch m.kind {
			case mutPut, mutInsert:
				if rangeAdmits(k.start, k.end, m.key) {
					d := deltas[id]
					d.put++
					deltas[id] = d
				}
			case mutDelete:
				if rangeAdmits(k.start, k.end, m.key) {
					d := deltas[id]
					d.tomb++
					deltas[id] = d
				}
			case mutDeleteRange:
				if boundsOverlap(LowerBound(m.key), UpperBound(m.rangeEnd), k.start, k.end) {
					d := deltas[id]
					d.rangeDel++
					deltas[id] = d
				}
			}
		}
	}

	var toHint []keyRange
	for id, d := range deltas {
		k := t.ranges[id]
		k.putCount += d.put
		k.tombstoneCount += d.tomb
		k.deleteRangeCount += d.rangeDel
		if k.shouldCompact(t.minTombstoneKeys, t.tombstonePercent) {
			toHint = append(toHint, *k)
			k.putCount, k.tombstoneCount, k.deleteRangeCount = 0, 0, 0
		}
	}
	t.mu.Unlock()

	if t.scheduler == nil {
		return
	}
	for _, k := range toHint {
		t.scheduler.submit(t.namespace, k.start, k.end)
	}
}

// boundsOverlap reports whether two half-open [start, end) spans intersect.
func boundsOverlap(aStart, aEnd, bStart, bEnd Bound) bool {
	if !aEnd.Unbounded && !bStart.Unbounded && bytes.Compare(aEnd.Key, bStart.Key) <= 0 {
		return false
	}
	if !bEnd.Unbounded && !aStart.Unbounded && bytes.Compare(bEnd.Key, aStart.Key) <= 0 {
		return false
	}
	return true
}
