package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// compactWorkFunc executes one fused compaction span against a namespace's
// leaf store. It's supplied by the engine so the scheduler stays ignorant
// of lsmTree internals.
type compactWorkFunc func(ctx context.Context, namespace string, start, end Bound) error

// hintEntry is one pending compaction hint in a namespace's ordered map,
// keyed implicitly by start for the pollFirst/ceilingEntry walk.
type hintEntry struct {
	start, end Bound
}

// CompactionStats tracks cumulative scheduler activity, surfaced through the
// engine's Stats() call.
type CompactionStats struct {
	CompactionCount int64
	InFlightCount   int64
	LastError       error
}

// compactionScheduler is the single point through which C1/C2/C6 ask for a
// range to be compacted. It coalesces overlapping hints before dispatch and
// its worker runs exactly one compaction at a time, so hint-driven
// compactions never race over the same files. submitManual runs on the
// caller's goroutine, outside that worker.
type compactionScheduler struct {
	mu    sync.Mutex
	hints map[string][]*hintEntry // per namespace, kept sorted by start

	inFlight map[string]*sharedFuture // key: namespace|start|end

	compacting atomic.Bool

	work compactWorkFunc
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statsMu sync.Mutex
	stats   CompactionStats

	wakeCh chan struct{}
}

// sharedFuture lets concurrently-submitted hints that coalesce into the same
// (namespace, start, end) span share a single dispatch rather than compact
// the same data twice.
type sharedFuture struct {
	done chan struct{}
	err  error
}

func newCompactionScheduler(work compactWorkFunc, log zerolog.Logger) *compactionScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &compactionScheduler{
		hints:    make(map[string][]*hintEntry),
		inFlight: make(map[string]*sharedFuture),
		work:     work,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		wakeCh:   make(chan struct{}, 1),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *compactionScheduler) close() {
	s.cancel()
	s.wg.Wait()
}

// submit records a compaction hint for [start, end) in namespace ns. If a
// hint already exists with the same start, the narrower of the two ends
// wins (narrowest-end-wins at submit; coalescing widens again at dispatch).
func (s *compactionScheduler) submit(ns string, start, end Bound) {
	s.mu.Lock()
	list := s.hints[ns]

	for _, h := range list {
		if boundsEqual(h.start, start) {
			h.end = minEnd(h.end, end)
			s.mu.Unlock()
			s.wake()
			return
		}
	}

	list = append(list, &hintEntry{start: start, end: end})
	sort.Slice(list, func(i, j int) bool {
		return boundLess(list[i].start, list[j].start)
	})
	s.hints[ns] = list
	s.mu.Unlock()
	s.wake()
}

func (s *compactionScheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func boundsEqual(a, b Bound) bool {
	if a.Unbounded != b.Unbounded {
		return false
	}
	if a.Unbounded {
		return true
	}
	return string(a.Key) == string(b.Key)
}

func boundLess(a, b Bound) bool {
	if a.Unbounded {
		return false
	}
	if b.Unbounded {
		return true
	}
	return string(a.Key) < string(b.Key)
}

// pollFirst removes and returns the hint with the smallest start in ns, or
// nil if ns has no pending hints.
func (s *compactionScheduler) pollFirst(ns string) *hintEntry {
	list := s.hints[ns]
	if len(list) == 0 {
		return nil
	}
	first := list[0]
	s.hints[ns] = list[1:]
	return first
}

// ceilingEntry returns the pending hint in ns with the smallest start that
// is >= key, without removing it, or nil if none qualifies.
func (s *compactionScheduler) ceilingEntry(ns string, key []byte) (*hintEntry, int) {
	list := s.hints[ns]
	idx := sort.Search(len(list), func(i int) bool {
		if list[i].start.Unbounded {
			return false
		}
		return string(list[i].start.Key) >= string(key)
	})
	if idx >= len(list) {
		return nil, -1
	}
	return list[idx], idx
}

func (s *compactionScheduler) removeAt(ns string, idx int) {
	list := s.hints[ns]
	s.hints[ns] = append(list[:idx], list[idx+1:]...)
}

// coalesce pops the earliest pending hint for ns and fuses it with every
// subsequent hint whose start falls inside or touches the growing span,
// widening the end via max-end (unbounded wins) as it fuses. Returns nil if
// ns has nothing pending.
func (s *compactionScheduler) coalesce(ns string) *hintEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	fused := s.pollFirst(ns)
	if fused == nil {
		return nil
	}

	for {
		list := s.hints[ns]
		if len(list) == 0 {
			break
		}
		next := list[0]
		if !fused.end.Unbounded && (next.start.Unbounded || string(next.start.Key) > string(fused.end.Key)) {
			break
		}
		fused.end = maxEnd(fused.end, next.end)
		s.removeAt(ns, 0)
	}

	return fused
}

// namespacesWithHints returns every namespace that currently has at least
// one pending hint, in map iteration order (namespace ordering for fairness
// is not load-bearing here; each namespace is independent).
func (s *compactionScheduler) namespacesWithHints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.hints))
	for ns, list := range s.hints {
		if len(list) > 0 {
			out = append(out, ns)
		}
	}
	return out
}

// loop is the scheduler's single compaction worker: it wakes on submit(),
// drains every namespace's hints via coalesce-and-dispatch until all queues
// are empty, then goes back to waiting.
func (s *compactionScheduler) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wakeCh:
		}

		for {
			if !s.compacting.CompareAndSwap(false, true) {
				break
			}
			didWork := s.drainOnce()
			s.compacting.Store(false)
			if !didWork {
				break
			}
		}
	}
}

// drainOnce fuses and dispatches one compaction span per namespace that has
// pending hints, awaiting all of them together via an errgroup, then
// reports whether any namespace actually had work.
func (s *compactionScheduler) drainOnce() bool {
	namespaces := s.namespacesWithHints()
	if len(namespaces) == 0 {
		return false
	}

	type dispatch struct {
		ns    string
		entry *hintEntry
		key   string
		first bool
		fut   *sharedFuture
	}

	dispatches := make([]dispatch, 0, len(namespaces))
	for _, ns := range namespaces {
		entry := s.coalesce(ns)
		if entry == nil {
			continue
		}
		key := fmt.Sprintf("%s|%s|%v|%s|%v", ns, string(entry.start.Key), entry.start.Unbounded, string(entry.end.Key), entry.end.Unbounded)

		s.mu.Lock()
		fut, exists := s.inFlight[key]
		first := !exists
		if first {
			fut = &sharedFuture{done: make(chan struct{})}
			s.inFlight[key] = fut
		}
		s.mu.Unlock()

		dispatches = append(dispatches, dispatch{ns: ns, entry: entry, key: key, first: first, fut: fut})
	}

	if len(dispatches) == 0 {
		return false
	}

	g, ctx := errgroup.WithContext(s.ctx)
	g.SetLimit(1)
	for _, d := range dispatches {
		d := d
		if !d.first {
			g.Go(func() error {
				<-d.fut.done
				return d.fut.err
			})
			continue
		}
		g.Go(func() error {
			s.statsMu.Lock()
			s.stats.InFlightCount++
			s.statsMu.Unlock()

			err := s.work(ctx, d.ns, d.entry.start, d.entry.end)
			s.mu.Lock()
			delete(s.inFlight, d.key)
			s.mu.Unlock()
			d.fut.err = err
			close(d.fut.done)

			s.statsMu.Lock()
			s.stats.InFlightCount--
			s.stats.CompactionCount++
			if err != nil {
				s.stats.LastError = err
			}
			s.statsMu.Unlock()

			if err != nil {
				s.log.Warn().Err(err).Str("namespace", d.ns).Msg("compaction failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	return true
}

// submitManual runs a caller-triggered compaction synchronously, bypassing
// the hint queue entirely — the exposed escape hatch for RunCompaction.
func (s *compactionScheduler) submitManual(ctx context.Context, ns string, start, end Bound) error {
	return s.work(ctx, ns, start, end)
}

func (s *compactionScheduler) snapshotStats() CompactionStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}
