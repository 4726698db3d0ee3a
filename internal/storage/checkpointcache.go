package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultCheckpointCacheTTL = 10 * time.Minute

// checkpointNamespace is one namespace's slice of an opened checkpoint: its
// blocks, mmapped and organized by level exactly like the live tree's
// in-memory levels, so reads replicate the live store's "newest wins"
// priority against a static, immutable snapshot.
type checkpointNamespace struct {
	levels [numLevels][]*MmapBlock
}

// get resolves key against the checkpoint's static layout with the same
// priority as lsmTree.get: level 0 (newest) before deeper levels, and within
// a level the last-appended (newest) block before earlier ones.
func (cn *checkpointNamespace) get(key []byte) ([]byte, bool, error) {
	for level := 0; level < numLevels; level++ {
		blocks := cn.levels[level]
		for i := len(blocks) - 1; i >= 0; i-- {
			value, tombstone, ok := blocks[i].Get(key)
			if !ok {
				continue
			}
			if tombstone {
				return nil, false, nil
			}
			return value, true, nil
		}
	}
	return nil, false, nil
}

// scanAll returns every live (non-tombstoned) key/value pair in the
// namespace, sorted by key. Merge priority mirrors get: later levels are
// folded in first so level 0 (folded in last) always wins an overwrite, and
// within a level, blocks are folded in append order so the newest block
// wins.
func (cn *checkpointNamespace) scanAll() ([][]byte, [][]byte) {
	values := make(map[string][]byte)
	tombstoned := make(map[string]bool)

	for level := numLevels - 1; level >= 0; level-- {
		for _, b := range cn.levels[level] {
			keys, vals, tombs := b.Entries()
			for i, k := range keys {
				ks := string(k)
				values[ks] = vals[i]
				tombstoned[ks] = tombs[i]
			}
		}
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		if !tombstoned[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	outKeys := make([][]byte, len(keys))
	outValues := make([][]byte, len(keys))
	for i, k := range keys {
		outKeys[i] = []byte(k)
		outValues[i] = values[k]
	}
	return outKeys, outValues
}

func (cn *checkpointNamespace) approximateSize() int64 {
	var total int64
	for level := 0; level < numLevels; level++ {
		for _, b := range cn.levels[level] {
			total += b.Size()
		}
	}
	return total
}

// openCheckpoint is a content-addressed, already-opened view of one
// checkpoint's blocks, keyed by checkpoint id and then by namespace: every
// mmapped block under the checkpoint directory, opened once and shared
// across readers until evicted.
type openCheckpoint struct {
	id         string
	namespaces map[string]*checkpointNamespace
}

func (o *openCheckpoint) close() {
	for _, cn := range o.namespaces {
		for level := 0; level < numLevels; level++ {
			for _, b := range cn.levels[level] {
				_ = b.Close()
			}
		}
	}
}

// Checkpoint is the read-only, point-in-time view of every namespace a
// checkpoint captured, returned by Engine.OpenCheckpoint.
type Checkpoint struct {
	oc *openCheckpoint
}

// ID returns the checkpoint's id.
func (c *Checkpoint) ID() string { return c.oc.id }

// Namespaces returns every namespace the checkpoint captured, sorted.
func (c *Checkpoint) Namespaces() []string {
	out := make([]string, 0, len(c.oc.namespaces))
	for ns := range c.oc.namespaces {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Get reads a single key from namespace ns as it stood at checkpoint time.
// A namespace the checkpoint never captured reads as absent rather than an
// error, the same way an Engine namespace that's never been written to
// reads as absent.
func (c *Checkpoint) Get(ns string, key []byte) ([]byte, bool, error) {
	cn, ok := c.oc.namespaces[ns]
	if !ok {
		return nil, false, nil
	}
	return cn.get(key)
}

// ApproximateSize returns namespace ns's total on-disk footprint as
// captured by the checkpoint.
func (c *Checkpoint) ApproximateSize(ns string) int64 {
	cn, ok := c.oc.namespaces[ns]
	if !ok {
		return 0
	}
	return cn.approximateSize()
}

// NewIterator returns a forward-only iterator over every live key in
// namespace ns as it stood at checkpoint time.
func (c *Checkpoint) NewIterator(ns string) *CheckpointIterator {
	cn, ok := c.oc.namespaces[ns]
	if !ok {
		return &CheckpointIterator{pos: -1}
	}
	keys, values := cn.scanAll()
	return &CheckpointIterator{keys: keys, values: values, pos: -1}
}

// CheckpointIterator walks the live, non-tombstoned keys of one checkpoint
// namespace in sorted order. Checkpoint data is immutable once linked, so
// unlike Iterator it samples no latency and hints no compaction.
type CheckpointIterator struct {
	keys   [][]byte
	values [][]byte
	pos    int
}

// Next advances to the next key.
func (it *CheckpointIterator) Next() bool {
	it.pos++
	return it.pos < len(it.keys)
}

// Valid reports whether the iterator currently sits on an entry.
func (it *CheckpointIterator) Valid() bool {
	return it.pos >= 0 && it.pos < len(it.keys)
}

// Key returns the current entry's key. Valid() must be true.
func (it *CheckpointIterator) Key() []byte { return it.keys[it.pos] }

// Value returns the current entry's value. Valid() must be true.
func (it *CheckpointIterator) Value() []byte { return it.values[it.pos] }

// checkpointCache caches opened checkpoint views for up to ttl past their
// last access, closing every mmapped block synchronously on eviction so a
// caller never observes a checkpoint whose backing files have been GC'd
// while a view of it was still registered as open.
type checkpointCache struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, *openCheckpoint]
}

func newCheckpointCache(ttl time.Duration) *checkpointCache {
	if ttl <= 0 {
		ttl = defaultCheckpointCacheTTL
	}

	c := &checkpointCache{}
	c.cache = expirable.NewLRU[string, *openCheckpoint](0, func(_ string, oc *openCheckpoint) {
		oc.close()
	}, ttl)
	return c
}

// get returns an already-open view of checkpoint id, opening it (by
// mmapping every block file under its directory) on first access.
func (c *checkpointCache) get(id, dir string) (*openCheckpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if oc, ok := c.cache.Get(id); ok {
		// Get does not renew an entry's expiry; re-adding it does.
		c.cache.Add(id, oc)
		return oc, nil
	}

	oc, err := openCheckpointView(id, dir)
	if err != nil {
		return nil, err
	}
	c.cache.Add(id, oc)
	return oc, nil
}

// invalidate evicts checkpoint id from the cache, synchronously closing its
// open blocks, if it was present.
func (c *checkpointCache) invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(id)
}

// invalidateAll evicts every cached checkpoint view.
func (c *checkpointCache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

// openCheckpointView opens every namespace directory directly under dir
// (the layout checkpointManager.create writes: one subdirectory per
// namespace, each itself laid out exactly like a live namespace's data
// directory) and mmaps every block file under each namespace's L0-L(n-1)
// level directories.
func openCheckpointView(id, dir string) (*openCheckpoint, error) {
	nsEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	namespaces := make(map[string]*checkpointNamespace)
	var opened []*MmapBlock

	fail := func(err error) (*openCheckpoint, error) {
		for _, b := range opened {
			_ = b.Close()
		}
		return nil, err
	}

	for _, nsEntry := range nsEntries {
		if !nsEntry.IsDir() {
			continue
		}
		nsDir := filepath.Join(dir, nsEntry.Name())
		cn := &checkpointNamespace{}

		for level := 0; level < numLevels; level++ {
			levelDir := filepath.Join(nsDir, fmt.Sprintf("L%d", level))
			entries, err := os.ReadDir(levelDir)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return fail(err)
			}

			names := make([]string, 0, len(entries))
			for _, e := range entries {
				if e.IsDir() || filepath.Ext(e.Name()) != ".blk" {
					continue
				}
				names = append(names, e.Name())
			}
			sort.Strings(names)

			for _, name := range names {
				b, err := NewMmapBlock(filepath.Join(levelDir, name))
				if err != nil {
					return fail(err)
				}
				opened = append(opened, b)
				cn.levels[level] = append(cn.levels[level], b)
			}
		}

		namespaces[nsEntry.Name()] = cn
	}

	return &openCheckpoint{id: id, namespaces: namespaces}, nil
}
