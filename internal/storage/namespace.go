package storage

import (
	"sort"
	"sync"
)

// DefaultNamespace is always present and always sorts first in any ordered
// enumeration of namespaces, regardless of lexical order.
const DefaultNamespace = "default"

// namespaceRegistry tracks the set of namespaces an engine has seen, in the
// shape operations need to enumerate them: default first, then the rest in
// lexical order. A namespace comes into existence the first time it is
// referenced (read, written, or given a key range) and is never removed (clearRange can empty it, but the
// namespace itself persists so its KeyRange bookkeeping survives).
type namespaceRegistry struct {
	mu      sync.RWMutex
	entries map[string]*namespaceState
	order   []string
}

// namespaceState bundles everything C1-C5 need to track per namespace: the
// leaf store tree, its key range bookkeeping, and its compaction hints all
// live scoped to one namespace so work in one never blocks another.
type namespaceState struct {
	name   string
	tree   *lsmTree
	ranges *keyRangeTracker
}

func newNamespaceRegistry() *namespaceRegistry {
	return &namespaceRegistry{
		entries: make(map[string]*namespaceState),
	}
}

// getOrCreate returns the namespaceState for name, creating it (via new) if
// this is the first time it's been seen.
func (r *namespaceRegistry) getOrCreate(name string, new func() *namespaceState) *namespaceState {
	r.mu.RLock()
	ns, ok := r.entries[name]
	r.mu.RUnlock()
	if ok {
		return ns
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ns, ok := r.entries[name]; ok {
		return ns
	}
	ns = new()
	r.entries[name] = ns
	r.order = append(r.order, name)
	return ns
}

// get returns the namespaceState for name, or nil if it has never been
// created.
func (r *namespaceRegistry) get(name string) *namespaceState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// names returns every known namespace with DefaultNamespace first (whether
// or not it has been explicitly written to) followed by the rest in lexical
// order.
func (r *namespaceRegistry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(r.order)+1)
	rest := make([]string, 0, len(r.order))
	for _, n := range r.order {
		if n == DefaultNamespace {
			continue
		}
		if !seen[n] {
			seen[n] = true
			rest = append(rest, n)
		}
	}
	sort.Strings(rest)

	out := make([]string, 0, len(rest)+1)
	out = append(out, DefaultNamespace)
	out = append(out, rest...)
	return out
}

// all returns every namespaceState currently registered, in the same
// default-first order as names.
func (r *namespaceRegistry) all() []*namespaceState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*namespaceState, 0, len(r.entries))
	if ns, ok := r.entries[DefaultNamespace]; ok {
		out = append(out, ns)
	}
	rest := make([]string, 0, len(r.order))
	for _, n := range r.order {
		if n != DefaultNamespace {
			rest = append(rest, n)
		}
	}
	sort.Strings(rest)
	for _, n := range rest {
		out = append(out, r.entries[n])
	}
	return out
}
