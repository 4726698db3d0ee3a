package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type mutationKind int

const (
	mutPut mutationKind = iota
	mutInsert
	mutDelete
	mutDeleteRange
)

type mutation struct {
	kind     mutationKind
	key      []byte
	value    []byte
	rangeEnd []byte // only set for mutDeleteRange
}

// WriteBatch stages a set of mutations against one namespace and commits
// them atomically: either every mutation lands, or none do. Mutations are
// staged purely in memory until end(); nothing touches the WAL, memtable, or
// key-range bookkeeping until commit, so an aborted batch leaves no trace.
type WriteBatch struct {
	id        string
	engine    *Engine
	namespace string

	mu        sync.Mutex
	mutations []mutation

	done bool
}

func newWriteBatch(engine *Engine, namespace string) *WriteBatch {
	return &WriteBatch{
		id:        uuid.NewString(),
		engine:    engine,
		namespace: namespace,
	}
}

// ID returns the batch's unique identifier, assigned at creation.
func (b *WriteBatch) ID() string { return b.id }

// Put stages an upsert: the key's prior value (if any) is shadowed by a
// singleDelete before the new value is staged, so a key rewritten many
// times within one batch resolves to exactly one live version on commit
// instead of stacking versions the leaf store would otherwise have to
// collapse later.
func (b *WriteBatch) Put(key, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return notStartedError("WriteBatch.Put")
	}

	b.mutations = append(b.mutations, mutation{kind: mutDelete, key: key})
	b.mutations = append(b.mutations, mutation{kind: mutPut, key: key, value: value})
	return nil
}

// Insert stages an upsert without the shadowing singleDelete, for callers
// that already know the key is absent (e.g. replaying a WAL, or a caller
// enforcing uniqueness upstream) and want to skip the redundant tombstone.
func (b *WriteBatch) Insert(key, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return notStartedError("WriteBatch.Insert")
	}

	b.mutations = append(b.mutations, mutation{kind: mutInsert, key: key, value: value})
	return nil
}

// Delete stages a point tombstone for key.
func (b *WriteBatch) Delete(key []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return notStartedError("WriteBatch.Delete")
	}

	b.mutations = append(b.mutations, mutation{kind: mutDelete, key: key})
	return nil
}

// DeleteRange stages a clearRange mutation over [start, end). An empty
// start or end means unbounded on that side (see Bound). The endpoints are
// resolved against whatever keys actually exist in the namespace at commit
// time, not at stage time: DeleteRange only records the span here.
func (b *WriteBatch) DeleteRange(start, end []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return notStartedError("WriteBatch.DeleteRange")
	}

	b.mutations = append(b.mutations, mutation{kind: mutDeleteRange, key: start, rangeEnd: end})
	return nil
}

// end commits every staged mutation atomically against the namespace's leaf
// store, then folds the batch's mutations into whichever registered Ranges
// in the namespace's tracker admit them, so any compaction thresholds
// crossed by this batch get hinted.
func (b *WriteBatch) end(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return notStartedError("WriteBatch.end")
	}
	b.done = true

	ns, err := b.engine.namespaceFor(b.namespace)
	if err != nil {
		return err
	}

	if err := ns.tree.applyBatch(ctx, b.mutations); err != nil {
		return engineFailure("WriteBatch.end", err)
	}

	ns.ranges.foldMutations(b.mutations)
	return nil
}

// abort discards every staged mutation; nothing it recorded ever reached
// the namespace's bookkeeping, so there's nothing further to undo.
func (b *WriteBatch) abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = true
}
