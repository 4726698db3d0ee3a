package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkpointDirWithOneNamespace builds a real checkpoint directory (via
// checkpointManager.create, the same path Engine.CreateCheckpoint uses) with
// one namespace "orders" holding a single unflushed write -- create must
// flush it before linking, so the resulting directory exercises that path.
func checkpointDirWithOneNamespace(t *testing.T) (dir, namespace string) {
	t.Helper()
	root := t.TempDir()
	cm, err := newCheckpointManager(filepath.Join(root, "checkpoints"))
	require.NoError(t, err)

	ns := newTestNamespaceState(t, filepath.Join(root, "data"), "orders")
	id, err := cm.create(context.Background(), []*namespaceState{ns})
	require.NoError(t, err)
	return cm.path(id), "orders"
}

func TestCheckpointCacheGetOpensOnFirstAccess(t *testing.T) {
	dir, ns := checkpointDirWithOneNamespace(t)
	c := newCheckpointCache(time.Minute)

	oc, err := c.get("ckpt-1", dir)
	require.NoError(t, err)
	require.Contains(t, oc.namespaces, ns)
	require.NotEmpty(t, oc.namespaces[ns].levels[0])

	again, err := c.get("ckpt-1", dir)
	require.NoError(t, err)
	assert.Same(t, oc, again)
}

func TestCheckpointCacheInvalidateRemovesEntry(t *testing.T) {
	dir, _ := checkpointDirWithOneNamespace(t)
	c := newCheckpointCache(time.Minute)

	_, err := c.get("ckpt-1", dir)
	require.NoError(t, err)

	c.invalidate("ckpt-1")
	assert.Equal(t, 0, c.cache.Len())
}

func TestCheckpointCacheInvalidateAllPurgesEverything(t *testing.T) {
	dir, _ := checkpointDirWithOneNamespace(t)
	c := newCheckpointCache(time.Minute)

	_, err := c.get("ckpt-1", dir)
	require.NoError(t, err)
	_, err = c.get("ckpt-2", dir)
	require.NoError(t, err)

	c.invalidateAll()
	assert.Equal(t, 0, c.cache.Len())
}

func TestCheckpointReadsGetIterateAndApproximateSize(t *testing.T) {
	dir, ns := checkpointDirWithOneNamespace(t)
	c := newCheckpointCache(time.Minute)

	oc, err := c.get("ckpt-1", dir)
	require.NoError(t, err)
	cp := &Checkpoint{oc: oc}

	assert.Equal(t, "ckpt-1", cp.ID())
	assert.Equal(t, []string{ns}, cp.Namespaces())

	value, ok, err := cp.Get(ns, []byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), value)

	_, ok, err = cp.Get(ns, []byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = cp.Get("no-such-namespace", []byte("k1"))
	require.NoError(t, err)
	assert.False(t, ok)

	it := cp.NewIterator(ns)
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
		assert.Equal(t, it.Value(), it.Value())
	}
	assert.Equal(t, []string{"k1"}, keys)

	assert.Greater(t, cp.ApproximateSize(ns), int64(0))
	assert.Equal(t, int64(0), cp.ApproximateSize("no-such-namespace"))
}
