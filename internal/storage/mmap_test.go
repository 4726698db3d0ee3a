package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerstore/kvengine/internal/data/block"
)

func writeTestBlockFile(t *testing.T, path string) {
	t.Helper()
	b := block.NewBlock()
	require.NoError(t, b.Add([]byte("k1"), []byte("v1"), false))
	require.NoError(t, b.Add([]byte("k2"), nil, true))
	require.NoError(t, b.Finalize())

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, b.Encode(f))
}

func TestMmapFileReadAt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0644))

	mf, err := NewMmapFile(path)
	require.NoError(t, err)
	defer mf.Close()

	assert.Equal(t, int64(11), mf.Size())

	buf := make([]byte, 5)
	n, err := mf.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "world", string(buf))

	chunk, err := mf.Read(0, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(chunk))
}

func TestMmapFileCloseInvalidatesReads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0644))

	mf, err := NewMmapFile(path)
	require.NoError(t, err)
	require.NoError(t, mf.Close())

	_, err = mf.Data()
	assert.Error(t, err)
}

func TestMmapBlockGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "block.blk")
	writeTestBlockFile(t, path)

	mb, err := NewMmapBlock(path)
	require.NoError(t, err)
	defer mb.Close()

	value, tombstone, ok := mb.Get([]byte("k1"))
	require.True(t, ok)
	assert.False(t, tombstone)
	assert.Equal(t, []byte("v1"), value)

	_, tombstone, ok = mb.Get([]byte("k2"))
	require.True(t, ok)
	assert.True(t, tombstone)

	assert.Equal(t, []byte("k1"), mb.MinKey())
	assert.Equal(t, []byte("k2"), mb.MaxKey())
}
