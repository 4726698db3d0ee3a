package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWALAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	wal, err := NewWAL(dir)
	require.NoError(t, err)
	defer wal.Close()

	require.NoError(t, wal.AppendPut("orders", []byte("k1"), []byte("v1")))
	require.NoError(t, wal.AppendDelete("orders", []byte("k2")))

	var entries []WALEntry
	require.NoError(t, wal.Replay(func(e WALEntry) error {
		entries = append(entries, e)
		return nil
	}))

	require.Len(t, entries, 2)
	assert.Equal(t, OpTypePut, entries[0].OpType)
	assert.Equal(t, "orders", entries[0].Namespace)
	assert.Equal(t, []byte("k1"), entries[0].Key)
	assert.Equal(t, []byte("v1"), entries[0].Value)
	assert.Equal(t, OpTypeDelete, entries[1].OpType)
	assert.Equal(t, []byte("k2"), entries[1].Key)
}

func TestWALReplayFromSkipsOlderEntries(t *testing.T) {
	dir := t.TempDir()
	wal, err := NewWAL(dir)
	require.NoError(t, err)
	defer wal.Close()

	require.NoError(t, wal.AppendPut("orders", []byte("k1"), []byte("v1")))

	var firstEntries []WALEntry
	require.NoError(t, wal.Replay(func(e WALEntry) error {
		firstEntries = append(firstEntries, e)
		return nil
	}))
	require.Len(t, firstEntries, 1)
	cutoff := firstEntries[0].Timestamp

	require.NoError(t, wal.AppendPut("orders", []byte("k2"), []byte("v2")))

	var fromEntries []WALEntry
	require.NoError(t, wal.ReplayFrom(cutoff, func(e WALEntry) error {
		fromEntries = append(fromEntries, e)
		return nil
	}))
	require.Len(t, fromEntries, 1)
	assert.Equal(t, []byte("k2"), fromEntries[0].Key)
}

func TestWALReopenPicksUpLatestFile(t *testing.T) {
	dir := t.TempDir()
	wal, err := NewWAL(dir)
	require.NoError(t, err)
	require.NoError(t, wal.AppendPut("orders", []byte("k1"), []byte("v1")))
	require.NoError(t, wal.Close())

	wal2, err := NewWAL(dir)
	require.NoError(t, err)
	defer wal2.Close()
	require.NoError(t, wal2.AppendPut("orders", []byte("k2"), []byte("v2")))

	var entries []WALEntry
	require.NoError(t, wal2.Replay(func(e WALEntry) error {
		entries = append(entries, e)
		return nil
	}))
	require.Len(t, entries, 2)
}

