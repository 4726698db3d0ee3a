package storage

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func iteratorTestTree(t *testing.T) *lsmTree {
	t.Helper()
	tree := newTestTree(t, defaultMemtableMaxBytes)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, tree.applyBatch(ctx, []mutation{{kind: mutPut, key: []byte(k), value: []byte("v-" + k)}}))
	}
	return tree
}

func TestIteratorSeekAndNext(t *testing.T) {
	tree := iteratorTestTree(t)
	it := newIterator(tree, nil, NewMetrics(), "ns", LowerBound(nil), UpperBound(nil), time.Hour)

	require.True(t, it.Seek([]byte("b")))
	assert.Equal(t, []byte("b"), it.Key())
	assert.Equal(t, []byte("v-b"), it.Value())

	require.True(t, it.Next())
	assert.Equal(t, []byte("c"), it.Key())
}

func TestIteratorSeekPastEndIsInvalid(t *testing.T) {
	tree := iteratorTestTree(t)
	it := newIterator(tree, nil, NewMetrics(), "ns", LowerBound(nil), UpperBound(nil), time.Hour)

	assert.False(t, it.Seek([]byte("zzz")))
	assert.False(t, it.Valid())
}

func TestIteratorHintsOnceWhenSlow(t *testing.T) {
	sched := newCompactionScheduler(func(ctx context.Context, ns string, start, end Bound) error {
		return nil
	}, zerolog.Nop())
	defer sched.close()

	tree := iteratorTestTree(t)
	it := newIterator(tree, sched, NewMetrics(), "orders", LowerBound(nil), UpperBound(nil), time.Nanosecond)

	// crosses into "slow" exactly once, on the first sample.
	it.recordLatency(time.Millisecond)
	it.recordLatency(time.Millisecond)

	assert.True(t, it.overThreshold)
}

func TestIteratorRearmsAfterDroppingBelowThreshold(t *testing.T) {
	tree := iteratorTestTree(t)
	it := newIterator(tree, nil, NewMetrics(), "orders", LowerBound(nil), UpperBound(nil), time.Millisecond)

	for i := 0; i < latencyRingSize; i++ {
		it.recordLatency(10 * time.Millisecond)
	}
	assert.True(t, it.overThreshold)

	for i := 0; i < latencyRingSize; i++ {
		it.recordLatency(0)
	}
	assert.False(t, it.overThreshold)
}

func TestIteratorCloseIsNoop(t *testing.T) {
	tree := iteratorTestTree(t)
	it := newIterator(tree, nil, NewMetrics(), "orders", LowerBound(nil), UpperBound(nil), time.Hour)
	assert.NoError(t, it.Close())
}

func TestIteratorSeekFirstAndSeekLast(t *testing.T) {
	tree := iteratorTestTree(t)
	it := newIterator(tree, nil, NewMetrics(), "ns", LowerBound(nil), UpperBound(nil), time.Hour)

	require.True(t, it.SeekFirst())
	assert.Equal(t, []byte("a"), it.Key())

	require.True(t, it.SeekLast())
	assert.Equal(t, []byte("d"), it.Key())
}

func TestIteratorSeekFirstOnEmptyRangeIsInvalid(t *testing.T) {
	tree := iteratorTestTree(t)
	it := newIterator(tree, nil, NewMetrics(), "ns", LowerBound([]byte("zzz")), UpperBound(nil), time.Hour)

	assert.False(t, it.SeekFirst())
	assert.False(t, it.Valid())
}

func TestIteratorSeekForPrev(t *testing.T) {
	tree := iteratorTestTree(t)
	it := newIterator(tree, nil, NewMetrics(), "ns", LowerBound(nil), UpperBound(nil), time.Hour)

	require.True(t, it.SeekForPrev([]byte("c")))
	assert.Equal(t, []byte("c"), it.Key())

	require.True(t, it.SeekForPrev([]byte("c5")))
	assert.Equal(t, []byte("c"), it.Key())

	assert.False(t, it.SeekForPrev([]byte("0")))
}

func TestIteratorPrevWalksBackward(t *testing.T) {
	tree := iteratorTestTree(t)
	it := newIterator(tree, nil, NewMetrics(), "ns", LowerBound(nil), UpperBound(nil), time.Hour)

	require.True(t, it.SeekLast())
	assert.Equal(t, []byte("d"), it.Key())

	require.True(t, it.Prev())
	assert.Equal(t, []byte("c"), it.Key())

	require.True(t, it.Prev())
	require.True(t, it.Prev())
	assert.False(t, it.Prev())
	assert.False(t, it.Valid())
}

func TestIteratorRefreshPicksUpNewMutations(t *testing.T) {
	tree := iteratorTestTree(t)
	it := newIterator(tree, nil, NewMetrics(), "ns", LowerBound(nil), UpperBound(nil), time.Hour)

	require.True(t, it.SeekFirst())
	require.NoError(t, tree.applyBatch(context.Background(), []mutation{{kind: mutPut, key: []byte("e"), value: []byte("v-e")}}))

	it.Refresh()
	require.True(t, it.SeekLast())
	assert.Equal(t, []byte("e"), it.Key())
}

func TestIteratorMayExist(t *testing.T) {
	tree := iteratorTestTree(t)
	it := newIterator(tree, nil, NewMetrics(), "ns", LowerBound(nil), UpperBound(nil), time.Hour)

	assert.True(t, it.MayExist([]byte("b")))
	assert.False(t, it.MayExist([]byte("zzz")))
}

// TestIteratorNextAndPrevDoNotRecordLatency pins the contract that only
// Seek/SeekFirst/SeekLast/SeekForPrev measure latency: hammering Next/Prev
// must never arm overThreshold, even with a 1ns threshold.
func TestIteratorNextAndPrevDoNotRecordLatency(t *testing.T) {
	tree := iteratorTestTree(t)
	it := newIterator(tree, nil, NewMetrics(), "ns", LowerBound(nil), UpperBound(nil), time.Nanosecond)

	require.True(t, it.Next())
	for i := 0; i < 50; i++ {
		it.Next()
		it.Prev()
	}

	assert.Equal(t, 0, it.sampleCount)
	assert.False(t, it.overThreshold)
}
