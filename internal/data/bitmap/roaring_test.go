package bitmap

import (
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToBytesFromBytesRoundTrip(t *testing.T) {
	bm := roaring.New()
	bm.Add(1)
	bm.Add(42)
	bm.Add(1000)

	data, err := ToBytes(bm)
	require.NoError(t, err)

	restored, err := FromBytes(data)
	require.NoError(t, err)

	assert.True(t, bm.Equals(restored))
}

func TestFromBytesEmptyBitmap(t *testing.T) {
	bm := roaring.New()
	data, err := ToBytes(bm)
	require.NoError(t, err)

	restored, err := FromBytes(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), restored.GetCardinality())
}
