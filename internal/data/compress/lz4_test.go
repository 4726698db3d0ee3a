package compress

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLZ4CompressDecompressRoundTrip(t *testing.T) {
	c := NewLZ4()
	original := bytes.Repeat([]byte("hello world "), 200)

	compressed, err := c.Compress(original)
	require.NoError(t, err)
	require.NotNil(t, compressed)
	assert.Less(t, len(compressed), len(original))

	restored, err := c.Decompress(compressed, len(original))
	require.NoError(t, err)
	assert.Equal(t, original, restored)
}

func TestLZ4CompressIncompressibleReturnsNil(t *testing.T) {
	c := NewLZ4()
	tiny := []byte("x")

	compressed, err := c.Compress(tiny)
	require.NoError(t, err)
	assert.Nil(t, compressed)
}
