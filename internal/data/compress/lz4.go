package compress

import (
	"github.com/pierrec/lz4/v4"
)

// LZ4 implements the Compressor interface using the LZ4 algorithm.
type LZ4 struct{}

// NewLZ4 creates a new LZ4 compressor.
func NewLZ4() *LZ4 {
	return &LZ4{}
}

// Compress compresses the source byte slice using LZ4.
func (c *LZ4) Compress(src []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, dst, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 || n >= len(src) {
		// Incompressible (output no smaller than the input): the block format
		// records this via the header's CompressionNone fallback, not a flag
		// byte here.
		return nil, nil
	}
	return dst[:n], nil
}

// Decompress decompresses src, which held originalSize bytes before
// compression. The caller (the block format) is the one place that knows the
// original size, so it's threaded through explicitly instead of guessed.
func (c *LZ4) Decompress(src []byte, originalSize int) ([]byte, error) {
	dst := make([]byte, originalSize)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}
