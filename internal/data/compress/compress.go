package compress

// Compressor defines the interface for compressing and decompressing byte slices.
type Compressor interface {
	// Compress compresses the source byte slice and returns the compressed data.
	Compress(src []byte) ([]byte, error)

	// Decompress decompresses src, which held originalSize bytes before
	// compression. Callers must track the original size themselves (e.g. in
	// a block header) since the LZ4 block format does not self-describe it.
	Decompress(src []byte, originalSize int) ([]byte, error)
}
