package block

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/brokerstore/kvengine/internal/data/bitmap"
	"github.com/brokerstore/kvengine/internal/data/compress"
)

// CompressionType defines the compression algorithm used for a block's data
// segment.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionLZ4
)

// minCompressSize is the smallest raw payload worth spending an LZ4 pass on;
// below this, the framing overhead outweighs the savings.
const minCompressSize = 256

// Header defines the metadata for a block. It's a fixed-size structure.
type Header struct {
	CompressionType CompressionType
	Count           uint32   // Number of key/value pairs in the block
	RawSizeBytes    uint32   // Size of the data in bytes before compression
	StoredSizeBytes uint32   // Size of the data in bytes after compression
	CreatedAt       int64    // Unix timestamp when the block was created
	BlockID         [32]byte // SHA-256 hash of the uncompressed block contents
}

// Stats stores summary statistics for the data in the block, used for range
// pruning during reads and compaction.
type Stats struct {
	MinKey []byte
	MaxKey []byte
}

// Block represents a single on-disk block of sorted key/value pairs, with a
// roaring bitmap flagging which entries are tombstones (point deletes, or
// the delete half of a put-as-singleDelete-then-put) so compaction can test
// "is this row droppable" without decoding values.
//
// Layout on disk: [Header][min key][max key][Data], where Data is the
// (optionally LZ4-compressed) encoding of the pair list plus the tombstone
// bitmap.
type Block struct {
	Header Header
	Stats  Stats
	Data   []byte

	pairs      []keyValuePair
	tombstones *roaring.Bitmap
	pairsMu    sync.RWMutex

	compressor compress.Compressor
}

type keyValuePair struct {
	key   []byte
	value []byte
}

// NewBlock creates a new empty block that compresses its payload with LZ4
// once finalized (see minCompressSize).
func NewBlock() *Block {
	return &Block{
		Header: Header{
			CreatedAt: time.Now().Unix(),
		},
		pairs:      make([]keyValuePair, 0),
		tombstones: roaring.New(),
		compressor: compress.NewLZ4(),
	}
}

// Add adds a key/value pair to the block. tombstone marks the entry as a
// deletion marker rather than a live value.
func (b *Block) Add(key, value []byte, tombstone bool) error {
	b.pairsMu.Lock()
	defer b.pairsMu.Unlock()

	idx := uint32(len(b.pairs))
	b.pairs = append(b.pairs, keyValuePair{key: key, value: value})
	if tombstone {
		b.tombstones.Add(idx)
	}

	if len(b.Stats.MinKey) == 0 || bytes.Compare(key, b.Stats.MinKey) < 0 {
		b.Stats.MinKey = append([]byte(nil), key...)
	}
	if len(b.Stats.MaxKey) == 0 || bytes.Compare(key, b.Stats.MaxKey) > 0 {
		b.Stats.MaxKey = append([]byte(nil), key...)
	}

	return nil
}

// Get retrieves a value for a key from the block. ok is false only when the
// key is absent; a present but tombstoned key returns ok true with tombstone
// true.
func (b *Block) Get(key []byte) (value []byte, tombstone bool, ok bool) {
	b.pairsMu.RLock()
	defer b.pairsMu.RUnlock()

	for i, pair := range b.pairs {
		if bytes.Equal(pair.key, key) {
			return pair.value, b.tombstones.Contains(uint32(i)), true
		}
	}
	return nil, false, false
}

// Entries returns every pair in the block in stored (sorted, post-Finalize)
// order along with whether each is a tombstone.
func (b *Block) Entries() (keys, values [][]byte, tombstoned []bool) {
	b.pairsMu.RLock()
	defer b.pairsMu.RUnlock()

	keys = make([][]byte, len(b.pairs))
	values = make([][]byte, len(b.pairs))
	tombstoned = make([]bool, len(b.pairs))
	for i, p := range b.pairs {
		keys[i] = p.key
		values[i] = p.value
		tombstoned[i] = b.tombstones.Contains(uint32(i))
	}
	return
}

// Finalize sorts pairs by key and serializes the block's payload, applying
// LZ4 compression when the raw payload is large enough to benefit.
func (b *Block) Finalize() error {
	b.pairsMu.Lock()
	defer b.pairsMu.Unlock()

	sort.Slice(b.pairs, func(i, j int) bool {
		return bytes.Compare(b.pairs[i].key, b.pairs[j].key) < 0
	})

	var buf bytes.Buffer

	count := uint32(len(b.pairs))
	if err := binary.Write(&buf, binary.LittleEndian, count); err != nil {
		return fmt.Errorf("failed to write pair count: %w", err)
	}

	for _, pair := range b.pairs {
		if err := writeLenPrefixed(&buf, pair.key); err != nil {
			return fmt.Errorf("failed to write key: %w", err)
		}
		if err := writeLenPrefixed(&buf, pair.value); err != nil {
			return fmt.Errorf("failed to write value: %w", err)
		}
	}

	tombstoneBytes, err := bitmap.ToBytes(b.tombstones)
	if err != nil {
		return fmt.Errorf("failed to serialize tombstone bitmap: %w", err)
	}
	if err := writeLenPrefixed(&buf, tombstoneBytes); err != nil {
		return fmt.Errorf("failed to write tombstone bitmap: %w", err)
	}

	raw := buf.Bytes()
	b.Header.RawSizeBytes = uint32(len(raw))
	b.Header.BlockID = sha256.Sum256(raw)
	b.Header.Count = count

	if len(raw) >= minCompressSize {
		compressed, cErr := b.compressor.Compress(raw)
		if cErr == nil && compressed != nil && len(compressed) < len(raw) {
			b.Header.CompressionType = CompressionLZ4
			b.Header.StoredSizeBytes = uint32(len(compressed))
			b.Data = compressed
			return nil
		}
	}

	b.Header.CompressionType = CompressionNone
	b.Header.StoredSizeBytes = b.Header.RawSizeBytes
	b.Data = raw
	return nil
}

func writeLenPrefixed(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Encode writes the block to the given writer.
func (b *Block) Encode(w io.Writer) error {
	if len(b.Data) == 0 && b.Header.StoredSizeBytes == 0 {
		if err := b.Finalize(); err != nil {
			return err
		}
	}

	if err := binary.Write(w, binary.LittleEndian, &b.Header); err != nil {
		return fmt.Errorf("failed to write block header: %w", err)
	}
	if err := writeLenPrefixed(w, b.Stats.MinKey); err != nil {
		return fmt.Errorf("failed to write min key: %w", err)
	}
	if err := writeLenPrefixed(w, b.Stats.MaxKey); err != nil {
		return fmt.Errorf("failed to write max key: %w", err)
	}
	if _, err := w.Write(b.Data); err != nil {
		return fmt.Errorf("failed to write block data: %w", err)
	}

	return nil
}

// ReadMeta reads just a block's header and key-range stats from r, without
// decoding its payload. Used when a tree starts up and only needs to know
// which blocks exist and what range they cover, not their contents.
func ReadMeta(r io.Reader) (Header, Stats, error) {
	var h Header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, Stats{}, fmt.Errorf("failed to read block header: %w", err)
	}

	minKey, err := readLenPrefixed(r)
	if err != nil {
		return h, Stats{}, fmt.Errorf("failed to read min key: %w", err)
	}
	maxKey, err := readLenPrefixed(r)
	if err != nil {
		return h, Stats{}, fmt.Errorf("failed to read max key: %w", err)
	}

	return h, Stats{MinKey: minKey, MaxKey: maxKey}, nil
}

// Decode reads a block from the given reader.
func (b *Block) Decode(r io.Reader) error {
	if err := binary.Read(r, binary.LittleEndian, &b.Header); err != nil {
		return fmt.Errorf("failed to read block header: %w", err)
	}

	br, ok := r.(*bytes.Reader)
	if !ok {
		buf, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("failed to buffer block reader: %w", err)
		}
		br = bytes.NewReader(buf)
	}

	minKey, err := readLenPrefixed(br)
	if err != nil {
		return fmt.Errorf("failed to read min key: %w", err)
	}
	maxKey, err := readLenPrefixed(br)
	if err != nil {
		return fmt.Errorf("failed to read max key: %w", err)
	}
	b.Stats.MinKey = minKey
	b.Stats.MaxKey = maxKey

	stored := make([]byte, b.Header.StoredSizeBytes)
	if _, err := io.ReadFull(br, stored); err != nil {
		return fmt.Errorf("failed to read block data: %w", err)
	}
	b.Data = stored

	raw := stored
	if b.Header.CompressionType == CompressionLZ4 {
		if b.compressor == nil {
			b.compressor = compress.NewLZ4()
		}
		raw, err = b.compressor.Decompress(stored, int(b.Header.RawSizeBytes))
		if err != nil {
			return fmt.Errorf("failed to decompress block data: %w", err)
		}
	}

	payload := bytes.NewReader(raw)
	var count uint32
	if err := binary.Read(payload, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("failed to read pair count: %w", err)
	}

	b.pairs = make([]keyValuePair, count)
	for i := uint32(0); i < count; i++ {
		key, kErr := readLenPrefixed(payload)
		if kErr != nil {
			return fmt.Errorf("failed to read key: %w", kErr)
		}
		value, vErr := readLenPrefixed(payload)
		if vErr != nil {
			return fmt.Errorf("failed to read value: %w", vErr)
		}
		b.pairs[i] = keyValuePair{key: key, value: value}
	}

	tombstoneBytes, err := readLenPrefixed(payload)
	if err != nil {
		return fmt.Errorf("failed to read tombstone bitmap: %w", err)
	}
	if len(tombstoneBytes) > 0 {
		parsed, pErr := bitmap.FromBytes(tombstoneBytes)
		if pErr != nil {
			return fmt.Errorf("failed to parse tombstone bitmap: %w", pErr)
		}
		b.tombstones = parsed
	} else {
		b.tombstones = roaring.New()
	}

	return nil
}

// ID returns the unique identifier for the block.
func (b *Block) ID() string {
	return hex.EncodeToString(b.Header.BlockID[:])
}

// MinKey returns the minimum key in the block.
func (b *Block) MinKey() []byte { return b.Stats.MinKey }

// MaxKey returns the maximum key in the block.
func (b *Block) MaxKey() []byte { return b.Stats.MaxKey }

// Count returns the number of key/value pairs in the block.
func (b *Block) Count() int { return len(b.pairs) }

// Size returns the on-disk (post-compression) size of the block's data
// segment in bytes.
func (b *Block) Size() int64 { return int64(b.Header.StoredSizeBytes) }

// String returns a human-readable summary of the block, for logs.
func (b *Block) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "block %s: %d entries, %d bytes stored (%d raw), created %s",
		b.ID(), b.Header.Count, b.Header.StoredSizeBytes, b.Header.RawSizeBytes,
		time.Unix(b.Header.CreatedAt, 0).Format(time.RFC3339))
	return sb.String()
}
