package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// WAL provides durability for a namespace's mutations: every put/delete is
// logged here before it's applied to the memtable, so a crash between the
// two can always be recovered by replay.
type WAL struct {
	walDir string

	file   *os.File
	writer *bufio.Writer

	mu      sync.Mutex
	size    int64
	maxSize int64

	crc32Table *crc32.Table
}

// WALEntry is a single logged mutation. Namespace is carried per-entry
// rather than per-file so a single WAL can in principle serve more than one
// namespace, matching how Engine shares one WAL directory across the
// namespace registry.
type WALEntry struct {
	Timestamp int64
	OpType    byte
	Namespace string
	Key       []byte
	Value     []byte
}

const (
	OpTypePut    byte = 1
	OpTypeDelete byte = 2
)

// NewWAL creates or reopens a WAL rooted at walDir.
func NewWAL(walDir string) (*WAL, error) {
	if err := os.MkdirAll(walDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	w := &WAL{
		walDir:     walDir,
		maxSize:    64 * 1024 * 1024,
		crc32Table: crc32.MakeTable(crc32.Castagnoli),
	}

	if err := w.openCurrentFile(); err != nil {
		return nil, err
	}

	return w, nil
}

func (w *WAL) openCurrentFile() error {
	files, err := os.ReadDir(w.walDir)
	if err != nil {
		return fmt.Errorf("failed to read WAL directory: %w", err)
	}

	var latestFile string
	var latestTime int64
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".wal" {
			continue
		}
		var timestamp int64
		if _, err := fmt.Sscanf(file.Name(), "%d.wal", &timestamp); err != nil {
			continue
		}
		if timestamp > latestTime {
			latestTime = timestamp
			latestFile = file.Name()
		}
	}

	var path string
	if latestFile == "" {
		path = filepath.Join(w.walDir, fmt.Sprintf("%d.wal", time.Now().UnixNano()))
		w.size = 0
	} else {
		path = filepath.Join(w.walDir, latestFile)
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("failed to stat WAL file: %w", err)
		}
		w.size = info.Size()
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open WAL file: %w", err)
	}

	w.file = file
	w.writer = bufio.NewWriter(file)
	return nil
}

// AppendPut logs a put against namespace ns.
func (w *WAL) AppendPut(ns string, key, value []byte) error {
	return w.append(OpTypePut, ns, key, value)
}

// AppendDelete logs a point tombstone against namespace ns.
func (w *WAL) AppendDelete(ns string, key []byte) error {
	return w.append(OpTypeDelete, ns, key, nil)
}

func (w *WAL) append(opType byte, ns string, key, value []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size >= w.maxSize {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	entry := WALEntry{
		Timestamp: time.Now().UnixNano(),
		OpType:    opType,
		Namespace: ns,
		Key:       key,
		Value:     value,
	}

	// Header: 4 CRC32 + 4 size, then: 8 timestamp + 1 opType + 4 nsLen + ns
	// + 4 keyLen + key + 4 valueLen + value.
	entrySize := 8 + 1 + 4 + len(ns) + 4 + len(key) + 4 + len(value)

	buf := make([]byte, entrySize+8)
	offset := 4

	binary.LittleEndian.PutUint32(buf[offset:], uint32(entrySize))
	offset += 4

	binary.LittleEndian.PutUint64(buf[offset:], uint64(entry.Timestamp))
	offset += 8

	buf[offset] = entry.OpType
	offset++

	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(ns)))
	offset += 4
	copy(buf[offset:], ns)
	offset += len(ns)

	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(entry.Key)))
	offset += 4
	copy(buf[offset:], entry.Key)
	offset += len(entry.Key)

	if entry.OpType == OpTypePut {
		binary.LittleEndian.PutUint32(buf[offset:], uint32(len(entry.Value)))
		offset += 4
		copy(buf[offset:], entry.Value)
		offset += len(entry.Value)
	} else {
		binary.LittleEndian.PutUint32(buf[offset:], 0)
		offset += 4
	}

	crc := crc32.Checksum(buf[8:offset], w.crc32Table)
	binary.LittleEndian.PutUint32(buf[0:], crc)

	n, err := w.writer.Write(buf[:offset])
	if err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}
	w.size += int64(n)

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	return nil
}

func (w *WAL) rotate() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close WAL file: %w", err)
	}
	path := filepath.Join(w.walDir, fmt.Sprintf("%d.wal", time.Now().UnixNano()))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open WAL file: %w", err)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)
	w.size = 0
	return nil
}

// Replay applies every entry across every WAL file, oldest first.
func (w *WAL) Replay(callback func(entry WALEntry) error) error {
	return w.ReplayFrom(0, callback)
}

// ReplayFrom applies every entry with timestamp > fromTimestamp, reading
// every WAL file oldest first (a file is named for when it was opened, so
// one named before the cutoff can still hold later entries). Used
// after restoring a checkpoint to replay only what the checkpoint predates.
func (w *WAL) ReplayFrom(fromTimestamp int64, callback func(entry WALEntry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}

	files, err := os.ReadDir(w.walDir)
	if err != nil {
		return fmt.Errorf("failed to read WAL directory: %w", err)
	}

	type walFile struct {
		path      string
		timestamp int64
	}
	var walFiles []walFile
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".wal" {
			continue
		}
		var timestamp int64
		if _, err := fmt.Sscanf(file.Name(), "%d.wal", &timestamp); err != nil {
			continue
		}
		walFiles = append(walFiles, walFile{path: filepath.Join(w.walDir, file.Name()), timestamp: timestamp})
	}

	for i := 0; i < len(walFiles); i++ {
		for j := i + 1; j < len(walFiles); j++ {
			if walFiles[i].timestamp > walFiles[j].timestamp {
				walFiles[i], walFiles[j] = walFiles[j], walFiles[i]
			}
		}
	}

	for _, f := range walFiles {
		if err := w.replayFileFrom(f.path, fromTimestamp, callback); err != nil {
			return err
		}
	}

	return nil
}

func (w *WAL) replayFileFrom(path string, fromTimestamp int64, callback func(entry WALEntry) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open WAL file: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)

	for {
		header := make([]byte, 8)
		if _, err := io.ReadFull(reader, header); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("failed to read WAL entry header: %w", err)
		}

		crc := binary.LittleEndian.Uint32(header[0:])
		entrySize := binary.LittleEndian.Uint32(header[4:])

		data := make([]byte, entrySize)
		if _, err := io.ReadFull(reader, data); err != nil {
			return fmt.Errorf("failed to read WAL entry data: %w", err)
		}

		if computed := crc32.Checksum(data, w.crc32Table); computed != crc {
			return fmt.Errorf("WAL entry corrupted: CRC mismatch")
		}

		var entry WALEntry
		offset := 0

		entry.Timestamp = int64(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8

		if entry.Timestamp <= fromTimestamp {
			continue
		}

		entry.OpType = data[offset]
		offset++

		nsLen := binary.LittleEndian.Uint32(data[offset:])
		offset += 4
		entry.Namespace = string(data[offset : offset+int(nsLen)])
		offset += int(nsLen)

		keyLen := binary.LittleEndian.Uint32(data[offset:])
		offset += 4
		entry.Key = make([]byte, keyLen)
		copy(entry.Key, data[offset:offset+int(keyLen)])
		offset += int(keyLen)

		valueLen := binary.LittleEndian.Uint32(data[offset:])
		offset += 4
		if valueLen > 0 {
			entry.Value = make([]byte, valueLen)
			copy(entry.Value, data[offset:offset+int(valueLen)])
		}

		if err := callback(entry); err != nil {
			return fmt.Errorf("failed to apply WAL entry: %w", err)
		}
	}

	return nil
}

// Close flushes and closes the active WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL: %w", err)
		}
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
	}
	return nil
}
