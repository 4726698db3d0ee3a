package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
)

// CheckpointMetadata is the small JSON sidecar written alongside every
// checkpoint directory, recording what it is a snapshot of.
type CheckpointMetadata struct {
	ID         string   `json:"id"`
	CreatedAt  int64    `json:"created_at"`
	Namespaces []string `json:"namespaces"`
}

// checkpointManager creates and enumerates checkpoint directories: a
// hardlinked (falling back to copied) mirror of every namespace's current
// on-disk blocks and manifest, taken without blocking writers since blocks
// are immutable once finalized.
type checkpointManager struct {
	root string
}

func newCheckpointManager(root string) (*checkpointManager, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint root: %w", err)
	}
	return &checkpointManager{root: root}, nil
}

// create flushes every namespace's memtable, then snapshots its leaf store
// into a fresh checkpoint directory and returns its id. The flush must
// happen before the directory is linked: otherwise whatever hasn't yet
// crossed the flush threshold would simply be absent from the checkpoint.
func (c *checkpointManager) create(ctx context.Context, namespaces []*namespaceState) (string, error) {
	id := newCheckpointID()
	dir := filepath.Join(c.root, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	g := new(errgroup.Group)
	names := make([]string, 0, len(namespaces))
	for _, ns := range namespaces {
		ns := ns
		names = append(names, ns.name)
		nsDest := filepath.Join(dir, ns.name)
		g.Go(func() error {
			if err := ns.tree.flush(ctx); err != nil {
				return fmt.Errorf("failed to flush namespace %q: %w", ns.name, err)
			}
			return linkTree(ns.tree.dataDir, nsDest)
		})
	}
	if err := g.Wait(); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("failed to snapshot namespaces: %w", err)
	}

	meta := CheckpointMetadata{ID: id, CreatedAt: time.Now().UnixNano(), Namespaces: names}
	metaPath := filepath.Join(dir, "metadata.json")
	f, err := os.Create(metaPath)
	if err != nil {
		return "", fmt.Errorf("failed to write checkpoint metadata: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(meta); err != nil {
		return "", fmt.Errorf("failed to encode checkpoint metadata: %w", err)
	}

	return id, nil
}

// path returns the directory a checkpoint id would live at, without
// checking whether it exists.
func (c *checkpointManager) path(id string) string {
	return filepath.Join(c.root, id)
}

// metadata reads a checkpoint's sidecar file.
func (c *checkpointManager) metadata(id string) (CheckpointMetadata, error) {
	f, err := os.Open(filepath.Join(c.path(id), "metadata.json"))
	if err != nil {
		return CheckpointMetadata{}, err
	}
	defer f.Close()
	var meta CheckpointMetadata
	if err := json.NewDecoder(f).Decode(&meta); err != nil {
		return CheckpointMetadata{}, err
	}
	return meta, nil
}

// list enumerates every checkpoint id currently on disk, oldest first.
func (c *checkpointManager) list() ([]CheckpointMetadata, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	out := make([]CheckpointMetadata, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := c.metadata(e.Name())
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

// remove deletes a checkpoint directory entirely.
func (c *checkpointManager) remove(id string) error {
	return os.RemoveAll(c.path(id))
}

// exists reports whether a checkpoint directory is present on disk.
func (c *checkpointManager) exists(id string) bool {
	_, err := os.Stat(c.path(id))
	return err == nil
}

func newCheckpointID() string {
	return fmt.Sprintf("ckpt-%d", time.Now().UnixNano())
}

// linkTree mirrors src into dst file-by-file, hardlinking each file where
// the two paths share a device (the common case, and the cheap one since
// blocks are immutable once written) and falling back to a full copy when
// linking fails (e.g. across filesystems).
func linkTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if info.IsDir() {
			return os.MkdirAll(target, 0755)
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := os.Link(path, target); err != nil {
			return copyFile(path, target)
		}
		return nil
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
