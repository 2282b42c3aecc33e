package blockstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// fileTier is a directory-backed byte store for one tier (local or
// remote). Layout matches spec.md §6:
//
//	<root>/<seq mod 256 as 2-hex-digits>/<key_string>.kvblk
//
// Grounded on friggdb/backend/local/local.go's rootPath/tracesFileName
// helpers, generalized from a per-block-type filename scheme to the
// single key_string scheme this spec defines.
type fileTier struct {
	root string
	name string // TierLocal or TierRemote
}

func newFileTier(root, name string) (*fileTier, error) {
	if root == "" {
		return nil, fmt.Errorf("blockstore: %s tier requires a root path", name)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blockstore: creating %s tier root: %w", name, err)
	}
	return &fileTier{root: root, name: name}, nil
}

func (t *fileTier) path(key BlockKey) string {
	return filepath.Join(t.root, key.shard(), key.String()+".kvblk")
}

// write durably stores data under key's path. The write lands in a
// temporary sibling file first (suffixed with a uuid, not the block's
// own name) and is renamed into place, so a crash mid-write never
// leaves a partial file at the final path for the index to point to.
// This generalizes friggdb's WAL headBlock.Complete pattern (build in
// a work location, rename into the real one).
func (t *fileTier) write(key BlockKey, data []byte) error {
	dir := filepath.Join(t.root, key.shard())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("blockstore: creating shard dir: %w", err)
	}

	tmp := filepath.Join(dir, key.String()+"."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("blockstore: writing temp block: %w", err)
	}

	if err := os.Rename(tmp, t.path(key)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("blockstore: renaming block into place: %w", err)
	}

	return nil
}

func (t *fileTier) read(key BlockKey) ([]byte, error) {
	b, err := os.ReadFile(t.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blockstore: reading block: %w", err)
	}
	return b, nil
}

func (t *fileTier) remove(key BlockKey) error {
	err := os.Remove(t.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blockstore: removing block: %w", err)
	}
	return nil
}

// moveFrom copies data for key out of src and into t, then removes it
// from src. Used for local->remote migration under budget pressure.
func (t *fileTier) moveFrom(src *fileTier, key BlockKey) error {
	data, err := src.read(key)
	if err != nil {
		return err
	}
	if err := t.write(key, data); err != nil {
		return err
	}
	return src.remove(key)
}
