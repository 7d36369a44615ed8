package upload

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ChunkStore holds per-chunk blobs on the local filesystem under
// root/sessions/<id>/chunk-<index>.bin. Blobs stay on disk even when session
// metadata lives in Postgres.
type ChunkStore struct {
	root string
}

func NewChunkStore(root string) (*ChunkStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &ChunkStore{root: root}, nil
}

func (c *ChunkStore) chunkPath(sessionID string, index int) string {
	return filepath.Join(c.root, "sessions", sessionID, fmt.Sprintf("chunk-%05d.bin", index))
}

// Write stores one chunk blob atomically: the bytes land in a tmp file first
// and are renamed into place, so a blob is either fully present or absent.
func (c *ChunkStore) Write(sessionID string, index int, r io.Reader) (int64, error) {
	path := c.chunkPath(sessionID, index)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create chunk dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "chunk-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create chunk tmp file: %w", err)
	}
	written, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("write chunk %d: %w", index, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("persist chunk %d: %w", index, err)
	}
	return written, nil
}

// Open returns the blob for one chunk index. A missing blob maps to
// ErrMissingChunk so assembly can report which index must be resent.
func (c *ChunkStore) Open(sessionID string, index int) (io.ReadCloser, error) {
	f, err := os.Open(c.chunkPath(sessionID, index))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("chunk %d: %w", index, ErrMissingChunk)
		}
		return nil, fmt.Errorf("open chunk %d: %w", index, err)
	}
	return f, nil
}

// Remove deletes every chunk blob of a session. Idempotent; it leaves session
// metadata alone.
func (c *ChunkStore) Remove(sessionID string) error {
	pattern := filepath.Join(c.root, "sessions", sessionID, "chunk-*.bin")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("list chunk blobs: %w", err)
	}
	for _, match := range matches {
		if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove chunk blob %s: %w", match, err)
		}
	}
	return nil
}
