package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/regen-network/koi-processor/pkg/identity"
)

// BlobStore is a filesystem-backed content-addressed store. Blobs live at
// <base>/<first two hex chars>/<digest>, written atomically via temp+rename.
type BlobStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewBlobStore creates the CAS root directory if needed.
func NewBlobStore(baseDir string) (*BlobStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: ensure blob dir: %v", ErrBackendUnavailable, err)
	}
	return &BlobStore{baseDir: baseDir}, nil
}

// Put hashes data and writes the blob if absent. Two concurrent Puts of
// identical bytes yield the same CID and at most one physical write: the
// rename onto the final path is the atomic commit point.
func (b *BlobStore) Put(ctx context.Context, data []byte) (identity.CID, error) {
	cid := identity.HashCID(data)

	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.path(cid)
	if _, err := os.Stat(path); err == nil {
		return cid, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return identity.CID{}, fmt.Errorf("%w: ensure shard dir: %v", ErrBackendUnavailable, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return identity.CID{}, fmt.Errorf("%w: write blob: %v", ErrBackendUnavailable, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return identity.CID{}, fmt.Errorf("%w: commit blob: %v", ErrBackendUnavailable, err)
	}
	return cid, nil
}

// Get reads blob bytes and verifies them against the CID on the way out.
func (b *BlobStore) Get(ctx context.Context, cid identity.CID) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, err := os.ReadFile(b.path(cid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, cid)
		}
		return nil, fmt.Errorf("%w: read blob: %v", ErrBackendUnavailable, err)
	}
	if got := identity.HashCID(data); !got.Equal(cid) {
		return nil, fmt.Errorf("%w: hash mismatch for %s", ErrIntegrity, cid)
	}
	return data, nil
}

// Exists checks for a blob without reading it.
func (b *BlobStore) Exists(ctx context.Context, cid identity.CID) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, err := os.Stat(b.path(cid))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("%w: stat blob: %v", ErrBackendUnavailable, err)
}

// Size returns the stored blob size in bytes.
func (b *BlobStore) Size(ctx context.Context, cid identity.CID) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	info, err := os.Stat(b.path(cid))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, cid)
		}
		return 0, fmt.Errorf("%w: stat blob: %v", ErrBackendUnavailable, err)
	}
	return info.Size(), nil
}

// Delete removes a blob. Missing blobs are not an error.
func (b *BlobStore) Delete(ctx context.Context, cid identity.CID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.Remove(b.path(cid)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete blob: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (b *BlobStore) path(cid identity.CID) string {
	return filepath.Join(b.baseDir, cid.Digest[:2], cid.Digest)
}
