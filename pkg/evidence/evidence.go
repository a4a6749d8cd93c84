// Package evidence is the content-addressed archive beside the ledger. It
// holds the artifacts the ledger only references by hash: rejected input
// vectors for the shadow genome, exported chain bundles, and chain-head
// anchor documents. Keys are "sha256:"-prefixed hex digests, so a document
// can always be checked against its address.
package evidence

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MythologIQ/qorelogic/pkg/canonical"
)

// Store is content-addressed storage: Put returns the content hash, every
// other call takes one.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
	Delete(ctx context.Context, hash string) error
}

// rawHex strips and validates the "sha256:" prefix.
func rawHex(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, canonical.HashPrefix)
	if !ok {
		return "", fmt.Errorf("evidence: address %q lacks %s prefix", hash, canonical.HashPrefix)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("evidence: address %q is not hex: %w", hash, err)
	}
	return raw, nil
}

// FileStore keeps blobs as <hash>.blob files under a private directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the archive directory owner-only and returns the
// store.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("evidence: ensure archive dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// Put writes data under its content hash. Re-storing existing content is a
// no-op returning the same address.
func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := canonical.HashBytes(data)
	path := filepath.Join(s.baseDir, addr[len(canonical.HashPrefix):]+".blob")
	if _, err := os.Stat(path); err == nil {
		return addr, nil
	}

	// Write to temp, then rename, so readers never see partial blobs.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("evidence: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("evidence: commit blob: %w", err)
	}
	return addr, nil
}

// Get reads a blob by address.
func (s *FileStore) Get(_ context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := rawHex(hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.baseDir, raw+".blob"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("evidence: %s not archived", hash)
		}
		return nil, fmt.Errorf("evidence: open blob: %w", err)
	}
	defer f.Close() //nolint:errcheck // read path, close error carries no data

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("evidence: read blob: %w", err)
	}
	return data, nil
}

// Exists reports whether an address is archived.
func (s *FileStore) Exists(_ context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := rawHex(hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(s.baseDir, raw+".blob"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("evidence: stat blob: %w", err)
}

// Delete removes a blob; deleting an absent address is a no-op.
func (s *FileStore) Delete(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := rawHex(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.baseDir, raw+".blob")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("evidence: delete blob: %w", err)
	}
	return nil
}
