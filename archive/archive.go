// Package archive is a content-addressed blob store for captured wire
// traffic. Operations with archive_io enabled put the exact bytes sent and
// received here and reference them from trace rows, keeping large payloads
// out of SQLite. Identical payloads share one blob.
package archive

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

const refPrefix = "blake2b:"

// NotFoundError reports a ref with no blob behind it.
type NotFoundError struct {
	Ref string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("archive: %s not found", e.Ref) }

// CorruptError reports a blob whose bytes no longer match its ref.
type CorruptError struct {
	Ref string
}

func (e *CorruptError) Error() string { return fmt.Sprintf("archive: %s failed verification", e.Ref) }

// RefError reports a malformed blob reference.
type RefError struct {
	Ref string
}

func (e *RefError) Error() string { return fmt.Sprintf("archive: malformed ref %q", e.Ref) }

// Store is a filesystem blob store addressed by BLAKE2b-256 digest.
// Blobs live under <dir>/<aa>/<rest-of-hex>; writes go through a temp file
// and rename, so a crash never leaves a half-written blob at its final path.
type Store struct {
	dir string
}

// Open creates the store directory if needed and returns the store.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: mkdir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// Put stores data and returns its ref ("blake2b:<hex>"). Storing bytes that
// already exist is a no-op returning the same ref.
func (s *Store) Put(data []byte) (string, error) {
	sum := blake2b.Sum256(data)
	ref := refPrefix + hex.EncodeToString(sum[:])
	path, err := s.path(ref)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("archive: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "put-*")
	if err != nil {
		return "", fmt.Errorf("archive: temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("archive: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("archive: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("archive: rename: %w", err)
	}
	return ref, nil
}

// Get returns the blob for ref, verifying its digest on the way out.
func (s *Store) Get(ref string) ([]byte, error) {
	path, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Ref: ref}
		}
		return nil, fmt.Errorf("archive: read: %w", err)
	}
	sum := blake2b.Sum256(data)
	if refPrefix+hex.EncodeToString(sum[:]) != ref {
		return nil, &CorruptError{Ref: ref}
	}
	return data, nil
}

// Has reports whether a blob exists for ref.
func (s *Store) Has(ref string) bool {
	path, err := s.path(ref)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Prune removes blobs not modified within the retention window and returns
// how many were deleted. Run it with the same retention as the message store
// so trace rows never outlive the bytes they reference.
func (s *Store) Prune(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	err := filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(path) == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("archive: prune: %w", err)
	}
	return removed, nil
}

func (s *Store) path(ref string) (string, error) {
	hexPart, ok := strings.CutPrefix(ref, refPrefix)
	if !ok || len(hexPart) != 64 {
		return "", &RefError{Ref: ref}
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return "", &RefError{Ref: ref}
	}
	return filepath.Join(s.dir, hexPart[:2], hexPart[2:]), nil
}
