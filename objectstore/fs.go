// ABOUTME: Content-addressed blob storage on the local filesystem.
// ABOUTME: Keys are {sha256}.{ext}; writes go through a temp file and rename, and existing keys are never rewritten.
package objectstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store is a filesystem-backed blob store. Because keys embed the content
// hash, a key that exists already holds the right bytes and Put skips it.
type Store struct {
	root string
}

// New creates the store, making the root directory if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create object store root: %w", err)
	}
	return &Store{root: root}, nil
}

// Key derives the content-addressed key for data with the given extension.
func Key(data []byte, ext string) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) + "." + strings.TrimPrefix(ext, ".")
}

// Put stores data under its content-addressed key and returns the key.
// Writes are atomic: a temp file in the same directory is renamed into place.
func (s *Store) Put(data []byte, ext string) (string, error) {
	key := Key(data, ext)
	path := filepath.Join(s.root, key)

	if _, err := os.Stat(path); err == nil {
		return key, nil
	}

	tmp, err := os.CreateTemp(s.root, ".put-*")
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("finalize object: %w", err)
	}
	return key, nil
}

// PutFile streams a file into the store, hashing as it copies, and returns
// the content-addressed key.
func (s *Store) PutFile(srcPath, ext string) (string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("open source file: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(s.root, ".put-*")
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	tmpName := tmp.Name()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), src); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close object: %w", err)
	}

	key := hex.EncodeToString(h.Sum(nil)) + "." + strings.TrimPrefix(ext, ".")
	path := filepath.Join(s.root, key)
	if _, err := os.Stat(path); err == nil {
		_ = os.Remove(tmpName)
		return key, nil
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("finalize object: %w", err)
	}
	return key, nil
}

// Get reads the blob stored under key.
func (s *Store) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, key))
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// Exists reports whether a key is present.
func (s *Store) Exists(key string) bool {
	_, err := os.Stat(filepath.Join(s.root, key))
	return err == nil
}

// Delete removes a key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	err := os.Remove(filepath.Join(s.root, key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

// Path returns the absolute filesystem path for a key without checking existence.
func (s *Store) Path(key string) string {
	return filepath.Join(s.root, key)
}
