package kitbuilder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"kitbuilder/pkg/digest"
)

const (
	layoutDirName = "layout"
	ingestDirName = "ingest"
)

// BlobStore is a write-once, content-addressed store laid out as an OCI image
// layout: every blob lives at blobs/sha256/<hex> below LayoutDir. Partially
// written blobs are staged in a sibling ingest directory so the layout never
// holds anything but complete blobs.
type BlobStore struct {
	layout string
	ingest string
}

// NewBlobStore creates the layout and ingest directories below root.
func NewBlobStore(root string) (*BlobStore, error) {
	if root == "" {
		return nil, errors.New("blob store root is required")
	}
	s := &BlobStore{
		layout: filepath.Join(root, layoutDirName),
		ingest: filepath.Join(root, ingestDirName),
	}
	if err := os.MkdirAll(s.blobDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.MkdirAll(s.ingest, 0o755); err != nil {
		return nil, fmt.Errorf("create ingest dir: %w", err)
	}
	return s, nil
}

// LayoutDir is the root of the OCI image layout.
func (s *BlobStore) LayoutDir() string {
	return s.layout
}

// Path returns where the blob for d is stored.
func (s *BlobStore) Path(d digest.Digest) string {
	return filepath.Join(s.blobDir(), d.Encoded())
}

func (s *BlobStore) blobDir() string {
	return filepath.Join(s.layout, "blobs", string(digest.Algorithm))
}

// Create opens a staging writer. Callers must Commit or Abort it.
func (s *BlobStore) Create() (*BlobWriter, error) {
	file, err := os.CreateTemp(s.ingest, "blob-*")
	if err != nil {
		return nil, fmt.Errorf("create staging blob: %w", err)
	}
	return &BlobWriter{store: s, file: file, hash: digest.NewWriter()}, nil
}

// Put stores everything read from r.
func (s *BlobStore) Put(r io.Reader) (digest.Digest, int64, error) {
	w, err := s.Create()
	if err != nil {
		return "", 0, err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Abort()
		return "", 0, fmt.Errorf("write blob: %w", err)
	}
	return w.Commit()
}

// PutBytes stores p.
func (s *BlobStore) PutBytes(p []byte) (digest.Digest, int64, error) {
	return s.Put(bytes.NewReader(p))
}

// BlobWriter stages one blob while hashing it.
type BlobWriter struct {
	store *BlobStore
	file  *os.File
	hash  *digest.Writer
	done  bool
}

func (w *BlobWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if n > 0 {
		_, _ = w.hash.Write(p[:n])
	}
	return n, err
}

// Commit moves the staged content to its content address. A blob that is
// already present must hash to the same digest.
func (w *BlobWriter) Commit() (digest.Digest, int64, error) {
	if w.done {
		return "", 0, errors.New("blob writer already closed")
	}
	w.done = true
	staged := w.file.Name()
	defer os.Remove(staged)

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return "", 0, fmt.Errorf("sync staging blob: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return "", 0, fmt.Errorf("close staging blob: %w", err)
	}
	if err := os.Chmod(staged, 0o644); err != nil {
		return "", 0, fmt.Errorf("chmod staging blob: %w", err)
	}

	d, size := w.hash.Digest(), w.hash.Size()
	target := w.store.Path(d)
	if err := os.Link(staged, target); err != nil {
		if !errors.Is(err, os.ErrExist) {
			return "", 0, fmt.Errorf("store blob %s: %w", d, err)
		}
		existing, _, err := digest.FromFile(target)
		if err != nil {
			return "", 0, fmt.Errorf("check existing blob %s: %w", d, err)
		}
		if existing != d {
			return "", 0, fmt.Errorf("%w: %s", ErrDigestMismatch, target)
		}
	}
	return d, size, nil
}

// Abort discards the staged content.
func (w *BlobWriter) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.file.Close()
	os.Remove(w.file.Name())
}
