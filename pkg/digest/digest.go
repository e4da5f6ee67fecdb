// Package digest computes the content digests used to address every blob in a
// kit. All digests are sha256 and are rendered as "sha256:<hex>".
package digest

import (
	"errors"
	"fmt"
	"io"
	"os"

	godigest "github.com/opencontainers/go-digest"
)

// Algorithm is the only digest algorithm kits use.
const Algorithm = godigest.SHA256

// Digest is a content digest in "<algorithm>:<hex>" form.
type Digest = godigest.Digest

// ErrMismatch is returned when content does not hash to the expected digest.
var ErrMismatch = errors.New("digest mismatch")

// FromBytes returns the digest of p.
func FromBytes(p []byte) Digest {
	return Algorithm.FromBytes(p)
}

// FromReader consumes r and returns its digest and the number of bytes read.
func FromReader(r io.Reader) (Digest, int64, error) {
	w := NewWriter()
	n, err := io.Copy(w, r)
	if err != nil {
		return "", n, err
	}
	return w.Digest(), n, nil
}

// FromFile returns the digest and size of the file at path.
func FromFile(path string) (Digest, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	d, n, err := FromReader(file)
	if err != nil {
		return "", n, fmt.Errorf("hash %q: %w", path, err)
	}
	return d, n, nil
}

// Parse validates s as a sha256 digest.
func Parse(s string) (Digest, error) {
	d, err := godigest.Parse(s)
	if err != nil {
		return "", err
	}
	if d.Algorithm() != Algorithm {
		return "", fmt.Errorf("unsupported digest algorithm %q", d.Algorithm())
	}
	return d, nil
}

// Verify reads r to the end and reports ErrMismatch when its content does not
// hash to want.
func Verify(want Digest, r io.Reader) error {
	if err := want.Validate(); err != nil {
		return err
	}
	verifier := want.Verifier()
	if _, err := io.Copy(verifier, r); err != nil {
		return err
	}
	if !verifier.Verified() {
		return fmt.Errorf("%w: expected %s", ErrMismatch, want)
	}
	return nil
}

// Writer hashes and counts everything written to it.
type Writer struct {
	digester godigest.Digester
	size     int64
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{digester: Algorithm.Digester()}
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.digester.Hash().Write(p)
	w.size += int64(n)
	return n, err
}

// Digest returns the digest of the bytes written so far.
func (w *Writer) Digest() Digest {
	return w.digester.Digest()
}

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 {
	return w.size
}
