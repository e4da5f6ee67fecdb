package kitbuilder

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"kitbuilder/pkg/digest"
)

// RepodataGroup is the layer holding the repository index.
const RepodataGroup = "repodata"

// Compression selects how layer blobs are stored.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// ParseCompression accepts "", "none" and "zstd".
func ParseCompression(s string) (Compression, error) {
	switch Compression(strings.ToLower(strings.TrimSpace(s))) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd:
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("unknown layer compression %q", s)
	}
}

func (c Compression) mediaType() string {
	if c == CompressionZstd {
		return ocispec.MediaTypeImageLayerZstd
	}
	return ocispec.MediaTypeImageLayer
}

// Predicate reports whether a file (path relative to the group directory)
// belongs in the layer.
type Predicate func(rel string, info fs.FileInfo) bool

// PackageFilter accepts non-empty package files built for arch or noarch.
func PackageFilter(arch string) Predicate {
	suffixes := []string{"." + arch + ".rpm", ".noarch.rpm"}
	return func(rel string, info fs.FileInfo) bool {
		if info.Size() == 0 {
			return false
		}
		base := path.Base(rel)
		for _, suffix := range suffixes {
			if strings.HasSuffix(base, suffix) {
				return true
			}
		}
		return false
	}
}

// AnyFile accepts every non-empty file.
func AnyFile(_ string, info fs.FileInfo) bool {
	return info.Size() > 0
}

// isDebugFile matches debug-info and debug-source packages. These never enter
// a layer, whatever the predicate says.
func isDebugFile(rel string) bool {
	base := path.Base(rel)
	return strings.Contains(base, "-debuginfo-") || strings.Contains(base, "-debugsource-")
}

// PackRequest describes one layer.
type PackRequest struct {
	// Root holds one directory per group.
	Root  string
	Group string
	// Include selects files; nil means AnyFile.
	Include Predicate
	// ModTime is recorded on every directory entry of the layer.
	ModTime     time.Time
	Compression Compression
}

// Layer is a packed, stored layer.
type Layer struct {
	Name      string        `json:"name"`
	MediaType string        `json:"mediaType"`
	Digest    digest.Digest `json:"digest"`
	Size      int64         `json:"size"`
	// DiffID is the digest of the uncompressed tar stream.
	DiffID digest.Digest `json:"diffID"`
	Files  int           `json:"files"`
}

// Descriptor references the layer blob.
func (l Layer) Descriptor() ocispec.Descriptor {
	return ocispec.Descriptor{
		MediaType: l.MediaType,
		Digest:    l.Digest,
		Size:      l.Size,
	}
}

type groupEntry struct {
	name string // slash separated, prefixed with the group
	src  string
	info fs.FileInfo
}

// ReferenceTime returns the modification time of the lexicographically first
// file below dir, before any filtering.
func ReferenceTime(dir string) (time.Time, error) {
	var first string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if first == "" || p < first {
			first = p
		}
		return nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("scan %q: %w", dir, err)
	}
	if first == "" {
		return time.Time{}, fmt.Errorf("%w: %s is empty", ErrEmptyLayer, dir)
	}
	info, err := os.Stat(first)
	if err != nil {
		return time.Time{}, fmt.Errorf("stat %q: %w", first, err)
	}
	return info.ModTime(), nil
}

func collectGroup(ctx context.Context, root, group string, include Predicate) ([]groupEntry, error) {
	dir := filepath.Join(root, group)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat group %q: %w", group, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("group %q: %s is not a directory", group, dir)
	}

	var entries []groupEntry
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", p, err)
		}
		rel = filepath.ToSlash(rel)
		if isDebugFile(rel) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %q: %w", p, err)
		}
		if !include(rel, fi) {
			return nil
		}

		entries = append(entries, groupEntry{name: group + "/" + rel, src: p, info: fi})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("group %q: %w", group, ErrEmptyLayer)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].name < entries[j].name
	})
	return entries, nil
}

// PackLayer archives one group into the blob store. The tar stream holds the
// group directory, any nested directories, and the selected files, sorted by
// path with owner information cleared, so identical inputs give identical
// bytes.
func PackLayer(ctx context.Context, store *BlobStore, req PackRequest) (Layer, error) {
	if store == nil {
		return Layer{}, errors.New("blob store is required")
	}
	if req.Group == "" || strings.ContainsAny(req.Group, `/\`) || req.Group == "." || req.Group == ".." {
		return Layer{}, fmt.Errorf("invalid group name %q", req.Group)
	}
	if req.Include == nil {
		req.Include = AnyFile
	}
	if req.Compression == "" {
		req.Compression = CompressionNone
	}

	entries, err := collectGroup(ctx, req.Root, req.Group, req.Include)
	if err != nil {
		return Layer{}, err
	}

	blob, err := store.Create()
	if err != nil {
		return Layer{}, err
	}

	diffID := digest.NewWriter()
	var (
		sink    io.Writer = blob
		encoder *zstd.Encoder
	)
	if req.Compression == CompressionZstd {
		encoder, err = zstd.NewWriter(blob, zstd.WithEncoderConcurrency(1))
		if err != nil {
			blob.Abort()
			return Layer{}, fmt.Errorf("zstd writer: %w", err)
		}
		sink = encoder
	}

	abort := func() {
		if encoder != nil {
			_ = encoder.Close()
		}
		blob.Abort()
	}

	tw := tar.NewWriter(io.MultiWriter(diffID, sink))
	if err := writeGroup(ctx, tw, req.Group, req.ModTime, entries); err != nil {
		abort()
		return Layer{}, fmt.Errorf("pack group %q: %w", req.Group, err)
	}
	if err := tw.Close(); err != nil {
		abort()
		return Layer{}, fmt.Errorf("finish tar for %q: %w", req.Group, err)
	}
	if encoder != nil {
		if err := encoder.Close(); err != nil {
			blob.Abort()
			return Layer{}, fmt.Errorf("finish zstd for %q: %w", req.Group, err)
		}
	}

	d, size, err := blob.Commit()
	if err != nil {
		return Layer{}, err
	}

	return Layer{
		Name:      req.Group,
		MediaType: req.Compression.mediaType(),
		Digest:    d,
		Size:      size,
		DiffID:    diffID.Digest(),
		Files:     len(entries),
	}, nil
}

func writeGroup(ctx context.Context, tw *tar.Writer, group string, modTime time.Time, entries []groupEntry) error {
	dirTime := modTime.UTC().Truncate(time.Second)
	written := map[string]bool{}

	writeDir := func(name string) error {
		if written[name] {
			return nil
		}
		written[name] = true
		return tw.WriteHeader(&tar.Header{
			Name:     name + "/",
			Mode:     0o755,
			ModTime:  dirTime,
			Typeflag: tar.TypeDir,
		})
	}

	if err := writeDir(group); err != nil {
		return err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Parents sort before their children, so emitting missing parents here
		// keeps the archive in path order.
		parts := strings.Split(entry.name, "/")
		for i := 2; i < len(parts); i++ {
			if err := writeDir(strings.Join(parts[:i], "/")); err != nil {
				return err
			}
		}

		if err := writeFile(tw, entry); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(tw *tar.Writer, entry groupEntry) error {
	file, err := os.Open(entry.src)
	if err != nil {
		return fmt.Errorf("open %q: %w", entry.src, err)
	}
	defer file.Close()

	header := &tar.Header{
		Name:     entry.name,
		Mode:     int64(entry.info.Mode().Perm()),
		Size:     entry.info.Size(),
		ModTime:  entry.info.ModTime().UTC().Truncate(time.Second),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", entry.name, err)
	}
	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("copy %q: %w", entry.name, err)
	}
	return nil
}
