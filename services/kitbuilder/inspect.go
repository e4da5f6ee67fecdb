package kitbuilder

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/zstd"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"kitbuilder/pkg/digest"
)

// maxDocumentSize bounds the blobs kept in memory while reading an archive;
// manifests and configs are far smaller.
const maxDocumentSize = 4 << 20

var blobPrefix = "blobs/" + string(digest.Algorithm) + "/"

// Inspection is the parsed content of a kit archive.
type Inspection struct {
	Index    ocispec.Index
	Manifest ocispec.Manifest
	Config   ocispec.Image
	Metadata KitMetadata
	// Blobs maps every blob in the archive to its size.
	Blobs map[digest.Digest]int64
}

type archiveContent struct {
	files map[string][]byte
	blobs map[digest.Digest]int64
	docs  map[digest.Digest][]byte
}

// Inspect reads a kit archive, checks every blob against its name and
// decodes the kit metadata from the image config.
func Inspect(ctx context.Context, archivePath string) (*Inspection, error) {
	content, err := readArchive(ctx, archivePath)
	if err != nil {
		return nil, err
	}

	layoutBytes, ok := content.files[ocispec.ImageLayoutFile]
	if !ok {
		return nil, fmt.Errorf("archive missing %s", ocispec.ImageLayoutFile)
	}
	var layout ocispec.ImageLayout
	if err := json.Unmarshal(layoutBytes, &layout); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ocispec.ImageLayoutFile, err)
	}
	if layout.Version != ocispec.ImageLayoutVersion {
		return nil, fmt.Errorf("unsupported image layout version %q", layout.Version)
	}

	indexBytes, ok := content.files[ocispec.ImageIndexFile]
	if !ok {
		return nil, fmt.Errorf("archive missing %s", ocispec.ImageIndexFile)
	}
	insp := &Inspection{Blobs: content.blobs}
	if err := json.Unmarshal(indexBytes, &insp.Index); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ocispec.ImageIndexFile, err)
	}
	if len(insp.Index.Manifests) == 0 {
		return nil, errors.New("empty oci image index")
	}

	if err := content.decode(insp.Index.Manifests[0], &insp.Manifest); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	if err := content.decode(insp.Manifest.Config, &insp.Config); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	encoded, ok := insp.Config.Config.Labels[KitMetadataLabel]
	if !ok {
		return nil, ErrNotKit
	}
	insp.Metadata, err = DecodeKitMetadata(encoded)
	if err != nil {
		return nil, err
	}
	return insp, nil
}

// Verify inspects an archive and additionally checks that the index points at
// exactly one manifest, that every layer is present with its declared size,
// and that the config's diff_ids match the uncompressed layer contents in order.
func Verify(ctx context.Context, archivePath string) (*Inspection, error) {
	insp, err := Inspect(ctx, archivePath)
	if err != nil {
		return nil, err
	}
	if n := len(insp.Index.Manifests); n != 1 {
		return nil, fmt.Errorf("index lists %d manifests, want 1", n)
	}

	layers := insp.Manifest.Layers
	diffIDs := insp.Config.RootFS.DiffIDs
	if len(layers) != len(diffIDs) {
		return nil, fmt.Errorf("manifest has %d layers but config has %d diff_ids", len(layers), len(diffIDs))
	}

	compressed := map[digest.Digest]digest.Digest{}
	for i, layer := range layers {
		size, ok := insp.Blobs[layer.Digest]
		if !ok {
			return nil, fmt.Errorf("layer %d: blob %s missing from archive", i, layer.Digest)
		}
		if size != layer.Size {
			return nil, fmt.Errorf("layer %d: size mismatch: descriptor %d, blob %d", i, layer.Size, size)
		}
		switch layer.MediaType {
		case ocispec.MediaTypeImageLayer:
			if diffIDs[i] != layer.Digest {
				return nil, fmt.Errorf("layer %d: diff_id %s does not match %s", i, diffIDs[i], layer.Digest)
			}
		case ocispec.MediaTypeImageLayerZstd:
			compressed[layer.Digest] = diffIDs[i]
		default:
			return nil, fmt.Errorf("layer %d: unsupported media type %q", i, layer.MediaType)
		}
	}

	if len(compressed) > 0 {
		if err := verifyCompressedLayers(ctx, archivePath, compressed); err != nil {
			return nil, err
		}
	}
	return insp, nil
}

func (c *archiveContent) decode(desc ocispec.Descriptor, v any) error {
	data, ok := c.docs[desc.Digest]
	if !ok {
		if _, present := c.blobs[desc.Digest]; present {
			return fmt.Errorf("blob %s too large to be a document", desc.Digest)
		}
		return fmt.Errorf("blob %s missing from archive", desc.Digest)
	}
	if int64(len(data)) != desc.Size {
		return fmt.Errorf("blob %s: size mismatch: descriptor %d, blob %d", desc.Digest, desc.Size, len(data))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse blob %s: %w", desc.Digest, err)
	}
	return nil
}

func readArchive(ctx context.Context, archivePath string) (*archiveContent, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	content := &archiveContent{
		files: map[string][]byte{},
		blobs: map[digest.Digest]int64{},
		docs:  map[digest.Digest][]byte{},
	}

	tr := tar.NewReader(file)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(header.Name)

		switch {
		case strings.HasPrefix(name, blobPrefix):
			want, err := digest.Parse(string(digest.Algorithm) + ":" + strings.TrimPrefix(name, blobPrefix))
			if err != nil {
				return nil, fmt.Errorf("invalid blob name %q: %w", name, err)
			}
			var doc bytes.Buffer
			hash := digest.NewWriter()
			sink := io.Writer(hash)
			if header.Size <= maxDocumentSize {
				sink = io.MultiWriter(hash, &doc)
			}
			if _, err := io.Copy(sink, tr); err != nil {
				return nil, fmt.Errorf("read blob %s: %w", want, err)
			}
			if hash.Digest() != want {
				return nil, fmt.Errorf("%w: %s hashes to %s", ErrDigestMismatch, name, hash.Digest())
			}
			content.blobs[want] = hash.Size()
			if header.Size <= maxDocumentSize {
				content.docs[want] = doc.Bytes()
			}
		case name == ocispec.ImageLayoutFile || name == ocispec.ImageIndexFile:
			data, err := io.ReadAll(io.LimitReader(tr, maxDocumentSize))
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", name, err)
			}
			content.files[name] = data
		}
	}
	return content, nil
}

// verifyCompressedLayers makes a second pass over the archive, decompressing
// zstd layers to check their diff_ids.
func verifyCompressedLayers(ctx context.Context, archivePath string, want map[digest.Digest]digest.Digest) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	checked := 0
	tr := tar.NewReader(file)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		name := path.Clean(header.Name)
		if header.Typeflag != tar.TypeReg || !strings.HasPrefix(name, blobPrefix) {
			continue
		}
		blob := digest.Digest(string(digest.Algorithm) + ":" + strings.TrimPrefix(name, blobPrefix))
		diffID, ok := want[blob]
		if !ok {
			continue
		}
		if err := decoder.Reset(tr); err != nil {
			return fmt.Errorf("zstd reset for %s: %w", blob, err)
		}
		got, _, err := digest.FromReader(decoder)
		if err != nil {
			return fmt.Errorf("decompress layer %s: %w", blob, err)
		}
		if got != diffID {
			return fmt.Errorf("layer %s: diff_id %s does not match uncompressed content %s", blob, diffID, got)
		}
		checked++
	}
	if checked != len(want) {
		return fmt.Errorf("checked %d of %d compressed layers", checked, len(want))
	}
	return nil
}
