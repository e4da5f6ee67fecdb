package kitbuilder

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"kitbuilder/pkg/digest"
)

// handBuilt assembles an archive from pieces so tests can break one of them.
type handBuilt struct {
	store  *BlobStore
	layers []Layer
}

func newHandBuilt(t *testing.T, compression Compression) *handBuilt {
	t.Helper()
	root := packagesTree(t, map[string][]string{"a": {"a-1.0.x86_64.rpm"}})
	store, err := NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobStore: %v", err)
	}
	layer, err := PackLayer(context.Background(), store, PackRequest{
		Root:        root,
		Group:       "a",
		Include:     PackageFilter("x86_64"),
		ModTime:     fixtureTime,
		Compression: compression,
	})
	if err != nil {
		t.Fatalf("PackLayer: %v", err)
	}
	return &handBuilt{store: store, layers: []Layer{layer}}
}

// finish stores config, manifest and index and writes the archive.
func (h *handBuilt) finish(t *testing.T, config any) string {
	t.Helper()
	configDesc, err := putDocument(h.store, ocispec.MediaTypeImageConfig, config)
	if err != nil {
		t.Fatalf("store config: %v", err)
	}
	manifestDesc, err := putDocument(h.store, ocispec.MediaTypeImageManifest, AssembleManifest(configDesc, h.layers))
	if err != nil {
		t.Fatalf("store manifest: %v", err)
	}
	if err := WriteLayout(h.store, AssembleIndex(manifestDesc, "amd64", fixtureTime)); err != nil {
		t.Fatalf("WriteLayout: %v", err)
	}
	output := filepath.Join(t.TempDir(), "kit.tar")
	if _, err := WriteArchive(context.Background(), h.store.LayoutDir(), output, fixtureTime); err != nil {
		t.Fatalf("WriteArchive: %v", err)
	}
	return output
}

// kitConfig builds a kit config whose diff_ids come from diffIDLayers, which
// may differ from the manifest layers.
func (h *handBuilt) kitConfig(t *testing.T, diffIDLayers []Layer) ImageConfig {
	t.Helper()
	meta := KitMetadata{Name: "core", Version: "2", SDK: json.RawMessage(`"sdk-x"`), Kits: []KitRef{{Name: "base", Version: "1", Vendor: "v"}}}
	cfg, err := AssembleConfig("amd64", meta, diffIDLayers, fixtureTime)
	if err != nil {
		t.Fatalf("AssembleConfig: %v", err)
	}
	return cfg
}

func TestInspect(t *testing.T) {
	h := newHandBuilt(t, CompressionNone)
	archive := h.finish(t, h.kitConfig(t, h.layers))

	insp, err := Inspect(context.Background(), archive)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if insp.Metadata.Name != "core" || len(insp.Metadata.Kits) != 1 {
		t.Fatalf("metadata = %+v", insp.Metadata)
	}
	if len(insp.Blobs) != 3 {
		t.Fatalf("blobs = %d, want layer + config + manifest", len(insp.Blobs))
	}
	if size, ok := insp.Blobs[h.layers[0].Digest]; !ok || size != h.layers[0].Size {
		t.Fatalf("layer blob = %d %v", size, ok)
	}
	if _, err := Verify(context.Background(), archive); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestInspectRejectsImagesWithoutKitLabel(t *testing.T) {
	h := newHandBuilt(t, CompressionNone)
	config := h.kitConfig(t, h.layers)
	config.Config.Labels = map[string]string{"org.opencontainers.image.title": "plain"}
	archive := h.finish(t, config)

	if _, err := Inspect(context.Background(), archive); !errors.Is(err, ErrNotKit) {
		t.Fatalf("Inspect = %v, want ErrNotKit", err)
	}
}

func TestInspectDetectsMisnamedBlob(t *testing.T) {
	h := newHandBuilt(t, CompressionNone)
	bogus := digest.FromBytes([]byte("expected"))
	if err := os.WriteFile(h.store.Path(bogus), []byte("actual"), 0o644); err != nil {
		t.Fatalf("write bogus blob: %v", err)
	}
	archive := h.finish(t, h.kitConfig(t, h.layers))

	if _, err := Inspect(context.Background(), archive); !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("Inspect = %v, want ErrDigestMismatch", err)
	}
}

func TestVerifyDetectsWrongDiffIDs(t *testing.T) {
	for _, compression := range []Compression{CompressionNone, CompressionZstd} {
		t.Run(string(compression), func(t *testing.T) {
			h := newHandBuilt(t, compression)
			wrong := append([]Layer{}, h.layers...)
			wrong[0].DiffID = digest.FromBytes([]byte("not the layer"))
			archive := h.finish(t, h.kitConfig(t, wrong))

			if _, err := Inspect(context.Background(), archive); err != nil {
				t.Fatalf("Inspect: %v", err)
			}
			if _, err := Verify(context.Background(), archive); err == nil {
				t.Fatal("Verify accepted a config with the wrong diff_ids")
			}
		})
	}
}

func TestVerifyDetectsMissingDiffIDs(t *testing.T) {
	h := newHandBuilt(t, CompressionNone)
	config := h.kitConfig(t, h.layers)
	config.RootFS.DiffIDs = nil
	archive := h.finish(t, config)

	if _, err := Verify(context.Background(), archive); err == nil {
		t.Fatal("Verify accepted a config without diff_ids")
	}
}

func TestInspectRejectsNonArchives(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kit.tar")
	if err := os.WriteFile(path, []byte("not a tar archive at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Inspect(context.Background(), path); err == nil {
		t.Fatal("Inspect accepted garbage")
	}
	if _, err := Inspect(context.Background(), filepath.Join(t.TempDir(), "missing.tar")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Inspect on missing file = %v", err)
	}
}
