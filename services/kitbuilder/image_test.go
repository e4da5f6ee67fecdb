package kitbuilder

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"kitbuilder/pkg/digest"
)

func TestImageArchitecture(t *testing.T) {
	tests := []struct {
		arch string
		want string
	}{
		{arch: "x86_64", want: "amd64"},
		{arch: "aarch64", want: "arm64"},
		{arch: "amd64"},
		{arch: "arm64"},
		{arch: "X86_64"},
		{arch: ""},
	}
	for _, tt := range tests {
		got, err := ImageArchitecture(tt.arch)
		if tt.want == "" {
			if !errors.Is(err, ErrUnsupportedArch) {
				t.Errorf("ImageArchitecture(%q) error = %v, want ErrUnsupportedArch", tt.arch, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ImageArchitecture(%q) = %q, %v; want %q", tt.arch, got, err, tt.want)
		}
	}
}

func testLayers() []Layer {
	return []Layer{
		{Name: "a", MediaType: ocispec.MediaTypeImageLayer, Digest: digest.FromBytes([]byte("a")), Size: 1, DiffID: digest.FromBytes([]byte("a"))},
		{Name: "b", MediaType: ocispec.MediaTypeImageLayerZstd, Digest: digest.FromBytes([]byte("bz")), Size: 2, DiffID: digest.FromBytes([]byte("b"))},
		{Name: RepodataGroup, MediaType: ocispec.MediaTypeImageLayer, Digest: digest.FromBytes([]byte("r")), Size: 3, DiffID: digest.FromBytes([]byte("r"))},
	}
}

func TestAssembleConfig(t *testing.T) {
	created := time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.FixedZone("CEST", 2*3600))
	meta := KitMetadata{Name: "core", Version: "2", SDK: json.RawMessage(`"sdk-x"`), Kits: []KitRef{}}
	layers := testLayers()

	cfg, err := AssembleConfig("amd64", meta, layers, created)
	if err != nil {
		t.Fatalf("AssembleConfig: %v", err)
	}
	data, err := encodeJSON(cfg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("config is not json: %v", err)
	}
	if doc["architecture"] != "amd64" || doc["os"] != "linux" {
		t.Fatalf("platform = %v/%v", doc["os"], doc["architecture"])
	}
	if doc["created"] != "2024-05-06T05:08:09.123456789Z" {
		t.Fatalf("created = %v, want UTC with sub-second precision", doc["created"])
	}
	if history, ok := doc["history"].([]any); !ok || len(history) != 0 {
		t.Fatalf("history = %#v, want empty list", doc["history"])
	}

	runtime := doc["config"].(map[string]any)
	for _, key := range []string{"Env", "OnBuild"} {
		if list, ok := runtime[key].([]any); !ok || len(list) != 0 {
			t.Errorf("config.%s = %#v, want empty list", key, runtime[key])
		}
	}
	if runtime["WorkingDir"] != "" {
		t.Errorf("config.WorkingDir = %#v", runtime["WorkingDir"])
	}

	labels := runtime["Labels"].(map[string]any)
	if len(labels) != 1 {
		t.Fatalf("labels = %v, want only the kit label", labels)
	}
	decoded, err := DecodeKitMetadata(labels[KitMetadataLabel].(string))
	if err != nil {
		t.Fatalf("decode label: %v", err)
	}
	if decoded.Name != "core" || string(decoded.SDK) != `"sdk-x"` {
		t.Fatalf("label metadata = %+v", decoded)
	}

	// The config parses as a standard OCI image config.
	var image ocispec.Image
	if err := json.Unmarshal(data, &image); err != nil {
		t.Fatalf("unmarshal as ocispec.Image: %v", err)
	}
	want := []digest.Digest{layers[0].DiffID, layers[1].DiffID, layers[2].DiffID}
	if image.RootFS.Type != "layers" || !reflect.DeepEqual(image.RootFS.DiffIDs, want) {
		t.Fatalf("rootfs = %+v, want diff_ids %v", image.RootFS, want)
	}
}

func TestAssembleConfigRequiresLayers(t *testing.T) {
	meta := KitMetadata{Name: "core", Version: "2", SDK: json.RawMessage(`"x"`)}
	if _, err := AssembleConfig("amd64", meta, nil, time.Now()); err == nil {
		t.Fatal("AssembleConfig accepted no layers")
	}
	if _, err := AssembleConfig("", meta, testLayers(), time.Now()); err == nil {
		t.Fatal("AssembleConfig accepted an empty architecture")
	}
}

func TestAssembleManifest(t *testing.T) {
	config := ocispec.Descriptor{MediaType: ocispec.MediaTypeImageConfig, Digest: digest.FromBytes([]byte("{}")), Size: 2}
	layers := testLayers()

	manifest := AssembleManifest(config, layers)
	if manifest.SchemaVersion != 2 || manifest.MediaType != ocispec.MediaTypeImageManifest {
		t.Fatalf("manifest header = %d %q", manifest.SchemaVersion, manifest.MediaType)
	}
	if !reflect.DeepEqual(manifest.Config, config) {
		t.Fatalf("config descriptor = %+v", manifest.Config)
	}
	if len(manifest.Layers) != len(layers) {
		t.Fatalf("layers = %d, want %d", len(manifest.Layers), len(layers))
	}
	for i, desc := range manifest.Layers {
		if !reflect.DeepEqual(desc, layers[i].Descriptor()) {
			t.Errorf("layer %d = %+v, want %+v", i, desc, layers[i].Descriptor())
		}
	}

	data, err := encodeJSON(manifest)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.HasPrefix(string(data), `{"schemaVersion":2,"mediaType":"application/vnd.oci.image.manifest.v1+json"`) {
		t.Fatalf("manifest json = %s", data)
	}
}

func TestAssembleIndex(t *testing.T) {
	created := time.Date(2024, 5, 6, 7, 8, 9, 500, time.UTC)
	manifest := ocispec.Descriptor{Digest: digest.FromBytes([]byte("m")), Size: 1}

	index := AssembleIndex(manifest, "arm64", created)
	if index.SchemaVersion != 2 || len(index.Manifests) != 1 {
		t.Fatalf("index = %+v, want one manifest", index)
	}
	entry := index.Manifests[0]
	if entry.MediaType != ocispec.MediaTypeImageManifest || entry.Digest != manifest.Digest || entry.Size != 1 {
		t.Fatalf("entry = %+v", entry)
	}
	if got := entry.Annotations["org.opencontainers.image.created"]; got != "2024-05-06T07:08:09.0000005Z" {
		t.Fatalf("created annotation = %q", got)
	}
	if entry.Platform == nil || entry.Platform.Architecture != "arm64" || entry.Platform.OS != "linux" {
		t.Fatalf("platform = %+v", entry.Platform)
	}
}

func TestEncodeJSONKeepsMarkup(t *testing.T) {
	data, err := encodeJSON(map[string]string{"k": "<a&b>"})
	if err != nil {
		t.Fatalf("encodeJSON: %v", err)
	}
	if string(data) != `{"k":"<a&b>"}` {
		t.Fatalf("encodeJSON = %s", data)
	}
}
