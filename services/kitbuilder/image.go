package kitbuilder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"kitbuilder/pkg/digest"
)

// imageOS is the only operating system kits target.
const imageOS = "linux"

var imageArchitectures = map[string]string{
	"x86_64":  "amd64",
	"aarch64": "arm64",
}

// ImageArchitecture maps a build architecture to its OCI platform name.
func ImageArchitecture(arch string) (string, error) {
	if mapped, ok := imageArchitectures[arch]; ok {
		return mapped, nil
	}
	supported := make([]string, 0, len(imageArchitectures))
	for name := range imageArchitectures {
		supported = append(supported, name)
	}
	sort.Strings(supported)
	return "", fmt.Errorf("%w %q (supported: %s)", ErrUnsupportedArch, arch, strings.Join(supported, ", "))
}

// ImageConfig is the kit's image configuration document. It is a superset of
// ocispec.Image that keeps the empty runtime fields and history explicit.
type ImageConfig struct {
	Created      time.Time         `json:"created"`
	Architecture string            `json:"architecture"`
	OS           string            `json:"os"`
	Config       RuntimeConfig     `json:"config"`
	RootFS       ocispec.RootFS    `json:"rootfs"`
	History      []ocispec.History `json:"history"`
}

// RuntimeConfig is the "config" object of ImageConfig.
type RuntimeConfig struct {
	Env        []string          `json:"Env"`
	WorkingDir string            `json:"WorkingDir"`
	OnBuild    []string          `json:"OnBuild"`
	Labels     map[string]string `json:"Labels"`
}

// AssembleConfig builds the image config for layers, in order, embedding meta.
func AssembleConfig(imageArch string, meta KitMetadata, layers []Layer, created time.Time) (ImageConfig, error) {
	if imageArch == "" {
		return ImageConfig{}, errors.New("image architecture is required")
	}
	if len(layers) == 0 {
		return ImageConfig{}, errors.New("at least one layer is required")
	}
	encoded, err := meta.Encode()
	if err != nil {
		return ImageConfig{}, err
	}

	diffIDs := make([]digest.Digest, 0, len(layers))
	for _, layer := range layers {
		diffIDs = append(diffIDs, layer.DiffID)
	}

	return ImageConfig{
		Created:      created.UTC(),
		Architecture: imageArch,
		OS:           imageOS,
		Config: RuntimeConfig{
			Env:        []string{},
			WorkingDir: "",
			OnBuild:    []string{},
			Labels:     map[string]string{KitMetadataLabel: encoded},
		},
		RootFS: ocispec.RootFS{
			Type:    "layers",
			DiffIDs: diffIDs,
		},
		History: []ocispec.History{},
	}, nil
}

// AssembleManifest references the config and the layers in order.
func AssembleManifest(config ocispec.Descriptor, layers []Layer) ocispec.Manifest {
	descriptors := make([]ocispec.Descriptor, 0, len(layers))
	for _, layer := range layers {
		descriptors = append(descriptors, layer.Descriptor())
	}
	return ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    config,
		Layers:    descriptors,
	}
}

// AssembleIndex points at the single manifest of a build.
func AssembleIndex(manifest ocispec.Descriptor, imageArch string, created time.Time) ocispec.Index {
	manifest.MediaType = ocispec.MediaTypeImageManifest
	manifest.Annotations = map[string]string{
		ocispec.AnnotationCreated: created.UTC().Format(time.RFC3339Nano),
	}
	manifest.Platform = &ocispec.Platform{
		Architecture: imageArch,
		OS:           imageOS,
	}
	return ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		Manifests: []ocispec.Descriptor{manifest},
	}
}

// encodeJSON is the single serializer for every document a kit contains.
func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
