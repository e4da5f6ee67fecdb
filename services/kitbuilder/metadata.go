package kitbuilder

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// KitMetadataLabel is the image config label carrying the encoded kit metadata.
const KitMetadataLabel = "dev.bottlerocket.kit.v1"

// KitRef points at a kit by identity.
type KitRef struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
	Vendor  string `json:"vendor" yaml:"vendor"`
}

func (r KitRef) String() string {
	return fmt.Sprintf("%s-%s@%s", r.Name, r.Version, r.Vendor)
}

func (r KitRef) validate() error {
	switch {
	case r.Name == "":
		return errors.New("kit reference missing name")
	case r.Version == "":
		return fmt.Errorf("kit reference %q missing version", r.Name)
	case r.Vendor == "":
		return fmt.Errorf("kit reference %q missing vendor", r.Name)
	}
	return nil
}

// ParseKitRef parses "name[:version[:vendor]]", filling missing parts from
// the given defaults.
func ParseKitRef(s, defaultVersion, defaultVendor string) (KitRef, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) > 3 {
		return KitRef{}, fmt.Errorf("invalid kit reference %q", s)
	}
	ref := KitRef{Name: parts[0], Version: defaultVersion, Vendor: defaultVendor}
	if len(parts) > 1 && parts[1] != "" {
		ref.Version = parts[1]
	}
	if len(parts) > 2 && parts[2] != "" {
		ref.Vendor = parts[2]
	}
	if err := ref.validate(); err != nil {
		return KitRef{}, fmt.Errorf("invalid kit reference %q: %w", s, err)
	}
	return ref, nil
}

// KitMetadata is the document embedded in a kit's image config.
type KitMetadata struct {
	Name    string          `json:"name"`
	Version string          `json:"version"`
	SDK     json.RawMessage `json:"sdk"`
	Kits    []KitRef        `json:"kit"`
}

// Encode renders the metadata as base64 JSON, the label value format.
func (m KitMetadata) Encode() (string, error) {
	data, err := encodeJSON(m)
	if err != nil {
		return "", fmt.Errorf("marshal kit metadata: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeKitMetadata reverses Encode.
func DecodeKitMetadata(encoded string) (KitMetadata, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return KitMetadata{}, fmt.Errorf("decode kit metadata as base64: %w", err)
	}
	var m KitMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return KitMetadata{}, fmt.Errorf("parse kit metadata json: %w", err)
	}
	return m, nil
}

// ExternalKitMetadata describes already-built kits this kit inherits from.
// Kit entries may carry more fields than KitRef; only the identity is kept.
type ExternalKitMetadata struct {
	SDK  json.RawMessage `json:"sdk"`
	Kits []KitRef        `json:"kit"`
}

// ReadExternalMetadata loads and parses the external kit metadata file.
func ReadExternalMetadata(path string) (ExternalKitMetadata, error) {
	if strings.TrimSpace(path) == "" {
		return ExternalKitMetadata{}, errors.New("external kit metadata path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ExternalKitMetadata{}, fmt.Errorf("read external kit metadata: %w", err)
	}
	ext, err := ParseExternalMetadata(data)
	if err != nil {
		return ExternalKitMetadata{}, fmt.Errorf("%s: %w", path, err)
	}
	return ext, nil
}

// ParseExternalMetadata parses and validates an external kit metadata document.
func ParseExternalMetadata(data []byte) (ExternalKitMetadata, error) {
	var ext ExternalKitMetadata
	if err := json.Unmarshal(data, &ext); err != nil {
		return ExternalKitMetadata{}, fmt.Errorf("parse external kit metadata: %w", err)
	}
	if isNullJSON(ext.SDK) {
		if len(ext.Kits) == 0 {
			return ExternalKitMetadata{}, ErrEmptyExternalMetadata
		}
		return ExternalKitMetadata{}, ErrMissingSDK
	}
	for i, kit := range ext.Kits {
		if err := kit.validate(); err != nil {
			return ExternalKitMetadata{}, fmt.Errorf("external kit entry %d: %w", i, err)
		}
	}
	return ext, nil
}

func isNullJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// MetadataInput is everything the metadata compiler merges.
type MetadataInput struct {
	Name    string
	Version string
	Vendor  string
	// Promoted package names are advertised as kits of this build's version
	// and vendor.
	Promoted []string
	// Local kits are siblings built in the same pass.
	Local    []KitRef
	External ExternalKitMetadata
}

// CompileMetadata merges promoted packages, local kits and the inherited
// external kit list into this kit's metadata. The kit list keeps first
// occurrences in that order and carries each (name, version, vendor) once.
func CompileMetadata(in MetadataInput) (KitMetadata, error) {
	self := KitRef{Name: in.Name, Version: in.Version, Vendor: in.Vendor}
	if err := self.validate(); err != nil {
		return KitMetadata{}, fmt.Errorf("kit identity: %w", err)
	}
	if isNullJSON(in.External.SDK) {
		if len(in.External.Kits) == 0 {
			return KitMetadata{}, ErrEmptyExternalMetadata
		}
		return KitMetadata{}, ErrMissingSDK
	}

	candidates := make([]KitRef, 0, len(in.Promoted)+len(in.Local)+len(in.External.Kits))
	for _, name := range in.Promoted {
		candidates = append(candidates, KitRef{Name: strings.TrimSpace(name), Version: in.Version, Vendor: in.Vendor})
	}
	for _, local := range in.Local {
		if local.Version == "" {
			local.Version = in.Version
		}
		if local.Vendor == "" {
			local.Vendor = in.Vendor
		}
		candidates = append(candidates, local)
	}
	candidates = append(candidates, in.External.Kits...)

	type vendorName struct{ vendor, name string }
	versions := make(map[vendorName]string, len(candidates))
	kits := make([]KitRef, 0, len(candidates))
	for _, ref := range candidates {
		if err := ref.validate(); err != nil {
			return KitMetadata{}, err
		}
		if ref.Name == self.Name && ref.Vendor == self.Vendor {
			return KitMetadata{}, fmt.Errorf("%w: %s lists %s", ErrDependencyCycle, self, ref)
		}
		key := vendorName{ref.Vendor, ref.Name}
		if seen, ok := versions[key]; ok {
			if seen != ref.Version {
				return KitMetadata{}, fmt.Errorf("%w: %s-%s@%s != %s", ErrVersionConflict, ref.Name, seen, ref.Vendor, ref)
			}
			continue
		}
		versions[key] = ref.Version
		kits = append(kits, KitRef{Name: ref.Name, Version: ref.Version, Vendor: ref.Vendor})
	}

	sdk := make(json.RawMessage, len(in.External.SDK))
	copy(sdk, in.External.SDK)

	return KitMetadata{
		Name:    in.Name,
		Version: in.Version,
		SDK:     sdk,
		Kits:    kits,
	}, nil
}
