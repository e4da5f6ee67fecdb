package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"kitbuilder/services/kitbuilder"
)

const kitFile = `name: core
version: "1.2.0"
vendor: acme
build-id: abc123
arch: x86_64
packages-dir: build/rpms
output-dir: /srv/kits
external-metadata: external-kit-metadata.json
packages:
  - kernel
  - " systemd "
  - kernel
promote: [kernel]
local-kits:
  - "extras"
  - "firmware:2.0:other"
layer-compression: zstd
jobs: 4
`

func writeKitFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kit.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write kit file: %v", err)
	}
	return path
}

func TestLoadKitFile(t *testing.T) {
	path := writeKitFile(t, kitFile)
	base := filepath.Dir(path)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Name != "core" || cfg.Version != "1.2.0" || cfg.Vendor != "acme" || cfg.BuildID != "abc123" {
		t.Fatalf("identity = %s %s %s %s", cfg.Name, cfg.Version, cfg.Vendor, cfg.BuildID)
	}
	if want := filepath.Join(base, "build/rpms"); cfg.PackagesDir != want {
		t.Fatalf("PackagesDir = %q, want %q", cfg.PackagesDir, want)
	}
	if cfg.OutputDir != "/srv/kits" {
		t.Fatalf("OutputDir = %q, absolute paths must be kept", cfg.OutputDir)
	}
	if want := filepath.Join(base, "external-kit-metadata.json"); cfg.ExternalMetadata != want {
		t.Fatalf("ExternalMetadata = %q, want %q", cfg.ExternalMetadata, want)
	}
	if want := []string{"kernel", "systemd"}; !reflect.DeepEqual(cfg.Packages, want) {
		t.Fatalf("Packages = %v, want %v", cfg.Packages, want)
	}
	if cfg.Compression != "zstd" || cfg.Jobs != 4 {
		t.Fatalf("Compression = %q, Jobs = %d", cfg.Compression, cfg.Jobs)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "console" {
		t.Fatalf("log defaults = %q %q", cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	refs, err := cfg.LocalKitRefs()
	if err != nil {
		t.Fatalf("LocalKitRefs: %v", err)
	}
	want := []kitbuilder.KitRef{
		{Name: "extras", Version: "1.2.0", Vendor: "acme"},
		{Name: "firmware", Version: "2.0", Vendor: "other"},
	}
	if !reflect.DeepEqual(refs, want) {
		t.Fatalf("LocalKitRefs = %+v, want %+v", refs, want)
	}
}

func TestLoadEnvironmentOverridesKitFile(t *testing.T) {
	path := writeKitFile(t, kitFile)
	t.Setenv("KIT_VERSION", "1.3.0")
	t.Setenv("KIT_ARCH", "aarch64")
	t.Setenv("KIT_PACKAGES", "glibc, openssl")
	t.Setenv("SOURCE_DATE_EPOCH", "1700000000")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Version != "1.3.0" || cfg.Arch != "aarch64" {
		t.Fatalf("env did not override kit file: version %q arch %q", cfg.Version, cfg.Arch)
	}
	if cfg.Vendor != "acme" {
		t.Fatalf("Vendor = %q, want kit file value", cfg.Vendor)
	}
	if want := []string{"glibc", "openssl"}; !reflect.DeepEqual(cfg.Packages, want) {
		t.Fatalf("Packages = %v, want %v", cfg.Packages, want)
	}
	if cfg.LogFormat != "json" {
		t.Fatalf("LogFormat = %q", cfg.LogFormat)
	}

	when, ok, err := cfg.SourceDate()
	if err != nil || !ok {
		t.Fatalf("SourceDate = %v %v %v", when, ok, err)
	}
	if !when.Equal(time.Unix(1700000000, 0)) || when.Location() != time.UTC {
		t.Fatalf("SourceDate = %v", when)
	}
}

func TestLoadRejectsUnknownKitFileFields(t *testing.T) {
	path := writeKitFile(t, "name: core\nflavour: spicy\n")
	if _, err := Load(context.Background(), path); err == nil {
		t.Fatal("Load accepted an unknown field")
	}
}

func TestLoadMissingKitFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load error = %v, want not exist", err)
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		Name:             "core",
		Version:          "1",
		Vendor:           "acme",
		BuildID:          "b1",
		Arch:             "x86_64",
		PackagesDir:      "/pkgs",
		OutputDir:        "/out",
		ExternalMetadata: "/ext.json",
		Packages:         []string{"a"},
		Compression:      "none",
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
		fails   bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing name", mutate: func(c *Config) { c.Name = "" }, fails: true},
		{name: "missing external metadata", mutate: func(c *Config) { c.ExternalMetadata = " " }, fails: true},
		{name: "no packages", mutate: func(c *Config) { c.Packages = nil }, wantErr: kitbuilder.ErrNoPackages, fails: true},
		{name: "negative jobs", mutate: func(c *Config) { c.Jobs = -1 }, fails: true},
		{name: "unknown compression", mutate: func(c *Config) { c.Compression = "lz4" }, fails: true},
		{name: "bad local kit", mutate: func(c *Config) { c.LocalKits = []string{"a:b:c:d"} }, fails: true},
		{name: "bad source date", mutate: func(c *Config) { c.SourceDateEpoch = "yesterday" }, fails: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.fails {
				t.Fatalf("Validate() error = %v, want failure %v", err, tt.fails)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCleanList(t *testing.T) {
	tests := []struct {
		name  string
		input []string
		want  []string
	}{
		{name: "nil", input: nil, want: nil},
		{name: "only blanks", input: []string{"", " "}, want: nil},
		{name: "dedupe and trim", input: []string{"a", " b", "a", "", "c "}, want: []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cleanList(tt.input); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("cleanList() = %v, want %v", got, tt.want)
			}
		})
	}
}
