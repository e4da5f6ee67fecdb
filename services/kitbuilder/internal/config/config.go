package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"kitbuilder/services/kitbuilder"
)

// Config holds the settings of one kit build. Values come from an optional
// YAML kit file, then the environment, then command-line flags.
type Config struct {
	Name             string   `yaml:"name" env:"KIT_NAME,overwrite"`
	Version          string   `yaml:"version" env:"KIT_VERSION,overwrite"`
	Vendor           string   `yaml:"vendor" env:"KIT_VENDOR,overwrite"`
	BuildID          string   `yaml:"build-id" env:"KIT_BUILD_ID,overwrite"`
	Arch             string   `yaml:"arch" env:"KIT_ARCH,overwrite"`
	PackagesDir      string   `yaml:"packages-dir" env:"KIT_PACKAGES_DIR,overwrite"`
	OutputDir        string   `yaml:"output-dir" env:"KIT_OUTPUT_DIR,overwrite"`
	WorkDir          string   `yaml:"work-dir" env:"KIT_WORK_DIR,overwrite"`
	Packages         []string `yaml:"packages" env:"KIT_PACKAGES,overwrite"`
	Promote          []string `yaml:"promote" env:"KIT_PROMOTE,overwrite"`
	LocalKits        []string `yaml:"local-kits" env:"KIT_LOCAL_KITS,overwrite"`
	ExternalMetadata string   `yaml:"external-metadata" env:"KIT_EXTERNAL_METADATA,overwrite"`
	Jobs             int      `yaml:"jobs" env:"KIT_JOBS,overwrite"`
	Compression      string   `yaml:"layer-compression" env:"KIT_LAYER_COMPRESSION,overwrite"`
	RepoIndexer      string   `yaml:"repo-indexer" env:"KIT_REPO_INDEXER,overwrite"`
	RepoChecker      string   `yaml:"repo-checker" env:"KIT_REPO_CHECKER,overwrite"`
	MetricsFile      string   `yaml:"metrics-file" env:"KIT_METRICS_FILE,overwrite"`

	SourceDateEpoch string `yaml:"-" env:"SOURCE_DATE_EPOCH"`
	OTLPEndpoint    string `yaml:"-" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel        string `yaml:"-" env:"LOG_LEVEL"`
	LogFormat       string `yaml:"-" env:"LOG_FORMAT"`
}

// Load reads the kit file at path, when given, and applies the environment on
// top of it. Relative paths in the kit file are resolved against its directory.
func Load(ctx context.Context, path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) != "" {
		if err := readKitFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}

	cfg.Packages = cleanList(cfg.Packages)
	cfg.Promote = cleanList(cfg.Promote)
	cfg.LocalKits = cleanList(cfg.LocalKits)
	if cfg.Compression == "" {
		cfg.Compression = string(kitbuilder.CompressionNone)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "console"
	}
	return cfg, nil
}

func readKitFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open kit file: %w", err)
	}
	defer file.Close()

	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse kit file %s: %w", path, err)
	}

	base := filepath.Dir(path)
	for _, p := range []*string{&cfg.PackagesDir, &cfg.OutputDir, &cfg.WorkDir, &cfg.ExternalMetadata, &cfg.MetricsFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	return nil
}

// Validate reports the first missing or malformed setting.
func (c Config) Validate() error {
	required := []struct{ name, value string }{
		{"KIT_NAME", c.Name},
		{"KIT_VERSION", c.Version},
		{"KIT_VENDOR", c.Vendor},
		{"KIT_BUILD_ID", c.BuildID},
		{"KIT_ARCH", c.Arch},
		{"KIT_PACKAGES_DIR", c.PackagesDir},
		{"KIT_OUTPUT_DIR", c.OutputDir},
		{"KIT_EXTERNAL_METADATA", c.ExternalMetadata},
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			return fmt.Errorf("%s is required", field.name)
		}
	}
	if len(c.Packages) == 0 {
		return fmt.Errorf("KIT_PACKAGES: %w", kitbuilder.ErrNoPackages)
	}
	if c.Jobs < 0 {
		return fmt.Errorf("invalid KIT_JOBS: %d", c.Jobs)
	}
	if _, err := kitbuilder.ParseCompression(c.Compression); err != nil {
		return fmt.Errorf("invalid KIT_LAYER_COMPRESSION: %w", err)
	}
	if _, err := c.LocalKitRefs(); err != nil {
		return fmt.Errorf("invalid KIT_LOCAL_KITS: %w", err)
	}
	if _, _, err := c.SourceDate(); err != nil {
		return err
	}
	return nil
}

// LocalKitRefs parses LocalKits. Missing versions and vendors default to the
// kit's own.
func (c Config) LocalKitRefs() ([]kitbuilder.KitRef, error) {
	refs := make([]kitbuilder.KitRef, 0, len(c.LocalKits))
	for _, s := range c.LocalKits {
		ref, err := kitbuilder.ParseKitRef(s, c.Version, c.Vendor)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// SourceDate returns the time pinned by SOURCE_DATE_EPOCH, if any.
func (c Config) SourceDate() (time.Time, bool, error) {
	value := strings.TrimSpace(c.SourceDateEpoch)
	if value == "" {
		return time.Time{}, false, nil
	}
	secs, err := strconv.ParseInt(value, 10, 64)
	if err != nil || secs < 0 {
		return time.Time{}, false, fmt.Errorf("invalid SOURCE_DATE_EPOCH: %q", c.SourceDateEpoch)
	}
	return time.Unix(secs, 0).UTC(), true, nil
}

func cleanList(values []string) []string {
	cleaned := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, exists := seen[trimmed]; exists {
			continue
		}
		seen[trimmed] = struct{}{}
		cleaned = append(cleaned, trimmed)
	}
	if len(cleaned) == 0 {
		return nil
	}
	return cleaned
}
