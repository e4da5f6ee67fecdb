package kitbuilder

import (
	"context"
	"io"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"kitbuilder/pkg/telemetry"
)

// RepoTool runs an external repository collaborator against a packages
// directory.
type RepoTool interface {
	Run(ctx context.Context, dir string, env []string) error
}

// BuildConfig configures a kit build.
type BuildConfig struct {
	Name    string
	Version string
	Vendor  string
	BuildID string
	// Arch is the build architecture, e.g. x86_64.
	Arch string

	// PackagesDir holds one directory per package group plus repodata.
	PackagesDir string
	OutputDir   string
	// WorkDir is where the private scratch directory is created; empty means
	// the system temp dir.
	WorkDir string

	// Packages lists the package groups in layer order.
	Packages []string
	// Promote lists package names advertised as kits of this build.
	Promote          []string
	LocalKits        []KitRef
	ExternalMetadata string

	Compression Compression
	// Jobs bounds how many layers are packed at once; zero means one per CPU.
	Jobs int

	// Indexer populates repodata before packing; Checker must then accept the
	// repository. Both are optional.
	Indexer RepoTool
	Checker RepoTool

	// Now dates the kit. When nil the creation time is the latest reference
	// time across the packed groups.
	Now     func() time.Time
	Stdout  io.Writer
	Logger  *zerolog.Logger
	Metrics *telemetry.BuildMetrics
}

// Result describes a finished build.
type Result struct {
	ArchivePath string
	Created     time.Time
	Metadata    KitMetadata
	Layers      []Layer
	Config      ocispec.Descriptor
	Manifest    ocispec.Descriptor
	// Unchanged is set when an identical archive already existed.
	Unchanged bool
}
