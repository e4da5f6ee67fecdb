package kitbuilder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "kitbuilder"

// Build packs the configured package groups and repodata into layers, embeds
// the compiled kit metadata in the image config and writes the OCI image
// layout archive to OutputDir. Nothing is written below OutputDir unless the
// build succeeds, and the scratch directory is removed on every path.
func Build(ctx context.Context, cfg BuildConfig) (result *Result, err error) {
	started := time.Now()
	defer func() {
		cfg.Metrics.ObserveBuild(cfg.Arch, err, time.Since(started))
	}()

	// Checked first so an unknown architecture never reaches the packer.
	imageArch, err := ImageArchitecture(cfg.Arch)
	if err != nil {
		return nil, err
	}
	if err := validateBuild(&cfg); err != nil {
		return nil, err
	}

	log := cfg.Logger.With().Str("kit", cfg.Name).Str("arch", cfg.Arch).Logger()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "kitbuilder.Build", trace.WithAttributes(
		attribute.String("kit.name", cfg.Name),
		attribute.String("kit.version", cfg.Version),
		attribute.String("kit.arch", cfg.Arch),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	external, err := ReadExternalMetadata(cfg.ExternalMetadata)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(cfg.PackagesDir)
	if err != nil {
		return nil, fmt.Errorf("stat packages dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("packages dir %q is not a directory", cfg.PackagesDir)
	}

	if err := runRepoTools(ctx, cfg, log); err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp(cfg.WorkDir, "kitbuilder-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	store, err := NewBlobStore(scratch)
	if err != nil {
		return nil, err
	}

	layers, inputTime, err := packLayers(ctx, cfg, store, log)
	if err != nil {
		return nil, err
	}

	meta, err := CompileMetadata(MetadataInput{
		Name:     cfg.Name,
		Version:  cfg.Version,
		Vendor:   cfg.Vendor,
		Promoted: cfg.Promote,
		Local:    cfg.LocalKits,
		External: external,
	})
	if err != nil {
		return nil, err
	}
	log.Debug().Int("kits", len(meta.Kits)).Msg("compiled kit metadata")

	// Without a clock the kit is dated by its inputs, so rebuilding unchanged
	// inputs reproduces the archive.
	created := inputTime.UTC()
	if cfg.Now != nil {
		created = cfg.Now().UTC()
	}

	configDoc, err := AssembleConfig(imageArch, meta, layers, created)
	if err != nil {
		return nil, err
	}
	configDesc, err := putDocument(store, ocispec.MediaTypeImageConfig, configDoc)
	if err != nil {
		return nil, fmt.Errorf("store config: %w", err)
	}

	manifestDesc, err := putDocument(store, ocispec.MediaTypeImageManifest, AssembleManifest(configDesc, layers))
	if err != nil {
		return nil, fmt.Errorf("store manifest: %w", err)
	}

	if err := WriteLayout(store, AssembleIndex(manifestDesc, imageArch, created)); err != nil {
		return nil, err
	}

	output := filepath.Join(cfg.OutputDir, ArchiveName(cfg.Name, cfg.Version, cfg.BuildID, cfg.Arch))
	unchanged, err := writeArchive(ctx, store.LayoutDir(), output, created)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("archive", output).
		Str("manifest", manifestDesc.Digest.String()).
		Int("layers", len(layers)).
		Bool("unchanged", unchanged).
		Msg("kit archive ready")
	if unchanged {
		fmt.Fprintf(cfg.Stdout, "kit %s unchanged\n", output)
	} else {
		fmt.Fprintf(cfg.Stdout, "wrote kit %s (%d layers)\n", output, len(layers))
	}

	return &Result{
		ArchivePath: output,
		Created:     created,
		Metadata:    meta,
		Layers:      layers,
		Config:      configDesc,
		Manifest:    manifestDesc,
		Unchanged:   unchanged,
	}, nil
}

func validateBuild(cfg *BuildConfig) error {
	required := []struct{ name, value string }{
		{"kit name", cfg.Name},
		{"kit version", cfg.Version},
		{"kit vendor", cfg.Vendor},
		{"build id", cfg.BuildID},
		{"packages directory", cfg.PackagesDir},
		{"output directory", cfg.OutputDir},
		{"external kit metadata path", cfg.ExternalMetadata},
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			return fmt.Errorf("%s is required", field.name)
		}
	}
	if strings.ContainsAny(cfg.Name+cfg.Version+cfg.BuildID, `/\`) {
		return errors.New("kit name, version and build id must not contain path separators")
	}
	if len(cfg.Packages) == 0 {
		return ErrNoPackages
	}

	seen := make(map[string]bool, len(cfg.Packages))
	for _, group := range cfg.Packages {
		switch {
		case group == "" || group == "." || group == ".." || strings.ContainsAny(group, `/\`):
			return fmt.Errorf("invalid package group %q", group)
		case group == RepodataGroup:
			return fmt.Errorf("package group %q is reserved for the repository index", group)
		case seen[group]:
			return fmt.Errorf("package group %q listed twice", group)
		}
		seen[group] = true
	}
	for _, kit := range cfg.LocalKits {
		if kit.Name == "" {
			return errors.New("local kit reference missing name")
		}
	}

	if cfg.Compression == "" {
		cfg.Compression = CompressionNone
	}
	if _, err := ParseCompression(string(cfg.Compression)); err != nil {
		return err
	}
	if cfg.Jobs <= 0 {
		cfg.Jobs = runtime.NumCPU()
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
	return nil
}

func runRepoTools(ctx context.Context, cfg BuildConfig, log zerolog.Logger) error {
	env := []string{"REPO_DIR=" + cfg.PackagesDir, "ARCH=" + cfg.Arch}
	for _, step := range []struct {
		name string
		tool RepoTool
	}{
		{"indexer", cfg.Indexer},
		{"checker", cfg.Checker},
	} {
		if step.tool == nil {
			continue
		}
		ctx, span := otel.Tracer(tracerName).Start(ctx, "kitbuilder.repo."+step.name)
		started := time.Now()
		err := step.tool.Run(ctx, cfg.PackagesDir, env)
		span.End()
		if err != nil {
			return fmt.Errorf("repository %s: %w", step.name, err)
		}
		log.Info().Str("tool", step.name).Dur("elapsed", time.Since(started)).Msg("repository tool finished")
	}
	return nil
}

// packLayers packs every group and then repodata, in parallel, returning the
// layers in declared order and the latest group reference time.
func packLayers(ctx context.Context, cfg BuildConfig, store *BlobStore, log zerolog.Logger) ([]Layer, time.Time, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "kitbuilder.PackLayers")
	defer span.End()

	groups := make([]string, 0, len(cfg.Packages)+1)
	groups = append(groups, cfg.Packages...)
	groups = append(groups, RepodataGroup)

	layers := make([]Layer, len(groups))
	modTimes := make([]time.Time, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Jobs)
	for i, group := range groups {
		g.Go(func() error {
			include := PackageFilter(cfg.Arch)
			if group == RepodataGroup {
				include = AnyFile
			}
			modTime, err := ReferenceTime(filepath.Join(cfg.PackagesDir, group))
			if err != nil {
				return fmt.Errorf("group %q: %w", group, err)
			}
			layer, err := PackLayer(gctx, store, PackRequest{
				Root:        cfg.PackagesDir,
				Group:       group,
				Include:     include,
				ModTime:     modTime,
				Compression: cfg.Compression,
			})
			if err != nil {
				return err
			}
			layers[i] = layer
			modTimes[i] = modTime
			cfg.Metrics.ObserveLayer(cfg.Arch, layer.Size)
			log.Debug().
				Str("layer", group).
				Str("digest", layer.Digest.String()).
				Int64("size", layer.Size).
				Int("files", layer.Files).
				Msg("packed layer")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, time.Time{}, err
	}

	var latest time.Time
	for _, t := range modTimes {
		if t.After(latest) {
			latest = t
		}
	}
	return layers, latest, nil
}

func putDocument(store *BlobStore, mediaType string, v any) (ocispec.Descriptor, error) {
	data, err := encodeJSON(v)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	d, size, err := store.PutBytes(data)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	return ocispec.Descriptor{MediaType: mediaType, Digest: d, Size: size}, nil
}

func writeArchive(ctx context.Context, layoutDir, output string, created time.Time) (bool, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "kitbuilder.WriteArchive")
	defer span.End()
	return WriteArchive(ctx, layoutDir, output, created)
}
