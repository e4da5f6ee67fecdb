package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"kitbuilder/pkg/telemetry"
	"kitbuilder/services/kitbuilder"
	"kitbuilder/services/kitbuilder/internal/config"
	"kitbuilder/services/kitbuilder/internal/repotool"
)

const serviceName = "kitbuilder"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	_ = godotenv.Load()

	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "kitbuilder",
		Short:         "Build and inspect kit archives",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newBuildCommand())
	cmd.AddCommand(newInspectCommand())
	cmd.AddCommand(newVerifyCommand())
	return cmd
}

func newBuildCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Pack package groups into a kit archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, err := config.Load(ctx, configPath)
			if err != nil {
				return err
			}
			if err := applyFlags(cmd, &cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runBuild(ctx, cfg, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "YAML kit file")
	flags.String("name", "", "Kit name")
	flags.String("version", "", "Kit version")
	flags.String("vendor", "", "Vendor recorded for promoted packages")
	flags.String("build-id", "", "Build identifier used in the archive name")
	flags.String("arch", "", "Build architecture (x86_64 or aarch64)")
	flags.String("packages-dir", "", "Directory holding one directory per package group plus repodata")
	flags.String("output-dir", "", "Directory the kit archive is written to")
	flags.String("work-dir", "", "Parent of the scratch directory (default system temp dir)")
	flags.StringSlice("packages", nil, "Package groups in layer order")
	flags.StringSlice("promote", nil, "Package names advertised as kits of this build")
	flags.StringSlice("local-kit", nil, "Sibling kit as name[:version[:vendor]] (repeatable)")
	flags.String("external-metadata", "", "External kit metadata JSON file")
	flags.Int("jobs", 0, "Layers packed in parallel (default one per CPU)")
	flags.String("compression", "", "Layer compression: none or zstd")
	flags.String("repo-indexer", "", "Command that writes repodata into the packages dir")
	flags.String("repo-checker", "", "Command that checks the repository is consistent")
	flags.String("metrics-file", "", "Write build metrics in Prometheus text format to this file")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("log-format", "", "Log format (console or json)")
	return cmd
}

// applyFlags copies explicitly set flags over cfg.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	stringFlags := map[string]*string{
		"name":              &cfg.Name,
		"version":           &cfg.Version,
		"vendor":            &cfg.Vendor,
		"build-id":          &cfg.BuildID,
		"arch":              &cfg.Arch,
		"packages-dir":      &cfg.PackagesDir,
		"output-dir":        &cfg.OutputDir,
		"work-dir":          &cfg.WorkDir,
		"external-metadata": &cfg.ExternalMetadata,
		"compression":       &cfg.Compression,
		"repo-indexer":      &cfg.RepoIndexer,
		"repo-checker":      &cfg.RepoChecker,
		"metrics-file":      &cfg.MetricsFile,
		"log-level":         &cfg.LogLevel,
		"log-format":        &cfg.LogFormat,
	}
	for name, dst := range stringFlags {
		if !flags.Changed(name) {
			continue
		}
		value, err := flags.GetString(name)
		if err != nil {
			return err
		}
		*dst = value
	}

	sliceFlags := map[string]*[]string{
		"packages":  &cfg.Packages,
		"promote":   &cfg.Promote,
		"local-kit": &cfg.LocalKits,
	}
	for name, dst := range sliceFlags {
		if !flags.Changed(name) {
			continue
		}
		value, err := flags.GetStringSlice(name)
		if err != nil {
			return err
		}
		*dst = value
	}

	if flags.Changed("jobs") {
		jobs, err := flags.GetInt("jobs")
		if err != nil {
			return err
		}
		cfg.Jobs = jobs
	}
	return nil
}

func runBuild(ctx context.Context, cfg config.Config, stdout io.Writer) error {
	logger, err := telemetry.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	logger = logger.With().Str("run_id", uuid.NewString()).Logger()

	shutdown, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	metrics := telemetry.NewBuildMetrics()
	if cfg.MetricsFile != "" {
		defer func() {
			if err := metrics.WriteTextfile(cfg.MetricsFile); err != nil {
				logger.Error().Err(err).Str("path", cfg.MetricsFile).Msg("write metrics")
			}
		}()
	}

	compression, err := kitbuilder.ParseCompression(cfg.Compression)
	if err != nil {
		return err
	}
	localKits, err := cfg.LocalKitRefs()
	if err != nil {
		return err
	}
	indexer, err := newRepoTool("repo-indexer", cfg.RepoIndexer)
	if err != nil {
		return err
	}
	checker, err := newRepoTool("repo-checker", cfg.RepoChecker)
	if err != nil {
		return err
	}

	var now func() time.Time
	if pinned, ok, err := cfg.SourceDate(); err != nil {
		return err
	} else if ok {
		now = func() time.Time { return pinned }
		logger.Debug().Time("source_date", pinned).Msg("creation time pinned")
	}

	buildCfg := kitbuilder.BuildConfig{
		Name:             cfg.Name,
		Version:          cfg.Version,
		Vendor:           cfg.Vendor,
		BuildID:          cfg.BuildID,
		Arch:             cfg.Arch,
		PackagesDir:      cfg.PackagesDir,
		OutputDir:        cfg.OutputDir,
		WorkDir:          cfg.WorkDir,
		Packages:         cfg.Packages,
		Promote:          cfg.Promote,
		LocalKits:        localKits,
		ExternalMetadata: cfg.ExternalMetadata,
		Compression:      compression,
		Jobs:             cfg.Jobs,
		Now:              now,
		Stdout:           stdout,
		Logger:           &logger,
		Metrics:          metrics,
	}
	// Typed nil pointers must not end up in the interface fields.
	if indexer != nil {
		buildCfg.Indexer = indexer
		logRepoTool(logger, indexer)
	}
	if checker != nil {
		buildCfg.Checker = checker
		logRepoTool(logger, checker)
	}

	_, err = kitbuilder.Build(ctx, buildCfg)
	return err
}

func logRepoTool(logger zerolog.Logger, tool *repotool.Tool) {
	logger.Debug().Str("tool", tool.Name()).Stringer("command", tool).Msg("repository tool configured")
}

func newRepoTool(name, command string) (*repotool.Tool, error) {
	if command == "" {
		return nil, nil
	}
	tool, err := repotool.New(name, command)
	if err != nil {
		return nil, err
	}
	tool.Stdout = os.Stderr
	return tool, nil
}

func newInspectCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "inspect <archive>",
		Short: "Print the kit metadata and layers of an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			insp, err := kitbuilder.Inspect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(insp.Metadata)
			}
			printInspection(out, insp)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the kit metadata as JSON")
	return cmd
}

func newVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <archive>",
		Short: "Check every blob digest and layer diff_id of an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			insp, err := kitbuilder.Verify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok %s (%d layers, %d blobs)\n", args[0], len(insp.Manifest.Layers), len(insp.Blobs))
			return nil
		},
	}
}

func printInspection(out io.Writer, insp *kitbuilder.Inspection) {
	meta := insp.Metadata
	fmt.Fprintf(out, "kit:          %s %s\n", meta.Name, meta.Version)
	fmt.Fprintf(out, "sdk:          %s\n", string(meta.SDK))
	fmt.Fprintf(out, "platform:     %s/%s\n", insp.Config.OS, insp.Config.Architecture)
	if insp.Config.Created != nil {
		fmt.Fprintf(out, "created:      %s\n", insp.Config.Created.UTC().Format(time.RFC3339Nano))
	}
	fmt.Fprintf(out, "manifest:     %s\n", insp.Index.Manifests[0].Digest)
	fmt.Fprintf(out, "dependencies: %d\n", len(meta.Kits))
	for _, kit := range meta.Kits {
		fmt.Fprintf(out, "  %s\n", kit)
	}
	fmt.Fprintf(out, "layers:       %d\n", len(insp.Manifest.Layers))
	for _, layer := range insp.Manifest.Layers {
		fmt.Fprintf(out, "  %s %s %d\n", layer.Digest, layer.MediaType, layer.Size)
	}
}
