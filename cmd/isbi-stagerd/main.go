package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/VIRAC-SPACE/ISBI-AARTFAAC/common/go/logging"
	"github.com/VIRAC-SPACE/ISBI-AARTFAAC/common/go/xcmd"
	"github.com/VIRAC-SPACE/ISBI-AARTFAAC/geometry"
	"github.com/VIRAC-SPACE/ISBI-AARTFAAC/inputstager"
	"github.com/VIRAC-SPACE/ISBI-AARTFAAC/source"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "isbi-stagerd",
	Short: "Input staging and ring-buffer daemon for the correlator front end",
	Run: func(_ *cobra.Command, _ []string) {
		if err := run(cmd); err != nil {
			if errors.Is(err, xcmd.Interrupted{}) {
				return
			}
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	rootCmd.MarkFlagRequired("config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	log, _, err := logging.Init(&logging.Config{Level: zapcore.InfoLevel})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	cfg, err := geometry.LoadConfig(cmd.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Variant == "isbi" {
		var ext geometry.ISBIExtension
		if err := cfg.DecodeExtension(&ext); err != nil {
			return fmt.Errorf("failed to decode isbi extension: %w", err)
		}
		log.Infow("loaded isbi extension", "channelMappingLen", len(ext.ChannelMapping))
	}

	sources, err := buildSources(cfg)
	if err != nil {
		return fmt.Errorf("failed to build frame sources: %w", err)
	}

	stager, err := inputstager.New(cfg, sources, log)
	if err != nil {
		return fmt.Errorf("failed to construct input stager: %w", err)
	}
	defer func() {
		if err := stager.Close(); err != nil {
			log.Errorw("error while shutting down input stager", "error", err)
		}
	}()

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)

	stager.Start(ctx)

	wg.Go(func() error {
		return driveTransactions(ctx, cfg, stager, log)
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infow("caught signal", "error", err)
		return err
	})

	return wg.Wait()
}

// buildSources constructs one FrameSource per descriptor from
// cfg.InputFiles. Network sources are wired by a deployment that injects
// its own capture handle; this daemon only drives the file-backed path.
//
// cfg.InputFiles lists exactly one VDIF file per descriptor, and
// VDIFFileReader tags every frame it reads with a single fixed subband,
// so this path only supports cfg.Subbands == 1: a multi-subband
// deployment would need one file (and one FrameSource) per
// (descriptor, subband) pair, which the config schema has no room for
// yet. Reject the ambiguous case instead of silently tagging every
// subband's data onto subband 0.
func buildSources(cfg *geometry.Config) ([]source.FrameSource, error) {
	if len(cfg.InputFiles) != cfg.NumInputDescriptors() {
		return nil, fmt.Errorf("input_files must list exactly one path per descriptor (got %d, want %d)",
			len(cfg.InputFiles), cfg.NumInputDescriptors())
	}
	if cfg.Subbands != 1 {
		return nil, fmt.Errorf("file-backed input only supports a single subband, got %d configured", cfg.Subbands)
	}

	sources := make([]source.FrameSource, 0, len(cfg.InputFiles))
	for d, path := range cfg.InputFiles {
		src, err := source.NewVDIFFileReader(path, 0, cfg.SamplesPerFrame)
		if err != nil {
			for _, opened := range sources {
				opened.Close()
			}
			return nil, fmt.Errorf("descriptor %d (%s): %w", d, path, err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// driveTransactions stands in for the accelerator scheduler: it advances
// the read window at a fixed cadence, calling the stager's transactional
// API the way the device-side driver would (§4.4). The actual
// host-to-device copy is left to the real driver, which owns the Stream
// and DeviceMemory handles this daemon has no way to construct.
func driveTransactions(ctx context.Context, cfg *geometry.Config, stager *inputstager.Stager, log *zap.SugaredLogger) error {
	var t uint64

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stager.StartReadTransaction(t)
			stager.EndReadTransaction(t)
			t += cfg.SamplesPerSubbandPerBlock
		}
	}
}
