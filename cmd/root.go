package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/cranalytics/internal/config"
	"github.com/andresmejia3/cranalytics/internal/logging"
	"github.com/andresmejia3/cranalytics/internal/tracing"
)

// Options holds flags shared by extract, faces and serve. Zero values mean
// "use the configured value".
type Options struct {
	InputPath          string
	OutputDir          string
	Detector           string
	DetectionThreshold float64
	Interval           time.Duration
	PlaybackRate       float64
	ClassifierURL      string
	SaveCrops          bool
	JSON               bool
}

var (
	// cfg is resolved once per invocation in PersistentPreRunE.
	cfg *config.Config

	cfgFile  string
	logLevel string
	logJSON  bool

	shutdownTracer func(context.Context) error
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "cranalytics",
	Short:   "Extract faces from video and classify them with two recognition models",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		logging.Init(cfg.LogLevel, !logJSON)

		shutdownTracer, err = tracing.InitTracer(cmd.Context(), cfg.OTLPTraces)
		if err != nil {
			return fmt.Errorf("failed to start tracing: %w", err)
		}

		cmd.SetContext(config.WithConfig(cmd.Context(), cfg))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if shutdownTracer == nil {
			return
		}
		// The command context may already be cancelled by a signal.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Warn().Err(err).Msg("tracer shutdown failed")
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./cranalytics.yaml or ~/.cranalytics/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit JSON log lines instead of console output")
}
