package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/cranalytics/internal/config"
	"github.com/andresmejia3/cranalytics/internal/logging"
	"github.com/andresmejia3/cranalytics/internal/server"
	"github.com/andresmejia3/cranalytics/internal/utils"
	"github.com/andresmejia3/cranalytics/internal/video"
)

var (
	serveOpts Options
	serveAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API: upload a video, follow progress over a websocket",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context(), cfg, serveOpts)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "Listen address (default from config)")
	serveCmd.Flags().StringVar(&serveOpts.Detector, "detector", "", "Face detector backend: python or dnn")
	serveCmd.Flags().Float64VarP(&serveOpts.DetectionThreshold, "detection-threshold", "D", 0, "Face detection confidence threshold")
	serveCmd.Flags().DurationVar(&serveOpts.Interval, "interval", 0, "Time between sampled frames (e.g. 100ms)")
	serveCmd.Flags().StringVar(&serveOpts.ClassifierURL, "classifier", "", "Classification endpoint URL")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, c *config.Config, opts Options) error {
	if err := applyOptions(c, opts); err != nil {
		utils.ShowError("Invalid arguments", err, nil)
		return err
	}
	if serveAddr != "" {
		c.Server.Addr = serveAddr
	}

	e, err := newEngine(ctx, c)
	if err != nil {
		utils.ShowError("Failed to start face detector", err, nil)
		return err
	}
	defer e.Close()

	srv := server.New(ctx, c.Server, e.machine, func(path string) (video.Source, error) {
		return openVideo(c, path)
	}, logging.WithComponent("server"))
	defer srv.Cleanup()
	go srv.Run(ctx)

	httpServer := &http.Server{
		Addr:         c.Server.Addr,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Minute, // uploads
		WriteTimeout: 0,               // websocket streams are long-lived
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", c.Server.Addr).Msg("server listening")
		errCh <- httpServer.ListenAndServe()
	}()
	fmt.Fprintf(os.Stderr, "🌐 Serving on %s\n", c.Server.Addr)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			utils.ShowError("Server failed", err, nil)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
