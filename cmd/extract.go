package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/cranalytics/internal/config"
	"github.com/andresmejia3/cranalytics/internal/pipeline"
	"github.com/andresmejia3/cranalytics/internal/types"
	"github.com/andresmejia3/cranalytics/internal/utils"
)

var extractOpts Options

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Play a video, capture every face seen and classify the crops",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runExtract(cmd.Context(), cfg, extractOpts)
	},
}

func init() {
	extractCmd.Flags().StringVarP(&extractOpts.InputPath, "input", "i", "", "Path to video")
	extractCmd.Flags().StringVarP(&extractOpts.OutputDir, "output", "o", "", "Directory for saved crops and results (default from config)")
	extractCmd.Flags().StringVar(&extractOpts.Detector, "detector", "", "Face detector backend: python or dnn")
	extractCmd.Flags().Float64VarP(&extractOpts.DetectionThreshold, "detection-threshold", "D", 0, "Face detection confidence threshold")
	extractCmd.Flags().DurationVar(&extractOpts.Interval, "interval", 0, "Time between sampled frames (e.g. 100ms)")
	extractCmd.Flags().Float64Var(&extractOpts.PlaybackRate, "rate", 0, "Playback speed multiplier")
	extractCmd.Flags().StringVar(&extractOpts.ClassifierURL, "classifier", "", "Classification endpoint URL")
	extractCmd.Flags().BoolVarP(&extractOpts.SaveCrops, "save-crops", "s", false, "Write each face crop as a JPEG to the output directory")
	extractCmd.Flags().BoolVar(&extractOpts.JSON, "json", false, "Print results as JSON instead of a table")

	extractCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(extractCmd)
}

// validateExtractFlags checks the input before any process is started.
func validateExtractFlags(c *config.Config, opts Options) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input path is a directory, expected a video file")
	}
	if opts.Interval < 0 {
		return fmt.Errorf("interval must be positive, got %s", opts.Interval)
	}
	if opts.PlaybackRate < 0 {
		return fmt.Errorf("playback rate must be positive, got %f", opts.PlaybackRate)
	}
	return applyOptions(c, opts)
}

func runExtract(ctx context.Context, c *config.Config, opts Options) error {
	if err := validateExtractFlags(c, opts); err != nil {
		utils.ShowError("Invalid arguments", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting face detector...")
	e, err := newEngine(ctx, c)
	if err != nil {
		utils.ShowError("Failed to start face detector", err, nil)
		return err
	}
	defer e.Close()

	src, err := openVideo(c, opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to open video", err, nil)
		return err
	}

	updates, unsubscribe := e.machine.Subscribe()
	defer unsubscribe()
	barDone := make(chan struct{})
	go func() {
		defer close(barDone)
		followProgress(updates)
	}()

	fmt.Fprintf(os.Stderr, "📼 Processing %s\n", filepath.Base(opts.InputPath))
	if err := e.machine.Start(ctx, src); err != nil {
		utils.ShowError("Failed to start playback", err, nil)
		return err
	}

	final, err := e.machine.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "\n🛑 Interrupted, discarding run.")
			e.machine.Reset()
		}
		return err
	}
	<-barDone

	results := e.machine.Results()
	switch final.Phase {
	case types.PhaseEmptyDone:
		fmt.Println("❌ No faces detected in the video.")
		return nil
	case types.PhaseDone:
		if final.Failed > 0 {
			fmt.Fprintf(os.Stderr, "⚠️  %d of %d faces could not be classified.\n", final.Failed, final.Captured)
		}
	}

	if opts.JSON {
		if err := writeResultsJSON(os.Stdout, final); err != nil {
			return err
		}
	} else {
		printResults(os.Stdout, c, results)
	}

	if opts.SaveCrops {
		// Re-running the same file overwrites its previous crops.
		videoID, err := utils.GenerateVideoID(opts.InputPath)
		if err != nil {
			utils.ShowError("Failed to identify video", err, nil)
			return err
		}
		dir := filepath.Join(c.OutputDir, videoID[:12])
		n, err := saveCrops(dir, e.machine.Crops(), final)
		if err != nil {
			utils.ShowError("Failed to save crops", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "💾 Saved %d crops to %s\n", n, dir)
	}
	return nil
}

// followProgress drives a terminal progress bar until the run settles.
func followProgress(updates <-chan pipeline.State) {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("🔍 Capturing"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	phase := types.PhaseIdle
	for s := range updates {
		if s.Phase == types.PhaseIdle && phase != types.PhaseIdle {
			// Reset mid-run.
			bar.Exit()
			return
		}
		if s.Phase == types.PhaseClassifying && phase != types.PhaseClassifying {
			bar.Describe(fmt.Sprintf("🧠 Classifying %d faces", s.Captured))
		}
		phase = s.Phase
		bar.Set(s.Progress)
		if s.Phase.Terminal() {
			bar.Finish()
			return
		}
	}
}

func printResults(w io.Writer, c *config.Config, results []types.ClassificationResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "#\tTIME\t%s\t%s\n", c.Classifier.ModelAName, c.Classifier.ModelBName)
	fmt.Fprintln(tw, "-\t----\t---\t---")
	for _, r := range results {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n",
			r.Crop.Ordinal,
			fmtTime(r.Crop.Position.Seconds()),
			r.Prediction.ModelA,
			r.Prediction.ModelB,
		)
	}
	tw.Flush()
}

func writeResultsJSON(w io.Writer, s pipeline.State) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// saveCrops writes each crop as face_NNN.jpg plus a results.json summary.
func saveCrops(dir string, crops []types.FaceCrop, s pipeline.State) (int, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, err
	}
	for _, c := range crops {
		name := filepath.Join(dir, fmt.Sprintf("face_%03d.jpg", c.Ordinal))
		if err := os.WriteFile(name, c.Image, 0644); err != nil {
			return 0, err
		}
	}

	f, err := os.Create(filepath.Join(dir, "results.json"))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	// Images already live next to the summary.
	slim := s
	slim.Results = make([]pipeline.ResultView, len(s.Results))
	for i, r := range s.Results {
		r.Image = fmt.Sprintf("face_%03d.jpg", r.Ordinal)
		slim.Results[i] = r
	}
	if err := writeResultsJSON(f, slim); err != nil {
		return 0, err
	}
	log.Debug().Str("dir", dir).Int("crops", len(crops)).Msg("crops saved")
	return len(crops), nil
}

// fmtTime renders seconds as HH:MM:SS.t
func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	tenths := int(duration.Milliseconds()/100) % 10
	return fmt.Sprintf("%02d:%02d:%02d.%d", h, m, s, tenths)
}
