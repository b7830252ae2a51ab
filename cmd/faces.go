package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/cranalytics/internal/config"
	"github.com/andresmejia3/cranalytics/internal/crop"
	"github.com/andresmejia3/cranalytics/internal/types"
	"github.com/andresmejia3/cranalytics/internal/utils"
)

var facesOpts Options

var facesCmd = &cobra.Command{
	Use:   "faces <image_path>",
	Short: "Detect and classify the faces in a single still image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runFaces(cmd.Context(), cfg, args[0], facesOpts)
	},
}

func init() {
	facesCmd.Flags().StringVar(&facesOpts.Detector, "detector", "", "Face detector backend: python or dnn")
	facesCmd.Flags().Float64VarP(&facesOpts.DetectionThreshold, "detection-threshold", "D", 0, "Face detection confidence threshold")
	facesCmd.Flags().StringVar(&facesOpts.ClassifierURL, "classifier", "", "Classification endpoint URL")
	facesCmd.Flags().StringVarP(&facesOpts.OutputDir, "output", "o", "", "Directory for saved crops (default from config)")
	facesCmd.Flags().BoolVarP(&facesOpts.SaveCrops, "save-crops", "s", false, "Write each face crop as a JPEG to the output directory")
	rootCmd.AddCommand(facesCmd)
}

func runFaces(ctx context.Context, c *config.Config, imagePath string, opts Options) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}
	if err := applyOptions(c, opts); err != nil {
		utils.ShowError("Invalid arguments", err, nil)
		return err
	}

	img, err := imaging.Open(imagePath, imaging.AutoOrientation(true))
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}
	// Same raster the video path detects on.
	frame := crop.Letterbox(img, types.FrameWidth, types.FrameHeight)

	fmt.Fprintln(os.Stderr, "🚀 Starting face detector...")
	det, err := newDetector(ctx, c)
	if err != nil {
		utils.ShowError("Failed to start face detector", err, nil)
		return err
	}
	defer det.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing image...")
	boxes, err := det.Detect(ctx, frame)
	if err != nil {
		utils.ShowError("Face detection failed", err, nil)
		return err
	}
	if len(boxes) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}

	cropper := crop.New(c.Sampler.JPEGQuality)
	var crops []types.FaceCrop
	for _, box := range boxes {
		fc, err := cropper.Crop(frame, box)
		if err != nil {
			if errors.Is(err, crop.ErrEmptyRegion) {
				log.Debug().Interface("box", box).Msg("box outside image, skipped")
			} else {
				log.Warn().Err(err).Interface("box", box).Msg("crop failed")
			}
			continue
		}
		fc.Ordinal = len(crops) + 1
		crops = append(crops, fc)
	}
	if len(crops) == 0 {
		fmt.Println("❌ Detected faces fall outside the image.")
		return nil
	}

	fmt.Fprintf(os.Stderr, "🧠 Classifying %d faces...\n", len(crops))
	var results []types.ClassificationResult
	sum := newRunner(c).Run(ctx, crops, func(r types.ClassificationResult) bool {
		results = append(results, r)
		return true
	})
	if sum.Failed > 0 {
		fmt.Fprintf(os.Stderr, "⚠️  %d of %d faces could not be classified.\n", sum.Failed, len(crops))
	}

	printResults(os.Stdout, c, results)

	if opts.SaveCrops {
		if err := os.MkdirAll(c.OutputDir, 0755); err != nil {
			return err
		}
		for _, fc := range crops {
			name := filepath.Join(c.OutputDir, fmt.Sprintf("still_face_%03d.jpg", fc.Ordinal))
			if err := os.WriteFile(name, fc.Image, 0644); err != nil {
				utils.ShowError("Failed to save crop", err, nil)
				return err
			}
		}
	}
	return nil
}
