package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/andresmejia3/cranalytics/internal/classify"
	"github.com/andresmejia3/cranalytics/internal/config"
	"github.com/andresmejia3/cranalytics/internal/crop"
	"github.com/andresmejia3/cranalytics/internal/detect/dnn"
	"github.com/andresmejia3/cranalytics/internal/logging"
	"github.com/andresmejia3/cranalytics/internal/pipeline"
	"github.com/andresmejia3/cranalytics/internal/video"
	"github.com/andresmejia3/cranalytics/internal/worker"
)

// engine bundles everything a run needs so commands can tear it down in one place.
type engine struct {
	detector detector
	cropper  *crop.Cropper
	runner   *classify.Runner
	machine  *pipeline.Machine
}

type detector interface {
	pipeline.Detector
	io.Closer
}

// applyOptions folds command flags over the loaded configuration.
func applyOptions(c *config.Config, opts Options) error {
	if opts.OutputDir != "" {
		c.OutputDir = opts.OutputDir
	}
	if opts.Detector != "" {
		c.Detector.Kind = opts.Detector
	}
	if opts.DetectionThreshold != 0 {
		c.Detector.Threshold = opts.DetectionThreshold
	}
	if opts.Interval != 0 {
		c.Sampler.Interval = opts.Interval
	}
	if opts.PlaybackRate != 0 {
		c.Sampler.PlaybackRate = opts.PlaybackRate
	}
	if opts.ClassifierURL != "" {
		c.Classifier.Endpoint = opts.ClassifierURL
	}
	return c.Validate()
}

func newDetector(ctx context.Context, c *config.Config) (detector, error) {
	switch c.Detector.Kind {
	case "dnn":
		return dnn.New(c.Detector.DNNConfigPath, c.Detector.DNNModelPath, c.Detector.Threshold, logging.WithComponent("dnn"))
	case "python":
		return worker.NewPythonDetector(ctx, worker.Config{
			Script:    c.Detector.Script,
			Threshold: c.Detector.Threshold,
			Timeout:   c.Detector.Timeout,
		}, logging.WithComponent("detector"))
	default:
		return nil, fmt.Errorf("unknown detector %q", c.Detector.Kind)
	}
}

func newRunner(c *config.Config) *classify.Runner {
	client := classify.NewHTTPClient(c.Classifier.Endpoint, c.Classifier.Timeout)
	return classify.NewRunner(client, classify.RunnerOptions{
		MaxRetries: c.Classifier.MaxRetries,
		RetryBase:  c.Classifier.RetryBase,
	}, logging.WithComponent("classify"))
}

func newEngine(ctx context.Context, c *config.Config) (*engine, error) {
	det, err := newDetector(ctx, c)
	if err != nil {
		return nil, err
	}
	e := &engine{
		detector: det,
		cropper:  crop.New(c.Sampler.JPEGQuality),
		runner:   newRunner(c),
	}
	e.machine = pipeline.NewMachine(e.detector, e.cropper, e.runner, pipeline.Options{
		Interval: c.Sampler.Interval,
		Logger:   logging.WithComponent("pipeline"),
	})
	return e, nil
}

func (e *engine) Close() {
	e.machine.Close()
	if err := e.detector.Close(); err != nil {
		log.Debug().Err(err).Msg("closing detector")
	}
}

// openVideo starts decoding path with the configured ffmpeg settings.
func openVideo(c *config.Config, path string) (video.Source, error) {
	src, err := video.Open(path, video.Options{
		FFmpegPath:  c.Sampler.FFmpegPath,
		FFprobePath: c.Sampler.FFprobePath,
		Rate:        c.Sampler.PlaybackRate,
		Logger:      logging.WithComponent("video"),
	})
	if err != nil {
		return nil, err
	}
	return src, nil
}
