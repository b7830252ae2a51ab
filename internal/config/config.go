package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type contextKey string

const configKey contextKey = "config"

// Config holds all application configuration. Values are resolved in order:
// defaults, YAML file, .env file, process environment. Command flags win last.
type Config struct {
	LogLevel   string `yaml:"log_level"   env:"LOG_LEVEL"`
	OutputDir  string `yaml:"output_dir"  env:"OUTPUT_DIR"`
	OTLPTraces string `yaml:"otlp_traces" env:"OTLP_TRACES_ENDPOINT"`

	Sampler    SamplerConfig    `yaml:"sampler"`
	Detector   DetectorConfig   `yaml:"detector"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Server     ServerConfig     `yaml:"server"`
}

type SamplerConfig struct {
	Interval     time.Duration `yaml:"interval"      env:"SAMPLE_INTERVAL"`
	PlaybackRate float64       `yaml:"playback_rate" env:"PLAYBACK_RATE"`
	JPEGQuality  int           `yaml:"jpeg_quality"  env:"CROP_JPEG_QUALITY"`
	FFmpegPath   string        `yaml:"ffmpeg_path"   env:"FFMPEG_PATH"`
	FFprobePath  string        `yaml:"ffprobe_path"  env:"FFPROBE_PATH"`
}

type DetectorConfig struct {
	// Kind selects the detector backend: "python" or "dnn".
	Kind      string        `yaml:"kind"      env:"DETECTOR"`
	Script    string        `yaml:"script"    env:"DETECTOR_SCRIPT"`
	Threshold float64       `yaml:"threshold" env:"DETECTION_THRESHOLD"`
	Timeout   time.Duration `yaml:"timeout"   env:"DETECTOR_TIMEOUT"`

	DNNConfigPath string `yaml:"dnn_config_path" env:"FACE_DNN_CONFIG_PATH"`
	DNNModelPath  string `yaml:"dnn_model_path"  env:"FACE_DNN_MODEL_PATH"`
}

type ClassifierConfig struct {
	Endpoint   string        `yaml:"endpoint"     env:"CLASSIFIER_URL"`
	Timeout    time.Duration `yaml:"timeout"      env:"CLASSIFIER_TIMEOUT"`
	MaxRetries int           `yaml:"max_retries"  env:"CLASSIFIER_MAX_RETRIES"`
	RetryBase  time.Duration `yaml:"retry_base"   env:"CLASSIFIER_RETRY_BASE"`
	ModelAName string        `yaml:"model_a_name" env:"MODEL_A_NAME"`
	ModelBName string        `yaml:"model_b_name" env:"MODEL_B_NAME"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"            env:"LISTEN_ADDR"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"CORS_ORIGINS" envSeparator:","`
	UploadDir      string   `yaml:"upload_dir"      env:"UPLOAD_DIR"`
	MaxUploadMB    int64    `yaml:"max_upload_mb"   env:"MAX_UPLOAD_MB"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		OutputDir: "./output",
		Sampler: SamplerConfig{
			Interval:     100 * time.Millisecond,
			PlaybackRate: 1.0,
			JPEGQuality:  92,
			FFmpegPath:   "ffmpeg",
			FFprobePath:  "ffprobe",
		},
		Detector: DetectorConfig{
			Kind:          "python",
			Script:        "python/detector.py",
			Threshold:     0.5,
			Timeout:       30 * time.Second,
			DNNConfigPath: "./models/deploy.prototxt.txt",
			DNNModelPath:  "./models/res10_300x300_ssd_iter_140000_fp16.caffemodel",
		},
		Classifier: ClassifierConfig{
			Endpoint:   "http://localhost:5000/predict_face",
			Timeout:    30 * time.Second,
			MaxRetries: 0,
			RetryBase:  500 * time.Millisecond,
			ModelAName: "HOG",
			ModelBName: "ResNet",
		},
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
			UploadDir:      filepath.Join(os.TempDir(), "cranalytics"),
			MaxUploadMB:    512,
		},
	}
}

// Load reads configuration from file (if any) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	// A missing .env is the normal case.
	_ = godotenv.Load()

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Sampler.Interval <= 0 {
		return fmt.Errorf("sampler interval must be positive, got %s", c.Sampler.Interval)
	}
	if c.Sampler.PlaybackRate <= 0 {
		return fmt.Errorf("playback rate must be positive, got %f", c.Sampler.PlaybackRate)
	}
	if c.Sampler.JPEGQuality < 1 || c.Sampler.JPEGQuality > 100 {
		return fmt.Errorf("jpeg quality must be between 1 and 100, got %d", c.Sampler.JPEGQuality)
	}
	if c.Detector.Kind != "python" && c.Detector.Kind != "dnn" {
		return fmt.Errorf("invalid detector '%s'. Must be 'python' or 'dnn'", c.Detector.Kind)
	}
	if c.Detector.Threshold <= 0 || c.Detector.Threshold > 1.0 {
		return fmt.Errorf("detection threshold must be between 0.0 and 1.0, got %f", c.Detector.Threshold)
	}
	if c.Classifier.Endpoint == "" {
		return fmt.Errorf("classifier endpoint is required")
	}
	if c.Classifier.MaxRetries < 0 {
		return fmt.Errorf("classifier max retries must be >= 0, got %d", c.Classifier.MaxRetries)
	}
	return nil
}

func findConfigFile() string {
	candidates := []string{
		"./cranalytics.yaml",
		"./cranalytics.yml",
		filepath.Join(os.Getenv("HOME"), ".cranalytics", "config.yaml"),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// WithConfig stores config in context
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey, cfg)
}

// FromContext retrieves config from context
func FromContext(ctx context.Context) *Config {
	if cfg, ok := ctx.Value(configKey).(*Config); ok {
		return cfg
	}
	return Default()
}
