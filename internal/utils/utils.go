package utils

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python / FFmpeg logs)
// so crash information survives when a child process dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command bound to ctx and attaches a buffer to its Stderr.
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Logs returns whatever the child wrote to stderr so far.
func (s *SafeCommand) Logs() string {
	if s == nil || s.Stderr == nil {
		return ""
	}
	return strings.TrimSpace(s.Stderr.String())
}

// ShowError prints a formatted error box, including captured child logs when available.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 CRANALYTICS ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}
	if logs := s.Logs(); logs != "" {
		fmt.Fprintf(os.Stderr, "\nCHILD PROCESS LOGS:\n%s\n", logs)
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is the unified exit strategy: ShowError followed by exit status 1.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// --- 2. Video Engine ---

// VideoInfo is the subset of ffprobe output the pipeline needs.
type VideoInfo struct {
	Duration time.Duration
	Width    int
	Height   int
	FPS      float64
	Codec    string
}

type probeResult struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
		Duration   string `json:"duration"`
	} `json:"streams"`
}

// Probe runs ffprobe against path and returns the first video stream's metadata.
func Probe(ctx context.Context, ffprobePath, path string) (*VideoInfo, error) {
	if _, err := exec.LookPath(ffprobePath); err != nil {
		return nil, fmt.Errorf("ffprobe not found: %w", err)
	}

	cmd := NewSafeCommand(ctx, ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		if logs := cmd.Logs(); logs != "" {
			return nil, fmt.Errorf("ffprobe failed: %w: %s", err, logs)
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseProbe(out)
}

func parseProbe(data []byte) (*VideoInfo, error) {
	var res probeResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}

	info := &VideoInfo{}
	found := false
	for _, s := range res.Streams {
		if s.CodecType != "video" {
			continue
		}
		found = true
		info.Width = s.Width
		info.Height = s.Height
		info.Codec = s.CodecName
		info.FPS = ParseFrameRate(s.RFrameRate)
		info.Duration = parseSeconds(s.Duration)
		break
	}
	if !found {
		return nil, fmt.Errorf("no video stream found")
	}

	// Container duration is more reliable than stream duration for most muxers.
	if d := parseSeconds(res.Format.Duration); d > 0 {
		info.Duration = d
	}
	return info, nil
}

func parseSeconds(s string) time.Duration {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

// ParseFrameRate converts an ffprobe rational ("30000/1001") into frames per second.
func ParseFrameRate(rate string) float64 {
	num, den, ok := strings.Cut(rate, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// DecoderFilter resamples to fps and letterboxes into a fixed width x height raster.
func DecoderFilter(fps float64, width, height int) string {
	return fmt.Sprintf(
		"fps=%s,scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black",
		strconv.FormatFloat(fps, 'f', -1, 64), width, height, width, height,
	)
}

// NewFFmpegDecoder creates a decoder that writes raw RGBA frames of width x height to Stdout.
func NewFFmpegDecoder(ctx context.Context, ffmpegPath, inputPath string, fps float64, width, height int) *SafeCommand {
	// -loglevel error keeps the stderr buffer small on long inputs
	return NewSafeCommand(ctx, ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-i", inputPath,
		"-an",
		"-vf", DecoderFilter(fps, width, height),
		"-pix_fmt", "rgba",
		"-f", "rawvideo",
		"-",
	)
}

// GenerateVideoID creates a deterministic hash for the video file
// based on its path, size, and modification time.
func GenerateVideoID(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	input := fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:]), nil
}
