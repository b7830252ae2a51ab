package utils

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"30/1", 30},
		{"30000/1001", 30000.0 / 1001.0},
		{"25", 25},
		{"0/0", 0},
		{"", 0},
		{"abc/1", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseFrameRate(tt.in); got != tt.want {
				t.Errorf("ParseFrameRate(%q) = %f, want %f", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseProbe(t *testing.T) {
	data := []byte(`{
		"streams": [
			{"codec_type": "audio", "codec_name": "aac"},
			{"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080, "r_frame_rate": "30/1", "duration": "9.9"}
		],
		"format": {"duration": "10.000000"}
	}`)

	info, err := parseProbe(data)
	if err != nil {
		t.Fatalf("parseProbe failed: %v", err)
	}
	if info.Duration != 10*time.Second {
		t.Errorf("Expected duration 10s, got %s", info.Duration)
	}
	if info.Width != 1920 || info.Height != 1080 {
		t.Errorf("Expected 1920x1080, got %dx%d", info.Width, info.Height)
	}
	if info.FPS != 30 || info.Codec != "h264" {
		t.Errorf("Unexpected stream info: %+v", info)
	}
}

func TestParseProbe_NoVideo(t *testing.T) {
	_, err := parseProbe([]byte(`{"streams": [{"codec_type": "audio"}], "format": {}}`))
	if err == nil {
		t.Fatal("Expected error for audio-only input")
	}
}

func TestDecoderFilter(t *testing.T) {
	got := DecoderFilter(10, 817, 408)
	want := "fps=10,scale=817:408:force_original_aspect_ratio=decrease,pad=817:408:(ow-iw)/2:(oh-ih)/2:color=black"
	if got != want {
		t.Errorf("DecoderFilter() = %q, want %q", got, want)
	}
}

func TestSafeCommandCapturesStderr(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	cmd := NewSafeCommand(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	err := cmd.Run()

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Expected ExitError, got %v", err)
	}
	if !strings.Contains(cmd.Logs(), "boom") {
		t.Errorf("Expected captured stderr to contain 'boom', got %q", cmd.Logs())
	}

	var nilCmd *SafeCommand
	if nilCmd.Logs() != "" {
		t.Error("Expected empty logs for nil command")
	}
}

func TestGenerateVideoID(t *testing.T) {
	// Integration test using the OS filesystem
	tmp, err := os.CreateTemp("", "video_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write([]byte("fake video content")); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	id, err := GenerateVideoID(tmp.Name())
	if err != nil || id == "" {
		t.Errorf("Failed to generate ID: %v", err)
	}

	// Verify Determinism
	id2, _ := GenerateVideoID(tmp.Name())
	if id != id2 {
		t.Errorf("Hash is not deterministic. Got %s, then %s", id, id2)
	}

	// Verify Sensitivity (Change content -> Change ID)
	f, _ := os.OpenFile(tmp.Name(), os.O_APPEND|os.O_WRONLY, 0644)
	f.Write([]byte(" modification"))
	f.Close()

	id3, _ := GenerateVideoID(tmp.Name())
	if id == id3 {
		t.Error("Hash did not change after file modification")
	}
}
