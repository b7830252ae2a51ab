package types

import (
	"encoding/base64"
	"image"
	"time"
)

// Raster dimensions every sampled frame is letterboxed into, regardless of the
// source resolution.
const (
	FrameWidth  = 817
	FrameHeight = 408
)

// BoundingBox is a detected face region in frame pixel coordinates.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect converts the box to an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// BoxFromRect is the inverse of Rect.
func BoxFromRect(r image.Rectangle) BoundingBox {
	return BoundingBox{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// FaceCrop is one encoded face image, numbered in capture order.
type FaceCrop struct {
	Ordinal  int           `json:"ordinal"`
	Image    []byte        `json:"-"` // JPEG bytes
	MIMEType string        `json:"mime_type"`
	Box      BoundingBox   `json:"box"`
	Position time.Duration `json:"position"` // playback time of the source frame
}

// DataURL returns the crop in browser-embeddable form.
func (c FaceCrop) DataURL() string {
	mime := c.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(c.Image)
}

// Prediction holds the two labels returned by the classification service,
// one per model family.
type Prediction struct {
	ModelA string
	ModelB string
}

// ClassificationResult is the outcome of classifying one FaceCrop.
type ClassificationResult struct {
	Crop       FaceCrop
	Prediction Prediction
}

// Phase is the state of the extraction pipeline.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseCapturing   Phase = "capturing"
	PhaseClassifying Phase = "classifying"
	PhaseDone        Phase = "done"
	PhaseEmptyDone   Phase = "empty_done"
)

// Terminal reports whether the phase ends a run.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseEmptyDone
}
