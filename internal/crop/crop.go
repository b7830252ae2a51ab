package crop

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"

	"github.com/andresmejia3/cranalytics/internal/types"
)

// DefaultQuality matches the browser default for canvas JPEG export.
const DefaultQuality = 92

// ErrEmptyRegion is returned when a box lies entirely outside the frame.
var ErrEmptyRegion = errors.New("crop: region is empty after clamping")

// Cropper cuts face regions out of frames and encodes them as JPEG.
type Cropper struct {
	quality int
}

func New(quality int) *Cropper {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	return &Cropper{quality: quality}
}

// Clamp intersects box with bounds.
func Clamp(box types.BoundingBox, bounds image.Rectangle) image.Rectangle {
	return box.Rect().Canon().Intersect(bounds)
}

// Crop extracts box from frame. Boxes reaching past the frame edge are
// clamped; the returned crop carries the clamped box. The ordinal is left
// for the accumulator to assign.
func (c *Cropper) Crop(frame image.Image, box types.BoundingBox) (types.FaceCrop, error) {
	rect := Clamp(box, frame.Bounds())
	if rect.Empty() {
		return types.FaceCrop{}, fmt.Errorf("box %+v: %w", box, ErrEmptyRegion)
	}

	region := imaging.Crop(frame, rect)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, region, imaging.JPEG, imaging.JPEGQuality(c.quality)); err != nil {
		return types.FaceCrop{}, fmt.Errorf("encode crop: %w", err)
	}

	return types.FaceCrop{
		Image:    buf.Bytes(),
		MIMEType: "image/jpeg",
		Box:      types.BoxFromRect(rect),
	}, nil
}

// Letterbox scales img to fit inside width x height, preserving aspect ratio,
// and centers it on a black canvas. Used to put still images on the same
// raster as sampled video frames.
func Letterbox(img image.Image, width, height int) *image.RGBA {
	canvas := imaging.New(width, height, color.Black)
	fitted := imaging.Fit(img, width, height, imaging.Lanczos)
	canvas = imaging.PasteCenter(canvas, fitted)

	out := image.NewRGBA(canvas.Bounds())
	draw.Draw(out, out.Bounds(), canvas, canvas.Bounds().Min, draw.Src)
	return out
}
