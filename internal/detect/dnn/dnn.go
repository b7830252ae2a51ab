package dnn

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"github.com/andresmejia3/cranalytics/internal/types"
)

var ErrDisabled = errors.New("dnn detector is not loaded")

// Detector runs the res10 SSD face model through OpenCV's DNN module.
type Detector struct {
	net     gocv.Net
	enabled bool
	log     zerolog.Logger

	// gocv.Net is not safe for concurrent Forward calls.
	mu sync.Mutex

	inputW        int
	inputH        int
	scaleFactor   float64
	meanVal       gocv.Scalar
	confThreshold float32
}

// New loads the caffe model. Prefers CUDA and falls back to the CPU backend.
func New(configPath, modelPath string, threshold float64, log zerolog.Logger) (*Detector, error) {
	if configPath == "" || modelPath == "" {
		return nil, fmt.Errorf("dnn: config and model paths are required")
	}

	net := gocv.ReadNet(modelPath, configPath)
	if net.Empty() {
		return nil, fmt.Errorf("dnn: failed to load network (config=%s, model=%s)", configPath, modelPath)
	}

	backendErr := net.SetPreferableBackend(gocv.NetBackendCUDA)
	targetErr := net.SetPreferableTarget(gocv.NetTargetCUDA)
	if backendErr == nil && targetErr == nil {
		log.Info().Msg("dnn: using CUDA backend")
	} else {
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
		log.Info().Msg("dnn: using CPU backend")
	}

	return &Detector{
		net:           net,
		enabled:       true,
		log:           log,
		inputW:        300,
		inputH:        300,
		scaleFactor:   1.0,
		meanVal:       gocv.NewScalar(104.0, 177.0, 123.0, 0),
		confThreshold: float32(threshold),
	}, nil
}

// Detect returns face boxes above the confidence threshold. The forward pass
// itself is not interruptible; ctx is only checked before it starts.
func (d *Detector) Detect(ctx context.Context, frame image.Image) ([]types.BoundingBox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// ImageToMatRGB lays pixels out in OpenCV's BGR order.
	mat, err := gocv.ImageToMatRGB(frame)
	if err != nil {
		return nil, fmt.Errorf("dnn: convert frame: %w", err)
	}
	defer mat.Close()

	return d.detectMat(mat)
}

func (d *Detector) detectMat(img gocv.Mat) ([]types.BoundingBox, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled {
		return nil, ErrDisabled
	}
	if img.Empty() {
		return nil, nil
	}

	imgH := float32(img.Rows())
	imgW := float32(img.Cols())

	blob := gocv.BlobFromImage(img, d.scaleFactor, image.Pt(d.inputW, d.inputH), d.meanVal, false, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	sizes := out.Size()
	if len(sizes) < 4 {
		return nil, fmt.Errorf("dnn: unexpected output dimensions %v", sizes)
	}
	n := sizes[2]
	if n == 0 {
		return nil, nil
	}

	// [1, 1, N, 7] -> [N, 7]
	rows := out.Reshape(1, n)
	defer rows.Close()

	var boxes []types.BoundingBox
	for i := 0; i < n; i++ {
		if rows.GetFloatAt(i, 2) <= d.confThreshold {
			continue
		}
		box, ok := frameBox(rows.GetFloatAt(i, 3), rows.GetFloatAt(i, 4), rows.GetFloatAt(i, 5), rows.GetFloatAt(i, 6), imgW, imgH)
		if ok {
			boxes = append(boxes, box)
		}
	}
	d.log.Debug().Int("faces", len(boxes)).Msg("dnn detection")
	return boxes, nil
}

// frameBox scales normalized corners to a w x h frame and clamps them to it.
// It reports false when nothing of the box is left inside the frame.
func frameBox(left, top, right, bottom, w, h float32) (types.BoundingBox, bool) {
	xMin := max(0, left*w)
	yMin := max(0, top*h)
	xMax := min(w, right*w)
	yMax := min(h, bottom*h)
	if xMax <= xMin || yMax <= yMin {
		return types.BoundingBox{}, false
	}
	return types.BoundingBox{
		X:      int(xMin),
		Y:      int(yMin),
		Width:  int(xMax - xMin),
		Height: int(yMax - yMin),
	}, true
}

func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enabled {
		d.enabled = false
		return d.net.Close()
	}
	return nil
}
