package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"github.com/andresmejia3/cranalytics/internal/types"
	"github.com/andresmejia3/cranalytics/internal/utils" // Using the SafeCommand wrapper
)

// ErrWorkerDead is returned once the subprocess has crashed or been killed.
var ErrWorkerDead = errors.New("python worker is not running")

// maxFaces bounds the count field so a corrupt header cannot trigger a huge allocation.
const maxFaces = 1024

// maxResponseLen bounds the frame length field the same way.
const maxResponseLen = 1 << 20

type Config struct {
	Python    string
	Script    string
	Threshold float64
	// Timeout bounds one request/response exchange. Zero disables it.
	Timeout time.Duration
}

// PythonDetector runs face detection in a long-lived python subprocess.
// Frames go in on stdin, results come back on a dedicated pipe (FD 3) so
// library noise on stdout/stderr cannot corrupt the protocol.
type PythonDetector struct {
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	timeout time.Duration
	log     zerolog.Logger

	// mu serializes exchanges; the protocol has no request ids.
	mu   sync.Mutex
	dead error
}

func NewPythonDetector(ctx context.Context, cfg Config, log zerolog.Logger) (*PythonDetector, error) {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if _, err := os.Stat(cfg.Script); err != nil {
		return nil, fmt.Errorf("detector script: %w", err)
	}

	py := utils.NewSafeCommand(ctx, cfg.Python, "-u", cfg.Script,
		"--threshold", strconv.FormatFloat(cfg.Threshold, 'f', -1, 64))

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("detector failed to start: %w", err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	log.Info().Str("script", cfg.Script).Int("pid", py.Process.Pid).Msg("python detector started")

	return &PythonDetector{
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		timeout:  cfg.Timeout,
		log:      log,
	}, nil
}

// Detect encodes frame as JPEG and returns the face boxes the worker found.
// Cancelling ctx abandons the wait but lets the exchange finish in the
// background, keeping the pipe in sync for the next call. Exceeding the
// timeout kills the worker.
func (w *PythonDetector) Detect(ctx context.Context, frame image.Image) ([]types.BoundingBox, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, frame, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return w.DetectJPEG(ctx, buf.Bytes())
}

// DetectJPEG is Detect for an already encoded image.
func (w *PythonDetector) DetectJPEG(ctx context.Context, data []byte) ([]types.BoundingBox, error) {
	type result struct {
		boxes []types.BoundingBox
		err   error
	}
	done := make(chan result, 1)
	go func() {
		boxes, err := w.ProcessFrame(data)
		done <- result{boxes, err}
	}()

	var timeout <-chan time.Time
	if w.timeout > 0 {
		timer := time.NewTimer(w.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-done:
		return r.boxes, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		w.kill(fmt.Errorf("no response within %s", w.timeout))
		return nil, fmt.Errorf("detector timed out after %s", w.timeout)
	}
}

// ProcessFrame performs one exchange.
// Request:  [uint32 len][jpeg]
// Response: [uint32 len][status byte] then either
// status 0: [uint32 count][count x (int32 x, y, w, h)]
// status 1: [uint32 msgLen][msg]
func (w *PythonDetector) ProcessFrame(data []byte) ([]types.BoundingBox, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dead != nil {
		return nil, w.dead
	}

	resp, err := w.communicate(data)
	if err != nil {
		// A broken pipe means the child is gone; the stderr buffer says why.
		w.dead = fmt.Errorf("%w: %v", ErrWorkerDead, err)
		return nil, w.dead
	}
	return parseResponse(resp)
}

func (w *PythonDetector) communicate(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponseLen {
		return nil, fmt.Errorf("response length %d exceeds limit %d", respLen, maxResponseLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

func parseResponse(resp []byte) ([]types.BoundingBox, error) {
	r := bytes.NewReader(resp)

	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty response from python worker")
	}

	if status != 0 {
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("python worker error: unreadable message: %w", err)
		}
		if int64(msgLen) > int64(r.Len()) {
			return nil, fmt.Errorf("python worker error: message length %d exceeds response", msgLen)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("python worker error: truncated message: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("read face count: %w", err)
	}
	if count > maxFaces {
		return nil, fmt.Errorf("face count %d exceeds limit %d", count, maxFaces)
	}

	boxes := make([]types.BoundingBox, 0, count)
	for i := uint32(0); i < count; i++ {
		var loc [4]int32
		if err := binary.Read(r, binary.BigEndian, &loc); err != nil {
			return nil, fmt.Errorf("read box %d: %w", i, err)
		}
		boxes = append(boxes, types.BoundingBox{
			X:      int(loc[0]),
			Y:      int(loc[1]),
			Width:  int(loc[2]),
			Height: int(loc[3]),
		})
	}
	return boxes, nil
}

// kill terminates a hung worker. Any exchange still blocked on the pipe
// fails and marks the detector dead.
func (w *PythonDetector) kill(reason error) {
	w.log.Error().Err(reason).Str("stderr", w.Cmd.Logs()).Msg("killing python detector")
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
	w.DataPipe.Close()
}

// Close shuts the worker down by closing its stdin and reaps the process.
func (w *PythonDetector) Close() error {
	w.Stdin.Close()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.DataPipe.Close()
	if w.dead == nil {
		w.dead = ErrWorkerDead
	}
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
