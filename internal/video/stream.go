package video

import (
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/andresmejia3/cranalytics/internal/types"
)

var (
	ErrNotReady = errors.New("video: source not ready")
	ErrClosed   = errors.New("video: source closed")
)

// Source is a playable video whose current frame can be rendered into a
// fixed-size raster.
type Source interface {
	// Ready is closed once the source either loaded or failed; check Err after.
	Ready() <-chan struct{}
	Err() error
	Play() error
	Pause()
	Position() time.Duration
	Duration() time.Duration
	Paused() bool
	Ended() bool
	Render(dst *image.RGBA) error
	Close() error
}

// StreamOptions controls how a raw frame stream is played back.
type StreamOptions struct {
	FPS    float64 // frame rate of the raw stream
	Rate   float64 // playback rate, 1.0 is real time
	Width  int
	Height int
	Now    func() time.Time
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.FPS <= 0 {
		o.FPS = 10
	}
	if o.Rate <= 0 {
		o.Rate = 1
	}
	if o.Width <= 0 || o.Height <= 0 {
		o.Width, o.Height = types.FrameWidth, types.FrameHeight
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Stream plays back a sequence of raw RGBA frames against a wall clock.
// Frame i is shown from i/FPS until the next frame is due. Frames are read
// lazily on Render, so a slow consumer skips frames instead of queueing them.
type Stream struct {
	opts      StreamOptions
	frameSize int

	ready     chan struct{}
	readyOnce sync.Once

	mu       sync.Mutex
	err      error
	duration time.Duration
	playing  bool
	base     time.Duration // position when playback last started or paused
	since    time.Time
	eof      bool
	frames   int
	closed   bool
	src      io.Reader

	readMu sync.Mutex
	r      io.Reader
	cur    []byte
	spare  []byte
	idx    int
}

// NewStream starts loading r in the background. duration may be zero when
// unknown; the end is then detected from the stream itself.
func NewStream(r io.Reader, duration time.Duration, opts StreamOptions) *Stream {
	s := newStream(opts)
	go func() {
		if err := s.load(r, duration); err != nil {
			s.fail(err)
		}
	}()
	return s
}

func newStream(opts StreamOptions) *Stream {
	opts = opts.withDefaults()
	return &Stream{
		opts:      opts,
		frameSize: opts.Width * opts.Height * 4,
		ready:     make(chan struct{}),
	}
}

// load reads the first frame, after which the stream is ready.
func (s *Stream) load(r io.Reader, duration time.Duration) error {
	s.mu.Lock()
	s.src = r
	s.mu.Unlock()

	s.readMu.Lock()
	s.r = r
	s.cur = make([]byte, s.frameSize)
	s.spare = make([]byte, s.frameSize)
	_, err := io.ReadFull(r, s.cur)
	s.readMu.Unlock()

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("no frames decoded")
	}
	if err != nil {
		return fmt.Errorf("read first frame: %w", err)
	}

	s.mu.Lock()
	s.duration = duration
	s.frames = 1
	s.mu.Unlock()

	s.readyOnce.Do(func() { close(s.ready) })
	return nil
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Stream) Ready() <-chan struct{} { return s.ready }

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) isReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// Play starts or resumes the clock. Playing an ended stream is a no-op.
func (s *Stream) Play() error {
	if !s.isReady() {
		return ErrNotReady
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.closed {
		return ErrClosed
	}
	if s.playing || s.endedLocked() {
		return nil
	}
	s.playing = true
	s.since = s.opts.Now()
	return nil
}

func (s *Stream) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing {
		return
	}
	s.base = s.positionLocked()
	s.playing = false
}

func (s *Stream) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked()
}

func (s *Stream) positionLocked() time.Duration {
	pos := s.base
	if s.playing {
		elapsed := s.opts.Now().Sub(s.since)
		pos += time.Duration(float64(elapsed) * s.opts.Rate)
	}
	if end := s.endLocked(); end > 0 && pos > end {
		pos = end
	}
	return pos
}

// endLocked is the known end of the stream, or zero while it is unknown.
func (s *Stream) endLocked() time.Duration {
	if s.duration > 0 {
		return s.duration
	}
	if s.eof {
		return s.frameTime(s.frames)
	}
	return 0
}

func (s *Stream) frameTime(i int) time.Duration {
	return time.Duration(float64(i) / s.opts.FPS * float64(time.Second))
}

func (s *Stream) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endLocked()
}

// Paused reports whether the clock is stopped. A stream that was never
// started counts as paused.
func (s *Stream) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.playing
}

func (s *Stream) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedLocked()
}

func (s *Stream) endedLocked() bool {
	if s.closed {
		return true
	}
	end := s.endLocked()
	return end > 0 && s.positionLocked() >= end
}

// Render copies the frame due at the current position into dst.
func (s *Stream) Render(dst *image.RGBA) error {
	if !s.isReady() {
		return ErrNotReady
	}
	if dst.Rect.Dx() != s.opts.Width || dst.Rect.Dy() != s.opts.Height || len(dst.Pix) < s.frameSize {
		return fmt.Errorf("render target is %v, want %dx%d", dst.Rect.Size(), s.opts.Width, s.opts.Height)
	}

	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	target := int(s.positionLocked().Seconds() * s.opts.FPS)
	s.mu.Unlock()

	s.readMu.Lock()
	defer s.readMu.Unlock()

	for s.idx < target {
		if err := s.advance(); err != nil {
			return err
		}
		if s.atEOF() {
			break
		}
	}
	copy(dst.Pix, s.cur)
	return nil
}

// advance reads the next frame. Caller holds readMu.
func (s *Stream) advance() error {
	_, err := io.ReadFull(s.r, s.spare)
	switch {
	case err == nil:
		s.cur, s.spare = s.spare, s.cur
		s.idx++
		s.mu.Lock()
		s.frames++
		s.mu.Unlock()
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		s.mu.Lock()
		s.eof = true
		s.mu.Unlock()
		return nil
	default:
		err = fmt.Errorf("read frame %d: %w", s.idx+1, err)
		s.mu.Lock()
		s.eof = true
		if s.err == nil {
			s.err = err
		}
		s.mu.Unlock()
		return err
	}
}

func (s *Stream) atEOF() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eof
}

// Close stops playback and waits for any in-flight Render to return.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.base = s.positionLocked()
	s.playing = false
	s.closed = true
	src := s.src
	s.mu.Unlock()

	var err error
	if c, ok := src.(io.Closer); ok {
		err = c.Close()
	}

	s.readMu.Lock()
	s.cur, s.spare = nil, nil
	s.readMu.Unlock()
	return err
}
