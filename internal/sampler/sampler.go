package sampler

import (
	"image"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/andresmejia3/cranalytics/internal/types"
)

// Source is the part of a video source the sampler reads from.
type Source interface {
	Ready() <-chan struct{}
	Position() time.Duration
	Duration() time.Duration
	Paused() bool
	Ended() bool
	Render(dst *image.RGBA) error
}

// Tick is one sampled frame. Frame is only valid for the duration of the
// capture call; it is returned to a pool afterwards.
type Tick struct {
	Seq      int
	Position time.Duration
	Duration time.Duration
	Frame    *image.RGBA

	// Captured is the total reported by capture so far. On the terminal tick
	// it tells whether anything was found during the whole playback.
	Captured int
}

// CaptureFunc handles one frame and returns how many items it kept.
type CaptureFunc func(Tick) int

// Frame buffers are reused across ticks and samplers to keep GC pressure flat.
var framePool = sync.Pool{
	New: func() interface{} {
		return image.NewRGBA(image.Rect(0, 0, types.FrameWidth, types.FrameHeight))
	},
}

// Sampler drives frame capture off a single ticker. Ticks are handled one at
// a time on the sampler goroutine; ticks that fire while a capture is still
// running are dropped by the ticker.
type Sampler struct {
	src      Source
	interval time.Duration
	capture  CaptureFunc
	ended    func(Tick)
	log      zerolog.Logger
	captured int // owned by the loop goroutine

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}

	endOnce sync.Once
}

// New creates a sampler. capture is invoked for each playing frame, ended
// exactly once when the source is found paused or ended.
func New(src Source, interval time.Duration, capture CaptureFunc, ended func(Tick), log zerolog.Logger) *Sampler {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Sampler{
		src:      src,
		interval: interval,
		capture:  capture,
		ended:    ended,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the capture loop. It waits for the source to be ready before
// the first tick. Calling Start more than once, or after Stop, does nothing.
func (s *Sampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	go s.loop()
}

// Stop prevents any further tick from starting. It does not wait for a
// capture that is already running; use Done for that.
func (s *Sampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stop)
	if !s.started {
		close(s.done)
	}
}

// Running reports whether the loop is live and not stopped.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// Done is closed once the loop goroutine has exited.
func (s *Sampler) Done() <-chan struct{} { return s.done }

func (s *Sampler) loop() {
	defer close(s.done)

	select {
	case <-s.src.Ready():
	case <-s.stop:
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		if !s.begin() {
			return
		}
		if !s.tick(seq) {
			ticker.Stop()
			s.finish()
			return
		}
		seq++
	}
}

// begin is the point after which a tick counts as started.
func (s *Sampler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}

// finish marks the sampler stopped after the terminal tick.
func (s *Sampler) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.stop)
	}
}

// tick samples one frame. It returns false on the terminal tick.
func (s *Sampler) tick(seq int) bool {
	t := Tick{
		Seq:      seq,
		Position: s.src.Position(),
		Duration: s.src.Duration(),
		Captured: s.captured,
	}

	if s.src.Paused() || s.src.Ended() {
		s.endOnce.Do(func() {
			if s.ended != nil {
				s.ended(t)
			}
		})
		return false
	}

	frame := framePool.Get().(*image.RGBA)
	defer framePool.Put(frame)

	if err := s.src.Render(frame); err != nil {
		s.log.Warn().Err(err).Int("seq", seq).Msg("frame render failed, skipping tick")
		return true
	}

	t.Frame = frame
	if s.capture != nil {
		s.captured += s.capture(t)
	}
	return true
}
