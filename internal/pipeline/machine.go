package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/andresmejia3/cranalytics/internal/classify"
	"github.com/andresmejia3/cranalytics/internal/crop"
	"github.com/andresmejia3/cranalytics/internal/metrics"
	"github.com/andresmejia3/cranalytics/internal/sampler"
	"github.com/andresmejia3/cranalytics/internal/tracing"
	"github.com/andresmejia3/cranalytics/internal/types"
	"github.com/andresmejia3/cranalytics/internal/video"
)

var (
	// ErrRunReset is returned to callers waiting on a run that was reset or replaced.
	ErrRunReset = errors.New("pipeline: run was reset")
	ErrNoRun    = errors.New("pipeline: no active run")
	ErrClosed   = errors.New("pipeline: machine closed")
)

// Detector finds face boxes in a frame. An empty result is not an error.
type Detector interface {
	Detect(ctx context.Context, frame image.Image) ([]types.BoundingBox, error)
}

// Cropper turns a box into an encoded crop.
type Cropper interface {
	Crop(frame image.Image, box types.BoundingBox) (types.FaceCrop, error)
}

// Runner classifies crops in order, reporting each success.
type Runner interface {
	Run(ctx context.Context, crops []types.FaceCrop, report func(types.ClassificationResult) bool) classify.Summary
}

type Options struct {
	// Interval between sampled frames. Defaults to 100ms.
	Interval time.Duration
	Logger   zerolog.Logger
}

// run owns everything scoped to one extraction: its sampler, its context and
// its source. It is replaced wholesale on reset.
type run struct {
	id      string
	epoch   uint64
	src     video.Source
	info    *video.FileInfo
	started time.Time
	log     zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	sampler *sampler.Sampler

	srcOnce sync.Once

	// Guarded by Machine.mu until done is closed.
	finished bool
	final    State
	err      error
	done     chan struct{}
}

func (r *run) closeSource() {
	r.srcOnce.Do(func() {
		if err := r.src.Close(); err != nil {
			r.log.Debug().Err(err).Msg("closing video source")
		}
	})
}

// Machine is the extraction state machine:
// Idle -> Capturing -> (EmptyDone | Classifying -> Done).
//
// Every asynchronous callback carries the run it was started for and only
// applies its result while that run is still current and in the expected
// phase. Reset replaces the run, so late callbacks become no-ops.
type Machine struct {
	detector Detector
	cropper  Cropper
	runner   Runner
	interval time.Duration
	log      zerolog.Logger
	tracer   trace.Tracer

	mu       sync.Mutex
	epoch    uint64
	current  *run
	phase    types.Phase
	acc      Accumulator
	progress Progress
	results  []types.ClassificationResult
	views    []ResultView
	failed   int
	subs     map[int]chan State
	nextSub  int
	closed   bool
}

func NewMachine(detector Detector, cropper Cropper, runner Runner, opts Options) *Machine {
	if opts.Interval <= 0 {
		opts.Interval = 100 * time.Millisecond
	}
	return &Machine{
		detector: detector,
		cropper:  cropper,
		runner:   runner,
		interval: opts.Interval,
		log:      opts.Logger,
		tracer:   tracing.Tracer("pipeline"),
		phase:    types.PhaseIdle,
		subs:     make(map[int]chan State),
	}
}

// Start resets any previous run and begins capturing from src once it is
// ready. The machine takes ownership of src and closes it when the run ends
// or is reset. If the source fails to load, the machine stays Idle and the
// error is returned.
func (m *Machine) Start(ctx context.Context, src video.Source) error {
	launch, err := m.Begin(src)
	if err != nil {
		return err
	}
	return launch(ctx)
}

// Begin replaces any previous run with a new one for src and returns without
// waiting for the source to load. The returned function blocks until capture
// starts and reports what Start would. The run installed by the latest Begin
// is always the current one.
func (m *Machine) Begin(src video.Source) (func(context.Context) error, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		src.Close()
		return nil, ErrClosed
	}
	old := m.detachLocked()

	m.epoch++
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:      uuid.NewString(),
		epoch:   m.epoch,
		src:     src,
		started: time.Now(),
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if in, ok := src.(interface{ Info() video.FileInfo }); ok {
		info := in.Info()
		r.info = &info
	}
	r.log = m.log.With().Str("run_id", r.id).Logger()
	m.current = r
	m.mu.Unlock()

	if old != nil {
		old.closeSource()
		old.log.Info().Msg("run replaced")
	}
	return func(ctx context.Context) error { return m.launch(ctx, r) }, nil
}

func (m *Machine) launch(ctx context.Context, r *run) error {
	src := r.src
	select {
	case <-src.Ready():
	case <-ctx.Done():
		return m.abort(r, ctx.Err())
	case <-r.ctx.Done():
		return m.abort(r, ErrRunReset)
	}
	if err := src.Err(); err != nil {
		return m.abort(r, fmt.Errorf("load video: %w", err))
	}
	if err := src.Play(); err != nil {
		return m.abort(r, fmt.Errorf("start playback: %w", err))
	}

	m.mu.Lock()
	if m.current != r {
		m.mu.Unlock()
		r.cancel()
		r.closeSource()
		return ErrRunReset
	}

	r.sampler = sampler.New(src, m.interval, m.onTick(r), m.onEnded(r), r.log)
	m.phase = types.PhaseCapturing
	r.sampler.Start()

	ev := r.log.Info().Dur("duration", src.Duration())
	if r.info != nil {
		ev = ev.Str("file", r.info.Name).Float64("size_mb", r.info.SizeMB).Str("mime", r.info.MIMEType)
	}
	ev.Msg("capture started")

	m.publishLocked()
	m.mu.Unlock()
	return nil
}

// abort drops a run that never reached Capturing.
func (m *Machine) abort(r *run, err error) error {
	m.mu.Lock()
	current := m.current == r
	if current {
		m.current = nil
		m.epoch++
		r.finished = true
		r.err = err
		r.final = m.stateLocked()
		close(r.done)
	}
	m.mu.Unlock()

	r.cancel()
	r.closeSource()
	if !current {
		return ErrRunReset
	}
	r.log.Warn().Err(err).Msg("run failed to start")
	return err
}

// Reset abandons the current run and returns to Idle. It does not wait for
// in-flight detector or classifier calls; their results are discarded when
// they arrive. Resetting an Idle machine does nothing.
func (m *Machine) Reset() {
	m.mu.Lock()
	r := m.detachLocked()
	m.mu.Unlock()
	if r == nil {
		return
	}
	r.closeSource()
	r.log.Info().Msg("run reset")
}

// detachLocked clears the current run and returns it, or nil when Idle.
// Its sampler is stopped and its context cancelled; closing its source is
// left to the caller, outside the lock.
func (m *Machine) detachLocked() *run {
	r := m.current
	if r == nil {
		return nil
	}

	m.epoch++
	m.current = nil
	m.phase = types.PhaseIdle
	m.acc.Reset()
	m.progress.Reset()
	m.results = nil
	m.views = nil
	m.failed = 0
	metrics.Progress.Set(0)

	if r.sampler != nil {
		r.sampler.Stop()
	}
	r.cancel()
	if !r.finished {
		r.finished = true
		r.err = ErrRunReset
		r.final = m.stateLocked()
		close(r.done)
		metrics.RunsTotal.WithLabelValues("reset").Inc()
	}
	m.publishLocked()
	return r
}

// State returns the current snapshot.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

// Wait blocks until the current run reaches a terminal phase. It returns
// ErrRunReset if the run is reset first.
func (m *Machine) Wait(ctx context.Context) (State, error) {
	m.mu.Lock()
	r := m.current
	m.mu.Unlock()
	if r == nil {
		return m.State(), ErrNoRun
	}

	select {
	case <-r.done:
		return r.final, r.err
	case <-ctx.Done():
		return m.State(), ctx.Err()
	}
}

// Subscribe returns a channel that always holds the latest state. Slow
// readers miss intermediate states but never block the machine.
func (m *Machine) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan State, 1)
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.stateLocked()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

// Results returns the classified crops of the current run, in order.
func (m *Machine) Results() []types.ClassificationResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ClassificationResult, len(m.results))
	copy(out, m.results)
	return out
}

// Crops returns every crop captured in the current run, in order.
func (m *Machine) Crops() []types.FaceCrop {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acc.Snapshot()
}

// Close resets the machine and ends all subscriptions.
func (m *Machine) Close() {
	m.Reset()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}

func (m *Machine) onTick(r *run) sampler.CaptureFunc {
	return func(t sampler.Tick) int {
		metrics.TicksTotal.Inc()
		if !m.updateProgress(r, t) {
			metrics.StaleResultsTotal.WithLabelValues("tick").Inc()
			return 0
		}

		ctx, span := m.tracer.Start(r.ctx, "pipeline.tick", trace.WithAttributes(
			attribute.Int("tick.seq", t.Seq),
			attribute.Float64("tick.position_s", t.Position.Seconds()),
		))
		defer span.End()

		start := time.Now()
		boxes, err := m.detector.Detect(ctx, t.Frame)
		metrics.DetectDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			if r.ctx.Err() != nil {
				return 0
			}
			metrics.DetectErrorsTotal.Inc()
			span.RecordError(err)
			r.log.Warn().Err(err).Dur("position", t.Position).Msg("detection failed, treating tick as empty")
			return 0
		}
		metrics.FacesDetectedTotal.Add(float64(len(boxes)))
		span.SetAttributes(attribute.Int("tick.faces", len(boxes)))

		crops := make([]types.FaceCrop, 0, len(boxes))
		for _, box := range boxes {
			fc, err := m.cropper.Crop(t.Frame, box)
			if err != nil {
				if errors.Is(err, crop.ErrEmptyRegion) {
					metrics.CropsTotal.WithLabelValues("empty").Inc()
					r.log.Debug().Interface("box", box).Msg("box outside frame, skipped")
				} else {
					metrics.CropsTotal.WithLabelValues("error").Inc()
					r.log.Warn().Err(err).Interface("box", box).Msg("crop failed")
				}
				continue
			}
			fc.Position = t.Position
			crops = append(crops, fc)
		}
		if len(crops) == 0 {
			return 0
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.inPhaseLocked(r, types.PhaseCapturing) {
			metrics.StaleResultsTotal.WithLabelValues("detect").Inc()
			return 0
		}
		for _, fc := range crops {
			fc = m.acc.Append(fc)
			metrics.CropsTotal.WithLabelValues("ok").Inc()
			r.log.Debug().Int("ordinal", fc.Ordinal).Dur("position", fc.Position).Msg("face captured")
		}
		m.publishLocked()
		return len(crops)
	}
}

func (m *Machine) updateProgress(r *run, t sampler.Tick) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inPhaseLocked(r, types.PhaseCapturing) {
		return false
	}
	before := m.progress.Percent()
	if after := m.progress.Update(t.Position, t.Duration); after != before {
		metrics.Progress.Set(float64(after))
		m.publishLocked()
	}
	return true
}

func (m *Machine) onEnded(r *run) func(sampler.Tick) {
	return func(t sampler.Tick) {
		m.mu.Lock()
		if !m.inPhaseLocked(r, types.PhaseCapturing) {
			m.mu.Unlock()
			return
		}
		m.progress.Update(t.Position, t.Duration)
		metrics.Progress.Set(float64(m.progress.Percent()))
		r.sampler.Stop()

		if m.acc.Len() == 0 {
			m.phase = types.PhaseEmptyDone
			m.finishLocked(r, "empty")
			m.mu.Unlock()
			r.closeSource()
			r.log.Info().Int("ticks", t.Seq).Msg("capture finished, no faces found")
			return
		}

		m.phase = types.PhaseClassifying
		crops := m.acc.Snapshot()
		m.publishLocked()
		m.mu.Unlock()

		r.closeSource()
		r.log.Info().Int("ticks", t.Seq).Int("faces", len(crops)).Msg("capture finished, classifying")
		go m.classify(r, crops)
	}
}

func (m *Machine) classify(r *run, crops []types.FaceCrop) {
	sum := m.runner.Run(r.ctx, crops, func(res types.ClassificationResult) bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.inPhaseLocked(r, types.PhaseClassifying) {
			metrics.StaleResultsTotal.WithLabelValues("classify").Inc()
			return false
		}
		m.results = append(m.results, res)
		m.views = append(m.views, viewOf(res))
		m.publishLocked()
		return true
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inPhaseLocked(r, types.PhaseClassifying) {
		return
	}
	m.failed = sum.Failed
	m.phase = types.PhaseDone
	m.finishLocked(r, "done")
	r.log.Info().Int("succeeded", sum.Succeeded).Int("failed", sum.Failed).Msg("classification finished")
}

func (m *Machine) inPhaseLocked(r *run, phase types.Phase) bool {
	return m.current == r && m.epoch == r.epoch && m.phase == phase
}

func (m *Machine) finishLocked(r *run, outcome string) {
	r.finished = true
	r.final = m.stateLocked()
	close(r.done)
	metrics.RunsTotal.WithLabelValues(outcome).Inc()
	m.publishLocked()
}

func (m *Machine) stateLocked() State {
	s := State{
		Epoch:    m.epoch,
		Phase:    m.phase,
		Progress: m.progress.Percent(),
		Captured: m.acc.Len(),
		Results:  []ResultView{},
		Failed:   m.failed,
	}
	if n := len(m.views); n > 0 {
		s.Results = m.views[:n:n]
	}
	if m.current != nil && m.phase != types.PhaseIdle {
		s.RunID = m.current.id
		s.Source = m.current.info
		started := m.current.started
		s.StartedAt = &started
	}
	return s
}

func (m *Machine) publishLocked() {
	if len(m.subs) == 0 {
		return
	}
	s := m.stateLocked()
	for _, ch := range m.subs {
		select {
		case ch <- s:
		default:
			// Replace the stale value nobody has read yet.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}
