package pipeline

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/andresmejia3/cranalytics/internal/classify"
	"github.com/andresmejia3/cranalytics/internal/crop"
	"github.com/andresmejia3/cranalytics/internal/types"
)

const frameStep = 100 * time.Millisecond

// fakeSource advances by frameStep on every Render and stamps the frame index
// into the first two bytes of the raster.
type fakeSource struct {
	mu       sync.Mutex
	ready    chan struct{}
	err      error
	pos      time.Duration
	duration time.Duration
	playing  bool
	closed   bool
}

func newFakeSource(duration time.Duration) *fakeSource {
	ready := make(chan struct{})
	close(ready)
	return &fakeSource{ready: ready, duration: duration}
}

func (s *fakeSource) Ready() <-chan struct{} { return s.ready }

func (s *fakeSource) Err() error { return s.err }

func (s *fakeSource) Duration() time.Duration { return s.duration }

func (s *fakeSource) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = true
	return nil
}

func (s *fakeSource) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = false
}

func (s *fakeSource) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *fakeSource) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.playing
}

func (s *fakeSource) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.pos >= s.duration
}

func (s *fakeSource) Render(dst *image.RGBA) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := int(s.pos / frameStep)
	dst.Pix[0] = byte(idx >> 8)
	dst.Pix[1] = byte(idx)
	s.pos += frameStep
	return nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func frameIndex(img image.Image) int {
	rgba := img.(*image.RGBA)
	return int(rgba.Pix[0])<<8 | int(rgba.Pix[1])
}

var faceBox = types.BoundingBox{X: 100, Y: 100, Width: 50, Height: 50}

// scriptedDetector returns faces for fixed frame indexes. When blockAt is
// set, the detection for that frame signals entered and waits for release.
type scriptedDetector struct {
	faces   map[int][]types.BoundingBox
	errs    map[int]error
	blockAt int
	entered chan struct{}
	release chan struct{}
}

func (d *scriptedDetector) Detect(ctx context.Context, frame image.Image) ([]types.BoundingBox, error) {
	idx := frameIndex(frame)
	if d.release != nil && idx == d.blockAt {
		close(d.entered)
		<-d.release
		// Resolve late regardless of cancellation.
		return []types.BoundingBox{faceBox}, nil
	}
	if err := d.errs[idx]; err != nil {
		return nil, err
	}
	return d.faces[idx], nil
}

// fakeClient labels crops by ordinal and can fail or block specific ones.
type fakeClient struct {
	fail    map[int]bool
	blockAt int
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (c *fakeClient) Classify(ctx context.Context, fc types.FaceCrop) (types.Prediction, error) {
	c.calls.Add(1)
	if c.release != nil && fc.Ordinal == c.blockAt {
		close(c.entered)
		<-c.release
		return types.Prediction{ModelA: "late", ModelB: "late"}, nil
	}
	if c.fail[fc.Ordinal] {
		return types.Prediction{}, errors.New("model unavailable")
	}
	return types.Prediction{ModelA: "a" + string(rune('0'+fc.Ordinal)), ModelB: "b" + string(rune('0'+fc.Ordinal))}, nil
}

func newTestMachine(det Detector, client classify.Client) *Machine {
	runner := classify.NewRunner(client, classify.RunnerOptions{RetryBase: time.Millisecond}, zerolog.Nop())
	return NewMachine(det, crop.New(crop.DefaultQuality), runner, Options{
		Interval: time.Millisecond,
		Logger:   zerolog.Nop(),
	})
}

func waitRun(t *testing.T, m *Machine) (State, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := m.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("run did not finish, state: %+v", m.State())
	}
	return s, err
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMachineExtractsAndClassifiesInOrder(t *testing.T) {
	det := &scriptedDetector{faces: map[int][]types.BoundingBox{
		30: {faceBox},
		70: {faceBox},
	}}
	client := &fakeClient{}
	m := newTestMachine(det, client)
	defer m.Close()

	updates, unsubscribe := m.Subscribe()
	defer unsubscribe()

	var progress []int
	var phases []types.Phase
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for s := range updates {
			progress = append(progress, s.Progress)
			phases = append(phases, s.Phase)
			if s.Phase.Terminal() {
				return
			}
		}
	}()

	src := newFakeSource(10 * time.Second)
	if err := m.Start(context.Background(), src); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	final, err := waitRun(t, m)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	<-collected

	if final.Phase != types.PhaseDone {
		t.Fatalf("Expected phase done, got %s", final.Phase)
	}
	if final.Progress != 100 || final.Captured != 2 || final.Failed != 0 {
		t.Errorf("Unexpected final state: %+v", final)
	}
	if final.RunID == "" || final.StartedAt == nil {
		t.Error("Final state is missing run identity")
	}

	crops := m.Crops()
	if len(crops) != 2 {
		t.Fatalf("Expected 2 crops, got %d", len(crops))
	}
	for i, want := range []time.Duration{3 * time.Second, 7 * time.Second} {
		if crops[i].Ordinal != i+1 || crops[i].Position != want {
			t.Errorf("crop %d: ordinal=%d position=%s, want %d at %s", i, crops[i].Ordinal, crops[i].Position, i+1, want)
		}
		if crops[i].Box != faceBox || crops[i].MIMEType != "image/jpeg" {
			t.Errorf("crop %d: unexpected box or mime: %+v %s", i, crops[i].Box, crops[i].MIMEType)
		}
	}

	if len(final.Results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(final.Results))
	}
	for i, r := range final.Results {
		if r.Ordinal != i+1 {
			t.Errorf("result %d has ordinal %d", i, r.Ordinal)
		}
		if r.ModelA != "a"+string(rune('1'+i)) || r.ModelB != "b"+string(rune('1'+i)) {
			t.Errorf("result %d has labels %s/%s", i, r.ModelA, r.ModelB)
		}
	}
	if final.Results[0].Position != 3 || final.Results[1].Position != 7 {
		t.Errorf("Unexpected result positions: %v, %v", final.Results[0].Position, final.Results[1].Position)
	}
	if got := m.Results(); len(got) != 2 || got[0].Crop.Ordinal != 1 {
		t.Errorf("Results() = %+v", got)
	}

	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress went backwards: %v", progress)
		}
	}
	for _, p := range phases {
		if p == types.PhaseEmptyDone {
			t.Error("A run with faces must not report empty_done")
		}
	}
	eventually(t, src.isClosed, "source was not closed after the run")
}

func TestMachineEmptyRunSkipsClassification(t *testing.T) {
	client := &fakeClient{}
	m := newTestMachine(&scriptedDetector{}, client)
	defer m.Close()

	updates, unsubscribe := m.Subscribe()
	defer unsubscribe()
	sawClassifying := make(chan bool, 1)
	go func() {
		seen := false
		for s := range updates {
			if s.Phase == types.PhaseClassifying {
				seen = true
			}
			if s.Phase.Terminal() {
				break
			}
		}
		sawClassifying <- seen
	}()

	src := newFakeSource(2 * time.Second)
	if err := m.Start(context.Background(), src); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	final, err := waitRun(t, m)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	if final.Phase != types.PhaseEmptyDone {
		t.Errorf("Expected empty_done, got %s", final.Phase)
	}
	if final.Captured != 0 || len(final.Results) != 0 || final.Progress != 100 {
		t.Errorf("Unexpected final state: %+v", final)
	}
	if client.calls.Load() != 0 {
		t.Errorf("Classifier called %d times on an empty run", client.calls.Load())
	}
	if <-sawClassifying {
		t.Error("Empty run passed through classifying")
	}
	eventually(t, src.isClosed, "source was not closed after the run")
}

func TestMachinePartialFailure(t *testing.T) {
	det := &scriptedDetector{faces: map[int][]types.BoundingBox{
		10: {faceBox},
		20: {faceBox},
		30: {faceBox},
	}}
	client := &fakeClient{fail: map[int]bool{2: true}}
	m := newTestMachine(det, client)
	defer m.Close()

	if err := m.Start(context.Background(), newFakeSource(5*time.Second)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	final, err := waitRun(t, m)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	if final.Phase != types.PhaseDone {
		t.Fatalf("Expected done, got %s", final.Phase)
	}
	if final.Captured != 3 || final.Failed != 1 {
		t.Errorf("Expected 3 captured and 1 failed, got %+v", final)
	}
	if len(final.Results) != 2 || final.Results[0].Ordinal != 1 || final.Results[1].Ordinal != 3 {
		t.Errorf("Expected results for crops 1 and 3, got %+v", final.Results)
	}
}

func TestMachineMultipleFacesPerFrame(t *testing.T) {
	second := types.BoundingBox{X: 300, Y: 50, Width: 40, Height: 60}
	outside := types.BoundingBox{X: 2000, Y: 2000, Width: 10, Height: 10}
	det := &scriptedDetector{faces: map[int][]types.BoundingBox{
		5: {faceBox, outside, second},
	}}
	m := newTestMachine(det, &fakeClient{})
	defer m.Close()

	if err := m.Start(context.Background(), newFakeSource(time.Second)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := waitRun(t, m); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	crops := m.Crops()
	if len(crops) != 2 {
		t.Fatalf("Expected the off-frame box to be skipped, got %d crops", len(crops))
	}
	if crops[0].Box != faceBox || crops[1].Box != second {
		t.Errorf("Crops out of detector order: %+v, %+v", crops[0].Box, crops[1].Box)
	}
}

func TestMachineDetectionErrorIsEmptyTick(t *testing.T) {
	det := &scriptedDetector{
		faces: map[int][]types.BoundingBox{4: {faceBox}},
		errs:  map[int]error{2: errors.New("worker hiccup")},
	}
	m := newTestMachine(det, &fakeClient{})
	defer m.Close()

	if err := m.Start(context.Background(), newFakeSource(time.Second)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	final, err := waitRun(t, m)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if final.Phase != types.PhaseDone || final.Captured != 1 {
		t.Errorf("Expected one capture after a failed detection, got %+v", final)
	}
}

func TestMachineResetDiscardsLateDetection(t *testing.T) {
	det := &scriptedDetector{
		blockAt: 3,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	m := newTestMachine(det, &fakeClient{})
	defer m.Close()

	if err := m.Start(context.Background(), newFakeSource(10*time.Second)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-det.entered

	m.Reset()
	epoch := m.State().Epoch
	close(det.release)

	// Give the late detection time to land.
	time.Sleep(50 * time.Millisecond)

	s := m.State()
	if s.Phase != types.PhaseIdle || s.Captured != 0 || s.Progress != 0 || len(s.Results) != 0 {
		t.Errorf("Late detection leaked into state: %+v", s)
	}
	if s.Epoch != epoch {
		t.Errorf("Epoch moved after reset: %d -> %d", epoch, s.Epoch)
	}
	if s.RunID != "" || s.Source != nil {
		t.Errorf("Idle state carries run identity: %+v", s)
	}
}

func TestMachineResetDuringClassification(t *testing.T) {
	det := &scriptedDetector{faces: map[int][]types.BoundingBox{
		1: {faceBox},
		2: {faceBox},
	}}
	client := &fakeClient{
		blockAt: 1,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	m := newTestMachine(det, client)
	defer m.Close()

	if err := m.Start(context.Background(), newFakeSource(time.Second)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-client.entered
	if s := m.State(); s.Phase != types.PhaseClassifying {
		t.Fatalf("Expected classifying, got %s", s.Phase)
	}

	waitErr := make(chan error, 1)
	go func() {
		_, err := m.Wait(context.Background())
		waitErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	m.Reset()
	close(client.release)

	select {
	case err := <-waitErr:
		if !errors.Is(err, ErrRunReset) {
			t.Errorf("Expected ErrRunReset, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after reset")
	}

	time.Sleep(50 * time.Millisecond)
	s := m.State()
	if s.Phase != types.PhaseIdle || len(s.Results) != 0 || s.Captured != 0 {
		t.Errorf("Late classification leaked into state: %+v", s)
	}
	if len(m.Results()) != 0 {
		t.Error("Results survived reset")
	}
	if got := client.calls.Load(); got != 1 {
		t.Errorf("Expected classification to stop after reset, got %d calls", got)
	}
}

func TestMachineResetIdleIsNoop(t *testing.T) {
	m := newTestMachine(&scriptedDetector{}, &fakeClient{})
	defer m.Close()

	before := m.State()
	m.Reset()
	m.Reset()
	after := m.State()

	if after.Phase != types.PhaseIdle || after.Epoch != before.Epoch {
		t.Errorf("Reset on idle changed state: %+v -> %+v", before, after)
	}
	if after.Results == nil {
		t.Error("Results should be an empty list, not nil")
	}
	if _, err := m.Wait(context.Background()); !errors.Is(err, ErrNoRun) {
		t.Errorf("Expected ErrNoRun, got %v", err)
	}
}

func TestMachineSourceErrorStaysIdle(t *testing.T) {
	m := newTestMachine(&scriptedDetector{}, &fakeClient{})
	defer m.Close()

	src := newFakeSource(time.Second)
	src.err = errors.New("unsupported codec")

	err := m.Start(context.Background(), src)
	if err == nil || !errors.Is(err, src.err) {
		t.Fatalf("Expected load error, got %v", err)
	}
	if s := m.State(); s.Phase != types.PhaseIdle {
		t.Errorf("Expected idle after load failure, got %s", s.Phase)
	}
	if !src.isClosed() {
		t.Error("Failed source was not closed")
	}
}

func TestMachineStartCancelledWhileLoading(t *testing.T) {
	m := newTestMachine(&scriptedDetector{}, &fakeClient{})
	defer m.Close()

	src := newFakeSource(time.Second)
	src.ready = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Start(ctx, src); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if s := m.State(); s.Phase != types.PhaseIdle {
		t.Errorf("Expected idle, got %s", s.Phase)
	}
	if !src.isClosed() {
		t.Error("Source was not closed")
	}
}

func TestMachineStartReplacesRun(t *testing.T) {
	m := newTestMachine(&scriptedDetector{}, &fakeClient{})
	defer m.Close()

	first := newFakeSource(time.Hour)
	if err := m.Start(context.Background(), first); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	firstID := m.State().RunID

	second := newFakeSource(time.Second)
	if err := m.Start(context.Background(), second); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if !first.isClosed() {
		t.Error("Previous source was not closed")
	}
	if id := m.State().RunID; id == "" || id == firstID {
		t.Errorf("Expected a new run id, got %q (previous %q)", id, firstID)
	}

	final, err := waitRun(t, m)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if final.Phase != types.PhaseEmptyDone {
		t.Errorf("Expected empty_done, got %s", final.Phase)
	}
}

// slowCloseSource blocks in Close until released.
type slowCloseSource struct {
	*fakeSource
	closing chan struct{}
	release chan struct{}
}

func (s *slowCloseSource) Close() error {
	close(s.closing)
	<-s.release
	return s.fakeSource.Close()
}

func TestMachineStartDuringSlowCloseKeepsNewestRun(t *testing.T) {
	m := newTestMachine(&scriptedDetector{}, &fakeClient{})
	defer m.Close()

	old := &slowCloseSource{
		fakeSource: newFakeSource(time.Hour),
		closing:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	if err := m.Start(context.Background(), old); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	a := newFakeSource(time.Hour)
	errA := make(chan error, 1)
	go func() { errA <- m.Start(context.Background(), a) }()
	<-old.closing

	b := newFakeSource(time.Hour)
	if err := m.Start(context.Background(), b); err != nil {
		t.Fatalf("Start(b) failed: %v", err)
	}
	bID := m.State().RunID
	close(old.release)

	select {
	case err := <-errA:
		if !errors.Is(err, ErrRunReset) {
			t.Errorf("Start(a) = %v, want ErrRunReset", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start(a) did not return")
	}
	if !a.isClosed() {
		t.Error("Superseded source was not closed")
	}
	if s := m.State(); s.RunID != bID || s.Phase != types.PhaseCapturing {
		t.Errorf("Expected run %s capturing, got %s in %s", bID, s.RunID, s.Phase)
	}

	m.Close()
	if !b.isClosed() {
		t.Error("Current source was not closed on Close")
	}
	time.Sleep(10 * time.Millisecond)
	before := b.Position()
	time.Sleep(20 * time.Millisecond)
	if after := b.Position(); after != before {
		t.Errorf("Sampler kept rendering after Close: %s -> %s", before, after)
	}
}

func TestMachineBeginInstallsRunBeforeLoad(t *testing.T) {
	m := newTestMachine(&scriptedDetector{}, &fakeClient{})
	defer m.Close()

	first := newFakeSource(time.Hour)
	first.ready = make(chan struct{})
	launchFirst, err := m.Begin(first)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	second := newFakeSource(time.Second)
	launchSecond, err := m.Begin(second)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if !first.isClosed() {
		t.Error("Begin did not close the superseded source")
	}

	if err := launchFirst(context.Background()); !errors.Is(err, ErrRunReset) {
		t.Errorf("launch of superseded run = %v, want ErrRunReset", err)
	}
	if err := launchSecond(context.Background()); err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	final, err := waitRun(t, m)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if final.Phase != types.PhaseEmptyDone {
		t.Errorf("Expected empty_done, got %s", final.Phase)
	}
}

func TestMachineCloseEndsSubscriptions(t *testing.T) {
	m := newTestMachine(&scriptedDetector{}, &fakeClient{})

	updates, unsubscribe := m.Subscribe()
	initial := <-updates
	if initial.Phase != types.PhaseIdle {
		t.Errorf("Expected initial idle state, got %s", initial.Phase)
	}

	m.Close()
	if _, ok := <-updates; ok {
		t.Error("Subscription still open after Close")
	}
	unsubscribe()

	if err := m.Start(context.Background(), newFakeSource(time.Second)); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
