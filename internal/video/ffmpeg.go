package video

import (
	"bufio"
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/andresmejia3/cranalytics/internal/types"
	"github.com/andresmejia3/cranalytics/internal/utils"
)

// Options configures an ffmpeg-backed source.
type Options struct {
	FFmpegPath  string
	FFprobePath string
	FPS         float64
	Rate        float64
	Logger      zerolog.Logger
}

// FFmpegSource decodes a video file with ffmpeg into letterboxed RGBA frames
// and plays them back in real time (scaled by Rate).
type FFmpegSource struct {
	*Stream

	info   FileInfo
	log    zerolog.Logger
	opts   Options
	cancel context.CancelFunc
	loaded chan struct{}

	procMu sync.Mutex
	cmd    *utils.SafeCommand
	meta   *utils.VideoInfo

	closeOnce sync.Once
	closeErr  error
}

// Open returns immediately; probing and decoder start-up happen in the
// background and are signalled through Ready and Err.
func Open(path string, opts Options) (*FFmpegSource, error) {
	info, err := Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open video: %w", err)
	}
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &FFmpegSource{
		Stream: newStream(StreamOptions{
			FPS:    opts.FPS,
			Rate:   opts.Rate,
			Width:  types.FrameWidth,
			Height: types.FrameHeight,
		}),
		info:   info,
		log:    opts.Logger.With().Str("video", info.Name).Logger(),
		opts:   opts,
		cancel: cancel,
		loaded: make(chan struct{}),
	}
	go s.start(ctx)
	return s, nil
}

func (s *FFmpegSource) start(ctx context.Context) {
	defer close(s.loaded)

	meta, err := utils.Probe(ctx, s.opts.FFprobePath, s.info.Path)
	if err != nil {
		s.fail(fmt.Errorf("probe %s: %w", s.info.Name, err))
		return
	}
	s.log.Debug().
		Dur("duration", meta.Duration).
		Int("width", meta.Width).
		Int("height", meta.Height).
		Float64("fps", meta.FPS).
		Msg("probed video")

	cmd := utils.NewFFmpegDecoder(ctx, s.opts.FFmpegPath, s.info.Path, s.Stream.opts.FPS, types.FrameWidth, types.FrameHeight)
	out, err := cmd.StdoutPipe()
	if err != nil {
		s.fail(fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err))
		return
	}
	if err := cmd.Start(); err != nil {
		s.fail(fmt.Errorf("failed to start FFmpeg: %w", err))
		return
	}

	s.procMu.Lock()
	s.cmd = cmd
	s.meta = meta
	s.procMu.Unlock()

	if err := s.load(bufio.NewReaderSize(out, s.frameSize), meta.Duration); err != nil {
		if logs := cmd.Logs(); logs != "" {
			err = fmt.Errorf("%w: %s", err, logs)
		}
		s.fail(fmt.Errorf("decode %s: %w", s.info.Name, err))
	}
}

// Info describes the input file.
func (s *FFmpegSource) Info() FileInfo { return s.info }

// Meta returns the probed stream metadata, or nil before the source loaded.
func (s *FFmpegSource) Meta() *utils.VideoInfo {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	return s.meta
}

// Close kills the decoder and reaps it. Safe to call more than once.
func (s *FFmpegSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.loaded
		s.closeErr = s.Stream.Close()

		s.procMu.Lock()
		cmd := s.cmd
		s.procMu.Unlock()
		if cmd != nil {
			// Killed via context; the exit status carries no information.
			_ = cmd.Wait()
		}
		s.log.Debug().Msg("decoder closed")
	})
	return s.closeErr
}
