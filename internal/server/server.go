package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/andresmejia3/cranalytics/internal/config"
	"github.com/andresmejia3/cranalytics/internal/pipeline"
	"github.com/andresmejia3/cranalytics/internal/realtime"
	"github.com/andresmejia3/cranalytics/internal/types"
	"github.com/andresmejia3/cranalytics/internal/video"
)

// Machine is the part of the pipeline the HTTP layer drives.
type Machine interface {
	Begin(src video.Source) (func(context.Context) error, error)
	Reset()
	State() pipeline.State
	Crops() []types.FaceCrop
	Subscribe() (<-chan pipeline.State, func())
}

// Opener turns an uploaded file into a playable source.
type Opener func(path string) (video.Source, error)

// Server exposes the extraction pipeline over HTTP and websockets.
type Server struct {
	cfg     config.ServerConfig
	machine Machine
	open    Opener
	hub     *realtime.Hub
	log     zerolog.Logger

	// ctx outlives individual requests; runs are started under it.
	ctx context.Context

	// startMu orders run installs with the upload that backs them.
	startMu sync.Mutex

	mu     sync.Mutex
	upload string // path of the file backing the current run
}

func New(ctx context.Context, cfg config.ServerConfig, machine Machine, open Opener, log zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		machine: machine,
		open:    open,
		hub:     realtime.NewHub(cfg.AllowedOrigins, log.With().Str("component", "realtime").Logger()),
		log:     log,
		ctx:     ctx,
	}
	s.hub.Snapshot = func() realtime.Event {
		return realtime.Event{Type: "state", Data: machine.State()}
	}
	return s
}

// Run forwards machine updates to websocket clients until ctx is done.
func (s *Server) Run(ctx context.Context) {
	go s.hub.Run(ctx)

	updates, unsubscribe := s.machine.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			s.hub.Broadcast(realtime.Event{Type: "state", Data: st})
		}
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsHandler.Handler)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/ws", s.hub.ServeWS)

		// Everything below is bounded; the websocket is not.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Post("/videos", s.uploadVideo)
			r.Post("/reset", s.reset)
			r.Get("/state", s.state)
			r.Get("/crops/{ordinal}", s.cropImage)
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) uploadVideo(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.MaxUploadMB << 20
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	file, header, err := r.FormFile("video")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteAPIError(w, http.StatusRequestEntityTooLarge, "upload_too_large",
				fmt.Sprintf("video exceeds %d MB", s.cfg.MaxUploadMB))
			return
		}
		WriteAPIError(w, http.StatusBadRequest, "missing_video", "expected a multipart field named 'video'")
		return
	}
	defer file.Close()

	path, err := s.save(file, header.Filename)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to store upload")
		WriteAPIError(w, http.StatusInternalServerError, "upload_failed", "could not store the uploaded file")
		return
	}

	info, err := video.Stat(path)
	if err != nil || !strings.HasPrefix(info.MIMEType, "video/") {
		os.Remove(path)
		WriteAPIError(w, http.StatusUnsupportedMediaType, "not_a_video", "uploaded file is not a video")
		return
	}

	src, err := s.open(path)
	if err != nil {
		os.Remove(path)
		s.log.Error().Err(err).Str("file", info.Name).Msg("failed to open video")
		WriteAPIError(w, http.StatusUnprocessableEntity, "open_failed", err.Error())
		return
	}

	s.startMu.Lock()
	launch, err := s.machine.Begin(src)
	if err == nil {
		s.replaceUpload(path)
	}
	s.startMu.Unlock()
	if err != nil {
		os.Remove(path)
		s.log.Error().Err(err).Msg("failed to start run")
		WriteAPIError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	s.log.Info().Str("file", header.Filename).Float64("size_mb", info.SizeMB).Msg("video uploaded")

	// launch waits for the source to load; the client follows progress over
	// the websocket or by polling state.
	go func() {
		if err := launch(s.ctx); err != nil && !errors.Is(err, pipeline.ErrRunReset) {
			s.log.Warn().Err(err).Str("file", header.Filename).Msg("run did not start")
			s.hub.Broadcast(realtime.Event{Type: "error", Data: map[string]string{"error": err.Error()}})
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"file":  header.Filename,
		"state": s.machine.State(),
	})
}

func (s *Server) save(r io.Reader, name string) (string, error) {
	if err := os.MkdirAll(s.cfg.UploadDir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(s.cfg.UploadDir, uuid.NewString()+strings.ToLower(filepath.Ext(name)))
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(path)
		return "", err
	}
	return path, out.Close()
}

// replaceUpload records the file backing the new run and removes the old one.
func (s *Server) replaceUpload(path string) {
	s.mu.Lock()
	prev := s.upload
	s.upload = path
	s.mu.Unlock()
	if prev != "" && prev != path {
		os.Remove(prev)
	}
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	s.startMu.Lock()
	s.machine.Reset()
	s.replaceUpload("")
	s.startMu.Unlock()
	writeJSON(w, http.StatusOK, s.machine.State())
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.machine.State())
}

func (s *Server) cropImage(w http.ResponseWriter, r *http.Request) {
	ordinal, err := strconv.Atoi(chi.URLParam(r, "ordinal"))
	if err != nil || ordinal < 1 {
		WriteAPIError(w, http.StatusBadRequest, "bad_ordinal", "ordinal must be a positive integer")
		return
	}
	crops := s.machine.Crops()
	if ordinal > len(crops) {
		WriteAPIError(w, http.StatusNotFound, "not_found", "no crop with that ordinal")
		return
	}
	c := crops[ordinal-1]
	w.Header().Set("Content-Type", c.MIMEType)
	w.Header().Set("Cache-Control", "no-store")
	w.Write(c.Image)
}

// Cleanup removes the file backing the current run.
func (s *Server) Cleanup() {
	s.replaceUpload("")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}
