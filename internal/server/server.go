package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fmueller/voxstream/internal/config"
	"github.com/fmueller/voxstream/internal/media"
	"github.com/fmueller/voxstream/internal/metrics"
	"github.com/fmueller/voxstream/internal/platform"
	"github.com/fmueller/voxstream/internal/scratch"
	"github.com/fmueller/voxstream/internal/version"
	"github.com/fmueller/voxstream/internal/whisper"
)

const TranscribePath = "/transcribe-stream"

type Options struct {
	Config *config.Config
	Engine whisper.Engine
	// Model is reported by /health.
	Model  string
	Logger *zap.Logger
	// Registry defaults to a fresh registry with Go and process collectors.
	Registry *prometheus.Registry
}

// Server is the HTTP front of the transcription service.
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	engine   whisper.Engine
	model    string
	version  version.Info

	handler    http.Handler
	httpServer *http.Server
	startTime  time.Time

	mu       sync.Mutex
	listener net.Listener
}

func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	cfg := opts.Config
	dir, err := scratch.NewDir(platform.ResolveScratchDir(cfg.Upload.ScratchDir))
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		logger:    opts.Logger,
		metrics:   metrics.NewMetrics(registry),
		registry:  registry,
		engine:    opts.Engine,
		model:     opts.Model,
		version:   version.Current(),
		startTime: time.Now(),
	}

	transcribe, err := NewTranscribeHandler(HandlerOptions{
		Engine:               opts.Engine,
		Scratch:              dir,
		Metrics:              s.metrics,
		Logger:               opts.Logger.Named("transcribe"),
		Transcoder:           media.NewTranscoder(media.Options{Executable: cfg.Engine.FFmpegPath, Logger: opts.Logger.Named("media")}),
		Field:                cfg.Upload.Field,
		MaxBytes:             cfg.Upload.MaxBytes,
		AllowedExtensions:    cfg.Upload.AllowedExtensions,
		Language:             cfg.Engine.Language,
		BeamSize:             cfg.Engine.BeamSize,
		Pacing:               cfg.Stream.GetPacingDuration(),
		RequestTimeout:       cfg.Stream.GetRequestTimeoutDuration(),
		SilenceGate:          cfg.Engine.SilenceGate,
		SilenceThresholdDBFS: cfg.Engine.SilenceThresholdDBFS,
	})
	if err != nil {
		return nil, err
	}

	s.handler = s.routes(transcribe)
	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: cfg.Server.GetReadHeaderTimeoutDuration(),
		IdleTimeout:       60 * time.Second,
		ErrorLog:          zap.NewStdLog(opts.Logger.Named("http")),
	}

	return s, nil
}

func (s *Server) routes(transcribe http.Handler) http.Handler {
	router := mux.NewRouter()
	router.Use(s.withMetrics)

	router.Handle(TranscribePath, transcribe).Methods(http.MethodPost)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	cors := s.cfg.CORS
	options := []handlers.CORSOption{
		handlers.AllowedOrigins(cors.AllowedOrigins),
		handlers.AllowedMethods(cors.AllowedMethods),
		handlers.AllowedHeaders(cors.AllowedHeaders),
	}
	if cors.AllowCredentials {
		options = append(options, handlers.AllowCredentials())
	}

	return handlers.CORS(options...)(router)
}

// Handler returns the complete handler chain, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and serves in the background. Bind errors are
// returned here rather than from the serving goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("starting HTTP server",
		zap.String("address", ln.Addr().String()),
		zap.String("engine", s.engine.Name()),
		zap.String("model", s.model),
	)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Addr is the bound address once Start succeeded.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

// Stop waits for in-flight streams until ctx expires, then closes them.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")

	err := s.httpServer.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn("shutdown timed out, closing open streams")
		return errors.Join(err, s.httpServer.Close())
	}
	return err
}

type healthResponse struct {
	Status   string       `json:"status"`
	Version  version.Info `json:"version"`
	Engine   string       `json:"engine"`
	Model    string       `json:"model,omitempty"`
	Platform string       `json:"platform"`
	Uptime   string       `json:"uptime"`
	Endpoint string       `json:"endpoint"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "healthy",
		Version:  s.version,
		Engine:   s.engine.Name(),
		Model:    s.model,
		Platform: platform.CurrentRuntime().String(),
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
		Endpoint: TranscribePath,
	})
}
