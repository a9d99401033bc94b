package api

import (
	"context"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/snarg/voice-memo/internal/config"
	"github.com/snarg/voice-memo/internal/metrics"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// ServerOptions carries the server's dependencies.
type ServerOptions struct {
	Config    *config.Config
	Service   MemoService
	WebFS     fs.FS  // must contain index.html
	Provider  string // transcription provider name, "" if unconfigured
	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

func NewServer(opts ServerOptions) (*Server, error) {
	cfg := opts.Config
	r := chi.NewRouter()

	// Global middleware. Logger also assigns the request ID.
	r.Use(Logger(opts.Log))
	r.Use(Recoverer)
	r.Use(metrics.InstrumentHandler)

	index, err := NewIndexHandler(opts.WebFS, opts.Service, cfg.Title, cfg.ConfirmDelete, opts.Log)
	if err != nil {
		return nil, err
	}
	r.Get("/", index.ServeHTTP)

	NewMemoHandler(opts.Service, cfg.MaxUploadBytes(), opts.Log).Routes(r)

	health := NewHealthHandler(opts.Service, opts.Provider, opts.Version, opts.StartTime)
	r.Get("/healthz", health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	return &Server{
		http: &http.Server{
			Addr:         cfg.ListenAddr(),
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: opts.Log,
	}, nil
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
