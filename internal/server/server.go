// Package server exposes the transcription service over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/loqalabs/loqa-transcribe/internal/presence"
	"github.com/loqalabs/loqa-transcribe/internal/session"
	"github.com/loqalabs/loqa-transcribe/internal/transcribe"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Transcriber is the service surface the handlers need.
type Transcriber interface {
	TranscribeComplete(ctx context.Context, raw []byte, hint string) (transcribe.Result, error)
	TranscribeChunk(ctx context.Context, key string, raw []byte, hint string, opts transcribe.ChunkOptions) (transcribe.Result, error)
	ResetSession(ctx context.Context, key string) bool
	FinalizeSession(ctx context.Context, key string) (transcribe.Result, error)
	Sessions() []session.Info
}

type Options struct {
	// KeyMode selects how requests map to sessions: auto, token or remote.
	KeyMode        string
	MaxUploadBytes int64
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Ready reports readiness for /readyz. Nil means always ready.
	Ready func() bool
	// Nodes serves /nodes when set.
	Nodes func() []presence.NodeInfo
}

type Server struct {
	svc  Transcriber
	opts Options
	log  *slog.Logger
}

// New builds the HTTP handler tree.
func New(svc Transcriber, opts Options, log *slog.Logger) http.Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 64 << 20
	}
	if opts.KeyMode == "" {
		opts.KeyMode = "auto"
	}
	s := &Server{
		svc:  svc,
		opts: opts,
		log:  log.With(slog.String("component", "http")),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", tokenHeader},
		MaxAge:         600,
	}))

	r.Get("/", s.handleIndex)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/sessions", s.handleSessions)
	if opts.Nodes != nil {
		r.Get("/nodes", s.handleNodes)
	}
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Post("/transcribe", s.handleTranscribe)
	r.Post("/transcribe_chunk", s.handleTranscribeChunk)
	r.Post("/reset_session", s.handleResetSession)
	r.Post("/finalize_session", s.handleFinalizeSession)
	r.Post("/session_token", s.handleSessionToken)

	return otelhttp.NewHandler(r, "loqa-transcribe",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return req.Method + " " + req.URL.Path
		}))
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		level := slog.LevelDebug
		if ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.log.Log(r.Context(), level, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}
