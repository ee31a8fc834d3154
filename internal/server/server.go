// Package server exposes the voice-service over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/book-expert/voice-service/internal/config"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/metrics"
	"github.com/book-expert/voice-service/internal/synthcache"
	"github.com/book-expert/voice-service/internal/tts"
	"github.com/book-expert/voice-service/internal/tts/audio"
	"github.com/book-expert/voice-service/internal/voices"
)

const (
	readHeaderTimeout = 10 * time.Second
	unmatchedRoute    = "unmatched"
	logFmtRequest     = "%s %s -> %d (%d bytes) in %s [%s]"
	logFmtListening   = "HTTP API listening on %s"
)

// Engine is the synthesis side the handlers drive.
type Engine interface {
	Synthesize(ctx context.Context, req tts.Request) (tts.Result, error)
	HealthCheck(ctx context.Context) error
	Format() audio.Format
}

// Dependencies are the components behind the API. Transcriber may be nil,
// in which case transcription endpoints answer 503.
type Dependencies struct {
	Registry    *voices.Registry
	Cache       *synthcache.Cache
	Engine      Engine
	Transcriber core.Transcriber
}

// Server routes HTTP requests to the registry, the cache, and the adapters.
type Server struct {
	deps   Dependencies
	cfg    *config.Config
	log    *logger.Logger
	router chi.Router
}

// New builds the router for cfg and deps.
func New(cfg *config.Config, deps Dependencies, log *logger.Logger) *Server {
	s := &Server{deps: deps, cfg: cfg, log: log}
	s.router = s.routes()

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(s.logRequests)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	limited := httprate.LimitByIP(s.cfg.Server.RequestsPerMinute, time.Minute)

	router.Get("/", s.handleRoot)
	router.Get("/health", s.handleHealth)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	router.Route("/tts", func(r chi.Router) {
		r.Get("/say", s.handleSay)
		r.With(limited).Post("/synthesize", s.handleSynthesize)
		r.Get("/audio/{fingerprint}", s.handleCachedAudio)
		r.Get("/generated/{name}", s.handleGeneratedAudio)
	})

	router.With(limited).Post("/transcription/transcribe", s.handleTranscribe)

	router.Route("/voices", func(r chi.Router) {
		r.Get("/", s.handleListVoices)
		r.With(limited).Post("/", s.handleCreateVoice)
		r.Get("/{id}", s.handleGetVoice)
		r.Get("/{id}/audio", s.handleVoiceAudio)
		r.Patch("/{id}", s.handlePatchVoice)
		r.Put("/{id}/transcript", s.handleUpdateTranscript)
		r.Delete("/{id}", s.handleDeleteVoice)
	})

	router.Route("/presets", func(r chi.Router) {
		r.Get("/", s.handleListPresets)
		r.Get("/{name}", s.handleGetPreset)
		r.Put("/{name}", s.handleSavePreset)
		r.Delete("/{name}", s.handleDeletePreset)
	})

	router.Post("/cache/cleanup", s.handleCacheCleanup)

	return router
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(wrapped, r)

		status := wrapped.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := unmatchedRoute
		if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil && routeCtx.RoutePattern() != "" {
			route = routeCtx.RoutePattern()
		}

		metrics.RecordHTTPRequest(r.Method, route, status)
		s.log.Info(logFmtRequest, r.Method, r.URL.Path, status, wrapped.BytesWritten(),
			time.Since(start).Round(time.Millisecond), middleware.GetReqID(r.Context()))
	})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Server.Address,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       time.Duration(s.cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Server.WriteTimeoutSeconds) * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.log.System(logFmtListening, s.cfg.Server.Address)
		errChan <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(s.cfg.Server.ShutdownSeconds)*time.Second)
	defer cancel()

	err := httpServer.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}

	return nil
}
