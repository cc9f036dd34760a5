// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package api exposes the queue control surface over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/comfysched/internal/log"
	"github.com/ManuGH/comfysched/internal/store"
)

// Server is the HTTP control API over the job store.
type Server struct {
	st        *store.Store
	logger    zerolog.Logger
	startTime time.Time
}

// New creates a control API server backed by st.
func New(st *store.Store) *Server {
	return &Server{
		st:        st,
		logger:    log.WithComponent("api"),
		startTime: time.Now(),
	}
}

// Handler builds the chi router with the canonical middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(httprate.LimitByIP(100, time.Second))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/queue", s.handleListQueue)
		r.Route("/queue/{name}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Put("/priority", s.handleSetPriority)
			r.Post("/retry", s.handleRetry)
			r.Post("/god-mode", s.handleGodMode)
		})

		r.Get("/stats", s.handleStats)

		r.Get("/jobs", s.handleListAll)
		r.Post("/jobs/retry-failed", s.handleRetryFailed)
		r.Post("/jobs/cancel-all", s.handleCancelAll)
		r.Post("/jobs/bulk-retry", s.handleBulkRetry)
		r.Post("/jobs/bulk-delete", s.handleBulkDelete)

		r.Post("/sql", s.handleSQL)
	})

	return r
}

// requestLogger logs one line per request with latency and status.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str(log.FieldPath, r.URL.Path).
			Int("status", ww.Status()).
			Dur("latency", time.Since(start)).
			Str(log.FieldRequestID, middleware.GetReqID(r.Context())).
			Msg("request")
	})
}
