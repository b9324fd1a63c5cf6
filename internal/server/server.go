/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server exposes the status surface of a grid instance over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/friendsincode/equiplet_grid/internal/directory"
	"github.com/friendsincode/equiplet_grid/internal/equiplet"
	"github.com/friendsincode/equiplet_grid/internal/logbuffer"
	"github.com/friendsincode/equiplet_grid/internal/telemetry"
	"github.com/friendsincode/equiplet_grid/internal/version"
)

// DirectoryLister lists the advertised equiplets.
type DirectoryLister interface {
	List(ctx context.Context) ([]directory.Entry, error)
}

// EquipletSource resolves equiplets hosted by this instance.
type EquipletSource interface {
	Schedule(id string) (equiplet.ScheduleView, bool)
	Hosted() []string
}

// LeaderReporter reports whether this instance runs product intake.
type LeaderReporter interface {
	Running() bool
}

// Options configures the HTTP surface.
type Options struct {
	Addr       string
	InstanceID string
	Directory  DirectoryLister
	Equiplets  EquipletSource
	// Intake may be nil when intake is not leader-aware.
	Intake LeaderReporter
	Logs   *logbuffer.Buffer
}

// Server bundles the router and the HTTP listener.
type Server struct {
	opts       Options
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
}

// New builds the router.
func New(opts Options, logger zerolog.Logger) *Server {
	s := &Server{
		opts:   opts,
		logger: logger.With().Str("component", "http").Logger(),
		router: chi.NewRouter(),
	}
	s.configureRoutes()
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("HTTP server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("graceful shutdown failed")
		return err
	}
	return <-errCh
}

func (s *Server) configureRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(securityHeadersMiddleware)
	r.Use(telemetry.Instrument)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", telemetry.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/directory", s.handleDirectory)
		r.Get("/equiplets", s.handleHosted)
		r.Get("/equiplets/{id}/schedule", s.handleSchedule)
		r.Get("/logs", s.handleLogs)
	})
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Cache-Control", "no-store")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	InstanceID string `json:"instance_id"`
	Hosted     int    `json:"hosted_equiplets"`
	Intake     bool   `json:"intake_running"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		Version:    version.Version,
		InstanceID: s.opts.InstanceID,
		Intake:     true,
	}
	if s.opts.Equiplets != nil {
		resp.Hosted = len(s.opts.Equiplets.Hosted())
	}
	if s.opts.Intake != nil {
		resp.Intake = s.opts.Intake.Running()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDirectory(w http.ResponseWriter, r *http.Request) {
	if s.opts.Directory == nil {
		writeError(w, http.StatusServiceUnavailable, "directory unavailable")
		return
	}
	entries, err := s.opts.Directory.List(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("list directory failed")
		writeError(w, http.StatusServiceUnavailable, "directory unavailable")
		return
	}
	if entries == nil {
		entries = []directory.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHosted(w http.ResponseWriter, r *http.Request) {
	hosted := []string{}
	if s.opts.Equiplets != nil {
		hosted = s.opts.Equiplets.Hosted()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instance_id": s.opts.InstanceID,
		"equiplets":   hosted,
	})
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.opts.Equiplets == nil {
		writeError(w, http.StatusNotFound, "equiplet not hosted on this instance")
		return
	}
	view, ok := s.opts.Equiplets.Schedule(id)
	if !ok {
		writeError(w, http.StatusNotFound, "equiplet not hosted on this instance")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.opts.Logs == nil {
		writeError(w, http.StatusNotFound, "log capture disabled")
		return
	}
	q := r.URL.Query()
	query := logbuffer.Query{
		Level:     q.Get("level"),
		Component: q.Get("component"),
		Agent:     q.Get("agent"),
		Search:    q.Get("search"),
		Limit:     100,
		Newest:    true,
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		query.Limit = limit
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		query.Since = since
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": s.opts.Logs.Query(query),
		"stats":   s.opts.Logs.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
