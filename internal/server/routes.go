package server

import (
	"net/http"
	"time"

	"dropcode-go/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

const (
	uploadsPerMinute   = 10
	retrievalPerMinute = 20
)

func (s *Server) RegisterRoutes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(SecurityHeaders)

	if s.config.Env == "dev" || s.config.Env == "development" {
		r.Use(middleware.NoCache)
	}

	// The JSON API may be called from other origins; it never relies on
	// the session cookie for anything but ownership.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition", "X-Compressed-PDF", "X-Original-Size", "X-Compressed-Size"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.NotFound(s.handleError404)

	// Operational endpoints
	r.Get("/health", s.healthHandler)
	r.Handle("/metrics", metrics.Handler())

	h := s.handler
	r.Group(func(r chi.Router) {
		r.Use(s.sessions.Handler)

		uploadLimit := httprate.LimitByIP(uploadsPerMinute, time.Minute)

		r.Get("/", h.HandleHome)
		r.With(uploadLimit).Post("/", h.HandleUpload)

		r.Route("/api", func(r chi.Router) {
			r.With(uploadLimit).Post("/upload", h.HandleAPIUpload)
			r.Get("/check-code", h.HandleCheckCode)
			r.Get("/recent", h.HandleRecent)
			r.Get("/stats", h.HandleStats)
			r.Get("/preview-support", h.HandlePreviewSupport)
		})

		r.Route("/{code}", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(httprate.LimitByIP(retrievalPerMinute, time.Minute))
				r.Get("/", h.HandleDirect)
				r.Get("/download", h.HandleDownload)
				r.Post("/download", h.HandleDownload)
				r.Get("/view", h.HandleView)
				r.Post("/view", h.HandleView)
			})

			r.Get("/detail", h.HandleDetail)
			r.Post("/detail", h.HandleDetail)
			r.Get("/qr", h.HandleQR)
			r.Post("/edit", h.HandleEdit)
			r.Post("/delete", h.HandleDelete)
		})
	})

	return r
}
