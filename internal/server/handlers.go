package server

import (
	"net/http"

	"dropcode-go/internal/web"

	"github.com/a-h/templ"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := s.db.Health(r.Context())

	if s.deps.Redis != nil {
		if err := s.deps.Redis.Ping(r.Context()); err != nil {
			health["redis"] = "down"
			health["status"] = "down"
		} else {
			health["redis"] = "up"
		}
	}

	if health["status"] != "up" {
		s.sendJSON(w, http.StatusServiceUnavailable, false, "Health check failed", health)
		return
	}
	s.sendJSON(w, http.StatusOK, true, "Health check successful", health)
}

func (s *Server) handleError404(w http.ResponseWriter, r *http.Request) {
	templ.Handler(web.NotFound(""), templ.WithStatus(http.StatusNotFound)).ServeHTTP(w, r)
}
