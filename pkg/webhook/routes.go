package webhook

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)

	// GitHub webhook: signature-gated.
	r.Route("/github-hooks", func(r chi.Router) {
		if s.cfg.Server.RateLimit.Enabled {
			r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit.Webhook))
		}

		r.Use(s.requireSignature)

		r.Post("/trybot", s.handlePullRequestHook)
	})

	// Buildbot status push. Buildbot does not sign its messages, so
	// this endpoint must only be reachable from a trusted network path.
	r.Route("/buildbot", func(r chi.Router) {
		if s.cfg.Server.RateLimit.Enabled {
			r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit.Webhook))
		}

		r.Post("/events", s.handleBuildbotEvents)
	})

	// Read-only status API.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.corsMiddleware())

		if s.cfg.Server.RateLimit.Enabled {
			r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit.API))
		}

		r.Get("/health", s.handleHealth)
		r.Get("/pulls", s.handleListPullRequests)
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
