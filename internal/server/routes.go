package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	v1 "github.com/gosuda/weft/internal/api/v1"
	"github.com/gosuda/weft/internal/server/middleware"
	redisstore "github.com/gosuda/weft/internal/store/redis"
)

// registerRoutes mounts the API under /v1, the event stream under /ws, and
// the unauthenticated health check.
func (s *Server) registerRoutes(ctx context.Context) {
	control := redisstore.NewControl(s.pubsub)

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Auth(s.cfg.JWT.Secret))
		r.Use(middleware.RateLimit(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst))

		apiConfig := huma.DefaultConfig("Weft API", "1.0.0")
		apiConfig.Servers = []*huma.Server{
			{URL: "/v1"},
		}
		api := humachi.New(r, apiConfig)

		v1.RegisterSessionRoutes(api, s.store.RunStates(), control)
		v1.RegisterAdapterRoutes(api, s.registry)
	})

	// WebSocket event stream. Browsers cannot set headers on upgrade
	// requests, so Auth also accepts the token query parameter here.
	s.router.Route("/ws", func(r chi.Router) {
		r.Use(middleware.Auth(s.cfg.JWT.Secret))
		r.Use(middleware.RateLimitByIP(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst))
		r.Get("/events", s.wsHub.ServeEvents)
	})

	// Health check (unauthenticated).
	s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}
