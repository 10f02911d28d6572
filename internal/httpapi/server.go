package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"slotattend/internal/httpmiddleware"
	"slotattend/internal/observability"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// RouterConfig carries the cross-cutting settings of the HTTP server.
type RouterConfig struct {
	Logger      zerolog.Logger
	CORSOrigins []string
	// Limiter applies to every route; nil disables global limiting.
	Limiter *httpmiddleware.SimpleTokenBucket
	Health  map[string]HealthCheck
}

// NewRouter builds the engine with middleware, ops endpoints and h's routes.
func NewRouter(cfg RouterConfig, h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(
		httpmiddleware.RequestID(),
		httpmiddleware.Recovery(cfg.Logger),
		httpmiddleware.Logger(cfg.Logger, "/healthz", "/metrics"),
		observability.Middleware(),
		httpmiddleware.SecurityHeaders(),
		cors.New(corsConfig(cfg.CORSOrigins)),
	)
	if cfg.Limiter != nil {
		r.Use(cfg.Limiter.GinMiddleware())
	}

	r.GET("/metrics", observability.MetricsHandler())
	r.GET("/healthz", healthz(cfg.Health))
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "msg": "Not found"})
	})

	h.Register(r)
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", httpmiddleware.RequestIDHeader},
		ExposeHeaders:    []string{httpmiddleware.RequestIDHeader, "Content-Disposition"},
		MaxAge:           12 * time.Hour,
	}
	// Without an allow-list any origin may call the API, but never with credentials.
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

func healthz(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		resp := gin.H{"status": "ok"}
		for name, check := range checks {
			healthy := check(ctx)
			resp[name] = healthy
			if !healthy {
				status = http.StatusServiceUnavailable
				resp["status"] = "degraded"
			}
		}
		c.JSON(status, resp)
	}
}

// HTTPServer runs the router with the timeouts the API uses.
type HTTPServer struct {
	server *http.Server
	log    zerolog.Logger
}

func NewHTTPServer(port string, handler http.Handler, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:         ":" + port,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log: log,
	}
}

// Start blocks until the server stops. A graceful shutdown returns nil.
func (s *HTTPServer) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("http server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}
