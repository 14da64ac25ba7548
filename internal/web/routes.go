package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RouteConfig holds the settings of the API surface.
type RouteConfig struct {
	APIToken string
	RPS      float64
	Burst    int
}

// NewRouter creates the gin engine with the shared middleware and all routes.
func NewRouter(h *Handlers, cfg RouteConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger())
	r.Use(SecurityHeaders())
	SetupRoutes(r, h, cfg)
	return r
}

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers, cfg RouteConfig) {
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}

	// Health endpoints (no auth, no rate limit)
	r.GET("/health", h.HealthCheck)
	r.GET("/healthz", h.Liveness)

	api := r.Group("/api")
	api.Use(RateLimiter(cfg.RPS, cfg.Burst))
	api.Use(RequireBearerToken(cfg.APIToken))
	api.Use(RequireJSONContentType())
	{
		api.GET("/activity", h.APIActivity)

		api.GET("/integrations", h.APIListIntegrations)
		api.GET("/integrations/:id", h.APIGetIntegration)
		api.POST("/integrations/:id/disconnect", h.APIDisconnectIntegration)
		api.POST("/integrations/:id/reauth", h.APIReauthIntegration)

		api.GET("/bindings/:id", h.APIGetBinding)
		api.POST("/bindings/:id/sync", h.APITriggerSync)
		api.POST("/bindings/:id/notify", h.APINotifyChange)
		api.POST("/bindings/:id/cancel", h.APICancelSync)
		api.GET("/bindings/:id/runs", h.APIGetRuns)
		api.GET("/bindings/:id/malformed", h.APIGetMalformed)
		api.GET("/bindings/:id/status", h.APIBindingStatus)
		api.GET("/bindings/:id/events", h.APIListEvents)
		api.PUT("/bindings/:id/events/:eventID", h.APIPutEvent)
		api.DELETE("/bindings/:id/events/:eventID", h.APIDeleteEvent)
	}

	// Outbound network calls get a stricter budget.
	expensive := r.Group("/api")
	expensive.Use(RateLimiter(1, 3))
	expensive.Use(RequireBearerToken(cfg.APIToken))
	{
		expensive.POST("/alerts/test", h.APISendTestAlert)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}
