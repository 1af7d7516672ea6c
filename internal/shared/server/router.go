package server

import (
	"github.com/gin-gonic/gin"

	"caseanalysis-backend/internal/analyses"
	"caseanalysis-backend/internal/services/health"
	"caseanalysis-backend/internal/shared/config"
	"caseanalysis-backend/internal/shared/metrics"
	"caseanalysis-backend/internal/shared/server/middleware"
)

// RouterDeps are the handlers mounted by NewRouter.
type RouterDeps struct {
	Config          config.Config
	AnalysisHandler *analyses.Handler
	Health          *health.Service
	Limiter         *middleware.RateLimiter
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.Config.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
		middleware.Identity(),
		middleware.RateLimit(middleware.RateLimitConfig{
			GroupFor: middleware.PollingGroupFor,
			Limiter:  deps.Limiter,
			Rules: map[string]middleware.RateLimitRule{
				"DEFAULT": {
					Rate:  deps.Config.RateLimit.PerSecond,
					Burst: deps.Config.RateLimit.Burst,
				},
				middleware.PollingGroup: {
					Rate:  deps.Config.PollRateLimit.PerSecond,
					Burst: deps.Config.PollRateLimit.Burst,
				},
			},
		}),
	)

	r.GET("/metrics", metrics.Handler())
	if deps.Health != nil {
		deps.Health.RegisterRoutes(r)
	}

	api := r.Group("/api/v1")
	if deps.Health != nil {
		deps.Health.RegisterRoutes(api)
	}
	if deps.AnalysisHandler != nil {
		deps.AnalysisHandler.RegisterRoutes(api)
	}

	return r
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
