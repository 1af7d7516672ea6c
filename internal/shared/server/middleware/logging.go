package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"caseanalysis-backend/internal/shared/metrics"
	"caseanalysis-backend/internal/shared/telemetry"
)

// Logging emits a structured log per request. Handlers may set runId and
// statusTransition on the context to have them logged.
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		fields := map[string]any{
			"request_id":  RequestIDFromContext(c),
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"route":       c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": metrics.SinceMs(start),
			"user_id":     UserIDFromContext(c),
			"run_id":      c.GetString("runId"),
			"client_ip":   c.ClientIP(),
			"user_agent":  c.Request.UserAgent(),
		}
		if transition := c.GetString("statusTransition"); transition != "" {
			fields["status_transition"] = transition
		}
		telemetry.Info("request.complete", fields)
	}
}
