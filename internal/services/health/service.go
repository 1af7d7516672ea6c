// Package health reports database and inference provider health.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"caseanalysis-backend/internal/llm"
	"caseanalysis-backend/internal/shared/server/respond"
)

const defaultCheckTimeout = 5 * time.Second

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Service encapsulates health-related checks.
type Service struct {
	DB        Pinger
	Providers *llm.Registry
	Timeout   time.Duration
}

// NewService constructs a health service. db and providers may be nil.
func NewService(db Pinger, providers *llm.Registry) *Service {
	return &Service{DB: db, Providers: providers, Timeout: defaultCheckTimeout}
}

// Check is the result of one dependency probe.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Model  string `json:"model,omitempty"`
	Millis int64  `json:"latencyMs"`
}

// Status pings the database. A service without a database is healthy.
func (s *Service) Status(ctx context.Context) map[string]any {
	out := map[string]any{"ok": true}
	if s.DB == nil {
		out["db"] = "disabled"
		return out
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	if err := s.DB.PingContext(ctx); err != nil {
		out["ok"] = false
		out["db"] = "unreachable"
		return out
	}
	out["db"] = "ok"
	return out
}

// ProviderChecks probes every registered provider concurrently.
func (s *Service) ProviderChecks(ctx context.Context) []Check {
	if s.Providers == nil {
		return []Check{}
	}
	names := s.Providers.Names()
	checks := make([]Check, len(names))
	done := make(chan struct{}, len(names))
	for i, name := range names {
		go func() {
			defer func() { done <- struct{}{} }()
			checks[i] = s.probe(ctx, name)
		}()
	}
	for range names {
		<-done
	}
	return checks
}

func (s *Service) probe(ctx context.Context, name llm.ProviderName) Check {
	check := Check{Name: string(name)}
	p, err := s.Providers.Resolve(string(name))
	if err != nil {
		check.Error = err.Error()
		return check
	}
	check.Model = p.Model()
	ctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	started := time.Now()
	err = p.HealthCheck(ctx)
	check.Millis = time.Since(started).Milliseconds()
	if err != nil {
		check.Error = llm.Translate(err)
		return check
	}
	check.OK = true
	return check
}

// RegisterRoutes attaches /health and /health/providers.
func (s *Service) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", func(c *gin.Context) {
		status := s.Status(c.Request.Context())
		code := http.StatusOK
		if ok, _ := status["ok"].(bool); !ok {
			code = http.StatusServiceUnavailable
		}
		respond.JSON(c, code, status)
	})
	r.GET("/health/providers", func(c *gin.Context) {
		checks := s.ProviderChecks(c.Request.Context())
		ok := true
		for _, check := range checks {
			ok = ok && check.OK
		}
		code := http.StatusOK
		if !ok {
			code = http.StatusServiceUnavailable
		}
		respond.JSON(c, code, gin.H{"ok": ok, "providers": checks})
	})
}

func (s *Service) timeout() time.Duration {
	if s.Timeout <= 0 {
		return defaultCheckTimeout
	}
	return s.Timeout
}
