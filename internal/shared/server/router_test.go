package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"caseanalysis-backend/internal/analyses"
	"caseanalysis-backend/internal/llm"
	"caseanalysis-backend/internal/runs"
	"caseanalysis-backend/internal/services/health"
	"caseanalysis-backend/internal/shared/config"
	"caseanalysis-backend/internal/shared/server/middleware"
)

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	svc := &analyses.Service{Store: runs.NewMemoryStore(), Providers: llm.NewRegistry(llm.ProviderGemini)}
	return NewRouter(RouterDeps{
		Config: config.Config{
			Env:           "dev",
			RateLimit:     config.RateRule{PerSecond: 0.001, Burst: 1},
			PollRateLimit: config.RateRule{PerSecond: 0.001, Burst: 3},
		},
		AnalysisHandler: analyses.NewHandler(svc),
		Health:          health.NewService(nil, nil),
		Limiter:         middleware.NewRateLimiter(nil),
	})
}

func TestRouterPublicRoutesNeedNoIdentity(t *testing.T) {
	for _, path := range []string{"/health", "/api/v1/health", "/metrics"} {
		r := newTestRouter()
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("GET %s: expected 200, got %d", path, w.Code)
		}
	}
}

func TestRouterRunsRequireIdentity(t *testing.T) {
	r := newTestRouter()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRouterPollingHasItsOwnBudget(t *testing.T) {
	r := newTestRouter()
	get := func(path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set(middleware.UserIDHeader, "user-1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := get("/api/v1/runs"); code != http.StatusOK {
		t.Fatalf("first list: expected 200, got %d", code)
	}
	if code := get("/api/v1/runs"); code != http.StatusTooManyRequests {
		t.Fatalf("second list: expected 429, got %d", code)
	}
	for i := 0; i < 3; i++ {
		if code := get("/api/v1/runs/missing"); code != http.StatusNotFound {
			t.Fatalf("poll %d: expected 404, got %d", i, code)
		}
	}
	if code := get("/api/v1/runs/missing"); code != http.StatusTooManyRequests {
		t.Fatalf("poll over budget: expected 429, got %d", code)
	}
}

func TestAddr(t *testing.T) {
	tests := map[string]string{"": ":8080", "9000": ":9000", ":7000": ":7000"}
	for in, want := range tests {
		if got := Addr(in); got != want {
			t.Fatalf("Addr(%q) = %q, want %q", in, got, want)
		}
	}
}
