package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"caseanalysis-backend/internal/llm"
	"caseanalysis-backend/internal/llm/llmtest"
	"caseanalysis-backend/internal/shared/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Env:             "dev",
		ObjectStoreType: "local",
		LocalStoreDir:   t.TempDir(),
		DefaultProvider: "gemini",
		RateLimit:       config.RateRule{PerSecond: 10, Burst: 10},
		PollRateLimit:   config.RateRule{PerSecond: 10, Burst: 10},
		Pipeline:        config.DefaultPipeline(),
	}
}

func TestBuildDevUsesMemoryStores(t *testing.T) {
	gin.SetMode(gin.TestMode)
	app, err := Build(context.Background(), testConfig(t), RoleAPI)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if app.DB != nil || app.Queue != nil {
		t.Fatalf("expected no database and no queue in dev without URLs")
	}
	if app.Runs == nil || app.AnalysesService == nil || app.Router == nil {
		t.Fatalf("expected wired services, got %+v", app)
	}

	w := httptest.NewRecorder()
	app.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"db":"disabled"`) {
		t.Fatalf("unexpected health response %d %s", w.Code, w.Body.String())
	}
}

func TestBuildRejectsSubmissionsWithoutProviders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	app, err := Build(context.Background(), testConfig(t), RoleAPI)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	body := `{"documents":[{"id":"d1","sourceLocator":"a.txt"}],"instructions":"Summarize"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", "user-1")
	w := httptest.NewRecorder()
	app.Router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "unknown_provider") {
		t.Fatalf("expected unknown_provider, got %d %s", w.Code, w.Body.String())
	}
}

func TestBuildRequiresDatabaseOutsideDev(t *testing.T) {
	cfg := testConfig(t)
	cfg.Env = "production"
	if _, err := Build(context.Background(), cfg, RoleWorker); err == nil {
		t.Fatalf("expected error without DATABASE_URL in production")
	}
}

func TestBuildRejectsUnknownDefaultProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.DefaultProvider = "mystery"
	if _, err := Build(context.Background(), cfg, RoleAPI); err == nil {
		t.Fatalf("expected error for unknown LLM_PROVIDER")
	}
}

func TestNewRegistryFallsBackToFirstEnabled(t *testing.T) {
	enabled := []namedProvider{
		{name: llm.ProviderAnthropic, provider: &llmtest.ScriptedProvider{ProviderName: "anthropic"}},
		{name: llm.ProviderOpenAI, provider: &llmtest.ScriptedProvider{ProviderName: "openai"}},
	}
	registry := newRegistry(llm.ProviderGemini, enabled)
	if registry.Default() != llm.ProviderAnthropic {
		t.Fatalf("expected anthropic default, got %s", registry.Default())
	}
	if _, err := registry.Resolve(""); err != nil {
		t.Fatalf("resolve default: %v", err)
	}

	registry = newRegistry(llm.ProviderOpenAI, enabled)
	if registry.Default() != llm.ProviderOpenAI {
		t.Fatalf("expected configured default kept, got %s", registry.Default())
	}
}
