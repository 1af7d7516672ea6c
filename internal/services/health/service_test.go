package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"caseanalysis-backend/internal/llm"
	"caseanalysis-backend/internal/llm/llmtest"
)

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

type unhealthyProvider struct{ llmtest.ScriptedProvider }

func (*unhealthyProvider) HealthCheck(context.Context) error {
	return llm.NewError("anthropic", llm.KindAuth, http.StatusUnauthorized, `{"error":"bad key"}`, nil)
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name   string
		db     Pinger
		wantOK bool
		wantDB string
	}{
		{name: "no database", db: nil, wantOK: true, wantDB: "disabled"},
		{name: "healthy database", db: fakePinger{}, wantOK: true, wantDB: "ok"},
		{name: "broken database", db: fakePinger{err: errors.New("refused")}, wantOK: false, wantDB: "unreachable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.db, nil)
			got := svc.Status(context.Background())
			if got["ok"] != tt.wantOK || got["db"] != tt.wantDB {
				t.Fatalf("unexpected status %v", got)
			}
		})
	}
}

func TestProviderRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := llm.NewRegistry(llm.ProviderGemini)
	registry.Register(llm.ProviderGemini, &llmtest.ScriptedProvider{ProviderName: "gemini", ModelName: "gemini-2.5-flash"})
	registry.Register(llm.ProviderAnthropic, &unhealthyProvider{})

	router := gin.New()
	NewService(nil, registry).RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodGet, "/health/providers", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
	var body struct {
		OK        bool    `json:"ok"`
		Providers []Check `json:"providers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.OK || len(body.Providers) != 2 {
		t.Fatalf("unexpected body %+v", body)
	}
	byName := map[string]Check{}
	for _, c := range body.Providers {
		byName[c.Name] = c
	}
	if !byName["gemini"].OK || byName["gemini"].Model != "gemini-2.5-flash" {
		t.Fatalf("unexpected gemini check %+v", byName["gemini"])
	}
	if byName["anthropic"].OK || byName["anthropic"].Error == "" {
		t.Fatalf("unexpected anthropic check %+v", byName["anthropic"])
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}
