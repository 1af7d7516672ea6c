package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"caseanalysis-backend/internal/shared/telemetry"
)

func TestLoggingIncludesRequiredFields(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestID(), Identity(), Logging())
	router.POST("/api/v1/runs/:id/cancel", func(c *gin.Context) {
		c.Set("runId", c.Param("id"))
		c.Set("statusTransition", "->cancelled")
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	var buf bytes.Buffer
	restore := telemetry.SetOutput(&buf)
	defer restore()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/run-1/cancel", nil)
	req.Header.Set(UserIDHeader, "clerk-1")
	req.Header.Set("X-Request-Id", "req-1")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) == 0 || lines[0] == "" {
		t.Fatalf("expected log output")
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}

	want := map[string]any{
		"msg":               "request.complete",
		"request_id":        "req-1",
		"user_id":           "clerk-1",
		"run_id":            "run-1",
		"route":             "/api/v1/runs/:id/cancel",
		"status_transition": "->cancelled",
	}
	for key, val := range want {
		if payload[key] != val {
			t.Fatalf("field %s: expected %v, got %v", key, val, payload[key])
		}
	}
	if _, ok := payload["duration_ms"]; !ok {
		t.Fatalf("missing log field: duration_ms")
	}
}
