package analyses

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"caseanalysis-backend/internal/runs"
	"caseanalysis-backend/internal/shared/server/middleware"
)

func setupRunsRouter(t *testing.T) (*gin.Engine, *Service, *runs.MemoryStore, *queueStub) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, store, _ := newTestService(t)
	q := &queueStub{}
	svc.Queue = q

	router := gin.New()
	router.Use(middleware.RequestID(), middleware.Identity())
	NewHandler(svc).RegisterRoutes(router.Group("/api/v1"))
	return router, svc, store, q
}

func doRequest(router *gin.Engine, method, path, owner string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set(middleware.UserIDHeader, owner)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestSubmitRun(t *testing.T) {
	router, _, store, q := setupRunsRouter(t)

	body := map[string]any{
		"groupKey": "CASE-17",
		"documents": []map[string]string{
			{"id": "d1", "mimeType": "application/pdf", "description": "Complaint"},
			{"id": "d2", "mimeType": "text/html", "sourceLocator": "https://dms.example/d2"},
		},
		"instructions":      "Summarize the dispute.",
		"extendedReasoning": true,
		"credentials":       map[string]string{"username": "svc", "password": "secret"},
	}
	resp := doRequest(router, http.MethodPost, "/api/v1/runs", "clerk-1", body)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}

	var created struct {
		RunID  string `json:"runId"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.RunID == "" || created.Status != string(runs.StatusPending) {
		t.Fatalf("unexpected response %+v", created)
	}

	run, err := store.GetRun(context.Background(), created.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.OwnerID != "clerk-1" || run.GroupKey != "CASE-17" || !run.Params.ExtendedReasoning {
		t.Fatalf("unexpected run %+v", run)
	}
	if run.Params.Credentials.Username != "svc" || run.Params.Documents[1].SourceLocator != "https://dms.example/d2" {
		t.Fatalf("unexpected params %+v", run.Params)
	}
	if len(q.messages) != 1 || q.messages[0].RequestID == "" {
		t.Fatalf("expected queued message with request id, got %+v", q.messages)
	}
}

func TestSubmitRunErrors(t *testing.T) {
	router, _, _, _ := setupRunsRouter(t)

	tests := []struct {
		name     string
		owner    string
		body     any
		wantCode int
		wantErr  string
	}{
		{name: "missing identity", body: map[string]any{}, wantCode: http.StatusUnauthorized, wantErr: "unauthorized"},
		{name: "no documents", owner: "clerk-1", body: map[string]any{"documents": []any{}}, wantCode: http.StatusBadRequest, wantErr: "validation_error"},
		{name: "malformed body", owner: "clerk-1", body: "not an object", wantCode: http.StatusBadRequest, wantErr: "validation_error"},
		{
			name:     "unknown provider",
			owner:    "clerk-1",
			body:     map[string]any{"documents": []map[string]string{{"id": "d1"}}, "provider": "llama"},
			wantCode: http.StatusBadRequest,
			wantErr:  "unknown_provider",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(router, http.MethodPost, "/api/v1/runs", tt.owner, tt.body)
			if resp.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, resp.Code)
			}
			var payload struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if payload.Error.Code != tt.wantErr {
				t.Fatalf("expected error %q, got %q", tt.wantErr, payload.Error.Code)
			}
		})
	}
}

func seedRun(t *testing.T, store *runs.MemoryStore, id, owner string) {
	t.Helper()
	ctx := context.Background()
	if err := store.CreateRun(ctx, runs.Run{ID: id, OwnerID: owner, Status: runs.StatusPending, Phase: runs.PhaseDownload, TotalDocuments: 2, CurrentDocumentIndex: runs.NoCheckpoint}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := store.StartProcessing(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestGetRunStatus(t *testing.T) {
	router, _, store, _ := setupRunsRouter(t)
	seedRun(t, store, "run-1", "clerk-1")
	if err := store.Complete(context.Background(), "run-1", "the analysis", 50); err != nil {
		t.Fatalf("complete: %v", err)
	}

	resp := doRequest(router, http.MethodGet, "/api/v1/runs/run-1", "clerk-1", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var view StatusView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Status != runs.StatusCompleted || view.Result != "the analysis" || view.Percent != 100 {
		t.Fatalf("unexpected view %+v", view)
	}

	resp = doRequest(router, http.MethodGet, "/api/v1/runs/run-1", "someone-else", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("other owners must get 404, got %d", resp.Code)
	}
	resp = doRequest(router, http.MethodGet, "/api/v1/runs/missing", "clerk-1", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestCancelAndResumeRoutes(t *testing.T) {
	router, _, store, q := setupRunsRouter(t)
	seedRun(t, store, "run-1", "clerk-1")

	resp := doRequest(router, http.MethodPost, "/api/v1/runs/run-1/resume", "clerk-1", nil)
	if resp.Code != http.StatusConflict {
		t.Fatalf("processing run must not resume, got %d", resp.Code)
	}

	resp = doRequest(router, http.MethodPost, "/api/v1/runs/run-1/cancel", "clerk-1", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	resp = doRequest(router, http.MethodPost, "/api/v1/runs/run-1/cancel", "clerk-1", nil)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second cancel, got %d", resp.Code)
	}

	seedRun(t, store, "run-2", "clerk-1")
	if err := store.Fail(context.Background(), "run-2", "provider unavailable", true); err != nil {
		t.Fatalf("fail: %v", err)
	}
	resp = doRequest(router, http.MethodPost, "/api/v1/runs/run-2/resume", "clerk-1", nil)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
	if len(q.messages) != 1 || q.messages[0].RunID != "run-2" {
		t.Fatalf("expected resume message, got %+v", q.messages)
	}
}

func TestListRuns(t *testing.T) {
	router, _, store, _ := setupRunsRouter(t)
	seedRun(t, store, "run-1", "clerk-1")
	seedRun(t, store, "run-2", "clerk-1")
	seedRun(t, store, "run-3", "clerk-2")

	resp := doRequest(router, http.MethodGet, "/api/v1/runs?limit=1", "clerk-1", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var views []StatusView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 || views[0].OwnerID != "clerk-1" {
		t.Fatalf("unexpected list %+v", views)
	}
}
