package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseDocumentFlag(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    documentEntry
		wantErr bool
	}{
		{
			name: "all keys",
			raw:  "id=d1,locator=store://a.pdf,mime=application/pdf,desc=Complaint,name=a.pdf",
			want: documentEntry{ID: "d1", SourceLocator: "store://a.pdf", MimeType: "application/pdf", Description: "Complaint", FileName: "a.pdf"},
		},
		{name: "minimal", raw: "id=d2,locator=https://x/y", want: documentEntry{ID: "d2", SourceLocator: "https://x/y"}},
		{name: "missing locator", raw: "id=d3", wantErr: true},
		{name: "unknown key", raw: "id=d4,locator=x,color=red", wantErr: true},
		{name: "no equals", raw: "d5", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDocumentFlag(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLoadDocumentsAcceptsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.json")
	content := `[{"id":"d1","sourceLocator":"store://a.pdf","description":"Motion"}]`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	docs, err := loadDocuments(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(docs) != 1 || docs[0].SourceLocator != "store://a.pdf" || docs[0].Description != "Motion" {
		t.Fatalf("unexpected docs: %+v", docs)
	}
}

func TestSubmitSendsPrincipalAndBody(t *testing.T) {
	var got submitBody
	var user string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/runs" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		user = r.Header.Get("X-User-Id")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"runId":"run-1","status":"pending"}`))
	}))
	defer srv.Close()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{
		"--server", srv.URL, "--user", "u-1", "-o", "json",
		"submit", "--doc", "id=d1,locator=store://a.pdf", "--instructions", "Summarize", "--strategy", "batch",
	})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if user != "u-1" {
		t.Fatalf("expected principal header, got %q", user)
	}
	if len(got.Documents) != 1 || got.Instructions != "Summarize" || got.Strategy != "batch" {
		t.Fatalf("unexpected body: %+v", got)
	}
	if !strings.Contains(out.String(), `"runId": "run-1"`) {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestClientSurfacesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"not_resumable","message":"nope"}}`))
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "u").Post(context.Background(), "/api/v1/runs/x/resume", nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Code != "not_resumable" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestWatchStatusStopsAtTerminalState(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "processing"
		if calls.Add(1) >= 3 {
			status = "completed"
		}
		_, _ = w.Write([]byte(`{"runId":"run-1","status":"` + status + `","percent":50}`))
	}))
	defer srv.Close()

	view, err := watchStatus(context.Background(), NewClient(srv.URL, "u"), "run-1", 10*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if view["status"] != "completed" || calls.Load() != 3 {
		t.Fatalf("unexpected result %v after %d calls", view["status"], calls.Load())
	}
}
