package local

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"caseanalysis-backend/internal/shared/storage/object"
)

func TestPutThenOpen(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()

	n, err := store.Put(ctx, "case-1/peticao.html", "text/html", strings.NewReader("<p>inicial</p>"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if n != int64(len("<p>inicial</p>")) {
		t.Fatalf("unexpected size %d", n)
	}

	rc, err := store.Open(ctx, "/case-1/peticao.html")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "<p>inicial</p>" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestOpenMissingReturnsNotFound(t *testing.T) {
	store := New(t.TempDir())
	_, err := store.Open(context.Background(), "missing.pdf")
	if !errors.Is(err, object.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRejectsTraversal(t *testing.T) {
	store := New(t.TempDir())
	if _, err := store.Open(context.Background(), "../outside"); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
}
