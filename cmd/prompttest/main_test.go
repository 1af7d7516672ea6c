package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDescribeFilesUsesCommonRoot(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		filepath.Join(dir, "a", "complaint.pdf"),
		filepath.Join(dir, "b", "c", "motion.docx"),
	}
	for _, p := range paths {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	root, docs, err := describeFiles(paths)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	wantRoot, _ := filepath.Abs(dir)
	if root != wantRoot {
		t.Fatalf("root = %s, want %s", root, wantRoot)
	}
	if len(docs) != 2 || docs[0].SourceLocator != "a/complaint.pdf" || docs[1].SourceLocator != "b/c/motion.docx" {
		t.Fatalf("unexpected descriptors: %+v", docs)
	}
	if docs[0].ID == docs[1].ID {
		t.Fatalf("expected distinct ids")
	}
}

func TestDescribeFilesRejectsMissing(t *testing.T) {
	if _, _, err := describeFiles([]string{filepath.Join(t.TempDir(), "missing.pdf")}); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
