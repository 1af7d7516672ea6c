package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultPipelineIsValid(t *testing.T) {
	p := DefaultPipeline()
	if err := p.Validate(); err != nil {
		t.Fatalf("default pipeline invalid: %v", err)
	}
	if p.BatchSize != 10 || p.MaxReduceLevel != 5 || p.RefineThreshold != 20 {
		t.Fatalf("unexpected defaults: %+v", p)
	}
}

func TestPipelineValidateOrdering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Pipeline)
	}{
		{name: "chunk above threshold", mutate: func(p *Pipeline) { p.ChunkSize = p.LargeDocumentThreshold + 1 }},
		{name: "threshold above prompt", mutate: func(p *Pipeline) { p.LargeDocumentThreshold = p.MaxPromptChars }},
		{name: "min above chunk", mutate: func(p *Pipeline) { p.MinChunkSize = p.ChunkSize }},
		{name: "tiny batch", mutate: func(p *Pipeline) { p.BatchSize = 1 }},
		{name: "zero levels", mutate: func(p *Pipeline) { p.MaxReduceLevel = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPipeline()
			tt.mutate(&p)
			if err := p.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadPipelineFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	body := []byte("batch_size: 6\nrefine_threshold: 12\nunit_lease_timeout: 10m\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	t.Setenv("PIPELINE_MAX_REDUCE_LEVEL", "3")

	p, err := LoadPipeline(path)
	if err != nil {
		t.Fatalf("LoadPipeline: %v", err)
	}
	if p.BatchSize != 6 {
		t.Fatalf("expected batch size 6, got %d", p.BatchSize)
	}
	if p.RefineThreshold != 12 {
		t.Fatalf("expected refine threshold 12, got %d", p.RefineThreshold)
	}
	if p.UnitLeaseTimeout != 10*time.Minute {
		t.Fatalf("expected lease 10m, got %s", p.UnitLeaseTimeout)
	}
	if p.MaxReduceLevel != 3 {
		t.Fatalf("expected env override 3, got %d", p.MaxReduceLevel)
	}
	if p.ChunkSize != DefaultPipeline().ChunkSize {
		t.Fatalf("expected untouched default chunk size")
	}
}

func TestLoadPipelineRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte("chunk_size: 500000\n"), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	if _, err := LoadPipeline(path); err == nil {
		t.Fatalf("expected ordering violation to be rejected")
	}
}

func TestParseEnvLine(t *testing.T) {
	tests := []struct {
		line   string
		key    string
		val    string
		wantOK bool
	}{
		{line: "FOO=bar", key: "FOO", val: "bar", wantOK: true},
		{line: "export FOO=\"bar baz\"", key: "FOO", val: "bar baz", wantOK: true},
		{line: "# comment", wantOK: false},
		{line: "NOEQUALS", wantOK: false},
		{line: "  ", wantOK: false},
	}
	for _, tt := range tests {
		key, val, ok := parseEnvLine(tt.line)
		if ok != tt.wantOK || key != tt.key || val != tt.val {
			t.Fatalf("parseEnvLine(%q) = %q, %q, %v", tt.line, key, val, ok)
		}
	}
}
