package s3

import "testing"

func TestApplyPrefix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		prefix string
		key    string
		want   string
	}{
		{name: "no prefix", prefix: "", key: "case-9/doc-1.pdf", want: "case-9/doc-1.pdf"},
		{name: "simple prefix", prefix: "docs", key: "case-9/doc-1.pdf", want: "docs/case-9/doc-1.pdf"},
		{name: "prefix trailing slash", prefix: "docs/", key: "case-9/doc-1.pdf", want: "docs/case-9/doc-1.pdf"},
		{name: "prefix and key slashes", prefix: "/docs/", key: "/case-9/doc-1.pdf", want: "docs/case-9/doc-1.pdf"},
		{name: "empty key", prefix: "docs", key: "", want: "docs"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := applyPrefix(tt.prefix, tt.key); got != tt.want {
				t.Fatalf("applyPrefix(%q, %q) = %q, want %q", tt.prefix, tt.key, got, tt.want)
			}
		})
	}
}

func TestNormalizePrefix(t *testing.T) {
	if got := normalizePrefix("  /case-docs/ "); got != "case-docs" {
		t.Fatalf("normalizePrefix = %q", got)
	}
}
