package metrics

import (
	"bytes"
	"strings"
	"testing"
)

func TestHistogramBucketsAreCumulative(t *testing.T) {
	h := newHistogram([]float64{10, 100})
	h.Observe(5)
	h.Observe(50)
	h.Observe(500)

	snap := h.Snapshot()
	if snap.count != 3 {
		t.Fatalf("expected 3 observations, got %d", snap.count)
	}
	if snap.counts[0] != 1 || snap.counts[1] != 1 {
		t.Fatalf("unexpected per-bucket counts %v", snap.counts)
	}

	var buf bytes.Buffer
	writeHistogram(&buf, "h", "test histogram", snap)
	for _, want := range []string{
		`h_bucket{le="10"} 1`,
		`h_bucket{le="100"} 2`,
		`h_bucket{le="+Inf"} 3`,
		`h_sum 555`,
	} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("expected %q in:\n%s", want, buf.String())
		}
	}
}

func TestRenderIncludesPipelineCounters(t *testing.T) {
	IncRunStarted()
	IncRateLimitedRetry()
	out := Render()
	for _, name := range []string{"runs_started_total", "inference_rate_limited_retries_total", "run_duration_ms_count"} {
		if !strings.Contains(out, name) {
			t.Fatalf("expected %s in metrics output", name)
		}
	}
}
