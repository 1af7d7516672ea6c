package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

var (
	runsStartedTotal   atomic.Uint64
	runsCompletedTotal atomic.Uint64
	runsFailedTotal    atomic.Uint64
	runsCancelledTotal atomic.Uint64

	unitsCompletedTotal atomic.Uint64
	unitsFailedTotal    atomic.Uint64

	inferenceCallsTotal      atomic.Uint64
	inferenceErrorsTotal     atomic.Uint64
	rateLimitedRetriesTotal  atomic.Uint64
	transientRetriesTotal    atomic.Uint64
	throttleWaitsTotal       atomic.Uint64
	throttleStoreErrorsTotal atomic.Uint64

	jobsReceivedTotal             atomic.Uint64
	jobsCompletedTotal            atomic.Uint64
	jobsFailedTotal               atomic.Uint64
	jobsDeletedUnrecoverableTotal atomic.Uint64

	runDuration       = newHistogram([]float64{1000, 5000, 30000, 60000, 300000, 900000, 1800000, 3600000, 7200000})
	inferenceDuration = newHistogram([]float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000, 180000})
)

// IncRunStarted increments the started counter.
func IncRunStarted() { runsStartedTotal.Add(1) }

// IncRunCompleted increments the completed counter.
func IncRunCompleted() { runsCompletedTotal.Add(1) }

// IncRunFailed increments the failed counter.
func IncRunFailed() { runsFailedTotal.Add(1) }

// IncRunCancelled increments the cancelled counter.
func IncRunCancelled() { runsCancelledTotal.Add(1) }

func IncUnitCompleted() { unitsCompletedTotal.Add(1) }

func IncUnitFailed() { unitsFailedTotal.Add(1) }

// IncInferenceCall counts one provider request, successful or not.
func IncInferenceCall() { inferenceCallsTotal.Add(1) }

func IncInferenceError() { inferenceErrorsTotal.Add(1) }

func IncRateLimitedRetry() { rateLimitedRetriesTotal.Add(1) }

func IncTransientRetry() { transientRetriesTotal.Add(1) }

// IncThrottleWait counts governor waits that actually slept.
func IncThrottleWait() { throttleWaitsTotal.Add(1) }

func IncThrottleStoreError() { throttleStoreErrorsTotal.Add(1) }

func IncJobsReceived() { jobsReceivedTotal.Add(1) }

func IncJobsCompleted() { jobsCompletedTotal.Add(1) }

func IncJobsFailed() { jobsFailedTotal.Add(1) }

func IncJobsDeletedUnrecoverable() { jobsDeletedUnrecoverableTotal.Add(1) }

// ObserveRunDurationMs records an end-to-end run duration in milliseconds.
func ObserveRunDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	runDuration.Observe(value)
}

// ObserveInferenceDurationMs records one provider call duration in milliseconds.
func ObserveInferenceDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	inferenceDuration.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "runs_started_total", "Total analysis runs started", runsStartedTotal.Load())
	writeCounter(&buf, "runs_completed_total", "Total analysis runs completed", runsCompletedTotal.Load())
	writeCounter(&buf, "runs_failed_total", "Total analysis runs failed", runsFailedTotal.Load())
	writeCounter(&buf, "runs_cancelled_total", "Total analysis runs cancelled", runsCancelledTotal.Load())
	writeCounter(&buf, "units_completed_total", "Total units of work completed", unitsCompletedTotal.Load())
	writeCounter(&buf, "units_failed_total", "Total units of work failed", unitsFailedTotal.Load())
	writeCounter(&buf, "inference_calls_total", "Total inference provider requests", inferenceCallsTotal.Load())
	writeCounter(&buf, "inference_errors_total", "Total inference calls ending in error", inferenceErrorsTotal.Load())
	writeCounter(&buf, "inference_rate_limited_retries_total", "Retries after provider throttling", rateLimitedRetriesTotal.Load())
	writeCounter(&buf, "inference_transient_retries_total", "Retries after transient provider errors", transientRetriesTotal.Load())
	writeCounter(&buf, "throttle_waits_total", "Governor waits enforcing call spacing", throttleWaitsTotal.Load())
	writeCounter(&buf, "throttle_store_errors_total", "Governor store failures (fail-open)", throttleStoreErrorsTotal.Load())
	writeCounter(&buf, "worker_jobs_received_total", "Queue messages received", jobsReceivedTotal.Load())
	writeCounter(&buf, "worker_jobs_completed_total", "Queue messages processed", jobsCompletedTotal.Load())
	writeCounter(&buf, "worker_jobs_failed_total", "Queue messages left for redelivery", jobsFailedTotal.Load())
	writeCounter(&buf, "worker_jobs_deleted_unrecoverable_total", "Poison queue messages deleted", jobsDeletedUnrecoverableTotal.Load())
	writeHistogram(&buf, "run_duration_ms", "Run duration in milliseconds", runDuration.Snapshot())
	writeHistogram(&buf, "inference_duration_ms", "Inference call duration in milliseconds", inferenceDuration.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// Observe adds the value to the first bucket that bounds it; rendering accumulates.
func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
			return
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// SinceMs returns the milliseconds elapsed since start.
func SinceMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
