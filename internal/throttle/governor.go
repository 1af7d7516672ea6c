// Package throttle spaces outbound inference calls per provider key so that
// every worker process shares one requests-per-minute budget.
package throttle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"caseanalysis-backend/internal/shared/metrics"
	"caseanalysis-backend/internal/shared/telemetry"
)

// TimestampStore persists the last reserved call time per provider key.
//
// Reserve atomically computes slot = max(last+spacing, now), stores it as the
// new last call time and returns it. Two concurrent callers never receive the
// same slot when spacing is positive.
type TimestampStore interface {
	Reserve(ctx context.Context, key string, now time.Time, spacing time.Duration) (time.Time, error)
}

// Governor blocks callers until their reserved slot arrives.
type Governor struct {
	Store TimestampStore
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewGovernor returns a governor backed by the given store.
func NewGovernor(store TimestampStore) *Governor {
	return &Governor{Store: store}
}

// Spacing returns the minimum interval between calls for a per-minute budget.
func Spacing(requestsPerMinute int) time.Duration {
	if requestsPerMinute <= 0 {
		return 0
	}
	return time.Minute / time.Duration(requestsPerMinute)
}

// Throttle waits until the next slot for key is due. Store failures are
// logged and the call proceeds immediately.
func (g *Governor) Throttle(ctx context.Context, key string, requestsPerMinute int) error {
	if g == nil || g.Store == nil {
		return nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("throttle key is required")
	}
	spacing := Spacing(requestsPerMinute)
	if spacing <= 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := g.now()
	slot, err := g.Store.Reserve(ctx, key, now, spacing)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.IncThrottleStoreError()
		telemetry.Warn("throttle.store_error", map[string]any{
			"provider_key": key,
			"error":        err,
		})
		return nil
	}

	wait := slot.Sub(now)
	if wait <= 0 {
		return nil
	}
	metrics.IncThrottleWait()
	return g.sleep(ctx, wait)
}

func (g *Governor) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now().UTC()
}

func (g *Governor) sleep(ctx context.Context, d time.Duration) error {
	if g.Sleep != nil {
		return g.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
