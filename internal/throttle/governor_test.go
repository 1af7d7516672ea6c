package throttle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func TestSpacing(t *testing.T) {
	if got := Spacing(60); got != time.Second {
		t.Fatalf("Spacing(60) = %s", got)
	}
	if got := Spacing(15); got != 4*time.Second {
		t.Fatalf("Spacing(15) = %s", got)
	}
	if got := Spacing(0); got != 0 {
		t.Fatalf("Spacing(0) = %s", got)
	}
}

func TestThrottleSpacesSequentialCalls(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	gov := &Governor{Store: NewMemoryStore(), Now: clock.Now, Sleep: clock.Sleep}
	start := clock.Now()

	for i := 0; i < 3; i++ {
		if err := gov.Throttle(context.Background(), "gemini", 30); err != nil {
			t.Fatalf("Throttle: %v", err)
		}
	}
	if elapsed := clock.Now().Sub(start); elapsed != 4*time.Second {
		t.Fatalf("expected 4s of waiting for 3 calls at 30rpm, got %s", elapsed)
	}
}

func TestThrottleKeysAreIndependent(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	gov := &Governor{Store: NewMemoryStore(), Now: clock.Now, Sleep: clock.Sleep}
	start := clock.Now()

	_ = gov.Throttle(context.Background(), "openai", 1)
	_ = gov.Throttle(context.Background(), "anthropic", 1)
	if clock.Now() != start {
		t.Fatalf("different keys should not wait on each other")
	}
}

func TestMemoryStoreConcurrentReservationsAreDistinct(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	const callers = 20
	slots := make(chan time.Time, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := store.Reserve(context.Background(), "k", now, time.Second)
			if err != nil {
				t.Errorf("Reserve: %v", err)
				return
			}
			slots <- slot
		}()
	}
	wg.Wait()
	close(slots)

	seen := map[time.Time]bool{}
	for s := range slots {
		if seen[s] {
			t.Fatalf("duplicate slot %s", s)
		}
		seen[s] = true
	}
	if len(seen) != callers {
		t.Fatalf("expected %d slots, got %d", callers, len(seen))
	}
}

type failingStore struct{}

func (failingStore) Reserve(context.Context, string, time.Time, time.Duration) (time.Time, error) {
	return time.Time{}, errors.New("db down")
}

func TestThrottleFailsOpenOnStoreError(t *testing.T) {
	slept := false
	gov := &Governor{
		Store: failingStore{},
		Sleep: func(context.Context, time.Duration) error { slept = true; return nil },
	}
	if err := gov.Throttle(context.Background(), "openai", 10); err != nil {
		t.Fatalf("expected fail-open, got %v", err)
	}
	if slept {
		t.Fatalf("expected no wait when store fails")
	}
}

func TestThrottleHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gov := NewGovernor(NewMemoryStore())
	if err := gov.Throttle(ctx, "openai", 10); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestThrottleRejectsEmptyKey(t *testing.T) {
	gov := NewGovernor(NewMemoryStore())
	if err := gov.Throttle(context.Background(), " ", 10); err == nil {
		t.Fatalf("expected error for empty key")
	}
}
