package pipeline

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"

	"caseanalysis-backend/internal/shared/telemetry"
)

func TestGroupAllowFailures(t *testing.T) {
	restore := telemetry.SetOutput(io.Discard)
	defer restore()

	var finally, success atomic.Int32
	var got Outcome
	g := Group{
		Name:          "test",
		Limit:         2,
		AllowFailures: true,
		OnSuccess: func(_ context.Context, o Outcome) error {
			success.Add(1)
			got = o
			return nil
		},
		OnFailure: func(context.Context, error) { t.Errorf("OnFailure must not run when failures are allowed") },
		Finally:   func(context.Context, Outcome) { finally.Add(1) },
	}
	tasks := []Task{
		func(context.Context) error { return nil },
		func(context.Context) error { return errors.New("boom") },
		func(context.Context) error { panic("kaboom") },
		func(context.Context) error { return nil },
	}
	if err := g.Run(context.Background(), tasks); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if success.Load() != 1 || finally.Load() != 1 {
		t.Fatalf("callbacks: success=%d finally=%d", success.Load(), finally.Load())
	}
	if got.Succeeded != 2 || got.Failed != 2 {
		t.Fatalf("unexpected outcome: %+v", got)
	}
}

func TestGroupFirstFailure(t *testing.T) {
	restore := telemetry.SetOutput(io.Discard)
	defer restore()

	boom := errors.New("boom")
	var failure error
	var finally atomic.Int32
	g := Group{
		Limit:     1,
		OnSuccess: func(context.Context, Outcome) error { t.Errorf("OnSuccess must not run"); return nil },
		OnFailure: func(_ context.Context, err error) { failure = err },
		Finally:   func(context.Context, Outcome) { finally.Add(1) },
	}
	tasks := []Task{
		func(context.Context) error { return boom },
		func(ctx context.Context) error {
			return ctx.Err()
		},
	}
	err := g.Run(context.Background(), tasks)
	if !errors.Is(err, boom) || !errors.Is(failure, boom) {
		t.Fatalf("expected boom, got err=%v failure=%v", err, failure)
	}
	if finally.Load() != 1 {
		t.Fatalf("Finally must always run")
	}
}

func TestGroupOnSuccessError(t *testing.T) {
	want := errors.New("chain failed")
	g := Group{OnSuccess: func(context.Context, Outcome) error { return want }}
	if err := g.Run(context.Background(), nil); !errors.Is(err, want) {
		t.Fatalf("expected OnSuccess error, got %v", err)
	}
}
