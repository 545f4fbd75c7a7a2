package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("test error")

func TestNew_Defaults(t *testing.T) {
	b := New(Config{Name: "test"})
	if b.maxFailures != 3 {
		t.Errorf("maxFailures = %d, want 3", b.maxFailures)
	}
	if b.coolDown != 15*time.Second {
		t.Errorf("coolDown = %v, want 15s", b.coolDown)
	}
	if b.probeBudget != 2 {
		t.Errorf("probeBudget = %d, want 2", b.probeBudget)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestClosedAllowsCalls(t *testing.T) {
	b := New(Config{Name: "test"})
	called := false
	err := b.Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestClosedToOpen(t *testing.T) {
	b := New(Config{
		Name:        "test",
		MaxFailures: 3,
		CoolDown:    time.Hour, // long cool-down so it stays open
	})
	ctx := context.Background()

	for range 3 {
		_ = b.Do(ctx, func(context.Context) error { return errTest })
	}

	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 failures", b.State())
	}

	err := b.Do(ctx, func(context.Context) error { return nil })
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(Config{Name: "test", MaxFailures: 3})
	ctx := context.Background()

	_ = b.Do(ctx, func(context.Context) error { return errTest })
	_ = b.Do(ctx, func(context.Context) error { return errTest })
	_ = b.Do(ctx, func(context.Context) error { return nil })

	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed (success should reset counter)", b.State())
	}

	_ = b.Do(ctx, func(context.Context) error { return errTest })
	_ = b.Do(ctx, func(context.Context) error { return errTest })
	if b.State() != StateClosed {
		t.Fatal("should still be closed after 2 failures post-reset")
	}
}

func TestOpenToHalfOpenToClosed(t *testing.T) {
	b := New(Config{
		Name:        "test",
		MaxFailures: 2,
		CoolDown:    10 * time.Millisecond,
		ProbeBudget: 2,
	})
	ctx := context.Background()

	_ = b.Do(ctx, func(context.Context) error { return errTest })
	_ = b.Do(ctx, func(context.Context) error { return errTest })
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	time.Sleep(20 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after cool-down", b.State())
	}

	// Two successful probes close the breaker.
	for range 2 {
		if err := b.Do(ctx, func(context.Context) error { return nil }); err != nil {
			t.Fatalf("probe call: %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probes", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{
		Name:        "test",
		MaxFailures: 1,
		CoolDown:    10 * time.Millisecond,
		ProbeBudget: 2,
	})
	ctx := context.Background()

	_ = b.Do(ctx, func(context.Context) error { return errTest })
	time.Sleep(20 * time.Millisecond)

	_ = b.Do(ctx, func(context.Context) error { return errTest })
	if st := b.State(); st != StateOpen && st != StateHalfOpen {
		t.Fatalf("state = %v, want re-opened", st)
	}
	// Fresh cool-down: an immediate call is rejected.
	err := b.Do(ctx, func(context.Context) error { return nil })
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen right after re-open", err)
	}
}

func TestReset(t *testing.T) {
	b := New(Config{Name: "test", MaxFailures: 1, CoolDown: time.Hour})
	ctx := context.Background()

	_ = b.Do(ctx, func(context.Context) error { return errTest })
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after Reset", b.State())
	}
	if err := b.Do(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("call after Reset: %v", err)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	}
	for st, want := range cases {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", st, got, want)
		}
	}
}
