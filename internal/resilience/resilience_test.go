package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pamoka-labs/triksteris/pkg/provider/llm"
	"github.com/pamoka-labs/triksteris/pkg/provider/llm/mock"
)

func TestDoNonTransientReturnsImmediately(t *testing.T) {
	calls := 0
	wantErr := errors.New("bad credentials")
	err := Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Do() error = %v, want %v", err, wantErr)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (non-transient must not retry)", calls)
	}
}

func TestDoRetriesTransient(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps for backoff")
	}
	calls := 0
	err := Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return llm.Transient(errors.New("429 rate limited"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v, want nil", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps for backoff")
	}
	calls := 0
	wantErr := llm.Transient(errors.New("upstream 503"))
	err := Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return wantErr
	})
	if !llm.IsTransient(err) {
		t.Fatalf("Do() error = %v, want the final transient error", err)
	}
	if calls != MaxAttempts {
		t.Errorf("calls = %d, want %d", calls, MaxAttempts)
	}
}

func TestDoHonoursCancellationDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, "test", func(ctx context.Context) error {
		calls++
		return llm.Transient(errors.New("connection reset"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (cancel lands in first backoff)", calls)
	}
}

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "test", MaxFailures: 3, ResetTimeout: time.Hour})
	fail := errors.New("boom")

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return fail }); !errors.Is(err, fail) {
			t.Fatalf("attempt %d: error = %v, want %v", i, err, fail)
		}
	}
	if got := cb.State(); got != BreakerOpen {
		t.Fatalf("State() = %v, want open", got)
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute() while open = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "test", MaxFailures: 1, ResetTimeout: 20 * time.Millisecond})
	cb.Execute(func() error { return errors.New("boom") })
	if got := cb.State(); got != BreakerOpen {
		t.Fatalf("State() = %v, want open", got)
	}

	time.Sleep(30 * time.Millisecond)
	if got := cb.State(); got != BreakerHalfOpen {
		t.Fatalf("State() after timeout = %v, want half-open", got)
	}

	// Successful probe closes the breaker again.
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe Execute() = %v, want nil", err)
	}
	if got := cb.State(); got != BreakerClosed {
		t.Errorf("State() after probe = %v, want closed", got)
	}
}

func TestCircuitBreakerProbeFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "test", MaxFailures: 1, ResetTimeout: 20 * time.Millisecond})
	cb.Execute(func() error { return errors.New("boom") })
	time.Sleep(30 * time.Millisecond)

	if err := cb.Execute(func() error { return errors.New("still down") }); err == nil {
		t.Fatal("probe Execute() = nil, want error")
	}
	if got := cb.State(); got != BreakerOpen {
		t.Errorf("State() after failed probe = %v, want open", got)
	}
}

func TestFailoverUsesFallbackWhenPrimaryFails(t *testing.T) {
	primary := &mock.Provider{StartErr: errors.New("primary down")}
	secondary := &mock.Provider{Responses: []mock.Response{{Text: []string{"sveiki"}}}}

	f, err := NewFailover(
		Backend{Name: "primary", Provider: primary},
		Backend{Name: "secondary", Provider: secondary},
	)
	if err != nil {
		t.Fatalf("NewFailover() error = %v", err)
	}

	stream, err := f.Stream(context.Background(), llm.Request{SystemPrompt: "x"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	var text string
	for ev := range stream.Events() {
		text += ev.Text
	}
	if text != "sveiki" {
		t.Errorf("streamed text = %q, want %q", text, "sveiki")
	}
	if len(primary.Calls) != 1 || len(secondary.Calls) != 1 {
		t.Errorf("calls primary=%d secondary=%d, want 1 and 1",
			len(primary.Calls), len(secondary.Calls))
	}
}

func TestFailoverAllBackendsFailed(t *testing.T) {
	f, err := NewFailover(Backend{Name: "only", Provider: &mock.Provider{StartErr: errors.New("down")}})
	if err != nil {
		t.Fatalf("NewFailover() error = %v", err)
	}
	if _, err := f.Stream(context.Background(), llm.Request{}); !errors.Is(err, ErrAllBackendsFailed) {
		t.Errorf("Stream() error = %v, want ErrAllBackendsFailed", err)
	}
}

func TestFailoverSkipsOpenBreaker(t *testing.T) {
	primary := &mock.Provider{StartErr: errors.New("primary down")}
	secondary := &mock.Provider{Responses: []mock.Response{{Text: []string{"ok"}}}}
	f, err := NewFailover(
		Backend{Name: "primary", Provider: primary},
		Backend{Name: "secondary", Provider: secondary},
	)
	if err != nil {
		t.Fatalf("NewFailover() error = %v", err)
	}

	// Trip the primary's breaker (default MaxFailures = 5).
	for i := 0; i < 5; i++ {
		if _, _, err := f.Complete(context.Background(), llm.Request{}); err != nil {
			t.Fatalf("Complete() %d error = %v", i, err)
		}
	}
	if got := f.BackendStates()["primary"]; got != BreakerOpen {
		t.Fatalf("primary breaker = %v, want open", got)
	}

	before := len(primary.Calls)
	if _, _, err := f.Complete(context.Background(), llm.Request{}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if len(primary.Calls) != before {
		t.Errorf("primary called while breaker open: %d calls, want %d",
			len(primary.Calls), before)
	}
}
