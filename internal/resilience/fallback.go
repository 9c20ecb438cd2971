package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pamoka-labs/triksteris/pkg/provider/llm"
)

// ErrAllBackendsFailed is returned when every backend in a [Failover] either
// failed or had an open circuit breaker.
var ErrAllBackendsFailed = errors.New("resilience: all provider backends failed")

// Backend is one entry in a [Failover] chain.
type Backend struct {
	// Name labels the backend in logs and breaker state ("gemini", "claude").
	Name string

	// Provider is the underlying adapter.
	Provider llm.Provider
}

// Failover implements [llm.Provider] over an ordered chain of backends. Each
// call tries the backends in order, skipping any whose circuit breaker is
// open; the first backend to start successfully serves the call. Failures
// feed the per-backend breaker so a persistently broken primary stops being
// tried at all.
type Failover struct {
	backends []Backend
	breakers []*CircuitBreaker
}

var _ llm.Provider = (*Failover)(nil)

// NewFailover builds a failover chain. At least one backend is required.
func NewFailover(backends ...Backend) (*Failover, error) {
	if len(backends) == 0 {
		return nil, errors.New("resilience: failover requires at least one backend")
	}
	f := &Failover{backends: backends}
	for _, b := range backends {
		f.breakers = append(f.breakers, NewCircuitBreaker(BreakerConfig{Name: b.Name}))
	}
	return f, nil
}

// Stream implements [llm.Provider]. A backend that returns a start error is
// counted against its breaker and the next backend is tried; once a stream
// has started, mid-stream errors belong to that stream and do not trigger
// failover.
func (f *Failover) Stream(ctx context.Context, req llm.Request) (*llm.Stream, error) {
	var lastErr error
	for i, b := range f.backends {
		var stream *llm.Stream
		err := f.breakers[i].Execute(func() error {
			var serr error
			stream, serr = b.Provider.Stream(ctx, req)
			return serr
		})
		if err == nil {
			return stream, nil
		}
		if !errors.Is(err, ErrCircuitOpen) {
			slog.Warn("provider backend failed, trying next",
				"backend", b.Name, "error", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %w", ErrAllBackendsFailed, lastErr)
}

// Complete implements [llm.Provider] with the same failover order as Stream.
func (f *Failover) Complete(ctx context.Context, req llm.Request) (string, *llm.Usage, error) {
	var (
		text    string
		usage   *llm.Usage
		lastErr error
	)
	for i, b := range f.backends {
		err := f.breakers[i].Execute(func() error {
			var cerr error
			text, usage, cerr = b.Provider.Complete(ctx, req)
			return cerr
		})
		if err == nil {
			return text, usage, nil
		}
		if !errors.Is(err, ErrCircuitOpen) {
			slog.Warn("provider backend failed, trying next",
				"backend", b.Name, "error", err)
		}
		lastErr = err
	}
	return "", nil, fmt.Errorf("%w: %w", ErrAllBackendsFailed, lastErr)
}

// BackendStates reports breaker state per backend, keyed by backend name.
// Used by the health endpoint.
func (f *Failover) BackendStates() map[string]BreakerState {
	states := make(map[string]BreakerState, len(f.backends))
	for i, b := range f.backends {
		states[b.Name] = f.breakers[i].State()
	}
	return states
}
