// Package resilience provides the retry, circuit breaker, and provider
// failover primitives used around model backends.
//
// Retries cover transient failures only (rate limiting, 5xx-class upstream
// errors); the classification is carried by [llm.TransientError]. The
// [Failover] type composes several [llm.Provider] backends with per-backend
// circuit breakers so a failing primary is bypassed in favour of healthy
// fallbacks.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/pamoka-labs/triksteris/pkg/provider/llm"
)

const (
	// MaxAttempts is the total number of tries per model call, including the
	// first. The provider contract specifies three.
	MaxAttempts = 3

	// InitialBackoff is the sleep before the first retry; it doubles per
	// attempt (1s, 2s).
	InitialBackoff = time.Second
)

// Do runs fn up to [MaxAttempts] times, sleeping with exponential backoff
// between attempts. Only errors that unwrap to [llm.TransientError] re-enter
// the loop; nil and non-transient errors return immediately. Cancellation
// during a backoff sleep returns ctx.Err().
func Do(ctx context.Context, label string, fn func(context.Context) error) error {
	backoff := InitialBackoff
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !llm.IsTransient(err) {
			return err
		}
		if attempt >= MaxAttempts {
			return err
		}
		slog.Warn("transient provider failure, retrying",
			"call", label,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
}
