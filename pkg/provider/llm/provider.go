// Package llm defines the Provider contract for chat-model backends.
//
// A provider wraps a remote model API (Google Gemini, Anthropic Claude, or an
// OpenAI-compatible endpoint) and exposes a uniform streaming interface so the
// dialogue engine never couples to a vendor SDK. Implementations must be safe
// for concurrent use; per-call state (usage, terminal error) lives on the
// [Stream] handle returned by each call, never on the provider instance.
//
// Streams must be closed by the implementation when generation finishes or
// when the supplied context is cancelled. Callers must drain [Stream.Events]
// to avoid goroutine leaks.
package llm

import (
	"context"
	"errors"
	"sync"
)

// Provider is the abstraction over any chat-model backend.
type Provider interface {
	// Stream sends req to the model and returns a handle whose Events channel
	// emits [StreamEvent] values as they arrive. The channel is closed by the
	// implementation when generation finishes or ctx is cancelled; after it
	// closes, [Stream.Err] reports the terminal error (nil on success) and
	// [Stream.Usage] reports token accounting when the backend supplied it.
	//
	// The initial error return is non-nil only for failures that prevent the
	// stream from starting (bad credentials, malformed request).
	Stream(ctx context.Context, req Request) (*Stream, error)

	// Complete sends req to the model and waits for the full response. The
	// returned text is the concatenation of the text events Stream would have
	// yielded, in the same order. Usage may be nil when the backend does not
	// report it.
	Complete(ctx context.Context, req Request) (string, *Usage, error)
}

// Request carries everything a provider needs for one model call.
type Request struct {
	// SystemPrompt is the fully assembled system prompt. Never empty for
	// engine-issued calls.
	SystemPrompt string

	// Messages is the chronological conversation history. Roles are restricted
	// to RoleUser and RoleAssistant; adapters translate RoleAssistant to
	// whatever the vendor expects (e.g. "model" for Gemini).
	Messages []Message

	// Config selects the concrete model and its reasoning budget. Providers
	// that accept no reasoning budget ignore ThinkingBudget.
	Config ModelConfig

	// Tools is the optional tool schema offered to the model. Nil means no
	// tool calling on this request.
	Tools []ToolDefinition
}

// ─────────────────────────────────────────────────────────────────────────────
// Stream handle
// ─────────────────────────────────────────────────────────────────────────────

// Stream is the per-call handle for a streaming completion. It owns the event
// channel plus the usage and terminal-error slots that become readable once
// the channel is closed. A Stream is produced by an adapter via [NewStream]
// and fed from the adapter's decode goroutine.
type Stream struct {
	events chan StreamEvent

	mu    sync.Mutex
	usage *Usage
	err   error
}

// defaultStreamBuffer is the event channel depth shared by all adapters.
// Deep enough to absorb decode bursts without blocking the vendor read loop
// while the consumer is momentarily busy.
const defaultStreamBuffer = 32

// NewStream creates an empty stream handle. Intended for provider
// implementations; engine code only consumes streams.
func NewStream() *Stream {
	return &Stream{events: make(chan StreamEvent, defaultStreamBuffer)}
}

// Events returns the read-only event channel. The same channel is returned on
// every call; it is closed exactly once by the producing adapter.
func (s *Stream) Events() <-chan StreamEvent { return s.events }

// Emit sends ev to the consumer, honouring ctx cancellation while the
// consumer is slow. Returns ctx.Err() when the send is abandoned.
func (s *Stream) Emit(ctx context.Context, ev StreamEvent) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close records the terminal error (nil on clean completion) and closes the
// event channel. Must be called exactly once by the producing adapter.
func (s *Stream) Close(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.events)
}

// SetUsage records token accounting for this call. Adapters call it when the
// backend reports usage, typically alongside the final vendor event.
func (s *Stream) SetUsage(u Usage) {
	s.mu.Lock()
	s.usage = &u
	s.mu.Unlock()
}

// Usage returns the token accounting for this call, or nil when the backend
// did not report any. Only meaningful after the Events channel has closed.
func (s *Stream) Usage() *Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usage == nil {
		return nil
	}
	u := *s.usage
	return &u
}

// Err returns the terminal stream error, or nil if the stream completed
// cleanly. Only meaningful after the Events channel has closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ─────────────────────────────────────────────────────────────────────────────
// Error classification
// ─────────────────────────────────────────────────────────────────────────────

// TransientError marks a provider failure as retryable (rate limiting,
// 5xx-class upstream errors, connection resets). The retry helper in
// internal/resilience re-enters its loop only for errors that unwrap to a
// TransientError; everything else (auth, bad request, permission) propagates
// immediately.
type TransientError struct {
	Err error
}

// Error implements the error interface.
func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

// Unwrap exposes the underlying vendor error.
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Returns nil when err is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
