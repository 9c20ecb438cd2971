package engine

import (
	"sync"

	"github.com/pamoka-labs/triksteris/pkg/provider/llm"
)

// DoneData is the post-completion metadata of a successful reply. Exactly one
// of DoneData or [RedactionData] is set when the token stream ends normally.
type DoneData struct {
	// FullText is the concatenation of every yielded token.
	FullText string

	// PhaseTransition names the fired transition ("on_success", "on_partial",
	// "on_max_exchanges") or is empty when the phase does not change. Dialogue
	// only.
	PhaseTransition string

	// NextPhase is the target phase id when PhaseTransition is set.
	NextPhase string

	// ExchangesCount is the student-turn count at reply time. Dialogue only.
	ExchangesCount int

	// DebriefComplete marks a finished debrief reveal.
	DebriefComplete bool

	// Error is "malformed_response" when both attempts produced no usable
	// reply; empty otherwise.
	Error string
}

// RedactionData is the post-completion metadata of a redacted reply.
type RedactionData struct {
	// FallbackText is the fixed localised apology stored in place of the
	// unsafe reply.
	FallbackText string

	// Boundary is the violated content boundary category.
	Boundary string
}

// Result is the streaming outcome of one respond or debrief call.
//
// The consumer drains [Result.Tokens] to exhaustion; only then are
// [Result.Done], [Result.Redaction], [Result.Usage], and [Result.Err]
// meaningful. Exactly one of Done/Redaction is non-nil after a normal
// termination; both are nil when the stream failed ([Result.Err] non-nil) or
// was cancelled.
type Result struct {
	tokens chan string

	mu        sync.Mutex
	done      *DoneData
	redaction *RedactionData
	usage     *llm.Usage
	err       error
}

// resultBuffer bounds how far the engine can run ahead of a slow consumer.
const resultBuffer = 32

func newResult() *Result {
	return &Result{tokens: make(chan string, resultBuffer)}
}

// Tokens returns the text token channel. Closed by the engine when the call
// finishes, fails, or is cancelled.
func (r *Result) Tokens() <-chan string { return r.tokens }

// Done returns the completion metadata, nil if the call was redacted, failed,
// or was cancelled.
func (r *Result) Done() *DoneData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Redaction returns the redaction metadata, nil unless the reply was
// redacted.
func (r *Result) Redaction() *RedactionData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.redaction
}

// Usage returns token accounting for the call, nil when the backend did not
// report any.
func (r *Result) Usage() *llm.Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usage
}

// Err returns the terminal stream error, nil on normal termination.
func (r *Result) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Result) setDone(d *DoneData) {
	r.mu.Lock()
	r.done = d
	r.mu.Unlock()
}

func (r *Result) setRedaction(rd *RedactionData) {
	r.mu.Lock()
	r.redaction = rd
	r.mu.Unlock()
}

func (r *Result) setUsage(u *llm.Usage) {
	if u == nil {
		return
	}
	r.mu.Lock()
	r.usage = u
	r.mu.Unlock()
}

func (r *Result) fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}
