// Package engine orchestrates the Trickster dialogue: it is the only code
// path allowed to mutate a session's exchange list, phase flags, redaction
// reason, or prompt snapshot.
//
// Both public operations return a [Result] whose token channel the caller
// must drain; the post-completion slots are populated after the channel
// closes. A single session must not serve two concurrent calls — that
// serialisation belongs to the transport layer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pamoka-labs/triksteris/internal/assembler"
	"github.com/pamoka-labs/triksteris/internal/cartridge"
	"github.com/pamoka-labs/triksteris/internal/observe"
	"github.com/pamoka-labs/triksteris/internal/safety"
	"github.com/pamoka-labs/triksteris/internal/session"
	"github.com/pamoka-labs/triksteris/pkg/provider/llm"
)

// Precondition violations, surfaced synchronously before any streaming.
var (
	// ErrStaticTask means the cartridge has no ai_config.
	ErrStaticTask = errors.New("engine: task is static, AI operations forbidden")

	// ErrNotAIPhase means the phase is not an AI freeform phase.
	ErrNotAIPhase = errors.New("engine: phase is not an AI freeform phase")

	// ErrMissingTransitions means the phase lacks a complete ai_transitions map.
	ErrMissingTransitions = errors.New("engine: phase has no complete ai_transitions map")

	// ErrUnknownTier means the cartridge's tier has no entry in the tier
	// table. This is a configuration bug, not a runtime condition.
	ErrUnknownTier = errors.New("engine: model tier not present in tier table")
)

// minReplyChars is the length below which a signal-less reply counts as
// malformed and earns one retry.
const minReplyChars = 10

// TierTable resolves capability tiers to concrete model configs. Read-only
// after process init.
type TierTable map[llm.Tier]llm.ModelConfig

// Resolve returns the config for a tier, or [ErrUnknownTier].
func (t TierTable) Resolve(tier llm.Tier) (llm.ModelConfig, error) {
	cfg, ok := t[tier]
	if !ok {
		return llm.ModelConfig{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	return cfg, nil
}

// Engine drives Trickster replies and debriefs.
type Engine struct {
	provider llm.Provider
	asm      *assembler.Assembler
	tiers    TierTable
	metrics  *observe.Metrics
}

// Option is a functional option for [New].
type Option func(*Engine)

// WithMetrics attaches call metrics. Without it the engine only logs.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New constructs an engine over a provider, an assembler, and the process
// tier table.
func New(provider llm.Provider, asm *assembler.Assembler, tiers TierTable, opts ...Option) *Engine {
	e := &Engine{provider: provider, asm: asm, tiers: tiers}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Respond produces one streamed Trickster reply to a student turn.
//
// The student exchange is appended before any streaming, so it survives AI
// failure. The trickster exchange is appended only on a safe or redacted
// completion. Cancellation mid-stream leaves the student exchange present and
// nothing else mutated.
func (e *Engine) Respond(ctx context.Context, sess *session.GameSession, cart *cartridge.TaskCartridge, phase *cartridge.Phase, studentInput string) (*Result, error) {
	if cart.AIConfig == nil {
		return nil, ErrStaticTask
	}
	ff := phase.Freeform()
	if !phase.IsAIPhase || ff == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotAIPhase, phase.ID)
	}
	if !phase.AITransitions.Complete() {
		return nil, fmt.Errorf("%w: %q", ErrMissingTransitions, phase.ID)
	}
	modelCfg, err := e.tiers.Resolve(cart.AIConfig.ModelTier)
	if err != nil {
		return nil, err
	}

	if err := e.asm.Snapshot(sess, modelCfg.Provider, cart.TaskID); err != nil {
		return nil, err
	}

	sess.AppendExchange(session.RoleStudent, studentInput)

	if in := safety.ValidateInput(studentInput, cart.TaskID); in.IsSuspicious {
		for _, p := range in.PatternsDetected {
			e.metrics.CountInjectionWarning(ctx, p.Category)
		}
	}

	asmCtx, err := e.asm.AssembleDialogue(sess, cart, phase, modelCfg.Provider)
	if err != nil {
		return nil, err
	}
	exchangeCount := sess.StudentExchangeCount()

	result := newResult()
	go e.runDialogue(ctx, sess, cart, phase, asmCtx, modelCfg, exchangeCount, result)
	return result, nil
}

// Debrief produces the streamed post-task reveal. No phase, no transitions,
// no input validation; output safety runs with the pedagogical exemption.
func (e *Engine) Debrief(ctx context.Context, sess *session.GameSession, cart *cartridge.TaskCartridge) (*Result, error) {
	if cart.AIConfig == nil {
		return nil, ErrStaticTask
	}
	modelCfg, err := e.tiers.Resolve(cart.AIConfig.ModelTier)
	if err != nil {
		return nil, err
	}

	if err := e.asm.Snapshot(sess, modelCfg.Provider, cart.TaskID); err != nil {
		return nil, err
	}

	asmCtx, err := e.asm.AssembleDebrief(sess, cart, modelCfg.Provider)
	if err != nil {
		return nil, err
	}

	result := newResult()
	go e.runDebrief(ctx, sess, cart, asmCtx, modelCfg, result)
	return result, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Streaming body
// ─────────────────────────────────────────────────────────────────────────────

// runDialogue drives the provider stream for a respond call: accumulate
// text, capture the transition signal, retry a malformed reply once, run
// output safety, then mutate the session and fill exactly one result slot.
func (e *Engine) runDialogue(ctx context.Context, sess *session.GameSession, cart *cartridge.TaskCartridge, phase *cartridge.Phase, asmCtx assembler.Context, modelCfg llm.ModelConfig, exchangeCount int, r *Result) {
	defer close(r.tokens)
	start := time.Now()

	text, signal, err := e.streamWithRetry(ctx, asmCtx, modelCfg, r)
	e.metrics.ObserveAICall(ctx, modelCfg.Provider, "respond", time.Since(start), err)
	if err != nil {
		r.fail(err)
		return
	}

	if utf8.RuneCountInString(text) < minReplyChars && signal == "" {
		slog.Warn("malformed reply after retry",
			"task_id", cart.TaskID, "chars", len(text))
		e.metrics.CountMalformed(ctx)
		r.setDone(&DoneData{FullText: text, Error: "malformed_response", ExchangesCount: exchangeCount})
		return
	}

	if out := safety.CheckOutput(text, cart.Safety, false); !out.IsSafe {
		slog.Info("trickster reply redacted",
			"task_id", cart.TaskID, "boundary", out.Violation.Boundary)
		e.metrics.CountRedaction(ctx, out.Violation.Boundary)
		sess.AppendExchange(session.RoleTrickster, out.Violation.FallbackText)
		sess.LastRedactionReason = out.Violation.Boundary
		r.setRedaction(&RedactionData{
			FallbackText: out.Violation.FallbackText,
			Boundary:     out.Violation.Boundary,
		})
		return
	}

	sess.AppendExchange(session.RoleTrickster, text)

	transition, nextPhase := resolveTransition(signal, exchangeCount, phase)
	if transition != "" {
		e.metrics.CountTransition(ctx, transition)
	}
	r.setDone(&DoneData{
		FullText:        text,
		PhaseTransition: transition,
		NextPhase:       nextPhase,
		ExchangesCount:  exchangeCount,
	})
}

// runDebrief mirrors runDialogue without transitions or exchange gates.
func (e *Engine) runDebrief(ctx context.Context, sess *session.GameSession, cart *cartridge.TaskCartridge, asmCtx assembler.Context, modelCfg llm.ModelConfig, r *Result) {
	defer close(r.tokens)
	start := time.Now()

	text, _, err := e.streamWithRetry(ctx, asmCtx, modelCfg, r)
	e.metrics.ObserveAICall(ctx, modelCfg.Provider, "debrief", time.Since(start), err)
	if err != nil {
		r.fail(err)
		return
	}

	if utf8.RuneCountInString(text) < minReplyChars {
		slog.Warn("malformed debrief after retry", "task_id", cart.TaskID, "chars", len(text))
		e.metrics.CountMalformed(ctx)
		r.setDone(&DoneData{FullText: text, Error: "malformed_response"})
		return
	}

	if out := safety.CheckOutput(text, cart.Safety, true); !out.IsSafe {
		slog.Info("debrief redacted", "task_id", cart.TaskID, "boundary", out.Violation.Boundary)
		e.metrics.CountRedaction(ctx, out.Violation.Boundary)
		sess.AppendExchange(session.RoleTrickster, out.Violation.FallbackText)
		sess.LastRedactionReason = out.Violation.Boundary
		r.setRedaction(&RedactionData{
			FallbackText: out.Violation.FallbackText,
			Boundary:     out.Violation.Boundary,
		})
		return
	}

	sess.AppendExchange(session.RoleTrickster, text)
	r.setDone(&DoneData{FullText: text, DebriefComplete: true})
}

// streamWithRetry runs one provider stream and, when the reply is malformed
// (shorter than [minReplyChars] with no signal), one identical retry. Retry
// text appends to the first attempt's accumulator; duplicate prefixes are an
// accepted tradeoff.
func (e *Engine) streamWithRetry(ctx context.Context, asmCtx assembler.Context, modelCfg llm.ModelConfig, r *Result) (string, string, error) {
	var acc strings.Builder
	var signal string

	if err := e.streamOnce(ctx, asmCtx, modelCfg, r, &acc, &signal); err != nil {
		return "", "", err
	}
	if utf8.RuneCountInString(acc.String()) < minReplyChars && signal == "" {
		slog.Info("reply too short, retrying once", "chars", acc.Len())
		if err := e.streamOnce(ctx, asmCtx, modelCfg, r, &acc, &signal); err != nil {
			return "", "", err
		}
	}
	return acc.String(), signal, nil
}

// streamOnce drives a single provider stream, fanning text to the consumer
// and capturing the first valid transition signal.
func (e *Engine) streamOnce(ctx context.Context, asmCtx assembler.Context, modelCfg llm.ModelConfig, r *Result, acc *strings.Builder, signal *string) error {
	stream, err := e.provider.Stream(ctx, llm.Request{
		SystemPrompt: asmCtx.SystemPrompt,
		Messages:     asmCtx.Messages,
		Config:       modelCfg,
		Tools:        asmCtx.Tools,
	})
	if err != nil {
		return err
	}

	for ev := range stream.Events() {
		if ev.ToolCall != nil {
			e.handleToolCall(ev.ToolCall, signal)
			continue
		}
		if ev.Text == "" {
			continue
		}
		acc.WriteString(ev.Text)
		select {
		case r.tokens <- ev.Text:
		case <-ctx.Done():
			// The provider observes the same ctx and will close its stream.
			for range stream.Events() {
			}
			return ctx.Err()
		}
	}

	r.setUsage(stream.Usage())
	if u := stream.Usage(); u != nil {
		e.metrics.AddUsage(ctx, modelCfg.Provider, *u)
	}
	return stream.Err()
}

// handleToolCall captures the transition signal; anything unrecognised is
// logged and ignored.
func (e *Engine) handleToolCall(call *llm.ToolCall, signal *string) {
	if call.Name != assembler.TransitionToolName {
		slog.Warn("ignoring unexpected tool call", "tool", call.Name)
		return
	}
	raw, _ := call.Arguments["signal"].(string)
	switch raw {
	case assembler.SignalUnderstood, assembler.SignalPartial, assembler.SignalMaxReached:
		if *signal == "" {
			*signal = raw
		}
	default:
		slog.Warn("ignoring unrecognised transition signal", "signal", raw)
	}
}

// resolveTransition applies the signal → transition map, with the
// max-exchanges ceiling as the signal-less fallback.
func resolveTransition(signal string, exchangeCount int, phase *cartridge.Phase) (string, string) {
	t := phase.AITransitions
	switch signal {
	case assembler.SignalUnderstood:
		return "on_success", t.OnSuccess
	case assembler.SignalPartial:
		return "on_partial", t.OnPartial
	case assembler.SignalMaxReached:
		return "on_max_exchanges", t.OnMaxExchanges
	}
	if ff := phase.Freeform(); ff != nil && exchangeCount >= ff.MaxExchanges {
		return "on_max_exchanges", t.OnMaxExchanges
	}
	return "", ""
}
