// Package assembler composes the full AI call payload for a dialogue or
// debrief turn: the multi-layer system prompt, the provider-neutral message
// history, and the optional phase-transition tool.
//
// Prompt layers are snapshotted into the session on its first AI call and
// read back from the snapshot ever after, so a running task attempt never
// sees content hot-reloads mid-flight.
package assembler

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/pamoka-labs/triksteris/internal/cartridge"
	"github.com/pamoka-labs/triksteris/internal/promptstore"
	"github.com/pamoka-labs/triksteris/internal/session"
	"github.com/pamoka-labs/triksteris/pkg/provider/llm"
)

// TransitionToolName is the tool the model calls to signal phase progression.
const TransitionToolName = "transition_phase"

// Transition signal values.
const (
	SignalUnderstood = "understood"
	SignalPartial    = "partial"
	SignalMaxReached = "max_reached"
)

// Defaults for the token budget heuristic.
const (
	// DefaultTokenBudget is deliberately generous but well below any real
	// context window.
	DefaultTokenBudget = 12000

	// DefaultCharsPerToken approximates Lithuanian text; the ratio is
	// configurable for languages where it differs.
	DefaultCharsPerToken = 3.0
)

// Context is the assembled AI call payload, passed by value to the provider.
type Context struct {
	// SystemPrompt is the joined prompt layers.
	SystemPrompt string

	// Messages is the chronological history in provider-neutral form.
	Messages []llm.Message

	// Tools is non-nil only when the transition tool is offered.
	Tools []llm.ToolDefinition
}

// Assembler builds dialogue and debrief contexts. Safe for concurrent use
// across sessions; per-session serialisation is the caller's job.
type Assembler struct {
	store         *promptstore.Store
	tokenBudget   int
	charsPerToken float64
}

// Option is a functional option for [New].
type Option func(*Assembler)

// WithTokenBudget overrides the default token budget.
func WithTokenBudget(budget int) Option {
	return func(a *Assembler) {
		if budget > 0 {
			a.tokenBudget = budget
		}
	}
}

// WithCharsPerToken overrides the chars-per-token estimate.
func WithCharsPerToken(ratio float64) Option {
	return func(a *Assembler) {
		if ratio > 0 {
			a.charsPerToken = ratio
		}
	}
}

// New constructs an assembler over the given prompt store.
func New(store *promptstore.Store, opts ...Option) *Assembler {
	a := &Assembler{
		store:         store,
		tokenBudget:   DefaultTokenBudget,
		charsPerToken: DefaultCharsPerToken,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Snapshot captures the session's prompt layers on its first AI call. A no-op
// when the session already carries a snapshot.
func (a *Assembler) Snapshot(sess *session.GameSession, provider, taskID string) error {
	if sess.PromptSnapshots != nil {
		return nil
	}
	p, err := a.store.Load(provider, taskID)
	if err != nil {
		return fmt.Errorf("assembler: snapshot prompts: %w", err)
	}
	sess.PromptSnapshots = p.Snapshot()
	return nil
}

// prompts returns the session's snapshotted layers, falling back to a fresh
// store load for sessions that predate snapshotting.
func (a *Assembler) prompts(sess *session.GameSession, provider, taskID string) (promptstore.Prompts, error) {
	if sess.PromptSnapshots != nil {
		return promptstore.FromSnapshot(sess.PromptSnapshots), nil
	}
	return a.store.Load(provider, taskID)
}

// AssembleDialogue builds the context for one Trickster reply. It injects and
// clears the one-shot redaction note, trims the history to the token budget,
// and offers the transition tool once the student has spoken at least
// min_exchanges times.
func (a *Assembler) AssembleDialogue(sess *session.GameSession, cart *cartridge.TaskCartridge, phase *cartridge.Phase, provider string) (Context, error) {
	checkContextRequirements(cart)

	p, err := a.prompts(sess, provider, cart.TaskID)
	if err != nil {
		return Context{}, err
	}

	layers := []string{
		p.Persona,
		p.Behaviour,
		p.Safety,
		p.TaskOverride,
		taskContextBlock(cart, phase),
		safetyConfigBlock(cart.Safety),
		languageInstruction,
		pathContextBlock(sess.Choices),
	}
	if sess.LastRedactionReason != "" {
		layers = append(layers, redactionNote(sess.LastRedactionReason))
		sess.LastRedactionReason = ""
	}

	ctx := Context{
		SystemPrompt: joinLayers(layers),
		Messages:     formatMessages(sess.Exchanges),
	}
	ctx.Messages = a.trim(ctx.SystemPrompt, ctx.Messages)

	if ff := phase.Freeform(); ff != nil && sess.StudentExchangeCount() >= ff.MinExchanges {
		ctx.Tools = []llm.ToolDefinition{transitionTool()}
	}
	return ctx, nil
}

// AssembleDebrief builds the context for the post-task reveal. No redaction
// note, no tools, no trimming: the debrief needs the full history.
func (a *Assembler) AssembleDebrief(sess *session.GameSession, cart *cartridge.TaskCartridge, provider string) (Context, error) {
	checkContextRequirements(cart)

	p, err := a.prompts(sess, provider, cart.TaskID)
	if err != nil {
		return Context{}, err
	}

	layers := []string{
		p.Persona,
		p.Behaviour,
		p.Safety,
		p.TaskOverride,
		debriefContextBlock(cart),
		safetyConfigBlock(cart.Safety),
		languageInstruction,
		pathContextBlock(sess.Choices),
	}
	return Context{
		SystemPrompt: joinLayers(layers),
		Messages:     formatMessages(sess.Exchanges),
	}, nil
}

// checkContextRequirements downgrades unsupported history scopes.
func checkContextRequirements(cart *cartridge.TaskCartridge) {
	if cart.AIConfig == nil {
		return
	}
	if cr := cart.AIConfig.ContextRequirements; cr != "" && cr != cartridge.ContextSessionOnly {
		slog.Warn("unsupported context_requirements, treating as session_only",
			"task_id", cart.TaskID, "context_requirements", cr)
	}
}

// joinLayers joins non-empty layers with blank lines.
func joinLayers(layers []string) string {
	parts := make([]string, 0, len(layers))
	for _, l := range layers {
		if l != "" {
			parts = append(parts, l)
		}
	}
	return strings.Join(parts, "\n\n")
}

// formatMessages converts exchanges to provider-neutral messages using the
// fixed role mapping: student ↔ user, trickster ↔ assistant.
func formatMessages(exchanges []session.Exchange) []llm.Message {
	msgs := make([]llm.Message, 0, len(exchanges))
	for _, e := range exchanges {
		role := llm.RoleUser
		if e.Role == session.RoleTrickster {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: e.Content})
	}
	return msgs
}

// trim drops the oldest complete exchange pairs until the estimated token
// count fits the budget or at most one message remains. The system prompt is
// never trimmed.
func (a *Assembler) trim(systemPrompt string, msgs []llm.Message) []llm.Message {
	for len(msgs) > 1 && a.estimate(systemPrompt, msgs) > a.tokenBudget {
		if len(msgs) < 2 {
			break
		}
		msgs = msgs[2:]
	}
	return msgs
}

// estimate approximates the token count of a payload.
func (a *Assembler) estimate(systemPrompt string, msgs []llm.Message) int {
	chars := len(systemPrompt)
	for _, m := range msgs {
		chars += len(m.Content)
	}
	return int(float64(chars) / a.charsPerToken)
}

// transitionTool is the single tool offered in dialogue once min_exchanges is
// reached.
func transitionTool() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        TransitionToolName,
		Description: "Iškviesk, kai pokalbis pasiekė savo tikslą ir fazė turi keistis. Signalas nurodo, kaip mokiniui sekėsi.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"signal": map[string]any{
					"type":        "string",
					"enum":        []string{SignalUnderstood, SignalPartial, SignalMaxReached},
					"description": "understood – mokinys atpažino manipuliaciją; partial – suprato iš dalies; max_reached – pokalbis išsėmė limitą.",
				},
			},
			"required": []string{"signal"},
		},
	}
}
