package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pamoka-labs/triksteris/internal/assembler"
	"github.com/pamoka-labs/triksteris/internal/cartridge"
	"github.com/pamoka-labs/triksteris/internal/promptstore"
	"github.com/pamoka-labs/triksteris/internal/session"
	"github.com/pamoka-labs/triksteris/pkg/provider/llm"
	"github.com/pamoka-labs/triksteris/pkg/provider/llm/mock"
)

// ─────────────────────────────────────────────────────────────────────────────
// Fixtures
// ─────────────────────────────────────────────────────────────────────────────

func testAssembler(t *testing.T) *assembler.Assembler {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"trickster/persona_base.md":   "Tu esi Triksteris.",
		"trickster/behaviour_base.md": "Elkis klastingai, bet neperženk ribų.",
		"trickster/safety_base.md":    "Niekada nesiūlyk realios žalos.",
	}
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return assembler.New(promptstore.New(root))
}

func testCartridge() *cartridge.TaskCartridge {
	return &cartridge.TaskCartridge{
		TaskID: "influenceris-01",
		AIConfig: &cartridge.AIConfig{
			ModelTier:   llm.TierStandard,
			PersonaMode: "charming_influencer",
		},
		Phases: []cartridge.Phase{
			{
				ID:        "dialogue",
				IsAIPhase: true,
				Interaction: &cartridge.Interaction{
					Type: cartridge.InteractionFreeform,
					Freeform: &cartridge.FreeformInteraction{
						MinExchanges: 1,
						MaxExchanges: 3,
					},
				},
				AITransitions: &cartridge.AITransitions{
					OnSuccess: "reveal", OnPartial: "reveal", OnMaxExchanges: "reveal",
				},
			},
			{ID: "reveal"},
		},
		Safety: cartridge.SafetyConfig{Boundaries: []string{"self_harm"}, IntensityCeiling: 3},
		Reveal: cartridge.Reveal{KeyLesson: "Skuba yra spaudimo įrankis."},
	}
}

func dialoguePhase(t *testing.T, cart *cartridge.TaskCartridge) *cartridge.Phase {
	t.Helper()
	p, ok := cart.Phase("dialogue")
	if !ok {
		t.Fatal("fixture missing dialogue phase")
	}
	return p
}

func testTiers() TierTable {
	return TierTable{
		llm.TierStandard: {Provider: "mock", Model: "scripted"},
	}
}

// drain consumes the token channel to exhaustion and returns the
// concatenation.
func drain(r *Result) string {
	var b strings.Builder
	for tok := range r.Tokens() {
		b.WriteString(tok)
	}
	return b.String()
}

// ─────────────────────────────────────────────────────────────────────────────
// Respond
// ─────────────────────────────────────────────────────────────────────────────

func TestRespondHappyPath(t *testing.T) {
	p := &mock.Provider{Responses: []mock.Response{
		{
			Text:  []string{"Ei, pažiūrėk ", "čia — tik šiandien!"},
			Usage: &llm.Usage{PromptTokens: 40, CompletionTokens: 12},
		},
	}}
	e := New(p, testAssembler(t), testTiers())
	cart := testCartridge()
	sess := session.New("s1")

	r, err := e.Respond(context.Background(), sess, cart, dialoguePhase(t, cart), "Labas, kas čia?")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	got := drain(r)

	done := r.Done()
	if done == nil {
		t.Fatalf("Done() = nil, Err() = %v, Redaction() = %v", r.Err(), r.Redaction())
	}
	if done.FullText != got {
		t.Errorf("FullText %q != streamed text %q", done.FullText, got)
	}
	if done.PhaseTransition != "" || done.NextPhase != "" {
		t.Errorf("unexpected transition %q → %q", done.PhaseTransition, done.NextPhase)
	}
	if done.ExchangesCount != 1 {
		t.Errorf("ExchangesCount = %d, want 1", done.ExchangesCount)
	}
	if r.Redaction() != nil || r.Err() != nil {
		t.Error("happy path must set only Done")
	}
	if u := r.Usage(); u == nil || u.CompletionTokens != 12 {
		t.Errorf("Usage() = %+v, want the scripted usage", u)
	}

	if len(sess.Exchanges) != 2 {
		t.Fatalf("len(Exchanges) = %d, want student + trickster", len(sess.Exchanges))
	}
	if sess.Exchanges[0].Role != session.RoleStudent || sess.Exchanges[1].Role != session.RoleTrickster {
		t.Error("exchange roles out of order")
	}
	if sess.Exchanges[1].Content != done.FullText {
		t.Error("stored trickster exchange differs from FullText")
	}
	if sess.PromptSnapshots == nil {
		t.Error("first AI call must snapshot the prompts")
	}
}

func TestRespondSignalFiresTransition(t *testing.T) {
	p := &mock.Provider{Responses: []mock.Response{
		{
			Text: []string{"Na gerai, tu mane perpratai."},
			ToolCalls: []llm.ToolCall{
				{Name: assembler.TransitionToolName, Arguments: map[string]any{"signal": assembler.SignalUnderstood}},
			},
		},
	}}
	e := New(p, testAssembler(t), testTiers())
	cart := testCartridge()
	sess := session.New("s1")

	r, err := e.Respond(context.Background(), sess, cart, dialoguePhase(t, cart), "Čia manipuliacija!")
	if err != nil {
		t.Fatal(err)
	}
	drain(r)

	done := r.Done()
	if done == nil {
		t.Fatalf("Done() = nil, Err() = %v", r.Err())
	}
	if done.PhaseTransition != "on_success" || done.NextPhase != "reveal" {
		t.Errorf("transition = %q → %q, want on_success → reveal", done.PhaseTransition, done.NextPhase)
	}
}

func TestRespondMaxExchangesCeiling(t *testing.T) {
	p := &mock.Provider{Responses: []mock.Response{
		{Text: []string{"Dar vienas bandymas tavęs neišgelbės."}},
	}}
	e := New(p, testAssembler(t), testTiers())
	cart := testCartridge() // max_exchanges = 3
	sess := session.New("s1")
	sess.AppendExchange(session.RoleStudent, "vienas")
	sess.AppendExchange(session.RoleTrickster, "atsakymas")
	sess.AppendExchange(session.RoleStudent, "du")
	sess.AppendExchange(session.RoleTrickster, "atsakymas")

	r, err := e.Respond(context.Background(), sess, cart, dialoguePhase(t, cart), "trys")
	if err != nil {
		t.Fatal(err)
	}
	drain(r)

	done := r.Done()
	if done == nil {
		t.Fatalf("Done() = nil, Err() = %v", r.Err())
	}
	if done.ExchangesCount != 3 {
		t.Errorf("ExchangesCount = %d, want 3", done.ExchangesCount)
	}
	if done.PhaseTransition != "on_max_exchanges" || done.NextPhase != "reveal" {
		t.Errorf("transition = %q → %q, want on_max_exchanges → reveal", done.PhaseTransition, done.NextPhase)
	}
}

func TestRespondRedactionAndFollowupNote(t *testing.T) {
	p := &mock.Provider{Responses: []mock.Response{
		{Text: []string{"Jei nori įrodyti drąsą, susižalok ir parodyk visiems."}},
		{Text: []string{"Gerai, pakalbėkime apie kitą pasiūlymą."}},
	}}
	e := New(p, testAssembler(t), testTiers())
	cart := testCartridge()
	sess := session.New("s1")

	r, err := e.Respond(context.Background(), sess, cart, dialoguePhase(t, cart), "Ką man daryti?")
	if err != nil {
		t.Fatal(err)
	}
	drain(r)

	red := r.Redaction()
	if red == nil {
		t.Fatalf("Redaction() = nil, Done() = %+v, Err() = %v", r.Done(), r.Err())
	}
	if red.Boundary != "self_harm" {
		t.Errorf("Boundary = %q, want self_harm", red.Boundary)
	}
	if r.Done() != nil {
		t.Error("redacted reply must not also set Done")
	}
	last := sess.Exchanges[len(sess.Exchanges)-1]
	if last.Role != session.RoleTrickster || last.Content != red.FallbackText {
		t.Errorf("stored exchange = %+v, want the fallback text", last)
	}
	if sess.LastRedactionReason != "self_harm" {
		t.Errorf("LastRedactionReason = %q, want self_harm", sess.LastRedactionReason)
	}

	// The next turn carries the one-shot system note and clears the flag.
	r2, err := e.Respond(context.Background(), sess, cart, dialoguePhase(t, cart), "Kodėl pakeitei temą?")
	if err != nil {
		t.Fatal(err)
	}
	drain(r2)
	if r2.Done() == nil {
		t.Fatalf("second turn Done() = nil, Err() = %v", r2.Err())
	}
	if sess.LastRedactionReason != "" {
		t.Error("redaction flag not consumed by the next assembly")
	}
	req := p.Calls[len(p.Calls)-1].Req
	if !strings.Contains(req.SystemPrompt, "Sisteminė pastaba") ||
		!strings.Contains(req.SystemPrompt, "self_harm") {
		t.Error("second turn's system prompt missing the redaction note")
	}
}

func TestRespondMalformedRetrySucceeds(t *testing.T) {
	p := &mock.Provider{Responses: []mock.Response{
		{Text: []string{""}},
		{Text: []string{"Štai tikras atsakymas apie akciją."}},
	}}
	e := New(p, testAssembler(t), testTiers())
	cart := testCartridge()
	sess := session.New("s1")

	r, err := e.Respond(context.Background(), sess, cart, dialoguePhase(t, cart), "Na?")
	if err != nil {
		t.Fatal(err)
	}
	got := drain(r)

	done := r.Done()
	if done == nil {
		t.Fatalf("Done() = nil, Err() = %v", r.Err())
	}
	if done.Error != "" {
		t.Errorf("Error = %q, want success after retry", done.Error)
	}
	if done.FullText != "Štai tikras atsakymas apie akciją." || done.FullText != got {
		t.Errorf("FullText = %q", done.FullText)
	}
	if len(p.Calls) != 2 {
		t.Errorf("provider calls = %d, want a retry", len(p.Calls))
	}
}

func TestRespondMalformedTerminal(t *testing.T) {
	p := &mock.Provider{Responses: []mock.Response{
		{Text: []string{"ai"}}, // repeats for the retry
	}}
	e := New(p, testAssembler(t), testTiers())
	cart := testCartridge()
	sess := session.New("s1")

	r, err := e.Respond(context.Background(), sess, cart, dialoguePhase(t, cart), "Na?")
	if err != nil {
		t.Fatal(err)
	}
	drain(r)

	done := r.Done()
	if done == nil {
		t.Fatalf("Done() = nil, Err() = %v", r.Err())
	}
	if done.Error != "malformed_response" {
		t.Errorf("Error = %q, want malformed_response", done.Error)
	}
	if len(p.Calls) != 2 {
		t.Errorf("provider calls = %d, want exactly one retry", len(p.Calls))
	}
	// The student turn survives; no trickster exchange is stored.
	if len(sess.Exchanges) != 1 || sess.Exchanges[0].Role != session.RoleStudent {
		t.Errorf("Exchanges = %+v, want only the student turn", sess.Exchanges)
	}
}

func TestRespondStreamError(t *testing.T) {
	wantErr := errors.New("backend exploded")
	p := &mock.Provider{Responses: []mock.Response{
		{Text: []string{"dalinis tekstas..."}, Err: wantErr},
	}}
	e := New(p, testAssembler(t), testTiers())
	cart := testCartridge()
	sess := session.New("s1")

	r, err := e.Respond(context.Background(), sess, cart, dialoguePhase(t, cart), "Labas")
	if err != nil {
		t.Fatal(err)
	}
	drain(r)

	if !errors.Is(r.Err(), wantErr) {
		t.Errorf("Err() = %v, want %v", r.Err(), wantErr)
	}
	if r.Done() != nil || r.Redaction() != nil {
		t.Error("failed call must leave Done and Redaction nil")
	}
	if len(sess.Exchanges) != 1 {
		t.Errorf("len(Exchanges) = %d, want only the student turn", len(sess.Exchanges))
	}
}

func TestRespondCancelMidStream(t *testing.T) {
	// A script far longer than the combined channel buffering, so the
	// producer cannot run to completion once the consumer stops reading.
	chunks := make([]string, 256)
	for i := range chunks {
		chunks[i] = "žodis "
	}
	p := &mock.Provider{Responses: []mock.Response{{Text: chunks}}}
	e := New(p, testAssembler(t), testTiers())
	cart := testCartridge()
	sess := session.New("s1")

	ctx, cancel := context.WithCancel(context.Background())
	r, err := e.Respond(ctx, sess, cart, dialoguePhase(t, cart), "Labas")
	if err != nil {
		t.Fatal(err)
	}
	<-r.Tokens()
	<-r.Tokens()
	cancel()
	drain(r)

	if !errors.Is(r.Err(), context.Canceled) {
		t.Errorf("Err() = %v, want context.Canceled", r.Err())
	}
	if r.Done() != nil || r.Redaction() != nil {
		t.Error("cancelled call must leave Done and Redaction nil")
	}
	if len(sess.Exchanges) != 1 || sess.Exchanges[0].Role != session.RoleStudent {
		t.Errorf("Exchanges = %+v, want only the student turn", sess.Exchanges)
	}
}

func TestRespondParallelSessions(t *testing.T) {
	p := &mock.Provider{Responses: []mock.Response{
		{Text: []string{"Pakankamai ilgas atsakymas čia."}},
	}}
	e := New(p, testAssembler(t), testTiers())
	cart := testCartridge()
	phase := dialoguePhase(t, cart)

	const parallel = 8
	sessions := make([]*session.GameSession, parallel)
	for i := range sessions {
		sessions[i] = session.New(fmt.Sprintf("s%d", i))
	}

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *session.GameSession) {
			defer wg.Done()
			r, err := e.Respond(context.Background(), sess, cart, phase, "Labas")
			if err != nil {
				t.Errorf("Respond() error = %v", err)
				return
			}
			drain(r)
			if r.Done() == nil {
				t.Errorf("Done() = nil, Err() = %v", r.Err())
			}
		}(sess)
	}
	wg.Wait()

	for i, sess := range sessions {
		if len(sess.Exchanges) != 2 {
			t.Errorf("session %d: len(Exchanges) = %d, want student + trickster", i, len(sess.Exchanges))
		}
	}
	if len(p.Calls) != parallel {
		t.Errorf("provider calls = %d, want %d", len(p.Calls), parallel)
	}
}

func TestRespondIgnoresUnknownToolAndSignal(t *testing.T) {
	p := &mock.Provider{Responses: []mock.Response{
		{
			Text: []string{"Pakankamai ilgas atsakymas čia."},
			ToolCalls: []llm.ToolCall{
				{Name: "kitas_irankis", Arguments: map[string]any{"signal": assembler.SignalUnderstood}},
				{Name: assembler.TransitionToolName, Arguments: map[string]any{"signal": "neaiškus"}},
			},
		},
	}}
	e := New(p, testAssembler(t), testTiers())
	cart := testCartridge()
	sess := session.New("s1")

	r, err := e.Respond(context.Background(), sess, cart, dialoguePhase(t, cart), "Labas")
	if err != nil {
		t.Fatal(err)
	}
	drain(r)

	done := r.Done()
	if done == nil {
		t.Fatalf("Done() = nil, Err() = %v", r.Err())
	}
	if done.PhaseTransition != "" {
		t.Errorf("PhaseTransition = %q, want none", done.PhaseTransition)
	}
}

func TestRespondPreconditions(t *testing.T) {
	e := New(&mock.Provider{}, testAssembler(t), testTiers())
	ctx := context.Background()
	sess := session.New("s1")

	static := testCartridge()
	static.AIConfig = nil
	if _, err := e.Respond(ctx, sess, static, dialoguePhase(t, static), "x"); !errors.Is(err, ErrStaticTask) {
		t.Errorf("static task: err = %v, want ErrStaticTask", err)
	}
	if _, err := e.Debrief(ctx, sess, static); !errors.Is(err, ErrStaticTask) {
		t.Errorf("static debrief: err = %v, want ErrStaticTask", err)
	}

	cart := testCartridge()
	reveal, _ := cart.Phase("reveal")
	if _, err := e.Respond(ctx, sess, cart, reveal, "x"); !errors.Is(err, ErrNotAIPhase) {
		t.Errorf("non-AI phase: err = %v, want ErrNotAIPhase", err)
	}

	cart = testCartridge()
	dialoguePhase(t, cart).AITransitions.OnPartial = ""
	if _, err := e.Respond(ctx, sess, cart, dialoguePhase(t, cart), "x"); !errors.Is(err, ErrMissingTransitions) {
		t.Errorf("incomplete transitions: err = %v, want ErrMissingTransitions", err)
	}

	cart = testCartridge()
	cart.AIConfig.ModelTier = llm.TierComplex // not in the test tier table
	if _, err := e.Respond(ctx, sess, cart, dialoguePhase(t, cart), "x"); !errors.Is(err, ErrUnknownTier) {
		t.Errorf("unknown tier: err = %v, want ErrUnknownTier", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Debrief
// ─────────────────────────────────────────────────────────────────────────────

func TestDebriefHappyPath(t *testing.T) {
	p := &mock.Provider{Responses: []mock.Response{
		{Text: []string{"Visa tai buvo ", "manipuliacijos pamoka."}},
	}}
	e := New(p, testAssembler(t), testTiers())
	cart := testCartridge()
	sess := session.New("s1")
	sess.AppendExchange(session.RoleStudent, "Labas")
	sess.AppendExchange(session.RoleTrickster, "Sveikas!")

	r, err := e.Debrief(context.Background(), sess, cart)
	if err != nil {
		t.Fatalf("Debrief() error = %v", err)
	}
	got := drain(r)

	done := r.Done()
	if done == nil {
		t.Fatalf("Done() = nil, Err() = %v", r.Err())
	}
	if !done.DebriefComplete {
		t.Error("DebriefComplete = false")
	}
	if done.FullText != got {
		t.Errorf("FullText %q != streamed text %q", done.FullText, got)
	}
	if done.PhaseTransition != "" {
		t.Error("debrief must not fire a transition")
	}
	last := sess.Exchanges[len(sess.Exchanges)-1]
	if last.Role != session.RoleTrickster || last.Content != done.FullText {
		t.Error("debrief reply not stored as a trickster exchange")
	}
	if req := p.Calls[0].Req; req.Tools != nil {
		t.Error("debrief request must not offer tools")
	}
}

func TestDebriefPedagogicalExemption(t *testing.T) {
	reveal := "Aš naudojau spaudimo techniką ir net frazę „susižalok“, kad parodyčiau, kaip manipuliatoriai eskaluoja. Tai buvo pamoka."
	p := &mock.Provider{Responses: []mock.Response{
		{Text: []string{reveal}},
	}}
	e := New(p, testAssembler(t), testTiers())
	cart := testCartridge() // boundaries: self_harm
	sess := session.New("s1")
	sess.AppendExchange(session.RoleStudent, "Labas")

	r, err := e.Debrief(context.Background(), sess, cart)
	if err != nil {
		t.Fatal(err)
	}
	drain(r)

	done := r.Done()
	if done == nil {
		t.Fatalf("exempted debrief redacted anyway: Redaction() = %+v, Err() = %v", r.Redaction(), r.Err())
	}
	if !done.DebriefComplete || done.FullText != reveal {
		t.Errorf("Done = %+v", done)
	}

	// The identical text in dialogue mode is still redacted.
	p2 := &mock.Provider{Responses: []mock.Response{{Text: []string{reveal}}}}
	e2 := New(p2, testAssembler(t), testTiers())
	sess2 := session.New("s2")
	r2, err := e2.Respond(context.Background(), sess2, cart, dialoguePhase(t, cart), "Na?")
	if err != nil {
		t.Fatal(err)
	}
	drain(r2)
	if r2.Redaction() == nil {
		t.Error("dialogue reply with boundary phrase must be redacted")
	}
}
