package assembler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pamoka-labs/triksteris/internal/cartridge"
	"github.com/pamoka-labs/triksteris/internal/promptstore"
	"github.com/pamoka-labs/triksteris/internal/session"
	"github.com/pamoka-labs/triksteris/pkg/provider/llm"
)

func testStore(t *testing.T, files map[string]string) *promptstore.Store {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return promptstore.New(root)
}

func defaultPromptFiles() map[string]string {
	return map[string]string{
		"trickster/persona_base.md":   "Tu esi Triksteris.",
		"trickster/behaviour_base.md": "Elkis klastingai, bet neperženk ribų.",
		"trickster/safety_base.md":    "Niekada nesiūlyk realios žalos.",
	}
}

func testCartridge() *cartridge.TaskCartridge {
	return &cartridge.TaskCartridge{
		TaskID: "t1",
		AIConfig: &cartridge.AIConfig{
			ModelTier:           llm.TierStandard,
			PersonaMode:         "charming_influencer",
			ContextRequirements: cartridge.ContextSessionOnly,
		},
		Phases: []cartridge.Phase{
			{
				ID:        "dialogue",
				IsAIPhase: true,
				Interaction: &cartridge.Interaction{
					Type: cartridge.InteractionFreeform,
					Freeform: &cartridge.FreeformInteraction{
						MinExchanges: 2,
						MaxExchanges: 10,
					},
				},
				AITransitions: &cartridge.AITransitions{
					OnSuccess: "reveal", OnPartial: "reveal", OnMaxExchanges: "reveal",
				},
			},
			{ID: "reveal"},
		},
		Evaluation: cartridge.Evaluation{
			PatternsEmbedded: []cartridge.EmbeddedPattern{
				{Description: "Skubos spaudimas", Technique: "urgency", RealWorldConnection: "akcijos"},
			},
			Checklist: []cartridge.ChecklistItem{
				{Description: "Suabejojo", Mandatory: true},
			},
			PassConditions: cartridge.PassConditions{Full: "atpažino", Partial: "suabejojo", Failed: "patikėjo"},
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

func TestDialogueLayerOrderAndSkipping(t *testing.T) {
	files := defaultPromptFiles()
	delete(files, "trickster/behaviour_base.md") // absent layer must be skipped
	a := New(testStore(t, files))

	cart := testCartridge()
	sess := session.New("s1")
	sess.AppendExchange(session.RoleStudent, "Labas")

	ctx, err := a.AssembleDialogue(sess, cart, dialoguePhase(t, cart), "gemini")
	if err != nil {
		t.Fatalf("AssembleDialogue() error = %v", err)
	}

	sp := ctx.SystemPrompt
	wantInOrder := []string{
		"Tu esi Triksteris.",
		"Niekada nesiūlyk realios žalos.",
		"Užduoties kontekstas",
		"Dabartinė fazė: dialogue",
		"Saugumo rėmai",
		"lietuvių kalba",
	}
	last := -1
	for _, want := range wantInOrder {
		idx := strings.Index(sp, want)
		if idx < 0 {
			t.Fatalf("system prompt missing %q:\n%s", want, sp)
		}
		if idx < last {
			t.Errorf("layer %q out of order", want)
		}
		last = idx
	}
	if strings.Contains(sp, "\n\n\n") {
		t.Error("skipped layer left an extra blank line")
	}
	if strings.Contains(sp, "Mokinio kelias") {
		t.Error("path context rendered with no labelled choices")
	}
}

func TestPathContextFromChoices(t *testing.T) {
	a := New(testStore(t, defaultPromptFiles()))
	cart := testCartridge()
	sess := session.New("s1")
	sess.Choices = []session.ChoiceRecord{
		{PhaseID: "intro", Value: "a", ContextLabel: "Pasirinko greitą pelną"},
		{PhaseID: "intro", Value: "b"},
		{PhaseID: "mid", Value: "c", ContextLabel: "Ignoravo įspėjimą"},
	}

	ctx, err := a.AssembleDialogue(sess, cart, dialoguePhase(t, cart), "gemini")
	if err != nil {
		t.Fatalf("AssembleDialogue() error = %v", err)
	}
	first := strings.Index(ctx.SystemPrompt, "Pasirinko greitą pelną")
	second := strings.Index(ctx.SystemPrompt, "Ignoravo įspėjimą")
	if first < 0 || second < 0 || second < first {
		t.Errorf("choice labels missing or out of order in:\n%s", ctx.SystemPrompt)
	}
}

func TestRoleMapping(t *testing.T) {
	a := New(testStore(t, defaultPromptFiles()))
	cart := testCartridge()
	sess := session.New("s1")
	sess.AppendExchange(session.RoleStudent, "Labas")
	sess.AppendExchange(session.RoleTrickster, "Sveikas!")

	ctx, err := a.AssembleDialogue(sess, cart, dialoguePhase(t, cart), "gemini")
	if err != nil {
		t.Fatalf("AssembleDialogue() error = %v", err)
	}
	if len(ctx.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(ctx.Messages))
	}
	if ctx.Messages[0].Role != llm.RoleUser || ctx.Messages[1].Role != llm.RoleAssistant {
		t.Errorf("roles = %s/%s, want user/assistant", ctx.Messages[0].Role, ctx.Messages[1].Role)
	}
}

func TestSnapshotIsolatesFromHotReload(t *testing.T) {
	store := testStore(t, defaultPromptFiles())
	a := New(store)
	cart := testCartridge()
	sess := session.New("s1")

	if err := a.Snapshot(sess, "gemini", cart.TaskID); err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if sess.PromptSnapshots == nil {
		t.Fatal("PromptSnapshots still nil after Snapshot()")
	}

	// Simulate a content hot-reload: the cache is invalidated, but the
	// session must keep seeing its snapshot.
	store.Invalidate()
	ctxOld, err := a.AssembleDialogue(sess, cart, dialoguePhase(t, cart), "gemini")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(ctxOld.SystemPrompt, "Tu esi Triksteris.") {
		t.Error("snapshotted persona missing after invalidate")
	}

	// Snapshot round-trip: a second Snapshot call must not change anything.
	before := len(sess.PromptSnapshots)
	if err := a.Snapshot(sess, "gemini", cart.TaskID); err != nil {
		t.Fatal(err)
	}
	if len(sess.PromptSnapshots) != before {
		t.Error("second Snapshot() mutated the existing snapshot")
	}
}

func TestRedactionNoteIsOneShot(t *testing.T) {
	a := New(testStore(t, defaultPromptFiles()))
	cart := testCartridge()
	sess := session.New("s1")
	sess.LastRedactionReason = "self_harm"

	first, err := a.AssembleDialogue(sess, cart, dialoguePhase(t, cart), "gemini")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(first.SystemPrompt, "Sisteminė pastaba") ||
		!strings.Contains(first.SystemPrompt, "self_harm") {
		t.Error("first assembly after redaction missing the note")
	}
	if sess.LastRedactionReason != "" {
		t.Error("LastRedactionReason not cleared by assembly")
	}

	second, err := a.AssembleDialogue(sess, cart, dialoguePhase(t, cart), "gemini")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(second.SystemPrompt, "Sisteminė pastaba") {
		t.Error("redaction note leaked into a second assembly")
	}
}

func TestDebriefAssembly(t *testing.T) {
	a := New(testStore(t, defaultPromptFiles()))
	cart := testCartridge()
	sess := session.New("s1")
	sess.AppendExchange(session.RoleStudent, "Labas")
	sess.LastRedactionReason = "violence"

	ctx, err := a.AssembleDebrief(sess, cart, "gemini")
	if err != nil {
		t.Fatalf("AssembleDebrief() error = %v", err)
	}
	if !strings.Contains(ctx.SystemPrompt, "Nustok vaidinti") {
		t.Error("debrief instruction missing")
	}
	if !strings.Contains(ctx.SystemPrompt, "Skuba yra spaudimo įrankis.") {
		t.Error("key lesson missing")
	}
	if strings.Contains(ctx.SystemPrompt, "Sisteminė pastaba") {
		t.Error("redaction note must not appear in debrief")
	}
	if sess.LastRedactionReason != "violence" {
		t.Error("debrief assembly must not consume the redaction flag")
	}
	if ctx.Tools != nil {
		t.Error("debrief must not offer tools")
	}
}

func TestTransitionToolGating(t *testing.T) {
	a := New(testStore(t, defaultPromptFiles()))
	cart := testCartridge()
	phase := dialoguePhase(t, cart) // min_exchanges = 2

	sess := session.New("s1")
	sess.AppendExchange(session.RoleStudent, "vienas")

	ctx, err := a.AssembleDialogue(sess, cart, phase, "gemini")
	if err != nil {
		t.Fatal(err)
	}
	if ctx.Tools != nil {
		t.Error("tool offered below min_exchanges")
	}

	sess.AppendExchange(session.RoleTrickster, "atsakymas")
	sess.AppendExchange(session.RoleStudent, "du")
	ctx, err = a.AssembleDialogue(sess, cart, phase, "gemini")
	if err != nil {
		t.Fatal(err)
	}
	if len(ctx.Tools) != 1 || ctx.Tools[0].Name != TransitionToolName {
		t.Fatalf("Tools = %+v, want the transition tool", ctx.Tools)
	}
	params := ctx.Tools[0].Parameters
	props, _ := params["properties"].(map[string]any)
	signal, _ := props["signal"].(map[string]any)
	enum, _ := signal["enum"].([]string)
	if len(enum) != 3 {
		t.Errorf("signal enum = %v, want the three transition signals", enum)
	}
}

func TestTrimDropsOldestPairsKeepsTail(t *testing.T) {
	a := New(testStore(t, defaultPromptFiles()), WithTokenBudget(500), WithCharsPerToken(3))
	cart := testCartridge()
	sess := session.New("s1")
	for i := 0; i < 20; i++ {
		sess.AppendExchange(session.RoleStudent, strings.Repeat("klausimas ", 5))
		sess.AppendExchange(session.RoleTrickster, strings.Repeat("atsakymas ", 5))
	}

	ctx, err := a.AssembleDialogue(sess, cart, dialoguePhase(t, cart), "gemini")
	if err != nil {
		t.Fatal(err)
	}
	if len(ctx.Messages) == 0 || len(ctx.Messages) >= 40 {
		t.Fatalf("len(Messages) = %d, want a trimmed non-empty tail", len(ctx.Messages))
	}
	if len(ctx.Messages)%2 != 0 {
		t.Errorf("len(Messages) = %d, want even (aligned pairs)", len(ctx.Messages))
	}
	if last := ctx.Messages[len(ctx.Messages)-1]; last.Role != llm.RoleAssistant {
		t.Errorf("final message role = %s, want assistant", last.Role)
	}
	if !strings.Contains(ctx.SystemPrompt, "Tu esi Triksteris.") {
		t.Error("system prompt was trimmed")
	}
}

func TestDebriefSkipsTrimming(t *testing.T) {
	a := New(testStore(t, defaultPromptFiles()), WithTokenBudget(50))
	cart := testCartridge()
	sess := session.New("s1")
	for i := 0; i < 10; i++ {
		sess.AppendExchange(session.RoleStudent, strings.Repeat("klausimas ", 10))
		sess.AppendExchange(session.RoleTrickster, strings.Repeat("atsakymas ", 10))
	}

	ctx, err := a.AssembleDebrief(sess, cart, "gemini")
	if err != nil {
		t.Fatal(err)
	}
	if len(ctx.Messages) != 20 {
		t.Errorf("len(Messages) = %d, want full unabridged history", len(ctx.Messages))
	}
}
