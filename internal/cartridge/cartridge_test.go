package cartridge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validCartridgeYAML = `
task_id: influenceris-01
ai_config:
  model_tier: standard
  persona_mode: charming_influencer
  context_requirements: session_only
  has_static_fallback: true
phases:
  - id: intro
    is_ai_phase: false
    interaction:
      type: button
  - id: dialogue
    is_ai_phase: true
    interaction:
      type: freeform
      trickster_opening: "Sveikas! Girdėjau, tu nori greitai praturtėti?"
      min_exchanges: 2
      max_exchanges: 10
    ai_transitions:
      on_success: reveal
      on_partial: reveal
      on_max_exchanges: reveal
  - id: reveal
    is_ai_phase: false
evaluation:
  patterns_embedded:
    - description: "Skubos spaudimas pasiūlyme"
      technique: urgency_pressure
      real_world_connection: "Riboto laiko akcijos socialiniuose tinkluose"
  checklist:
    - description: "Suabejojo pasiūlymo realumu"
      mandatory: true
    - description: "Paklausė apie rizikas"
  pass_conditions:
    full: "Atpažino spaudimą ir atsisakė"
    partial: "Suabejojo, bet neatsisakė"
    failed: "Sutiko nesuabejojęs"
safety:
  boundaries: [self_harm, violence]
  intensity_ceiling: 3
reveal:
  key_lesson: "Skuba yra spaudimo įrankis."
`

func TestLoadFromReaderValid(t *testing.T) {
	c, err := LoadFromReader(strings.NewReader(validCartridgeYAML))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	if c.TaskID != "influenceris-01" {
		t.Errorf("TaskID = %q", c.TaskID)
	}
	if c.IsStatic() {
		t.Error("IsStatic() = true, want false")
	}
	if !c.HasAIPhase() {
		t.Error("HasAIPhase() = false, want true")
	}

	p, ok := c.Phase("dialogue")
	if !ok {
		t.Fatal(`Phase("dialogue") not found`)
	}
	ff := p.Freeform()
	if ff == nil {
		t.Fatal("Freeform() = nil")
	}
	if ff.MinExchanges != 2 || ff.MaxExchanges != 10 {
		t.Errorf("exchange bounds = %d/%d, want 2/10", ff.MinExchanges, ff.MaxExchanges)
	}
	if !p.AITransitions.Complete() {
		t.Error("AITransitions.Complete() = false")
	}
	if got := p.AITransitions.OnSuccess; got != "reveal" {
		t.Errorf("OnSuccess = %q, want %q", got, "reveal")
	}
	if len(c.Evaluation.PatternsEmbedded) != 1 || c.Evaluation.PatternsEmbedded[0].Technique != "urgency_pressure" {
		t.Errorf("PatternsEmbedded = %+v", c.Evaluation.PatternsEmbedded)
	}
	if !c.Evaluation.Checklist[0].Mandatory || c.Evaluation.Checklist[1].Mandatory {
		t.Error("checklist mandatory flags decoded wrong")
	}
}

func TestLoadUnknownInteractionTypePreserved(t *testing.T) {
	yml := `
task_id: t1
phases:
  - id: p1
    interaction:
      type: hologram
      projector: v2
evaluation: {}
safety: {}
reveal: {}
`
	c, err := LoadFromReader(strings.NewReader(yml))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	ia := c.Phases[0].Interaction
	if ia == nil || ia.Type != "hologram" {
		t.Fatalf("interaction = %+v, want preserved hologram type", ia)
	}
	if ia.Generic["projector"] != "v2" {
		t.Errorf("Generic payload = %v, want projector preserved", ia.Generic)
	}
	if ia.Freeform != nil {
		t.Error("Freeform set for non-freeform interaction")
	}
}

func TestLoadRejectsUnknownTopLevelKey(t *testing.T) {
	yml := "task_id: t1\nphasez: []\n"
	if _, err := LoadFromReader(strings.NewReader(yml)); err == nil {
		t.Error("LoadFromReader() = nil error, want unknown-key failure")
	}
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*TaskCartridge)
		wantSub string
	}{
		{
			name:    "missing task id",
			mutate:  func(c *TaskCartridge) { c.TaskID = "" },
			wantSub: "task_id",
		},
		{
			name: "duplicate phase id",
			mutate: func(c *TaskCartridge) {
				c.Phases = append(c.Phases, Phase{ID: "intro"})
			},
			wantSub: "duplicate id",
		},
		{
			name: "ai phase without transitions",
			mutate: func(c *TaskCartridge) {
				p, _ := c.Phase("dialogue")
				p.AITransitions = nil
			},
			wantSub: "ai_transitions",
		},
		{
			name: "transition to missing phase",
			mutate: func(c *TaskCartridge) {
				p, _ := c.Phase("dialogue")
				p.AITransitions.OnPartial = "nowhere"
			},
			wantSub: "on_partial",
		},
		{
			name: "min exchanges below one",
			mutate: func(c *TaskCartridge) {
				p, _ := c.Phase("dialogue")
				p.Interaction.Freeform.MinExchanges = 0
			},
			wantSub: "min_exchanges",
		},
		{
			name: "max below min",
			mutate: func(c *TaskCartridge) {
				p, _ := c.Phase("dialogue")
				p.Interaction.Freeform.MaxExchanges = 1
			},
			wantSub: "max_exchanges",
		},
		{
			name: "ai phase without ai config",
			mutate: func(c *TaskCartridge) {
				c.AIConfig = nil
			},
			wantSub: "ai_config",
		},
		{
			name: "unknown tier",
			mutate: func(c *TaskCartridge) {
				c.AIConfig.ModelTier = "turbo"
			},
			wantSub: "model_tier",
		},
		{
			name: "intensity out of range",
			mutate: func(c *TaskCartridge) {
				c.Safety.IntensityCeiling = 9
			},
			wantSub: "intensity_ceiling",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := LoadFromReader(strings.NewReader(validCartridgeYAML))
			if err != nil {
				t.Fatalf("fixture load error = %v", err)
			}
			tt.mutate(c)
			err = Validate(c)
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("Validate() error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "task.yaml"), []byte(validCartridgeYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	registry, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if len(registry) != 1 {
		t.Fatalf("len(registry) = %d, want 1", len(registry))
	}
	if _, ok := registry["influenceris-01"]; !ok {
		t.Error("registry missing influenceris-01")
	}
}

func TestLoadDirDuplicateTaskID(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.yaml", "b.yml"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(validCartridgeYAML), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := LoadDir(dir); err == nil || !strings.Contains(err.Error(), "duplicate task id") {
		t.Errorf("LoadDir() error = %v, want duplicate task id", err)
	}
}
