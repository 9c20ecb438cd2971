// Package cartridge defines the authored task bundle students play through.
//
// A cartridge describes the task's phase state machine, the Trickster's AI
// configuration, the evaluation rubric, the safety boundaries, and the
// post-task reveal. Cartridges are authored as YAML files and validated at
// load time ([LoadFile], [LoadDir]); at the engine boundary they are
// immutable.
package cartridge

import (
	"github.com/pamoka-labs/triksteris/pkg/provider/llm"
)

// ContextSessionOnly is the only context-requirements value with full
// semantics in this revision. Other values are accepted and downgraded to it.
const ContextSessionOnly = "session_only"

// TaskCartridge is one authored task.
type TaskCartridge struct {
	// TaskID is the unique task identifier.
	TaskID string `yaml:"task_id"`

	// AIConfig is the Trickster model configuration. Absent means the task is
	// static-only and AI operations are forbidden.
	AIConfig *AIConfig `yaml:"ai_config,omitempty"`

	// Phases is the task's state machine, in authored order.
	Phases []Phase `yaml:"phases"`

	// Evaluation is the rubric the Trickster and the evaluator work against.
	Evaluation Evaluation `yaml:"evaluation"`

	// Safety configures output content boundaries for this task.
	Safety SafetyConfig `yaml:"safety"`

	// Reveal holds the author-curated debrief material.
	Reveal Reveal `yaml:"reveal"`
}

// IsStatic reports whether the task has no AI configuration.
func (c *TaskCartridge) IsStatic() bool { return c.AIConfig == nil }

// Phase returns the phase with the given id.
func (c *TaskCartridge) Phase(id string) (*Phase, bool) {
	for i := range c.Phases {
		if c.Phases[i].ID == id {
			return &c.Phases[i], true
		}
	}
	return nil, false
}

// HasAIPhase reports whether any phase is AI-driven.
func (c *TaskCartridge) HasAIPhase() bool {
	for i := range c.Phases {
		if c.Phases[i].IsAIPhase {
			return true
		}
	}
	return false
}

// AIConfig configures the Trickster for a task.
type AIConfig struct {
	// ModelTier selects the capability class resolved through the process
	// tier table.
	ModelTier llm.Tier `yaml:"model_tier"`

	// PersonaMode names the adversarial stance variant (rendered into the
	// task-context prompt layer).
	PersonaMode string `yaml:"persona_mode"`

	// ContextRequirements is the history scope the task wants. Only
	// [ContextSessionOnly] is fully supported.
	ContextRequirements string `yaml:"context_requirements"`

	// HasStaticFallback indicates a degraded non-AI reply exists for when AI
	// cannot be served.
	HasStaticFallback bool `yaml:"has_static_fallback"`
}

// Phase is one node in the task state machine.
type Phase struct {
	// ID is the phase identifier, unique within the cartridge.
	ID string `yaml:"id"`

	// IsAIPhase marks phases driven by the Trickster.
	IsAIPhase bool `yaml:"is_ai_phase"`

	// Interaction describes how the student acts in this phase. Nil for
	// terminal phases.
	Interaction *Interaction `yaml:"interaction,omitempty"`

	// AITransitions maps transition signals to target phases. Required for AI
	// phases.
	AITransitions *AITransitions `yaml:"ai_transitions,omitempty"`
}

// Freeform returns the phase's freeform interaction, or nil when the phase
// carries none.
func (p *Phase) Freeform() *FreeformInteraction {
	if p.Interaction == nil {
		return nil
	}
	return p.Interaction.Freeform
}

// InteractionType classifies a phase interaction.
type InteractionType string

const (
	InteractionButton        InteractionType = "button"
	InteractionFreeform      InteractionType = "freeform"
	InteractionInvestigation InteractionType = "investigation"
)

// Interaction is the tagged union of phase interaction kinds. Unrecognised
// types are preserved in Generic rather than rejected, so newer cartridges
// still load on older binaries.
type Interaction struct {
	// Type is the interaction kind tag.
	Type InteractionType

	// Freeform is set when Type is [InteractionFreeform].
	Freeform *FreeformInteraction

	// Generic carries the raw payload of an unrecognised interaction type.
	Generic map[string]any
}

// FreeformInteraction is an AI conversation phase.
type FreeformInteraction struct {
	// TricksterOpening is the Trickster's scripted opening line.
	TricksterOpening string `yaml:"trickster_opening"`

	// MinExchanges is the student-turn count below which the transition tool
	// is withheld. Must be ≥ 1.
	MinExchanges int `yaml:"min_exchanges"`

	// MaxExchanges is the ceiling after which the phase force-transitions.
	// Must be ≥ MinExchanges.
	MaxExchanges int `yaml:"max_exchanges"`
}

// AITransitions maps each transition signal to a target phase id.
type AITransitions struct {
	OnSuccess      string `yaml:"on_success"`
	OnPartial      string `yaml:"on_partial"`
	OnMaxExchanges string `yaml:"on_max_exchanges"`
}

// Complete reports whether all three targets are set.
func (t *AITransitions) Complete() bool {
	return t != nil && t.OnSuccess != "" && t.OnPartial != "" && t.OnMaxExchanges != ""
}

// Evaluation is the rubric embedded in the task.
type Evaluation struct {
	// PatternsEmbedded are the manipulation patterns authored into the task.
	PatternsEmbedded []EmbeddedPattern `yaml:"patterns_embedded"`

	// Checklist is what the student should notice or do.
	Checklist []ChecklistItem `yaml:"checklist"`

	// PassConditions are the three named outcome descriptions.
	PassConditions PassConditions `yaml:"pass_conditions"`
}

// EmbeddedPattern is one authored manipulation pattern.
type EmbeddedPattern struct {
	// Description says how the pattern shows up in this task.
	Description string `yaml:"description"`

	// Technique is the manipulation technique label.
	Technique string `yaml:"technique"`

	// RealWorldConnection ties the pattern to everyday situations.
	RealWorldConnection string `yaml:"real_world_connection"`
}

// ChecklistItem is one evaluation checklist entry.
type ChecklistItem struct {
	// Description is the observable behaviour.
	Description string `yaml:"description"`

	// Mandatory marks items required for a full pass.
	Mandatory bool `yaml:"mandatory,omitempty"`
}

// PassConditions names the three evaluation outcomes.
type PassConditions struct {
	Full    string `yaml:"full"`
	Partial string `yaml:"partial"`
	Failed  string `yaml:"failed"`
}

// SafetyConfig configures per-task output boundaries.
type SafetyConfig struct {
	// Boundaries is the set of enabled content boundary categories.
	Boundaries []string `yaml:"boundaries"`

	// IntensityCeiling caps how hard the Trickster may push, 1–5.
	IntensityCeiling int `yaml:"intensity_ceiling"`
}

// Reveal holds the post-task debrief material.
type Reveal struct {
	// KeyLesson is the author-curated takeaway.
	KeyLesson string `yaml:"key_lesson"`
}
