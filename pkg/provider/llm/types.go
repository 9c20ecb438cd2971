package llm

// Role identifies the author of a conversation message at the provider
// boundary. The mapping from session roles is fixed: student ↔ RoleUser,
// trickster ↔ RoleAssistant.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IsValid reports whether r is a recognised provider-boundary role.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single provider-neutral conversation message.
type Message struct {
	// Role is RoleUser or RoleAssistant.
	Role Role

	// Content is the text content of the message.
	Content string
}

// Tier is a model capability class. Tiers resolve to concrete
// [ModelConfig] values through the process-global tier table in
// internal/config.
type Tier string

const (
	TierFast     Tier = "fast"
	TierStandard Tier = "standard"
	TierComplex  Tier = "complex"
)

// IsValid reports whether t is a recognised capability tier.
func (t Tier) IsValid() bool {
	switch t {
	case TierFast, TierStandard, TierComplex:
		return true
	}
	return false
}

// ModelConfig selects a concrete model for one call.
type ModelConfig struct {
	// Provider is the adapter identifier ("gemini", "claude", "openai").
	Provider string

	// Model is the vendor model identifier (e.g. "gemini-2.0-flash",
	// "claude-sonnet-4-5").
	Model string

	// ThinkingBudget is the reasoning token budget, ≥ 0. Adapters whose
	// backend accepts no such budget ignore it.
	ThinkingBudget int
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in model prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// Name is the tool name as the model emitted it.
	Name string

	// Arguments is the decoded argument object.
	Arguments map[string]any
}

// StreamEvent is one element of a model response stream: either a text chunk
// or a tool-call event. Exactly one of the two fields is set.
type StreamEvent struct {
	// Text is the incremental text content. Empty when ToolCall is set.
	Text string

	// ToolCall is a complete tool invocation. Nil for text events.
	ToolCall *ToolCall
}

// Usage holds token accounting reported by the backend for one call.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the system prompt and
	// message history.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int
}
