// Package config provides the configuration schema, loader, and polling file
// watcher for the Triksteris dialogue server.
package config

import "github.com/pamoka-labs/triksteris/pkg/provider/llm"

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// KnownProviderNames lists the provider names the server can construct.
var KnownProviderNames = []string{"gemini", "claude", "openai", "mock"}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Tiers      TiersConfig      `yaml:"tiers"`
	Prompts    PromptsConfig    `yaml:"prompts"`
	Cartridges CartridgesConfig `yaml:"cartridges"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Assembler  AssemblerConfig  `yaml:"assembler"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig holds per-vendor credentials and the failover order.
type ProvidersConfig struct {
	// Order lists provider names by preference; the first entry is the
	// primary backend, later entries are fallbacks. Default: every
	// configured provider in gemini, claude, openai order.
	Order []string `yaml:"order"`

	Gemini ProviderEntry `yaml:"gemini"`
	Claude ProviderEntry `yaml:"claude"`
	OpenAI ProviderEntry `yaml:"openai"`
}

// ProviderEntry is the common credential block shared by all vendors.
type ProviderEntry struct {
	// APIKey is the authentication key for the vendor's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the vendor's default API endpoint. Leave empty to
	// use the built-in default. Only honoured by OpenAI-compatible backends.
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether the entry carries credentials.
func (e ProviderEntry) Configured() bool { return e.APIKey != "" }

// TiersConfig maps the three capability tiers to concrete models.
type TiersConfig struct {
	Fast     TierEntry `yaml:"fast"`
	Standard TierEntry `yaml:"standard"`
	Complex  TierEntry `yaml:"complex"`
}

// TierEntry binds one tier to a vendor model.
type TierEntry struct {
	// Provider is the vendor name ("gemini", "claude", "openai", "mock").
	Provider string `yaml:"provider"`

	// Model is the vendor-specific model identifier.
	Model string `yaml:"model"`

	// ThinkingBudget is the reasoning token budget; 0 disables extended
	// thinking.
	ThinkingBudget int `yaml:"thinking_budget"`
}

// Empty reports whether the entry is entirely unset.
func (e TierEntry) Empty() bool {
	return e.Provider == "" && e.Model == "" && e.ThinkingBudget == 0
}

// TierTable converts the configured tiers to the engine's lookup form,
// containing only the tiers that are set.
func (t TiersConfig) TierTable() map[llm.Tier]llm.ModelConfig {
	table := make(map[llm.Tier]llm.ModelConfig, 3)
	for tier, e := range map[llm.Tier]TierEntry{
		llm.TierFast:     t.Fast,
		llm.TierStandard: t.Standard,
		llm.TierComplex:  t.Complex,
	} {
		if e.Empty() {
			continue
		}
		table[tier] = llm.ModelConfig{
			Provider:       e.Provider,
			Model:          e.Model,
			ThinkingBudget: e.ThinkingBudget,
		}
	}
	return table
}

// PromptsConfig locates the prompt fragment tree.
type PromptsConfig struct {
	// Root is the directory holding the prompt markdown fragments.
	Root string `yaml:"root"`

	// Watch enables hot-reload of prompt fragments via filesystem events.
	Watch bool `yaml:"watch"`
}

// CartridgesConfig locates the task cartridge files.
type CartridgesConfig struct {
	// Root is the directory holding the task cartridge YAML files.
	Root string `yaml:"root"`
}

// SessionsConfig selects the session store backend.
type SessionsConfig struct {
	// PostgresDSN enables the Postgres-backed store. When empty, sessions
	// live in process memory only.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// AssemblerConfig tunes the context assembly heuristics. Zero values keep the
// assembler defaults.
type AssemblerConfig struct {
	// TokenBudget caps the estimated token count of one AI call payload.
	TokenBudget int `yaml:"token_budget"`

	// CharsPerToken is the character-to-token ratio used for estimation.
	CharsPerToken float64 `yaml:"chars_per_token"`
}
