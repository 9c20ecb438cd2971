package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	for _, name := range cfg.Providers.Order {
		if !slices.Contains(KnownProviderNames, name) {
			errs = append(errs, fmt.Errorf("providers.order entry %q is unknown; valid values: %v", name, KnownProviderNames))
			continue
		}
		if !providerConfigured(cfg, name) {
			errs = append(errs, fmt.Errorf("providers.order entry %q has no api_key configured", name))
		}
	}

	tiers := map[string]TierEntry{
		"fast":     cfg.Tiers.Fast,
		"standard": cfg.Tiers.Standard,
		"complex":  cfg.Tiers.Complex,
	}
	anyTier := false
	for name, e := range tiers {
		if e.Empty() {
			continue
		}
		anyTier = true
		prefix := "tiers." + name
		if e.Provider == "" {
			errs = append(errs, fmt.Errorf("%s.provider is required", prefix))
		} else if !slices.Contains(KnownProviderNames, e.Provider) {
			slog.Warn("unknown tier provider — may be a typo",
				"tier", name, "provider", e.Provider, "known", KnownProviderNames)
		}
		if e.Model == "" && e.Provider != "mock" {
			errs = append(errs, fmt.Errorf("%s.model is required", prefix))
		}
		if e.ThinkingBudget < 0 {
			errs = append(errs, fmt.Errorf("%s.thinking_budget %d is negative", prefix, e.ThinkingBudget))
		}
	}
	if !anyTier {
		errs = append(errs, errors.New("tiers: at least one tier must be configured"))
	}

	if cfg.Prompts.Root == "" {
		errs = append(errs, errors.New("prompts.root is required"))
	}
	if cfg.Cartridges.Root == "" {
		errs = append(errs, errors.New("cartridges.root is required"))
	}
	if cfg.Sessions.PostgresDSN == "" {
		slog.Warn("sessions.postgres_dsn is empty; sessions will not survive a restart")
	}

	if cfg.Assembler.TokenBudget < 0 {
		errs = append(errs, fmt.Errorf("assembler.token_budget %d is negative", cfg.Assembler.TokenBudget))
	}
	if cfg.Assembler.CharsPerToken < 0 {
		errs = append(errs, fmt.Errorf("assembler.chars_per_token %.2f is negative", cfg.Assembler.CharsPerToken))
	}

	return errors.Join(errs...)
}

// providerConfigured reports whether the named provider has credentials. The
// mock provider needs none.
func providerConfigured(cfg *Config, name string) bool {
	switch name {
	case "gemini":
		return cfg.Providers.Gemini.Configured()
	case "claude":
		return cfg.Providers.Claude.Configured()
	case "openai":
		return cfg.Providers.OpenAI.Configured()
	case "mock":
		return true
	}
	return false
}
