package cartridge

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads and parses a cartridge YAML file from disk, then validates
// it. Returns a descriptive error if the file cannot be opened, parsed, or
// validated.
func LoadFile(path string) (*TaskCartridge, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cartridge: open %q: %w", path, err)
	}
	defer f.Close()

	c, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("cartridge: parse %q: %w", path, err)
	}
	return c, nil
}

// LoadFromReader parses cartridge YAML from an [io.Reader] and validates the
// result. The reader is consumed entirely; the caller is responsible for
// closing it.
func LoadFromReader(r io.Reader) (*TaskCartridge, error) {
	var c TaskCartridge
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // reject unknown top-level keys to catch typos
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("cartridge: decode yaml: %w", err)
	}
	if err := Validate(&c); err != nil {
		return nil, fmt.Errorf("cartridge: validate %q: %w", c.TaskID, err)
	}
	return &c, nil
}

// LoadDir loads every .yaml/.yml file directly under dir into a registry
// keyed by task id. Duplicate task ids across files are an error.
func LoadDir(dir string) (map[string]*TaskCartridge, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cartridge: read dir %q: %w", dir, err)
	}

	registry := make(map[string]*TaskCartridge)
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		c, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if _, ok := registry[c.TaskID]; ok {
			return nil, fmt.Errorf("cartridge: duplicate task id %q in %q", c.TaskID, e.Name())
		}
		registry[c.TaskID] = c
	}
	return registry, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// UnmarshalYAML implements the tagged-union decoding for [Interaction]: the
// "type" key selects the variant, and unrecognised variants keep their raw
// payload in Generic.
func (i *Interaction) UnmarshalYAML(value *yaml.Node) error {
	var probe struct {
		Type InteractionType `yaml:"type"`
	}
	if err := value.Decode(&probe); err != nil {
		return fmt.Errorf("interaction: decode type tag: %w", err)
	}
	i.Type = probe.Type

	switch probe.Type {
	case InteractionFreeform:
		var ff FreeformInteraction
		if err := value.Decode(&ff); err != nil {
			return fmt.Errorf("interaction: decode freeform: %w", err)
		}
		i.Freeform = &ff
	case InteractionButton, InteractionInvestigation:
		// Payload is owned by the transport layer; the core only needs the tag.
	default:
		var raw map[string]any
		if err := value.Decode(&raw); err != nil {
			return fmt.Errorf("interaction: decode generic payload: %w", err)
		}
		i.Generic = raw
	}
	return nil
}
