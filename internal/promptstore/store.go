// Package promptstore loads the Trickster's prompt fragments from disk.
//
// Fragments live in a prompts directory as markdown files with a
// model-specific → base fallback chain per layer. Loads are cached per
// (provider, task) pair; the cache is process-local and deliberately stale
// until [Store.Invalidate] — live sessions must not see mid-flight prompt
// drift (sessions additionally snapshot their layers, see the assembler).
package promptstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pamoka-labs/triksteris/internal/cartridge"
)

// Prompt layer names, also used as session snapshot keys.
const (
	LayerPersona      = "persona"
	LayerBehaviour    = "behaviour"
	LayerSafety       = "safety"
	LayerTaskOverride = "task_override"
)

// providerSuffix maps provider identifiers to file-name suffixes. Providers
// outside this closed set resolve to the base files only.
var providerSuffix = map[string]string{
	"gemini": "gemini",
	"claude": "claude",
}

// Prompts holds the four loaded layers. An empty string means the layer is
// absent (missing file or whitespace-only content).
type Prompts struct {
	Persona      string
	Behaviour    string
	Safety       string
	TaskOverride string
}

// Snapshot returns the non-empty layers keyed by layer name, for storing into
// a session.
func (p Prompts) Snapshot() map[string]string {
	out := make(map[string]string, 4)
	for name, content := range map[string]string{
		LayerPersona:      p.Persona,
		LayerBehaviour:    p.Behaviour,
		LayerSafety:       p.Safety,
		LayerTaskOverride: p.TaskOverride,
	} {
		if content != "" {
			out[name] = content
		}
	}
	return out
}

// FromSnapshot reconstructs Prompts from a session snapshot map.
func FromSnapshot(snap map[string]string) Prompts {
	return Prompts{
		Persona:      snap[LayerPersona],
		Behaviour:    snap[LayerBehaviour],
		Safety:       snap[LayerSafety],
		TaskOverride: snap[LayerTaskOverride],
	}
}

type cacheKey struct {
	provider string
	taskID   string
}

// Store loads and caches prompt fragments. Safe for concurrent use.
type Store struct {
	root string

	mu    sync.Mutex
	cache map[cacheKey]Prompts
}

// New creates a store rooted at the prompts directory.
func New(root string) *Store {
	return &Store{
		root:  root,
		cache: make(map[cacheKey]Prompts),
	}
}

// Load resolves the four prompt layers for a provider and optional task. For
// each layer the model-specific file is preferred over the base file. Results
// are cached; a cache hit performs no I/O.
func (s *Store) Load(provider, taskID string) (Prompts, error) {
	key := cacheKey{provider: provider, taskID: taskID}

	s.mu.Lock()
	if p, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	suffix := providerSuffix[provider]

	var p Prompts
	var g errgroup.Group
	g.Go(func() (err error) {
		p.Persona, err = s.loadLayer("trickster", LayerPersona, suffix)
		return err
	})
	g.Go(func() (err error) {
		p.Behaviour, err = s.loadLayer("trickster", LayerBehaviour, suffix)
		return err
	})
	g.Go(func() (err error) {
		p.Safety, err = s.loadLayer("trickster", LayerSafety, suffix)
		return err
	})
	g.Go(func() (err error) {
		if taskID == "" {
			return nil
		}
		p.TaskOverride, err = s.loadLayer(filepath.Join("tasks", taskID), "trickster", suffix)
		return err
	})
	if err := g.Wait(); err != nil {
		return Prompts{}, err
	}

	s.mu.Lock()
	s.cache[key] = p
	s.mu.Unlock()
	return p, nil
}

// loadLayer reads <dir>/<name>_<suffix>.md falling back to <dir>/<name>_base.md.
// A missing or whitespace-only file yields an empty string.
func (s *Store) loadLayer(dir, name, suffix string) (string, error) {
	if suffix != "" {
		content, err := s.readFragment(filepath.Join(dir, name+"_"+suffix+".md"))
		if err != nil {
			return "", err
		}
		if content != "" {
			return content, nil
		}
	}
	return s.readFragment(filepath.Join(dir, name+"_base.md"))
}

// readFragment reads one fragment relative to the store root, stripped of
// surrounding whitespace. Absent files are not an error.
func (s *Store) readFragment(rel string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.root, rel))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("promptstore: read %q: %w", rel, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Validate checks that the prompt files a cartridge needs actually exist.
// Cartridges with AI phases require non-empty persona, behaviour, and safety
// base files; static-only cartridges validate vacuously. Returns one error
// per offending file.
func (s *Store) Validate(c *cartridge.TaskCartridge) []error {
	if c.IsStatic() || !c.HasAIPhase() {
		return nil
	}

	var errs []error
	for _, layer := range []string{LayerPersona, LayerBehaviour, LayerSafety} {
		rel := filepath.Join("trickster", layer+"_base.md")
		content, err := s.readFragment(rel)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if content == "" {
			errs = append(errs, fmt.Errorf("promptstore: task %q requires non-empty %s", c.TaskID, rel))
		}
	}
	return errs
}

// Invalidate drops every cached entry. Wired to content hot-reload.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[cacheKey]Prompts)
}
