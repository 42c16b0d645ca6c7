// Package voice provides the canonical voice identifier model: alias
// canonicalization, the per-engine voice binding table, and the text
// sanitizer applied before synthesis.
//
// A canonical voice identifier has the form "xx-name-quality", e.g.
// "de-thorsten-low". The locale form "xx_YY-name-quality" is an accepted
// alias. Voice-to-engine bindings act as a gate: an engine without an entry
// for a voice is not allowed to synthesize it.
package voice

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNotAllowed is returned by Resolve when the engine has no binding for the
// requested voice (the engine gate).
var ErrNotAllowed = errors.New("voice: engine not allowed for voice")

// localeAlias matches the "xx_YY-" locale prefix of a voice alias.
var localeAlias = regexp.MustCompile(`^([a-z]{2})_[a-z]{2}-`)

// Canonical matches the canonical voice identifier form.
var Canonical = regexp.MustCompile(`^[a-z]{2}-[a-z0-9_]+-(low|medium|high)$`)

// Canonicalize maps a raw voice name to its canonical form: whitespace is
// trimmed, the name is lowercased, and a locale prefix "xx_YY-" collapses to
// "xx-". Canonical input is returned unchanged, so the function is
// idempotent.
func Canonicalize(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	return localeAlias.ReplaceAllString(v, "$1-")
}

// EngineVoice binds a canonical voice to one engine's parameters. A missing
// binding means the engine may not synthesize that voice.
type EngineVoice struct {
	// Engine is the owning engine name ("piper", "kokoro", "zonos").
	Engine string `yaml:"-"`

	// VoiceID is the engine-internal voice or speaker identifier, when it
	// differs from the canonical name.
	VoiceID string `yaml:"voice_id"`

	// ModelPath is the model file relative to the engine's model directory
	// (Piper loads one model per voice).
	ModelPath string `yaml:"model_path"`

	// Language is the engine-native language code for this binding.
	Language string `yaml:"language"`

	// SampleRate is the engine's native output rate for this voice, in Hz.
	SampleRate int `yaml:"sample_rate"`
}

// Registry is the immutable voice-to-engine binding table. Lookups always use
// the canonical voice form. Safe for concurrent use after construction.
type Registry struct {
	voices map[string]map[string]EngineVoice

	// bypass disables the engine gate; intended for tests only.
	bypass bool
}

// registryFile is the YAML shape of the voice table.
type registryFile struct {
	Voices map[string]map[string]EngineVoice `yaml:"voices"`
}

//go:embed voices.yaml
var defaultVoices []byte

// DefaultRegistry loads the voice table compiled into the binary.
func DefaultRegistry() (*Registry, error) {
	return LoadRegistry(strings.NewReader(string(defaultVoices)))
}

// LoadRegistry decodes a YAML voice table from r. Voice keys are
// canonicalized on load and must match the canonical form. Locale aliases
// ("de_DE-*") need no table entries; Canonicalize resolves them at lookup
// time.
func LoadRegistry(r io.Reader) (*Registry, error) {
	var file registryFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("voice: decode registry: %w", err)
	}

	reg := &Registry{voices: make(map[string]map[string]EngineVoice, len(file.Voices))}
	for name, engines := range file.Voices {
		canonical := Canonicalize(name)
		if !Canonical.MatchString(canonical) {
			return nil, fmt.Errorf("voice: %q is not a canonical voice identifier", name)
		}
		bound := make(map[string]EngineVoice, len(engines))
		for engine, ev := range engines {
			ev.Engine = engine
			bound[engine] = ev
		}
		reg.voices[canonical] = bound
	}
	return reg, nil
}

// SetBypassGate disables (or re-enables) the engine gate. For tests.
func (r *Registry) SetBypassGate(bypass bool) { r.bypass = bypass }

// Resolve returns the engine binding for the given voice, canonicalizing the
// name first. Returns ErrNotAllowed when the engine has no binding and the
// gate is active.
func (r *Registry) Resolve(rawVoice, engine string) (EngineVoice, error) {
	canonical := Canonicalize(rawVoice)
	ev, ok := r.voices[canonical][engine]
	if !ok {
		if r.bypass {
			return EngineVoice{Engine: engine, VoiceID: canonical}, nil
		}
		return EngineVoice{}, fmt.Errorf("%w: voice %q, engine %q", ErrNotAllowed, canonical, engine)
	}
	return ev, nil
}

// Allowed reports whether the engine may synthesize the voice.
func (r *Registry) Allowed(rawVoice, engine string) bool {
	_, err := r.Resolve(rawVoice, engine)
	return err == nil
}

// Bindings returns every binding the engine has, keyed by canonical voice.
// An engine that loads models locally (Piper) builds its voice set from this.
func (r *Registry) Bindings(engine string) map[string]EngineVoice {
	out := make(map[string]EngineVoice)
	for name, engines := range r.voices {
		if ev, ok := engines[engine]; ok {
			out[name] = ev
		}
	}
	return out
}

// EnginesFor returns the sorted set of engines with a binding for the voice.
func (r *Registry) EnginesFor(rawVoice string) []string {
	bound := r.voices[Canonicalize(rawVoice)]
	engines := make([]string, 0, len(bound))
	for name := range bound {
		engines = append(engines, name)
	}
	sort.Strings(engines)
	return engines
}

// Voices returns all canonical voices in the table, sorted. For every "de-*"
// voice the "de_DE-*" locale alias is included as well; aliases are generated
// here rather than duplicated in the table.
func (r *Registry) Voices() []string {
	out := make([]string, 0, len(r.voices)*2)
	for name := range r.voices {
		out = append(out, name)
		if rest, ok := strings.CutPrefix(name, "de-"); ok {
			out = append(out, "de_DE-"+rest)
		}
	}
	sort.Strings(out)
	return out
}
