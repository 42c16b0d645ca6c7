// Package tts hosts the engine manager that owns all synthesis engines,
// enforces the voice gate, and picks the engine for each request.
package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/voxhall/voxhall/internal/observe"
	"github.com/voxhall/voxhall/pkg/provider/tts"
	"github.com/voxhall/voxhall/pkg/voice"
)

// ErrVoiceEngineMismatch is returned when the requested engine is not bound
// to the requested voice in the registry.
var ErrVoiceEngineMismatch = errors.New("engine not allowed for voice")

// ErrNoEngine is returned when no engine can serve a request.
var ErrNoEngine = errors.New("no usable engine")

// ErrSwitchingDisabled is returned by SwitchEngine when runtime engine
// switching is turned off.
var ErrSwitchingDisabled = errors.New("engine switching disabled")

// EngineStatus describes one engine's init outcome.
type EngineStatus struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Reason string `json:"reason,omitempty"`
}

// Manager owns the engine map and dispatches synthesis requests. Engines are
// registered before Initialize and shared read-only afterwards.
type Manager struct {
	registry  *voice.Registry
	metrics   *observe.Metrics
	switching bool

	mu       sync.RWMutex
	engines  map[string]tts.Engine
	status   map[string]EngineStatus
	defaults string
}

// NewManager creates a Manager over the given voice registry. switching
// controls whether SwitchEngine is honored at runtime.
func NewManager(reg *voice.Registry, metrics *observe.Metrics, switching bool) *Manager {
	return &Manager{
		registry:  reg,
		metrics:   metrics,
		switching: switching,
		engines:   make(map[string]tts.Engine),
		status:    make(map[string]EngineStatus),
	}
}

// Register adds an engine under name. Must be called before Initialize.
func (m *Manager) Register(name string, e tts.Engine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engines[name] = e
}

// Initialize initializes every registered engine and records per-engine
// status. defaultEngine becomes the manager default; when it failed to
// initialize the first ready engine takes its place. At least one engine must
// come up.
func (m *Manager) Initialize(ctx context.Context, defaultEngine string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var readyNames []string
	for name, e := range m.engines {
		st := EngineStatus{Name: name}
		if err := e.Initialize(ctx); err != nil {
			st.Reason = err.Error()
			slog.Warn("tts engine unavailable", "engine", name, "error", err)
		} else {
			st.Ready = true
			readyNames = append(readyNames, name)
			slog.Info("tts engine ready", "engine", name)
		}
		m.status[name] = st
	}
	if len(readyNames) == 0 {
		return fmt.Errorf("%w: no tts engine initialized", ErrNoEngine)
	}
	sort.Strings(readyNames)

	m.defaults = defaultEngine
	if st, ok := m.status[defaultEngine]; !ok || !st.Ready {
		m.defaults = readyNames[0]
		slog.Warn("default tts engine unavailable, using fallback",
			"requested", defaultEngine, "using", m.defaults)
	}
	return nil
}

// Options carries per-request synthesis parameters. Engine and Voice may be
// empty to use the defaults.
type Options struct {
	Engine string
	Voice  string
	Speed  float64
	Volume float64
}

// Synthesize sanitizes text, resolves the engine per precedence (explicit
// request, then voice binding, then manager default), enforces the voice gate
// and dispatches. The returned result carries the engine that produced it.
func (m *Manager) Synthesize(ctx context.Context, text string, opts Options) (*tts.Result, error) {
	clean := voice.Sanitize(text)
	if clean == "" {
		return nil, fmt.Errorf("empty text after sanitizing")
	}
	v := voice.Canonicalize(opts.Voice)

	name, err := m.pickEngine(opts.Engine, v)
	if err != nil {
		return nil, err
	}
	if !m.registry.Allowed(v, name) {
		if m.metrics != nil {
			m.metrics.RecordError(ctx, "voice_engine_mismatch")
		}
		return nil, fmt.Errorf("%w: voice %q, engine %q", ErrVoiceEngineMismatch, v, name)
	}

	m.mu.RLock()
	e := m.engines[name]
	st := m.status[name]
	m.mu.RUnlock()
	if e == nil || !st.Ready {
		if m.metrics != nil {
			m.metrics.RecordEngineUnavailable(ctx, name)
		}
		return nil, fmt.Errorf("%w: engine %q not ready", tts.ErrUnavailable, name)
	}

	engineVoice := v
	if ev, err := m.registry.Resolve(v, name); err == nil && ev.VoiceID != "" {
		engineVoice = ev.VoiceID
	}

	start := time.Now()
	res, err := e.Synthesize(ctx, clean, engineVoice, tts.Options{
		Speed:    opts.Speed,
		Volume:   opts.Volume,
		Language: m.languageFor(v, name),
	})
	if m.metrics != nil {
		m.metrics.RecordTTSLatency(ctx, name, time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("engine %s: %w", name, err)
	}
	return res, nil
}

// pickEngine resolves which engine serves a request.
func (m *Manager) pickEngine(explicit, canonicalVoice string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	m.mu.RLock()
	def := m.defaults
	m.mu.RUnlock()

	bound := m.registry.EnginesFor(canonicalVoice)
	if len(bound) == 0 {
		if def == "" {
			return "", ErrNoEngine
		}
		return def, nil
	}
	for _, b := range bound {
		if b == def {
			return def, nil
		}
	}
	// Voice not bound to the default: first ready bound engine wins.
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range bound {
		if st, ok := m.status[b]; ok && st.Ready {
			return b, nil
		}
	}
	return "", fmt.Errorf("%w: no ready engine bound to voice %q", ErrNoEngine, canonicalVoice)
}

// languageFor returns the registry language for a voice/engine binding, or
// empty when unbound.
func (m *Manager) languageFor(canonicalVoice, engine string) string {
	if ev, err := m.registry.Resolve(canonicalVoice, engine); err == nil {
		return ev.Language
	}
	return ""
}

// SwitchEngine flips the manager default, honoring the switching flag. The
// target must be registered and ready.
func (m *Manager) SwitchEngine(name string) error {
	if !m.switching {
		return ErrSwitchingDisabled
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.status[name]
	if !ok {
		return fmt.Errorf("%w: unknown engine %q", ErrNoEngine, name)
	}
	if !st.Ready {
		return fmt.Errorf("%w: engine %q not ready", tts.ErrUnavailable, name)
	}
	m.defaults = name
	slog.Info("default tts engine switched", "engine", name)
	return nil
}

// SwitchingEnabled reports whether runtime engine switching is allowed.
func (m *Manager) SwitchingEnabled() bool { return m.switching }

// DefaultEngine returns the current manager default.
func (m *Manager) DefaultEngine() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaults
}

// Ready reports whether the named engine initialized successfully.
func (m *Manager) Ready(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.status[name]
	return ok && st.Ready
}

// Engine returns the named engine when it is registered and ready.
func (m *Manager) Engine(name string) (tts.Engine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.engines[name]
	if !ok {
		return nil, false
	}
	st := m.status[name]
	return e, st.Ready
}

// Statuses lists every registered engine's init outcome, sorted by name.
func (m *Manager) Statuses() []EngineStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]EngineStatus, 0, len(m.status))
	for _, st := range m.status {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AllowedForVoice reports the registry gate decision for a voice/engine pair.
func (m *Manager) AllowedForVoice(engine, rawVoice string) bool {
	return m.registry.Allowed(voice.Canonicalize(rawVoice), engine)
}

// TestEngines runs a short self-test synthesis on every ready engine and
// returns the per-engine outcome. Used by the test_tts_engines operation.
func (m *Manager) TestEngines(ctx context.Context, testVoice string) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.engines))
	for name, st := range m.status {
		if st.Ready {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()
	sort.Strings(names)

	out := make(map[string]string, len(names))
	for _, name := range names {
		_, err := m.Synthesize(ctx, "Test.", Options{Engine: name, Voice: testVoice, Speed: 1, Volume: 1})
		if err != nil {
			out[name] = "fail: " + err.Error()
		} else {
			out[name] = "ok"
		}
	}
	return out
}

// Registry exposes the voice registry for introspection handlers.
func (m *Manager) Registry() *voice.Registry { return m.registry }

// Close shuts down every registered engine.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for name, e := range m.engines {
		if err := e.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
