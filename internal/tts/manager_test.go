package tts

import (
	"context"
	"errors"
	"strings"
	"testing"

	ttsprov "github.com/voxhall/voxhall/pkg/provider/tts"
	ttsmock "github.com/voxhall/voxhall/pkg/provider/tts/mock"
	"github.com/voxhall/voxhall/pkg/voice"
)

const testTable = `
voices:
  de-thorsten-low:
    piper:
      model_path: de/thorsten/low/model.onnx
      language: de
      sample_rate: 16000
    zonos:
      voice_id: thorsten
      language: de-de
      sample_rate: 44100
  en-amy-low:
    piper:
      model_path: en/amy/low/model.onnx
      language: en
      sample_rate: 16000
`

func testRegistry(t *testing.T) *voice.Registry {
	t.Helper()
	reg, err := voice.LoadRegistry(strings.NewReader(testTable))
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	return reg
}

func newManager(t *testing.T, engines map[string]ttsprov.Engine, def string) *Manager {
	t.Helper()
	m := NewManager(testRegistry(t), nil, true)
	for name, e := range engines {
		m.Register(name, e)
	}
	if err := m.Initialize(context.Background(), def); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return m
}

func TestInitializeRequiresOneEngine(t *testing.T) {
	t.Parallel()

	m := NewManager(testRegistry(t), nil, true)
	m.Register("piper", &ttsmock.Engine{Name: "piper", InitErr: errors.New("no models")})
	if err := m.Initialize(context.Background(), "piper"); !errors.Is(err, ErrNoEngine) {
		t.Fatalf("want ErrNoEngine when every engine fails, got %v", err)
	}
}

func TestInitializeFallsBackDefault(t *testing.T) {
	t.Parallel()

	m := NewManager(testRegistry(t), nil, true)
	m.Register("piper", &ttsmock.Engine{Name: "piper"})
	m.Register("zonos", &ttsmock.Engine{Name: "zonos", InitErr: errors.New("service down")})
	if err := m.Initialize(context.Background(), "zonos"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if m.DefaultEngine() != "piper" {
		t.Errorf("default must fall back to the ready engine, got %q", m.DefaultEngine())
	}
	if m.Ready("zonos") {
		t.Error("failed engine must not report ready")
	}
}

func TestSynthesizeGate(t *testing.T) {
	t.Parallel()

	piper := &ttsmock.Engine{Name: "piper", SampleRate: 16000}
	kokoro := &ttsmock.Engine{Name: "kokoro", SampleRate: 24000}
	m := newManager(t, map[string]ttsprov.Engine{"piper": piper, "kokoro": kokoro}, "piper")

	// kokoro has no binding for de-thorsten-low.
	_, err := m.Synthesize(context.Background(), "Hallo", Options{Engine: "kokoro", Voice: "de-thorsten-low"})
	if !errors.Is(err, ErrVoiceEngineMismatch) {
		t.Fatalf("want ErrVoiceEngineMismatch, got %v", err)
	}
	if len(kokoro.Calls()) != 0 {
		t.Error("gated engine must not be called")
	}

	if _, err := m.Synthesize(context.Background(), "Hallo", Options{Engine: "piper", Voice: "de-thorsten-low"}); err != nil {
		t.Fatalf("allowed pair must synthesize: %v", err)
	}
}

func TestSynthesizeSanitizesText(t *testing.T) {
	t.Parallel()

	piper := &ttsmock.Engine{Name: "piper", SampleRate: 16000}
	m := newManager(t, map[string]ttsprov.Engine{"piper": piper}, "piper")

	if _, err := m.Synthesize(context.Background(), "„Hällo“ — Welt", Options{Voice: "de-thorsten-low"}); err != nil {
		t.Fatal(err)
	}
	calls := piper.Calls()
	if len(calls) != 1 {
		t.Fatalf("want 1 call, got %d", len(calls))
	}
	if got := calls[0].Text; got != `"Hällo" - Welt` {
		t.Errorf("sanitized text: got %q", got)
	}
}

func TestSynthesizeVoiceBoundEngine(t *testing.T) {
	t.Parallel()

	piper := &ttsmock.Engine{Name: "piper", SampleRate: 16000}
	zonos := &ttsmock.Engine{Name: "zonos", SampleRate: 44100}
	m := newManager(t, map[string]ttsprov.Engine{"piper": piper, "zonos": zonos}, "zonos")

	// en-amy-low is bound to piper only, so the zonos default is overridden.
	if _, err := m.Synthesize(context.Background(), "Hello", Options{Voice: "en-amy-low"}); err != nil {
		t.Fatal(err)
	}
	if len(piper.Calls()) != 1 || len(zonos.Calls()) != 0 {
		t.Errorf("voice binding must pick piper: piper=%d zonos=%d", len(piper.Calls()), len(zonos.Calls()))
	}
}

func TestSynthesizeUsesVoiceIDFromBinding(t *testing.T) {
	t.Parallel()

	zonos := &ttsmock.Engine{Name: "zonos", SampleRate: 44100}
	m := newManager(t, map[string]ttsprov.Engine{"zonos": zonos}, "zonos")

	if _, err := m.Synthesize(context.Background(), "Hallo", Options{Engine: "zonos", Voice: "de_DE-Thorsten-low"}); err != nil {
		t.Fatal(err)
	}
	calls := zonos.Calls()
	if len(calls) != 1 || calls[0].Voice != "thorsten" {
		t.Errorf("binding voice_id must be passed to the engine, got %+v", calls)
	}
}

func TestSwitchEngine(t *testing.T) {
	t.Parallel()

	piper := &ttsmock.Engine{Name: "piper"}
	zonos := &ttsmock.Engine{Name: "zonos"}
	m := newManager(t, map[string]ttsprov.Engine{"piper": piper, "zonos": zonos}, "piper")

	if err := m.SwitchEngine("zonos"); err != nil {
		t.Fatalf("SwitchEngine: %v", err)
	}
	if m.DefaultEngine() != "zonos" {
		t.Errorf("default after switch: got %q", m.DefaultEngine())
	}
	if err := m.SwitchEngine("ghost"); !errors.Is(err, ErrNoEngine) {
		t.Errorf("unknown engine: want ErrNoEngine, got %v", err)
	}
}

func TestSwitchEngineDisabled(t *testing.T) {
	t.Parallel()

	m := NewManager(testRegistry(t), nil, false)
	m.Register("piper", &ttsmock.Engine{Name: "piper"})
	if err := m.Initialize(context.Background(), "piper"); err != nil {
		t.Fatal(err)
	}
	if err := m.SwitchEngine("piper"); !errors.Is(err, ErrSwitchingDisabled) {
		t.Fatalf("want ErrSwitchingDisabled, got %v", err)
	}
}

func TestTestEngines(t *testing.T) {
	t.Parallel()

	piper := &ttsmock.Engine{Name: "piper"}
	zonos := &ttsmock.Engine{Name: "zonos", SynthesizeErr: errors.New("oom")}
	m := newManager(t, map[string]ttsprov.Engine{"piper": piper, "zonos": zonos}, "piper")

	out := m.TestEngines(context.Background(), "de-thorsten-low")
	if out["piper"] != "ok" {
		t.Errorf("piper self-test: got %q", out["piper"])
	}
	if !strings.HasPrefix(out["zonos"], "fail") {
		t.Errorf("zonos self-test: got %q", out["zonos"])
	}
}
