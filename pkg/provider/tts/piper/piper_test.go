package piper

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/voxhall/voxhall/pkg/provider/tts"
)

// writeModel creates a fake ONNX model plus sidecar under dir and returns the
// relative model path.
func writeModel(t *testing.T, dir, rel, sidecarJSON string) string {
	t.Helper()
	full := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte("onnx"), 0o644); err != nil {
		t.Fatal(err)
	}
	if sidecarJSON != "" {
		if err := os.WriteFile(full+".json", []byte(sidecarJSON), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return rel
}

func TestInitializeReadsSidecar(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rel := writeModel(t, dir, "de/thorsten/low/de-thorsten-low.onnx",
		`{"audio":{"sample_rate":22050},"language":{"code":"de"}}`)

	e := New(dir, []VoiceModel{{ID: "de-thorsten-low", ModelPath: rel}})
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	voices := e.SupportedVoices()
	if len(voices) != 1 {
		t.Fatalf("voices: want 1, got %d", len(voices))
	}
	if voices[0].SampleRate != 22050 {
		t.Errorf("sample rate from sidecar: want 22050, got %d", voices[0].SampleRate)
	}
	if voices[0].Language != "de" {
		t.Errorf("language from sidecar: want de, got %q", voices[0].Language)
	}
	if !e.Info().Ready {
		t.Error("engine must report ready after Initialize")
	}
}

func TestInitializeFailsWithoutSidecar(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rel := writeModel(t, dir, "voice.onnx", "")

	e := New(dir, []VoiceModel{{ID: "v", ModelPath: rel}})
	err := e.Initialize(context.Background())
	if !errors.Is(err, tts.ErrUnavailable) {
		t.Fatalf("want ErrUnavailable for missing sidecar, got %v", err)
	}
	if e.Info().Ready {
		t.Error("engine must not report ready after failed Initialize")
	}
	if e.Info().Reason == "" {
		t.Error("failed init must record a reason")
	}
}

func TestInitializeFailsWithoutSampleRate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rel := writeModel(t, dir, "voice.onnx", `{"language":{"code":"de"}}`)

	e := New(dir, []VoiceModel{{ID: "v", ModelPath: rel}})
	if err := e.Initialize(context.Background()); !errors.Is(err, tts.ErrUnavailable) {
		t.Fatalf("want ErrUnavailable for sidecar without sample_rate, got %v", err)
	}
}

func TestInitializeFailsWithoutVoices(t *testing.T) {
	t.Parallel()

	e := New(t.TempDir(), nil)
	if err := e.Initialize(context.Background()); !errors.Is(err, tts.ErrUnavailable) {
		t.Fatalf("want ErrUnavailable for empty voice list, got %v", err)
	}
}

func TestSynthesizeRejectsUnknownVoice(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rel := writeModel(t, dir, "voice.onnx", `{"audio":{"sample_rate":16000}}`)
	e := New(dir, []VoiceModel{{ID: "v", ModelPath: rel}})
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Synthesize(context.Background(), "hi", "nope", tts.Options{}); err == nil {
		t.Fatal("want error for unknown voice")
	}
}

func TestSynthesizeRequiresInit(t *testing.T) {
	t.Parallel()

	e := New(t.TempDir(), []VoiceModel{{ID: "v", ModelPath: "voice.onnx"}})
	_, err := e.Synthesize(context.Background(), "hi", "v", tts.Options{})
	if !errors.Is(err, tts.ErrUnavailable) {
		t.Fatalf("want ErrUnavailable before Initialize, got %v", err)
	}
}

func TestApplyGainClamps(t *testing.T) {
	t.Parallel()

	// 30000 · 2 clamps to 32767.
	in := []byte{0x30, 0x75} // 30000
	out := applyGain(in, 2)
	if s := int16(out[0]) | int16(out[1])<<8; s != 32767 {
		t.Errorf("gain clamp: want 32767, got %d", s)
	}
}
