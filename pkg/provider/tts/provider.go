// Package tts defines the Engine interface for text-to-speech backends.
//
// An engine wraps one synthesis backend (a local Piper subprocess, a Kokoro
// or Zonos service) and presents a uniform single-shot interface: text in,
// PCM16 WAV out. Streaming between segments is the staged pipeline's job, not
// the engine's.
//
// Engines must respect context cancellation in Synthesize and either be safe
// for concurrent use or serialize calls internally; each implementation
// documents which.
package tts

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned by Initialize (and by Synthesize on an engine
// that never initialized) when the backend cannot be reached or its model
// assets are missing.
var ErrUnavailable = errors.New("tts: engine unavailable")

// Options are the per-call synthesis parameters. Zero values mean "engine
// default".
type Options struct {
	// Speed is the speaking-rate factor in (0, 2].
	Speed float64

	// Volume is the output gain factor in [0, 2].
	Volume float64

	// Language is the engine-native language code for this call.
	Language string
}

// Result is a completed synthesis. Audio is always PCM16 mono WAV with a
// header whose rate matches SampleRate.
type Result struct {
	// Audio is the rendered audio, PCM16 mono WAV.
	Audio []byte

	// SampleRate of the audio in Hz.
	SampleRate int

	// Engine that produced the audio.
	Engine string

	// Voice is the engine-internal voice identifier used.
	Voice string

	// ProcessingTime is how long synthesis took.
	ProcessingTime time.Duration
}

// Voice describes one voice an engine can render.
type Voice struct {
	// ID is the engine-internal voice identifier.
	ID string

	// Language is the voice's language code.
	Language string

	// SampleRate is the native output rate in Hz.
	SampleRate int
}

// Info is static engine metadata for introspection and the get_tts_info
// protocol operation.
type Info struct {
	// Name of the engine ("piper", "kokoro", "zonos").
	Name string

	// Ready reports whether Initialize succeeded.
	Ready bool

	// Reason holds the failure description when Ready is false.
	Reason string

	// SampleRate is the engine's default native rate in Hz.
	SampleRate int
}

// Engine is the abstraction over a synthesis backend.
type Engine interface {
	// Initialize prepares the backend (loads model metadata, probes the
	// service). Returns an error wrapping ErrUnavailable when the backend
	// cannot serve.
	Initialize(ctx context.Context) error

	// Synthesize renders text with the given engine-internal voice. The call
	// must abandon promptly when ctx is cancelled. The returned Result's
	// SampleRate always matches the WAV header in Audio.
	Synthesize(ctx context.Context, text, voice string, opts Options) (*Result, error)

	// SupportedVoices lists the voices this engine can render.
	SupportedVoices() []Voice

	// Info returns static engine metadata.
	Info() Info

	// Close releases backend resources. Safe to call more than once.
	Close() error
}
