// Package mock provides a scriptable tts.Engine for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voxhall/voxhall/pkg/audio"
	"github.com/voxhall/voxhall/pkg/provider/tts"
)

// SynthesizeCall records the arguments of one Synthesize invocation.
type SynthesizeCall struct {
	Text  string
	Voice string
	Opts  tts.Options
}

// Engine is a scriptable tts.Engine. Zero value is ready to use: it reports
// itself available and synthesizes a short buffer of silence. Safe for
// concurrent use.
type Engine struct {
	// Name reported in Info and Result. Defaults to "mock".
	Name string

	// SampleRate of generated audio. Defaults to 16000.
	SampleRate int

	// InitErr, when set, is returned by Initialize.
	InitErr error

	// SynthesizeErr, when set, is returned by every Synthesize call.
	SynthesizeErr error

	// Delay is slept (context-aware) inside Synthesize before returning.
	Delay time.Duration

	// Samples is the number of PCM samples to emit per call. Defaults to 160.
	Samples int

	// Voices returned by SupportedVoices.
	Voices []tts.Voice

	mu    sync.Mutex
	calls []SynthesizeCall
	ready bool
}

var _ tts.Engine = (*Engine)(nil)

func (e *Engine) name() string {
	if e.Name == "" {
		return "mock"
	}
	return e.Name
}

func (e *Engine) rate() int {
	if e.SampleRate == 0 {
		return 16000
	}
	return e.SampleRate
}

// Initialize returns InitErr and marks the engine ready on success.
func (e *Engine) Initialize(context.Context) error {
	if e.InitErr != nil {
		return e.InitErr
	}
	e.mu.Lock()
	e.ready = true
	e.mu.Unlock()
	return nil
}

// Synthesize records the call and returns scripted audio or SynthesizeErr.
func (e *Engine) Synthesize(ctx context.Context, text, voice string, opts tts.Options) (*tts.Result, error) {
	e.mu.Lock()
	e.calls = append(e.calls, SynthesizeCall{Text: text, Voice: voice, Opts: opts})
	e.mu.Unlock()

	if e.Delay > 0 {
		select {
		case <-time.After(e.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.SynthesizeErr != nil {
		return nil, e.SynthesizeErr
	}

	n := e.Samples
	if n == 0 {
		n = 160
	}
	pcm := make([]byte, n*2)
	return &tts.Result{
		Audio:      audio.EncodeWAV(pcm, e.rate()),
		SampleRate: e.rate(),
		Engine:     e.name(),
		Voice:      voice,
	}, nil
}

// SupportedVoices returns the scripted voice list.
func (e *Engine) SupportedVoices() []tts.Voice { return e.Voices }

// Info reports the scripted name and readiness.
func (e *Engine) Info() tts.Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	info := tts.Info{Name: e.name(), Ready: e.ready, SampleRate: e.rate()}
	if e.InitErr != nil {
		info.Reason = e.InitErr.Error()
	}
	return info
}

// Close is a no-op.
func (e *Engine) Close() error { return nil }

// Calls returns a copy of all recorded Synthesize calls.
func (e *Engine) Calls() []SynthesizeCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SynthesizeCall, len(e.calls))
	copy(out, e.calls)
	return out
}
