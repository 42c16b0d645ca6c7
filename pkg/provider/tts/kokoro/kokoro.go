// Package kokoro implements tts.Engine against a Kokoro synthesis service.
//
// Kokoro is a single multi-voice model (quantized ONNX plus a voice embedding
// file) served over HTTP. All voices render at a fixed 24000 Hz. The adapter
// is safe for concurrent use; the service handles its own request queueing.
package kokoro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voxhall/voxhall/pkg/audio"
	"github.com/voxhall/voxhall/pkg/provider/tts"
)

const (
	engineName = "kokoro"

	// nativeRate is Kokoro's fixed output rate.
	nativeRate = 24000
)

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithHTTPClient overrides the HTTP client used for service calls.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// Engine is an HTTP adapter for a Kokoro service.
type Engine struct {
	baseURL string
	client  *http.Client

	ready  bool
	reason string
	voices []tts.Voice
}

var _ tts.Engine = (*Engine)(nil)

// New creates a Kokoro Engine for the service at baseURL
// (e.g. "http://localhost:8880"). Call Initialize before Synthesize.
func New(baseURL string, opts ...Option) *Engine {
	e := &Engine{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Initialize probes the service and loads its voice list.
func (e *Engine) Initialize(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/voices", nil)
	if err != nil {
		return fmt.Errorf("kokoro: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.reason = err.Error()
		return fmt.Errorf("%w: kokoro: %v", tts.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		e.reason = fmt.Sprintf("voices endpoint returned %d", resp.StatusCode)
		return fmt.Errorf("%w: kokoro: voices endpoint returned %d", tts.ErrUnavailable, resp.StatusCode)
	}

	var body struct {
		Voices []string `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		e.reason = err.Error()
		return fmt.Errorf("%w: kokoro: decode voices: %v", tts.ErrUnavailable, err)
	}

	e.voices = e.voices[:0]
	for _, id := range body.Voices {
		e.voices = append(e.voices, tts.Voice{ID: id, Language: "en", SampleRate: nativeRate})
	}
	e.ready = true
	e.reason = ""
	return nil
}

// synthesisRequest is the service's synthesis request body.
type synthesisRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed,omitempty"`
}

// Synthesize posts the text to the service and returns its WAV response,
// re-framed at the fixed native rate when the service replies with raw PCM.
func (e *Engine) Synthesize(ctx context.Context, text, voice string, opts tts.Options) (*tts.Result, error) {
	if !e.ready {
		return nil, fmt.Errorf("%w: kokoro not initialized", tts.ErrUnavailable)
	}

	payload, err := json.Marshal(synthesisRequest{Text: text, Voice: voice, Speed: opts.Speed})
	if err != nil {
		return nil, fmt.Errorf("kokoro: encode request: %w", err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/synthesize", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("kokoro: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kokoro: synthesize: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kokoro: synthesize returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kokoro: read response: %w", err)
	}

	wav := body
	sampleRate := nativeRate
	if pcm, sr, err := audio.DecodeWAV(body); err == nil {
		// Trust the service's header over the constant, then re-frame so the
		// result is guaranteed canonical PCM16 mono.
		wav = audio.EncodeWAV(pcm, sr)
		sampleRate = sr
	} else {
		wav = audio.EncodeWAV(body, nativeRate)
	}

	return &tts.Result{
		Audio:          wav,
		SampleRate:     sampleRate,
		Engine:         engineName,
		Voice:          voice,
		ProcessingTime: time.Since(start),
	}, nil
}

// SupportedVoices lists the service's voices as reported at Initialize.
func (e *Engine) SupportedVoices() []tts.Voice { return e.voices }

// Info reports readiness and the fixed native rate.
func (e *Engine) Info() tts.Info {
	return tts.Info{Name: engineName, Ready: e.ready, Reason: e.reason, SampleRate: nativeRate}
}

// Close is a no-op; the adapter holds no persistent connection.
func (e *Engine) Close() error { return nil }
