// Package piper implements tts.Engine by driving the piper executable.
//
// Piper loads one ONNX model per voice. Each Synthesize call runs a fresh
// subprocess with --output-raw and pipes the text through stdin, so the
// engine is safe for concurrent use without internal locking. The native
// sample rate of each voice is read from the model's .onnx.json sidecar at
// initialization; a voice whose sidecar is missing fails init.
package piper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/voxhall/voxhall/pkg/audio"
	"github.com/voxhall/voxhall/pkg/provider/tts"
)

const engineName = "piper"

// VoiceModel declares one voice the engine should load: the engine-internal
// voice ID and the model path relative to the model directory.
type VoiceModel struct {
	ID        string
	ModelPath string
	Language  string
}

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithBinary overrides the piper executable path. Default: "piper" on $PATH.
func WithBinary(path string) Option {
	return func(e *Engine) { e.binary = path }
}

// WithSpeakerTimeout caps a single synthesis subprocess run. Default: 30s.
func WithSpeakerTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// Engine drives piper subprocesses, one per synthesis call.
type Engine struct {
	binary   string
	modelDir string
	timeout  time.Duration
	declared []VoiceModel

	mu     sync.Mutex
	voices map[string]loadedVoice // voice ID -> resolved model
	ready  bool
	reason string
}

type loadedVoice struct {
	modelPath  string
	language   string
	sampleRate int
}

var _ tts.Engine = (*Engine)(nil)

// New creates a piper Engine for the given model directory and voice list.
// Call Initialize before Synthesize.
func New(modelDir string, voices []VoiceModel, opts ...Option) *Engine {
	e := &Engine{
		binary:   "piper",
		modelDir: modelDir,
		timeout:  30 * time.Second,
		declared: voices,
		voices:   make(map[string]loadedVoice),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// sidecar is the subset of piper's model metadata JSON we need.
type sidecar struct {
	Audio struct {
		SampleRate int `json:"sample_rate"`
	} `json:"audio"`
	Language struct {
		Code string `json:"code"`
	} `json:"language"`
}

// Initialize resolves every declared voice: the model file must exist and its
// .onnx.json sidecar must carry a sample rate. Any missing asset fails init
// with tts.ErrUnavailable.
func (e *Engine) Initialize(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.declared) == 0 {
		e.reason = "no voices configured"
		return fmt.Errorf("%w: piper: no voices configured", tts.ErrUnavailable)
	}

	for _, v := range e.declared {
		modelPath := filepath.Join(e.modelDir, v.ModelPath)
		if _, err := os.Stat(modelPath); err != nil {
			e.reason = fmt.Sprintf("model for %s: %v", v.ID, err)
			return fmt.Errorf("%w: piper: model %q: %v", tts.ErrUnavailable, modelPath, err)
		}

		meta, err := os.ReadFile(modelPath + ".json")
		if err != nil {
			e.reason = fmt.Sprintf("sidecar for %s: %v", v.ID, err)
			return fmt.Errorf("%w: piper: sidecar for %q: %v", tts.ErrUnavailable, v.ID, err)
		}
		var sc sidecar
		if err := json.Unmarshal(meta, &sc); err != nil {
			e.reason = fmt.Sprintf("sidecar for %s: %v", v.ID, err)
			return fmt.Errorf("%w: piper: sidecar for %q: %v", tts.ErrUnavailable, v.ID, err)
		}
		if sc.Audio.SampleRate <= 0 {
			e.reason = fmt.Sprintf("sidecar for %s lacks sample_rate", v.ID)
			return fmt.Errorf("%w: piper: sidecar for %q lacks sample_rate", tts.ErrUnavailable, v.ID)
		}

		lang := v.Language
		if lang == "" {
			lang = sc.Language.Code
		}
		e.voices[v.ID] = loadedVoice{
			modelPath:  modelPath,
			language:   lang,
			sampleRate: sc.Audio.SampleRate,
		}
	}

	e.ready = true
	e.reason = ""
	return nil
}

// Synthesize runs one piper subprocess: text on stdin, raw s16le on stdout.
// The raw PCM is wrapped in a WAV header at the voice's native rate.
func (e *Engine) Synthesize(ctx context.Context, text, voice string, opts tts.Options) (*tts.Result, error) {
	e.mu.Lock()
	lv, ok := e.voices[voice]
	ready := e.ready
	e.mu.Unlock()

	if !ready {
		return nil, fmt.Errorf("%w: piper not initialized", tts.ErrUnavailable)
	}
	if !ok {
		return nil, fmt.Errorf("piper: unknown voice %q", voice)
	}

	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	args := []string{"--model", lv.modelPath, "--output-raw"}
	if opts.Speed > 0 && opts.Speed != 1 {
		// Piper's length scale is the inverse of speaking speed.
		args = append(args, "--length-scale", fmt.Sprintf("%.3f", 1/opts.Speed))
	}

	start := time.Now()
	cmd := exec.CommandContext(runCtx, e.binary, args...)
	cmd.Stdin = bytes.NewBufferString(text + "\n")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			return nil, runCtx.Err()
		}
		return nil, fmt.Errorf("piper: %v: %s", err, firstLine(stderr.Bytes()))
	}

	pcm := stdout.Bytes()
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	if opts.Volume > 0 && opts.Volume != 1 {
		pcm = applyGain(pcm, opts.Volume)
	}

	return &tts.Result{
		Audio:          audio.EncodeWAV(pcm, lv.sampleRate),
		SampleRate:     lv.sampleRate,
		Engine:         engineName,
		Voice:          voice,
		ProcessingTime: time.Since(start),
	}, nil
}

// SupportedVoices lists the resolved voices.
func (e *Engine) SupportedVoices() []tts.Voice {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]tts.Voice, 0, len(e.voices))
	for id, lv := range e.voices {
		out = append(out, tts.Voice{ID: id, Language: lv.language, SampleRate: lv.sampleRate})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Info reports engine readiness and the default rate (the first voice's).
func (e *Engine) Info() tts.Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	info := tts.Info{Name: engineName, Ready: e.ready, Reason: e.reason}
	for _, lv := range e.voices {
		info.SampleRate = lv.sampleRate
		break
	}
	return info
}

// Close is a no-op; subprocesses are per-call.
func (e *Engine) Close() error { return nil }

// applyGain scales int16 PCM by factor with clamping.
func applyGain(pcm []byte, factor float64) []byte {
	out := make([]byte, len(pcm))
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(pcm[i]) | int16(pcm[i+1])<<8)
		s *= factor
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		v := int16(s)
		out[i] = byte(v)
		out[i+1] = byte(v >> 8)
	}
	return out
}

// firstLine trims subprocess stderr to its first line for error messages.
func firstLine(b []byte) []byte {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return b[:i]
	}
	return b
}
