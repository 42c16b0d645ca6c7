// Package zonos implements tts.Engine against a Zonos synthesis service.
//
// Zonos is a speaker-conditioned generative model. Each voice is conditioned
// on a reference recording found in the speaker cache directory
// (spk_cache/<voice>.wav|mp3|flac|ogg, matched case-insensitively). The
// speaker embedding is registered with the service once per speaker and the
// returned speaker ID is reused for all subsequent calls.
//
// The adapter is safe for concurrent use; speaker registration is guarded by
// a per-engine mutex so an embedding is built at most once.
package zonos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/voxhall/voxhall/pkg/audio"
	"github.com/voxhall/voxhall/pkg/provider/tts"
)

const engineName = "zonos"

// speakerExtensions are the accepted reference-recording formats, in
// preference order.
var speakerExtensions = []string{".wav", ".mp3", ".flac", ".ogg"}

// languageTable normalizes caller language codes to the codes Zonos accepts.
var languageTable = map[string]string{
	"de":    "de",
	"de-de": "de",
	"de_de": "de",
	"en":    "en-us",
	"en-us": "en-us",
	"en-gb": "en-gb",
	"fr":    "fr-fr",
	"fr-fr": "fr-fr",
}

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithHTTPClient overrides the HTTP client used for service calls.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// Engine is an HTTP adapter for a Zonos service.
type Engine struct {
	baseURL  string
	spkCache string
	client   *http.Client

	mu       sync.Mutex
	speakers map[string]string // voice -> service speaker ID
	ready    bool
	reason   string
}

var _ tts.Engine = (*Engine)(nil)

// New creates a Zonos Engine for the service at baseURL with speaker samples
// under spkCacheDir. Call Initialize before Synthesize.
func New(baseURL, spkCacheDir string, opts ...Option) *Engine {
	e := &Engine{
		baseURL:  baseURL,
		spkCache: spkCacheDir,
		client:   &http.Client{Timeout: 120 * time.Second},
		speakers: make(map[string]string),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Initialize probes the service health endpoint and verifies the speaker
// cache directory exists.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := os.Stat(e.spkCache); err != nil {
		e.reason = fmt.Sprintf("speaker cache: %v", err)
		return fmt.Errorf("%w: zonos: speaker cache %q: %v", tts.ErrUnavailable, e.spkCache, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("zonos: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.reason = err.Error()
		return fmt.Errorf("%w: zonos: %v", tts.ErrUnavailable, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		e.reason = fmt.Sprintf("health returned %d", resp.StatusCode)
		return fmt.Errorf("%w: zonos: health returned %d", tts.ErrUnavailable, resp.StatusCode)
	}

	e.ready = true
	e.reason = ""
	return nil
}

// NormalizeLanguage maps a caller language code onto the set Zonos supports.
// Unsupported codes are rejected rather than guessed.
func NormalizeLanguage(code string) (string, error) {
	normalized, ok := languageTable[strings.ToLower(strings.TrimSpace(code))]
	if !ok {
		return "", fmt.Errorf("zonos: unsupported language %q", code)
	}
	return normalized, nil
}

// findSpeakerSample locates the reference recording for a voice in the
// speaker cache, matching the base name case-insensitively.
func (e *Engine) findSpeakerSample(voice string) (string, error) {
	entries, err := os.ReadDir(e.spkCache)
	if err != nil {
		return "", fmt.Errorf("zonos: read speaker cache: %w", err)
	}
	want := strings.ToLower(voice)
	for _, ext := range speakerExtensions {
		for _, entry := range entries {
			name := strings.ToLower(entry.Name())
			if name == want+ext {
				return filepath.Join(e.spkCache, entry.Name()), nil
			}
		}
	}
	return "", fmt.Errorf("zonos: no speaker sample for %q in %s", voice, e.spkCache)
}

// speakerID returns the service speaker ID for voice, registering the
// reference recording on first use.
func (e *Engine) speakerID(ctx context.Context, voice string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if id, ok := e.speakers[voice]; ok {
		return id, nil
	}

	samplePath, err := e.findSpeakerSample(voice)
	if err != nil {
		return "", err
	}
	sample, err := os.ReadFile(samplePath)
	if err != nil {
		return "", fmt.Errorf("zonos: read speaker sample: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("sample", filepath.Base(samplePath))
	if err != nil {
		return "", fmt.Errorf("zonos: build speaker upload: %w", err)
	}
	if _, err := fw.Write(sample); err != nil {
		return "", fmt.Errorf("zonos: build speaker upload: %w", err)
	}
	if err := mw.WriteField("name", voice); err != nil {
		return "", fmt.Errorf("zonos: build speaker upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("zonos: build speaker upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/speakers", &body)
	if err != nil {
		return "", fmt.Errorf("zonos: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("zonos: register speaker: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("zonos: register speaker returned %d", resp.StatusCode)
	}

	var reg struct {
		SpeakerID string `json:"speaker_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return "", fmt.Errorf("zonos: decode speaker response: %w", err)
	}
	if reg.SpeakerID == "" {
		return "", fmt.Errorf("zonos: service returned empty speaker_id")
	}

	e.speakers[voice] = reg.SpeakerID
	return reg.SpeakerID, nil
}

// synthesisRequest is the service's synthesis request body.
type synthesisRequest struct {
	Text      string  `json:"text"`
	SpeakerID string  `json:"speaker_id"`
	Language  string  `json:"language"`
	Speed     float64 `json:"speed,omitempty"`
}

// Synthesize conditions on the voice's speaker embedding and renders text.
func (e *Engine) Synthesize(ctx context.Context, text, voice string, opts tts.Options) (*tts.Result, error) {
	e.mu.Lock()
	ready := e.ready
	e.mu.Unlock()
	if !ready {
		return nil, fmt.Errorf("%w: zonos not initialized", tts.ErrUnavailable)
	}

	lang := opts.Language
	if lang == "" {
		lang = "de"
	}
	normalized, err := NormalizeLanguage(lang)
	if err != nil {
		return nil, err
	}

	speaker, err := e.speakerID(ctx, voice)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(synthesisRequest{
		Text:      text,
		SpeakerID: speaker,
		Language:  normalized,
		Speed:     opts.Speed,
	})
	if err != nil {
		return nil, fmt.Errorf("zonos: encode request: %w", err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/synthesize", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("zonos: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("zonos: synthesize: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("zonos: synthesize returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("zonos: read response: %w", err)
	}

	pcm, sampleRate, err := audio.DecodeWAV(body)
	if err != nil {
		return nil, fmt.Errorf("zonos: bad audio from service: %w", err)
	}

	return &tts.Result{
		Audio:          audio.EncodeWAV(pcm, sampleRate),
		SampleRate:     sampleRate,
		Engine:         engineName,
		Voice:          voice,
		ProcessingTime: time.Since(start),
	}, nil
}

// SupportedVoices lists the speakers present in the cache directory.
func (e *Engine) SupportedVoices() []tts.Voice {
	entries, err := os.ReadDir(e.spkCache)
	if err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []tts.Voice
	for _, entry := range entries {
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		for _, want := range speakerExtensions {
			if ext == want {
				base := strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
				if !seen[base] {
					seen[base] = true
					out = append(out, tts.Voice{ID: base, SampleRate: 44100})
				}
			}
		}
	}
	return out
}

// Info reports readiness.
func (e *Engine) Info() tts.Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return tts.Info{Name: engineName, Ready: e.ready, Reason: e.reason, SampleRate: 44100}
}

// Close is a no-op; the adapter holds no persistent connection.
func (e *Engine) Close() error { return nil }
