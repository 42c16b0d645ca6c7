// Package whisper implements stt.Transcriber against a whisper.cpp server.
//
// The adapter posts PCM16 WAV to the server's /inference endpoint and reads
// the JSON transcript. Model selection tolerates the common repo naming
// mismatch between quantized and converted model files: when the requested
// model is not served, the "-converted" counterpart is tried before failing.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/voxhall/voxhall/pkg/audio"
	"github.com/voxhall/voxhall/pkg/provider/stt"
)

// Option is a functional option for configuring the Transcriber.
type Option func(*Transcriber)

// WithModel sets the model name requested from the server.
func WithModel(model string) Option {
	return func(t *Transcriber) { t.model = model }
}

// WithLanguage sets the default recognition language.
func WithLanguage(language string) Option {
	return func(t *Transcriber) { t.language = language }
}

// WithHTTPClient overrides the HTTP client used for server calls.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transcriber) { t.client = c }
}

// Transcriber is an HTTP adapter for a whisper.cpp server.
type Transcriber struct {
	baseURL  string
	model    string
	language string
	client   *http.Client

	mu    sync.Mutex
	ready bool
}

var _ stt.Transcriber = (*Transcriber)(nil)

// New creates a whisper Transcriber for the server at baseURL
// (e.g. "http://localhost:8178").
func New(baseURL string, opts ...Option) *Transcriber {
	t := &Transcriber{
		baseURL:  strings.TrimRight(baseURL, "/"),
		language: "de",
		client:   &http.Client{Timeout: 120 * time.Second},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Initialize verifies the server is reachable and that the configured model
// (or its converted counterpart) is served.
func (t *Transcriber) Initialize(ctx context.Context) error {
	models, err := t.Models(ctx)
	if err != nil {
		return fmt.Errorf("whisper: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.model != "" && len(models) > 0 {
		if !containsModel(models, t.model) {
			converted := t.model + "-converted"
			if !containsModel(models, converted) {
				return fmt.Errorf("whisper: model %q not served (available: %v)", t.model, models)
			}
			t.model = converted
		}
	}
	t.ready = true
	return nil
}

func containsModel(models []string, want string) bool {
	for _, m := range models {
		if m == want {
			return true
		}
	}
	return false
}

// Transcribe posts the utterance as WAV and returns the transcript text.
func (t *Transcriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error) {
	t.mu.Lock()
	ready := t.ready
	model := t.model
	t.mu.Unlock()
	if !ready {
		return "", fmt.Errorf("whisper: not initialized")
	}

	if language == "" {
		language = t.language
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: build upload: %w", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(pcm, sampleRate)); err != nil {
		return "", fmt.Errorf("whisper: build upload: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: build upload: %w", err)
	}
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return "", fmt.Errorf("whisper: build upload: %w", err)
		}
	}
	if model != "" {
		if err := mw.WriteField("model", model); err != nil {
			return "", fmt.Errorf("whisper: build upload: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: inference: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: inference returned %d", resp.StatusCode)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("whisper: decode response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

// Model returns the currently selected model name.
func (t *Transcriber) Model() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.model
}

// SetModel switches to another served model, applying the same converted-name
// fallback as Initialize.
func (t *Transcriber) SetModel(ctx context.Context, model string) error {
	models, err := t.Models(ctx)
	if err != nil {
		return fmt.Errorf("whisper: %w", err)
	}
	if len(models) > 0 && !containsModel(models, model) {
		converted := model + "-converted"
		if !containsModel(models, converted) {
			return fmt.Errorf("whisper: model %q not served (available: %v)", model, models)
		}
		model = converted
	}
	t.mu.Lock()
	t.model = model
	t.mu.Unlock()
	return nil
}

// Models lists the models the server offers. Servers without a /models
// endpoint yield an empty list rather than an error.
func (t *Transcriber) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("models endpoint returned %d", resp.StatusCode)
	}

	var out struct {
		Models []string `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

// Close is a no-op; the adapter holds no persistent connection.
func (t *Transcriber) Close() error { return nil }
