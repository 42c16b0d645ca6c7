// Package mock provides a scriptable stt.Transcriber for tests.
package mock

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/voxhall/voxhall/pkg/provider/stt"
)

// TranscribeCall records one Transcribe invocation.
type TranscribeCall struct {
	PCMLen     int
	SampleRate int
	Language   string
}

// Transcriber is a scriptable stt.Transcriber. The zero value is usable and
// returns the byte length of the audio as the transcript, which makes
// round-trip tests self-describing.
type Transcriber struct {
	// Text, when non-empty, is returned verbatim from Transcribe.
	Text string
	// InitErr is returned from Initialize.
	InitErr error
	// TranscribeErr is returned from Transcribe.
	TranscribeErr error
	// Delay is waited (context-aware) before Transcribe returns.
	Delay time.Duration
	// ModelList is returned from Models.
	ModelList []string

	mu    sync.Mutex
	model string
	calls []TranscribeCall
}

var _ stt.Transcriber = (*Transcriber)(nil)

func (m *Transcriber) Initialize(context.Context) error { return m.InitErr }

func (m *Transcriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, TranscribeCall{PCMLen: len(pcm), SampleRate: sampleRate, Language: language})
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if m.TranscribeErr != nil {
		return "", m.TranscribeErr
	}
	if m.Text != "" {
		return m.Text, nil
	}
	return strconv.Itoa(len(pcm)), nil
}

func (m *Transcriber) Models(context.Context) ([]string, error) { return m.ModelList, nil }

func (m *Transcriber) Model() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == "" {
		return "mock-model"
	}
	return m.model
}

func (m *Transcriber) SetModel(_ context.Context, model string) error {
	m.mu.Lock()
	m.model = model
	m.mu.Unlock()
	return nil
}

func (m *Transcriber) Close() error { return nil }

// Calls returns a copy of the recorded Transcribe invocations.
func (m *Transcriber) Calls() []TranscribeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TranscribeCall, len(m.calls))
	copy(out, m.calls)
	return out
}
