// Package mock provides a scriptable llm.Provider for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voxhall/voxhall/pkg/provider/llm"
)

// ChatCall records one Chat invocation.
type ChatCall struct {
	Messages []llm.Message
	Opts     llm.Options
}

// Provider is a scriptable llm.Provider. The zero value answers every chat
// with "ok".
type Provider struct {
	// Reply, when non-empty, is returned from Chat.
	Reply string
	// ChatErr is returned from Chat.
	ChatErr error
	// Delay is waited (context-aware) before Chat returns.
	Delay time.Duration
	// ModelList is returned from Models.
	ModelList []string

	mu    sync.Mutex
	model string
	calls []ChatCall
}

var _ llm.Provider = (*Provider)(nil)

func (m *Provider) Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error) {
	m.mu.Lock()
	msgs := make([]llm.Message, len(messages))
	copy(msgs, messages)
	m.calls = append(m.calls, ChatCall{Messages: msgs, Opts: opts})
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if m.ChatErr != nil {
		return "", m.ChatErr
	}
	if m.Reply != "" {
		return m.Reply, nil
	}
	return "ok", nil
}

func (m *Provider) Models(context.Context) ([]string, error) { return m.ModelList, nil }

func (m *Provider) Model() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == "" {
		return "mock-model"
	}
	return m.model
}

func (m *Provider) SetModel(model string) error {
	m.mu.Lock()
	m.model = model
	m.mu.Unlock()
	return nil
}

// Calls returns a copy of the recorded Chat invocations.
func (m *Provider) Calls() []ChatCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChatCall, len(m.calls))
	copy(out, m.calls)
	return out
}
