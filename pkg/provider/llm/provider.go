// Package llm defines the Provider interface for language-model backends.
//
// The gateway uses the LLM only as a fallback answerer: when no skill and no
// external workflow can serve a transcript, the conversation history plus the
// new question is sent to the model and the reply is spoken back. Implementors
// must be safe for concurrent use.
package llm

import "context"

// Message is one turn of a conversation.
type Message struct {
	// Role is "system", "user" or "assistant".
	Role string `json:"role"`
	// Content is the text of the turn.
	Content string `json:"content"`
}

// Options tune a single chat request. The zero value uses provider defaults.
type Options struct {
	// Temperature controls output randomness in [0, 2].
	Temperature float64
	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
	// Model overrides the provider's configured model for this request.
	Model string
}

// Provider is the abstraction over any chat-completion backend.
type Provider interface {
	// Chat sends the conversation and returns the assistant's reply text.
	Chat(ctx context.Context, messages []Message, opts Options) (string, error)

	// Models lists the model names the backend can serve.
	Models(ctx context.Context) ([]string, error)

	// Model returns the currently configured default model.
	Model() string

	// SetModel switches the default model for subsequent requests.
	SetModel(model string) error
}
