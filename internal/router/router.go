package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"github.com/voxhall/voxhall/internal/observe"
	"github.com/voxhall/voxhall/pkg/provider/llm"
	"github.com/voxhall/voxhall/pkg/voice"
)

// defaultNoAnswer is spoken when every stage comes up empty.
const defaultNoAnswer = "Das habe ich leider nicht verstanden."

const (
	defaultMaxTurns      = 10
	defaultMaxReplyChars = 500
)

// Config tunes the routing stages.
type Config struct {
	// SystemPrompt prefixes every LLM conversation. Optional.
	SystemPrompt string
	// MaxTurns bounds the rolling history per client in user/assistant
	// pairs. Default 10.
	MaxTurns int
	// MaxReplyChars caps LLM replies at a sentence boundary. Default 500.
	MaxReplyChars int
	// NoAnswer replaces the built-in fallback phrase when set.
	NoAnswer string
	// Temperature and MaxTokens are forwarded to the LLM.
	Temperature float64
	MaxTokens   int
}

// Router resolves a transcript to reply text. Stages run in order: intent
// classification, external workflow, skills, LLM chat, fallback phrase. A
// failing stage logs and falls through; Route never returns an empty reply.
type Router struct {
	cfg        Config
	classifier *Classifier
	skills     *SkillSet
	workflow   *Workflow
	llm        llm.Provider
	metrics    *observe.Metrics

	mu      sync.Mutex
	history map[string][]llm.Message
}

// New assembles a router. classifier and skills must be non-nil; workflow,
// provider and metrics may be nil to disable their stages.
func New(cfg Config, classifier *Classifier, skills *SkillSet, workflow *Workflow, provider llm.Provider, metrics *observe.Metrics) *Router {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	if cfg.MaxReplyChars <= 0 {
		cfg.MaxReplyChars = defaultMaxReplyChars
	}
	if cfg.NoAnswer == "" {
		cfg.NoAnswer = defaultNoAnswer
	}
	return &Router{
		cfg:        cfg,
		classifier: classifier,
		skills:     skills,
		workflow:   workflow,
		llm:        provider,
		metrics:    metrics,
		history:    make(map[string][]llm.Message),
	}
}

// DefaultClassifier returns the stock intent set: external workflow triggers
// and the clock skill's time queries.
func DefaultClassifier() *Classifier {
	c := NewClassifier()
	c.AddIntent(IntentExternal,
		"starte den workflow",
		"frag die automation",
		"run the workflow",
		"ask the automation",
	)
	c.AddIntent(IntentTime,
		"wie spät ist es",
		"sag mir die uhrzeit",
		"what time is it",
	)
	return c
}

// Route turns one transcript into reply text for the client.
func (r *Router) Route(ctx context.Context, clientID, transcript string) (string, error) {
	clean := strings.TrimSpace(voice.Sanitize(transcript))
	if clean == "" {
		return r.cfg.NoAnswer, nil
	}

	cls := r.classifier.Classify(clean)
	slog.Debug("transcript classified",
		"client_id", clientID, "intent", cls.Intent, "confidence", cls.Confidence)

	if cls.Intent == IntentExternal && r.workflow != nil {
		reply, err := r.workflow.Ask(ctx, clientID, clean)
		if err == nil && reply != "" {
			return reply, nil
		}
		if r.metrics != nil {
			r.metrics.RecordError(ctx, "external_http_error")
		}
		slog.Warn("external workflow failed, falling back", "client_id", clientID, "error", err)
	}

	skill := r.skills.ByIntent(cls.Intent)
	if skill == nil {
		skill = r.skills.Match(clean)
	}
	if skill != nil {
		reply, err := skill.Handle(ctx, clean)
		if err == nil && reply != "" {
			return reply, nil
		}
		slog.Warn("skill failed, falling back",
			"client_id", clientID, "skill", skill.IntentName(), "error", err)
	}

	if r.llm != nil {
		reply, err := r.chat(ctx, clientID, clean)
		if err == nil && reply != "" {
			return reply, nil
		}
		if r.metrics != nil {
			r.metrics.RecordError(ctx, "llm_error")
		}
		slog.Warn("llm chat failed, falling back", "client_id", clientID, "error", err)
	}

	return r.cfg.NoAnswer, nil
}

// chat runs one LLM turn with the client's rolling history.
func (r *Router) chat(ctx context.Context, clientID, text string) (string, error) {
	r.mu.Lock()
	cfg := r.cfg
	past := make([]llm.Message, len(r.history[clientID]))
	copy(past, r.history[clientID])
	r.mu.Unlock()

	msgs := make([]llm.Message, 0, len(past)+2)
	if cfg.SystemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: cfg.SystemPrompt})
	}
	msgs = append(msgs, past...)
	msgs = append(msgs, llm.Message{Role: "user", Content: text})

	reply, err := r.llm.Chat(ctx, msgs, llm.Options{
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	reply = capReply(strings.TrimSpace(reply), cfg.MaxReplyChars)

	r.mu.Lock()
	h := append(r.history[clientID],
		llm.Message{Role: "user", Content: text},
		llm.Message{Role: "assistant", Content: reply},
	)
	if limit := cfg.MaxTurns * 2; len(h) > limit {
		h = h[len(h)-limit:]
	}
	r.history[clientID] = h
	r.mu.Unlock()

	return reply, nil
}

// SetLLMOptions adjusts the chat parameters at runtime. Nil fields keep
// their current value.
func (r *Router) SetLLMOptions(temperature *float64, maxTokens *int, systemPrompt *string) {
	r.mu.Lock()
	if temperature != nil {
		r.cfg.Temperature = *temperature
	}
	if maxTokens != nil {
		r.cfg.MaxTokens = *maxTokens
	}
	if systemPrompt != nil {
		r.cfg.SystemPrompt = *systemPrompt
	}
	r.mu.Unlock()
}

// ClearHistory drops the client's chat history. Called on disconnect.
func (r *Router) ClearHistory(clientID string) {
	r.mu.Lock()
	delete(r.history, clientID)
	r.mu.Unlock()
}

// HistoryLen reports the stored message count for a client.
func (r *Router) HistoryLen(clientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.history[clientID])
}

// capReply trims text to at most max runes, cutting at the last sentence end
// inside the limit, or the last word boundary when no sentence fits.
func capReply(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	head := runes[:max]

	for i := len(head) - 1; i >= 0; i-- {
		switch head[i] {
		case '.', '!', '?':
			return strings.TrimSpace(string(head[:i+1]))
		}
	}
	for i := len(head) - 1; i >= 0; i-- {
		if unicode.IsSpace(head[i]) {
			return strings.TrimSpace(string(head[:i]))
		}
	}
	return string(head)
}
