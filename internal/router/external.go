package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/voxhall/voxhall/internal/resilience"
)

// ErrNoWorkflow is returned when Ask is called with no endpoints configured.
var ErrNoWorkflow = errors.New("router: no workflow endpoint configured")

const (
	workflowMaxTries = 3
	workflowTimeout  = 10 * time.Second
	// maxWorkflowBody caps how much of a reply body is read.
	maxWorkflowBody = 1 << 20
)

// Workflow posts transcripts to external automation endpoints (Flowise, n8n)
// and extracts the textual answer. Endpoints are tried in order behind
// per-endpoint circuit breakers; each attempt retries transient failures with
// exponential backoff up to three tries. The first 2xx reply wins.
type Workflow struct {
	chain   *resilience.Chain[string]
	client  *http.Client
	timeout time.Duration
}

// WorkflowOption configures a [Workflow].
type WorkflowOption func(*Workflow)

// WithWorkflowClient replaces the HTTP client.
func WithWorkflowClient(c *http.Client) WorkflowOption {
	return func(w *Workflow) {
		w.client = c
	}
}

// WithWorkflowTimeout bounds each individual HTTP call. Default: 10 s.
func WithWorkflowTimeout(d time.Duration) WorkflowOption {
	return func(w *Workflow) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// NewWorkflow creates a client over the given endpoint URLs. Returns nil when
// endpoints is empty, which disables the external stage.
func NewWorkflow(endpoints []string, opts ...WorkflowOption) *Workflow {
	if len(endpoints) == 0 {
		return nil
	}
	w := &Workflow{
		client:  &http.Client{},
		timeout: workflowTimeout,
	}
	for _, o := range opts {
		o(w)
	}
	w.chain = resilience.NewChain(endpoints[0], endpoints[0], resilience.BreakerConfig{})
	for _, ep := range endpoints[1:] {
		w.chain.Append(ep, ep)
	}
	return w
}

// workflowRequest is the POST body. Flowise reads "question", n8n flows
// usually bind "chatInput"; both fields carry the same text.
type workflowRequest struct {
	Question  string `json:"question"`
	ChatInput string `json:"chatInput"`
	SessionID string `json:"sessionId,omitempty"`
}

// Ask forwards the transcript and returns the winning endpoint's answer.
func (w *Workflow) Ask(ctx context.Context, clientID, text string) (string, error) {
	if w == nil {
		return "", ErrNoWorkflow
	}

	res, err := resilience.DoWithResult(w.chain, func(endpoint string) (string, error) {
		return backoff.Retry(ctx, func() (string, error) {
			return w.post(ctx, endpoint, clientID, text)
		},
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxTries(workflowMaxTries),
		)
	})
	if err != nil {
		return "", fmt.Errorf("router: workflow request failed: %w", err)
	}
	return res.Value, nil
}

// post performs one HTTP attempt against one endpoint. Client errors are
// marked permanent so backoff does not retry them.
func (w *Workflow) post(ctx context.Context, endpoint, clientID, text string) (string, error) {
	body, err := json.Marshal(workflowRequest{
		Question:  text,
		ChatInput: text,
		SessionID: clientID,
	})
	if err != nil {
		return "", backoff.Permanent(err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWorkflowBody))
	if err != nil {
		return "", err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return extractAnswer(raw), nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", backoff.Permanent(fmt.Errorf("workflow %s: status %d", endpoint, resp.StatusCode))
	default:
		return "", fmt.Errorf("workflow %s: status %d", endpoint, resp.StatusCode)
	}
}

// answerFields are checked in order against JSON replies. Flowise answers in
// "text", n8n in "output" or "answer".
var answerFields = []string{"text", "answer", "output", "reply", "result"}

// extractAnswer pulls the textual answer out of a 2xx body. Non-JSON bodies
// are returned verbatim.
func extractAnswer(raw []byte) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		for _, field := range answerFields {
			if s, ok := m[field].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return strings.TrimSpace(string(raw))
}
