package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	llmmock "github.com/voxhall/voxhall/pkg/provider/llm/mock"
)

func testRouter(cfg Config, workflow *Workflow, provider *llmmock.Provider) *Router {
	skills := NewSkillSet(&ClockSkill{Now: func() time.Time {
		return time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	}})
	if provider == nil {
		return New(cfg, DefaultClassifier(), skills, workflow, nil, nil)
	}
	return New(cfg, DefaultClassifier(), skills, workflow, provider, nil)
}

func TestRouteExternalIntentHitsWorkflow(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"text":"Workflow erledigt."}`))
	}))
	defer srv.Close()

	provider := &llmmock.Provider{Reply: "llm reply"}
	r := testRouter(Config{}, NewWorkflow([]string{srv.URL}), provider)

	got, err := r.Route(context.Background(), "c", "starte den workflow für die lampen")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Workflow erledigt." {
		t.Errorf("reply: got %q", got)
	}
	if len(provider.Calls()) != 0 {
		t.Error("workflow answer must short-circuit the LLM")
	}
}

func TestRouteWorkflowFailureFallsThrough(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	provider := &llmmock.Provider{Reply: "llm springt ein"}
	r := testRouter(Config{}, NewWorkflow([]string{srv.URL}), provider)

	got, err := r.Route(context.Background(), "c", "starte den workflow")
	if err != nil {
		t.Fatal(err)
	}
	if got != "llm springt ein" {
		t.Errorf("failed workflow must fall through to the LLM, got %q", got)
	}
}

func TestRouteSkillByIntent(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{Reply: "llm reply"}
	r := testRouter(Config{}, nil, provider)

	got, err := r.Route(context.Background(), "c", "wie spät ist es")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Es ist 9 Uhr 30." {
		t.Errorf("clock skill must answer, got %q", got)
	}
	if len(provider.Calls()) != 0 {
		t.Error("skill answer must short-circuit the LLM")
	}
}

func TestRouteLLMWithHistory(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{Reply: "Gerne."}
	r := testRouter(Config{SystemPrompt: "Du bist ein Sprachassistent."}, nil, provider)

	if _, err := r.Route(context.Background(), "c", "erzähl mir etwas"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Route(context.Background(), "c", "und noch etwas"); err != nil {
		t.Fatal(err)
	}

	calls := provider.Calls()
	if len(calls) != 2 {
		t.Fatalf("llm calls: want 2, got %d", len(calls))
	}
	// Second call: system + first user + first assistant + second user.
	second := calls[1].Messages
	if len(second) != 4 {
		t.Fatalf("second call messages: want 4, got %d", len(second))
	}
	if second[0].Role != "system" {
		t.Errorf("first message role: got %q", second[0].Role)
	}
	if second[2].Role != "assistant" || second[2].Content != "Gerne." {
		t.Errorf("history must carry the prior reply, got %+v", second[2])
	}
	if r.HistoryLen("c") != 4 {
		t.Errorf("stored history: want 4 messages, got %d", r.HistoryLen("c"))
	}
}

func TestRouteHistoryTrimmed(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{}
	r := testRouter(Config{MaxTurns: 1}, nil, provider)

	for range 3 {
		if _, err := r.Route(context.Background(), "c", "hallo du"); err != nil {
			t.Fatal(err)
		}
	}
	if got := r.HistoryLen("c"); got != 2 {
		t.Errorf("history must hold one turn (2 messages), got %d", got)
	}
}

func TestRouteLLMErrorYieldsFallback(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{ChatErr: errors.New("connection refused")}
	r := testRouter(Config{}, nil, provider)

	got, err := r.Route(context.Background(), "c", "erzähl mir etwas")
	if err != nil {
		t.Fatal(err)
	}
	if got != defaultNoAnswer {
		t.Errorf("fallback: got %q", got)
	}
}

func TestRouteNoStagesYieldsFallback(t *testing.T) {
	t.Parallel()

	r := testRouter(Config{NoAnswer: "Keine Antwort."}, nil, nil)
	got, err := r.Route(context.Background(), "c", "irgendein smalltalk")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Keine Antwort." {
		t.Errorf("fallback: got %q", got)
	}
	if got, _ := r.Route(context.Background(), "c", "   "); got != "Keine Antwort." {
		t.Errorf("blank transcript fallback: got %q", got)
	}
}

func TestClearHistory(t *testing.T) {
	t.Parallel()

	r := testRouter(Config{}, nil, &llmmock.Provider{})
	r.Route(context.Background(), "c", "hallo du")
	r.ClearHistory("c")
	if r.HistoryLen("c") != 0 {
		t.Error("cleared history must be empty")
	}
}

func TestCapReply(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short untouched", "Hallo Welt.", 100, "Hallo Welt."},
		{"sentence boundary", "Erster Satz. Zweiter Satz der zu lang ist.", 20, "Erster Satz."},
		{"word boundary", "keine satzzeichen nur worte hier", 20, "keine satzzeichen"},
		{"hard cut", "einlangeswortohnegrenzen", 10, "einlangesw"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := capReply(tc.in, tc.max); got != tc.want {
				t.Errorf("capReply(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
			}
		})
	}

	if got := capReply(strings.Repeat("a", 600), 500); len([]rune(got)) != 500 {
		t.Errorf("hard cap length: got %d", len([]rune(got)))
	}
}
