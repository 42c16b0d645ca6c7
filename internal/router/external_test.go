package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestWorkflowAnswerFromJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req workflowRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Question != "wie wird das wetter" || req.SessionID != "c1" {
			t.Errorf("unexpected request: %+v", req)
		}
		w.Write([]byte(`{"text":"  Sonnig bei 20 Grad.  "}`))
	}))
	defer srv.Close()

	wf := NewWorkflow([]string{srv.URL})
	got, err := wf.Ask(context.Background(), "c1", "wie wird das wetter")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Sonnig bei 20 Grad." {
		t.Errorf("answer: got %q", got)
	}
}

func TestWorkflowPlainBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("plain answer\n"))
	}))
	defer srv.Close()

	wf := NewWorkflow([]string{srv.URL})
	got, err := wf.Ask(context.Background(), "c", "x")
	if err != nil {
		t.Fatal(err)
	}
	if got != "plain answer" {
		t.Errorf("answer: got %q", got)
	}
}

func TestWorkflowFallsBackToSecondEndpoint(t *testing.T) {
	t.Parallel()

	var primaryHits atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		primaryHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"output":"from backup"}`))
	}))
	defer secondary.Close()

	wf := NewWorkflow([]string{primary.URL, secondary.URL})
	got, err := wf.Ask(context.Background(), "c", "x")
	if err != nil {
		t.Fatal(err)
	}
	if got != "from backup" {
		t.Errorf("answer: got %q", got)
	}
	if n := primaryHits.Load(); n != 3 {
		t.Errorf("server errors must be retried 3 times, got %d", n)
	}
}

func TestWorkflowClientErrorNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	wf := NewWorkflow([]string{srv.URL})
	if _, err := wf.Ask(context.Background(), "c", "x"); err == nil {
		t.Fatal("4xx must surface as an error")
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("client errors must not be retried, got %d attempts", n)
	}
}

func TestWorkflowNilWithoutEndpoints(t *testing.T) {
	t.Parallel()

	if wf := NewWorkflow(nil); wf != nil {
		t.Error("no endpoints must disable the workflow stage")
	}
	var wf *Workflow
	if _, err := wf.Ask(context.Background(), "c", "x"); err == nil {
		t.Error("nil workflow must refuse Ask")
	}
}
