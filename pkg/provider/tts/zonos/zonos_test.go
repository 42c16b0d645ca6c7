package zonos

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/voxhall/voxhall/pkg/audio"
	"github.com/voxhall/voxhall/pkg/provider/tts"
)

// newService returns a fake Zonos service and a counter of speaker
// registrations.
func newService(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var registrations atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /speakers", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		registrations.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"speaker_id": "spk-1"})
	})
	mux.HandleFunc("POST /synthesize", func(w http.ResponseWriter, r *http.Request) {
		var req synthesisRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SpeakerID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write(audio.EncodeWAV(make([]byte, 882), 44100))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &registrations
}

// newSpkCache creates a speaker cache directory with one sample.
func newSpkCache(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("riff"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestNormalizeLanguage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"de-de", "de"},
		{"DE-DE", "de"},
		{"de", "de"},
		{"en", "en-us"},
		{"en-gb", "en-gb"},
	}
	for _, tc := range cases {
		got, err := NormalizeLanguage(tc.in)
		if err != nil {
			t.Errorf("NormalizeLanguage(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeLanguage(%q): want %q, got %q", tc.in, tc.want, got)
		}
	}

	if _, err := NormalizeLanguage("xx"); err == nil {
		t.Error("unsupported language must be rejected")
	}
}

func TestSynthesizeRegistersSpeakerOnce(t *testing.T) {
	t.Parallel()

	srv, registrations := newService(t)
	e := New(srv.URL, newSpkCache(t, "Thorsten.WAV"))
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Case-insensitive sample lookup: voice "thorsten" matches Thorsten.WAV.
	for range 3 {
		res, err := e.Synthesize(context.Background(), "Hallo", "thorsten", tts.Options{Language: "de-de"})
		if err != nil {
			t.Fatalf("Synthesize: %v", err)
		}
		if res.SampleRate != 44100 {
			t.Errorf("sample rate: want 44100, got %d", res.SampleRate)
		}
	}
	if n := registrations.Load(); n != 1 {
		t.Errorf("speaker registrations: want 1, got %d", n)
	}
}

func TestSynthesizeMissingSpeakerSample(t *testing.T) {
	t.Parallel()

	srv, _ := newService(t)
	e := New(srv.URL, newSpkCache(t))
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Synthesize(context.Background(), "Hallo", "ghost", tts.Options{Language: "de"}); err == nil {
		t.Fatal("want error when no speaker sample exists")
	}
}

func TestSynthesizeRejectsUnsupportedLanguage(t *testing.T) {
	t.Parallel()

	srv, _ := newService(t)
	e := New(srv.URL, newSpkCache(t, "v.wav"))
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Synthesize(context.Background(), "hi", "v", tts.Options{Language: "tlh"}); err == nil {
		t.Fatal("want error for unsupported language")
	}
}

func TestInitializeFailsWithoutCacheDir(t *testing.T) {
	t.Parallel()

	srv, _ := newService(t)
	e := New(srv.URL, filepath.Join(t.TempDir(), "missing"))
	if err := e.Initialize(context.Background()); !errors.Is(err, tts.ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
}

func TestSupportedVoicesFromCache(t *testing.T) {
	t.Parallel()

	srv, _ := newService(t)
	e := New(srv.URL, newSpkCache(t, "anna.wav", "bert.mp3", "notes.txt"))
	voices := e.SupportedVoices()
	if len(voices) != 2 {
		t.Fatalf("voices: want 2, got %d (%v)", len(voices), voices)
	}
}
