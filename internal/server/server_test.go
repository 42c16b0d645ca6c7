package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxhall/voxhall/internal/config"
	"github.com/voxhall/voxhall/internal/stream"
	"github.com/voxhall/voxhall/internal/tts"
	"github.com/voxhall/voxhall/internal/tts/staged"
	"github.com/voxhall/voxhall/pkg/audio"
	ttsprov "github.com/voxhall/voxhall/pkg/provider/tts"
	ttsmock "github.com/voxhall/voxhall/pkg/provider/tts/mock"
	sttmock "github.com/voxhall/voxhall/pkg/provider/stt/mock"
	"github.com/voxhall/voxhall/pkg/voice"
)

const serverVoiceTable = `
voices:
  de-thorsten-low:
    piper:
      language: de
      sample_rate: 16000
    zonos:
      voice_id: thorsten
      language: de-de
      sample_rate: 44100
  en-alloy-medium:
    kokoro:
      language: en
      sample_rate: 24000
`

func serverConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{MaxConnections: 10},
		Audio: config.AudioConfig{
			SampleRate:     16000,
			Channels:       1,
			MaxChunkBuffer: 200,
			MaxDuration:    30 * time.Second,
		},
		VAD: config.VADConfig{
			Enabled:           false,
			EnergyThreshold:   0.01,
			MinSpeechDuration: 300 * time.Millisecond,
			SilenceDuration:   1500 * time.Millisecond,
		},
		TTS: config.TTSConfig{
			Voice:  "de-thorsten-low",
			Speed:  1,
			Volume: 1,
		},
		Auth: config.AuthConfig{Bypass: true},
	}
}

type env struct {
	cfg *config.Config
	srv *Server
	ts  *httptest.Server
}

// newEnv wires a full gateway over mock engines and a mock transcriber. def
// names the default TTS engine; engines may be empty to run without TTS.
func newEnv(t *testing.T, cfg *config.Config, engines map[string]ttsprov.Engine, def string) *env {
	t.Helper()

	deps := Deps{STT: &sttmock.Transcriber{}}

	if len(engines) > 0 {
		reg, err := voice.LoadRegistry(strings.NewReader(serverVoiceTable))
		if err != nil {
			t.Fatal(err)
		}
		mgr := tts.NewManager(reg, nil, true)
		for name, e := range engines {
			mgr.Register(name, e)
		}
		if err := mgr.Initialize(context.Background(), def); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
		deps.TTS = mgr
		deps.Staged = staged.New(mgr, config.StagedConfig{
			Enabled:         true,
			IntroEngine:     "piper",
			MainEngine:      "zonos",
			CrossfadeMS:     100,
			FirstCallFactor: 1,
		}, 0, nil)
	}

	deps.Streams = stream.NewManager(stream.ManagerConfig{
		SampleRate:     cfg.Audio.SampleRate,
		MaxChunkBuffer: cfg.Audio.MaxChunkBuffer,
		MaxDuration:    cfg.Audio.MaxDuration,
	}, deps.STT, nil, nil)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		deps.Streams.Run(runCtx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	srv := New(cfg, deps)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &env{cfg: cfg, srv: srv, ts: ts}
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func (e *env) dial(t *testing.T, query string) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/" + query
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ws.SetReadLimit(1 << 24)
	t.Cleanup(func() { ws.CloseNow() })
	return &client{t: t, ws: ws}
}

func (c *client) sendJSON(v any) {
	c.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		c.t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) sendBinary(frame []byte) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageBinary, frame); err != nil {
		c.t.Fatalf("write binary: %v", err)
	}
}

func (c *client) read() map[string]any {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		c.t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m
}

// readUntil skips frames until one with the wanted op arrives.
func (c *client) readUntil(op string) map[string]any {
	c.t.Helper()
	for range 100 {
		m := c.read()
		if m["op"] == op {
			return m
		}
	}
	c.t.Fatalf("no %q message within 100 frames", op)
	return nil
}

func (c *client) handshake() {
	c.t.Helper()
	c.sendJSON(map[string]any{"op": "hello", "features": map[string]any{}})
	if m := c.read(); m["op"] != "ready" {
		c.t.Fatalf("handshake reply: %v", m)
	}
}

// speechFrame builds one 30 ms binary audio frame of alternating ±amp
// samples at 16 kHz.
func speechFrame(t *testing.T, streamID string, seq uint32, amp float32) []byte {
	t.Helper()
	samples := make([]float32, 480)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amp
		} else {
			samples[i] = -amp
		}
	}
	frame, err := BuildBinaryFrame(streamID, seq, 0, audio.Float32ToBytes(samples))
	if err != nil {
		t.Fatal(err)
	}
	return frame
}

func defaultEngines() map[string]ttsprov.Engine {
	return map[string]ttsprov.Engine{
		"piper": &ttsmock.Engine{Name: "piper", SampleRate: 16000, Samples: 16000},
		"zonos": &ttsmock.Engine{Name: "zonos", SampleRate: 44100, Samples: 44100},
	}
}

func TestTextToStagedTTS(t *testing.T) {
	t.Parallel()

	e := newEnv(t, serverConfig(), defaultEngines(), "zonos")
	c := e.dial(t, "")
	c.handshake()

	c.sendJSON(map[string]any{"type": "text", "content": "Hallo Welt. Noch ein Satz."})

	if m := c.readUntil("response"); m["text"] != "Hallo Welt. Noch ein Satz." {
		t.Errorf("response text: %v", m["text"])
	}

	first := c.readUntil("staged_tts_chunk")
	if first["engine"] != "piper" {
		t.Errorf("first chunk engine: want piper, got %v", first["engine"])
	}
	if first["index"].(float64) != 0 || first["total"].(float64) < 1 {
		t.Errorf("first chunk position: index=%v total=%v", first["index"], first["total"])
	}
	seqID := first["sequence_id"].(string)

	chunks := 1
	var end map[string]any
	for end == nil {
		m := c.read()
		switch m["op"] {
		case "staged_tts_chunk":
			chunks++
		case "staged_tts_sequence_end":
			end = m
		}
	}
	if chunks < 2 {
		t.Errorf("two-sentence reply must yield at least two chunks, got %d", chunks)
	}
	if end["sequence_id"] != seqID {
		t.Errorf("sequence_end id mismatch: %v vs %v", end["sequence_id"], seqID)
	}
}

func TestSingleChunkWhenIntroEngineMissing(t *testing.T) {
	t.Parallel()

	engines := map[string]ttsprov.Engine{
		"zonos": &ttsmock.Engine{Name: "zonos", SampleRate: 44100, Samples: 44100},
	}
	e := newEnv(t, serverConfig(), engines, "zonos")
	c := e.dial(t, "")
	c.handshake()

	c.sendJSON(map[string]any{"type": "text", "content": "Hallo Welt. Noch ein Satz."})

	chunk := c.readUntil("staged_tts_chunk")
	if chunk["engine"] != "zonos" || chunk["index"].(float64) != 0 || chunk["total"].(float64) != 1 {
		t.Errorf("chunk: engine=%v index=%v total=%v", chunk["engine"], chunk["index"], chunk["total"])
	}
	if m := c.read(); m["op"] != "staged_tts_sequence_end" {
		t.Errorf("single chunk must be followed by sequence_end, got %v", m["op"])
	}
}

func TestVoiceEngineGating(t *testing.T) {
	t.Parallel()

	engines := defaultEngines()
	engines["kokoro"] = &ttsmock.Engine{Name: "kokoro", SampleRate: 24000}
	e := newEnv(t, serverConfig(), engines, "zonos")
	c := e.dial(t, "")
	c.handshake()

	// de-thorsten-low is not bound to kokoro, so the explicit engine request
	// must be rejected without emitting audio.
	c.sendJSON(map[string]any{"type": "text", "content": "Hallo Welt.", "tts_engine": "kokoro"})

	c.readUntil("response")
	m := c.read()
	if m["op"] != "error" {
		t.Fatalf("want error, got %v", m)
	}
	if m["code"] != CodeVoiceEngineMismatch {
		t.Errorf("error code: want %q, got %v", CodeVoiceEngineMismatch, m["code"])
	}
}

func TestBinaryIngestHappyPath(t *testing.T) {
	t.Parallel()

	e := newEnv(t, serverConfig(), defaultEngines(), "zonos")
	c := e.dial(t, "")
	c.handshake()

	c.sendJSON(map[string]any{"op": "start_audio_stream"})
	started := c.readUntil("audio_stream_started")
	streamID := started["stream_id"].(string)

	frame, err := BuildBinaryFrame(streamID, 0, 0.0, []byte{0x01, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	c.sendBinary(frame)

	c.sendJSON(map[string]any{"op": "end_audio_stream", "stream_id": streamID})
	ended := c.readUntil("audio_stream_ended")
	if ended["success"] != true {
		t.Errorf("end must succeed: %v", ended)
	}

	// The mock transcriber reports the byte length of the audio.
	resp := c.readUntil("response")
	if resp["transcription"] != "2" {
		t.Errorf("transcription: want %q, got %v", "2", resp["transcription"])
	}
}

func TestBinaryFrameTooShort(t *testing.T) {
	t.Parallel()

	e := newEnv(t, serverConfig(), defaultEngines(), "zonos")
	c := e.dial(t, "")
	c.handshake()

	c.sendBinary([]byte{0x01})
	m := c.readUntil("error")
	if m["code"] != CodeAudioFrameInvalid {
		t.Errorf("error code: want %q, got %v", CodeAudioFrameInvalid, m["code"])
	}
}

func TestOddPCMLengthRejected(t *testing.T) {
	t.Parallel()

	e := newEnv(t, serverConfig(), defaultEngines(), "zonos")
	c := e.dial(t, "")
	c.handshake()

	frame, err := BuildBinaryFrame("s1", 0, 0, []byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	c.sendBinary(frame)
	m := c.readUntil("error")
	if m["code"] != CodePCMInvalidLength {
		t.Errorf("error code: want %q, got %v", CodePCMInvalidLength, m["code"])
	}
}

func TestVADAutoStopEndsStream(t *testing.T) {
	t.Parallel()

	cfg := serverConfig()
	cfg.VAD.Enabled = true
	e := newEnv(t, cfg, defaultEngines(), "zonos")
	c := e.dial(t, "")
	c.handshake()

	c.sendJSON(map[string]any{"op": "start_audio_stream"})
	started := c.readUntil("audio_stream_started")
	streamID := started["stream_id"].(string)

	seq := uint32(0)
	for range 15 {
		c.sendBinary(speechFrame(t, streamID, seq, 0.3))
		seq++
	}
	for range 55 {
		c.sendBinary(speechFrame(t, streamID, seq, 0))
		seq++
	}

	ended := c.readUntil("audio_stream_ended")
	if ended["success"] != true {
		t.Errorf("auto-stop must end the stream successfully: %v", ended)
	}
	if m := c.readUntil("response"); m["stream_id"] != streamID {
		t.Errorf("response stream id: %v", m["stream_id"])
	}
}

func TestUnknownStreamRejected(t *testing.T) {
	t.Parallel()

	e := newEnv(t, serverConfig(), defaultEngines(), "zonos")
	c := e.dial(t, "")
	c.handshake()

	frame, _ := BuildBinaryFrame("ghost", 0, 0, []byte{1, 0})
	c.sendBinary(frame)
	m := c.readUntil("error")
	if m["code"] != CodeStreamUnknown {
		t.Errorf("error code: want %q, got %v", CodeStreamUnknown, m["code"])
	}
}

func TestStagedControlDisablesPipeline(t *testing.T) {
	t.Parallel()

	e := newEnv(t, serverConfig(), defaultEngines(), "zonos")
	c := e.dial(t, "")
	c.handshake()

	c.sendJSON(map[string]any{"op": "staged_tts_control", "enabled": false})
	if m := c.readUntil("staged_tts_updated"); m["enabled"] != false {
		t.Fatalf("staged control ack: %v", m)
	}

	c.sendJSON(map[string]any{"type": "text", "content": "Hallo Welt. Noch ein Satz."})
	chunk := c.readUntil("staged_tts_chunk")
	if chunk["engine"] != "zonos" || chunk["total"].(float64) != 1 {
		t.Errorf("direct path must emit one default-engine chunk, got %v", chunk)
	}
	c.readUntil("staged_tts_sequence_end")
}

func TestPingPong(t *testing.T) {
	t.Parallel()

	e := newEnv(t, serverConfig(), defaultEngines(), "zonos")
	c := e.dial(t, "")
	c.handshake()

	c.sendJSON(map[string]any{"op": "ping"})
	if m := c.read(); m["op"] != "pong" {
		t.Errorf("want pong, got %v", m)
	}
}

func TestUnknownOperation(t *testing.T) {
	t.Parallel()

	e := newEnv(t, serverConfig(), defaultEngines(), "zonos")
	c := e.dial(t, "")
	c.handshake()

	c.sendJSON(map[string]any{"op": "warp_drive"})
	m := c.readUntil("error")
	if m["code"] != CodeInvalidJSON {
		t.Errorf("error code: want %q, got %v", CodeInvalidJSON, m["code"])
	}
}

func TestTTSInfoAndEngineSwitch(t *testing.T) {
	t.Parallel()

	e := newEnv(t, serverConfig(), defaultEngines(), "zonos")
	c := e.dial(t, "")
	c.handshake()

	c.sendJSON(map[string]any{"op": "get_tts_info"})
	info := c.readUntil("tts_info")
	if info["current_engine"] != "zonos" || info["switching_enabled"] != true {
		t.Errorf("tts_info: %v", info)
	}

	c.sendJSON(map[string]any{"op": "switch_tts_engine", "engine": "piper"})
	if m := c.readUntil("tts_engine_switched"); m["engine"] != "piper" {
		t.Errorf("switch reply: %v", m)
	}

	c.sendJSON(map[string]any{"op": "switch_tts_engine", "engine": "nope"})
	c.readUntil("tts_switch_error")
}

func TestSetVoice(t *testing.T) {
	t.Parallel()

	e := newEnv(t, serverConfig(), defaultEngines(), "zonos")
	c := e.dial(t, "")
	c.handshake()

	c.sendJSON(map[string]any{"op": "set_tts_voice", "voice": "de_DE-Thorsten-low"})
	if m := c.readUntil("tts_voice_changed"); m["voice"] != "de-thorsten-low" {
		t.Errorf("voice change: %v", m)
	}

	c.sendJSON(map[string]any{"op": "set_tts_voice", "voice": "xx-unknown"})
	c.readUntil("tts_voice_error")
}

func TestSTTModelOps(t *testing.T) {
	t.Parallel()

	cfg := serverConfig()
	e := newEnv(t, cfg, defaultEngines(), "zonos")
	e.srv.deps.STT = &sttmock.Transcriber{ModelList: []string{"large-v3", "small"}}

	c := e.dial(t, "")
	c.handshake()

	c.sendJSON(map[string]any{"op": "get_stt_models"})
	m := c.readUntil("stt_models")
	models := m["models"].([]any)
	if len(models) != 2 {
		t.Errorf("models: %v", models)
	}

	c.sendJSON(map[string]any{"op": "switch_stt_model", "model": "small"})
	if r := c.readUntil("stt_model_switched"); r["model"] != "small" {
		t.Errorf("switch reply: %v", r)
	}
}

func TestRejectsBadToken(t *testing.T) {
	t.Parallel()

	cfg := serverConfig()
	cfg.Auth = config.AuthConfig{JWTSecret: testSecret, AllowPlain: true}
	e := newEnv(t, cfg, defaultEngines(), "zonos")

	c := e.dial(t, "?token=wrong")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.ws.Read(ctx)
	if err == nil {
		t.Fatal("connection with a bad token must be closed")
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusCode(CloseUnauthorized) {
		t.Errorf("close status: want %d, got %d", CloseUnauthorized, status)
	}
}

func TestAcceptsPlainToken(t *testing.T) {
	t.Parallel()

	cfg := serverConfig()
	cfg.Auth = config.AuthConfig{JWTSecret: testSecret, AllowPlain: true}
	e := newEnv(t, cfg, defaultEngines(), "zonos")

	c := e.dial(t, "?token="+testSecret)
	c.handshake()
}

func TestBadHandshakeCloses(t *testing.T) {
	t.Parallel()

	e := newEnv(t, serverConfig(), defaultEngines(), "zonos")
	c := e.dial(t, "")

	c.sendJSON(map[string]any{"op": "ping"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.ws.Read(ctx)
	if err == nil {
		t.Fatal("first frame other than hello must close the connection")
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusCode(CloseBadHandshake) {
		t.Errorf("close status: want %d, got %d", CloseBadHandshake, status)
	}
}

func TestConnectionLimit(t *testing.T) {
	t.Parallel()

	cfg := serverConfig()
	cfg.Server.MaxConnections = 1
	e := newEnv(t, cfg, defaultEngines(), "zonos")

	c1 := e.dial(t, "")
	c1.handshake()

	c2 := e.dial(t, "")
	c2.sendJSON(map[string]any{"op": "hello"})
	c2.read() // ready arrives before the limit check

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := c2.ws.Read(ctx); err == nil {
		t.Fatal("second connection must be closed at the limit")
	}
	if e.srv.Conns().Count() != 1 {
		t.Errorf("registered connections: want 1, got %d", e.srv.Conns().Count())
	}
}

func TestInvalidJSONFrame(t *testing.T) {
	t.Parallel()

	e := newEnv(t, serverConfig(), defaultEngines(), "zonos")
	c := e.dial(t, "")
	c.handshake()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, []byte("{nope")); err != nil {
		t.Fatal(err)
	}
	m := c.readUntil("error")
	if m["code"] != CodeInvalidJSON {
		t.Errorf("error code: want %q, got %v", CodeInvalidJSON, m["code"])
	}
}
