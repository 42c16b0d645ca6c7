package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/voxhall/voxhall/internal/stream"
	"github.com/voxhall/voxhall/internal/tts"
	"github.com/voxhall/voxhall/internal/tts/staged"
	"github.com/voxhall/voxhall/pkg/audio"
	"github.com/voxhall/voxhall/pkg/voice"
	providertts "github.com/voxhall/voxhall/pkg/provider/tts"
)

// sttModelSwitcher is implemented by transcribers that support switching the
// served model at runtime.
type sttModelSwitcher interface {
	Model() string
	SetModel(ctx context.Context, model string) error
}

// handleText decodes and dispatches one JSON control frame.
func (s *Server) handleText(ctx context.Context, c *Conn, data []byte) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordMessage(ctx, "json")
	}

	m, err := parseClientMessage(data)
	if err != nil {
		s.sendError(ctx, c, CodeInvalidJSON, "malformed JSON frame")
		return
	}

	switch op := m.opName(); op {
	case "hello":
		// Repeated hello after the handshake is harmless.
		c.send(ctx, msg("ready", map[string]any{
			"features": map[string]any{"binary_audio": true, "staged_tts": s.deps.Staged != nil},
		}))
	case "ping":
		c.send(ctx, msg("pong", nil))
	case "start_audio_stream":
		s.handleStartStream(ctx, c, m)
	case "audio_chunk":
		s.pushChunk(ctx, c, m.StreamID, m.Chunk, m.Sequence, 0)
	case "end_audio_stream":
		s.handleEndStream(ctx, c, m)
	case "text":
		s.handleTextInput(ctx, c, m)
	case "switch_tts_engine":
		s.handleSwitchEngine(ctx, c, m)
	case "set_tts_voice":
		s.handleSetVoice(ctx, c, m)
	case "get_tts_info":
		s.handleTTSInfo(ctx, c)
	case "test_tts_engines":
		s.handleTestEngines(ctx, c)
	case "get_llm_models":
		s.handleLLMModels(ctx, c)
	case "switch_llm_model":
		s.handleSwitchLLMModel(ctx, c, m)
	case "get_stt_models":
		s.handleSTTModels(ctx, c)
	case "switch_stt_model":
		s.handleSwitchSTTModel(ctx, c, m)
	case "set_audio_opts":
		c.SetAudioOpts(m.SampleRate, m.Channels)
		sr, ch := c.AudioOpts()
		c.send(ctx, msg("audio_opts_set", map[string]any{"sample_rate": sr, "channels": ch}))
	case "set_llm_opts":
		s.handleSetLLMOpts(ctx, c, m)
	case "staged_tts_control":
		if m.Enabled != nil {
			c.SetStagedEnabled(*m.Enabled)
		}
		c.send(ctx, msg("staged_tts_updated", map[string]any{"enabled": c.StagedEnabled()}))
	default:
		s.sendError(ctx, c, CodeInvalidJSON, fmt.Sprintf("unknown operation %q", op))
	}
}

// handleBinary parses one binary audio frame and feeds the stream manager.
func (s *Server) handleBinary(ctx context.Context, c *Conn, data []byte) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordMessage(ctx, "binary")
	}

	_, channels := c.AudioOpts()
	frame, err := ParseBinaryFrame(data, channels)
	switch {
	case errors.Is(err, ErrFrameSampling):
		s.sendError(ctx, c, CodePCMInvalidLength, err.Error())
		return
	case err != nil:
		s.sendError(ctx, c, CodeAudioFrameInvalid, err.Error())
		return
	}
	s.pushChunk(ctx, c, frame.StreamID, frame.PCM, frame.Sequence, frame.Timestamp)
}

// pushChunk is the shared ingest path for binary frames and JSON fallback
// chunks. Push failures are reported but do not end the stream.
func (s *Server) pushChunk(ctx context.Context, c *Conn, streamID string, pcm []byte, seq uint32, ts float64) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordAudioIn(ctx, len(pcm))
	}
	err := s.deps.Streams.PushChunk(streamID, pcm, seq, ts)
	switch {
	case err == nil:
	case errors.Is(err, stream.ErrStreamUnknown):
		s.sendError(ctx, c, CodeStreamUnknown, fmt.Sprintf("unknown stream %q", streamID))
	case errors.Is(err, stream.ErrBufferOverflow):
		c.send(ctx, msg("audio_stream_error", map[string]any{
			"stream_id": streamID,
			"error":     CodeBufferOverflow,
		}))
	case errors.Is(err, stream.ErrDurationExceeded):
		c.send(ctx, msg("audio_stream_error", map[string]any{
			"stream_id": streamID,
			"error":     "max_duration_exceeded",
		}))
	default:
		s.sendError(ctx, c, CodeInternal, err.Error())
	}
}

// handleStartStream opens an ingest stream with per-stream TTS preferences.
func (s *Server) handleStartStream(ctx context.Context, c *Conn, m *clientMessage) {
	prefs := c.Prefs()
	if m.TTSEngine != "" {
		prefs.Engine = m.TTSEngine
	}
	if m.TTSVoice != "" {
		prefs.Voice = m.TTSVoice
	}
	if m.TTSSpeed != nil {
		prefs.Speed = *m.TTSSpeed
	}
	if m.TTSVolume != nil {
		prefs.Volume = *m.TTSVolume
	}

	opts := stream.StreamOpts{
		Prefs:    prefs,
		OnResult: s.resultHandler(c),
	}
	if s.cfg.VAD.Enabled {
		opts.VAD = &stream.VADConfig{
			SampleRate:    s.cfg.Audio.SampleRate,
			BaseThreshold: s.cfg.VAD.EnergyThreshold,
			MinSpeechMS:   int(s.cfg.VAD.MinSpeechDuration.Milliseconds()),
			SilenceMS:     int(s.cfg.VAD.SilenceDuration.Milliseconds()),
		}
		opts.OnAutoStop = func(streamID string) {
			c.send(ctx, msg("audio_stream_ended", map[string]any{
				"stream_id": streamID,
				"success":   true,
			}))
		}
	}

	id := s.deps.Streams.StartStream(c.ID(), opts)
	c.send(ctx, msg("audio_stream_started", map[string]any{"stream_id": id}))
}

// handleEndStream finalizes the stream; the transcription result arrives
// asynchronously through the result handler.
func (s *Server) handleEndStream(ctx context.Context, c *Conn, m *clientMessage) {
	err := s.deps.Streams.Finalize(m.StreamID)
	c.send(ctx, msg("audio_stream_ended", map[string]any{
		"stream_id": m.StreamID,
		"success":   err == nil,
	}))
	if err != nil {
		s.sendError(ctx, c, CodeInternal, err.Error())
	}
}

// resultHandler builds the stream callback delivering transcription results
// and spoken replies to this connection.
func (s *Server) resultHandler(c *Conn) stream.Callback {
	return func(res stream.Result) {
		ctx := context.Background()
		s.conns.Send(ctx, c.ID(), msg("response", map[string]any{
			"stream_id":     res.StreamID,
			"transcription": res.Transcript,
			"text":          res.Reply,
		}))
		if res.Reply != "" {
			s.speak(ctx, c, res.Reply, res.Prefs)
		}
	}
}

// handleTextInput runs the synchronous text path: route, reply, synthesize.
func (s *Server) handleTextInput(ctx context.Context, c *Conn, m *clientMessage) {
	content := strings.TrimSpace(m.Content)
	if content == "" {
		s.sendError(ctx, c, CodeInvalidJSON, "text operation requires content")
		return
	}

	prefs := c.Prefs()
	if m.TTSEngine != "" {
		prefs.Engine = m.TTSEngine
	}
	if m.TTSVoice != "" {
		prefs.Voice = m.TTSVoice
	}

	go func() {
		reply := content
		if s.deps.Router != nil {
			routed, err := s.deps.Router.Route(ctx, c.ID(), content)
			if err != nil {
				slog.Warn("routing failed", "client_id", c.ID(), "error", err)
			}
			if routed != "" {
				reply = routed
			}
		}
		c.send(ctx, msg("response", map[string]any{"text": reply}))
		s.speak(ctx, c, reply, prefs)
	}()
}

// speak synthesizes the reply and streams it out. Staged emission applies
// unless the client disabled it or requested a specific engine; either
// exception takes the direct single-chunk path.
func (s *Server) speak(ctx context.Context, c *Conn, text string, prefs stream.TTSPrefs) {
	if s.deps.Staged != nil && c.StagedEnabled() && prefs.Engine == "" {
		s.speakStaged(ctx, c, text, prefs)
		return
	}
	s.speakDirect(ctx, c, text, prefs)
}

// speakStaged emits through the staged pipeline. Exactly one sequence-end
// message terminates the sequence whether synthesis succeeded or not.
func (s *Server) speakStaged(ctx context.Context, c *Conn, text string, prefs stream.TTSPrefs) {
	seqID := uuid.NewString()

	err := s.deps.Staged.Synthesize(ctx, seqID, text, staged.Prefs{
		Voice:  prefs.Voice,
		Speed:  prefs.Speed,
		Volume: prefs.Volume,
	}, func(ch staged.Chunk) error {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordAudioOut(ctx, len(ch.PCM))
		}
		return c.send(ctx, msg("staged_tts_chunk", map[string]any{
			"sequence_id":  ch.SequenceID,
			"index":        ch.Index,
			"total":        ch.Total,
			"engine":       ch.Engine,
			"sample_rate":  ch.SampleRate,
			"format":       ch.Format,
			"pcm":          ch.PCM,
			"crossfade_ms": ch.CrossfadeMS,
		}))
	})
	if err != nil {
		code := CodeTTSSynthesisFailed
		if errors.Is(err, staged.ErrNoEngine) {
			code = CodeTTSNoEngine
		}
		s.sendError(ctx, c, code, err.Error())
	}

	c.send(ctx, msg("staged_tts_sequence_end", map[string]any{"sequence_id": seqID}))
}

// speakDirect synthesizes on one engine and emits a single-chunk sequence.
func (s *Server) speakDirect(ctx context.Context, c *Conn, text string, prefs stream.TTSPrefs) {
	if s.deps.TTS == nil {
		s.sendError(ctx, c, CodeTTSNoEngine, "no tts engine configured")
		return
	}

	res, err := s.deps.TTS.Synthesize(ctx, text, tts.Options{
		Engine: prefs.Engine,
		Voice:  prefs.Voice,
		Speed:  prefs.Speed,
		Volume: prefs.Volume,
	})
	if err != nil {
		switch {
		case errors.Is(err, tts.ErrVoiceEngineMismatch):
			s.sendError(ctx, c, CodeVoiceEngineMismatch, err.Error())
		case errors.Is(err, providertts.ErrUnavailable):
			s.sendError(ctx, c, CodeEngineUnavailable, err.Error())
		case errors.Is(err, tts.ErrNoEngine):
			s.sendError(ctx, c, CodeTTSNoEngine, err.Error())
		default:
			s.sendError(ctx, c, CodeTTSSynthesisFailed, err.Error())
		}
		return
	}

	pcm, rate, err := audio.DecodeWAV(res.Audio)
	if err != nil {
		s.sendError(ctx, c, CodeTTSSynthesisFailed, err.Error())
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordAudioOut(ctx, len(pcm))
		s.deps.Metrics.RecordChunk(ctx, res.Engine)
	}

	seqID := uuid.NewString()
	c.send(ctx, msg("staged_tts_chunk", map[string]any{
		"sequence_id":  seqID,
		"index":        0,
		"total":        1,
		"engine":       res.Engine,
		"sample_rate":  rate,
		"format":       "s16",
		"pcm":          pcm,
		"crossfade_ms": 0,
	}))
	c.send(ctx, msg("staged_tts_sequence_end", map[string]any{"sequence_id": seqID}))
}

func (s *Server) handleSwitchEngine(ctx context.Context, c *Conn, m *clientMessage) {
	if s.deps.TTS == nil {
		c.send(ctx, msg("tts_switch_error", map[string]any{"message": "no tts manager"}))
		return
	}
	if err := s.deps.TTS.SwitchEngine(m.Engine); err != nil {
		c.send(ctx, msg("tts_switch_error", map[string]any{"message": err.Error()}))
		return
	}
	c.send(ctx, msg("tts_engine_switched", map[string]any{"engine": m.Engine}))
}

func (s *Server) handleSetVoice(ctx context.Context, c *Conn, m *clientMessage) {
	if s.deps.TTS == nil {
		c.send(ctx, msg("tts_voice_error", map[string]any{"message": "no tts manager"}))
		return
	}
	v := voice.Canonicalize(m.Voice)
	engines := s.deps.TTS.Registry().EnginesFor(v)
	if len(engines) == 0 {
		c.send(ctx, msg("tts_voice_error", map[string]any{
			"message": fmt.Sprintf("voice %q is not registered", m.Voice),
		}))
		return
	}
	if m.Engine != "" && !s.deps.TTS.AllowedForVoice(m.Engine, v) {
		s.sendError(ctx, c, CodeVoiceEngineMismatch,
			fmt.Sprintf("voice %q is not bound to engine %q", v, m.Engine))
		return
	}

	prefs := c.Prefs()
	prefs.Voice = v
	if m.Engine != "" {
		prefs.Engine = m.Engine
	}
	c.SetPrefs(prefs)
	c.send(ctx, msg("tts_voice_changed", map[string]any{"voice": v, "engines": engines}))
}

func (s *Server) handleTTSInfo(ctx context.Context, c *Conn) {
	if s.deps.TTS == nil {
		s.sendError(ctx, c, CodeTTSNoEngine, "no tts manager")
		return
	}

	statuses := s.deps.TTS.Statuses()
	engines := make([]string, 0, len(statuses))
	stats := make(map[string]any, len(statuses))
	for _, st := range statuses {
		engines = append(engines, st.Name)
		stats[st.Name] = map[string]any{"ready": st.Ready, "reason": st.Reason}
	}

	c.send(ctx, msg("tts_info", map[string]any{
		"available_engines": engines,
		"available_voices":  s.deps.TTS.Registry().Voices(),
		"current_engine":    s.deps.TTS.DefaultEngine(),
		"engine_stats":      stats,
		"switching_enabled": s.deps.TTS.SwitchingEnabled(),
	}))
}

func (s *Server) handleTestEngines(ctx context.Context, c *Conn) {
	if s.deps.TTS == nil {
		s.sendError(ctx, c, CodeTTSNoEngine, "no tts manager")
		return
	}
	results := s.deps.TTS.TestEngines(ctx, s.cfg.TTS.Voice)
	c.send(ctx, msg("tts_test_results", map[string]any{"results": results}))
}

func (s *Server) handleLLMModels(ctx context.Context, c *Conn) {
	if s.deps.LLM == nil {
		c.send(ctx, msg("llm_models", map[string]any{"models": []string{}, "current": ""}))
		return
	}
	models, err := s.deps.LLM.Models(ctx)
	if err != nil {
		s.sendError(ctx, c, CodeInternal, err.Error())
		return
	}
	c.send(ctx, msg("llm_models", map[string]any{
		"models":  models,
		"current": s.deps.LLM.Model(),
	}))
}

func (s *Server) handleSwitchLLMModel(ctx context.Context, c *Conn, m *clientMessage) {
	if s.deps.LLM == nil {
		s.sendError(ctx, c, CodeInternal, "no llm configured")
		return
	}
	if err := s.deps.LLM.SetModel(m.Model); err != nil {
		s.sendError(ctx, c, CodeInternal, err.Error())
		return
	}
	c.send(ctx, msg("llm_model_switched", map[string]any{"model": m.Model}))
}

func (s *Server) handleSTTModels(ctx context.Context, c *Conn) {
	if s.deps.STT == nil {
		c.send(ctx, msg("stt_models", map[string]any{"models": []string{}, "current": ""}))
		return
	}
	models, err := s.deps.STT.Models(ctx)
	if err != nil {
		s.sendError(ctx, c, CodeInternal, err.Error())
		return
	}
	current := ""
	if sw, ok := s.deps.STT.(sttModelSwitcher); ok {
		current = sw.Model()
	}
	c.send(ctx, msg("stt_models", map[string]any{"models": models, "current": current}))
}

func (s *Server) handleSwitchSTTModel(ctx context.Context, c *Conn, m *clientMessage) {
	sw, ok := s.deps.STT.(sttModelSwitcher)
	if !ok {
		s.sendError(ctx, c, CodeInternal, "stt model switching not supported")
		return
	}
	if err := sw.SetModel(ctx, m.Model); err != nil {
		s.sendError(ctx, c, CodeInternal, err.Error())
		return
	}
	c.send(ctx, msg("stt_model_switched", map[string]any{"model": m.Model}))
}

func (s *Server) handleSetLLMOpts(ctx context.Context, c *Conn, m *clientMessage) {
	if s.deps.Router == nil {
		s.sendError(ctx, c, CodeInternal, "no router configured")
		return
	}
	s.deps.Router.SetLLMOptions(m.Temperature, m.MaxTokens, m.SystemPrompt)
	c.send(ctx, msg("llm_opts_set", nil))
}

// sendError delivers a protocol error message and counts it.
func (s *Server) sendError(ctx context.Context, c *Conn, code, message string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordError(ctx, code)
	}
	c.send(ctx, errorMsg(code, message))
}
