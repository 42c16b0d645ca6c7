// Package config provides the configuration schema for the gateway.
//
// All settings come from environment variables; [FromEnv] reads the complete
// recognized set and [Validate] checks cross-field constraints. The loaded
// Config is immutable after startup and passed explicitly into the components
// that need it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for the gateway process.
type Config struct {
	Server ServerConfig
	Audio  AudioConfig
	STT    STTConfig
	VAD    VADConfig
	TTS    TTSConfig
	Staged StagedConfig
	LLM    LLMConfig
	Router RouterConfig
	Auth   AuthConfig
}

// ServerConfig holds transport settings.
type ServerConfig struct {
	// Host is the WebSocket bind address.
	Host string
	// Port is the WebSocket listen port.
	Port int
	// MetricsPort is the HTTP port for /metrics and /health.
	MetricsPort int
	// AllowedIPs restricts accepted client addresses when non-empty.
	AllowedIPs []string
	// PingInterval is the keepalive ping cadence.
	PingInterval time.Duration
	// PingTimeout is the pong wait before a connection is considered dead.
	PingTimeout time.Duration
	// MaxConnections caps concurrently open WebSocket connections.
	MaxConnections int
	// LogLevel controls verbosity: debug, info, warn or error.
	LogLevel string
}

// AudioConfig holds PCM ingest settings.
type AudioConfig struct {
	// ChunkSize is the expected PCM frame size in bytes.
	ChunkSize int
	// SampleRate is the ingest sample rate in Hz.
	SampleRate int
	// Channels is the ingest channel count.
	Channels int
	// MaxChunkBuffer bounds the per-stream chunk FIFO.
	MaxChunkBuffer int
	// MaxDuration caps a single stream's length.
	MaxDuration time.Duration
}

// STTConfig holds speech-to-text settings.
type STTConfig struct {
	Model     string
	ModelPath string
	Device    string
	Precision string
	// Workers bounds concurrent transcriptions.
	Workers int
	// ServerURL is the whisper service endpoint.
	ServerURL string
}

// VADConfig holds voice-activity-detection settings.
type VADConfig struct {
	Enabled bool
	// SilenceDuration of continuous silence after speech triggers auto-stop.
	SilenceDuration time.Duration
	// EnergyThreshold is the base RMS threshold for speech.
	EnergyThreshold float64
	// MinSpeechDuration of speech required before silence can stop a stream.
	MinSpeechDuration time.Duration
}

// TTSConfig holds synthesis defaults.
type TTSConfig struct {
	// Engine is the default engine name. Falls back to "zonos".
	Engine string
	// Voice is the default canonical voice.
	Voice string
	// Speed in (0, 2].
	Speed float64
	// Volume in [0, 2].
	Volume float64
	// ModelDir is where piper voice models live.
	ModelDir string
	// TargetSampleRate resamples all output when > 0.
	TargetSampleRate int
	// SwitchingEnabled permits switch_tts_engine at runtime.
	SwitchingEnabled bool
	// KokoroURL and ZonosURL are the HTTP engine endpoints.
	KokoroURL string
	ZonosURL  string
	// SpeakerCacheDir holds zonos speaker samples.
	SpeakerCacheDir string
}

// StagedConfig holds the two-stage synthesis settings.
type StagedConfig struct {
	Enabled         bool
	IntroEngine     string
	MainEngine      string
	MaxIntroLength  int
	IntroTimeout    time.Duration
	MainTimeout     time.Duration
	FirstCallFactor float64
	CrossfadeMS     int
	IgnoreVoiceCaps bool
	MaxChunks       int
	CachingEnabled  bool
	CacheSize       int
}

// LLMConfig holds the fallback chat model settings.
type LLMConfig struct {
	Enabled      bool
	APIBase      string
	APIKey       string
	DefaultModel string
	Temperature  float64
	MaxTokens    int
	// MaxTurns bounds the rolling chat history per connection.
	MaxTurns     int
	Timeout      time.Duration
	SystemPrompt string
}

// RouterConfig holds intent routing settings.
type RouterConfig struct {
	// WorkflowURLs are external workflow endpoints (Flowise, n8n) tried in
	// order for external_request intents. Empty disables the stage.
	WorkflowURLs []string
	// WorkflowTimeout bounds each external HTTP call.
	WorkflowTimeout time.Duration
	// MaxReplyChars caps LLM replies at a sentence boundary.
	MaxReplyChars int
}

// AuthConfig holds token verification settings.
type AuthConfig struct {
	// JWTSecret is the HS256 key, also accepted as a plain shared token when
	// AllowPlain is set.
	JWTSecret string
	// Bypass disables authentication entirely (testing).
	Bypass bool
	// AllowPlain accepts the raw secret as a token without JWT decoding.
	AllowPlain bool
}

// FromEnv reads the full environment variable set and applies defaults for
// everything unset.
func FromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           envStr("WS_HOST", "0.0.0.0"),
			Port:           envInt("WS_PORT", 8123),
			MetricsPort:    envInt("METRICS_PORT", 8124),
			AllowedIPs:     envList("ALLOWED_IPS"),
			PingInterval:   envSeconds("PING_INTERVAL", 30*time.Second),
			PingTimeout:    envSeconds("PING_TIMEOUT", 10*time.Second),
			MaxConnections: envInt("MAX_CONNECTIONS", 100),
			LogLevel:       envStr("LOG_LEVEL", "info"),
		},
		Audio: AudioConfig{
			ChunkSize:      envInt("AUDIO_CHUNK_SIZE", 4096),
			SampleRate:     envInt("SAMPLE_RATE", 16000),
			Channels:       envInt("AUDIO_CHANNELS", 1),
			MaxChunkBuffer: envInt("MAX_CHUNK_BUFFER", 50),
			MaxDuration:    envSeconds("MAX_AUDIO_DURATION", 30*time.Second),
		},
		STT: STTConfig{
			Model:     envStr("STT_MODEL", "large-v3"),
			ModelPath: envStr("STT_MODEL_PATH", ""),
			Device:    envStr("STT_DEVICE", "cpu"),
			Precision: envStr("STT_PRECISION", "int8"),
			Workers:   envInt("STT_WORKERS", 2),
			ServerURL: envStr("STT_SERVER_URL", "http://localhost:8178"),
		},
		VAD: VADConfig{
			Enabled:           envBool("VAD_ENABLED", true),
			SilenceDuration:   envMillis("VAD_SILENCE_DURATION_MS", 1500*time.Millisecond),
			EnergyThreshold:   envFloat("VAD_ENERGY_THRESHOLD", 0.01),
			MinSpeechDuration: envMillis("VAD_MIN_SPEECH_DURATION_MS", 300*time.Millisecond),
		},
		TTS: TTSConfig{
			Engine:           envStr("TTS_ENGINE", "zonos"),
			Voice:            envStr("TTS_VOICE", "de-thorsten-low"),
			Speed:            envFloat("TTS_SPEED", 1.0),
			Volume:           envFloat("TTS_VOLUME", 1.0),
			ModelDir:         envStr("TTS_MODEL_DIR", "models"),
			TargetSampleRate: envInt("TTS_TARGET_SR", 0),
			SwitchingEnabled: envBool("ENABLE_TTS_SWITCHING", true),
			KokoroURL:        envStr("KOKORO_URL", "http://localhost:8126"),
			ZonosURL:         envStr("ZONOS_URL", "http://localhost:8127"),
			SpeakerCacheDir:  envStr("SPK_CACHE_DIR", "spk_cache"),
		},
		Staged: StagedConfig{
			Enabled:         envBool("STAGED_TTS_ENABLED", true),
			IntroEngine:     envStr("STAGED_TTS_INTRO_ENGINE", "piper"),
			MainEngine:      envStr("STAGED_TTS_MAIN_ENGINE", "zonos"),
			MaxIntroLength:  envInt("STAGED_TTS_MAX_INTRO_LENGTH", 120),
			IntroTimeout:    envMillis("STAGED_TTS_INTRO_TIMEOUT_MS", 2000*time.Millisecond),
			MainTimeout:     envMillis("STAGED_TTS_MAIN_TIMEOUT_MS", 6000*time.Millisecond),
			FirstCallFactor: envFloat("STAGED_TTS_FIRST_CALL_FACTOR", 2.0),
			CrossfadeMS:     envInt("STAGED_TTS_CROSSFADE_MS", 100),
			IgnoreVoiceCaps: envBool("STAGED_TTS_IGNORE_VOICE_CAPS", false),
			MaxChunks:       envInt("STAGED_TTS_MAX_CHUNKS", 8),
			CachingEnabled:  envBool("STAGED_TTS_ENABLE_CACHING", true),
			CacheSize:       envInt("STAGED_TTS_CACHE_SIZE", 64),
		},
		LLM: LLMConfig{
			Enabled:      envBool("LLM_ENABLED", false),
			APIBase:      envStr("LLM_API_BASE", ""),
			APIKey:       envStr("LLM_API_KEY", ""),
			DefaultModel: envStr("LLM_DEFAULT_MODEL", "llama3.2"),
			Temperature:  envFloat("LLM_TEMPERATURE", 0.7),
			MaxTokens:    envInt("LLM_MAX_TOKENS", 512),
			MaxTurns:     envInt("LLM_MAX_TURNS", 10),
			Timeout:      envSeconds("LLM_TIMEOUT_SECONDS", 30*time.Second),
			SystemPrompt: envStr("LLM_SYSTEM_PROMPT", ""),
		},
		Router: RouterConfig{
			WorkflowURLs:    envList("WORKFLOW_URLS"),
			WorkflowTimeout: envSeconds("WORKFLOW_TIMEOUT_SECONDS", 10*time.Second),
			MaxReplyChars:   envInt("ROUTER_MAX_REPLY_CHARS", 500),
		},
		Auth: AuthConfig{
			JWTSecret:  envStr("JWT_SECRET", ""),
			Bypass:     envBool("JWT_BYPASS", false),
			AllowPlain: envBool("JWT_ALLOW_PLAIN", true),
		},
	}
}

// Validate checks cross-field constraints. All violations are reported
// together.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("WS_PORT %d out of range", c.Server.Port))
	}
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("METRICS_PORT %d out of range", c.Server.MetricsPort))
	}
	if c.Server.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CONNECTIONS must be positive, got %d", c.Server.MaxConnections))
	}
	if c.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("SAMPLE_RATE must be positive, got %d", c.Audio.SampleRate))
	}
	if c.Audio.Channels != 1 && c.Audio.Channels != 2 {
		errs = append(errs, fmt.Errorf("AUDIO_CHANNELS must be 1 or 2, got %d", c.Audio.Channels))
	}
	if c.Audio.MaxChunkBuffer <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CHUNK_BUFFER must be positive, got %d", c.Audio.MaxChunkBuffer))
	}
	if c.TTS.Speed <= 0 || c.TTS.Speed > 2 {
		errs = append(errs, fmt.Errorf("TTS_SPEED must be in (0, 2], got %g", c.TTS.Speed))
	}
	if c.TTS.Volume < 0 || c.TTS.Volume > 2 {
		errs = append(errs, fmt.Errorf("TTS_VOLUME must be in [0, 2], got %g", c.TTS.Volume))
	}
	if c.Staged.MaxIntroLength <= 0 {
		errs = append(errs, fmt.Errorf("STAGED_TTS_MAX_INTRO_LENGTH must be positive, got %d", c.Staged.MaxIntroLength))
	}
	if c.Staged.FirstCallFactor < 1 {
		errs = append(errs, fmt.Errorf("STAGED_TTS_FIRST_CALL_FACTOR must be >= 1, got %g", c.Staged.FirstCallFactor))
	}
	if c.Staged.CacheSize <= 0 && c.Staged.CachingEnabled {
		errs = append(errs, fmt.Errorf("STAGED_TTS_CACHE_SIZE must be positive when caching is enabled, got %d", c.Staged.CacheSize))
	}
	if !c.Auth.Bypass && c.Auth.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be set unless JWT_BYPASS is enabled"))
	}
	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is invalid; valid values: debug, info, warn, error", c.Server.LogLevel))
	}

	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

// envSeconds reads an integer number of seconds.
func envSeconds(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

// envMillis reads an integer number of milliseconds.
func envMillis(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
