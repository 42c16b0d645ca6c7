package stream

import (
	"math"
	"sort"

	"github.com/voxhall/voxhall/pkg/audio"
)

// Decision is the per-frame verdict of the VAD.
type Decision int

const (
	// Continue means keep ingesting audio.
	Continue Decision = iota
	// Stop means speech has ended; the stream should finalize.
	Stop
)

// historySize is the rolling energy window used for the adaptive threshold.
const historySize = 10

// stdDevFloor is the crude voice-band heuristic: speech frames vary more
// than steady background hum. A proper band-pass energy check can replace
// this later.
const stdDevFloor = 0.003

// VADConfig tunes the energy-based voice activity detector.
type VADConfig struct {
	// SampleRate of the incoming PCM in Hz.
	SampleRate int
	// FrameMS is the analysis frame length. Default 30.
	FrameMS int
	// BaseThreshold is the energy floor below which a frame is silence
	// regardless of history.
	BaseThreshold float64
	// MinSpeechMS of speech before silence may stop the stream.
	MinSpeechMS int
	// SilenceMS of continuous silence after speech triggers Stop.
	SilenceMS int
}

// VAD detects end of speech from frame energy with an adaptive threshold.
// Not safe for concurrent use; each stream owns one instance.
type VAD struct {
	cfg       VADConfig
	frameSize int

	minSpeechFrames int
	silenceFrames   int

	history       []float64
	speechCount   int
	silenceCount  int
	speechStarted bool
	stopped       bool

	pending []float32
}

// NewVAD creates a detector. Zero config fields get the conventional
// defaults (30 ms frames, 0.01 base threshold, 300 ms min speech, 1500 ms
// silence).
func NewVAD(cfg VADConfig) *VAD {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FrameMS <= 0 {
		cfg.FrameMS = 30
	}
	if cfg.BaseThreshold <= 0 {
		cfg.BaseThreshold = 0.01
	}
	if cfg.MinSpeechMS <= 0 {
		cfg.MinSpeechMS = 300
	}
	if cfg.SilenceMS <= 0 {
		cfg.SilenceMS = 1500
	}
	v := &VAD{
		cfg:             cfg,
		frameSize:       cfg.SampleRate * cfg.FrameMS / 1000,
		minSpeechFrames: ceilDiv(cfg.MinSpeechMS, cfg.FrameMS),
		silenceFrames:   ceilDiv(cfg.SilenceMS, cfg.FrameMS),
	}
	return v
}

// Process consumes one PCM16 chunk, slicing it into analysis frames.
// Returns Stop exactly once, at the frame where accumulated silence crosses
// the threshold after speech started. Processing errors never stop the
// stream.
func (v *VAD) Process(pcm []byte) Decision {
	if v.stopped {
		return Continue
	}
	v.pending = append(v.pending, audio.BytesToFloat32(pcm)...)

	for len(v.pending) >= v.frameSize {
		frame := v.pending[:v.frameSize]
		v.pending = v.pending[v.frameSize:]
		if v.processFrame(frame) == Stop {
			v.stopped = true
			return Stop
		}
	}
	return Continue
}

// processFrame updates the detector state for one frame.
func (v *VAD) processFrame(frame []float32) Decision {
	energy := audio.RMS(frame)
	threshold := v.adaptiveThreshold()

	if energy > threshold && v.voiceLike(frame) {
		v.speechCount++
		v.silenceCount = 0
		if v.speechCount >= v.minSpeechFrames {
			v.speechStarted = true
		}
		return Continue
	}

	// Only non-speech frames feed the noise history, so sustained speech
	// cannot drag the threshold up to its own level.
	v.history = append(v.history, energy)
	if len(v.history) > historySize {
		v.history = v.history[1:]
	}

	v.silenceCount++
	if v.speechStarted && v.silenceCount >= v.silenceFrames {
		return Stop
	}
	return Continue
}

// adaptiveThreshold is max(median(history)·1.5, base).
func (v *VAD) adaptiveThreshold() float64 {
	if len(v.history) == 0 {
		return v.cfg.BaseThreshold
	}
	sorted := make([]float64, len(v.history))
	copy(sorted, v.history)
	sort.Float64s(sorted)

	var median float64
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		median = sorted[mid]
	}
	return math.Max(median*1.5, v.cfg.BaseThreshold)
}

// voiceLike rejects frames whose sample spread is too flat to be speech.
func (v *VAD) voiceLike(frame []float32) bool {
	if len(frame) == 0 {
		return false
	}
	var mean float64
	for _, s := range frame {
		mean += float64(s)
	}
	mean /= float64(len(frame))

	var variance float64
	for _, s := range frame {
		d := float64(s) - mean
		variance += d * d
	}
	return math.Sqrt(variance/float64(len(frame))) > stdDevFloor
}

// SpeechStarted reports whether enough speech frames were seen.
func (v *VAD) SpeechStarted() bool { return v.speechStarted }

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
