package stream

import (
	"testing"

	"github.com/voxhall/voxhall/pkg/audio"
)

// frame builds one 30 ms frame of alternating ±amp samples, which has RMS and
// standard deviation equal to amp.
func frame(amp float32) []byte {
	samples := make([]float32, 480)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amp
		} else {
			samples[i] = -amp
		}
	}
	return audio.Float32ToBytes(samples)
}

func testVAD() *VAD {
	return NewVAD(VADConfig{
		SampleRate:    16000,
		FrameMS:       30,
		BaseThreshold: 0.01,
		MinSpeechMS:   300,  // 10 frames
		SilenceMS:     1500, // 50 frames
	})
}

func TestVADAutoStopOnce(t *testing.T) {
	t.Parallel()

	v := testVAD()

	for i := range 15 {
		if d := v.Process(frame(0.3)); d != Continue {
			t.Fatalf("speech frame %d: want Continue, got %v", i, d)
		}
	}
	if !v.SpeechStarted() {
		t.Fatal("15 speech frames must start speech")
	}

	stops := 0
	for range 60 {
		if v.Process(frame(0)) == Stop {
			stops++
		}
	}
	if stops != 1 {
		t.Fatalf("auto-stop must fire exactly once, got %d", stops)
	}
}

func TestVADNoStopWithoutSpeech(t *testing.T) {
	t.Parallel()

	v := testVAD()
	for i := range 200 {
		if d := v.Process(frame(0)); d != Continue {
			t.Fatalf("silence-only frame %d must not stop, got %v", i, d)
		}
	}
	if v.SpeechStarted() {
		t.Error("silence must not start speech")
	}
}

func TestVADShortBurstDoesNotStartSpeech(t *testing.T) {
	t.Parallel()

	v := testVAD()
	// 5 frames (150 ms) is below the 300 ms minimum.
	for range 5 {
		v.Process(frame(0.3))
	}
	if v.SpeechStarted() {
		t.Error("short burst must not start speech")
	}
	for range 60 {
		if v.Process(frame(0)) == Stop {
			t.Fatal("no stop without started speech")
		}
	}
}

func TestVADAdaptiveThresholdTracksNoiseFloor(t *testing.T) {
	t.Parallel()

	v := testVAD()
	// Background hum below the base threshold raises the adaptive floor to
	// 0.008 · 1.5 = 0.012.
	for range 10 {
		v.Process(frame(0.008))
	}
	// 0.011 clears the base threshold but not the adapted one.
	for range 20 {
		v.Process(frame(0.011))
	}
	if v.SpeechStarted() {
		t.Fatal("energy below the adaptive threshold must not count as speech")
	}

	for range 10 {
		v.Process(frame(0.05))
	}
	if !v.SpeechStarted() {
		t.Error("clear speech above the adaptive threshold must be detected")
	}
}

func TestVADHandlesPartialFrames(t *testing.T) {
	t.Parallel()

	v := testVAD()
	// Chunks smaller than one frame accumulate until a frame is complete.
	whole := frame(0.3)
	for range 15 {
		v.Process(whole[:300])
		v.Process(whole[300:])
	}
	if !v.SpeechStarted() {
		t.Error("split chunks must still assemble into speech frames")
	}
}
