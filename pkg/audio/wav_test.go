package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestEncodeWAVHeader(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 0, 2, 0}
	wav := EncodeWAV(pcm, 22050)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav length: want %d, got %d", 44+len(pcm), len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatal("missing RIFF/WAVE magic")
	}
	if sr := binary.LittleEndian.Uint32(wav[24:28]); sr != 22050 {
		t.Errorf("sample rate: want 22050, got %d", sr)
	}
	if sz := binary.LittleEndian.Uint32(wav[40:44]); int(sz) != len(pcm) {
		t.Errorf("data size: want %d, got %d", len(pcm), sz)
	}
}

func TestDecodeWAVRoundTrip(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 0, 2, 0, 3, 0}
	wav := EncodeWAV(pcm, 24000)

	got, sr, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if sr != 24000 {
		t.Errorf("sample rate: want 24000, got %d", sr)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("pcm: want %v, got %v", pcm, got)
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, _, err := DecodeWAV([]byte("definitely not audio data, just text")); err == nil {
		t.Fatal("want error for non-WAV input")
	}
	if _, _, err := DecodeWAV(nil); err == nil {
		t.Fatal("want error for empty input")
	}
}

func TestDecodeWAVDownmixesStereo(t *testing.T) {
	t.Parallel()

	// Hand-build a stereo WAV: L=100, R=200 -> mono 150.
	stereo := []byte{100, 0, 200, 0}
	wav := EncodeWAV(stereo, 16000)
	binary.LittleEndian.PutUint16(wav[22:24], 2) // channels = 2

	got, _, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("mono pcm length: want 2, got %d", len(got))
	}
	if s := int16(got[0]) | int16(got[1])<<8; s != 150 {
		t.Errorf("downmix: want 150, got %d", s)
	}
}
