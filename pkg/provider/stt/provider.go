// Package stt defines the Transcriber interface for speech-to-text backends.
//
// The gateway treats the STT model as an external collaborator: a Transcriber
// receives PCM16 audio bytes and returns a transcript. Whole-utterance
// transcription is the required path; backends that can decode incrementally
// additionally implement ChunkTranscriber.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// Transcriber converts PCM16 mono audio into text.
type Transcriber interface {
	// Initialize prepares the backend (model fetch/conversion, service
	// probe). Must be called before Transcribe.
	Initialize(ctx context.Context) error

	// Transcribe converts a whole utterance of little-endian PCM16 mono
	// bytes at sampleRate into text. language may be empty for
	// auto-detection.
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error)

	// Models lists the model names the backend can serve.
	Models(ctx context.Context) ([]string, error)

	// Close releases backend resources.
	Close() error
}

// ChunkTranscriber is implemented by backends that can decode audio
// chunk-by-chunk without buffering the whole utterance.
type ChunkTranscriber interface {
	// ProcessChunk decodes one chunk of a stream identified by streamID.
	// sequence orders chunks within the stream. The returned text may be
	// empty when the chunk alone yields no words.
	ProcessChunk(ctx context.Context, pcm []byte, streamID string, sequence uint32) (string, error)
}

// PCMToFloat32 converts little-endian PCM16 bytes to float32 samples in
// [-1, 1], the input format of most STT models.
func PCMToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768
	}
	return out
}
