package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// wavHeaderSize is the size of a canonical PCM WAV header (RIFF + fmt + data).
const wavHeaderSize = 44

// ErrNotWAV is returned by DecodeWAV when the input lacks a RIFF/WAVE header.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE stream")

// EncodeWAV wraps little-endian int16 mono PCM in a canonical 44-byte WAV
// header with the given sample rate.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	out := make([]byte, wavHeaderSize+len(pcm))
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)  // PCM format tag
	binary.LittleEndian.PutUint16(out[22:24], channels)
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], bitsPerSample)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[wavHeaderSize:], pcm)
	return out
}

// DecodeWAV extracts the PCM payload and sample rate from a PCM16 WAV stream.
// Only uncompressed 16-bit audio is accepted; extra chunks before "data" are
// skipped. Stereo input is downmixed to mono by averaging.
func DecodeWAV(data []byte) (pcm []byte, sampleRate int, err error) {
	if len(data) < wavHeaderSize || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, ErrNotWAV
	}

	var (
		channels int
		found    bool
	)
	// Walk chunks starting after the RIFF header.
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("audio: short fmt chunk (%d bytes)", size)
			}
			if tag := binary.LittleEndian.Uint16(data[body : body+2]); tag != 1 {
				return nil, 0, fmt.Errorf("audio: unsupported WAV format tag %d", tag)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			if bits := binary.LittleEndian.Uint16(data[body+14 : body+16]); bits != 16 {
				return nil, 0, fmt.Errorf("audio: unsupported bit depth %d", bits)
			}
		case "data":
			pcm = data[body : body+size]
			found = true
		}
		if found && sampleRate > 0 {
			break
		}
		// Chunks are word-aligned.
		off = body + size + size%2
	}

	if !found || sampleRate == 0 {
		return nil, 0, fmt.Errorf("audio: missing fmt or data chunk: %w", ErrNotWAV)
	}
	if channels == 2 {
		pcm = stereoToMono(pcm)
	}
	return pcm, sampleRate, nil
}

// stereoToMono averages L+R per stereo frame (4 bytes) into mono int16 PCM.
// Uses int32 arithmetic to prevent overflow.
func stereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}
