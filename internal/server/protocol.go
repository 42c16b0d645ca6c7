// Package server implements the WebSocket gateway: authentication, the
// hello/ready handshake, the JSON and binary protocol, and the dispatch of
// control operations to the TTS, STT and routing subsystems.
package server

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Error codes sent in {type:"error"} messages.
const (
	CodeBadHandshake        = "bad_handshake"
	CodeUnauthorized        = "unauthorized"
	CodeInvalidJSON         = "invalid_json"
	CodeAudioFrameInvalid   = "audio_frame_invalid"
	CodePCMInvalidLength    = "pcm_frame_invalid_length"
	CodeStreamUnknown       = "stream_unknown"
	CodeBufferOverflow      = "buffer_overflow"
	CodeTTSNoEngine         = "tts_no_engine"
	CodeTTSSynthesisFailed  = "tts_synthesis_failed"
	CodeVoiceEngineMismatch = "voice_engine_mismatch"
	CodeEngineUnavailable   = "engine_unavailable"
	CodeInternal            = "internal_error"
)

// WebSocket close codes beyond the standard set.
const (
	CloseBadHandshake     = 4400
	CloseUnauthorized     = 4401
	CloseHandshakeTimeout = 4408
)

// binaryHeaderMin is the frame size with an empty stream id: length byte,
// uint32 sequence, float64 timestamp.
const binaryHeaderMin = 1 + 4 + 8

// Binary frame parse failures, mapped to protocol error codes by the caller.
var (
	ErrFrameTooShort = errors.New("protocol: binary frame shorter than header")
	ErrFrameSampling = errors.New("protocol: pcm payload length not sample aligned")
	ErrStreamIDLong  = errors.New("protocol: stream id exceeds 255 bytes")
)

// BinaryFrame is one parsed binary audio frame.
type BinaryFrame struct {
	StreamID  string
	Sequence  uint32
	Timestamp float64
	PCM       []byte
}

// ParseBinaryFrame decodes the binary audio framing:
//
//	offset  size  field
//	0       1     stream_id_length L
//	1       L     stream_id (UTF-8)
//	1+L     4     sequence (big-endian uint32)
//	5+L     8     timestamp (big-endian float64 seconds)
//	13+L    ...   PCM16 little-endian samples
//
// channels validates the payload alignment; the PCM slice aliases frame.
func ParseBinaryFrame(frame []byte, channels int) (BinaryFrame, error) {
	if len(frame) < binaryHeaderMin {
		return BinaryFrame{}, ErrFrameTooShort
	}
	l := int(frame[0])
	if len(frame) < binaryHeaderMin+l {
		return BinaryFrame{}, fmt.Errorf("%w: need %d bytes, have %d", ErrFrameTooShort, binaryHeaderMin+l, len(frame))
	}

	f := BinaryFrame{
		StreamID:  string(frame[1 : 1+l]),
		Sequence:  binary.BigEndian.Uint32(frame[1+l : 5+l]),
		Timestamp: math.Float64frombits(binary.BigEndian.Uint64(frame[5+l : 13+l])),
		PCM:       frame[13+l:],
	}
	if channels <= 0 {
		channels = 1
	}
	if len(f.PCM)%(2*channels) != 0 {
		return BinaryFrame{}, fmt.Errorf("%w: %d bytes, %d channels", ErrFrameSampling, len(f.PCM), channels)
	}
	return f, nil
}

// BuildBinaryFrame encodes a frame in the layout ParseBinaryFrame reads.
func BuildBinaryFrame(streamID string, sequence uint32, timestamp float64, pcm []byte) ([]byte, error) {
	sid := []byte(streamID)
	if len(sid) > 255 {
		return nil, ErrStreamIDLong
	}
	out := make([]byte, 0, binaryHeaderMin+len(sid)+len(pcm))
	out = append(out, byte(len(sid)))
	out = append(out, sid...)
	out = binary.BigEndian.AppendUint32(out, sequence)
	out = binary.BigEndian.AppendUint64(out, math.Float64bits(timestamp))
	out = append(out, pcm...)
	return out, nil
}

// clientMessage is the union of all fields clients may send in a text frame.
// Either op or the legacy type field names the operation.
type clientMessage struct {
	Op   string `json:"op"`
	Type string `json:"type"`

	Features map[string]any `json:"features"`

	StreamID string `json:"stream_id"`
	Sequence uint32 `json:"sequence"`
	Chunk    []byte `json:"chunk"`
	IsBinary bool   `json:"is_binary"`
	Content  string `json:"content"`
	Engine   string `json:"engine"`
	Voice    string `json:"voice"`
	Model    string `json:"model"`

	TTSEngine string   `json:"tts_engine"`
	TTSVoice  string   `json:"tts_voice"`
	TTSSpeed  *float64 `json:"tts_speed"`
	TTSVolume *float64 `json:"tts_volume"`

	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`

	Enabled      *bool    `json:"enabled"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    *int     `json:"max_tokens"`
	SystemPrompt *string  `json:"system_prompt"`
}

// opName returns the operation, preferring op over the legacy type field.
func (m *clientMessage) opName() string {
	if m.Op != "" {
		return m.Op
	}
	return m.Type
}

// parseClientMessage decodes one text frame.
func parseClientMessage(data []byte) (*clientMessage, error) {
	var m clientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// msg builds a server-originated message. Every message carries both op and
// type so legacy clients keep working.
func msg(op string, fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		out[k] = v
	}
	out["op"] = op
	out["type"] = op
	out["timestamp"] = float64(time.Now().UnixMilli()) / 1000
	return out
}

// errorMsg builds the standard error message shape.
func errorMsg(code, message string) map[string]any {
	out := msg("error", map[string]any{
		"code":    code,
		"message": message,
	})
	return out
}
