package frame

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// aiEvent is the envelope for every AI realtime event. The Type field is the
// discriminator; only the fields belonging to that type are populated.
type aiEvent struct {
	Type    string          `json:"type"`
	EventID string          `json:"event_id,omitempty"`
	Delta   string          `json:"delta,omitempty"`
	Audio   string          `json:"audio,omitempty"`
	Name    string          `json:"name,omitempty"`
	Error   *aiErrorDetail  `json:"error,omitempty"`
	Session json.RawMessage `json:"session,omitempty"`
}

// aiErrorDetail is the nested error object of an AI error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type aiErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// aiAudioDeltaType is the server event carrying synthesised audio and
// aiAudioAppendType is the client event carrying caller audio. These are the
// only two points where audio crosses the AI wire.
const (
	aiAudioDeltaType  = "response.audio.delta"
	aiAudioAppendType = "input_audio_buffer.append"
	aiMarkType        = "mark"
	aiErrorType       = "error"
)

// AICodec translates AI realtime JSON events to and from Frames. The codec
// is stateless apart from the audio encoding label it stamps on decoded
// chunks, which mirrors the format negotiated at session setup.
type AICodec struct {
	encoding string
}

// NewAICodec returns a codec that labels decoded audio chunks with encoding.
// An empty encoding defaults to [EncodingG711ULaw].
func NewAICodec(encoding string) *AICodec {
	if encoding == "" {
		encoding = EncodingG711ULaw
	}
	return &AICodec{encoding: encoding}
}

var _ Codec = (*AICodec)(nil)

// Decode converts one AI realtime server event into a Frame. Audio deltas
// become AudioChunks with the base64 payload decoded; error events become
// Error frames; every other event type, including anything added to the
// protocol later, decodes to a SessionControl frame carrying the raw object.
func (c *AICodec) Decode(raw []byte) (Frame, error) {
	var evt aiEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return Frame{}, fmt.Errorf("%w: ai: %v", ErrMalformed, err)
	}

	switch evt.Type {
	case aiAudioDeltaType:
		if evt.Delta == "" {
			return Frame{}, fmt.Errorf("%w: ai audio delta without delta", ErrMalformed)
		}
		audio, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: ai audio delta: %v", ErrMalformed, err)
		}
		if len(audio) == 0 {
			return Frame{}, fmt.Errorf("%w: ai audio delta is empty", ErrMalformed)
		}
		return Frame{Kind: KindAudioChunk, Payload: audio, Encoding: c.encoding}, nil

	case aiErrorType:
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		return Frame{Kind: KindError, Message: msg}, nil

	case aiMarkType:
		if evt.Name == "" {
			return Frame{}, fmt.Errorf("%w: ai mark without name", ErrMalformed)
		}
		return Frame{Kind: KindMark, Name: evt.Name}, nil

	case "":
		return Frame{}, fmt.Errorf("%w: ai event without type", ErrMalformed)

	default:
		var data map[string]any
		_ = json.Unmarshal(raw, &data)
		return Frame{Kind: KindSessionControl, Subtype: evt.Type, Data: data}, nil
	}
}

// Encode converts a Frame into one AI realtime client event. Audio chunks
// become input_audio_buffer.append events with the payload re-encoded as
// base64. Marks encode as a passthrough mark event so that a marker can
// traverse the bridge in either direction. Start, Stop, and Error frames
// have no client-event representation and return [ErrUnsupported].
func (c *AICodec) Encode(f Frame) ([]byte, error) {
	switch f.Kind {
	case KindAudioChunk:
		if len(f.Payload) == 0 {
			return nil, fmt.Errorf("%w: empty audio chunk", ErrUnsupported)
		}
		return json.Marshal(aiEvent{
			Type:  aiAudioAppendType,
			Audio: base64.StdEncoding.EncodeToString(f.Payload),
		})

	case KindMark:
		return json.Marshal(aiEvent{Type: aiMarkType, Name: f.Name})

	case KindSessionControl:
		if f.Subtype == "" {
			return nil, fmt.Errorf("%w: session control without subtype", ErrUnsupported)
		}
		obj := map[string]any{"type": f.Subtype}
		for k, v := range f.Data {
			if k == "type" {
				continue
			}
			obj[k] = v
		}
		return json.Marshal(obj)

	default:
		return nil, fmt.Errorf("%w: %s frame on ai stream", ErrUnsupported, f.Kind)
	}
}
