package frame

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ── Wire shapes ───────────────────────────────────────────────────────────────

// telephonyMessage is the envelope for every telephony media-stream event.
// Only the fields relevant to the event named by Event are populated.
type telephonyMessage struct {
	Event          string           `json:"event"`
	SequenceNumber string           `json:"sequenceNumber,omitempty"`
	StreamSID      string           `json:"streamSid,omitempty"`
	Media          *telephonyMedia  `json:"media,omitempty"`
	Mark           *telephonyMark   `json:"mark,omitempty"`
	Start          *telephonyStart  `json:"start,omitempty"`
	Stop           *json.RawMessage `json:"stop,omitempty"`
}

type telephonyMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type telephonyMark struct {
	Name string `json:"name"`
}

type telephonyStart struct {
	StreamSID   string   `json:"streamSid"`
	AccountSID  string   `json:"accountSid,omitempty"`
	CallSID     string   `json:"callSid,omitempty"`
	Tracks      []string `json:"tracks,omitempty"`
	MediaFormat struct {
		Encoding   string `json:"encoding,omitempty"`
		SampleRate int    `json:"sampleRate,omitempty"`
		Channels   int    `json:"channels,omitempty"`
	} `json:"mediaFormat"`
}

// ── Codec ─────────────────────────────────────────────────────────────────────

// TelephonyCodec translates telephony media-stream JSON to and from Frames.
// Outbound messages must carry the stream SID of the call, so the codec is
// bound to one stream; the SID is learned from the start event during the
// connection handshake. The zero value decodes fine but cannot encode.
type TelephonyCodec struct {
	streamSID string
}

// NewTelephonyCodec returns a codec bound to streamSID for encoding.
func NewTelephonyCodec(streamSID string) *TelephonyCodec {
	return &TelephonyCodec{streamSID: streamSID}
}

var _ Codec = (*TelephonyCodec)(nil)

// Decode converts one telephony wire message into a Frame.
//
// The event mapping follows the media-stream protocol: media → AudioChunk
// (payload base64-decoded), mark → Mark, start → Start, stop → Stop. The
// connected handshake event and any event name introduced after this code was
// written decode to a SessionControl frame carrying the raw object.
func (c *TelephonyCodec) Decode(raw []byte) (Frame, error) {
	var msg telephonyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Frame{}, fmt.Errorf("%w: telephony: %v", ErrMalformed, err)
	}

	switch msg.Event {
	case "media":
		if msg.Media == nil || msg.Media.Payload == "" {
			return Frame{}, fmt.Errorf("%w: telephony media without payload", ErrMalformed)
		}
		audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: telephony media payload: %v", ErrMalformed, err)
		}
		if len(audio) == 0 {
			return Frame{}, fmt.Errorf("%w: telephony media payload is empty", ErrMalformed)
		}
		return Frame{
			Kind:     KindAudioChunk,
			Payload:  audio,
			Encoding: EncodingG711ULaw,
			Track:    msg.Media.Track,
		}, nil

	case "mark":
		if msg.Mark == nil || msg.Mark.Name == "" {
			return Frame{}, fmt.Errorf("%w: telephony mark without name", ErrMalformed)
		}
		return Frame{Kind: KindMark, Name: msg.Mark.Name}, nil

	case "start":
		if msg.Start == nil || msg.Start.StreamSID == "" {
			return Frame{}, fmt.Errorf("%w: telephony start without streamSid", ErrMalformed)
		}
		return Frame{
			Kind:     KindStart,
			StreamID: msg.Start.StreamSID,
			CallID:   msg.Start.CallSID,
			Encoding: msg.Start.MediaFormat.Encoding,
		}, nil

	case "stop":
		return Frame{Kind: KindStop}, nil

	case "":
		return Frame{}, fmt.Errorf("%w: telephony message without event", ErrMalformed)

	default:
		// Forward compatibility: unknown events ride through as control.
		var data map[string]any
		_ = json.Unmarshal(raw, &data)
		return Frame{Kind: KindSessionControl, Subtype: msg.Event, Data: data}, nil
	}
}

// Encode converts a Frame into one telephony wire message. The writable
// surface of the protocol is media, mark, and passthrough control events;
// everything else returns [ErrUnsupported].
func (c *TelephonyCodec) Encode(f Frame) ([]byte, error) {
	switch f.Kind {
	case KindAudioChunk:
		if len(f.Payload) == 0 {
			return nil, fmt.Errorf("%w: empty audio chunk", ErrUnsupported)
		}
		return json.Marshal(telephonyMessage{
			Event:     "media",
			StreamSID: c.streamSID,
			Media: &telephonyMedia{
				Payload: base64.StdEncoding.EncodeToString(f.Payload),
			},
		})

	case KindMark:
		return json.Marshal(telephonyMessage{
			Event:     "mark",
			StreamSID: c.streamSID,
			Mark:      &telephonyMark{Name: f.Name},
		})

	case KindSessionControl:
		if f.Subtype == "" {
			return nil, fmt.Errorf("%w: session control without subtype", ErrUnsupported)
		}
		obj := map[string]any{"event": f.Subtype, "streamSid": c.streamSID}
		for k, v := range f.Data {
			if k == "event" || k == "streamSid" {
				continue
			}
			obj[k] = v
		}
		return json.Marshal(obj)

	default:
		return nil, fmt.Errorf("%w: %s frame on telephony stream", ErrUnsupported, f.Kind)
	}
}
