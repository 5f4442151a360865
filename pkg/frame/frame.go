// Package frame defines the uniform message representation shared by both
// sides of the bridge, plus the two wire codecs that translate it: one for
// the telephony media-stream protocol and one for the AI realtime protocol.
//
// Audio payloads cross the codec boundary exactly once: base64 wire text is
// decoded to raw bytes on ingest and re-encoded on egress. Everything between
// the two codecs, bridge included, only ever sees
// raw audio bytes and never needs to know which peer produced a chunk.
//
// Unknown wire events decode to a [KindSessionControl] frame instead of
// failing so that new peer-side event types pass through the bridge without
// a code change. Genuinely broken input (invalid JSON, missing required
// fields, undecodable base64) fails with [ErrMalformed].
package frame

import "errors"

// ErrMalformed is returned by the Decode methods when a wire message cannot
// be turned into a Frame: invalid JSON, a missing event discriminator, or a
// required field that is absent or undecodable. The offending message is
// dropped by the caller; the stream continues.
var ErrMalformed = errors.New("frame: malformed wire message")

// ErrUnsupported is returned by the Encode methods when a Frame has no
// representation on the target wire protocol (for example an Error frame on
// the telephony side). The frame is dropped by the caller; the stream
// continues.
var ErrUnsupported = errors.New("frame: unsupported on target protocol")

// Kind discriminates the frame union. Every Frame carries exactly one Kind;
// which of the remaining fields are meaningful depends on it.
type Kind int

const (
	// KindAudioChunk carries one opaque chunk of call audio.
	KindAudioChunk Kind = iota

	// KindMark is a named position marker in the audio stream, used by the
	// telephony peer to confirm playback progress.
	KindMark

	// KindStart announces stream metadata at the beginning of a call.
	KindStart

	// KindStop requests an orderly end of the stream.
	KindStop

	// KindError reports a fatal peer-side condition.
	KindError

	// KindSessionControl wraps any peer event the codec does not model
	// explicitly. The original wire object is preserved in Data.
	KindSessionControl
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAudioChunk:
		return "audio_chunk"
	case KindMark:
		return "mark"
	case KindStart:
		return "start"
	case KindStop:
		return "stop"
	case KindError:
		return "error"
	case KindSessionControl:
		return "session_control"
	default:
		return "unknown"
	}
}

// IsControl reports whether the frame kind must never be evicted under
// backpressure. Everything except audio is control: audio is the only
// payload where freshness beats completeness.
func (k Kind) IsControl() bool {
	return k != KindAudioChunk
}

// EncodingG711ULaw is the codec identifier for 8 kHz G.711 µ-law audio, the
// format telephony media streams carry and the format the AI session is
// configured to accept and emit. The bridge never transcodes; this string
// only travels as metadata.
const EncodingG711ULaw = "g711_ulaw"

// Frame is one logical message unit in its uniform, wire-independent form.
type Frame struct {
	Kind Kind

	// Payload is raw decoded audio (KindAudioChunk only). Never base64.
	Payload []byte

	// Encoding is the codec identifier of Payload (KindAudioChunk, KindStart).
	Encoding string

	// Track identifies the originating channel of an audio chunk, when the
	// wire protocol distinguishes one (e.g. "inbound").
	Track string

	// Name is the marker label (KindMark only).
	Name string

	// StreamID and CallID identify the call (KindStart only).
	StreamID string
	CallID   string

	// Message is the human-readable error description (KindError only).
	Message string

	// Subtype is the original wire event name (KindSessionControl only).
	Subtype string

	// Data is the decoded wire object of a session-control frame, preserved
	// so passthrough re-encoding loses nothing.
	Data map[string]any
}

// Size returns the number of payload bytes the frame carries. Control frames
// report zero; statistics count them as frames, not bytes.
func (f Frame) Size() int {
	return len(f.Payload)
}

// Codec translates between a peer's wire messages and Frames. Decode must
// return [ErrMalformed] (possibly wrapped) for input it cannot parse and
// Encode must return [ErrUnsupported] for frames the wire protocol cannot
// carry. Implementations must be safe for concurrent use.
type Codec interface {
	Decode(raw []byte) (Frame, error)
	Encode(f Frame) ([]byte, error)
}
