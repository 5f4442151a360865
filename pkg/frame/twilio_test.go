package frame

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

func TestTelephonyDecodeMedia(t *testing.T) {
	t.Parallel()
	c := NewTelephonyCodec("MZ1")

	payload := base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03})
	f, err := c.Decode([]byte(`{"event":"media","media":{"track":"inbound","payload":"` + payload + `"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Kind != KindAudioChunk {
		t.Fatalf("kind = %v, want audio_chunk", f.Kind)
	}
	if string(f.Payload) != "\x01\x02\x03" {
		t.Fatalf("payload = %v, want raw decoded bytes", f.Payload)
	}
	if f.Encoding != EncodingG711ULaw {
		t.Fatalf("encoding = %q, want %q", f.Encoding, EncodingG711ULaw)
	}
	if f.Track != "inbound" {
		t.Fatalf("track = %q, want inbound", f.Track)
	}
}

func TestTelephonyDecodeStart(t *testing.T) {
	t.Parallel()
	c := NewTelephonyCodec("")

	f, err := c.Decode([]byte(`{
		"event": "start",
		"streamSid": "MZ42",
		"start": {
			"streamSid": "MZ42",
			"callSid": "CA42",
			"mediaFormat": {"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1}
		}
	}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Kind != KindStart || f.StreamID != "MZ42" || f.CallID != "CA42" {
		t.Fatalf("start frame = %+v, want stream MZ42 call CA42", f)
	}
	if f.Encoding != "audio/x-mulaw" {
		t.Fatalf("encoding = %q, want audio/x-mulaw", f.Encoding)
	}
}

func TestTelephonyDecodeMarkAndStop(t *testing.T) {
	t.Parallel()
	c := NewTelephonyCodec("MZ1")

	f, err := c.Decode([]byte(`{"event":"mark","mark":{"name":"greeting-done"}}`))
	if err != nil {
		t.Fatalf("Decode mark: %v", err)
	}
	if f.Kind != KindMark || f.Name != "greeting-done" {
		t.Fatalf("mark frame = %+v", f)
	}

	f, err = c.Decode([]byte(`{"event":"stop","streamSid":"MZ1"}`))
	if err != nil {
		t.Fatalf("Decode stop: %v", err)
	}
	if f.Kind != KindStop {
		t.Fatalf("kind = %v, want stop", f.Kind)
	}
}

func TestTelephonyDecodeUnknownEventPassesThrough(t *testing.T) {
	t.Parallel()
	c := NewTelephonyCodec("MZ1")

	f, err := c.Decode([]byte(`{"event":"dtmf","dtmf":{"digit":"5"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Kind != KindSessionControl || f.Subtype != "dtmf" {
		t.Fatalf("frame = %+v, want session control dtmf", f)
	}
	if f.Data["dtmf"] == nil {
		t.Fatal("original wire object not preserved in Data")
	}
}

func TestTelephonyDecodeMalformed(t *testing.T) {
	t.Parallel()
	c := NewTelephonyCodec("MZ1")

	cases := map[string]string{
		"invalid json":       `{"event":`,
		"missing event":      `{"streamSid":"MZ1"}`,
		"media no payload":   `{"event":"media","media":{}}`,
		"media bad base64":   `{"event":"media","media":{"payload":"!!!"}}`,
		"media empty audio":  `{"event":"media","media":{"payload":""}}`,
		"mark without name":  `{"event":"mark","mark":{}}`,
		"start without sid":  `{"event":"start","start":{}}`,
		"start missing body": `{"event":"start"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := c.Decode([]byte(raw)); !errors.Is(err, ErrMalformed) {
				t.Fatalf("Decode(%s) = %v, want ErrMalformed", raw, err)
			}
		})
	}
}

func TestTelephonyEncodeAudioCarriesStreamSID(t *testing.T) {
	t.Parallel()
	c := NewTelephonyCodec("MZ7")

	raw, err := c.Encode(Frame{Kind: KindAudioChunk, Payload: []byte{0xFF, 0x7F}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var msg struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Event != "media" || msg.StreamSID != "MZ7" {
		t.Fatalf("encoded = %s, want media event on MZ7", raw)
	}
	audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	if err != nil || string(audio) != "\xff\x7f" {
		t.Fatalf("payload round trip failed: %q, %v", msg.Media.Payload, err)
	}
}

func TestTelephonyEncodeMark(t *testing.T) {
	t.Parallel()
	c := NewTelephonyCodec("MZ7")

	raw, err := c.Encode(Frame{Kind: KindMark, Name: "chunk-9"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var msg telephonyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Event != "mark" || msg.Mark == nil || msg.Mark.Name != "chunk-9" {
		t.Fatalf("encoded = %s", raw)
	}
}

func TestTelephonyEncodeSessionControlPassthrough(t *testing.T) {
	t.Parallel()
	c := NewTelephonyCodec("MZ7")

	raw, err := c.Encode(Frame{
		Kind:    KindSessionControl,
		Subtype: "clear",
		Data:    map[string]any{"event": "clear", "streamSid": "stale", "extra": "kept"},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if obj["event"] != "clear" || obj["extra"] != "kept" {
		t.Fatalf("encoded = %s", raw)
	}
	if obj["streamSid"] != "MZ7" {
		t.Fatalf("streamSid = %v, want codec's own MZ7", obj["streamSid"])
	}
}

func TestTelephonyEncodeUnsupportedKinds(t *testing.T) {
	t.Parallel()
	c := NewTelephonyCodec("MZ7")

	for _, f := range []Frame{
		{Kind: KindStart, StreamID: "MZ7"},
		{Kind: KindStop},
		{Kind: KindError, Message: "boom"},
		{Kind: KindAudioChunk},
		{Kind: KindSessionControl},
	} {
		if _, err := c.Encode(f); !errors.Is(err, ErrUnsupported) {
			t.Fatalf("Encode(%v) = %v, want ErrUnsupported", f.Kind, err)
		}
	}
}
