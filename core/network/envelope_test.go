package network

import "testing"

func TestEnvelopeEncodeDecodeRoundTrip(t *testing.T) {
	e := NewEnvelope(MsgBroadcast, "corr-1", []byte("payload"))
	decoded, err := DecodeEnvelope(e.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.MessageType != MsgBroadcast || decoded.CorrelationID != "corr-1" || string(decoded.Content) != "payload" {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestEnvelopeEncodeDecodeEmptyContent(t *testing.T) {
	e := NewEnvelope(MsgPing, "", nil)
	decoded, err := DecodeEnvelope(e.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.MessageType != MsgPing || len(decoded.Content) != 0 {
		t.Fatalf("unexpected decode: %+v", decoded)
	}
}

func TestDecodeEnvelopeRejectsTruncatedFrame(t *testing.T) {
	if _, err := DecodeEnvelope([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error decoding truncated frame")
	}
}

func TestDecodeEnvelopeRejectsContentLengthMismatch(t *testing.T) {
	e := NewEnvelope(MsgPing, "c", []byte("abc"))
	raw := e.Encode()
	raw = raw[:len(raw)-1] // truncate the content by one byte
	if _, err := DecodeEnvelope(raw); err == nil {
		t.Fatalf("expected content length mismatch error")
	}
}
