package protocol

import "testing"

func TestV2RoundTrip(t *testing.T) {
	c := NewFrameCodec(2)
	payload := []byte{1, 2, 3, 4, 5}
	encoded := c.Encode(payload, 12345)

	got, ts, ok, err := c.Decode(encoded)
	if err != nil || !ok {
		t.Fatalf("Decode() ok=%v err=%v", ok, err)
	}
	if ts != 12345 {
		t.Fatalf("timestampMs = %d; want 12345", ts)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload = %v; want %v", got, payload)
	}
}

func TestV2IgnoresNonAudioType(t *testing.T) {
	c := NewFrameCodec(2)
	encoded := c.Encode([]byte{9, 9}, 0)
	encoded[3] = 7 // type field, low byte

	_, _, ok, err := c.Decode(encoded)
	if err != nil || ok {
		t.Fatalf("Decode() of non-audio type: ok=%v err=%v; want ok=false, err=nil", ok, err)
	}
}

func TestV2ShortFrameRejected(t *testing.T) {
	c := NewFrameCodec(2)
	_, _, _, err := c.Decode([]byte{1, 2, 3})
	if err != ErrShortFrame {
		t.Fatalf("Decode() on short data = %v; want ErrShortFrame", err)
	}
}

func TestV2RejectsTruncatedPayload(t *testing.T) {
	c := NewFrameCodec(2)
	encoded := c.Encode([]byte{1, 2, 3, 4, 5}, 0)
	_, _, _, err := c.Decode(encoded[:v2HeaderSize+2]) // claims 5 bytes payload, has 2
	if err != ErrShortFrame {
		t.Fatalf("Decode() on truncated payload = %v; want ErrShortFrame", err)
	}
}

func TestV3RoundTrip(t *testing.T) {
	c := NewFrameCodec(3)
	payload := []byte{10, 20, 30}
	encoded := c.Encode(payload, 999) // v3 ignores timestamp on encode

	got, ts, ok, err := c.Decode(encoded)
	if err != nil || !ok {
		t.Fatalf("Decode() ok=%v err=%v", ok, err)
	}
	if ts != 0 {
		t.Fatalf("timestampMs = %d; want 0 (v3 carries none)", ts)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload = %v; want %v", got, payload)
	}
}

func TestV3ShortFrameRejected(t *testing.T) {
	c := NewFrameCodec(3)
	_, _, _, err := c.Decode([]byte{1, 2})
	if err != ErrShortFrame {
		t.Fatalf("Decode() on short data = %v; want ErrShortFrame", err)
	}
}

func TestRawFallbackForUnknownVersion(t *testing.T) {
	for _, version := range []int{0, 1, 4, 99} {
		c := NewFrameCodec(version)
		payload := []byte{1, 2, 3}
		encoded := c.Encode(payload, 42)
		if string(encoded) != string(payload) {
			t.Fatalf("version %d: Encode() added a header; want raw passthrough", version)
		}
		got, ts, ok, err := c.Decode(payload)
		if err != nil || !ok || ts != 0 || string(got) != string(payload) {
			t.Fatalf("version %d: Decode() = %v, %d, %v, %v", version, got, ts, ok, err)
		}
	}
}
