package protocol

import (
	"encoding/binary"
	"errors"
)

// ErrShortFrame is returned when a binary message is too small to contain a
// complete frame header, or the declared payload_size exceeds what was
// actually received.
var ErrShortFrame = errors.New("protocol: short binary frame")

// audioFrameType is the only currently-defined binary frame type (spec
// §4.3: "type = 0 identifies audio").
const audioFrameType = 0

// FrameCodec encodes/decodes the binary audio wire format for one protocol
// version. Three strategies exist, selected by the configured
// protocol_version integer, structurally parallel to the teacher's
// MarshalDatagram/ParseDatagram pair in transport.go but carrying the
// spec's header shapes instead of the teacher's [userID:2][seq:2] header.
type FrameCodec interface {
	// Encode wraps an outbound Opus payload in this version's header.
	Encode(payload []byte, timestampMs uint32) []byte
	// Decode unwraps an inbound binary message. ok is false (no error) when
	// the frame's type is not audio and should be ignored per spec §4.3.
	Decode(data []byte) (payload []byte, timestampMs uint32, ok bool, err error)
}

// NewFrameCodec returns the FrameCodec for the given protocol version. Any
// version other than 2 or 3 gets the raw fallback (spec §4.3: "any other
// version treats both inbound and outbound binary frames as raw payload
// with no header").
func NewFrameCodec(version int) FrameCodec {
	switch version {
	case 2:
		return v2FrameCodec{}
	case 3:
		return v3FrameCodec{}
	default:
		return rawFrameCodec{}
	}
}

// v2FrameCodec implements the 16-byte header version:
// u16 version | u16 type | u32 reserved | u32 timestamp_ms | u32 payload_size | payload
type v2FrameCodec struct{}

const v2HeaderSize = 16

func (v2FrameCodec) Encode(payload []byte, timestampMs uint32) []byte {
	buf := make([]byte, v2HeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], 2)
	binary.BigEndian.PutUint16(buf[2:4], audioFrameType)
	binary.BigEndian.PutUint32(buf[4:8], 0)
	binary.BigEndian.PutUint32(buf[8:12], timestampMs)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(payload)))
	copy(buf[v2HeaderSize:], payload)
	return buf
}

func (v2FrameCodec) Decode(data []byte) ([]byte, uint32, bool, error) {
	if len(data) < v2HeaderSize {
		return nil, 0, false, ErrShortFrame
	}
	frameType := binary.BigEndian.Uint16(data[2:4])
	timestampMs := binary.BigEndian.Uint32(data[8:12])
	payloadSize := binary.BigEndian.Uint32(data[12:16])
	if int(payloadSize) > len(data)-v2HeaderSize {
		return nil, 0, false, ErrShortFrame
	}
	if frameType != audioFrameType {
		// Unused type values MUST be ignored by the decoder (spec §4.3).
		return nil, 0, false, nil
	}
	return data[v2HeaderSize : v2HeaderSize+int(payloadSize)], timestampMs, true, nil
}

// v3FrameCodec implements the 4-byte header version:
// u8 type | u8 reserved | u16 payload_size | payload
// v3 carries no timestamp — defaults to 0 when the engine emits a frame
// upward (spec §4.3).
type v3FrameCodec struct{}

const v3HeaderSize = 4

func (v3FrameCodec) Encode(payload []byte, _ uint32) []byte {
	buf := make([]byte, v3HeaderSize+len(payload))
	buf[0] = audioFrameType
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[v3HeaderSize:], payload)
	return buf
}

func (v3FrameCodec) Decode(data []byte) ([]byte, uint32, bool, error) {
	if len(data) < v3HeaderSize {
		return nil, 0, false, ErrShortFrame
	}
	frameType := data[0]
	payloadSize := binary.BigEndian.Uint16(data[2:4])
	if int(payloadSize) > len(data)-v3HeaderSize {
		return nil, 0, false, ErrShortFrame
	}
	if frameType != audioFrameType {
		return nil, 0, false, nil
	}
	return data[v3HeaderSize : v3HeaderSize+int(payloadSize)], 0, true, nil
}

// rawFrameCodec treats binary messages as bare payload with no header at
// all — used for any protocol_version outside {2, 3}.
type rawFrameCodec struct{}

func (rawFrameCodec) Encode(payload []byte, _ uint32) []byte {
	out := make([]byte, len(payload))
	copy(out, payload)
	return out
}

func (rawFrameCodec) Decode(data []byte) ([]byte, uint32, bool, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, 0, true, nil
}
