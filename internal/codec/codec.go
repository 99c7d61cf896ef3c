// Package codec implements the Codec Abstraction (spec §4.2): an Opus
// encoder/decoder pair behind a method table, grounded on the teacher's
// opus encoder/decoder construction and parameter setters in audio.go
// (opus.NewEncoder/.NewDecoder, SetBitrate/SetDTX/SetInBandFEC/
// SetPacketLossPerc).
package codec

import (
	"errors"
)

// Errors matching the taxonomy spec §4.2 names.
var (
	ErrInvalidParameter       = errors.New("codec: invalid parameter")
	ErrInitializationFailed   = errors.New("codec: initialization failed")
	ErrEncodingFailed         = errors.New("codec: encoding failed")
	ErrDecodingFailed         = errors.New("codec: decoding failed")
	ErrBufferTooSmall         = errors.New("codec: buffer too small")
	ErrUnsupportedFormat      = errors.New("codec: unsupported format")
	ErrMemoryAllocationFailed = errors.New("codec: memory allocation failed")
)

// Format mirrors spec §3's AudioFormat.
type Format struct {
	SampleRate      int
	Channels        int
	BitsPerSample   int
	FrameDurationMs int
}

// InputFrameSize returns sample_rate * frame_duration_ms / 1000 samples per
// channel, exactly as spec §4.2 defines it.
func (f Format) InputFrameSize() int {
	return f.SampleRate * f.FrameDurationMs / 1000
}

// SignalType selects Opus's signal-type hint.
type SignalType int

const (
	SignalAuto SignalType = iota
	SignalVoice
	SignalMusic
)

// OpusMaxPacketBytes is RFC 6716's maximum Opus packet size, identical to
// the teacher's opusMaxPacketBytes constant.
const OpusMaxPacketBytes = 1275

// Codec is the method table spec §4.2 describes.
type Codec interface {
	InitEncoder(format Format) error
	InitDecoder(format Format) error

	// Encode fails if len(pcmIn) != input_frame_size()*channels. Returns
	// the number of bytes written into bytesOut.
	Encode(pcmIn []int16, bytesOut []byte) (int, error)
	// Decode requires len(pcmOut) >= input_frame_size()*channels. Returns
	// the number of frames written.
	Decode(bytesIn []byte, pcmOut []int16) (int, error)
	// DecodeFEC reconstructs an estimate of the frame lost before bytesIn
	// using Opus in-band FEC, when available.
	DecodeFEC(bytesIn []byte, pcmOut []int16) error
	// DecodePLC synthesizes a frame of concealment audio for a single lost
	// packet, with no bitstream input (Opus packet-loss concealment).
	DecodePLC(pcmOut []int16) error

	Reset() error

	InputFrameSize() int
	MaxOutputSize() int

	SetBitrate(bps int) error
	SetComplexity(level int) error
	SetVBR(enabled bool) error
	SetInBandFEC(enabled bool) error
	SetDTX(enabled bool) error
	SetSignalType(t SignalType) error
	SetPacketLossPerc(pct int) error
	SetLSBDepth(bits int) error
}
