package codec

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// opusEncoder/opusDecoder narrow the gopkg.in/hraban/opus.v2 surface this
// package uses, named and shaped exactly like the teacher's opusEncoder/
// opusDecoder interfaces in audio.go so a test can substitute a fake
// without a mocking framework.
type opusEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
	SetBitrate(bitrate int) error
	SetComplexity(complexity int) error
	SetDTX(dtx bool) error
	SetInBandFEC(fec bool) error
	SetPacketLossPerc(lossPerc int) error
}

type opusDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
	DecodeFEC(data []byte, pcm []int16) error
}

// OpusCodec wraps gopkg.in/hraban/opus.v2, grounded on audio.go's Start()
// encoder/decoder construction.
type OpusCodec struct {
	format Format

	encoder opusEncoder
	decoder opusDecoder

	// vbr, signalType, lsbDepth are accepted for interface completeness per
	// spec §4.2's parameter list but gopkg.in/hraban/opus.v2 does not expose
	// setters for them (unlike the richer gopus binding); they are stored
	// here and not applied to the encoder.
	vbr        bool
	signalType SignalType
	lsbDepth   int
}

func NewOpusCodec() *OpusCodec {
	return &OpusCodec{}
}

func (c *OpusCodec) InitEncoder(format Format) error {
	if format.SampleRate <= 0 || format.Channels <= 0 || format.FrameDurationMs <= 0 {
		return ErrInvalidParameter
	}
	enc, err := opus.NewEncoder(format.SampleRate, format.Channels, opus.AppVoIP)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInitializationFailed, err)
	}
	c.encoder = enc
	c.format = format
	return nil
}

func (c *OpusCodec) InitDecoder(format Format) error {
	if format.SampleRate <= 0 || format.Channels <= 0 || format.FrameDurationMs <= 0 {
		return ErrInvalidParameter
	}
	dec, err := opus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInitializationFailed, err)
	}
	c.decoder = dec
	c.format = format
	return nil
}

func (c *OpusCodec) Encode(pcmIn []int16, bytesOut []byte) (int, error) {
	if c.encoder == nil {
		return 0, ErrInitializationFailed
	}
	want := c.InputFrameSize() * c.format.Channels
	if len(pcmIn) != want {
		return 0, fmt.Errorf("%w: frame has %d samples, want %d", ErrInvalidParameter, len(pcmIn), want)
	}
	if len(bytesOut) < OpusMaxPacketBytes {
		return 0, ErrBufferTooSmall
	}
	n, err := c.encoder.Encode(pcmIn, bytesOut)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrEncodingFailed, err)
	}
	return n, nil
}

func (c *OpusCodec) Decode(bytesIn []byte, pcmOut []int16) (int, error) {
	if c.decoder == nil {
		return 0, ErrInitializationFailed
	}
	if len(pcmOut) < c.InputFrameSize()*c.format.Channels {
		return 0, ErrBufferTooSmall
	}
	n, err := c.decoder.Decode(bytesIn, pcmOut)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDecodingFailed, err)
	}
	return n, nil
}

func (c *OpusCodec) DecodeFEC(bytesIn []byte, pcmOut []int16) error {
	if c.decoder == nil {
		return ErrInitializationFailed
	}
	if len(pcmOut) < c.InputFrameSize()*c.format.Channels {
		return ErrBufferTooSmall
	}
	if err := c.decoder.DecodeFEC(bytesIn, pcmOut); err != nil {
		return fmt.Errorf("%w: %v", ErrDecodingFailed, err)
	}
	return nil
}

// DecodePLC synthesizes concealment audio for one lost packet. Opus's C API
// (and this binding) triggers packet-loss concealment by calling Decode
// with a nil payload — there is no separate PLC entry point.
func (c *OpusCodec) DecodePLC(pcmOut []int16) error {
	if c.decoder == nil {
		return ErrInitializationFailed
	}
	if len(pcmOut) < c.InputFrameSize()*c.format.Channels {
		return ErrBufferTooSmall
	}
	if _, err := c.decoder.Decode(nil, pcmOut); err != nil {
		return fmt.Errorf("%w: %v", ErrDecodingFailed, err)
	}
	return nil
}

// Reset reinitializes encoder and decoder with the last configured format.
func (c *OpusCodec) Reset() error {
	if c.encoder != nil {
		if err := c.InitEncoder(c.format); err != nil {
			return err
		}
	}
	if c.decoder != nil {
		if err := c.InitDecoder(c.format); err != nil {
			return err
		}
	}
	return nil
}

func (c *OpusCodec) InputFrameSize() int {
	return c.format.InputFrameSize()
}

func (c *OpusCodec) MaxOutputSize() int {
	return OpusMaxPacketBytes
}

func (c *OpusCodec) SetBitrate(bps int) error {
	if c.encoder == nil {
		return ErrInitializationFailed
	}
	if err := c.encoder.SetBitrate(bps); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	return nil
}

func (c *OpusCodec) SetComplexity(level int) error {
	if c.encoder == nil {
		return ErrInitializationFailed
	}
	if level < 0 || level > 10 {
		return ErrInvalidParameter
	}
	if err := c.encoder.SetComplexity(level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	return nil
}

func (c *OpusCodec) SetVBR(enabled bool) error {
	c.vbr = enabled
	return nil
}

func (c *OpusCodec) SetInBandFEC(enabled bool) error {
	if c.encoder == nil {
		return ErrInitializationFailed
	}
	if err := c.encoder.SetInBandFEC(enabled); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	return nil
}

func (c *OpusCodec) SetDTX(enabled bool) error {
	if c.encoder == nil {
		return ErrInitializationFailed
	}
	if err := c.encoder.SetDTX(enabled); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	return nil
}

func (c *OpusCodec) SetSignalType(t SignalType) error {
	c.signalType = t
	return nil
}

func (c *OpusCodec) SetPacketLossPerc(pct int) error {
	if c.encoder == nil {
		return ErrInitializationFailed
	}
	if pct < 0 || pct > 100 {
		return ErrInvalidParameter
	}
	if err := c.encoder.SetPacketLossPerc(pct); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	return nil
}

func (c *OpusCodec) SetLSBDepth(bits int) error {
	c.lsbDepth = bits
	return nil
}
