package codec

import "testing"

// fakeEncoder implements opusEncoder for testing, grounded on the teacher's
// mockEncoder (audio_test.go): a minimal stand-in that avoids touching the
// real Opus C library.
type fakeEncoder struct {
	bitrate    int
	complexity int
	dtx        bool
	fec        bool
	lossPerc   int
	failEncode bool
}

func (f *fakeEncoder) Encode(pcm []int16, data []byte) (int, error) {
	if f.failEncode {
		return 0, errFakeEncode
	}
	if len(data) > 0 {
		data[0] = byte(len(pcm))
		return 1, nil
	}
	return 0, nil
}
func (f *fakeEncoder) SetBitrate(b int) error       { f.bitrate = b; return nil }
func (f *fakeEncoder) SetComplexity(c int) error    { f.complexity = c; return nil }
func (f *fakeEncoder) SetDTX(v bool) error          { f.dtx = v; return nil }
func (f *fakeEncoder) SetInBandFEC(v bool) error     { f.fec = v; return nil }
func (f *fakeEncoder) SetPacketLossPerc(p int) error { f.lossPerc = p; return nil }

type fakeDecoder struct {
	lastFEC bool
}

func (f *fakeDecoder) Decode(data []byte, pcm []int16) (int, error) {
	if data == nil {
		// PLC path.
		for i := range pcm {
			pcm[i] = 0
		}
		return len(pcm), nil
	}
	for i := range pcm {
		pcm[i] = int16(i)
	}
	return len(pcm), nil
}

func (f *fakeDecoder) DecodeFEC(data []byte, pcm []int16) error {
	f.lastFEC = true
	for i := range pcm {
		pcm[i] = 1
	}
	return nil
}

var errFakeEncode = &testError{"encode failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func testFormat() Format {
	return Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16, FrameDurationMs: 20}
}

func newTestCodec() (*OpusCodec, *fakeEncoder, *fakeDecoder) {
	c := NewOpusCodec()
	c.format = testFormat()
	enc := &fakeEncoder{}
	dec := &fakeDecoder{}
	c.encoder = enc
	c.decoder = dec
	return c, enc, dec
}

func TestInputFrameSize(t *testing.T) {
	c, _, _ := newTestCodec()
	if got := c.InputFrameSize(); got != 320 {
		t.Fatalf("InputFrameSize() = %d; want 320 (16000*20/1000)", got)
	}
}

func TestEncodeRejectsWrongFrameSize(t *testing.T) {
	c, _, _ := newTestCodec()
	_, err := c.Encode(make([]int16, 10), make([]byte, OpusMaxPacketBytes))
	if err == nil {
		t.Fatal("Encode() with wrong frame size = nil error; want ErrInvalidParameter-wrapped")
	}
}

func TestEncodeRejectsSmallOutputBuffer(t *testing.T) {
	c, _, _ := newTestCodec()
	_, err := c.Encode(make([]int16, 320), make([]byte, 10))
	if err != ErrBufferTooSmall {
		t.Fatalf("Encode() with small buffer = %v; want ErrBufferTooSmall", err)
	}
}

func TestEncodeSucceeds(t *testing.T) {
	c, _, _ := newTestCodec()
	n, err := c.Encode(make([]int16, 320), make([]byte, OpusMaxPacketBytes))
	if err != nil || n != 1 {
		t.Fatalf("Encode() = %d, %v; want 1, nil", n, err)
	}
}

func TestDecodeRejectsSmallOutputBuffer(t *testing.T) {
	c, _, _ := newTestCodec()
	_, err := c.Decode([]byte{1, 2, 3}, make([]int16, 4))
	if err != ErrBufferTooSmall {
		t.Fatalf("Decode() with small buffer = %v; want ErrBufferTooSmall", err)
	}
}

func TestDecodeFECMarksFallback(t *testing.T) {
	c, _, dec := newTestCodec()
	pcm := make([]int16, 320)
	if err := c.DecodeFEC([]byte{1, 2}, pcm); err != nil {
		t.Fatalf("DecodeFEC() = %v", err)
	}
	if !dec.lastFEC {
		t.Fatal("DecodeFEC() did not reach the decoder's FEC path")
	}
}

func TestDecodePLCUsesNilPayload(t *testing.T) {
	c, _, _ := newTestCodec()
	pcm := make([]int16, 320)
	pcm[0] = 99
	if err := c.DecodePLC(pcm); err != nil {
		t.Fatalf("DecodePLC() = %v", err)
	}
	if pcm[0] != 0 {
		t.Fatalf("DecodePLC() did not zero concealment frame: pcm[0] = %d", pcm[0])
	}
}

func TestParameterSettersForwardToEncoder(t *testing.T) {
	c, enc, _ := newTestCodec()
	if err := c.SetBitrate(24000); err != nil || enc.bitrate != 24000 {
		t.Fatalf("SetBitrate() err=%v bitrate=%d", err, enc.bitrate)
	}
	if err := c.SetComplexity(8); err != nil || enc.complexity != 8 {
		t.Fatalf("SetComplexity() err=%v complexity=%d", err, enc.complexity)
	}
	if err := c.SetComplexity(11); err != ErrInvalidParameter {
		t.Fatalf("SetComplexity(11) = %v; want ErrInvalidParameter", err)
	}
	if err := c.SetDTX(true); err != nil || !enc.dtx {
		t.Fatalf("SetDTX() err=%v dtx=%v", err, enc.dtx)
	}
	if err := c.SetInBandFEC(true); err != nil || !enc.fec {
		t.Fatalf("SetInBandFEC() err=%v fec=%v", err, enc.fec)
	}
	if err := c.SetPacketLossPerc(5); err != nil || enc.lossPerc != 5 {
		t.Fatalf("SetPacketLossPerc() err=%v lossPerc=%d", err, enc.lossPerc)
	}
	if err := c.SetPacketLossPerc(150); err != ErrInvalidParameter {
		t.Fatalf("SetPacketLossPerc(150) = %v; want ErrInvalidParameter", err)
	}
}

func TestMaxOutputSizeIsOpusMax(t *testing.T) {
	c, _, _ := newTestCodec()
	if c.MaxOutputSize() != OpusMaxPacketBytes {
		t.Fatalf("MaxOutputSize() = %d; want %d", c.MaxOutputSize(), OpusMaxPacketBytes)
	}
}
