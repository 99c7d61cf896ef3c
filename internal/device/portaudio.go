package device

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/brightloop/voicebridge/internal/ringbuf"
)

// paStream abstracts a PortAudio stream for testing, grounded on the
// teacher's own paStream interface in audio.go.
type paStream interface {
	Start() error
	Stop() error
	Close() error
}

// PortAudioDevice is the PCMDevice implementation backed by a real sound
// card, grounded on audio.go's AudioEngine. It keeps the teacher's
// init-then-configure-then-start lifecycle and its Stop ordering rationale
// (stop the stream, wait for callbacks to quiesce, then close) verbatim.
type PortAudioDevice struct {
	mu sync.Mutex

	initialized bool
	configured  bool
	destroyed   bool

	sampleRate int
	frameSize  int
	channels   int

	inputDeviceID  int
	outputDeviceID int

	captureRing  *ringbuf.Ring[int16]
	playbackRing *ringbuf.Ring[int16]

	captureStream  paStream
	playbackStream paStream

	captureBuf  []float32
	playbackBuf []float32

	running atomic.Bool
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

// NewPortAudioDevice returns an uninitialized device. Call Init then
// Configure before starting capture/playback.
func NewPortAudioDevice(inputDeviceID, outputDeviceID int) *PortAudioDevice {
	return &PortAudioDevice{inputDeviceID: inputDeviceID, outputDeviceID: outputDeviceID}
}

func (d *PortAudioDevice) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("device: portaudio init: %w", err)
	}
	d.initialized = true
	return nil
}

func (d *PortAudioDevice) Configure(sampleRate, frameSize, channels, periods, captureBufFrames, playbackBufFrames int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return ErrNotInitialized
	}
	d.sampleRate = sampleRate
	d.frameSize = frameSize
	d.channels = channels
	d.captureRing = ringbuf.NewDropNewest[int16](captureBufFrames * channels)
	d.playbackRing = ringbuf.NewRejecting[int16](playbackBufFrames * channels)
	d.captureBuf = make([]float32, frameSize*channels)
	d.playbackBuf = make([]float32, frameSize*channels)
	d.configured = true
	return nil
}

// resolveDevice returns the device at idx if valid, otherwise falls back to
// the host default — identical shape to the teacher's resolveDevice.
func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}

func (d *PortAudioDevice) StartCapture() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.configured {
		return ErrNotInitialized
	}
	if d.running.Load() {
		return ErrAlreadyRunning
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return err
	}
	inputDev, err := resolveDevice(devices, d.inputDeviceID, portaudio.DefaultInputDevice)
	if err != nil {
		return err
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   inputDev,
			Channels: d.channels,
			Latency:  inputDev.DefaultLowInputLatency,
		},
		SampleRate:      float64(d.sampleRate),
		FramesPerBuffer: d.frameSize,
	}
	stream, err := portaudio.OpenStream(params, d.captureBuf)
	if err != nil {
		return fmt.Errorf("device: open capture stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("device: start capture stream: %w", err)
	}

	d.captureStream = stream
	if d.stopCh == nil {
		d.stopCh = make(chan struct{})
	}
	d.running.Store(true)
	d.wg.Add(1)
	go d.captureLoop(stream, d.captureBuf)
	log.Printf("[device] capture started on %s", inputDev.Name)
	return nil
}

func (d *PortAudioDevice) StartPlayback() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.configured {
		return ErrNotInitialized
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return err
	}
	outputDev, err := resolveDevice(devices, d.outputDeviceID, portaudio.DefaultOutputDevice)
	if err != nil {
		return err
	}

	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outputDev,
			Channels: d.channels,
			Latency:  outputDev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(d.sampleRate),
		FramesPerBuffer: d.frameSize,
	}
	stream, err := portaudio.OpenStream(params, d.playbackBuf)
	if err != nil {
		return fmt.Errorf("device: open playback stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("device: start playback stream: %w", err)
	}

	d.playbackStream = stream
	if d.stopCh == nil {
		d.stopCh = make(chan struct{})
	}
	d.wg.Add(1)
	go d.playbackLoop(stream, d.playbackBuf)
	log.Printf("[device] playback started on %s", outputDev.Name)
	return nil
}

// captureLoop pulls PCM from the host callback buffer into the capture ring,
// converting float32 samples to int16 the way the codec layer expects.
func (d *PortAudioDevice) captureLoop(stream interface{ Read() error }, buf []float32) {
	defer d.wg.Done()
	ints := make([]int16, len(buf))
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}
		if err := stream.Read(); err != nil {
			continue
		}
		for i, s := range buf {
			ints[i] = floatToInt16(s)
		}
		if n, ok := d.captureRing.Write(ints); ok && n < len(ints) {
			log.Printf("[device] capture overflow: dropped %d samples", len(ints)-n)
		}
	}
}

// playbackLoop drains the playback ring into the host callback buffer,
// emitting silence on underrun exactly as spec §4.1 requires.
func (d *PortAudioDevice) playbackLoop(stream interface{ Write() error }, buf []float32) {
	defer d.wg.Done()
	ints := make([]int16, len(buf))
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}
		n, err := d.playbackRing.ReadTimeout(ints, ReadTimeout)
		if err != nil || n == 0 {
			zeroFloat32(buf)
		} else {
			for i := 0; i < n; i++ {
				buf[i] = int16ToFloat(ints[i])
			}
			for i := n; i < len(buf); i++ {
				buf[i] = 0
			}
		}
		if err := stream.Write(); err != nil {
			continue
		}
	}
}

func (d *PortAudioDevice) Read(pcmOut []int16) (int, error) {
	d.mu.Lock()
	ring := d.captureRing
	d.mu.Unlock()
	if ring == nil {
		return 0, ErrNotInitialized
	}
	n, err := ring.ReadTimeout(pcmOut, ReadTimeout)
	if err != nil {
		return 0, ErrReadTimeout
	}
	return n, nil
}

func (d *PortAudioDevice) Write(pcmIn []int16) error {
	d.mu.Lock()
	ring := d.playbackRing
	d.mu.Unlock()
	if ring == nil {
		return ErrNotInitialized
	}
	if _, ok := ring.Write(pcmIn); !ok {
		return ErrWriteWouldBlock
	}
	return nil
}

func (d *PortAudioDevice) PlaybackBufferEmpty() bool {
	d.mu.Lock()
	ring := d.playbackRing
	d.mu.Unlock()
	if ring == nil {
		return true
	}
	return ring.Empty()
}

// Destroy stops any running stream, deallocates buffers, and terminates
// PortAudio. Sequence mirrors the teacher's Stop(): signal stop, wait for
// the capture/playback goroutines to return (since a blocking
// Read()/Write() call returns once Stop() unblocks the native stream),
// only then Close the stream — closing first risks touching freed native
// memory from a goroutine still in flight.
func (d *PortAudioDevice) Destroy() error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil
	}
	d.destroyed = true
	wasRunning := d.running.CompareAndSwap(true, false)
	stopCh := d.stopCh
	capture := d.captureStream
	playback := d.playbackStream
	d.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if capture != nil {
		capture.Stop()
	}
	if playback != nil {
		playback.Stop()
	}
	if wasRunning || capture != nil || playback != nil {
		d.wg.Wait()
	}
	if capture != nil {
		capture.Close()
	}
	if playback != nil {
		playback.Close()
	}

	d.mu.Lock()
	initialized := d.initialized
	d.mu.Unlock()
	if initialized {
		return portaudio.Terminate()
	}
	return nil
}

func floatToInt16(f float32) int16 {
	v := f * 32767
	if v > 32767 {
		v = 32767
	}
	if v < -32768 {
		v = -32768
	}
	return int16(v)
}

func int16ToFloat(i int16) float32 {
	return float32(i) / 32768
}

func zeroFloat32(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}
