package device

import (
	"sync"

	"github.com/brightloop/voicebridge/internal/ringbuf"
)

// StubDevice is an in-memory PCMDevice backing tests without a real sound
// card, grounded on the teacher's mockPAStream (audio_test.go): it honors
// the same Init/Configure/Start ordering and ring-buffer overflow/underrun
// semantics as PortAudioDevice, but the "host callback" is just whatever
// the test feeds via InjectCapture / DrainPlayback.
type StubDevice struct {
	mu sync.Mutex

	initialized bool
	configured  bool
	capturing   bool
	playing     bool
	destroyed   bool

	captureRing  *ringbuf.Ring[int16]
	playbackRing *ringbuf.Ring[int16]
}

func NewStubDevice() *StubDevice {
	return &StubDevice{}
}

func (s *StubDevice) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrDestroyed
	}
	s.initialized = true
	return nil
}

func (s *StubDevice) Configure(sampleRate, frameSize, channels, periods, captureBufFrames, playbackBufFrames int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	s.captureRing = ringbuf.NewDropNewest[int16](captureBufFrames * channels)
	s.playbackRing = ringbuf.NewRejecting[int16](playbackBufFrames * channels)
	s.configured = true
	return nil
}

func (s *StubDevice) StartCapture() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.configured {
		return ErrNotInitialized
	}
	if s.capturing {
		return ErrAlreadyRunning
	}
	s.capturing = true
	return nil
}

func (s *StubDevice) StartPlayback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.configured {
		return ErrNotInitialized
	}
	if s.playing {
		return ErrAlreadyRunning
	}
	s.playing = true
	return nil
}

// InjectCapture simulates the host capture callback producing samples — the
// test-side equivalent of a microphone frame arriving.
func (s *StubDevice) InjectCapture(pcm []int16) (written int, ok bool) {
	s.mu.Lock()
	ring := s.captureRing
	s.mu.Unlock()
	if ring == nil {
		return 0, false
	}
	return ring.Write(pcm)
}

// DrainPlayback simulates the host playback callback consuming samples —
// the test-side equivalent of a speaker pulling queued audio.
func (s *StubDevice) DrainPlayback(out []int16) int {
	s.mu.Lock()
	ring := s.playbackRing
	s.mu.Unlock()
	if ring == nil {
		return 0
	}
	n, err := ring.ReadTimeout(out, ReadTimeout)
	if err != nil {
		return 0
	}
	return n
}

func (s *StubDevice) Read(pcmOut []int16) (int, error) {
	s.mu.Lock()
	ring := s.captureRing
	s.mu.Unlock()
	if ring == nil {
		return 0, ErrNotInitialized
	}
	n, err := ring.ReadTimeout(pcmOut, ReadTimeout)
	if err != nil {
		return 0, ErrReadTimeout
	}
	return n, nil
}

func (s *StubDevice) Write(pcmIn []int16) error {
	s.mu.Lock()
	ring := s.playbackRing
	s.mu.Unlock()
	if ring == nil {
		return ErrNotInitialized
	}
	if _, ok := ring.Write(pcmIn); !ok {
		return ErrWriteWouldBlock
	}
	return nil
}

func (s *StubDevice) PlaybackBufferEmpty() bool {
	s.mu.Lock()
	ring := s.playbackRing
	s.mu.Unlock()
	if ring == nil {
		return true
	}
	return ring.Empty()
}

func (s *StubDevice) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	s.capturing = false
	s.playing = false
	if s.captureRing != nil {
		s.captureRing.Broadcast()
	}
	if s.playbackRing != nil {
		s.playbackRing.Broadcast()
	}
	return nil
}
