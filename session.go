package voicebridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brightloop/voicebridge/internal/codec"
	"github.com/brightloop/voicebridge/internal/config"
	"github.com/brightloop/voicebridge/internal/device"
	"github.com/brightloop/voicebridge/internal/mcp"
	"github.com/brightloop/voicebridge/internal/playback"
	"github.com/brightloop/voicebridge/internal/protocol"
)

// defaultPeriods is the device buffer-period count passed to Configure.
// The PortAudio device table does not use it (no ALSA-style period concept
// on that backend); it is threaded through because the PCMDevice method
// table (spec §9) generalizes over backends that might.
const defaultPeriods = 2

// captureBufFrames/playbackBufFrames size the device's two ring buffers in
// codec frames (Connect multiplies them by the per-frame sample count before
// passing them to Configure), chosen so that even at 20 ms frames the buffer holds roughly a
// second of audio — generous enough to absorb scheduling jitter without
// needing per-deployment tuning.
const (
	captureBufFrames  = 50
	playbackBufFrames = 50
)

// ttsPollInterval is how often the TTS gating code re-checks
// playback.BufferEmpty() while waiting to emit TtsStopped (spec §4.4/S2
// backpressure contract).
const ttsPollInterval = 10 * time.Millisecond

// Session is the facade (spec §4.6 component G): it owns one device, codec,
// protocol engine, playback engine, and tool server, and fans out their
// combined signals as one Event stream. Grounded on the teacher's App
// struct, simplified to the single-server-session shape this spec's domain
// calls for (no multi-server session map).
type Session struct {
	cfg config.Config

	dev    device.PCMDevice
	cdc    codec.Codec
	engine *protocol.Engine
	play   *playback.Engine
	tools  *mcp.ToolServer

	mu             sync.Mutex
	sessionID      string
	listeningState ListeningState
	ttsState       TTSState
	helloReceived  bool

	eventMu sync.RWMutex
	onEvent func(Event)

	captureDropped  atomic.Uint64
	playbackDropped atomic.Uint64

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New returns a Session wired to the given (pluggable, per spec §6) device
// and codec implementations and the given tool server. The session is not
// yet connected; call Connect.
func New(cfg config.Config, dev device.PCMDevice, cdc codec.Codec, tools *mcp.ToolServer) *Session {
	cfg = cfg.WithDefaults()
	return &Session{
		cfg:   cfg,
		dev:   dev,
		cdc:   cdc,
		tools: tools,
	}
}

// SetOnEvent registers the session's single event consumer (spec §6:
// "invoked from an internal thread; must not block").
func (s *Session) SetOnEvent(fn func(Event)) {
	s.eventMu.Lock()
	s.onEvent = fn
	s.eventMu.Unlock()
}

func (s *Session) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.eventMu.RLock()
	fn := s.onEvent
	s.eventMu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

// Connect initializes the device and codec, opens the protocol engine, and
// starts the capture-encode-send loop. Mirrors the teacher's
// ConnectVoice/startup sequencing (device before transport, transport
// before the send loop).
func (s *Session) Connect(ctx context.Context) error {
	format := codec.Format{
		SampleRate:      s.cfg.SampleRate,
		Channels:        s.cfg.Channels,
		BitsPerSample:   16,
		FrameDurationMs: s.cfg.FrameDurationMs,
	}
	frameSize := format.InputFrameSize()

	if err := s.dev.Init(); err != nil {
		return fmt.Errorf("voicebridge: device init: %w", err)
	}
	if err := s.dev.Configure(s.cfg.SampleRate, frameSize, s.cfg.Channels, defaultPeriods, captureBufFrames*frameSize, playbackBufFrames*frameSize); err != nil {
		return fmt.Errorf("voicebridge: device configure: %w", err)
	}
	if err := s.cdc.InitEncoder(format); err != nil {
		return fmt.Errorf("voicebridge: encoder init: %w", err)
	}
	if err := s.cdc.InitDecoder(format); err != nil {
		return fmt.Errorf("voicebridge: decoder init: %w", err)
	}
	if err := s.dev.StartCapture(); err != nil {
		return fmt.Errorf("voicebridge: start capture: %w", err)
	}
	if err := s.dev.StartPlayback(); err != nil {
		return fmt.Errorf("voicebridge: start playback: %w", err)
	}

	s.play = playback.New(playback.DefaultCapacity, s.cfg.Channels, s.cdc, s.dev)
	s.play.SetOnStateChange(func(old, new playback.State) {
		s.emit(Event{Kind: StateChanged, OldState: old.String(), NewState: new.String()})
	})

	s.engine = protocol.NewEngine(protocol.Config{
		ServerURL:       s.cfg.ServerURL,
		AuthToken:       s.cfg.AuthToken,
		DeviceID:        s.cfg.DeviceID,
		ClientID:        s.cfg.ClientID,
		ProtocolVersion: s.cfg.ProtocolVersion,
		SampleRate:      s.cfg.SampleRate,
		Channels:        s.cfg.Channels,
	})
	s.wireEngineCallbacks()

	if err := s.play.Start(); err != nil {
		return fmt.Errorf("voicebridge: playback start: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutMs)*time.Millisecond)
	defer cancel()
	if err := s.engine.Connect(connectCtx); err != nil {
		return fmt.Errorf("voicebridge: connect: %w", err)
	}

	s.mu.Lock()
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.captureSendLoop(frameSize * s.cfg.Channels)

	return nil
}

func (s *Session) wireEngineCallbacks() {
	s.engine.SetOnStateChange(func(connected bool) {
		if connected {
			s.emit(Event{Kind: WebSocketConnected})
		} else {
			s.emit(Event{Kind: WebSocketDisconnected})
		}
	})

	s.engine.SetOnSessionStarted(func(sessionID string) {
		s.mu.Lock()
		s.sessionID = sessionID
		s.helloReceived = true
		s.mu.Unlock()

		s.emit(Event{Kind: SessionEstablished, SessionID: sessionID})

		if err := s.engine.SendListenStart(listenWireMode(s.cfg.ListeningMode)); err != nil {
			log.Printf("[voicebridge] send listen-start: %v", err)
		}
		s.mu.Lock()
		s.listeningState = ListeningStart
		s.mu.Unlock()
		s.emit(Event{Kind: ListeningStarted})
	})

	s.engine.SetOnSessionEnded(func() {
		s.mu.Lock()
		s.sessionID = ""
		s.mu.Unlock()
		s.emit(Event{Kind: SessionEnded})
	})

	s.engine.SetOnTTS(func(state string) {
		switch state {
		case "start":
			s.mu.Lock()
			s.ttsState = TTSStart
			s.mu.Unlock()
			if err := s.engine.SendListenStop(); err != nil {
				log.Printf("[voicebridge] send listen-stop: %v", err)
			}
			s.mu.Lock()
			s.listeningState = ListeningStop
			s.mu.Unlock()
			s.emit(Event{Kind: TtsStarted})
		case "stop":
			stopReceivedAt := time.Now()
			s.mu.Lock()
			s.ttsState = TTSStop
			s.mu.Unlock()
			go s.awaitPlaybackDrainThenResume(stopReceivedAt)
		}
	})

	s.engine.SetOnAudioFrame(func(payload []byte, timestampMs uint32) {
		if s.play != nil {
			if err := s.play.FeedData(payload); err != nil {
				s.playbackDropped.Add(1)
				log.Printf("[voicebridge] feed playback buffer: %v", err)
			}
		}
		s.emit(Event{Kind: AudioData, AudioFrame: payload, AudioTimestampMs: timestampMs})
	})

	s.engine.SetOnMessage(s.handleInboundMessage)

	s.engine.SetOnNetworkError(func(err error) {
		s.emit(Event{Kind: Error, ErrorCode: "transport", ErrorMessage: err.Error()})
	})
}

// inboundEnvelope sniffs just enough of an inbound text frame to route it:
// a frame carrying a "jsonrpc" field is tool-call traffic; a
// "type":"text"/"emotion" message carries its own payload fields;
// hello/tts/goodbye already drove their own dedicated event and need no
// further dispatch here; any other type is forwarded as McpMessage.
type inboundEnvelope struct {
	Type    string `json:"type"`
	JSONRPC string `json:"jsonrpc"`
	Text    string `json:"text"`
	Role    string `json:"role"`
	Value   string `json:"value"`
}

// handleInboundMessage is the protocol engine's generic JSON-callback sink
// (spec §4.3: "All text messages are also forwarded to the JSON callback so
// higher layers can handle unrecognized types"). It separates genuine
// MCP/JSON-RPC tool-call traffic from the plain text/emotion messages the
// Event union also names, rather than folding every inbound text frame into
// McpMessage.
func (s *Session) handleInboundMessage(raw []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("[voicebridge] malformed inbound text message: %v", err)
		return
	}

	switch {
	case env.JSONRPC != "":
		if s.tools != nil {
			if reply := s.tools.Handle(raw); reply != nil {
				if err := s.engine.SendMCP(string(reply)); err != nil {
					log.Printf("[voicebridge] send mcp reply: %v", err)
				}
			}
		}
		s.emit(Event{Kind: McpMessage, Raw: raw})
	case env.Type == "text":
		s.emit(Event{Kind: TextMessage, Text: env.Text, Role: env.Role})
	case env.Type == "emotion":
		s.emit(Event{Kind: EmotionMessage, Emotion: env.Value})
	case env.Type == "hello", env.Type == "tts", env.Type == "goodbye":
		// Already drove SessionEstablished/TtsStarted-or-TtsStopped/SessionEnded.
	default:
		s.emit(Event{Kind: McpMessage, Raw: raw})
	}
}

// listenWireMode maps the configured listening mode to the wire value
// spec §4.3 expects ("auto", "manual", "realtime").
func listenWireMode(mode config.ListeningMode) string {
	switch mode {
	case config.ModeManualStop:
		return "manual"
	case config.ModeRealtime:
		return "realtime"
	default:
		return "auto"
	}
}

// awaitPlaybackDrainThenResume implements the TTS backpressure gate (spec
// §4.4 "Backpressure", S2): TtsStopped is withheld until the playback
// engine's buffer is observed empty, then listening resumes and the event
// fires with a timestamp no earlier than when "tts: stop" was received.
func (s *Session) awaitPlaybackDrainThenResume(stopReceivedAt time.Time) {
	if s.play != nil {
		for !s.play.BufferEmpty() {
			select {
			case <-s.stopCh:
				return
			case <-time.After(ttsPollInterval):
			}
		}
	}

	if err := s.engine.SendListenStart(listenWireMode(s.cfg.ListeningMode)); err != nil {
		log.Printf("[voicebridge] send listen-start: %v", err)
	}
	s.mu.Lock()
	s.listeningState = ListeningStart
	s.mu.Unlock()

	ts := time.Now()
	if ts.Before(stopReceivedAt) {
		ts = stopReceivedAt
	}
	s.emit(Event{Kind: TtsStopped, Timestamp: ts})
}

// captureSendLoop reads PCM from the device, encodes it, and forwards the
// encoded frame to the protocol engine — the facade's own producer thread,
// grounded on the teacher's sendLoop (app.go), generalized from a channel
// drained from AudioEngine.CaptureOut to a direct Read/Encode/SendAudio
// pump since this spec's device abstraction exposes blocking Read rather
// than a channel.
func (s *Session) captureSendLoop(frameSamples int) {
	defer s.wg.Done()

	pcm := make([]int16, frameSamples)
	out := make([]byte, s.cdc.MaxOutputSize())

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		n, err := s.dev.Read(pcm)
		if err != nil {
			if err == device.ErrReadTimeout {
				continue
			}
			log.Printf("[voicebridge] capture read: %v", err)
			continue
		}
		if n < len(pcm) {
			continue // partial read; wait for a full frame next iteration
		}

		written, err := s.cdc.Encode(pcm, out)
		if err != nil {
			s.captureDropped.Add(1)
			log.Printf("[voicebridge] encode: %v", err)
			continue
		}

		if err := s.engine.SendAudio(out[:written], 0); err != nil {
			s.captureDropped.Add(1)
			log.Printf("[voicebridge] send audio: %v", err)
		}
	}
}

// DroppedFrames returns the cumulative dropped-frame counters (spec's
// supplemented observability, grounded on the teacher's DroppedFrames()):
// capture counts captured frames that failed to encode or send; playback
// counts inbound audio frames the playback engine rejected. Samples dropped
// inside the device's own ring buffers are not included.
func (s *Session) DroppedFrames() (capture, playback uint64) {
	return s.captureDropped.Load(), s.playbackDropped.Load()
}

// IsTimeout reports whether the protocol engine's liveness window has
// elapsed (spec §4.3/§7's is_timeout, exposed per SPEC_FULL's reconnection
// Open Question so an embedder can build its own policy).
func (s *Session) IsTimeout() bool {
	if s.engine == nil {
		return false
	}
	return s.engine.IsTimeout()
}

// ConnectionQuality classifies the session's connection as "good",
// "moderate", or "poor" (spec's supplemented observability), grounded on
// the teacher's qualityLevel classifier. The teacher drives that
// classification from RTT/jitter/packet-loss datagram metrics this SDK's
// reliable WebSocket transport has no equivalent of; instead this build
// uses the two signals the transport and playback pipeline do expose: the
// protocol engine's liveness window (IsTimeout/ErrorOccurred) and the
// playback decoder's error rate.
func (s *Session) ConnectionQuality() string {
	if s.engine == nil {
		return "good"
	}
	if s.engine.IsTimeout() || s.engine.ErrorOccurred() {
		return "poor"
	}

	var decodeErrRate float64
	if s.play != nil {
		decodeErrors, _ := s.play.ErrorStats()
		_, framesPlayed := s.play.Stats()
		if attempted := decodeErrors + framesPlayed; attempted > 0 {
			decodeErrRate = float64(decodeErrors) / float64(attempted)
		}
	}

	switch {
	case decodeErrRate >= 0.10:
		return "poor"
	case decodeErrRate >= 0.02:
		return "moderate"
	default:
		return "good"
	}
}

// SessionID returns the current session identifier, or "" if none.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// SendWakeWordDetected emits the wake-word-detected listen message.
func (s *Session) SendWakeWordDetected(text string) error {
	return s.engine.SendWakeWordDetected(text)
}

// Abort emits an abort control message with the given reason ("" omits the
// field). Per spec S3, calling Abort with reason "wake_word_detected" while
// playback is Playing emits exactly that one outbound frame and does not
// itself stop the local playback worker — stop is driven only by the
// server's subsequent tts:stop. It does end the local listening turn: if
// the facade was still in the Start listening state, Abort moves it to
// Stop and emits ListeningStopped, mirroring manual_stop's own
// listen/stop transition.
func (s *Session) Abort(reason string) error {
	err := s.engine.SendAbort(reason)
	if err == nil {
		s.mu.Lock()
		wasListening := s.listeningState == ListeningStart
		s.listeningState = ListeningStop
		s.mu.Unlock()
		if wasListening {
			s.emit(Event{Kind: ListeningStopped})
		}
	}
	return err
}

// Close tears the session down in the order spec §5 mandates:
// device → codec → playback → protocol → tool-server. The facade's own
// capture/send loop is stopped first since it is not one of the five named
// components but still holds live references into device and protocol.
func (s *Session) Close() error {
	s.mu.Lock()
	running := s.running
	s.running = false
	stopCh := s.stopCh
	s.mu.Unlock()

	if running {
		close(stopCh)
		s.wg.Wait()
	}

	if s.dev != nil {
		if err := s.dev.Destroy(); err != nil {
			log.Printf("[voicebridge] device destroy: %v", err)
		}
	}
	if s.cdc != nil {
		if err := s.cdc.Reset(); err != nil {
			log.Printf("[voicebridge] codec reset: %v", err)
		}
	}
	if s.play != nil {
		if err := s.play.Stop(); err != nil {
			log.Printf("[voicebridge] playback stop: %v", err)
		}
	}
	if s.engine != nil {
		s.engine.Disconnect()
	}
	// Tool server owns no background threads; nothing to tear down.

	return nil
}
