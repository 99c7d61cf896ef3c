// Package protocol implements the Session Protocol Engine (spec §4.3): the
// framed WebSocket client that carries the hello handshake, the
// listen/tts/abort/mcp JSON control messages, and the versioned binary
// audio framing. Grounded on the teacher's Transport (transport.go) —
// mutex-protected connection state, callback setters taken under a
// dedicated callback mutex, a read-loop goroutine, session bookkeeping —
// re-grounded on gorilla/websocket since this spec's wire transport is a
// framed WebSocket rather than the teacher's WebTransport/QUIC session.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Errors matching spec §7's taxonomy for this component.
var (
	ErrNotConnected    = errors.New("protocol: not connected")
	ErrAlreadyConnected = errors.New("protocol: already connected")
)

// LivenessWindow is the staleness threshold for is_timeout() (spec §4.3:
// "now − last_incoming_at > 120s").
const LivenessWindow = 120 * time.Second

// helloFrameDuration is the frame_duration advertised in the client hello's
// audio_params, which is fixed independent of the local capture frame
// duration (spec §4.3's literal hello example carries 60, distinct from
// the 20 ms capture default in §3/§6).
const helloFrameDuration = 60

// wsConn narrows *websocket.Conn to what this package uses, so tests can
// substitute a fake without a mocking framework — the same shape as the
// teacher's paStream/opusEncoder abstractions in audio.go.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Config configures an Engine at creation (spec §6's configuration
// surface, the subset relevant to the protocol engine).
type Config struct {
	ServerURL       string
	AuthToken       string
	DeviceID        string
	ClientID        string
	ProtocolVersion int
	SampleRate      int
	Channels        int
}

// serverMessage is the superset shape of every recognized server text
// message (spec §4.3's "Control messages consumed").
type serverMessage struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id,omitempty"`
	Transport string       `json:"transport,omitempty"`
	State     string       `json:"state,omitempty"`
	AudioParams *audioParams `json:"audio_params,omitempty"`
}

type audioParams struct {
	Format        string `json:"format,omitempty"`
	SampleRate    int    `json:"sample_rate,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	FrameDuration int    `json:"frame_duration,omitempty"`
}

// Engine is the Session Protocol Engine. Zero value is not usable; build
// with NewEngine.
type Engine struct {
	cfg Config

	mu         sync.Mutex
	conn       wsConn
	cancel     context.CancelFunc
	connected  bool
	closed     bool

	helloReceived        bool
	sessionID            string
	serverSampleRate     int
	serverFrameDuration  int
	lastIncomingAt       time.Time
	errorOccurred        bool

	writeMu sync.Mutex

	frameCodec FrameCodec

	cbMu              sync.RWMutex
	onStateChange     func(connected bool)
	onMessage         func(raw []byte)
	onSessionStarted  func(sessionID string)
	onSessionEnded    func()
	onTTS             func(state string)
	onAudioFrame      func(payload []byte, timestampMs uint32)
	onNetworkError    func(err error)
}

// NewEngine returns a ready-to-connect Engine. The default server audio
// timing (24000 Hz, 60 ms) applies until the server hello overwrites it
// (spec §4.3).
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:                 cfg,
		frameCodec:          NewFrameCodec(cfg.ProtocolVersion),
		serverSampleRate:    24000,
		serverFrameDuration: 60,
	}
}

// --- Callback setters (mirror the teacher's SetOnUserList/etc. pattern) ---

func (e *Engine) SetOnStateChange(fn func(connected bool)) {
	e.cbMu.Lock()
	e.onStateChange = fn
	e.cbMu.Unlock()
}

func (e *Engine) SetOnMessage(fn func(raw []byte)) {
	e.cbMu.Lock()
	e.onMessage = fn
	e.cbMu.Unlock()
}

func (e *Engine) SetOnSessionStarted(fn func(sessionID string)) {
	e.cbMu.Lock()
	e.onSessionStarted = fn
	e.cbMu.Unlock()
}

func (e *Engine) SetOnSessionEnded(fn func()) {
	e.cbMu.Lock()
	e.onSessionEnded = fn
	e.cbMu.Unlock()
}

func (e *Engine) SetOnTTS(fn func(state string)) {
	e.cbMu.Lock()
	e.onTTS = fn
	e.cbMu.Unlock()
}

func (e *Engine) SetOnAudioFrame(fn func(payload []byte, timestampMs uint32)) {
	e.cbMu.Lock()
	e.onAudioFrame = fn
	e.cbMu.Unlock()
}

func (e *Engine) SetOnNetworkError(fn func(err error)) {
	e.cbMu.Lock()
	e.onNetworkError = fn
	e.cbMu.Unlock()
}

// buildHeaders constructs the upgrade request headers per spec §4.3:
// Authorization, Protocol-Version, Device-Id, Client-Id, omitting any
// absent field; "Bearer " is prepended to the token only if it does not
// already contain whitespace (i.e. is not already a full "Bearer ..."
// value or similar).
func buildHeaders(cfg Config) http.Header {
	h := http.Header{}
	if cfg.AuthToken != "" {
		if strings.ContainsAny(cfg.AuthToken, " \t") {
			h.Set("Authorization", cfg.AuthToken)
		} else {
			h.Set("Authorization", "Bearer "+cfg.AuthToken)
		}
	}
	if cfg.ProtocolVersion != 0 {
		h.Set("Protocol-Version", strconv.Itoa(cfg.ProtocolVersion))
	}
	if cfg.DeviceID != "" {
		h.Set("Device-Id", cfg.DeviceID)
	}
	if cfg.ClientID != "" {
		h.Set("Client-Id", cfg.ClientID)
	}
	return h
}

// Connect dials the configured server_url, performs the WebSocket upgrade,
// sends the client hello, and starts the read loop. ctx bounds the dial
// only; the read loop runs until Disconnect or a read error.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.connected {
		e.mu.Unlock()
		return ErrAlreadyConnected
	}
	e.mu.Unlock()

	headers := buildHeaders(e.cfg)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, e.cfg.ServerURL, headers)
	if err != nil {
		return fmt.Errorf("protocol: dial: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.conn = conn
	e.cancel = cancel
	e.connected = true
	e.closed = false
	e.helloReceived = false
	e.sessionID = ""
	e.errorOccurred = false
	e.lastIncomingAt = time.Now()
	e.mu.Unlock()

	if err := e.sendHello(); err != nil {
		e.Disconnect()
		return fmt.Errorf("protocol: send hello: %w", err)
	}

	e.fireStateChange(true)
	go e.readLoop(runCtx, conn)
	return nil
}

// attachConn wires a pre-built wsConn directly, bypassing the real dial —
// used by tests to exercise readLoop/send logic without a real socket.
func (e *Engine) attachConn(ctx context.Context, conn wsConn) {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.conn = conn
	e.cancel = cancel
	e.connected = true
	e.closed = false
	e.lastIncomingAt = time.Now()
	e.mu.Unlock()
	go e.readLoop(runCtx, conn)
}

func (e *Engine) sendHello() error {
	sampleRate := e.cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	channels := e.cfg.Channels
	if channels == 0 {
		channels = 1
	}
	hello := map[string]any{
		"type":      "hello",
		"version":   e.cfg.ProtocolVersion,
		"features":  map[string]any{"mcp": true},
		"transport": "websocket",
		"audio_params": map[string]any{
			"format":         "opus",
			"sample_rate":    sampleRate,
			"channels":       channels,
			"frame_duration": helloFrameDuration,
		},
	}
	return e.writeJSON(hello)
}

func (e *Engine) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return e.writeRaw(websocket.TextMessage, data)
}

func (e *Engine) writeRaw(messageType int, data []byte) error {
	e.mu.Lock()
	conn := e.conn
	connected := e.connected
	e.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return conn.WriteMessage(messageType, data)
}

// currentSessionID reads session_id under the state mutex, for inclusion
// in outbound control messages (spec §4.3: "all include session_id when
// known").
func (e *Engine) currentSessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// SendWakeWordDetected emits the wake-word-detected listen message.
func (e *Engine) SendWakeWordDetected(text string) error {
	msg := map[string]any{"type": "listen", "state": "detect", "text": text}
	if sid := e.currentSessionID(); sid != "" {
		msg["session_id"] = sid
	}
	return e.writeJSON(msg)
}

// SendListenStart emits the start-listening message with the given mode
// ("auto", "manual", or "realtime").
func (e *Engine) SendListenStart(mode string) error {
	msg := map[string]any{"type": "listen", "state": "start", "mode": mode}
	if sid := e.currentSessionID(); sid != "" {
		msg["session_id"] = sid
	}
	return e.writeJSON(msg)
}

// SendListenStop emits the stop-listening message.
func (e *Engine) SendListenStop() error {
	msg := map[string]any{"type": "listen", "state": "stop"}
	if sid := e.currentSessionID(); sid != "" {
		msg["session_id"] = sid
	}
	return e.writeJSON(msg)
}

// SendAbort emits an abort message, with an optional reason ("" omits the
// field).
func (e *Engine) SendAbort(reason string) error {
	msg := map[string]any{"type": "abort"}
	if reason != "" {
		msg["reason"] = reason
	}
	if sid := e.currentSessionID(); sid != "" {
		msg["session_id"] = sid
	}
	return e.writeJSON(msg)
}

// SendMCP forwards a raw MCP (JSON-RPC) payload to the server.
func (e *Engine) SendMCP(payload string) error {
	msg := map[string]any{"type": "mcp", "payload": payload}
	if sid := e.currentSessionID(); sid != "" {
		msg["session_id"] = sid
	}
	return e.writeJSON(msg)
}

// SendAudio frames and sends one encoded Opus payload as a binary message.
// Fails without crashing if the socket is not open (spec boundary case 10).
func (e *Engine) SendAudio(payload []byte, timestampMs uint32) error {
	e.mu.Lock()
	codec := e.frameCodec
	e.mu.Unlock()
	framed := codec.Encode(payload, timestampMs)
	return e.writeRaw(websocket.BinaryMessage, framed)
}

// readLoop consumes frames until the connection closes or errors,
// dispatching text frames to handleText and binary frames through the
// configured FrameCodec.
func (e *Engine) readLoop(ctx context.Context, conn wsConn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			e.handleReadError(err)
			return
		}

		e.mu.Lock()
		e.lastIncomingAt = time.Now()
		e.mu.Unlock()

		switch messageType {
		case websocket.TextMessage:
			e.handleText(data)
		case websocket.BinaryMessage:
			e.handleBinary(data)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (e *Engine) handleReadError(err error) {
	e.mu.Lock()
	wasConnected := e.connected
	e.connected = false
	e.errorOccurred = true
	e.mu.Unlock()

	if wasConnected {
		e.fireStateChange(false)
		e.cbMu.RLock()
		onErr := e.onNetworkError
		e.cbMu.RUnlock()
		if onErr != nil {
			onErr(err)
		}
	}
}

func (e *Engine) handleText(data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("[protocol] invalid control message: %v", err)
		return
	}

	switch msg.Type {
	case "hello":
		// Boundary case 13: a non-websocket transport hello leaves session
		// state unchanged.
		if msg.Transport == "websocket" {
			e.mu.Lock()
			e.helloReceived = true
			e.sessionID = msg.SessionID
			if msg.AudioParams != nil {
				if msg.AudioParams.SampleRate != 0 {
					e.serverSampleRate = msg.AudioParams.SampleRate
				}
				if msg.AudioParams.FrameDuration != 0 {
					e.serverFrameDuration = msg.AudioParams.FrameDuration
				}
			}
			e.mu.Unlock()

			e.cbMu.RLock()
			onStarted := e.onSessionStarted
			e.cbMu.RUnlock()
			if onStarted != nil {
				onStarted(msg.SessionID)
			}
		}
	case "goodbye":
		e.mu.Lock()
		e.sessionID = ""
		e.mu.Unlock()
		e.cbMu.RLock()
		onEnded := e.onSessionEnded
		e.cbMu.RUnlock()
		if onEnded != nil {
			onEnded()
		}
	case "tts":
		e.cbMu.RLock()
		onTTS := e.onTTS
		e.cbMu.RUnlock()
		if onTTS != nil {
			onTTS(msg.State)
		}
	}

	// Every text message is forwarded, recognized or not (spec §4.3).
	e.cbMu.RLock()
	onMessage := e.onMessage
	e.cbMu.RUnlock()
	if onMessage != nil {
		onMessage(data)
	}
}

func (e *Engine) handleBinary(data []byte) {
	e.mu.Lock()
	codec := e.frameCodec
	e.mu.Unlock()

	payload, timestampMs, ok, err := codec.Decode(data)
	if err != nil {
		log.Printf("[protocol] short binary frame: %v", err)
		return
	}
	if !ok {
		return // unrecognized type, ignored per spec §4.3
	}

	e.cbMu.RLock()
	onAudio := e.onAudioFrame
	e.cbMu.RUnlock()
	if onAudio != nil {
		onAudio(payload, timestampMs)
	}
}

func (e *Engine) fireStateChange(connected bool) {
	e.cbMu.RLock()
	fn := e.onStateChange
	e.cbMu.RUnlock()
	if fn != nil {
		fn(connected)
	}
}

// Disconnect closes the socket and stops the read loop. Idempotent.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	wasConnected := e.connected
	e.connected = false
	conn := e.conn
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if wasConnected {
		e.fireStateChange(false)
	}
}

// IsConnected reports the current socket state.
func (e *Engine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// HelloReceived reports whether the server hello has been processed.
func (e *Engine) HelloReceived() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.helloReceived
}

// SessionID returns the current session identifier, or "" if none.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// ServerAudioParams returns the server's advertised sample rate and frame
// duration, defaulting to 24000 Hz / 60 ms until overwritten by a server
// hello (spec §4.3).
func (e *Engine) ServerAudioParams() (sampleRate, frameDurationMs int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.serverSampleRate, e.serverFrameDuration
}

// IsTimeout reports whether more than LivenessWindow has elapsed since the
// last inbound frame (spec §4.3/§7).
func (e *Engine) IsTimeout() bool {
	e.mu.Lock()
	last := e.lastIncomingAt
	e.mu.Unlock()
	if last.IsZero() {
		return false
	}
	return time.Since(last) > LivenessWindow
}

// ErrorOccurred reports whether a transport error has been observed since
// the last successful Connect.
func (e *Engine) ErrorOccurred() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errorOccurred
}
