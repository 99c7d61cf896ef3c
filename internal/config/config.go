// Package config manages the configuration surface described in spec §6:
// the set of options an embedder supplies when constructing a session, plus
// defaults for everything it omits. Modeled directly on the teacher's own
// internal/config package (Default/Load/Save over a JSON file under
// os.UserConfigDir) — only the field set changes.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ListeningMode selects how the client decides when to stop listening.
type ListeningMode string

const (
	ModeAutoStop   ListeningMode = "auto_stop"
	ModeManualStop ListeningMode = "manual_stop"
	ModeRealtime   ListeningMode = "realtime"
)

// Config holds the configuration surface enumerated in spec §6. Fields not
// set by the embedder take the defaults returned by Default().
type Config struct {
	ServerURL       string        `json:"server_url"`
	AuthToken       string        `json:"auth_token"`
	DeviceID        string        `json:"device_id"`
	ClientID        string        `json:"client_id"`
	ProtocolVersion int           `json:"protocol_version"`
	SampleRate      int           `json:"sample_rate"`
	Channels        int           `json:"channels"`
	FrameDurationMs int           `json:"frame_duration_ms"`
	ListeningMode   ListeningMode `json:"listening_mode"`
	TimeoutMs       int           `json:"timeout_ms"`
}

// Default returns a Config populated with the defaults spec §3/§6 specify:
// 16000 Hz, 1 channel, 20 ms frames, protocol version 1, auto_stop
// listening, a 5 s connect timeout.
func Default() Config {
	return Config{
		ProtocolVersion: 1,
		SampleRate:      16000,
		Channels:        1,
		FrameDurationMs: 20,
		ListeningMode:   ModeAutoStop,
		TimeoutMs:       5000,
	}
}

// WithDefaults returns a copy of cfg with any zero-valued field in the
// defaulted surface replaced by its default. ServerURL/AuthToken have no
// defaults — an empty value there just means "omitted" (spec §4.3:
// "omitting any absent field"). DeviceID/ClientID are generated with a
// random UUID when the embedder leaves them blank, so the connection's
// Device-Id/Client-Id headers always carry a stable identifier for the
// lifetime of the Config.
func (cfg Config) WithDefaults() Config {
	d := Default()
	if cfg.ProtocolVersion == 0 {
		cfg.ProtocolVersion = d.ProtocolVersion
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = d.SampleRate
	}
	if cfg.Channels == 0 {
		cfg.Channels = d.Channels
	}
	if cfg.FrameDurationMs == 0 {
		cfg.FrameDurationMs = d.FrameDurationMs
	}
	if cfg.ListeningMode == "" {
		cfg.ListeningMode = d.ListeningMode
	}
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = d.TimeoutMs
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	return cfg
}

// Path returns the absolute path to the persisted config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "voicebridge", "config.json"), nil
}

// Load reads the config file and returns it, applying defaults to any
// unset field. If the file is missing or unreadable, Default() is returned
// — never an error, matching the teacher's Load().
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Config{}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg.WithDefaults()
}

// Save persists cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
