// Package config provides the configuration schema and loader for the EchoNet
// voice event router.
//
// Configuration is read from an optional YAML file and then overridden by
// ECHONET_* environment variables, so containerised deployments can run
// without any file at all.
package config

import "strings"

// LogLevel controls log verbosity for the EchoNet server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for EchoNet.
// It is typically loaded via [Load], which also applies environment overrides.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	DBPath  string        `yaml:"db_path"`
	Audio   AudioConfig   `yaml:"audio"`
	ASR     ASRConfig     `yaml:"asr"`
	Routing RoutingConfig `yaml:"routing"`
	Worker  WorkerConfig  `yaml:"worker"`
}

// ServerConfig holds network, logging, and authentication settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8123").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// APIKey is the shared key required in the X-API-Key header of every
	// request except the health and metrics probes.
	APIKey string `yaml:"api_key"`

	// AdminKey, when set, is additionally required in the X-Admin-Key header
	// for mutating admin endpoints (register, delete, state changes).
	AdminKey string `yaml:"admin_key"`
}

// AudioConfig holds capture and endpointing parameters.
type AudioConfig struct {
	// DeviceIndex selects the input device. -1 means the system default.
	// The value persisted in the settings store takes precedence once set.
	DeviceIndex int `yaml:"device_index"`

	// SampleRate is the capture sample rate in Hz. EchoNet's canonical
	// format is 16 kHz mono 16-bit.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the number of capture channels. Anything above 1 is
	// downmixed to mono before analysis.
	Channels int `yaml:"channels"`

	// SilenceDuration is the contiguous non-speech span, in seconds, that
	// ends a segment.
	SilenceDuration float64 `yaml:"silence_duration"`

	// MinDuration is the minimum recording length in seconds before the
	// endpointer may fire.
	MinDuration float64 `yaml:"min_duration"`

	// MaxDuration is the hard recording cap in seconds. Trigger-mode
	// captures use a shorter cap regardless of this value.
	MaxDuration float64 `yaml:"max_duration"`

	// EnergyThreshold is the RMS level below which a frame is considered
	// silent. Range (0, 1) on normalised samples.
	EnergyThreshold float64 `yaml:"energy_threshold"`

	// UseMLVAD enables the model-backed speech gate on top of the energy
	// pre-filter.
	UseMLVAD bool `yaml:"use_ml_vad"`

	// SaveCaptures writes every completed capture to a WAV file under
	// CaptureDir. Debug aid; off by default.
	SaveCaptures bool `yaml:"save_captures"`

	// CaptureDir is the directory for capture dumps.
	CaptureDir string `yaml:"capture_dir"`
}

// ASRConfig selects and tunes the transcription model.
type ASRConfig struct {
	// ModelPath is the path to the whisper.cpp model file (e.g.,
	// "models/ggml-base.en.bin").
	ModelPath string `yaml:"model_path"`

	// Language is the transcription language code (e.g., "en").
	// "auto" or empty lets the model detect it.
	Language string `yaml:"language"`
}

// RoutingConfig tunes the router and session engine.
type RoutingConfig struct {
	// SessionTTLSeconds is how long a session survives without traffic.
	SessionTTLSeconds int `yaml:"session_ttl_seconds"`

	// CancelPhrases end the current session when contained in a transcript.
	CancelPhrases []string `yaml:"cancel_phrases"`

	// StripTrigger removes the matched wake phrase from the text forwarded
	// to the target.
	StripTrigger bool `yaml:"strip_trigger"`

	// FuzzyMatch enables phonetic wake-phrase matching for transcripts the
	// exact scan misses (ASR mishearings like "hey astrea").
	FuzzyMatch bool `yaml:"fuzzy_match"`

	// FuzzyThreshold is the minimum similarity score for a fuzzy match.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`

	// SourceID identifies this listener node in routed events.
	SourceID string `yaml:"source_id"`

	// Room is an optional location tag attached to routed events.
	Room string `yaml:"room"`
}

// WorkerConfig holds ASR worker settings.
type WorkerConfig struct {
	// InitialListenMode is written to the state store at startup when it
	// differs from the persisted mode. One of "inactive", "trigger", "active".
	InitialListenMode string `yaml:"initial_listen_mode"`
}

// Default returns a Config populated with the documented defaults. Load starts
// from this value, so a missing file or variable never leaves a zero field
// where a documented default exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8123",
			LogLevel:   LogInfo,
		},
		DBPath: "echonet.db",
		Audio: AudioConfig{
			DeviceIndex:     -1,
			SampleRate:      16000,
			Channels:        1,
			SilenceDuration: 1.0,
			MinDuration:     0.5,
			MaxDuration:     30,
			EnergyThreshold: 0.01,
			UseMLVAD:        true,
			CaptureDir:      "captures",
		},
		ASR: ASRConfig{
			Language: "auto",
		},
		Routing: RoutingConfig{
			SessionTTLSeconds: 25,
			CancelPhrases:     []string{"cancel", "never mind", "nevermind", "stop listening"},
			StripTrigger:      true,
			FuzzyThreshold:    0.85,
			SourceID:          "mic-local",
		},
		Worker: WorkerConfig{
			InitialListenMode: "trigger",
		},
	}
}

// SplitList splits a comma-separated environment value into trimmed,
// non-empty entries.
func SplitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
