package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for all EchoNet environment variables.
const EnvPrefix = "ECHONET_"

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped silently when path is empty or the file does not exist), then
// ECHONET_* environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Env-only deployment.
		case err != nil:
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		default:
			defer f.Close()
			if err := decodeInto(cfg, f); err != nil {
				return nil, fmt.Errorf("config: parse %q: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r on top of the defaults and validates the
// result. Environment overrides are NOT applied; useful in tests where configs
// are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeInto(cfg, r); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeInto(cfg *Config, r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overrides cfg fields from ECHONET_* environment variables.
// Unparsable numeric values are ignored so a stray variable cannot take the
// service down; validation still catches out-of-range results.
func applyEnv(cfg *Config) {
	setString(&cfg.Server.ListenAddr, "LISTEN_ADDR")
	if v, ok := env("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(v)
	}
	setString(&cfg.Server.APIKey, "API_KEY")
	setString(&cfg.Server.AdminKey, "ADMIN_KEY")
	setString(&cfg.DBPath, "DB_PATH")

	setInt(&cfg.Audio.DeviceIndex, "AUDIO_DEVICE_INDEX")
	setInt(&cfg.Audio.SampleRate, "AUDIO_SAMPLE_RATE")
	setInt(&cfg.Audio.Channels, "AUDIO_CHANNELS")
	setFloat(&cfg.Audio.SilenceDuration, "AUDIO_SILENCE_DURATION")
	setFloat(&cfg.Audio.MinDuration, "AUDIO_MIN_DURATION")
	setFloat(&cfg.Audio.MaxDuration, "AUDIO_MAX_DURATION")
	setFloat(&cfg.Audio.EnergyThreshold, "AUDIO_ENERGY_THRESHOLD")
	setBool(&cfg.Audio.UseMLVAD, "AUDIO_USE_ML_VAD")
	setBool(&cfg.Audio.SaveCaptures, "AUDIO_SAVE_CAPTURES")
	setString(&cfg.Audio.CaptureDir, "AUDIO_CAPTURE_DIR")

	setString(&cfg.ASR.ModelPath, "WHISPER_MODEL")
	setString(&cfg.ASR.Language, "WHISPER_LANGUAGE")

	setInt(&cfg.Routing.SessionTTLSeconds, "SESSION_TTL_SECONDS")
	if v, ok := env("CANCEL_PHRASES"); ok {
		cfg.Routing.CancelPhrases = SplitList(v)
	}
	setBool(&cfg.Routing.StripTrigger, "STRIP_TRIGGER")
	setBool(&cfg.Routing.FuzzyMatch, "FUZZY_MATCH")
	setFloat(&cfg.Routing.FuzzyThreshold, "FUZZY_THRESHOLD")
	setString(&cfg.Routing.SourceID, "SOURCE_ID")
	setString(&cfg.Routing.Room, "ROOM")

	setString(&cfg.Worker.InitialListenMode, "INITIAL_LISTEN_MODE")
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}

	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels <= 0 {
		errs = append(errs, fmt.Errorf("audio.channels %d must be positive", cfg.Audio.Channels))
	}
	if cfg.Audio.SilenceDuration <= 0 {
		errs = append(errs, fmt.Errorf("audio.silence_duration %.2f must be positive", cfg.Audio.SilenceDuration))
	}
	if cfg.Audio.MaxDuration < cfg.Audio.MinDuration {
		errs = append(errs, fmt.Errorf("audio.max_duration %.2f is below audio.min_duration %.2f", cfg.Audio.MaxDuration, cfg.Audio.MinDuration))
	}
	if cfg.Audio.EnergyThreshold <= 0 || cfg.Audio.EnergyThreshold >= 1 {
		errs = append(errs, fmt.Errorf("audio.energy_threshold %.4f is out of range (0, 1)", cfg.Audio.EnergyThreshold))
	}

	if cfg.Routing.SessionTTLSeconds <= 0 {
		errs = append(errs, fmt.Errorf("routing.session_ttl_seconds %d must be positive", cfg.Routing.SessionTTLSeconds))
	}
	if cfg.Routing.FuzzyThreshold < 0 || cfg.Routing.FuzzyThreshold > 1 {
		errs = append(errs, fmt.Errorf("routing.fuzzy_threshold %.2f is out of range [0, 1]", cfg.Routing.FuzzyThreshold))
	}
	if cfg.Routing.SourceID == "" {
		errs = append(errs, errors.New("routing.source_id is required"))
	}

	switch cfg.Worker.InitialListenMode {
	case "inactive", "trigger", "active":
	default:
		errs = append(errs, fmt.Errorf("worker.initial_listen_mode %q is invalid; valid values: inactive, trigger, active", cfg.Worker.InitialListenMode))
	}

	return errors.Join(errs...)
}

// ValidateBaseURL reports whether raw is an absolute http(s) URL. Shared by
// the registry and the HTTP surface so both reject the same inputs.
func ValidateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config: base_url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: base_url %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("config: base_url %q has no host", raw)
	}
	return nil
}

func env(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	return v, ok && v != ""
}

func setString(dst *string, key string) {
	if v, ok := env(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := env(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v, ok := env(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := env(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
