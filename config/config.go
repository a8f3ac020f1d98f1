package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/d1nch8g/pttd/relay"
)

type Config struct {
	// AudioLevel is the loudness that must be exceeded to key the radio.
	AudioLevel int `yaml:"audio_level"`
	// CooldownMs is how long audio must stay quiet before PTT is released.
	CooldownMs int `yaml:"cooldown_ms"`
	Channels   int `yaml:"channels"`

	// InputDevice and OutputDevice select audio devices by index or by a
	// case-insensitive name substring. Empty means the system default.
	InputDevice  string `yaml:"input_device"`
	OutputDevice string `yaml:"output_device"`

	SampleRate      float64 `yaml:"sample_rate"`
	FramesPerBuffer int     `yaml:"frames_per_buffer"`
	// StallTimeoutMs is how long the input may deliver nothing before the
	// run is stopped and PTT released. 0 disables the check.
	StallTimeoutMs int `yaml:"stall_timeout_ms"`

	// RelayEnabled false keeps the state machine running but never touches
	// the serial port.
	RelayEnabled bool         `yaml:"relay_enabled"`
	Relay        relay.Config `yaml:"relay"`
	QueueDepth   int          `yaml:"queue_depth"`

	Log LogConfig `yaml:"log"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Error reports an invalid or missing option.
type Error struct {
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func GetDefaultConfig() Config {
	return Config{
		AudioLevel:     5,
		CooldownMs:     0,
		Channels:       1,
		StallTimeoutMs: 2000,
		RelayEnabled:   true,
		Relay:          relay.GetDefaultConfig(),
		QueueDepth:     relay.DefaultQueueDepth,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Cooldown returns CooldownMs as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownMs) * time.Millisecond
}

func (c *Config) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutMs) * time.Millisecond
}

// LoadConfig builds the configuration from defaults, the optional YAML file
// and the environment. Variables from envFile are loaded into the process
// environment first without overriding ones that are already set; a missing
// envFile is not an error.
func LoadConfig(file, envFile string) (*Config, error) {
	cfg := GetDefaultConfig()

	if file != "" {
		if err := LoadFile(file, &cfg); err != nil {
			return nil, err
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, &Error{Field: "env file", Err: err}
		}
	}

	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadFile overlays the YAML file at path onto cfg.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &Error{Field: "file", Err: err}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return &Error{Field: "file", Err: fmt.Errorf("parse %s: %w", path, err)}
	}
	return nil
}

// ApplyEnv overlays PTT_* variables onto cfg.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"PTT_AUDIO_LEVEL", &cfg.AudioLevel},
		{"PTT_COOLDOWN_MS", &cfg.CooldownMs},
		{"PTT_CHANNELS", &cfg.Channels},
		{"PTT_FRAMES_PER_BUFFER", &cfg.FramesPerBuffer},
		{"PTT_STALL_TIMEOUT_MS", &cfg.StallTimeoutMs},
		{"PTT_QUEUE_DEPTH", &cfg.QueueDepth},
		{"PTT_BAUD_RATE", &cfg.Relay.BaudRate},
		{"PTT_BYTE_SIZE", &cfg.Relay.ByteSize},
		{"PTT_COM_TIMEOUT_MS", &cfg.Relay.TimeoutMs},
		{"PTT_STOP_BITS", &cfg.Relay.StopBits},
	}
	for _, v := range ints {
		s, ok := lookup(v.key)
		if !ok || s == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return &Error{Field: v.key, Err: err}
		}
		*v.dst = n
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"PTT_INPUT_DEVICE", &cfg.InputDevice},
		{"PTT_OUTPUT_DEVICE", &cfg.OutputDevice},
		{"PTT_RELAY_PORT", &cfg.Relay.PortName},
		{"PTT_LOG_LEVEL", &cfg.Log.Level},
		{"PTT_LOG_FORMAT", &cfg.Log.Format},
	}
	for _, v := range strs {
		if s, ok := lookup(v.key); ok && s != "" {
			*v.dst = s
		}
	}

	if s, ok := lookup("PTT_SAMPLE_RATE"); ok && s != "" {
		rate, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return &Error{Field: "PTT_SAMPLE_RATE", Err: err}
		}
		cfg.SampleRate = rate
	}

	if s, ok := lookup("PTT_RELAY_ENABLED"); ok && s != "" {
		enabled, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return &Error{Field: "PTT_RELAY_ENABLED", Err: err}
		}
		cfg.RelayEnabled = enabled
	}

	return nil
}

// Validate checks the options needed before any device is opened.
func (c *Config) Validate() error {
	if c.AudioLevel < 0 {
		return &Error{Field: "audio_level", Err: fmt.Errorf("must not be negative, got %d", c.AudioLevel)}
	}
	if c.CooldownMs < 0 {
		return &Error{Field: "cooldown_ms", Err: fmt.Errorf("must not be negative, got %d", c.CooldownMs)}
	}
	if c.Channels <= 0 {
		return &Error{Field: "channels", Err: fmt.Errorf("must be positive, got %d", c.Channels)}
	}
	if c.SampleRate < 0 {
		return &Error{Field: "sample_rate", Err: fmt.Errorf("must not be negative, got %g", c.SampleRate)}
	}
	if c.FramesPerBuffer < 0 {
		return &Error{Field: "frames_per_buffer", Err: fmt.Errorf("must not be negative, got %d", c.FramesPerBuffer)}
	}
	if c.StallTimeoutMs < 0 {
		return &Error{Field: "stall_timeout_ms", Err: fmt.Errorf("must not be negative, got %d", c.StallTimeoutMs)}
	}
	if c.QueueDepth <= 0 {
		return &Error{Field: "queue_depth", Err: fmt.Errorf("must be positive, got %d", c.QueueDepth)}
	}

	if !c.RelayEnabled {
		return nil
	}
	if c.Relay.PortName == "" {
		return &Error{Field: "relay.port_name", Err: errors.New("required unless the relay is disabled")}
	}
	if c.Relay.BaudRate <= 0 {
		return &Error{Field: "relay.baud_rate", Err: fmt.Errorf("must be positive, got %d", c.Relay.BaudRate)}
	}
	if c.Relay.ByteSize < 5 || c.Relay.ByteSize > 8 {
		return &Error{Field: "relay.byte_size", Err: fmt.Errorf("must be 5 to 8, got %d", c.Relay.ByteSize)}
	}
	if c.Relay.StopBits != 1 && c.Relay.StopBits != 2 {
		return &Error{Field: "relay.stop_bits", Err: fmt.Errorf("must be 1 or 2, got %d", c.Relay.StopBits)}
	}
	if c.Relay.TimeoutMs < 0 {
		return &Error{Field: "relay.timeout_ms", Err: fmt.Errorf("must not be negative, got %d", c.Relay.TimeoutMs)}
	}
	return nil
}
