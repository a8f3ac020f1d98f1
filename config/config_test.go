package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg := GetDefaultConfig()
	assert.Equal(t, 5, cfg.AudioLevel)
	assert.Equal(t, 0, cfg.CooldownMs)
	assert.Equal(t, 1, cfg.Channels)
	assert.True(t, cfg.RelayEnabled)
	assert.Equal(t, 9600, cfg.Relay.BaudRate)
	assert.Equal(t, 8, cfg.Relay.ByteSize)
	assert.Equal(t, 1, cfg.Relay.StopBits)
	assert.Equal(t, 0, cfg.Relay.TimeoutMs)
	assert.Equal(t, time.Duration(0), cfg.Cooldown())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ptt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
audio_level: 12
cooldown_ms: 250
channels: 2
input_device: "USB Audio"
relay:
  port_name: COM4
  baud_rate: 19200
log:
  level: debug
`), 0o644))

	cfg := GetDefaultConfig()
	require.NoError(t, LoadFile(path, &cfg))

	assert.Equal(t, 12, cfg.AudioLevel)
	assert.Equal(t, 250*time.Millisecond, cfg.Cooldown())
	assert.Equal(t, 2, cfg.Channels)
	assert.Equal(t, "USB Audio", cfg.InputDevice)
	assert.Equal(t, "COM4", cfg.Relay.PortName)
	assert.Equal(t, 19200, cfg.Relay.BaudRate)
	assert.Equal(t, 8, cfg.Relay.ByteSize, "unset keys keep defaults")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.RelayEnabled)
}

func TestLoadFileErrors(t *testing.T) {
	cfg := GetDefaultConfig()

	var cfgErr *Error
	require.ErrorAs(t, LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), &cfg), &cfgErr)
	assert.Equal(t, "file", cfgErr.Field)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("audio_level: [1, 2"), 0o644))
	require.ErrorAs(t, LoadFile(path, &cfg), &cfgErr)
}

func TestApplyEnv(t *testing.T) {
	cfg := GetDefaultConfig()
	err := ApplyEnv(&cfg, envMap(map[string]string{
		"PTT_AUDIO_LEVEL":    " 7 ",
		"PTT_COOLDOWN_MS":    "300",
		"PTT_RELAY_PORT":     "/dev/ttyUSB0",
		"PTT_RELAY_ENABLED":  "false",
		"PTT_SAMPLE_RATE":    "48000",
		"PTT_COM_TIMEOUT_MS": "50",
		"PTT_CHANNELS":       "",
	}))
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.AudioLevel)
	assert.Equal(t, 300, cfg.CooldownMs)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Relay.PortName)
	assert.False(t, cfg.RelayEnabled)
	assert.Equal(t, 48000.0, cfg.SampleRate)
	assert.Equal(t, 50, cfg.Relay.TimeoutMs)
	assert.Equal(t, 1, cfg.Channels, "empty values are ignored")
}

func TestApplyEnvRejectsGarbage(t *testing.T) {
	for _, key := range []string{"PTT_AUDIO_LEVEL", "PTT_RELAY_ENABLED", "PTT_SAMPLE_RATE"} {
		cfg := GetDefaultConfig()
		err := ApplyEnv(&cfg, envMap(map[string]string{key: "loud"}))

		var cfgErr *Error
		require.ErrorAs(t, err, &cfgErr, key)
		assert.Equal(t, key, cfgErr.Field)
	}
}

func TestLoadConfigEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("PTT_CHANNELS=2\nPTT_LOG_FORMAT=json\n"), 0o644))

	// godotenv only fills variables that are unset; clear them for this test
	// and restore afterwards.
	t.Setenv("PTT_CHANNELS", "")
	t.Setenv("PTT_LOG_FORMAT", "")
	os.Unsetenv("PTT_CHANNELS")
	os.Unsetenv("PTT_LOG_FORMAT")

	cfg, err := LoadConfig("", envFile)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Channels)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfigMissingEnvFile(t *testing.T) {
	cfg, err := LoadConfig("", filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}

func TestValidate(t *testing.T) {
	valid := GetDefaultConfig()
	valid.Relay.PortName = "COM3"
	require.NoError(t, valid.Validate())

	noRelay := GetDefaultConfig()
	noRelay.RelayEnabled = false
	require.NoError(t, noRelay.Validate(), "port name is only needed with the relay enabled")

	cases := map[string]func(*Config){
		"audio_level":       func(c *Config) { c.AudioLevel = -1 },
		"cooldown_ms":       func(c *Config) { c.CooldownMs = -5 },
		"channels":          func(c *Config) { c.Channels = 0 },
		"sample_rate":       func(c *Config) { c.SampleRate = -1 },
		"frames_per_buffer": func(c *Config) { c.FramesPerBuffer = -1 },
		"stall_timeout_ms":  func(c *Config) { c.StallTimeoutMs = -1 },
		"queue_depth":       func(c *Config) { c.QueueDepth = 0 },
		"relay.port_name":   func(c *Config) { c.Relay.PortName = "" },
		"relay.baud_rate":   func(c *Config) { c.Relay.BaudRate = 0 },
		"relay.byte_size":   func(c *Config) { c.Relay.ByteSize = 4 },
		"relay.stop_bits":   func(c *Config) { c.Relay.StopBits = 0 },
		"relay.timeout_ms":  func(c *Config) { c.Relay.TimeoutMs = -1 },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)

			var cfgErr *Error
			require.ErrorAs(t, cfg.Validate(), &cfgErr)
			assert.Equal(t, field, cfgErr.Field)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())

	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	_, err = LogConfig{Level: "loud"}.NewLogger(&buf)
	assert.Error(t, err)
	_, err = LogConfig{Level: "info", Format: "xml"}.NewLogger(&buf)
	assert.Error(t, err)
}
