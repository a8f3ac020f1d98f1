package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/d1nch8g/pttd/audio"
	"github.com/d1nch8g/pttd/config"
	"github.com/d1nch8g/pttd/engine"
	"github.com/d1nch8g/pttd/ptt"
	"github.com/d1nch8g/pttd/relay"
	"github.com/d1nch8g/pttd/sound"
)

// cliFlags holds values bound to command line flags. Only flags the user set
// explicitly override the loaded configuration.
type cliFlags struct {
	cfg config.Config

	noRelay     bool
	configFile  string
	envFile     string
	listDevices bool
	listPorts   bool
	replay      string
	realtime    bool
	monitor     bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd, _ := buildCommand()
	return cmd
}

func buildCommand() (*cobra.Command, *cliFlags) {
	flags := &cliFlags{cfg: config.GetDefaultConfig()}

	cmd := &cobra.Command{
		Use:   "pttd",
		Short: "Key a radio's PTT relay while digital-mode audio is present",
		Long: `pttd listens to an audio input and switches a CH340 USB relay wired to the
radio's PTT line. The relay closes as soon as the audio level exceeds the
threshold and opens again once it has stayed at or below it for the cooldown.

Input audio is passed through to the output device so it can be monitored.

Configuration is read from --config (YAML), then PTT_* environment variables
(a .env file is loaded first), then flags given on the command line.

Examples:
  pttd -r COM3 -a 5 -t 300
  pttd -r /dev/ttyUSB0 -i "USB Audio" -o 0
  pttd --no-relay --replay ft8.mp3 --log-level debug
  pttd --list-devices`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags)
		},
	}

	f := cmd.Flags()
	c := &flags.cfg
	f.IntVarP(&c.CooldownMs, "cooldown-ms", "t", c.CooldownMs, "milliseconds to wait below audio level threshold before disabling PTT")
	f.IntVarP(&c.AudioLevel, "audio-level", "a", c.AudioLevel, "audio level that must be exceeded to activate PTT")
	f.StringVarP(&c.InputDevice, "input-device", "i", c.InputDevice, "input audio device (numeric ID or name substring)")
	f.StringVarP(&c.OutputDevice, "output-device", "o", c.OutputDevice, "output audio device (numeric ID or name substring)")
	f.IntVarP(&c.Channels, "channels", "c", c.Channels, "number of audio channels")
	f.Float64Var(&c.SampleRate, "sample-rate", c.SampleRate, "sample rate in Hz, 0 for the device default")
	f.IntVar(&c.FramesPerBuffer, "frames-per-buffer", c.FramesPerBuffer, "frames per audio block, 0 to let the host decide")
	f.IntVar(&c.StallTimeoutMs, "stall-timeout-ms", c.StallTimeoutMs, "stop when the input delivers no audio for this long, 0 to never check")
	f.StringVarP(&c.Relay.PortName, "relay", "r", c.Relay.PortName, "relay COM port name, e.g. COM3 or /dev/ttyUSB0")
	f.IntVar(&c.Relay.BaudRate, "baud-rate", c.Relay.BaudRate, "baud rate of the relay port")
	f.IntVar(&c.Relay.ByteSize, "byte-size", c.Relay.ByteSize, "byte size of the relay port")
	f.IntVar(&c.Relay.TimeoutMs, "com-timeout", c.Relay.TimeoutMs, "relay port timeout in milliseconds, 0 for none")
	f.IntVar(&c.Relay.StopBits, "stop-bits", c.Relay.StopBits, "stop bits of the relay port (1 or 2)")
	f.IntVar(&c.QueueDepth, "queue-depth", c.QueueDepth, "relay frames that may wait to be written")
	f.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level (debug, info, warn, error)")
	f.StringVar(&c.Log.Format, "log-format", c.Log.Format, "log format (text or json)")

	f.BoolVar(&flags.noRelay, "no-relay", false, "do nothing with the relay; used for testing")
	f.StringVar(&flags.configFile, "config", "", "YAML configuration file")
	f.StringVar(&flags.envFile, "env-file", ".env", "environment file to load if present")
	f.BoolVarP(&flags.listDevices, "list-devices", "l", false, "show list of audio devices and exit")
	f.BoolVar(&flags.listPorts, "list-ports", false, "show list of serial ports and exit")
	f.StringVar(&flags.replay, "replay", "", "read audio from an MP3 file instead of an input device")
	f.BoolVar(&flags.realtime, "realtime", false, "replay at the file's own pace")
	f.BoolVar(&flags.monitor, "monitor", false, "play replayed audio on the default output device")

	return cmd, flags
}

func run(cmd *cobra.Command, flags *cliFlags) error {
	out := cmd.OutOrStdout()

	if flags.listDevices {
		return audio.ListDevices(out)
	}
	if flags.listPorts {
		return relay.ListPorts(out)
	}

	cfg, err := resolveConfig(cmd.Flags(), flags)
	if err != nil {
		return err
	}

	logger, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	port, err := openRelay(cfg, logger)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Failed to open COM port")
		return err
	}

	source := newSource(cfg, flags)
	eng := engine.NewEngine(ptt.Config{
		AudioLevel: float64(cfg.AudioLevel),
		Cooldown:   cfg.Cooldown(),
	}, source, port, logger.WithField("component", "engine"))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flags.replay == "" {
		fmt.Fprintln(out, strings.Repeat("#", 20))
		fmt.Fprintln(out, "press Return to quit")
		fmt.Fprintln(out, strings.Repeat("#", 20))
		fmt.Fprintln(out)
		go waitForReturn(ctx, cmd.InOrStdin(), stop)
	}

	logger.WithFields(logrus.Fields{
		"audio_level": cfg.AudioLevel,
		"cooldown_ms": cfg.CooldownMs,
		"channels":    cfg.Channels,
		"relay":       relayName(cfg),
	}).Info("Starting PTT control")

	err = eng.Start(ctx)

	stats := eng.Stats()
	logger.WithFields(logrus.Fields{
		"blocks":        stats.Blocks,
		"enables":       stats.Enables,
		"disables":      stats.Disables,
		"send_failures": stats.SendFailures,
		"peak_loudness": fmt.Sprintf("%.2f", stats.PeakLoudness),
	}).Info("Exiting...")

	return err
}

// resolveConfig layers explicit flags over the file and environment
// configuration and validates the result.
func resolveConfig(fs *pflag.FlagSet, flags *cliFlags) (*config.Config, error) {
	cfg, err := config.LoadConfig(flags.configFile, flags.envFile)
	if err != nil {
		return nil, err
	}
	applyFlags(fs, flags, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFlags copies explicitly set flags over the loaded configuration.
func applyFlags(fs *pflag.FlagSet, flags *cliFlags, cfg *config.Config) {
	src := &flags.cfg
	overrides := map[string]func(){
		"cooldown-ms":       func() { cfg.CooldownMs = src.CooldownMs },
		"audio-level":       func() { cfg.AudioLevel = src.AudioLevel },
		"input-device":      func() { cfg.InputDevice = src.InputDevice },
		"output-device":     func() { cfg.OutputDevice = src.OutputDevice },
		"channels":          func() { cfg.Channels = src.Channels },
		"sample-rate":       func() { cfg.SampleRate = src.SampleRate },
		"frames-per-buffer": func() { cfg.FramesPerBuffer = src.FramesPerBuffer },
		"stall-timeout-ms":  func() { cfg.StallTimeoutMs = src.StallTimeoutMs },
		"relay":             func() { cfg.Relay.PortName = src.Relay.PortName },
		"baud-rate":         func() { cfg.Relay.BaudRate = src.Relay.BaudRate },
		"byte-size":         func() { cfg.Relay.ByteSize = src.Relay.ByteSize },
		"com-timeout":       func() { cfg.Relay.TimeoutMs = src.Relay.TimeoutMs },
		"stop-bits":         func() { cfg.Relay.StopBits = src.Relay.StopBits },
		"queue-depth":       func() { cfg.QueueDepth = src.QueueDepth },
		"log-level":         func() { cfg.Log.Level = src.Log.Level },
		"log-format":        func() { cfg.Log.Format = src.Log.Format },
	}
	fs.Visit(func(f *pflag.Flag) {
		if apply, ok := overrides[f.Name]; ok {
			apply()
		}
	})
	if flags.noRelay {
		cfg.RelayEnabled = false
	}
}

func openRelay(cfg *config.Config, logger *logrus.Logger) (relay.Port, error) {
	log := logger.WithField("component", "relay")
	if !cfg.RelayEnabled {
		return relay.NewNopPort(log), nil
	}
	port, err := relay.Open(cfg.Relay)
	if err != nil {
		return nil, err
	}
	return relay.NewAsyncPort(port, cfg.QueueDepth, log), nil
}

func newSource(cfg *config.Config, flags *cliFlags) audio.Source {
	if flags.replay != "" {
		replay := audio.ReplayConfig{
			Path:            flags.replay,
			Channels:        cfg.Channels,
			FramesPerBuffer: cfg.FramesPerBuffer,
			Realtime:        flags.realtime || flags.monitor,
		}
		if flags.monitor {
			replay.Player = sound.NewPortaudioPlayer()
		}
		return audio.NewReplaySource(replay)
	}

	return audio.NewPortAudioSource(audio.Config{
		SampleRate:      cfg.SampleRate,
		FramesPerBuffer: cfg.FramesPerBuffer,
		Channels:        cfg.Channels,
		InputDevice:     cfg.InputDevice,
		OutputDevice:    cfg.OutputDevice,
		StallTimeout:    cfg.StallTimeout(),
	})
}

func relayName(cfg *config.Config) string {
	if !cfg.RelayEnabled {
		return "disabled"
	}
	return cfg.Relay.PortName
}

// waitForReturn calls stop once a line is read from r. End of input is not a
// request to quit, so running without a terminal keeps going until a signal.
func waitForReturn(ctx context.Context, r io.Reader, stop context.CancelFunc) {
	lines := make(chan struct{})
	go func() {
		if _, err := bufio.NewReader(r).ReadString('\n'); err == nil {
			close(lines)
		}
	}()
	select {
	case <-ctx.Done():
	case <-lines:
		stop()
	}
}
