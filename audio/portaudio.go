package audio

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

type Config struct {
	// SampleRate of 0 uses the devices' default rate.
	SampleRate float64
	// FramesPerBuffer of 0 lets the host API choose.
	FramesPerBuffer int
	Channels        int
	// InputDevice and OutputDevice are a device index or a case-insensitive
	// substring of the device name; empty selects the default device.
	InputDevice  string
	OutputDevice string
	// StallTimeout is how long the stream may go without delivering a block
	// before it is reported as failed on Done.
	StallTimeout time.Duration
}

const DefaultStallTimeout = 2 * time.Second

// ErrStalled is reported on Done when the device stops delivering audio.
var ErrStalled = errors.New("no audio received from input device")

func GetDefaultConfig() Config {
	return Config{
		Channels:     1,
		StallTimeout: DefaultStallTimeout,
	}
}

// PortAudioSource is a full-duplex stream. Input is copied to the output
// before the handler runs, so the monitored audio is never delayed by it.
type PortAudioSource struct {
	config Config
	stream *portaudio.Stream
	now    func() time.Time
	done   chan error

	mu       sync.Mutex
	handler  Handler
	last     time.Time
	overruns int

	watchStop chan struct{}
	watchWg   sync.WaitGroup
}

// Ensure PortAudioSource implements Source interface
var _ Source = (*PortAudioSource)(nil)

func NewPortAudioSource(config Config) *PortAudioSource {
	return &PortAudioSource{
		config: config,
		now:    time.Now,
		done:   make(chan error, 1),
	}
}

func (a *PortAudioSource) Initialize() error {
	if err := portaudio.Initialize(); err != nil {
		return &Error{Op: "initialize", Err: err}
	}
	return nil
}

func (a *PortAudioSource) Terminate() {
	portaudio.Terminate()
}

func (a *PortAudioSource) Open(handler Handler) error {
	if a.config.Channels <= 0 {
		return &Error{Op: "open", Err: fmt.Errorf("invalid channel count %d", a.config.Channels)}
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return &Error{Op: "open", Err: err}
	}

	in, err := a.device(devices, a.config.InputDevice, true)
	if err != nil {
		return &Error{Op: "open", Err: err}
	}
	out, err := a.device(devices, a.config.OutputDevice, false)
	if err != nil {
		return &Error{Op: "open", Err: err}
	}

	params := portaudio.LowLatencyParameters(in, out)
	params.Input.Channels = a.config.Channels
	params.Output.Channels = a.config.Channels
	if a.config.SampleRate > 0 {
		params.SampleRate = a.config.SampleRate
	}
	if a.config.FramesPerBuffer > 0 {
		params.FramesPerBuffer = a.config.FramesPerBuffer
	}

	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()

	stream, err := portaudio.OpenStream(params, a.process)
	if err != nil {
		return &Error{Op: "open", Err: err}
	}
	a.stream = stream
	return nil
}

func (a *PortAudioSource) device(devices []*portaudio.DeviceInfo, selector string, input bool) (*portaudio.DeviceInfo, error) {
	if selector != "" {
		return findDevice(devices, selector, input)
	}
	if input {
		return portaudio.DefaultInputDevice()
	}
	return portaudio.DefaultOutputDevice()
}

func (a *PortAudioSource) process(in, out []float32, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
	copy(out, in)
	now := a.now()

	a.mu.Lock()
	handler := a.handler
	a.last = now
	if flags&(portaudio.InputOverflow|portaudio.InputUnderflow) != 0 {
		a.overruns++
	}
	a.mu.Unlock()

	if handler != nil {
		handler(in, now)
	}
}

// Overruns returns how many blocks arrived with lost or padded input.
func (a *PortAudioSource) Overruns() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.overruns
}

func (a *PortAudioSource) Start() error {
	if a.stream == nil {
		return &Error{Op: "start", Err: errors.New("stream not opened")}
	}

	a.mu.Lock()
	a.last = a.now()
	a.mu.Unlock()

	if err := a.stream.Start(); err != nil {
		return &Error{Op: "start", Err: err}
	}

	if a.config.StallTimeout > 0 {
		ticker := time.NewTicker(a.config.StallTimeout / 4)
		stop := make(chan struct{})
		a.watchStop = stop
		a.watchWg.Add(1)
		go func() {
			defer a.watchWg.Done()
			defer ticker.Stop()
			a.watch(stop, ticker.C)
		}()
	}
	return nil
}

// watch reports ErrStalled on Done once no block has arrived for
// StallTimeout. PortAudio keeps a stream open when its device disappears, so
// the missing callbacks are the only sign of it.
func (a *PortAudioSource) watch(stop <-chan struct{}, tick <-chan time.Time) {
	for {
		select {
		case <-stop:
			return
		case <-tick:
			a.mu.Lock()
			idle := a.now().Sub(a.last)
			a.mu.Unlock()
			if idle < a.config.StallTimeout {
				continue
			}
			select {
			case a.done <- &Error{Op: "read", Err: fmt.Errorf("%w for %s", ErrStalled, idle.Round(time.Millisecond))}:
			default:
			}
			return
		}
	}
}

func (a *PortAudioSource) Stop() error {
	if a.watchStop != nil {
		close(a.watchStop)
		a.watchWg.Wait()
		a.watchStop = nil
	}
	if a.stream == nil {
		return nil
	}
	if err := a.stream.Stop(); err != nil {
		return &Error{Op: "stop", Err: err}
	}
	return nil
}

func (a *PortAudioSource) Close() error {
	if a.stream == nil {
		return nil
	}
	err := a.stream.Close()
	a.stream = nil
	if err != nil {
		return &Error{Op: "close", Err: err}
	}
	return nil
}

func (a *PortAudioSource) Done() <-chan error {
	return a.done
}

// findDevice picks a device by index or by name substring, skipping devices
// without channels in the requested direction.
func findDevice(devices []*portaudio.DeviceInfo, selector string, input bool) (*portaudio.DeviceInfo, error) {
	usable := func(d *portaudio.DeviceInfo) bool {
		if input {
			return d.MaxInputChannels > 0
		}
		return d.MaxOutputChannels > 0
	}

	if idx, err := strconv.Atoi(selector); err == nil {
		for _, d := range devices {
			if d.Index == idx {
				if !usable(d) {
					return nil, fmt.Errorf("device %d (%s) has no %s channels", idx, d.Name, direction(input))
				}
				return d, nil
			}
		}
		return nil, fmt.Errorf("no device with index %d", idx)
	}

	needle := strings.ToLower(selector)
	var matches []*portaudio.DeviceInfo
	for _, d := range devices {
		if usable(d) && strings.Contains(strings.ToLower(d.Name), needle) {
			matches = append(matches, d)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no %s device matching %q", direction(input), selector)
	case 1:
		return matches[0], nil
	default:
		names := make([]string, len(matches))
		for i, d := range matches {
			names[i] = fmt.Sprintf("%d: %s", d.Index, d.Name)
		}
		return nil, fmt.Errorf("multiple %s devices match %q: %s", direction(input), selector, strings.Join(names, ", "))
	}
}

func direction(input bool) string {
	if input {
		return "input"
	}
	return "output"
}

// ListDevices prints the audio devices known to PortAudio.
func ListDevices(w io.Writer) error {
	if err := portaudio.Initialize(); err != nil {
		return &Error{Op: "initialize", Err: err}
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return &Error{Op: "list", Err: err}
	}

	var defaultIn, defaultOut *portaudio.DeviceInfo
	if d, err := portaudio.DefaultInputDevice(); err == nil {
		defaultIn = d
	}
	if d, err := portaudio.DefaultOutputDevice(); err == nil {
		defaultOut = d
	}

	return printDevices(w, devices, defaultIn, defaultOut)
}

func printDevices(w io.Writer, devices []*portaudio.DeviceInfo, defaultIn, defaultOut *portaudio.DeviceInfo) error {
	for _, d := range devices {
		marker := "  "
		switch {
		case d == defaultIn && d == defaultOut:
			marker = "*<"
		case d == defaultIn:
			marker = "> "
		case d == defaultOut:
			marker = "< "
		}
		hostAPI := ""
		if d.HostApi != nil {
			hostAPI = d.HostApi.Name
		}
		_, err := fmt.Fprintf(w, "%s%3d %s, %s (%d in, %d out) %.0f Hz\n",
			marker, d.Index, d.Name, hostAPI, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate)
		if err != nil {
			return err
		}
	}
	return nil
}
