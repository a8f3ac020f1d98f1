package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"io/fs"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDevices = []*portaudio.DeviceInfo{
	{Index: 0, Name: "Built-in Microphone", MaxInputChannels: 2},
	{Index: 1, Name: "Built-in Output", MaxOutputChannels: 2},
	{Index: 2, Name: "USB Audio CODEC", MaxInputChannels: 2, MaxOutputChannels: 2},
	{Index: 3, Name: "USB Audio Interface", MaxInputChannels: 1},
}

func TestFindDeviceByIndex(t *testing.T) {
	d, err := findDevice(testDevices, "2", true)
	require.NoError(t, err)
	assert.Equal(t, "USB Audio CODEC", d.Name)

	_, err = findDevice(testDevices, "1", true)
	assert.ErrorContains(t, err, "no input channels")

	_, err = findDevice(testDevices, "9", false)
	assert.ErrorContains(t, err, "no device with index 9")
}

func TestFindDeviceByName(t *testing.T) {
	d, err := findDevice(testDevices, "codec", false)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Index)

	// Only one USB device has outputs.
	d, err = findDevice(testDevices, "usb", false)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Index)

	_, err = findDevice(testDevices, "usb audio", true)
	assert.ErrorContains(t, err, "multiple input devices")

	_, err = findDevice(testDevices, "bluetooth", true)
	assert.ErrorContains(t, err, `no input device matching "bluetooth"`)
}

func TestPrintDevices(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printDevices(&buf, testDevices[:3], testDevices[0], testDevices[1]))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]), ">   0 Built-in Microphone")
	assert.Contains(t, string(lines[1]), "<   1 Built-in Output")
	assert.Contains(t, string(lines[2]), "(2 in, 2 out)")
}

func TestConvertStereo(t *testing.T) {
	pcm := stereoPCM([][2]int16{{16384, -16384}, {8192, 8192}})

	assert.Equal(t, []float32{0.5, -0.5, 0.25, 0.25}, convertStereo(pcm, 2, nil))
	assert.Equal(t, []float32{0, 0.25}, convertStereo(pcm, 1, nil))
	assert.Empty(t, convertStereo(pcm[:3], 1, nil), "partial frames are dropped")
}

// fakeClock returns a time source that tests advance with set.
func fakeClock() (now func() time.Time, set func(time.Duration)) {
	var offset atomic.Int64
	base := time.Date(2024, 5, 4, 18, 0, 0, 0, time.UTC)
	return func() time.Time { return base.Add(time.Duration(offset.Load())) },
		func(d time.Duration) { offset.Store(int64(d)) }
}

func TestProcessPassesInputThrough(t *testing.T) {
	now, set := fakeClock()
	src := NewPortAudioSource(Config{Channels: 2})
	src.now = now
	set(40 * time.Millisecond)

	var got []float32
	var gotAt time.Time
	src.handler = func(in []float32, at time.Time) {
		got = append([]float32(nil), in...)
		gotAt = at
	}

	in := []float32{0.1, -0.2, 0.3, -0.4}
	out := make([]float32, len(in))
	src.process(in, out, portaudio.StreamCallbackTimeInfo{}, 0)

	assert.Equal(t, in, out, "input is copied to the output")
	assert.Equal(t, in, got, "handler sees the block")
	assert.Equal(t, now(), gotAt)
	assert.Zero(t, src.Overruns())

	src.process(in, out, portaudio.StreamCallbackTimeInfo{}, portaudio.InputOverflow)
	assert.Equal(t, 1, src.Overruns())
}

func TestProcessWithoutHandler(t *testing.T) {
	src := NewPortAudioSource(Config{Channels: 1})
	out := make([]float32, 2)
	src.process([]float32{0.5, 0.25}, out, portaudio.StreamCallbackTimeInfo{}, 0)
	assert.Equal(t, []float32{0.5, 0.25}, out)
}

func TestWatchReportsStalledInput(t *testing.T) {
	now, set := fakeClock()
	src := NewPortAudioSource(Config{Channels: 1, StallTimeout: time.Second})
	src.now = now
	src.process([]float32{0}, []float32{0}, portaudio.StreamCallbackTimeInfo{}, 0)

	stop := make(chan struct{})
	defer close(stop)
	tick := make(chan time.Time)
	go src.watch(stop, tick)

	set(500 * time.Millisecond)
	tick <- time.Time{}
	set(900 * time.Millisecond)
	src.process([]float32{0}, []float32{0}, portaudio.StreamCallbackTimeInfo{}, 0)
	set(1800 * time.Millisecond)
	tick <- time.Time{}
	select {
	case err := <-src.Done():
		t.Fatalf("blocks are still arriving, got %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	set(2 * time.Second)
	tick <- time.Time{}
	select {
	case err := <-src.Done():
		assert.ErrorIs(t, err, ErrStalled)
		var audioErr *Error
		require.ErrorAs(t, err, &audioErr)
		assert.Equal(t, "read", audioErr.Op)
	case <-time.After(time.Second):
		t.Fatal("stalled input was not reported")
	}
}

func TestWatchStops(t *testing.T) {
	src := NewPortAudioSource(Config{Channels: 1, StallTimeout: time.Second})
	stop := make(chan struct{})
	returned := make(chan struct{})
	go func() {
		src.watch(stop, make(chan time.Time))
		close(returned)
	}()

	close(stop)
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("watch did not return after stop")
	}
	select {
	case err := <-src.Done():
		t.Fatalf("unexpected error %v", err)
	default:
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("device unavailable")
	err := &Error{Op: "open", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "audio open: device unavailable", err.Error())
}

func stereoPCM(frames [][2]int16) []byte {
	b := make([]byte, 0, len(frames)*4)
	for _, f := range frames {
		b = binary.LittleEndian.AppendUint16(b, uint16(f[0]))
		b = binary.LittleEndian.AppendUint16(b, uint16(f[1]))
	}
	return b
}

type fakePlayer struct {
	opened   bool
	channels int
	rate     float64
	blocks   int
	closed   bool
}

func (p *fakePlayer) Initialize() error { return nil }
func (p *fakePlayer) Terminate() {}
func (p *fakePlayer) Open(channels int, sampleRate float64, framesPerBuffer int) error {
	p.opened, p.channels, p.rate = true, channels, sampleRate
	return nil
}
func (p *fakePlayer) Write(samples []float32) error { p.blocks++; return nil }
func (p *fakePlayer) Close() error { p.closed = true; return nil }

type block struct {
	samples []float32
	at      time.Time
}

func replayFrom(t *testing.T, pcm []byte, rate int, config ReplayConfig) (*ReplaySource, *[]block) {
	t.Helper()
	src := newReplaySource(config, func() (io.Reader, io.Closer, int, error) {
		return bytes.NewReader(pcm), io.NopCloser(nil), rate, nil
	})
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return start }

	var got []block
	require.NoError(t, src.Initialize())
	require.NoError(t, src.Open(func(in []float32, now time.Time) {
		got = append(got, block{samples: append([]float32(nil), in...), at: now})
	}))
	return src, &got
}

func TestReplayDeliversBlocksWithSampleTimestamps(t *testing.T) {
	frames := make([][2]int16, 10)
	for i := range frames {
		frames[i] = [2]int16{int16(i * 100), int16(i * 100)}
	}
	player := &fakePlayer{}
	src, got := replayFrom(t, stereoPCM(frames), 1000, ReplayConfig{
		Channels:        1,
		FramesPerBuffer: 4,
		Player:          player,
	})

	require.NoError(t, src.Start())
	select {
	case err := <-src.Done():
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("replay did not finish")
	}
	require.NoError(t, src.Stop())
	require.NoError(t, src.Close())

	require.Len(t, *got, 3)
	assert.Len(t, (*got)[0].samples, 4)
	assert.Len(t, (*got)[2].samples, 2, "last block is short")

	start := (*got)[0].at
	assert.Equal(t, 4*time.Millisecond, (*got)[1].at.Sub(start))
	assert.Equal(t, 8*time.Millisecond, (*got)[2].at.Sub(start))
	assert.InDelta(t, 100.0/32768, (*got)[0].samples[1], 1e-9)

	assert.True(t, player.opened)
	assert.Equal(t, 1, player.channels)
	assert.Equal(t, 1000.0, player.rate)
	assert.Equal(t, 3, player.blocks)
	assert.True(t, player.closed)
}

func TestReplayStopInterruptsRealtime(t *testing.T) {
	pcm := stereoPCM(make([][2]int16, 48000))
	src, _ := replayFrom(t, pcm, 48000, ReplayConfig{Channels: 2, FramesPerBuffer: 480, Realtime: true})

	require.NoError(t, src.Start())
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, src.Stop())
	require.NoError(t, src.Close())

	select {
	case err := <-src.Done():
		t.Fatalf("cancelled replay must not report completion, got %v", err)
	default:
	}
}

func TestReplayOpenErrors(t *testing.T) {
	src := newReplaySource(ReplayConfig{Channels: 3}, nil)
	var audioErr *Error
	require.ErrorAs(t, src.Open(func([]float32, time.Time) {}), &audioErr)

	src = newReplaySource(ReplayConfig{Channels: 1}, func() (io.Reader, io.Closer, int, error) {
		return nil, nil, 0, errors.New("no such file")
	})
	require.ErrorAs(t, src.Open(func([]float32, time.Time) {}), &audioErr)
	assert.Equal(t, "open", audioErr.Op)

	assert.Error(t, newReplaySource(ReplayConfig{Channels: 1}, nil).Start())
}

func TestNewReplaySourceMissingFile(t *testing.T) {
	src := NewReplaySource(ReplayConfig{Path: "/nonexistent/traffic.mp3", Channels: 1})
	err := src.Open(func([]float32, time.Time) {})

	var audioErr *Error
	require.ErrorAs(t, err, &audioErr)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}
