package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/hajimehoshi/go-mp3"

	"github.com/d1nch8g/pttd/sound"
)

const defaultReplayFrames = 1024

// ReplayConfig describes a file-driven run used to tune the threshold and
// cooldown without a sound card.
type ReplayConfig struct {
	Path string
	// Channels is 1 (left and right averaged) or 2.
	Channels        int
	FramesPerBuffer int
	// Realtime paces blocks at the file's sample rate instead of delivering
	// them as fast as possible.
	Realtime bool
	// Player, if set, receives every block for monitoring.
	Player sound.Player
}

// ReplaySource decodes an MP3 file and feeds it to the handler. Block
// timestamps are derived from the sample position, so a replay makes the same
// decisions regardless of how fast it runs.
type ReplaySource struct {
	config ReplayConfig
	decode func() (io.Reader, io.Closer, int, error)
	now    func() time.Time

	handler    Handler
	pcm        io.Reader
	closer     io.Closer
	sampleRate int

	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan error
}

// Ensure ReplaySource implements Source interface
var _ Source = (*ReplaySource)(nil)

func NewReplaySource(config ReplayConfig) *ReplaySource {
	return newReplaySource(config, func() (io.Reader, io.Closer, int, error) {
		f, err := os.Open(config.Path)
		if err != nil {
			return nil, nil, 0, err
		}
		dec, err := mp3.NewDecoder(f)
		if err != nil {
			f.Close()
			return nil, nil, 0, fmt.Errorf("decode %s: %w", config.Path, err)
		}
		return dec, f, dec.SampleRate(), nil
	})
}

// newReplaySource takes a decode function returning 16-bit little-endian
// stereo PCM, the format go-mp3 produces.
func newReplaySource(config ReplayConfig, decode func() (io.Reader, io.Closer, int, error)) *ReplaySource {
	if config.FramesPerBuffer <= 0 {
		config.FramesPerBuffer = defaultReplayFrames
	}
	return &ReplaySource{
		config: config,
		decode: decode,
		now:    time.Now,
		done:   make(chan error, 1),
	}
}

func (r *ReplaySource) Initialize() error {
	if r.config.Player == nil {
		return nil
	}
	if err := r.config.Player.Initialize(); err != nil {
		return &Error{Op: "initialize", Err: err}
	}
	return nil
}

func (r *ReplaySource) Terminate() {
	if r.config.Player != nil {
		r.config.Player.Terminate()
	}
}

func (r *ReplaySource) Open(handler Handler) error {
	if r.config.Channels != 1 && r.config.Channels != 2 {
		return &Error{Op: "open", Err: fmt.Errorf("replay supports 1 or 2 channels, got %d", r.config.Channels)}
	}

	pcm, closer, rate, err := r.decode()
	if err != nil {
		return &Error{Op: "open", Err: err}
	}
	if rate <= 0 {
		if closer != nil {
			closer.Close()
		}
		return &Error{Op: "open", Err: fmt.Errorf("invalid sample rate %d", rate)}
	}

	if r.config.Player != nil {
		if err := r.config.Player.Open(r.config.Channels, float64(rate), r.config.FramesPerBuffer); err != nil {
			if closer != nil {
				closer.Close()
			}
			return &Error{Op: "open", Err: fmt.Errorf("monitor output: %w", err)}
		}
	}

	r.handler = handler
	r.pcm = pcm
	r.closer = closer
	r.sampleRate = rate
	return nil
}

func (r *ReplaySource) Start() error {
	if r.pcm == nil {
		return &Error{Op: "start", Err: errors.New("stream not opened")}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := r.run(ctx)
		if errors.Is(err, context.Canceled) {
			return
		}
		r.done <- err
	}()
	return nil
}

func (r *ReplaySource) run(ctx context.Context) error {
	const bytesPerFrame = 4 // two 16-bit channels

	raw := make([]byte, r.config.FramesPerBuffer*bytesPerFrame)
	block := make([]float32, 0, r.config.FramesPerBuffer*r.config.Channels)
	blockDuration := time.Duration(r.config.FramesPerBuffer) * time.Second / time.Duration(r.sampleRate)

	var ticker *time.Ticker
	if r.config.Realtime {
		ticker = time.NewTicker(blockDuration)
		defer ticker.Stop()
	}

	start := r.now()
	var position int64

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := io.ReadFull(r.pcm, raw)
		frames := n / bytesPerFrame
		if frames > 0 {
			block = convertStereo(raw[:frames*bytesPerFrame], r.config.Channels, block[:0])
			offset := time.Duration(position) * time.Second / time.Duration(r.sampleRate)
			r.handler(block, start.Add(offset))
			position += int64(frames)

			if r.config.Player != nil {
				if err := r.config.Player.Write(block); err != nil {
					return &Error{Op: "monitor", Err: err}
				}
			}
		}

		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return &Error{Op: "read", Err: err}
		}

		if ticker != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
}

// convertStereo turns 16-bit little-endian stereo PCM into float samples with
// the requested channel count, appending to dst.
func convertStereo(pcm []byte, channels int, dst []float32) []float32 {
	for i := 0; i+4 <= len(pcm); i += 4 {
		l := float32(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768
		r := float32(int16(binary.LittleEndian.Uint16(pcm[i+2:]))) / 32768
		if channels == 1 {
			dst = append(dst, (l+r)/2)
		} else {
			dst = append(dst, l, r)
		}
	}
	return dst
}

func (r *ReplaySource) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	return nil
}

func (r *ReplaySource) Close() error {
	var errs []error
	if r.config.Player != nil {
		if err := r.config.Player.Close(); err != nil {
			errs = append(errs, fmt.Errorf("monitor output: %w", err))
		}
	}
	if r.closer != nil {
		if err := r.closer.Close(); err != nil {
			errs = append(errs, err)
		}
		r.closer = nil
	}
	r.pcm = nil
	if err := errors.Join(errs...); err != nil {
		return &Error{Op: "close", Err: err}
	}
	return nil
}

func (r *ReplaySource) Done() <-chan error {
	return r.done
}
