package sound

import (
	"errors"

	"github.com/gordonklaus/portaudio"
)

// PortaudioPlayer plays blocks on the default output device using a blocking
// stream.
type PortaudioPlayer struct {
	stream      *portaudio.Stream
	audioBuffer []float32
}

// Ensure PortaudioPlayer implements Player interface
var _ Player = (*PortaudioPlayer)(nil)

func NewPortaudioPlayer() *PortaudioPlayer {
	return &PortaudioPlayer{}
}

func (p *PortaudioPlayer) Initialize() error {
	return portaudio.Initialize()
}

func (p *PortaudioPlayer) Open(channels int, sampleRate float64, framesPerBuffer int) error {
	if channels <= 0 || framesPerBuffer <= 0 {
		return errors.New("invalid output stream parameters")
	}
	p.audioBuffer = make([]float32, channels*framesPerBuffer)

	stream, err := portaudio.OpenDefaultStream(0, channels, sampleRate, framesPerBuffer, p.audioBuffer)
	if err != nil {
		return err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return err
	}
	p.stream = stream
	return nil
}

func (p *PortaudioPlayer) Write(samples []float32) error {
	if p.stream == nil {
		return errors.New("Stream not opened")
	}

	// Copy samples to buffer (pad or truncate as needed)
	n := copy(p.audioBuffer, samples)
	for i := n; i < len(p.audioBuffer); i++ {
		p.audioBuffer[i] = 0
	}

	return p.stream.Write()
}

func (p *PortaudioPlayer) Close() error {
	if p.stream == nil {
		return nil
	}
	p.stream.Stop()
	err := p.stream.Close()
	p.stream = nil
	return err
}

func (p *PortaudioPlayer) Terminate() {
	portaudio.Terminate()
}
