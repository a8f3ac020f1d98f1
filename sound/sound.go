package sound

// Player defines the interface for audio playback
type Player interface {
	// Initialize initializes the audio playback system
	Initialize() error

	// Terminate terminates the audio playback system
	Terminate()

	// Open opens an output stream for interleaved float samples
	Open(channels int, sampleRate float64, framesPerBuffer int) error

	// Write plays one block, blocking until the device accepts it
	Write(samples []float32) error

	// Close closes the output stream
	Close() error
}
