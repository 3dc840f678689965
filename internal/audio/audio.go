package audio

import "time"

const (
	SampleRate    = 48000
	Channels      = 2
	BitDepth      = 16
	FrameDuration = 20 * time.Millisecond
	FrameSize     = 960                  // samples per channel per 20ms frame
	FrameSamples  = FrameSize * Channels // total interleaved samples per frame
	FrameBytes    = FrameSamples * 2     // bytes per frame (int16 = 2 bytes)
)

// FrameReader yields fixed-size interleaved PCM frames until io.EOF.
type FrameReader interface {
	ReadFrame() ([]int16, error)
	Close() error
}

// SilentFrame returns one frame of digital silence.
func SilentFrame() []int16 {
	return make([]int16, FrameSamples)
}
