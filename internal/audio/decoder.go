package audio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Decoder spawns FFmpeg to decode audio files into 48kHz stereo PCM.
// Output is streamed frame by frame, never read whole into memory.
type Decoder struct {
	ffmpegPath string
}

// NewDecoder creates a decoder using the given ffmpeg binary.
func NewDecoder(ffmpegPath string) *Decoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Decoder{ffmpegPath: ffmpegPath}
}

// Open starts decoding path from offset. Cancelling ctx or calling Close
// kills the ffmpeg process.
func (d *Decoder) Open(ctx context.Context, path string, offset time.Duration) (FrameReader, error) {
	ctx, cancel := context.WithCancel(ctx)

	args := []string{"-nostdin"}
	if offset > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.3f", offset.Seconds()))
	}
	args = append(args,
		"-i", path,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", "48000",
		"-ac", "2",
		"-loglevel", "error",
		"pipe:1",
	)

	cmd := exec.CommandContext(ctx, d.ffmpegPath, args...)
	stderr := &limitedBuffer{max: 4096}
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg for %s: %w", path, err)
	}

	return &ffmpegStream{
		path:   path,
		cmd:    cmd,
		cancel: cancel,
		stderr: stderr,
		r:      bufio.NewReaderSize(stdout, FrameBytes*8),
		buf:    make([]byte, FrameBytes),
	}, nil
}

type ffmpegStream struct {
	path   string
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stderr *limitedBuffer
	r      *bufio.Reader
	buf    []byte
	frames int

	closeOnce sync.Once
	waitErr   error
	eof       bool
}

func (s *ffmpegStream) ReadFrame() ([]int16, error) {
	if s.eof {
		return nil, io.EOF
	}

	n, err := io.ReadFull(s.r, s.buf)
	switch {
	case err == nil:
	case errors.Is(err, io.ErrUnexpectedEOF):
		// Short tail: pad the final frame with silence.
		clear(s.buf[n:])
		s.eof = true
	case errors.Is(err, io.EOF):
		s.eof = true
		if werr := s.wait(); werr != nil && s.frames == 0 {
			return nil, fmt.Errorf("ffmpeg decode %s: %w (%s)", s.path, werr, s.stderr.String())
		}
		return nil, io.EOF
	default:
		return nil, fmt.Errorf("read pcm from %s: %w", s.path, err)
	}

	s.frames++
	return BytesToSamples(s.buf), nil
}

func (s *ffmpegStream) Close() error {
	s.cancel()
	s.wait()
	return nil
}

func (s *ffmpegStream) wait() error {
	s.closeOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

// limitedBuffer keeps the first max bytes of ffmpeg's stderr for error messages.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}

// SamplesToBytes converts int16 samples to little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// BytesToSamples decodes little-endian int16 samples. A trailing odd byte is dropped.
func BytesToSamples(buf []byte) []int16 {
	samples := make([]int16, len(buf)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(buf[i*2 : i*2+2]))
	}
	return samples
}
