package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/exec"
	"time"

	"github.com/satindergrewal/qariradio/internal/audio"
)

// MonitorHandler serves the tap as a chunked MP3 stream, one ffmpeg encoder
// per connection.
type MonitorHandler struct {
	tap          *Tap
	ffmpegPath   string
	bitrate      string
	maxListeners int
}

// NewMonitorHandler creates the monitor endpoint. maxListeners <= 0 means
// no limit.
func NewMonitorHandler(tap *Tap, ffmpegPath string, maxListeners int) *MonitorHandler {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &MonitorHandler{tap: tap, ffmpegPath: ffmpegPath, bitrate: "128k", maxListeners: maxListeners}
}

// encoder is a running PCM-to-MP3 ffmpeg process.
type encoder struct {
	cmd *exec.Cmd
	in  io.WriteCloser
	out io.ReadCloser
}

func (h *MonitorHandler) startEncoder(ctx context.Context) (*encoder, error) {
	cmd := exec.CommandContext(ctx, h.ffmpegPath,
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", fmt.Sprint(audio.SampleRate),
		"-ac", fmt.Sprint(audio.Channels),
		"-i", "pipe:0",
		"-codec:a", "libmp3lame",
		"-b:a", h.bitrate,
		"-fflags", "nobuffer",
		"-flush_packets", "1",
		"-f", "mp3",
		"pipe:1",
	)
	cmd.WaitDelay = 2 * time.Second

	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", h.ffmpegPath, err)
	}
	return &encoder{cmd: cmd, in: in, out: out}, nil
}

// feed writes subscribed frames to the encoder until the listener or ctx
// ends, then closes its input.
func (e *encoder) feed(ctx context.Context, l *Listener) {
	defer e.in.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.Done():
			return
		case frame := <-l.C:
			if _, err := e.in.Write(audio.SamplesToBytes(frame)); err != nil {
				return
			}
		}
	}
}

// flushWriter pushes every chunk to the client as soon as it is written.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	fw.f.Flush()
	return n, err
}

func (h *MonitorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET required", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	if h.maxListeners > 0 && h.tap.ListenerCount() >= h.maxListeners {
		http.Error(w, "monitor is full", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	enc, err := h.startEncoder(ctx)
	if err != nil {
		log.Printf("MONITOR: %v", err)
		http.Error(w, "encoder unavailable", http.StatusInternalServerError)
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "audio/mpeg")
	hdr.Set("Cache-Control", "no-cache, no-store")
	hdr.Set("Connection", "close")
	hdr.Set("ICY-Name", "qariradio monitor")

	l := h.tap.Subscribe()
	defer h.tap.Unsubscribe(l)
	log.Printf("MONITOR: listener connected (%d listening)", h.tap.ListenerCount())

	go enc.feed(ctx, l)

	_, err = io.CopyBuffer(flushWriter{w, flusher}, enc.out, make([]byte, 4096))
	if err != nil && ctx.Err() == nil && !errors.Is(err, io.ErrClosedPipe) {
		log.Printf("MONITOR: stream ended: %v", err)
	}
	cancel()
	enc.cmd.Wait()
	log.Printf("MONITOR: listener disconnected")
}
