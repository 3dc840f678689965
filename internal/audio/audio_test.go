package audio

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// --- Constants ---

func TestConstants(t *testing.T) {
	// 48kHz * 20ms = 960 samples per channel
	if got := SampleRate * int(FrameDuration/time.Millisecond) / 1000; got != FrameSize {
		t.Errorf("FrameSize mismatch: want %d, got %d", got, FrameSize)
	}
	if FrameSamples != FrameSize*Channels {
		t.Errorf("FrameSamples = %d, want %d", FrameSamples, FrameSize*Channels)
	}
	if FrameBytes != FrameSamples*2 {
		t.Errorf("FrameBytes = %d, want %d", FrameBytes, FrameSamples*2)
	}
}

// --- Smoothstep ---

func TestSmoothstepBoundaries(t *testing.T) {
	tests := []struct {
		input float64
		want  float64
	}{
		{-0.5, 0},
		{0, 0},
		{0.5, 0.5},
		{1, 1},
		{1.5, 1},
	}
	for _, tt := range tests {
		got := Smoothstep(tt.input)
		if got != tt.want {
			t.Errorf("Smoothstep(%v) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestSmoothstepMonotonic(t *testing.T) {
	prev := 0.0
	for i := 1; i <= 100; i++ {
		x := float64(i) / 100.0
		val := Smoothstep(x)
		if val < prev {
			t.Errorf("Smoothstep not monotonic: f(%v)=%v < f(%v)=%v", x, val, float64(i-1)/100.0, prev)
		}
		prev = val
	}
}

func TestSmoothstepSymmetry(t *testing.T) {
	// Smoothstep is symmetric around 0.5: f(0.5+d) + f(0.5-d) = 1
	for _, d := range []float64{0.1, 0.2, 0.3, 0.4, 0.5} {
		sum := Smoothstep(0.5+d) + Smoothstep(0.5-d)
		if diff := sum - 1.0; diff > 1e-10 || diff < -1e-10 {
			t.Errorf("Smoothstep symmetry broken at d=%v: sum=%v", d, sum)
		}
	}
}

// --- Scale ---

func TestScale(t *testing.T) {
	tests := []struct {
		name  string
		frame []int16
		gain  float64
		want  []int16
	}{
		{"unity", []int16{1000, -1000, 500}, 1, []int16{1000, -1000, 500}},
		{"silence", []int16{1000, -1000}, 0, []int16{0, 0}},
		{"half", []int16{3000, -3000}, 0.5, []int16{1500, -1500}},
		{"saturates high", []int16{20000}, 2, []int16{32767}},
		{"saturates low", []int16{-20000}, 2, []int16{-32768}},
	}
	for _, tt := range tests {
		got := Scale(tt.frame, tt.gain)
		for i := range tt.want {
			if got[i] != tt.want[i] {
				t.Errorf("%s: sample[%d] = %d, want %d", tt.name, i, got[i], tt.want[i])
			}
		}
	}
}

func TestScaleDoesNotAlias(t *testing.T) {
	frame := []int16{100, 200}
	Scale(frame, 0)
	if frame[0] != 100 || frame[1] != 200 {
		t.Errorf("Scale modified its input: %v", frame)
	}
}

// --- SamplesToBytes / round-trip ---

func TestSamplesToBytes(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 256}
	buf := SamplesToBytes(samples)
	if len(buf) != len(samples)*2 {
		t.Fatalf("SamplesToBytes length = %d, want %d", len(buf), len(samples)*2)
	}

	// Verify little-endian encoding manually for a few values
	// 256 = 0x0100 -> bytes [0x00, 0x01]
	idx := 5 * 2
	if buf[idx] != 0x00 || buf[idx+1] != 0x01 {
		t.Errorf("Sample 256 encoded as [%02x, %02x], want [00, 01]", buf[idx], buf[idx+1])
	}
}

func TestSamplesBytesRoundTrip(t *testing.T) {
	original := []int16{0, 1, -1, 32767, -32768, 12345, -6789}
	buf := SamplesToBytes(original)

	recovered := BytesToSamples(buf)

	for i, v := range original {
		if recovered[i] != v {
			t.Errorf("Round-trip sample[%d]: got %d, want %d", i, recovered[i], v)
		}
	}
}

// --- FadeIn ---

func TestFadeInStartsSilent(t *testing.T) {
	frame := []int16{1000, -1000, 2000, -2000}
	got := FadeIn(frame, 0, 10)
	for i, v := range got {
		if v != 0 {
			t.Errorf("First fade frame sample[%d] = %d, want 0", i, v)
		}
	}
}

func TestFadeInPassesThroughAfterRamp(t *testing.T) {
	frame := []int16{1000, -1000}
	got := FadeIn(frame, 10, 10)
	for i, v := range got {
		if v != frame[i] {
			t.Errorf("Post-ramp sample[%d] = %d, want %d", i, v, frame[i])
		}
	}
}

// --- Decoder (fake ffmpeg) ---

// fakeTool writes an executable shell script standing in for ffmpeg/ffprobe.
func fakeTool(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write fake tool: %v", err)
	}
	return path
}

func TestDecoderStreamsFrames(t *testing.T) {
	// Two full frames plus a 100-byte tail.
	bin := fakeTool(t, "head -c 7780 /dev/zero")
	dec := NewDecoder(bin)

	r, err := dec.Open(context.Background(), "track.mp3", 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	frames := 0
	for {
		f, err := r.ReadFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if len(f) != FrameSamples {
			t.Errorf("frame %d has %d samples, want %d", frames, len(f), FrameSamples)
		}
		frames++
	}
	if frames != 3 {
		t.Errorf("decoded %d frames, want 3 (two full, one padded)", frames)
	}
}

func TestDecoderFailureWithoutOutput(t *testing.T) {
	bin := fakeTool(t, "echo 'moov atom not found' >&2; exit 1")
	dec := NewDecoder(bin)

	r, err := dec.Open(context.Background(), "broken.mp3", 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if _, err := r.ReadFrame(); err == nil || errors.Is(err, io.EOF) {
		t.Errorf("ReadFrame on failed decode = %v, want decode error", err)
	}
}

func TestDecoderCloseIsIdempotent(t *testing.T) {
	bin := fakeTool(t, "exec sleep 5")
	r, err := NewDecoder(bin).Open(context.Background(), "x.mp3", 3*time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	done := make(chan struct{})
	go func() {
		r.Close()
		r.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(4 * time.Second):
		t.Fatal("Close did not kill the decoder process")
	}
}

// --- Prober ---

func TestProberParsesDuration(t *testing.T) {
	p := NewProber(fakeTool(t, "echo 12.5"))
	d, err := p.Probe(context.Background(), "x.mp3")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if d != 12500*time.Millisecond {
		t.Errorf("Probe = %v, want 12.5s", d)
	}
}

func TestProberRejectsGarbage(t *testing.T) {
	p := NewProber(fakeTool(t, "echo N/A"))
	if _, err := p.Probe(context.Background(), "x.mp3"); err == nil {
		t.Error("Probe with N/A output should fail")
	}
}
