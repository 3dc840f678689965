package audio

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Prober reads track durations with ffprobe.
type Prober struct {
	ffprobePath string
}

// NewProber creates a prober using the given ffprobe binary.
func NewProber(ffprobePath string) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Prober{ffprobePath: ffprobePath}
}

// Probe returns the container duration of path.
func (p *Prober) Probe(ctx context.Context, path string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	field := strings.TrimSpace(string(out))
	secs, err := strconv.ParseFloat(field, 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("ffprobe %s: unparseable duration %q", path, field)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
