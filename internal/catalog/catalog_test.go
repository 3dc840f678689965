package catalog

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

// writeTracks creates numbered files under root/variant. Index 0 entries are skipped.
func writeTracks(t *testing.T, root, variant string, indices ...int) {
	t.Helper()
	dir := filepath.Join(root, variant)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	c := New(Options{Root: root})
	for _, i := range indices {
		if err := os.WriteFile(filepath.Join(dir, c.FileName(i)), []byte("audio"), 0o644); err != nil {
			t.Fatalf("write track: %v", err)
		}
	}
}

func newScanned(t *testing.T, opts Options) *Catalog {
	t.Helper()
	c := New(opts)
	if err := c.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	return c
}

func TestScanFindsVariantsAndGaps(t *testing.T) {
	root := t.TempDir()
	writeTracks(t, root, "alafasy", 1, 2, 3, 5)
	writeTracks(t, root, "husary", 1, 2, 3, 4, 5)
	// Noise that must be ignored.
	os.WriteFile(filepath.Join(root, "alafasy", "cover.jpg"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(root, "alafasy", "notes.mp3"), []byte("x"), 0o644)
	os.MkdirAll(filepath.Join(root, "empty"), 0o755)

	c := newScanned(t, Options{Root: root, Size: 5})

	if got := c.Variants(); !slices.Equal(got, []string{"alafasy", "husary"}) {
		t.Errorf("Variants() = %v, want [alafasy husary]", got)
	}
	if got := c.Gaps("alafasy"); !slices.Equal(got, []int{4}) {
		t.Errorf("Gaps(alafasy) = %v, want [4]", got)
	}
	if got := c.Gaps("husary"); len(got) != 0 {
		t.Errorf("Gaps(husary) = %v, want none", got)
	}
	if c.HasVariant("empty") {
		t.Error("variant without tracks should not be listed")
	}
	if c.Size() != 5 {
		t.Errorf("Size() = %d, want 5", c.Size())
	}
}

func TestEmptyFileIsAGap(t *testing.T) {
	root := t.TempDir()
	writeTracks(t, root, "v", 1, 3)
	if err := os.WriteFile(filepath.Join(root, "v", "002.mp3"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	c := newScanned(t, Options{Root: root, Size: 3})

	if _, ok := c.Track("v", 2); ok {
		t.Error("zero-byte track should not be playable")
	}
	if got := c.Gaps("v"); !slices.Equal(got, []int{2}) {
		t.Errorf("Gaps = %v, want [2]", got)
	}
}

func TestSizeInferredFromHighestIndex(t *testing.T) {
	root := t.TempDir()
	writeTracks(t, root, "a", 1, 2, 7)
	writeTracks(t, root, "b", 1, 9)

	c := newScanned(t, Options{Root: root})

	if c.Size() != 9 {
		t.Errorf("Size() = %d, want 9", c.Size())
	}
	if got := c.Gaps("a"); !slices.Equal(got, []int{3, 4, 5, 6, 8, 9}) {
		t.Errorf("Gaps(a) = %v", got)
	}
}

func TestNextSkipsGapsAndWraps(t *testing.T) {
	root := t.TempDir()
	writeTracks(t, root, "v", 1, 2, 4, 6)
	c := newScanned(t, Options{Root: root, Size: 6})

	tests := []struct {
		index  int
		wrap   bool
		want   int
		wantOK bool
	}{
		{1, false, 2, true},
		{2, false, 4, true},
		{3, false, 4, true},
		{6, false, 0, false},
		{6, true, 1, true},
		{0, false, 1, true},
	}
	for _, tt := range tests {
		got, ok := c.Next("v", tt.index, tt.wrap)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("Next(v, %d, %v) = %d,%v want %d,%v", tt.index, tt.wrap, got, ok, tt.want, tt.wantOK)
		}
	}
	if _, ok := c.Next("missing", 1, true); ok {
		t.Error("Next on unknown variant should fail")
	}
}

func TestTrackLookup(t *testing.T) {
	root := t.TempDir()
	writeTracks(t, root, "v", 1, 2)
	c := newScanned(t, Options{Root: root})

	tr, ok := c.Track("v", 2)
	if !ok {
		t.Fatal("Track(v, 2) not found")
	}
	if tr.Index != 2 || tr.Variant != "v" || filepath.Base(tr.Path) != "002.mp3" {
		t.Errorf("Track = %+v", tr)
	}
	if _, ok := c.Track("v", 3); ok {
		t.Error("Track(v, 3) should not exist")
	}
}

func TestScanMissingRootFails(t *testing.T) {
	c := New(Options{Root: filepath.Join(t.TempDir(), "nope")})
	if err := c.Scan(context.Background()); err == nil {
		t.Error("Scan of missing root should fail")
	}
}

type countingProber struct {
	calls int
	d     time.Duration
}

func (p *countingProber) Probe(ctx context.Context, path string) (time.Duration, error) {
	p.calls++
	return p.d, nil
}

func TestDurationIsCached(t *testing.T) {
	root := t.TempDir()
	writeTracks(t, root, "v", 1)
	p := &countingProber{d: 90 * time.Second}
	c := newScanned(t, Options{Root: root, Prober: p})

	tr, _ := c.Track("v", 1)
	for i := 0; i < 3; i++ {
		d, err := c.Duration(context.Background(), tr)
		if err != nil || d != 90*time.Second {
			t.Fatalf("Duration = %v, %v", d, err)
		}
	}
	if p.calls != 1 {
		t.Errorf("prober called %d times, want 1", p.calls)
	}
}

func TestWatchRescansOnNewFile(t *testing.T) {
	root := t.TempDir()
	writeTracks(t, root, "v", 1, 3)
	c := newScanned(t, Options{Root: root, Size: 3})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 4)
	go c.Watch(ctx, 50*time.Millisecond, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)
	writeTracks(t, root, "v", 2)

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("catalog was not rescanned after a new file appeared")
	}
	if _, ok := c.Track("v", 2); !ok {
		t.Error("track 2 should be playable after rescan")
	}
	if got := c.Gaps("v"); len(got) != 0 {
		t.Errorf("Gaps after rescan = %v, want none", got)
	}
}
