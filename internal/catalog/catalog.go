// Package catalog indexes the recitation tracks on disk. Each voice variant
// is a directory of sequentially numbered, zero-padded audio files
// (001.mp3, 002.mp3, ...). Missing or empty files are recorded as gaps.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrUnknownVariant is returned for a variant with no directory or no tracks.
var ErrUnknownVariant = errors.New("unknown voice variant")

// Track is a single audio file in a variant.
type Track struct {
	Variant string
	Index   int // 1-based catalog position
	Path    string
	Size    int64
}

// Prober reads a track's duration. audio.Prober satisfies it.
type Prober interface {
	Probe(ctx context.Context, path string) (time.Duration, error)
}

// Options configures a catalog.
type Options struct {
	Root   string
	Size   int    // expected tracks per variant; 0 infers from the highest index found
	Ext    string // ".mp3"
	Digits int    // zero-padding width of file names
	Prober Prober // optional
}

type variant struct {
	name   string
	tracks map[int]Track
	gaps   []int
}

// Catalog is a read-mostly index, safe for concurrent use. Scan replaces the
// index atomically.
type Catalog struct {
	opts Options

	mu       sync.RWMutex
	variants map[string]*variant
	size     int

	durMu     sync.Mutex
	durations map[string]time.Duration
}

// New creates an empty catalog. Call Scan before use.
func New(opts Options) *Catalog {
	if opts.Ext == "" {
		opts.Ext = ".mp3"
	}
	if !strings.HasPrefix(opts.Ext, ".") {
		opts.Ext = "." + opts.Ext
	}
	if opts.Digits <= 0 {
		opts.Digits = 3
	}
	return &Catalog{
		opts:      opts,
		variants:  make(map[string]*variant),
		durations: make(map[string]time.Duration),
	}
}

// FileName returns the on-disk name for a track index.
func (c *Catalog) FileName(index int) string {
	return fmt.Sprintf("%0*d%s", c.opts.Digits, index, c.opts.Ext)
}

// Scan rebuilds the index from disk. Gaps are logged, not returned as errors.
func (c *Catalog) Scan(ctx context.Context) error {
	entries, err := os.ReadDir(c.opts.Root)
	if err != nil {
		return fmt.Errorf("read catalog root: %w", err)
	}

	found := make(map[string]*variant)
	maxIndex := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		v, highest, err := c.scanVariant(e.Name())
		if err != nil {
			log.Printf("CATALOG: skipping variant %s: %v", e.Name(), err)
			continue
		}
		if len(v.tracks) == 0 {
			log.Printf("CATALOG: variant %s has no tracks", e.Name())
			continue
		}
		found[v.name] = v
		maxIndex = max(maxIndex, highest)
	}

	size := c.opts.Size
	if size <= 0 {
		size = maxIndex
	}
	for _, v := range found {
		v.gaps = v.gaps[:0]
		for i := 1; i <= size; i++ {
			if _, ok := v.tracks[i]; !ok {
				v.gaps = append(v.gaps, i)
			}
		}
		if len(v.gaps) > 0 {
			log.Printf("CATALOG: variant %s missing %d of %d tracks: %s", v.name, len(v.gaps), size, formatGaps(v.gaps))
		}
	}

	c.mu.Lock()
	c.variants = found
	c.size = size
	c.mu.Unlock()

	// Files may have been replaced in place.
	c.durMu.Lock()
	c.durations = make(map[string]time.Duration)
	c.durMu.Unlock()

	log.Printf("CATALOG: indexed %d variants, %d tracks each", len(found), size)
	return nil
}

func (c *Catalog) scanVariant(name string) (*variant, int, error) {
	dir := filepath.Join(c.opts.Root, name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, err
	}

	v := &variant{name: name, tracks: make(map[int]Track)}
	highest := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		index, ok := c.parseIndex(e.Name())
		if !ok {
			continue
		}
		if c.opts.Size > 0 && index > c.opts.Size {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Size() == 0 {
			log.Printf("CATALOG: %s/%s is empty, treating as missing", name, e.Name())
			continue
		}
		v.tracks[index] = Track{
			Variant: name,
			Index:   index,
			Path:    filepath.Join(dir, e.Name()),
			Size:    info.Size(),
		}
		highest = max(highest, index)
	}
	return v, highest, nil
}

func (c *Catalog) parseIndex(fileName string) (int, bool) {
	if !strings.EqualFold(filepath.Ext(fileName), c.opts.Ext) {
		return 0, false
	}
	stem := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	if len(stem) < c.opts.Digits {
		return 0, false
	}
	for _, r := range stem {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(stem)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// Variants returns the names of variants with at least one track, sorted.
func (c *Catalog) Variants() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.variants))
	for name := range c.variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasVariant reports whether the variant has any playable tracks.
func (c *Catalog) HasVariant(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.variants[name]
	return ok
}

// Size is the catalog length: configured, or the highest index seen.
func (c *Catalog) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}

// Track looks up a playable track.
func (c *Catalog) Track(variantName string, index int) (Track, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variants[variantName]
	if !ok {
		return Track{}, false
	}
	t, ok := v.tracks[index]
	return t, ok
}

// Gaps returns the missing indices of a variant.
func (c *Catalog) Gaps(variantName string) []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variants[variantName]
	if !ok {
		return nil
	}
	return slices.Clone(v.gaps)
}

// Available returns the playable indices of a variant in order.
func (c *Catalog) Available(variantName string) []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variants[variantName]
	if !ok {
		return nil
	}
	out := make([]int, 0, len(v.tracks))
	for i := range v.tracks {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// First returns the lowest playable index.
func (c *Catalog) First(variantName string) (int, bool) {
	avail := c.Available(variantName)
	if len(avail) == 0 {
		return 0, false
	}
	return avail[0], true
}

// Next returns the next playable index after index. At the end of the
// catalog it wraps to the first track only when wrap is set.
func (c *Catalog) Next(variantName string, index int, wrap bool) (int, bool) {
	avail := c.Available(variantName)
	if len(avail) == 0 {
		return 0, false
	}
	pos := sort.SearchInts(avail, index+1)
	if pos < len(avail) {
		return avail[pos], true
	}
	if wrap {
		return avail[0], true
	}
	return 0, false
}

// Duration returns the probed length of a track, cached per path.
// Without a prober it returns 0, meaning unknown.
func (c *Catalog) Duration(ctx context.Context, t Track) (time.Duration, error) {
	if c.opts.Prober == nil {
		return 0, nil
	}

	c.durMu.Lock()
	d, ok := c.durations[t.Path]
	c.durMu.Unlock()
	if ok {
		return d, nil
	}

	d, err := c.opts.Prober.Probe(ctx, t.Path)
	if err != nil {
		return 0, err
	}

	c.durMu.Lock()
	c.durations[t.Path] = d
	c.durMu.Unlock()
	return d, nil
}

func formatGaps(gaps []int) string {
	const shown = 12
	parts := make([]string, 0, min(len(gaps), shown))
	for i, g := range gaps {
		if i == shown {
			break
		}
		parts = append(parts, strconv.Itoa(g))
	}
	s := strings.Join(parts, ",")
	if len(gaps) > shown {
		s += fmt.Sprintf(",... (+%d)", len(gaps)-shown)
	}
	return s
}
