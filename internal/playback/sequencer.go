// Package playback decides what plays next and where in the track playback is.
// The voice sender pulls one 20ms frame at a time with NextFrame; every
// control call (Skip, Pause, SetMode, ...) is safe from any goroutine.
package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/satindergrewal/qariradio/internal/audio"
	"github.com/satindergrewal/qariradio/internal/catalog"
	"github.com/satindergrewal/qariradio/internal/history"
	"github.com/satindergrewal/qariradio/internal/metrics"
	"github.com/satindergrewal/qariradio/internal/state"
)

var (
	// ErrPaused is returned by NextFrame while playback is paused.
	ErrPaused = errors.New("playback paused")
	// ErrCatalogEnd is returned by NextFrame after the last track when
	// looping is off.
	ErrCatalogEnd = errors.New("end of catalog")
)

// framesPerProgress is how many frames pass between in-memory position
// updates to the store (one second of audio).
const framesPerProgress = int(time.Second / audio.FrameDuration)

// maxOpenAttempts bounds how many broken tracks one NextFrame call skips.
const maxOpenAttempts = 8

// Catalog is the part of catalog.Catalog the sequencer reads.
type Catalog interface {
	HasVariant(name string) bool
	Track(variant string, index int) (catalog.Track, bool)
	Next(variant string, index int, wrap bool) (int, bool)
	Available(variant string) []int
	Duration(ctx context.Context, t catalog.Track) (time.Duration, error)
}

// Store is the part of state.Store the sequencer writes to.
type Store interface {
	Current() state.Document
	UpdatePlayback(fn func(*state.PlaybackState))
	SavePlayback(ctx context.Context, fn func(*state.PlaybackState)) error
	AddStatistics(delta state.Statistics)
}

// Source opens a track for decoding. audio.Decoder satisfies it.
type Source interface {
	Open(ctx context.Context, path string, offset time.Duration) (audio.FrameReader, error)
}

// Ledger records plays and supplies play counts. history.Ledger satisfies it.
type Ledger interface {
	RecordPlay(ctx context.Context, p history.Play) error
	PlayCounts(ctx context.Context, variant string) (map[int]int64, error)
}

// Options tunes a sequencer.
type Options struct {
	ShuffleHistory int        // recently played tracks shuffle avoids
	FadeFrames     int        // fade-in length when opening mid-track
	Ledger         Ledger     // optional
	Rand           *rand.Rand // optional, for deterministic shuffle
}

// Status is a point-in-time view of the sequencer.
type Status struct {
	Playback state.PlaybackState `json:"playback"`
	Paused   bool                `json:"paused"`
	Ended    bool                `json:"ended"`
	Duration float64             `json:"duration"` // seconds, 0 if unknown
}

// Sequencer owns the current track and position.
type Sequencer struct {
	catalog Catalog
	store   Store
	source  Source
	opts    Options
	rng     *rand.Rand

	skipCh chan struct{}

	mu       sync.Mutex
	cur      state.PlaybackState
	paused   bool
	ended    bool
	reader   audio.FrameReader
	started  time.Time // when the open track began playing
	played   float64   // seconds delivered from the open track
	duration time.Duration
	fadeIdx  int
	fadeLen  int
	recent   []int // bounded history for shuffle

	pendingFrames  int
	pendingSeconds float64
}

// NewSequencer creates a sequencer positioned at ps.
func NewSequencer(cat Catalog, store Store, src Source, ps state.PlaybackState, opts Options) *Sequencer {
	if opts.FadeFrames < 0 {
		opts.FadeFrames = 0
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Sequencer{
		catalog: cat,
		store:   store,
		source:  src,
		opts:    opts,
		rng:     rng,
		skipCh:  make(chan struct{}, 1),
		cur:     ps,
	}
}

// Skip ends the current track. Repeated calls before the next frame collapse
// into one; a skip during a track transition applies to the track that
// follows it.
func (s *Sequencer) Skip() {
	select {
	case s.skipCh <- struct{}{}:
	default:
	}
}

// Pause stops frame delivery. Idempotent.
func (s *Sequencer) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return
	}
	s.paused = true
	s.flushProgressLocked()
	log.Printf("PLAYBACK: paused at %s/%d %.1fs", s.cur.Variant, s.cur.Track, s.cur.Position)
}

// Resume restarts frame delivery. Idempotent.
func (s *Sequencer) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	log.Printf("PLAYBACK: resumed")
}

// NextFrame returns the next 20ms PCM frame. It returns ErrPaused or
// ErrCatalogEnd when there is nothing to play; callers keep their pacing and
// try again on the next tick.
func (s *Sequencer) NextFrame(ctx context.Context) ([]int16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.skipCh:
		log.Printf("PLAYBACK: skipping %s/%d", s.cur.Variant, s.cur.Track)
		s.advanceLocked(ctx, false)
	default:
	}

	if s.paused {
		return nil, ErrPaused
	}
	if s.ended {
		return nil, ErrCatalogEnd
	}

	for attempt := 0; attempt < maxOpenAttempts; attempt++ {
		if s.reader == nil {
			err := s.openLocked(ctx)
			switch {
			case err == nil:
			case errors.Is(err, errTrackFinished):
				if !s.advanceLocked(ctx, true) {
					return nil, ErrCatalogEnd
				}
				continue
			case errors.Is(err, catalog.ErrUnknownVariant), ctx.Err() != nil:
				return nil, err
			default:
				log.Printf("PLAYBACK: %v, skipping", err)
				metrics.TrackErrors.Inc()
				if !s.advanceLocked(ctx, false) {
					return nil, ErrCatalogEnd
				}
				continue
			}
		}

		frame, err := s.reader.ReadFrame()
		if errors.Is(err, io.EOF) {
			if !s.advanceLocked(ctx, true) {
				return nil, ErrCatalogEnd
			}
			continue
		}
		if err != nil {
			log.Printf("PLAYBACK: %v, skipping", err)
			metrics.TrackErrors.Inc()
			if !s.advanceLocked(ctx, false) {
				return nil, ErrCatalogEnd
			}
			continue
		}

		if s.fadeIdx < s.fadeLen {
			frame = audio.FadeIn(frame, s.fadeIdx, s.fadeLen)
			s.fadeIdx++
		}
		s.tickLocked()
		return frame, nil
	}
	return nil, fmt.Errorf("no playable track in %d attempts", maxOpenAttempts)
}

var errTrackFinished = errors.New("position past end of track")

// openLocked starts decoding the current track at the current position.
func (s *Sequencer) openLocked(ctx context.Context) error {
	if !s.catalog.HasVariant(s.cur.Variant) {
		return fmt.Errorf("%w: %q", catalog.ErrUnknownVariant, s.cur.Variant)
	}
	tr, ok := s.catalog.Track(s.cur.Variant, s.cur.Track)
	if !ok {
		return fmt.Errorf("track %s/%d missing from catalog", s.cur.Variant, s.cur.Track)
	}

	s.duration = 0
	if d, err := s.catalog.Duration(ctx, tr); err == nil {
		s.duration = d
	} else {
		log.Printf("PLAYBACK: duration of %s unknown: %v", tr.Path, err)
	}
	if s.duration > 0 && s.cur.Position >= s.duration.Seconds() {
		return errTrackFinished
	}

	offset := time.Duration(s.cur.Position * float64(time.Second))
	r, err := s.source.Open(ctx, tr.Path, offset)
	if err != nil {
		return fmt.Errorf("open %s/%d: %w", s.cur.Variant, s.cur.Track, err)
	}
	s.reader = r
	s.started = time.Now()
	s.played = 0
	s.fadeIdx, s.fadeLen = 0, 0
	if s.cur.Position > 0 {
		s.fadeLen = s.opts.FadeFrames
	}
	log.Printf("PLAYBACK: now playing %s/%d from %.1fs", s.cur.Variant, s.cur.Track, s.cur.Position)
	return nil
}

func (s *Sequencer) tickLocked() {
	step := audio.FrameDuration.Seconds()
	s.cur.Position += step
	s.played += step
	s.pendingFrames++
	s.pendingSeconds += step
	if s.pendingFrames >= framesPerProgress {
		s.flushProgressLocked()
	}
}

// flushProgressLocked pushes position and play time into the store's
// in-memory state. The store's debounce loop writes it out.
func (s *Sequencer) flushProgressLocked() {
	track, pos, variant := s.cur.Track, s.cur.Position, s.cur.Variant
	s.store.UpdatePlayback(func(p *state.PlaybackState) {
		p.Track, p.Position, p.Variant = track, pos, variant
	})
	if s.pendingSeconds > 0 {
		s.store.AddStatistics(state.Statistics{TotalPlaySeconds: s.pendingSeconds})
	}
	s.pendingFrames = 0
	s.pendingSeconds = 0
}

func (s *Sequencer) closeReaderLocked() {
	if s.reader != nil {
		s.reader.Close()
		s.reader = nil
	}
}

// finishTrackLocked closes the open track and records it in the ledger.
func (s *Sequencer) finishTrackLocked(ctx context.Context, completed bool) {
	wasOpen := s.reader != nil
	s.closeReaderLocked()
	s.flushProgressLocked()
	if completed {
		s.store.AddStatistics(state.Statistics{TracksCompleted: 1})
		metrics.TracksCompleted.Inc()
	}
	if !wasOpen || s.opts.Ledger == nil {
		return
	}
	play := history.Play{
		Variant:   s.cur.Variant,
		Track:     s.cur.Track,
		SessionID: s.store.Current().Playback.SessionID,
		StartedAt: s.started,
		Seconds:   s.played,
		Completed: completed,
	}
	if err := s.opts.Ledger.RecordPlay(ctx, play); err != nil {
		log.Printf("PLAYBACK: history: %v", err)
	}
}

// advanceLocked moves to the following track and writes the state out in
// full. natural is true when the track ran to its end. It returns false when
// there is nowhere to go.
func (s *Sequencer) advanceLocked(ctx context.Context, natural bool) bool {
	prev := s.cur.Track
	s.finishTrackLocked(ctx, natural)

	next, ok := s.pickNextLocked(ctx, natural)
	if !ok {
		s.ended = true
		log.Printf("PLAYBACK: reached end of %s, loop off", s.cur.Variant)
		s.saveLocked(ctx)
		return false
	}
	s.remember(prev)
	s.cur.Track = next
	s.cur.Position = 0
	s.saveLocked(ctx)
	return true
}

func (s *Sequencer) pickNextLocked(ctx context.Context, natural bool) (int, bool) {
	mode := s.cur.Mode
	if natural && mode.Loop == state.LoopTrack {
		if _, ok := s.catalog.Track(s.cur.Variant, s.cur.Track); ok {
			return s.cur.Track, true
		}
	}
	if mode.Shuffle {
		return s.shuffleLocked(ctx)
	}
	wrap := mode.Loop == state.LoopCatalog || mode.Loop == state.LoopTrack
	return s.catalog.Next(s.cur.Variant, s.cur.Track, wrap)
}

// shuffleLocked draws a track weighted by 1/(1+plays), excluding the most
// recently played ones.
func (s *Sequencer) shuffleLocked(ctx context.Context) (int, bool) {
	avail := s.catalog.Available(s.cur.Variant)
	if len(avail) == 0 {
		return 0, false
	}
	if len(avail) == 1 {
		return avail[0], true
	}

	// The current track plus up to ShuffleHistory recent ones, always
	// leaving at least one track to draw.
	exclude := map[int]bool{s.cur.Track: true}
	n := min(s.opts.ShuffleHistory+1, len(avail)-1)
	for i := len(s.recent) - 1; i >= 0 && len(exclude) < n; i-- {
		exclude[s.recent[i]] = true
	}

	var counts map[int]int64
	if s.opts.Ledger != nil {
		c, err := s.opts.Ledger.PlayCounts(ctx, s.cur.Variant)
		if err != nil {
			log.Printf("PLAYBACK: play counts: %v", err)
		}
		counts = c
	}

	candidates := make([]int, 0, len(avail))
	weights := make([]float64, 0, len(avail))
	total := 0.0
	for _, idx := range avail {
		if exclude[idx] {
			continue
		}
		w := 1 / (1 + float64(counts[idx]))
		candidates = append(candidates, idx)
		weights = append(weights, w)
		total += w
	}
	if len(candidates) == 0 {
		return avail[s.rng.IntN(len(avail))], true
	}

	r := s.rng.Float64() * total
	for i, w := range weights {
		if r < w {
			return candidates[i], true
		}
		r -= w
	}
	return candidates[len(candidates)-1], true
}

func (s *Sequencer) remember(track int) {
	if s.opts.ShuffleHistory <= 0 || track <= 0 {
		return
	}
	s.recent = append(s.recent, track)
	if over := len(s.recent) - s.opts.ShuffleHistory; over > 0 {
		s.recent = append(s.recent[:0], s.recent[over:]...)
	}
}

// saveLocked writes the whole playback state immediately.
func (s *Sequencer) saveLocked(ctx context.Context) {
	cur := s.cur
	err := s.store.SavePlayback(ctx, func(p *state.PlaybackState) {
		p.Track, p.Position, p.Variant, p.Mode = cur.Track, cur.Position, cur.Variant, cur.Mode
	})
	if err != nil {
		log.Printf("PLAYBACK: state write failed: %v", err)
	}
}

// SetVariant switches voice variant, keeping track and position.
func (s *Sequencer) SetVariant(ctx context.Context, variant string) error {
	if !s.catalog.HasVariant(variant) {
		return fmt.Errorf("%w: %q", catalog.ErrUnknownVariant, variant)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur.Variant == variant {
		return nil
	}
	s.finishTrackLocked(ctx, false)
	log.Printf("PLAYBACK: variant %s -> %s", s.cur.Variant, variant)
	s.cur.Variant = variant
	s.ended = false
	s.saveLocked(ctx)
	return nil
}

// SetMode changes loop and shuffle flags.
func (s *Sequencer) SetMode(ctx context.Context, m state.Mode) error {
	if _, err := state.ParseLoopMode(string(m.Loop)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur.Mode == m {
		return nil
	}
	log.Printf("PLAYBACK: mode loop=%s shuffle=%v", m.Loop, m.Shuffle)
	s.cur.Mode = m
	if s.ended && (m.Loop != state.LoopOff || m.Shuffle) {
		s.ended = false
		if next, ok := s.pickNextLocked(ctx, false); ok {
			s.cur.Track, s.cur.Position = next, 0
		}
	}
	s.saveLocked(ctx)
	return nil
}

// Seek jumps to a track and offset. The offset is clamped to the track's
// length when that is known.
func (s *Sequencer) Seek(ctx context.Context, track int, position float64) error {
	if position < 0 {
		return fmt.Errorf("negative position %v", position)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.catalog.Track(s.cur.Variant, track)
	if !ok {
		return fmt.Errorf("track %d not in variant %s", track, s.cur.Variant)
	}
	if d, err := s.catalog.Duration(ctx, tr); err == nil && d > 0 {
		position = min(position, d.Seconds())
	}
	s.finishTrackLocked(ctx, false)
	if track != s.cur.Track {
		s.remember(s.cur.Track)
	}
	s.cur.Track, s.cur.Position = track, position
	s.ended = false
	s.saveLocked(ctx)
	return nil
}

// Restore repositions the sequencer to ps, discarding any in-memory position
// newer than it. Used when a session resumes from persisted state. Play time
// not yet pushed to the store is dropped: that audio is about to replay.
func (s *Sequencer) Restore(ps state.PlaybackState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeReaderLocked()
	s.pendingFrames, s.pendingSeconds = 0, 0
	s.cur.Track, s.cur.Position, s.cur.Variant, s.cur.Mode = ps.Track, ps.Position, ps.Variant, ps.Mode
	s.ended = false
	s.store.UpdatePlayback(func(p *state.PlaybackState) {
		p.Track, p.Position, p.Variant, p.Mode = ps.Track, ps.Position, ps.Variant, ps.Mode
	})
	log.Printf("PLAYBACK: restored to %s/%d at %.1fs", ps.Variant, ps.Track, ps.Position)
}

// Checkpoint writes the current position out immediately.
func (s *Sequencer) Checkpoint(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushProgressLocked()
	cur := s.cur
	return s.store.SavePlayback(ctx, func(p *state.PlaybackState) {
		p.Track, p.Position, p.Variant, p.Mode = cur.Track, cur.Position, cur.Variant, cur.Mode
	})
}

// Close stops decoding. The sequencer can still be used afterwards; the
// next NextFrame reopens the track.
func (s *Sequencer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeReaderLocked()
}

// Current returns the current position and flags.
func (s *Sequencer) Current() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.cur
	ps.SessionID = s.store.Current().Playback.SessionID
	return Status{
		Playback: ps,
		Paused:   s.paused,
		Ended:    s.ended,
		Duration: s.duration.Seconds(),
	}
}
