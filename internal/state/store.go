package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/satindergrewal/qariradio/internal/metrics"
)

// ErrNoUsableState is returned by Load when the canonical file, every
// snapshot and the defaults are all unavailable.
var ErrNoUsableState = errors.New("no usable state")

// LoadSource says where Load found the state it returned.
type LoadSource string

const (
	SourceCanonical LoadSource = "canonical"
	SourceSnapshot  LoadSource = "snapshot"
	SourceDefaults  LoadSource = "defaults"
)

// Options configures a Store.
type Options struct {
	Path        string        // canonical state file
	SnapshotDir string        // archive directory
	Debounce    time.Duration // max delay between an update and its write

	// Defaults supplies the state used when nothing on disk is usable.
	// Nil means there are no defaults.
	Defaults func() PlaybackState

	// Fixup adjusts a loaded state before it is used, e.g. to replace a
	// track or variant the catalog no longer has.
	Fixup func(PlaybackState) PlaybackState
}

// Store owns the canonical state file. All methods are safe for concurrent
// use; at most one write is in flight at a time.
type Store struct {
	opts  Options
	snaps *snapshotDir

	mu        sync.Mutex
	cur       Document // latest in-memory state
	persisted Document // what the canonical file holds
	dirty     bool
	writes    int

	rename func(oldpath, newpath string) error
	now    func() time.Time
}

// NewStore creates a store and clears temp files left by an interrupted write.
func NewStore(opts Options) *Store {
	if opts.Debounce <= 0 {
		opts.Debounce = 10 * time.Second
	}
	s := &Store{
		opts:   opts,
		rename: os.Rename,
		now:    time.Now,
	}
	s.snaps = &snapshotDir{dir: opts.SnapshotDir, rename: func(o, n string) error { return s.rename(o, n) }}
	removeStaleTemps(opts.Path)
	return s
}

// Load returns the most trustworthy state available: the canonical file, else
// the newest verified snapshot, else the defaults. Statistics are merged
// across every verified snapshot so they never go backwards. When the result
// did not come from the canonical file as-is, it is written back.
func (s *Store) Load(ctx context.Context) (Document, LoadSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var def PlaybackState
	if s.opts.Defaults != nil {
		def = s.opts.Defaults()
	}

	source := SourceCanonical
	doc, err := s.readCanonical()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Printf("STATE: no state file at %s", s.opts.Path)
		} else {
			log.Printf("STATE: state file unusable: %v", err)
		}
	}

	snaps, _ := s.verifiedSnapshots()
	if err != nil {
		switch {
		case len(snaps) > 0:
			doc = snaps[0].doc
			source = SourceSnapshot
			log.Printf("STATE: recovered from snapshot %s", snaps[0].meta.ID)
		case s.opts.Defaults != nil:
			doc = Document{Playback: def}
			source = SourceDefaults
			log.Printf("STATE: starting from defaults")
		default:
			return Document{}, "", ErrNoUsableState
		}
	}
	for _, sn := range snaps {
		doc.Statistics = doc.Statistics.Merge(sn.doc.Statistics)
	}
	doc.Statistics = doc.Statistics.Merge(s.cur.Statistics)

	loaded := doc
	doc.Playback = doc.Playback.withDefaults(def)
	if s.opts.Fixup != nil {
		doc.Playback = s.opts.Fixup(doc.Playback)
	}

	s.cur = doc
	if source == SourceCanonical && doc == loaded {
		s.persisted = doc
		s.dirty = false
	} else if err := s.writeLocked(ctx, doc); err != nil {
		// Resume from what was loaded; Run keeps retrying the write.
		log.Printf("STATE: rewrite after load failed: %v", err)
		s.persisted = doc
	}
	return doc, source, nil
}

type loadedSnapshot struct {
	meta SnapshotMetadata
	doc  Document
}

func (s *Store) verifiedSnapshots() ([]loadedSnapshot, error) {
	metas, err := s.snaps.list()
	if err != nil {
		return nil, err
	}
	var out []loadedSnapshot
	for _, m := range metas {
		if !m.Verified {
			continue
		}
		meta, doc, err := s.snaps.verify(m.ID)
		if err != nil {
			continue
		}
		out = append(out, loadedSnapshot{meta: meta, doc: doc})
	}
	return out, nil
}

func (s *Store) readCanonical() (Document, error) {
	data, err := os.ReadFile(s.opts.Path)
	if err != nil {
		return Document{}, err
	}
	return decodeDocument(data)
}

// Save replaces the whole document and writes it. Statistics never decrease:
// each counter keeps the larger of the stored and given values.
func (s *Store) Save(ctx context.Context, doc Document) error {
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	doc.Playback.UpdatedAt = doc.Playback.UpdatedAt.UTC().Round(0)
	s.mu.Lock()
	defer s.mu.Unlock()
	doc.Statistics = doc.Statistics.Merge(s.cur.Statistics)
	s.cur = doc
	return s.writeLocked(ctx, doc)
}

// UpdatePlayback changes the in-memory playback state. The change is written
// by the next Flush.
func (s *Store) UpdatePlayback(fn func(*PlaybackState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.cur.Playback)
	s.cur.Playback.UpdatedAt = s.now().UTC()
	s.dirty = true
}

// SavePlayback changes the playback state and writes it immediately. Used on
// track boundaries and mode changes.
func (s *Store) SavePlayback(ctx context.Context, fn func(*PlaybackState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.cur.Playback)
	s.cur.Playback.UpdatedAt = s.now().UTC()
	s.dirty = true
	return s.writeLocked(ctx, s.cur)
}

// AddStatistics accumulates counters in memory.
func (s *Store) AddStatistics(delta Statistics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Statistics = s.cur.Statistics.Add(delta)
	s.dirty = true
}

// BeginSession records a new voice session and writes it.
func (s *Store) BeginSession(ctx context.Context, sessionID string, reconnect bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Playback.SessionID = sessionID
	s.cur.Playback.UpdatedAt = s.now().UTC()
	s.cur.Statistics.Sessions++
	if reconnect {
		s.cur.Statistics.Reconnects++
	}
	s.dirty = true
	return s.writeLocked(ctx, s.cur)
}

// Current returns the latest in-memory state.
func (s *Store) Current() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Persisted returns the state last written to the canonical file. Until a
// write succeeds it is the state Load settled on.
func (s *Store) Persisted() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persisted
}

// Flush writes pending changes, if any.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.writeLocked(ctx, s.cur)
}

// Run flushes every debounce interval until ctx is cancelled, then flushes
// once more so a clean shutdown loses nothing.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Debounce)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(context.Background()); err != nil {
				log.Printf("STATE: final flush failed: %v", err)
			}
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil && ctx.Err() == nil {
				log.Printf("STATE: flush failed: %v", err)
			}
		}
	}
}

func (s *Store) writeLocked(ctx context.Context, doc Document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	err = writeFileAtomic(ctx, s.opts.Path, data, s.rename)
	metrics.StateWrites.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		s.dirty = true
		return err
	}
	s.persisted = doc
	s.dirty = s.cur != doc
	s.writes++
	return nil
}

// CreateSnapshot archives the current in-memory state.
func (s *Store) CreateSnapshot(ctx context.Context, kind SnapshotKind, description string) (SnapshotMetadata, error) {
	s.mu.Lock()
	doc := s.cur
	now := s.now()
	s.mu.Unlock()

	data, err := yaml.Marshal(doc)
	if err != nil {
		return SnapshotMetadata{}, fmt.Errorf("encode snapshot: %w", err)
	}
	meta, err := s.snaps.create(ctx, kind, description, data, now)
	metrics.Snapshots.WithLabelValues(string(kind), metrics.Result(err)).Inc()
	if err != nil {
		return SnapshotMetadata{}, fmt.Errorf("create snapshot: %w", err)
	}
	log.Printf("STATE: snapshot %s (%s, %d bytes)", meta.ID, kind, meta.ArchiveSize)
	return meta, nil
}

// VerifySnapshot checks an archive's integrity and returns its metadata.
func (s *Store) VerifySnapshot(id string) (SnapshotMetadata, error) {
	meta, _, err := s.snaps.verify(id)
	return meta, err
}

// ListSnapshots returns every archive, newest first, verified or not.
func (s *Store) ListSnapshots() ([]SnapshotMetadata, error) {
	return s.snaps.list()
}

// RestoreCandidates returns only the archives that pass verification.
func (s *Store) RestoreCandidates() ([]SnapshotMetadata, error) {
	all, err := s.snaps.list()
	if err != nil {
		return nil, err
	}
	var out []SnapshotMetadata
	for _, m := range all {
		if m.Verified {
			out = append(out, m)
		}
	}
	return out, nil
}

// DeleteSnapshot removes an archive.
func (s *Store) DeleteSnapshot(id string) error {
	if err := s.snaps.remove(id); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", id, err)
	}
	return nil
}

// Restore replaces the current state with a verified snapshot. The state
// being replaced is archived first; if that fails nothing changes.
func (s *Store) Restore(ctx context.Context, id string) (Document, error) {
	_, doc, err := s.snaps.verify(id)
	if err != nil {
		return Document{}, fmt.Errorf("restore %s: %w", id, err)
	}
	if _, err := s.CreateSnapshot(ctx, KindPreRestore, "before restoring "+id); err != nil {
		return Document{}, fmt.Errorf("restore %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	doc.Statistics = doc.Statistics.Merge(s.cur.Statistics)
	if s.opts.Fixup != nil {
		doc.Playback = s.opts.Fixup(doc.Playback)
	}
	s.cur = doc
	if err := s.writeLocked(ctx, doc); err != nil {
		return Document{}, fmt.Errorf("restore %s: %w", id, err)
	}
	log.Printf("STATE: restored %s (track %d at %.1fs)", id, doc.Playback.Track, doc.Playback.Position)
	return doc, nil
}
