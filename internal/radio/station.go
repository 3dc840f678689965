// Package radio is the surface external collaborators (dashboards, command
// handlers) use. It reads state and forwards mutation requests; it never
// touches the state file or the transport directly.
package radio

import (
	"context"
	"errors"
	"fmt"

	"github.com/satindergrewal/qariradio/internal/backup"
	"github.com/satindergrewal/qariradio/internal/health"
	"github.com/satindergrewal/qariradio/internal/history"
	"github.com/satindergrewal/qariradio/internal/playback"
	"github.com/satindergrewal/qariradio/internal/state"
	"github.com/satindergrewal/qariradio/internal/voice"
)

// Player is the playback.Sequencer surface.
type Player interface {
	Skip()
	Pause()
	Resume()
	SetVariant(ctx context.Context, variant string) error
	SetMode(ctx context.Context, m state.Mode) error
	Seek(ctx context.Context, track int, position float64) error
	Restore(ps state.PlaybackState)
	Current() playback.Status
}

// Store is the state.Store surface.
type Store interface {
	Current() state.Document
	Persisted() state.Document
	ListSnapshots() ([]state.SnapshotMetadata, error)
	RestoreCandidates() ([]state.SnapshotMetadata, error)
	Restore(ctx context.Context, id string) (state.Document, error)
}

// Session reports the voice session. voice.Manager satisfies it.
type Session interface {
	Status() voice.Status
}

// HealthSource reports connection health. health.Monitor satisfies it.
type HealthSource interface {
	Snapshot() health.Snapshot
}

// Backups takes manual snapshots. backup.Scheduler satisfies it.
type Backups interface {
	CreateManualSnapshot(ctx context.Context, description string) (backup.Result, error)
}

// Catalog describes what can be played. catalog.Catalog satisfies it.
type Catalog interface {
	Variants() []string
	Size() int
	Gaps(variant string) []int
}

// History queries the play ledger. history.Ledger satisfies it.
type History interface {
	Recent(ctx context.Context, limit int) ([]history.Play, error)
	TopTracks(ctx context.Context, variant string, limit int) ([]history.TrackCount, error)
}

// Components wires a Station. History may be nil.
type Components struct {
	Player  Player
	Store   Store
	Session Session
	Health  HealthSource
	Backups Backups
	Catalog Catalog
	History History
}

// ErrNoHistory is returned by History when no ledger is configured.
var ErrNoHistory = errors.New("play history not available")

// CurrentState is what is playing and how the station is doing.
type CurrentState struct {
	Playback   state.PlaybackState `json:"playback"`
	Paused     bool                `json:"paused"`
	Ended      bool                `json:"ended"`
	Duration   float64             `json:"duration"`
	Statistics state.Statistics    `json:"statistics"`
	Session    voice.Status        `json:"session"`
	Variants   []string            `json:"variants"`
	Tracks     int                 `json:"tracks"`
	Gaps       []int               `json:"gaps,omitempty"`
}

// HealthReport pairs the health verdict with the last state known to be on
// disk, so a degraded station can still be displayed meaningfully.
type HealthReport struct {
	Verdict       health.Verdict  `json:"verdict"`
	Health        health.Snapshot `json:"health"`
	Session       voice.State     `json:"session_state"`
	LastKnownGood state.Document  `json:"last_known_good"`
}

// HistoryReport is recent plays plus the most played tracks of the current
// variant.
type HistoryReport struct {
	Recent []history.Play       `json:"recent"`
	Top    []history.TrackCount `json:"top"`
}

// Station composes the running components.
type Station struct {
	c Components
}

// New creates a station over c.
func New(c Components) *Station {
	return &Station{c: c}
}

// GetCurrentState returns the live playback state.
func (s *Station) GetCurrentState() CurrentState {
	st := s.c.Player.Current()
	return CurrentState{
		Playback:   st.Playback,
		Paused:     st.Paused,
		Ended:      st.Ended,
		Duration:   st.Duration,
		Statistics: s.c.Store.Current().Statistics,
		Session:    s.c.Session.Status(),
		Variants:   s.c.Catalog.Variants(),
		Tracks:     s.c.Catalog.Size(),
		Gaps:       s.c.Catalog.Gaps(st.Playback.Variant),
	}
}

// GetHealth returns the last health verdict.
func (s *Station) GetHealth() HealthReport {
	h := s.c.Health.Snapshot()
	return HealthReport{
		Verdict:       h.Verdict,
		Health:        h,
		Session:       s.c.Session.Status().State,
		LastKnownGood: s.c.Store.Persisted(),
	}
}

func (s *Station) Skip()   { s.c.Player.Skip() }
func (s *Station) Pause()  { s.c.Player.Pause() }
func (s *Station) Resume() { s.c.Player.Resume() }

// SetVariant switches reciter at the same track and position.
func (s *Station) SetVariant(ctx context.Context, variant string) error {
	return s.c.Player.SetVariant(ctx, variant)
}

// SetMode parses loop and applies it with shuffle.
func (s *Station) SetMode(ctx context.Context, loop string, shuffle bool) error {
	l, err := state.ParseLoopMode(loop)
	if err != nil {
		return err
	}
	return s.c.Player.SetMode(ctx, state.Mode{Loop: l, Shuffle: shuffle})
}

// Seek jumps to track at position seconds.
func (s *Station) Seek(ctx context.Context, track int, position float64) error {
	return s.c.Player.Seek(ctx, track, position)
}

// CreateManualSnapshot archives the current state on request.
func (s *Station) CreateManualSnapshot(ctx context.Context, description string) (state.SnapshotMetadata, error) {
	res, err := s.c.Backups.CreateManualSnapshot(ctx, description)
	if err != nil {
		return state.SnapshotMetadata{}, err
	}
	return res.Snapshot, nil
}

// ListSnapshots returns every archive, newest first.
func (s *Station) ListSnapshots() ([]state.SnapshotMetadata, error) {
	return s.c.Store.ListSnapshots()
}

// RestoreCandidates returns the archives that pass verification, newest
// first.
func (s *Station) RestoreCandidates() ([]state.SnapshotMetadata, error) {
	return s.c.Store.RestoreCandidates()
}

// RestoreSnapshot replaces the playback state with a verified snapshot and
// moves playback there.
func (s *Station) RestoreSnapshot(ctx context.Context, id string) (state.PlaybackState, error) {
	doc, err := s.c.Store.Restore(ctx, id)
	if err != nil {
		return state.PlaybackState{}, err
	}
	s.c.Player.Restore(doc.Playback)
	return doc.Playback, nil
}

// History returns recent plays and the most played tracks.
func (s *Station) History(ctx context.Context, limit int) (HistoryReport, error) {
	if s.c.History == nil {
		return HistoryReport{}, ErrNoHistory
	}
	if limit <= 0 {
		limit = 20
	}
	recent, err := s.c.History.Recent(ctx, limit)
	if err != nil {
		return HistoryReport{}, fmt.Errorf("recent plays: %w", err)
	}
	top, err := s.c.History.TopTracks(ctx, s.c.Player.Current().Playback.Variant, limit)
	if err != nil {
		return HistoryReport{}, fmt.Errorf("top tracks: %w", err)
	}
	return HistoryReport{Recent: recent, Top: top}, nil
}
