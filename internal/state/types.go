// Package state persists playback position, session metadata and cumulative
// statistics. The canonical file is replaced only by atomic rename; snapshot
// archives back it up and are verified before anything trusts them.
package state

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// LoopMode selects what happens at a track boundary.
type LoopMode string

const (
	LoopOff     LoopMode = "off"
	LoopTrack   LoopMode = "track"
	LoopCatalog LoopMode = "catalog"
)

// ParseLoopMode validates a loop mode name.
func ParseLoopMode(s string) (LoopMode, error) {
	switch m := LoopMode(s); m {
	case LoopOff, LoopTrack, LoopCatalog:
		return m, nil
	}
	return "", fmt.Errorf("unknown loop mode %q", s)
}

// Mode holds the playback mode flags.
type Mode struct {
	Loop    LoopMode `yaml:"loop" json:"loop"`
	Shuffle bool     `yaml:"shuffle" json:"shuffle"`
}

// PlaybackState is where playback is, and how it proceeds.
type PlaybackState struct {
	Track     int       `yaml:"track" json:"track"`
	Position  float64   `yaml:"position" json:"position"` // seconds into Track
	Variant   string    `yaml:"variant" json:"variant"`
	Mode      Mode      `yaml:"mode" json:"mode"`
	SessionID string    `yaml:"session_id" json:"session_id"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
}

// Statistics are cumulative counters. They never decrease.
type Statistics struct {
	TotalPlaySeconds float64 `yaml:"total_play_seconds" json:"total_play_seconds"`
	Sessions         int64   `yaml:"sessions" json:"sessions"`
	TracksCompleted  int64   `yaml:"tracks_completed" json:"tracks_completed"`
	Reconnects       int64   `yaml:"reconnects" json:"reconnects"`
}

// Merge keeps the larger value of every counter.
func (s Statistics) Merge(o Statistics) Statistics {
	return Statistics{
		TotalPlaySeconds: math.Max(s.TotalPlaySeconds, o.TotalPlaySeconds),
		Sessions:         max(s.Sessions, o.Sessions),
		TracksCompleted:  max(s.TracksCompleted, o.TracksCompleted),
		Reconnects:       max(s.Reconnects, o.Reconnects),
	}
}

// Add accumulates a delta. Negative deltas are ignored.
func (s Statistics) Add(d Statistics) Statistics {
	return Statistics{
		TotalPlaySeconds: s.TotalPlaySeconds + math.Max(d.TotalPlaySeconds, 0),
		Sessions:         s.Sessions + max(d.Sessions, 0),
		TracksCompleted:  s.TracksCompleted + max(d.TracksCompleted, 0),
		Reconnects:       s.Reconnects + max(d.Reconnects, 0),
	}
}

// Document is the on-disk layout of the canonical state file. Unknown fields
// are ignored and missing ones take defaults, so older and newer files load.
type Document struct {
	Playback   PlaybackState `yaml:"playback" json:"playback"`
	Statistics Statistics    `yaml:"statistics" json:"statistics"`
}

// Validate rejects values no writer of this file could have produced.
func (d Document) Validate() error {
	var errs []error
	p := d.Playback
	if p.Track < 0 {
		errs = append(errs, fmt.Errorf("track %d is negative", p.Track))
	}
	if p.Position < 0 || math.IsNaN(p.Position) || math.IsInf(p.Position, 0) {
		errs = append(errs, fmt.Errorf("position %v out of range", p.Position))
	}
	if p.Mode.Loop != "" {
		if _, err := ParseLoopMode(string(p.Mode.Loop)); err != nil {
			errs = append(errs, err)
		}
	}
	st := d.Statistics
	if st.TotalPlaySeconds < 0 || math.IsNaN(st.TotalPlaySeconds) || st.Sessions < 0 || st.TracksCompleted < 0 || st.Reconnects < 0 {
		errs = append(errs, errors.New("negative statistics"))
	}
	return errors.Join(errs...)
}

// withDefaults fills fields a missing key left at the zero value.
func (p PlaybackState) withDefaults(def PlaybackState) PlaybackState {
	if p.Track == 0 {
		p.Track = def.Track
		p.Position = 0
	}
	if p.Variant == "" {
		p.Variant = def.Variant
	}
	if p.Mode.Loop == "" {
		p.Mode.Loop = def.Mode.Loop
	}
	return p
}

// SnapshotKind records why a snapshot was taken.
type SnapshotKind string

const (
	KindScheduled  SnapshotKind = "scheduled"
	KindManual     SnapshotKind = "manual"
	KindPreRestore SnapshotKind = "pre-restore"
)

// SnapshotMetadata describes one archive. The yaml-tagged fields are the
// manifest stored inside the archive; the rest are filled in on inspection.
type SnapshotMetadata struct {
	ID          string       `yaml:"id" json:"id"`
	Kind        SnapshotKind `yaml:"kind" json:"kind"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
	CreatedAt   time.Time    `yaml:"created_at" json:"created_at"`
	Size        int64        `yaml:"size" json:"size"`         // payload bytes
	Checksum    string       `yaml:"checksum" json:"checksum"` // sha256 of payload, hex
	Format      int          `yaml:"format" json:"format"`

	ArchiveSize int64  `yaml:"-" json:"archive_size"`
	Verified    bool   `yaml:"-" json:"verified"`
	Err         string `yaml:"-" json:"error,omitempty"`
}
