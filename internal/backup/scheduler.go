// Package backup takes periodic snapshots of the playback state and keeps a
// bounded number of them. A new snapshot is verified before anything older is
// deleted, so a run that produces a bad archive never costs a good one.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/satindergrewal/qariradio/internal/state"
)

// SnapshotStore is the part of state.Store the scheduler drives.
type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, kind state.SnapshotKind, description string) (state.SnapshotMetadata, error)
	VerifySnapshot(id string) (state.SnapshotMetadata, error)
	ListSnapshots() ([]state.SnapshotMetadata, error)
	DeleteSnapshot(id string) error
}

// Result reports one backup run.
type Result struct {
	Snapshot state.SnapshotMetadata `json:"snapshot"`
	Deleted  []string               `json:"deleted,omitempty"`
}

// Scheduler owns the snapshot cadence and retention.
type Scheduler struct {
	store     SnapshotStore
	interval  time.Duration
	retention int
}

// NewScheduler creates a scheduler that snapshots every interval and keeps
// the newest retention verified archives.
func NewScheduler(store SnapshotStore, interval time.Duration, retention int) *Scheduler {
	if retention < 1 {
		retention = 1
	}
	return &Scheduler{store: store, interval: interval, retention: retention}
}

// RunOnce takes a scheduled snapshot and rotates.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	return s.snapshot(ctx, state.KindScheduled, "scheduled backup")
}

// CreateManualSnapshot takes an operator snapshot and rotates.
func (s *Scheduler) CreateManualSnapshot(ctx context.Context, description string) (Result, error) {
	return s.snapshot(ctx, state.KindManual, description)
}

func (s *Scheduler) snapshot(ctx context.Context, kind state.SnapshotKind, description string) (Result, error) {
	meta, err := s.store.CreateSnapshot(ctx, kind, description)
	if err != nil {
		return Result{}, err
	}
	verified, err := s.store.VerifySnapshot(meta.ID)
	if err != nil {
		log.Printf("BACKUP: new snapshot %s failed verification, removing it: %v", meta.ID, err)
		if derr := s.store.DeleteSnapshot(meta.ID); derr != nil {
			log.Printf("BACKUP: %v", derr)
		}
		return Result{}, fmt.Errorf("verify %s: %w", meta.ID, err)
	}

	deleted, err := s.rotate(meta.ID)
	return Result{Snapshot: verified, Deleted: deleted}, err
}

// rotate keeps the newest retention verified archives, always including
// keepID, and deletes the rest along with anything unverifiable.
func (s *Scheduler) rotate(keepID string) ([]string, error) {
	all, err := s.store.ListSnapshots()
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	var deleted []string
	var errs []error
	kept := 0
	for _, m := range all {
		keep := m.ID == keepID || (m.Verified && kept < s.retention)
		if keep {
			kept++
			continue
		}
		if err := s.store.DeleteSnapshot(m.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		if m.Verified {
			log.Printf("BACKUP: rotated out %s", m.ID)
		} else {
			log.Printf("BACKUP: removed unverifiable %s: %s", m.ID, m.Err)
		}
		deleted = append(deleted, m.ID)
	}
	return deleted, errors.Join(errs...)
}

// Run snapshots on every interval until ctx is cancelled. Failures are
// logged and retried at the next tick.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.RunOnce(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("BACKUP: scheduled snapshot failed: %v", err)
				}
				continue
			}
			log.Printf("BACKUP: %s ok, %d rotated out", res.Snapshot.ID, len(res.Deleted))
		}
	}
}
