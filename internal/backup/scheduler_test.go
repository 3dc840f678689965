package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/satindergrewal/qariradio/internal/state"
)

type fakeStore struct {
	seq      int
	snaps    map[string]state.SnapshotMetadata
	bad      map[string]bool
	badNext  bool
	failNext error
}

func newFakeStore() *fakeStore {
	return &fakeStore{snaps: map[string]state.SnapshotMetadata{}, bad: map[string]bool{}}
}

func (f *fakeStore) CreateSnapshot(_ context.Context, kind state.SnapshotKind, desc string) (state.SnapshotMetadata, error) {
	if err := f.failNext; err != nil {
		f.failNext = nil
		return state.SnapshotMetadata{}, err
	}
	f.seq++
	m := state.SnapshotMetadata{ID: fmt.Sprintf("snapshot-%04d", f.seq), Kind: kind, Description: desc}
	f.snaps[m.ID] = m
	if f.badNext {
		f.bad[m.ID] = true
		f.badNext = false
	}
	return m, nil
}

func (f *fakeStore) VerifySnapshot(id string) (state.SnapshotMetadata, error) {
	m, ok := f.snaps[id]
	if !ok {
		return state.SnapshotMetadata{}, os.ErrNotExist
	}
	if f.bad[id] {
		return m, state.ErrSnapshotCorrupt
	}
	m.Verified = true
	return m, nil
}

func (f *fakeStore) ListSnapshots() ([]state.SnapshotMetadata, error) {
	var out []state.SnapshotMetadata
	for id := range f.snaps {
		m, err := f.VerifySnapshot(id)
		if err != nil {
			m.Err = err.Error()
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (f *fakeStore) DeleteSnapshot(id string) error {
	delete(f.snaps, id)
	return nil
}

func (f *fakeStore) ids() []string {
	var out []string
	for id := range f.snaps {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func TestRotationKeepsNewest(t *testing.T) {
	fs := newFakeStore()
	s := NewScheduler(fs, time.Hour, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
	}
	got := fs.ids()
	want := []string{"snapshot-0003", "snapshot-0004", "snapshot-0005"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("kept %v, want %v", got, want)
	}
}

func TestFailedVerificationSkipsRotation(t *testing.T) {
	fs := newFakeStore()
	s := NewScheduler(fs, time.Hour, 2)
	ctx := context.Background()
	s.RunOnce(ctx)
	s.RunOnce(ctx)

	fs.badNext = true
	if _, err := s.RunOnce(ctx); !errors.Is(err, state.ErrSnapshotCorrupt) {
		t.Fatalf("RunOnce = %v, want ErrSnapshotCorrupt", err)
	}
	got := fs.ids()
	want := []string{"snapshot-0001", "snapshot-0002"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("after bad run kept %v, want %v (bad one removed, good ones untouched)", got, want)
	}
}

func TestCreateFailureDeletesNothing(t *testing.T) {
	fs := newFakeStore()
	s := NewScheduler(fs, time.Hour, 1)
	ctx := context.Background()
	s.RunOnce(ctx)

	fs.failNext = errors.New("disk full")
	if _, err := s.RunOnce(ctx); err == nil {
		t.Fatal("RunOnce should fail")
	}
	if got := fs.ids(); len(got) != 1 || got[0] != "snapshot-0001" {
		t.Errorf("kept %v, want the original snapshot", got)
	}
}

func TestUnverifiableArchivesRemoved(t *testing.T) {
	fs := newFakeStore()
	s := NewScheduler(fs, time.Hour, 5)
	ctx := context.Background()
	s.RunOnce(ctx)
	s.RunOnce(ctx)
	fs.bad["snapshot-0001"] = true

	res, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Deleted) != 1 || res.Deleted[0] != "snapshot-0001" {
		t.Errorf("Deleted = %v, want [snapshot-0001]", res.Deleted)
	}
	if !res.Snapshot.Verified {
		t.Error("result snapshot should be verified")
	}
}

func TestManualSnapshotRotates(t *testing.T) {
	fs := newFakeStore()
	s := NewScheduler(fs, time.Hour, 1)
	ctx := context.Background()
	s.RunOnce(ctx)

	res, err := s.CreateManualSnapshot(ctx, "before reciter change")
	if err != nil {
		t.Fatal(err)
	}
	if res.Snapshot.Kind != state.KindManual || res.Snapshot.Description != "before reciter change" {
		t.Errorf("snapshot = %+v", res.Snapshot)
	}
	if got := fs.ids(); len(got) != 1 || got[0] != res.Snapshot.ID {
		t.Errorf("kept %v, want only %s", got, res.Snapshot.ID)
	}
}

// --- Against the real store ---

func TestSchedulerWithStateStore(t *testing.T) {
	dir := t.TempDir()
	snapDir := filepath.Join(dir, "snapshots")
	st := state.NewStore(state.Options{
		Path:        filepath.Join(dir, "state.yaml"),
		SnapshotDir: snapDir,
		Debounce:    time.Second,
		Defaults: func() state.PlaybackState {
			return state.PlaybackState{Track: 1, Variant: "alafasy", Mode: state.Mode{Loop: state.LoopCatalog}}
		},
	})
	ctx := context.Background()
	if _, _, err := st.Load(ctx); err != nil {
		t.Fatal(err)
	}

	s := NewScheduler(st, time.Hour, 2)
	var first string
	for i := 0; i < 4; i++ {
		res, err := s.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
		if i == 0 {
			first = res.Snapshot.ID
		}
	}
	list, err := st.ListSnapshots()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("len(ListSnapshots) = %d, want 2", len(list))
	}
	for _, m := range list {
		if m.ID == first {
			t.Errorf("oldest snapshot %s survived rotation", first)
		}
		if !m.Verified {
			t.Errorf("%s not verified: %s", m.ID, m.Err)
		}
	}

	// Truncate the older survivor; the next run removes it.
	older := list[1].ID
	path := filepath.Join(snapDir, older+".tar.zst")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	os.WriteFile(path, data[:len(data)/2], 0o644)

	res, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, id := range res.Deleted {
		if id == older {
			found = true
		}
	}
	if !found {
		t.Errorf("Deleted = %v, want it to include truncated %s", res.Deleted, older)
	}
	cands, _ := st.RestoreCandidates()
	if len(cands) != 2 {
		t.Errorf("len(RestoreCandidates) = %d, want 2", len(cands))
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	fs := newFakeStore()
	s := NewScheduler(fs, time.Hour, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
