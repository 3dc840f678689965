package radio

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/satindergrewal/qariradio/internal/backup"
	"github.com/satindergrewal/qariradio/internal/health"
	"github.com/satindergrewal/qariradio/internal/history"
	"github.com/satindergrewal/qariradio/internal/playback"
	"github.com/satindergrewal/qariradio/internal/state"
	"github.com/satindergrewal/qariradio/internal/voice"
)

type fakePlayer struct {
	cur      state.PlaybackState
	paused   bool
	skips    int
	restored *state.PlaybackState
}

func (p *fakePlayer) Skip()   { p.skips++ }
func (p *fakePlayer) Pause()  { p.paused = true }
func (p *fakePlayer) Resume() { p.paused = false }

func (p *fakePlayer) SetVariant(_ context.Context, v string) error {
	if v == "unknown" {
		return errors.New("unknown variant")
	}
	p.cur.Variant = v
	return nil
}

func (p *fakePlayer) SetMode(_ context.Context, m state.Mode) error {
	p.cur.Mode = m
	return nil
}

func (p *fakePlayer) Seek(_ context.Context, track int, pos float64) error {
	p.cur.Track, p.cur.Position = track, pos
	return nil
}

func (p *fakePlayer) Restore(ps state.PlaybackState) {
	p.restored = &ps
	p.cur = ps
}

func (p *fakePlayer) Current() playback.Status {
	return playback.Status{Playback: p.cur, Paused: p.paused, Duration: 300}
}

type fakeSession struct{ st voice.Status }

func (s fakeSession) Status() voice.Status { return s.st }

type fakeCatalog struct{}

func (fakeCatalog) Variants() []string { return []string{"alafasy", "husary"} }
func (fakeCatalog) Size() int          { return 114 }
func (fakeCatalog) Gaps(v string) []int {
	if v == "husary" {
		return []int{9}
	}
	return nil
}

type rig struct {
	st      *Station
	player  *fakePlayer
	store   *state.Store
	monitor *health.Monitor
	ledger  *history.Ledger
}

func newRig(t *testing.T) *rig {
	t.Helper()
	dir := t.TempDir()
	store := state.NewStore(state.Options{
		Path:        filepath.Join(dir, "state.yaml"),
		SnapshotDir: filepath.Join(dir, "snapshots"),
		Debounce:    time.Second,
		Defaults: func() state.PlaybackState {
			return state.PlaybackState{Track: 1, Variant: "alafasy", Mode: state.Mode{Loop: state.LoopCatalog}}
		},
	})
	doc, _, err := store.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ledger, err := history.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ledger.Close() })

	player := &fakePlayer{cur: doc.Playback}
	monitor := health.NewMonitor(health.Options{SoftStale: time.Minute, HardStale: 2 * time.Minute})
	st := New(Components{
		Player:  player,
		Store:   store,
		Session: fakeSession{voice.Status{State: voice.Connected, GuildID: "g1"}},
		Health:  monitor,
		Backups: backup.NewScheduler(store, time.Hour, 5),
		Catalog: fakeCatalog{},
		History: ledger,
	})
	return &rig{st: st, player: player, store: store, monitor: monitor, ledger: ledger}
}

func TestGetCurrentState(t *testing.T) {
	r := newRig(t)
	r.player.cur.Variant = "husary"
	r.store.AddStatistics(state.Statistics{TracksCompleted: 4})

	cur := r.st.GetCurrentState()
	if cur.Playback.Track != 1 || cur.Playback.Variant != "husary" {
		t.Errorf("Playback = %+v", cur.Playback)
	}
	if cur.Statistics.TracksCompleted != 4 {
		t.Errorf("TracksCompleted = %d, want 4", cur.Statistics.TracksCompleted)
	}
	if cur.Session.State != voice.Connected || cur.Tracks != 114 || len(cur.Variants) != 2 {
		t.Errorf("state = %+v", cur)
	}
	if len(cur.Gaps) != 1 || cur.Gaps[0] != 9 {
		t.Errorf("Gaps = %v, want [9]", cur.Gaps)
	}
}

func TestGetHealthCarriesLastKnownGood(t *testing.T) {
	r := newRig(t)
	r.monitor.ObserveConnected()
	r.monitor.Check()

	// In-memory progress that has not reached disk yet.
	r.store.UpdatePlayback(func(p *state.PlaybackState) { p.Position = 99 })

	h := r.st.GetHealth()
	if h.Verdict != health.Healthy || h.Session != voice.Connected {
		t.Errorf("GetHealth() = %+v", h)
	}
	if h.LastKnownGood.Playback.Position != 0 {
		t.Errorf("LastKnownGood position = %v, want the persisted 0", h.LastKnownGood.Playback.Position)
	}
}

func TestMutationsForwarded(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	r.st.Skip()
	r.st.Pause()
	if r.player.skips != 1 || !r.player.paused {
		t.Errorf("skips=%d paused=%v", r.player.skips, r.player.paused)
	}
	r.st.Resume()
	if r.player.paused {
		t.Error("still paused after Resume")
	}

	if err := r.st.SetVariant(ctx, "husary"); err != nil || r.player.cur.Variant != "husary" {
		t.Errorf("SetVariant: err=%v variant=%s", err, r.player.cur.Variant)
	}
	if err := r.st.SetVariant(ctx, "unknown"); err == nil {
		t.Error("SetVariant(unknown) should fail")
	}

	if err := r.st.SetMode(ctx, "track", true); err != nil {
		t.Fatal(err)
	}
	if r.player.cur.Mode != (state.Mode{Loop: state.LoopTrack, Shuffle: true}) {
		t.Errorf("Mode = %+v", r.player.cur.Mode)
	}
	if err := r.st.SetMode(ctx, "forever", false); err == nil {
		t.Error("SetMode(forever) should fail")
	}

	if err := r.st.Seek(ctx, 36, 12.5); err != nil || r.player.cur.Track != 36 {
		t.Errorf("Seek: err=%v track=%d", err, r.player.cur.Track)
	}
}

func TestManualSnapshotAndRestore(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.store.SavePlayback(ctx, func(p *state.PlaybackState) { p.Track, p.Position = 18, 40 })

	meta, err := r.st.CreateManualSnapshot(ctx, "before experiment")
	if err != nil {
		t.Fatalf("CreateManualSnapshot: %v", err)
	}
	if !meta.Verified || meta.Kind != state.KindManual {
		t.Errorf("snapshot = %+v", meta)
	}

	r.store.SavePlayback(ctx, func(p *state.PlaybackState) { p.Track, p.Position = 50, 1 })

	ps, err := r.st.RestoreSnapshot(ctx, meta.ID)
	if err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}
	if ps.Track != 18 || ps.Position != 40 {
		t.Errorf("restored %d@%v, want 18@40", ps.Track, ps.Position)
	}
	if r.player.restored == nil || r.player.restored.Track != 18 {
		t.Error("player was not moved to the restored position")
	}

	list, err := r.st.ListSnapshots()
	if err != nil {
		t.Fatal(err)
	}
	candidates, err := r.st.RestoreCandidates()
	if err != nil || len(candidates) != len(list) {
		t.Errorf("RestoreCandidates() = %d, %v; want all %d archives verified", len(candidates), err, len(list))
	}

	kinds := map[state.SnapshotKind]int{}
	for _, m := range list {
		kinds[m.Kind]++
	}
	if kinds[state.KindManual] != 1 || kinds[state.KindPreRestore] != 1 {
		t.Errorf("snapshot kinds = %v, want one manual and one pre-restore", kinds)
	}
}

func TestRestoreUnknownSnapshot(t *testing.T) {
	r := newRig(t)
	if _, err := r.st.RestoreSnapshot(context.Background(), "snapshot-20260101T000000.000000000Z"); err == nil {
		t.Error("RestoreSnapshot of a missing archive should fail")
	}
	if r.player.restored != nil {
		t.Error("player moved after a failed restore")
	}
}

func TestHistory(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	plays := []history.Play{
		{Variant: "alafasy", Track: 1, StartedAt: now, Seconds: 300, Completed: true},
		{Variant: "alafasy", Track: 2, StartedAt: now.Add(time.Hour), Seconds: 20},
		{Variant: "alafasy", Track: 1, StartedAt: now.Add(2 * time.Hour), Seconds: 300, Completed: true},
		{Variant: "husary", Track: 3, StartedAt: now.Add(3 * time.Hour), Seconds: 300, Completed: true},
	}
	for _, p := range plays {
		if err := r.ledger.RecordPlay(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	rep, err := r.st.History(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Recent) != 4 || rep.Recent[0].Track != 3 {
		t.Errorf("Recent = %+v", rep.Recent)
	}
	if len(rep.Top) != 1 || rep.Top[0].Track != 1 || rep.Top[0].Plays != 2 {
		t.Errorf("Top = %+v, want track 1 with 2 plays", rep.Top)
	}
}

func TestHistoryWithoutLedger(t *testing.T) {
	st := New(Components{Player: &fakePlayer{}})
	if _, err := st.History(context.Background(), 5); !errors.Is(err, ErrNoHistory) {
		t.Errorf("History() = %v, want ErrNoHistory", err)
	}
}
