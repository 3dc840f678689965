package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/satindergrewal/qariradio/internal/catalog"
	"github.com/satindergrewal/qariradio/internal/health"
	"github.com/satindergrewal/qariradio/internal/history"
	"github.com/satindergrewal/qariradio/internal/radio"
	"github.com/satindergrewal/qariradio/internal/state"
	"github.com/satindergrewal/qariradio/internal/voice"
)

type fakeStation struct {
	skips, pauses, resumes int
	variant                string
	mode                   string
	seek                   [2]float64
	snapshots              []state.SnapshotMetadata
	restored               string
	restoreErr             error
	noHistory              bool
}

func (f *fakeStation) GetCurrentState() radio.CurrentState {
	return radio.CurrentState{
		Playback: state.PlaybackState{Track: 7, Position: 42, Variant: "alafasy", Mode: state.Mode{Loop: state.LoopCatalog}},
		Session:  voice.Status{State: voice.Connected},
		Tracks:   114,
	}
}

func (f *fakeStation) GetHealth() radio.HealthReport {
	return radio.HealthReport{Verdict: health.Degraded, Session: voice.Degraded}
}

func (f *fakeStation) Skip()   { f.skips++ }
func (f *fakeStation) Pause()  { f.pauses++ }
func (f *fakeStation) Resume() { f.resumes++ }

func (f *fakeStation) SetVariant(_ context.Context, v string) error {
	if v != "alafasy" && v != "husary" {
		return fmt.Errorf("%w: %q", catalog.ErrUnknownVariant, v)
	}
	f.variant = v
	return nil
}

func (f *fakeStation) SetMode(_ context.Context, loop string, shuffle bool) error {
	f.mode = fmt.Sprintf("%s/%v", loop, shuffle)
	return nil
}

func (f *fakeStation) Seek(_ context.Context, track int, pos float64) error {
	if track > 114 {
		return errors.New("track not in variant")
	}
	f.seek = [2]float64{float64(track), pos}
	return nil
}

func (f *fakeStation) CreateManualSnapshot(_ context.Context, desc string) (state.SnapshotMetadata, error) {
	m := state.SnapshotMetadata{ID: "snapshot-20260101T000000.000000000Z", Kind: state.KindManual, Description: desc, Verified: true}
	f.snapshots = append(f.snapshots, m)
	return m, nil
}

func (f *fakeStation) ListSnapshots() ([]state.SnapshotMetadata, error) { return f.snapshots, nil }

func (f *fakeStation) RestoreCandidates() ([]state.SnapshotMetadata, error) {
	var out []state.SnapshotMetadata
	for _, m := range f.snapshots {
		if m.Verified {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStation) RestoreSnapshot(_ context.Context, id string) (state.PlaybackState, error) {
	if f.restoreErr != nil {
		return state.PlaybackState{}, f.restoreErr
	}
	f.restored = id
	return state.PlaybackState{Track: 3}, nil
}

func (f *fakeStation) History(_ context.Context, limit int) (radio.HistoryReport, error) {
	if f.noHistory {
		return radio.HistoryReport{}, radio.ErrNoHistory
	}
	return radio.HistoryReport{Recent: []history.Play{{Track: 2}}, Top: []history.TrackCount{{Track: 2, Plays: int64(limit)}}}, nil
}

func newTestServer() (*Server, *fakeStation) {
	f := &fakeStation{}
	return NewServer(f, Options{RatePerSecond: 1000, Burst: 1000}), f
}

func do(s http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

// --- Reads ---

func TestStatus(t *testing.T) {
	s, _ := newTestServer()
	rec := do(s, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got struct {
		Playback struct {
			Track    int     `json:"track"`
			Position float64 `json:"position"`
			Variant  string  `json:"variant"`
		} `json:"playback"`
		Session struct {
			State string `json:"state"`
		} `json:"session"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Playback.Track != 7 || got.Playback.Position != 42 || got.Session.State != "connected" {
		t.Errorf("body = %+v", got)
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer()
	rec := do(s, http.MethodGet, "/api/health", "")
	var got map[string]any
	json.NewDecoder(rec.Body).Decode(&got)
	if got["verdict"] != "degraded" || got["session_state"] != "degraded" {
		t.Errorf("body = %v", got)
	}
}

func TestHistory(t *testing.T) {
	s, f := newTestServer()
	rec := do(s, http.MethodGet, "/api/history?limit=5", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"plays":5`) {
		t.Errorf("history = %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(s, http.MethodGet, "/api/history?limit=0", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", rec.Code)
	}
	f.noHistory = true
	if rec := do(s, http.MethodGet, "/api/history", ""); rec.Code != http.StatusNotFound {
		t.Errorf("no ledger status = %d, want 404", rec.Code)
	}
}

func TestReadsRejectPost(t *testing.T) {
	s, _ := newTestServer()
	for _, path := range []string{"/api/status", "/api/health", "/api/history"} {
		if rec := do(s, http.MethodPost, path, ""); rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s = %d, want 405", path, rec.Code)
		}
	}
}

// --- Mutations ---

func TestControls(t *testing.T) {
	s, f := newTestServer()
	for _, path := range []string{"/api/skip", "/api/pause", "/api/resume"} {
		if rec := do(s, http.MethodPost, path, ""); rec.Code != http.StatusOK {
			t.Errorf("POST %s = %d", path, rec.Code)
		}
	}
	if f.skips != 1 || f.pauses != 1 || f.resumes != 1 {
		t.Errorf("skips=%d pauses=%d resumes=%d", f.skips, f.pauses, f.resumes)
	}
	if rec := do(s, http.MethodGet, "/api/skip", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/skip = %d, want 405", rec.Code)
	}
}

func TestVariant(t *testing.T) {
	s, f := newTestServer()
	tests := []struct {
		body string
		want int
	}{
		{`{"variant":"husary"}`, http.StatusOK},
		{`{"variant":"nobody"}`, http.StatusBadRequest},
		{`{"variant":""}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec := do(s, http.MethodPost, "/api/variant", tt.body); rec.Code != tt.want {
			t.Errorf("POST /api/variant %s = %d, want %d", tt.body, rec.Code, tt.want)
		}
	}
	if f.variant != "husary" {
		t.Errorf("variant = %q, want husary", f.variant)
	}
}

func TestMode(t *testing.T) {
	s, f := newTestServer()
	if rec := do(s, http.MethodPost, "/api/mode", `{"loop":"off","shuffle":true}`); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if f.mode != "off/true" {
		t.Errorf("mode = %q", f.mode)
	}
	if rec := do(s, http.MethodPost, "/api/mode", `{"loop":"sometimes"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad loop status = %d, want 400", rec.Code)
	}
}

func TestSeek(t *testing.T) {
	s, f := newTestServer()
	if rec := do(s, http.MethodPost, "/api/seek", `{"track":36,"position":12.5}`); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if f.seek != [2]float64{36, 12.5} {
		t.Errorf("seek = %v", f.seek)
	}
	for _, body := range []string{`{"track":0}`, `{"track":1,"position":-1}`, `{"track":500}`} {
		if rec := do(s, http.MethodPost, "/api/seek", body); rec.Code != http.StatusBadRequest {
			t.Errorf("seek %s = %d, want 400", body, rec.Code)
		}
	}
}

func TestSnapshots(t *testing.T) {
	s, f := newTestServer()

	rec := do(s, http.MethodGet, "/api/snapshots", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("empty list = %d %q", rec.Code, rec.Body.String())
	}

	rec = do(s, http.MethodPost, "/api/snapshots", `{"description":"before change"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rec.Code, rec.Body.String())
	}
	if len(f.snapshots) != 1 || f.snapshots[0].Description != "before change" {
		t.Errorf("snapshots = %+v", f.snapshots)
	}
	if rec := do(s, http.MethodPost, "/api/snapshots", ""); rec.Code != http.StatusCreated {
		t.Errorf("create without body = %d", rec.Code)
	}

	id := f.snapshots[0].ID
	if rec := do(s, http.MethodPost, "/api/snapshots/"+id+"/restore", ""); rec.Code != http.StatusOK {
		t.Errorf("restore = %d", rec.Code)
	}
	if f.restored != id {
		t.Errorf("restored %q, want %q", f.restored, id)
	}
	if rec := do(s, http.MethodPost, "/api/snapshots/not-a-snapshot/restore", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("restore of bad id = %d, want 400", rec.Code)
	}

	f.restoreErr = fmt.Errorf("restore: %w", state.ErrSnapshotCorrupt)
	if rec := do(s, http.MethodPost, "/api/snapshots/"+id+"/restore", ""); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("restore of corrupt archive = %d, want 422", rec.Code)
	}
}

func TestSnapshotsVerifiedFilter(t *testing.T) {
	s, f := newTestServer()
	f.snapshots = []state.SnapshotMetadata{
		{ID: "snapshot-20260102T000000.000000000Z", Verified: false, Err: "checksum mismatch"},
		{ID: "snapshot-20260101T000000.000000000Z", Verified: true},
	}

	var got []state.SnapshotMetadata
	rec := do(s, http.MethodGet, "/api/snapshots?verified=1", "")
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "snapshot-20260101T000000.000000000Z" {
		t.Errorf("verified list = %+v, want only the verified archive", got)
	}

	got = nil
	rec = do(s, http.MethodGet, "/api/snapshots", "")
	json.NewDecoder(rec.Body).Decode(&got)
	if len(got) != 2 {
		t.Errorf("full list has %d entries, want 2", len(got))
	}
}

func TestMutationRateLimit(t *testing.T) {
	f := &fakeStation{}
	s := NewServer(f, Options{RatePerSecond: 0.001, Burst: 2})

	codes := []int{}
	for i := 0; i < 4; i++ {
		codes = append(codes, do(s, http.MethodPost, "/api/skip", "").Code)
	}
	want := []int{200, 200, 429, 429}
	if fmt.Sprint(codes) != fmt.Sprint(want) {
		t.Errorf("codes = %v, want %v", codes, want)
	}
	if f.skips != 2 {
		t.Errorf("skips = %d, want 2", f.skips)
	}
	// Reads are not limited.
	if rec := do(s, http.MethodGet, "/api/status", ""); rec.Code != http.StatusOK {
		t.Errorf("status while limited = %d", rec.Code)
	}
}

func TestMetricsAndMonitor(t *testing.T) {
	monitor := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
	})
	s := NewServer(&fakeStation{}, Options{Monitor: monitor})

	if rec := do(s, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Errorf("/metrics = %d", rec.Code)
	}
	if rec := do(s, http.MethodGet, "/stream", ""); rec.Header().Get("Content-Type") != "audio/mpeg" {
		t.Errorf("/stream not routed to the monitor")
	}
}
