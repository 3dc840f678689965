// Package api exposes the station over HTTP for dashboards and operator
// tooling. Reads are free; mutations pass a token bucket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/satindergrewal/qariradio/internal/catalog"
	"github.com/satindergrewal/qariradio/internal/radio"
	"github.com/satindergrewal/qariradio/internal/state"
)

// Station is the radio.Station surface the API serves.
type Station interface {
	GetCurrentState() radio.CurrentState
	GetHealth() radio.HealthReport
	Skip()
	Pause()
	Resume()
	SetVariant(ctx context.Context, variant string) error
	SetMode(ctx context.Context, loop string, shuffle bool) error
	Seek(ctx context.Context, track int, position float64) error
	CreateManualSnapshot(ctx context.Context, description string) (state.SnapshotMetadata, error)
	ListSnapshots() ([]state.SnapshotMetadata, error)
	RestoreCandidates() ([]state.SnapshotMetadata, error)
	RestoreSnapshot(ctx context.Context, id string) (state.PlaybackState, error)
	History(ctx context.Context, limit int) (radio.HistoryReport, error)
}

// Options configures the server.
type Options struct {
	RatePerSecond float64      // mutation requests
	Burst         int          // mutation burst
	Monitor       http.Handler // optional /stream handler
}

// Server routes API requests to the station.
type Server struct {
	station Station
	limiter *rate.Limiter
	mux     *http.ServeMux
}

// NewServer builds the route table.
func NewServer(st Station, opts Options) *Server {
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	s := &Server{
		station: st,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
		mux:     http.NewServeMux(),
	}

	s.mux.HandleFunc("/api/status", s.getOnly(s.handleStatus))
	s.mux.HandleFunc("/api/health", s.getOnly(s.handleHealth))
	s.mux.HandleFunc("/api/history", s.getOnly(s.handleHistory))
	s.mux.HandleFunc("/api/snapshots", s.handleSnapshots)
	s.mux.HandleFunc("/api/snapshots/{id}/restore", s.mutation(s.handleRestore))

	s.mux.HandleFunc("/api/skip", s.mutation(func(w http.ResponseWriter, r *http.Request) {
		s.station.Skip()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}))
	s.mux.HandleFunc("/api/pause", s.mutation(func(w http.ResponseWriter, r *http.Request) {
		s.station.Pause()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "paused": true})
	}))
	s.mux.HandleFunc("/api/resume", s.mutation(func(w http.ResponseWriter, r *http.Request) {
		s.station.Resume()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "paused": false})
	}))
	s.mux.HandleFunc("/api/variant", s.mutation(s.handleVariant))
	s.mux.HandleFunc("/api/mode", s.mutation(s.handleMode))
	s.mux.HandleFunc("/api/seek", s.mutation(s.handleSeek))

	if opts.Monitor != nil {
		s.mux.Handle("/stream", opts.Monitor)
	}
	s.mux.Handle("/metrics", promhttp.Handler())
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "GET required", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

// mutation requires POST and a token from the limiter.
func (s *Server) mutation(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		h(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.station.GetCurrentState())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.station.GetHealth())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, "limit must be 1-500", http.StatusBadRequest)
			return
		}
		limit = n
	}
	rep, err := s.station.History(r.Context(), limit)
	if errors.Is(err, radio.ErrNoHistory) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		serverError(w, "history", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list := s.station.ListSnapshots
		if v, _ := strconv.ParseBool(r.URL.Query().Get("verified")); v {
			list = s.station.RestoreCandidates
		}
		snaps, err := list()
		if err != nil {
			serverError(w, "list snapshots", err)
			return
		}
		if snaps == nil {
			snaps = []state.SnapshotMetadata{}
		}
		writeJSON(w, http.StatusOK, snaps)
	case http.MethodPost:
		s.mutation(func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Description string `json:"description"`
			}
			if r.ContentLength != 0 {
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					http.Error(w, "invalid request", http.StatusBadRequest)
					return
				}
			}
			meta, err := s.station.CreateManualSnapshot(r.Context(), req.Description)
			if err != nil {
				serverError(w, "manual snapshot", err)
				return
			}
			writeJSON(w, http.StatusCreated, meta)
		})(w, r)
	default:
		http.Error(w, "GET or POST required", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !state.ValidSnapshotID(id) {
		http.Error(w, "invalid snapshot id", http.StatusBadRequest)
		return
	}
	ps, err := s.station.RestoreSnapshot(r.Context(), id)
	if errors.Is(err, state.ErrSnapshotCorrupt) {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err != nil {
		serverError(w, "restore", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "playback": ps})
}

func (s *Server) handleVariant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Variant string `json:"variant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Variant == "" {
		http.Error(w, "invalid variant", http.StatusBadRequest)
		return
	}
	err := s.station.SetVariant(r.Context(), req.Variant)
	if errors.Is(err, catalog.ErrUnknownVariant) {
		http.Error(w, "unknown variant", http.StatusBadRequest)
		return
	}
	if err != nil {
		serverError(w, "set variant", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "variant": req.Variant})
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Loop    string `json:"loop"`
		Shuffle bool   `json:"shuffle"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if _, err := state.ParseLoopMode(req.Loop); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.station.SetMode(r.Context(), req.Loop, req.Shuffle); err != nil {
		serverError(w, "set mode", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "loop": req.Loop, "shuffle": req.Shuffle})
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Track    int     `json:"track"`
		Position float64 `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Track < 1 || req.Position < 0 {
		http.Error(w, "track must be >= 1 and position >= 0", http.StatusBadRequest)
		return
	}
	if err := s.station.Seek(r.Context(), req.Track, req.Position); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "track": req.Track, "position": req.Position})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func serverError(w http.ResponseWriter, what string, err error) {
	log.Printf("API: %s: %v", what, err)
	http.Error(w, what+" failed", http.StatusInternalServerError)
}
