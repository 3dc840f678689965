package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/satindergrewal/qariradio/internal/api"
	"github.com/satindergrewal/qariradio/internal/audio"
	"github.com/satindergrewal/qariradio/internal/backup"
	"github.com/satindergrewal/qariradio/internal/catalog"
	"github.com/satindergrewal/qariradio/internal/config"
	"github.com/satindergrewal/qariradio/internal/gateway"
	"github.com/satindergrewal/qariradio/internal/health"
	"github.com/satindergrewal/qariradio/internal/history"
	"github.com/satindergrewal/qariradio/internal/metrics"
	"github.com/satindergrewal/qariradio/internal/playback"
	"github.com/satindergrewal/qariradio/internal/radio"
	"github.com/satindergrewal/qariradio/internal/state"
	"github.com/satindergrewal/qariradio/internal/stream"
	"github.com/satindergrewal/qariradio/internal/voice"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration:\n%v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Println("qariradio starting up...")
	metrics.RegisterMetrics()

	// Catalog
	cat := catalog.New(catalog.Options{
		Root:   cfg.CatalogRoot,
		Size:   cfg.CatalogSize,
		Ext:    cfg.TrackExt,
		Digits: cfg.TrackDigits,
		Prober: audio.NewProber(cfg.FFprobePath),
	})
	if err := cat.Scan(ctx); err != nil {
		log.Fatalf("catalog scan failed: %v", err)
	}
	if !cat.HasVariant(cfg.DefaultVariant) {
		log.Fatalf("default variant %q not found under %s (have %v)", cfg.DefaultVariant, cfg.CatalogRoot, cat.Variants())
	}
	if cfg.CatalogWatch {
		go func() {
			err := cat.Watch(ctx, 2*time.Second, func() {
				log.Printf("catalog rescanned: %d variants", len(cat.Variants()))
			})
			if err != nil && ctx.Err() == nil {
				log.Printf("catalog watch stopped: %v", err)
			}
		}()
	}

	// State
	defaultLoop, _ := state.ParseLoopMode(cfg.DefaultLoop)
	store := state.NewStore(state.Options{
		Path:        cfg.StatePath,
		SnapshotDir: cfg.SnapshotDir,
		Debounce:    cfg.Debounce,
		Defaults: func() state.PlaybackState {
			first, _ := cat.First(cfg.DefaultVariant)
			return state.PlaybackState{
				Track:   first,
				Variant: cfg.DefaultVariant,
				Mode:    state.Mode{Loop: defaultLoop, Shuffle: cfg.DefaultShuffle},
			}
		},
		Fixup: func(ps state.PlaybackState) state.PlaybackState {
			return fitCatalog(cat, cfg.DefaultVariant, ps)
		},
	})
	doc, source, err := store.Load(ctx)
	if err != nil {
		log.Fatalf("load state: %v", err)
	}
	log.Printf("state loaded from %s: %s track %d at %.1fs (%s)",
		source, doc.Playback.Variant, doc.Playback.Track, doc.Playback.Position, doc.Playback.Mode.Loop)
	go store.Run(ctx)

	// Play history (optional)
	var ledger *history.Ledger
	if cfg.HistoryDBPath != "" {
		ledger, err = history.Open(cfg.HistoryDBPath)
		if err != nil {
			log.Printf("play history disabled: %v", err)
			ledger = nil
		} else {
			defer ledger.Close()
		}
	}

	// Playback
	seqOpts := playback.Options{
		ShuffleHistory: cfg.ShuffleHistory,
		FadeFrames:     int(cfg.ResumeFade / audio.FrameDuration),
	}
	if ledger != nil {
		seqOpts.Ledger = ledger
	}
	seq := playback.NewSequencer(cat, store, audio.NewDecoder(cfg.FFmpegPath), doc.Playback, seqOpts)
	defer seq.Close()

	enc, err := audio.NewOpusEncoder(cfg.OpusBitrate)
	if err != nil {
		log.Fatalf("opus encoder: %v", err)
	}

	// Local monitor: fan-out of the PCM the voice session sends
	tap := stream.NewTap()

	// Voice session
	dialer := gateway.NewDialer(gateway.Options{
		URL:              cfg.GatewayURL,
		Token:            cfg.Token,
		STUNURL:          cfg.STUNURL,
		HandshakeTimeout: cfg.GatewayHandshakeTimeout,
		OpsPerSecond:     cfg.GatewayOpsPerSecond,
	})
	mgr := voice.NewManager(dialer, seq, store, enc, voice.Options{
		GuildID:   cfg.GuildID,
		ChannelID: cfg.ChannelID,
		Backoff: voice.Backoff{
			Initial:    cfg.ReconnectInitial,
			Max:        cfg.ReconnectMax,
			Multiplier: cfg.ReconnectMultiplier,
			Jitter:     cfg.ReconnectJitter,
		},
		AlertAfter: cfg.ReconnectAlertAfter,
		Tap:        tap,
		OnAlert: func(failures int, err error) {
			log.Printf("ALERT: voice session for guild %s down after %d attempts: %v", cfg.GuildID, failures, err)
		},
	})

	// Health
	mon := health.NewMonitor(health.Options{
		Interval:         cfg.HealthInterval,
		SoftStale:        cfg.HeartbeatSoft,
		HardStale:        cfg.HeartbeatHard,
		LatencyThreshold: cfg.LatencyThreshold,
		Window:           cfg.LatencyWindow,
	})
	mgr.SetObserver(mon)
	mon.SetRecoverer(mgr)
	go mon.Run(ctx)

	// Backups
	backups := backup.NewScheduler(store, cfg.BackupInterval, cfg.BackupRetention)
	go backups.Run(ctx)

	station := radio.New(radio.Components{
		Player:  seq,
		Store:   store,
		Session: mgr,
		Health:  mon,
		Backups: backups,
		Catalog: cat,
		History: historySource(ledger),
	})

	srv := api.NewServer(station, api.Options{
		RatePerSecond: cfg.APIRatePerSecond,
		Burst:         cfg.APIBurst,
		Monitor:       stream.NewMonitorHandler(tap, cfg.FFmpegPath, cfg.MonitorMaxListeners),
	})

	if err := mgr.Connect(ctx, cfg.ChannelID); err != nil {
		// The manager keeps retrying in the background.
		log.Printf("initial voice connect failed: %v", err)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: srv}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		log.Println("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := mgr.Disconnect(shutdownCtx); err != nil {
			log.Printf("final checkpoint failed: %v", err)
		}
		if err := store.Flush(shutdownCtx); err != nil {
			log.Printf("final state flush failed: %v", err)
		}
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("qariradio listening on %s (guild %s, channel %s)", addr, cfg.GuildID, cfg.ChannelID)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
	<-stopped
}

// fitCatalog moves a loaded position onto something the catalog can play:
// an unknown variant falls back to def, a missing track to the variant's
// first available one.
func fitCatalog(cat *catalog.Catalog, def string, ps state.PlaybackState) state.PlaybackState {
	if !cat.HasVariant(ps.Variant) {
		log.Printf("STATE: variant %q not in catalog, using %q", ps.Variant, def)
		ps.Variant = def
	}
	if _, ok := cat.Track(ps.Variant, ps.Track); !ok {
		first, _ := cat.First(ps.Variant)
		log.Printf("STATE: track %d missing from %s, starting at %d", ps.Track, ps.Variant, first)
		ps.Track, ps.Position = first, 0
	}
	return ps
}

// historySource keeps a nil ledger from becoming a non-nil interface.
func historySource(l *history.Ledger) radio.History {
	if l == nil {
		return nil
	}
	return l
}
