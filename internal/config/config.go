package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// Config holds all runtime configuration, loaded from environment variables.
type Config struct {
	// Server
	Port                int
	APIRatePerSecond    float64 // mutation requests
	APIBurst            int
	MonitorMaxListeners int

	// Catalog
	CatalogRoot    string
	DefaultVariant string
	CatalogSize    int // expected tracks per variant, 0 = infer
	TrackExt       string
	TrackDigits    int
	CatalogWatch   bool

	// Playback defaults
	DefaultLoop    string // off, track, catalog
	DefaultShuffle bool
	ShuffleHistory int // recent tracks excluded from shuffle draws
	ResumeFade     time.Duration

	// Persistence
	StatePath        string
	SnapshotDir      string
	HistoryDBPath    string
	Debounce         time.Duration
	BackupInterval   time.Duration
	BackupRetention  int
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	ReconnectMultiplier float64
	ReconnectJitter     float64 // +/- fraction applied to each delay
	ReconnectAlertAfter int     // consecutive failures before alerting

	// Health
	HealthInterval   time.Duration
	HeartbeatSoft    time.Duration
	HeartbeatHard    time.Duration
	LatencyThreshold time.Duration
	LatencyWindow    int

	// Transcoder
	FFmpegPath  string
	FFprobePath string
	OpusBitrate int

	// Voice platform
	GatewayURL string
	Token      string
	GuildID    string
	ChannelID  string
	STUNURL    string

	GatewayHandshakeTimeout time.Duration
	GatewayOpsPerSecond     float64
}

// Load reads configuration from environment variables with sane defaults.
func Load() Config {
	return Config{
		Port:                envInt("RADIO_PORT", 8080),
		APIRatePerSecond:    envFloat("RADIO_API_RATE", 5),
		APIBurst:            envInt("RADIO_API_BURST", 10),
		MonitorMaxListeners: envInt("RADIO_MONITOR_MAX_LISTENERS", 8),

		CatalogRoot:    envStr("RADIO_CATALOG_ROOT", "/data/reciters"),
		DefaultVariant: envStr("RADIO_DEFAULT_VARIANT", "alafasy"),
		CatalogSize:    envInt("RADIO_CATALOG_SIZE", 114),
		TrackExt:       envStr("RADIO_TRACK_EXT", ".mp3"),
		TrackDigits:    envInt("RADIO_TRACK_DIGITS", 3),
		CatalogWatch:   envBool("RADIO_CATALOG_WATCH", true),

		DefaultLoop:    envStr("RADIO_LOOP", "catalog"),
		DefaultShuffle: envBool("RADIO_SHUFFLE", false),
		ShuffleHistory: envInt("RADIO_SHUFFLE_HISTORY", 10),
		ResumeFade:     envDuration("RADIO_RESUME_FADE", 300*time.Millisecond),

		StatePath:       envStr("RADIO_STATE_PATH", "/data/state/playback.yaml"),
		SnapshotDir:     envStr("RADIO_SNAPSHOT_DIR", "/data/state/snapshots"),
		HistoryDBPath:   envStr("RADIO_HISTORY_DB", "/data/state/history.db"),
		Debounce:        envDuration("RADIO_DEBOUNCE", 10*time.Second),
		BackupInterval:  envDuration("RADIO_BACKUP_INTERVAL", time.Hour),
		BackupRetention: envInt("RADIO_BACKUP_RETENTION", 24),

		ReconnectInitial:    envDuration("RADIO_RECONNECT_INITIAL", time.Second),
		ReconnectMax:        envDuration("RADIO_RECONNECT_MAX", 2*time.Minute),
		ReconnectMultiplier: envFloat("RADIO_RECONNECT_MULTIPLIER", 2.0),
		ReconnectJitter:     envFloat("RADIO_RECONNECT_JITTER", 0.2),
		ReconnectAlertAfter: envInt("RADIO_RECONNECT_ALERT_AFTER", 5),

		HealthInterval:   envDuration("RADIO_HEALTH_INTERVAL", 60*time.Second),
		HeartbeatSoft:    envDuration("RADIO_HEARTBEAT_SOFT", 90*time.Second),
		HeartbeatHard:    envDuration("RADIO_HEARTBEAT_HARD", 180*time.Second),
		LatencyThreshold: envDuration("RADIO_LATENCY_THRESHOLD", 500*time.Millisecond),
		LatencyWindow:    envInt("RADIO_LATENCY_WINDOW", 20),

		FFmpegPath:  envStr("RADIO_FFMPEG", "ffmpeg"),
		FFprobePath: envStr("RADIO_FFPROBE", "ffprobe"),
		OpusBitrate: envInt("RADIO_OPUS_BITRATE", 64000),

		GatewayURL: envStr("VOICE_GATEWAY_URL", "wss://voice.example.invalid/gateway"),
		Token:      envStr("VOICE_TOKEN", ""),
		GuildID:    envStr("VOICE_GUILD_ID", ""),
		ChannelID:  envStr("VOICE_CHANNEL_ID", ""),
		STUNURL:    envStr("VOICE_STUN_URL", "stun:stun.l.google.com:19302"),

		GatewayHandshakeTimeout: envDuration("VOICE_HANDSHAKE_TIMEOUT", 15*time.Second),
		GatewayOpsPerSecond:     envFloat("VOICE_GATEWAY_OPS", 5),
	}
}

// Validate reports every out-of-range setting at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Port > 0 && c.Port < 65536, "RADIO_PORT %d out of range", c.Port)
	check(c.APIRatePerSecond > 0, "RADIO_API_RATE must be positive")
	check(c.APIBurst >= 1, "RADIO_API_BURST must be at least 1")
	check(c.MonitorMaxListeners >= 0, "RADIO_MONITOR_MAX_LISTENERS must not be negative")
	check(c.CatalogRoot != "", "RADIO_CATALOG_ROOT is empty")
	check(c.DefaultVariant != "", "RADIO_DEFAULT_VARIANT is empty")
	check(c.CatalogSize >= 0 && c.CatalogSize <= 9999, "RADIO_CATALOG_SIZE %d out of range", c.CatalogSize)
	check(c.TrackDigits >= 1 && c.TrackDigits <= 6, "RADIO_TRACK_DIGITS %d out of range", c.TrackDigits)
	check(c.DefaultLoop == "off" || c.DefaultLoop == "track" || c.DefaultLoop == "catalog",
		"RADIO_LOOP %q must be off, track or catalog", c.DefaultLoop)
	check(c.ShuffleHistory >= 0, "RADIO_SHUFFLE_HISTORY must not be negative")
	check(c.ResumeFade >= 0, "RADIO_RESUME_FADE must not be negative")

	check(c.StatePath != "", "RADIO_STATE_PATH is empty")
	check(c.SnapshotDir != "", "RADIO_SNAPSHOT_DIR is empty")
	check(c.Debounce > 0, "RADIO_DEBOUNCE must be positive")
	check(c.BackupInterval > 0, "RADIO_BACKUP_INTERVAL must be positive")
	check(c.BackupRetention >= 1, "RADIO_BACKUP_RETENTION must be at least 1")

	check(c.ReconnectInitial > 0, "RADIO_RECONNECT_INITIAL must be positive")
	check(c.ReconnectMax >= c.ReconnectInitial, "RADIO_RECONNECT_MAX must be >= RADIO_RECONNECT_INITIAL")
	check(c.ReconnectMultiplier >= 1, "RADIO_RECONNECT_MULTIPLIER must be >= 1")
	check(c.ReconnectJitter >= 0 && c.ReconnectJitter < 1, "RADIO_RECONNECT_JITTER must be in [0,1)")
	check(c.ReconnectAlertAfter >= 1, "RADIO_RECONNECT_ALERT_AFTER must be at least 1")

	check(c.HealthInterval > 0, "RADIO_HEALTH_INTERVAL must be positive")
	check(c.HeartbeatSoft > 0 && c.HeartbeatSoft < c.HeartbeatHard,
		"RADIO_HEARTBEAT_SOFT must be positive and below RADIO_HEARTBEAT_HARD")
	check(c.LatencyThreshold > 0, "RADIO_LATENCY_THRESHOLD must be positive")
	check(c.LatencyWindow >= 1, "RADIO_LATENCY_WINDOW must be at least 1")
	check(c.OpusBitrate >= 6000 && c.OpusBitrate <= 510000, "RADIO_OPUS_BITRATE %d out of range", c.OpusBitrate)

	check(c.GuildID != "", "VOICE_GUILD_ID is required")
	check(c.ChannelID != "", "VOICE_CHANNEL_ID is required")
	check(c.GatewayHandshakeTimeout > 0, "VOICE_HANDSHAKE_TIMEOUT must be positive")
	check(c.GatewayOpsPerSecond > 0, "VOICE_GATEWAY_OPS must be positive")

	return errors.Join(errs...)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDuration accepts Go duration strings ("90s") or bare seconds ("90").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
