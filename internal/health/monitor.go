// Package health judges whether the voice connection is really alive. The
// transport cannot always tell a silently dead connection from a quiet one,
// so the monitor watches heartbeats and latency and acts on its verdict.
package health

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/satindergrewal/qariradio/internal/metrics"
)

// Verdict is the outcome of a health check.
type Verdict int

const (
	Healthy Verdict = iota
	Degraded
	Critical
)

func (v Verdict) String() string {
	switch v {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Critical:
		return "critical"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// MarshalText lets Verdict appear by name in JSON.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// Recoverer acts on verdicts. voice.Manager implements it.
type Recoverer interface {
	ForceReconnect(reason string)
	Degrade(reason string)
	Recover()
}

// Options sets the check interval and thresholds.
type Options struct {
	Interval         time.Duration
	SoftStale        time.Duration // heartbeat age that degrades
	HardStale        time.Duration // heartbeat age that is critical
	LatencyThreshold time.Duration // mean round trip that degrades
	Window           int           // latency samples kept
}

// Snapshot is the connection health as last observed.
type Snapshot struct {
	Verdict       Verdict   `json:"verdict"`
	Reason        string    `json:"reason,omitempty"`
	Connected     bool      `json:"connected"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	HeartbeatAge  float64   `json:"heartbeat_age"` // seconds
	MeanLatency   float64   `json:"mean_latency_ms"`
	Samples       int       `json:"samples"`
	Reconnects    int       `json:"reconnects"`
	CheckedAt     time.Time `json:"checked_at"`
}

// Monitor owns ConnectionHealth. It is process-lifetime only.
type Monitor struct {
	opts Options
	now  func() time.Time

	mu            sync.Mutex
	recoverer     Recoverer
	connected     bool
	lastHeartbeat time.Time
	samples       []time.Duration // ring buffer
	next          int
	reconnects    int
	verdict       Verdict
	reason        string
	checkedAt     time.Time
}

// NewMonitor creates a monitor. Call SetRecoverer before Run.
func NewMonitor(opts Options) *Monitor {
	if opts.Window <= 0 {
		opts.Window = 20
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	return &Monitor{
		opts:    opts,
		now:     time.Now,
		samples: make([]time.Duration, 0, opts.Window),
	}
}

// SetRecoverer sets who acts on verdicts.
func (m *Monitor) SetRecoverer(r Recoverer) {
	m.mu.Lock()
	m.recoverer = r
	m.mu.Unlock()
}

// ObserveHeartbeat records an acknowledged heartbeat.
func (m *Monitor) ObserveHeartbeat(rtt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastHeartbeat = m.now()
	if len(m.samples) < m.opts.Window {
		m.samples = append(m.samples, rtt)
	} else {
		m.samples[m.next] = rtt
	}
	m.next = (m.next + 1) % m.opts.Window
	metrics.HeartbeatLatency.Observe(rtt.Seconds())
}

// ObserveConnected marks the connection up. The staleness clock restarts so
// a fresh session is not judged by the old one's heartbeats.
func (m *Monitor) ObserveConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	m.lastHeartbeat = m.now()
	m.samples = m.samples[:0]
	m.next = 0
}

// ObserveDisconnected marks the connection down.
func (m *Monitor) ObserveDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

// ObserveReconnect counts a successful reconnect.
func (m *Monitor) ObserveReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnects++
}

// Check computes a verdict and acts on it: critical forces a reconnect,
// degraded marks the session degraded, and a return to healthy recovers it.
// Nothing is done while disconnected; the session manager is already
// reconnecting.
func (m *Monitor) Check() Verdict {
	m.mu.Lock()
	now := m.now()
	verdict, reason := m.judgeLocked(now)
	prev := m.verdict
	m.verdict, m.reason, m.checkedAt = verdict, reason, now
	connected := m.connected
	rec := m.recoverer
	m.mu.Unlock()

	metrics.HealthVerdict.Set(float64(verdict))
	if verdict != prev {
		if reason != "" {
			log.Printf("HEALTH: %s -> %s (%s)", prev, verdict, reason)
		} else {
			log.Printf("HEALTH: %s -> %s", prev, verdict)
		}
	}
	if rec == nil || !connected {
		return verdict
	}
	switch verdict {
	case Critical:
		rec.ForceReconnect(reason)
	case Degraded:
		rec.Degrade(reason)
	case Healthy:
		if prev != Healthy {
			rec.Recover()
		}
	}
	return verdict
}

func (m *Monitor) judgeLocked(now time.Time) (Verdict, string) {
	if !m.connected {
		return Critical, "disconnected"
	}
	age := now.Sub(m.lastHeartbeat)
	switch {
	case m.opts.HardStale > 0 && age > m.opts.HardStale:
		return Critical, fmt.Sprintf("no heartbeat for %v", age.Round(time.Second))
	case m.opts.SoftStale > 0 && age > m.opts.SoftStale:
		return Degraded, fmt.Sprintf("no heartbeat for %v", age.Round(time.Second))
	}
	if mean := m.meanLatencyLocked(); m.opts.LatencyThreshold > 0 && mean > m.opts.LatencyThreshold {
		return Degraded, fmt.Sprintf("mean latency %v", mean.Round(time.Millisecond))
	}
	return Healthy, ""
}

func (m *Monitor) meanLatencyLocked() time.Duration {
	if len(m.samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range m.samples {
		sum += s
	}
	return sum / time.Duration(len(m.samples))
}

// Snapshot returns the current health without running a check.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		Verdict:       m.verdict,
		Reason:        m.reason,
		Connected:     m.connected,
		LastHeartbeat: m.lastHeartbeat,
		MeanLatency:   float64(m.meanLatencyLocked()) / float64(time.Millisecond),
		Samples:       len(m.samples),
		Reconnects:    m.reconnects,
		CheckedAt:     m.checkedAt,
	}
	if !m.lastHeartbeat.IsZero() {
		s.HeartbeatAge = m.now().Sub(m.lastHeartbeat).Seconds()
	}
	return s
}

// Run checks on every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}
