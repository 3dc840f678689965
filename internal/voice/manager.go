package voice

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satindergrewal/qariradio/internal/audio"
	"github.com/satindergrewal/qariradio/internal/metrics"
	"github.com/satindergrewal/qariradio/internal/state"
)

// FrameSource supplies PCM and is repositioned on every new session.
// playback.Sequencer satisfies it.
type FrameSource interface {
	NextFrame(ctx context.Context) ([]int16, error)
	Restore(ps state.PlaybackState)
	Checkpoint(ctx context.Context) error
}

// StateStore is the part of state.Store a session touches.
type StateStore interface {
	Persisted() state.Document
	BeginSession(ctx context.Context, sessionID string, reconnect bool) error
}

// Encoder turns PCM into Opus. audio.OpusEncoder satisfies it.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
}

// Tap receives every delivered PCM frame, e.g. the local monitor stream.
type Tap interface {
	Publish(frame []int16)
}

// Options configures a Manager.
type Options struct {
	GuildID    string
	ChannelID  string
	Backoff    Backoff
	AlertAfter int       // consecutive failures before the operator alert
	Registry   *Registry // shared across guilds; nil creates a private one
	Tap        Tap       // optional

	// OnAlert is called once per outage when failures reach AlertAfter.
	OnAlert func(failures int, err error)

	// Test hooks. Zero values use a 20ms frame interval, a timer sleep and
	// math/rand/v2.
	FrameInterval time.Duration
	Sleep         func(ctx context.Context, d time.Duration) error
	Rand          func() float64
}

// Status describes the session for collaborators.
type Status struct {
	State      State     `json:"state"`
	GuildID    string    `json:"guild_id"`
	ChannelID  string    `json:"channel_id"`
	SessionID  string    `json:"session_id"`
	Since      time.Time `json:"since"`
	Failures   int       `json:"consecutive_failures"`
	LastError  string    `json:"last_error,omitempty"`
	FramesSent int64     `json:"frames_sent"`
}

// Manager runs the session state machine for one guild.
type Manager struct {
	dialer  Dialer
	source  FrameSource
	store   StateStore
	encoder Encoder
	opts    Options

	forceCh chan string

	mu        sync.Mutex
	observer  Observer
	state     State
	since     time.Time
	token     string
	sessionID string
	failures  int
	lastErr   error
	frames    int64
	everUp    bool
	live      bool // a transport is up
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewManager creates a disconnected manager.
func NewManager(d Dialer, src FrameSource, store StateStore, enc Encoder, opts Options) *Manager {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = audio.FrameDuration
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	return &Manager{
		dialer:   d,
		source:   src,
		store:    store,
		encoder:  enc,
		opts:     opts,
		forceCh:  make(chan string, 1),
		observer: nopObserver{},
		state:    Disconnected,
		since:    time.Now(),
	}
}

// SetObserver sets who is told about connection events. Pass nil to clear.
func (m *Manager) SetObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o == nil {
		o = nopObserver{}
	}
	m.observer = o
}

func (m *Manager) obs() Observer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observer
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot of the session.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:      m.state,
		GuildID:    m.opts.GuildID,
		ChannelID:  m.opts.ChannelID,
		SessionID:  m.sessionID,
		Since:      m.since,
		Failures:   m.failures,
		FramesSent: m.frames,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	if prev != s {
		m.state = s
		m.since = time.Now()
	}
	m.mu.Unlock()
	if prev != s {
		log.Printf("VOICE: %s -> %s", prev, s)
		metrics.SessionState.Set(float64(s))
	}
}

// Connect joins channelID (or the configured channel when empty) and starts
// supervising the session until Disconnect or ctx ends. It fails with
// ErrSessionActive if the guild already has a session. If the first attempt
// fails its error is returned, but the manager keeps retrying in the
// background.
func (m *Manager) Connect(ctx context.Context, channelID string) error {
	token, err := m.opts.Registry.Acquire(m.opts.GuildID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		m.opts.Registry.Release(m.opts.GuildID, token)
		return fmt.Errorf("%w: %s", ErrSessionActive, m.opts.GuildID)
	}
	if channelID != "" {
		m.opts.ChannelID = channelID
	}
	m.token = token
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	m.setState(Connecting)
	tr, err := m.dial(runCtx)
	if err != nil {
		log.Printf("VOICE: connect to %s/%s failed: %v", m.opts.GuildID, m.opts.ChannelID, err)
		m.recordFailure(1, err)
	} else {
		m.setState(Connected)
	}
	go m.supervise(runCtx, tr, err, done)
	return err
}

// dial opens a transport and starts a new session: the sequencer is moved
// to the last persisted position before any frame is sent.
func (m *Manager) dial(ctx context.Context) (Transport, error) {
	m.mu.Lock()
	target := Target{GuildID: m.opts.GuildID, ChannelID: m.opts.ChannelID, SessionID: uuid.NewString()}
	obs := m.observer
	reconnect := m.everUp
	m.mu.Unlock()

	tr, err := m.dialer.Dial(ctx, target, obs)
	if err != nil {
		return nil, err
	}

	ps := m.store.Persisted().Playback
	if ps.Track > 0 && ps.Variant != "" {
		m.source.Restore(ps)
	} else {
		log.Printf("VOICE: no persisted position, continuing from memory")
	}
	if err := m.store.BeginSession(ctx, target.SessionID, reconnect); err != nil {
		log.Printf("VOICE: recording session: %v", err)
	}

	// A force request aimed at the previous session is stale now.
	select {
	case <-m.forceCh:
	default:
	}

	m.mu.Lock()
	m.sessionID = target.SessionID
	m.everUp = true
	m.live = true
	m.failures = 0
	m.lastErr = nil
	m.mu.Unlock()

	obs.ObserveConnected()
	log.Printf("VOICE: session %s on %s/%s, resuming %s/%d at %.1fs",
		target.SessionID, target.GuildID, target.ChannelID, ps.Variant, ps.Track, ps.Position)
	return tr, nil
}

// supervise runs sessions back to back until ctx ends. Failures are retried
// forever with backoff.
func (m *Manager) supervise(ctx context.Context, tr Transport, lastErr error, done chan struct{}) {
	defer close(done)

	failures := 0
	if tr == nil {
		failures = 1
	}
	for {
		if tr != nil {
			err := m.runSession(ctx, tr)
			if ctx.Err() != nil {
				return
			}
			tr = nil
			m.mu.Lock()
			m.live = false
			m.mu.Unlock()
			failures, lastErr = 1, err
			log.Printf("VOICE: session lost: %v", err)
			m.setState(Degraded)
			m.obs().ObserveDisconnected()
			m.recordFailure(failures, lastErr)
		}

		m.setState(Reconnecting)
		delay := m.opts.Backoff.DelayFor(failures, m.opts.Rand(), lastErr)
		log.Printf("VOICE: reconnect attempt %d in %v", failures, delay.Round(time.Millisecond))
		if err := m.opts.Sleep(ctx, delay); err != nil {
			return
		}

		next, err := m.dial(ctx)
		metrics.ReconnectAttempts.WithLabelValues(metrics.Result(err)).Inc()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			lastErr = err
			log.Printf("VOICE: reconnect failed: %v", err)
			m.recordFailure(failures, err)
			continue
		}
		m.obs().ObserveReconnect()
		m.setState(Connected)
		tr = next
	}
}

func (m *Manager) recordFailure(failures int, err error) {
	m.mu.Lock()
	m.failures = failures
	m.lastErr = err
	m.mu.Unlock()

	if m.opts.AlertAfter > 0 && failures == m.opts.AlertAfter {
		log.Printf("VOICE: ALERT: %d consecutive connection failures for guild %s (last: %v); still retrying",
			failures, m.opts.GuildID, err)
		if m.opts.OnAlert != nil {
			m.opts.OnAlert(failures, err)
		}
	}
}

// runSession streams frames until the transport ends, a reconnect is
// forced, or ctx ends. It always closes tr.
func (m *Manager) runSession(ctx context.Context, tr Transport) error {
	sendCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.send(sendCtx, tr)
	}()
	defer func() {
		cancel()
		wg.Wait()
		tr.Close()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tr.Done():
		if err := tr.Err(); err != nil {
			return err
		}
		return &TransportError{Kind: KindDisconnected, Err: errors.New("transport closed")}
	case reason := <-m.forceCh:
		return &TransportError{Kind: KindTimeout, Err: fmt.Errorf("forced reconnect: %s", reason)}
	}
}

// send paces frames from the source into the transport.
func (m *Manager) send(ctx context.Context, tr Transport) {
	ticker := time.NewTicker(m.opts.FrameInterval)
	defer ticker.Stop()

	var lastErr string
	for {
		select {
		case <-ctx.Done():
			return
		case <-tr.Done():
			return
		case <-ticker.C:
		}

		frame, err := m.source.NextFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err.Error() != lastErr {
				lastErr = err.Error()
				log.Printf("VOICE: no audio: %v", err)
			}
			continue
		}
		lastErr = ""

		packet, err := m.encoder.Encode(frame)
		if err != nil {
			log.Printf("VOICE: opus encode: %v", err)
			continue
		}
		if err := tr.SendOpus(packet, audio.FrameDuration); err != nil {
			if ctx.Err() == nil {
				m.ForceReconnect(fmt.Sprintf("send failed: %v", err))
			}
			return
		}
		metrics.FramesSent.Inc()
		m.mu.Lock()
		m.frames++
		m.mu.Unlock()
		if m.opts.Tap != nil {
			m.opts.Tap.Publish(frame)
		}
	}
}

// ForceReconnect drops the current session and reconnects, even though the
// transport has not reported a failure. No-op when not connected.
func (m *Manager) ForceReconnect(reason string) {
	switch m.State() {
	case Connected, Degraded:
	default:
		return
	}
	log.Printf("VOICE: forcing reconnect: %s", reason)
	select {
	case m.forceCh <- reason:
	default:
	}
}

// Degrade marks a live session as degraded. Frames keep flowing.
func (m *Manager) Degrade(reason string) {
	m.mu.Lock()
	ok := m.state == Connected && m.live
	m.mu.Unlock()
	if ok {
		log.Printf("VOICE: degraded: %s", reason)
		m.setState(Degraded)
	}
}

// Recover returns a degraded session to connected.
func (m *Manager) Recover() {
	m.mu.Lock()
	ok := m.state == Degraded && m.live
	m.mu.Unlock()
	if ok {
		m.setState(Connected)
	}
}

// Disconnect ends the session, writes the playback position and releases
// the guild. Safe to call when already disconnected.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	cancel, done, token := m.cancel, m.done, m.token
	m.cancel, m.done, m.token = nil, nil, ""
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	<-done
	m.mu.Lock()
	m.live = false
	m.mu.Unlock()
	err := m.source.Checkpoint(ctx)
	m.opts.Registry.Release(m.opts.GuildID, token)
	m.setState(Disconnected)
	m.obs().ObserveDisconnected()
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
