// Package voice keeps one voice session per guild alive indefinitely. The
// Manager dials through a Dialer, feeds 20ms Opus frames from a FrameSource
// and reconnects with capped exponential backoff whenever the transport
// drops or the health monitor asks it to.
package voice

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is the session lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	case Reconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText lets State appear by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrSessionActive is returned when the guild already has a session.
var ErrSessionActive = errors.New("voice session already active for guild")

// ErrorKind classifies transport failures.
type ErrorKind int

const (
	KindDisconnected ErrorKind = iota
	KindTimeout
	KindPermission
	KindRateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case KindDisconnected:
		return "disconnected"
	case KindTimeout:
		return "timeout"
	case KindPermission:
		return "permission"
	case KindRateLimited:
		return "rate-limited"
	}
	return "unknown"
}

// TransportError is a failure reported by a Dialer or Transport. None of
// them are fatal to the Manager.
type TransportError struct {
	Kind       ErrorKind
	Code       int           // platform close or error code, if any
	RetryAfter time.Duration // set by the platform on rate limiting
	Err        error
}

func (e *TransportError) Error() string {
	msg := e.Kind.String()
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code %d)", e.Code)
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" retry after %v", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// Target identifies the channel to join.
type Target struct {
	GuildID   string
	ChannelID string
	SessionID string // fresh per session
}

// Transport is an established voice connection.
type Transport interface {
	// SendOpus delivers one encoded frame lasting duration.
	SendOpus(packet []byte, duration time.Duration) error
	// Done is closed when the connection ends for any reason.
	Done() <-chan struct{}
	// Err reports why Done was closed. Nil after a local Close.
	Err() error
	Close() error
}

// Dialer opens transports. Heartbeat round trips are reported to obs.
type Dialer interface {
	Dial(ctx context.Context, target Target, obs Observer) (Transport, error)
}

// Observer is told about connection events. health.Monitor implements it.
type Observer interface {
	ObserveHeartbeat(rtt time.Duration)
	ObserveConnected()
	ObserveDisconnected()
	ObserveReconnect()
}

type nopObserver struct{}

func (nopObserver) ObserveHeartbeat(time.Duration) {}
func (nopObserver) ObserveConnected()              {}
func (nopObserver) ObserveDisconnected()           {}
func (nopObserver) ObserveReconnect()              {}
