// Package gateway connects to the platform's voice gateway. Signalling runs
// over a websocket (join, SDP offer/answer, heartbeats) and audio flows over
// a WebRTC peer connection carrying a single Opus track.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/satindergrewal/qariradio/internal/voice"
)

// Gateway ops.
const (
	opJoin         = "join"
	opReady        = "ready"
	opOffer        = "offer"
	opAnswer       = "answer"
	opHeartbeat    = "heartbeat"
	opHeartbeatAck = "heartbeat_ack"
	opError        = "error"
)

// Close and error codes sent by the platform.
const (
	CodeNotAuthenticated = 4003
	CodeAuthFailed       = 4004
	CodeSessionTimeout   = 4009
	CodeForbidden        = 4011
	CodeDisconnected     = 4014 // kicked or channel deleted
	CodeRateLimited      = 4029
)

type message struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
}

type joinData struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	SessionID string `json:"session_id"`
}

type readyData struct {
	HeartbeatIntervalMS int64 `json:"heartbeat_interval_ms"`
}

type sdpData struct {
	SDP string `json:"sdp"`
}

type heartbeatData struct {
	Nonce int64 `json:"nonce"`
}

type errorData struct {
	Code         int    `json:"code"`
	Message      string `json:"message"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

func encode(op string, v any) ([]byte, error) {
	msg := message{Op: op}
	if v != nil {
		d, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		msg.Data = d
	}
	return json.Marshal(msg)
}

// classify maps a platform code to a transport error kind.
func classify(code int) voice.ErrorKind {
	switch code {
	case CodeNotAuthenticated, CodeAuthFailed, CodeForbidden, CodeDisconnected:
		return voice.KindPermission
	case CodeRateLimited:
		return voice.KindRateLimited
	case CodeSessionTimeout:
		return voice.KindTimeout
	}
	return voice.KindDisconnected
}

func errorFromOp(d errorData) *voice.TransportError {
	return &voice.TransportError{
		Kind:       classify(d.Code),
		Code:       d.Code,
		RetryAfter: time.Duration(d.RetryAfterMS) * time.Millisecond,
		Err:        errors.New(d.Message),
	}
}

// transportError wraps a websocket or network failure. Close frames keep
// their code; anything else is a plain disconnect.
func transportError(err error) *voice.TransportError {
	var te *voice.TransportError
	if errors.As(err, &te) {
		return te
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &voice.TransportError{
			Kind: classify(ce.Code),
			Code: ce.Code,
			Err:  fmt.Errorf("gateway closed: %s", ce.Text),
		}
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return &voice.TransportError{Kind: voice.KindTimeout, Err: err}
	}
	return &voice.TransportError{Kind: voice.KindDisconnected, Err: err}
}
