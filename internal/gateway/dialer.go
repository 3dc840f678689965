package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/satindergrewal/qariradio/internal/voice"
)

const writeTimeout = 10 * time.Second

// Options configures a Dialer.
type Options struct {
	URL              string
	Token            string
	STUNURL          string
	HandshakeTimeout time.Duration // join through SDP answer
	OpsPerSecond     float64       // outbound signalling ops
}

// Dialer opens voice transports. It implements voice.Dialer.
type Dialer struct {
	opts     Options
	ws       websocket.Dialer
	newMedia func(stunURL, streamID string) (mediaSession, error)
}

// NewDialer creates a dialer for the configured gateway.
func NewDialer(opts Options) *Dialer {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 15 * time.Second
	}
	if opts.OpsPerSecond <= 0 {
		opts.OpsPerSecond = 5
	}
	return &Dialer{
		opts:     opts,
		ws:       websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		newMedia: newPeerMedia,
	}
}

// Dial joins target and negotiates the audio track. Heartbeat round trips
// are reported to obs for as long as the transport lives.
func (d *Dialer) Dial(ctx context.Context, target voice.Target, obs voice.Observer) (voice.Transport, error) {
	hsCtx, cancel := context.WithTimeout(ctx, d.opts.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	if d.opts.Token != "" {
		header.Set("Authorization", "Bearer "+d.opts.Token)
	}
	ws, resp, err := d.ws.DialContext(hsCtx, d.opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, handshakeError(resp, err)
		}
		return nil, transportError(err)
	}

	c := &conn{
		ws:      ws,
		obs:     obs,
		limiter: rate.NewLimiter(rate.Limit(d.opts.OpsPerSecond), int(d.opts.OpsPerSecond)+1),
		done:    make(chan struct{}),
	}
	stop := context.AfterFunc(hsCtx, func() { ws.Close() })
	interval, err := c.handshake(hsCtx, d, target)
	if !stop() && err == nil {
		err = hsCtx.Err()
	}
	if err != nil {
		c.shutdown()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if hsCtx.Err() != nil {
			return nil, &voice.TransportError{Kind: voice.KindTimeout, Err: fmt.Errorf("handshake: %w", err)}
		}
		return nil, transportError(err)
	}

	go c.readLoop()
	go c.heartbeatLoop(interval)
	go c.watchMedia()
	log.Printf("GATEWAY: joined %s/%s (heartbeat every %v)", target.GuildID, target.ChannelID, interval)
	return c, nil
}

func handshakeError(resp *http.Response, err error) error {
	te := &voice.TransportError{Kind: voice.KindDisconnected, Code: resp.StatusCode, Err: err}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		te.Kind = voice.KindPermission
	case http.StatusTooManyRequests:
		te.Kind = voice.KindRateLimited
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil {
			te.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return te
}

// conn is an established voice transport.
type conn struct {
	ws      *websocket.Conn
	obs     voice.Observer
	limiter *rate.Limiter
	media   mediaSession

	writeMu sync.Mutex

	done     chan struct{}
	doneOnce sync.Once
	errMu    sync.Mutex
	err      error
}

func (c *conn) handshake(ctx context.Context, d *Dialer, target voice.Target) (time.Duration, error) {
	if dl, ok := ctx.Deadline(); ok {
		c.ws.SetReadDeadline(dl)
	}
	if err := c.send(ctx, opJoin, joinData{
		GuildID:   target.GuildID,
		ChannelID: target.ChannelID,
		SessionID: target.SessionID,
	}); err != nil {
		return 0, err
	}

	var ready readyData
	if err := c.expect(opReady, &ready); err != nil {
		return 0, err
	}
	interval := time.Duration(ready.HeartbeatIntervalMS) * time.Millisecond
	if interval <= 0 {
		return 0, errors.New("ready without heartbeat interval")
	}

	m, err := d.newMedia(d.opts.STUNURL, "qariradio-"+target.SessionID)
	if err != nil {
		return 0, err
	}
	c.media = m
	offer, err := m.Offer(ctx)
	if err != nil {
		return 0, err
	}
	if err := c.send(ctx, opOffer, sdpData{SDP: offer}); err != nil {
		return 0, err
	}
	var answer sdpData
	if err := c.expect(opAnswer, &answer); err != nil {
		return 0, err
	}
	if err := m.Accept(answer.SDP); err != nil {
		return 0, fmt.Errorf("apply answer: %w", err)
	}

	c.ws.SetReadDeadline(time.Time{})
	return interval, nil
}

// expect reads one message and decodes it into v. An error op becomes a
// classified transport error.
func (c *conn) expect(op string, v any) error {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return err
	}
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode %s: %w", op, err)
	}
	if msg.Op == opError {
		var e errorData
		json.Unmarshal(msg.Data, &e)
		return errorFromOp(e)
	}
	if msg.Op != op {
		return fmt.Errorf("expected %s, got %s", op, msg.Op)
	}
	return json.Unmarshal(msg.Data, v)
}

func (c *conn) send(ctx context.Context, op string, v any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	data, err := encode(op, v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(transportError(err))
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("GATEWAY: bad message: %v", err)
			continue
		}
		switch msg.Op {
		case opHeartbeatAck:
			var hb heartbeatData
			if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.Nonce == 0 {
				continue
			}
			if rtt := time.Since(time.Unix(0, hb.Nonce)); rtt >= 0 {
				c.obs.ObserveHeartbeat(rtt)
			}
		case opError:
			var e errorData
			json.Unmarshal(msg.Data, &e)
			c.fail(errorFromOp(e))
			return
		}
	}
}

func (c *conn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.done
		cancel()
	}()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.send(ctx, opHeartbeat, heartbeatData{Nonce: time.Now().UnixNano()}); err != nil {
				if ctx.Err() == nil {
					c.fail(transportError(err))
				}
				return
			}
		}
	}
}

func (c *conn) watchMedia() {
	select {
	case <-c.done:
	case <-c.media.Failed():
		c.fail(&voice.TransportError{Kind: voice.KindDisconnected, Err: errors.New("peer connection failed")})
	}
}

// SendOpus writes one Opus packet to the audio track.
func (c *conn) SendOpus(packet []byte, duration time.Duration) error {
	select {
	case <-c.done:
		if err := c.Err(); err != nil {
			return err
		}
		return net.ErrClosed
	default:
	}
	return c.media.WriteOpus(packet, duration)
}

func (c *conn) Done() <-chan struct{} { return c.done }

func (c *conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close ends the session with a normal closure. Err stays nil.
func (c *conn) Close() error {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.fail(nil)
	return nil
}

func (c *conn) fail(err error) {
	c.doneOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		if err != nil {
			log.Printf("GATEWAY: transport ended: %v", err)
		}
		close(c.done)
		c.shutdown()
	})
}

func (c *conn) shutdown() {
	c.ws.Close()
	if c.media != nil {
		c.media.Close()
	}
}
