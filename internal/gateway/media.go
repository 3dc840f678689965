package gateway

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// mediaSession is the audio half of a voice connection.
type mediaSession interface {
	// Offer returns the local SDP once ICE gathering is complete.
	Offer(ctx context.Context) (string, error)
	// Accept applies the gateway's SDP answer.
	Accept(sdp string) error
	WriteOpus(packet []byte, duration time.Duration) error
	// Failed is closed when the peer connection fails or closes.
	Failed() <-chan struct{}
	Close() error
}

// peerMedia sends Opus over a pion peer connection.
type peerMedia struct {
	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample

	failed   chan struct{}
	failOnce sync.Once
}

func newPeerMedia(stunURL, streamID string) (mediaSession, error) {
	cfg := webrtc.Configuration{}
	if stunURL != "" {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{stunURL}}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		streamID,
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add track: %w", err)
	}

	m := &peerMedia{pc: pc, track: track, failed: make(chan struct{})}
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			log.Printf("GATEWAY: peer connection %s", s)
			m.failOnce.Do(func() { close(m.failed) })
		}
	})
	return m, nil
}

func (m *peerMedia) Offer(ctx context.Context) (string, error) {
	offer, err := m.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(m.pc)
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return m.pc.LocalDescription().SDP, nil
}

func (m *peerMedia) Accept(sdp string) error {
	return m.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (m *peerMedia) WriteOpus(packet []byte, duration time.Duration) error {
	return m.track.WriteSample(media.Sample{Data: packet, Duration: duration})
}

func (m *peerMedia) Failed() <-chan struct{} { return m.failed }

func (m *peerMedia) Close() error { return m.pc.Close() }
