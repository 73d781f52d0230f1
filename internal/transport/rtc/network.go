// Package rtc implements the transport over pion WebRTC, using the
// signaling broker's websocket for identity claims and SDP relay.
//
// Every call and every data channel gets its own PeerConnection.
// Signaling uses vanilla ICE: all candidates are gathered before the SDP
// is relayed, so each connection needs exactly one offer and one answer.
package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/telepresence/internal/models"
	"github.com/mossy-p/telepresence/internal/transport"
)

const (
	defaultHeartbeat     = 5 * time.Second
	defaultGatherTimeout = 15 * time.Second
	handshakeTimeout     = 10 * time.Second
)

type Config struct {
	// BrokerURL is the broker's websocket base, e.g. ws://localhost:8080.
	BrokerURL  string
	ICEServers []webrtc.ICEServer
	// Heartbeat keeps the identity claim alive on the broker.
	Heartbeat     time.Duration
	GatherTimeout time.Duration
	// Loopback includes loopback ICE candidates, for same-machine peers.
	Loopback bool
}

// Network dials the broker and builds PeerConnections.
type Network struct {
	cfg    Config
	logger *slog.Logger
	api    *webrtc.API
	dialer *websocket.Dialer
}

var _ transport.Network = (*Network)(nil)

// NewNetwork creates a Network. factory receives pion's internal logs;
// nil keeps pion's default logger.
func NewNetwork(cfg Config, logger *slog.Logger, factory logging.LoggerFactory) (*Network, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("rtc: broker url is required")
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = defaultGatherTimeout
	}

	media := &webrtc.MediaEngine{}
	if err := media.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}
	settings := webrtc.SettingEngine{}
	if factory != nil {
		settings.LoggerFactory = factory
	}
	settings.SetIncludeLoopbackCandidate(cfg.Loopback)

	return &Network{
		cfg:    cfg,
		logger: logger,
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(media), webrtc.WithSettingEngine(settings)),
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}, nil
}

// Register opens a broker session claiming id.
func (n *Network) Register(ctx context.Context, id string) (transport.Peer, error) {
	endpoint := strings.TrimRight(n.cfg.BrokerURL, "/") + "/ws/peer/" + url.PathEscape(id)

	conn, _, err := n.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading broker handshake: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	var first models.SignalMessage
	if err := json.Unmarshal(data, &first); err != nil {
		conn.Close()
		return nil, fmt.Errorf("parsing broker handshake: %w", err)
	}

	switch first.Type {
	case models.SignalTypeOpen:
	case models.SignalTypeIDTaken:
		conn.Close()
		return nil, fmt.Errorf("register %s: %w", id, transport.ErrUnavailableID)
	default:
		conn.Close()
		return nil, fmt.Errorf("register %s: unexpected handshake %q %s", id, first.Type, first.Error)
	}

	n.logger.Info("registered with broker", "dir", "SYS", "src", "PEER", "peer_id", id)
	p := newPeer(n, id, conn)
	go p.writePump()
	go p.readPump()
	return p, nil
}

func (n *Network) newPeerConnection() (*webrtc.PeerConnection, error) {
	return n.api.NewPeerConnection(webrtc.Configuration{ICEServers: n.cfg.ICEServers})
}

// gather sets the local description and waits for ICE gathering, then
// returns the complete SDP.
func (n *Network) gather(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (string, error) {
	complete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-complete:
	case <-time.After(n.cfg.GatherTimeout):
		return "", fmt.Errorf("ICE gathering timed out after %s", n.cfg.GatherTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return pc.LocalDescription().SDP, nil
}
