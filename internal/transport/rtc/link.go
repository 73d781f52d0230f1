package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/telepresence/internal/models"
	"github.com/mossy-p/telepresence/internal/transport"
)

const dataChannelLabel = "data"

// link is the PeerConnection behind one Call or Conn.
type link struct {
	peer      *Peer
	id        string
	remote    string
	kind      models.ConnectionKind
	initiator string
	incoming  bool
	remoteSDP string

	call *Call
	conn *Conn

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	channel  *webrtc.DataChannel
	answered bool
	open     bool
	closed   bool
}

func (p *Peer) newLink(id, remote string, kind models.ConnectionKind, initiator string) *link {
	return &link{
		peer:      p,
		id:        id,
		remote:    remote,
		kind:      kind,
		initiator: initiator,
	}
}

// dial creates the offer side.
func (l *link) dial(local transport.Stream) {
	pc, err := l.setup(local)
	if err != nil {
		l.fail(err)
		return
	}

	if l.kind == models.ConnectionData {
		ordered := true
		dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			l.fail(fmt.Errorf("creating data channel: %w", err))
			return
		}
		l.wireChannel(dc)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		l.fail(fmt.Errorf("creating SDP offer: %w", err))
		return
	}
	sdp, err := l.peer.network.gather(l.peer.ctx, pc, offer)
	if err != nil {
		l.fail(err)
		return
	}

	err = l.peer.signal(models.SignalMessage{
		Type:         models.SignalTypeOffer,
		Dst:          l.remote,
		ConnectionID: l.id,
		Kind:         l.kind,
		SDP:          sdp,
	})
	if err != nil {
		l.fail(fmt.Errorf("relaying offer: %w", err))
	}
}

// accept creates the answer side for a relayed offer.
func (l *link) accept(local transport.Stream) {
	pc, err := l.setup(local)
	if err != nil {
		l.fail(err)
		return
	}

	if l.kind == models.ConnectionData {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() == dataChannelLabel {
				l.wireChannel(dc)
			}
		})
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: l.remoteSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		l.fail(fmt.Errorf("setting remote description: %w", err))
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		l.fail(fmt.Errorf("creating SDP answer: %w", err))
		return
	}
	sdp, err := l.peer.network.gather(l.peer.ctx, pc, answer)
	if err != nil {
		l.fail(err)
		return
	}

	err = l.peer.signal(models.SignalMessage{
		Type:         models.SignalTypeAnswer,
		Dst:          l.remote,
		ConnectionID: l.id,
		Kind:         l.kind,
		SDP:          sdp,
	})
	if err != nil {
		l.fail(fmt.Errorf("relaying answer: %w", err))
	}
}

// setup creates the PeerConnection with local tracks and state hooks.
func (l *link) setup(local transport.Stream) (*webrtc.PeerConnection, error) {
	pc, err := l.peer.network.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		pc.Close()
		return nil, transport.ErrClosed
	}
	l.pc = pc
	l.mu.Unlock()

	if l.kind == models.ConnectionMedia {
		if err := addMedia(pc, local); err != nil {
			return nil, err
		}
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if !closed {
				l.peer.events.Push(transport.CallStream{Call: l.call, Kind: track.Kind().String(), Track: track})
			}
		})
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		l.peer.network.logger.Debug("ICE state change", "connection", l.id, "remote", l.remote, "state", state.String())
		switch state {
		case webrtc.ICEConnectionStateFailed:
			l.fail(errors.New("ICE connection failed"))
		case webrtc.ICEConnectionStateClosed:
			l.close(false)
		}
	})
	return pc, nil
}

// addMedia attaches local tracks, or receive-only transceivers when
// there are none so the remote can still send media.
func addMedia(pc *webrtc.PeerConnection, local transport.Stream) error {
	var tracks []webrtc.TrackLocal
	if local != nil {
		tracks = local.Tracks()
	}
	if len(tracks) == 0 {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
			if err != nil {
				return fmt.Errorf("adding %s transceiver: %w", kind, err)
			}
		}
		return nil
	}

	for _, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("adding track %s: %w", track.ID(), err)
		}
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP reads incoming RTCP so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (l *link) wireChannel(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.channel = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		l.open = true
		l.mu.Unlock()
		l.peer.events.Push(transport.ConnOpen{Conn: l.conn})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if l.isOpen() {
			l.peer.events.Push(transport.ConnData{Conn: l.conn, Data: msg.Data})
		}
	})
	dc.OnClose(func() {
		l.close(false)
	})
	dc.OnError(func(err error) {
		l.peer.network.logger.Warn("data channel error", "dir", "SYS", "src", "PEER", "connection", l.id, "error", err)
	})
}

// applyAnswer sets the remote answer on an outgoing link.
func (l *link) applyAnswer(sdp string) {
	l.mu.Lock()
	pc := l.pc
	if l.incoming || l.answered || l.closed || pc == nil {
		l.mu.Unlock()
		return
	}
	l.answered = true
	l.mu.Unlock()

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := pc.SetRemoteDescription(answer); err != nil {
		l.fail(fmt.Errorf("setting remote description: %w", err))
	}
}

func (l *link) isOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open && !l.closed
}

func (l *link) send(data []byte) error {
	l.mu.Lock()
	dc, open := l.channel, l.open && !l.closed
	l.mu.Unlock()
	if !open || dc == nil {
		return transport.ErrClosed
	}
	return dc.SendText(string(data))
}

// fail reports err and tears the link down.
func (l *link) fail(err error) {
	if !l.markClosed() {
		return
	}
	if l.call != nil {
		l.peer.events.Push(transport.CallError{Call: l.call, Err: err})
	} else {
		l.peer.events.Push(transport.ConnError{Conn: l.conn, Err: err})
	}
	l.release(true)
}

// close tears the link down. notify tells the remote through the broker.
func (l *link) close(notify bool) {
	if !l.markClosed() {
		return
	}
	if l.call != nil {
		l.peer.events.Push(transport.CallClosed{Call: l.call})
	} else {
		l.peer.events.Push(transport.ConnClosed{Conn: l.conn})
	}
	l.release(notify)
}

func (l *link) markClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.closed = true
	l.open = false
	return true
}

func (l *link) release(notify bool) {
	l.peer.untrack(l)
	if notify {
		l.peer.signal(models.SignalMessage{
			Type:         models.SignalTypeClose,
			Dst:          l.remote,
			ConnectionID: l.id,
		})
	}

	l.mu.Lock()
	pc, dc := l.pc, l.channel
	l.mu.Unlock()

	// Closing from inside a pion callback would deadlock its operations
	// queue.
	go func() {
		if dc != nil {
			dc.Close()
		}
		if pc != nil {
			pc.Close()
		}
	}()
}

// Call is a media call over one PeerConnection.
type Call struct {
	link *link
}

var _ transport.Call = (*Call)(nil)

func (c *Call) ID() string     { return c.link.id }
func (c *Call) Remote() string { return c.link.remote }

// Answer accepts an incoming call. Negotiation continues in the
// background; failures arrive as CallError.
func (c *Call) Answer(local transport.Stream) error {
	l := c.link
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return transport.ErrClosed
	}
	if !l.incoming || l.answered {
		l.mu.Unlock()
		return fmt.Errorf("call %s: answer on outgoing or answered call", l.id)
	}
	l.answered = true
	l.mu.Unlock()

	go l.accept(local)
	return nil
}

func (c *Call) Close() error {
	c.link.close(true)
	return nil
}

// Conn is a reliable, ordered data channel over one PeerConnection.
type Conn struct {
	link *link
}

var _ transport.DataConn = (*Conn)(nil)

func (c *Conn) ID() string             { return c.link.id }
func (c *Conn) Remote() string         { return c.link.remote }
func (c *Conn) Initiator() string      { return c.link.initiator }
func (c *Conn) Open() bool             { return c.link.isOpen() }
func (c *Conn) Send(data []byte) error { return c.link.send(data) }

func (c *Conn) Close() error {
	c.link.close(true)
	return nil
}
