package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/telepresence/internal/models"
	"github.com/mossy-p/telepresence/internal/transport"
)

const writeWait = 10 * time.Second

// Peer is a registered identity with a live broker websocket.
type Peer struct {
	id      string
	network *Network
	ws      *websocket.Conn
	send    chan []byte
	events  *transport.Queue

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	destroyed bool
	links     map[string]*link
}

func newPeer(n *Network, id string, ws *websocket.Conn) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Peer{
		id:      id,
		network: n,
		ws:      ws,
		send:    make(chan []byte, 256),
		events:  transport.NewQueue(),
		ctx:     ctx,
		cancel:  cancel,
		links:   make(map[string]*link),
	}
}

func (p *Peer) ID() string                     { return p.id }
func (p *Peer) Events() <-chan transport.Event { return p.events.C() }

func (p *Peer) Call(remote string, local transport.Stream) transport.Call {
	l := p.newLink("mc_"+uuid.NewString(), remote, models.ConnectionMedia, p.id)
	c := &Call{link: l}
	l.call = c
	if !p.track(l) {
		l.closed = true
		return c
	}
	go l.dial(local)
	return c
}

func (p *Peer) Connect(remote string) transport.DataConn {
	l := p.newLink("dc_"+uuid.NewString(), remote, models.ConnectionData, p.id)
	c := &Conn{link: l}
	l.conn = c
	if !p.track(l) {
		l.closed = true
		return c
	}
	go l.dial(nil)
	return c
}

func (p *Peer) Destroy() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	links := make([]*link, 0, len(p.links))
	for _, l := range p.links {
		links = append(links, l)
	}
	p.mu.Unlock()

	for _, l := range links {
		l.close(true)
	}
	p.cancel()
	p.events.Close()
	return nil
}

func (p *Peer) track(l *link) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return false
	}
	p.links[l.id] = l
	return true
}

func (p *Peer) untrack(l *link) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.links[l.id] == l {
		delete(p.links, l.id)
	}
}

func (p *Peer) lookup(id string) *link {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.links[id]
}

func (p *Peer) isDestroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

// signal queues a frame for the broker. Frames queued after Destroy or
// on a full buffer are dropped.
func (p *Peer) signal(msg models.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", msg.Type, err)
	}
	select {
	case <-p.ctx.Done():
		return transport.ErrClosed
	default:
	}
	select {
	case p.send <- data:
		return nil
	default:
		return errors.New("broker send buffer full")
	}
}

func (p *Peer) readPump() {
	defer func() {
		p.cancel()
		p.ws.Close()
		if !p.isDestroyed() {
			p.network.logger.Warn("broker connection lost", "dir", "SYS", "src", "PEER", "peer_id", p.id)
			p.events.Push(transport.PeerDisconnected{})
		}
	}()

	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !p.isDestroyed() {
				p.network.logger.Warn("broker read failed", "dir", "SYS", "src", "PEER", "error", err)
			}
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			p.network.logger.Warn("unparseable broker frame", "dir", "SYS", "src", "PEER", "error", err)
			continue
		}
		p.handle(msg)
	}
}

func (p *Peer) handle(msg models.SignalMessage) {
	switch msg.Type {
	case models.SignalTypeOffer:
		p.incoming(msg)

	case models.SignalTypeAnswer:
		if l := p.lookup(msg.ConnectionID); l != nil {
			l.applyAnswer(msg.SDP)
		}

	case models.SignalTypeClose:
		if l := p.lookup(msg.ConnectionID); l != nil {
			l.close(false)
		}

	case models.SignalTypeExpire:
		if l := p.lookup(msg.ConnectionID); l != nil {
			l.fail(fmt.Errorf("%s: %w", msg.Dst, transport.ErrPeerUnavailable))
		}

	case models.SignalTypeLeave:
		p.network.logger.Debug("peer left broker", "dir", "SYS", "src", "PEER", "remote", msg.Src)

	case models.SignalTypeError:
		p.events.Push(transport.PeerError{Err: fmt.Errorf("broker: %s", msg.Error)})

	default:
		p.network.logger.Debug("ignoring broker frame", "type", msg.Type)
	}
}

func (p *Peer) incoming(msg models.SignalMessage) {
	if msg.ConnectionID == "" || msg.Src == "" {
		return
	}
	if p.lookup(msg.ConnectionID) != nil {
		return
	}

	l := p.newLink(msg.ConnectionID, msg.Src, msg.Kind, msg.Src)
	l.incoming = true
	l.remoteSDP = msg.SDP

	switch msg.Kind {
	case models.ConnectionMedia:
		c := &Call{link: l}
		l.call = c
		if p.track(l) {
			p.events.Push(transport.IncomingCall{Call: c})
		}
	case models.ConnectionData:
		c := &Conn{link: l}
		l.conn = c
		if p.track(l) {
			p.events.Push(transport.IncomingConn{Conn: c})
			go l.accept(nil)
		}
	default:
		p.network.logger.Warn("offer with unknown kind", "dir", "SYS", "src", "PEER", "kind", msg.Kind)
	}
}

func (p *Peer) writePump() {
	ticker := time.NewTicker(p.network.cfg.Heartbeat)
	defer func() {
		ticker.Stop()
		p.ws.Close()
	}()

	heartbeat, _ := json.Marshal(models.SignalMessage{Type: models.SignalTypeHeartbeat})

	for {
		select {
		case <-p.ctx.Done():
			p.flush()
			p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			p.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-p.send:
			p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				p.network.logger.Warn("broker write failed", "dir", "SYS", "src", "PEER", "error", err)
				return
			}

		case <-ticker.C:
			p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.ws.WriteMessage(websocket.TextMessage, heartbeat); err != nil {
				return
			}
		}
	}
}

// flush writes frames queued before shutdown, such as close notices
// sent by Destroy.
func (p *Peer) flush() {
	for {
		select {
		case message := <-p.send:
			p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
