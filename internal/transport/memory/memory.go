// Package memory is an in-process transport. Calls carry no real media;
// data channels deliver payloads between peers of the same Network.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mossy-p/telepresence/internal/transport"
)

// Network is the rendezvous point for in-process peers.
type Network struct {
	mu    sync.Mutex
	peers map[string]*Peer
}

func NewNetwork() *Network {
	return &Network{peers: make(map[string]*Peer)}
}

var _ transport.Network = (*Network)(nil)

func (n *Network) Register(ctx context.Context, id string) (transport.Peer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, taken := n.peers[id]; taken {
		return nil, fmt.Errorf("register %s: %w", id, transport.ErrUnavailableID)
	}
	p := &Peer{
		id:      id,
		network: n,
		events:  transport.NewQueue(),
		calls:   make(map[string]*Call),
		conns:   make(map[string]*Conn),
	}
	n.peers[id] = p
	return p, nil
}

// Registered reports whether id is currently held.
func (n *Network) Registered(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.peers[id]
	return ok
}

// Disconnect simulates a dropped rendezvous link for id. The identity
// stays registered.
func (n *Network) Disconnect(id string) {
	n.mu.Lock()
	p := n.peers[id]
	n.mu.Unlock()
	if p != nil {
		p.events.Push(transport.PeerDisconnected{})
	}
}

func (n *Network) lookup(id string) *Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[id]
}

func (n *Network) release(p *Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.peers[p.id] == p {
		delete(n.peers, p.id)
	}
}

type Peer struct {
	id      string
	network *Network
	events  *transport.Queue

	mu        sync.Mutex
	destroyed bool
	calls     map[string]*Call
	conns     map[string]*Conn
}

func (p *Peer) ID() string                     { return p.id }
func (p *Peer) Events() <-chan transport.Event { return p.events.C() }

func (p *Peer) track(call *Call, conn *Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return false
	}
	if call != nil {
		p.calls[call.id] = call
	}
	if conn != nil {
		p.conns[conn.id] = conn
	}
	return true
}

func (p *Peer) untrack(call *Call, conn *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if call != nil {
		delete(p.calls, call.id)
	}
	if conn != nil {
		delete(p.conns, conn.id)
	}
}

func (p *Peer) Call(remote string, local transport.Stream) transport.Call {
	id := "mc_" + uuid.NewString()
	c := &Call{id: id, owner: p, remote: remote}
	if !p.track(c, nil) {
		c.closed = true
		return c
	}

	target := p.network.lookup(remote)
	if target == nil {
		p.untrack(c, nil)
		c.closed = true
		p.events.Push(transport.CallError{Call: c, Err: fmt.Errorf("call %s: %w", remote, transport.ErrPeerUnavailable)})
		return c
	}

	other := &Call{id: id, owner: target, remote: p.id, incoming: true}
	c.other, other.other = other, c
	if !target.track(other, nil) {
		p.untrack(c, nil)
		c.closed = true
		p.events.Push(transport.CallError{Call: c, Err: fmt.Errorf("call %s: %w", remote, transport.ErrPeerUnavailable)})
		return c
	}
	target.events.Push(transport.IncomingCall{Call: other})
	return c
}

func (p *Peer) Connect(remote string) transport.DataConn {
	id := "dc_" + uuid.NewString()
	c := &Conn{id: id, owner: p, remote: remote, initiator: p.id}
	if !p.track(nil, c) {
		c.closed = true
		return c
	}

	target := p.network.lookup(remote)
	if target == nil {
		p.untrack(nil, c)
		c.closed = true
		p.events.Push(transport.ConnError{Conn: c, Err: fmt.Errorf("connect %s: %w", remote, transport.ErrPeerUnavailable)})
		return c
	}

	other := &Conn{id: id, owner: target, remote: p.id, initiator: p.id}
	c.other, other.other = other, c
	if !target.track(nil, other) {
		p.untrack(nil, c)
		c.closed = true
		p.events.Push(transport.ConnError{Conn: c, Err: fmt.Errorf("connect %s: %w", remote, transport.ErrPeerUnavailable)})
		return c
	}

	target.events.Push(transport.IncomingConn{Conn: other})
	c.setOpen()
	other.setOpen()
	target.events.Push(transport.ConnOpen{Conn: other})
	p.events.Push(transport.ConnOpen{Conn: c})
	return c
}

func (p *Peer) Destroy() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	calls := make([]*Call, 0, len(p.calls))
	for _, c := range p.calls {
		calls = append(calls, c)
	}
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range calls {
		c.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	p.network.release(p)
	p.events.Close()
	return nil
}

// Call is one side of an in-process call.
type Call struct {
	id       string
	owner    *Peer
	remote   string
	incoming bool
	other    *Call

	mu       sync.Mutex
	answered bool
	closed   bool
}

func (c *Call) ID() string     { return c.id }
func (c *Call) Remote() string { return c.remote }

func (c *Call) Answer(local transport.Stream) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	if !c.incoming || c.answered {
		c.mu.Unlock()
		return fmt.Errorf("call %s: answer on outgoing or answered call", c.id)
	}
	c.answered = true
	c.mu.Unlock()

	c.owner.events.Push(transport.CallStream{Call: c, Kind: "video"})
	c.other.owner.events.Push(transport.CallStream{Call: c.other, Kind: "video"})
	return nil
}

func (c *Call) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.owner.untrack(c, nil)
	c.owner.events.Push(transport.CallClosed{Call: c})

	if c.other != nil && c.other.markClosed() {
		c.other.owner.untrack(c.other, nil)
		c.other.owner.events.Push(transport.CallClosed{Call: c.other})
	}
	return nil
}

func (c *Call) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

// Conn is one side of an in-process data channel.
type Conn struct {
	id        string
	owner     *Peer
	remote    string
	initiator string
	other     *Conn

	mu     sync.Mutex
	open   bool
	closed bool
}

func (c *Conn) ID() string        { return c.id }
func (c *Conn) Remote() string    { return c.remote }
func (c *Conn) Initiator() string { return c.initiator }

func (c *Conn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}

func (c *Conn) setOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = true
}

func (c *Conn) Send(data []byte) error {
	if !c.Open() || !c.other.Open() {
		return transport.ErrClosed
	}
	payload := append([]byte(nil), data...)
	c.other.owner.events.Push(transport.ConnData{Conn: c.other, Data: payload})
	return nil
}

func (c *Conn) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.owner.untrack(nil, c)
	c.owner.events.Push(transport.ConnClosed{Conn: c})

	if c.other != nil && c.other.markClosed() {
		c.other.owner.untrack(nil, c.other)
		c.other.owner.events.Push(transport.ConnClosed{Conn: c.other})
	}
	return nil
}

func (c *Conn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}
