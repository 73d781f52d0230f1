// Package transport defines the peer-to-peer contract used by the
// negotiator and the session manager. Implementations register a peer
// identity with a rendezvous service, then open media calls and data
// channels to other identities. All outcomes are reported as typed
// events on the peer's Events channel.
package transport

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrUnavailableID means another peer already holds the identity.
	ErrUnavailableID = errors.New("transport: peer id unavailable")
	// ErrClosed is returned by operations on a destroyed peer or a
	// closed channel.
	ErrClosed = errors.New("transport: closed")
	// ErrPeerUnavailable is reported when the remote identity is not
	// registered.
	ErrPeerUnavailable = errors.New("transport: remote peer unavailable")
)

// Network registers identities.
type Network interface {
	// Register claims id. It returns ErrUnavailableID when the id is
	// held by someone else.
	Register(ctx context.Context, id string) (Peer, error)
}

// Peer is a registered identity.
type Peer interface {
	ID() string
	// Call starts a media call to remote. The result arrives as
	// CallStream, CallClosed or CallError events.
	Call(remote string, local Stream) Call
	// Connect starts a reliable data channel to remote. The result
	// arrives as ConnOpen, ConnClosed or ConnError events.
	Connect(remote string) DataConn
	Events() <-chan Event
	// Destroy releases the identity and closes every call and channel.
	Destroy() error
}

type Call interface {
	ID() string
	Remote() string
	// Answer accepts an incoming call with local media.
	Answer(local Stream) error
	Close() error
}

type DataConn interface {
	ID() string
	Remote() string
	// Initiator is the peer id that opened the channel.
	Initiator() string
	Open() bool
	Send(data []byte) error
	Close() error
}

// Stream is a set of local tracks offered on a call. A nil Stream
// offers receive-only media.
type Stream interface {
	Tracks() []webrtc.TrackLocal
}

// Event is one of the types below.
type Event interface {
	event()
}

type IncomingCall struct{ Call Call }

// CallStream reports remote media. Track is nil for transports that
// carry no real media.
type CallStream struct {
	Call  Call
	Kind  string
	Track *webrtc.TrackRemote
}

type CallClosed struct{ Call Call }

type CallError struct {
	Call Call
	Err  error
}

type IncomingConn struct{ Conn DataConn }

type ConnOpen struct{ Conn DataConn }

type ConnData struct {
	Conn DataConn
	Data []byte
}

type ConnClosed struct{ Conn DataConn }

type ConnError struct {
	Conn DataConn
	Err  error
}

// PeerError is a failure of the rendezvous link itself.
type PeerError struct{ Err error }

// PeerDisconnected means the rendezvous link dropped. Established calls
// and channels may survive it.
type PeerDisconnected struct{}

func (IncomingCall) event()     {}
func (CallStream) event()       {}
func (CallClosed) event()       {}
func (CallError) event()        {}
func (IncomingConn) event()     {}
func (ConnOpen) event()         {}
func (ConnData) event()         {}
func (ConnClosed) event()       {}
func (ConnError) event()        {}
func (PeerError) event()        {}
func (PeerDisconnected) event() {}
