// Package session owns the lifecycle of one call plus its control data
// channel with a single remote device.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mossy-p/telepresence/internal/clock"
	"github.com/mossy-p/telepresence/internal/media"
	"github.com/mossy-p/telepresence/internal/messaging"
	"github.com/mossy-p/telepresence/internal/negotiator"
	"github.com/mossy-p/telepresence/internal/protocol"
	"github.com/mossy-p/telepresence/internal/rtt"
	"github.com/mossy-p/telepresence/internal/transport"
)

// Safety is told about control activity and link loss.
type Safety interface {
	MarkActivity()
	Trigger(reason string)
}

// Forwarder passes inbound peer messages to local hardware.
type Forwarder interface {
	Forward(m protocol.Message) bool
}

// FullscreenHandler enters fullscreen on request from the remote.
type FullscreenHandler func() error

type Options struct {
	Network transport.Network
	Media   media.Source
	Clock   clock.Clock
	Logger  *slog.Logger

	Messaging        messaging.Config
	RTTWindow        int
	MaxGuestAttempts int

	Safety     Safety
	Bridge     Forwarder
	Fullscreen FullscreenHandler
	Notify     func(Notification)
}

// Manager is safe for concurrent use. Transport events are processed on
// one goroutine per registered peer.
type Manager struct {
	opts       Options
	logger     *slog.Logger
	negotiator *negotiator.Negotiator
	layer      *messaging.Layer

	mu       sync.Mutex
	state    State
	role     negotiator.Role
	localID  string
	hostID   string
	peer     transport.Peer
	call     transport.Call
	conn     transport.DataConn
	mediaUp  bool
	dataUp   bool
	stream   *media.Stream
	stopLoop context.CancelFunc
}

type noSafety struct{}

func (noSafety) MarkActivity()  {}
func (noSafety) Trigger(string) {}

type noBridge struct{}

func (noBridge) Forward(protocol.Message) bool { return false }

func New(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Media == nil {
		opts.Media = media.None{}
	}
	if opts.Safety == nil {
		opts.Safety = noSafety{}
	}
	if opts.Bridge == nil {
		opts.Bridge = noBridge{}
	}
	if opts.Notify == nil {
		opts.Notify = func(Notification) {}
	}

	tracker := rtt.New(opts.Clock, opts.RTTWindow, opts.Logger.With("src", "ACK"))
	return &Manager{
		opts:       opts,
		logger:     opts.Logger,
		negotiator: negotiator.New(opts.Network, opts.MaxGuestAttempts, opts.Logger),
		layer:      messaging.New(opts.Messaging, opts.Clock, tracker, opts.Logger),
		state:      StateIdle,
	}
}

// Connect starts a session for room, replacing any existing one. Local
// media is acquired first; a denial is returned and nothing starts.
func (m *Manager) Connect(ctx context.Context, room string) error {
	stream, err := m.opts.Media.Acquire(ctx)
	if err != nil {
		m.logger.Warn("local media unavailable", "dir", "SYS", "src", "APP", "error", err)
		return fmt.Errorf("acquiring local media: %w", err)
	}

	m.Hangup()

	m.mu.Lock()
	m.setState(StateConnecting)
	m.mu.Unlock()
	m.emitStatus()

	res, err := m.negotiator.Negotiate(ctx, room)
	if err != nil {
		stream.Stop()
		m.mu.Lock()
		m.setState(StateIdle)
		m.mu.Unlock()
		m.emitStatus()
		m.logger.Warn("negotiation failed", "dir", "SYS", "src", "PEER", "error", err)
		return err
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())

	m.mu.Lock()
	m.peer = res.Peer
	m.role = res.Role
	m.localID = res.LocalID
	m.hostID = res.HostID
	m.stream = stream
	m.stopLoop = stopLoop

	if res.Role == negotiator.RoleHost {
		m.setState(StateWaiting)
	} else {
		m.setState(StateCalling)
		m.call = res.Peer.Call(res.HostID, stream)
		m.conn = res.Peer.Connect(res.HostID)
		m.logger.Info("calling host "+res.HostID, "dir", "SYS", "src", "PEER")
	}
	m.mu.Unlock()

	go m.layer.Run(loopCtx)
	go m.pump(res.Peer)
	m.emitStatus()
	return nil
}

// Hangup ends the session and releases the identity.
func (m *Manager) Hangup() {
	m.mu.Lock()
	call, conn, peer, stream, stop := m.call, m.conn, m.peer, m.stream, m.stopLoop
	linked := m.mediaUp || m.dataUp
	m.call, m.conn, m.peer, m.stream, m.stopLoop = nil, nil, nil, nil, nil
	m.mediaUp, m.dataUp = false, false
	m.role, m.localID, m.hostID = "", "", ""
	changed := m.setState(StateIdle)
	m.mu.Unlock()

	if conn != nil {
		m.layer.Detach(conn)
		conn.Close()
	}
	if call != nil {
		call.Close()
	}
	if peer != nil {
		peer.Destroy()
	}
	if stream != nil {
		stream.Stop()
	}
	if stop != nil {
		stop()
	}
	if linked {
		m.opts.Safety.Trigger("hangup")
	}
	if changed {
		m.logger.Info("hung up", "dir", "SYS", "src", "APP")
		m.emitStatus()
	}
}

// setState applies a legal transition. The caller holds m.mu.
func (m *Manager) setState(to State) bool {
	if m.state == to {
		return false
	}
	if to != StateIdle && !canTransition(m.state, to) {
		m.logger.Debug("ignoring state transition", "from", m.state, "to", to)
		return false
	}
	m.logger.Debug("state", "from", m.state, "to", to)
	m.state = to
	return true
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	s := Status{
		State:          m.state,
		Role:           string(m.role),
		LocalID:        m.localID,
		HostID:         m.hostID,
		MediaConnected: m.mediaUp,
		DataConnected:  m.dataUp,
	}
	switch {
	case m.conn != nil:
		s.RemoteID = m.conn.Remote()
	case m.call != nil:
		s.RemoteID = m.call.Remote()
	}
	m.mu.Unlock()

	tracker := m.layer.RTT()
	s.Pending = m.layer.PendingCount()
	s.RTTAverage = tracker.Average()
	s.RTTLast = tracker.Last()
	return s
}

func (m *Manager) emitStatus() {
	m.opts.Notify(StatusChanged{Status: m.Status()})
}

// Send transmits m over the data channel. It returns "", false when no
// channel is open.
func (m *Manager) Send(msg protocol.Message) (string, bool) {
	return m.layer.Send(msg)
}

func (m *Manager) SendCommand(direction string, pressed bool) (string, bool) {
	return m.Send(protocol.Command{Direction: direction, Pressed: pressed})
}

func (m *Manager) SendButton(button string, pressed bool) (string, bool) {
	return m.Send(protocol.Button{Button: button, Pressed: pressed})
}

func (m *Manager) SendText(text string) (string, bool) {
	return m.Send(protocol.Text{Body: text})
}

// RequestRemoteFullscreen asks the remote to go fullscreen. The answer
// arrives as a MessageReceived carrying a protocol.UI response.
func (m *Manager) RequestRemoteFullscreen() (string, bool) {
	return m.Send(protocol.UI{Cmd: protocol.UIFullscreenRequest, ReqID: "fs-" + uuid.NewString()[:8]})
}

// ClearPending drops unacknowledged messages, as when the log is cleared.
func (m *Manager) ClearPending() {
	m.layer.Clear()
}

func (m *Manager) pump(peer transport.Peer) {
	for ev := range peer.Events() {
		m.handle(peer, ev)
	}
}

func (m *Manager) handle(peer transport.Peer, ev transport.Event) {
	m.mu.Lock()
	current := m.peer == peer
	m.mu.Unlock()
	if !current {
		return
	}

	switch e := ev.(type) {
	case transport.IncomingCall:
		m.onIncomingCall(e.Call)
	case transport.CallStream:
		m.onCallStream(e)
	case transport.CallClosed:
		m.onCallEnded(e.Call, nil)
	case transport.CallError:
		m.onCallEnded(e.Call, e.Err)
	case transport.IncomingConn:
		m.onIncomingConn(e.Conn)
	case transport.ConnOpen:
		m.onConnOpen(e.Conn)
	case transport.ConnData:
		m.onConnData(e.Conn, e.Data)
	case transport.ConnClosed:
		m.onConnEnded(e.Conn, nil)
	case transport.ConnError:
		m.onConnEnded(e.Conn, e.Err)
	case transport.PeerError:
		m.logger.Warn("peer error", "dir", "SYS", "src", "PEER", "error", e.Err)
	case transport.PeerDisconnected:
		m.logger.Warn("signaling link lost, existing channels kept", "dir", "SYS", "src", "PEER")
	}
}

func (m *Manager) onIncomingCall(call transport.Call) {
	m.mu.Lock()
	prior := m.call
	m.call = call
	m.mediaUp = false
	stream := m.stream
	m.setState(StateConnecting)
	m.mu.Unlock()

	m.logger.Info("incoming call from "+call.Remote(), "dir", "SYS", "src", "PEER")
	if prior != nil && prior != call {
		prior.Close()
	}
	if err := call.Answer(stream); err != nil {
		m.logger.Warn("answer failed", "dir", "SYS", "src", "PEER", "error", err)
	}
	m.ensureData(call.Remote())
	m.emitStatus()
}

// ensureData opens a data channel to remote unless one exists.
func (m *Manager) ensureData(remote string) {
	m.mu.Lock()
	if m.peer == nil || (m.conn != nil && m.conn.Remote() == remote) {
		m.mu.Unlock()
		return
	}
	prior := m.conn
	m.conn = m.peer.Connect(remote)
	m.dataUp = false
	m.mu.Unlock()

	m.logger.Info("opening data channel to "+remote, "dir", "SYS", "src", "PEER")
	if prior != nil {
		m.layer.Detach(prior)
		prior.Close()
	}
}

func (m *Manager) onCallStream(e transport.CallStream) {
	m.mu.Lock()
	if m.call != e.Call || m.mediaUp {
		m.mu.Unlock()
		return
	}
	m.mediaUp = true
	m.setState(StateConnected)
	m.mu.Unlock()

	m.logger.Info("remote media connected", "dir", "SYS", "src", "PEER", "kind", e.Kind)
	m.emitStatus()
}

func (m *Manager) onCallEnded(call transport.Call, err error) {
	m.mu.Lock()
	if m.call != call {
		m.mu.Unlock()
		return
	}
	m.call = nil
	m.mediaUp = false
	if !m.dataUp {
		m.setState(StateDisconnected)
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("call error", "dir", "SYS", "src", "PEER", "error", err)
	} else {
		m.logger.Info("call closed", "dir", "SYS", "src", "PEER")
	}
	m.opts.Safety.Trigger("call closed")
	m.emitStatus()
}

func (m *Manager) onIncomingConn(conn transport.DataConn) {
	m.mu.Lock()
	prior := m.conn
	keep := prior
	if prefer(prior, conn) {
		keep = conn
	}
	if keep == conn {
		m.conn = conn
		m.dataUp = false
	}
	m.mu.Unlock()

	if keep != conn {
		m.logger.Debug("dropping duplicate data channel", "connection", conn.ID(), "remote", conn.Remote())
		conn.Close()
		return
	}
	m.logger.Info("incoming data channel from "+conn.Remote(), "dir", "SYS", "src", "PEER")
	if prior != nil {
		m.layer.Detach(prior)
		prior.Close()
	}
	if conn.Open() {
		m.onConnOpen(conn)
	}
}

// prefer reports whether candidate should replace current. Both ends of
// a duplicated link pick the same channel: the one initiated by the
// lexicographically smaller peer id, or the newer one when both came
// from the same side. A channel to a different remote always wins.
func prefer(current, candidate transport.DataConn) bool {
	if current == nil || current.Remote() != candidate.Remote() {
		return true
	}
	if current.Initiator() != candidate.Initiator() {
		return candidate.Initiator() < current.Initiator()
	}
	return true
}

func (m *Manager) onConnOpen(conn transport.DataConn) {
	m.mu.Lock()
	if m.conn != conn || m.dataUp {
		m.mu.Unlock()
		return
	}
	m.dataUp = true
	m.setState(StateConnected)
	m.mu.Unlock()

	m.layer.Attach(conn)
	m.logger.Info("data channel open with "+conn.Remote(), "dir", "SYS", "src", "PEER")
	m.emitStatus()
}

func (m *Manager) onConnEnded(conn transport.DataConn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.dataUp = false
	if !m.mediaUp {
		m.setState(StateDisconnected)
	}
	m.mu.Unlock()

	m.layer.Detach(conn)
	if err != nil {
		m.logger.Warn("data channel error", "dir", "SYS", "src", "PEER", "error", err)
	} else {
		m.logger.Info("data channel closed", "dir", "SYS", "src", "PEER")
	}
	m.opts.Safety.Trigger("peer disconnect")
	m.emitStatus()
}

func (m *Manager) onConnData(conn transport.DataConn, data []byte) {
	m.mu.Lock()
	current := m.conn == conn
	m.mu.Unlock()
	if !current {
		return
	}

	msg, ok := m.layer.Receive(data)
	if ok {
		m.deliver(msg)
	}
	m.emitStatus()
}

func (m *Manager) deliver(msg protocol.Message) {
	if protocol.IsControl(msg) {
		m.opts.Safety.MarkActivity()
	}
	if ui, ok := msg.(protocol.UI); ok && ui.Cmd == protocol.UIFullscreenRequest {
		m.answerFullscreen(ui)
	} else {
		m.opts.Bridge.Forward(msg)
	}
	m.opts.Notify(MessageReceived{Message: msg})
}

func (m *Manager) answerFullscreen(req protocol.UI) {
	resp := protocol.UI{Cmd: protocol.UIFullscreenResponse, ReqID: req.ReqID, Status: "ok"}
	if m.opts.Fullscreen == nil {
		resp.Status, resp.Reason = "error", "unsupported"
	} else if err := m.opts.Fullscreen(); err != nil {
		resp.Status, resp.Reason = "error", err.Error()
	}
	m.Send(resp)
}

// WaitFor blocks until the state is want or ctx is done. It polls, so it
// suits tests and CLIs rather than hot paths.
func (m *Manager) WaitFor(ctx context.Context, want State) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.Status().State == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), fmt.Errorf("session state %s, want %s", m.Status().State, want))
		case <-ticker.C:
		}
	}
}
