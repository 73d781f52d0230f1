package session

import "time"

type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateWaiting      State = "waiting"
	StateCalling      State = "calling"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// transitions lists the legal successors of each state. Hangup may move
// any state to Idle.
var transitions = map[State][]State{
	StateIdle:         {StateConnecting},
	StateConnecting:   {StateWaiting, StateCalling, StateConnected, StateDisconnected, StateIdle},
	StateWaiting:      {StateConnecting, StateConnected, StateDisconnected, StateIdle},
	StateCalling:      {StateConnecting, StateConnected, StateDisconnected, StateIdle},
	StateConnected:    {StateConnecting, StateDisconnected, StateIdle},
	StateDisconnected: {StateConnecting, StateConnected, StateIdle},
}

func canTransition(from, to State) bool {
	if from == to {
		return false
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Status is a point-in-time snapshot of the session.
type Status struct {
	State          State
	Role           string
	LocalID        string
	HostID         string
	RemoteID       string
	MediaConnected bool
	DataConnected  bool
	Pending        int
	RTTAverage     time.Duration
	RTTLast        time.Duration
}
