package session

import "github.com/mossy-p/telepresence/internal/protocol"

// Notification is delivered to the observer passed in Options.
type Notification interface {
	notification()
}

type StatusChanged struct{ Status Status }

// MessageReceived carries an inbound, already-acked peer message.
type MessageReceived struct{ Message protocol.Message }

func (StatusChanged) notification()   {}
func (MessageReceived) notification() {}
