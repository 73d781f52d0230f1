package models

// SignalType represents the type of broker frame
type SignalType string

const (
	// Server → client
	SignalTypeOpen    SignalType = "open"
	SignalTypeIDTaken SignalType = "id-taken"
	SignalTypeExpire  SignalType = "expire"
	SignalTypeLeave   SignalType = "leave"
	SignalTypeError   SignalType = "error"

	// Relayed between peers
	SignalTypeOffer  SignalType = "offer"
	SignalTypeAnswer SignalType = "answer"
	SignalTypeClose  SignalType = "close"

	// Client → server
	SignalTypeHeartbeat SignalType = "heartbeat"
)

// ConnectionKind tells the callee what an offer sets up
type ConnectionKind string

const (
	ConnectionMedia ConnectionKind = "media"
	ConnectionData  ConnectionKind = "data"
)

// SignalMessage is one websocket frame between a peer and the broker
type SignalMessage struct {
	Type         SignalType     `json:"type"`
	PeerID       string         `json:"peerId,omitempty"`
	Src          string         `json:"src,omitempty"`
	Dst          string         `json:"dst,omitempty"`
	ConnectionID string         `json:"connectionId,omitempty"`
	Kind         ConnectionKind `json:"kind,omitempty"`
	SDP          string         `json:"sdp,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Relayed reports whether the broker forwards t to the dst peer
func (t SignalType) Relayed() bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeClose:
		return true
	}
	return false
}
