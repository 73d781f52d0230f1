package models

import (
	"strings"
	"time"
)

const (
	hostSuffix  = "-host"
	guestMarker = "-guest-"
)

// RoomStatus is the response for GET /api/rooms/:code
type RoomStatus struct {
	Code        string   `json:"code"`
	HostID      string   `json:"hostId"`
	HostClaimed bool     `json:"hostClaimed"`
	Peers       []string `json:"peers"`
}

// Registration is a claimed peer identity
type Registration struct {
	PeerID    string    `json:"peerId"`
	Owner     string    `json:"owner"` // connection uuid holding the claim
	Room      string    `json:"room,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RoomOf extracts the escaped room component of a peer id, or "" when
// the id does not follow the host/guest naming.
func RoomOf(peerID string) string {
	if room, ok := strings.CutSuffix(peerID, hostSuffix); ok && room != "" {
		return room
	}
	if i := strings.LastIndex(peerID, guestMarker); i > 0 {
		return peerID[:i]
	}
	return ""
}

// HostOf returns the host identity for an escaped room component
func HostOf(room string) string {
	return room + hostSuffix
}
