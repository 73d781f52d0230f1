// Package negotiator elects host or guest for a room by racing for the
// room's well-known host identity.
package negotiator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/mossy-p/telepresence/internal/transport"
)

var ErrEmptyRoom = errors.New("negotiator: room code is empty")

const DefaultMaxGuestAttempts = 3

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// Result is the outcome of a negotiation. Peer is registered under
// LocalID and owned by the caller.
type Result struct {
	Role    Role
	Peer    transport.Peer
	LocalID string
	HostID  string
}

type Negotiator struct {
	network          transport.Network
	logger           *slog.Logger
	maxGuestAttempts int
	suffix           func() (string, error)
}

func New(network transport.Network, maxGuestAttempts int, logger *slog.Logger) *Negotiator {
	if maxGuestAttempts <= 0 {
		maxGuestAttempts = DefaultMaxGuestAttempts
	}
	return &Negotiator{
		network:          network,
		logger:           logger,
		maxGuestAttempts: maxGuestAttempts,
		suffix:           randomSuffix,
	}
}

// HostID is the identity every device in room races for.
func HostID(room string) string {
	return url.PathEscape(room) + "-host"
}

// GuestID is a guest identity for room with the given suffix.
func GuestID(room, suffix string) string {
	return url.PathEscape(room) + "-guest-" + suffix
}

// Negotiate claims the host identity, falling back to a guest identity
// when another device holds it. Errors other than an identity conflict
// end the attempt.
func (n *Negotiator) Negotiate(ctx context.Context, room string) (Result, error) {
	room = strings.TrimSpace(room)
	if room == "" {
		return Result{}, ErrEmptyRoom
	}
	hostID := HostID(room)

	n.logger.Info("trying host id "+hostID, "dir", "SYS", "src", "PEER")
	peer, err := n.network.Register(ctx, hostID)
	if err == nil {
		n.logger.Info("registered as host", "dir", "SYS", "src", "PEER", "peer_id", hostID)
		return Result{Role: RoleHost, Peer: peer, LocalID: hostID, HostID: hostID}, nil
	}
	if !errors.Is(err, transport.ErrUnavailableID) {
		return Result{}, fmt.Errorf("registering host id: %w", err)
	}
	if peer != nil {
		peer.Destroy()
	}

	n.logger.Info("host already present, joining as guest", "dir", "SYS", "src", "PEER")
	for attempt := 1; attempt <= n.maxGuestAttempts; attempt++ {
		suffix, err := n.suffix()
		if err != nil {
			return Result{}, fmt.Errorf("generating guest id: %w", err)
		}
		guestID := GuestID(room, suffix)

		peer, err := n.network.Register(ctx, guestID)
		if err == nil {
			n.logger.Info("registered as guest", "dir", "SYS", "src", "PEER", "peer_id", guestID)
			return Result{Role: RoleGuest, Peer: peer, LocalID: guestID, HostID: hostID}, nil
		}
		if !errors.Is(err, transport.ErrUnavailableID) {
			return Result{}, fmt.Errorf("registering guest id: %w", err)
		}
		if peer != nil {
			peer.Destroy()
		}
		n.logger.Warn("guest id taken, retrying", "dir", "SYS", "src", "PEER", "peer_id", guestID, "attempt", attempt)
	}
	return Result{}, fmt.Errorf("no free guest id after %d attempts: %w", n.maxGuestAttempts, transport.ErrUnavailableID)
}

func randomSuffix() (string, error) {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
