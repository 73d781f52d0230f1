// Package registry keeps the broker's peer identity claims. A claim is
// exclusive: at most one connection holds a peer id at any instant.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/mossy-p/telepresence/internal/models"
)

// ErrNotOwner is returned when a connection refreshes or releases a claim
// it does not hold.
var ErrNotOwner = errors.New("registry: claim held by another owner")

type Registry interface {
	// Claim takes peerID for owner. It returns false when someone else
	// holds an unexpired claim.
	Claim(ctx context.Context, peerID, owner string, ttl time.Duration) (bool, error)
	// Refresh extends owner's claim.
	Refresh(ctx context.Context, peerID, owner string, ttl time.Duration) error
	// Release drops owner's claim. Releasing a claim that has expired
	// or moved to another owner is not an error.
	Release(ctx context.Context, peerID, owner string) error
	// Evict drops a claim regardless of owner and reports whether one
	// existed.
	Evict(ctx context.Context, peerID string) (bool, error)
	Lookup(ctx context.Context, peerID string) (models.Registration, bool, error)
	// Members lists the live peer ids of a room.
	Members(ctx context.Context, room string) ([]string, error)
}
