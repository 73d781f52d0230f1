package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/telepresence/internal/clock"
	"github.com/mossy-p/telepresence/internal/models"
)

// Memory is a process-local Registry.
type Memory struct {
	clock clock.Clock

	mu     sync.Mutex
	claims map[string]models.Registration
}

var _ Registry = (*Memory)(nil)

func NewMemory(clk clock.Clock) *Memory {
	return &Memory{clock: clk, claims: make(map[string]models.Registration)}
}

// live returns the unexpired claim for peerID. The caller holds m.mu.
func (m *Memory) live(peerID string) (models.Registration, bool) {
	reg, ok := m.claims[peerID]
	if !ok {
		return reg, false
	}
	if !m.clock.Now().Before(reg.ExpiresAt) {
		delete(m.claims, peerID)
		return models.Registration{}, false
	}
	return reg, true
}

func (m *Memory) Claim(ctx context.Context, peerID, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.live(peerID); held {
		return false, nil
	}
	m.claims[peerID] = models.Registration{
		PeerID:    peerID,
		Owner:     owner,
		Room:      models.RoomOf(peerID),
		ExpiresAt: m.clock.Now().Add(ttl),
	}
	return true, nil
}

func (m *Memory) Refresh(ctx context.Context, peerID, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, held := m.live(peerID)
	if !held || reg.Owner != owner {
		return ErrNotOwner
	}
	reg.ExpiresAt = m.clock.Now().Add(ttl)
	m.claims[peerID] = reg
	return nil
}

func (m *Memory) Release(ctx context.Context, peerID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reg, ok := m.claims[peerID]; ok && reg.Owner == owner {
		delete(m.claims, peerID)
	}
	return nil
}

func (m *Memory) Evict(ctx context.Context, peerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, held := m.live(peerID)
	delete(m.claims, peerID)
	return held, nil
}

func (m *Memory) Lookup(ctx context.Context, peerID string) (models.Registration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, held := m.live(peerID)
	return reg, held, nil
}

func (m *Memory) Members(ctx context.Context, room string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id := range m.claims {
		if reg, held := m.live(id); held && reg.Room == room {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
