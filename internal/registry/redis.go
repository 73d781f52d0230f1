package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/telepresence/internal/models"
)

// Compare-and-delete and compare-and-extend, so a connection can only
// touch its own claim.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

const roomIndexTTL = 24 * time.Hour

// Redis stores claims as peer:<id> = owner with a TTL, plus a
// room:<room>:peers set used for room status.
type Redis struct {
	client *redis.Client
}

var _ Registry = (*Redis)(nil)

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func peerKey(peerID string) string { return "peer:" + peerID }
func roomKey(room string) string   { return "room:" + room + ":peers" }

func (r *Redis) Claim(ctx context.Context, peerID, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, peerKey(peerID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claiming %s: %w", peerID, err)
	}
	if !ok {
		return false, nil
	}

	if room := models.RoomOf(peerID); room != "" {
		pipe := r.client.TxPipeline()
		pipe.SAdd(ctx, roomKey(room), peerID)
		pipe.Expire(ctx, roomKey(room), roomIndexTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return true, fmt.Errorf("indexing %s: %w", peerID, err)
		}
	}
	return true, nil
}

func (r *Redis) Refresh(ctx context.Context, peerID, owner string, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, r.client, []string{peerKey(peerID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refreshing %s: %w", peerID, err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, peerID, owner string) error {
	n, err := releaseScript.Run(ctx, r.client, []string{peerKey(peerID)}, owner).Int()
	if err != nil {
		return fmt.Errorf("releasing %s: %w", peerID, err)
	}
	if n > 0 {
		r.unindex(ctx, peerID)
	}
	return nil
}

func (r *Redis) Evict(ctx context.Context, peerID string) (bool, error) {
	n, err := r.client.Del(ctx, peerKey(peerID)).Result()
	if err != nil {
		return false, fmt.Errorf("evicting %s: %w", peerID, err)
	}
	r.unindex(ctx, peerID)
	return n > 0, nil
}

func (r *Redis) unindex(ctx context.Context, peerID string) {
	if room := models.RoomOf(peerID); room != "" {
		r.client.SRem(ctx, roomKey(room), peerID)
	}
}

func (r *Redis) Lookup(ctx context.Context, peerID string) (models.Registration, bool, error) {
	pipe := r.client.Pipeline()
	get := pipe.Get(ctx, peerKey(peerID))
	ttl := pipe.PTTL(ctx, peerKey(peerID))
	_, err := pipe.Exec(ctx)
	if errors.Is(err, redis.Nil) {
		return models.Registration{}, false, nil
	}
	if err != nil {
		return models.Registration{}, false, fmt.Errorf("looking up %s: %w", peerID, err)
	}

	return models.Registration{
		PeerID:    peerID,
		Owner:     get.Val(),
		Room:      models.RoomOf(peerID),
		ExpiresAt: time.Now().Add(ttl.Val()),
	}, true, nil
}

// Members lists the room set, dropping ids whose claim has expired.
func (r *Redis) Members(ctx context.Context, room string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, roomKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing room %s: %w", room, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	exists := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, peerKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("checking room %s: %w", room, err)
	}

	var live, stale []string
	for i, id := range ids {
		if exists[i].Val() > 0 {
			live = append(live, id)
		} else {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		members := make([]any, len(stale))
		for i, id := range stale {
			members[i] = id
		}
		r.client.SRem(ctx, roomKey(room), members...)
	}
	sort.Strings(live)
	return live, nil
}
