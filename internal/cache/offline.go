package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/PortNumber53/subsync/internal/models"
)

const (
	offlinePrefix   = "subsync:offline:"
	offlineUsersKey = "subsync:offline-users"
)

// ackScript trims acknowledged patches and drops the user from the pending
// set once the list is empty, atomically with respect to Enqueue.
var ackScript = redis.NewScript(`
redis.call('LTRIM', KEYS[1], ARGV[1], -1)
local n = redis.call('LLEN', KEYS[1])
if n == 0 then
  redis.call('DEL', KEYS[1])
  redis.call('SREM', KEYS[2], ARGV[2])
end
return n
`)

// OfflineStore parks patches that could not reach the durable store. Patches
// are kept per user in arrival order and replayed through the normal upsert
// path, which tolerates duplicates.
type OfflineStore struct {
	rdb redis.UniversalClient
}

// NewOfflineStore wraps a Redis client.
func NewOfflineStore(rdb redis.UniversalClient) *OfflineStore {
	return &OfflineStore{rdb: rdb}
}

func offlineKey(user string) string {
	return offlinePrefix + models.NormalizeUserKey(user)
}

// Enqueue appends p to the user's pending list and marks the user unsynced.
func (o *OfflineStore) Enqueue(ctx context.Context, p models.SubscriptionPatch) error {
	user := models.NormalizeUserKey(p.UserKey)
	p.UserKey = user
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("offline: encode patch: %w", err)
	}
	_, err = o.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, offlineKey(user), raw)
		pipe.SAdd(ctx, offlineUsersKey, user)
		return nil
	})
	if err != nil {
		return fmt.Errorf("offline: enqueue for %s: %w", user, err)
	}
	return nil
}

// Pending returns the user's parked patches, oldest first.
func (o *OfflineStore) Pending(ctx context.Context, user string) ([]models.SubscriptionPatch, error) {
	raws, err := o.rdb.LRange(ctx, offlineKey(user), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("offline: list pending for %s: %w", user, err)
	}
	patches := make([]models.SubscriptionPatch, 0, len(raws))
	for _, raw := range raws {
		var p models.SubscriptionPatch
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("offline: decode patch for %s: %w", user, err)
		}
		patches = append(patches, p)
	}
	return patches, nil
}

// Users lists users with parked patches.
func (o *OfflineStore) Users(ctx context.Context) ([]string, error) {
	users, err := o.rdb.SMembers(ctx, offlineUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("offline: list users: %w", err)
	}
	return users, nil
}

// Ack drops the first n patches of the user's list and returns how many
// remain.
func (o *OfflineStore) Ack(ctx context.Context, user string, n int) (int, error) {
	user = models.NormalizeUserKey(user)
	remaining, err := ackScript.Run(ctx, o.rdb, []string{offlineKey(user), offlineUsersKey}, n, user).Int()
	if err != nil {
		return 0, fmt.Errorf("offline: ack %d for %s: %w", n, user, err)
	}
	return remaining, nil
}

// Project applies pending patches over base in order. The result is what the
// record will look like once the patches reach the durable store. Status-only
// patches are skipped until a record exists.
func Project(user string, base *models.SubscriptionRecord, patches []models.SubscriptionPatch) *models.SubscriptionRecord {
	rec := base.Clone()
	for _, p := range patches {
		if rec == nil {
			if p.StatusOnly {
				continue
			}
			p.UserKey = user
			rec = models.NewRecord(p)
			continue
		}
		rec.Apply(p)
	}
	return rec
}
