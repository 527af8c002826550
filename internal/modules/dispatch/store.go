// README: Dispatch store (Redis) remembers which drivers each trip was offered to.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"rideflow/internal/types"
)

const (
	notifiedKeyPrefix   = "dispatch:trip:%s:notified"
	dispatchedKeyPrefix = "dispatch:trip:%s:dispatched_at"
	keyTTL              = 30 * time.Minute
)

// Offers records the drivers a trip was broadcast to.
type Offers interface {
	Record(ctx context.Context, tripID types.ID, driverIDs []types.ID) error
	Notified(ctx context.Context, tripID types.ID) ([]types.ID, error)
	DispatchedAt(ctx context.Context, tripID types.ID) (time.Time, bool, error)
}

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

// Record adds driverIDs to the trip's notified set and stamps the first
// dispatch time.
func (s *Store) Record(ctx context.Context, tripID types.ID, driverIDs []types.ID) error {
	pipe := s.redis.Pipeline()
	pipe.SetNX(ctx, dispatchedAtKey(tripID), time.Now().UTC().Format(time.RFC3339Nano), keyTTL)
	if len(driverIDs) > 0 {
		members := make([]interface{}, len(driverIDs))
		for i, d := range driverIDs {
			members[i] = string(d)
		}
		pipe.SAdd(ctx, notifiedKey(tripID), members...)
		pipe.Expire(ctx, notifiedKey(tripID), keyTTL)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("record dispatch %s: %w", tripID, err)
	}
	return nil
}

func (s *Store) Notified(ctx context.Context, tripID types.ID) ([]types.ID, error) {
	members, err := s.redis.SMembers(ctx, notifiedKey(tripID)).Result()
	if err != nil {
		return nil, fmt.Errorf("notified drivers %s: %w", tripID, err)
	}
	ids := make([]types.ID, len(members))
	for i, m := range members {
		ids[i] = types.ID(m)
	}
	return ids, nil
}

// DispatchedAt returns when the trip was first broadcast.
func (s *Store) DispatchedAt(ctx context.Context, tripID types.ID) (time.Time, bool, error) {
	val, err := s.redis.Get(ctx, dispatchedAtKey(tripID)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func notifiedKey(tripID types.ID) string {
	return fmt.Sprintf(notifiedKeyPrefix, string(tripID))
}

func dispatchedAtKey(tripID types.ID) string {
	return fmt.Sprintf(dispatchedKeyPrefix, string(tripID))
}
