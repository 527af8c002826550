// README: Last-position store in Redis; the ordering guard runs as one Lua script.
package location

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"rideflow/internal/types"
)

const positionTTL = 24 * time.Hour

// applyScript writes the fix only if it is newer than the stored one: by seq
// when both carry one, otherwise by client timestamp in milliseconds.
//
// KEYS[1] position hash
// ARGV    seq ("" if none), ts, lat, lng, bearing ("" if none), at, ttl seconds
var applyScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'seq', 'ts')
if ARGV[1] ~= '' and cur[1] then
	if tonumber(ARGV[1]) <= tonumber(cur[1]) then return 0 end
elseif cur[2] then
	if tonumber(ARGV[2]) <= tonumber(cur[2]) then return 0 end
end
redis.call('HSET', KEYS[1], 'ts', ARGV[2], 'lat', ARGV[3], 'lng', ARGV[4], 'at', ARGV[6])
if ARGV[1] ~= '' then redis.call('HSET', KEYS[1], 'seq', ARGV[1]) end
if ARGV[5] ~= '' then redis.call('HSET', KEYS[1], 'bearing', ARGV[5]) else redis.call('HDEL', KEYS[1], 'bearing') end
redis.call('EXPIRE', KEYS[1], ARGV[7])
return 1
`)

// Positions is the last-fix storage the service needs.
type Positions interface {
	Apply(ctx context.Context, f Fix, bearing *float64, ts, at time.Time) (bool, error)
	Last(ctx context.Context, role types.Role, id types.ID) (*Position, error)
}

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

func positionKey(role types.Role, id types.ID) string {
	return fmt.Sprintf("location:%s:%s", role, id)
}

func (s *Store) Apply(ctx context.Context, f Fix, bearing *float64, ts, at time.Time) (bool, error) {
	seq, brg := "", ""
	if f.Seq != nil {
		seq = strconv.FormatInt(*f.Seq, 10)
	}
	if bearing != nil {
		brg = strconv.FormatFloat(*bearing, 'f', 2, 64)
	}
	res, err := applyScript.Run(ctx, s.redis, []string{positionKey(f.Role, f.UserID)},
		seq,
		ts.UnixMilli(),
		strconv.FormatFloat(f.Point.Lat, 'f', -1, 64),
		strconv.FormatFloat(f.Point.Lng, 'f', -1, 64),
		brg,
		at.UnixMilli(),
		int(positionTTL.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("apply fix %s: %w", f.UserID, err)
	}
	return res == 1, nil
}

func (s *Store) Last(ctx context.Context, role types.Role, id types.ID) (*Position, error) {
	vals, err := s.redis.HGetAll(ctx, positionKey(role, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("last position %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, ErrNoPosition
	}
	p := &Position{UserID: id, Role: role}
	if p.Point.Lat, err = strconv.ParseFloat(vals["lat"], 64); err != nil {
		return nil, fmt.Errorf("parse lat: %w", err)
	}
	if p.Point.Lng, err = strconv.ParseFloat(vals["lng"], 64); err != nil {
		return nil, fmt.Errorf("parse lng: %w", err)
	}
	if v, ok := vals["bearing"]; ok {
		if b, err := strconv.ParseFloat(v, 64); err == nil {
			p.Bearing = &b
		}
	}
	if v, ok := vals["seq"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			p.Seq = &n
		}
	}
	if ms, err := strconv.ParseInt(vals["at"], 10, 64); err == nil {
		p.At = time.UnixMilli(ms).UTC()
	}
	return p, nil
}

// lastOrNil treats a missing position as no previous fix.
func lastOrNil(ctx context.Context, s Positions, role types.Role, id types.ID) (*Position, error) {
	p, err := s.Last(ctx, role, id)
	if errors.Is(err, ErrNoPosition) {
		return nil, nil
	}
	return p, err
}
