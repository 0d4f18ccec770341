// README: Station fair queue store: Redis sorted sets mutated through Lua scripts.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mywin/internal/config"
	"mywin/internal/types"
)

// Key schema, shared with the driver module which owns writes to the stats
// hash: the queue scripts read stats and maintain the status/currentWin
// fields during queue transitions.
const (
	queueKeyPrefix = "win:%s:queue"
	statsKeyPrefix = "driver:%s:stats"
)

func queueKey(stationID types.ID) string {
	return fmt.Sprintf(queueKeyPrefix, string(stationID))
}

func statsKey(driverID types.ID) string {
	return fmt.Sprintf(statsKeyPrefix, string(driverID))
}

// Script replies other than "OK" map onto the package sentinel errors.
const (
	replyOK            = "OK"
	replyAlreadyQueued = "ALREADY_QUEUED"
	replyNotAvailable  = "NOT_AVAILABLE"
)

// joinScript inserts a driver into a station queue. The membership check, the
// availability check against the stats hash, the rank computation, and the
// insert are one atomic step, so a driver can never be queued mid-trip or end
// up with entries at two stations.
//
// Rank stored = fixedScore - now*wIdle: the idle-time term never needs a
// rewrite because every live comparison shares the same now*wIdle offset.
var joinScript = redis.NewScript(`
local driverId = ARGV[1]
if redis.call("ZSCORE", KEYS[1], driverId) then
  return "ALREADY_QUEUED"
end
if redis.call("HGET", KEYS[2], "currentWin") then
  return "ALREADY_QUEUED"
end
local stats = redis.call("HMGET", KEYS[2], "status", "lastTripTime", "tripsToday", "rating")
if stats[1] ~= "idle" then
  return "NOT_AVAILABLE"
end
local now = tonumber(ARGV[3])
local lastTrip = tonumber(stats[2]) or 0
local trips = tonumber(stats[3]) or 0
local rating = tonumber(stats[4]) or 5.0
local recency = math.max(0, now - lastTrip)
local equity = 1 / math.max(1, trips)
local fixed = recency * tonumber(ARGV[5]) + equity * tonumber(ARGV[6]) + rating * tonumber(ARGV[7])
redis.call("ZADD", KEYS[1], fixed - now * tonumber(ARGV[4]), driverId)
redis.call("HSET", KEYS[2], "currentWin", ARGV[2], "joinedQueueAt", now)
return "OK"
`)

// requeueScript re-runs join semantics with a fresh join timestamp: the prior
// entry (wherever it lives) is replaced and the idle credit resets to zero,
// while recency, trips, and rating carry over from the stats hash. Status is
// forced back to idle, which makes this double as the release path after an
// offer timeout, a reject, or a post-match rider cancel.
var requeueScript = redis.NewScript(`
local driverId = ARGV[1]
local status = redis.call("HGET", KEYS[1], "status")
if not status or status == "busy" then
  return "NOT_AVAILABLE"
end
local cur = redis.call("HGET", KEYS[1], "currentWin")
if cur then
  redis.call("ZREM", "win:" .. cur .. ":queue", driverId)
end
local stats = redis.call("HMGET", KEYS[1], "lastTripTime", "tripsToday", "rating")
local now = tonumber(ARGV[3])
local lastTrip = tonumber(stats[1]) or 0
local trips = tonumber(stats[2]) or 0
local rating = tonumber(stats[3]) or 5.0
local recency = math.max(0, now - lastTrip)
local equity = 1 / math.max(1, trips)
local fixed = recency * tonumber(ARGV[5]) + equity * tonumber(ARGV[6]) + rating * tonumber(ARGV[7])
redis.call("ZADD", "win:" .. ARGV[2] .. ":queue", fixed - now * tonumber(ARGV[4]), driverId)
redis.call("HSET", KEYS[1], "status", "idle", "currentWin", ARGV[2], "joinedQueueAt", now)
return "OK"
`)

// popScript removes a specific driver read moments earlier as the queue head.
// Returns 0 when a concurrent caller won the race for that member, in which
// case the Go side re-reads the new head.
var popScript = redis.NewScript(`
local removed = redis.call("ZREM", KEYS[1], ARGV[1])
if removed == 1 then
  local stats = "driver:" .. ARGV[1] .. ":stats"
  redis.call("HDEL", stats, "currentWin", "joinedQueueAt")
  redis.call("HSET", stats, "status", "offered")
end
return removed
`)

// claimScript is the dequeue-and-bind primitive the matcher uses: verify the
// driver is idle, drop its queue entry if it has one, and flip it to offered,
// all in one step. Two dispatch attempts can therefore never award the same
// driver.
var claimScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if status ~= "idle" then
  return "NOT_AVAILABLE"
end
local cur = redis.call("HGET", KEYS[1], "currentWin")
if cur then
  redis.call("ZREM", "win:" .. cur .. ":queue", ARGV[1])
  redis.call("HDEL", KEYS[1], "currentWin", "joinedQueueAt")
end
redis.call("HSET", KEYS[1], "status", "offered")
return "OK"
`)

type Store struct {
	redis   *redis.Client
	weights config.WeightsConfig
}

func NewStore(rdb *redis.Client, weights config.WeightsConfig) *Store {
	return &Store{redis: rdb, weights: weights}
}

func (s *Store) Join(ctx context.Context, stationID, driverID types.ID, now time.Time) error {
	res, err := joinScript.Run(ctx, s.redis,
		[]string{queueKey(stationID), statsKey(driverID)},
		string(driverID), string(stationID), now.Unix(),
		s.weights.Idle, s.weights.Recency, s.weights.TripEquity, s.weights.Rating,
	).Text()
	if err != nil {
		return err
	}
	return replyToError(res)
}

func (s *Store) Requeue(ctx context.Context, stationID, driverID types.ID, now time.Time) error {
	res, err := requeueScript.Run(ctx, s.redis,
		[]string{statsKey(driverID)},
		string(driverID), string(stationID), now.Unix(),
		s.weights.Idle, s.weights.Recency, s.weights.TripEquity, s.weights.Rating,
	).Text()
	if err != nil {
		return err
	}
	return replyToError(res)
}

// PopBest removes and returns the highest-ranked driver. A lost removal race
// re-reads the new head; each retry shrinks the queue by at least one member,
// so the loop is bounded by queue cardinality and terminates with
// ErrEmptyQueue once no members remain.
func (s *Store) PopBest(ctx context.Context, stationID types.ID) (types.ID, error) {
	key := queueKey(stationID)
	for {
		top, err := s.redis.ZRevRange(ctx, key, 0, 0).Result()
		if err != nil {
			return "", err
		}
		if len(top) == 0 {
			return "", ErrEmptyQueue
		}
		best := top[0]
		removed, err := popScript.Run(ctx, s.redis, []string{key}, best).Int()
		if err != nil {
			return "", err
		}
		if removed == 1 {
			return types.ID(best), nil
		}
	}
}

func (s *Store) Claim(ctx context.Context, driverID types.ID) error {
	res, err := claimScript.Run(ctx, s.redis, []string{statsKey(driverID)}, string(driverID)).Text()
	if err != nil {
		return err
	}
	return replyToError(res)
}

func (s *Store) Position(ctx context.Context, driverID types.ID) (Position, error) {
	stationVal, err := s.redis.HGet(ctx, statsKey(driverID), "currentWin").Result()
	if err == redis.Nil {
		return Position{}, ErrNotQueued
	}
	if err != nil {
		return Position{}, err
	}
	key := queueKey(types.ID(stationVal))
	rank, err := s.redis.ZRevRank(ctx, key, string(driverID)).Result()
	if err == redis.Nil {
		return Position{}, ErrNotQueued
	}
	if err != nil {
		return Position{}, err
	}
	stored, err := s.redis.ZScore(ctx, key, string(driverID)).Result()
	if err != nil && err != redis.Nil {
		return Position{}, err
	}
	return Position{StationID: types.ID(stationVal), Rank: rank + 1, StoredRank: stored}, nil
}

func (s *Store) Depth(ctx context.Context, stationID types.ID) (int64, error) {
	return s.redis.ZCard(ctx, queueKey(stationID)).Result()
}

func replyToError(reply string) error {
	switch reply {
	case replyOK:
		return nil
	case replyAlreadyQueued:
		return ErrAlreadyQueued
	case replyNotAvailable:
		return ErrNotAvailable
	default:
		return fmt.Errorf("unexpected queue script reply %q", reply)
	}
}
