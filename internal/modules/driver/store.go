// README: Driver live-state store: Redis GEO positions plus per-driver stats hashes.
package driver

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"mywin/internal/types"
)

// Key schema shared with the queue module, which reads the stats hash inside
// its scripts and maintains status/currentWin across queue transitions.
const (
	geoKey         = "drivers:locations"
	statsKeyPrefix = "driver:%s:stats"
)

func statsKey(driverID types.ID) string {
	return fmt.Sprintf(statsKeyPrefix, string(driverID))
}

// onlineScript refreshes the driver's position unconditionally but resets the
// stats hash only when the driver is not mid-trip: a reconnecting app must
// never flip a busy or offered driver back to matchable.
var onlineScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
redis.call("GEOADD", KEYS[2], ARGV[2], ARGV[3], ARGV[1])
if status == "busy" or status == "offered" then
  return "ON_TRIP"
end
redis.call("HSET", KEYS[1],
  "status", "idle",
  "rating", ARGV[4],
  "tripsToday", ARGV[5],
  "lastTripTime", ARGV[6],
  "joinedQueueAt", ARGV[7])
return "OK"
`)

// offlineScript tears down a driver's live state in one step: its queue entry
// (if any), its position, and its stats hash.
var offlineScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "currentWin")
if cur then
  redis.call("ZREM", "win:" .. cur .. ":queue", ARGV[1])
end
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("DEL", KEYS[1])
return 1
`)

type Store struct {
	redis *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{redis: rdb}
}

// SetOnline records position and stats for a driver coming online. The
// joinedQueueAt field doubles as "idle since" for roaming drivers; a queue
// join overwrites it. Returns ErrOnTrip for a busy or offered driver, whose
// position still updates but whose status and history stay untouched.
func (s *Store) SetOnline(ctx context.Context, snap Snapshot) error {
	res, err := onlineScript.Run(ctx, s.redis,
		[]string{statsKey(snap.DriverID), geoKey},
		string(snap.DriverID),
		snap.Position.Lng,
		snap.Position.Lat,
		snap.Rating,
		snap.TripsToday,
		snap.LastTripAt.Unix(),
		snap.JoinedAt.Unix(),
	).Text()
	if err != nil {
		return err
	}
	if res == "ON_TRIP" {
		return ErrOnTrip
	}
	return nil
}

func (s *Store) SetOffline(ctx context.Context, driverID types.ID) error {
	return offlineScript.Run(ctx, s.redis,
		[]string{statsKey(driverID), geoKey}, string(driverID)).Err()
}

func (s *Store) UpdatePosition(ctx context.Context, driverID types.ID, pos types.Point) error {
	return s.redis.GeoAdd(ctx, geoKey, &redis.GeoLocation{
		Name:      string(driverID),
		Longitude: pos.Lng,
		Latitude:  pos.Lat,
	}).Err()
}

func (s *Store) MarkBusy(ctx context.Context, driverID types.ID) error {
	return s.redis.HSet(ctx, statsKey(driverID), "status", StatusBusy).Err()
}

// MarkIdle releases a roaming driver back into rotation with its idle credit
// reset; queued drivers go through the queue's requeue path instead.
func (s *Store) MarkIdle(ctx context.Context, driverID types.ID, now time.Time) error {
	return s.redis.HSet(ctx, statsKey(driverID),
		"status", StatusIdle, "joinedQueueAt", now.Unix()).Err()
}

// CompleteTrip moves the driver back to idle and advances its trip history;
// both the recency clock and the idle clock restart now.
func (s *Store) CompleteTrip(ctx context.Context, driverID types.ID, now time.Time) error {
	pipe := s.redis.Pipeline()
	key := statsKey(driverID)
	pipe.HSet(ctx, key, map[string]interface{}{
		"status":        StatusIdle,
		"lastTripTime":  now.Unix(),
		"joinedQueueAt": now.Unix(),
	})
	pipe.HIncrBy(ctx, key, "tripsToday", 1)
	_, err := pipe.Exec(ctx)
	return err
}

// NearbyDrivers returns driver ids within radiusKm of the point, closest
// first.
func (s *Store) NearbyDrivers(ctx context.Context, p types.Point, radiusKm float64) ([]types.ID, error) {
	results, err := s.redis.GeoSearch(ctx, geoKey, &redis.GeoSearchQuery{
		Longitude:  p.Lng,
		Latitude:   p.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]types.ID, len(results))
	for i, r := range results {
		ids[i] = types.ID(r)
	}
	return ids, nil
}

// AvailableSnapshots reads every online driver's position and stats and
// returns those currently idle. The read is pipelined, not transactional: the
// matcher treats it as a snapshot and revalidates each winner atomically at
// claim time.
func (s *Store) AvailableSnapshots(ctx context.Context, now time.Time) ([]Snapshot, error) {
	members, err := s.redis.ZRange(ctx, geoKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	positions, err := s.redis.GeoPos(ctx, geoKey, members...).Result()
	if err != nil {
		return nil, err
	}

	pipe := s.redis.Pipeline()
	statCmds := make([]*redis.SliceCmd, len(members))
	for i, m := range members {
		statCmds[i] = pipe.HMGet(ctx, statsKey(types.ID(m)),
			"status", "lastTripTime", "tripsToday", "rating", "currentWin", "joinedQueueAt")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	var out []Snapshot
	for i, m := range members {
		if positions[i] == nil {
			continue
		}
		vals := statCmds[i].Val()
		if len(vals) < 6 || asString(vals[0]) != StatusIdle {
			continue
		}
		snap := Snapshot{Position: types.Point{Lat: positions[i].Latitude, Lng: positions[i].Longitude}}
		snap.DriverID = types.ID(m)
		snap.StationID = types.ID(asString(vals[4]))
		snap.LastTripAt = time.Unix(asInt64(vals[1]), 0)
		snap.TripsToday = int(asInt64(vals[2]))
		snap.Rating = asFloat(vals[3], 5.0)
		if joined := asInt64(vals[5]); joined > 0 {
			snap.JoinedAt = time.Unix(joined, 0)
		} else {
			snap.JoinedAt = now
		}
		out = append(out, snap)
	}
	return out, nil
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt64(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func asFloat(v interface{}, def float64) float64 {
	s, ok := v.(string)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}
