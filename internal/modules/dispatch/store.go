// README: Dispatch store: Postgres match audit trail and Redis offer locks.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"mywin/internal/types"
)

const offerLockKeyPrefix = "trip:%s:lock"

func offerLockKey(tripID types.ID) string {
	return fmt.Sprintf(offerLockKeyPrefix, string(tripID))
}

type Store struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func NewStore(db *pgxpool.Pool, rdb *redis.Client) *Store {
	return &Store{db: db, redis: rdb}
}

func (s *Store) AppendMatch(ctx context.Context, rec MatchRecord) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO match_records (
            id, rider_id, driver_id, station_id,
            distance_km, rider_wait_seconds, fairness_score,
            competing_candidates, matched_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(rec.ID),
		string(rec.RiderID),
		string(rec.DriverID),
		nullableID(rec.StationID),
		rec.DistanceKm,
		rec.RiderWaitSeconds,
		rec.FairnessScore,
		rec.CompetingCandidates,
		rec.MatchedAt,
	)
	return err
}

// ListRecent returns the newest match records for audit dashboards.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]MatchRecord, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, rider_id, driver_id, COALESCE(station_id, ''),
               distance_km, rider_wait_seconds, fairness_score,
               competing_candidates, matched_at
        FROM match_records
        ORDER BY matched_at DESC
        LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MatchRecord
	for rows.Next() {
		var rec MatchRecord
		if err := rows.Scan(
			&rec.ID, &rec.RiderID, &rec.DriverID, &rec.StationID,
			&rec.DistanceKm, &rec.RiderWaitSeconds, &rec.FairnessScore,
			&rec.CompetingCandidates, &rec.MatchedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AcquireOfferLock takes the short-lived exclusive lock for one trip binding.
// A driver's accept and the system's timeout both race for it; exactly one
// holder wins within the TTL window.
func (s *Store) AcquireOfferLock(ctx context.Context, tripID types.ID, holder string, ttl time.Duration) (bool, error) {
	return s.redis.SetNX(ctx, offerLockKey(tripID), holder, ttl).Result()
}

// ReleaseOfferLock frees the lock early, used when the winner's follow-up
// work fails and the other party should get its chance back.
func (s *Store) ReleaseOfferLock(ctx context.Context, tripID types.ID) error {
	return s.redis.Del(ctx, offerLockKey(tripID)).Err()
}

func nullableID(id types.ID) *string {
	if id == "" {
		return nil
	}
	v := string(id)
	return &v
}
