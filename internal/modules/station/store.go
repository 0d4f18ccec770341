// README: Station store backed by PostgreSQL; loaded once at bootstrap.
package station

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// LoadAll reads the full station master data set, ordered by id so the
// resolver scans in a stable order.
func (s *Store) LoadAll(ctx context.Context) ([]Station, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, name, centroid_lat, centroid_lng, accept_radius_m
        FROM stations
        ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Station
	for rows.Next() {
		var st Station
		if err := rows.Scan(&st.ID, &st.Name, &st.Centroid.Lat, &st.Centroid.Lng, &st.AcceptRadiusMeters); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
