// README: Driver lifecycle service: online/offline, position updates, trip completion.
package driver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"mywin/internal/types"
)

// ErrOnTrip means the driver is busy or holds an open offer; going online
// again refreshes position only and must not make the driver matchable.
var ErrOnTrip = errors.New("driver is on a trip")

// StationResolver answers which win, if any, a point belongs to.
type StationResolver interface {
	Resolve(p types.Point) (types.ID, bool)
}

// QueueJoiner inserts a driver into a station fair queue.
type QueueJoiner interface {
	Join(ctx context.Context, stationID, driverID types.ID, now time.Time) error
}

type Service struct {
	store    *Store
	resolver StationResolver
	queue    QueueJoiner
	log      *slog.Logger
	now      func() time.Time
}

func NewService(store *Store, resolver StationResolver, queue QueueJoiner, log *slog.Logger) *Service {
	return &Service{
		store:    store,
		resolver: resolver,
		queue:    queue,
		log:      log.With(slog.String("component", "driver")),
		now:      time.Now,
	}
}

// GoOnlineCommand carries the driver's persisted history, provided by the
// identity collaborator, at the moment the driver comes online.
type GoOnlineCommand struct {
	DriverID   types.ID
	Position   types.Point
	Rating     float64
	TripsToday int
	LastTripAt time.Time
}

// GoOnline records the driver's live state, then resolves the position
// against the station geofences: inside a win the driver joins that station's
// fair queue, outside it stays roaming and is matched by radius only.
// A reconnect while busy or offered returns ErrOnTrip.
func (s *Service) GoOnline(ctx context.Context, cmd GoOnlineCommand) (OnlineResult, error) {
	now := s.now()
	snap := Snapshot{Position: cmd.Position}
	snap.DriverID = cmd.DriverID
	snap.Rating = cmd.Rating
	snap.TripsToday = cmd.TripsToday
	snap.LastTripAt = cmd.LastTripAt
	snap.JoinedAt = now

	if err := s.store.SetOnline(ctx, snap); err != nil {
		return OnlineResult{}, err
	}

	stationID, ok := s.resolver.Resolve(cmd.Position)
	if !ok {
		s.log.Info("driver_online_roaming", slog.String("driver", string(cmd.DriverID)))
		return OnlineResult{Queued: false}, nil
	}

	if err := s.queue.Join(ctx, stationID, cmd.DriverID, now); err != nil {
		return OnlineResult{}, err
	}
	s.log.Info("driver_online_queued",
		slog.String("driver", string(cmd.DriverID)), slog.String("station", string(stationID)))
	return OnlineResult{Queued: true, StationID: stationID}, nil
}

// GoOffline removes the driver's queue entry, position, and stats atomically.
func (s *Service) GoOffline(ctx context.Context, driverID types.ID) error {
	if err := s.store.SetOffline(ctx, driverID); err != nil {
		return err
	}
	s.log.Info("driver_offline", slog.String("driver", string(driverID)))
	return nil
}

func (s *Service) UpdatePosition(ctx context.Context, driverID types.ID, pos types.Point) error {
	return s.store.UpdatePosition(ctx, driverID, pos)
}

// CompleteTrip returns the driver to idle with its trip history advanced. The
// driver rejoins a queue when it next reports a position inside a win (or via
// GoOnline).
func (s *Service) CompleteTrip(ctx context.Context, driverID types.ID) error {
	if err := s.store.CompleteTrip(ctx, driverID, s.now()); err != nil {
		return err
	}
	s.log.Info("driver_trip_complete", slog.String("driver", string(driverID)))
	return nil
}

// AvailableSnapshots is the matcher's per-cycle candidate feed.
func (s *Service) AvailableSnapshots(ctx context.Context) ([]Snapshot, error) {
	return s.store.AvailableSnapshots(ctx, s.now())
}

// Nearby returns online drivers within radiusKm of the point, closest first,
// regardless of status. Backs the rider-side supply display.
func (s *Service) Nearby(ctx context.Context, p types.Point, radiusKm float64) ([]types.ID, error) {
	return s.store.NearbyDrivers(ctx, p, radiusKm)
}

// MarkBusy flags a driver as on-trip after an accepted offer.
func (s *Service) MarkBusy(ctx context.Context, driverID types.ID) error {
	return s.store.MarkBusy(ctx, driverID)
}

// ReleaseRoaming puts a roaming driver (no station queue to requeue into)
// back into the matchable pool with its idle credit reset.
func (s *Service) ReleaseRoaming(ctx context.Context, driverID types.ID) error {
	return s.store.MarkIdle(ctx, driverID, s.now())
}
