// README: Station fair queue service: atomic join, pop-best, and timeout requeue.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"mywin/internal/metrics"
	"mywin/internal/types"
)

var (
	// ErrAlreadyQueued means the driver already holds a queue entry somewhere.
	// A double join is a caller bug, not a retryable condition.
	ErrAlreadyQueued = errors.New("driver already queued")
	// ErrNotAvailable means the driver's tracked status is not idle.
	ErrNotAvailable = errors.New("driver not available for queueing")
	// ErrEmptyQueue is the expected terminal condition of PopBest.
	ErrEmptyQueue = errors.New("station queue empty")
	// ErrNotQueued means the driver has no queue entry to report or requeue.
	ErrNotQueued = errors.New("driver not queued")
)

type Service struct {
	store *Store
	log   *slog.Logger
}

func NewService(store *Store, log *slog.Logger) *Service {
	return &Service{store: store, log: log.With(slog.String("component", "fair-queue"))}
}

// Join inserts the driver into the station's queue. The availability check
// and the insert run as one atomic scripted step.
func (s *Service) Join(ctx context.Context, stationID, driverID types.ID, now time.Time) error {
	if err := s.store.Join(ctx, stationID, driverID, now); err != nil {
		return err
	}
	s.log.Info("queue_join", slog.String("station", string(stationID)), slog.String("driver", string(driverID)))
	s.reportDepth(ctx, stationID)
	return nil
}

// PopBest removes and returns the fairest waiting driver, retrying internally
// when a concurrent caller wins the head. Returns ErrEmptyQueue when the
// station has nobody left.
func (s *Service) PopBest(ctx context.Context, stationID types.ID) (types.ID, error) {
	driverID, err := s.store.PopBest(ctx, stationID)
	if err != nil {
		return "", err
	}
	s.log.Info("queue_pop", slog.String("station", string(stationID)), slog.String("driver", string(driverID)))
	s.reportDepth(ctx, stationID)
	return driverID, nil
}

// TimeoutRequeue puts a driver back at the station with its idle credit reset
// to zero: it penalizes the slow response, not the driver's history.
func (s *Service) TimeoutRequeue(ctx context.Context, stationID, driverID types.ID, now time.Time) error {
	if err := s.store.Requeue(ctx, stationID, driverID, now); err != nil {
		return err
	}
	s.log.Warn("queue_requeue", slog.String("station", string(stationID)), slog.String("driver", string(driverID)))
	s.reportDepth(ctx, stationID)
	return nil
}

// Claim atomically verifies the driver is idle, removes its queue entry if it
// holds one, and marks it offered. Used by the matcher to bind a winner.
func (s *Service) Claim(ctx context.Context, driverID types.ID) error {
	return s.store.Claim(ctx, driverID)
}

// Position reports the driver's current station, 1-based rank, and stored
// rank value.
func (s *Service) Position(ctx context.Context, driverID types.ID) (Position, error) {
	return s.store.Position(ctx, driverID)
}

func (s *Service) reportDepth(ctx context.Context, stationID types.ID) {
	depth, err := s.store.Depth(ctx, stationID)
	if err != nil {
		return
	}
	metrics.SetQueueDepth(string(stationID), depth)
}
