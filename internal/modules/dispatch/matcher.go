// README: Batch ride-to-driver matcher: geofenced candidates, fairness ranking, atomic claims.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"mywin/internal/config"
	"mywin/internal/geo"
	"mywin/internal/metrics"
	"mywin/internal/modules/driver"
	"mywin/internal/modules/queue"
	"mywin/internal/types"
)

// QueueOps is the slice of the fair queue the matcher needs: an atomic
// dequeue-and-bind, and the requeue used to roll a claim back.
type QueueOps interface {
	Claim(ctx context.Context, driverID types.ID) error
	TimeoutRequeue(ctx context.Context, stationID, driverID types.ID, now time.Time) error
}

// RoamingReleaser returns a claimed roaming driver to the matchable pool.
type RoamingReleaser interface {
	ReleaseRoaming(ctx context.Context, driverID types.ID) error
}

// Recorder persists the append-only match audit trail.
type Recorder interface {
	AppendMatch(ctx context.Context, rec MatchRecord) error
}

// Matcher pairs pending ride requests with available drivers once per cycle.
// It holds no state between cycles; everything it mutates goes through the
// queue's atomic claim or the recorder.
type Matcher struct {
	queue    QueueOps
	drivers  RoamingReleaser
	recorder Recorder
	weights  config.WeightsConfig
	radiusKm float64
	log      *slog.Logger
}

func NewMatcher(q QueueOps, d RoamingReleaser, rec Recorder, weights config.WeightsConfig, radiusKm float64, log *slog.Logger) *Matcher {
	return &Matcher{
		queue:    q,
		drivers:  d,
		recorder: rec,
		weights:  weights,
		radiusKm: radiusKm,
		log:      log.With(slog.String("component", "matcher")),
	}
}

type scoredCandidate struct {
	snap  driver.Snapshot
	score float64
	dist  float64
}

// RunDispatchCycle processes requests longest-waiting first. Each successful
// match claims its driver atomically (dequeue plus status flip in one step),
// appends a MatchRecord, and consumes the driver for the rest of the cycle.
// A request with no eligible candidates stays pending for the next cycle.
//
// A store failure aborts the cycle: the error is returned, remaining requests
// come back unmatched, and matches already applied stand (each one committed
// atomically, so no driver is ever half-bound).
func (m *Matcher) RunDispatchCycle(ctx context.Context, requests []RideRequest, drivers []driver.Snapshot, now time.Time) ([]MatchRecord, []RideRequest, error) {
	ordered := make([]RideRequest, len(requests))
	copy(ordered, requests)
	// Longest wait first is the rider-side starvation guard; rider id breaks
	// exact timestamp ties so replays are deterministic.
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].RequestedAt.Equal(ordered[j].RequestedAt) {
			return ordered[i].RequestedAt.Before(ordered[j].RequestedAt)
		}
		return ordered[i].RiderID < ordered[j].RiderID
	})

	claimed := make(map[types.ID]bool)
	var matches []MatchRecord
	var unmatched []RideRequest

	for idx, req := range ordered {
		rec, err := m.matchOne(ctx, req, drivers, claimed, now)
		if err != nil {
			// Store down: fail the rest of the cycle closed.
			unmatched = append(unmatched, ordered[idx:]...)
			return matches, unmatched, err
		}
		if rec == nil {
			unmatched = append(unmatched, req)
			continue
		}
		claimed[rec.DriverID] = true
		matches = append(matches, *rec)
	}
	return matches, unmatched, nil
}

func (m *Matcher) matchOne(ctx context.Context, req RideRequest, drivers []driver.Snapshot, claimed map[types.ID]bool, now time.Time) (*MatchRecord, error) {
	candidates := m.eligibleCandidates(req, drivers, claimed, now)
	if len(candidates) == 0 {
		return nil, nil
	}

	// Highest fairness score wins; nearest pickup breaks score ties, driver
	// id breaks exact ties after that.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return candidates[i].snap.DriverID < candidates[j].snap.DriverID
	})

	for _, c := range candidates {
		err := m.queue.Claim(ctx, c.snap.DriverID)
		if errors.Is(err, queue.ErrNotAvailable) {
			// Lost the race to a concurrent claim or a status change since the
			// snapshot; the next candidate is still eligible.
			continue
		}
		if err != nil {
			return nil, err
		}

		rec := MatchRecord{
			ID:                  types.ID(uuid.NewString()),
			RiderID:             req.RiderID,
			DriverID:            c.snap.DriverID,
			StationID:           c.snap.StationID,
			DistanceKm:          c.dist,
			RiderWaitSeconds:    req.WaitSeconds(now),
			FairnessScore:       c.score,
			CompetingCandidates: len(candidates) - 1,
			MatchedAt:           now,
		}
		if err := m.recorder.AppendMatch(ctx, rec); err != nil {
			// Audit is part of the match; without it the claim rolls back.
			m.release(ctx, c.snap, now)
			return nil, err
		}

		mode := "radius"
		if req.TargetStationID != "" {
			mode = "station"
		}
		metrics.IncMatch(mode)
		m.log.Info("match",
			slog.String("rider", string(req.RiderID)),
			slog.String("driver", string(rec.DriverID)),
			slog.String("station", string(rec.StationID)),
			slog.Float64("distance_km", rec.DistanceKm),
			slog.Int("rivals", rec.CompetingCandidates),
		)
		return &rec, nil
	}
	// Every candidate was stolen between snapshot and claim.
	return nil, nil
}

// eligibleCandidates applies the request's affinity filter: drivers queued at
// the target win, or any available driver within the matching radius of the
// pickup.
func (m *Matcher) eligibleCandidates(req RideRequest, drivers []driver.Snapshot, claimed map[types.ID]bool, now time.Time) []scoredCandidate {
	var out []scoredCandidate
	for _, d := range drivers {
		if claimed[d.DriverID] {
			continue
		}
		dist := geo.HaversineKm(d.Position, req.Pickup)
		if req.TargetStationID != "" {
			if d.StationID != req.TargetStationID {
				continue
			}
		} else if dist > m.radiusKm {
			continue
		}
		out = append(out, scoredCandidate{
			snap:  d,
			score: queue.Score(m.weights, d.Entry, now),
			dist:  dist,
		})
	}
	return out
}

func (m *Matcher) release(ctx context.Context, snap driver.Snapshot, now time.Time) {
	var err error
	if snap.StationID != "" {
		err = m.queue.TimeoutRequeue(ctx, snap.StationID, snap.DriverID, now)
	} else {
		err = m.drivers.ReleaseRoaming(ctx, snap.DriverID)
	}
	if err != nil {
		m.log.Error("match_rollback_failed",
			slog.String("driver", string(snap.DriverID)), slog.Any("err", err))
	}
}
