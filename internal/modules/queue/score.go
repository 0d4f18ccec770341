// README: Fairness scoring: weighted idle time, recency, trip equity, and rating.
package queue

import (
	"math"
	"time"

	"mywin/internal/config"
)

// Score returns the live fairness score of an entry at the given instant.
//
// Strictly increasing in idle and recency seconds, non-increasing in trips
// today, non-decreasing in rating. Only relative ordering within a candidate
// set matters; the value is not normalized. All four terms enter unscaled.
func Score(w config.WeightsConfig, e Entry, now time.Time) float64 {
	idle := math.Max(0, now.Sub(e.JoinedAt).Seconds())
	recency := math.Max(0, now.Sub(e.LastTripAt).Seconds())
	return w.Idle*idle + w.Recency*recency + w.TripEquity*TripEquityFactor(e.TripsToday) + w.Rating*e.Rating
}

// TripEquityFactor favors drivers with fewer completed trips today.
func TripEquityFactor(tripsToday int) float64 {
	return 1.0 / math.Max(1, float64(tripsToday))
}

// FixedScore is the time-invariant component of Score, with the recency term
// frozen at join time. The stored queue rank derives from it.
func FixedScore(w config.WeightsConfig, e Entry) float64 {
	recency := math.Max(0, e.JoinedAt.Sub(e.LastTripAt).Seconds())
	return w.Recency*recency + w.TripEquity*TripEquityFactor(e.TripsToday) + w.Rating*e.Rating
}

// EffectiveRank is the value stored in the station sorted set:
//
//	fixedScore - joinTime*wIdle
//
// Because (now - join)*wIdle = now*wIdle - join*wIdle and the now*wIdle term
// offsets every live entry equally, ordering by this static value is ordering
// by accumulated idle credit at any read instant, with no rescoring job. This
// keeps queue mutation O(log n); EffectiveRank mirrors the arithmetic of the
// queue's Lua scripts and exists so tests and operators can reproduce it.
func EffectiveRank(w config.WeightsConfig, e Entry) float64 {
	return FixedScore(w, e) - float64(e.JoinedAt.Unix())*w.Idle
}
