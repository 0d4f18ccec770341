// README: Dispatch service: pending requests, non-overlapping cycles, offer lifecycle.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"mywin/internal/config"
	"mywin/internal/metrics"
	"mywin/internal/modules/driver"
	"mywin/internal/types"
)

var (
	// ErrActiveRequest means the rider already has a pending request or an
	// outstanding offer.
	ErrActiveRequest = errors.New("rider already has an active request")
	// ErrOfferExpired is surfaced to a driver whose accept lost the race
	// against the offer timeout (or another claimant).
	ErrOfferExpired = errors.New("offer expired or taken")
	// ErrUnknownTrip means the event referenced an offer the dispatcher is
	// not tracking.
	ErrUnknownTrip = errors.New("unknown trip")
	// ErrBadRequest rejects requests missing a rider or timestamp.
	ErrBadRequest = errors.New("bad request")
)

// ServiceStore is the persistence slice the dispatch loop needs: the trip
// offer lock and the audit trail tail. *Store satisfies it.
type ServiceStore interface {
	AcquireOfferLock(ctx context.Context, tripID types.ID, holder string, ttl time.Duration) (bool, error)
	ReleaseOfferLock(ctx context.Context, tripID types.ID) error
	ListRecent(ctx context.Context, limit int) ([]MatchRecord, error)
}

// DriverSource is what the dispatch loop needs from the driver module.
type DriverSource interface {
	AvailableSnapshots(ctx context.Context) ([]driver.Snapshot, error)
	MarkBusy(ctx context.Context, driverID types.ID) error
	ReleaseRoaming(ctx context.Context, driverID types.ID) error
	CompleteTrip(ctx context.Context, driverID types.ID) error
}

const eventQueueSize = 256

// Service owns the dispatch loop. One goroutine (Run) executes cycles and
// consumes driver events, so cycle N+1 never starts before cycle N's
// mutations are committed and event handling never interleaves with a
// candidate snapshot.
type Service struct {
	matcher   *Matcher
	queue     QueueOps
	drivers   DriverSource
	store     ServiceStore
	publisher *Publisher
	cfg       config.MatchingConfig
	log       *slog.Logger
	now       func() time.Time

	events chan DriverEvent

	mu      sync.Mutex
	pending map[types.ID]RideRequest // by rider id
	offers  map[types.ID]Offer       // by trip id
}

func NewService(matcher *Matcher, q QueueOps, drivers DriverSource, store ServiceStore, publisher *Publisher, cfg config.MatchingConfig, log *slog.Logger) *Service {
	return &Service{
		matcher:   matcher,
		queue:     q,
		drivers:   drivers,
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		log:       log.With(slog.String("component", "dispatch")),
		now:       time.Now,
		events:    make(chan DriverEvent, eventQueueSize),
		pending:   make(map[types.ID]RideRequest),
		offers:    make(map[types.ID]Offer),
	}
}

// Submit registers a ride request for the next cycle. One active request per
// rider: a second submit while pending or offered is rejected.
func (s *Service) Submit(req RideRequest) error {
	if req.RiderID == "" || req.RequestedAt.IsZero() {
		return ErrBadRequest
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[req.RiderID]; ok {
		return ErrActiveRequest
	}
	for _, o := range s.offers {
		if o.RiderID == req.RiderID {
			return ErrActiveRequest
		}
	}
	s.pending[req.RiderID] = req
	s.log.Info("request_submitted", slog.String("rider", string(req.RiderID)),
		slog.String("target_station", string(req.TargetStationID)))
	return nil
}

// CancelRequest withdraws a rider that has not been matched yet. A rider with
// an outstanding offer cancels through a cancel event instead, which releases
// the bound driver.
func (s *Service) CancelRequest(riderID types.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[riderID]; !ok {
		return false
	}
	delete(s.pending, riderID)
	s.log.Info("request_cancelled", slog.String("rider", string(riderID)))
	return true
}

// Enqueue hands a driver event to the dispatch loop. Events are dropped with
// a warning when the loop is saturated; the offer lock TTL guarantees the
// system still converges.
func (s *Service) Enqueue(ev DriverEvent) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event_dropped", slog.String("kind", string(ev.Kind)),
			slog.String("driver", string(ev.DriverID)))
	}
}

// PendingCount reports how many requests wait for the next cycle.
func (s *Service) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Run executes the dispatch loop until the context ends.
func (s *Service) Run(ctx context.Context) {
	tick := time.Duration(s.cfg.TickSeconds) * time.Second
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	s.log.Info("dispatch_loop_started", slog.Duration("tick", tick))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("dispatch_loop_stopped")
			return
		case ev := <-s.events:
			s.handleEvent(ctx, ev)
		case <-ticker.C:
			s.expireOffers(ctx)
			s.runCycle(ctx)
		}
	}
}

func (s *Service) runCycle(ctx context.Context) {
	started := s.now()

	s.mu.Lock()
	requests := make([]RideRequest, 0, len(s.pending))
	for _, r := range s.pending {
		requests = append(requests, r)
	}
	s.mu.Unlock()

	if len(requests) == 0 {
		metrics.SetPendingRequests(0)
		return
	}

	drivers, err := s.drivers.AvailableSnapshots(ctx)
	if err != nil {
		metrics.IncCycleError()
		s.log.Error("cycle_snapshot_err", slog.Any("err", err))
		return
	}

	matches, _, err := s.matcher.RunDispatchCycle(ctx, requests, drivers, started)
	if err != nil {
		metrics.IncCycleError()
		s.log.Error("cycle_err", slog.Any("err", err), slog.Int("matched_before_failure", len(matches)))
	}

	ttl := time.Duration(s.cfg.OfferTTLSeconds) * time.Second
	s.mu.Lock()
	var withdrawn []MatchRecord
	for _, rec := range matches {
		// The rider may have cancelled between the pending snapshot and this
		// write; binding a driver to a withdrawn request would strand both.
		req, ok := s.pending[rec.RiderID]
		if !ok {
			withdrawn = append(withdrawn, rec)
			continue
		}
		delete(s.pending, rec.RiderID)
		s.offers[rec.ID] = Offer{
			TripID:    rec.ID,
			RiderID:   rec.RiderID,
			DriverID:  rec.DriverID,
			StationID: rec.StationID,
			Request:   req,
			ExpiresAt: started.Add(ttl),
		}
	}
	left := len(s.pending)
	s.mu.Unlock()

	for _, rec := range withdrawn {
		s.log.Warn("match_withdrawn",
			slog.String("rider", string(rec.RiderID)), slog.String("driver", string(rec.DriverID)))
		s.releaseDriver(ctx, Offer{DriverID: rec.DriverID, StationID: rec.StationID}, s.now())
	}

	if s.publisher != nil {
		for _, rec := range matches {
			s.publisher.Publish(rec)
		}
	}
	metrics.SetPendingRequests(left)
	metrics.ObserveCycle(s.now().Sub(started))
}

// expireOffers times out offers whose window has passed: take the trip lock
// as the system side, requeue the driver with its idle credit reset, and
// return the ride request to the pending set with its original timestamp so
// the rider keeps accrued wait priority.
func (s *Service) expireOffers(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var expired []Offer
	for id, o := range s.offers {
		if now.After(o.ExpiresAt) {
			expired = append(expired, o)
			delete(s.offers, id)
		}
	}
	s.mu.Unlock()

	for _, o := range expired {
		won, err := s.store.AcquireOfferLock(ctx, o.TripID, "system:timeout", s.offerLockTTL())
		if err != nil {
			s.log.Error("offer_timeout_lock_err", slog.Any("err", err), slog.String("trip", string(o.TripID)))
			continue
		}
		if !won {
			// The driver's accept got there first; nothing to undo.
			continue
		}
		metrics.IncOfferOutcome("timeout")
		s.log.Warn("offer_timed_out", slog.String("trip", string(o.TripID)),
			slog.String("driver", string(o.DriverID)))
		s.releaseDriver(ctx, o, now)
		s.restoreRequest(o)
	}
}

func (s *Service) handleEvent(ctx context.Context, ev DriverEvent) {
	switch ev.Kind {
	case EventAccept:
		if err := s.Accept(ctx, ev.TripID, ev.DriverID); err != nil {
			s.log.Warn("accept_failed", slog.Any("err", err),
				slog.String("trip", string(ev.TripID)), slog.String("driver", string(ev.DriverID)))
		}
	case EventReject:
		if err := s.Reject(ctx, ev.TripID, ev.DriverID); err != nil {
			s.log.Warn("reject_failed", slog.Any("err", err), slog.String("trip", string(ev.TripID)))
		}
	case EventCancel:
		if ev.TripID == "" {
			// Rider-side cancel. Runs on the loop goroutine, so it cannot
			// interleave with a cycle's offer bookkeeping.
			if s.CancelRequest(ev.RiderID) {
				return
			}
			tripID, ok := s.offerForRider(ev.RiderID)
			if !ok {
				return
			}
			if err := s.CancelMatched(ctx, tripID); err != nil {
				s.log.Warn("cancel_failed", slog.Any("err", err), slog.String("trip", string(tripID)))
			}
			return
		}
		if err := s.CancelMatched(ctx, ev.TripID); err != nil {
			s.log.Warn("cancel_failed", slog.Any("err", err), slog.String("trip", string(ev.TripID)))
		}
	case EventComplete:
		if err := s.drivers.CompleteTrip(ctx, ev.DriverID); err != nil {
			s.log.Error("complete_failed", slog.Any("err", err), slog.String("driver", string(ev.DriverID)))
		}
	default:
		s.log.Warn("unknown_event", slog.String("kind", string(ev.Kind)))
	}
}

// Accept binds the trip to the driver if the driver wins the offer lock.
// Losing the lock means the timeout (or a duplicate accept) already resolved
// the offer; the caller sees ErrOfferExpired and is never retried.
func (s *Service) Accept(ctx context.Context, tripID, driverID types.ID) error {
	s.mu.Lock()
	o, ok := s.offers[tripID]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownTrip
	}
	if o.DriverID != driverID {
		return ErrOfferExpired
	}

	won, err := s.store.AcquireOfferLock(ctx, tripID, "driver:"+string(driverID), s.offerLockTTL())
	if err != nil {
		return err
	}
	if !won {
		metrics.IncOfferOutcome("expired")
		return ErrOfferExpired
	}

	if err := s.drivers.MarkBusy(ctx, driverID); err != nil {
		// Give the timeout path its chance back.
		_ = s.store.ReleaseOfferLock(ctx, tripID)
		return err
	}

	s.mu.Lock()
	delete(s.offers, tripID)
	s.mu.Unlock()

	metrics.IncOfferOutcome("accept")
	s.log.Info("offer_accepted", slog.String("trip", string(tripID)), slog.String("driver", string(driverID)))
	return nil
}

// Reject resolves an offer the driver turned down: same demotion as a
// timeout, and the rider goes back into rotation.
func (s *Service) Reject(ctx context.Context, tripID, driverID types.ID) error {
	s.mu.Lock()
	o, ok := s.offers[tripID]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownTrip
	}
	if o.DriverID != driverID {
		return ErrOfferExpired
	}

	won, err := s.store.AcquireOfferLock(ctx, tripID, "driver:reject", s.offerLockTTL())
	if err != nil {
		return err
	}
	if !won {
		metrics.IncOfferOutcome("expired")
		return ErrOfferExpired
	}

	s.mu.Lock()
	delete(s.offers, tripID)
	s.mu.Unlock()

	now := s.now()
	metrics.IncOfferOutcome("reject")
	s.log.Info("offer_rejected", slog.String("trip", string(tripID)), slog.String("driver", string(driverID)))
	s.releaseDriver(ctx, o, now)
	s.restoreRequest(o)
	return nil
}

// CancelMatched handles a rider cancelling after a match: the bound driver
// must not silently vanish from the rotation, so it is released with
// timeout-requeue semantics. The request itself is dropped.
func (s *Service) CancelMatched(ctx context.Context, tripID types.ID) error {
	s.mu.Lock()
	o, ok := s.offers[tripID]
	if ok {
		delete(s.offers, tripID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrUnknownTrip
	}

	won, err := s.store.AcquireOfferLock(ctx, tripID, "rider:cancel", s.offerLockTTL())
	if err != nil {
		return err
	}
	if !won {
		// Driver already accepted; the trip exists and cancellation becomes a
		// trip-level concern outside this engine.
		return ErrOfferExpired
	}

	metrics.IncOfferOutcome("cancel")
	s.log.Info("match_cancelled_by_rider", slog.String("trip", string(tripID)))
	s.releaseDriver(ctx, o, s.now())
	return nil
}

func (s *Service) releaseDriver(ctx context.Context, o Offer, now time.Time) {
	var err error
	if o.StationID != "" {
		err = s.queue.TimeoutRequeue(ctx, o.StationID, o.DriverID, now)
	} else {
		err = s.drivers.ReleaseRoaming(ctx, o.DriverID)
	}
	if err != nil {
		s.log.Error("driver_release_failed",
			slog.String("driver", string(o.DriverID)), slog.Any("err", err))
	}
}

func (s *Service) offerForRider(riderID types.ID) (types.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, o := range s.offers {
		if o.RiderID == riderID {
			return id, true
		}
	}
	return "", false
}

func (s *Service) restoreRequest(o Offer) {
	// A zero-valued request carries no rider intent; restoring it would park
	// a ghost entry (infinite wait priority, pickup at 0,0) under the key.
	if o.Request.RiderID == "" || o.Request.RequestedAt.IsZero() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[o.RiderID]; !ok {
		s.pending[o.RiderID] = o.Request
	}
}

func (s *Service) offerLockTTL() time.Duration {
	return time.Duration(s.cfg.OfferTTLSeconds) * time.Second
}

// RecentMatches exposes the audit trail tail for operator tooling.
func (s *Service) RecentMatches(ctx context.Context, limit int) ([]MatchRecord, error) {
	return s.store.ListRecent(ctx, limit)
}
