// README: Redis-backed driver lifecycle tests.
package driver

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"mywin/internal/config"
	"mywin/internal/modules/queue"
	"mywin/internal/modules/station"
	"mywin/internal/types"
)

var testWeights = config.WeightsConfig{Idle: 0.5, Recency: 0.3, TripEquity: 0.15, Rating: 0.05}

var testStations = []station.Station{
	{ID: "WIN-CENTRAL-01", Centroid: types.Point{Lat: 13.7563, Lng: 100.5018}, AcceptRadiusMeters: 100},
}

func setupTest(t *testing.T) (*Service, *queue.Service, *redis.Client) {
	t.Helper()

	addr := os.Getenv("MYWIN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MYWIN_TEST_REDIS_ADDR not set; skipping Redis-backed driver tests")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 10})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	if err := rdb.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush test db: %v", err)
	}
	t.Cleanup(func() {
		_ = rdb.FlushDB(context.Background()).Err()
		_ = rdb.Close()
	})

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	queueSvc := queue.NewService(queue.NewStore(rdb, testWeights), log)
	svc := NewService(NewStore(rdb), station.NewResolver(testStations), queueSvc, log)
	return svc, queueSvc, rdb
}

func TestGoOnline_InsideGeofenceJoinsQueue(t *testing.T) {
	svc, queueSvc, _ := setupTest(t)
	ctx := context.Background()

	res, err := svc.GoOnline(ctx, GoOnlineCommand{
		DriverID:   "D-1",
		Position:   types.Point{Lat: 13.7563, Lng: 100.5018},
		Rating:     4.5,
		TripsToday: 3,
		LastTripAt: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("go online: %v", err)
	}
	if !res.Queued || res.StationID != "WIN-CENTRAL-01" {
		t.Fatalf("result = %+v, want queued at WIN-CENTRAL-01", res)
	}

	pos, err := queueSvc.Position(ctx, "D-1")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.StationID != "WIN-CENTRAL-01" || pos.Rank != 1 {
		t.Errorf("position = %+v, want rank 1 at WIN-CENTRAL-01", pos)
	}
}

func TestGoOnline_OutsideGeofenceRoams(t *testing.T) {
	svc, queueSvc, _ := setupTest(t)
	ctx := context.Background()

	res, err := svc.GoOnline(ctx, GoOnlineCommand{
		DriverID:   "D-roam",
		Position:   types.Point{Lat: 13.7000, Lng: 100.4500},
		Rating:     5.0,
		LastTripAt: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("go online: %v", err)
	}
	if res.Queued {
		t.Fatalf("result = %+v, want roaming", res)
	}
	if _, err := queueSvc.Position(ctx, "D-roam"); err != queue.ErrNotQueued {
		t.Errorf("position error = %v, want ErrNotQueued", err)
	}

	snaps, err := svc.AvailableSnapshots(ctx)
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].DriverID != "D-roam" || snaps[0].StationID != "" {
		t.Errorf("snapshots = %+v, want one roaming D-roam", snaps)
	}
}

func TestAvailableSnapshots_SkipsBusyDrivers(t *testing.T) {
	svc, _, _ := setupTest(t)
	ctx := context.Background()

	for _, id := range []types.ID{"D-1", "D-2"} {
		if _, err := svc.GoOnline(ctx, GoOnlineCommand{
			DriverID:   id,
			Position:   types.Point{Lat: 13.7563, Lng: 100.5018},
			Rating:     4.0,
			LastTripAt: time.Now().Add(-time.Hour),
		}); err != nil {
			t.Fatalf("go online %s: %v", id, err)
		}
	}
	if err := svc.MarkBusy(ctx, "D-2"); err != nil {
		t.Fatalf("mark busy: %v", err)
	}

	snaps, err := svc.AvailableSnapshots(ctx)
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].DriverID != "D-1" {
		t.Errorf("snapshots = %+v, want only D-1", snaps)
	}
}

func TestGoOnline_OnTripDriverCannotSelfReset(t *testing.T) {
	svc, _, rdb := setupTest(t)
	ctx := context.Background()

	cmd := GoOnlineCommand{
		DriverID:   "D-1",
		Position:   types.Point{Lat: 13.7000, Lng: 100.4500}, // roaming
		Rating:     4.0,
		TripsToday: 2,
		LastTripAt: time.Now().Add(-time.Hour),
	}
	if _, err := svc.GoOnline(ctx, cmd); err != nil {
		t.Fatalf("go online: %v", err)
	}
	if err := svc.MarkBusy(ctx, "D-1"); err != nil {
		t.Fatalf("mark busy: %v", err)
	}

	// App reconnect mid-trip must not put the driver back in rotation.
	if _, err := svc.GoOnline(ctx, cmd); !errors.Is(err, ErrOnTrip) {
		t.Fatalf("reconnect error = %v, want ErrOnTrip", err)
	}

	status, err := rdb.HGet(ctx, statsKey("D-1"), "status").Result()
	if err != nil || status != StatusBusy {
		t.Errorf("status = %q (%v), want busy", status, err)
	}
	snaps, err := svc.AvailableSnapshots(ctx)
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	if len(snaps) != 0 {
		t.Errorf("snapshots = %+v, want none while on trip", snaps)
	}
}

func TestNearby_OrdersByDistance(t *testing.T) {
	svc, _, _ := setupTest(t)
	ctx := context.Background()

	center := types.Point{Lat: 13.7563, Lng: 100.5018}
	positions := map[types.ID]types.Point{
		"D-far":  {Lat: 13.7650, Lng: 100.5018}, // ~1 km
		"D-near": {Lat: 13.7566, Lng: 100.5018}, // ~30 m
		"D-out":  {Lat: 13.9000, Lng: 100.7000}, // far outside
	}
	for id, pos := range positions {
		if _, err := svc.GoOnline(ctx, GoOnlineCommand{
			DriverID:   id,
			Position:   pos,
			Rating:     4.0,
			LastTripAt: time.Now().Add(-time.Hour),
		}); err != nil {
			t.Fatalf("go online %s: %v", id, err)
		}
	}

	got, err := svc.Nearby(ctx, center, 3.0)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	want := []types.ID{"D-near", "D-far"}
	if len(got) != len(want) {
		t.Fatalf("nearby = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("nearby = %v, want %v", got, want)
		}
	}
}

func TestCompleteTrip_AdvancesHistory(t *testing.T) {
	svc, _, rdb := setupTest(t)
	ctx := context.Background()

	if _, err := svc.GoOnline(ctx, GoOnlineCommand{
		DriverID:   "D-1",
		Position:   types.Point{Lat: 13.7563, Lng: 100.5018},
		Rating:     4.0,
		TripsToday: 2,
		LastTripAt: time.Now().Add(-3 * time.Hour),
	}); err != nil {
		t.Fatalf("go online: %v", err)
	}
	if err := svc.MarkBusy(ctx, "D-1"); err != nil {
		t.Fatalf("mark busy: %v", err)
	}

	if err := svc.CompleteTrip(ctx, "D-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	vals, err := rdb.HMGet(ctx, statsKey("D-1"), "status", "tripsToday").Result()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if asString(vals[0]) != StatusIdle {
		t.Errorf("status = %v, want idle", vals[0])
	}
	if asInt64(vals[1]) != 3 {
		t.Errorf("tripsToday = %v, want 3", vals[1])
	}
}

func TestGoOffline_RemovesQueueEntryAndState(t *testing.T) {
	svc, queueSvc, rdb := setupTest(t)
	ctx := context.Background()

	if _, err := svc.GoOnline(ctx, GoOnlineCommand{
		DriverID:   "D-1",
		Position:   types.Point{Lat: 13.7563, Lng: 100.5018},
		Rating:     4.0,
		LastTripAt: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("go online: %v", err)
	}

	if err := svc.GoOffline(ctx, "D-1"); err != nil {
		t.Fatalf("go offline: %v", err)
	}

	if _, err := queueSvc.PopBest(ctx, "WIN-CENTRAL-01"); err != queue.ErrEmptyQueue {
		t.Errorf("pop after offline error = %v, want ErrEmptyQueue", err)
	}
	if n, _ := rdb.Exists(ctx, statsKey("D-1")).Result(); n != 0 {
		t.Errorf("stats hash survived offline")
	}
	snaps, _ := svc.AvailableSnapshots(ctx)
	if len(snaps) != 0 {
		t.Errorf("snapshots = %+v, want none", snaps)
	}
}
