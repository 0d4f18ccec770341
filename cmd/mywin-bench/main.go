// README: Dispatch load bench; seeds synthetic drivers and riders, runs match cycles, prints fairness stats.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"mywin/internal/config"
	"mywin/internal/modules/dispatch"
	"mywin/internal/modules/driver"
	"mywin/internal/modules/queue"
	"mywin/internal/modules/station"
	"mywin/internal/types"
)

type benchConfig struct {
	RedisAddr string
	Stations  int
	Drivers   int
	Requests  int
	Cycles    int
	RadiusKm  float64
	Seed      int64
	Timeout   time.Duration
}

func loadConfig() benchConfig {
	var cfg benchConfig
	flag.StringVar(&cfg.RedisAddr, "redis", envOrDefault("MYWIN_REDIS_ADDR", "localhost:6379"), "Redis address")
	flag.IntVar(&cfg.Stations, "stations", 8, "Synthetic win stations")
	flag.IntVar(&cfg.Drivers, "drivers", 200, "Drivers to seed")
	flag.IntVar(&cfg.Requests, "requests", 50, "Ride requests per cycle")
	flag.IntVar(&cfg.Cycles, "cycles", 20, "Dispatch cycles to run")
	flag.Float64Var(&cfg.RadiusKm, "radius", 3.0, "Radius matching distance in km")
	flag.Int64Var(&cfg.Seed, "seed", 1, "RNG seed")
	flag.DurationVar(&cfg.Timeout, "timeout", 120*time.Second, "Total timeout")
	flag.Parse()
	return cfg
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// countingRecorder stands in for the Postgres audit trail so the bench
// exercises only the Redis hot path.
type countingRecorder struct {
	records []dispatch.MatchRecord
}

func (r *countingRecorder) AppendMatch(_ context.Context, rec dispatch.MatchRecord) error {
	r.records = append(r.records, rec)
	return nil
}

func main() {
	cfg := loadConfig()
	rng := rand.New(rand.NewSource(cfg.Seed))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: 8})
	if err := rdb.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	if err := rdb.FlushDB(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "flush: %v\n", err)
		os.Exit(1)
	}

	weights := config.WeightsConfig{Idle: 0.5, Recency: 0.3, TripEquity: 0.15, Rating: 0.05}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Stations on a grid around Victory Monument, a couple of km apart.
	stations := make([]station.Station, cfg.Stations)
	for i := range stations {
		stations[i] = station.Station{
			ID:                 types.ID(fmt.Sprintf("WIN-%02d", i+1)),
			Name:               fmt.Sprintf("Bench Win %d", i+1),
			Centroid:           types.Point{Lat: 13.7649 + float64(i/4)*0.02, Lng: 100.5383 + float64(i%4)*0.02},
			AcceptRadiusMeters: station.DefaultAcceptRadiusMeters,
		}
	}
	resolver := station.NewResolver(stations)

	queueSvc := queue.NewService(queue.NewStore(rdb, weights), logger)
	driverSvc := driver.NewService(driver.NewStore(rdb), resolver, queueSvc, logger)
	recorder := &countingRecorder{}
	matcher := dispatch.NewMatcher(queueSvc, driverSvc, recorder, weights, cfg.RadiusKm, logger)

	now := time.Now()
	queued := 0
	for i := 0; i < cfg.Drivers; i++ {
		st := stations[rng.Intn(len(stations))]
		pos := jitter(rng, st.Centroid, 0.0005) // inside the geofence
		res, err := driverSvc.GoOnline(ctx, driver.GoOnlineCommand{
			DriverID:   types.ID(fmt.Sprintf("D-%04d", i)),
			Position:   pos,
			Rating:     3.5 + rng.Float64()*1.5,
			TripsToday: rng.Intn(8),
			LastTripAt: now.Add(-time.Duration(rng.Intn(3600)) * time.Second),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "seed driver %d: %v\n", i, err)
			os.Exit(1)
		}
		if res.Queued {
			queued++
		}
	}
	fmt.Printf("seeded %d drivers (%d queued, %d roaming) across %d stations\n",
		cfg.Drivers, queued, cfg.Drivers-queued, len(stations))

	near, err := driverSvc.Nearby(ctx, stations[0].Centroid, cfg.RadiusKm)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nearby: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("supply check: %d drivers within %.1f km of %s\n", len(near), cfg.RadiusKm, stations[0].ID)

	tripsPerDriver := map[types.ID]int{}
	var latencies []time.Duration
	totalMatched, totalRequests := 0, 0

	for c := 0; c < cfg.Cycles; c++ {
		requests := make([]dispatch.RideRequest, cfg.Requests)
		for i := range requests {
			st := stations[rng.Intn(len(stations))]
			req := dispatch.RideRequest{
				RiderID:     types.ID(fmt.Sprintf("R-%d-%d", c, i)),
				Pickup:      jitter(rng, st.Centroid, 0.005),
				RequestedAt: now.Add(-time.Duration(rng.Intn(120)) * time.Second),
			}
			if rng.Intn(2) == 0 {
				req.TargetStationID = st.ID
			}
			requests[i] = req
		}
		totalRequests += len(requests)

		snapshots, err := driverSvc.AvailableSnapshots(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "snapshot: %v\n", err)
			os.Exit(1)
		}

		start := time.Now()
		matches, _, err := matcher.RunDispatchCycle(ctx, requests, snapshots, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "cycle %d: %v\n", c, err)
			os.Exit(1)
		}
		latencies = append(latencies, time.Since(start))
		totalMatched += len(matches)

		// Complete every trip immediately so drivers rotate back in.
		for _, m := range matches {
			tripsPerDriver[m.DriverID]++
			if err := driverSvc.CompleteTrip(ctx, m.DriverID); err != nil {
				fmt.Fprintf(os.Stderr, "complete %s: %v\n", m.DriverID, err)
				os.Exit(1)
			}
			if m.StationID != "" {
				if err := queueSvc.Join(ctx, m.StationID, m.DriverID, time.Now()); err != nil {
					fmt.Fprintf(os.Stderr, "rejoin %s: %v\n", m.DriverID, err)
					os.Exit(1)
				}
			}
		}
	}

	fmt.Println("\n== Summary ==")
	fmt.Printf("cycles=%d requests=%d matched=%d (%.1f%%)\n",
		cfg.Cycles, totalRequests, totalMatched, pct(totalMatched, totalRequests))
	fmt.Printf("cycle latency p50=%s p95=%s max=%s\n",
		percentile(latencies, 0.50), percentile(latencies, 0.95), percentile(latencies, 1.0))
	fmt.Printf("fairness: %d distinct drivers served, trip spread %s\n",
		len(tripsPerDriver), spread(tripsPerDriver))
}

func jitter(rng *rand.Rand, p types.Point, d float64) types.Point {
	return types.Point{
		Lat: p.Lat + (rng.Float64()-0.5)*2*d,
		Lng: p.Lng + (rng.Float64()-0.5)*2*d,
	}
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

func percentile(ds []time.Duration, q float64) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(ds))
	copy(sorted, ds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(q*float64(len(sorted))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func spread(trips map[types.ID]int) string {
	if len(trips) == 0 {
		return "n/a"
	}
	min, max := int(^uint(0)>>1), 0
	for _, n := range trips {
		if n < min {
			min = n
		}
		if n > max {
			max = n
		}
	}
	return strings.TrimSpace(fmt.Sprintf("min=%d max=%d", min, max))
}
