// README: Kafka ingest: ride requests and driver events feed the dispatch loop.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"mywin/internal/types"
)

type kafkaMessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type rideRequestPayload struct {
	RiderID       string    `json:"riderId"`
	PickupLat     float64   `json:"pickupLat"`
	PickupLng     float64   `json:"pickupLng"`
	RequestedAt   time.Time `json:"requestedAt"`
	TargetStation string    `json:"targetStation,omitempty"`
}

type driverEventPayload struct {
	Kind     string    `json:"kind"`
	TripID   string    `json:"tripId"`
	DriverID string    `json:"driverId"`
	RiderID  string    `json:"riderId,omitempty"`
	At       time.Time `json:"at"`
}

// Sink is the slice of Service the consumer feeds.
type Sink interface {
	Submit(req RideRequest) error
	Enqueue(ev DriverEvent)
}

// Consumer pumps two topics into the dispatch service. Malformed messages are
// logged and skipped; the partition offset still advances so one bad payload
// cannot wedge the group.
type Consumer struct {
	requests kafkaMessageReader
	events   kafkaMessageReader
	sink     Sink
	log      *slog.Logger
}

func NewConsumer(requests, events kafkaMessageReader, sink Sink, log *slog.Logger) *Consumer {
	return &Consumer{
		requests: requests,
		events:   events,
		sink:     sink,
		log:      log.With(slog.String("component", "dispatch-consumer")),
	}
}

// Run blocks until the context ends, reading both topics concurrently.
func (c *Consumer) Run(ctx context.Context) {
	done := make(chan struct{}, 2)
	go func() {
		c.readRequests(ctx)
		done <- struct{}{}
	}()
	go func() {
		c.readEvents(ctx)
		done <- struct{}{}
	}()
	<-done
	<-done
	if err := c.requests.Close(); err != nil {
		c.log.Warn("request_reader_close", slog.Any("err", err))
	}
	if err := c.events.Close(); err != nil {
		c.log.Warn("event_reader_close", slog.Any("err", err))
	}
}

func (c *Consumer) readRequests(ctx context.Context) {
	for {
		msg, err := c.requests.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("request_read_err", slog.Any("err", err))
			continue
		}
		var p rideRequestPayload
		if err := json.Unmarshal(msg.Value, &p); err != nil {
			c.log.Warn("request_decode_err", slog.Any("err", err), slog.Int64("offset", msg.Offset))
			continue
		}
		req := RideRequest{
			RiderID:         types.ID(p.RiderID),
			Pickup:          types.Point{Lat: p.PickupLat, Lng: p.PickupLng},
			RequestedAt:     p.RequestedAt,
			TargetStationID: types.ID(p.TargetStation),
		}
		if err := c.sink.Submit(req); err != nil {
			if errors.Is(err, ErrActiveRequest) {
				c.log.Warn("duplicate_request", slog.String("rider", p.RiderID))
				continue
			}
			c.log.Warn("request_rejected", slog.Any("err", err), slog.String("rider", p.RiderID))
		}
	}
}

func (c *Consumer) readEvents(ctx context.Context) {
	for {
		msg, err := c.events.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("event_read_err", slog.Any("err", err))
			continue
		}
		var p driverEventPayload
		if err := json.Unmarshal(msg.Value, &p); err != nil {
			c.log.Warn("event_decode_err", slog.Any("err", err), slog.Int64("offset", msg.Offset))
			continue
		}
		// Every event, including trip-less rider cancels, goes through the
		// channel: only the dispatch loop goroutine may touch the pending
		// set, or a cancel could interleave with a cycle's bookkeeping.
		c.sink.Enqueue(DriverEvent{
			Kind:     EventKind(p.Kind),
			TripID:   types.ID(p.TripID),
			DriverID: types.ID(p.DriverID),
			RiderID:  types.ID(p.RiderID),
			At:       p.At,
		})
	}
}
