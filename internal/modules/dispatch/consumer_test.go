package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mywin/internal/types"
)

type fakeReader struct {
	mu   sync.Mutex
	msgs []kafka.Message
	i    int
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if f.i < len(f.msgs) {
		m := f.msgs[f.i]
		f.i++
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) Close() error { return nil }

type fakeSink struct {
	mu        sync.Mutex
	submitted []RideRequest
	events    []DriverEvent
}

func (f *fakeSink) Submit(req RideRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	return nil
}

func (f *fakeSink) Enqueue(ev DriverEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeSink) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted), len(f.events)
}

func TestConsumer_RoutesTopics(t *testing.T) {
	requests := &fakeReader{msgs: []kafka.Message{
		{Value: []byte(`{"riderId":"R-1","pickupLat":13.7649,"pickupLng":100.5383,"requestedAt":"2026-08-31T12:00:00Z","targetStation":"WIN-01"}`)},
		{Value: []byte(`not json`)},
	}}
	events := &fakeReader{msgs: []kafka.Message{
		{Value: []byte(`{"kind":"accept","tripId":"T-1","driverId":"D-1","at":"2026-08-31T12:00:05Z"}`)},
		{Value: []byte(`{"kind":"cancel","riderId":"R-2","at":"2026-08-31T12:00:06Z"}`)},
	}}
	sink := &fakeSink{}
	c := NewConsumer(requests, events, sink, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		s, ev := sink.counts()
		return s == 1 && ev == 2
	}, 2*time.Second, 10*time.Millisecond, "consumer should route all well-formed messages")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop on context cancel")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.submitted, 1)
	assert.Equal(t, types.ID("R-1"), sink.submitted[0].RiderID)
	assert.Equal(t, types.ID("WIN-01"), sink.submitted[0].TargetStationID)
	assert.Equal(t, 13.7649, sink.submitted[0].Pickup.Lat)

	// The trip-less rider cancel travels over the channel too, so only the
	// dispatch loop ever mutates the pending set.
	require.Len(t, sink.events, 2)
	assert.Equal(t, EventAccept, sink.events[0].Kind)
	assert.Equal(t, types.ID("T-1"), sink.events[0].TripID)
	assert.Equal(t, EventCancel, sink.events[1].Kind)
	assert.Equal(t, types.ID(""), sink.events[1].TripID)
	assert.Equal(t, types.ID("R-2"), sink.events[1].RiderID)
}
