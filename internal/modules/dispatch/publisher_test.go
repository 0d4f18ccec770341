package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestPublisher_DeliversQueuedRecords(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisher(w, testLogger())

	matchedAt := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	p.Publish(MatchRecord{
		ID: "M-1", RiderID: "R-1", DriverID: "D-1", StationID: "WIN-01",
		DistanceKm: 0.4, RiderWaitSeconds: 12, FairnessScore: 321.5,
		CompetingCandidates: 2, MatchedAt: matchedAt,
	})
	p.Publish(MatchRecord{ID: "M-2", RiderID: "R-2", DriverID: "D-2", MatchedAt: matchedAt})

	p.Start(context.Background())
	p.Stop()

	require.Len(t, w.msgs, 2)
	assert.True(t, w.closed)
	assert.Equal(t, []byte("D-1"), w.msgs[0].Key)

	var payload matchPayload
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &payload))
	assert.Equal(t, "M-1", string(payload.ID))
	assert.Equal(t, "WIN-01", string(payload.StationID))
	assert.Equal(t, 0.4, payload.DistanceKm)
	assert.Equal(t, 12, payload.RiderWaitSeconds)
	assert.Equal(t, 2, payload.CompetingCandidates)
}

func TestPublisher_FullQueueDropsInsteadOfBlocking(t *testing.T) {
	p := NewPublisher(&fakeWriter{}, testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < publisherQueueSize+10; i++ {
			p.Publish(MatchRecord{ID: "M-overflow"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full queue")
	}
	assert.Equal(t, publisherQueueSize, len(p.queue))
}
