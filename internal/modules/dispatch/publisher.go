// README: Async Kafka publisher for the append-only match record stream.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"mywin/internal/metrics"
	"mywin/internal/types"
)

const publisherQueueSize = 256

type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// matchPayload is the wire shape of one match record on the stream.
type matchPayload struct {
	ID                  types.ID  `json:"id"`
	RiderID             types.ID  `json:"riderId"`
	DriverID            types.ID  `json:"driverId"`
	StationID           types.ID  `json:"stationId,omitempty"`
	DistanceKm          float64   `json:"distanceKm"`
	RiderWaitSeconds    int       `json:"riderWaitSeconds"`
	FairnessScore       float64   `json:"fairnessScore"`
	CompetingCandidates int       `json:"competingCandidates"`
	MatchedAt           time.Time `json:"matchedAt"`
}

// Publisher delivers match records to Kafka off the dispatch loop's critical
// path. Publishing is best effort: a full queue or a broker error drops the
// message with a metric bump and never fails a cycle.
type Publisher struct {
	writer kafkaMessageWriter
	log    *slog.Logger
	queue  chan MatchRecord
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewPublisher(writer kafkaMessageWriter, log *slog.Logger) *Publisher {
	return &Publisher{
		writer: writer,
		log:    log.With(slog.String("component", "match-publisher")),
		queue:  make(chan MatchRecord, publisherQueueSize),
	}
}

// Start launches the delivery loop.
func (p *Publisher) Start(ctx context.Context) {
	p.once.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		p.cancel = cancel
		p.wg.Add(1)
		go p.run(runCtx)
		p.log.Info("publisher_started")
	})
}

// Stop drains queued records and closes the writer.
func (p *Publisher) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	if err := p.writer.Close(); err != nil {
		p.log.Error("publisher_close_err", slog.Any("err", err))
	}
	p.log.Info("publisher_stopped")
}

// Publish enqueues a record for asynchronous delivery.
func (p *Publisher) Publish(rec MatchRecord) {
	select {
	case p.queue <- rec:
	default:
		metrics.IncPublish("drop")
		p.log.Warn("publish_queue_full", slog.String("match", string(rec.ID)))
	}
}

func (p *Publisher) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case rec := <-p.queue:
			p.deliver(context.Background(), rec)
		}
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case rec := <-p.queue:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			p.deliver(ctx, rec)
			cancel()
		default:
			return
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, rec MatchRecord) {
	value, err := json.Marshal(matchPayload(rec))
	if err != nil {
		metrics.IncPublish("fail")
		p.log.Error("publish_encode_err", slog.Any("err", err), slog.String("match", string(rec.ID)))
		return
	}
	msg := kafka.Message{Key: []byte(rec.DriverID), Value: value}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		metrics.IncPublish("fail")
		p.log.Error("publish_err", slog.Any("err", err), slog.String("match", string(rec.ID)))
		return
	}
	metrics.IncPublish("ok")
}
