// Package bus connects the gateway to its Redis Streams event bus: the
// Publisher pushes session and telemetry records out, the Consumer pulls
// online commands in.
//
// Per-device ordering relies on two facts: the connection handler
// enqueues records in frame order, and a single pump goroutine appends
// them to the stream. Records carry an imei field so consumers can
// partition by device.
package bus

import (
	"context"
	"encoding"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gomodule/redigo/redis"

	"github.com/dantte-lp/gogt06/internal/config"
	gwmetrics "github.com/dantte-lp/gogt06/internal/metrics"
	"github.com/dantte-lp/gogt06/pkg/trackpb"
)

// Drop reasons recorded on the events_dropped metric.
const (
	dropQueueFull      = "queue_full"
	dropRetryExhausted = "retry_exhausted"
)

// event is one queued bus record.
type event struct {
	topic   string
	imei    string
	payload []byte
}

// Publisher owns the bounded publish queue and the single pump goroutine
// appending records to Redis Streams.
//
// Overload policy: telemetry records are shed (the incoming record is
// dropped and counted) when the queue is full; session lifecycle records
// are never shed, the producer blocks instead. Losing a telemetry point
// degrades a track; losing a lifecycle record corrupts every consumer's
// view of which devices are online.
type Publisher struct {
	pool    *redis.Pool
	cfg     config.BusConfig
	retries int
	metrics *gwmetrics.Collector
	logger  *slog.Logger

	queue chan event
}

// NewPublisher creates a Publisher. Run must be started for records to
// flow.
func NewPublisher(pool *redis.Pool, cfg config.BusConfig, pub config.PublishConfig, m *gwmetrics.Collector, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		pool:    pool,
		cfg:     cfg,
		retries: pub.RetryMax,
		metrics: m,
		logger:  logger.With(slog.String("component", "publisher")),
		queue:   make(chan event, pub.QueueCapacity),
	}
}

// SessionEvent enqueues a session lifecycle record. Blocks if the queue
// is full; lifecycle records are never shed.
func (p *Publisher) SessionEvent(ev *trackpb.SessionEvent) {
	p.enqueueBlocking(p.cfg.SessionTopic, ev.Imei, ev)
}

// Telemetry enqueues a decoded device message. Sheds the record if the
// queue is full.
func (p *Publisher) Telemetry(ev *trackpb.TelemetryEvent) {
	p.enqueueShedding(p.cfg.TelemetryTopic, ev.Imei, ev)
}

// LocationFix enqueues a normalised gps-valid fix on the location
// subset stream. Sheds the record if the queue is full.
func (p *Publisher) LocationFix(loc *trackpb.Location) {
	p.enqueueShedding(p.cfg.LocationTopic, loc.Imei, loc)
}

func (p *Publisher) enqueueBlocking(topic, imei string, rec encoding.BinaryMarshaler) {
	ev, ok := p.encode(topic, imei, rec)
	if !ok {
		return
	}
	p.queue <- ev
}

func (p *Publisher) enqueueShedding(topic, imei string, rec encoding.BinaryMarshaler) {
	ev, ok := p.encode(topic, imei, rec)
	if !ok {
		return
	}
	select {
	case p.queue <- ev:
	default:
		p.metrics.IncDropped(topic, dropQueueFull)
		p.logger.Warn("publish queue full, record shed",
			slog.String("topic", topic),
			slog.String("imei", imei))
	}
}

func (p *Publisher) encode(topic, imei string, rec encoding.BinaryMarshaler) (event, bool) {
	payload, err := rec.MarshalBinary()
	if err != nil {
		// Hand-written marshalers cannot fail today; guard anyway.
		p.logger.Error("encode record", slog.String("topic", topic), slog.Any("error", err))
		return event{}, false
	}
	return event{topic: topic, imei: imei, payload: payload}, true
}

// Run drives the pump until ctx is cancelled, then drains whatever is
// already queued before returning. Always returns nil; publish failures
// are absorbed by retry and drop accounting, not surfaced to the
// errgroup.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("publisher started",
		slog.String("session_topic", p.cfg.SessionTopic),
		slog.String("telemetry_topic", p.cfg.TelemetryTopic),
		slog.String("location_topic", p.cfg.LocationTopic))

	for {
		select {
		case ev := <-p.queue:
			p.publish(ctx, ev)
		case <-ctx.Done():
			p.drain()
			p.logger.Info("publisher stopped")
			return nil
		}
	}
}

// drain flushes queued records after shutdown began. Each gets one
// attempt; the broker being down during shutdown means the records are
// lost either way.
func (p *Publisher) drain() {
	for {
		select {
		case ev := <-p.queue:
			if err := p.xadd(ev); err != nil {
				p.metrics.IncDropped(ev.topic, dropRetryExhausted)
				p.logger.Warn("drop record during drain",
					slog.String("topic", ev.topic), slog.Any("error", err))
				continue
			}
			p.metrics.IncPublished(ev.topic)
		default:
			return
		}
	}
}

// publish appends one record with bounded exponential backoff. Exhausted
// retries drop the record and count it; the pump never wedges on a sick
// broker.
func (p *Publisher) publish(ctx context.Context, ev event) {
	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(50*time.Millisecond),
			backoff.WithMaxInterval(2*time.Second),
		),
		uint64(p.retries),
	), ctx)

	err := backoff.Retry(func() error {
		return p.xadd(ev)
	}, bo)
	if err != nil {
		p.metrics.IncDropped(ev.topic, dropRetryExhausted)
		p.logger.Error("publish retries exhausted, record dropped",
			slog.String("topic", ev.topic),
			slog.String("imei", ev.imei),
			slog.Any("error", err))
		return
	}
	p.metrics.IncPublished(ev.topic)
}

// xadd appends one record to its stream.
func (p *Publisher) xadd(ev event) error {
	c := p.pool.Get()
	defer c.Close()

	args := []interface{}{ev.topic}
	if p.cfg.StreamMaxLen > 0 {
		args = append(args, "MAXLEN", "~", p.cfg.StreamMaxLen)
	}
	args = append(args, "*", "imei", ev.imei, "payload", ev.payload)

	if _, err := c.Do("XADD", args...); err != nil {
		return fmt.Errorf("xadd %s: %w", ev.topic, err)
	}
	return nil
}
