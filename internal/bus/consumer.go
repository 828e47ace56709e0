package bus

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/dantte-lp/gogt06/internal/config"
	"github.com/dantte-lp/gogt06/internal/gt06"
	gwmetrics "github.com/dantte-lp/gogt06/internal/metrics"
	"github.com/dantte-lp/gogt06/internal/session"
	"github.com/dantte-lp/gogt06/pkg/trackpb"
)

// Deliverer hands an online command to the connection owning a channel
// and reports the write outcome: a nil return means the command frame
// reached the device socket. Implemented by the connection handler; the
// consumer never touches a socket itself.
type Deliverer interface {
	Deliver(channelID string, cmd *trackpb.CommandEvent) error
}

// Consumer reads online commands from the command stream through a
// consumer group, resolves the target device's session, and hands the
// command to the connection handler. Failed deliveries are requeued with
// an incremented retry count until the command's retry ceiling, then
// surfaced as a failed-command telemetry record.
type Consumer struct {
	pool      *redis.Pool
	cfg       config.BusConfig
	retryMax  int
	registry  *session.Registry
	deliverer Deliverer
	publisher *Publisher
	metrics   *gwmetrics.Collector
	logger    *slog.Logger

	// consumerName identifies this gateway within the consumer group.
	consumerName string

	// ReadBlock is the XREADGROUP block duration; also the shutdown
	// latency ceiling. Defaults to 5 s.
	ReadBlock time.Duration
}

// NewConsumer creates a Consumer identified as consumerName within the
// configured group.
func NewConsumer(pool *redis.Pool, cfg config.BusConfig, cmd config.CommandConfig, consumerName string, reg *session.Registry, d Deliverer, pub *Publisher, m *gwmetrics.Collector, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		pool:         pool,
		cfg:          cfg,
		retryMax:     cmd.RetryMax,
		registry:     reg,
		deliverer:    d,
		publisher:    pub,
		metrics:      m,
		logger:       logger.With(slog.String("component", "command-consumer")),
		consumerName: consumerName,
		ReadBlock:    5 * time.Second,
	}
}

// Run consumes the command stream until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(); err != nil {
		return fmt.Errorf("command consumer: %w", err)
	}

	c.logger.Info("command consumer started",
		slog.String("topic", c.cfg.CommandTopic),
		slog.String("group", c.cfg.ConsumerGroup),
		slog.String("consumer", c.consumerName))

	for {
		if ctx.Err() != nil {
			c.logger.Info("command consumer stopped")
			return nil
		}

		entries, err := c.read()
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("command consumer stopped")
				return nil
			}
			c.logger.Error("read command stream", slog.Any("error", err))
			// Back off briefly so a dead broker does not spin the loop.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}

		c.dispatch(ctx, entries)
	}
}

// ensureGroup creates the consumer group, tolerating a group that
// already exists.
func (c *Consumer) ensureGroup() error {
	conn := c.pool.Get()
	defer conn.Close()

	_, err := conn.Do("XGROUP", "CREATE", c.cfg.CommandTopic, c.cfg.ConsumerGroup, "$", "MKSTREAM")
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", c.cfg.ConsumerGroup, c.cfg.CommandTopic, err)
	}
	return nil
}

// entry is one pending stream entry.
type entry struct {
	id  string
	cmd *trackpb.CommandEvent

	// order preserves stream position for commands of equal priority.
	order int
}

// read blocks for up to ReadBlock and returns decoded pending entries.
// Undecodable entries are acked and dropped immediately; they can never
// succeed.
func (c *Consumer) read() ([]entry, error) {
	conn := c.pool.Get()
	defer conn.Close()

	reply, err := redis.Values(conn.Do("XREADGROUP",
		"GROUP", c.cfg.ConsumerGroup, c.consumerName,
		"COUNT", 32,
		"BLOCK", int64(c.ReadBlock/time.Millisecond),
		"STREAMS", c.cfg.CommandTopic, ">",
	))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", c.cfg.CommandTopic, err)
	}

	var out []entry
	for _, stream := range reply {
		sv, err := redis.Values(stream, nil)
		if err != nil || len(sv) != 2 {
			continue
		}
		items, err := redis.Values(sv[1], nil)
		if err != nil {
			continue
		}
		for _, item := range items {
			iv, err := redis.Values(item, nil)
			if err != nil || len(iv) != 2 {
				continue
			}
			id, _ := redis.String(iv[0], nil)
			fields, _ := redis.StringMap(iv[1], nil)

			cmd := &trackpb.CommandEvent{}
			if err := cmd.UnmarshalBinary([]byte(fields["payload"])); err != nil || cmd.Imei == "" {
				c.logger.Warn("discard undecodable command entry",
					slog.String("entry_id", id), slog.Any("error", err))
				c.ack(id)
				continue
			}
			out = append(out, entry{id: id, cmd: cmd, order: len(out)})
		}
	}
	return out, nil
}

// dispatch delivers a batch. Commands are grouped per device and ordered
// by priority within each device; priority never reorders across
// devices, so one busy fleet customer cannot starve another.
func (c *Consumer) dispatch(ctx context.Context, entries []entry) {
	byIMEI := make(map[string]*commandQueue)
	for _, e := range entries {
		q, ok := byIMEI[e.cmd.Imei]
		if !ok {
			q = &commandQueue{}
			byIMEI[e.cmd.Imei] = q
		}
		heap.Push(q, e)
	}

	for imei, q := range byIMEI {
		for q.Len() > 0 {
			e := heap.Pop(q).(entry)
			c.deliver(ctx, imei, e)
		}
	}
}

// deliver attempts one command delivery and settles the stream entry.
func (c *Consumer) deliver(ctx context.Context, imei string, e entry) {
	err := c.tryDeliver(ctx, imei, e.cmd)
	if err == nil {
		c.metrics.IncCommandDelivered()
		c.ack(e.id)
		return
	}

	max := int(e.cmd.MaxRetries)
	if max == 0 {
		max = c.retryMax
	}

	if int(e.cmd.RetryCount) >= max {
		c.metrics.IncCommandFailed()
		c.logger.Warn("command failed after retries",
			slog.String("imei", imei),
			slog.String("command_id", e.cmd.CommandId),
			slog.Int("attempts", int(e.cmd.RetryCount)+1),
			slog.Any("error", err))
		c.publisher.Telemetry(&trackpb.TelemetryEvent{
			Imei:           imei,
			Kind:           "command_failed",
			ReceivedAtUnix: time.Now().Unix(),
			Command: &trackpb.CommandResult{
				CommandId: e.cmd.CommandId,
				Failed:    true,
				Reason:    err.Error(),
			},
		})
		c.ack(e.id)
		return
	}

	c.metrics.IncCommandRetried()
	c.requeue(e)
}

// tryDeliver resolves the device's live session and hands the command to
// its connection.
func (c *Consumer) tryDeliver(ctx context.Context, imei string, cmd *trackpb.CommandEvent) error {
	s, err := c.registry.GetByIMEI(ctx, gt06.IMEI(imei))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", imei, err)
	}
	if !s.Authenticated {
		return fmt.Errorf("session for %s not authenticated", imei)
	}
	if err := c.deliverer.Deliver(s.ChannelID, cmd); err != nil {
		return fmt.Errorf("deliver to channel %s: %w", s.ChannelID, err)
	}
	return nil
}

// requeue appends the command back onto the stream with an incremented
// retry count and acks the original entry. A later read picks it up
// again, possibly after the device has reconnected.
func (c *Consumer) requeue(e entry) {
	conn := c.pool.Get()
	defer conn.Close()

	retry := *e.cmd
	retry.RetryCount++
	payload, err := retry.MarshalBinary()
	if err != nil {
		c.logger.Error("encode requeued command", slog.Any("error", err))
		c.ack(e.id)
		return
	}

	if _, err := conn.Do("XADD", c.cfg.CommandTopic, "*",
		"imei", retry.Imei, "payload", payload); err != nil {
		// Leave the entry pending; the group redelivers it later.
		c.logger.Error("requeue command", slog.String("imei", retry.Imei), slog.Any("error", err))
		return
	}
	c.ack(e.id)
}

// ack settles one stream entry with the group.
func (c *Consumer) ack(id string) {
	conn := c.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("XACK", c.cfg.CommandTopic, c.cfg.ConsumerGroup, id); err != nil {
		c.logger.Warn("xack", slog.String("entry_id", id), slog.Any("error", err))
	}
}

// -------------------------------------------------------------------------
// Per-device priority queue
// -------------------------------------------------------------------------

// commandQueue orders one device's pending commands: higher priority
// first, stream order among equals.
type commandQueue []entry

func (q commandQueue) Len() int { return len(q) }

func (q commandQueue) Less(i, j int) bool {
	if q[i].cmd.Priority != q[j].cmd.Priority {
		return q[i].cmd.Priority > q[j].cmd.Priority
	}
	return q[i].order < q[j].order
}

func (q commandQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *commandQueue) Push(x any) { *q = append(*q, x.(entry)) }

func (q *commandQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	*q = old[:n-1]
	return e
}
