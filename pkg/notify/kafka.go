package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mahaj/campus-realtime/pkg/model"
)

// Publisher hands events to the notifier service through Kafka. The writer is async,
// so Enqueue returns as soon as the event is buffered.
type Publisher struct {
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

func NewPublisher(brokers []string, topic string, log *zap.SugaredLogger) *Publisher {
	return &Publisher{
		writer: newWriter(brokers, topic, log),
		log:    log,
	}
}

func newWriter(brokers []string, topic string, log *zap.SugaredLogger) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		Async:                  true,
		AllowAutoTopicCreation: true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Errorw("kafka publish failed", "topic", topic, "count", len(messages), "error", err)
			}
		},
	}
}

func (p *Publisher) Enqueue(ctx context.Context, ev Event) error {
	if ev.Empty() {
		return nil
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.SenderID),
		Value: value,
		Time:  time.Now(),
	})
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// DeliveryPublisher forwards persisted notifications to every gateway.
type DeliveryPublisher struct {
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

func NewDeliveryPublisher(brokers []string, topic string, log *zap.SugaredLogger) *DeliveryPublisher {
	return &DeliveryPublisher{
		writer: newWriter(brokers, topic, log),
		log:    log,
	}
}

func (p *DeliveryPublisher) Push(ctx context.Context, n model.Notification) {
	value, err := json.Marshal(n)
	if err != nil {
		p.log.Errorw("encode delivery", "id", n.ID, "error", err)
		return
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.RecipientID),
		Value: value,
		Time:  time.Now(),
	}); err != nil {
		p.log.Errorw("publish delivery", "id", n.ID, "recipient", n.RecipientID, "error", err)
	}
}

func (p *DeliveryPublisher) Close() error {
	return p.writer.Close()
}

// EventConsumer runs the fan-out writer for events published by gateways.
// Offsets are committed after delivery, so an event is handled at least once.
type EventConsumer struct {
	reader    *kafka.Reader
	deliverer Deliverer
	timeout   time.Duration
	log       *zap.SugaredLogger
}

func NewEventConsumer(brokers []string, topic, groupID string, d Deliverer, timeout time.Duration,
	log *zap.SugaredLogger) *EventConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &EventConsumer{reader: r, deliverer: d, timeout: timeout, log: log}
}

// Run consumes until ctx is cancelled.
func (c *EventConsumer) Run(ctx context.Context) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warnw("kafka fetch failed, retrying", "error", err)
			time.Sleep(time.Second)
			continue
		}

		if err := c.handle(ctx, m.Value); err != nil {
			c.log.Errorw("notification event dropped", "offset", m.Offset, "partition", m.Partition, "error", err)
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.log.Warnw("kafka commit failed", "offset", m.Offset, "error", err)
		}
	}
}

func (c *EventConsumer) handle(ctx context.Context, value []byte) error {
	var ev Event
	if err := json.Unmarshal(value, &ev); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if !ev.Type.Valid() {
		return fmt.Errorf("unknown notification type %q", ev.Type)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	written, err := c.deliverer.Deliver(ctx, ev)
	if err != nil {
		return err
	}
	c.log.Infow("notification event processed", "type", ev.Type, "sender", ev.SenderID, "written", len(written))
	return nil
}

func (c *EventConsumer) Close() error {
	return c.reader.Close()
}

// DeliveryConsumer pushes notifications written by the notifier service to this
// gateway's channels. Every gateway joins its own group so each one sees every record.
type DeliveryConsumer struct {
	reader *kafka.Reader
	pusher Pusher
	log    *zap.SugaredLogger
}

func NewDeliveryConsumer(brokers []string, topic, groupID string, pusher Pusher, log *zap.SugaredLogger) *DeliveryConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return &DeliveryConsumer{reader: r, pusher: pusher, log: log}
}

func (c *DeliveryConsumer) Run(ctx context.Context) error {
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			c.log.Warnw("delivery consumer read failed, retrying", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if err := c.handle(ctx, m.Value); err != nil {
			c.log.Errorw("delivery dropped", "offset", m.Offset, "error", err)
		}
	}
}

func (c *DeliveryConsumer) handle(ctx context.Context, value []byte) error {
	var n model.Notification
	if err := json.Unmarshal(value, &n); err != nil {
		return fmt.Errorf("decode delivery: %w", err)
	}
	if n.RecipientID == "" {
		return errors.New("delivery without recipient")
	}
	c.pusher.Push(ctx, n)
	return nil
}

func (c *DeliveryConsumer) Close() error {
	return c.reader.Close()
}
