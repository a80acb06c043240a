package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mahaj/campus-realtime/pkg/model"
)

// RedisPublisher is the subset of *redis.Client a RedisPusher needs.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPusher hands notifications written outside a gateway to every gateway over
// Redis pub/sub. Delivery is best effort: nobody subscribed means nobody pushed.
type RedisPusher struct {
	client  RedisPublisher
	channel string
	log     *zap.SugaredLogger
}

func NewRedisPusher(client RedisPublisher, channel string, log *zap.SugaredLogger) *RedisPusher {
	return &RedisPusher{client: client, channel: channel, log: log}
}

func (p *RedisPusher) Push(ctx context.Context, n model.Notification) {
	value, err := json.Marshal(n)
	if err != nil {
		p.log.Errorw("encode live notification", "id", n.ID, "error", err)
		return
	}
	if err := p.client.Publish(ctx, p.channel, value).Err(); err != nil {
		p.log.Errorw("publish live notification", "id", n.ID, "recipient", n.RecipientID, "error", err)
	}
}

// RedisRelay subscribes a gateway to the live channel and pushes what arrives to
// the recipients connected here.
type RedisRelay struct {
	client  *redis.Client
	channel string
	pusher  Pusher
	log     *zap.SugaredLogger
}

func NewRedisRelay(client *redis.Client, channel string, pusher Pusher, log *zap.SugaredLogger) *RedisRelay {
	return &RedisRelay{client: client, channel: channel, pusher: pusher, log: log}
}

// Run consumes until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// wait for the subscription to be confirmed before reporting it live
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.log.Infow("live notification relay subscribed", "channel", r.channel)
	return r.consume(ctx, sub.Channel())
}

func (r *RedisRelay) consume(ctx context.Context, messages <-chan *redis.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-messages:
			if !ok {
				return nil
			}
			if err := r.handle(ctx, []byte(m.Payload)); err != nil {
				r.log.Errorw("live notification dropped", "channel", m.Channel, "error", err)
			}
		}
	}
}

func (r *RedisRelay) handle(ctx context.Context, value []byte) error {
	var n model.Notification
	if err := json.Unmarshal(value, &n); err != nil {
		return fmt.Errorf("decode live notification: %w", err)
	}
	if n.RecipientID == "" {
		return errors.New("live notification without recipient")
	}
	r.pusher.Push(ctx, n)
	return nil
}
