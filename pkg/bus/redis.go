package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"

	"chatrelay/pkg/channel"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
)

// RedisBus is the cross-process bus: one redis pub/sub topic per channel
// under the chat:* namespace. go-redis reconnects the subscription
// transparently; messages published while disconnected are lost, which is
// within the bus contract.
type RedisBus struct {
	rdb    *redis.Client
	pubsub *redis.PubSub
	cancel context.CancelFunc

	mu       sync.RWMutex
	handlers []Handler
	started  bool
}

// RedisOptions configure the redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects to redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	logger.Info("bus_redis_connected", "addr", opts.Addr)
	return &RedisBus{rdb: rdb}, nil
}

// Publish sends env on the channel's topic.
func (b *RedisBus) Publish(ctx context.Context, channelID string, env models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, channel.Topic(channelID), data).Err(); err != nil {
		publishFailTotal.WithLabelValues("redis").Inc()
		logger.Error("bus_publish_failed", "channel", channelID, "error", err)
		return err
	}
	publishTotal.WithLabelValues("redis").Inc()
	return nil
}

// Subscribe registers h; the first subscriber starts the chat:* pattern
// subscription pump.
func (b *RedisBus) Subscribe(h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.pubsub = b.rdb.PSubscribe(ctx, channel.TopicPattern())
	b.mu.Unlock()

	go b.pump(ctx)
}

func (b *RedisBus) pump(ctx context.Context) {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			channelID, ok := channel.FromTopic(msg.Channel)
			if !ok {
				continue
			}
			var env models.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Warn("bus_bad_payload", "topic", msg.Channel, "error", err)
				continue
			}
			b.mu.RLock()
			handlers := b.handlers
			b.mu.RUnlock()
			for _, h := range handlers {
				h(channelID, env)
			}
		}
	}
}

// Close tears down the subscription and the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	ps := b.pubsub
	b.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
	return b.rdb.Close()
}

var _ Bus = (*RedisBus)(nil)
