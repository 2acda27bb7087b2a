package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/imld/daemon/internal/logging"
)

// RedisBus is the durable pub/sub backend, used when triggers and the HTTP
// API surface run as separate processes sharing one event stream. It
// publishes to a single fixed channel and filters on the client side using
// the same pattern compiler as MemoryBus, since Redis pub/sub channels
// don't natively support MQTT wildcards.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  logging.Logger

	mu   sync.Mutex
	subs []*redisSub
}

type redisSub struct {
	re      regexpMatcher
	handler Handler
}

type regexpMatcher interface {
	MatchString(string) bool
}

// NewRedisBus connects to redisURL and listens on channel for published
// events.
func NewRedisBus(redisURL, channel string, logger logging.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	bus := &RedisBus{client: client, channel: channel, logger: logger}

	pubsub := client.Subscribe(context.Background(), channel)
	go bus.loop(pubsub)

	return bus, nil
}

func (b *RedisBus) loop(pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for msg := range ch {
		var evt UniversalEvent
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			b.logger.Warn("redis bus: malformed event payload", map[string]interface{}{"error": err.Error()})
			continue
		}
		topic := normaliseTopic(evt.Topic)

		b.mu.Lock()
		subs := make([]*redisSub, len(b.subs))
		copy(subs, b.subs)
		b.mu.Unlock()

		for _, s := range subs {
			if s.re.MatchString(topic) {
				s.handler(context.Background(), &evt)
			}
		}
	}
}

func (b *RedisBus) Publish(ctx context.Context, evt *UniversalEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

func (b *RedisBus) Subscribe(pattern string, h Handler) (func(), error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}
	sub := &redisSub{re: re, handler: h}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
	}, nil
}
