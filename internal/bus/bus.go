package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"

	"github.com/deploydeck/deploydeck/internal/domain"
)

// Handler consumes one event delivered on a subscribed topic.
type Handler func(domain.Event)

// Publisher emits events onto named topics, best-effort.
type Publisher interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
}

// Bus couples publish with topic subscription.
type Bus interface {
	Publisher
	Subscribe(topic string, handler Handler) (*Subscription, error)
	Close() error
}

// Subscription is the handle returned by Subscribe; Unsubscribe stops
// delivery and releases the broker channel.
type Subscription struct {
	topic  string
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

// Topic returns the subscribed topic name.
func (s *Subscription) Topic() string {
	return s.topic
}

// Unsubscribe stops the delivery goroutine and closes the broker channel.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		_ = s.pubsub.Close()
	})
}

// RedisBus publishes and subscribes over Redis pub/sub channels.
// Reconnection and resubscription are handled by the client; publishers
// and subscribers never see a transient broker outage as anything other
// than a dropped (best-effort) message.
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger

	mu   sync.Mutex
	subs []*Subscription
}

// NewRedisBus constructs a bus on an established Redis client.
func NewRedisBus(client *redis.Client, logger *slog.Logger) *RedisBus {
	if logger != nil {
		logger = logger.With("component", "bus")
	}
	return &RedisBus{client: client, logger: logger}
}

var _ Bus = (*RedisBus)(nil)

const publishTimeout = 2 * time.Second

// Publish marshals the event and fires it at the topic. Errors are
// returned so callers can decide whether to swallow them; publish after a
// successful durable write is log-and-continue territory.
func (b *RedisBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return b.client.Publish(opCtx, topic, payload).Err()
}

// Subscribe registers a handler invoked once per event published on the
// topic. The handler runs on the subscription's delivery goroutine.
func (b *RedisBus) Subscribe(topic string, handler Handler) (*Subscription, error) {
	pubsub := b.client.Subscribe(context.Background(), topic)
	// Force the SUBSCRIBE round-trip so a dead broker fails fast.
	if _, err := pubsub.Receive(context.Background()); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	sub := &Subscription{
		topic:  topic,
		pubsub: pubsub,
		done:   make(chan struct{}),
	}
	go b.deliver(sub, handler)

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

func (b *RedisBus) deliver(sub *Subscription, handler Handler) {
	ch := sub.pubsub.Channel()
	for {
		select {
		case <-sub.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				if b.logger != nil {
					b.logger.Warn("dropping malformed bus event", "topic", sub.topic, "error", err)
				}
				continue
			}
			handler(event)
		}
	}
}

// Close unsubscribes every active subscription. The Redis client itself is
// owned by the caller.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return nil
}
