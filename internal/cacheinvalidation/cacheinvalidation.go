// Package cacheinvalidation broadcasts document-status cache
// invalidation across sibling core instances (e.g. multiple browser
// tabs backed by the same server) via Redis pub/sub, resolving the
// spec's Design Notes open question about cross-tab cache drift.
// Ported from the teacher's storage.RedisPubSub: a single channel
// replaces its per-document/broadcast/presence channel split, since
// the only payload here is "this documentId's status changed
// somewhere else" rather than full delta content, and each delivered
// message is dispatched to handlers in its own recovered goroutine,
// exactly as handleMessages does.
package cacheinvalidation

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Logger is the minimal structured-logging surface this package needs.
type Logger interface {
	Warnf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warnf(string, ...any) {}

// Broadcaster publishes and receives document-status invalidation
// notices over a single Redis channel, implementing
// statustracker.Invalidator.
type Broadcaster struct {
	publisher  *redis.Client
	subscriber *redis.Client
	channel    string
	log        Logger

	mu       sync.RWMutex
	handlers []subscription
	nextID   uint64
	pubsub   *redis.PubSub
}

type subscription struct {
	id uint64
	fn func(documentID string)
}

type invalidationMessage struct {
	DocumentID string `json:"documentId"`
}

// New parses redisURL and returns a Broadcaster scoped to
// "<channelPrefix>:invalidate". The Redis clients connect lazily on
// first use, so New fails only on an unparsable URL.
func New(redisURL, channelPrefix string, log Logger) (*Broadcaster, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = noopLogger{}
	}

	return &Broadcaster{
		publisher:  redis.NewClient(opt),
		subscriber: redis.NewClient(opt),
		channel:    channelPrefix + ":invalidate",
		log:        log,
	}, nil
}

// Broadcast publishes an invalidation notice for documentID. Errors
// are logged, not returned: a failed broadcast degrades to "this tab
// keeps its stale cache a little longer," never to a hard failure of
// the write that triggered it.
func (b *Broadcaster) Broadcast(documentID string) {
	data, err := json.Marshal(invalidationMessage{DocumentID: documentID})
	if err != nil {
		b.log.Warnf("cacheinvalidation: marshal failed: %v", err)
		return
	}
	if err := b.publisher.Publish(context.Background(), b.channel, data).Err(); err != nil {
		b.log.Warnf("cacheinvalidation: publish failed: %v", err)
	}
}

// Subscribe registers onInvalidate and lazily starts the background
// receive loop on the first subscriber.
func (b *Broadcaster) Subscribe(onInvalidate func(documentID string)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, subscription{id: id, fn: onInvalidate})
	first := len(b.handlers) == 1
	b.mu.Unlock()

	if first {
		b.mu.Lock()
		b.pubsub = b.subscriber.Subscribe(context.Background(), b.channel)
		b.mu.Unlock()
		go b.receiveLoop(b.pubsub)
	}

	return func() {
		b.mu.Lock()
		for i, h := range b.handlers {
			if h.id == id {
				b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	}
}

func (b *Broadcaster) receiveLoop(pubsub *redis.PubSub) {
	for msg := range pubsub.Channel() {
		var parsed invalidationMessage
		if err := json.Unmarshal([]byte(msg.Payload), &parsed); err != nil {
			b.log.Warnf("cacheinvalidation: malformed message: %v", err)
			continue
		}

		b.mu.RLock()
		handlers := make([]subscription, len(b.handlers))
		copy(handlers, b.handlers)
		b.mu.RUnlock()

		for _, h := range handlers {
			go b.safeInvoke(h.fn, parsed.DocumentID)
		}
	}
}

func (b *Broadcaster) safeInvoke(h func(string), documentID string) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warnf("cacheinvalidation: handler panicked: %v", r)
		}
	}()
	h(documentID)
}

// Close tears down the publisher/subscriber connections.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	ps := b.pubsub
	b.mu.Unlock()

	if ps != nil {
		ps.Close()
	}
	if err := b.subscriber.Close(); err != nil {
		return err
	}
	return b.publisher.Close()
}
