package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	publishTimeout = 2 * time.Second
	// DefaultOutboxSize bounds the events waiting to be published to Redis.
	DefaultOutboxSize = 1024
)

func channelFor(topic string) string { return "auc:" + topic + ":events" }

type outbound struct {
	topic string
	evt   Event
}

// RedisBus relays events between engine instances through Redis pub/sub and
// delivers them locally through a Broadcaster. Publishing to Redis happens on
// a single worker behind a bounded queue, so a slow Redis never holds up the
// caller of Publish.
type RedisBus struct {
	rdc    redis.Cmdable
	local  *Broadcaster
	subMgr *subscriptionManager
	outbox *dropQueue[outbound]
	done   chan struct{}
}

var _ Bus = (*RedisBus)(nil)

func NewRedisBus(rdb *redis.Client, local *Broadcaster) *RedisBus {
	return newRedisBus(rdb, redisOpener(rdb), local, DefaultOutboxSize)
}

func newRedisBus(rdc redis.Cmdable, open openFunc, local *Broadcaster, outboxSize int) *RedisBus {
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	b := &RedisBus{
		rdc:    rdc,
		local:  local,
		subMgr: newSubscriptionManager(open, local),
		outbox: newDropQueue[outbound](outboxSize),
		done:   make(chan struct{}),
	}
	go b.drain()
	return b
}

// Publish queues evt for every instance and returns immediately.
func (b *RedisBus) Publish(topic string, evt Event) {
	b.outbox.offer(outbound{topic: topic, evt: evt})
}

func (b *RedisBus) drain() {
	defer close(b.done)
	for m := range b.outbox.ch {
		b.send(m)
	}
	if n := b.outbox.dropped.Load(); n > 0 {
		zap.L().Warn("broadcast.redis_dropped", zap.Int64("count", n))
	}
}

// send publishes one event. When Redis is unreachable the event is still
// delivered to local subscribers.
func (b *RedisBus) send(m outbound) {
	payload, err := json.Marshal(m.evt)
	if err != nil {
		zap.L().Error("broadcast.encode_failed", zap.String("topic", m.topic), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.rdc.Publish(ctx, channelFor(m.topic), payload).Err(); err != nil {
		zap.L().Warn("broadcast.redis_publish", zap.String("topic", m.topic), zap.Error(err))
		b.local.Publish(m.topic, m.evt)
	}
}

func (b *RedisBus) Subscribe(topic string, cb Callback) func() {
	unsub := b.local.Subscribe(topic, cb)
	b.subMgr.acquire(topic)

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			b.subMgr.release(topic)
		})
	}
}

// Close flushes queued publishes, then stops relaying and local delivery.
func (b *RedisBus) Close() {
	b.outbox.close()
	<-b.done
	b.subMgr.closeAll()
	b.local.Close()
}
