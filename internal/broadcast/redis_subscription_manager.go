package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// openFunc subscribes to one Redis channel.
type openFunc func(ctx context.Context, channel string) (<-chan *redis.Message, func() error)

func redisOpener(rdb *redis.Client) openFunc {
	return func(ctx context.Context, channel string) (<-chan *redis.Message, func() error) {
		ps := rdb.Subscribe(ctx, channel)
		return ps.Channel(), ps.Close
	}
}

// subscriptionManager guarantees that we have exactly one Redis subscription
// per topic no matter how many local subscribers share it.
type subscriptionManager struct {
	open  openFunc
	local *Broadcaster
	mu    sync.Mutex
	subs  map[string]*subEntry // topic -> subscription data
	wg    sync.WaitGroup
}

type subEntry struct {
	refCnt int
	cancel context.CancelFunc
}

func newSubscriptionManager(open openFunc, local *Broadcaster) *subscriptionManager {
	return &subscriptionManager{
		open:  open,
		local: local,
		subs:  make(map[string]*subEntry),
	}
}

// acquire makes sure the process listens on topic's Redis channel;
// subsequent calls for the same topic only increment the ref-counter.
func (sm *subscriptionManager) acquire(topic string) {
	sm.mu.Lock()
	if e, ok := sm.subs[topic]; ok {
		e.refCnt++
		sm.mu.Unlock()
		return
	}

	// First consumer: create the Redis SUB and relay loop.
	ctx, cancel := context.WithCancel(context.Background())
	msgs, closeFn := sm.open(ctx, channelFor(topic))
	sm.subs[topic] = &subEntry{refCnt: 1, cancel: cancel}
	sm.wg.Add(1)
	sm.mu.Unlock()

	go func() {
		defer sm.wg.Done()
		defer func() {
			if err := closeFn(); err != nil {
				zap.L().Debug("broadcast.redis_close", zap.String("topic", topic), zap.Error(err))
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok { // Redis connection closed.
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(m.Payload), &evt); err != nil {
					zap.L().Warn("broadcast.decode_failed", zap.String("topic", topic), zap.Error(err))
					continue
				}
				sm.local.Publish(topic, evt)
			}
		}
	}()
}

// release decrements the ref-counter and tears the Redis SUB down when the
// last local subscriber leaves.
func (sm *subscriptionManager) release(topic string) {
	sm.mu.Lock()
	e, ok := sm.subs[topic]
	if !ok {
		sm.mu.Unlock()
		return
	}
	e.refCnt--
	if e.refCnt > 0 {
		sm.mu.Unlock()
		return
	}
	delete(sm.subs, topic)
	sm.mu.Unlock()

	// Outside the lock: stop the relay goroutine.
	e.cancel()
}

func (sm *subscriptionManager) active() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.subs)
}

func (sm *subscriptionManager) closeAll() {
	sm.mu.Lock()
	entries := sm.subs
	sm.subs = make(map[string]*subEntry)
	sm.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
	sm.wg.Wait()
}
