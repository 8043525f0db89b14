package broadcast

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const DefaultBufferSize = 64

// Broadcaster fans events out in process. Each subscriber owns a bounded
// queue and a delivery goroutine. A full queue drops its oldest event.
type Broadcaster struct {
	mu      sync.RWMutex
	topics  map[string]map[uint64]*subscriber
	nextID  atomic.Uint64
	bufSize int
	closed  bool
	wg      sync.WaitGroup
}

var _ Bus = (*Broadcaster)(nil)

func NewBroadcaster(bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Broadcaster{
		topics:  make(map[string]map[uint64]*subscriber),
		bufSize: bufSize,
	}
}

type subscriber struct {
	topic string
	cb    Callback
	queue *dropQueue[Event]
}

func (s *subscriber) offer(evt Event) { s.queue.offer(evt) }

func (s *subscriber) close() { s.queue.close() }

func (s *subscriber) run() {
	for evt := range s.queue.ch {
		s.deliver(evt)
	}
	if n := s.queue.dropped.Load(); n > 0 {
		zap.L().Warn("broadcast.dropped", zap.String("topic", s.topic), zap.Int64("count", n))
	}
}

func (s *subscriber) deliver(evt Event) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("broadcast.subscriber_panic",
				zap.String("topic", s.topic),
				zap.String("event", string(evt.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	s.cb(evt)
}

// Subscribe registers cb on topic. The returned func is idempotent; the last
// unsubscribe for a topic releases it.
func (b *Broadcaster) Subscribe(topic string, cb Callback) func() {
	sub := &subscriber{topic: topic, cb: cb, queue: newDropQueue[Event](b.bufSize)}
	id := b.nextID.Add(1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[uint64]*subscriber)
		b.topics[topic] = subs
	}
	subs[id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		sub.run()
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if subs, ok := b.topics[topic]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.topics, topic)
				}
			}
			b.mu.Unlock()
			sub.close()
		})
	}
}

// Publish hands evt to every current subscriber of topic. It never blocks on
// a slow subscriber.
func (b *Broadcaster) Publish(topic string, evt Event) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.topics[topic]))
	for _, s := range b.topics[topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.offer(evt)
	}
}

// SubscriberCount returns how many subscribers topic has.
func (b *Broadcaster) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// TopicCount returns the number of topics with at least one subscriber.
func (b *Broadcaster) TopicCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}

// Close stops accepting subscribers, lets every queue drain and waits for the
// delivery goroutines to finish.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscriber
	for _, subs := range b.topics {
		for _, s := range subs {
			all = append(all, s)
		}
	}
	b.topics = make(map[string]map[uint64]*subscriber)
	b.mu.Unlock()

	for _, s := range all {
		s.close()
	}
	b.wg.Wait()
}
