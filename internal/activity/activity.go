package activity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBufferSize = 256
	writeTimeout      = 3 * time.Second
)

// Entry is one audit trail record.
type Entry struct {
	Action     string         `json:"action"`
	ResourceID string         `json:"resource_id"`
	ActorID    string         `json:"actor_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	At         time.Time      `json:"at"`
}

// Sink durably stores entries.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// Recorder is the fire-and-forget side the engine sees.
type Recorder interface {
	Record(action, resourceID, actorID string, metadata map[string]any)
}

// Logger queues entries and writes them to a Sink on a background worker.
// A full queue drops the entry; the caller is never blocked.
type Logger struct {
	sink   Sink
	queue  chan Entry
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	now    func() time.Time
}

var _ Recorder = (*Logger)(nil)

func NewLogger(sink Sink, bufSize int) *Logger {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	l := &Logger{
		sink:  sink,
		queue: make(chan Entry, bufSize),
		done:  make(chan struct{}),
		now:   time.Now,
	}
	go l.run()
	return l
}

func (l *Logger) Record(action, resourceID, actorID string, metadata map[string]any) {
	e := Entry{
		Action:     action,
		ResourceID: resourceID,
		ActorID:    actorID,
		Metadata:   metadata,
		At:         l.now().UTC(),
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- e:
	default:
		zap.L().Warn("activity.dropped", zap.String("action", action), zap.String("resource_id", resourceID))
	}
}

func (l *Logger) run() {
	defer close(l.done)
	for e := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := l.sink.Write(ctx, e); err != nil {
			zap.L().Warn("activity.write_failed",
				zap.String("action", e.Action),
				zap.String("resource_id", e.ResourceID),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Close flushes queued entries and stops the worker.
func (l *Logger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()
	<-l.done
}

// LogSink writes entries to the zap logger only.
type LogSink struct{}

func (LogSink) Write(_ context.Context, e Entry) error {
	zap.L().Info("activity",
		zap.String("action", e.Action),
		zap.String("resource_id", e.ResourceID),
		zap.String("actor_id", e.ActorID),
		zap.Any("metadata", e.Metadata),
	)
	return nil
}
