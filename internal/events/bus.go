package events

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/flowd/internal/events"

// Bus manages one Channel per task.
type Bus struct {
	bufferSize int
	logger     *zap.Logger

	mu       sync.RWMutex
	channels map[string]*Channel

	droppedCounter metric.Int64Counter
}

// NewBus creates a bus whose per-task channels hold up to bufferSize
// events. bufferSize <= 0 uses DefaultBufferSize.
func NewBus(bufferSize int, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		bufferSize: bufferSize,
		logger:     logger,
		channels:   make(map[string]*Channel),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	b.droppedCounter, err = meter.Int64Counter(
		"flowd.events.dropped_total",
		metric.WithDescription("Events dropped or evicted from task buffers"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		logger.Warn("failed to create dropped events counter", zap.Error(err))
	}

	return b
}

// Channel returns the channel for taskID, creating it if needed.
func (b *Bus) Channel(taskID string) *Channel {
	b.mu.RLock()
	ch, ok := b.channels[taskID]
	b.mu.RUnlock()
	if ok {
		return ch
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[taskID]; ok {
		return ch
	}
	ch = NewChannel(taskID, b.bufferSize)
	b.channels[taskID] = ch
	return ch
}

// Publish publishes an event on the task's channel.
func (b *Bus) Publish(taskID string, ev Event) uint64 {
	ch := b.Channel(taskID)
	before := ch.Dropped()
	seq := ch.Publish(ev)
	if d := ch.Dropped() - before; d > 0 && b.droppedCounter != nil {
		b.droppedCounter.Add(context.Background(), int64(d))
	}
	return seq
}

// Subscribe subscribes to a task's events starting at sequence from.
// Unknown tasks get an empty channel that delivers events if the task
// starts later.
func (b *Bus) Subscribe(taskID string, from uint64) (<-chan Event, func()) {
	return b.Channel(taskID).Subscribe(from)
}

// CloseTask marks a task's event stream complete.
func (b *Bus) CloseTask(taskID string) {
	b.mu.RLock()
	ch, ok := b.channels[taskID]
	b.mu.RUnlock()
	if ok {
		ch.Close()
	}
}

// Remove evicts a task's channel and its replay buffer.
func (b *Bus) Remove(taskID string) {
	b.mu.Lock()
	ch, ok := b.channels[taskID]
	delete(b.channels, taskID)
	b.mu.Unlock()
	if ok {
		ch.Close()
	}
}

// Sweep evicts channels idle for longer than retention: completed tasks,
// and channels that never saw a publish and have no subscribers left
// (subscriptions to task IDs that never started). It returns the number of
// evicted channels.
func (b *Bus) Sweep(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := 0
	for id, ch := range b.channels {
		if ch.stale() && ch.idleSince().Before(cutoff) {
			delete(b.channels, id)
			evicted++
		}
	}
	if evicted > 0 {
		b.logger.Debug("swept event channels", zap.Int("evicted", evicted))
	}
	return evicted
}
