package events

import (
	"sync"
	"time"
)

// DefaultBufferSize bounds the per-task event buffer.
const DefaultBufferSize = 1024

// subscriberBuffer is the live delivery channel capacity. A subscriber that
// falls further behind than this misses live events and should resubscribe
// from its last seen sequence.
const subscriberBuffer = 256

// Channel is the bounded event buffer for a single task.
//
// Publish assigns sequence numbers and never blocks: a slow or absent
// subscriber cannot stall the pipeline. Subscribe replays buffered events
// at or after a given sequence, then delivers live events on the same
// channel in sequence order.
type Channel struct {
	taskID   string
	capacity int

	mu      sync.Mutex
	buf     []Event
	nextSeq uint64
	subs    map[int]chan Event
	nextSub int
	closed  bool
	touched time.Time

	dropped uint64
}

// NewChannel creates a channel for taskID with the given buffer capacity.
// capacity <= 0 uses DefaultBufferSize.
func NewChannel(taskID string, capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Channel{
		taskID:   taskID,
		capacity: capacity,
		subs:     make(map[int]chan Event),
		touched:  time.Now(),
	}
}

// Publish appends the event to the buffer, assigns its sequence number, and
// fans it out to live subscribers without blocking. It returns the assigned
// sequence.
func (c *Channel) Publish(ev Event) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSeq++
	ev.TaskID = c.taskID
	ev.Sequence = c.nextSeq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	c.touched = time.Now()

	c.append(ev)

	for _, sub := range c.subs {
		select {
		case sub <- ev:
		default:
			// Subscriber is not keeping up; it can resubscribe from its
			// last sequence to replay what it missed.
			c.dropped++
		}
	}
	return ev.Sequence
}

// append stores ev, evicting the oldest evictable event when full.
// Lifecycle events are retained even if that temporarily exceeds the bound;
// their count is small and fixed by the stage graph.
func (c *Channel) append(ev Event) {
	if len(c.buf) >= c.capacity {
		if !c.evictOne() && ev.Kind.Evictable() {
			// Buffer holds only lifecycle events; drop the incoming
			// high-frequency event instead.
			c.dropped++
			return
		}
	}
	c.buf = append(c.buf, ev)
}

// evictOne removes the oldest evictable event from the buffer. Returns
// false when nothing is evictable.
func (c *Channel) evictOne() bool {
	for i, ev := range c.buf {
		if ev.Kind.Evictable() {
			c.buf = append(c.buf[:i], c.buf[i+1:]...)
			c.dropped++
			return true
		}
	}
	return false
}

// Subscribe returns a channel that first replays buffered events with
// Sequence >= from, then carries live events. The returned cancel func
// unregisters the subscription; it is safe to call more than once.
//
// When the task's channel has been closed, the returned channel is closed
// after replay.
func (c *Channel) Subscribe(from uint64) (<-chan Event, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var replay []Event
	for _, ev := range c.buf {
		if ev.Sequence >= from {
			replay = append(replay, ev)
		}
	}

	ch := make(chan Event, len(replay)+subscriberBuffer)
	for _, ev := range replay {
		ch <- ev
	}

	if c.closed {
		close(ch)
		return ch, func() {}
	}

	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Close marks the task complete. Live subscriber channels are closed; the
// buffer stays available for replay until the bus evicts the task.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, sub := range c.subs {
		delete(c.subs, id)
		close(sub)
	}
}

// Closed reports whether the task's event stream has completed.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastSequence returns the most recently assigned sequence number.
func (c *Channel) LastSequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextSeq
}

// Dropped returns the count of events dropped or evicted so far.
func (c *Channel) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// idleSince returns the time of the last publish.
func (c *Channel) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.touched
}

// stale reports whether the channel is eligible for eviction: the stream
// completed, or nothing was ever published and nobody is subscribed. The
// latter covers subscriptions to task IDs that never start.
func (c *Channel) stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	return c.nextSeq == 0 && len(c.subs) == 0
}
