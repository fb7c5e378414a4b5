package session

import (
	"sync"
	"time"
)

// Notification announces a state change. It carries the state tag only;
// Reason is filled for error states so presenters can show it once.
type Notification struct {
	Seq    uint64
	State  State
	Reason string
	At     time.Time
}

const subscriberBuffer = 64

// Bus fans notifications out to subscribers. Slow subscribers drop events
// rather than blocking the publisher; drops are counted and reported to the
// drop handler.
type Bus struct {
	mu          sync.Mutex
	seq         uint64
	last        Notification
	subscribers map[int]chan Notification
	nextSubID   int
	dropped     uint64
	onDrop      func(Notification)
}

func NewBus() *Bus {
	return &Bus{
		last:        Notification{State: StateIdle},
		subscribers: make(map[int]chan Notification),
	}
}

// SetDropHandler registers fn to be called for every notification a full
// subscriber missed. fn runs under the bus lock and must not publish.
func (b *Bus) SetDropHandler(fn func(Notification)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Subscribe returns a channel of notifications and an unsubscribe func. The
// latest notification is delivered first so late subscribers converge. A
// subscriber that falls more than 64 notifications behind misses the newer
// ones; Last always holds the current state.
func (b *Bus) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, subscriberBuffer)
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.subscribers[id] = ch
	ch <- b.last
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(c)
		}
	}
}

func (b *Bus) Publish(state State, reason string) Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	n := Notification{Seq: b.seq, State: state, Reason: reason, At: time.Now().UTC()}
	b.last = n
	for _, ch := range b.subscribers {
		select {
		case ch <- n:
		default:
			b.dropped++
			if b.onDrop != nil {
				b.onDrop(n)
			}
		}
	}
	return n
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Bus) Last() Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}
