package history

import (
	"context"
	"log"
	"sync"
	"time"
)

const saveTimeout = 5 * time.Second

// Recorder saves records on its own goroutine so callers never wait on the
// store. Records are dropped when the queue is full.
type Recorder struct {
	store Store

	mu     sync.Mutex
	closed bool
	queue  chan Record
	done   chan struct{}
}

func NewRecorder(store Store, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 16
	}
	r := &Recorder{
		store: store,
		queue: make(chan Record, buffer),
		done:  make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Recorder) Record(record Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- record:
	default:
		log.Printf("history: queue full, dropping record for session %s", record.SessionID)
	}
}

// Close stops accepting records and waits for queued saves to finish.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for record := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		if err := r.store.Save(ctx, record); err != nil {
			log.Printf("history: save session %s failed: %v", record.SessionID, err)
		}
		cancel()
	}
}
