package upload

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockUploader answers locally without a network round trip. It reports the
// mission as achieved once a session has sent missionAfter uploads.
type MockUploader struct {
	mu           sync.Mutex
	missionAfter int
	delay        time.Duration
	counts       map[string]int
}

func NewMockUploader(missionAfter int, delay time.Duration) *MockUploader {
	if missionAfter <= 0 {
		missionAfter = 2
	}
	return &MockUploader{
		missionAfter: missionAfter,
		delay:        delay,
		counts:       make(map[string]int),
	}
}

func (m *MockUploader) Send(ctx context.Context, req Request) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		started := time.Now()
		res := Result{SessionID: req.SessionID, Tick: req.Tick, Attempts: 1}

		if m.delay > 0 {
			timer := time.NewTimer(m.delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				res.Err = networkFailure("canceled", ctx.Err())
				res.Latency = time.Since(started)
				out <- res
				return
			case <-timer.C:
			}
		}

		m.mu.Lock()
		m.counts[req.SessionID]++
		n := m.counts[req.SessionID]
		if n >= m.missionAfter {
			delete(m.counts, req.SessionID)
		}
		m.mu.Unlock()

		if n >= m.missionAfter {
			res.Reply = Reply{AIText: "Mission achieved.", MissionAchieved: true}
		} else {
			res.Reply = Reply{AIText: fmt.Sprintf("Step %d: follow the highlighted control.", n)}
		}
		res.Latency = time.Since(started)
		out <- res
	}()
	return out
}
