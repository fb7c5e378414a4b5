// Package overlay turns state notifications into indicator updates.
package overlay

import (
	"context"
	"log"
	"sync"

	"github.com/ent0n29/screenpilot/internal/session"
)

// Presenter renders the floating indicator. Both calls are cosmetic.
type Presenter interface {
	SetIndicator(state session.State)
	ShowError(reason string)
}

// LogPresenter writes indicator changes to the process log.
type LogPresenter struct {
	mu      sync.Mutex
	current session.State
}

func NewLogPresenter() *LogPresenter {
	return &LogPresenter{current: session.StateIdle}
}

func (p *LogPresenter) SetIndicator(state session.State) {
	p.mu.Lock()
	p.current = state
	p.mu.Unlock()
	log.Printf("overlay: indicator %s", state)
}

func (p *LogPresenter) ShowError(reason string) {
	log.Printf("overlay: error %s", reason)
}

func (p *LogPresenter) Current() session.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Pump forwards notifications from bus to presenter until ctx is done.
// Duplicate or replayed notifications (same sequence) are ignored.
func Pump(ctx context.Context, bus *session.Bus, presenter Presenter) {
	notes, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	var lastSeq uint64
	seen := false
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			if seen && n.Seq <= lastSeq {
				continue
			}
			seen = true
			lastSeq = n.Seq
			presenter.SetIndicator(n.State)
			if n.State == session.StateError && n.Reason != "" {
				presenter.ShowError(n.Reason)
			}
		}
	}
}
