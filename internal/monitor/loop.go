// Package monitor runs the periodic capture, fingerprint and upload cycle
// for a session that is waiting on the agent.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ent0n29/screenpilot/internal/changedetect"
	"github.com/ent0n29/screenpilot/internal/observability"
	"github.com/ent0n29/screenpilot/internal/screen"
	"github.com/ent0n29/screenpilot/internal/upload"
)

// Tick outcomes reported to metrics.
const (
	TickUploaded      = "uploaded"
	TickUnchanged     = "unchanged"
	TickRejected      = "rejected"
	TickCaptureFailed = "capture_failed"
)

// Gate decides whether a fingerprint warrants an upload. Admit must record
// the fingerprint as the new baseline when it returns true. A non-nil error
// means the session is no longer accepting ticks.
type Gate interface {
	Admit(ctx context.Context, sessionID string, tick int, fp changedetect.Fingerprint) (bool, error)
}

// Sink receives tick outcomes. Implementations must not block indefinitely.
type Sink interface {
	Deliver(res upload.Result)
	CaptureFailed(sessionID string, err error)
}

type Config struct {
	Interval time.Duration
}

// Loop drives at most one session at a time and keeps at most one upload in
// flight. The interval is measured from the start of a tick; the next tick is
// not scheduled before the previous result was delivered.
type Loop struct {
	source   screen.Source
	detector *changedetect.Detector
	uploader upload.Uploader
	gate     Gate
	sink     Sink
	metrics  *observability.Metrics
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running string
}

func New(cfg Config, source screen.Source, detector *changedetect.Detector, uploader upload.Uploader, gate Gate, sink Sink, metrics *observability.Metrics) (*Loop, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("monitor interval must be positive")
	}
	if source == nil || detector == nil || uploader == nil || gate == nil || sink == nil {
		return nil, fmt.Errorf("monitor loop requires source, detector, uploader, gate and sink")
	}
	return &Loop{
		source:   source,
		detector: detector,
		uploader: uploader,
		gate:     gate,
		sink:     sink,
		metrics:  metrics,
		interval: cfg.Interval,
	}, nil
}

// Start begins monitoring for sessionID with an immediate first tick. A loop
// already running for another session is stopped first.
func (l *Loop) Start(sessionID, audioName string, audio []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	l.running = sessionID

	go func() {
		defer close(done)
		l.run(ctx, sessionID, audioName, audio)
	}()
}

// Stop cancels the running loop without waiting for it. A result already in
// flight is still delivered to the sink.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.running = ""
}

// Running returns the session id being monitored, or "".
func (l *Loop) Running() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Wait blocks until the most recently started loop goroutine has exited or
// ctx is done.
func (l *Loop) Wait(ctx context.Context) error {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) run(ctx context.Context, sessionID, audioName string, audio []byte) {
	for tick := 1; ; tick++ {
		started := time.Now()
		if !l.tick(ctx, sessionID, tick, audioName, audio) {
			return
		}
		if ctx.Err() != nil {
			return
		}

		wait := l.interval - time.Since(started)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// tick returns false when the loop should end.
func (l *Loop) tick(ctx context.Context, sessionID string, n int, audioName string, audio []byte) bool {
	if ctx.Err() != nil {
		return false
	}

	captureStart := time.Now()
	frame, err := l.source.CaptureFrame(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		l.metrics.ObserveTick(TickCaptureFailed)
		l.sink.CaptureFailed(sessionID, err)
		return true
	}
	fp, err := l.detector.Fingerprint(frame)
	if err != nil {
		l.metrics.ObserveTick(TickCaptureFailed)
		l.sink.CaptureFailed(sessionID, fmt.Errorf("%w: %v", screen.ErrUnavailable, err))
		return true
	}
	l.metrics.ObserveStage(observability.StageCaptureToFingerprint, time.Since(captureStart))

	admitted, err := l.gate.Admit(ctx, sessionID, n, fp)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("monitor: session %s tick %d rejected: %v", sessionID, n, err)
		}
		l.metrics.ObserveTick(TickRejected)
		return false
	}
	if !admitted {
		l.metrics.ObserveTick(TickUnchanged)
		return true
	}

	shot, err := screen.EncodePNG(frame)
	if err != nil {
		l.metrics.ObserveTick(TickCaptureFailed)
		l.sink.CaptureFailed(sessionID, fmt.Errorf("%w: %v", screen.ErrUnavailable, err))
		return true
	}

	l.metrics.ObserveTick(TickUploaded)
	res, ok := <-l.uploader.Send(ctx, upload.Request{
		SessionID: sessionID,
		Tick:      n,
		AudioName: audioName,
		Audio:     audio,
		Image:     shot,
	})
	if !ok {
		res = upload.Result{SessionID: sessionID, Tick: n, Err: &upload.Failure{Kind: upload.KindNetwork, Reason: "network:no result"}}
	}
	l.sink.Deliver(res)
	return true
}
