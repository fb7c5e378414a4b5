// Package controller owns the session state machine. All session state is
// mutated on a single event-loop goroutine; public methods, timers, the
// monitoring loop and uploads reach it by enqueueing events.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ent0n29/screenpilot/internal/audio"
	"github.com/ent0n29/screenpilot/internal/changedetect"
	"github.com/ent0n29/screenpilot/internal/history"
	"github.com/ent0n29/screenpilot/internal/monitor"
	"github.com/ent0n29/screenpilot/internal/observability"
	"github.com/ent0n29/screenpilot/internal/session"
	"github.com/ent0n29/screenpilot/internal/upload"
)

const (
	defaultSessionTimeout = 50 * time.Second
	defaultResetDelay     = 3 * time.Second
	eventQueueSize        = 64
)

// Monitor is the periodic capture loop driven by the controller.
type Monitor interface {
	Start(sessionID, audioName string, audio []byte)
	Stop()
}

// HistorySink receives a record for every torn-down session.
type HistorySink interface {
	Record(record history.Record)
}

type Config struct {
	SessionTimeout time.Duration
	ResetDelay     time.Duration
	AudioDir       string
	AudioExt       string
}

type Deps struct {
	Device  audio.Device
	Bus     *session.Bus
	Metrics *observability.Metrics
	History HistorySink
	// NewMonitor builds the loop; the controller passes itself as gate and sink.
	NewMonitor func(gate monitor.Gate, sink monitor.Sink) (Monitor, error)
}

type Controller struct {
	cfg     Config
	device  audio.Device
	bus     *session.Bus
	metrics *observability.Metrics
	history HistorySink
	monitor Monitor

	events chan func()
	done   chan struct{}

	// Owned by the event loop.
	state        session.State
	sess         *session.Session
	recording    bool
	timerSeq     uint64
	timeoutSeq   uint64
	timeoutTimer *time.Timer
	resetSeq     uint64
	resetTimer   *time.Timer
	stopPlayback context.CancelFunc
	discarded    int
}

func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Device == nil {
		return nil, errors.New("controller requires an audio device")
	}
	if deps.NewMonitor == nil {
		return nil, errors.New("controller requires a monitor factory")
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaultSessionTimeout
	}
	if cfg.ResetDelay <= 0 {
		cfg.ResetDelay = defaultResetDelay
	}
	if cfg.AudioDir == "" {
		cfg.AudioDir = filepath.Join(os.TempDir(), "screenpilot")
	}
	bus := deps.Bus
	if bus == nil {
		bus = session.NewBus()
	}

	c := &Controller{
		cfg:     cfg,
		device:  deps.Device,
		bus:     bus,
		metrics: deps.Metrics,
		history: deps.History,
		events:  make(chan func(), eventQueueSize),
		done:    make(chan struct{}),
		state:   session.StateIdle,
	}
	bus.SetDropHandler(func(n session.Notification) {
		c.metrics.ObserveBusDrop(string(n.State))
		if n.State == session.StateError {
			log.Printf("controller: subscriber missed error notification (%s)", n.Reason)
		}
	})
	m, err := deps.NewMonitor(c, c)
	if err != nil {
		return nil, fmt.Errorf("build monitor: %w", err)
	}
	c.monitor = m
	return c, nil
}

func (c *Controller) Bus() *session.Bus { return c.bus }

// Run processes events until ctx is done, then tears down any live session.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			if c.sess != nil {
				c.cleanupSession(history.EndedByShutdown)
				c.setState(session.StateIdle, "")
			}
			return nil
		case fn := <-c.events:
			fn()
		}
	}
}

// StartSession begins recording a new instruction. It fails with
// ErrSessionBusy while a recording or an upload cycle is in progress.
// Collaborator failures are not returned; they leave the session in the
// error state, visible in the snapshot.
func (c *Controller) StartSession(ctx context.Context, permissionGranted bool) (session.Snapshot, error) {
	return c.call(ctx, func() error { return c.startSession(permissionGranted) })
}

// StopRecording ends the recording and starts monitoring. It is ignored while
// thinking and fails with ErrNotRecording in other states.
func (c *Controller) StopRecording(ctx context.Context) (session.Snapshot, error) {
	return c.call(ctx, c.stopRecording)
}

// Cancel tears down any live session and returns to idle.
func (c *Controller) Cancel(ctx context.Context) (session.Snapshot, error) {
	return c.call(ctx, func() error {
		c.cancel()
		return nil
	})
}

// Toggle is the single-button interaction: start when at rest, stop when
// recording, ignored while thinking.
func (c *Controller) Toggle(ctx context.Context, permissionGranted bool) (session.Snapshot, error) {
	return c.call(ctx, func() error {
		switch {
		case c.state == session.StateRecording:
			return c.stopRecording()
		case c.state.CanStart():
			return c.startSession(permissionGranted)
		default:
			return nil
		}
	})
}

func (c *Controller) Snapshot(ctx context.Context) (session.Snapshot, error) {
	return c.call(ctx, func() error { return nil })
}

// Admit implements monitor.Gate. It records fp as the new baseline when the
// screen changed.
func (c *Controller) Admit(ctx context.Context, sessionID string, tick int, fp changedetect.Fingerprint) (bool, error) {
	var admitted bool
	err := c.do(ctx, func() error {
		if c.sess == nil || c.sess.ID != sessionID || !c.state.Monitoring() {
			return ErrStaleSession
		}
		if c.sess.UploadInFlight {
			return fmt.Errorf("tick %d: upload already in flight", tick)
		}
		if !changedetect.Changed(c.sess.LastFingerprint, fp) {
			c.sess.SkippedTicks++
			return nil
		}
		c.sess.LastFingerprint = fp
		c.sess.UploadInFlight = true
		c.sess.Uploads++
		admitted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return admitted, nil
}

// Deliver implements monitor.Sink.
func (c *Controller) Deliver(res upload.Result) {
	c.enqueue(func() { c.handleResult(res) })
}

// CaptureFailed implements monitor.Sink.
func (c *Controller) CaptureFailed(sessionID string, err error) {
	c.enqueue(func() {
		if c.sess == nil || c.sess.ID != sessionID || !c.state.Monitoring() {
			c.discard("capture failure")
			return
		}
		c.fail(failureFromCapture(err))
	})
}

func (c *Controller) call(ctx context.Context, fn func() error) (session.Snapshot, error) {
	var snap session.Snapshot
	err := c.do(ctx, func() error {
		err := fn()
		snap = c.snapshot()
		return err
	})
	return snap, err
}

func (c *Controller) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case c.events <- func() { reply <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

func (c *Controller) enqueue(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

func (c *Controller) snapshot() session.Snapshot {
	if c.sess == nil {
		return session.Snapshot{State: c.state, InputEnabled: c.state != session.StateThinking}
	}
	snap := c.sess.Snapshot()
	snap.State = c.state
	snap.InputEnabled = c.state != session.StateThinking
	return snap
}

func (c *Controller) startSession(permissionGranted bool) error {
	if !c.state.CanStart() {
		c.metrics.ObserveSessionEvent("start_rejected")
		return ErrSessionBusy
	}
	prior := c.state
	if c.sess != nil {
		c.cleanupSession(history.EndedByRestart)
	}
	c.halt()

	sess := session.New(c.cfg.AudioDir, c.cfg.AudioExt)
	c.sess = sess
	c.metrics.ObserveSessionEvent("started")

	if !permissionGranted {
		if prior == session.StateError {
			// Re-entering error needs its own notification for the new reason.
			c.setState(session.StateIdle, "")
		}
		c.fail(newFailure(KindPermissionDenied, ErrPermissionDenied))
		return nil
	}

	if err := os.MkdirAll(c.cfg.AudioDir, 0o755); err != nil {
		c.fail(newFailure(KindRecordingDevice, err))
		return nil
	}
	if err := c.device.StartRecording(sess.AudioPath); err != nil {
		c.fail(newFailure(KindRecordingDevice, err))
		return nil
	}
	c.recording = true
	c.setState(session.StateRecording, "")
	c.armTimeout()
	return nil
}

func (c *Controller) stopRecording() error {
	switch c.state {
	case session.StateThinking:
		return nil
	case session.StateRecording:
	default:
		return ErrNotRecording
	}

	c.recording = false
	if err := c.device.StopRecording(); err != nil {
		c.fail(newFailure(KindRecordingDevice, err))
		return nil
	}
	clip, err := os.ReadFile(c.sess.AudioPath)
	if err == nil && len(clip) == 0 {
		err = errors.New("recording is empty")
	}
	if err != nil {
		c.fail(newFailure(KindRecordingDevice, err))
		return nil
	}

	c.sess.Audio = clip
	c.sess.ThinkingAt = time.Now()
	c.metrics.ObserveSessionEvent("stopped")
	c.setState(session.StateThinking, "")
	c.armTimeout()
	c.monitor.Start(c.sess.ID, filepath.Base(c.sess.AudioPath), clip)
	return nil
}

func (c *Controller) cancel() {
	if c.state == session.StateIdle && c.sess == nil {
		return
	}
	c.metrics.ObserveSessionEvent("cancelled")
	c.cleanupSession(history.EndedByCancel)
	c.setState(session.StateIdle, "")
}

func (c *Controller) handleResult(res upload.Result) {
	if c.sess == nil || c.sess.ID != res.SessionID || !c.state.Monitoring() {
		c.discard("upload result")
		return
	}
	c.sess.UploadInFlight = false

	if !res.OK() {
		f := failureFromUpload(res.Err)
		c.metrics.ObserveUpload(string(f.Kind), res.Latency)
		c.fail(f)
		return
	}
	c.metrics.ObserveUpload("ok", res.Latency)

	reply := res.Reply
	c.sess.AIText = reply.AIText
	if c.sess.FirstReplyAt.IsZero() {
		c.sess.FirstReplyAt = time.Now()
		c.metrics.ObserveStage(observability.StageStopToFirstReply, c.sess.FirstReplyAt.Sub(c.sess.ThinkingAt))
	}

	if reply.MissionAchieved {
		c.sess.MissionAchieved = true
		c.monitor.Stop()
		c.cancelTimeout()
		c.metrics.ObserveSessionEvent("mission_achieved")
		c.setState(session.StateSuccess, "")
		c.play(reply.Audio)
		c.armReset()
		return
	}

	c.setState(session.StateResponse, "")
	if !c.recording {
		c.play(reply.Audio)
	}
}

// fail moves a live session into the error state. A session already in the
// error state keeps its first reason.
func (c *Controller) fail(f *Failure) {
	if c.sess == nil || c.state == session.StateError {
		return
	}
	c.monitor.Stop()
	c.cancelTimeout()
	if c.recording {
		c.recording = false
		if err := c.device.StopRecording(); err != nil && !errors.Is(err, audio.ErrNotRecording) {
			log.Printf("controller: stop recording after failure: %v", err)
		}
	}
	c.sess.UploadInFlight = false
	c.sess.Reason = f.Reason()
	log.Printf("controller: session %s failed: %v", c.sess.ID, f)
	c.metrics.ObserveFailure(string(f.Kind))
	c.setState(session.StateError, c.sess.Reason)
	c.armReset()
}

func (c *Controller) discard(what string) {
	c.discarded++
	c.metrics.ObserveSessionEvent("result_discarded")
	log.Printf("controller: discarded stale %s", what)
}

// setState publishes exactly one notification per change; re-entering the
// current state is a no-op.
func (c *Controller) setState(next session.State, reason string) {
	if next == c.state {
		return
	}
	c.state = next
	if c.sess != nil {
		c.sess.State = next
	}
	if next != session.StateError {
		reason = ""
	}
	c.bus.Publish(next, reason)
	c.metrics.ObserveTransition(string(next), next != session.StateIdle)
}

func (c *Controller) armTimeout() {
	c.cancelTimeout()
	c.timerSeq++
	seq, id := c.timerSeq, c.sess.ID
	c.timeoutSeq = seq
	c.timeoutTimer = time.AfterFunc(c.cfg.SessionTimeout, func() {
		c.enqueue(func() { c.onTimeout(id, seq) })
	})
}

func (c *Controller) cancelTimeout() {
	if c.timeoutTimer != nil {
		c.timeoutTimer.Stop()
		c.timeoutTimer = nil
	}
	c.timeoutSeq = 0
}

func (c *Controller) onTimeout(id string, seq uint64) {
	if seq != c.timeoutSeq || c.sess == nil || c.sess.ID != id {
		return
	}
	c.timeoutTimer = nil
	c.timeoutSeq = 0
	c.fail(newFailure(KindTimeout, nil))
}

func (c *Controller) armReset() {
	c.cancelReset()
	c.timerSeq++
	seq, id := c.timerSeq, c.sess.ID
	c.resetSeq = seq
	c.resetTimer = time.AfterFunc(c.cfg.ResetDelay, func() {
		c.enqueue(func() { c.onReset(id, seq) })
	})
}

func (c *Controller) cancelReset() {
	if c.resetTimer != nil {
		c.resetTimer.Stop()
		c.resetTimer = nil
	}
	c.resetSeq = 0
}

func (c *Controller) onReset(id string, seq uint64) {
	if seq != c.resetSeq || c.sess == nil || c.sess.ID != id || !c.state.Settling() {
		return
	}
	c.resetTimer = nil
	c.resetSeq = 0
	c.cleanupSession(history.EndedByReset)
	c.setState(session.StateIdle, "")
}

func (c *Controller) play(clip []byte) {
	if len(clip) == 0 {
		return
	}
	c.halt()
	ctx, cancel := context.WithCancel(context.Background())
	c.stopPlayback = cancel
	go func() {
		if err := c.device.PlayClip(ctx, clip); err != nil && ctx.Err() == nil {
			log.Printf("controller: playback failed: %v", err)
		}
	}()
}

// halt stops any reply that is still playing.
func (c *Controller) halt() {
	if c.stopPlayback != nil {
		c.stopPlayback()
		c.stopPlayback = nil
	}
}

// cleanupSession is the only teardown path. It is safe to call repeatedly and
// leaves the state tag for the caller to set. The auto-reset lets the final
// reply finish playing; the next recording or an explicit stop cuts it.
func (c *Controller) cleanupSession(endedBy string) {
	c.monitor.Stop()
	c.cancelTimeout()
	c.cancelReset()
	if endedBy != history.EndedByReset {
		c.halt()
	}
	if c.recording {
		c.recording = false
		if err := c.device.StopRecording(); err != nil && !errors.Is(err, audio.ErrNotRecording) {
			log.Printf("controller: stop recording on cleanup: %v", err)
		}
	}

	sess := c.sess
	if sess == nil {
		return
	}
	c.sess = nil

	if err := os.Remove(sess.AudioPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("controller: remove %s: %v", sess.AudioPath, err)
	}
	c.metrics.ObserveStage(observability.StageSessionTotal, time.Since(sess.CreatedAt))
	if c.history != nil {
		c.history.Record(history.Record{
			SessionID:       sess.ID,
			Outcome:         c.state,
			EndedBy:         endedBy,
			Reason:          sess.Reason,
			AIText:          sess.AIText,
			MissionAchieved: sess.MissionAchieved,
			Uploads:         sess.Uploads,
			SkippedTicks:    sess.SkippedTicks,
			StartedAt:       sess.CreatedAt,
			EndedAt:         time.Now().UTC(),
		})
	}
}
