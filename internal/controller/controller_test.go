package controller

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/screenpilot/internal/changedetect"
	"github.com/ent0n29/screenpilot/internal/history"
	"github.com/ent0n29/screenpilot/internal/monitor"
	"github.com/ent0n29/screenpilot/internal/session"
	"github.com/ent0n29/screenpilot/internal/upload"
)

type fakeDevice struct {
	mu        sync.Mutex
	startErr  error
	starts    int
	recording string
	played    chan []byte
	// clipLength makes PlayClip block like a real player; zero returns at once.
	clipLength time.Duration
	finished   chan playback
}

type playback struct {
	clip      string
	cancelled bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{played: make(chan []byte, 16), finished: make(chan playback, 16)}
}

func (d *fakeDevice) StartRecording(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	d.starts++
	d.recording = path
	return nil
}

func (d *fakeDevice) StopRecording() error {
	d.mu.Lock()
	path := d.recording
	d.recording = ""
	d.mu.Unlock()
	if path == "" {
		return errors.New("not recording")
	}
	return os.WriteFile(path, []byte("spoken instruction"), 0o600)
}

func (d *fakeDevice) PlayClip(ctx context.Context, clip []byte) error {
	d.played <- clip
	if d.clipLength <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		d.finished <- playback{clip: string(clip), cancelled: true}
		return ctx.Err()
	case <-time.After(d.clipLength):
		d.finished <- playback{clip: string(clip)}
		return nil
	}
}

func (d *fakeDevice) nextPlayback(t *testing.T) playback {
	t.Helper()
	select {
	case p := <-d.finished:
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("playback never ended")
	}
	return playback{}
}

func (d *fakeDevice) awaitPlay(t *testing.T, want string) {
	t.Helper()
	select {
	case clip := <-d.played:
		if string(clip) != want {
			t.Fatalf("played %q, want %q", clip, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("clip %q not played", want)
	}
}

type fakeMonitor struct {
	mu     sync.Mutex
	starts []string
	audio  []byte
	stops  int
}

func (m *fakeMonitor) Start(sessionID, _ string, audio []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts = append(m.starts, sessionID)
	m.audio = audio
}

func (m *fakeMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
}

func (m *fakeMonitor) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.starts), m.stops
}

type fakeHistory struct {
	mu      sync.Mutex
	records []history.Record
}

func (h *fakeHistory) Record(r history.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
}

func (h *fakeHistory) all() []history.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]history.Record(nil), h.records...)
}

type harness struct {
	c       *Controller
	device  *fakeDevice
	monitor *fakeMonitor
	history *fakeHistory
	notes   <-chan session.Notification
	stop    func()
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.AudioDir == "" {
		cfg.AudioDir = t.TempDir()
	}
	h := &harness{device: newFakeDevice(), monitor: &fakeMonitor{}, history: &fakeHistory{}}
	c, err := New(cfg, Deps{
		Device:  h.device,
		History: h.history,
		NewMonitor: func(monitor.Gate, monitor.Sink) (Monitor, error) {
			return h.monitor, nil
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.c = c

	notes, unsubscribe := c.Bus().Subscribe()
	h.notes = notes
	if n := <-notes; n.State != session.StateIdle {
		t.Fatalf("initial notification = %s, want idle", n.State)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	h.stop = func() {
		cancel()
		<-done
	}
	t.Cleanup(func() {
		h.stop()
		unsubscribe()
	})
	return h
}

func (h *harness) expect(t *testing.T, want session.State) session.Notification {
	t.Helper()
	select {
	case n := <-h.notes:
		if n.State != want {
			t.Fatalf("notification state = %s (reason %q), want %s", n.State, n.Reason, want)
		}
		return n
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
	return session.Notification{}
}

func (h *harness) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case n := <-h.notes:
		t.Fatalf("unexpected notification %s (reason %q)", n.State, n.Reason)
	case <-time.After(d):
	}
}

// toThinking drives a fresh session through recording into thinking.
func (h *harness) toThinking(t *testing.T) session.Snapshot {
	t.Helper()
	ctx := context.Background()
	if _, err := h.c.StartSession(ctx, true); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	h.expect(t, session.StateRecording)
	snap, err := h.c.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording() error = %v", err)
	}
	h.expect(t, session.StateThinking)
	return snap
}

func fingerprint(b byte) changedetect.Fingerprint {
	var fp changedetect.Fingerprint
	fp[0] = b
	return fp
}

func mustAdmit(t *testing.T, c *Controller, id string, tick int, fp changedetect.Fingerprint) bool {
	t.Helper()
	ok, err := c.Admit(context.Background(), id, tick, fp)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	return ok
}

func TestScenarioResponseKeepsMonitoring(t *testing.T) {
	h := newHarness(t, Config{SessionTimeout: time.Minute, ResetDelay: time.Minute})
	snap := h.toThinking(t)
	if snap.InputEnabled {
		t.Fatalf("input should be disabled while thinking")
	}

	starts, _ := h.monitor.counts()
	if starts != 1 || string(h.monitor.audio) != "spoken instruction" {
		t.Fatalf("monitor starts = %d audio = %q", starts, h.monitor.audio)
	}

	id := snap.SessionID
	if !mustAdmit(t, h.c, id, 1, fingerprint(1)) {
		t.Fatalf("first tick should be admitted")
	}
	h.c.Deliver(upload.Result{SessionID: id, Tick: 1, Reply: upload.Reply{AIText: "tap settings", Audio: []byte("mp3")}})
	h.expect(t, session.StateResponse)

	select {
	case clip := <-h.device.played:
		if string(clip) != "mp3" {
			t.Fatalf("played %q, want reply audio", clip)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reply audio not played")
	}

	if mustAdmit(t, h.c, id, 2, fingerprint(1)) {
		t.Fatalf("unchanged fingerprint should not be admitted")
	}
	if !mustAdmit(t, h.c, id, 3, fingerprint(2)) {
		t.Fatalf("changed fingerprint should be admitted")
	}

	snap, err := h.c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.State != session.StateResponse || snap.Uploads != 2 || snap.SkippedTicks != 1 {
		t.Fatalf("snapshot = %+v, want response with 2 uploads and 1 skipped tick", snap)
	}
	if snap.AIText != "tap settings" {
		t.Fatalf("AIText = %q", snap.AIText)
	}
}

func TestScenarioMissionAchievedResetsToIdle(t *testing.T) {
	h := newHarness(t, Config{SessionTimeout: time.Minute, ResetDelay: 30 * time.Millisecond})
	snap := h.toThinking(t)

	mustAdmit(t, h.c, snap.SessionID, 1, fingerprint(1))
	h.c.Deliver(upload.Result{SessionID: snap.SessionID, Reply: upload.Reply{AIText: "done", MissionAchieved: true, Audio: []byte("bye")}})
	h.expect(t, session.StateSuccess)

	if _, stops := h.monitor.counts(); stops == 0 {
		t.Fatalf("monitor not stopped on success")
	}
	h.expect(t, session.StateIdle)

	records := h.history.all()
	if len(records) != 1 {
		t.Fatalf("history records = %d, want 1", len(records))
	}
	if records[0].Outcome != session.StateSuccess || !records[0].MissionAchieved || records[0].EndedBy != history.EndedByReset {
		t.Fatalf("history record = %+v", records[0])
	}
}

func TestScenarioSessionTimeout(t *testing.T) {
	h := newHarness(t, Config{SessionTimeout: 40 * time.Millisecond, ResetDelay: 30 * time.Millisecond})
	h.toThinking(t)

	n := h.expect(t, session.StateError)
	if n.Reason != "timeout" {
		t.Fatalf("reason = %q, want timeout", n.Reason)
	}
	h.expect(t, session.StateIdle)
	// The timeout fires once; nothing follows the reset.
	h.expectQuiet(t, 100*time.Millisecond)
}

func TestScenarioStaleResultIsDiscarded(t *testing.T) {
	h := newHarness(t, Config{SessionTimeout: time.Minute, ResetDelay: time.Minute})
	first := h.toThinking(t)
	mustAdmit(t, h.c, first.SessionID, 1, fingerprint(1))

	if _, err := h.c.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	h.expect(t, session.StateIdle)

	second := h.toThinking(t)
	if second.SessionID == first.SessionID {
		t.Fatalf("new session reused id %s", first.SessionID)
	}

	h.c.Deliver(upload.Result{SessionID: first.SessionID, Reply: upload.Reply{AIText: "late", MissionAchieved: true}})
	snap, err := h.c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.State != session.StateThinking || snap.AIText != "" {
		t.Fatalf("stale result changed session: %+v", snap)
	}
	if _, err := h.c.Admit(context.Background(), first.SessionID, 2, fingerprint(3)); !errors.Is(err, ErrStaleSession) {
		t.Fatalf("Admit() for old session error = %v, want ErrStaleSession", err)
	}
	h.expectQuiet(t, 20*time.Millisecond)
}

func TestStartWhileBusyIsRejected(t *testing.T) {
	h := newHarness(t, Config{SessionTimeout: time.Minute, ResetDelay: time.Minute})
	ctx := context.Background()
	if _, err := h.c.StartSession(ctx, true); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	h.expect(t, session.StateRecording)

	snap, err := h.c.StartSession(ctx, true)
	if !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("second StartSession() error = %v, want ErrSessionBusy", err)
	}
	if snap.State != session.StateRecording {
		t.Fatalf("state = %s after rejected start", snap.State)
	}
	h.device.mu.Lock()
	starts := h.device.starts
	h.device.mu.Unlock()
	if starts != 1 {
		t.Fatalf("device starts = %d, want 1", starts)
	}

	h.c.StopRecording(ctx)
	h.expect(t, session.StateThinking)
	if _, err := h.c.StartSession(ctx, true); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("StartSession() while thinking error = %v, want ErrSessionBusy", err)
	}
}

func TestStopOutsideRecording(t *testing.T) {
	h := newHarness(t, Config{SessionTimeout: time.Minute, ResetDelay: time.Minute})
	ctx := context.Background()
	if _, err := h.c.StopRecording(ctx); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("StopRecording() at idle error = %v, want ErrNotRecording", err)
	}

	h.toThinking(t)
	snap, err := h.c.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording() while thinking error = %v, want ignored", err)
	}
	if snap.State != session.StateThinking {
		t.Fatalf("state = %s, want thinking", snap.State)
	}
	h.expectQuiet(t, 20*time.Millisecond)
}

func TestPermissionDeniedEntersError(t *testing.T) {
	h := newHarness(t, Config{SessionTimeout: time.Minute, ResetDelay: 30 * time.Millisecond})
	snap, err := h.c.StartSession(context.Background(), false)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if snap.Reason != string(KindPermissionDenied) {
		t.Fatalf("reason = %q, want permission_denied", snap.Reason)
	}
	n := h.expect(t, session.StateError)
	if n.Reason != "permission_denied" {
		t.Fatalf("notification reason = %q", n.Reason)
	}
	h.expect(t, session.StateIdle)
}

func TestRecordingDeviceFailure(t *testing.T) {
	h := newHarness(t, Config{SessionTimeout: time.Minute, ResetDelay: time.Minute})
	h.device.startErr = errors.New("mic busy")

	h.c.StartSession(context.Background(), true)
	n := h.expect(t, session.StateError)
	if n.Reason != string(KindRecordingDevice) {
		t.Fatalf("reason = %q, want recording_device", n.Reason)
	}
}

func TestUploadFailureEntersError(t *testing.T) {
	h := newHarness(t, Config{SessionTimeout: time.Minute, ResetDelay: time.Minute})
	snap := h.toThinking(t)
	mustAdmit(t, h.c, snap.SessionID, 1, fingerprint(1))

	h.c.Deliver(upload.Result{
		SessionID: snap.SessionID,
		Err:       &upload.Failure{Kind: upload.KindNetwork, Reason: "network:status 503"},
	})
	n := h.expect(t, session.StateError)
	if n.Reason != "network:status 503" {
		t.Fatalf("reason = %q", n.Reason)
	}
	if _, stops := h.monitor.counts(); stops == 0 {
		t.Fatalf("monitor not stopped on failure")
	}
}

func TestCaptureFailureEntersError(t *testing.T) {
	h := newHarness(t, Config{SessionTimeout: time.Minute, ResetDelay: time.Minute})
	snap := h.toThinking(t)

	h.c.CaptureFailed(snap.SessionID, errors.New("adb offline"))
	n := h.expect(t, session.StateError)
	if n.Reason != string(KindCaptureUnavailable) {
		t.Fatalf("reason = %q, want capture_unavailable", n.Reason)
	}
}

func TestCancelPreventsTimeoutAndDeletesAudio(t *testing.T) {
	h := newHarness(t, Config{SessionTimeout: 40 * time.Millisecond, ResetDelay: 20 * time.Millisecond})
	h.toThinking(t)

	snap, err := h.c.Cancel(context.Background())
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if snap.State != session.StateIdle {
		t.Fatalf("state = %s, want idle", snap.State)
	}
	h.expect(t, session.StateIdle)
	h.expectQuiet(t, 120*time.Millisecond)

	records := h.history.all()
	if len(records) != 1 || records[0].EndedBy != history.EndedByCancel {
		t.Fatalf("history = %+v, want one cancelled record", records)
	}
	entries, err := os.ReadDir(h.c.cfg.AudioDir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("audio dir not cleaned: %d entries", len(entries))
	}
}

func TestToggleStartsAndStops(t *testing.T) {
	h := newHarness(t, Config{SessionTimeout: time.Minute, ResetDelay: time.Minute})
	ctx := context.Background()

	snap, err := h.c.Toggle(ctx, true)
	if err != nil || snap.State != session.StateRecording {
		t.Fatalf("Toggle() = %s, %v; want recording", snap.State, err)
	}
	h.expect(t, session.StateRecording)
	snap, err = h.c.Toggle(ctx, true)
	if err != nil || snap.State != session.StateThinking {
		t.Fatalf("Toggle() = %s, %v; want thinking", snap.State, err)
	}
	h.expect(t, session.StateThinking)
	snap, err = h.c.Toggle(ctx, true)
	if err != nil || snap.State != session.StateThinking {
		t.Fatalf("Toggle() while thinking = %s, %v; want ignored", snap.State, err)
	}
}

func TestShutdownCleansUpLiveSession(t *testing.T) {
	h := newHarness(t, Config{SessionTimeout: time.Minute, ResetDelay: time.Minute})
	h.toThinking(t)

	h.stop()
	h.expect(t, session.StateIdle)
	records := h.history.all()
	if len(records) != 1 || records[0].EndedBy != history.EndedByShutdown {
		t.Fatalf("history = %+v, want shutdown record", records)
	}
	if _, err := h.c.Snapshot(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Snapshot() after stop error = %v, want ErrStopped", err)
	}
}

func TestStartSessionCutsReplyPlayback(t *testing.T) {
	h := newHarness(t, Config{SessionTimeout: time.Minute, ResetDelay: time.Minute})
	h.device.clipLength = time.Minute
	snap := h.toThinking(t)

	mustAdmit(t, h.c, snap.SessionID, 1, fingerprint(1))
	h.c.Deliver(upload.Result{SessionID: snap.SessionID, Tick: 1, Reply: upload.Reply{AIText: "scroll down", Audio: []byte("long reply")}})
	h.expect(t, session.StateResponse)
	h.device.awaitPlay(t, "long reply")

	if _, err := h.c.StartSession(context.Background(), true); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	h.expect(t, session.StateRecording)
	if p := h.device.nextPlayback(t); !p.cancelled || p.clip != "long reply" {
		t.Fatalf("playback = %+v, want reply cut by recording", p)
	}
}

func TestAutoResetLetsFinalReplyFinish(t *testing.T) {
	h := newHarness(t, Config{SessionTimeout: time.Minute, ResetDelay: 30 * time.Millisecond})
	h.device.clipLength = 300 * time.Millisecond
	snap := h.toThinking(t)

	mustAdmit(t, h.c, snap.SessionID, 1, fingerprint(1))
	h.c.Deliver(upload.Result{SessionID: snap.SessionID, Tick: 1, Reply: upload.Reply{AIText: "done", MissionAchieved: true, Audio: []byte("goodbye")}})
	h.expect(t, session.StateSuccess)
	h.device.awaitPlay(t, "goodbye")
	h.expect(t, session.StateIdle)

	if p := h.device.nextPlayback(t); p.cancelled {
		t.Fatalf("final reply was cut by the auto-reset")
	}
}

func TestCancelCutsReplyPlayback(t *testing.T) {
	h := newHarness(t, Config{SessionTimeout: time.Minute, ResetDelay: time.Minute})
	h.device.clipLength = time.Minute
	snap := h.toThinking(t)

	mustAdmit(t, h.c, snap.SessionID, 1, fingerprint(1))
	h.c.Deliver(upload.Result{SessionID: snap.SessionID, Tick: 1, Reply: upload.Reply{Audio: []byte("reply")}})
	h.expect(t, session.StateResponse)
	h.device.awaitPlay(t, "reply")

	if _, err := h.c.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	h.expect(t, session.StateIdle)
	if p := h.device.nextPlayback(t); !p.cancelled {
		t.Fatalf("playback = %+v, want cut by cancel", p)
	}
}
